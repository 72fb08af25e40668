/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"sort"
	"time"
)

// Play is one spoken event of a collection (e.g., an at-bat of a live game).
type Play struct {
	ID             string `gorm:"type:varchar(64);primaryKey"`
	CollectionID   string `gorm:"type:varchar(64);uniqueIndex:idx_play_collection_seq"`
	SequenceNumber int64  `gorm:"uniqueIndex:idx_play_collection_seq"`
	Inning         int    `gorm:"type:int"`
	InningHalf     string `gorm:"type:varchar(16)"`
	Description    string `gorm:"type:text"`

	// Set at most once, when the clip for this play has been generated and stored.
	ClipURL         *string `gorm:"type:text"`
	ClipGeneratedAt *time.Time

	CreatedAt time.Time
}

// TableName overrides for GORM.
func (Play) TableName() string {
	return "plays"
}

// ClipState is either Pending or Ready.
type ClipState interface {
	clipState()
}

// Pending means no clip has been generated for the play yet.
type Pending struct {
	Text string
}

// Ready carries the stored clip of a play.
type Ready struct {
	URL         string
	GeneratedAt time.Time
}

func (Pending) clipState() {}
func (Ready) clipState()   {}

// Clip reports the generation state of the play's audio.
func (p Play) Clip() ClipState {
	if p.ClipURL == nil || *p.ClipURL == "" {
		return Pending{Text: p.Description}
	}
	ready := Ready{URL: *p.ClipURL}
	if p.ClipGeneratedAt != nil {
		ready.GeneratedAt = *p.ClipGeneratedAt
	}
	return ready
}

// WithClip returns a copy of the play carrying the given clip.
func (p Play) WithClip(url string, generatedAt time.Time) Play {
	p.ClipURL = &url
	p.ClipGeneratedAt = &generatedAt
	return p
}

// SortBySequence orders plays by ascending sequence number in place.
func SortBySequence(plays []Play) {
	sort.SliceStable(plays, func(i, j int) bool {
		return plays[i].SequenceNumber < plays[j].SequenceNumber
	})
}
