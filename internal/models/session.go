/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"
)

// ListeningSession is a bounded interval during which one listener consumes a collection.
type ListeningSession struct {
	ID                 string `gorm:"type:uuid;primaryKey"`
	CollectionID       string `gorm:"type:varchar(64);index:idx_session_collection_listener"`
	ListenerID         string `gorm:"type:varchar(64);index:idx_session_collection_listener"`
	StartedAt          time.Time
	EndedAt            *time.Time // NULL while the listener is active
	LastPlayedSequence int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides for GORM.
func (ListeningSession) TableName() string {
	return "listening_sessions"
}

// IsActive checks if the session has not been closed.
func (s *ListeningSession) IsActive() bool {
	return s.EndedAt == nil
}

// Close marks the session as ended. It reports false if it was already closed.
func (s *ListeningSession) Close(at time.Time) bool {
	if s.EndedAt != nil {
		return false
	}
	s.EndedAt = &at
	return true
}

// Advance raises LastPlayedSequence. Lower or equal values are ignored.
func (s *ListeningSession) Advance(seq int64) bool {
	if seq <= s.LastPlayedSequence {
		return false
	}
	s.LastPlayedSequence = seq
	return true
}

// Duration calculates the session duration.
func (s *ListeningSession) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// VoiceParams selects the voice used for speech generation.
type VoiceParams struct {
	VoiceID         string
	ModelID         string
	Stability       float64
	SimilarityBoost float64
}
