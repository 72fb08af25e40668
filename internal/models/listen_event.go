/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// ListenEventKind names a recorded listener action.
type ListenEventKind string

const (
	ListenEventStart     ListenEventKind = "game_listen_start"
	ListenEventEnd       ListenEventKind = "game_listen_end"
	ListenEventPlayHeard ListenEventKind = "play_heard"
)

// ListenEvent is one row of listener analytics.
type ListenEvent struct {
	ID              string          `gorm:"type:uuid;primaryKey"`
	Kind            ListenEventKind `gorm:"type:varchar(32);index"`
	SessionID       string          `gorm:"type:uuid;index"`
	CollectionID    string          `gorm:"type:varchar(64);index"`
	ListenerID      string          `gorm:"type:varchar(64)"`
	PlayID          string          `gorm:"type:varchar(64)"` // play_heard only
	Sequence        int64
	DurationSeconds float64 // game_listen_end only
	OccurredAt      time.Time

	CreatedAt time.Time
}

// TableName overrides for GORM.
func (ListenEvent) TableName() string {
	return "listen_events"
}
