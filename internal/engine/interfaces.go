/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"context"
	"time"

	"github.com/friendsincode/playcall/internal/models"
)

// EventSource supplies a collection's plays: the stored backlog and live inserts.
type EventSource interface {
	// FetchBacklog returns plays with sequence > afterSeq.
	FetchBacklog(ctx context.Context, collectionID string, afterSeq int64) ([]models.Play, error)
	// Subscribe delivers inserted plays to onInsert. onReconnect is called when
	// notifications may have been missed and the backlog should be re-read.
	Subscribe(ctx context.Context, collectionID string, onInsert func(models.Play), onReconnect func()) (Subscription, error)
}

// Subscription is a live feed registration.
type Subscription interface {
	Close() error
}

// SpeechProvider turns text into encoded audio.
type SpeechProvider interface {
	Synthesize(ctx context.Context, text string, voice models.VoiceParams) ([]byte, error)
}

// ClipStore stores audio and returns a URL the device can load.
type ClipStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// PlayRepository records generated clips on plays.
type PlayRepository interface {
	// UpsertClip sets the clip if none is set and returns the URL stored afterwards.
	UpsertClip(ctx context.Context, playID, url string, generatedAt time.Time) (string, error)
	GetPlay(ctx context.Context, id string) (models.Play, error)
}

// SessionRepository persists listening sessions.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.ListeningSession) error
	GetSession(ctx context.Context, id string) (*models.ListeningSession, error)
	UpsertSession(ctx context.Context, session *models.ListeningSession) error
	// LatestClosedSession returns nil, nil when there is no closed session.
	LatestClosedSession(ctx context.Context, collectionID, listenerID string) (*models.ListeningSession, error)
}

// ClipCache is an optional shared lookup of resolved clips.
type ClipCache interface {
	GetClip(ctx context.Context, playID string) (models.Ready, bool)
	SetClip(ctx context.Context, playID string, clip models.Ready)
}

// Device plays audio clips.
type Device interface {
	// Open prepares the device. Errors mean the device cannot be used.
	Open(ctx context.Context) error
	// Load starts playing url. Errors wrapping ErrDeviceUnavailable stop the engine.
	Load(ctx context.Context, url string) (Handle, error)
}

// Handle controls one loaded clip.
type Handle interface {
	// Done yields nil when the clip played to the end, or the playback error.
	Done() <-chan error
	Pause() error
	Resume() error
	Release() error
}

// ClipResolver yields a playable URL for a play.
type ClipResolver interface {
	EnsureClip(ctx context.Context, play models.Play) (string, error)
}
