/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition indicates an invalid state transition was attempted.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDeviceUnavailable indicates the playback device cannot be used at all.
	ErrDeviceUnavailable = errors.New("playback device unavailable")

	// ErrSequencerClosed is returned for commands sent after the sequencer loop exited.
	ErrSequencerClosed = errors.New("sequencer closed")

	// ErrNotListening indicates the engine has no active session.
	ErrNotListening = errors.New("engine not listening")

	// ErrAlreadyListening indicates Start was called on a running engine.
	ErrAlreadyListening = errors.New("engine already listening")
)

// Stage names the generation step that failed.
type Stage string

const (
	StageSynthesize Stage = "synthesize"
	StageUpload     Stage = "upload"
	StageTimeout    Stage = "timeout"
)

// GenerationError reports a failed clip generation. The play's clip stays unset.
type GenerationError struct {
	PlayID string
	Stage  Stage
	Err    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate clip for play %s: %s: %v", e.PlayID, e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// PersistenceError reports that a generated clip could not be recorded on its play.
type PersistenceError struct {
	PlayID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("record clip for play %s: %v", e.PlayID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PlaybackError reports a clip that could not be loaded or did not play to the end.
type PlaybackError struct {
	PlayID string
	URL    string
	Err    error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("play %s (%s): %v", e.PlayID, e.URL, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// FeedGapError reports a live notification that skipped ahead of the last known sequence.
type FeedGapError struct {
	CollectionID string
	LastKnown    int64
	Received     int64
}

func (e *FeedGapError) Error() string {
	return fmt.Sprintf("feed gap on %s: last known %d, received %d", e.CollectionID, e.LastKnown, e.Received)
}

// failureStage labels an error for metrics and events.
func failureStage(err error) string {
	var genErr *GenerationError
	var persistErr *PersistenceError
	var playErr *PlaybackError
	switch {
	case errors.As(err, &genErr):
		return string(genErr.Stage)
	case errors.As(err, &persistErr):
		return "persist"
	case errors.As(err, &playErr):
		return "playback"
	default:
		return "unknown"
	}
}
