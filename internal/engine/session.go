/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/playcall/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionTracker records how far each listening session got, so a later session for
// the same listener and collection resumes after the last play heard.
type SessionTracker struct {
	repo   SessionRepository
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*models.ListeningSession // active sessions by id
}

// NewSessionTracker creates a tracker.
func NewSessionTracker(repo SessionRepository, logger zerolog.Logger) *SessionTracker {
	return &SessionTracker{
		repo:     repo,
		logger:   logger.With().Str("component", "sessions").Logger(),
		now:      time.Now,
		sessions: make(map[string]*models.ListeningSession),
	}
}

// StartSession opens a session whose LastPlayedSequence starts at the low-water mark:
// the progress of the most recently closed session for the same collection and listener.
func (t *SessionTracker) StartSession(ctx context.Context, collectionID, listenerID string) (*models.ListeningSession, error) {
	prev, err := t.repo.LatestClosedSession(ctx, collectionID, listenerID)
	if err != nil {
		return nil, fmt.Errorf("look up previous session: %w", err)
	}

	var lowWater int64
	if prev != nil {
		lowWater = prev.LastPlayedSequence
	}

	session := &models.ListeningSession{
		ID:                 uuid.NewString(),
		CollectionID:       collectionID,
		ListenerID:         listenerID,
		StartedAt:          t.now().UTC(),
		LastPlayedSequence: lowWater,
	}
	if err := t.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	t.mu.Lock()
	t.sessions[session.ID] = session
	t.mu.Unlock()

	t.logger.Info().
		Str("session_id", session.ID).
		Str("collection_id", collectionID).
		Str("listener_id", listenerID).
		Int64("low_water", lowWater).
		Msg("session started")

	out := *session
	return &out, nil
}

// RecordPlayed raises the session's LastPlayedSequence to seq. Lower values are ignored.
func (t *SessionTracker) RecordPlayed(ctx context.Context, sessionID string, seq int64) error {
	t.mu.Lock()
	session, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		stored, err := t.repo.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("record played: %w", err)
		}
		if !stored.Advance(seq) {
			return nil
		}
		return t.persist(ctx, stored)
	}
	if !session.Advance(seq) {
		t.mu.Unlock()
		return nil
	}
	snapshot := *session
	t.mu.Unlock()

	t.logger.Debug().Str("session_id", sessionID).Int64("seq", seq).Msg("played sequence recorded")
	return t.persist(ctx, &snapshot)
}

// EndSession closes a session. Ending an already closed session does nothing.
func (t *SessionTracker) EndSession(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	session, ok := t.sessions[sessionID]
	if ok {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()

	if !ok {
		stored, err := t.repo.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		session = stored
	}

	if !session.Close(t.now().UTC()) {
		return nil
	}
	if err := t.persist(ctx, session); err != nil {
		return err
	}

	t.logger.Info().
		Str("session_id", sessionID).
		Int64("last_played", session.LastPlayedSequence).
		Dur("duration", session.Duration()).
		Msg("session ended")
	return nil
}

// Session returns a copy of an active session.
func (t *SessionTracker) Session(sessionID string) (models.ListeningSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return models.ListeningSession{}, false
	}
	return *s, true
}

func (t *SessionTracker) persist(ctx context.Context, session *models.ListeningSession) error {
	if err := t.repo.UpsertSession(ctx, session); err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}
