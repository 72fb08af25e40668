/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playstore persists plays and listening sessions with gorm.
package playstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/playcall/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a play or session row does not exist.
var ErrNotFound = errors.New("playstore: not found")

// ErrDuplicatePlay is returned when a play id or (collection, sequence) pair already exists.
var ErrDuplicatePlay = errors.New("playstore: duplicate play")

// Store is the gorm-backed play and session repository.
type Store struct {
	db *gorm.DB
}

// New creates a store over an open database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// InsertPlay adds a play row. The (collection, sequence) pair must be unique.
func (s *Store) InsertPlay(ctx context.Context, play *models.Play) error {
	if play.ID == "" || play.CollectionID == "" {
		return fmt.Errorf("insert play: id and collection are required")
	}
	if err := s.db.WithContext(ctx).Create(play).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("insert play %s: %w", play.ID, ErrDuplicatePlay)
		}
		return fmt.Errorf("insert play %s: %w", play.ID, err)
	}
	return nil
}

// GetPlay loads a play by id.
func (s *Store) GetPlay(ctx context.Context, id string) (models.Play, error) {
	var play models.Play
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&play).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Play{}, fmt.Errorf("play %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Play{}, fmt.Errorf("get play %s: %w", id, err)
	}
	return play, nil
}

// ListPlays returns the plays of a collection with sequence > afterSeq, ascending.
func (s *Store) ListPlays(ctx context.Context, collectionID string, afterSeq int64) ([]models.Play, error) {
	var plays []models.Play
	err := s.db.WithContext(ctx).
		Where("collection_id = ? AND sequence_number > ?", collectionID, afterSeq).
		Order("sequence_number ASC").
		Find(&plays).Error
	if err != nil {
		return nil, fmt.Errorf("list plays for %s: %w", collectionID, err)
	}
	return plays, nil
}

// UpsertClip sets the clip of a play if none is set yet and returns the URL stored afterwards.
// The first writer wins; later writers get the existing URL back.
func (s *Store) UpsertClip(ctx context.Context, playID, url string, generatedAt time.Time) (string, error) {
	var winner string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Play{}).
			Where("id = ? AND (clip_url IS NULL OR clip_url = '')", playID).
			Updates(map[string]any{
				"clip_url":          url,
				"clip_generated_at": generatedAt.UTC(),
			})
		if res.Error != nil {
			return res.Error
		}

		var play models.Play
		if err := tx.Where("id = ?", playID).First(&play).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("play %s: %w", playID, ErrNotFound)
			}
			return err
		}
		ready, ok := play.Clip().(models.Ready)
		if !ok {
			return fmt.Errorf("play %s: clip not recorded", playID)
		}
		winner = ready.URL
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("upsert clip: %w", err)
	}
	return winner, nil
}

// CreateSession inserts a new listening session.
func (s *Store) CreateSession(ctx context.Context, session *models.ListeningSession) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.ListeningSession, error) {
	var session models.ListeningSession
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &session, nil
}

// UpsertSession writes session progress. The stored LastPlayedSequence never decreases
// and an EndedAt, once stored, is kept.
func (s *Store) UpsertSession(ctx context.Context, session *models.ListeningSession) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.ListeningSession{}).Where("id = ?", session.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		if count == 0 {
			if err := tx.Create(session).Error; err != nil {
				return fmt.Errorf("upsert session: %w", err)
			}
			return nil
		}

		updates := map[string]any{
			"last_played_sequence": gorm.Expr(
				"CASE WHEN last_played_sequence < ? THEN ? ELSE last_played_sequence END",
				session.LastPlayedSequence, session.LastPlayedSequence,
			),
			"updated_at": time.Now().UTC(),
		}
		if session.EndedAt != nil {
			updates["ended_at"] = gorm.Expr("COALESCE(ended_at, ?)", session.EndedAt.UTC())
		}
		if err := tx.Model(&models.ListeningSession{}).Where("id = ?", session.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

// LatestClosedSession returns the most recently ended session for a collection and listener,
// or nil when there is none.
func (s *Store) LatestClosedSession(ctx context.Context, collectionID, listenerID string) (*models.ListeningSession, error) {
	var session models.ListeningSession
	err := s.db.WithContext(ctx).
		Where("collection_id = ? AND listener_id = ? AND ended_at IS NOT NULL", collectionID, listenerID).
		Order("ended_at DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest closed session: %w", err)
	}
	return &session, nil
}
