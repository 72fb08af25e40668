/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package feed delivers a collection's plays to listeners: a backlog read from the
// database plus a push stream of newly inserted plays.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/friendsincode/playcall/internal/engine"
	"github.com/friendsincode/playcall/internal/models"
	"github.com/rs/zerolog"
)

// PlayStore is the persistence the feed reads backlog from and publishes into.
type PlayStore interface {
	InsertPlay(ctx context.Context, play *models.Play) error
	ListPlays(ctx context.Context, collectionID string, afterSeq int64) ([]models.Play, error)
}

// Notifier carries insert notifications between processes.
type Notifier interface {
	Subscribe(ctx context.Context, collectionID string, onInsert func(models.Play), onReconnect func()) (engine.Subscription, error)
	Publish(ctx context.Context, play models.Play) error
	CheckHealth(ctx context.Context) error
	Close() error
}

// Source implements engine.EventSource over a PlayStore and a Notifier.
type Source struct {
	store    PlayStore
	notifier Notifier
	logger   zerolog.Logger
}

// NewSource creates a feed source.
func NewSource(store PlayStore, notifier Notifier, logger zerolog.Logger) *Source {
	return &Source{
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "feed").Logger(),
	}
}

// FetchBacklog returns the plays after afterSeq in ascending sequence order.
func (s *Source) FetchBacklog(ctx context.Context, collectionID string, afterSeq int64) ([]models.Play, error) {
	plays, err := s.store.ListPlays(ctx, collectionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("fetch backlog: %w", err)
	}
	models.SortBySequence(plays)
	s.logger.Debug().
		Str("collection_id", collectionID).
		Int64("after_seq", afterSeq).
		Int("count", len(plays)).
		Msg("backlog fetched")
	return plays, nil
}

// Subscribe registers for live inserts on a collection.
func (s *Source) Subscribe(ctx context.Context, collectionID string, onInsert func(models.Play), onReconnect func()) (engine.Subscription, error) {
	sub, err := s.notifier.Subscribe(ctx, collectionID, onInsert, onReconnect)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", collectionID, err)
	}
	return sub, nil
}

// Publish stores a new play and notifies live listeners. The row is committed before
// the notification goes out, so a listener reconciling on the notification finds it.
func (s *Source) Publish(ctx context.Context, play *models.Play) error {
	if play.CreatedAt.IsZero() {
		play.CreatedAt = time.Now().UTC()
	}
	if err := s.store.InsertPlay(ctx, play); err != nil {
		return err
	}
	if err := s.notifier.Publish(ctx, *play); err != nil {
		return fmt.Errorf("notify play %s: %w", play.ID, err)
	}
	s.logger.Info().
		Str("collection_id", play.CollectionID).
		Str("play_id", play.ID).
		Int64("seq", play.SequenceNumber).
		Msg("play published")
	return nil
}

// CheckHealth reports whether live notifications can be delivered.
func (s *Source) CheckHealth(ctx context.Context) error {
	return s.notifier.CheckHealth(ctx)
}

// Close releases the notifier.
func (s *Source) Close() error {
	return s.notifier.Close()
}

type playMessage struct {
	ID              string     `json:"id"`
	CollectionID    string     `json:"collection_id"`
	SequenceNumber  int64      `json:"sequence_number"`
	Inning          int        `json:"inning,omitempty"`
	InningHalf      string     `json:"inning_half,omitempty"`
	Description     string     `json:"description"`
	ClipURL         *string    `json:"clip_url,omitempty"`
	ClipGeneratedAt *time.Time `json:"clip_generated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func encodePlay(p models.Play) ([]byte, error) {
	return json.Marshal(playMessage{
		ID:              p.ID,
		CollectionID:    p.CollectionID,
		SequenceNumber:  p.SequenceNumber,
		Inning:          p.Inning,
		InningHalf:      p.InningHalf,
		Description:     p.Description,
		ClipURL:         p.ClipURL,
		ClipGeneratedAt: p.ClipGeneratedAt,
		CreatedAt:       p.CreatedAt,
	})
}

func decodePlay(data []byte) (models.Play, error) {
	var m playMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return models.Play{}, fmt.Errorf("decode play notification: %w", err)
	}
	if m.ID == "" || m.CollectionID == "" {
		return models.Play{}, fmt.Errorf("decode play notification: missing id or collection")
	}
	return models.Play{
		ID:              m.ID,
		CollectionID:    m.CollectionID,
		SequenceNumber:  m.SequenceNumber,
		Inning:          m.Inning,
		InningHalf:      m.InningHalf,
		Description:     m.Description,
		ClipURL:         m.ClipURL,
		ClipGeneratedAt: m.ClipGeneratedAt,
		CreatedAt:       m.CreatedAt,
	}, nil
}

// topicToken makes a collection id safe as a NATS subject token or Redis channel suffix.
func topicToken(collectionID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, collectionID)
}
