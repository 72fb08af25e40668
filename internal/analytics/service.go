/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package analytics records listener activity from the event bus.
package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/playcall/internal/events"
	"github.com/friendsincode/playcall/internal/models"
)

var kinds = map[events.EventType]models.ListenEventKind{
	events.EventListenStarted: models.ListenEventStart,
	events.EventPlayHeard:     models.ListenEventPlayHeard,
	events.EventListenEnded:   models.ListenEventEnd,
}

// Service persists listen events as listen_events rows.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	sub    events.Subscriber
	logger zerolog.Logger
}

// NewService subscribes immediately so events published before Run are kept.
func NewService(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		sub:    bus.Subscribe(events.EventListenStarted, events.EventPlayHeard, events.EventListenEnded),
		logger: logger.With().Str("component", "analytics").Logger(),
	}
}

// Run stores events until ctx is done, then stores whatever is still buffered and unsubscribes.
func (s *Service) Run(ctx context.Context) {
	defer s.bus.Unsubscribe(s.sub)
	for {
		select {
		case <-ctx.Done():
			s.drain(context.WithoutCancel(ctx))
			return
		case evt, ok := <-s.sub:
			if !ok {
				return
			}
			s.record(ctx, evt)
		}
	}
}

func (s *Service) drain(ctx context.Context) {
	for {
		select {
		case evt, ok := <-s.sub:
			if !ok {
				return
			}
			s.record(ctx, evt)
		default:
			return
		}
	}
}

func (s *Service) record(ctx context.Context, evt events.Event) {
	kind, ok := kinds[evt.Type]
	if !ok {
		return
	}
	row := models.ListenEvent{
		ID:              uuid.NewString(),
		Kind:            kind,
		SessionID:       stringField(evt.Payload, "session_id"),
		CollectionID:    stringField(evt.Payload, "collection_id"),
		ListenerID:      stringField(evt.Payload, "listener_id"),
		PlayID:          stringField(evt.Payload, "play_id"),
		Sequence:        intField(evt.Payload, "seq"),
		DurationSeconds: floatField(evt.Payload, "duration_seconds"),
		OccurredAt:      evt.At,
	}
	if row.OccurredAt.IsZero() {
		row.OccurredAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("failed to store listen event")
	}
}

func stringField(p events.Payload, key string) string {
	v, _ := p[key].(string)
	return v
}

func intField(p events.Payload, key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func floatField(p events.Payload, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}
