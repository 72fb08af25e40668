/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package feed

import (
	"context"
	"sync"

	"github.com/friendsincode/playcall/internal/engine"
	"github.com/friendsincode/playcall/internal/events"
	"github.com/friendsincode/playcall/internal/models"
	"github.com/rs/zerolog"
)

// LocalNotifier delivers notifications inside one process over the event bus.
type LocalNotifier struct {
	bus    *events.Bus
	logger zerolog.Logger
}

// NewLocalNotifier creates a notifier over bus.
func NewLocalNotifier(bus *events.Bus, logger zerolog.Logger) *LocalNotifier {
	return &LocalNotifier{bus: bus, logger: logger}
}

type localSubscription struct {
	bus  *events.Bus
	sub  events.Subscriber
	once sync.Once
	done chan struct{}
}

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		s.bus.Unsubscribe(s.sub)
		<-s.done
	})
	return nil
}

// Subscribe forwards inserts for collectionID to onInsert. The in-process bus never
// disconnects, so onReconnect is unused.
func (n *LocalNotifier) Subscribe(ctx context.Context, collectionID string, onInsert func(models.Play), onReconnect func()) (engine.Subscription, error) {
	s := &localSubscription{
		bus:  n.bus,
		sub:  n.bus.Subscribe(events.EventPlayInserted),
		done: make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		for evt := range s.sub {
			play, ok := evt.Payload["play"].(models.Play)
			if !ok || play.CollectionID != collectionID {
				continue
			}
			onInsert(play)
		}
	}()
	return s, nil
}

// Publish announces a play on the bus.
func (n *LocalNotifier) Publish(ctx context.Context, play models.Play) error {
	n.bus.Publish(events.EventPlayInserted, events.Payload{"play": play})
	return nil
}

// Close is a no-op; the bus outlives the notifier.
func (n *LocalNotifier) Close() error { return nil }

// CheckHealth always succeeds; the bus lives in this process.
func (n *LocalNotifier) CheckHealth(ctx context.Context) error { return nil }

var _ Notifier = (*LocalNotifier)(nil)
var _ engine.EventSource = (*Source)(nil)
