/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/playcall/internal/engine"
	"github.com/friendsincode/playcall/internal/models"
	"github.com/friendsincode/playcall/internal/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "playcall",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSNotifier carries play notifications on subjects playcall.plays.<collection>.
type NATSNotifier struct {
	conn    *nats.Conn
	logger  zerolog.Logger
	timeout time.Duration

	mu         sync.Mutex
	nextID     int
	reconnects map[int]func()
}

// NewNATSNotifier connects to NATS.
func NewNATSNotifier(cfg NATSConfig, logger zerolog.Logger) (*NATSNotifier, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultNATSConfig().Timeout
	}
	n := &NATSNotifier{
		logger:     logger.With().Str("component", "feed.nats").Logger(),
		timeout:    cfg.Timeout,
		reconnects: make(map[int]func()),
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
			n.fireReconnect()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	n.conn = conn

	n.logger.Info().Str("url", cfg.URL).Msg("nats play feed connected")
	return n, nil
}

func natsSubject(collectionID string) string {
	return "playcall.plays." + topicToken(collectionID)
}

func (n *NATSNotifier) fireReconnect() {
	n.mu.Lock()
	handlers := make([]func(), 0, len(n.reconnects))
	for _, fn := range n.reconnects {
		handlers = append(handlers, fn)
	}
	n.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

type natsSubscription struct {
	sub    *nats.Subscription
	n      *NATSNotifier
	id     int
	closed sync.Once
}

func (s *natsSubscription) Close() error {
	var err error
	s.closed.Do(func() {
		s.n.mu.Lock()
		delete(s.n.reconnects, s.id)
		s.n.mu.Unlock()
		err = s.sub.Unsubscribe()
	})
	return err
}

// Subscribe delivers inserts on the collection's subject. onReconnect fires after the
// client re-establishes its connection, since messages sent while disconnected are lost.
func (n *NATSNotifier) Subscribe(ctx context.Context, collectionID string, onInsert func(models.Play), onReconnect func()) (engine.Subscription, error) {
	subject := natsSubject(collectionID)
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		play, err := decodePlay(msg.Data)
		if err != nil {
			n.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed play notification")
			return
		}
		telemetry.FeedNotificationsTotal.WithLabelValues("nats").Inc()
		onInsert(play)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	if err := n.flush(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if onReconnect != nil {
		n.reconnects[id] = onReconnect
	}
	n.mu.Unlock()

	n.logger.Debug().Str("subject", subject).Msg("subscribed to play feed")
	return &natsSubscription{sub: sub, n: n, id: id}, nil
}

// Publish sends a play notification and waits for the server to accept it.
func (n *NATSNotifier) Publish(ctx context.Context, play models.Play) error {
	data, err := encodePlay(play)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(natsSubject(play.CollectionID), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	if err := n.flush(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// flush waits for the server to process everything sent so far. FlushWithContext
// rejects contexts without a deadline, so those get the connect timeout.
func (n *NATSNotifier) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	return n.conn.FlushWithContext(ctx)
}

// CheckHealth fails unless the connection is up.
func (n *NATSNotifier) CheckHealth(ctx context.Context) error {
	if n.conn == nil {
		return errors.New("nats not connected")
	}
	if status := n.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return nil
}

// Close drains subscriptions and closes the connection.
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	err := n.conn.Drain()
	n.conn.Close()
	return err
}
