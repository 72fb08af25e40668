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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisNotifier carries play notifications on pub/sub channels playcall:plays:<collection>.
type RedisNotifier struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisNotifier connects to Redis.
func NewRedisNotifier(cfg RedisConfig, logger zerolog.Logger) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		// pub/sub connections block on reads
		ReadTimeout: -1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout+time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger = logger.With().Str("component", "feed.redis").Logger()
	logger.Info().Str("addr", cfg.Addr).Msg("redis play feed connected")
	return &RedisNotifier{client: client, logger: logger}, nil
}

func redisChannel(collectionID string) string {
	return "playcall:plays:" + topicToken(collectionID)
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

// Subscribe delivers inserts on the collection's channel. go-redis re-subscribes after a
// dropped connection; each confirmation after the first triggers onReconnect.
func (n *RedisNotifier) Subscribe(ctx context.Context, collectionID string, onInsert func(models.Play), onReconnect func()) (engine.Subscription, error) {
	channel := redisChannel(collectionID)
	pubsub := n.client.Subscribe(ctx, channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &redisSubscription{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		n.receive(loopCtx, pubsub, channel, onInsert, onReconnect)
	}()

	n.logger.Debug().Str("channel", channel).Msg("subscribed to play feed")
	return s, nil
}

func (n *RedisNotifier) receive(ctx context.Context, pubsub *redis.PubSub, channel string, onInsert func(models.Play), onReconnect func()) {
	backoff := 100 * time.Millisecond
	for {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			n.logger.Warn().Err(err).Str("channel", channel).Msg("redis receive failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				n.logger.Info().Str("channel", channel).Msg("redis play feed resubscribed")
				if onReconnect != nil {
					onReconnect()
				}
			}
		case *redis.Message:
			play, err := decodePlay([]byte(m.Payload))
			if err != nil {
				n.logger.Warn().Err(err).Str("channel", channel).Msg("dropping malformed play notification")
				continue
			}
			telemetry.FeedNotificationsTotal.WithLabelValues("redis").Inc()
			onInsert(play)
		}
	}
}

// Publish sends a play notification.
func (n *RedisNotifier) Publish(ctx context.Context, play models.Play) error {
	data, err := encodePlay(play)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, redisChannel(play.CollectionID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// CheckHealth pings the server.
func (n *RedisNotifier) CheckHealth(ctx context.Context) error {
	if err := n.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
