/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-backed lookup of generated clip URLs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/playcall/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultClipTTL bounds how long a resolved clip URL is served from Redis.
const DefaultClipTTL = 24 * time.Hour

// KeyClip prefixes cached clip entries (+ play_id).
const KeyClip = "playcall:cache:clip:"

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ClipTTL time.Duration

	// DisableOnError stops using Redis after the first transport error.
	DisableOnError bool
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		ClipTTL:        DefaultClipTTL,
		DisableOnError: true,
	}
}

// Cache is a clip URL cache with graceful fallback. A nil *Cache is a valid, always-missing cache.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool
}

// New connects to Redis. An unreachable server yields a disabled cache, not an error.
func New(cfg Config, logger zerolog.Logger) *Cache {
	if cfg.ClipTTL <= 0 {
		cfg.ClipTTL = DefaultClipTTL
	}
	logger = logger.With().Str("component", "cache").Logger()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis cache unavailable, running without clip cache")
		_ = client.Close()
		return &Cache{logger: logger, config: cfg, disabled: true}
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("redis clip cache initialized")
	return &Cache{client: client, logger: logger, config: cfg}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// IsAvailable reports whether lookups reach Redis.
func (c *Cache) IsAvailable() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *Cache) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling clip cache due to redis error")
	}
}

type cachedClip struct {
	URL         string    `json:"url"`
	GeneratedAt time.Time `json:"generated_at"`
}

// GetClip returns the cached clip for a play, if any.
func (c *Cache) GetClip(ctx context.Context, playID string) (models.Ready, bool) {
	if !c.IsAvailable() {
		return models.Ready{}, false
	}

	data, err := c.client.Get(ctx, KeyClip+playID).Bytes()
	if err != nil {
		c.handleError(err, "get")
		return models.Ready{}, false
	}

	var cc cachedClip
	if err := json.Unmarshal(data, &cc); err != nil || cc.URL == "" {
		c.logger.Debug().Err(err).Str("play_id", playID).Msg("discarding malformed cached clip")
		return models.Ready{}, false
	}
	return models.Ready{URL: cc.URL, GeneratedAt: cc.GeneratedAt}, true
}

// SetClip caches a resolved clip. Failures are logged and otherwise ignored.
func (c *Cache) SetClip(ctx context.Context, playID string, clip models.Ready) {
	if !c.IsAvailable() {
		return
	}
	if err := c.set(ctx, KeyClip+playID, cachedClip{URL: clip.URL, GeneratedAt: clip.GeneratedAt}); err != nil {
		c.logger.Debug().Err(err).Str("play_id", playID).Msg("clip cache set failed")
	}
}

func (c *Cache) set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.config.ClipTTL).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}
	return nil
}
