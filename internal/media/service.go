/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/playcall/internal/config"
)

// ClipContentType is the MIME type of generated clips.
const ClipContentType = "audio/mpeg"

// Storage abstracts clip object storage.
type Storage interface {
	// Put stores data under key and returns a URL the playout device can load.
	Put(ctx context.Context, key string, data []byte) (string, error)
	CheckAccess(ctx context.Context) error
}

// Service stores generated clips.
type Service struct {
	storage Storage
	logger  zerolog.Logger
}

// NewService creates a clip service using filesystem or S3 storage based on config.
func NewService(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Service, error) {
	logger = logger.With().Str("component", "media").Logger()

	var storage Storage
	if cfg.S3Bucket != "" {
		s3cfg := S3Config{
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretKey,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			PublicBaseURL:   cfg.S3PublicBaseURL,
			UsePathStyle:    cfg.S3UsePathStyle,
		}
		if s3cfg.AccessKeyID == "" || s3cfg.SecretAccessKey == "" {
			logger.Warn().Msg("S3 credentials not configured, falling back to the default AWS credential chain")
		}

		s3Storage, err := NewS3Storage(ctx, s3cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize S3 storage: %w", err)
		}
		storage = s3Storage
	} else {
		storage = NewFilesystemStorage(cfg.ClipRoot, cfg.ClipBaseURL, logger)
	}

	return &Service{storage: storage, logger: logger}, nil
}

// NewServiceWithStorage wraps an existing backend.
func NewServiceWithStorage(storage Storage, logger zerolog.Logger) *Service {
	return &Service{storage: storage, logger: logger}
}

// Put stores a clip and returns its URL.
func (s *Service) Put(ctx context.Context, key string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("store clip %s: empty audio", key)
	}
	url, err := s.storage.Put(ctx, key, data)
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("clip store failed")
		return "", fmt.Errorf("store clip: %w", err)
	}

	s.logger.Debug().Str("key", key).Int("bytes", len(data)).Str("url", url).Msg("clip stored")
	return url, nil
}

// CheckStorageAccess verifies that the storage backend is accessible.
func (s *Service) CheckStorageAccess(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.storage.CheckAccess(ctx)
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
