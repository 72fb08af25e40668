/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/friendsincode/playcall/internal/config"
	"github.com/friendsincode/playcall/internal/db"
	"github.com/friendsincode/playcall/internal/events"
	"github.com/friendsincode/playcall/internal/feed"
	"github.com/friendsincode/playcall/internal/logging"
	"github.com/friendsincode/playcall/internal/telemetry"
)

const version = "0.1.0"

var (
	logger zerolog.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "playcall",
	Short:         "Playcall - spoken play-by-play for live events",
	Long:          "Playcall turns a live feed of plays into generated speech and plays it back in order, resuming where each listener left off.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.Setup(cfg.Environment)
	return nil
}

func initTracer(ctx context.Context) (*telemetry.TracerProvider, error) {
	return telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    "playcall",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
}

// initDatabase connects and migrates.
func initDatabase() (*gorm.DB, error) {
	database, err := db.Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database); err != nil {
		_ = db.Close(database)
		return nil, err
	}
	return database, nil
}

// newNotifier picks the live play transport configured by PLAYCALL_FEED_BACKEND.
// The local notifier only reaches listeners in the same process.
func newNotifier(bus *events.Bus) (feed.Notifier, error) {
	switch cfg.FeedBackend {
	case config.FeedNATS:
		natsCfg := feed.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		return feed.NewNATSNotifier(natsCfg, logger)
	case config.FeedRedis:
		redisCfg := feed.DefaultRedisConfig()
		redisCfg.Addr = cfg.RedisAddr
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		return feed.NewRedisNotifier(redisCfg, logger)
	default:
		return feed.NewLocalNotifier(bus, logger), nil
	}
}
