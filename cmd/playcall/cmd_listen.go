/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/friendsincode/playcall/internal/analytics"
	"github.com/friendsincode/playcall/internal/cache"
	"github.com/friendsincode/playcall/internal/db"
	"github.com/friendsincode/playcall/internal/engine"
	"github.com/friendsincode/playcall/internal/events"
	"github.com/friendsincode/playcall/internal/feed"
	"github.com/friendsincode/playcall/internal/media"
	"github.com/friendsincode/playcall/internal/models"
	"github.com/friendsincode/playcall/internal/playout"
	"github.com/friendsincode/playcall/internal/playstore"
	"github.com/friendsincode/playcall/internal/server"
	"github.com/friendsincode/playcall/internal/speech"
)

var (
	listenCollection string
	listenListener   string
	listenAudioSink  string
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Play a collection's plays as they happen",
	Long: `Start a listening session for a collection: queue every play after the listener's
last heard play, follow the live feed, and serve status and controls over HTTP.`,
	RunE: runListen,
}

func init() {
	listenCmd.Flags().StringVar(&listenCollection, "collection", "", "Collection (game) id to follow")
	listenCmd.Flags().StringVar(&listenListener, "listener", "local", "Listener id used to resume progress")
	listenCmd.Flags().StringVar(&listenAudioSink, "audio-sink", "", "GStreamer audio sink element (default: autoaudiosink)")
	_ = listenCmd.MarkFlagRequired("collection")
	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	logger.Info().Str("version", version).Msg("playcall starting")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := initTracer(ctx)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	database, err := initDatabase()
	if err != nil {
		return err
	}
	defer db.Close(database)
	store := playstore.New(database)

	clips, err := media.NewService(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize clip storage: %w", err)
	}

	voice, err := speech.NewClient(cfg.ElevenLabsAPIKey, logger, speech.WithBaseURL(cfg.ElevenLabsBaseURL))
	if err != nil {
		return fmt.Errorf("initialize speech provider: %w", err)
	}

	var clipCache engine.ClipCache
	if cfg.CacheEnabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = cfg.RedisAddr
		cacheCfg.RedisPassword = cfg.RedisPassword
		cacheCfg.RedisDB = cfg.RedisDB
		c := cache.New(cacheCfg, logger)
		defer c.Close()
		clipCache = c
	}

	bus := events.NewBus()
	listenAnalytics := analytics.NewService(database, bus, logger)
	analyticsCtx, stopAnalytics := context.WithCancel(context.WithoutCancel(ctx))
	analyticsDone := make(chan struct{})
	go func() {
		defer close(analyticsDone)
		listenAnalytics.Run(analyticsCtx)
	}()
	// Runs past the signal so the final listen events are stored.
	defer func() {
		stopAnalytics()
		<-analyticsDone
	}()

	notifier, err := newNotifier(bus)
	if err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}
	source := feed.NewSource(store, notifier, logger)
	defer source.Close()

	orchestrator := engine.NewOrchestrator(voice, clips, store, clipCache, engine.OrchestratorConfig{
		Voice: models.VoiceParams{
			VoiceID:         cfg.VoiceID,
			ModelID:         cfg.VoiceModelID,
			Stability:       cfg.VoiceStability,
			SimilarityBoost: cfg.VoiceSimilarity,
		},
		GenerationTimeout: cfg.GenerationTimeout,
	}, logger)
	sessions := engine.NewSessionTracker(store, logger)

	var deviceOpts []playout.Option
	if listenAudioSink != "" {
		deviceOpts = append(deviceOpts, playout.WithAudioSink(listenAudioSink))
	}
	device := playout.NewDevice(cfg.GStreamerBin, logger, deviceOpts...)
	defer device.Close()

	eng := engine.New(orchestrator, sessions, source, device, bus, engine.Config{
		BacklogTimeout: cfg.BacklogTimeout,
		Sequencer: engine.SequencerConfig{
			LoadTimeout:            cfg.LoadTimeout,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			PrefetchDepth:          cfg.PrefetchDepth,
		},
	}, logger)

	srv := server.New(cfg.HTTPAddr(), eng, bus, logger)
	srv.AddHealthCheck("database", func(ctx context.Context) error { return pingDatabase(ctx, database) })
	srv.AddHealthCheck("storage", clips.CheckStorageAccess)
	srv.AddHealthCheck("feed", source.CheckHealth)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	go reportDatabaseMetrics(ctx, database)

	session, err := eng.Start(ctx, listenCollection, listenListener)
	if err != nil {
		if session != nil {
			if endErr := sessions.EndSession(context.WithoutCancel(ctx), session.ID); endErr != nil {
				logger.Warn().Err(endErr).Msg("failed to close session")
			}
		}
		shutdownServer(srv)
		return fmt.Errorf("start listening: %w", err)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("status server failed")
		}
	}

	logger.Info().Msg("shutting down gracefully...")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil && !errors.Is(err, engine.ErrNotListening) {
		logger.Error().Err(err).Msg("failed to stop engine")
	}
	shutdownServer(srv)

	logger.Info().Msg("playcall stopped")
	return nil
}

func shutdownServer(srv *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("status server shutdown failed")
	}
}

func pingDatabase(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func reportDatabaseMetrics(ctx context.Context, database *gorm.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		db.UpdateConnectionMetrics(database)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
