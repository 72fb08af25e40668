/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/friendsincode/playcall/internal/models"
	"github.com/friendsincode/playcall/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// DefaultGenerationTimeout bounds one synthesize, upload and record cycle.
const DefaultGenerationTimeout = 30 * time.Second

// OrchestratorConfig configures clip generation.
type OrchestratorConfig struct {
	Voice             models.VoiceParams
	GenerationTimeout time.Duration
}

// Orchestrator makes sure each play has at most one generated clip. It is safe for
// concurrent use and meant to be shared by every engine in the process.
type Orchestrator struct {
	speech SpeechProvider
	store  ClipStore
	plays  PlayRepository
	cache  ClipCache
	cfg    OrchestratorConfig
	logger zerolog.Logger

	inflight singleflight.Group
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator. cache may be nil.
func NewOrchestrator(speech SpeechProvider, store ClipStore, plays PlayRepository, cache ClipCache, cfg OrchestratorConfig, logger zerolog.Logger) *Orchestrator {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultGenerationTimeout
	}
	return &Orchestrator{
		speech: speech,
		store:  store,
		plays:  plays,
		cache:  cache,
		cfg:    cfg,
		logger: logger.With().Str("component", "orchestrator").Logger(),
		now:    time.Now,
	}
}

// ClipKey is the storage key of a play's clip.
func ClipKey(playID string) string {
	return path.Join("plays", playID+".mp3")
}

// EnsureClip returns the clip URL of play, generating and recording it when needed.
// Concurrent calls for one play share a single generation. Cancelling ctx abandons
// this caller's wait only; the shared generation runs to completion.
func (o *Orchestrator) EnsureClip(ctx context.Context, play models.Play) (string, error) {
	if ready, ok := play.Clip().(models.Ready); ok {
		telemetry.ClipResolutionsTotal.WithLabelValues("ready").Inc()
		return ready.URL, nil
	}
	if o.cache != nil {
		if ready, ok := o.cache.GetClip(ctx, play.ID); ok {
			telemetry.ClipResolutionsTotal.WithLabelValues("cache").Inc()
			return ready.URL, nil
		}
	}

	ch := o.inflight.DoChan(play.ID, func() (any, error) {
		return o.generate(context.WithoutCancel(ctx), play)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			telemetry.ClipResolutionsTotal.WithLabelValues("shared").Inc()
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (o *Orchestrator) generate(ctx context.Context, play models.Play) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.GenerationTimeout)
	defer cancel()
	ctx, span := telemetry.StartClipSpan(ctx, play.ID, play.CollectionID, play.SequenceNumber)
	defer span.End()

	logger := o.logger.With().
		Str("play_id", play.ID).
		Str("collection_id", play.CollectionID).
		Int64("seq", play.SequenceNumber).
		Logger()

	// Another engine instance may have recorded a clip since the caller read the play.
	stored, err := o.plays.GetPlay(ctx, play.ID)
	switch {
	case err == nil:
		if ready, ok := stored.Clip().(models.Ready); ok {
			o.remember(ctx, play.ID, ready)
			telemetry.ClipResolutionsTotal.WithLabelValues("stored").Inc()
			return ready.URL, nil
		}
		play = stored
	default:
		logger.Debug().Err(err).Msg("play re-read failed, generating from caller copy")
	}

	text := play.Description
	if pending, ok := play.Clip().(models.Pending); ok {
		text = pending.Text
	}

	start := o.now()
	audio, err := o.speech.Synthesize(ctx, text, o.cfg.Voice)
	if err != nil {
		return "", o.generationFailed(ctx, span, logger, play.ID, StageSynthesize, err)
	}

	url, err := o.store.Put(ctx, ClipKey(play.ID), audio)
	if err != nil {
		return "", o.generationFailed(ctx, span, logger, play.ID, StageUpload, err)
	}

	generatedAt := o.now().UTC()
	winner, err := o.plays.UpsertClip(ctx, play.ID, url, generatedAt)
	if err != nil {
		perr := &PersistenceError{PlayID: play.ID, Err: err}
		telemetry.ClipGenerationsTotal.WithLabelValues("persist").Inc()
		telemetry.FailClipSpan(span, "persist", perr)
		logger.Error().Err(err).Str("url", url).Msg("clip generated but not recorded")
		return "", perr
	}
	if winner != url {
		logger.Info().Str("url", winner).Msg("clip already recorded by another writer")
	}

	o.remember(ctx, play.ID, models.Ready{URL: winner, GeneratedAt: generatedAt})
	telemetry.ClipGenerationsTotal.WithLabelValues("ok").Inc()
	telemetry.ClipGenerationDuration.Observe(o.now().Sub(start).Seconds())
	telemetry.ClipResolutionsTotal.WithLabelValues("generated").Inc()

	logger.Info().
		Int("bytes", len(audio)).
		Dur("took", o.now().Sub(start)).
		Str("url", winner).
		Msg("clip generated")
	return winner, nil
}

func (o *Orchestrator) generationFailed(ctx context.Context, span trace.Span, logger zerolog.Logger, playID string, stage Stage, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
		stage = StageTimeout
	}
	genErr := &GenerationError{PlayID: playID, Stage: stage, Err: err}
	telemetry.FailClipSpan(span, string(stage), genErr)
	telemetry.ClipGenerationsTotal.WithLabelValues(string(stage)).Inc()
	logger.Warn().Err(err).Str("stage", string(stage)).Msg("clip generation failed")
	return genErr
}

func (o *Orchestrator) remember(ctx context.Context, playID string, clip models.Ready) {
	if o.cache == nil {
		return
	}
	o.cache.SetClip(ctx, playID, clip)
}
