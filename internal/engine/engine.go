/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package engine turns a live feed of plays into sequential spoken playback.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/friendsincode/playcall/internal/events"
	"github.com/friendsincode/playcall/internal/models"
	"github.com/friendsincode/playcall/internal/telemetry"
	"github.com/rs/zerolog"
)

// DefaultBacklogTimeout bounds one backlog read.
const DefaultBacklogTimeout = 15 * time.Second

// Config configures an Engine.
type Config struct {
	BacklogTimeout time.Duration
	Sequencer      SequencerConfig
}

// Status is a snapshot of an engine for status endpoints.
type Status struct {
	Listening         bool      `json:"listening"`
	Starting          bool      `json:"starting,omitempty"`
	CollectionID      string    `json:"collection_id,omitempty"`
	ListenerID        string    `json:"listener_id,omitempty"`
	SessionID         string    `json:"session_id,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	LowWaterMark      int64     `json:"low_water_mark"`
	LastKnownSequence int64     `json:"last_known_sequence"`
	LastPlayed        int64     `json:"last_played_sequence"`
	Sequencer         Snapshot  `json:"sequencer"`
}

// Engine is one listener's playback of one collection at a time.
type Engine struct {
	clips    ClipResolver
	sessions *SessionTracker
	source   EventSource
	device   Device
	bus      *events.Bus
	cfg      Config
	logger   zerolog.Logger

	mu       sync.Mutex
	current  *listening
	starting bool
}

// listening is the state of one Start..Stop cycle.
type listening struct {
	session  models.ListeningSession
	seq      *Sequencer
	sub      Subscription
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   zerolog.Logger
	lowWater int64

	feedCancel context.CancelFunc
	feedWG     sync.WaitGroup

	inserts    chan models.Play
	reconnects chan struct{}

	// plays queued or played this session; dropped plays are forgotten so a
	// re-announcement retries them
	seenMu    sync.Mutex
	seen      map[string]struct{}
	lastKnown atomic.Int64
}

func (l *listening) markSeen(playID string) bool {
	l.seenMu.Lock()
	defer l.seenMu.Unlock()
	if _, dup := l.seen[playID]; dup {
		return false
	}
	l.seen[playID] = struct{}{}
	return true
}

func (l *listening) isSeen(playID string) bool {
	l.seenMu.Lock()
	defer l.seenMu.Unlock()
	_, ok := l.seen[playID]
	return ok
}

func (l *listening) forget(play models.Play) {
	l.seenMu.Lock()
	delete(l.seen, play.ID)
	l.seenMu.Unlock()
}

// New creates an engine. clips is usually a shared *Orchestrator.
func New(clips ClipResolver, sessions *SessionTracker, source EventSource, device Device, bus *events.Bus, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.BacklogTimeout <= 0 {
		cfg.BacklogTimeout = DefaultBacklogTimeout
	}
	return &Engine{
		clips:    clips,
		sessions: sessions,
		source:   source,
		device:   device,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// Start opens a session for listenerID on collectionID, queues the plays after the
// listener's low-water mark and follows the live feed.
//
// A device that cannot be opened is returned as ErrDeviceUnavailable; the session stays
// open and nothing plays.
func (e *Engine) Start(ctx context.Context, collectionID, listenerID string) (*models.ListeningSession, error) {
	e.mu.Lock()
	if e.current != nil || e.starting {
		e.mu.Unlock()
		return nil, ErrAlreadyListening
	}
	// The backlog read runs unlocked so Status never waits on it.
	e.starting = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.starting = false
		e.mu.Unlock()
	}()

	session, err := e.sessions.StartSession(ctx, collectionID, listenerID)
	if err != nil {
		return nil, err
	}
	logger := e.logger.With().
		Str("collection_id", collectionID).
		Str("session_id", session.ID).
		Logger()

	if err := e.device.Open(ctx); err != nil {
		logger.Error().Err(err).Msg("playback device unavailable")
		if errors.Is(err, ErrDeviceUnavailable) {
			return session, err
		}
		return session, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	feedCtx, feedCancel := context.WithCancel(runCtx)
	l := &listening{
		session:    *session,
		cancel:     cancel,
		feedCancel: feedCancel,
		logger:     logger,
		lowWater:   session.LastPlayedSequence,
		inserts:    make(chan models.Play, 256),
		reconnects: make(chan struct{}, 1),
		seen:       make(map[string]struct{}),
	}
	l.lastKnown.Store(l.lowWater)

	sessionID := session.ID
	// Published before the sequencer runs so it precedes every play heard.
	e.bus.Publish(events.EventListenStarted, events.Payload{
		"session_id":    sessionID,
		"collection_id": collectionID,
		"listener_id":   listenerID,
	})
	l.seq = NewSequencer(e.clips, e.device, func(ctx context.Context, play models.Play) error {
		if err := e.sessions.RecordPlayed(ctx, sessionID, play.SequenceNumber); err != nil {
			return err
		}
		e.bus.Publish(events.EventPlayHeard, events.Payload{
			"session_id":    sessionID,
			"collection_id": collectionID,
			"listener_id":   listenerID,
			"play_id":       play.ID,
			"seq":           play.SequenceNumber,
		})
		return nil
	}, e.bus, e.cfg.Sequencer, logger)
	l.seq.OnDropped(l.forget)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		_ = l.seq.Run(runCtx)
	}()

	// Subscribe before reading the backlog so nothing inserted in between is missed.
	sub, err := e.source.Subscribe(feedCtx, collectionID,
		func(p models.Play) {
			select {
			case l.inserts <- p:
			case <-feedCtx.Done():
			}
		},
		func() {
			select {
			case l.reconnects <- struct{}{}:
			default:
			}
		},
	)
	if err != nil {
		feedCancel()
		cancel()
		l.wg.Wait()
		if endErr := e.sessions.EndSession(context.WithoutCancel(ctx), session.ID); endErr != nil {
			logger.Warn().Err(endErr).Msg("failed to end session after subscribe error")
		}
		e.publishEnded(l)
		return nil, fmt.Errorf("subscribe to feed: %w", err)
	}
	l.sub = sub

	if err := e.reconcile(feedCtx, l); err != nil {
		// The live feed's gap detection will re-read the backlog on the next insert.
		logger.Warn().Err(err).Msg("initial backlog fetch failed")
	}

	l.feedWG.Add(1)
	go func() {
		defer l.feedWG.Done()
		e.feedLoop(feedCtx, l)
	}()

	e.mu.Lock()
	e.current = l
	e.mu.Unlock()
	logger.Info().
		Str("listener_id", listenerID).
		Int64("low_water", l.lowWater).
		Int("queued", len(l.seq.Queue())).
		Msg("listening")
	return session, nil
}

// Stop ends playback and closes the session.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	l := e.current
	e.current = nil
	e.mu.Unlock()
	if l == nil {
		return ErrNotListening
	}

	if l.sub != nil {
		if err := l.sub.Close(); err != nil {
			l.logger.Debug().Err(err).Msg("feed unsubscribe failed")
		}
	}
	// No enqueue may follow the sequencer's stop.
	l.feedCancel()
	l.feedWG.Wait()

	if err := l.seq.Stop(ctx); err != nil && !errors.Is(err, ErrSequencerClosed) {
		l.logger.Warn().Err(err).Msg("sequencer stop failed")
	}
	l.cancel()
	l.wg.Wait()

	if err := e.sessions.EndSession(ctx, l.session.ID); err != nil {
		return err
	}
	e.publishEnded(l)
	l.logger.Info().Msg("stopped listening")
	return nil
}

func (e *Engine) publishEnded(l *listening) {
	e.bus.Publish(events.EventListenEnded, events.Payload{
		"session_id":       l.session.ID,
		"collection_id":    l.session.CollectionID,
		"listener_id":      l.session.ListenerID,
		"duration_seconds": time.Since(l.session.StartedAt).Seconds(),
	})
}

// Pause suspends the playing clip.
func (e *Engine) Pause(ctx context.Context) error {
	l, err := e.active()
	if err != nil {
		return err
	}
	return l.seq.Pause(ctx)
}

// Resume continues a paused clip.
func (e *Engine) Resume(ctx context.Context) error {
	l, err := e.active()
	if err != nil {
		return err
	}
	return l.seq.Resume(ctx)
}

// ResetBreaker resumes playback after the sequencer halted on repeated failures.
func (e *Engine) ResetBreaker(ctx context.Context) error {
	l, err := e.active()
	if err != nil {
		return err
	}
	return l.seq.ResetBreaker(ctx)
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	l, starting := e.current, e.starting
	e.mu.Unlock()
	if l == nil {
		return Status{Starting: starting, Sequencer: Snapshot{State: StateIdle, Queue: []QueuedPlay{}}}
	}
	st := Status{
		Listening:         true,
		CollectionID:      l.session.CollectionID,
		ListenerID:        l.session.ListenerID,
		SessionID:         l.session.ID,
		StartedAt:         l.session.StartedAt,
		LowWaterMark:      l.lowWater,
		LastKnownSequence: l.lastKnown.Load(),
		LastPlayed:        l.lowWater,
		Sequencer:         l.seq.Snapshot(),
	}
	if s, ok := e.sessions.Session(l.session.ID); ok {
		st.LastPlayed = s.LastPlayedSequence
	}
	return st
}

func (e *Engine) active() (*listening, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil, ErrNotListening
	}
	return e.current, nil
}

func (e *Engine) feedLoop(ctx context.Context, l *listening) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-l.inserts:
			e.handleInsert(ctx, l, p)
		case <-l.reconnects:
			l.logger.Info().Msg("feed reconnected, re-reading backlog")
			if err := e.reconcile(ctx, l); err != nil {
				l.logger.Warn().Err(err).Msg("backlog re-read after reconnect failed")
			}
		}
	}
}

func (e *Engine) handleInsert(ctx context.Context, l *listening, p models.Play) {
	if p.CollectionID != l.session.CollectionID || p.SequenceNumber <= l.lowWater {
		return
	}
	if l.isSeen(p.ID) {
		return
	}

	if last := l.lastKnown.Load(); p.SequenceNumber > last+1 {
		gap := &FeedGapError{CollectionID: p.CollectionID, LastKnown: last, Received: p.SequenceNumber}
		telemetry.FeedGapsTotal.Inc()
		e.bus.Publish(events.EventFeedGap, events.Payload{
			"collection_id": gap.CollectionID,
			"last_known":    gap.LastKnown,
			"received":      gap.Received,
		})
		l.logger.Warn().Err(gap).Msg("reconciling with backlog")
		if err := e.reconcile(ctx, l); err != nil {
			l.logger.Warn().Err(err).Msg("gap reconciliation failed")
		}
	}

	e.enqueue(ctx, l, []models.Play{p})
}

// reconcile queues stored plays newer than the last known sequence, in sequence order.
func (e *Engine) reconcile(ctx context.Context, l *listening) error {
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.BacklogTimeout)
	defer cancel()

	plays, err := e.source.FetchBacklog(fetchCtx, l.session.CollectionID, l.lastKnown.Load())
	if err != nil {
		return fmt.Errorf("fetch backlog: %w", err)
	}
	models.SortBySequence(plays)
	e.enqueue(ctx, l, plays)
	return nil
}

func (e *Engine) enqueue(ctx context.Context, l *listening, plays []models.Play) {
	fresh := make([]models.Play, 0, len(plays))
	for _, p := range plays {
		if p.SequenceNumber <= l.lowWater {
			continue
		}
		if !l.markSeen(p.ID) {
			continue
		}
		if p.SequenceNumber > l.lastKnown.Load() {
			l.lastKnown.Store(p.SequenceNumber)
		}
		fresh = append(fresh, p)
	}
	if len(fresh) == 0 {
		return
	}
	if _, err := l.seq.EnqueueBatch(ctx, fresh); err != nil {
		l.logger.Warn().Err(err).Int("plays", len(fresh)).Msg("enqueue failed")
	}
}
