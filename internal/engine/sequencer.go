/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

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

// State is the sequencer's playback state.
type State string

const (
	StateIdle       State = "idle"
	StateGenerating State = "generating"
	StatePlaying    State = "playing"
	StateFailed     State = "failed"
)

var allStates = []State{StateIdle, StateGenerating, StatePlaying, StateFailed}

const (
	DefaultLoadTimeout            = 10 * time.Second
	DefaultRecordTimeout          = 5 * time.Second
	DefaultMaxConsecutiveFailures = 3
	DefaultPrefetchDepth          = 1
	DefaultDeadLetterLimit        = 50
)

// SequencerConfig configures a Sequencer.
type SequencerConfig struct {
	LoadTimeout            time.Duration
	RecordTimeout          time.Duration
	MaxConsecutiveFailures int
	// PrefetchDepth is how many queued plays get their clips generated ahead of time.
	PrefetchDepth   int
	DeadLetterLimit int
}

func (c SequencerConfig) withDefaults() SequencerConfig {
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = DefaultLoadTimeout
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = DefaultRecordTimeout
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.PrefetchDepth < 0 {
		c.PrefetchDepth = 0
	}
	if c.DeadLetterLimit <= 0 {
		c.DeadLetterLimit = DefaultDeadLetterLimit
	}
	return c
}

// PlayedFunc is told about every play that finished successfully.
type PlayedFunc func(ctx context.Context, play models.Play) error

// DroppedFunc is told about plays that left the sequencer without being played.
// It runs on the sequencer goroutine and must not call back into the sequencer.
type DroppedFunc func(play models.Play)

// DeadLetter is a play that was skipped after failing.
type DeadLetter struct {
	PlayID   string    `json:"play_id"`
	Sequence int64     `json:"seq"`
	Stage    string    `json:"stage"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// QueuedPlay describes a waiting queue entry.
type QueuedPlay struct {
	PlayID   string `json:"play_id"`
	Sequence int64  `json:"seq"`
	ClipURL  string `json:"clip_url,omitempty"`
}

// Snapshot is a point-in-time view of the sequencer.
type Snapshot struct {
	State               State        `json:"state"`
	Paused              bool         `json:"paused"`
	Current             *QueuedPlay  `json:"current,omitempty"`
	Queue               []QueuedPlay `json:"queue"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	BreakerOpen         bool         `json:"breaker_open"`
	DeadLetters         []DeadLetter `json:"dead_letters,omitempty"`
	Played              int          `json:"played"`
}

type entry struct {
	play      models.Play
	requested bool
	resolved  bool
	url       string
	genErr    error
}

type (
	enqueueCmd struct {
		plays []models.Play
		reply chan int
	}
	stopCmd struct {
		reply chan struct{}
	}
	pauseCmd struct {
		resume bool
		reply  chan error
	}
	resetBreakerCmd struct {
		reply chan struct{}
	}
	clipReadyCmd struct {
		epoch  uint64
		playID string
		url    string
		err    error
	}
	loadedCmd struct {
		epoch  uint64
		playID string
		url    string
		handle Handle
		err    error
	}
	finishedCmd struct {
		epoch  uint64
		playID string
		err    error
	}
)

// Sequencer plays a queue of plays one at a time. All state is owned by the goroutine
// running Run; public methods send it commands. Slow work (generation, device loads,
// waiting for a clip to end) happens on other goroutines that post their results back
// tagged with the epoch they started in, so results from before a Stop are dropped.
type Sequencer struct {
	resolver ClipResolver
	device   Device
	onPlayed PlayedFunc
	onDrop   DroppedFunc
	bus      *events.Bus
	cfg      SequencerConfig
	logger   zerolog.Logger

	inbox   chan any
	done    chan struct{}
	started atomic.Bool
	epoch   atomic.Uint64
	runCtx  context.Context

	// owned by the Run goroutine
	state       State
	paused      bool
	current     *entry
	handle      Handle
	queue       []*entry
	failures    int
	breakerOpen bool
	deadLetters []DeadLetter
	played      int
	lastRelease <-chan struct{} // closed once every released handle has stopped

	mu   sync.RWMutex
	snap Snapshot
}

// NewSequencer creates a sequencer. onPlayed may be nil.
func NewSequencer(resolver ClipResolver, device Device, onPlayed PlayedFunc, bus *events.Bus, cfg SequencerConfig, logger zerolog.Logger) *Sequencer {
	s := &Sequencer{
		resolver: resolver,
		device:   device,
		onPlayed: onPlayed,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "sequencer").Logger(),
		inbox:    make(chan any, 64),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	s.snap = Snapshot{State: StateIdle, Queue: []QueuedPlay{}}
	return s
}

// OnDropped registers fn for skipped and discarded plays. Call it before Run.
func (s *Sequencer) OnDropped(fn DroppedFunc) {
	s.onDrop = fn
}

// Run processes commands until ctx is cancelled. It can be called once.
func (s *Sequencer) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("sequencer already running")
	}
	s.runCtx = ctx
	defer close(s.done)
	defer s.shutdown()

	s.logger.Debug().Msg("sequencer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.inbox:
			s.dispatch(cmd)
			s.refreshSnapshot()
		}
	}
}

func (s *Sequencer) shutdown() {
	s.epoch.Add(1)
	if s.handle != nil {
		if err := s.handle.Release(); err != nil {
			s.logger.Debug().Err(err).Msg("release on shutdown failed")
		}
		s.handle = nil
	}
	s.current = nil
	s.queue = nil
	s.paused = false
	s.state = StateIdle
	s.refreshSnapshot()
	s.logger.Debug().Msg("sequencer stopped")
}

// Enqueue adds a play to the end of the queue. Plays already queued or in progress are ignored.
func (s *Sequencer) Enqueue(ctx context.Context, play models.Play) error {
	_, err := s.EnqueueBatch(ctx, []models.Play{play})
	return err
}

// EnqueueBatch adds plays in the given order and returns how many were accepted.
func (s *Sequencer) EnqueueBatch(ctx context.Context, plays []models.Play) (int, error) {
	if len(plays) == 0 {
		return 0, nil
	}
	reply := make(chan int, 1)
	if err := s.send(ctx, enqueueCmd{plays: plays, reply: reply}); err != nil {
		return 0, err
	}
	return awaitReply(ctx, s.done, reply)
}

// Stop discards the queue and any work in flight, releases the device and goes Idle.
func (s *Sequencer) Stop(ctx context.Context) error {
	// Invalidate in-flight results before the loop sees the command.
	s.epoch.Add(1)
	reply := make(chan struct{}, 1)
	if err := s.send(ctx, stopCmd{reply: reply}); err != nil {
		return err
	}
	_, err := awaitReply(ctx, s.done, reply)
	return err
}

// Pause suspends the playing clip.
func (s *Sequencer) Pause(ctx context.Context) error {
	return s.pauseResume(ctx, false)
}

// Resume continues a paused clip.
func (s *Sequencer) Resume(ctx context.Context) error {
	return s.pauseResume(ctx, true)
}

func (s *Sequencer) pauseResume(ctx context.Context, resume bool) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, pauseCmd{resume: resume, reply: reply}); err != nil {
		return err
	}
	err, waitErr := awaitReply(ctx, s.done, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// ResetBreaker clears the failure streak and resumes dispatching the kept queue.
func (s *Sequencer) ResetBreaker(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := s.send(ctx, resetBreakerCmd{reply: reply}); err != nil {
		return err
	}
	_, err := awaitReply(ctx, s.done, reply)
	return err
}

// Snapshot returns the latest published view.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.Queue = append([]QueuedPlay(nil), s.snap.Queue...)
	snap.DeadLetters = append([]DeadLetter(nil), s.snap.DeadLetters...)
	if s.snap.Current != nil {
		cur := *s.snap.Current
		snap.Current = &cur
	}
	return snap
}

// State returns the current state.
func (s *Sequencer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.State
}

// Queue returns the waiting plays in order.
func (s *Sequencer) Queue() []QueuedPlay {
	return s.Snapshot().Queue
}

// Failures returns the skipped plays, oldest first.
func (s *Sequencer) Failures() []DeadLetter {
	return s.Snapshot().DeadLetters
}

func (s *Sequencer) send(ctx context.Context, cmd any) error {
	select {
	case s.inbox <- cmd:
		return nil
	case <-s.done:
		return ErrSequencerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func awaitReply[T any](ctx context.Context, done <-chan struct{}, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		// The loop may have answered just before exiting.
		select {
		case v := <-reply:
			return v, nil
		default:
		}
		return zero, ErrSequencerClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// post delivers an async completion; it is dropped once the loop has exited.
func (s *Sequencer) post(cmd any) {
	select {
	case s.inbox <- cmd:
	case <-s.done:
	}
}

func (s *Sequencer) dispatch(cmd any) {
	switch c := cmd.(type) {
	case enqueueCmd:
		c.reply <- s.handleEnqueue(c.plays)
	case stopCmd:
		s.handleStop()
		c.reply <- struct{}{}
	case pauseCmd:
		c.reply <- s.handlePause(c.resume)
	case resetBreakerCmd:
		s.handleResetBreaker()
		c.reply <- struct{}{}
	case clipReadyCmd:
		s.handleClipReady(c)
	case loadedCmd:
		s.handleLoaded(c)
	case finishedCmd:
		s.handleFinished(c)
	default:
		s.logger.Error().Str("type", fmt.Sprintf("%T", cmd)).Msg("unknown sequencer command")
	}
}

func (s *Sequencer) contains(playID string) bool {
	if s.current != nil && s.current.play.ID == playID {
		return true
	}
	for _, e := range s.queue {
		if e.play.ID == playID {
			return true
		}
	}
	return false
}

func (s *Sequencer) handleEnqueue(plays []models.Play) int {
	accepted := 0
	for _, p := range plays {
		if p.ID == "" || s.contains(p.ID) {
			continue
		}
		s.queue = append(s.queue, &entry{play: p})
		accepted++
	}
	if accepted == 0 {
		return 0
	}

	s.logger.Debug().Int("accepted", accepted).Int("queued", len(s.queue)).Msg("plays enqueued")
	if s.current == nil {
		s.dispatchNext()
	} else {
		s.prefetch()
	}
	return accepted
}

func (s *Sequencer) handleStop() {
	s.epoch.Add(1)
	s.releaseHandle()
	dropped := len(s.queue)
	s.queue = nil
	s.current = nil
	s.paused = false
	s.failures = 0
	s.breakerOpen = false
	s.setState(StateIdle, nil)
	s.logger.Info().Int("dropped", dropped).Msg("sequencer stopped playback")
}

func (s *Sequencer) handlePause(resume bool) error {
	if s.state != StatePlaying || s.handle == nil || s.paused == !resume {
		verb := "pause"
		if resume {
			verb = "resume"
		}
		return fmt.Errorf("%w: cannot %s while %s (paused=%t)", ErrInvalidTransition, verb, s.state, s.paused)
	}

	if resume {
		if err := s.handle.Resume(); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
	} else {
		if err := s.handle.Pause(); err != nil {
			return fmt.Errorf("pause: %w", err)
		}
	}
	s.paused = !resume
	s.publish(events.EventStateChanged, events.Payload{
		"state":   string(s.state),
		"paused":  s.paused,
		"play_id": s.current.play.ID,
	})
	return nil
}

func (s *Sequencer) handleResetBreaker() {
	wasOpen := s.breakerOpen
	s.breakerOpen = false
	s.failures = 0
	if wasOpen {
		s.logger.Info().Int("queued", len(s.queue)).Msg("circuit breaker reset")
	}
	if s.current == nil {
		s.dispatchNext()
	}
}

// dispatchNext starts the head of the queue, or goes Idle.
func (s *Sequencer) dispatchNext() {
	if s.current != nil {
		return
	}
	if s.breakerOpen {
		s.setState(StateIdle, nil)
		return
	}
	if len(s.queue) == 0 {
		s.setState(StateIdle, nil)
		s.publish(events.EventIdle, events.Payload{"played": s.played})
		return
	}

	e := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.current = e
	s.setState(StateGenerating, e)

	switch {
	case e.resolved && e.genErr != nil:
		s.fail(e, e.genErr)
		return
	case e.resolved:
		s.load(e, e.url)
	case !e.requested:
		s.requestClip(e)
	}
	s.prefetch()
}

func (s *Sequencer) prefetch() {
	if s.breakerOpen {
		return
	}
	for i := 0; i < s.cfg.PrefetchDepth && i < len(s.queue); i++ {
		if e := s.queue[i]; !e.requested {
			s.requestClip(e)
		}
	}
}

func (s *Sequencer) requestClip(e *entry) {
	e.requested = true
	epoch := s.epoch.Load()
	play := e.play
	go func() {
		url, err := s.resolver.EnsureClip(s.runCtx, play)
		s.post(clipReadyCmd{epoch: epoch, playID: play.ID, url: url, err: err})
	}()
}

func (s *Sequencer) handleClipReady(c clipReadyCmd) {
	if c.epoch != s.epoch.Load() {
		return
	}
	if s.current != nil && s.current.play.ID == c.playID && s.state == StateGenerating {
		if c.err != nil {
			s.fail(s.current, c.err)
			return
		}
		s.current.resolved, s.current.url = true, c.url
		s.load(s.current, c.url)
		return
	}
	// Prefetched; applied when the entry reaches the head.
	for _, e := range s.queue {
		if e.play.ID == c.playID {
			e.resolved, e.url, e.genErr = true, c.url, c.err
			return
		}
	}
}

func (s *Sequencer) load(e *entry, url string) {
	s.releaseHandle()
	epoch := s.epoch.Load()
	playID := e.play.ID
	released := s.lastRelease
	go func() {
		ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.LoadTimeout)
		defer cancel()
		if released != nil {
			select {
			case <-released:
			case <-ctx.Done():
				s.post(loadedCmd{epoch: epoch, playID: playID, url: url, err: fmt.Errorf("waiting for previous clip to stop: %w", ctx.Err())})
				return
			}
		}
		h, err := s.device.Load(ctx, url)
		s.post(loadedCmd{epoch: epoch, playID: playID, url: url, handle: h, err: err})
	}()
}

func (s *Sequencer) handleLoaded(c loadedCmd) {
	stale := c.epoch != s.epoch.Load() ||
		s.current == nil || s.current.play.ID != c.playID || s.state != StateGenerating
	if stale {
		if c.handle != nil {
			s.releaseAsync(c.handle)
		}
		return
	}

	if c.err != nil {
		if errors.Is(c.err, ErrDeviceUnavailable) {
			s.hardFail(s.current, c.err)
			return
		}
		s.fail(s.current, &PlaybackError{PlayID: c.playID, URL: c.url, Err: c.err})
		return
	}

	s.handle = c.handle
	s.paused = false
	s.setState(StatePlaying, s.current)
	telemetry.PlaysStartedTotal.Inc()
	s.publish(events.EventPlayStarted, playPayload(s.current.play, events.Payload{"clip_url": c.url}))
	s.logger.Info().
		Str("play_id", c.playID).
		Int64("seq", s.current.play.SequenceNumber).
		Msg("play started")

	epoch := c.epoch
	h := c.handle
	go func() {
		select {
		case err := <-h.Done():
			s.post(finishedCmd{epoch: epoch, playID: c.playID, err: err})
		case <-s.done:
		}
	}()
}

func (s *Sequencer) handleFinished(c finishedCmd) {
	if c.epoch != s.epoch.Load() || s.current == nil || s.current.play.ID != c.playID || s.state != StatePlaying {
		return
	}
	e := s.current
	s.releaseHandle()
	s.paused = false

	if c.err != nil {
		s.fail(e, &PlaybackError{PlayID: e.play.ID, URL: e.url, Err: c.err})
		return
	}

	s.failures = 0
	s.played++
	s.current = nil
	s.recordPlayed(e.play)
	s.publish(events.EventPlayFinished, playPayload(e.play, nil))
	s.logger.Info().
		Str("play_id", e.play.ID).
		Int64("seq", e.play.SequenceNumber).
		Msg("play finished")
	s.dispatchNext()
}

func (s *Sequencer) recordPlayed(play models.Play) {
	if s.onPlayed == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.runCtx), s.cfg.RecordTimeout)
		defer cancel()
		if err := s.onPlayed(ctx, play); err != nil {
			s.logger.Warn().Err(err).Str("play_id", play.ID).Int64("seq", play.SequenceNumber).Msg("failed to record played sequence")
		}
	}()
}

// fail skips e and moves on, unless the failure streak trips the breaker.
func (s *Sequencer) fail(e *entry, err error) {
	s.releaseHandle()
	s.current = nil
	s.paused = false
	s.failures++
	stage := failureStage(err)

	s.deadLetters = append(s.deadLetters, DeadLetter{
		PlayID:   e.play.ID,
		Sequence: e.play.SequenceNumber,
		Stage:    stage,
		Error:    err.Error(),
		At:       time.Now().UTC(),
	})
	if over := len(s.deadLetters) - s.cfg.DeadLetterLimit; over > 0 {
		s.deadLetters = append([]DeadLetter(nil), s.deadLetters[over:]...)
	}

	telemetry.PlaysFailedTotal.WithLabelValues(stage).Inc()
	s.setState(StateFailed, e)
	s.publish(events.EventPlayFailed, playPayload(e.play, events.Payload{
		"stage":                stage,
		"error":                err.Error(),
		"consecutive_failures": s.failures,
	}))
	s.logger.Warn().
		Err(err).
		Str("play_id", e.play.ID).
		Int64("seq", e.play.SequenceNumber).
		Str("stage", stage).
		Int("consecutive_failures", s.failures).
		Msg("play failed, skipping")
	s.dropped(e.play)

	if s.failures >= s.cfg.MaxConsecutiveFailures {
		s.breakerOpen = true
		telemetry.CircuitBreakerTripsTotal.Inc()
		s.setState(StateIdle, nil)
		s.publish(events.EventCircuitOpen, events.Payload{
			"consecutive_failures": s.failures,
			"queued":               len(s.queue),
		})
		s.logger.Error().
			Int("consecutive_failures", s.failures).
			Int("queued", len(s.queue)).
			Msg("too many consecutive failures, playback halted")
		return
	}
	s.dispatchNext()
}

// hardFail handles a device that can no longer play anything.
func (s *Sequencer) hardFail(e *entry, err error) {
	s.epoch.Add(1)
	s.releaseHandle()
	dropped := len(s.queue)
	s.dropped(e.play)
	for _, q := range s.queue {
		s.dropped(q.play)
	}
	s.queue = nil
	s.current = nil
	s.paused = false
	s.setState(StateIdle, nil)
	telemetry.PlaysFailedTotal.WithLabelValues("device").Inc()
	s.publish(events.EventHardFailure, playPayload(e.play, events.Payload{
		"error":   err.Error(),
		"dropped": dropped,
	}))
	s.logger.Error().Err(err).Str("play_id", e.play.ID).Int("dropped", dropped).Msg("playback device failed, queue cleared")
}

func (s *Sequencer) dropped(play models.Play) {
	if s.onDrop != nil {
		s.onDrop(play)
	}
}

func (s *Sequencer) releaseHandle() {
	if s.handle == nil {
		return
	}
	s.releaseAsync(s.handle)
	s.handle = nil
}

// releaseAsync releases h off the loop. Releases are chained so the next load can wait
// for all of them.
func (s *Sequencer) releaseAsync(h Handle) {
	prev := s.lastRelease
	done := make(chan struct{})
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		s.release(h)
	}()
	s.lastRelease = done
}

func (s *Sequencer) release(h Handle) {
	if err := h.Release(); err != nil {
		s.logger.Debug().Err(err).Msg("handle release failed")
	}
}

func (s *Sequencer) setState(state State, e *entry) {
	if s.state == state {
		return
	}
	prev := s.state
	s.state = state
	payload := events.Payload{"state": string(state), "from": string(prev)}
	if e != nil {
		payload["play_id"] = e.play.ID
		payload["seq"] = e.play.SequenceNumber
	}
	s.publish(events.EventStateChanged, payload)
}

func (s *Sequencer) publish(t events.EventType, payload events.Payload) {
	s.bus.Publish(t, payload)
}

func (s *Sequencer) refreshSnapshot() {
	snap := Snapshot{
		State:               s.state,
		Paused:              s.paused,
		Queue:               make([]QueuedPlay, 0, len(s.queue)),
		ConsecutiveFailures: s.failures,
		BreakerOpen:         s.breakerOpen,
		DeadLetters:         append([]DeadLetter(nil), s.deadLetters...),
		Played:              s.played,
	}
	if s.current != nil {
		snap.Current = &QueuedPlay{PlayID: s.current.play.ID, Sequence: s.current.play.SequenceNumber, ClipURL: s.current.url}
	}
	for _, e := range s.queue {
		snap.Queue = append(snap.Queue, QueuedPlay{PlayID: e.play.ID, Sequence: e.play.SequenceNumber, ClipURL: e.url})
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	telemetry.SequencerQueueDepth.Set(float64(len(snap.Queue)))
	for _, st := range allStates {
		v := 0.0
		if st == snap.State {
			v = 1
		}
		telemetry.SequencerState.WithLabelValues(string(st)).Set(v)
	}
}

func playPayload(p models.Play, extra events.Payload) events.Payload {
	payload := events.Payload{
		"play_id":       p.ID,
		"collection_id": p.CollectionID,
		"seq":           p.SequenceNumber,
		"description":   p.Description,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}
