package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/friendsincode/playcall/internal/events"
	"github.com/friendsincode/playcall/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type sequencerFixture struct {
	*orchestratorFixture
	device *fakeDevice
	bus    *events.Bus
	seq    *Sequencer
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	played  []int64
	dropped []string
}

func newSequencerFixture(t *testing.T, autoFinish time.Duration, cfg SequencerConfig) *sequencerFixture {
	t.Helper()
	f := &sequencerFixture{
		orchestratorFixture: newOrchestratorFixture(t, OrchestratorConfig{}),
		device:              newFakeDevice(autoFinish),
		bus:                 events.NewBus(),
		done:                make(chan struct{}),
	}
	onPlayed := func(ctx context.Context, p models.Play) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.played = append(f.played, p.SequenceNumber)
		return nil
	}
	f.seq = NewSequencer(f.orch, f.device, onPlayed, f.bus, cfg, zerolog.Nop())
	f.seq.OnDropped(func(p models.Play) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.dropped = append(f.dropped, p.ID)
	})

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		defer close(f.done)
		_ = f.seq.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-f.done
	})
	return f
}

func (f *sequencerFixture) enqueue(t *testing.T, plays ...models.Play) int {
	t.Helper()
	for _, p := range plays {
		f.repo.addPlay(p)
	}
	n, err := f.seq.EnqueueBatch(context.Background(), plays)
	require.NoError(t, err)
	return n
}

func (f *sequencerFixture) playedSeqs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.played...)
}

func (f *sequencerFixture) droppedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dropped...)
}

func (f *sequencerFixture) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.seq.State() == want }, waitFor, tick, "state never became %s", want)
}

func TestSequencerPlaysInEnqueueOrder(t *testing.T) {
	f := newSequencerFixture(t, 10*time.Millisecond, SequencerConfig{})
	plays := []models.Play{play("g1", 1), play("g1", 2), play("g1", 3), play("g1", 4)}
	assert.Equal(t, 4, f.enqueue(t, plays...))

	require.Eventually(t, func() bool { return len(f.playedSeqs()) == 4 }, waitFor, tick)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, f.playedSeqs())

	want := make([]string, 0, len(plays))
	for _, p := range plays {
		want = append(want, clipURL(p))
	}
	assert.Equal(t, want, f.device.loaded())
	f.waitState(t, StateIdle)
	assert.Equal(t, 4, f.seq.Snapshot().Played)
}

func TestSequencerNeverOverlapsPlayback(t *testing.T) {
	f := newSequencerFixture(t, 2*time.Millisecond, SequencerConfig{PrefetchDepth: 3})
	var plays []models.Play
	for i := int64(1); i <= 10; i++ {
		plays = append(plays, play("g1", i))
	}
	f.enqueue(t, plays...)

	require.Eventually(t, func() bool { return len(f.playedSeqs()) == 10 }, waitFor, tick)
	assert.Equal(t, 1, f.device.peak())
	require.Eventually(t, func() bool { return f.device.live() == 0 }, waitFor, tick)
}

func TestSequencerIgnoresDuplicateEnqueue(t *testing.T) {
	f := newSequencerFixture(t, 0, SequencerConfig{})
	p1, p2 := play("g1", 1), play("g1", 2)
	assert.Equal(t, 2, f.enqueue(t, p1, p2))
	f.waitState(t, StatePlaying)

	assert.Equal(t, 0, f.enqueue(t, p1))
	assert.Equal(t, 0, f.enqueue(t, p2))
	assert.Len(t, f.seq.Queue(), 1)
}

func TestSequencerSkipsFailedPlay(t *testing.T) {
	f := newSequencerFixture(t, 5*time.Millisecond, SequencerConfig{})
	p1, p2, p3 := play("g1", 1), play("g1", 2), play("g1", 3)
	f.speech.setFail(p2.Description, errors.New("voice unavailable"))

	failed := f.bus.Subscribe(events.EventPlayFailed)
	defer f.bus.Unsubscribe(failed)

	f.enqueue(t, p1, p2, p3)
	require.Eventually(t, func() bool { return len(f.playedSeqs()) == 2 }, waitFor, tick)
	assert.Equal(t, []int64{1, 3}, f.playedSeqs())

	letters := f.seq.Failures()
	require.Len(t, letters, 1)
	assert.Equal(t, p2.ID, letters[0].PlayID)
	assert.Equal(t, string(StageSynthesize), letters[0].Stage)

	select {
	case evt := <-failed:
		assert.Equal(t, p2.ID, evt.Payload["play_id"])
	case <-time.After(waitFor):
		t.Fatal("no play failed event")
	}
	_, ok := f.repo.clipURL(p2.ID)
	assert.False(t, ok)
	assert.Zero(t, f.seq.Snapshot().ConsecutiveFailures)
	assert.Equal(t, []string{p2.ID}, f.droppedIDs())
}

func TestSequencerPlaybackFailureIsSkipped(t *testing.T) {
	f := newSequencerFixture(t, 5*time.Millisecond, SequencerConfig{})
	p1, p2 := play("g1", 1), play("g1", 2)
	f.device.setLoadErr(clipURL(p1), errors.New("unsupported format"))

	f.enqueue(t, p1, p2)
	require.Eventually(t, func() bool { return len(f.playedSeqs()) == 1 }, waitFor, tick)
	assert.Equal(t, []int64{2}, f.playedSeqs())

	letters := f.seq.Failures()
	require.Len(t, letters, 1)
	assert.Equal(t, "playback", letters[0].Stage)
}

func TestSequencerCircuitBreaker(t *testing.T) {
	f := newSequencerFixture(t, 5*time.Millisecond, SequencerConfig{MaxConsecutiveFailures: 2})
	p1, p2, p3 := play("g1", 1), play("g1", 2), play("g1", 3)
	f.speech.setFail(p1.Description, errors.New("down"))
	f.speech.setFail(p2.Description, errors.New("down"))

	tripped := f.bus.Subscribe(events.EventCircuitOpen)
	defer f.bus.Unsubscribe(tripped)

	f.enqueue(t, p1, p2, p3)
	select {
	case <-tripped:
	case <-time.After(waitFor):
		t.Fatal("breaker did not trip")
	}

	require.Eventually(t, func() bool {
		snap := f.seq.Snapshot()
		return snap.BreakerOpen && snap.State == StateIdle && len(snap.Queue) == 1
	}, waitFor, tick)
	assert.Equal(t, p3.ID, f.seq.Queue()[0].PlayID)
	assert.Empty(t, f.playedSeqs())

	// New plays queue up but do not start while the breaker is open.
	p4 := play("g1", 4)
	assert.Equal(t, 1, f.enqueue(t, p4))
	assert.Never(t, func() bool { return len(f.device.loaded()) > 0 }, 50*time.Millisecond, tick)

	require.NoError(t, f.seq.ResetBreaker(context.Background()))
	require.Eventually(t, func() bool { return len(f.playedSeqs()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{clipURL(p3), clipURL(p4)}, f.device.loaded())
	assert.False(t, f.seq.Snapshot().BreakerOpen)
}

func TestSequencerDeviceFailureClearsQueue(t *testing.T) {
	f := newSequencerFixture(t, 5*time.Millisecond, SequencerConfig{})
	p1, p2, p3 := play("g1", 1), play("g1", 2), play("g1", 3)
	f.device.setLoadErr(clipURL(p1), ErrDeviceUnavailable)

	hard := f.bus.Subscribe(events.EventHardFailure)
	defer f.bus.Unsubscribe(hard)

	f.enqueue(t, p1, p2, p3)
	select {
	case evt := <-hard:
		assert.Equal(t, p1.ID, evt.Payload["play_id"])
		assert.Equal(t, 2, evt.Payload["dropped"])
	case <-time.After(waitFor):
		t.Fatal("no hard failure event")
	}

	f.waitState(t, StateIdle)
	assert.Empty(t, f.seq.Queue())
	assert.Never(t, func() bool { return len(f.device.loaded()) > 0 }, 50*time.Millisecond, tick)
	assert.ElementsMatch(t, []string{p1.ID, p2.ID, p3.ID}, f.droppedIDs())
}

func TestSequencerStopDiscardsInFlightWork(t *testing.T) {
	f := newSequencerFixture(t, 5*time.Millisecond, SequencerConfig{})
	f.speech.gate = make(chan struct{})
	p1, p2 := play("g1", 1), play("g1", 2)

	f.enqueue(t, p1, p2)
	f.waitState(t, StateGenerating)
	require.NoError(t, f.seq.Stop(context.Background()))
	assert.Equal(t, StateIdle, f.seq.State())
	assert.Empty(t, f.seq.Queue())

	// The generation finishes after the stop; its result must not start playback.
	close(f.speech.gate)
	require.Eventually(t, func() bool {
		_, ok := f.repo.clipURL(p1.ID)
		return ok
	}, waitFor, tick)
	assert.Never(t, func() bool { return len(f.device.loaded()) > 0 }, 50*time.Millisecond, tick)

	// The sequencer keeps working after a stop.
	p3 := play("g1", 3)
	f.enqueue(t, p3)
	require.Eventually(t, func() bool { return len(f.playedSeqs()) == 1 }, waitFor, tick)
	assert.Equal(t, []int64{3}, f.playedSeqs())
}

func TestSequencerStopReleasesPlayingClip(t *testing.T) {
	f := newSequencerFixture(t, 0, SequencerConfig{})
	f.enqueue(t, play("g1", 1))
	f.waitState(t, StatePlaying)
	require.Equal(t, 1, f.device.live())

	require.NoError(t, f.seq.Stop(context.Background()))
	require.Eventually(t, func() bool { return f.device.live() == 0 }, waitFor, tick)

	// A late finish from the released handle is ignored.
	f.device.last().finish(nil)
	assert.Never(t, func() bool { return len(f.playedSeqs()) > 0 }, 50*time.Millisecond, tick)
}

func TestSequencerPauseResume(t *testing.T) {
	f := newSequencerFixture(t, 0, SequencerConfig{})
	ctx := context.Background()

	err := f.seq.Pause(ctx)
	require.ErrorIs(t, err, ErrInvalidTransition)

	f.enqueue(t, play("g1", 1))
	f.waitState(t, StatePlaying)
	h := f.device.last()

	require.ErrorIs(t, f.seq.Resume(ctx), ErrInvalidTransition)
	require.NoError(t, f.seq.Pause(ctx))
	assert.True(t, h.paused.Load())
	assert.True(t, f.seq.Snapshot().Paused)
	require.ErrorIs(t, f.seq.Pause(ctx), ErrInvalidTransition)

	require.NoError(t, f.seq.Resume(ctx))
	assert.False(t, h.paused.Load())
	assert.False(t, f.seq.Snapshot().Paused)

	h.finish(nil)
	require.Eventually(t, func() bool { return len(f.playedSeqs()) == 1 }, waitFor, tick)
	f.waitState(t, StateIdle)
}

func TestSequencerPrefetchesNextClip(t *testing.T) {
	f := newSequencerFixture(t, 0, SequencerConfig{PrefetchDepth: 1})
	p1, p2, p3 := play("g1", 1), play("g1", 2), play("g1", 3)
	f.enqueue(t, p1, p2, p3)
	f.waitState(t, StatePlaying)

	require.Eventually(t, func() bool {
		q := f.seq.Queue()
		return len(q) == 2 && q[0].ClipURL == clipURL(p2)
	}, waitFor, tick)
	assert.Zero(t, f.speech.count(p3.Description))

	// Finishing p1 starts p2 without another synthesis.
	f.device.last().finish(nil)
	require.Eventually(t, func() bool {
		cur := f.seq.Snapshot().Current
		return cur != nil && cur.PlayID == p2.ID && f.seq.State() == StatePlaying
	}, waitFor, tick)
	assert.Equal(t, 1, f.speech.count(p2.Description))
}

func TestSequencerPlayedCallbackFailureDoesNotStall(t *testing.T) {
	f := newOrchestratorFixture(t, OrchestratorConfig{})
	device := newFakeDevice(2 * time.Millisecond)
	var mu sync.Mutex
	calls := 0
	onPlayed := func(ctx context.Context, p models.Play) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("database down")
	}
	seq := NewSequencer(f.orch, device, onPlayed, nil, SequencerConfig{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = seq.Run(ctx) }()

	_, err := seq.EnqueueBatch(ctx, []models.Play{play("g1", 1), play("g1", 2)})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, waitFor, tick)
	assert.Equal(t, 2, seq.Snapshot().Played)
}

func TestSequencerClosed(t *testing.T) {
	f := newSequencerFixture(t, 0, SequencerConfig{})
	f.cancel()
	<-f.done

	err := f.seq.Enqueue(context.Background(), play("g1", 1))
	assert.ErrorIs(t, err, ErrSequencerClosed)
	assert.ErrorIs(t, f.seq.Stop(context.Background()), ErrSequencerClosed)
	assert.Equal(t, StateIdle, f.seq.State())
	assert.Error(t, f.seq.Run(context.Background()), "Run can only be called once")
}

func TestSequencerSlowHeadKeepsQueueOrder(t *testing.T) {
	f := newSequencerFixture(t, 5*time.Millisecond, SequencerConfig{PrefetchDepth: 1})
	slow, fast := play("g1", 9), play("g1", 2)
	release := f.speech.hold(slow.Description)
	defer release()
	f.enqueue(t, slow, fast)

	// The prefetched clip is ready long before the head's.
	require.Eventually(t, func() bool {
		_, ok := f.repo.clipURL(fast.ID)
		return ok
	}, waitFor, tick)
	assert.Never(t, func() bool { return len(f.device.loaded()) > 0 }, 50*time.Millisecond, tick)
	assert.Equal(t, StateGenerating, f.seq.State())

	release()
	require.Eventually(t, func() bool { return len(f.device.loaded()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{clipURL(slow), clipURL(fast)}, f.device.loaded())
	assert.Equal(t, 1, f.speech.count(fast.Description))
}

func TestSequencerLiveOrderIgnoresSequenceNumbers(t *testing.T) {
	f := newSequencerFixture(t, 2*time.Millisecond, SequencerConfig{})
	arrivals := []models.Play{play("g1", 5), play("g1", 3), play("g1", 8), play("g1", 1)}
	for _, p := range arrivals {
		f.repo.addPlay(p)
		require.NoError(t, f.seq.Enqueue(context.Background(), p))
	}

	require.Eventually(t, func() bool { return len(f.device.loaded()) == len(arrivals) }, waitFor, tick)
	want := make([]string, 0, len(arrivals))
	for _, p := range arrivals {
		want = append(want, clipURL(p))
	}
	assert.Equal(t, want, f.device.loaded())
}

func TestSequencerConcurrentEnqueueNeverOverlaps(t *testing.T) {
	f := newSequencerFixture(t, time.Millisecond, SequencerConfig{PrefetchDepth: 3})
	// Nothing finishes until every producer is done, so repeats are always still queued.
	f.speech.gate = make(chan struct{})

	const producers, perProducer = 8, 10
	batches := make([][]models.Play, producers)
	for w := 0; w < producers; w++ {
		for i := 0; i < perProducer; i++ {
			p := play("g1", int64(w*perProducer+i+1))
			f.repo.addPlay(p)
			batches[w] = append(batches[w], p)
		}
	}

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for _, batch := range batches {
		wg.Add(1)
		go func(batch []models.Play) {
			defer wg.Done()
			for round := 0; round < 2; round++ {
				for _, p := range batch {
					n, err := f.seq.EnqueueBatch(context.Background(), []models.Play{p})
					assert.NoError(t, err)
					accepted.Add(int64(n))
				}
			}
		}(batch)
	}
	wg.Wait()
	close(f.speech.gate)

	const total = producers * perProducer
	assert.Equal(t, int64(total), accepted.Load())
	require.Eventually(t, func() bool { return len(f.device.loaded()) == total }, 5*time.Second, tick)

	seen := make(map[string]bool, total)
	for _, url := range f.device.loaded() {
		assert.False(t, seen[url], "loaded twice: %s", url)
		seen[url] = true
	}
	assert.Len(t, seen, total)
	assert.Equal(t, 1, f.device.peak())
	assert.Equal(t, total, f.speech.total())
}
