package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(repo *fakeRepo) *SessionTracker {
	tracker := NewSessionTracker(repo, zerolog.Nop())
	base := time.Date(2026, 4, 1, 19, 0, 0, 0, time.UTC)
	var n int
	tracker.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Minute)
	}
	return tracker
}

func TestStartSessionWithoutHistory(t *testing.T) {
	repo := newFakeRepo()
	tracker := newTestTracker(repo)

	s, err := tracker.StartSession(context.Background(), "g1", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Zero(t, s.LastPlayedSequence)
	assert.True(t, s.IsActive())

	stored := repo.session(s.ID)
	assert.Equal(t, "g1", stored.CollectionID)
	assert.Equal(t, "alice", stored.ListenerID)
}

func TestStartSessionResumesFromLastClosed(t *testing.T) {
	repo := newFakeRepo()
	tracker := newTestTracker(repo)
	ctx := context.Background()

	first, err := tracker.StartSession(ctx, "g1", "alice")
	require.NoError(t, err)
	require.NoError(t, tracker.RecordPlayed(ctx, first.ID, 5))
	require.NoError(t, tracker.EndSession(ctx, first.ID))

	second, err := tracker.StartSession(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int64(5), second.LastPlayedSequence)

	require.NoError(t, tracker.RecordPlayed(ctx, second.ID, 9))
	require.NoError(t, tracker.EndSession(ctx, second.ID))

	third, err := tracker.StartSession(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(9), third.LastPlayedSequence)
}

func TestStartSessionScopedByListenerAndCollection(t *testing.T) {
	repo := newFakeRepo()
	tracker := newTestTracker(repo)
	ctx := context.Background()

	s, err := tracker.StartSession(ctx, "g1", "alice")
	require.NoError(t, err)
	require.NoError(t, tracker.RecordPlayed(ctx, s.ID, 12))
	require.NoError(t, tracker.EndSession(ctx, s.ID))

	other, err := tracker.StartSession(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.Zero(t, other.LastPlayedSequence)

	otherGame, err := tracker.StartSession(ctx, "g2", "alice")
	require.NoError(t, err)
	assert.Zero(t, otherGame.LastPlayedSequence)
}

func TestStartSessionIgnoresActiveSessions(t *testing.T) {
	repo := newFakeRepo()
	tracker := newTestTracker(repo)
	ctx := context.Background()

	open, err := tracker.StartSession(ctx, "g1", "alice")
	require.NoError(t, err)
	require.NoError(t, tracker.RecordPlayed(ctx, open.ID, 3))

	next, err := tracker.StartSession(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.Zero(t, next.LastPlayedSequence)
}

func TestRecordPlayedIsMonotonic(t *testing.T) {
	repo := newFakeRepo()
	tracker := newTestTracker(repo)
	ctx := context.Background()

	s, err := tracker.StartSession(ctx, "g1", "alice")
	require.NoError(t, err)

	for _, seq := range []int64{2, 7, 4, 7, 1} {
		require.NoError(t, tracker.RecordPlayed(ctx, s.ID, seq))
	}
	assert.Equal(t, int64(7), repo.session(s.ID).LastPlayedSequence)

	live, ok := tracker.Session(s.ID)
	require.True(t, ok)
	assert.Equal(t, int64(7), live.LastPlayedSequence)
}

func TestRecordPlayedAfterEndStillAdvances(t *testing.T) {
	repo := newFakeRepo()
	tracker := newTestTracker(repo)
	ctx := context.Background()

	s, err := tracker.StartSession(ctx, "g1", "alice")
	require.NoError(t, err)
	require.NoError(t, tracker.RecordPlayed(ctx, s.ID, 3))
	require.NoError(t, tracker.EndSession(ctx, s.ID))

	// A late completion from the sequencer lands after the session closed.
	require.NoError(t, tracker.RecordPlayed(ctx, s.ID, 4))
	stored := repo.session(s.ID)
	assert.Equal(t, int64(4), stored.LastPlayedSequence)
	assert.NotNil(t, stored.EndedAt)
}

func TestEndSessionIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	tracker := newTestTracker(repo)
	ctx := context.Background()

	s, err := tracker.StartSession(ctx, "g1", "alice")
	require.NoError(t, err)
	require.NoError(t, tracker.EndSession(ctx, s.ID))
	first := *repo.session(s.ID).EndedAt

	require.NoError(t, tracker.EndSession(ctx, s.ID))
	assert.Equal(t, first, *repo.session(s.ID).EndedAt)

	_, ok := tracker.Session(s.ID)
	assert.False(t, ok)
}

func TestSessionTrackerUnknownSession(t *testing.T) {
	tracker := newTestTracker(newFakeRepo())
	ctx := context.Background()

	assert.ErrorIs(t, tracker.RecordPlayed(ctx, "missing", 1), errNotFound)
	assert.ErrorIs(t, tracker.EndSession(ctx, "missing"), errNotFound)
}
