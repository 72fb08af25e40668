package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/friendsincode/playcall/internal/events"
	"github.com/friendsincode/playcall/internal/models"
	"github.com/rs/zerolog"
)

type memStore struct {
	mu    sync.Mutex
	plays []models.Play
	err   error
}

func (m *memStore) InsertPlay(ctx context.Context, play *models.Play) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.plays = append(m.plays, *play)
	return nil
}

func (m *memStore) ListPlays(ctx context.Context, collectionID string, afterSeq int64) ([]models.Play, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Play
	for _, p := range m.plays {
		if p.CollectionID == collectionID && p.SequenceNumber > afterSeq {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestFetchBacklogSortsBySequence(t *testing.T) {
	store := &memStore{plays: []models.Play{
		{ID: "c", CollectionID: "g", SequenceNumber: 3},
		{ID: "a", CollectionID: "g", SequenceNumber: 1},
		{ID: "b", CollectionID: "g", SequenceNumber: 2},
		{ID: "x", CollectionID: "other", SequenceNumber: 9},
	}}
	src := NewSource(store, NewLocalNotifier(events.NewBus(), zerolog.Nop()), zerolog.Nop())

	plays, err := src.FetchBacklog(context.Background(), "g", 1)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(plays) != 2 || plays[0].ID != "b" || plays[1].ID != "c" {
		t.Fatalf("unexpected backlog %+v", plays)
	}
}

func TestPublishDeliversToCollectionSubscribers(t *testing.T) {
	bus := events.NewBus()
	store := &memStore{}
	src := NewSource(store, NewLocalNotifier(bus, zerolog.Nop()), zerolog.Nop())

	got := make(chan models.Play, 4)
	sub, err := src.Subscribe(context.Background(), "g", func(p models.Play) { got <- p }, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := src.Publish(context.Background(), &models.Play{ID: "other-1", CollectionID: "other", SequenceNumber: 1}); err != nil {
		t.Fatalf("publish other: %v", err)
	}
	if err := src.Publish(context.Background(), &models.Play{ID: "g-1", CollectionID: "g", SequenceNumber: 1, Description: "Walk."}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case p := <-got:
		if p.ID != "g-1" || p.Description != "Walk." {
			t.Fatalf("unexpected play %+v", p)
		}
		if p.CreatedAt.IsZero() {
			t.Fatal("expected CreatedAt to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}

	select {
	case p := <-got:
		t.Fatalf("unexpected extra notification %+v", p)
	case <-time.After(50 * time.Millisecond):
	}

	if len(store.plays) != 2 {
		t.Fatalf("expected both plays stored, got %d", len(store.plays))
	}
}

func TestPublishDoesNotNotifyWhenInsertFails(t *testing.T) {
	bus := events.NewBus()
	store := &memStore{err: errors.New("unique violation")}
	src := NewSource(store, NewLocalNotifier(bus, zerolog.Nop()), zerolog.Nop())

	got := make(chan models.Play, 1)
	sub, _ := src.Subscribe(context.Background(), "g", func(p models.Play) { got <- p }, nil)
	defer sub.Close()

	if err := src.Publish(context.Background(), &models.Play{ID: "g-1", CollectionID: "g", SequenceNumber: 1}); err == nil {
		t.Fatal("expected publish error")
	}
	select {
	case p := <-got:
		t.Fatalf("unexpected notification %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalSubscriptionCloseStopsDelivery(t *testing.T) {
	bus := events.NewBus()
	n := NewLocalNotifier(bus, zerolog.Nop())

	var mu sync.Mutex
	count := 0
	sub, _ := n.Subscribe(context.Background(), "g", func(models.Play) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	_ = n.Publish(context.Background(), models.Play{ID: "p", CollectionID: "g"})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no deliveries after close, got %d", count)
	}
}

func TestDecodePlayRejectsIncompleteMessages(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "nope"},
		{"missing id", `{"collection_id":"g","sequence_number":1}`},
		{"missing collection", `{"id":"p","sequence_number":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodePlay([]byte(tt.data)); err == nil {
				t.Fatalf("expected error for %s", tt.data)
			}
		})
	}
}

func TestEncodeDecodeKeepsClip(t *testing.T) {
	at := time.Date(2026, 5, 2, 20, 15, 0, 0, time.UTC)
	in := models.Play{ID: "p", CollectionID: "g", SequenceNumber: 7, Inning: 3, InningHalf: "top"}.WithClip("https://cdn/p.mp3", at)

	data, err := encodePlay(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decodePlay(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ready, ok := out.Clip().(models.Ready)
	if !ok || ready.URL != "https://cdn/p.mp3" || !ready.GeneratedAt.Equal(at) {
		t.Fatalf("clip lost in transit: %#v", out.Clip())
	}
}

func TestTopicNames(t *testing.T) {
	if got := natsSubject("mlb.2026 game>1"); got != "playcall.plays.mlb_2026_game_1" {
		t.Fatalf("unexpected subject %q", got)
	}
	if got := redisChannel("g-1"); got != "playcall:plays:g-1" {
		t.Fatalf("unexpected channel %q", got)
	}
}

func TestNewRedisNotifierUnreachable(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond
	if _, err := NewRedisNotifier(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected connection error")
	}
}
