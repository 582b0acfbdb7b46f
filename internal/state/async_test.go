package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/gridmind/internal/improve"
)

// memStore records writes; block, when set, holds every Write until closed.
type memStore struct {
	mu     sync.Mutex
	writes []Snapshot
	block  chan struct{}
	err    error
}

func (m *memStore) Write(ctx context.Context, runID string, snap Snapshot) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.RunID = runID
	m.writes = append(m.writes, snap)
	return nil
}

func (m *memStore) Read(ctx context.Context, runID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.writes) - 1; i >= 0; i-- {
		if m.writes[i].RunID == runID {
			return m.writes[i], nil
		}
	}
	return Snapshot{}, ErrNotFound
}

func TestAsyncWriterDrainsOnClose(t *testing.T) {
	store := &memStore{}
	w := NewAsyncWriter(store, AsyncConfig{Buffer: 16, Rate: rate.Inf}, nil)
	for ep := 1; ep <= 5; ep++ {
		if !w.Submit("run-1", sampleSnapshot(ep, improve.LevelParametricTuning)) {
			t.Fatalf("submit %d rejected", ep)
		}
	}
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(store.writes) != 5 {
		t.Fatalf("expected 5 writes after drain, got %d", len(store.writes))
	}
	if store.writes[4].Episode != 5 {
		t.Errorf("expected writes in order, last episode %d", store.writes[4].Episode)
	}
	if w.Submit("run-1", Snapshot{}) {
		t.Error("submit after close must be rejected")
	}
}

func TestAsyncWriterDropsWhenFull(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	w := NewAsyncWriter(store, AsyncConfig{Buffer: 1, Rate: rate.Inf}, nil)

	accepted := 0
	for ep := 1; ep <= 10; ep++ {
		if w.Submit("run-1", sampleSnapshot(ep, improve.LevelParametricTuning)) {
			accepted++
		}
	}
	if accepted >= 10 {
		t.Fatal("expected some snapshots to be dropped")
	}
	close(store.block)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	written, dropped, _ := w.Stats()
	if int(written) != accepted || int(dropped) != 10-accepted {
		t.Errorf("written=%d dropped=%d accepted=%d", written, dropped, accepted)
	}
}

func TestAsyncWriterCloseRespectsDeadline(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	w := NewAsyncWriter(store, AsyncConfig{Buffer: 4, Rate: rate.Inf}, nil)
	w.Submit("run-1", sampleSnapshot(1, improve.LevelParametricTuning))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestAsyncWriterReportsErrors(t *testing.T) {
	boom := errors.New("disk full")
	var mu sync.Mutex
	var seen []error
	store := &memStore{err: boom}
	w := NewAsyncWriter(store, AsyncConfig{Buffer: 4, Rate: rate.Inf, OnError: func(err error) {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
	}}, nil)
	w.Submit("run-1", sampleSnapshot(1, improve.LevelParametricTuning))
	w.Close(context.Background())

	_, _, failed := w.Stats()
	if failed != 1 || len(seen) != 1 || !errors.Is(seen[0], boom) {
		t.Errorf("expected one reported failure, got failed=%d seen=%v", failed, seen)
	}
}
