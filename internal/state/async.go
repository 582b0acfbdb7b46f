package state

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// #region async-config
// AsyncConfig bounds the background checkpoint writer.
type AsyncConfig struct {
	Buffer  int        // queued snapshots before new ones are dropped
	Rate    rate.Limit // writes per second; rate.Inf = unthrottled
	Burst   int
	OnError func(error) // called for every failed write
}

// DefaultAsyncConfig returns a small buffer throttled to 20 writes/s.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{Buffer: 8, Rate: 20, Burst: 1}
}

// #endregion async-config

// #region async-writer
type job struct {
	runID string
	snap  Snapshot
}

// AsyncWriter writes snapshots off the simulation goroutine. Submit never
// blocks; a full queue drops the snapshot. Close drains the queue.
type AsyncWriter struct {
	store   Store
	cfg     AsyncConfig
	logger  *slog.Logger
	limiter *rate.Limiter
	jobs    chan job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAsyncWriter starts the writer goroutine.
func NewAsyncWriter(store Store, cfg AsyncConfig, logger *slog.Logger) *AsyncWriter {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultAsyncConfig().Buffer
	}
	if cfg.Rate == 0 {
		cfg.Rate = rate.Inf
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &AsyncWriter{
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "checkpoint"),
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		jobs:    make(chan job, cfg.Buffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Submit queues snap for runID. Returns false if the queue was full or the
// writer is closed.
func (w *AsyncWriter) Submit(runID string, snap Snapshot) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.jobs <- job{runID: runID, snap: snap}:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("checkpoint queue full, dropping snapshot", "run_id", runID, "episode", snap.Episode)
		return false
	}
}

func (w *AsyncWriter) loop() {
	defer w.wg.Done()
	for j := range w.jobs {
		if err := w.limiter.Wait(w.ctx); err != nil {
			w.dropped.Add(1)
			continue
		}
		if err := w.store.Write(w.ctx, j.runID, j.snap); err != nil {
			w.failed.Add(1)
			w.logger.Error("checkpoint write failed", "run_id", j.runID, "episode", j.snap.Episode, "err", err)
			if w.cfg.OnError != nil {
				w.cfg.OnError(err)
			}
			continue
		}
		w.written.Add(1)
	}
}

// Close stops accepting snapshots and waits for queued ones to be written.
// If ctx ends first, pending writes are cancelled.
func (w *AsyncWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns written, dropped and failed counts.
func (w *AsyncWriter) Stats() (written, dropped, failed int64) {
	return w.written.Load(), w.dropped.Load(), w.failed.Load()
}

// #endregion async-writer
