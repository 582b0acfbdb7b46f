package sim

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/gridmind/internal/causal"
	"github.com/danielpatrickdp/gridmind/internal/improve"
	"github.com/danielpatrickdp/gridmind/internal/policy"
)

// #region parallel

// RunParallel runs episodes on workers independent copies of the engine.
// Each worker owns a clone of the model, beliefs, weights and controller
// state and steps its own world seeded from Grid.Seed plus the worker index.
// At the barrier the workers' models are merged with causal.MergeModels,
// their weights averaged into this engine and, when checkpointing is on, the
// merged state is checkpointed. A worker that exhausts escalation stops
// early without failing the others; any other error cancels the group and
// nothing is merged.
func (e *Engine) RunParallel(ctx context.Context, workers, episodes int) ([][]EpisodeResult, error) {
	if workers < 1 {
		return nil, fmt.Errorf("workers %d must be >= 1", workers)
	}
	ctx, span := e.tracer.Start(ctx, "sim.RunParallel")
	defer span.End()
	span.SetAttributes(attribute.Int("workers", workers), attribute.Int("episodes", episodes))

	e.mu.Lock()
	defer e.mu.Unlock()

	forks := make([]*Engine, workers)
	for i := range forks {
		f, err := e.fork(i)
		if err != nil {
			return nil, fmt.Errorf("fork worker %d: %w", i, err)
		}
		forks[i] = f
	}

	results := make([][]EpisodeResult, workers)
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range forks {
		g.Go(func() error {
			res, err := f.Run(gctx, episodes)
			results[i] = res
			if errors.Is(err, improve.ErrEscalationExhausted) {
				f.logger.Warn("worker stopped: escalation exhausted", "episodes", len(res))
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return results, err
	}

	models := make([]*causal.Model, workers)
	weights := make([]policy.Weights, workers)
	maxEpisode := e.episode
	for i, f := range forks {
		models[i] = f.model
		weights[i] = f.selector.Weights()
		maxEpisode = max(maxEpisode, f.episode)
	}
	e.model = causal.MergeModels(models...)
	e.selector.SetWeights(policy.AverageWeights(weights...))
	e.episode = maxEpisode
	e.active, e.terminal = false, false

	sum := e.model.Summary()
	e.logger.Info("parallel workers merged", "workers", workers, "episodes", episodes,
		"edges", sum.Edges, "mean_confidence", sum.Mean, "absorbed", e.model.Absorbed())
	if e.store != nil && e.cfg.CheckpointInterval > 0 {
		e.checkpoint(ctx)
	}
	return results, nil
}

// fork builds a worker engine sharing configuration, metrics and tracer but
// owning copies of all learned state. Forks never checkpoint or record.
func (e *Engine) fork(i int) (*Engine, error) {
	cfg := e.cfg
	cfg.Grid.Seed = e.cfg.Grid.Seed + uint64(i) + 1
	cfg.CheckpointInterval = 0
	f, err := New(cfg,
		WithLogger(e.root.With("worker", i)),
		WithRunID(fmt.Sprintf("%s-w%d", e.runID, i)),
		WithMetrics(e.metrics),
		WithTracer(e.tracer),
	)
	if err != nil {
		return nil, err
	}
	f.model = e.model.Clone()
	f.tracker = e.tracker.Clone()
	f.selector.SetWeights(e.selector.Weights())
	if err := f.controller.Restore(e.controller.State()); err != nil {
		return nil, fmt.Errorf("restore controller: %w", err)
	}
	f.episode = e.episode
	return f, nil
}

// #endregion parallel
