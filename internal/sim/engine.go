package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/gridmind/internal/belief"
	"github.com/danielpatrickdp/gridmind/internal/causal"
	"github.com/danielpatrickdp/gridmind/internal/grid"
	"github.com/danielpatrickdp/gridmind/internal/improve"
	"github.com/danielpatrickdp/gridmind/internal/logging"
	"github.com/danielpatrickdp/gridmind/internal/metrics"
	"github.com/danielpatrickdp/gridmind/internal/policy"
	"github.com/danielpatrickdp/gridmind/internal/state"
)

const tracerName = "github.com/danielpatrickdp/gridmind/internal/sim"

// #region options

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRunID fixes the run identifier. Defaults to a random UUID.
func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = id }
}

// WithCheckpointStore enables checkpointing every Config.CheckpointInterval
// episodes. The latest checkpoint of the run is restored on construction.
func WithCheckpointStore(s state.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithGraphProvider loads initial edge weights from p and saves them on Close.
func WithGraphProvider(p GraphProvider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithRecorder records every controller decision.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithMetrics publishes step and episode metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer for episode and checkpoint spans. Defaults to
// the global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// #endregion options

// #region engine

// Engine runs the perception-action loop: observe, update beliefs, update
// the causal model, select an action, step the world, record. All methods
// are safe for concurrent use; calls are serialized on one mutex.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	runID    string
	root     *slog.Logger // undecorated logger handed to forks
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics
	store    state.Store
	async    *state.AsyncWriter
	provider GraphProvider
	recorder Recorder

	world      *grid.World
	model      *causal.Model
	tracker    *belief.Tracker
	selector   *policy.Selector
	tuner      *policy.Tuner
	controller *improve.Controller

	// tuning: a proposal is scheduled for the next episode or being tried
	tuneNext    bool
	tunePending bool

	episode     int
	active      bool
	terminal    bool // last episode ended; steps repeat its final observation
	agent       AgentState
	obs         grid.Observation
	errSum      float64
	errN        int
	collapses   int
	fallbacks   int
	actions     []grid.Action
	lastWarning string
}

// New builds an engine from cfg. Edge weights come from the graph provider
// when one is set and fall back to the default graph on failure. If a
// checkpoint store holds a snapshot for the run, its graph, weights and
// controller state are restored.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	world, err := grid.New(cfg.Grid)
	if err != nil {
		return nil, fmt.Errorf("build world: %w", err)
	}
	selector, err := policy.NewSelector(cfg.Policy, cfg.Weights)
	if err != nil {
		return nil, fmt.Errorf("build selector: %w", err)
	}
	controller, err := improve.NewController(cfg.Improvement)
	if err != nil {
		return nil, fmt.Errorf("build controller: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		world:      world,
		model:      causal.NewModel(cfg.Model, nil),
		tracker:    belief.NewTracker(cfg.Belief),
		selector:   selector,
		controller: controller,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.runID == "" {
		e.runID = uuid.New().String()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	e.root = e.logger
	e.logger = logging.WithComponent(e.logger, "sim").With(logging.RunIDKey, e.runID)

	ctx := context.Background()
	e.loadGraph(ctx)
	e.restore(ctx)

	if e.store != nil && !cfg.Consistent {
		ac := cfg.Async
		onErr := ac.OnError
		ac.OnError = func(err error) {
			e.metrics.Checkpoint("error")
			if onErr != nil {
				onErr(err)
			}
		}
		e.async = state.NewAsyncWriter(e.store, ac, e.logger)
	}
	return e, nil
}

func (e *Engine) loadGraph(ctx context.Context) {
	if e.provider == nil {
		return
	}
	g, err := e.provider.LoadWeights(ctx, e.cfg.GraphID)
	if err != nil {
		e.logger.Warn("graph provider failed, using default graph", "graph_id", e.cfg.GraphID, "err", err)
		return
	}
	e.model.SetGraph(g)
	e.logger.Info("loaded causal graph", "graph_id", e.cfg.GraphID, "edges", g.Len())
}

func (e *Engine) restore(ctx context.Context) {
	if e.store == nil {
		return
	}
	snap, err := e.store.Read(ctx, e.runID)
	if errors.Is(err, state.ErrNotFound) {
		return
	}
	if err != nil {
		e.logger.Warn("checkpoint restore failed, starting fresh", "err", err)
		return
	}
	if err := e.controller.Restore(snap.Controller); err != nil {
		e.logger.Warn("checkpoint has invalid controller state, starting fresh", "err", err)
		return
	}
	if snap.Graph != nil {
		e.model.SetGraph(snap.Graph)
	}
	e.selector.SetWeights(snap.Weights)
	e.episode = snap.Episode
	e.logger.Info("restored checkpoint", "version_id", snap.VersionID, logging.EpisodeKey, snap.Episode,
		logging.LevelKey, snap.Controller.Level.String())
}

// RunID returns the run identifier.
func (e *Engine) RunID() string {
	return e.runID
}

// Close drains pending checkpoints and saves the graph to the provider.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	if e.async != nil {
		if err := e.async.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain checkpoints: %w", err))
		}
		written, dropped, failed := e.async.Stats()
		e.logger.Debug("checkpoint writer closed", "written", written, "dropped", dropped, "failed", failed)
	}
	if e.provider != nil {
		if err := e.provider.SaveWeights(ctx, e.cfg.GraphID, e.model.Graph().Clone()); err != nil {
			errs = append(errs, fmt.Errorf("save graph %s: %w", e.cfg.GraphID, err))
		}
	}
	return errors.Join(errs...)
}

// #endregion engine

// #region diagnostics

// Diagnostics returns a snapshot of the engine's internal state.
func (e *Engine) Diagnostics() Diagnostics {
	e.mu.Lock()
	defer e.mu.Unlock()
	mapPos, _ := e.tracker.MAP()
	return Diagnostics{
		RunID:            e.runID,
		Episode:          e.episode,
		Step:             e.agent.Step,
		Position:         e.agent.Position,
		BeliefEntropy:    e.tracker.Entropy(),
		BeliefMAP:        mapPos,
		CausalConfidence: e.model.Summary().Mean,
		ImprovementLevel: e.controller.Level(),
		Weights:          e.selector.Weights(),
		LastWarning:      e.lastWarning,
	}
}

// Graph returns a copy of the current causal graph.
func (e *Engine) Graph() *causal.Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.Graph().Clone()
}

// Belief returns a copy of the current goal posterior.
func (e *Engine) Belief() belief.Distribution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.Distribution()
}

// #endregion diagnostics
