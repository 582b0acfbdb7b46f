package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danielpatrickdp/gridmind/internal/config"
	"github.com/danielpatrickdp/gridmind/internal/graph"
	"github.com/danielpatrickdp/gridmind/internal/logging"
	"github.com/danielpatrickdp/gridmind/internal/metrics"
	"github.com/danielpatrickdp/gridmind/internal/sim"
	"github.com/danielpatrickdp/gridmind/internal/state"
)

// #region stack

// stack holds the persistence and telemetry collaborators an engine is
// built with. Every field but logger, registry and metrics may be nil.
type stack struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	db        *sql.DB
	sqlite    *state.SQLiteStore
	redis     *state.RedisStore
	store     state.Store
	graphs    *graph.Store
	decisions *logging.DecisionLog
}

// openStack connects the backends cfg.Persistence selects. The SQLite
// database, when configured, also holds the graph weights and the decision
// log.
func openStack(cfg *config.Config, logger *slog.Logger) (*stack, error) {
	s := &stack{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	s.metrics = metrics.New(s.registry)

	p := cfg.Persistence
	switch p.Backend {
	case "sqlite":
		st, err := state.NewSQLiteStore(p.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		s.sqlite, s.store, s.db = st, st, st.DB()
	case "redis":
		st, err := state.NewRedisStore(state.RedisOptions{URL: p.RedisURL, Prefix: p.RedisPrefix, TTL: p.RedisTTL})
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		s.redis, s.store = st, st
	}

	if s.db == nil && p.DBPath != "" {
		db, err := state.OpenDB(p.DBPath)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.db = db
	}
	if s.db != nil {
		var err error
		if s.graphs, err = graph.NewStore(s.db); err != nil {
			s.Close()
			return nil, err
		}
		if s.decisions, err = logging.NewDecisionLog(s.db); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// engineOptions wires the stack into sim.New.
func (s *stack) engineOptions(runID string) []sim.Option {
	opts := []sim.Option{sim.WithLogger(s.logger), sim.WithMetrics(s.metrics)}
	if runID != "" {
		opts = append(opts, sim.WithRunID(runID))
	}
	if s.store != nil {
		opts = append(opts, sim.WithCheckpointStore(s.store))
	}
	if s.graphs != nil {
		opts = append(opts, sim.WithGraphProvider(s.graphs))
	}
	if s.decisions != nil {
		opts = append(opts, sim.WithRecorder(s.decisions))
	}
	return opts
}

// newEngine builds an engine from the stack's config.
func (s *stack) newEngine(runID string) (*sim.Engine, error) {
	ec, err := s.cfg.Engine()
	if err != nil {
		return nil, err
	}
	return sim.New(ec, s.engineOptions(runID)...)
}

// closeEngine drains pending checkpoints and saves the graph.
func (s *stack) closeEngine(ctx context.Context, e *sim.Engine) {
	if err := e.Close(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("engine close failed", logging.RunIDKey, e.RunID(), "err", err)
	}
}

// Close releases every backend.
func (s *stack) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.sqlite != nil {
		errs = append(errs, s.sqlite.Close())
	} else if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// #endregion stack
