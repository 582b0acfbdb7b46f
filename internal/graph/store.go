package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/danielpatrickdp/gridmind/internal/causal"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS causal_edges (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    graph_id    TEXT NOT NULL,
    cause       TEXT NOT NULL,
    effect      TEXT NOT NULL,
    strength    REAL NOT NULL DEFAULT 0,
    confidence  REAL NOT NULL DEFAULT 0,
    active      INTEGER NOT NULL DEFAULT 1,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    UNIQUE(graph_id, cause, effect)
);
CREATE INDEX IF NOT EXISTS idx_causal_edges_graph ON causal_edges(graph_id);
CREATE INDEX IF NOT EXISTS idx_causal_edges_cause ON causal_edges(graph_id, cause);
`

// #endregion schema

// #region types
// ErrGraphNotFound is returned by LoadWeights for an unknown graph ID.
var ErrGraphNotFound = errors.New("graph not found")

// StoredEdge is a persisted edge with its bookkeeping columns.
type StoredEdge struct {
	causal.Edge
	GraphID   string
	UpdatedAt time.Time
}

// Store is the graph-parameter provider: named causal graphs persisted in
// the causal_edges table.
type Store struct {
	db       *sql.DB
	halfLife time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithConfidenceHalfLife makes LoadWeights decay each edge's confidence by
// the time since it was last saved. Zero disables decay.
func WithConfidenceHalfLife(d time.Duration) Option {
	return func(s *Store) { s.halfLife = d }
}

// #endregion types

// #region constructor
// NewStore creates tables and returns a Store.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("graph schema: %w", err)
	}
	s := &Store{db: db}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// #endregion constructor

// #region save
// SaveWeights replaces graphID's edges with g's edges in one transaction.
func (s *Store) SaveWeights(ctx context.Context, graphID string, g *causal.Graph) error {
	if g == nil {
		return fmt.Errorf("save %s: nil graph", graphID)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM causal_edges WHERE graph_id = ?`, graphID); err != nil {
		return fmt.Errorf("clear graph %s: %w", graphID, err)
	}
	for _, e := range g.Edges() {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO causal_edges (graph_id, cause, effect, strength, confidence, active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			graphID, string(e.Cause), string(e.Effect), e.Strength, e.Confidence, boolInt(e.Active), now, now,
		)
		if err != nil {
			return fmt.Errorf("insert edge %s->%s: %w", e.Cause, e.Effect, err)
		}
	}
	return tx.Commit()
}

// #endregion save

// #region load
// LoadWeights returns graphID as a causal graph, or ErrGraphNotFound.
func (s *Store) LoadWeights(ctx context.Context, graphID string) (*causal.Graph, error) {
	edges, err := s.query(ctx,
		`SELECT graph_id, cause, effect, strength, confidence, active, updated_at
		 FROM causal_edges WHERE graph_id = ?`, graphID)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, fmt.Errorf("load %s: %w", graphID, ErrGraphNotFound)
	}
	now := time.Now().UTC()
	g := causal.NewGraph()
	for _, e := range edges {
		if s.halfLife > 0 {
			if age := now.Sub(e.UpdatedAt); age > 0 {
				e.Confidence *= math.Exp(-age.Seconds() * math.Ln2 / s.halfLife.Seconds())
			}
		}
		g.Set(e.Edge)
	}
	return g, nil
}

// #endregion load

// #region neighbors
// Neighbors returns graphID's edges out of cause with |strength| >= minStrength,
// strongest first.
func (s *Store) Neighbors(ctx context.Context, graphID string, cause causal.Variable, minStrength float64) ([]StoredEdge, error) {
	return s.query(ctx,
		`SELECT graph_id, cause, effect, strength, confidence, active, updated_at
		 FROM causal_edges
		 WHERE graph_id = ? AND cause = ? AND ABS(strength) >= ?
		 ORDER BY ABS(strength) DESC, effect`,
		graphID, string(cause), minStrength)
}

// ListGraphs returns every stored graph ID.
func (s *Store) ListGraphs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT graph_id FROM causal_edges ORDER BY graph_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]StoredEdge, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []StoredEdge
	for rows.Next() {
		var e StoredEdge
		var cause, effect, updatedAt string
		var active int
		if err := rows.Scan(&e.GraphID, &cause, &effect, &e.Strength, &e.Confidence, &active, &updatedAt); err != nil {
			return nil, err
		}
		e.Cause, e.Effect = causal.Variable(cause), causal.Variable(effect)
		e.Active = active != 0
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion neighbors
