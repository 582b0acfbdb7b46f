package graph

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/gridmind/internal/causal"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(setupTestDB(t), opts...)
	if err != nil {
		t.Fatalf("new graph store: %v", err)
	}
	return s
}

// #region test-save-load
func TestLoadUnknownGraph(t *testing.T) {
	s := newStore(t)
	_, err := s.LoadWeights(context.Background(), "missing")
	if !errors.Is(err, ErrGraphNotFound) {
		t.Fatalf("expected ErrGraphNotFound, got %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	g := causal.DefaultGraph()
	g.Set(causal.Edge{Cause: causal.VarActionDown, Effect: causal.VarMoveDY, Strength: 0.9, Confidence: 0.7, Active: true})
	g.Set(causal.Edge{Cause: causal.VarActionStay, Effect: causal.VarReward, Strength: 0.01, Confidence: 0.4, Active: false})
	if err := s.SaveWeights(ctx, "g1", g); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.LoadWeights(ctx, "g1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Len() != g.Len() {
		t.Fatalf("expected %d edges, got %d", g.Len(), got.Len())
	}
	e, _ := got.Edge(causal.VarActionDown, causal.VarMoveDY)
	if math.Abs(e.Strength-0.9) > 1e-9 || math.Abs(e.Confidence-0.7) > 1e-9 || !e.Active {
		t.Errorf("unexpected edge %+v", e)
	}
	if e, _ := got.Edge(causal.VarActionStay, causal.VarReward); e.Active {
		t.Error("inactive flag lost")
	}

	// saving again replaces rather than appends
	small := causal.NewGraph()
	small.Set(causal.Edge{Cause: causal.VarActionUp, Effect: causal.VarMoveDY, Strength: -1, Active: true})
	if err := s.SaveWeights(ctx, "g1", small); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, _ = s.LoadWeights(ctx, "g1")
	if got.Len() != 1 {
		t.Errorf("expected 1 edge after resave, got %d", got.Len())
	}
}

func TestConfidenceHalfLife(t *testing.T) {
	s := newStore(t, WithConfidenceHalfLife(time.Hour))
	ctx := context.Background()
	g := causal.NewGraph()
	g.Set(causal.Edge{Cause: causal.VarActionDown, Effect: causal.VarMoveDY, Strength: 0.9, Confidence: 0.8, Active: true})
	if err := s.SaveWeights(ctx, "g1", g); err != nil {
		t.Fatalf("save: %v", err)
	}
	old := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)
	if _, err := s.db.Exec(`UPDATE causal_edges SET updated_at = ?`, old); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	got, _ := s.LoadWeights(ctx, "g1")
	e, _ := got.Edge(causal.VarActionDown, causal.VarMoveDY)
	if math.Abs(e.Confidence-0.4) > 0.01 {
		t.Errorf("expected confidence halved to ~0.4, got %.4f", e.Confidence)
	}
	if e.Strength != 0.9 {
		t.Errorf("strength must not decay, got %f", e.Strength)
	}
}

// #endregion test-save-load

// #region test-neighbors
func TestNeighborsOrdered(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	g := causal.NewGraph()
	g.Set(causal.Edge{Cause: causal.VarActionRight, Effect: causal.VarMoveDX, Strength: 0.9, Active: true})
	g.Set(causal.Edge{Cause: causal.VarActionRight, Effect: causal.VarBumped, Strength: -0.3, Active: true})
	g.Set(causal.Edge{Cause: causal.VarActionRight, Effect: causal.VarReward, Strength: 0.01, Active: true})
	g.Set(causal.Edge{Cause: causal.VarActionLeft, Effect: causal.VarMoveDX, Strength: -0.9, Active: true})
	if err := s.SaveWeights(ctx, "g1", g); err != nil {
		t.Fatalf("save: %v", err)
	}

	edges, err := s.Neighbors(ctx, "g1", causal.VarActionRight, 0.1)
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	if edges[0].Effect != causal.VarMoveDX || edges[1].Effect != causal.VarBumped {
		t.Errorf("unexpected order: %v, %v", edges[0].Effect, edges[1].Effect)
	}

	ids, err := s.ListGraphs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "g1" {
		t.Errorf("expected [g1], got %v (%v)", ids, err)
	}
}

// #endregion test-neighbors
