package policy

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/gridmind/internal/belief"
	"github.com/danielpatrickdp/gridmind/internal/causal"
	"github.com/danielpatrickdp/gridmind/internal/grid"
)

// #region config
// Config holds the selector's search parameters.
type Config struct {
	EpistemicWeight float64       // w in EFE = (1-w)·pragmatic - w·epistemic, in [0,1]
	RolloutDepth    int           // planning horizon, >= 1
	MaxExpansions   int           // continuation nodes expanded per Select; 0 = none
	Budget          time.Duration // wall-clock backstop per Select; 0 = none
	TieEpsilon      float64       // EFE values closer than this are tied
}

// DefaultConfig returns a balanced explorer with a three-step horizon.
func DefaultConfig() Config {
	return Config{
		EpistemicWeight: 0.5,
		RolloutDepth:    3,
		MaxExpansions:   4096,
		Budget:          200 * time.Millisecond,
		TieEpsilon:      1e-9,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.EpistemicWeight < 0 || c.EpistemicWeight > 1 {
		return fmt.Errorf("epistemic weight %.3f outside [0,1]", c.EpistemicWeight)
	}
	if c.RolloutDepth < 1 {
		return fmt.Errorf("rollout depth %d must be >= 1", c.RolloutDepth)
	}
	if c.MaxExpansions < 0 {
		return fmt.Errorf("max expansions %d must not be negative", c.MaxExpansions)
	}
	if c.Budget < 0 {
		return fmt.Errorf("budget %s must not be negative", c.Budget)
	}
	return nil
}

// #endregion config

// #region weights
// Weights map a belief summary to action preferences. Mutated only by the
// Tuner.
type Weights struct {
	RewardScale    float64 `json:"reward_scale" yaml:"reward_scale"`
	ProximityScale float64 `json:"proximity_scale" yaml:"proximity_scale"`
	Discount       float64 `json:"discount" yaml:"discount"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
}

// DefaultWeights returns the starting policy parameters.
func DefaultWeights() Weights {
	return Weights{
		RewardScale:    1.0,
		ProximityScale: 1.0,
		Discount:       0.9,
		Temperature:    0.1,
	}
}

// AverageWeights returns the coordinate-wise mean, used when parallel
// workers meet at the synchronization barrier.
func AverageWeights(ws ...Weights) Weights {
	if len(ws) == 0 {
		return DefaultWeights()
	}
	var out Weights
	for _, w := range ws {
		out.RewardScale += w.RewardScale
		out.ProximityScale += w.ProximityScale
		out.Discount += w.Discount
		out.Temperature += w.Temperature
	}
	n := float64(len(ws))
	out.RewardScale /= n
	out.ProximityScale /= n
	out.Discount /= n
	out.Temperature /= n
	return out
}

// #endregion weights

// #region input
// Predictor is the slice of the causal model the selector needs.
type Predictor interface {
	Predict(from grid.Position, a grid.Action) (causal.Prediction, error)
	Tried(a grid.Action) int
	Terrain(p grid.Position) (grid.Terrain, bool)
}

// Input is everything one selection looks at.
type Input struct {
	Position   grid.Position
	Belief     belief.Distribution
	Model      Predictor
	ViewRadius int // < 0 = whole grid visible
	Width      int
	Height     int
}

// #endregion input

// #region choice
// Choice is the selector's answer. EFE, Pragmatic, Epistemic and
// Distribution are indexed by grid.Action and empty on fallback.
type Choice struct {
	Action       grid.Action
	EFE          []float64
	Pragmatic    []float64
	Epistemic    []float64
	Distribution []float64 // softmax(-EFE / temperature)
	Fallback     bool      // model had too little data; least-tried action chosen
	Truncated    bool      // time budget cut the rollout short
}

// #endregion choice
