package sim

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/gridmind/internal/belief"
	"github.com/danielpatrickdp/gridmind/internal/causal"
	"github.com/danielpatrickdp/gridmind/internal/grid"
	"github.com/danielpatrickdp/gridmind/internal/improve"
	"github.com/danielpatrickdp/gridmind/internal/policy"
	"github.com/danielpatrickdp/gridmind/internal/state"
)

// #region config

// Config is the full engine configuration, one section per component.
type Config struct {
	Grid        grid.Config
	Model       causal.Config
	Belief      belief.Config
	Policy      policy.Config
	Weights     policy.Weights
	Improvement improve.Config

	TuneStep           float64 // initial relative step of the parameter tuner
	CheckpointInterval int     // episodes between checkpoints; 0 disables
	Consistent         bool    // write checkpoints synchronously before the next step
	GraphID            string  // key used with the GraphProvider
	Async              state.AsyncConfig
}

// DefaultConfig returns the 5x5 single-goal world with default components.
func DefaultConfig() Config {
	return Config{
		Grid:               grid.DefaultConfig(),
		Model:              causal.DefaultConfig(),
		Belief:             belief.DefaultConfig(),
		Policy:             policy.DefaultConfig(),
		Weights:            policy.DefaultWeights(),
		Improvement:        improve.DefaultConfig(),
		TuneStep:           0.2,
		CheckpointInterval: 5,
		GraphID:            "default",
		Async:              state.DefaultAsyncConfig(),
	}
}

// Validate checks the sections that have their own validation.
func (c Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if err := c.Improvement.Validate(); err != nil {
		return fmt.Errorf("improvement: %w", err)
	}
	if c.CheckpointInterval < 0 {
		return fmt.Errorf("checkpoint interval %d must not be negative", c.CheckpointInterval)
	}
	if c.TuneStep <= 0 || c.TuneStep >= 1 {
		return fmt.Errorf("tune step %.3f outside (0,1)", c.TuneStep)
	}
	return nil
}

// #endregion config

// #region collaborators

// GraphProvider loads and stores causal edge weights between runs.
type GraphProvider interface {
	LoadWeights(ctx context.Context, graphID string) (*causal.Graph, error)
	SaveWeights(ctx context.Context, graphID string, g *causal.Graph) error
}

// Recorder persists controller decisions for later inspection.
type Recorder interface {
	Record(ctx context.Context, runID string, rec improve.EpisodeRecord, d improve.Decision) error
}

// #endregion collaborators

// #region results

// AgentState is where the agent is within the current episode.
type AgentState struct {
	Position         grid.Position
	Step             int
	CumulativeReward float64
}

// StepResult describes one environment step.
type StepResult struct {
	Observation     grid.Observation
	Action          grid.Action
	Reward          float64
	Done            bool
	PredictionError float64
	Predicted       bool           // false while the model had too little data
	Choice          *policy.Choice // nil when the action was supplied by the caller
	Warning         string         // belief collapse diagnostic, if any
	Episode         *EpisodeResult // set on the step that ends the episode
}

// EpisodeResult summarizes a finished episode and the controller's verdict.
type EpisodeResult struct {
	Episode     int
	Steps       int
	Reward      float64
	ReachedGoal bool
	MeanError   float64
	Collapses   int
	Fallbacks   int
	Actions     []grid.Action
	Decision    improve.Decision
}

// Diagnostics is the read-only view served to clients.
type Diagnostics struct {
	RunID            string
	Episode          int
	Step             int
	Position         grid.Position
	BeliefEntropy    float64
	BeliefMAP        grid.Position
	CausalConfidence float64
	ImprovementLevel improve.Level
	Weights          policy.Weights
	LastWarning      string
}

// #endregion results
