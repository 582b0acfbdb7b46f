// Package config loads gridmind configuration from YAML files and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/gridmind/internal/grid"
	"github.com/danielpatrickdp/gridmind/internal/improve"
	"github.com/danielpatrickdp/gridmind/internal/logging"
	"github.com/danielpatrickdp/gridmind/internal/policy"
	"github.com/danielpatrickdp/gridmind/internal/sim"
)

// #region types

// Config contains all gridmind settings.
type Config struct {
	// Seed drives the slip generator of the world.
	Seed uint64 `yaml:"seed"`

	// EpistemicWeight trades exploration against reward, in [0,1].
	EpistemicWeight float64 `yaml:"epistemic_weight"`

	// ImprovementThresholds is the prediction-error threshold per level (1-5).
	ImprovementThresholds map[int]float64 `yaml:"improvement_thresholds"`

	// CheckpointInterval is the number of episodes between checkpoints; 0 disables.
	CheckpointInterval int `yaml:"checkpoint_interval"`

	Grid        GridConfig        `yaml:"grid"`
	Model       ModelConfig       `yaml:"model"`
	Belief      BeliefConfig      `yaml:"belief"`
	Policy      PolicyConfig      `yaml:"policy"`
	Improvement ImprovementConfig `yaml:"improvement"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
	Serve       ServeConfig       `yaml:"serve"`
}

// CellReward places a goal or hazard.
type CellReward struct {
	X      int     `yaml:"x"`
	Y      int     `yaml:"y"`
	Reward float64 `yaml:"reward"`
}

// GridConfig describes the world.
type GridConfig struct {
	// Size is [width, height].
	Size        []int           `yaml:"size"`
	Start       grid.Position   `yaml:"start"`
	Goals       []CellReward    `yaml:"goals"`
	Walls       []grid.Position `yaml:"walls"`
	Hazards     []CellReward    `yaml:"hazards"`
	StepPenalty float64         `yaml:"step_penalty"`
	MaxSteps    int             `yaml:"max_steps"`
	SlipProb    float64         `yaml:"slip_prob"`

	// ViewRadius is the Chebyshev radius the agent sees; negative sees everything.
	ViewRadius int `yaml:"view_radius"`
}

// ModelConfig tunes the causal world model.
type ModelConfig struct {
	Window          int     `yaml:"window"`
	Alpha           float64 `yaml:"alpha"`
	MinObservations int     `yaml:"min_observations"`
	LowConfidence   float64 `yaml:"low_confidence"`
	PruneBelow      float64 `yaml:"prune_below"`
}

// BeliefConfig tunes the goal tracker.
type BeliefConfig struct {
	RewardSigma float64 `yaml:"reward_sigma"`
	WidenStep   float64 `yaml:"widen_step"`
	MaxFloor    float64 `yaml:"max_floor"`
}

// PolicyConfig tunes action selection.
type PolicyConfig struct {
	RolloutDepth  int            `yaml:"rollout_depth"`
	MaxExpansions int            `yaml:"max_expansions"`
	Budget        time.Duration  `yaml:"budget"`
	TuneStep      float64        `yaml:"tune_step"`
	Weights       policy.Weights `yaml:"weights"`
}

// ImprovementConfig tunes the self-improvement controller.
type ImprovementConfig struct {
	// Patience is the consecutive failures tolerated per level (1-4).
	Patience         map[int]int `yaml:"patience"`
	CollapseLimit    int         `yaml:"collapse_limit"`
	RecoveryEpisodes int         `yaml:"recovery_episodes"`
	Ceiling          int         `yaml:"ceiling"`
	HistorySize      int         `yaml:"history_size"`
}

// PersistenceConfig selects where checkpoints, graphs and decisions go.
type PersistenceConfig struct {
	// Backend is "none", "sqlite" or "redis". Graph weights and the decision
	// log always use DBPath when it is set.
	Backend     string        `yaml:"backend"`
	DBPath      string        `yaml:"db_path"`
	RedisURL    string        `yaml:"redis_url"`
	RedisPrefix string        `yaml:"redis_prefix"`
	RedisTTL    time.Duration `yaml:"redis_ttl"`
	GraphID     string        `yaml:"graph_id"`

	// Consistent writes checkpoints synchronously before the next step.
	Consistent  bool    `yaml:"consistent"`
	AsyncBuffer int     `yaml:"async_buffer"`
	AsyncRate   float64 `yaml:"async_rate"` // writes per second; 0 = unthrottled
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "trace", "debug", "info", "warn" or "error".
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServeConfig configures the gRPC server and metrics endpoint.
type ServeConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// #endregion types

// #region defaults

// Default returns the 5x5 single-goal setup with in-memory state.
func Default() *Config {
	ec := sim.DefaultConfig()
	thresholds := make(map[int]float64, len(ec.Improvement.Rules))
	patience := make(map[int]int, len(ec.Improvement.Rules))
	for l, r := range ec.Improvement.Rules {
		thresholds[int(l)] = r.ErrorThreshold
		if l < improve.MaxLevel {
			patience[int(l)] = r.Patience
		}
	}
	var goals, hazards []CellReward
	var walls []grid.Position
	for _, c := range ec.Grid.Cells {
		switch c.Terrain {
		case grid.TerrainGoal:
			goals = append(goals, CellReward{X: c.Pos.X, Y: c.Pos.Y, Reward: c.Reward})
		case grid.TerrainHazard:
			hazards = append(hazards, CellReward{X: c.Pos.X, Y: c.Pos.Y, Reward: c.Reward})
		case grid.TerrainWall:
			walls = append(walls, c.Pos)
		}
	}

	return &Config{
		Seed:                  ec.Grid.Seed,
		EpistemicWeight:       ec.Policy.EpistemicWeight,
		ImprovementThresholds: thresholds,
		CheckpointInterval:    ec.CheckpointInterval,
		Grid: GridConfig{
			Size:        []int{ec.Grid.Width, ec.Grid.Height},
			Start:       ec.Grid.Start,
			Goals:       goals,
			Walls:       walls,
			Hazards:     hazards,
			StepPenalty: ec.Grid.StepPenalty,
			MaxSteps:    ec.Grid.MaxSteps,
			SlipProb:    ec.Grid.SlipProb,
			ViewRadius:  ec.Grid.ViewRadius,
		},
		Model: ModelConfig{
			Window:          ec.Model.Window,
			Alpha:           ec.Model.Alpha,
			MinObservations: ec.Model.MinObservations,
			LowConfidence:   ec.Model.LowConfidence,
			PruneBelow:      ec.Model.PruneBelow,
		},
		Belief: BeliefConfig{
			RewardSigma: ec.Belief.RewardSigma,
			WidenStep:   ec.Belief.WidenStep,
			MaxFloor:    ec.Belief.MaxFloor,
		},
		Policy: PolicyConfig{
			RolloutDepth:  ec.Policy.RolloutDepth,
			MaxExpansions: ec.Policy.MaxExpansions,
			Budget:        ec.Policy.Budget,
			TuneStep:      ec.TuneStep,
			Weights:       ec.Weights,
		},
		Improvement: ImprovementConfig{
			Patience:         patience,
			CollapseLimit:    ec.Improvement.CollapseLimit,
			RecoveryEpisodes: ec.Improvement.RecoveryEpisodes,
			Ceiling:          ec.Improvement.Ceiling,
			HistorySize:      ec.Improvement.HistorySize,
		},
		Persistence: PersistenceConfig{
			Backend:     "none",
			RedisPrefix: "gridmind",
			GraphID:     ec.GraphID,
			AsyncBuffer: ec.Async.Buffer,
			AsyncRate:   float64(ec.Async.Rate),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: string(logging.FormatText),
		},
		Serve: ServeConfig{
			Addr:        ":50051",
			MetricsAddr: ":9090",
		},
	}
}

// #endregion defaults

// #region load

// Load reads path when it is not empty, then applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	config := Default()
	if path != "" {
		var err error
		config, err = LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(config)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// LoadFromFile reads a YAML file over the defaults. Keys missing from the
// file keep their default values.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("GRIDMIND_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			config.Seed = n
		}
	}

	if v := os.Getenv("GRIDMIND_EPISTEMIC_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.EpistemicWeight = f
		}
	}

	if v := os.Getenv("GRIDMIND_DB"); v != "" {
		config.Persistence.DBPath = v
		if config.Persistence.Backend == "none" || config.Persistence.Backend == "" {
			config.Persistence.Backend = "sqlite"
		}
	}

	if v := os.Getenv("GRIDMIND_REDIS_URL"); v != "" {
		config.Persistence.RedisURL = v
		config.Persistence.Backend = "redis"
	}

	if v := os.Getenv("GRIDMIND_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	if v := os.Getenv("GRIDMIND_ADDR"); v != "" {
		config.Serve.Addr = v
	}
}

// #endregion load

// #region validate

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	if len(c.Grid.Size) != 2 || c.Grid.Size[0] <= 0 || c.Grid.Size[1] <= 0 {
		return fmt.Errorf("grid size must be [width, height] with positive values, got %v", c.Grid.Size)
	}
	if c.EpistemicWeight < 0 || c.EpistemicWeight > 1 {
		return fmt.Errorf("epistemic_weight must be between 0 and 1, got %f", c.EpistemicWeight)
	}
	if c.Grid.SlipProb < 0 || c.Grid.SlipProb > 1 {
		return fmt.Errorf("slip_prob must be between 0 and 1, got %f", c.Grid.SlipProb)
	}
	if c.CheckpointInterval < 0 {
		return fmt.Errorf("checkpoint_interval must be non-negative, got %d", c.CheckpointInterval)
	}
	for l := range c.ImprovementThresholds {
		if !improve.Level(l).Valid() {
			return fmt.Errorf("improvement_thresholds: unknown level %d (valid: 1-5)", l)
		}
	}
	for l, p := range c.Improvement.Patience {
		if l < int(improve.MinLevel) || l >= int(improve.MaxLevel) {
			return fmt.Errorf("improvement.patience: unknown level %d (valid: 1-4, level 5 uses ceiling)", l)
		}
		if p < 1 {
			return fmt.Errorf("improvement.patience for level %d must be >= 1, got %d", l, p)
		}
	}

	validBackends := map[string]bool{"none": true, "sqlite": true, "redis": true}
	if !validBackends[c.Persistence.Backend] {
		return fmt.Errorf("invalid persistence backend: %s (valid: none, sqlite, redis)", c.Persistence.Backend)
	}
	if c.Persistence.Backend == "sqlite" && c.Persistence.DBPath == "" {
		return fmt.Errorf("persistence backend sqlite requires db_path")
	}
	if c.Persistence.Backend == "redis" && c.Persistence.RedisURL == "" {
		return fmt.Errorf("persistence backend redis requires redis_url")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: trace, debug, info, warn, error)", c.Logging.Level)
	}
	validFormats := map[string]bool{string(logging.FormatText): true, string(logging.FormatJSON): true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: text, json)", c.Logging.Format)
	}
	return nil
}

// #endregion validate

// #region engine

// Engine converts the file-level settings into an engine configuration and
// validates it.
func (c *Config) Engine() (sim.Config, error) {
	ec := sim.DefaultConfig()

	ec.Grid.Width, ec.Grid.Height = c.Grid.Size[0], c.Grid.Size[1]
	ec.Grid.Start = c.Grid.Start
	ec.Grid.StepPenalty = c.Grid.StepPenalty
	ec.Grid.MaxSteps = c.Grid.MaxSteps
	ec.Grid.SlipProb = c.Grid.SlipProb
	ec.Grid.ViewRadius = c.Grid.ViewRadius
	ec.Grid.Seed = c.Seed
	ec.Grid.Cells = nil
	for _, g := range c.Grid.Goals {
		ec.Grid.Cells = append(ec.Grid.Cells, grid.Cell{Pos: grid.Position{X: g.X, Y: g.Y}, Terrain: grid.TerrainGoal, Reward: g.Reward})
	}
	for _, w := range c.Grid.Walls {
		ec.Grid.Cells = append(ec.Grid.Cells, grid.Cell{Pos: w, Terrain: grid.TerrainWall})
	}
	for _, h := range c.Grid.Hazards {
		ec.Grid.Cells = append(ec.Grid.Cells, grid.Cell{Pos: grid.Position{X: h.X, Y: h.Y}, Terrain: grid.TerrainHazard, Reward: h.Reward})
	}

	ec.Model.Window = c.Model.Window
	ec.Model.Alpha = c.Model.Alpha
	ec.Model.MinObservations = c.Model.MinObservations
	ec.Model.LowConfidence = c.Model.LowConfidence
	ec.Model.PruneBelow = c.Model.PruneBelow

	ec.Belief.RewardSigma = c.Belief.RewardSigma
	ec.Belief.WidenStep = c.Belief.WidenStep
	ec.Belief.MaxFloor = c.Belief.MaxFloor

	ec.Policy.EpistemicWeight = c.EpistemicWeight
	ec.Policy.RolloutDepth = c.Policy.RolloutDepth
	ec.Policy.MaxExpansions = c.Policy.MaxExpansions
	ec.Policy.Budget = c.Policy.Budget
	ec.Weights = c.Policy.Weights
	ec.TuneStep = c.Policy.TuneStep

	rules := make(map[improve.Level]improve.Rule, len(ec.Improvement.Rules))
	for l, r := range ec.Improvement.Rules {
		if t, ok := c.ImprovementThresholds[int(l)]; ok {
			r.ErrorThreshold = t
		}
		if p, ok := c.Improvement.Patience[int(l)]; ok {
			r.Patience = p
		}
		rules[l] = r
	}
	ec.Improvement.Rules = rules
	ec.Improvement.CollapseLimit = c.Improvement.CollapseLimit
	ec.Improvement.RecoveryEpisodes = c.Improvement.RecoveryEpisodes
	ec.Improvement.Ceiling = c.Improvement.Ceiling
	ec.Improvement.HistorySize = c.Improvement.HistorySize

	ec.CheckpointInterval = c.CheckpointInterval
	ec.Consistent = c.Persistence.Consistent
	ec.GraphID = c.Persistence.GraphID
	ec.Async.Buffer = c.Persistence.AsyncBuffer
	ec.Async.Rate = rate.Limit(c.Persistence.AsyncRate)
	if c.Persistence.AsyncRate <= 0 {
		ec.Async.Rate = rate.Inf
	}

	if err := ec.Validate(); err != nil {
		return sim.Config{}, err
	}
	return ec, nil
}

// #endregion engine
