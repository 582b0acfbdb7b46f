package replay

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/danielpatrickdp/gridmind/internal/grid"
	"github.com/danielpatrickdp/gridmind/internal/improve"
	"github.com/danielpatrickdp/gridmind/internal/sim"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          FixtureConfig           `json:"config"`
	Episodes        []FixtureEpisode        `json:"episodes"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureConfig is the subset of engine settings a fixture pins down.
// Everything else uses sim.DefaultConfig.
type FixtureConfig struct {
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	Start       grid.Position   `json:"start"`
	Cells       []grid.Cell     `json:"cells"`
	StepPenalty float64         `json:"step_penalty"`
	MaxSteps    int             `json:"max_steps"`
	SlipProb    float64         `json:"slip_prob"`
	ViewRadius  int             `json:"view_radius"`
	Seed        uint64          `json:"seed"`
	Epistemic   float64         `json:"epistemic_weight"`
	Thresholds  map[int]float64 `json:"improvement_thresholds,omitempty"`
	Patience    map[int]int     `json:"patience,omitempty"`
}

// FixtureEpisode scripts one episode. Actions are applied in order; once the
// script runs out the policy finishes the episode. An empty script is a
// fully policy-driven episode.
type FixtureEpisode struct {
	Actions []string `json:"actions"`
}

// FixtureExpectedResult captures what an episode must produce. Zero Steps
// and nil Reward are not checked.
type FixtureExpectedResult struct {
	Episode     int      `json:"episode"`
	Steps       int      `json:"steps,omitempty"`
	Reward      *float64 `json:"reward,omitempty"`
	ReachedGoal bool     `json:"reached_goal"`
	Level       int      `json:"level"`
	Remedy      string   `json:"remedy,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// Save writes f as indented JSON.
func (f *Fixture) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// ToEngineConfig converts the fixture settings to an engine configuration.
// Checkpointing is always off during replay.
func (fc *FixtureConfig) ToEngineConfig() sim.Config {
	cfg := sim.DefaultConfig()
	cfg.Grid = grid.Config{
		Width:       fc.Width,
		Height:      fc.Height,
		Start:       fc.Start,
		Cells:       fc.Cells,
		StepPenalty: fc.StepPenalty,
		MaxSteps:    fc.MaxSteps,
		SlipProb:    fc.SlipProb,
		ViewRadius:  fc.ViewRadius,
		Seed:        fc.Seed,
	}
	cfg.Policy.EpistemicWeight = fc.Epistemic
	cfg.Policy.Budget = 0
	cfg.CheckpointInterval = 0

	rules := make(map[improve.Level]improve.Rule, len(cfg.Improvement.Rules))
	for l, r := range cfg.Improvement.Rules {
		if t, ok := fc.Thresholds[int(l)]; ok {
			r.ErrorThreshold = t
		}
		if p, ok := fc.Patience[int(l)]; ok && l < improve.MaxLevel {
			r.Patience = p
		}
		rules[l] = r
	}
	cfg.Improvement.Rules = rules
	return cfg
}

// FixtureConfigFrom captures cfg in fixture form.
func FixtureConfigFrom(cfg sim.Config) FixtureConfig {
	fc := FixtureConfig{
		Width:       cfg.Grid.Width,
		Height:      cfg.Grid.Height,
		Start:       cfg.Grid.Start,
		Cells:       cfg.Grid.Cells,
		StepPenalty: cfg.Grid.StepPenalty,
		MaxSteps:    cfg.Grid.MaxSteps,
		SlipProb:    cfg.Grid.SlipProb,
		ViewRadius:  cfg.Grid.ViewRadius,
		Seed:        cfg.Grid.Seed,
		Epistemic:   cfg.Policy.EpistemicWeight,
		Thresholds:  make(map[int]float64, len(cfg.Improvement.Rules)),
		Patience:    make(map[int]int, len(cfg.Improvement.Rules)),
	}
	for l, r := range cfg.Improvement.Rules {
		fc.Thresholds[int(l)] = r.ErrorThreshold
		if l < improve.MaxLevel {
			fc.Patience[int(l)] = r.Patience
		}
	}
	return fc
}

// Scripts converts the fixture episodes to action lists.
func (f *Fixture) Scripts() ([][]grid.Action, error) {
	out := make([][]grid.Action, len(f.Episodes))
	for i, ep := range f.Episodes {
		for j, name := range ep.Actions {
			a, err := grid.ParseAction(name)
			if err != nil {
				return nil, fmt.Errorf("episode %d action %d: %w", i+1, j+1, err)
			}
			out[i] = append(out[i], a)
		}
	}
	return out, nil
}

// #endregion fixture-loader

// #region fixture-export

// FromResults turns a finished replay into a regression fixture: every
// episode's actual actions become its script and its outcome the
// expectation.
func FromResults(description string, fc FixtureConfig, results []Result) *Fixture {
	f := &Fixture{Description: description, Config: fc}
	for _, r := range results {
		names := make([]string, len(r.Actions))
		for i, a := range r.Actions {
			names[i] = a.String()
		}
		reward := r.Reward
		f.Episodes = append(f.Episodes, FixtureEpisode{Actions: names})
		f.ExpectedResults = append(f.ExpectedResults, FixtureExpectedResult{
			Episode:     r.Episode,
			Steps:       r.Steps,
			Reward:      &reward,
			ReachedGoal: r.ReachedGoal,
			Level:       int(r.Level),
			Remedy:      string(r.Remedy),
		})
	}
	return f
}

// Check compares results with the fixture's expectations and returns one
// line per mismatch.
func (f *Fixture) Check(results []Result) []string {
	var out []string
	if len(results) != len(f.ExpectedResults) {
		out = append(out, fmt.Sprintf("expected %d episodes, got %d", len(f.ExpectedResults), len(results)))
	}
	for i, exp := range f.ExpectedResults {
		if i >= len(results) {
			break
		}
		got := results[i]
		if got.Episode != exp.Episode {
			out = append(out, fmt.Sprintf("result %d: expected episode=%d, got %d", i, exp.Episode, got.Episode))
		}
		if exp.Steps > 0 && got.Steps != exp.Steps {
			out = append(out, fmt.Sprintf("episode %d: expected steps=%d, got %d", exp.Episode, exp.Steps, got.Steps))
		}
		if exp.Reward != nil && math.Abs(got.Reward-*exp.Reward) > 1e-9 {
			out = append(out, fmt.Sprintf("episode %d: expected reward=%.4f, got %.4f", exp.Episode, *exp.Reward, got.Reward))
		}
		if got.ReachedGoal != exp.ReachedGoal {
			out = append(out, fmt.Sprintf("episode %d: expected reached_goal=%v, got %v", exp.Episode, exp.ReachedGoal, got.ReachedGoal))
		}
		if int(got.Level) != exp.Level {
			out = append(out, fmt.Sprintf("episode %d: expected level=%d, got %d (reason: %s)", exp.Episode, exp.Level, got.Level, got.Reason))
		}
		if exp.Remedy != "" && string(got.Remedy) != exp.Remedy {
			out = append(out, fmt.Sprintf("episode %d: expected remedy=%s, got %s", exp.Episode, exp.Remedy, got.Remedy))
		}
	}
	return out
}

// #endregion fixture-export
