package improve

import (
	"errors"
	"fmt"
)

// #region errors
// ErrEscalationExhausted is returned when Level 5 keeps failing past the
// configured ceiling. The run should stop.
var ErrEscalationExhausted = errors.New("escalation exhausted at full reset level")

// #endregion errors

// #region level
// Level is the controller's escalation level, 1 (cheapest) to 5.
type Level int

const (
	LevelParametricTuning    Level = 1
	LevelBeliefRecalibration Level = 2
	LevelCausalEdgeRevision  Level = 3
	LevelStructuralRevision  Level = 4
	LevelFullReset           Level = 5
)

// MinLevel and MaxLevel bound Level.
const (
	MinLevel = LevelParametricTuning
	MaxLevel = LevelFullReset
)

func (l Level) String() string {
	switch l {
	case LevelParametricTuning:
		return "parametric_tuning"
	case LevelBeliefRecalibration:
		return "belief_recalibration"
	case LevelCausalEdgeRevision:
		return "causal_edge_revision"
	case LevelStructuralRevision:
		return "structural_revision"
	case LevelFullReset:
		return "full_reset"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is within [MinLevel, MaxLevel].
func (l Level) Valid() bool {
	return l >= MinLevel && l <= MaxLevel
}

// #endregion level

// #region remedy
// Remedy names the corrective action a decision asks the engine to apply.
type Remedy string

const (
	RemedyNone            Remedy = "none"
	RemedyTune            Remedy = "tune_parameters"
	RemedyRecalibrate     Remedy = "recalibrate_beliefs"
	RemedyReviseEdges     Remedy = "revise_edges"
	RemedyReviseStructure Remedy = "revise_structure"
	RemedyFullReset       Remedy = "full_reset"
)

// #endregion remedy

// #region config
// Rule is one row of the transition table.
type Rule struct {
	Patience       int     // consecutive failures before escalating out of this level; unset at level 5
	ErrorThreshold float64 // mean prediction error above this fails the episode
	Remedy         Remedy  // applied on entering this level
}

// Config holds the transition table and episode-check thresholds.
type Config struct {
	Rules              map[Level]Rule
	CollapseLimit      int     // belief collapses per episode that fail it outright
	RecoveryEpisodes   int     // consecutive successes before stepping down
	Ceiling            int     // consecutive failures tolerated at level 5
	HistorySize        int     // ring buffer length
	TuneErrorBelow     float64 // level 1 tunes on plateau only when error is this low
	FlatSlope          float64 // |reward slope| under this is a plateau
	RecurringCollapses int     // episodes with collapses in history that trigger recalibration at level 2
	AnomalyZ           float64 // error z-score flagged as anomalous
}

// DefaultConfig returns the default transition table.
func DefaultConfig() Config {
	return Config{
		Rules: map[Level]Rule{
			LevelParametricTuning:    {Patience: 2, ErrorThreshold: 0.3, Remedy: RemedyTune},
			LevelBeliefRecalibration: {Patience: 2, ErrorThreshold: 0.3, Remedy: RemedyRecalibrate},
			LevelCausalEdgeRevision:  {Patience: 3, ErrorThreshold: 0.3, Remedy: RemedyReviseEdges},
			LevelStructuralRevision:  {Patience: 3, ErrorThreshold: 0.3, Remedy: RemedyReviseStructure},
			LevelFullReset:           {ErrorThreshold: 0.3, Remedy: RemedyFullReset},
		},
		CollapseLimit:      3,
		RecoveryEpisodes:   3,
		Ceiling:            5,
		HistorySize:        32,
		TuneErrorBelow:     0.15,
		FlatSlope:          0.01,
		RecurringCollapses: 2,
		AnomalyZ:           2.5,
	}
}

// Validate checks that every level has a rule and that levels below 5 have
// positive patience. Level 5 escalates nowhere; Ceiling bounds it instead.
func (c Config) Validate() error {
	for l := MinLevel; l <= MaxLevel; l++ {
		r, ok := c.Rules[l]
		if !ok {
			return fmt.Errorf("no rule for level %d", l)
		}
		if l == MaxLevel {
			if r.Patience != 0 {
				return fmt.Errorf("level %d patience %d is unused; set the ceiling instead", l, r.Patience)
			}
			continue
		}
		if r.Patience < 1 {
			return fmt.Errorf("level %d patience %d must be >= 1", l, r.Patience)
		}
	}
	if c.RecoveryEpisodes < 1 {
		return fmt.Errorf("recovery episodes %d must be >= 1", c.RecoveryEpisodes)
	}
	if c.Ceiling < 1 {
		return fmt.Errorf("ceiling %d must be >= 1", c.Ceiling)
	}
	if c.HistorySize < 2 {
		return fmt.Errorf("history size %d must be >= 2", c.HistorySize)
	}
	return nil
}

// #endregion config

// #region records
// EpisodeRecord summarizes one finished episode.
type EpisodeRecord struct {
	Episode     int     `json:"episode"`
	Error       float64 `json:"error"` // mean prediction error over the episode
	Reward      float64 `json:"reward"`
	Collapses   int     `json:"collapses"`
	Steps       int     `json:"steps"`
	ReachedGoal bool    `json:"reached_goal"`
}

// Metric is one named check, informational or blocking.
type Metric struct {
	Name  string
	Value float64
	Pass  bool
}

// Signals are trend statistics over the history window.
type Signals struct {
	RewardSlope float64 // least-squares slope of reward per episode
	MeanError   float64
	ErrorZScore float64 // latest error against the earlier window
	Anomalous   bool
}

// Decision is the outcome of one Evaluate call.
type Decision struct {
	Episode int
	From    Level
	To      Level
	Failed  bool
	Remedy  Remedy
	Reason  string
	Metrics []Metric
	Signals Signals
}

// Escalated reports whether the decision moved the level up.
func (d Decision) Escalated() bool { return d.To > d.From }

// Recovered reports whether the decision moved the level down.
func (d Decision) Recovered() bool { return d.To < d.From }

// State is the persisted controller state.
type State struct {
	Level     Level           `json:"level"`
	Failures  int             `json:"failures"`
	Successes int             `json:"successes"`
	History   []EpisodeRecord `json:"history"`
}

// #endregion records
