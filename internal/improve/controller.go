package improve

import (
	"fmt"
	"math"
	"strings"
)

// #region controller
// Controller decides, once per episode, whether to escalate, recover or
// apply an in-level remedy. It is pure: the engine applies the remedies.
type Controller struct {
	config    Config
	level     Level
	failures  int
	successes int
	history   *History
}

// NewController starts at Level 1.
func NewController(config Config) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		config:  config,
		level:   MinLevel,
		history: NewHistory(config.HistorySize),
	}, nil
}

// Level returns the current level.
func (c *Controller) Level() Level {
	return c.level
}

// Signals returns trend statistics over the current history.
func (c *Controller) Signals() Signals {
	return signals(c.history.Records(), c.config.AnomalyZ)
}

// History returns the recorded episodes, oldest first.
func (c *Controller) History() []EpisodeRecord {
	return c.history.Records()
}

// #endregion controller

// #region evaluate
// Evaluate checks one finished episode and returns the decision. The level
// moves by at most one per call. At Level 5, once consecutive failures reach
// the ceiling, the decision is returned together with ErrEscalationExhausted.
func (c *Controller) Evaluate(rec EpisodeRecord) (Decision, error) {
	rule := c.config.Rules[c.level]
	metrics, reasons := c.check(rec, rule)
	failed := len(reasons) > 0

	c.history.Push(rec)
	sig := c.Signals()
	metrics = append(metrics, Metric{Name: "error_zscore", Value: sig.ErrorZScore, Pass: !sig.Anomalous})

	if failed {
		c.failures++
		c.successes = 0
	} else {
		c.successes++
		c.failures = 0
	}

	d := Decision{
		Episode: rec.Episode,
		From:    c.level,
		To:      c.level,
		Failed:  failed,
		Remedy:  RemedyNone,
		Metrics: metrics,
		Signals: sig,
	}

	switch {
	case failed && c.level < MaxLevel && c.failures >= rule.Patience:
		c.level++
		c.failures = 0
		d.To = c.level
		d.Remedy = c.config.Rules[c.level].Remedy
		d.Reason = fmt.Sprintf("escalate %s -> %s: %s", d.From, d.To, strings.Join(reasons, "; "))

	case failed && c.level == MaxLevel && c.failures >= c.config.Ceiling:
		d.Reason = fmt.Sprintf("%d consecutive failures at %s: %s", c.failures, c.level, strings.Join(reasons, "; "))
		return d, fmt.Errorf("%w: %s", ErrEscalationExhausted, d.Reason)

	case !failed && c.level > MinLevel && c.successes >= c.config.RecoveryEpisodes:
		c.level--
		c.successes = 0
		d.To = c.level
		d.Reason = fmt.Sprintf("recover %s -> %s after %d good episodes", d.From, d.To, c.config.RecoveryEpisodes)

	default:
		d.Remedy, d.Reason = c.inLevel(rec, sig, failed, reasons)
	}
	return d, nil
}

// check runs hard failures first, then soft metrics.
func (c *Controller) check(rec EpisodeRecord, rule Rule) ([]Metric, []string) {
	var metrics []Metric
	var reasons []string

	collapsesPass := c.config.CollapseLimit <= 0 || rec.Collapses < c.config.CollapseLimit
	metrics = append(metrics, Metric{Name: "belief_collapses", Value: float64(rec.Collapses), Pass: collapsesPass})
	if !collapsesPass {
		reasons = append(reasons, fmt.Sprintf("%d belief collapses (limit %d)", rec.Collapses, c.config.CollapseLimit))
	}

	errPass := rec.Error <= rule.ErrorThreshold && !math.IsNaN(rec.Error)
	metrics = append(metrics, Metric{Name: "prediction_error", Value: rec.Error, Pass: errPass})
	if !errPass {
		reasons = append(reasons, fmt.Sprintf("prediction error %.4f exceeds %.4f", rec.Error, rule.ErrorThreshold))
	}

	// informational
	metrics = append(metrics, Metric{Name: "episode_reward", Value: rec.Reward, Pass: true})
	return metrics, reasons
}

// inLevel picks a remedy that does not change the level.
func (c *Controller) inLevel(rec EpisodeRecord, sig Signals, failed bool, reasons []string) (Remedy, string) {
	switch c.level {
	case LevelParametricTuning:
		if failed {
			return RemedyTune, "tune after failure: " + strings.Join(reasons, "; ")
		}
		if c.history.Len() >= 2 && rec.Error < c.config.TuneErrorBelow && math.Abs(sig.RewardSlope) < c.config.FlatSlope {
			return RemedyTune, fmt.Sprintf("reward plateau (slope %.4f)", sig.RewardSlope)
		}
	case LevelBeliefRecalibration:
		n := 0
		for _, r := range c.history.Records() {
			if r.Collapses > 0 {
				n++
			}
		}
		if rec.Collapses > 0 && n >= c.config.RecurringCollapses {
			return RemedyRecalibrate, fmt.Sprintf("belief collapses recurring in %d episodes", n)
		}
	}
	if failed {
		return RemedyNone, fmt.Sprintf("failure %d of %d at %s", c.failures, c.patience(), c.level)
	}
	return RemedyNone, "hold"
}

func (c *Controller) patience() int {
	if c.level == MaxLevel {
		return c.config.Ceiling
	}
	return c.config.Rules[c.level].Patience
}

// #endregion evaluate

// #region state
// State snapshots the controller for checkpointing.
func (c *Controller) State() State {
	return State{
		Level:     c.level,
		Failures:  c.failures,
		Successes: c.successes,
		History:   c.history.Records(),
	}
}

// Restore loads a snapshot taken by State.
func (c *Controller) Restore(s State) error {
	if !s.Level.Valid() {
		return fmt.Errorf("restore: invalid level %d", s.Level)
	}
	c.level = s.Level
	c.failures = s.Failures
	c.successes = s.Successes
	c.history = NewHistory(c.config.HistorySize)
	for _, r := range s.History {
		c.history.Push(r)
	}
	return nil
}

// Reset returns the controller to Level 1 with empty history.
func (c *Controller) Reset() {
	c.level = MinLevel
	c.failures = 0
	c.successes = 0
	c.history = NewHistory(c.config.HistorySize)
}

// #endregion state
