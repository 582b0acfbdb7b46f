package improve

import (
	"errors"
	"math"
	"testing"
)

func mustController(t *testing.T) *Controller {
	t.Helper()
	c, err := NewController(DefaultConfig())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c
}

func failing(ep int) EpisodeRecord {
	return EpisodeRecord{Episode: ep, Error: 1.0, Reward: -0.5, Steps: 50}
}

func passing(ep int) EpisodeRecord {
	return EpisodeRecord{Episode: ep, Error: 0.05, Reward: 0.9, Steps: 8, ReachedGoal: true}
}

// #region test-escalation
func TestEscalatesOneLevelAtATime(t *testing.T) {
	c := mustController(t)
	var ups []int
	for ep := 1; ep <= 10; ep++ {
		d, err := c.Evaluate(failing(ep))
		if err != nil {
			t.Fatalf("episode %d: unexpected error %v", ep, err)
		}
		if diff := int(d.To) - int(d.From); diff < 0 || diff > 1 {
			t.Fatalf("episode %d: level moved %s -> %s", ep, d.From, d.To)
		}
		if !d.Failed {
			t.Fatalf("episode %d: expected failure", ep)
		}
		if d.Escalated() {
			ups = append(ups, ep)
			if d.Remedy != c.config.Rules[d.To].Remedy {
				t.Errorf("episode %d: expected remedy %s, got %s", ep, c.config.Rules[d.To].Remedy, d.Remedy)
			}
		}
	}
	if c.Level() < LevelCausalEdgeRevision {
		t.Errorf("expected level >= 3 after 10 failures, got %s", c.Level())
	}
	want := []int{2, 4, 7, 10}
	if len(ups) != len(want) {
		t.Fatalf("expected escalations at %v, got %v", want, ups)
	}
	for i := range want {
		if ups[i] != want[i] {
			t.Errorf("escalation %d at episode %d, want %d", i, ups[i], want[i])
		}
	}
}

func TestEscalationExhausted(t *testing.T) {
	c := mustController(t)
	for ep := 1; ep <= 10; ep++ {
		if _, err := c.Evaluate(failing(ep)); err != nil {
			t.Fatalf("episode %d: %v", ep, err)
		}
	}
	if c.Level() != LevelFullReset {
		t.Fatalf("expected level 5, got %s", c.Level())
	}
	for ep := 11; ep <= 14; ep++ {
		if _, err := c.Evaluate(failing(ep)); err != nil {
			t.Fatalf("episode %d: below ceiling, got %v", ep, err)
		}
	}
	d, err := c.Evaluate(failing(15))
	if !errors.Is(err, ErrEscalationExhausted) {
		t.Fatalf("expected ErrEscalationExhausted, got %v", err)
	}
	if d.To != LevelFullReset || d.Reason == "" {
		t.Errorf("decision should stay at level 5 with a reason, got %+v", d)
	}
}

func TestRecoveryStepsDown(t *testing.T) {
	c := mustController(t)
	c.Evaluate(failing(1))
	d, _ := c.Evaluate(failing(2))
	if d.To != LevelBeliefRecalibration || d.Remedy != RemedyRecalibrate {
		t.Fatalf("expected escalation to level 2 with recalibration, got %+v", d)
	}
	for ep := 3; ep <= 4; ep++ {
		d, _ = c.Evaluate(passing(ep))
		if d.To != LevelBeliefRecalibration {
			t.Fatalf("episode %d: recovered too early", ep)
		}
	}
	d, _ = c.Evaluate(passing(5))
	if !d.Recovered() || d.To != LevelParametricTuning {
		t.Errorf("expected recovery to level 1, got %+v", d)
	}
}

func TestFailureResetsRecoveryCount(t *testing.T) {
	c := mustController(t)
	c.Evaluate(failing(1))
	c.Evaluate(failing(2))
	c.Evaluate(passing(3))
	c.Evaluate(passing(4))
	c.Evaluate(failing(5))
	d, _ := c.Evaluate(passing(6))
	if d.Recovered() {
		t.Error("successes must be consecutive to recover")
	}
}

// #endregion test-escalation

// #region test-check
func TestCollapsesFailHard(t *testing.T) {
	c := mustController(t)
	d, _ := c.Evaluate(EpisodeRecord{Episode: 1, Error: 0, Collapses: 3})
	if !d.Failed {
		t.Fatal("expected collapse limit to fail the episode")
	}
	var found bool
	for _, m := range d.Metrics {
		if m.Name == "belief_collapses" {
			found = true
			if m.Pass {
				t.Error("collapse metric should not pass")
			}
		}
	}
	if !found {
		t.Error("missing belief_collapses metric")
	}
	if d.Remedy != RemedyTune {
		t.Errorf("level 1 failure under patience should tune, got %s", d.Remedy)
	}
}

func TestPlateauTunes(t *testing.T) {
	c := mustController(t)
	d, _ := c.Evaluate(passing(1))
	if d.Remedy != RemedyNone {
		t.Errorf("first episode has no trend, got %s", d.Remedy)
	}
	d, _ = c.Evaluate(passing(2))
	if d.Remedy != RemedyTune {
		t.Errorf("flat reward with low error should tune, got %s (%s)", d.Remedy, d.Reason)
	}
}

func TestRecurringCollapsesRecalibrate(t *testing.T) {
	c := mustController(t)
	c.Evaluate(failing(1))
	c.Evaluate(failing(2))
	rec := passing(3)
	rec.Collapses = 1
	d, _ := c.Evaluate(rec)
	if d.Remedy != RemedyNone {
		t.Errorf("one collapse episode is not recurring, got %s", d.Remedy)
	}
	rec.Episode = 4
	d, _ = c.Evaluate(rec)
	if d.Remedy != RemedyRecalibrate {
		t.Errorf("expected recalibration, got %s", d.Remedy)
	}
}

// #endregion test-check

// #region test-signals
func TestSignals(t *testing.T) {
	records := []EpisodeRecord{
		{Reward: 0, Error: 0.1},
		{Reward: 1, Error: 0.2},
		{Reward: 2, Error: 0.1},
		{Reward: 3, Error: 0.2},
		{Reward: 4, Error: 1.0},
	}
	s := signals(records, 2.5)
	if math.Abs(s.RewardSlope-1) > 1e-9 {
		t.Errorf("expected slope 1, got %f", s.RewardSlope)
	}
	if math.Abs(s.MeanError-0.32) > 1e-9 {
		t.Errorf("expected mean error 0.32, got %f", s.MeanError)
	}
	if math.Abs(s.ErrorZScore-17) > 1e-6 || !s.Anomalous {
		t.Errorf("expected anomalous z=17, got %f", s.ErrorZScore)
	}
}

func TestHistoryRing(t *testing.T) {
	h := NewHistory(3)
	for ep := 1; ep <= 5; ep++ {
		h.Push(EpisodeRecord{Episode: ep})
	}
	got := h.Records()
	if h.Len() != 3 || len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, want := range []int{3, 4, 5} {
		if got[i].Episode != want {
			t.Errorf("record %d: episode %d, want %d", i, got[i].Episode, want)
		}
	}
}

func TestStateRestore(t *testing.T) {
	c := mustController(t)
	for ep := 1; ep <= 4; ep++ {
		c.Evaluate(failing(ep))
	}
	s := c.State()

	r := mustController(t)
	if err := r.Restore(s); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if r.Level() != c.Level() || len(r.History()) != 4 {
		t.Errorf("restored level %s history %d", r.Level(), len(r.History()))
	}
	if err := r.Restore(State{Level: 9}); err == nil {
		t.Error("expected invalid level error")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	delete(cfg.Rules, LevelStructuralRevision)
	if _, err := NewController(cfg); err == nil {
		t.Error("expected missing rule error")
	}

	cfg = DefaultConfig()
	if p := cfg.Rules[MaxLevel].Patience; p != 0 {
		t.Errorf("default level 5 rule carries patience %d, want none", p)
	}
	r := cfg.Rules[MaxLevel]
	r.Patience = 5
	cfg.Rules[MaxLevel] = r
	if _, err := NewController(cfg); err == nil {
		t.Error("expected level 5 patience to be rejected")
	}

	cfg = DefaultConfig()
	r = cfg.Rules[LevelParametricTuning]
	r.Patience = 0
	cfg.Rules[LevelParametricTuning] = r
	if _, err := NewController(cfg); err == nil {
		t.Error("expected zero patience to be rejected below level 5")
	}
}

// #endregion test-signals
