package belief

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/gridmind/internal/grid"
)

// #region config
// Config holds the likelihood and prior parameters of the tracker.
type Config struct {
	RewardSigma   float64 // std-dev of the reward likelihood
	UnseenOnSight float64 // likelihood of hidden cells while a goal is in view
	PriorFloor    float64 // minimum prior weight of a non-excluded hypothesis
	WidenStep     float64 // added to the floor on every Widen
	MaxFloor      float64 // ceiling for the floor
}

// DefaultConfig returns defaults tuned for step penalties around -0.01 and
// goal rewards around 1.
func DefaultConfig() Config {
	return Config{
		RewardSigma:   0.25,
		UnseenOnSight: 0.1,
		PriorFloor:    0.01,
		WidenStep:     0.1,
		MaxFloor:      0.5,
	}
}

// #endregion config

// #region distribution
// Distribution is a probability mass over goal-location hypotheses.
// Hypotheses carrying zero mass stay in the map so the hypothesis set
// survives a collapse.
type Distribution map[grid.Position]float64

// Prob returns the mass on p.
func (d Distribution) Prob(p grid.Position) float64 {
	return d[p]
}

// Entropy returns the Shannon entropy in nats.
func (d Distribution) Entropy() float64 {
	var h float64
	for _, p := range d {
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h
}

// Total returns the sum of all masses.
func (d Distribution) Total() float64 {
	var s float64
	for _, p := range d {
		s += p
	}
	return s
}

// MAP returns the most probable hypothesis. Ties go to the lowest row,
// then the lowest column.
func (d Distribution) MAP() (grid.Position, float64) {
	var best grid.Position
	bestP := -1.0
	for h, p := range d {
		if p > bestP || (p == bestP && less(h, best)) {
			best, bestP = h, p
		}
	}
	return best, bestP
}

// Expect returns the expectation of f under d.
func (d Distribution) Expect(f func(grid.Position) float64) float64 {
	var s float64
	for h, p := range d {
		if p > 0 {
			s += p * f(h)
		}
	}
	return s
}

// Clone returns a copy of d.
func (d Distribution) Clone() Distribution {
	c := make(Distribution, len(d))
	for h, p := range d {
		c[h] = p
	}
	return c
}

// Support returns the number of hypotheses with positive mass.
func (d Distribution) Support() int {
	n := 0
	for _, p := range d {
		if p > 0 {
			n++
		}
	}
	return n
}

func less(a, b grid.Position) bool {
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}

// #endregion distribution

// #region evidence
// Evidence carries the causal model's reward expectations into an update.
type Evidence struct {
	BaselineReward float64 // expected reward of entering a non-goal cell
	GoalReward     float64 // expected reward of entering the goal
}

// #endregion evidence

// #region warning
// CollapseWarning reports that every hypothesis was ruled out and the
// distribution was reset to uniform. It is a diagnostic, not an error.
type CollapseWarning struct {
	Step       int
	Hypotheses int
	Position   grid.Position
}

func (w CollapseWarning) String() string {
	return fmt.Sprintf("belief collapse at step %d (%s): all %d hypotheses ruled out, reset to uniform",
		w.Step, w.Position, w.Hypotheses)
}

// #endregion warning

// #region update-result
// UpdateResult is the outcome of one belief update.
type UpdateResult struct {
	Distribution Distribution
	Entropy      float64
	Collapsed    bool
	Warning      *CollapseWarning // set when Collapsed
}

// #endregion update-result
