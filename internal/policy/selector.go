package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/danielpatrickdp/gridmind/internal/belief"
	"github.com/danielpatrickdp/gridmind/internal/causal"
	"github.com/danielpatrickdp/gridmind/internal/grid"
)

// #region selector
// Selector picks actions by minimizing expected free energy.
type Selector struct {
	config  Config
	weights Weights
}

// NewSelector creates a selector. Invalid configs are rejected.
func NewSelector(config Config, w Weights) (*Selector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Selector{config: config, weights: w}, nil
}

// Weights returns the current weights.
func (s *Selector) Weights() Weights {
	return s.weights
}

// SetWeights replaces the weights (tuner output or merged weights).
func (s *Selector) SetWeights(w Weights) {
	s.weights = w
}

// Config returns the selector configuration.
func (s *Selector) Config() Config {
	return s.config
}

// SetEpistemicWeight changes the exploration balance, clamped to [0,1].
func (s *Selector) SetEpistemicWeight(w float64) {
	s.config.EpistemicWeight = math.Max(0, math.Min(1, w))
}

// #endregion selector

// #region select
// Select evaluates every action and returns the one with the lowest EFE.
// Ties go to the higher epistemic value, then the lowest action index.
// When the model cannot predict yet, the least-tried action is returned with
// Fallback set.
func (s *Selector) Select(ctx context.Context, in Input) (Choice, error) {
	if err := ctx.Err(); err != nil {
		return Choice{}, err
	}
	if in.Model == nil {
		return Choice{}, errors.New("policy: nil predictor")
	}

	preds := make([]causal.Prediction, grid.NumActions)
	for _, a := range grid.Actions() {
		p, err := in.Model.Predict(in.Position, a)
		if errors.Is(err, causal.ErrInsufficientData) {
			return fallback(in.Model), nil
		}
		if err != nil {
			return Choice{}, fmt.Errorf("predict %s: %w", a, err)
		}
		preds[a] = p
	}

	r := &rollout{
		sel:    s,
		in:     in,
		ctx:    ctx,
		memo:   make(map[memoKey]float64),
		gains:  make(map[grid.Position]float64),
		hPrior: in.Belief.Entropy(),
	}
	if s.config.Budget > 0 {
		r.deadline = time.Now().Add(s.config.Budget)
	}
	r.maxDist = float64(max(in.Width-1+in.Height-1, 1))

	w := s.config.EpistemicWeight
	c := Choice{
		EFE:          make([]float64, grid.NumActions),
		Pragmatic:    make([]float64, grid.NumActions),
		Epistemic:    make([]float64, grid.NumActions),
		Distribution: make([]float64, grid.NumActions),
	}
	for _, a := range grid.Actions() {
		c.Pragmatic[a] = r.pragmatic(preds[a], s.config.RolloutDepth-1)
		c.Epistemic[a] = r.epistemic(preds[a])
		c.EFE[a] = (1-w)*c.Pragmatic[a] - w*c.Epistemic[a]
		if err := ctx.Err(); err != nil {
			return Choice{}, err
		}
	}
	c.Truncated = r.truncated

	best := grid.ActionUp
	for _, a := range grid.Actions()[1:] {
		d := c.EFE[a] - c.EFE[best]
		switch {
		case d < -s.config.TieEpsilon:
			best = a
		case math.Abs(d) <= s.config.TieEpsilon && c.Epistemic[a] > c.Epistemic[best]+s.config.TieEpsilon:
			best = a
		}
	}
	c.Action = best
	c.Distribution = softmax(c.EFE, s.weights.Temperature)
	return c, nil
}

func fallback(m Predictor) Choice {
	best := grid.ActionUp
	for _, a := range grid.Actions()[1:] {
		if m.Tried(a) < m.Tried(best) {
			best = a
		}
	}
	return Choice{Action: best, Fallback: true}
}

// #endregion select

// #region rollout
type memoKey struct {
	pos   grid.Position
	depth int
}

// rollout scores one Select call. Continuation values are memoized per
// (position, remaining depth).
type rollout struct {
	sel       *Selector
	in        Input
	ctx       context.Context
	deadline  time.Time
	expanded  int
	maxDist   float64
	hPrior    float64
	memo      map[memoKey]float64
	gains     map[grid.Position]float64
	truncated bool
}

// pragmatic is the expected immediate cost of pred plus the discounted best
// continuation from each outcome.
func (r *rollout) pragmatic(pred causal.Prediction, depth int) float64 {
	w := r.sel.weights
	var v float64
	for _, o := range pred.Outcomes {
		if o.Prob <= 0 {
			continue
		}
		cost := -w.RewardScale*o.Reward + w.ProximityScale*r.proximity(o.Position)
		if depth > 0 && !r.terminal(o.Position) {
			cost += w.Discount * r.continuation(o.Position, depth)
		}
		v += o.Prob * cost
	}
	return v
}

// continuation is the lowest pragmatic value reachable from p.
func (r *rollout) continuation(p grid.Position, depth int) float64 {
	k := memoKey{p, depth}
	if v, ok := r.memo[k]; ok {
		return v
	}
	if r.exhausted() {
		r.truncated = true
		return 0
	}
	r.expanded++
	best := math.Inf(1)
	for _, a := range grid.Actions() {
		pred, err := r.in.Model.Predict(p, a)
		if err != nil {
			continue
		}
		best = math.Min(best, r.pragmatic(pred, depth-1))
	}
	if math.IsInf(best, 1) {
		best = 0
	}
	r.memo[k] = best
	return best
}

// exhausted reports whether the rollout must stop expanding. The expansion
// cap keeps truncation reproducible; the deadline only guards against slow
// predictors.
func (r *rollout) exhausted() bool {
	if limit := r.sel.config.MaxExpansions; limit > 0 && r.expanded >= limit {
		return true
	}
	if r.ctx.Err() != nil {
		return true
	}
	return !r.deadline.IsZero() && time.Now().After(r.deadline)
}

func (r *rollout) terminal(p grid.Position) bool {
	t, ok := r.in.Model.Terrain(p)
	return ok && t == grid.TerrainGoal
}

// proximity is the believed distance to the goal, scaled to [0,1].
func (r *rollout) proximity(p grid.Position) float64 {
	if len(r.in.Belief) == 0 {
		return 0
	}
	return r.in.Belief.Expect(func(h grid.Position) float64 {
		return float64(p.Manhattan(h))
	}) / r.maxDist
}

// #endregion rollout

// #region epistemic
// epistemic is the expected goal-entropy reduction from what becomes visible
// at each outcome plus the entropy of the outcome distribution itself.
func (r *rollout) epistemic(pred causal.Prediction) float64 {
	var v, hOut float64
	for _, o := range pred.Outcomes {
		if o.Prob <= 0 {
			continue
		}
		v += o.Prob * r.infoGain(o.Position)
		hOut -= o.Prob * math.Log(o.Prob)
	}
	return v + hOut
}

// infoGain approximates H(b) - E[H(b | view at p)]: with mass m in view the
// goal is found outright, otherwise the belief renormalizes over the rest.
func (r *rollout) infoGain(p grid.Position) float64 {
	if g, ok := r.gains[p]; ok {
		return g
	}
	in := r.in
	var m float64
	rest := make(belief.Distribution, len(in.Belief))
	for h, q := range in.Belief {
		if in.ViewRadius < 0 || h.Chebyshev(p) <= in.ViewRadius {
			m += q
			continue
		}
		rest[h] = q
	}
	var hRest float64
	if z := 1 - m; z > 1e-12 {
		for h, q := range rest {
			rest[h] = q / z
		}
		hRest = rest.Entropy()
	}
	g := math.Max(0, r.hPrior-(1-m)*hRest)
	r.gains[p] = g
	return g
}

// #endregion epistemic

// #region softmax
func softmax(efe []float64, temperature float64) []float64 {
	if temperature <= 0 {
		temperature = 1e-6
	}
	out := make([]float64, len(efe))
	lo := math.Inf(1)
	for _, v := range efe {
		lo = math.Min(lo, v)
	}
	var z float64
	for i, v := range efe {
		out[i] = math.Exp(-(v - lo) / temperature)
		z += out[i]
	}
	for i := range out {
		out[i] /= z
	}
	return out
}

// #endregion softmax
