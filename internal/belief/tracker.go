package belief

import (
	"math"

	"github.com/danielpatrickdp/gridmind/internal/grid"
)

// #region tracker
// Tracker maintains the posterior over where the goal is. Each Update
// replaces the distribution wholesale; readers get copies.
type Tracker struct {
	config Config
	floor  float64
	width  int
	height int
	walls  map[grid.Position]bool
	dist   Distribution
}

// Prior weights a hypothesis at episode reset. Negative weights exclude the
// cell (known walls); other weights are raised to the tracker's floor.
type Prior func(grid.Position) float64

// NewTracker creates a tracker with an empty hypothesis set. Call Reset
// before the first Update.
func NewTracker(config Config) *Tracker {
	return &Tracker{
		config: config,
		floor:  config.PriorFloor,
		walls:  make(map[grid.Position]bool),
		dist:   make(Distribution),
	}
}

// Reset rebuilds the hypothesis set for a width x height grid. A nil prior
// is uniform.
func (t *Tracker) Reset(width, height int, prior Prior) Distribution {
	t.width, t.height = width, height
	t.walls = make(map[grid.Position]bool)
	d := make(Distribution, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			p := grid.Position{X: x, Y: y}
			w := 1.0
			if prior != nil {
				w = prior(p)
			}
			if w < 0 {
				t.walls[p] = true
				continue
			}
			d[p] = math.Max(w, t.floor)
		}
	}
	t.dist = normalizeOrUniform(d)
	return t.dist.Clone()
}

// #endregion tracker

// #region update
// Update folds one observation into the posterior:
//
//	posterior(h) ∝ prior(h) · visibility(h) · N(reward; r̂_h, σ)
//
// Visible goal cells keep full likelihood, visible non-goal cells drop to
// zero and hidden cells are discounted while a goal is in view. Computed in
// log space. If every hypothesis is ruled out the distribution resets to
// uniform over the hypothesis set and the result carries a CollapseWarning.
func (t *Tracker) Update(obs grid.Observation, ev Evidence) UpdateResult {
	for p, tr := range obs.Visible {
		if tr == grid.TerrainWall {
			t.walls[p] = true
		}
	}

	goalInView := false
	for _, tr := range obs.Visible {
		if tr == grid.TerrainGoal {
			goalInView = true
			break
		}
	}

	logs := make(map[grid.Position]float64, len(t.dist))
	maxLog := math.Inf(-1)
	for h, p := range t.dist {
		l := math.Inf(-1)
		if p > 0 {
			l = math.Log(p) + t.logLikelihood(h, obs, ev, goalInView)
		}
		logs[h] = l
		if l > maxLog {
			maxLog = l
		}
	}

	if math.IsInf(maxLog, -1) || math.IsNaN(maxLog) {
		uniform := make(Distribution, len(t.dist))
		for h := range t.dist {
			uniform[h] = 1
		}
		t.dist = normalizeOrUniform(uniform)
		return UpdateResult{
			Distribution: t.dist.Clone(),
			Entropy:      t.dist.Entropy(),
			Collapsed:    true,
			Warning: &CollapseWarning{
				Step:       obs.Step,
				Hypotheses: len(t.dist),
				Position:   obs.Position,
			},
		}
	}

	post := make(Distribution, len(logs))
	var z float64
	for h, l := range logs {
		v := math.Exp(l - maxLog)
		post[h] = v
		z += v
	}
	for h := range post {
		post[h] /= z
	}
	t.dist = post
	return UpdateResult{Distribution: post.Clone(), Entropy: post.Entropy()}
}

func (t *Tracker) logLikelihood(h grid.Position, obs grid.Observation, ev Evidence, goalInView bool) float64 {
	var l float64
	tr, visible := obs.Visible[h]
	switch {
	case visible && tr != grid.TerrainGoal:
		return math.Inf(-1)
	case !visible && goalInView && t.config.UnseenOnSight > 0:
		l = math.Log(t.config.UnseenOnSight)
	}
	// reset observations carry no reward signal
	if obs.Step == 0 || t.config.RewardSigma <= 0 {
		return l
	}
	expected := ev.BaselineReward
	if h == obs.Position {
		expected = ev.GoalReward
	}
	d := obs.LastReward - expected
	return l - d*d/(2*t.config.RewardSigma*t.config.RewardSigma)
}

// #endregion update

// #region widen
// Widen raises the prior floor and mixes it into every non-wall cell of the
// grid, re-admitting hypotheses earlier evidence ruled out. Returns the new
// floor.
func (t *Tracker) Widen() float64 {
	t.floor = math.Min(t.floor+t.config.WidenStep, t.config.MaxFloor)
	d := make(Distribution, t.width*t.height)
	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			p := grid.Position{X: x, Y: y}
			if t.walls[p] {
				continue
			}
			d[p] = t.dist[p] + t.floor
		}
	}
	t.dist = normalizeOrUniform(d)
	return t.floor
}

// #endregion widen

// #region accessors
// Distribution returns a copy of the current posterior.
func (t *Tracker) Distribution() Distribution {
	return t.dist.Clone()
}

// Entropy returns the entropy of the current posterior.
func (t *Tracker) Entropy() float64 {
	return t.dist.Entropy()
}

// MAP returns the most probable goal location.
func (t *Tracker) MAP() (grid.Position, float64) {
	return t.dist.MAP()
}

// Floor returns the current prior floor.
func (t *Tracker) Floor() float64 {
	return t.floor
}

// Clone returns an independent copy for a parallel worker.
func (t *Tracker) Clone() *Tracker {
	c := &Tracker{
		config: t.config,
		floor:  t.floor,
		width:  t.width,
		height: t.height,
		walls:  make(map[grid.Position]bool, len(t.walls)),
		dist:   t.dist.Clone(),
	}
	for p := range t.walls {
		c.walls[p] = true
	}
	return c
}

func normalizeOrUniform(d Distribution) Distribution {
	z := d.Total()
	if z <= 0 || math.IsNaN(z) || math.IsInf(z, 0) {
		if len(d) == 0 {
			return d
		}
		u := 1 / float64(len(d))
		for h := range d {
			d[h] = u
		}
		return d
	}
	for h := range d {
		d[h] /= z
	}
	return d
}

// #endregion accessors
