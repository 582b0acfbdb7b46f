package policy

import "math"

// #region tuner
// Tuner is a gradient-free coordinate search over Weights. Each Propose
// perturbs one coordinate; Feedback keeps the candidate if the episode reward
// beat the best seen, otherwise reverts. After a full sweep without
// improvement the step is halved.
type Tuner struct {
	current   Weights
	candidate Weights
	pending   bool
	best      float64
	hasBest   bool
	step      float64
	minStep   float64
	next      int // proposal counter: coordinate = next/2, sign = next%2
	misses    int
}

const numCoords = 4

// NewTuner starts a search from w with a relative step size.
func NewTuner(w Weights, step float64) *Tuner {
	if step <= 0 {
		step = 0.2
	}
	return &Tuner{current: w, step: step, minStep: step / 64}
}

// Current returns the best weights found so far.
func (t *Tuner) Current() Weights {
	return t.current
}

// Step returns the current relative step size.
func (t *Tuner) Step() float64 {
	return t.step
}

// Propose returns the next candidate. Calling Propose twice without Feedback
// returns the same candidate.
func (t *Tuner) Propose() Weights {
	if t.pending {
		return t.candidate
	}
	coord := (t.next / 2) % numCoords
	sign := 1.0
	if t.next%2 == 1 {
		sign = -1
	}
	c := t.current
	f := 1 + sign*t.step
	switch coord {
	case 0:
		c.RewardScale *= f
	case 1:
		c.ProximityScale *= f
	case 2:
		c.Discount = math.Min(0.99, c.Discount*f)
	case 3:
		c.Temperature = math.Max(1e-3, c.Temperature*f)
	}
	t.candidate = c
	t.pending = true
	return c
}

// Feedback reports the reward earned with the last proposal (or, before any
// proposal, with the current weights) and returns the weights to keep.
func (t *Tuner) Feedback(reward float64) Weights {
	if !t.pending {
		if !t.hasBest || reward > t.best {
			t.best, t.hasBest = reward, true
		}
		return t.current
	}
	t.pending = false
	t.next++
	if !t.hasBest || reward > t.best {
		t.current = t.candidate
		t.best, t.hasBest = reward, true
		t.misses = 0
		return t.current
	}
	t.misses++
	if t.misses >= 2*numCoords {
		t.step = math.Max(t.step/2, t.minStep)
		t.misses = 0
	}
	return t.current
}

// #endregion tuner
