package grid

import (
	"fmt"
	"math/rand/v2"
)

// #region world

// World is a fixed-size GridWorld. It is not safe for concurrent use; the
// simulation loop owns it exclusively.
type World struct {
	cfg   Config
	cells map[Position]Cell
	rng   *rand.Rand

	pos     Position
	step    int
	done    bool
	lastObs Observation
}

// New validates cfg and builds the world. The slip generator is seeded from
// cfg.Seed so runs are reproducible.
func New(cfg Config) (*World, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("grid size %dx%d must be positive", cfg.Width, cfg.Height)
	}
	if cfg.MaxSteps <= 0 {
		return nil, fmt.Errorf("max steps %d must be positive", cfg.MaxSteps)
	}
	if cfg.SlipProb < 0 || cfg.SlipProb > 1 {
		return nil, fmt.Errorf("slip probability %.3f outside [0,1]", cfg.SlipProb)
	}
	w := &World{
		cfg:   cfg,
		cells: make(map[Position]Cell, len(cfg.Cells)),
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	if !w.inBounds(cfg.Start) {
		return nil, fmt.Errorf("start %s outside %dx%d grid", cfg.Start, cfg.Width, cfg.Height)
	}
	for _, c := range cfg.Cells {
		if !w.inBounds(c.Pos) {
			return nil, fmt.Errorf("cell %s outside %dx%d grid", c.Pos, cfg.Width, cfg.Height)
		}
		w.cells[c.Pos] = c
	}
	if w.terrain(cfg.Start) == TerrainWall {
		return nil, fmt.Errorf("start %s is a wall", cfg.Start)
	}
	w.Reset()
	return w, nil
}

// Config returns the configuration the world was built from.
func (w *World) Config() Config {
	return w.cfg
}

// #endregion world

// #region reset

// Reset places the agent at the start cell and returns the first observation.
func (w *World) Reset() Observation {
	w.pos = w.cfg.Start
	w.step = 0
	w.done = false
	w.lastObs = w.observe(0, false)
	return w.lastObs
}

// #endregion reset

// #region step

// Step applies a and returns the next observation, the reward and whether the
// episode is over. Once done, Step keeps returning the terminal observation
// with reward 0.
func (w *World) Step(a Action) (Observation, float64, bool, error) {
	if !a.Valid() {
		return Observation{}, 0, false, fmt.Errorf("%w: %d", ErrInvalidAction, int(a))
	}
	if w.done {
		return w.lastObs, 0, true, nil
	}

	effective := a
	if w.cfg.SlipProb > 0 && w.rng.Float64() < w.cfg.SlipProb {
		effective = Action(w.rng.IntN(NumActions))
	}

	dx, dy := effective.Delta()
	target := w.pos.Add(dx, dy)
	bumped := false
	if !w.inBounds(target) || w.terrain(target) == TerrainWall {
		target = w.pos
		bumped = true
	}
	w.pos = target
	w.step++

	reward := w.cfg.StepPenalty
	if c, ok := w.cells[w.pos]; ok && c.Reward != 0 {
		reward = c.Reward
	}

	w.done = w.terrain(w.pos) == TerrainGoal || w.step >= w.cfg.MaxSteps
	w.lastObs = w.observe(reward, bumped)
	return w.lastObs, reward, w.done, nil
}

// #endregion step

// #region helpers

// Position returns the agent's current cell.
func (w *World) Position() Position {
	return w.pos
}

// Done reports whether the current episode has ended.
func (w *World) Done() bool {
	return w.done
}

// CellAt returns the cell at p. Cells not configured are empty.
func (w *World) CellAt(p Position) Cell {
	if c, ok := w.cells[p]; ok {
		return c
	}
	return Cell{Pos: p, Terrain: TerrainEmpty}
}

func (w *World) terrain(p Position) Terrain {
	if c, ok := w.cells[p]; ok {
		return c.Terrain
	}
	return TerrainEmpty
}

func (w *World) inBounds(p Position) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < w.cfg.Width && p.Y < w.cfg.Height
}

func (w *World) observe(reward float64, bumped bool) Observation {
	visible := make(map[Position]Terrain)
	for y := 0; y < w.cfg.Height; y++ {
		for x := 0; x < w.cfg.Width; x++ {
			p := Position{x, y}
			if w.cfg.ViewRadius >= 0 && p.Chebyshev(w.pos) > w.cfg.ViewRadius {
				continue
			}
			visible[p] = w.terrain(p)
		}
	}
	return Observation{
		Position:   w.pos,
		Step:       w.step,
		LastReward: reward,
		Bumped:     bumped,
		Done:       w.done,
		Width:      w.cfg.Width,
		Height:     w.cfg.Height,
		Visible:    visible,
	}
}

// #endregion helpers
