package grid

import (
	"errors"
	"fmt"
	"strings"
)

// #region errors

// ErrInvalidAction is returned by Step for actions outside the enumerated set.
var ErrInvalidAction = errors.New("invalid action")

// #endregion errors

// #region terrain

// Terrain tags a cell's feature.
type Terrain string

const (
	TerrainEmpty  Terrain = "empty"
	TerrainWall   Terrain = "wall"
	TerrainGoal   Terrain = "goal"
	TerrainHazard Terrain = "hazard"
)

// #endregion terrain

// #region position

// Position is an integer grid coordinate. Y grows downward.
type Position struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Add returns p shifted by (dx, dy).
func (p Position) Add(dx, dy int) Position {
	return Position{X: p.X + dx, Y: p.Y + dy}
}

// Manhattan returns the L1 distance between p and o.
func (p Position) Manhattan(o Position) int {
	return abs(p.X-o.X) + abs(p.Y-o.Y)
}

// Chebyshev returns the L-infinity distance between p and o.
func (p Position) Chebyshev(o Position) int {
	return max(abs(p.X-o.X), abs(p.Y-o.Y))
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// #endregion position

// #region action

// Action is one of the fixed movement choices. The numeric order is the
// tie-break order used by the policy selector.
type Action int

const (
	ActionUp Action = iota
	ActionDown
	ActionLeft
	ActionRight
	ActionStay
)

// NumActions is the size of the action set.
const NumActions = 5

// Actions returns every valid action in index order.
func Actions() []Action {
	return []Action{ActionUp, ActionDown, ActionLeft, ActionRight, ActionStay}
}

// Valid reports whether a is in the enumerated set.
func (a Action) Valid() bool {
	return a >= ActionUp && a <= ActionStay
}

// Delta returns the intended displacement of a.
func (a Action) Delta() (dx, dy int) {
	switch a {
	case ActionUp:
		return 0, -1
	case ActionDown:
		return 0, 1
	case ActionLeft:
		return -1, 0
	case ActionRight:
		return 1, 0
	}
	return 0, 0
}

func (a Action) String() string {
	switch a {
	case ActionUp:
		return "up"
	case ActionDown:
		return "down"
	case ActionLeft:
		return "left"
	case ActionRight:
		return "right"
	case ActionStay:
		return "stay"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction maps a name ("up", "down", "left", "right", "stay") to an Action.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions() {
		if strings.EqualFold(s, a.String()) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// #endregion action

// #region cell

// Cell is a fixed grid cell. Cells are immutable once the world is built.
type Cell struct {
	Pos     Position `json:"pos" yaml:"pos"`
	Terrain Terrain  `json:"terrain" yaml:"terrain"`
	Reward  float64  `json:"reward" yaml:"reward"`
}

// #endregion cell

// #region observation

// Observation is the snapshot the world emits after Reset and every Step.
// Visible holds the terrain of every cell within the view radius.
type Observation struct {
	Position   Position
	Step       int
	LastReward float64
	Bumped     bool
	Done       bool
	Width      int
	Height     int
	Visible    map[Position]Terrain
}

// Terrain returns the visible terrain at p and whether p is visible.
func (o Observation) Terrain(p Position) (Terrain, bool) {
	t, ok := o.Visible[p]
	return t, ok
}

// InBounds reports whether p lies inside the observed grid.
func (o Observation) InBounds(p Position) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < o.Width && p.Y < o.Height
}

// #endregion observation

// #region config

// Config describes a GridWorld.
type Config struct {
	Width       int
	Height      int
	Start       Position
	Cells       []Cell  // goal, wall and hazard cells; everything else is empty
	StepPenalty float64 // reward for entering an empty cell
	MaxSteps    int
	SlipProb    float64 // 0 = deterministic transitions
	ViewRadius  int     // Chebyshev radius of Observation.Visible; < 0 = whole grid
	Seed        uint64
}

// DefaultConfig returns the 5x5 world with one goal at (4,4).
func DefaultConfig() Config {
	return Config{
		Width:  5,
		Height: 5,
		Start:  Position{0, 0},
		Cells: []Cell{
			{Pos: Position{4, 4}, Terrain: TerrainGoal, Reward: 1.0},
		},
		StepPenalty: -0.01,
		MaxSteps:    50,
		SlipProb:    0,
		ViewRadius:  1,
		Seed:        1,
	}
}

// #endregion config
