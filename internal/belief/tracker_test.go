package belief

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/danielpatrickdp/gridmind/internal/grid"
)

func pos(x, y int) grid.Position { return grid.Position{X: x, Y: y} }

// view builds an observation at p seeing the listed cells.
func view(p grid.Position, step int, reward float64, w, h int, visible map[grid.Position]grid.Terrain) grid.Observation {
	return grid.Observation{Position: p, Step: step, LastReward: reward, Width: w, Height: h, Visible: visible}
}

func assertNormalized(t *testing.T, d Distribution) {
	t.Helper()
	if math.Abs(d.Total()-1) > 1e-9 {
		t.Fatalf("distribution sums to %.12f", d.Total())
	}
	for h, p := range d {
		if p < 0 || math.IsNaN(p) {
			t.Fatalf("hypothesis %s has mass %f", h, p)
		}
	}
}

// #region test-reset
func TestResetUniform(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	d := tr.Reset(3, 3, nil)
	assertNormalized(t, d)
	if len(d) != 9 {
		t.Fatalf("expected 9 hypotheses, got %d", len(d))
	}
	if math.Abs(tr.Entropy()-math.Log(9)) > 1e-9 {
		t.Errorf("expected max entropy ln 9, got %f", tr.Entropy())
	}
}

func TestResetPriorExcludesAndFloors(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	d := tr.Reset(2, 2, func(p grid.Position) float64 {
		switch p {
		case pos(1, 0):
			return -1 // wall
		case pos(0, 1):
			return 0
		}
		return 1
	})
	assertNormalized(t, d)
	if _, ok := d[pos(1, 0)]; ok {
		t.Error("negative prior must exclude the cell")
	}
	if d[pos(0, 1)] <= 0 {
		t.Error("zero prior must be raised to the floor")
	}
	if d[pos(0, 0)] <= d[pos(0, 1)] {
		t.Error("floored cell should stay below a full-weight cell")
	}
}

// #endregion test-reset

// #region test-update
func TestVisibleNonGoalRuledOut(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Reset(3, 3, nil)
	res := tr.Update(view(pos(0, 0), 0, 0, 3, 3, map[grid.Position]grid.Terrain{
		pos(0, 0): grid.TerrainEmpty, pos(1, 0): grid.TerrainEmpty,
		pos(0, 1): grid.TerrainEmpty, pos(1, 1): grid.TerrainEmpty,
	}), Evidence{BaselineReward: -0.01, GoalReward: 1})

	assertNormalized(t, res.Distribution)
	if res.Collapsed {
		t.Fatal("unexpected collapse")
	}
	if res.Distribution.Support() != 5 {
		t.Fatalf("expected 5 hypotheses left, got %d", res.Distribution.Support())
	}
	if p := res.Distribution.Prob(pos(2, 2)); math.Abs(p-0.2) > 1e-9 {
		t.Errorf("expected 0.2 on (2,2), got %f", p)
	}
	if res.Entropy >= math.Log(9) {
		t.Errorf("entropy should drop, got %f", res.Entropy)
	}
}

func TestVisibleGoalConcentrates(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Reset(3, 3, nil)
	res := tr.Update(view(pos(0, 0), 0, 0, 3, 3, map[grid.Position]grid.Terrain{
		pos(0, 0): grid.TerrainEmpty, pos(1, 0): grid.TerrainEmpty,
		pos(0, 1): grid.TerrainEmpty, pos(1, 1): grid.TerrainGoal,
	}), Evidence{BaselineReward: -0.01, GoalReward: 1})

	best, p := res.Distribution.MAP()
	if best != pos(1, 1) {
		t.Errorf("expected MAP (1,1), got %s", best)
	}
	if p < 0.5 {
		t.Errorf("expected visible goal to dominate, got %f", p)
	}
}

func TestRewardEvidenceAtCurrentCell(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Reset(3, 1, nil)
	// nothing visible: only the reward says the current cell is not the goal
	res := tr.Update(view(pos(0, 0), 1, -0.01, 3, 1, nil), Evidence{BaselineReward: -0.01, GoalReward: 1})
	assertNormalized(t, res.Distribution)
	if res.Distribution.Prob(pos(0, 0)) >= res.Distribution.Prob(pos(1, 0)) {
		t.Errorf("step penalty should lower the current cell: %v", res.Distribution)
	}
}

func TestCollapseResetsToUniform(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Reset(2, 2, nil)
	all := map[grid.Position]grid.Terrain{
		pos(0, 0): grid.TerrainEmpty, pos(1, 0): grid.TerrainEmpty,
		pos(0, 1): grid.TerrainEmpty, pos(1, 1): grid.TerrainEmpty,
	}
	res := tr.Update(view(pos(0, 0), 3, -0.01, 2, 2, all), Evidence{BaselineReward: -0.01, GoalReward: 1})
	if !res.Collapsed || res.Warning == nil {
		t.Fatal("expected collapse with warning")
	}
	assertNormalized(t, res.Distribution)
	for h, p := range res.Distribution {
		if math.Abs(p-0.25) > 1e-9 {
			t.Errorf("hypothesis %s: expected 0.25, got %f", h, p)
		}
	}
	if res.Warning.Hypotheses != 4 || res.Warning.Step != 3 {
		t.Errorf("unexpected warning %+v", res.Warning)
	}
	if res.Warning.String() == "" {
		t.Error("warning should render a message")
	}
}

func TestNormalizedUnderRandomEvidence(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	tr := NewTracker(DefaultConfig())
	tr.Reset(5, 5, nil)
	terrains := []grid.Terrain{grid.TerrainEmpty, grid.TerrainEmpty, grid.TerrainHazard, grid.TerrainGoal}
	for i := 1; i <= 300; i++ {
		p := pos(rng.IntN(5), rng.IntN(5))
		vis := map[grid.Position]grid.Terrain{p: terrains[rng.IntN(len(terrains))]}
		res := tr.Update(view(p, i, rng.Float64()*3-1, 5, 5, vis), Evidence{BaselineReward: -0.01, GoalReward: 1})
		assertNormalized(t, res.Distribution)
		if i%50 == 0 {
			tr.Widen()
			assertNormalized(t, tr.Distribution())
		}
	}
}

// #endregion test-update

// #region test-widen
func TestWidenReadmitsRuledOut(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Reset(3, 1, nil)
	tr.Update(view(pos(0, 0), 0, 0, 3, 1, map[grid.Position]grid.Terrain{
		pos(0, 0): grid.TerrainEmpty, pos(1, 0): grid.TerrainWall,
	}), Evidence{})
	if tr.Distribution().Prob(pos(0, 0)) != 0 {
		t.Fatal("visible empty cell should be ruled out")
	}

	before := tr.Floor()
	floor := tr.Widen()
	if floor <= before {
		t.Errorf("floor should rise: %f -> %f", before, floor)
	}
	d := tr.Distribution()
	assertNormalized(t, d)
	if d.Prob(pos(0, 0)) <= 0 {
		t.Error("widen should re-admit (0,0)")
	}
	if _, ok := d[pos(1, 0)]; ok {
		t.Error("known wall must stay excluded")
	}

	for i := 0; i < 20; i++ {
		floor = tr.Widen()
	}
	if floor != DefaultConfig().MaxFloor {
		t.Errorf("floor should cap at %f, got %f", DefaultConfig().MaxFloor, floor)
	}
}

func TestMAPTieBreak(t *testing.T) {
	d := Distribution{pos(2, 0): 0.5, pos(0, 1): 0.5}
	if best, _ := d.MAP(); best != pos(2, 0) {
		t.Errorf("expected lowest row to win, got %s", best)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Reset(2, 2, nil)
	c := tr.Clone()
	c.Update(view(pos(0, 0), 0, 0, 2, 2, map[grid.Position]grid.Terrain{pos(0, 0): grid.TerrainEmpty}), Evidence{})
	if tr.Distribution().Prob(pos(0, 0)) != 0.25 {
		t.Error("clone update leaked into original")
	}
}

// #endregion test-widen
