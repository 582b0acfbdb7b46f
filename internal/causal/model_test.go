package causal

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/danielpatrickdp/gridmind/internal/grid"
)

// helper: observation on a 5x5 grid with nothing visible.
func obs(x, y int, reward float64, bumped bool) grid.Observation {
	return grid.Observation{
		Position:   grid.Position{X: x, Y: y},
		LastReward: reward,
		Bumped:     bumped,
		Width:      5,
		Height:     5,
	}
}

func move(fx, fy int, a grid.Action, tx, ty int) Transition {
	return Transition{
		From:   obs(fx, fy, 0, false),
		Action: a,
		To:     obs(tx, ty, -0.01, fx == tx && fy == ty && a != grid.ActionStay),
	}
}

// cycle walks a square so every move action varies.
func cycle() []Transition {
	return []Transition{
		move(1, 1, grid.ActionRight, 2, 1),
		move(2, 1, grid.ActionDown, 2, 2),
		move(2, 2, grid.ActionLeft, 1, 2),
		move(1, 2, grid.ActionUp, 1, 1),
	}
}

// #region test-insufficient
func TestPredictInsufficientData(t *testing.T) {
	m := NewModel(DefaultConfig(), nil)

	_, err := m.Predict(grid.Position{X: 0, Y: 0}, grid.ActionRight)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}

	m.Update(cycle())
	if _, err := m.Predict(grid.Position{X: 0, Y: 0}, grid.ActionRight); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("4 of 5 observations: expected ErrInsufficientData, got %v", err)
	}

	m.Update([]Transition{move(1, 1, grid.ActionRight, 2, 1)})
	if _, err := m.Predict(grid.Position{X: 0, Y: 0}, grid.ActionRight); err != nil {
		t.Fatalf("expected prediction after 5 observations, got %v", err)
	}
}

// #endregion test-insufficient

// #region test-bounds
func TestStrengthsStayBounded(t *testing.T) {
	m := NewModel(DefaultConfig(), nil)
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 200; i++ {
		var batch []Transition
		for j := 0; j < 3; j++ {
			a := grid.Action(rng.IntN(grid.NumActions))
			fx, fy := rng.IntN(5), rng.IntN(5)
			dx, dy := a.Delta()
			batch = append(batch, Transition{
				From:   obs(fx, fy, 0, false),
				Action: a,
				To:     obs(fx+dx, fy+dy, rng.Float64()*4-2, rng.IntN(4) == 0),
			})
		}
		m.Update(batch)
		for _, e := range m.Graph().Edges() {
			if e.Strength < -1 || e.Strength > 1 {
				t.Fatalf("update %d: edge %s->%s strength %f out of range", i, e.Cause, e.Effect, e.Strength)
			}
			if e.Confidence < 0 {
				t.Fatalf("update %d: negative confidence %f", i, e.Confidence)
			}
		}
	}
	if len(m.Window()) != DefaultConfig().Window {
		t.Errorf("expected window capped at %d, got %d", DefaultConfig().Window, len(m.Window()))
	}
}

func TestConfidenceGrowsOnAgreement(t *testing.T) {
	m := NewModel(DefaultConfig(), nil)
	for i := 0; i < 40; i++ {
		m.Update(cycle())
	}
	e, ok := m.Graph().Edge(VarActionRight, VarMoveDX)
	if !ok {
		t.Fatal("missing right -> dx edge")
	}
	if e.Strength <= 0 {
		t.Errorf("expected positive right -> dx strength, got %f", e.Strength)
	}
	if e.Confidence <= 0 {
		t.Errorf("expected confidence to grow on stable data, got %f", e.Confidence)
	}
	if e.Kind() != EdgeDirect {
		t.Errorf("expected direct edge, got %s", e.Kind())
	}

	l, _ := m.Graph().Edge(VarActionLeft, VarMoveDX)
	if l.Kind() != EdgeInhibitory {
		t.Errorf("expected inhibitory left -> dx, got strength %f", l.Strength)
	}
}

// #endregion test-bounds

// #region test-predict
func TestPredictFromMemory(t *testing.T) {
	m := NewModel(DefaultConfig(), nil)
	for i := 0; i < 5; i++ {
		m.Update([]Transition{move(0, 0, grid.ActionRight, 1, 0)})
	}
	pred, err := m.Predict(grid.Position{X: 0, Y: 0}, grid.ActionRight)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if !pred.Observed {
		t.Error("expected prediction from transition memory")
	}
	if p := pred.ProbOf(grid.Position{X: 1, Y: 0}); math.Abs(p-1) > 1e-9 {
		t.Errorf("expected (1,0) with probability 1, got %f", p)
	}
}

func TestPredictGeneralizes(t *testing.T) {
	m := NewModel(DefaultConfig(), nil)
	for i := 0; i < 5; i++ {
		m.Update([]Transition{move(0, 0, grid.ActionRight, 1, 0)})
	}

	pred, err := m.Predict(grid.Position{X: 2, Y: 2}, grid.ActionRight)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Observed {
		t.Error("(2,2) right was never seen")
	}
	if p := pred.ProbOf(grid.Position{X: 3, Y: 2}); p < 0.5 {
		t.Errorf("expected (3,2) with probability >= 0.5, got %f", p)
	}
	var total float64
	for _, o := range pred.Outcomes {
		total += o.Prob
	}
	if math.Abs(total-1) > 1e-9 {
		t.Errorf("outcome probabilities sum to %f", total)
	}

	// right edge of the grid bumps
	pred, _ = m.Predict(grid.Position{X: 4, Y: 2}, grid.ActionRight)
	if len(pred.Outcomes) != 1 || !pred.Outcomes[0].Bumped {
		t.Errorf("expected a certain bump at the edge, got %+v", pred.Outcomes)
	}
}

func TestPredictUnknownActionSpreads(t *testing.T) {
	m := NewModel(DefaultConfig(), nil)
	for i := 0; i < 5; i++ {
		m.Update([]Transition{move(0, 0, grid.ActionRight, 1, 0)})
	}
	pred, err := m.Predict(grid.Position{X: 2, Y: 2}, grid.ActionUp)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(pred.Outcomes) != 5 {
		t.Errorf("expected 5 equally likely outcomes, got %d", len(pred.Outcomes))
	}
}

func TestPredictDisabledEdgeStopsMovement(t *testing.T) {
	m := NewModel(DefaultConfig(), nil)
	for i := 0; i < 5; i++ {
		m.Update([]Transition{move(0, 0, grid.ActionRight, 1, 0)})
	}
	g := m.Graph().Clone()
	e, _ := g.Edge(VarActionRight, VarMoveDX)
	e.Active = false
	g.Set(e)
	m.SetGraph(g)

	pred, _ := m.Predict(grid.Position{X: 2, Y: 2}, grid.ActionRight)
	if p := pred.ProbOf(grid.Position{X: 2, Y: 2}); p != 1 {
		t.Errorf("inactive edge should predict no movement, got stay probability %f", p)
	}
}

// #endregion test-predict

// #region test-remedies
func TestReviseEdgesResetsLowConfidence(t *testing.T) {
	m := NewModel(DefaultConfig(), nil)
	g := DefaultGraph()
	g.Set(Edge{Cause: VarActionUp, Effect: VarReward, Strength: 0.4, Confidence: 0.9, Active: true})
	g.Set(Edge{Cause: VarActionUp, Effect: VarBumped, Strength: 0.4, Confidence: 0.1, Active: true})
	m.SetGraph(g)

	revised := m.ReviseEdges(0.2)
	if revised != g.Len()-1 {
		t.Errorf("expected %d edges revised, got %d", g.Len()-1, revised)
	}
	hi, _ := m.Graph().Edge(VarActionUp, VarReward)
	if hi.Confidence != 0.9 {
		t.Errorf("confident edge must be kept, got %f", hi.Confidence)
	}
	lo, _ := m.Graph().Edge(VarActionUp, VarBumped)
	if lo.Confidence != 0 || !lo.Active {
		t.Errorf("low edge should be reset but stay active, got %+v", lo)
	}
}

func TestReviseStructure(t *testing.T) {
	m := NewModel(DefaultConfig(), nil)
	g := DefaultGraph()
	g.Set(Edge{Cause: VarActionStay, Effect: VarMoveDX, Strength: 0.01, Confidence: 0.8, Active: true})
	g.Set(Edge{Cause: VarActionUp, Effect: VarMoveDY, Strength: -0.7, Confidence: 0.4, Active: false})
	g.Remove(VarActionLeft, VarReward)
	m.SetGraph(g)

	added, removed := m.ReviseStructure()
	if added != 1 || removed != 1 {
		t.Fatalf("expected 1 added and 1 removed, got %d/%d", added, removed)
	}
	if e, _ := m.Graph().Edge(VarActionStay, VarMoveDX); e.Active {
		t.Error("weak evidenced edge should be pruned")
	}
	if e, _ := m.Graph().Edge(VarActionUp, VarMoveDY); !e.Active || e.Confidence != 0 {
		t.Errorf("strong candidate should be re-added with zero confidence, got %+v", e)
	}
	if _, ok := m.Graph().Edge(VarActionLeft, VarReward); !ok {
		t.Error("missing candidate should be restored")
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	m := NewModel(DefaultConfig(), nil)
	for i := 0; i < 10; i++ {
		m.Update(cycle())
	}
	m.Reset()
	if m.Absorbed() != 0 {
		t.Errorf("expected 0 absorbed after reset, got %d", m.Absorbed())
	}
	if s := m.Summary(); s.Mean != 0 || s.Active != DefaultGraph().Len() {
		t.Errorf("unexpected summary after reset: %+v", s)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := NewModel(DefaultConfig(), nil)
	for i := 0; i < 10; i++ {
		m.Update(cycle())
	}
	c := m.Clone()
	c.Update(cycle())
	c.Reset()
	if m.Absorbed() != 40 {
		t.Errorf("clone mutation leaked into original: absorbed=%d", m.Absorbed())
	}
}

// #endregion test-remedies

// #region test-graph
func TestMergeModelsPoolsStatistics(t *testing.T) {
	a := NewModel(DefaultConfig(), nil)
	b := NewModel(DefaultConfig(), nil)
	for i := 0; i < 3; i++ {
		a.Update(cycle())
	}
	b.Update([]Transition{
		move(3, 3, grid.ActionRight, 4, 3),
		move(4, 3, grid.ActionDown, 4, 4),
		move(4, 4, grid.ActionRight, 4, 4),
	})

	m := MergeModels(a, nil, b)
	if m == nil {
		t.Fatal("merge returned nil")
	}
	if m.Absorbed() != 15 {
		t.Errorf("absorbed = %d, want 15", m.Absorbed())
	}
	if got := m.Tried(grid.ActionRight); got != a.Tried(grid.ActionRight)+b.Tried(grid.ActionRight) {
		t.Errorf("tried right = %d, want the sum of both models", got)
	}

	// b alone is still warming up; the pooled model predicts from b's memory
	if _, err := b.Predict(grid.Position{X: 3, Y: 3}, grid.ActionRight); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("b: expected ErrInsufficientData, got %v", err)
	}
	pred, err := m.Predict(grid.Position{X: 3, Y: 3}, grid.ActionRight)
	if err != nil {
		t.Fatalf("merged predict: %v", err)
	}
	if !pred.Observed || pred.ProbOf(grid.Position{X: 4, Y: 3}) != 1 {
		t.Errorf("merged prediction = %+v, want remembered move to (4,3)", pred)
	}
	if pred, err := m.Predict(grid.Position{X: 1, Y: 1}, grid.ActionRight); err != nil || pred.ProbOf(grid.Position{X: 2, Y: 1}) != 1 {
		t.Errorf("merged prediction from a's memory = %+v, %v", pred, err)
	}

	for _, e := range m.Graph().Edges() {
		if e.Strength < -1 || e.Strength > 1 {
			t.Errorf("edge %s->%s strength %f out of range", e.Cause, e.Effect, e.Strength)
		}
		ea, _ := a.Graph().Edge(e.Cause, e.Effect)
		eb, _ := b.Graph().Edge(e.Cause, e.Effect)
		if want := (ea.Confidence + eb.Confidence) / 2; math.Abs(e.Confidence-want) > 1e-9 {
			t.Errorf("edge %s->%s confidence %f, want %f", e.Cause, e.Effect, e.Confidence, want)
		}
	}

	// further updates keep the pooled strengths rather than starting over
	before, _ := m.Graph().Edge(VarActionRight, VarMoveDX)
	m.Update(cycle())
	after, _ := m.Graph().Edge(VarActionRight, VarMoveDX)
	if !sameSign(before.Strength, after.Strength) {
		t.Errorf("right->dx flipped from %f to %f after one more cycle", before.Strength, after.Strength)
	}

	a.Update(cycle())
	if m.Absorbed() != 19 {
		t.Errorf("merged model shares state with its inputs: absorbed=%d", m.Absorbed())
	}
	if MergeModels() != nil || MergeModels(nil) != nil {
		t.Error("merging nothing should return nil")
	}
}

func TestMergeGraphsAverages(t *testing.T) {
	a, b := NewGraph(), NewGraph()
	a.Set(Edge{Cause: VarActionUp, Effect: VarMoveDY, Strength: -0.8, Confidence: 1.0, Active: true})
	b.Set(Edge{Cause: VarActionUp, Effect: VarMoveDY, Strength: -0.4, Confidence: 0.0, Active: false})

	merged := MergeGraphs(a, b)
	e, ok := merged.Edge(VarActionUp, VarMoveDY)
	if !ok {
		t.Fatal("merged edge missing")
	}
	if math.Abs(e.Strength+0.6) > 1e-9 || math.Abs(e.Confidence-0.5) > 1e-9 {
		t.Errorf("unexpected merge: %+v", e)
	}
	if !e.Active {
		t.Error("half active should stay active")
	}
}

func TestGraphJSONClamps(t *testing.T) {
	var g Graph
	data := []byte(`[{"cause":"action:up","effect":"move:dy","strength":3.5,"confidence":-1,"active":true}]`)
	if err := json.Unmarshal(data, &g); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	e, _ := g.Edge(VarActionUp, VarMoveDY)
	if e.Strength != 1 || e.Confidence != 0 {
		t.Errorf("expected clamped edge, got %+v", e)
	}
}

// #endregion test-graph
