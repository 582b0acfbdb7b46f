package causal

import (
	"encoding/json"
	"math"
	"sort"
)

// #region variables

// Variable names an observed quantity in the world model.
type Variable string

const (
	VarActionUp    Variable = "action:up"
	VarActionDown  Variable = "action:down"
	VarActionLeft  Variable = "action:left"
	VarActionRight Variable = "action:right"
	VarActionStay  Variable = "action:stay"
	VarMoveDX      Variable = "move:dx"
	VarMoveDY      Variable = "move:dy"
	VarBumped      Variable = "bumped"
	VarReward      Variable = "reward"
)

// Variables lists every model variable in statistic index order.
var Variables = []Variable{
	VarActionUp, VarActionDown, VarActionLeft, VarActionRight, VarActionStay,
	VarMoveDX, VarMoveDY, VarBumped, VarReward,
}

// ActionVariables are the candidate causes, indexed by grid.Action.
var ActionVariables = Variables[:5]

// OutcomeVariables are the candidate effects.
var OutcomeVariables = Variables[5:]

const numVars = 9

var varIndex = func() map[Variable]int {
	m := make(map[Variable]int, len(Variables))
	for i, v := range Variables {
		m[v] = i
	}
	return m
}()

// #endregion variables

// #region edge

// EdgeKind classifies an edge by the sign of its strength.
type EdgeKind string

const (
	EdgeDirect     EdgeKind = "direct"
	EdgeInhibitory EdgeKind = "inhibitory"
)

// EdgeKey identifies a cause -> effect pair.
type EdgeKey struct {
	Cause  Variable
	Effect Variable
}

// Edge is a believed causal influence. Strength is kept in [-1, 1] and
// Confidence is never negative. Inactive edges are candidates that structure
// search removed; they keep being estimated but do not feed predictions.
type Edge struct {
	Cause      Variable `json:"cause"`
	Effect     Variable `json:"effect"`
	Strength   float64  `json:"strength"`
	Confidence float64  `json:"confidence"`
	Active     bool     `json:"active"`
}

// Key returns the edge's map key.
func (e Edge) Key() EdgeKey {
	return EdgeKey{Cause: e.Cause, Effect: e.Effect}
}

// Kind reports whether the edge promotes or inhibits its effect.
func (e Edge) Kind() EdgeKind {
	if e.Strength < 0 {
		return EdgeInhibitory
	}
	return EdgeDirect
}

// #endregion edge

// #region graph

// Graph maps variable pairs to edges. The zero value is not usable; build
// one with NewGraph or DefaultGraph.
type Graph struct {
	edges map[EdgeKey]Edge
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{edges: make(map[EdgeKey]Edge)}
}

// DefaultGraph wires every action variable to every outcome variable with
// zero strength and zero confidence.
func DefaultGraph() *Graph {
	g := NewGraph()
	for _, c := range ActionVariables {
		for _, e := range OutcomeVariables {
			g.Set(Edge{Cause: c, Effect: e, Active: true})
		}
	}
	return g
}

// Set inserts or replaces an edge, clamping strength to [-1, 1] and
// confidence to >= 0.
func (g *Graph) Set(e Edge) {
	e.Strength = clampUnit(e.Strength)
	if e.Confidence < 0 || math.IsNaN(e.Confidence) {
		e.Confidence = 0
	}
	g.edges[e.Key()] = e
}

// Edge returns the edge for cause -> effect.
func (g *Graph) Edge(cause, effect Variable) (Edge, bool) {
	e, ok := g.edges[EdgeKey{cause, effect}]
	return e, ok
}

// Remove deletes cause -> effect entirely.
func (g *Graph) Remove(cause, effect Variable) {
	delete(g.edges, EdgeKey{cause, effect})
}

// Len returns the number of edges, active or not.
func (g *Graph) Len() int {
	return len(g.edges)
}

// Edges returns all edges ordered by cause then effect variable index.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := varOrder(out[i].Cause), varOrder(out[j].Cause)
		if ci != cj {
			return ci < cj
		}
		if out[i].Cause != out[j].Cause {
			return out[i].Cause < out[j].Cause
		}
		ei, ej := varOrder(out[i].Effect), varOrder(out[j].Effect)
		if ei != ej {
			return ei < ej
		}
		return out[i].Effect < out[j].Effect
	})
	return out
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	c := &Graph{edges: make(map[EdgeKey]Edge, len(g.edges))}
	for k, e := range g.edges {
		c.edges[k] = e
	}
	return c
}

// MarshalJSON encodes the graph as an ordered edge list.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Edges())
}

// UnmarshalJSON decodes an edge list, applying the same clamping as Set.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var edges []Edge
	if err := json.Unmarshal(data, &edges); err != nil {
		return err
	}
	g.edges = make(map[EdgeKey]Edge, len(edges))
	for _, e := range edges {
		g.Set(e)
	}
	return nil
}

// #endregion graph

// #region merge

// MergeGraphs averages strength and confidence across graphs edge by edge.
// An edge is active in the result when at least half of the graphs holding it
// have it active. Used at the synchronization barrier between parallel workers.
func MergeGraphs(graphs ...*Graph) *Graph {
	type acc struct {
		strength, confidence float64
		active, n            int
		cause, effect        Variable
	}
	sums := make(map[EdgeKey]*acc)
	for _, g := range graphs {
		if g == nil {
			continue
		}
		for k, e := range g.edges {
			a, ok := sums[k]
			if !ok {
				a = &acc{cause: e.Cause, effect: e.Effect}
				sums[k] = a
			}
			a.strength += e.Strength
			a.confidence += e.Confidence
			a.n++
			if e.Active {
				a.active++
			}
		}
	}
	out := NewGraph()
	for _, a := range sums {
		out.Set(Edge{
			Cause:      a.cause,
			Effect:     a.effect,
			Strength:   a.strength / float64(a.n),
			Confidence: a.confidence / float64(a.n),
			Active:     a.active*2 >= a.n,
		})
	}
	return out
}

// #endregion merge

// #region summary

// ConfidenceSummary aggregates edge confidence for diagnostics.
type ConfidenceSummary struct {
	Edges  int     `json:"edges"`
	Active int     `json:"active"`
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Low    int     `json:"low"` // active edges below the low-confidence threshold
}

// Summarize computes a ConfidenceSummary over active edges.
func (g *Graph) Summarize(lowThreshold float64) ConfidenceSummary {
	s := ConfidenceSummary{Edges: len(g.edges)}
	var sum float64
	for _, e := range g.edges {
		if !e.Active {
			continue
		}
		if s.Active == 0 || e.Confidence < s.Min {
			s.Min = e.Confidence
		}
		if e.Confidence > s.Max {
			s.Max = e.Confidence
		}
		if e.Confidence < lowThreshold {
			s.Low++
		}
		sum += e.Confidence
		s.Active++
	}
	if s.Active > 0 {
		s.Mean = sum / float64(s.Active)
	}
	return s
}

// #endregion summary

// #region helpers

func varOrder(v Variable) int {
	if i, ok := varIndex[v]; ok {
		return i
	}
	return numVars
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// #endregion helpers
