package causal

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/danielpatrickdp/gridmind/internal/grid"
)

// #region model

type memKey struct {
	pos    grid.Position
	action grid.Action
}

type outcomeCounts struct {
	next  map[grid.Position]int
	total int
}

type runningMean struct {
	mean float64
	n    int
}

func (r *runningMean) add(v float64) {
	r.n++
	r.mean += (v - r.mean) / float64(r.n)
}

// Model is the causal world model: an edge graph estimated from a sliding
// window of transitions with exponentially-weighted moments, plus the
// transition memory and reward map used for prediction. Not safe for
// concurrent use; parallel workers each own a Clone.
type Model struct {
	cfg   Config
	graph *Graph

	window   []Transition
	absorbed int

	mean [numVars]float64
	cov  [numVars][numVars]float64
	seen bool
	// strengths already observed at least once, for agreement checks
	estimated map[EdgeKey]bool

	moveMean  [grid.NumActions][2]float64
	moveCount [grid.NumActions]int

	memory   map[memKey]*outcomeCounts
	rewards  map[grid.Position]*runningMean
	baseline runningMean
	terrain  map[grid.Position]grid.Terrain
	width    int
	height   int
}

// NewModel creates a model over g. A nil graph uses DefaultGraph.
func NewModel(cfg Config, g *Graph) *Model {
	if g == nil {
		g = DefaultGraph()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	m := &Model{cfg: cfg, graph: g}
	m.clearStats()
	return m
}

func (m *Model) clearStats() {
	m.window = nil
	m.absorbed = 0
	m.mean = [numVars]float64{}
	m.cov = [numVars][numVars]float64{}
	m.seen = false
	m.estimated = make(map[EdgeKey]bool)
	m.moveMean = [grid.NumActions][2]float64{}
	m.moveCount = [grid.NumActions]int{}
	m.memory = make(map[memKey]*outcomeCounts)
	m.rewards = make(map[grid.Position]*runningMean)
	m.baseline = runningMean{}
	m.terrain = make(map[grid.Position]grid.Terrain)
}

// Graph returns the live graph. Callers must not mutate it.
func (m *Model) Graph() *Graph {
	return m.graph
}

// SetGraph replaces the graph, e.g. after loading persisted weights or a
// merge. Statistics are kept.
func (m *Model) SetGraph(g *Graph) {
	if g == nil {
		g = DefaultGraph()
	}
	m.graph = g
	m.estimated = make(map[EdgeKey]bool)
}

// Config returns the model configuration.
func (m *Model) Config() Config {
	return m.cfg
}

// Absorbed returns the number of transitions folded in since the last Reset.
func (m *Model) Absorbed() int {
	return m.absorbed
}

// Window returns a copy of the retained transitions, oldest first.
func (m *Model) Window() []Transition {
	out := make([]Transition, len(m.window))
	copy(out, m.window)
	return out
}

// #endregion model

// #region update

// Update folds ts into the model and re-derives edge strengths. Cost is
// bounded by len(ts) times the squared variable count.
func (m *Model) Update(ts []Transition) {
	if len(ts) == 0 {
		return
	}
	for _, t := range ts {
		m.window = append(m.window, t)
		if len(m.window) > m.cfg.Window {
			m.window = m.window[len(m.window)-m.cfg.Window:]
		}
		m.fold(t)
		m.remember(t)
		m.absorbed++
	}
	m.reestimate()
}

// fold applies one EW moment update.
func (m *Model) fold(t Transition) {
	x := vectorize(t)
	if !m.seen {
		m.mean = x
		m.seen = true
		return
	}
	a := m.cfg.Alpha
	var d [numVars]float64
	for i := range x {
		d[i] = x[i] - m.mean[i]
		m.mean[i] += a * d[i]
	}
	for i := 0; i < numVars; i++ {
		for j := 0; j < numVars; j++ {
			m.cov[i][j] = (1 - a) * (m.cov[i][j] + a*d[i]*d[j])
		}
	}
}

// remember updates transition memory, displacement means, reward map and
// known terrain.
func (m *Model) remember(t Transition) {
	from, to := t.From.Position, t.To.Position
	k := memKey{from, t.Action}
	oc, ok := m.memory[k]
	if !ok {
		oc = &outcomeCounts{next: make(map[grid.Position]int)}
		m.memory[k] = oc
	}
	oc.next[to]++
	oc.total++

	if !t.To.Bumped && t.Action.Valid() && t.Action != grid.ActionStay {
		a := int(t.Action)
		dx, dy := float64(to.X-from.X), float64(to.Y-from.Y)
		if m.moveCount[a] == 0 {
			m.moveMean[a] = [2]float64{dx, dy}
		} else {
			m.moveMean[a][0] += m.cfg.Alpha * (dx - m.moveMean[a][0])
			m.moveMean[a][1] += m.cfg.Alpha * (dy - m.moveMean[a][1])
		}
		m.moveCount[a]++
	}

	for p, tr := range t.To.Visible {
		m.terrain[p] = tr
	}
	if t.To.Width > 0 {
		m.width, m.height = t.To.Width, t.To.Height
	}

	r, ok := m.rewards[to]
	if !ok {
		r = &runningMean{}
		m.rewards[to] = r
	}
	r.add(t.To.LastReward)
	if m.terrain[to] != grid.TerrainGoal {
		m.baseline.add(t.To.LastReward)
	}
}

// reestimate recomputes every edge strength from the current moments and
// moves confidence up on agreement, down on disagreement.
func (m *Model) reestimate() {
	for _, e := range m.graph.Edges() {
		ci, okC := varIndex[e.Cause]
		ei, okE := varIndex[e.Effect]
		if !okC || !okE {
			continue
		}
		vc, ve := m.cov[ci][ci], m.cov[ei][ei]
		if vc <= 1e-12 || ve <= 1e-12 {
			continue
		}
		corr := clampUnit(m.cov[ci][ei] / math.Sqrt(vc*ve))
		k := e.Key()
		if m.estimated[k] {
			if sameSign(corr, e.Strength) && math.Abs(corr-e.Strength) <= m.cfg.AgreeTolerance {
				e.Confidence += m.cfg.ConfidenceGain
			} else {
				e.Confidence *= m.cfg.ConfidenceDecay
			}
		}
		m.estimated[k] = true
		e.Strength = corr
		m.graph.Set(e)
	}
}

func vectorize(t Transition) [numVars]float64 {
	var x [numVars]float64
	if t.Action.Valid() {
		x[int(t.Action)] = 1
	}
	x[varIndex[VarMoveDX]] = float64(t.To.Position.X - t.From.Position.X)
	x[varIndex[VarMoveDY]] = float64(t.To.Position.Y - t.From.Position.Y)
	if t.To.Bumped {
		x[varIndex[VarBumped]] = 1
	}
	x[varIndex[VarReward]] = t.To.LastReward
	return x
}

func sameSign(a, b float64) bool {
	const eps = 1e-9
	switch {
	case math.Abs(a) < eps && math.Abs(b) < eps:
		return true
	case a > 0 && b > 0, a < 0 && b < 0:
		return true
	}
	return false
}

// #endregion update

// #region predict

// Predict returns the outcome distribution for taking a at from.
func (m *Model) Predict(from grid.Position, a grid.Action) (Prediction, error) {
	if !a.Valid() {
		return Prediction{}, fmt.Errorf("%w: %d", grid.ErrInvalidAction, int(a))
	}
	if m.absorbed < m.cfg.MinObservations {
		return Prediction{}, fmt.Errorf("%w: absorbed %d of %d", ErrInsufficientData, m.absorbed, m.cfg.MinObservations)
	}

	if oc, ok := m.memory[memKey{from, a}]; ok && oc.total > 0 {
		pred := Prediction{Action: a, Observed: true}
		for _, p := range sortedPositions(oc.next) {
			pred.Outcomes = append(pred.Outcomes, Outcome{
				Position: p,
				Reward:   m.RewardAt(p),
				Bumped:   p == from && a != grid.ActionStay,
				Prob:     float64(oc.next[p]) / float64(oc.total),
			})
		}
		return pred, nil
	}
	return m.generalize(from, a), nil
}

// generalize predicts an unseen (position, action) pair from the learned
// per-action displacement, gated by the action -> move edges.
func (m *Model) generalize(from grid.Position, a grid.Action) Prediction {
	stay := Outcome{Position: from, Reward: m.RewardAt(from), Prob: 1}
	pred := Prediction{Action: a}
	if a == grid.ActionStay {
		pred.Outcomes = []Outcome{stay}
		return pred
	}

	ai := int(a)
	if m.moveCount[ai] == 0 {
		// never seen this action move: spread over every reachable neighbour
		targets := []grid.Position{from}
		for _, b := range grid.Actions() {
			dx, dy := b.Delta()
			if dx == 0 && dy == 0 {
				continue
			}
			targets = append(targets, m.resolve(from, from.Add(dx, dy)))
		}
		p := 1 / float64(len(targets))
		merged := make(map[grid.Position]float64)
		for _, t := range targets {
			merged[t] += p
		}
		for _, pos := range sortedPositionsF(merged) {
			pred.Outcomes = append(pred.Outcomes, Outcome{
				Position: pos,
				Reward:   m.RewardAt(pos),
				Bumped:   pos == from,
				Prob:     merged[pos],
			})
		}
		return pred
	}

	dx, dy := 0, 0
	conf := 0.0
	if e, ok := m.graph.Edge(ActionVariables[ai], VarMoveDX); ok && e.Active {
		dx = int(math.Round(m.moveMean[ai][0]))
		conf = math.Max(conf, e.Confidence)
	}
	if e, ok := m.graph.Edge(ActionVariables[ai], VarMoveDY); ok && e.Active {
		dy = int(math.Round(m.moveMean[ai][1]))
		conf = math.Max(conf, e.Confidence)
	}
	target := from.Add(dx, dy)
	if target == from {
		pred.Outcomes = []Outcome{stay}
		return pred
	}
	if m.resolve(from, target) == from {
		stay.Bumped = true
		pred.Outcomes = []Outcome{stay}
		return pred
	}
	q := 0.5 + 0.5*conf/(1+conf)
	stay.Bumped = true
	stay.Prob = 1 - q
	pred.Outcomes = []Outcome{
		{Position: target, Reward: m.RewardAt(target), Prob: q},
		stay,
	}
	return pred
}

// resolve returns target, or from when target is out of bounds or a known wall.
func (m *Model) resolve(from, target grid.Position) grid.Position {
	if m.width > 0 && (target.X < 0 || target.Y < 0 || target.X >= m.width || target.Y >= m.height) {
		return from
	}
	if m.terrain[target] == grid.TerrainWall {
		return from
	}
	return target
}

// RewardAt returns the expected reward for entering p.
func (m *Model) RewardAt(p grid.Position) float64 {
	if r, ok := m.rewards[p]; ok && r.n > 0 {
		return r.mean
	}
	if m.terrain[p] == grid.TerrainGoal {
		return m.Profile().Goal
	}
	return m.baseline.mean
}

// Terrain returns the last observed terrain at p.
func (m *Model) Terrain(p grid.Position) (grid.Terrain, bool) {
	t, ok := m.terrain[p]
	return t, ok
}

// Bounds returns the grid size seen in observations (0, 0 before any data).
func (m *Model) Bounds() (int, int) {
	return m.width, m.height
}

// Profile returns the baseline and goal reward expectations.
func (m *Model) Profile() RewardProfile {
	prof := RewardProfile{Baseline: m.baseline.mean, Goal: m.cfg.GoalRewardPrior}
	best := math.Inf(-1)
	for p, r := range m.rewards {
		if m.terrain[p] == grid.TerrainGoal && r.n > 0 && r.mean > best {
			best = r.mean
		}
	}
	if !math.IsInf(best, -1) {
		prof.Goal = best
	}
	return prof
}

// Tried returns how many times a was absorbed from any position.
func (m *Model) Tried(a grid.Action) int {
	n := 0
	for k, oc := range m.memory {
		if k.action == a {
			n += oc.total
		}
	}
	return n
}

// #endregion predict

// #region remedies

// ReviseEdges zeroes the confidence of active edges below minConfidence and
// re-estimates moments from the retained window. Structure is kept. Returns
// the number of edges revised.
func (m *Model) ReviseEdges(minConfidence float64) int {
	revised := 0
	for _, e := range m.graph.Edges() {
		if e.Active && e.Confidence < minConfidence {
			e.Confidence = 0
			m.graph.Set(e)
			delete(m.estimated, e.Key())
			revised++
		}
	}
	m.mean = [numVars]float64{}
	m.cov = [numVars][numVars]float64{}
	m.seen = false
	for _, t := range m.window {
		m.fold(t)
	}
	m.reestimate()
	return revised
}

// ReviseStructure runs one structure-search pass: weak, well-evidenced
// active edges are removed and inactive candidates that show influence are
// re-added with zero confidence.
func (m *Model) ReviseStructure() (added, removed int) {
	for _, e := range m.graph.Edges() {
		weak := math.Abs(e.Strength) < m.cfg.PruneBelow
		switch {
		case e.Active && weak && e.Confidence >= m.cfg.MinConfidenceForPrune:
			e.Active = false
			removed++
		case !e.Active && !weak:
			e.Active = true
			e.Confidence = 0
			delete(m.estimated, e.Key())
			added++
		default:
			continue
		}
		m.graph.Set(e)
	}
	// candidates missing from a loaded graph come back as inactive
	for _, c := range ActionVariables {
		for _, ef := range OutcomeVariables {
			if _, ok := m.graph.Edge(c, ef); !ok {
				m.graph.Set(Edge{Cause: c, Effect: ef})
			}
		}
	}
	return added, removed
}

// Reset restores the default graph and discards all statistics.
func (m *Model) Reset() {
	m.graph = DefaultGraph()
	m.clearStats()
}

// Summary reports edge confidence using the configured low threshold.
func (m *Model) Summary() ConfidenceSummary {
	return m.graph.Summarize(m.cfg.LowConfidence)
}

// #endregion remedies

// #region clone

// Clone returns an independent deep copy for a parallel worker.
func (m *Model) Clone() *Model {
	c := &Model{
		cfg:       m.cfg,
		graph:     m.graph.Clone(),
		window:    append([]Transition(nil), m.window...),
		absorbed:  m.absorbed,
		mean:      m.mean,
		cov:       m.cov,
		seen:      m.seen,
		estimated: make(map[EdgeKey]bool, len(m.estimated)),
		moveMean:  m.moveMean,
		moveCount: m.moveCount,
		memory:    make(map[memKey]*outcomeCounts, len(m.memory)),
		rewards:   make(map[grid.Position]*runningMean, len(m.rewards)),
		baseline:  m.baseline,
		terrain:   make(map[grid.Position]grid.Terrain, len(m.terrain)),
		width:     m.width,
		height:    m.height,
	}
	for k, v := range m.estimated {
		c.estimated[k] = v
	}
	for k, oc := range m.memory {
		next := make(map[grid.Position]int, len(oc.next))
		for p, n := range oc.next {
			next[p] = n
		}
		c.memory[k] = &outcomeCounts{next: next, total: oc.total}
	}
	for p, r := range m.rewards {
		rr := *r
		c.rewards[p] = &rr
	}
	for p, t := range m.terrain {
		c.terrain[p] = t
	}
	return c
}

// #endregion clone

// #region merge-models

// MergeModels pools what several models learned into a new model: transition
// counts and absorbed totals are summed, reward and displacement means are
// weighted by their sample counts, moments are combined as a mixture weighted
// by absorbed transitions, and terrain is the union with later models winning.
// Confidence and activity come from MergeGraphs; strengths are re-derived from
// the pooled moments so the graph and the statistics agree. Data a shared
// ancestor contributed is counted once per model. Nil models are skipped and
// nil is returned when none remain.
func MergeModels(models ...*Model) *Model {
	var live []*Model
	for _, m := range models {
		if m != nil {
			live = append(live, m)
		}
	}
	if len(live) == 0 {
		return nil
	}
	if len(live) == 1 {
		return live[0].Clone()
	}

	graphs := make([]*Graph, len(live))
	for i, m := range live {
		graphs[i] = m.graph
	}
	out := NewModel(live[0].cfg, MergeGraphs(graphs...))

	var (
		w    float64
		move [grid.NumActions][2]float64
	)
	for _, m := range live {
		out.absorbed += m.absorbed
		out.window = append(out.window, m.window...)
		for k, v := range m.estimated {
			if v {
				out.estimated[k] = true
			}
		}
		for k, oc := range m.memory {
			dst, ok := out.memory[k]
			if !ok {
				dst = &outcomeCounts{next: make(map[grid.Position]int, len(oc.next))}
				out.memory[k] = dst
			}
			for p, n := range oc.next {
				dst.next[p] += n
			}
			dst.total += oc.total
		}
		for p, r := range m.rewards {
			dst, ok := out.rewards[p]
			if !ok {
				dst = &runningMean{}
				out.rewards[p] = dst
			}
			dst.merge(*r)
		}
		out.baseline.merge(m.baseline)
		for p, t := range m.terrain {
			out.terrain[p] = t
		}
		out.width = max(out.width, m.width)
		out.height = max(out.height, m.height)

		for a := range move {
			n := float64(m.moveCount[a])
			move[a][0] += n * m.moveMean[a][0]
			move[a][1] += n * m.moveMean[a][1]
			out.moveCount[a] += m.moveCount[a]
		}

		if !m.seen || m.absorbed == 0 {
			continue
		}
		mw := float64(m.absorbed)
		w += mw
		for i := range out.mean {
			out.mean[i] += mw * m.mean[i]
		}
	}
	if len(out.window) > out.cfg.Window {
		out.window = out.window[len(out.window)-out.cfg.Window:]
	}
	for a := range move {
		if n := float64(out.moveCount[a]); n > 0 {
			out.moveMean[a] = [2]float64{move[a][0] / n, move[a][1] / n}
		}
	}
	if w == 0 {
		return out
	}

	for i := range out.mean {
		out.mean[i] /= w
	}
	for _, m := range live {
		if !m.seen || m.absorbed == 0 {
			continue
		}
		share := float64(m.absorbed) / w
		for i := 0; i < numVars; i++ {
			di := m.mean[i] - out.mean[i]
			for j := 0; j < numVars; j++ {
				dj := m.mean[j] - out.mean[j]
				out.cov[i][j] += share * (m.cov[i][j] + di*dj)
			}
		}
	}
	out.seen = true

	for _, e := range out.graph.Edges() {
		ci, okC := varIndex[e.Cause]
		ei, okE := varIndex[e.Effect]
		if !okC || !okE {
			continue
		}
		vc, ve := out.cov[ci][ci], out.cov[ei][ei]
		if vc <= 1e-12 || ve <= 1e-12 {
			continue
		}
		e.Strength = clampUnit(out.cov[ci][ei] / math.Sqrt(vc*ve))
		out.graph.Set(e)
	}
	return out
}

// merge folds another running mean into r.
func (r *runningMean) merge(o runningMean) {
	if o.n == 0 {
		return
	}
	n := r.n + o.n
	r.mean = (r.mean*float64(r.n) + o.mean*float64(o.n)) / float64(n)
	r.n = n
}

// #endregion merge-models

// #region helpers

func sortedPositions(m map[grid.Position]int) []grid.Position {
	out := make([]grid.Position, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sortPositions(out)
	return out
}

func sortedPositionsF(m map[grid.Position]float64) []grid.Position {
	out := make([]grid.Position, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sortPositions(out)
	return out
}

func sortPositions(ps []grid.Position) {
	slices.SortFunc(ps, func(a, b grid.Position) int {
		if c := cmp.Compare(a.Y, b.Y); c != 0 {
			return c
		}
		return cmp.Compare(a.X, b.X)
	})
}

// #endregion helpers
