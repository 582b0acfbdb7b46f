package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/danielpatrickdp/gridmind/internal/belief"
	"github.com/danielpatrickdp/gridmind/internal/causal"
	"github.com/danielpatrickdp/gridmind/internal/grid"
	"github.com/danielpatrickdp/gridmind/internal/improve"
	"github.com/danielpatrickdp/gridmind/internal/logging"
	"github.com/danielpatrickdp/gridmind/internal/policy"
	"github.com/danielpatrickdp/gridmind/internal/state"
)

// #region reset

// ResetEpisode abandons any episode in progress and starts a new one.
func (e *Engine) ResetEpisode() grid.Observation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startEpisode()
}

func (e *Engine) startEpisode() grid.Observation {
	e.episode++
	e.active = true
	e.terminal = false
	e.obs = e.world.Reset()
	e.agent = AgentState{Position: e.obs.Position}
	e.errSum, e.errN = 0, 0
	e.collapses, e.fallbacks = 0, 0
	e.actions = nil

	if e.tuneNext && e.tuner != nil {
		e.selector.SetWeights(e.tuner.Propose())
		e.tuneNext = false
		e.tunePending = true
	}

	e.tracker.Reset(e.obs.Width, e.obs.Height, e.prior)
	e.observeBelief(e.obs)

	e.logger.Debug("episode started", logging.EpisodeKey, e.episode,
		logging.LevelKey, e.controller.Level().String(), "belief_entropy", e.tracker.Entropy())
	return e.obs
}

// prior seeds the goal posterior from what the model already knows: known
// walls are excluded, known goals get full weight and cells seen to be
// something else start at the tracker's floor.
func (e *Engine) prior(p grid.Position) float64 {
	t, ok := e.model.Terrain(p)
	if !ok {
		return 1
	}
	switch t {
	case grid.TerrainWall:
		return -1
	case grid.TerrainGoal:
		return 1
	default:
		return 0
	}
}

func (e *Engine) observeBelief(obs grid.Observation) belief.UpdateResult {
	prof := e.model.Profile()
	res := e.tracker.Update(obs, belief.Evidence{BaselineReward: prof.Baseline, GoalReward: prof.Goal})
	if res.Collapsed {
		e.collapses++
		if res.Warning != nil {
			e.lastWarning = res.Warning.String()
		}
		e.logger.Warn("belief collapse", logging.EpisodeKey, e.episode, logging.StepKey, obs.Step,
			"hypotheses", len(res.Distribution))
	}
	return res
}

// #endregion reset

// #region step

// Step applies a caller-chosen action. The first call of a run starts an
// episode; after an episode ends, Step keeps returning its final observation
// with zero reward and Done set until ResetEpisode is called. Invalid actions
// return grid.ErrInvalidAction and leave the episode untouched. On the final
// step of an episode the controller runs and the result carries the
// EpisodeResult; an exhausted escalation is returned alongside it as an error
// wrapping improve.ErrEscalationExhausted.
func (e *Engine) Step(ctx context.Context, a grid.Action) (StepResult, error) {
	if !a.Valid() {
		return StepResult{}, fmt.Errorf("%w: %d", grid.ErrInvalidAction, a)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return e.terminalResult(a), nil
	}
	if !e.active {
		e.startEpisode()
	}
	return e.advance(ctx, a, nil)
}

// Act lets the policy choose the next action and applies it. Like Step it
// does nothing once the episode has ended.
func (e *Engine) Act(ctx context.Context) (StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return e.terminalResult(grid.ActionStay), nil
	}
	if !e.active {
		e.startEpisode()
	}
	return e.act(ctx)
}

// terminalResult repeats the last observation of a finished episode without
// touching the world, the model or the controller.
func (e *Engine) terminalResult(a grid.Action) StepResult {
	return StepResult{Observation: e.obs, Action: a, Done: true}
}

func (e *Engine) act(ctx context.Context) (StepResult, error) {
	choice, err := e.selector.Select(ctx, policy.Input{
		Position:   e.obs.Position,
		Belief:     e.tracker.Distribution(),
		Model:      e.model,
		ViewRadius: e.cfg.Grid.ViewRadius,
		Width:      e.obs.Width,
		Height:     e.obs.Height,
	})
	if err != nil {
		return StepResult{}, fmt.Errorf("select action: %w", err)
	}
	if choice.Fallback {
		e.fallbacks++
	}
	if choice.Truncated {
		e.logger.Debug("rollout truncated by budget", logging.EpisodeKey, e.episode, logging.StepKey, e.agent.Step)
	}
	return e.advance(ctx, choice.Action, &choice)
}

// advance runs one iteration of the loop with the lock held.
func (e *Engine) advance(ctx context.Context, a grid.Action, choice *policy.Choice) (StepResult, error) {
	from := e.obs
	pred, perr := e.model.Predict(from.Position, a)
	if perr != nil && !errors.Is(perr, causal.ErrInsufficientData) {
		return StepResult{}, fmt.Errorf("predict: %w", perr)
	}

	next, reward, done, err := e.world.Step(a)
	if err != nil {
		return StepResult{}, fmt.Errorf("step world: %w", err)
	}

	res := StepResult{
		Observation: next,
		Action:      a,
		Reward:      reward,
		Done:        done,
		Choice:      choice,
	}
	if perr == nil {
		res.PredictionError = predictionError(pred, next.Position, reward)
		res.Predicted = true
		e.errSum += res.PredictionError
		e.errN++
	}

	up := e.observeBelief(next)
	if up.Warning != nil {
		res.Warning = up.Warning.String()
	}
	e.model.Update([]causal.Transition{{From: from, Action: a, To: next}})

	e.obs = next
	e.agent.Position = next.Position
	e.agent.Step = next.Step
	e.agent.CumulativeReward += reward
	e.actions = append(e.actions, a)

	e.metrics.ObserveStep(res.PredictionError, up.Entropy, up.Collapsed, choice != nil && choice.Fallback)
	e.logger.Log(ctx, logging.LevelTrace, "step",
		logging.EpisodeKey, e.episode, logging.StepKey, next.Step,
		"action", a.String(), "position", next.Position.String(), "reward", reward,
		"prediction_error", res.PredictionError, "belief_entropy", up.Entropy)

	if !done {
		return res, nil
	}
	ep, ferr := e.finishEpisode(ctx)
	res.Episode = &ep
	return res, ferr
}

// predictionError is 1 - P(observed position) + |reward - expected reward|,
// clipped to [0, 2].
func predictionError(pred causal.Prediction, pos grid.Position, reward float64) float64 {
	v := 1 - pred.ProbOf(pos) + math.Abs(reward-pred.ExpectedReward())
	return math.Max(0, math.Min(2, v))
}

// #endregion step

// #region episode

// RunEpisode starts a fresh episode and lets the policy act until it ends.
func (e *Engine) RunEpisode(ctx context.Context) (EpisodeResult, error) {
	ctx, span := e.tracer.Start(ctx, "sim.RunEpisode")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.startEpisode()
	span.SetAttributes(attribute.String("run_id", e.runID), attribute.Int("episode", e.episode))

	for {
		if err := ctx.Err(); err != nil {
			e.active = false
			span.SetStatus(codes.Error, "cancelled")
			return EpisodeResult{}, err
		}
		res, err := e.act(ctx)
		if res.Episode != nil {
			span.SetAttributes(
				attribute.Int("steps", res.Episode.Steps),
				attribute.Float64("reward", res.Episode.Reward),
				attribute.Bool("reached_goal", res.Episode.ReachedGoal),
				attribute.Int("level", int(res.Episode.Decision.To)),
			)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return *res.Episode, err
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return EpisodeResult{}, err
		}
	}
}

// Run plays n episodes. It stops early when the context ends or the
// controller exhausts its escalation ladder.
func (e *Engine) Run(ctx context.Context, n int) ([]EpisodeResult, error) {
	results := make([]EpisodeResult, 0, n)
	for i := 0; i < n; i++ {
		ep, err := e.RunEpisode(ctx)
		if err != nil {
			if errors.Is(err, improve.ErrEscalationExhausted) {
				results = append(results, ep)
				return results, fmt.Errorf("run %s stopped after episode %d: %w", e.runID, ep.Episode, err)
			}
			return results, err
		}
		results = append(results, ep)
	}
	return results, nil
}

func (e *Engine) finishEpisode(ctx context.Context) (EpisodeResult, error) {
	e.active = false
	e.terminal = true
	meanErr := 0.0
	if e.errN > 0 {
		meanErr = e.errSum / float64(e.errN)
	}
	reached := e.world.CellAt(e.obs.Position).Terrain == grid.TerrainGoal
	rec := improve.EpisodeRecord{
		Episode:     e.episode,
		Error:       meanErr,
		Reward:      e.agent.CumulativeReward,
		Collapses:   e.collapses,
		Steps:       e.agent.Step,
		ReachedGoal: reached,
	}

	if e.tunePending {
		e.selector.SetWeights(e.tuner.Feedback(rec.Reward))
		e.tunePending = false
	}

	d, derr := e.controller.Evaluate(rec)
	if derr == nil {
		e.applyRemedy(d.Remedy, rec)
	}

	ep := EpisodeResult{
		Episode:     e.episode,
		Steps:       rec.Steps,
		Reward:      rec.Reward,
		ReachedGoal: reached,
		MeanError:   meanErr,
		Collapses:   e.collapses,
		Fallbacks:   e.fallbacks,
		Actions:     e.actions,
		Decision:    d,
	}

	e.metrics.ObserveEpisode(rec.Reward, reached, e.model.Summary().Mean)
	e.metrics.SetLevel(int(d.From), int(d.To))
	if e.recorder != nil {
		if err := e.recorder.Record(ctx, e.runID, rec, d); err != nil {
			e.logger.Warn("record decision failed", logging.EpisodeKey, e.episode, "err", err)
		}
	}

	attrs := []any{
		logging.EpisodeKey, e.episode, "steps", rec.Steps, "reward", rec.Reward,
		"reached_goal", reached, "prediction_error", meanErr, "collapses", e.collapses,
		logging.LevelKey, d.To.String(), "remedy", string(d.Remedy),
	}
	switch {
	case d.Escalated():
		e.logger.Warn("improvement level escalated", append(attrs, "reason", d.Reason)...)
	case d.Recovered():
		e.logger.Info("improvement level recovered", append(attrs, "reason", d.Reason)...)
	default:
		e.logger.Info("episode finished", attrs...)
	}

	if e.store != nil && e.cfg.CheckpointInterval > 0 && e.episode%e.cfg.CheckpointInterval == 0 {
		e.checkpoint(ctx)
	}
	return ep, derr
}

// #endregion episode

// #region remedies

func (e *Engine) applyRemedy(r improve.Remedy, rec improve.EpisodeRecord) {
	switch r {
	case improve.RemedyNone:
		return
	case improve.RemedyTune:
		if e.tuner == nil {
			e.tuner = policy.NewTuner(e.selector.Weights(), e.cfg.TuneStep)
			e.tuner.Feedback(rec.Reward)
		}
		e.tuneNext = true
	case improve.RemedyRecalibrate:
		floor := e.tracker.Widen()
		e.logger.Info("belief prior widened", "floor", floor)
	case improve.RemedyReviseEdges:
		n := e.model.ReviseEdges(e.cfg.Model.LowConfidence)
		e.logger.Info("causal edges revised", "edges", n)
	case improve.RemedyReviseStructure:
		added, removed := e.model.ReviseStructure()
		e.logger.Info("causal structure revised", "added", added, "removed", removed)
	case improve.RemedyFullReset:
		e.model.Reset()
		e.tracker = belief.NewTracker(e.cfg.Belief)
		e.selector.SetWeights(e.cfg.Weights)
		e.tuner = nil
		e.tuneNext, e.tunePending = false, false
		e.logger.Warn("full reset: model, beliefs and weights restored to defaults")
	}
}

// #endregion remedies

// #region checkpoint

func (e *Engine) snapshot() state.Snapshot {
	return state.Snapshot{
		RunID:      e.runID,
		Episode:    e.episode,
		Graph:      e.model.Graph().Clone(),
		Weights:    e.selector.Weights(),
		Controller: e.controller.State(),
		CreatedAt:  time.Now().UTC(),
	}
}

// checkpoint persists a snapshot. Consistent mode writes before returning;
// otherwise the snapshot is queued for the background writer. Failures are
// logged and counted, never returned.
func (e *Engine) checkpoint(ctx context.Context) {
	ctx, span := e.tracer.Start(ctx, "sim.checkpoint")
	defer span.End()
	span.SetAttributes(attribute.Int("episode", e.episode), attribute.Bool("consistent", e.cfg.Consistent))

	snap := e.snapshot()
	if e.async != nil {
		if !e.async.Submit(e.runID, snap) {
			e.metrics.Checkpoint("dropped")
			span.SetStatus(codes.Error, "dropped")
			return
		}
		e.metrics.Checkpoint("queued")
		return
	}
	if err := e.store.Write(ctx, e.runID, snap); err != nil {
		var pe *state.PersistenceError
		if errors.As(err, &pe) {
			e.logger.Error("checkpoint write failed", "op", pe.Op, logging.EpisodeKey, e.episode, "err", pe.Err)
		} else {
			e.logger.Error("checkpoint write failed", logging.EpisodeKey, e.episode, "err", err)
		}
		e.metrics.Checkpoint("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	e.metrics.Checkpoint("ok")
}

// Checkpoint writes a snapshot synchronously regardless of mode.
func (e *Engine) Checkpoint(ctx context.Context) error {
	e.mu.Lock()
	snap := e.snapshot()
	e.mu.Unlock()
	if e.store == nil {
		return errors.New("no checkpoint store configured")
	}
	if err := e.store.Write(ctx, e.runID, snap); err != nil {
		e.metrics.Checkpoint("error")
		return err
	}
	e.metrics.Checkpoint("ok")
	return nil
}

// #endregion checkpoint
