package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielpatrickdp/gridmind/internal/grid"
	"github.com/danielpatrickdp/gridmind/internal/improve"
	"github.com/danielpatrickdp/gridmind/internal/sim"
)

// #region types

// Result captures the outcome of replaying one episode.
type Result struct {
	Episode     int
	Actions     []grid.Action
	Scripted    int // leading actions taken from the script
	Steps       int
	Reward      float64
	ReachedGoal bool
	MeanError   float64
	Level       improve.Level // level after the episode's decision
	Remedy      improve.Remedy
	Reason      string
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	Episodes    int
	Goals       int
	Escalations int
	Recoveries  int
	MeanReward  float64
	FinalLevel  improve.Level
	Exhausted   bool
}

// #endregion types

// #region replay

// Replay runs one episode per script on a fresh engine built from cfg.
// Scripted actions are applied with Step; when a script ends before the
// episode does, the policy takes over. Replay stops at the first episode
// whose decision exhausts escalation and returns the results so far together
// with the wrapped improve.ErrEscalationExhausted.
func Replay(ctx context.Context, cfg sim.Config, scripts [][]grid.Action, opts ...sim.Option) ([]Result, error) {
	cfg.CheckpointInterval = 0
	engine, err := sim.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close(context.WithoutCancel(ctx))

	results := make([]Result, 0, len(scripts))
	for i, script := range scripts {
		r, err := replayEpisode(ctx, engine, script)
		if r != nil {
			results = append(results, *r)
		}
		if err != nil {
			return results, fmt.Errorf("episode %d: %w", i+1, err)
		}
	}
	return results, nil
}

func replayEpisode(ctx context.Context, engine *sim.Engine, script []grid.Action) (*Result, error) {
	engine.ResetEpisode()
	scripted := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var (
			res sim.StepResult
			err error
		)
		if scripted < len(script) {
			res, err = engine.Step(ctx, script[scripted])
			scripted++
		} else {
			res, err = engine.Act(ctx)
		}
		if res.Episode != nil {
			return toResult(*res.Episode, min(scripted, len(script))), err
		}
		if err != nil {
			return nil, err
		}
	}
}

func toResult(ep sim.EpisodeResult, scripted int) *Result {
	return &Result{
		Episode:     ep.Episode,
		Actions:     ep.Actions,
		Scripted:    scripted,
		Steps:       ep.Steps,
		Reward:      ep.Reward,
		ReachedGoal: ep.ReachedGoal,
		MeanError:   ep.MeanError,
		Level:       ep.Decision.To,
		Remedy:      ep.Decision.Remedy,
		Reason:      ep.Decision.Reason,
	}
}

// ReplayFixture runs f and returns its results.
func ReplayFixture(ctx context.Context, f *Fixture, opts ...sim.Option) ([]Result, error) {
	scripts, err := f.Scripts()
	if err != nil {
		return nil, err
	}
	return Replay(ctx, f.Config.ToEngineConfig(), scripts, opts...)
}

// Summarize computes aggregate stats from replay results. err is the error
// Replay returned, if any.
func Summarize(results []Result, err error) Summary {
	s := Summary{
		Episodes:   len(results),
		FinalLevel: improve.MinLevel,
		Exhausted:  errors.Is(err, improve.ErrEscalationExhausted),
	}
	prev := improve.MinLevel
	var total float64
	for _, r := range results {
		if r.ReachedGoal {
			s.Goals++
		}
		switch {
		case r.Level > prev:
			s.Escalations++
		case r.Level < prev:
			s.Recoveries++
		}
		prev = r.Level
		total += r.Reward
	}
	if len(results) > 0 {
		s.MeanReward = total / float64(len(results))
		s.FinalLevel = prev
	}
	return s
}

// #endregion replay
