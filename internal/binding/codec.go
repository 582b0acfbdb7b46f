package binding

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/gridmind/internal/grid"
	"github.com/danielpatrickdp/gridmind/internal/improve"
	"github.com/danielpatrickdp/gridmind/internal/policy"
	"github.com/danielpatrickdp/gridmind/internal/sim"
)

// Messages travel as google.protobuf.Struct. Field names are snake_case and
// positions are {"x", "y"} objects.

// #region encode

func positionValue(p grid.Position) map[string]any {
	return map[string]any{"x": p.X, "y": p.Y}
}

func observationValue(o grid.Observation) map[string]any {
	visible := make([]any, 0, len(o.Visible))
	for y := 0; y < o.Height; y++ {
		for x := 0; x < o.Width; x++ {
			p := grid.Position{X: x, Y: y}
			if t, ok := o.Visible[p]; ok {
				visible = append(visible, map[string]any{"x": x, "y": y, "terrain": string(t)})
			}
		}
	}
	return map[string]any{
		"position":    positionValue(o.Position),
		"step":        o.Step,
		"last_reward": o.LastReward,
		"bumped":      o.Bumped,
		"done":        o.Done,
		"width":       o.Width,
		"height":      o.Height,
		"visible":     visible,
	}
}

func encodeObservation(o grid.Observation) (*structpb.Struct, error) {
	return structpb.NewStruct(observationValue(o))
}

func encodeStep(r sim.StepResult) (*structpb.Struct, error) {
	m := map[string]any{
		"observation":      observationValue(r.Observation),
		"action":           r.Action.String(),
		"reward":           r.Reward,
		"done":             r.Done,
		"prediction_error": r.PredictionError,
		"predicted":        r.Predicted,
		"warning":          r.Warning,
	}
	if r.Choice != nil {
		m["fallback"] = r.Choice.Fallback
		m["truncated"] = r.Choice.Truncated
	}
	if ep := r.Episode; ep != nil {
		m["episode"] = map[string]any{
			"episode":      ep.Episode,
			"steps":        ep.Steps,
			"reward":       ep.Reward,
			"reached_goal": ep.ReachedGoal,
			"mean_error":   ep.MeanError,
			"collapses":    ep.Collapses,
			"level":        int(ep.Decision.To),
			"remedy":       string(ep.Decision.Remedy),
			"reason":       ep.Decision.Reason,
		}
	}
	return structpb.NewStruct(m)
}

func encodeDiagnostics(d sim.Diagnostics) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"run_id":            d.RunID,
		"episode":           d.Episode,
		"step":              d.Step,
		"position":          positionValue(d.Position),
		"belief_entropy":    d.BeliefEntropy,
		"belief_map":        positionValue(d.BeliefMAP),
		"causal_confidence": d.CausalConfidence,
		"improvement_level": int(d.ImprovementLevel),
		"last_warning":      d.LastWarning,
		"weights": map[string]any{
			"reward_scale":    d.Weights.RewardScale,
			"proximity_scale": d.Weights.ProximityScale,
			"discount":        d.Weights.Discount,
			"temperature":     d.Weights.Temperature,
		},
	})
}

// #endregion encode

// #region decode

// StepReply is the client-side view of one step.
type StepReply struct {
	Observation     grid.Observation
	Action          grid.Action
	Reward          float64
	Done            bool
	PredictionError float64
	Predicted       bool
	Fallback        bool
	Warning         string
	Episode         *EpisodeSummary
}

// EpisodeSummary is sent with the step that ends an episode.
type EpisodeSummary struct {
	Episode     int
	Steps       int
	Reward      float64
	ReachedGoal bool
	MeanError   float64
	Collapses   int
	Level       improve.Level
	Remedy      improve.Remedy
	Reason      string
}

func num(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

func integer(s *structpb.Struct, key string) int {
	return int(math.Round(num(s, key)))
}

func boolean(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func object(s *structpb.Struct, key string) *structpb.Struct {
	return s.GetFields()[key].GetStructValue()
}

func decodePosition(s *structpb.Struct) grid.Position {
	return grid.Position{X: integer(s, "x"), Y: integer(s, "y")}
}

func decodeObservation(s *structpb.Struct) grid.Observation {
	o := grid.Observation{
		Position:   decodePosition(object(s, "position")),
		Step:       integer(s, "step"),
		LastReward: num(s, "last_reward"),
		Bumped:     boolean(s, "bumped"),
		Done:       boolean(s, "done"),
		Width:      integer(s, "width"),
		Height:     integer(s, "height"),
		Visible:    make(map[grid.Position]grid.Terrain),
	}
	for _, v := range s.GetFields()["visible"].GetListValue().GetValues() {
		c := v.GetStructValue()
		o.Visible[decodePosition(c)] = grid.Terrain(str(c, "terrain"))
	}
	return o
}

func decodeStep(s *structpb.Struct) (StepReply, error) {
	a, err := grid.ParseAction(str(s, "action"))
	if err != nil {
		return StepReply{}, fmt.Errorf("decode step: %w", err)
	}
	r := StepReply{
		Observation:     decodeObservation(object(s, "observation")),
		Action:          a,
		Reward:          num(s, "reward"),
		Done:            boolean(s, "done"),
		PredictionError: num(s, "prediction_error"),
		Predicted:       boolean(s, "predicted"),
		Fallback:        boolean(s, "fallback"),
		Warning:         str(s, "warning"),
	}
	if ep := object(s, "episode"); ep != nil {
		r.Episode = &EpisodeSummary{
			Episode:     integer(ep, "episode"),
			Steps:       integer(ep, "steps"),
			Reward:      num(ep, "reward"),
			ReachedGoal: boolean(ep, "reached_goal"),
			MeanError:   num(ep, "mean_error"),
			Collapses:   integer(ep, "collapses"),
			Level:       improve.Level(integer(ep, "level")),
			Remedy:      improve.Remedy(str(ep, "remedy")),
			Reason:      str(ep, "reason"),
		}
	}
	return r, nil
}

func decodeDiagnostics(s *structpb.Struct) sim.Diagnostics {
	w := object(s, "weights")
	return sim.Diagnostics{
		RunID:            str(s, "run_id"),
		Episode:          integer(s, "episode"),
		Step:             integer(s, "step"),
		Position:         decodePosition(object(s, "position")),
		BeliefEntropy:    num(s, "belief_entropy"),
		BeliefMAP:        decodePosition(object(s, "belief_map")),
		CausalConfidence: num(s, "causal_confidence"),
		ImprovementLevel: improve.Level(integer(s, "improvement_level")),
		LastWarning:      str(s, "last_warning"),
		Weights: policy.Weights{
			RewardScale:    num(w, "reward_scale"),
			ProximityScale: num(w, "proximity_scale"),
			Discount:       num(w, "discount"),
			Temperature:    num(w, "temperature"),
		},
	}
}

// parseAction reads the "action" field of a Step request. A missing field,
// "" or "auto" lets the engine choose; names and indices are accepted.
func parseAction(req *structpb.Struct) (grid.Action, bool, error) {
	v, ok := req.GetFields()["action"]
	if !ok || v.GetKind() == nil {
		return 0, true, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		if k.StringValue == "" || k.StringValue == "auto" {
			return 0, true, nil
		}
		a, err := grid.ParseAction(k.StringValue)
		return a, false, err
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f != math.Trunc(f) {
			return 0, false, fmt.Errorf("%w: %v", grid.ErrInvalidAction, f)
		}
		return grid.Action(int(f)), false, nil
	case *structpb.Value_NullValue:
		return 0, true, nil
	}
	return 0, false, fmt.Errorf("%w: unsupported action value", grid.ErrInvalidAction)
}

// #endregion decode
