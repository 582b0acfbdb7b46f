package causal

import (
	"errors"

	"github.com/danielpatrickdp/gridmind/internal/grid"
)

// #region errors

// ErrInsufficientData is returned by Predict until the model has absorbed
// MinObservations transitions. Callers retry after more steps.
var ErrInsufficientData = errors.New("insufficient data for prediction")

// #endregion errors

// #region config

// Config holds window and estimation parameters for the world model.
type Config struct {
	Window                int     // transitions kept for re-estimation
	Alpha                 float64 // EW weight of each new transition
	MinObservations       int     // Predict fails below this many absorbed transitions
	AgreeTolerance        float64 // max |delta strength| counted as agreement
	ConfidenceGain        float64 // added on agreement
	ConfidenceDecay       float64 // multiplied on disagreement
	LowConfidence         float64 // edges below this are revised at level 3
	PruneBelow            float64 // |strength| under this is prunable at level 4
	MinConfidenceForPrune float64 // pruning needs this much evidence
	GoalRewardPrior       float64 // reward assumed for a visible goal never entered
}

// DefaultConfig returns sensible defaults for a small grid.
func DefaultConfig() Config {
	return Config{
		Window:                64,
		Alpha:                 0.1,
		MinObservations:       5,
		AgreeTolerance:        0.15,
		ConfidenceGain:        0.1,
		ConfidenceDecay:       0.5,
		LowConfidence:         0.2,
		PruneBelow:            0.05,
		MinConfidenceForPrune: 0.3,
		GoalRewardPrior:       1.0,
	}
}

// #endregion config

// #region transition

// Transition is one (observation, action, next observation) triple.
type Transition struct {
	From   grid.Observation
	Action grid.Action
	To     grid.Observation
}

// #endregion transition

// #region prediction

// Outcome is one possible result of taking an action.
type Outcome struct {
	Position grid.Position
	Reward   float64
	Bumped   bool
	Prob     float64
}

// Prediction is a distribution over outcomes. Probabilities sum to 1.
type Prediction struct {
	Action   grid.Action
	Outcomes []Outcome
	Observed bool // true when drawn from transition memory rather than generalized
}

// ProbOf returns the probability assigned to ending at p.
func (p Prediction) ProbOf(pos grid.Position) float64 {
	var sum float64
	for _, o := range p.Outcomes {
		if o.Position == pos {
			sum += o.Prob
		}
	}
	return sum
}

// ExpectedReward returns the probability-weighted reward.
func (p Prediction) ExpectedReward() float64 {
	var sum float64
	for _, o := range p.Outcomes {
		sum += o.Prob * o.Reward
	}
	return sum
}

// #endregion prediction

// #region reward-profile

// RewardProfile summarizes what the model expects to be paid where.
type RewardProfile struct {
	Baseline float64 // mean reward of ordinary cells
	Goal     float64 // expected reward of a goal cell
}

// #endregion reward-profile
