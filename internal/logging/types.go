package logging

import "time"

// #region decision-entry
// DecisionEntry is a single row in the improvement_log table.
type DecisionEntry struct {
	RunID       string
	Episode     int
	FromLevel   int
	ToLevel     int
	Remedy      string
	Failed      bool
	SignalsJSON string // controller metrics and trend signals at decision time
	Reason      string
	CreatedAt   time.Time
}

// #endregion decision-entry

// #region decision-record
// DecisionRecord is serialized into improvement_log.signals_json so a
// decision can be re-derived offline.
type DecisionRecord struct {
	Error       float64            `json:"error"`
	Reward      float64            `json:"reward"`
	Collapses   int                `json:"collapses"`
	Steps       int                `json:"steps"`
	RewardSlope float64            `json:"reward_slope"`
	MeanError   float64            `json:"mean_error"`
	ErrorZScore float64            `json:"error_zscore"`
	Metrics     map[string]float64 `json:"metrics"`
}

// #endregion decision-record
