package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/danielpatrickdp/gridmind/internal/improve"
)

// #region decision-log
// DecisionLog records controller decisions into improvement_log.
type DecisionLog struct {
	db *sql.DB
}

// NewDecisionLog creates the table if needed.
func NewDecisionLog(db *sql.DB) (*DecisionLog, error) {
	if err := EnsureSchema(db); err != nil {
		return nil, err
	}
	return &DecisionLog{db: db}, nil
}

// Record writes d for runID.
func (l *DecisionLog) Record(ctx context.Context, runID string, rec improve.EpisodeRecord, d improve.Decision) error {
	dr := DecisionRecord{
		Error:       rec.Error,
		Reward:      rec.Reward,
		Collapses:   rec.Collapses,
		Steps:       rec.Steps,
		RewardSlope: d.Signals.RewardSlope,
		MeanError:   d.Signals.MeanError,
		ErrorZScore: d.Signals.ErrorZScore,
		Metrics:     make(map[string]float64, len(d.Metrics)),
	}
	for _, m := range d.Metrics {
		dr.Metrics[m.Name] = m.Value
	}
	data, err := json.Marshal(dr)
	if err != nil {
		return fmt.Errorf("marshal decision record: %w", err)
	}
	return LogDecision(ctx, l.db, DecisionEntry{
		RunID:       runID,
		Episode:     d.Episode,
		FromLevel:   int(d.From),
		ToLevel:     int(d.To),
		Remedy:      string(d.Remedy),
		Failed:      d.Failed,
		SignalsJSON: string(data),
		Reason:      d.Reason,
	})
}

// Recent returns the latest decisions of runID.
func (l *DecisionLog) Recent(ctx context.Context, runID string, limit int) ([]DecisionEntry, error) {
	return ListDecisions(ctx, l.db, runID, limit)
}

// #endregion decision-log
