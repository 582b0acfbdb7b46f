package logging

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS improvement_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	episode       INTEGER NOT NULL,
	from_level    INTEGER NOT NULL,
	to_level      INTEGER NOT NULL,
	remedy        TEXT NOT NULL,
	failed        INTEGER NOT NULL,
	signals_json  TEXT,
	reason        TEXT,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_improvement_log_run ON improvement_log(run_id, episode);
`

// EnsureSchema creates the improvement_log table.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("improvement log schema: %w", err)
	}
	return nil
}

// #endregion schema

// #region log-decision
// LogDecision writes one controller decision to the improvement_log table.
func LogDecision(ctx context.Context, db *sql.DB, entry DecisionEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO improvement_log (run_id, episode, from_level, to_level, remedy, failed, signals_json, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.Episode,
		entry.FromLevel,
		entry.ToLevel,
		entry.Remedy,
		boolInt(entry.Failed),
		nullIfEmpty(entry.SignalsJSON),
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// #endregion log-decision

// #region list-decisions
// ListDecisions returns the most recent decisions of a run, newest first.
func ListDecisions(ctx context.Context, db *sql.DB, runID string, limit int) ([]DecisionEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, episode, from_level, to_level, remedy, failed, signals_json, reason, created_at
		 FROM improvement_log WHERE run_id = ? ORDER BY id DESC LIMIT ?`, runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionEntry
	for rows.Next() {
		var e DecisionEntry
		var failed int
		var signals, reason sql.NullString
		var created string
		if err := rows.Scan(&e.RunID, &e.Episode, &e.FromLevel, &e.ToLevel, &e.Remedy, &failed, &signals, &reason, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.Failed = failed != 0
		e.SignalsJSON = signals.String
		e.Reason = reason.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion list-decisions

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion helpers
