package logging

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/gridmind/internal/improve"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// #endregion helpers

// #region logger-tests
func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace": LevelTrace,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerTraceLabel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("trace", FormatText, &buf)
	logger.Log(context.Background(), LevelTrace, "step", StepKey, 3)
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("expected TRACE label, got %q", buf.String())
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(NewLogger("info", FormatJSON, &buf), "sim")
	logger.Debug("hidden")
	logger.Info("episode done", EpisodeKey, 2)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if line[ComponentKey] != "sim" || line[EpisodeKey] != float64(2) {
		t.Errorf("unexpected fields: %v", line)
	}
}

// #endregion logger-tests

// #region log-decision-tests
func TestLogDecisionAndList(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	entries := []DecisionEntry{
		{RunID: "r1", Episode: 1, FromLevel: 1, ToLevel: 1, Remedy: "tune_parameters", Failed: true, Reason: "failure 1 of 2"},
		{RunID: "r1", Episode: 2, FromLevel: 1, ToLevel: 2, Remedy: "recalibrate_beliefs", Failed: true,
			SignalsJSON: `{"error":0.9}`, CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{RunID: "r2", Episode: 1, FromLevel: 1, ToLevel: 1, Remedy: "none"},
	}
	for _, e := range entries {
		if err := LogDecision(ctx, db, e); err != nil {
			t.Fatalf("LogDecision: %v", err)
		}
	}

	got, err := ListDecisions(ctx, db, "r1", 10)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 decisions for r1, got %d", len(got))
	}
	if got[0].Episode != 2 || got[0].ToLevel != 2 || got[0].SignalsJSON != `{"error":0.9}` {
		t.Errorf("unexpected newest decision: %+v", got[0])
	}
	if !got[0].CreatedAt.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("created_at not preserved: %v", got[0].CreatedAt)
	}
	if got[1].SignalsJSON != "" || got[1].Reason != "failure 1 of 2" {
		t.Errorf("nullable columns mishandled: %+v", got[1])
	}
}

func TestLogDecisionMissingTable(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := LogDecision(context.Background(), db, DecisionEntry{RunID: "r"}); err == nil {
		t.Error("expected error without schema")
	}
}

// #endregion log-decision-tests

// #region decision-log-tests
func TestDecisionLogRecord(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	dl, err := NewDecisionLog(db)
	if err != nil {
		t.Fatalf("NewDecisionLog: %v", err)
	}

	rec := improve.EpisodeRecord{Episode: 4, Error: 0.8, Reward: -0.3, Collapses: 1, Steps: 50}
	d := improve.Decision{
		Episode: 4, From: improve.LevelBeliefRecalibration, To: improve.LevelCausalEdgeRevision,
		Failed: true, Remedy: improve.RemedyReviseEdges, Reason: "escalate",
		Metrics: []improve.Metric{{Name: "prediction_error", Value: 0.8}},
		Signals: improve.Signals{ErrorZScore: 1.5},
	}
	if err := dl.Record(ctx, "r1", rec, d); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := dl.Recent(ctx, "r1", 5)
	if err != nil || len(got) != 1 {
		t.Fatalf("Recent: %v (%d rows)", err, len(got))
	}
	if got[0].FromLevel != 2 || got[0].ToLevel != 3 || got[0].Remedy != "revise_edges" || !got[0].Failed {
		t.Errorf("unexpected row %+v", got[0])
	}
	var dr DecisionRecord
	if err := json.Unmarshal([]byte(got[0].SignalsJSON), &dr); err != nil {
		t.Fatalf("signals json: %v", err)
	}
	if dr.Metrics["prediction_error"] != 0.8 || dr.ErrorZScore != 1.5 || dr.Steps != 50 {
		t.Errorf("unexpected decision record %+v", dr)
	}
}

// #endregion decision-log-tests
