package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/gridmind/internal/grid"
	"github.com/danielpatrickdp/gridmind/internal/improve"
)

// #region fixture-tests

// TestFixture_ScriptedSession replays hand-driven episodes and checks each
// episode's outcome and escalation against the recorded expectations.
func TestFixture_ScriptedSession(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "scripted_session.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}

	results, err := ReplayFixture(context.Background(), f)
	if err != nil {
		t.Fatalf("ReplayFixture: %v", err)
	}
	for _, m := range f.Check(results) {
		t.Error(m)
	}
	for i, r := range results {
		if r.Scripted != len(f.Episodes[i].Actions) {
			t.Errorf("episode %d: scripted=%d, want %d", r.Episode, r.Scripted, len(f.Episodes[i].Actions))
		}
	}
}

// TestFixture_PolicySession lets the policy drive both episodes. Once the
// model has seen one episode the second has to follow a shortest path.
func TestFixture_PolicySession(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "policy_session.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}

	results, err := ReplayFixture(context.Background(), f)
	if err != nil {
		t.Fatalf("ReplayFixture: %v", err)
	}
	for _, m := range f.Check(results) {
		t.Error(m)
	}
	if len(results) == 2 {
		for i, a := range results[1].Actions {
			if a != grid.ActionDown && a != grid.ActionRight {
				t.Errorf("episode 2 step %d: %s is not on a shortest path", i+1, a)
			}
		}
	}
}

func TestLoadFixture_Errors(t *testing.T) {
	if _, err := LoadFixture(filepath.Join("testdata", "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFixture(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestFixture_UnknownAction(t *testing.T) {
	f := &Fixture{Episodes: []FixtureEpisode{{Actions: []string{"right", "jump"}}}}
	if _, err := f.Scripts(); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

// #endregion fixture-tests

// #region export-tests

// TestFromResults_RoundTrip records a policy run as a fixture, saves it and
// checks that replaying the saved fixture reproduces it exactly.
func TestFromResults_RoundTrip(t *testing.T) {
	src, err := LoadFixture(filepath.Join("testdata", "policy_session.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	ctx := context.Background()
	results, err := ReplayFixture(ctx, src)
	if err != nil {
		t.Fatalf("ReplayFixture: %v", err)
	}

	rec := FromResults("recorded", src.Config, results)
	if len(rec.Episodes) != 2 || len(rec.ExpectedResults) != 2 {
		t.Fatalf("expected 2 episodes, got %d/%d", len(rec.Episodes), len(rec.ExpectedResults))
	}
	path := filepath.Join(t.TempDir(), "recorded.json")
	if err := rec.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	again, err := ReplayFixture(ctx, loaded)
	if err != nil {
		t.Fatalf("ReplayFixture: %v", err)
	}
	for _, m := range loaded.Check(again) {
		t.Error(m)
	}
	for i := range again {
		if again[i].Scripted != again[i].Steps {
			t.Errorf("episode %d: %d of %d steps scripted", again[i].Episode, again[i].Scripted, again[i].Steps)
		}
	}
}

func TestCheck_ReportsMismatches(t *testing.T) {
	reward := 0.5
	f := &Fixture{ExpectedResults: []FixtureExpectedResult{
		{Episode: 1, Steps: 8, Reward: &reward, ReachedGoal: true, Level: 2, Remedy: "revise_edges"},
	}}
	results := []Result{{
		Episode: 1, Steps: 9, Reward: 0.4, ReachedGoal: false,
		Level: improve.LevelParametricTuning, Remedy: improve.RemedyTune,
	}}
	if got := f.Check(results); len(got) != 5 {
		t.Errorf("expected 5 mismatches, got %d: %v", len(got), got)
	}
	if got := f.Check(nil); len(got) != 1 {
		t.Errorf("expected count mismatch only, got %v", got)
	}
}

func TestFixtureConfigFrom_RoundTrip(t *testing.T) {
	src, err := LoadFixture(filepath.Join("testdata", "scripted_session.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	cfg := src.Config.ToEngineConfig()
	fc := FixtureConfigFrom(cfg)
	if fc.Thresholds[3] != -1 || fc.Patience[4] != 1 {
		t.Errorf("thresholds/patience lost: %v %v", fc.Thresholds, fc.Patience)
	}
	if _, ok := fc.Patience[int(improve.MaxLevel)]; ok {
		t.Errorf("level 5 has no patience, got %v", fc.Patience)
	}
	back := fc.ToEngineConfig()
	if back.Grid.MaxSteps != 10 || back.Grid.ViewRadius != -1 {
		t.Errorf("grid settings lost: %+v", back.Grid)
	}
	if back.Improvement.Rules[improve.LevelFullReset].Remedy != improve.RemedyFullReset {
		t.Error("remedies must come from the default table")
	}
}

// #endregion export-tests
