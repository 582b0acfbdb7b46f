package grid

import (
	"errors"
	"reflect"
	"testing"
)

func newWorld(t *testing.T, cfg Config) *World {
	t.Helper()
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

// #region test-reset
func TestResetStartsAtStart(t *testing.T) {
	w := newWorld(t, DefaultConfig())
	obs := w.Reset()
	if obs.Position != (Position{0, 0}) {
		t.Fatalf("expected start (0,0), got %s", obs.Position)
	}
	if obs.Step != 0 || obs.Done {
		t.Fatalf("unexpected reset observation: %+v", obs)
	}
	// radius 1 in a corner sees a 2x2 block
	if len(obs.Visible) != 4 {
		t.Fatalf("expected 4 visible cells, got %d", len(obs.Visible))
	}
}

// #endregion test-reset

// #region test-step
func TestStepMovesAndBumps(t *testing.T) {
	w := newWorld(t, DefaultConfig())
	w.Reset()

	obs, reward, done, err := w.Step(ActionUp)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !obs.Bumped || obs.Position != (Position{0, 0}) {
		t.Fatalf("expected bump at edge, got %+v", obs)
	}
	if reward != -0.01 || done {
		t.Fatalf("unexpected reward/done: %f %v", reward, done)
	}

	obs, _, _, _ = w.Step(ActionRight)
	if obs.Bumped || obs.Position != (Position{1, 0}) {
		t.Fatalf("expected move to (1,0), got %+v", obs)
	}
}

func TestWallBlocksMovement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cells = append(cfg.Cells, Cell{Pos: Position{1, 0}, Terrain: TerrainWall})
	w := newWorld(t, cfg)
	w.Reset()

	obs, _, _, err := w.Step(ActionRight)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if obs.Position != (Position{0, 0}) || !obs.Bumped {
		t.Fatalf("wall should block, got %+v", obs)
	}
}

func TestInvalidAction(t *testing.T) {
	w := newWorld(t, DefaultConfig())
	w.Reset()
	_, _, _, err := w.Step(Action(9))
	if !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
	// episode unaffected
	if w.Position() != (Position{0, 0}) || w.Done() {
		t.Fatal("invalid action must not change the episode")
	}
}

// #endregion test-step

// #region test-terminal
func TestTerminalIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Start = Position{4, 3}
	w := newWorld(t, cfg)
	w.Reset()

	terminal, reward, done, err := w.Step(ActionDown)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !done || reward != 1.0 {
		t.Fatalf("expected goal reached with reward 1, got done=%v reward=%f", done, reward)
	}

	for _, a := range Actions() {
		obs, r, d, err := w.Step(a)
		if err != nil {
			t.Fatalf("Step(%s) after done: %v", a, err)
		}
		if !d || r != 0 {
			t.Fatalf("Step(%s) after done: done=%v reward=%f", a, d, r)
		}
		if !reflect.DeepEqual(obs, terminal) {
			t.Fatalf("Step(%s) after done changed the observation", a)
		}
	}
}

func TestMaxStepsEndsEpisode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSteps = 3
	w := newWorld(t, cfg)
	w.Reset()
	var done bool
	for i := 0; i < 3; i++ {
		_, _, done, _ = w.Step(ActionStay)
	}
	if !done {
		t.Fatal("expected episode to end at max steps")
	}
}

// #endregion test-terminal

// #region test-stochastic
func TestSlipIsSeeded(t *testing.T) {
	run := func() []Position {
		cfg := DefaultConfig()
		cfg.SlipProb = 0.5
		cfg.Seed = 42
		w := newWorld(t, cfg)
		w.Reset()
		var path []Position
		for i := 0; i < 20; i++ {
			obs, _, done, _ := w.Step(ActionRight)
			path = append(path, obs.Position)
			if done {
				break
			}
		}
		return path
	}
	a, b := run(), run()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same seed produced different paths:\n%v\n%v", a, b)
	}
}

func TestFullVisibility(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ViewRadius = -1
	w := newWorld(t, cfg)
	obs := w.Reset()
	if len(obs.Visible) != 25 {
		t.Fatalf("expected 25 visible cells, got %d", len(obs.Visible))
	}
	if tr, ok := obs.Terrain(Position{4, 4}); !ok || tr != TerrainGoal {
		t.Fatalf("expected visible goal at (4,4), got %q %v", tr, ok)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Start = Position{9, 9}
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for start outside grid")
	}
	cfg = DefaultConfig()
	cfg.Width = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for zero width")
	}
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("Right")
	if err != nil || a != ActionRight {
		t.Fatalf("ParseAction(Right) = %v, %v", a, err)
	}
	if _, err := ParseAction("jump"); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

// #endregion test-stochastic
