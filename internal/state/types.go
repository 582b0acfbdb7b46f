package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/gridmind/internal/causal"
	"github.com/danielpatrickdp/gridmind/internal/improve"
	"github.com/danielpatrickdp/gridmind/internal/policy"
)

// #region errors
// ErrNotFound is returned by Read when a run has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// PersistenceError wraps an I/O failure of a checkpoint store. The
// simulation logs it and keeps running.
type PersistenceError struct {
	Op    string // "write", "read", "rollback", "list"
	RunID string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint %s for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op, runID string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, RunID: runID, Err: err}
}

// #endregion errors

// #region snapshot
// Snapshot is the persisted part of a run: graph, policy weights and
// controller state. Episode-scoped state is never checkpointed.
type Snapshot struct {
	RunID      string         `json:"run_id"`
	VersionID  string         `json:"version_id,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	Episode    int            `json:"episode"`
	Graph      *causal.Graph  `json:"graph"`
	Weights    policy.Weights `json:"weights"`
	Controller improve.State  `json:"controller"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Version describes one stored checkpoint without its payload.
type Version struct {
	VersionID string
	ParentID  string
	RunID     string
	Episode   int
	Level     improve.Level
	CreatedAt time.Time
}

// #endregion snapshot

// #region store
// Store is the checkpoint store contract.
type Store interface {
	Write(ctx context.Context, runID string, snap Snapshot) error
	Read(ctx context.Context, runID string) (Snapshot, error)
}

// #endregion store
