package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/gridmind/internal/improve"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	version_id    TEXT PRIMARY KEY,
	parent_id     TEXT,
	run_id        TEXT NOT NULL,
	episode       INTEGER NOT NULL,
	level         INTEGER NOT NULL,
	payload       TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES checkpoints(version_id)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, created_at);

CREATE TABLE IF NOT EXISTS active_checkpoint (
	run_id        TEXT PRIMARY KEY,
	version_id    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES checkpoints(version_id)
);
`
// #endregion schema

// #region store-struct
// SQLiteStore keeps versioned checkpoints in SQLite. Every Write adds a
// version whose parent is the run's previous active version.
type SQLiteStore struct {
	db *sql.DB
}
// #endregion store-struct

// #region constructor
// NewSQLiteStore opens a SQLite database and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// OpenDB opens a SQLite database with WAL and foreign keys enabled. The
// graph provider and the provenance log share it with the checkpoint store.
func OpenDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dbPath == ":memory:" {
		// each pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	return db, nil
}
// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for use by other packages (graph, logging).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}
// #endregion db-accessor

// #region write
// Write inserts a new version and moves the run's active pointer atomically.
func (s *SQLiteStore) Write(ctx context.Context, runID string, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("write", runID, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	var parent sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT version_id FROM active_checkpoint WHERE run_id = ?`, runID).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return persistErr("write", runID, fmt.Errorf("get active: %w", err))
	}

	snap.RunID = runID
	snap.VersionID = uuid.New().String()
	snap.ParentID = parent.String
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return persistErr("write", runID, fmt.Errorf("marshal snapshot: %w", err))
	}

	var parentPtr interface{}
	if parent.Valid {
		parentPtr = parent.String
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (version_id, parent_id, run_id, episode, level, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.VersionID, parentPtr, runID, snap.Episode, int(snap.Controller.Level), string(payload),
		snap.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return persistErr("write", runID, fmt.Errorf("insert version: %w", err))
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO active_checkpoint (run_id, version_id) VALUES (?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET version_id = excluded.version_id`,
		runID, snap.VersionID,
	)
	if err != nil {
		return persistErr("write", runID, fmt.Errorf("set active: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return persistErr("write", runID, fmt.Errorf("commit: %w", err))
	}
	return nil
}
// #endregion write

// #region read
// Read returns the run's active checkpoint, or ErrNotFound.
func (s *SQLiteStore) Read(ctx context.Context, runID string) (Snapshot, error) {
	var versionID string
	err := s.db.QueryRowContext(ctx, `SELECT version_id FROM active_checkpoint WHERE run_id = ?`, runID).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, persistErr("read", runID, fmt.Errorf("get active: %w", err))
	}
	return s.ReadVersion(ctx, versionID)
}

// ReadVersion returns a specific checkpoint by version ID.
func (s *SQLiteStore) ReadVersion(ctx context.Context, versionID string) (Snapshot, error) {
	var runID, payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, payload FROM checkpoints WHERE version_id = ?`, versionID,
	).Scan(&runID, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("version %s: %w", versionID, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, persistErr("read", runID, fmt.Errorf("get version %s: %w", versionID, err))
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return Snapshot{}, persistErr("read", runID, fmt.Errorf("unmarshal snapshot: %w", err))
	}
	return snap, nil
}
// #endregion read

// #region rollback
// Rollback points the run's active checkpoint at an earlier version of the
// same run.
func (s *SQLiteStore) Rollback(ctx context.Context, runID, versionID string) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkpoints WHERE version_id = ? AND run_id = ?`, versionID, runID,
	).Scan(&exists)
	if err != nil {
		return persistErr("rollback", runID, fmt.Errorf("check version: %w", err))
	}
	if exists == 0 {
		return fmt.Errorf("version %s of run %s: %w", versionID, runID, ErrNotFound)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE active_checkpoint SET version_id = ? WHERE run_id = ?`, versionID, runID)
	if err != nil {
		return persistErr("rollback", runID, err)
	}
	return nil
}
// #endregion rollback

// #region list-versions
// ListVersions returns the most recent checkpoints of a run, newest first.
func (s *SQLiteStore) ListVersions(ctx context.Context, runID string, limit int) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version_id, parent_id, run_id, episode, level, created_at
		 FROM checkpoints WHERE run_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, runID, limit,
	)
	if err != nil {
		return nil, persistErr("list", runID, err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		var parentID sql.NullString
		var level int
		var createdStr string
		if err := rows.Scan(&v.VersionID, &parentID, &v.RunID, &v.Episode, &level, &createdStr); err != nil {
			return nil, persistErr("list", runID, fmt.Errorf("scan row: %w", err))
		}
		v.ParentID = parentID.String
		v.Level = improve.Level(level)
		v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListRuns returns every run with an active checkpoint.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM active_checkpoint ORDER BY run_id`)
	if err != nil {
		return nil, persistErr("list", "*", err)
	}
	defer rows.Close()
	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistErr("list", "*", err)
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}
// #endregion list-versions
