package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// #region redis-store
// RedisOptions configures the Redis connection.
type RedisOptions struct {
	URL            string        // e.g. "redis://localhost:6379/0"
	Prefix         string        // key prefix, default "gridmind"
	TTL            time.Duration // 0 = checkpoints never expire
	HistoryLimit   int64         // version IDs kept per run
	ConnectTimeout time.Duration
}

// RedisStore keeps the latest checkpoint of each run under
// <prefix>:checkpoint:<run> and a bounded list of version IDs under
// <prefix>:checkpoint:<run>:versions.
type RedisStore struct {
	client *redis.Client
	opts   RedisOptions
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = "gridmind"
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client, opts: opts}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(runID string) string {
	return fmt.Sprintf("%s:checkpoint:%s", s.opts.Prefix, runID)
}

func (s *RedisStore) versionsKey(runID string) string {
	return s.key(runID) + ":versions"
}

// #endregion redis-store

// #region redis-write
// Write replaces the run's checkpoint and records the version ID.
func (s *RedisStore) Write(ctx context.Context, runID string, snap Snapshot) error {
	prev, err := s.client.Get(ctx, s.key(runID)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return persistErr("write", runID, err)
	}
	if len(prev) > 0 {
		var p Snapshot
		if json.Unmarshal(prev, &p) == nil {
			snap.ParentID = p.VersionID
		}
	}

	snap.RunID = runID
	snap.VersionID = uuid.New().String()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return persistErr("write", runID, fmt.Errorf("marshal snapshot: %w", err))
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(runID), data, s.opts.TTL)
	pipe.LPush(ctx, s.versionsKey(runID), snap.VersionID)
	pipe.LTrim(ctx, s.versionsKey(runID), 0, s.opts.HistoryLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return persistErr("write", runID, err)
	}
	return nil
}

// #endregion redis-write

// #region redis-read
// Read returns the run's latest checkpoint, or ErrNotFound.
func (s *RedisStore) Read(ctx context.Context, runID string) (Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, persistErr("read", runID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, persistErr("read", runID, fmt.Errorf("unmarshal snapshot: %w", err))
	}
	return snap, nil
}

// Versions returns the recorded version IDs of a run, newest first.
func (s *RedisStore) Versions(ctx context.Context, runID string) ([]string, error) {
	ids, err := s.client.LRange(ctx, s.versionsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, persistErr("list", runID, err)
	}
	return ids, nil
}

// #endregion redis-read
