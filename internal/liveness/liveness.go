// Package liveness talks to the external store the execution engine uses to
// track in-flight runs. An entry keyed by a run ID is proof the engine still
// holds state for that run, regardless of how old the run looks in the
// database.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Store is the read/scan/delete surface the oracle and reconciler need.
type Store interface {
	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Scan calls fn for each key matching pattern. If fn returns ErrStopScan
	// the scan ends early without error.
	Scan(ctx context.Context, pattern string, fn func(key string) error) error
	// SMembers returns the members of a set key; empty when the key is absent.
	SMembers(ctx context.Context, key string) ([]string, error)
	// Delete removes the given keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// ErrStopScan ends a Scan early from inside the callback.
var ErrStopScan = errors.New("stop scan")

const scanCount = 100

// RedisStore implements Store on a Redis connection.
type RedisStore struct {
	client *redis.Client
}

// Open connects to the liveness store at the given redis:// URL.
func Open(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisStore) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	iter := r.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return iter.Err()
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return members, nil
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return r.client.Del(ctx, keys...).Result()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Keys builds the key names and scan patterns the execution engine uses. The
// braces are hash tags; workspace-scoped keys embed the workspace inside the
// tag, which is why the scan patterns carry a wildcard there.
type Keys struct {
	Prefix string
}

// PauseRun is the global run→pauses mapping key for a run.
func (k Keys) PauseRun(runID string) string {
	return fmt.Sprintf("{%s}:pr:%s", k.Prefix, runID)
}

// PauseRunPattern matches every run→pauses mapping key.
func (k Keys) PauseRunPattern() string {
	return fmt.Sprintf("{%s}:pr:*", k.Prefix)
}

// Pause is the key holding one pause record.
func (k Keys) Pause(pauseID string) string {
	return fmt.Sprintf("{%s}:pauses:%s", k.Prefix, pauseID)
}

// MetadataPattern matches the workspace-scoped metadata keys for a run.
func (k Keys) MetadataPattern(runID string) string {
	return fmt.Sprintf("{%s:*}:metadata:%s", k.Prefix, runID)
}

// MetadataScanPattern matches every workspace-scoped metadata key.
func (k Keys) MetadataScanPattern() string {
	return fmt.Sprintf("{%s:*}:metadata:*", k.Prefix)
}

// StackPattern matches the workspace-scoped stack keys for a run.
func (k Keys) StackPattern(runID string) string {
	return fmt.Sprintf("{%s:*}:stack:%s", k.Prefix, runID)
}

// RunIDFromKey extracts the run identifier from a liveness key: the segment
// after the last colon.
func RunIDFromKey(key string) (string, bool) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 || i == len(key)-1 {
		return "", false
	}
	return key[i+1:], true
}
