package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL is how long a create submission key is remembered.
const DefaultDedupeTTL = 24 * time.Hour

// Deduper records create submissions so a resent form is not created twice.
type Deduper interface {
	// Add records key for the user and reports whether it was new.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove forgets key so the submission may be retried.
	Remove(ctx context.Context, userID, key string) error
}

// RedisDeduper shares submission keys between gateway instances. Each key
// holds the time it was first seen and expires on its own.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisDeduper returns a deduper backed by rdb. A non-positive ttl uses
// DefaultDedupeTTL.
func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func dedupeKey(userID, key string) string {
	return "taskboard:submission:" + userID + ":" + key
}

func (r *RedisDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	seen := time.Now().UTC().Format(time.RFC3339)
	err := r.rdb.SetArgs(ctx, dedupeKey(userID, key), seen, redis.SetArgs{Mode: "NX", TTL: r.ttl}).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	}
	return false, fmt.Errorf("record submission %s: %w", key, err)
}

func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	if err := r.rdb.Del(ctx, dedupeKey(userID, key)).Err(); err != nil {
		return fmt.Errorf("forget submission %s: %w", key, err)
	}
	return nil
}

// MemoryDeduper keeps submission keys in process.
type MemoryDeduper struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryDeduper creates an in-process deduper.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &MemoryDeduper{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (m *MemoryDeduper) Add(_ context.Context, userID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, k)
		}
	}
	k := dedupeKey(userID, key)
	if _, ok := m.seen[k]; ok {
		return false, nil
	}
	m.seen[k] = now.Add(m.ttl)
	return true, nil
}

func (m *MemoryDeduper) Remove(_ context.Context, userID, key string) error {
	m.mu.Lock()
	delete(m.seen, dedupeKey(userID, key))
	m.mu.Unlock()
	return nil
}
