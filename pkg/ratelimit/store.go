package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys for shared budget state.
const (
	RedisKeyRemaining      = "geodig:quota:remaining"
	RedisKeyResetTimestamp = "geodig:quota:reset_timestamp"
	RedisKeyLastUpdate     = "geodig:quota:last_update"
)

// Store persists the Budget between admissions. The default in-memory
// store is private to one process; the Redis store shares the budget
// across processes, which matters because the upstream quota is per
// source IP, not per process.
type Store interface {
	Load(ctx context.Context) (Budget, error)
	Save(ctx context.Context, b Budget) error
}

// MemoryStore keeps the budget in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	budget Budget
	loaded bool
}

// NewMemoryStore returns an in-memory budget store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the stored budget, or a full default window if nothing
// has been saved yet.
func (s *MemoryStore) Load(_ context.Context) (Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return Budget{
			Remaining: DefaultWindowLimit,
			ResetAt:   time.Now().Add(DefaultWindow),
		}, nil
	}
	return s.budget, nil
}

// Save stores the budget.
func (s *MemoryStore) Save(_ context.Context, b Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget = b
	s.loaded = true
	return nil
}

// RedisStore shares the budget across processes via Redis.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore returns a Redis-backed budget store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

// Load retrieves the budget from Redis. Returns a full default window if
// no state exists yet.
func (s *RedisStore) Load(ctx context.Context) (Budget, error) {
	remaining, err := s.redis.Get(ctx, RedisKeyRemaining).Int()
	if err != nil && err != redis.Nil {
		return Budget{}, fmt.Errorf("get quota remaining: %w", err)
	}

	resetTimestamp, err := s.redis.Get(ctx, RedisKeyResetTimestamp).Int64()
	if err != nil && err != redis.Nil {
		return Budget{}, fmt.Errorf("get quota reset timestamp: %w", err)
	}

	lastUpdateStr, err := s.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return Budget{}, fmt.Errorf("get quota last update: %w", err)
	}

	if err == redis.Nil {
		return Budget{
			Remaining: DefaultWindowLimit,
			ResetAt:   time.Now().Add(DefaultWindow),
		}, nil
	}

	var lastUpdate time.Time
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return Budget{}, fmt.Errorf("parse quota last update: %w", err)
		}
	}

	return Budget{
		Remaining:  remaining,
		ResetAt:    time.Unix(resetTimestamp, 0),
		LastUpdate: lastUpdate,
	}, nil
}

// Save stores the budget in Redis.
func (s *RedisStore) Save(ctx context.Context, b Budget) error {
	lastUpdateJSON, err := json.Marshal(b.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal quota last update: %w", err)
	}

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, RedisKeyRemaining, b.Remaining, 0)
	pipe.Set(ctx, RedisKeyResetTimestamp, b.ResetAt.Unix(), 0)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store quota state in redis: %w", err)
	}
	return nil
}
