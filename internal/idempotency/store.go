// Package idempotency remembers completed de-identifications so a retried
// transform returns the output of the first successful one.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/phi-deid-engine/internal/phi"
)

// DefaultTTL bounds how long a result is replayable.
const DefaultTTL = 24 * time.Hour

// Result is a completed transform. Text is the de-identified output and
// never the original.
type Result struct {
	Text   string                     `json:"text"`
	Record phi.DeidentificationRecord `json:"record"`
}

// Store caches results per scan id. Put keeps the first result written and
// returns whichever one is stored.
type Store interface {
	Get(ctx context.Context, scanID string) (*Result, bool, error)
	Put(ctx context.Context, scanID string, result Result) (*Result, error)
}

// RedisStore keeps results under deid:<scan_id>.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if client == nil {
		panic("idempotency: redis client required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{redis: client, ttl: ttl}
}

func (s *RedisStore) key(scanID string) string {
	return "deid:" + scanID
}

func (s *RedisStore) Get(ctx context.Context, scanID string) (*Result, bool, error) {
	data, err := s.redis.Get(ctx, s.key(scanID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: get %s: %w", scanID, err)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false, fmt.Errorf("idempotency: decode %s: %w", scanID, err)
	}
	return &res, true, nil
}

func (s *RedisStore) Put(ctx context.Context, scanID string, result Result) (*Result, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("idempotency: encode %s: %w", scanID, err)
	}
	stored, err := s.redis.SetNX(ctx, s.key(scanID), data, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency: put %s: %w", scanID, err)
	}
	if stored {
		return &result, nil
	}
	existing, ok, err := s.Get(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Expired between SETNX and GET.
		return &result, nil
	}
	return existing, nil
}

// MemoryStore is the single-process fallback. Entries do not expire.
type MemoryStore struct {
	mu      sync.Mutex
	results map[string]Result
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]Result)}
}

func (s *MemoryStore) Get(_ context.Context, scanID string) (*Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[scanID]
	if !ok {
		return nil, false, nil
	}
	return &res, true, nil
}

func (s *MemoryStore) Put(_ context.Context, scanID string, result Result) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.results[scanID]; ok {
		return &existing, nil
	}
	s.results[scanID] = result
	return &result, nil
}
