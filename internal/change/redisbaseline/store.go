// Package redisbaseline stores change-detection baselines in Redis.
package redisbaseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/goharvest/internal/change"
)

// keyPrefix namespaces baseline keys.
const keyPrefix = "goharvest:baseline:"

// Store implements change.BaselineStore on a Redis client.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

var _ change.BaselineStore = (*Store)(nil)

// New returns a Store. A zero ttl keeps baselines forever.
func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Load fetches the baseline for key.
func (s *Store) Load(ctx context.Context, key string) (change.Baseline, bool, error) {
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return change.Baseline{}, false, nil
	}
	if err != nil {
		return change.Baseline{}, false, fmt.Errorf("get baseline: %w", err)
	}

	var baseline change.Baseline
	if err := json.Unmarshal(data, &baseline); err != nil {
		return change.Baseline{}, false, fmt.Errorf("unmarshal baseline: %w", err)
	}
	return baseline, true, nil
}

// Save replaces the baseline for key.
func (s *Store) Save(ctx context.Context, key string, baseline change.Baseline) error {
	data, err := json.Marshal(baseline)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set baseline: %w", err)
	}
	return nil
}
