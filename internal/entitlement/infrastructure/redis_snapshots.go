// Package infrastructure provides persistence adapters for the
// entitlement cache.
package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/storeflow/internal/backend"
)

// DefaultSnapshotTTL bounds how long a persisted snapshot outlives the
// sync that produced it.
const DefaultSnapshotTTL = 7 * 24 * time.Hour

// RedisSnapshotStore persists entitlement payloads in Redis so a
// restarted engine can serve reads before its first sync.
type RedisSnapshotStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSnapshotStore creates a store namespaced under prefix.
func NewRedisSnapshotStore(client redis.UniversalClient, prefix string) *RedisSnapshotStore {
	if prefix == "" {
		prefix = "storeflow"
	}
	return &RedisSnapshotStore{
		client: client,
		prefix: prefix,
		ttl:    DefaultSnapshotTTL,
	}
}

// WithTTL overrides the snapshot expiry.
func (s *RedisSnapshotStore) WithTTL(ttl time.Duration) *RedisSnapshotStore {
	s.ttl = ttl
	return s
}

func (s *RedisSnapshotStore) key(customerID uuid.UUID) string {
	return fmt.Sprintf("%s:entitlements:%s", s.prefix, customerID)
}

// Save stores the customer's entitlement payloads.
func (s *RedisSnapshotStore) Save(ctx context.Context, customerID uuid.UUID, payloads []backend.EntitlementPayload) error {
	body, err := json.Marshal(payloads)
	if err != nil {
		return fmt.Errorf("encode entitlement snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(customerID), body, s.ttl).Err(); err != nil {
		return fmt.Errorf("store entitlement snapshot: %w", err)
	}
	return nil
}

// Load returns the last stored payloads; nil when none exist.
func (s *RedisSnapshotStore) Load(ctx context.Context, customerID uuid.UUID) ([]backend.EntitlementPayload, error) {
	body, err := s.client.Get(ctx, s.key(customerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load entitlement snapshot: %w", err)
	}
	var payloads []backend.EntitlementPayload
	if err := json.Unmarshal(body, &payloads); err != nil {
		return nil, fmt.Errorf("decode entitlement snapshot: %w", err)
	}
	return payloads, nil
}

// Delete removes the customer's snapshot.
func (s *RedisSnapshotStore) Delete(ctx context.Context, customerID uuid.UUID) error {
	if err := s.client.Del(ctx, s.key(customerID)).Err(); err != nil {
		return fmt.Errorf("delete entitlement snapshot: %w", err)
	}
	return nil
}
