// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/opexlabs/opex-node/bundle"
	"github.com/redis/go-redis/v9"
)

var ErrStatusNotFound = errors.New("status not found")

// StatusRecord is the latest known state of an execution request.
type StatusRecord struct {
	RequestID string        `json:"requestId"`
	Status    bundle.Status `json:"status"`
	BundleID  string        `json:"bundleId,omitempty"`
	Slot      uint64        `json:"slot,omitempty"`
	Error     string        `json:"error,omitempty"`
	Attempts  uint64        `json:"attempts"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

type StatusCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewStatusCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *StatusCache {
	return &StatusCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (r *StatusCache) statusKey(requestID string) string {
	return r.keyPrefix + "status:" + requestID
}

func (r *StatusCache) attemptsKey(requestID string) string {
	return r.keyPrefix + "attempts:" + requestID
}

// Set stores record, attempts are kept from IncAttempts.
func (r *StatusCache) Set(ctx context.Context, record StatusRecord) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.statusKey(record.RequestID), data, r.expireDuration).Err()
}

func (r *StatusCache) Get(ctx context.Context, requestID string) (*StatusRecord, error) {
	data, err := r.client.Get(ctx, r.statusKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStatusNotFound
	} else if err != nil {
		return nil, err
	}
	var record StatusRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	attempts, err := r.client.Get(ctx, r.attemptsKey(requestID)).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	record.Attempts = attempts
	return &record, nil
}

// IncAttempts counts one more execution attempt of the request.
func (r *StatusCache) IncAttempts(ctx context.Context, requestID string) (uint64, error) {
	attempts, err := r.client.Incr(ctx, r.attemptsKey(requestID)).Result()
	if err != nil {
		return 0, err
	}
	// ignore expiry error as it is not critical
	_ = r.client.Expire(ctx, r.attemptsKey(requestID), r.expireDuration).Err()
	return uint64(attempts), nil
}
