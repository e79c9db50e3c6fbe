// Package redisstore implements the key-value and stream outbound ports
// on Redis: parameter states, experiment snapshots, gate configs, and
// the feedback stream with consumer-group delivery.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qbrix/qbrix/internal/domain/catalog"
	"github.com/qbrix/qbrix/internal/domain/gate"
)

const (
	paramKeyPrefix    = "qbrix:params:"
	snapshotKeyPrefix = "qbrix:experiment:"
	gateKeyPrefix     = "qbrix:gate:"
)

// KV implements bandit.ParamStore, catalog.SnapshotStore, and
// gate.ConfigStore on a Redis connection.
type KV struct {
	client *redis.Client
}

// NewKV wraps an existing Redis client.
func NewKV(client *redis.Client) *KV {
	return &KV{client: client}
}

// NewKVFromURL connects from a redis:// URL.
func NewKVFromURL(url string) (*KV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewKV(redis.NewClient(opts)), nil
}

// Ping verifies the connection, for startup checks.
func (k *KV) Ping(ctx context.Context) error {
	return k.client.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (k *KV) Close() error {
	return k.client.Close()
}

func (k *KV) get(ctx context.Context, key string) ([]byte, error) {
	data, err := k.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Get implements bandit.ParamStore.
func (k *KV) Get(ctx context.Context, experimentID string) ([]byte, error) {
	return k.get(ctx, paramKeyPrefix+experimentID)
}

// Set implements bandit.ParamStore.
func (k *KV) Set(ctx context.Context, experimentID string, state []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return k.client.Set(ctx, paramKeyPrefix+experimentID, state, ttl).Err()
}

// Delete implements bandit.ParamStore.
func (k *KV) Delete(ctx context.Context, experimentID string) error {
	return k.client.Del(ctx, paramKeyPrefix+experimentID).Err()
}

// GetSnapshot implements catalog.SnapshotStore.
func (k *KV) GetSnapshot(ctx context.Context, experimentID string) (*catalog.Snapshot, error) {
	data, err := k.get(ctx, snapshotKeyPrefix+experimentID)
	if err != nil || data == nil {
		return nil, err
	}
	var snap catalog.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", experimentID, err)
	}
	return &snap, nil
}

// PutSnapshot implements catalog.SnapshotStore.
func (k *KV) PutSnapshot(ctx context.Context, snap *catalog.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ExperimentID, err)
	}
	return k.client.Set(ctx, snapshotKeyPrefix+snap.ExperimentID, data, 0).Err()
}

// DeleteSnapshot implements catalog.SnapshotStore.
func (k *KV) DeleteSnapshot(ctx context.Context, experimentID string) error {
	return k.client.Del(ctx, snapshotKeyPrefix+experimentID).Err()
}

// GetConfig implements gate.ConfigStore.
func (k *KV) GetConfig(ctx context.Context, experimentID string) (*gate.Config, error) {
	data, err := k.get(ctx, gateKeyPrefix+experimentID)
	if err != nil || data == nil {
		return nil, err
	}
	var cfg gate.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode gate config %s: %w", experimentID, err)
	}
	return &cfg, nil
}

// PutConfig implements gate.ConfigStore.
func (k *KV) PutConfig(ctx context.Context, cfg *gate.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode gate config %s: %w", cfg.ExperimentID, err)
	}
	return k.client.Set(ctx, gateKeyPrefix+cfg.ExperimentID, data, 0).Err()
}

// DeleteConfig implements gate.ConfigStore.
func (k *KV) DeleteConfig(ctx context.Context, experimentID string) error {
	return k.client.Del(ctx, gateKeyPrefix+experimentID).Err()
}
