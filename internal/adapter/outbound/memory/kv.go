// Package memory provides in-memory implementations of the outbound
// ports: key-value snapshot/params/gate storage and the feedback stream.
// Thread-safe; used for tests and single-node development.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/qbrix/qbrix/internal/domain/catalog"
	"github.com/qbrix/qbrix/internal/domain/gate"
)

type kvEntry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

func (e kvEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// KV is an in-memory key-value store backing the param, snapshot, and
// gate config ports.
type KV struct {
	mu      sync.RWMutex
	entries map[string]kvEntry
}

// NewKV creates an empty in-memory key-value store.
func NewKV() *KV {
	return &KV{entries: make(map[string]kvEntry)}
}

func (k *KV) get(key string) []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil
	}
	return e.data
}

func (k *KV) set(key string, data []byte, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries[key] = kvEntry{data: data, expiresAt: expires}
}

func (k *KV) delete(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries, key)
}

// Get implements bandit.ParamStore.
func (k *KV) Get(_ context.Context, experimentID string) ([]byte, error) {
	return k.get("qbrix:params:" + experimentID), nil
}

// Set implements bandit.ParamStore.
func (k *KV) Set(_ context.Context, experimentID string, state []byte, ttl time.Duration) error {
	k.set("qbrix:params:"+experimentID, state, ttl)
	return nil
}

// Delete implements bandit.ParamStore.
func (k *KV) Delete(_ context.Context, experimentID string) error {
	k.delete("qbrix:params:" + experimentID)
	return nil
}

// GetSnapshot implements catalog.SnapshotStore.
func (k *KV) GetSnapshot(_ context.Context, experimentID string) (*catalog.Snapshot, error) {
	data := k.get("qbrix:experiment:" + experimentID)
	if data == nil {
		return nil, nil
	}
	var snap catalog.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PutSnapshot implements catalog.SnapshotStore.
func (k *KV) PutSnapshot(_ context.Context, snap *catalog.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	k.set("qbrix:experiment:"+snap.ExperimentID, data, 0)
	return nil
}

// DeleteSnapshot implements catalog.SnapshotStore.
func (k *KV) DeleteSnapshot(_ context.Context, experimentID string) error {
	k.delete("qbrix:experiment:" + experimentID)
	return nil
}

// GetConfig implements gate.ConfigStore.
func (k *KV) GetConfig(_ context.Context, experimentID string) (*gate.Config, error) {
	data := k.get("qbrix:gate:" + experimentID)
	if data == nil {
		return nil, nil
	}
	var cfg gate.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PutConfig implements gate.ConfigStore.
func (k *KV) PutConfig(_ context.Context, cfg *gate.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	k.set("qbrix:gate:"+cfg.ExperimentID, data, 0)
	return nil
}

// DeleteConfig implements gate.ConfigStore.
func (k *KV) DeleteConfig(_ context.Context, experimentID string) error {
	k.delete("qbrix:gate:" + experimentID)
	return nil
}
