package catalog

import (
	"context"
	"errors"

	"github.com/qbrix/qbrix/internal/domain/gate"
)

// ErrPoolNotFound is returned when a pool id does not resolve.
var ErrPoolNotFound = errors.New("pool not found")

// ErrExperimentNotFound is returned when an experiment id does not resolve.
var ErrExperimentNotFound = errors.New("experiment not found")

// ErrGateNotFound is returned when an experiment has no gate config.
var ErrGateNotFound = errors.New("gate config not found")

// ErrDuplicateName is returned when a pool or experiment name collides
// with an existing record of the same type.
var ErrDuplicateName = errors.New("name already in use")

// ErrPoolInUse is returned when deleting a pool still referenced by an
// experiment.
var ErrPoolInUse = errors.New("pool referenced by experiment")

// ArmSpec describes one arm at pool creation time. Indices are assigned
// densely by position.
type ArmSpec struct {
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ExperimentUpdate carries the mutable experiment fields; nil pointers
// leave the field unchanged.
type ExperimentUpdate struct {
	Name         *string         `json:"name,omitempty"`
	PolicyParams *map[string]any `json:"policy_params,omitempty"`
	Enabled      *bool           `json:"enabled,omitempty"`
}

// Store is the durable catalog. Each call is transactional: a failed call
// leaves no partial writes.
type Store interface {
	CreatePool(ctx context.Context, name string, arms []ArmSpec) (*Pool, error)
	GetPool(ctx context.Context, id string) (*Pool, error)
	// DeletePool fails with ErrPoolInUse while any experiment references
	// the pool.
	DeletePool(ctx context.Context, id string) error
	// ListPools returns pools ordered by created_at descending.
	ListPools(ctx context.Context, limit, offset int) ([]*Pool, error)

	CreateExperiment(ctx context.Context, exp *Experiment) (*Experiment, error)
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	UpdateExperiment(ctx context.Context, id string, upd ExperimentUpdate) (*Experiment, error)
	DeleteExperiment(ctx context.Context, id string) error
	// ListExperiments returns experiments ordered by created_at descending.
	ListExperiments(ctx context.Context, limit, offset int) ([]*Experiment, error)

	// CreateGate stores the gate config for an experiment (one per
	// experiment) at version 1.
	CreateGate(ctx context.Context, cfg *gate.Config) (*gate.Config, error)
	GetGate(ctx context.Context, experimentID string) (*gate.Config, error)
	// UpdateGate replaces the config and increments its version.
	UpdateGate(ctx context.Context, cfg *gate.Config) (*gate.Config, error)
	DeleteGate(ctx context.Context, experimentID string) error
}

// SnapshotStore is the key-value side of the catalog: the denormalized
// experiment view the selector and trainer read.
type SnapshotStore interface {
	// GetSnapshot returns (nil, nil) when the key is absent.
	GetSnapshot(ctx context.Context, experimentID string) (*Snapshot, error)
	PutSnapshot(ctx context.Context, snap *Snapshot) error
	DeleteSnapshot(ctx context.Context, experimentID string) error
}
