// Package catalog contains the durable experiment catalog: pools of arms,
// experiments binding a policy to a pool, and per-experiment feature gate
// records, plus the denormalized snapshot the serving tiers read.
package catalog

import "time"

// Arm is one identified choice within a pool.
type Arm struct {
	// ID is the unique identifier for this arm.
	ID string `json:"id"`
	// Name is the human-readable arm name, unique within the pool.
	Name string `json:"name"`
	// Index is the dense position in [0, len(pool.Arms)). It is immutable
	// and is the key policies use to address the arm.
	Index int `json:"index"`
	// IsActive marks the arm as eligible for selection.
	IsActive bool `json:"is_active"`
	// Metadata holds free-form string attributes attached at creation.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Pool is an ordered collection of arms. Arm indices form 0..len(Arms)-1
// with no gaps and no duplicates; arms are created with the pool and
// destroyed with it.
type Pool struct {
	// ID is the unique identifier for this pool.
	ID string `json:"id"`
	// Name is unique across pools.
	Name string `json:"name"`
	// Arms is ordered by Index.
	Arms []Arm `json:"arms"`
	// CreatedAt is when the pool was created (UTC).
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the pool was last modified (UTC).
	UpdatedAt time.Time `json:"updated_at"`
}

// Experiment binds a bandit policy to a pool of arms.
type Experiment struct {
	// ID is the unique identifier for this experiment.
	ID string `json:"id"`
	// Name is unique across experiments.
	Name string `json:"name"`
	// PoolID references the pool whose arms this experiment selects over.
	// The pool cannot be deleted while referenced.
	PoolID string `json:"pool_id"`
	// Policy is the registered policy name (e.g. "BetaTS").
	Policy string `json:"policy"`
	// PolicyParams holds per-experiment overrides for the policy's priors
	// and hyperparameters.
	PolicyParams map[string]any `json:"policy_params,omitempty"`
	// Enabled toggles the experiment on or off.
	Enabled bool `json:"enabled"`
	// CreatedAt is when the experiment was created (UTC).
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the experiment was last modified (UTC).
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is the denormalized experiment view published to the key-value
// store after every catalog mutation that changes select/train behavior.
// The selector and trainer read snapshots, never the relational catalog;
// the proxy is the sole writer.
type Snapshot struct {
	// ExperimentID keys the snapshot.
	ExperimentID string `json:"experiment_id"`
	// Name is the experiment name at publish time.
	Name string `json:"name"`
	// Policy is the registered policy name.
	Policy string `json:"policy"`
	// PolicyParams are the experiment's policy overrides.
	PolicyParams map[string]any `json:"policy_params,omitempty"`
	// Enabled mirrors the experiment's toggle.
	Enabled bool `json:"enabled"`
	// PoolID references the source pool.
	PoolID string `json:"pool_id"`
	// Arms is the pool's arm list, ordered by index.
	Arms []Arm `json:"arms"`
	// PublishedAtMs is the publish timestamp in epoch milliseconds.
	PublishedAtMs int64 `json:"published_at_ms"`
}

// NumArms returns the snapshot's pool size.
func (s *Snapshot) NumArms() int { return len(s.Arms) }

// ArmByIndex returns the arm at the given dense index, or nil when the
// index is out of range.
func (s *Snapshot) ArmByIndex(idx int) *Arm {
	if idx < 0 || idx >= len(s.Arms) {
		return nil
	}
	return &s.Arms[idx]
}
