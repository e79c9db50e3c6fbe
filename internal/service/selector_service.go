package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/qbrix/qbrix/internal/domain/bandit"
	"github.com/qbrix/qbrix/internal/domain/catalog"
)

// SelectedArm is the arm descriptor returned by a selection.
type SelectedArm struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Index int    `json:"index"`
}

// SelectResult is the selector's answer: the chosen arm and a placeholder
// request id the proxy replaces with a signed token.
type SelectResult struct {
	Arm       SelectedArm `json:"arm"`
	RequestID string      `json:"request_id"`
	// Score is reserved on the wire for a future per-selection
	// confidence value; the selector always reports zero today.
	Score float64 `json:"score"`
}

// SelectorClient is the proxy's view of the selector tier, satisfied by
// SelectorService in-process and by the motor HTTP client across tiers.
type SelectorClient interface {
	Select(ctx context.Context, experimentID string, sctx bandit.Context) (*SelectResult, error)
	Invalidate(ctx context.Context, experimentID string) error
}

// agent memoizes one experiment's snapshot and resolved policy.
type agent struct {
	snapshot *catalog.Snapshot
	policy   bandit.Policy
}

// SelectorService is the pure-bandit selection tier. It reads experiment
// snapshots and parameter states through two independent TTL caches;
// the gate is the proxy's concern and is never evaluated here.
//
// Cache misses rebuild deterministically, so the intentional race of two
// concurrent requests building the same agent is benign: both construct
// identical values and the params init write is last-writer-wins over an
// equal state. Maximum staleness after a catalog change is the cache TTL.
type SelectorService struct {
	snapshots catalog.SnapshotStore
	params    bandit.ParamStore
	registry  *bandit.Registry

	agents *expirable.LRU[string, *agent]
	states *expirable.LRU[string, bandit.State]

	// rngMu serializes draws; policy Select is cheap relative to the
	// surrounding I/O.
	rngMu sync.Mutex
	rng   *rand.Rand

	logger *slog.Logger
}

// SelectorCacheConfig sizes the two selector caches.
type SelectorCacheConfig struct {
	AgentSize int
	AgentTTL  time.Duration
	ParamSize int
	ParamTTL  time.Duration
}

// NewSelectorService builds the selector tier.
func NewSelectorService(snapshots catalog.SnapshotStore, params bandit.ParamStore, registry *bandit.Registry, caches SelectorCacheConfig, logger *slog.Logger) *SelectorService {
	return &SelectorService{
		snapshots: snapshots,
		params:    params,
		registry:  registry,
		agents:    expirable.NewLRU[string, *agent](caches.AgentSize, nil, caches.AgentTTL),
		states:    expirable.NewLRU[string, bandit.State](caches.ParamSize, nil, caches.ParamTTL),
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger:    logger,
	}
}

var _ SelectorClient = (*SelectorService)(nil)

// Select implements SelectorClient.
func (s *SelectorService) Select(ctx context.Context, experimentID string, sctx bandit.Context) (*SelectResult, error) {
	ag, state, err := s.getOrCreate(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	s.rngMu.Lock()
	idx, err := ag.policy.Select(state, sctx, s.rng)
	s.rngMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("policy %s select: %w", ag.policy.Name(), err)
	}

	arm := ag.snapshot.ArmByIndex(idx)
	if arm == nil {
		return nil, fmt.Errorf("policy %s returned arm %d outside pool of %d",
			ag.policy.Name(), idx, ag.snapshot.NumArms())
	}
	return &SelectResult{
		Arm:       SelectedArm{ID: arm.ID, Name: arm.Name, Index: idx},
		RequestID: uuid.NewString(),
		Score:     0,
	}, nil
}

// Invalidate evicts both cache entries for an experiment.
func (s *SelectorService) Invalidate(_ context.Context, experimentID string) error {
	s.agents.Remove(experimentID)
	s.states.Remove(experimentID)
	return nil
}

func (s *SelectorService) getOrCreate(ctx context.Context, experimentID string) (*agent, bandit.State, error) {
	if ag, ok := s.agents.Get(experimentID); ok {
		state, err := s.ensureState(ctx, experimentID, ag)
		if err != nil {
			return nil, nil, err
		}
		return ag, state, nil
	}

	snap, err := s.snapshots.GetSnapshot(ctx, experimentID)
	if err != nil {
		return nil, nil, fmt.Errorf("read snapshot: %w", err)
	}
	if snap == nil {
		return nil, nil, fmt.Errorf("experiment %s: %w", experimentID, catalog.ErrExperimentNotFound)
	}

	policy, err := s.registry.Lookup(snap.Policy)
	if err != nil {
		return nil, nil, err
	}

	ag := &agent{snapshot: snap, policy: policy}
	state, err := s.ensureState(ctx, experimentID, ag)
	if err != nil {
		return nil, nil, err
	}
	s.agents.Add(experimentID, ag)
	return ag, state, nil
}

// ensureState resolves the parameter state: cache, then param store,
// then a fresh deterministic init that is written back so the trainer
// and other selector replicas converge on the same starting state.
func (s *SelectorService) ensureState(ctx context.Context, experimentID string, ag *agent) (bandit.State, error) {
	if state, ok := s.states.Get(experimentID); ok {
		return state, nil
	}

	data, err := s.params.Get(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	if data != nil {
		state, err := ag.policy.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode params for %s: %w", experimentID, err)
		}
		s.states.Add(experimentID, state)
		return state, nil
	}

	state, err := ag.policy.Init(ag.snapshot.NumArms(), ag.snapshot.PolicyParams)
	if err != nil {
		return nil, fmt.Errorf("init params for %s: %w", experimentID, err)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode params for %s: %w", experimentID, err)
	}
	if err := s.params.Set(ctx, experimentID, raw, 0); err != nil {
		// Serving can proceed on the local copy; the next miss retries.
		s.logger.Warn("params init write failed", "experiment_id", experimentID, "error", err)
	}
	s.states.Add(experimentID, state)
	return state, nil
}
