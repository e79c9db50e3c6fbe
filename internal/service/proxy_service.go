package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qbrix/qbrix/internal/domain/bandit"
	"github.com/qbrix/qbrix/internal/domain/catalog"
	"github.com/qbrix/qbrix/internal/domain/feedback"
	"github.com/qbrix/qbrix/internal/domain/gate"
	"github.com/qbrix/qbrix/internal/domain/token"
)

// ProxySelection is the public select response: the served arm and the
// signed token the client must return with its reward.
type ProxySelection struct {
	Arm       SelectedArm `json:"arm"`
	RequestID string      `json:"request_id"`
	// IsDefault marks a gate-committed arm; bandit selection was skipped.
	IsDefault bool `json:"is_default"`
}

// ProxyService is the public tier: catalog administration, gated
// selection, and feedback intake. It is the sole writer of experiment
// snapshots and gate configs in the key-value store.
type ProxyService struct {
	store     catalog.Store
	snapshots catalog.SnapshotStore
	gateStore gate.ConfigStore
	params    bandit.ParamStore
	gates     *GateService
	selector  SelectorClient
	publisher feedback.Publisher
	tokens    *token.Codec
	registry  *bandit.Registry
	logger    *slog.Logger
}

// NewProxyService wires the proxy tier.
func NewProxyService(
	store catalog.Store,
	snapshots catalog.SnapshotStore,
	gateStore gate.ConfigStore,
	params bandit.ParamStore,
	gates *GateService,
	selector SelectorClient,
	publisher feedback.Publisher,
	tokens *token.Codec,
	registry *bandit.Registry,
	logger *slog.Logger,
) *ProxyService {
	return &ProxyService{
		store:     store,
		snapshots: snapshots,
		gateStore: gateStore,
		params:    params,
		gates:     gates,
		selector:  selector,
		publisher: publisher,
		tokens:    tokens,
		registry:  registry,
		logger:    logger,
	}
}

// CreatePool creates a pool with dense arm indices.
func (p *ProxyService) CreatePool(ctx context.Context, name string, arms []catalog.ArmSpec) (*catalog.Pool, error) {
	return p.store.CreatePool(ctx, name, arms)
}

// GetPool returns one pool with its arms.
func (p *ProxyService) GetPool(ctx context.Context, id string) (*catalog.Pool, error) {
	return p.store.GetPool(ctx, id)
}

// DeletePool removes an unreferenced pool.
func (p *ProxyService) DeletePool(ctx context.Context, id string) error {
	return p.store.DeletePool(ctx, id)
}

// ListPools pages through pools, newest first.
func (p *ProxyService) ListPools(ctx context.Context, limit, offset int) ([]*catalog.Pool, error) {
	return p.store.ListPools(ctx, limit, offset)
}

// CreateExperiment validates the policy name, writes the catalog record,
// and publishes the first snapshot.
func (p *ProxyService) CreateExperiment(ctx context.Context, exp *catalog.Experiment) (*catalog.Experiment, error) {
	if _, err := p.registry.Lookup(exp.Policy); err != nil {
		return nil, err
	}
	created, err := p.store.CreateExperiment(ctx, exp)
	if err != nil {
		return nil, err
	}
	if err := p.republishSnapshot(ctx, created); err != nil {
		return nil, err
	}
	return created, nil
}

// GetExperiment returns one experiment.
func (p *ProxyService) GetExperiment(ctx context.Context, id string) (*catalog.Experiment, error) {
	return p.store.GetExperiment(ctx, id)
}

// UpdateExperiment applies a partial update and republishes the snapshot.
func (p *ProxyService) UpdateExperiment(ctx context.Context, id string, upd catalog.ExperimentUpdate) (*catalog.Experiment, error) {
	exp, err := p.store.UpdateExperiment(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	if err := p.republishSnapshot(ctx, exp); err != nil {
		return nil, err
	}
	if err := p.selector.Invalidate(ctx, id); err != nil {
		p.logger.Warn("selector invalidation failed", "experiment_id", id, "error", err)
	}
	return exp, nil
}

// DeleteExperiment removes the experiment and purges its runtime keys:
// snapshot, params, and gate config.
func (p *ProxyService) DeleteExperiment(ctx context.Context, id string) error {
	if err := p.store.DeleteExperiment(ctx, id); err != nil {
		return err
	}
	if err := p.snapshots.DeleteSnapshot(ctx, id); err != nil {
		p.logger.Warn("snapshot purge failed", "experiment_id", id, "error", err)
	}
	if err := p.params.Delete(ctx, id); err != nil {
		p.logger.Warn("params purge failed", "experiment_id", id, "error", err)
	}
	if err := p.gateStore.DeleteConfig(ctx, id); err != nil {
		p.logger.Warn("gate config purge failed", "experiment_id", id, "error", err)
	}
	p.gates.Invalidate(id)
	if err := p.selector.Invalidate(ctx, id); err != nil {
		p.logger.Warn("selector invalidation failed", "experiment_id", id, "error", err)
	}
	return nil
}

// ListExperiments pages through experiments, newest first.
func (p *ProxyService) ListExperiments(ctx context.Context, limit, offset int) ([]*catalog.Experiment, error) {
	return p.store.ListExperiments(ctx, limit, offset)
}

// CreateGate validates operators, stores the config, and publishes it to
// the key-value store for the evaluation path.
func (p *ProxyService) CreateGate(ctx context.Context, cfg *gate.Config) (*gate.Config, error) {
	if err := canonicalizeGate(cfg); err != nil {
		return nil, err
	}
	created, err := p.store.CreateGate(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.publishGate(ctx, created)
	return created, nil
}

// GetGate returns the stored gate config.
func (p *ProxyService) GetGate(ctx context.Context, experimentID string) (*gate.Config, error) {
	return p.store.GetGate(ctx, experimentID)
}

// UpdateGate replaces the gate config, bumping its version.
func (p *ProxyService) UpdateGate(ctx context.Context, cfg *gate.Config) (*gate.Config, error) {
	if err := canonicalizeGate(cfg); err != nil {
		return nil, err
	}
	updated, err := p.store.UpdateGate(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.publishGate(ctx, updated)
	return updated, nil
}

// DeleteGate removes the gate config everywhere.
func (p *ProxyService) DeleteGate(ctx context.Context, experimentID string) error {
	if err := p.store.DeleteGate(ctx, experimentID); err != nil {
		return err
	}
	if err := p.gateStore.DeleteConfig(ctx, experimentID); err != nil {
		p.logger.Warn("gate config purge failed", "experiment_id", experimentID, "error", err)
	}
	p.gates.Invalidate(experimentID)
	return nil
}

// Select serves one selection: the gate runs first, and only when it
// abstains does the bandit selector get called. Either way the response
// carries a signed token as its request id.
func (p *ProxyService) Select(ctx context.Context, experimentID string, sctx bandit.Context) (*ProxySelection, error) {
	if committed := p.gates.Evaluate(ctx, experimentID, sctx.ID, sctx.Metadata); committed != nil {
		tok, err := p.tokens.Encode(experimentID, committed.Index, sctx.ID, sctx.Vector, sctx.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode token: %w", err)
		}
		return &ProxySelection{
			Arm:       SelectedArm{ID: committed.ID, Name: committed.Name, Index: committed.Index},
			RequestID: tok,
			IsDefault: true,
		}, nil
	}

	res, err := p.selector.Select(ctx, experimentID, sctx)
	if err != nil {
		return nil, err
	}
	tok, err := p.tokens.Encode(experimentID, res.Arm.Index, sctx.ID, sctx.Vector, sctx.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}
	return &ProxySelection{Arm: res.Arm, RequestID: tok, IsDefault: false}, nil
}

// Feedback decodes the selection token and publishes the reward event.
// It is a one-hop stream write: neither the catalog nor the selector is
// touched.
func (p *ProxyService) Feedback(ctx context.Context, requestID string, reward float64) error {
	payload, err := p.tokens.Decode(requestID)
	if err != nil {
		return err
	}

	event := &feedback.Event{
		ExperimentID:    payload.ExperimentID,
		RequestID:       requestID,
		ArmIndex:        payload.ArmIndex,
		Reward:          reward,
		ContextID:       payload.ContextID,
		ContextVector:   payload.ContextVector,
		ContextMetadata: payload.ContextMetadata,
		TimestampMs:     payload.TimestampMs,
	}
	if _, err := p.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish feedback: %w", err)
	}
	return nil
}

// republishSnapshot rebuilds and writes the denormalized snapshot after
// a catalog mutation.
func (p *ProxyService) republishSnapshot(ctx context.Context, exp *catalog.Experiment) error {
	pool, err := p.store.GetPool(ctx, exp.PoolID)
	if err != nil {
		return fmt.Errorf("load pool for snapshot: %w", err)
	}
	snap := &catalog.Snapshot{
		ExperimentID:  exp.ID,
		Name:          exp.Name,
		Policy:        exp.Policy,
		PolicyParams:  exp.PolicyParams,
		Enabled:       exp.Enabled,
		PoolID:        pool.ID,
		Arms:          pool.Arms,
		PublishedAtMs: time.Now().UnixMilli(),
	}
	if err := p.snapshots.PutSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// publishGate pushes the config to the key-value store and drops the L1
// entry so this replica sees the change immediately.
func (p *ProxyService) publishGate(ctx context.Context, cfg *gate.Config) {
	if err := p.gateStore.PutConfig(ctx, cfg); err != nil {
		p.logger.Warn("gate config publish failed", "experiment_id", cfg.ExperimentID, "error", err)
	}
	p.gates.Invalidate(cfg.ExperimentID)
}

// canonicalizeGate resolves operator aliases in place and rejects
// invalid values at write time.
func canonicalizeGate(cfg *gate.Config) error {
	if cfg.RolloutPercentage < 0 || cfg.RolloutPercentage > 100 {
		return fmt.Errorf("%w: rollout_percentage %v not in [0,100]",
			gate.ErrInvalidConfig, cfg.RolloutPercentage)
	}
	for i := range cfg.Rules {
		if cfg.Rules[i].Arm == nil {
			return fmt.Errorf("%w: rule %d has no arm", gate.ErrInvalidConfig, i)
		}
		op, err := gate.ParseOperator(string(cfg.Rules[i].Operator))
		if err != nil {
			return err
		}
		cfg.Rules[i].Operator = op
	}
	return nil
}
