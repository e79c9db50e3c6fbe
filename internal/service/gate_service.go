// Package service contains application services.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/qbrix/qbrix/internal/domain/gate"
)

// GateService evaluates feature gates for the proxy's select path. Gate
// configs are read through a two-level cache: a process-local expirable
// LRU (L1) in front of the key-value config store (L2). The catalog
// remains the durable truth; the proxy republishes configs to L2 on
// every gate write.
type GateService struct {
	store  gate.ConfigStore
	cache  *expirable.LRU[string, *gate.Config]
	logger *slog.Logger
}

// NewGateService builds a gate service with an L1 cache of the given
// size and TTL. The TTL bounds staleness for other proxy replicas; the
// writing replica invalidates immediately.
func NewGateService(store gate.ConfigStore, cacheSize int, cacheTTL time.Duration, logger *slog.Logger) *GateService {
	return &GateService{
		store:  store,
		cache:  expirable.NewLRU[string, *gate.Config](cacheSize, nil, cacheTTL),
		logger: logger,
	}
}

// Evaluate runs the gate for one request. A nil result means "proceed to
// bandit selection". All failure modes are fail-open: a store error or a
// missing config never blocks selection.
func (s *GateService) Evaluate(ctx context.Context, experimentID, contextID string, metadata map[string]string) *gate.CommittedArm {
	cfg, ok := s.cache.Get(experimentID)
	if !ok {
		var err error
		cfg, err = s.store.GetConfig(ctx, experimentID)
		if err != nil {
			s.logger.Warn("gate config read failed, failing open",
				"experiment_id", experimentID, "error", err)
			return nil
		}
		if cfg == nil {
			return nil
		}
		s.cache.Add(experimentID, cfg)
	}
	return gate.Evaluate(cfg, contextID, metadata)
}

// Invalidate evicts the L1 entry after a gate write or delete.
func (s *GateService) Invalidate(experimentID string) {
	s.cache.Remove(experimentID)
}
