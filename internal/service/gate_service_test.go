package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/qbrix/qbrix/internal/adapter/outbound/memory"
	"github.com/qbrix/qbrix/internal/domain/gate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingConfigStore wraps a ConfigStore and counts reads.
type countingConfigStore struct {
	gate.ConfigStore
	reads int
}

func (c *countingConfigStore) GetConfig(ctx context.Context, experimentID string) (*gate.Config, error) {
	c.reads++
	return c.ConfigStore.GetConfig(ctx, experimentID)
}

type failingConfigStore struct{}

func (failingConfigStore) GetConfig(context.Context, string) (*gate.Config, error) {
	return nil, errors.New("store down")
}
func (failingConfigStore) PutConfig(context.Context, *gate.Config) error { return nil }
func (failingConfigStore) DeleteConfig(context.Context, string) error    { return nil }

func TestGateServiceCachesConfig(t *testing.T) {
	t.Parallel()

	kv := memory.NewKV()
	cfg := &gate.Config{
		ExperimentID: "exp-1",
		Enabled:      true,
		DefaultArm:   &gate.CommittedArm{ID: "arm-0", Name: "control", Index: 0},
	}
	if err := kv.PutConfig(context.Background(), cfg); err != nil {
		t.Fatalf("PutConfig: %v", err)
	}

	store := &countingConfigStore{ConfigStore: kv}
	svc := NewGateService(store, 16, time.Minute, discardLogger())

	for range 3 {
		got := svc.Evaluate(context.Background(), "exp-1", "user-1", nil)
		if got == nil || got.Index != 0 {
			t.Fatalf("Evaluate = %+v, want committed arm 0", got)
		}
	}
	if store.reads != 1 {
		t.Errorf("store reads = %d, want 1 (cached after first)", store.reads)
	}
}

func TestGateServiceInvalidateRefetches(t *testing.T) {
	t.Parallel()

	kv := memory.NewKV()
	store := &countingConfigStore{ConfigStore: kv}
	svc := NewGateService(store, 16, time.Minute, discardLogger())

	// Enabled gate with a default arm and zero rollout commits the default.
	cfg := &gate.Config{
		ExperimentID:      "exp-1",
		Enabled:           true,
		RolloutPercentage: 0,
		DefaultArm:        &gate.CommittedArm{Index: 1},
	}
	if err := kv.PutConfig(context.Background(), cfg); err != nil {
		t.Fatalf("PutConfig: %v", err)
	}
	if got := svc.Evaluate(context.Background(), "exp-1", "user-1", nil); got == nil || got.Index != 1 {
		t.Fatalf("Evaluate = %+v, want default arm 1", got)
	}

	// Full rollout now proceeds to the bandit; visible only after
	// invalidation.
	cfg.RolloutPercentage = 100
	if err := kv.PutConfig(context.Background(), cfg); err != nil {
		t.Fatalf("PutConfig: %v", err)
	}
	if got := svc.Evaluate(context.Background(), "exp-1", "user-1", nil); got == nil {
		t.Fatal("stale cache expected to still commit the default")
	}
	svc.Invalidate("exp-1")
	if got := svc.Evaluate(context.Background(), "exp-1", "user-1", nil); got != nil {
		t.Errorf("Evaluate after invalidate = %+v, want nil (proceed)", got)
	}
}

func TestGateServiceMissingConfigProceeds(t *testing.T) {
	t.Parallel()

	svc := NewGateService(memory.NewKV(), 16, time.Minute, discardLogger())
	if got := svc.Evaluate(context.Background(), "no-such", "user-1", nil); got != nil {
		t.Errorf("Evaluate = %+v, want nil", got)
	}
}

func TestGateServiceStoreErrorFailsOpen(t *testing.T) {
	t.Parallel()

	svc := NewGateService(failingConfigStore{}, 16, time.Minute, discardLogger())
	if got := svc.Evaluate(context.Background(), "exp-1", "user-1", nil); got != nil {
		t.Errorf("Evaluate = %+v, want nil on store failure", got)
	}
}
