package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qbrix/qbrix/internal/adapter/outbound/memory"
	"github.com/qbrix/qbrix/internal/adapter/outbound/sqlite"
	"github.com/qbrix/qbrix/internal/domain/bandit"
	"github.com/qbrix/qbrix/internal/domain/catalog"
	"github.com/qbrix/qbrix/internal/domain/gate"
	"github.com/qbrix/qbrix/internal/domain/token"
)

// proxyFixture wires the full in-process stack: sqlite catalog, in-memory
// key-value store and stream, and all three tiers.
type proxyFixture struct {
	proxy   *ProxyService
	trainer *TrainerService
	kv      *memory.KV
	stream  *memory.Stream
}

func newProxyFixture(t *testing.T, tokenMaxAge time.Duration) *proxyFixture {
	t.Helper()

	cat, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	kv := memory.NewKV()
	stream := memory.NewStream(0)
	registry := bandit.NewRegistry()
	logger := discardLogger()

	gates := NewGateService(kv, 16, time.Minute, logger)
	selector := NewSelectorService(kv, kv, registry, SelectorCacheConfig{
		AgentSize: 16, AgentTTL: time.Minute,
		ParamSize: 16, ParamTTL: time.Minute,
	}, logger)
	codec := token.NewCodec([]byte("test-secret"), tokenMaxAge)

	return &proxyFixture{
		proxy:   NewProxyService(cat, kv, kv, kv, gates, selector, stream, codec, registry, logger),
		trainer: NewTrainerService(stream, kv, kv, registry, TrainerConfig{}, logger),
		kv:      kv,
		stream:  stream,
	}
}

func (f *proxyFixture) createExperiment(t *testing.T, policy string) *catalog.Experiment {
	t.Helper()
	pool, err := f.proxy.CreatePool(context.Background(), "buttons-"+policy, []catalog.ArmSpec{
		{Name: "control"}, {Name: "variant"},
	})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	exp, err := f.proxy.CreateExperiment(context.Background(), &catalog.Experiment{
		Name:    "exp-" + policy,
		PoolID:  pool.ID,
		Policy:  policy,
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateExperiment: %v", err)
	}
	return exp
}

func TestProxyCreateExperimentPublishesSnapshot(t *testing.T) {
	t.Parallel()

	f := newProxyFixture(t, 0)
	exp := f.createExperiment(t, "BetaTS")

	snap, err := f.kv.GetSnapshot(context.Background(), exp.ID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap == nil {
		t.Fatal("no snapshot published on create")
	}
	if snap.Policy != "BetaTS" || snap.NumArms() != 2 {
		t.Errorf("snapshot = %+v", snap)
	}

	enabled := false
	if _, err := f.proxy.UpdateExperiment(context.Background(), exp.ID, catalog.ExperimentUpdate{Enabled: &enabled}); err != nil {
		t.Fatalf("UpdateExperiment: %v", err)
	}
	snap, err = f.kv.GetSnapshot(context.Background(), exp.ID)
	if err != nil {
		t.Fatalf("GetSnapshot after update: %v", err)
	}
	if snap.Enabled {
		t.Error("snapshot not republished after update")
	}
}

func TestProxyCreateExperimentRejectsUnknownPolicy(t *testing.T) {
	t.Parallel()

	f := newProxyFixture(t, 0)
	pool, err := f.proxy.CreatePool(context.Background(), "buttons", []catalog.ArmSpec{{Name: "a"}})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	_, err = f.proxy.CreateExperiment(context.Background(), &catalog.Experiment{
		Name:   "exp-1",
		PoolID: pool.ID,
		Policy: "GradientBoost",
	})
	if !errors.Is(err, bandit.ErrUnknownPolicy) {
		t.Errorf("error = %v, want ErrUnknownPolicy", err)
	}
}

func TestProxySelectFeedbackTrainCycle(t *testing.T) {
	t.Parallel()

	f := newProxyFixture(t, 0)
	exp := f.createExperiment(t, "BetaTS")

	res, err := f.proxy.Select(context.Background(), exp.ID, bandit.Context{ID: "user-1"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.IsDefault {
		t.Error("selection marked default with no gate configured")
	}
	if res.Arm.Index != 0 && res.Arm.Index != 1 {
		t.Fatalf("arm index = %d", res.Arm.Index)
	}

	if err := f.proxy.Feedback(context.Background(), res.RequestID, 1.0); err != nil {
		t.Fatalf("Feedback: %v", err)
	}

	n, err := f.trainer.FlushBatch(context.Background(), "")
	if err != nil {
		t.Fatalf("FlushBatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	st := readBetaState(t, f.kv, exp.ID)
	if st == nil {
		t.Fatal("no trained state")
	}
	if st.Alpha[res.Arm.Index] != 2.0 {
		t.Errorf("alpha[%d] = %v, want 2.0 after one positive reward",
			res.Arm.Index, st.Alpha[res.Arm.Index])
	}
}

func TestProxyGateCommitsDefaultArm(t *testing.T) {
	t.Parallel()

	f := newProxyFixture(t, 0)
	exp := f.createExperiment(t, "BetaTS")

	pool, err := f.proxy.GetPool(context.Background(), exp.PoolID)
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	_, err = f.proxy.CreateGate(context.Background(), &gate.Config{
		ExperimentID:      exp.ID,
		Enabled:           false,
		RolloutPercentage: 100,
		DefaultArm: &gate.CommittedArm{
			ID: pool.Arms[0].ID, Name: pool.Arms[0].Name, Index: 0,
		},
	})
	if err != nil {
		t.Fatalf("CreateGate: %v", err)
	}

	res, err := f.proxy.Select(context.Background(), exp.ID, bandit.Context{ID: "user-1"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !res.IsDefault || res.Arm.Index != 0 {
		t.Errorf("selection = %+v, want default arm 0", res)
	}

	// Feedback on a gate-committed selection is still a valid reward.
	if err := f.proxy.Feedback(context.Background(), res.RequestID, 0.0); err != nil {
		t.Errorf("Feedback: %v", err)
	}
	if f.stream.Len() != 1 {
		t.Errorf("stream length = %d, want 1", f.stream.Len())
	}
}

func TestProxyFeedbackRejectsTamperedToken(t *testing.T) {
	t.Parallel()

	f := newProxyFixture(t, 0)
	exp := f.createExperiment(t, "BetaTS")

	res, err := f.proxy.Select(context.Background(), exp.ID, bandit.Context{ID: "user-1"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	tampered := []byte(res.RequestID)
	if tampered[0] == 'A' {
		tampered[0] = 'B'
	} else {
		tampered[0] = 'A'
	}
	err = f.proxy.Feedback(context.Background(), string(tampered), 1.0)
	if !errors.Is(err, token.ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
	if f.stream.Len() != 0 {
		t.Errorf("tampered feedback reached the stream")
	}
}

func TestProxyFeedbackRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	f := newProxyFixture(t, time.Millisecond)
	exp := f.createExperiment(t, "BetaTS")

	res, err := f.proxy.Select(context.Background(), exp.ID, bandit.Context{ID: "user-1"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	err = f.proxy.Feedback(context.Background(), res.RequestID, 1.0)
	if !errors.Is(err, token.ErrTokenExpired) {
		t.Errorf("error = %v, want ErrTokenExpired", err)
	}
}

func TestProxyDeleteExperimentPurgesRuntimeKeys(t *testing.T) {
	t.Parallel()

	f := newProxyFixture(t, 0)
	exp := f.createExperiment(t, "BetaTS")

	// A select writes the initial params; a gate write stores a config.
	if _, err := f.proxy.Select(context.Background(), exp.ID, bandit.Context{ID: "u"}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, err := f.proxy.CreateGate(context.Background(), &gate.Config{ExperimentID: exp.ID, Enabled: true}); err != nil {
		t.Fatalf("CreateGate: %v", err)
	}

	if err := f.proxy.DeleteExperiment(context.Background(), exp.ID); err != nil {
		t.Fatalf("DeleteExperiment: %v", err)
	}

	if snap, _ := f.kv.GetSnapshot(context.Background(), exp.ID); snap != nil {
		t.Error("snapshot survived delete")
	}
	if data, _ := f.kv.Get(context.Background(), exp.ID); data != nil {
		t.Error("params survived delete")
	}
	if cfg, _ := f.kv.GetConfig(context.Background(), exp.ID); cfg != nil {
		t.Error("gate config survived delete")
	}
	if _, err := f.proxy.GetExperiment(context.Background(), exp.ID); !errors.Is(err, catalog.ErrExperimentNotFound) {
		t.Errorf("GetExperiment = %v, want ErrExperimentNotFound", err)
	}
}

func TestProxyGateLifecyclePublishesConfig(t *testing.T) {
	t.Parallel()

	f := newProxyFixture(t, 0)
	exp := f.createExperiment(t, "BetaTS")

	created, err := f.proxy.CreateGate(context.Background(), &gate.Config{
		ExperimentID: exp.ID,
		Enabled:      true,
		Rules: []gate.Rule{
			{Key: "tier", Operator: "==", Value: "gold", Arm: &gate.CommittedArm{Index: 1}},
		},
	})
	if err != nil {
		t.Fatalf("CreateGate: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("version = %d, want 1", created.Version)
	}
	// Operator aliases are canonicalized before storage.
	if created.Rules[0].Operator != gate.OpEq {
		t.Errorf("operator = %q, want %q", created.Rules[0].Operator, gate.OpEq)
	}

	published, err := f.kv.GetConfig(context.Background(), exp.ID)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if published == nil || published.Version != 1 {
		t.Fatalf("published config = %+v", published)
	}

	published.RolloutPercentage = 25
	updated, err := f.proxy.UpdateGate(context.Background(), published)
	if err != nil {
		t.Fatalf("UpdateGate: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}

	if err := f.proxy.DeleteGate(context.Background(), exp.ID); err != nil {
		t.Fatalf("DeleteGate: %v", err)
	}
	if cfg, _ := f.kv.GetConfig(context.Background(), exp.ID); cfg != nil {
		t.Error("gate config survived delete")
	}
}

func TestProxyGateRejectsBadRollout(t *testing.T) {
	t.Parallel()

	f := newProxyFixture(t, 0)
	exp := f.createExperiment(t, "BetaTS")

	_, err := f.proxy.CreateGate(context.Background(), &gate.Config{
		ExperimentID:      exp.ID,
		Enabled:           true,
		RolloutPercentage: 150,
	})
	if !errors.Is(err, gate.ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestProxyGateRejectsArmlessRule(t *testing.T) {
	t.Parallel()

	f := newProxyFixture(t, 0)
	exp := f.createExperiment(t, "BetaTS")

	_, err := f.proxy.CreateGate(context.Background(), &gate.Config{
		ExperimentID: exp.ID,
		Enabled:      true,
		Rules:        []gate.Rule{{Key: "tier", Operator: "==", Value: "gold"}},
	})
	if !errors.Is(err, gate.ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}
