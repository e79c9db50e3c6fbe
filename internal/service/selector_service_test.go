package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/qbrix/qbrix/internal/adapter/outbound/memory"
	"github.com/qbrix/qbrix/internal/domain/bandit"
	"github.com/qbrix/qbrix/internal/domain/catalog"
)

func testSnapshot(experimentID, policy string, params map[string]any, armNames ...string) *catalog.Snapshot {
	arms := make([]catalog.Arm, len(armNames))
	for i, name := range armNames {
		arms[i] = catalog.Arm{ID: "arm-" + name, Name: name, Index: i, IsActive: true}
	}
	return &catalog.Snapshot{
		ExperimentID:  experimentID,
		Name:          experimentID,
		Policy:        policy,
		PolicyParams:  params,
		Enabled:       true,
		PoolID:        "pool-1",
		Arms:          arms,
		PublishedAtMs: time.Now().UnixMilli(),
	}
}

func newTestSelector(t *testing.T, kv *memory.KV) *SelectorService {
	t.Helper()
	return NewSelectorService(kv, kv, bandit.NewRegistry(), SelectorCacheConfig{
		AgentSize: 16,
		AgentTTL:  time.Minute,
		ParamSize: 16,
		ParamTTL:  time.Minute,
	}, discardLogger())
}

func TestSelectorSelectReturnsPoolArm(t *testing.T) {
	t.Parallel()

	kv := memory.NewKV()
	snap := testSnapshot("exp-1", "BetaTS", nil, "red", "green", "blue")
	if err := kv.PutSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	svc := newTestSelector(t, kv)

	for range 20 {
		res, err := svc.Select(context.Background(), "exp-1", bandit.Context{ID: "user-1"})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if res.Arm.Index < 0 || res.Arm.Index >= 3 {
			t.Fatalf("arm index %d out of pool", res.Arm.Index)
		}
		if want := snap.Arms[res.Arm.Index].ID; res.Arm.ID != want {
			t.Fatalf("arm id = %q, want %q", res.Arm.ID, want)
		}
		if res.RequestID == "" {
			t.Fatal("empty request id")
		}
	}
}

func TestSelectorUnknownExperiment(t *testing.T) {
	t.Parallel()

	svc := newTestSelector(t, memory.NewKV())
	_, err := svc.Select(context.Background(), "missing", bandit.Context{ID: "u"})
	if !errors.Is(err, catalog.ErrExperimentNotFound) {
		t.Errorf("error = %v, want ErrExperimentNotFound", err)
	}
}

func TestSelectorInitWritesParams(t *testing.T) {
	t.Parallel()

	kv := memory.NewKV()
	params := map[string]any{"alpha_prior": 3.0}
	if err := kv.PutSnapshot(context.Background(), testSnapshot("exp-1", "BetaTS", params, "a", "b")); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	svc := newTestSelector(t, kv)

	if _, err := svc.Select(context.Background(), "exp-1", bandit.Context{ID: "u"}); err != nil {
		t.Fatalf("Select: %v", err)
	}

	data, err := kv.Get(context.Background(), "exp-1")
	if err != nil {
		t.Fatalf("params Get: %v", err)
	}
	if data == nil {
		t.Fatal("first select did not write the initial param state")
	}
	var st bandit.BetaTSState
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if st.Arms != 2 || st.Alpha[0] != 3.0 {
		t.Errorf("initial state = %+v, want 2 arms with alpha prior 3.0", st)
	}
}

func TestSelectorUsesStoredParams(t *testing.T) {
	t.Parallel()

	kv := memory.NewKV()
	if err := kv.PutSnapshot(context.Background(), testSnapshot("exp-1", "EpsilonGreedy", map[string]any{"eps": 0.0}, "a", "b")); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}

	// A trained state strongly favouring arm 1; eps 0 makes the greedy
	// pick deterministic.
	state := bandit.EpsilonGreedyState{
		Arms:  2,
		Eps:   0.0,
		Mu:    []float64{0.1, 0.9},
		Pulls: []int64{10, 10},
	}
	raw, err := json.Marshal(&state)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	if err := kv.Set(context.Background(), "exp-1", raw, 0); err != nil {
		t.Fatalf("params Set: %v", err)
	}

	svc := newTestSelector(t, kv)
	res, err := svc.Select(context.Background(), "exp-1", bandit.Context{ID: "u"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.Arm.Index != 1 {
		t.Errorf("arm = %d, want greedy arm 1 from stored state", res.Arm.Index)
	}
}

func TestSelectorInvalidatePicksUpNewSnapshot(t *testing.T) {
	t.Parallel()

	kv := memory.NewKV()
	if err := kv.PutSnapshot(context.Background(), testSnapshot("exp-1", "BetaTS", nil, "a")); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	svc := newTestSelector(t, kv)

	res, err := svc.Select(context.Background(), "exp-1", bandit.Context{ID: "u"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.Arm.Index != 0 {
		t.Fatalf("arm = %d, want 0 in a one-arm pool", res.Arm.Index)
	}

	// Republish with a second arm; the cached agent still sees one arm
	// until invalidated.
	if err := kv.PutSnapshot(context.Background(), testSnapshot("exp-1", "BetaTS", nil, "a", "b")); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	if err := kv.Delete(context.Background(), "exp-1"); err != nil {
		t.Fatalf("params Delete: %v", err)
	}
	if err := svc.Invalidate(context.Background(), "exp-1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	seen := map[int]bool{}
	for range 100 {
		res, err := svc.Select(context.Background(), "exp-1", bandit.Context{ID: "u"})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seen[res.Arm.Index] = true
	}
	if !seen[1] {
		t.Error("new arm never selected after invalidation")
	}
}

func TestSelectorContextualDimensionMismatch(t *testing.T) {
	t.Parallel()

	kv := memory.NewKV()
	if err := kv.PutSnapshot(context.Background(), testSnapshot("exp-1", "LinUCB", map[string]any{"dim": 3.0}, "a", "b")); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	svc := newTestSelector(t, kv)

	_, err := svc.Select(context.Background(), "exp-1", bandit.Context{ID: "u", Vector: []float64{1, 2}})
	if !errors.Is(err, bandit.ErrInvalidContext) {
		t.Errorf("error = %v, want ErrInvalidContext", err)
	}

	if _, err := svc.Select(context.Background(), "exp-1", bandit.Context{ID: "u", Vector: []float64{1, 2, 3}}); err != nil {
		t.Errorf("Select with matching vector: %v", err)
	}
}
