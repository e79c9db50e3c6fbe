package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qbrix/qbrix/internal/domain/catalog"
	"github.com/qbrix/qbrix/internal/domain/gate"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(":memory:")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func createPool(t *testing.T, c *Catalog, name string, armNames ...string) *catalog.Pool {
	t.Helper()
	specs := make([]catalog.ArmSpec, len(armNames))
	for i, n := range armNames {
		specs[i] = catalog.ArmSpec{Name: n}
	}
	pool, err := c.CreatePool(context.Background(), name, specs)
	if err != nil {
		t.Fatalf("CreatePool(%q): %v", name, err)
	}
	return pool
}

func createExperiment(t *testing.T, c *Catalog, name, poolID string) *catalog.Experiment {
	t.Helper()
	exp, err := c.CreateExperiment(context.Background(), &catalog.Experiment{
		Name:    name,
		PoolID:  poolID,
		Policy:  "BetaTS",
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateExperiment(%q): %v", name, err)
	}
	return exp
}

func TestCreatePoolAssignsDenseIndices(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)
	pool := createPool(t, c, "buttons", "red", "green", "blue")

	if len(pool.Arms) != 3 {
		t.Fatalf("arms = %d, want 3", len(pool.Arms))
	}
	for i, arm := range pool.Arms {
		if arm.Index != i {
			t.Errorf("arm %q index = %d, want %d", arm.Name, arm.Index, i)
		}
		if !arm.IsActive {
			t.Errorf("arm %q not active", arm.Name)
		}
	}

	got, err := c.GetPool(context.Background(), pool.ID)
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if len(got.Arms) != 3 || got.Arms[2].Name != "blue" {
		t.Errorf("round-tripped pool = %+v", got)
	}
}

func TestCreatePoolDuplicateName(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)
	createPool(t, c, "buttons", "a")
	_, err := c.CreatePool(context.Background(), "buttons", []catalog.ArmSpec{{Name: "x"}})
	if !errors.Is(err, catalog.ErrDuplicateName) {
		t.Errorf("error = %v, want ErrDuplicateName", err)
	}
}

func TestDeletePoolWhileReferenced(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)
	pool := createPool(t, c, "buttons", "a", "b")
	createExperiment(t, c, "exp-1", pool.ID)

	if err := c.DeletePool(context.Background(), pool.ID); !errors.Is(err, catalog.ErrPoolInUse) {
		t.Errorf("error = %v, want ErrPoolInUse", err)
	}

	// After the experiment goes away the pool is deletable; arms cascade.
	exps, err := c.ListExperiments(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListExperiments: %v", err)
	}
	if err := c.DeleteExperiment(context.Background(), exps[0].ID); err != nil {
		t.Fatalf("DeleteExperiment: %v", err)
	}
	if err := c.DeletePool(context.Background(), pool.ID); err != nil {
		t.Fatalf("DeletePool: %v", err)
	}
	if _, err := c.GetPool(context.Background(), pool.ID); !errors.Is(err, catalog.ErrPoolNotFound) {
		t.Errorf("error = %v, want ErrPoolNotFound", err)
	}
}

func TestListPoolsPagination(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)
	for _, name := range []string{"p1", "p2", "p3"} {
		createPool(t, c, name, "a")
		time.Sleep(5 * time.Millisecond)
	}

	page, err := c.ListPools(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("ListPools: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	// Newest first.
	if page[0].Name != "p3" || page[1].Name != "p2" {
		t.Errorf("page order = %s, %s; want p3, p2", page[0].Name, page[1].Name)
	}

	rest, err := c.ListPools(context.Background(), 2, 2)
	if err != nil {
		t.Fatalf("ListPools offset: %v", err)
	}
	if len(rest) != 1 || rest[0].Name != "p1" {
		t.Errorf("second page = %+v, want just p1", rest)
	}
}

func TestCreateExperimentValidatesPool(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)
	_, err := c.CreateExperiment(context.Background(), &catalog.Experiment{
		Name:   "exp-1",
		PoolID: "no-such-pool",
		Policy: "BetaTS",
	})
	if !errors.Is(err, catalog.ErrPoolNotFound) {
		t.Errorf("error = %v, want ErrPoolNotFound", err)
	}
}

func TestUpdateExperimentPartialFields(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)
	pool := createPool(t, c, "buttons", "a", "b")
	exp := createExperiment(t, c, "exp-1", pool.ID)

	enabled := false
	got, err := c.UpdateExperiment(context.Background(), exp.ID, catalog.ExperimentUpdate{Enabled: &enabled})
	if err != nil {
		t.Fatalf("UpdateExperiment: %v", err)
	}
	if got.Enabled {
		t.Error("enabled not updated")
	}
	if got.Name != "exp-1" {
		t.Errorf("name changed to %q", got.Name)
	}

	params := map[string]any{"alpha_prior": 2.0}
	got, err = c.UpdateExperiment(context.Background(), exp.ID, catalog.ExperimentUpdate{PolicyParams: &params})
	if err != nil {
		t.Fatalf("UpdateExperiment params: %v", err)
	}
	if got.PolicyParams["alpha_prior"] != 2.0 {
		t.Errorf("params = %v", got.PolicyParams)
	}
	if got.Enabled {
		t.Error("earlier update lost")
	}
}

func TestExperimentPolicyParamsRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)
	pool := createPool(t, c, "buttons", "a")
	exp, err := c.CreateExperiment(context.Background(), &catalog.Experiment{
		Name:         "exp-ctx",
		PoolID:       pool.ID,
		Policy:       "LinUCB",
		PolicyParams: map[string]any{"dim": 4.0, "alpha": 1.5},
		Enabled:      true,
	})
	if err != nil {
		t.Fatalf("CreateExperiment: %v", err)
	}

	got, err := c.GetExperiment(context.Background(), exp.ID)
	if err != nil {
		t.Fatalf("GetExperiment: %v", err)
	}
	if got.PolicyParams["dim"] != 4.0 || got.PolicyParams["alpha"] != 1.5 {
		t.Errorf("params = %v", got.PolicyParams)
	}
}

func TestGateCRUDAndVersioning(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)
	pool := createPool(t, c, "buttons", "a", "b")
	exp := createExperiment(t, c, "exp-1", pool.ID)

	cfg := &gate.Config{
		ExperimentID:      exp.ID,
		Enabled:           true,
		RolloutPercentage: 50,
		Rules: []gate.Rule{
			{Key: "tier", Operator: gate.OpEq, Value: "gold", Arm: &gate.CommittedArm{ID: pool.Arms[1].ID, Index: 1}},
		},
	}
	created, err := c.CreateGate(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateGate: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("version = %d, want 1", created.Version)
	}

	got, err := c.GetGate(context.Background(), exp.ID)
	if err != nil {
		t.Fatalf("GetGate: %v", err)
	}
	if got.RolloutPercentage != 50 || len(got.Rules) != 1 || got.Rules[0].Operator != gate.OpEq {
		t.Errorf("gate = %+v", got)
	}

	got.RolloutPercentage = 75
	updated, err := c.UpdateGate(context.Background(), got)
	if err != nil {
		t.Fatalf("UpdateGate: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version after update = %d, want 2", updated.Version)
	}

	if err := c.DeleteGate(context.Background(), exp.ID); err != nil {
		t.Fatalf("DeleteGate: %v", err)
	}
	if _, err := c.GetGate(context.Background(), exp.ID); !errors.Is(err, catalog.ErrGateNotFound) {
		t.Errorf("error = %v, want ErrGateNotFound", err)
	}
}

func TestGateUniquePerExperiment(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)
	pool := createPool(t, c, "buttons", "a")
	exp := createExperiment(t, c, "exp-1", pool.ID)

	if _, err := c.CreateGate(context.Background(), &gate.Config{ExperimentID: exp.ID, Enabled: true}); err != nil {
		t.Fatalf("CreateGate: %v", err)
	}
	_, err := c.CreateGate(context.Background(), &gate.Config{ExperimentID: exp.ID, Enabled: false})
	if !errors.Is(err, catalog.ErrDuplicateName) {
		t.Errorf("error = %v, want ErrDuplicateName", err)
	}
}

func TestGateRequiresExperiment(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)
	_, err := c.CreateGate(context.Background(), &gate.Config{ExperimentID: "missing"})
	if !errors.Is(err, catalog.ErrExperimentNotFound) {
		t.Errorf("error = %v, want ErrExperimentNotFound", err)
	}
}
