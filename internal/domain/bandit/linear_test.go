package bandit

import (
	"errors"
	"testing"
)

func TestLinearInitBuildsIdentityDesign(t *testing.T) {
	t.Parallel()

	st, err := initLinearState(2, map[string]any{"dim": 3})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	for a := range 2 {
		d := st.design(a)
		for i := range 3 {
			for j := range 3 {
				want := 0.0
				if i == j {
					want = 1.0
				}
				if d.At(i, j) != want {
					t.Errorf("arm %d design[%d][%d] = %v, want %v", a, i, j, d.At(i, j), want)
				}
			}
		}
	}
}

func TestLinearInitRejectsBadParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		params map[string]any
	}{
		{name: "missing dim", params: nil},
		{name: "zero dim", params: map[string]any{"dim": 0}},
		{name: "negative alpha", params: map[string]any{"dim": 2, "alpha": -1.0}},
		{name: "zero v", params: map[string]any{"dim": 2, "v": 0.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := initLinearState(2, tt.params); !errors.Is(err, ErrInvalidPolicyParams) {
				t.Errorf("error = %v, want ErrInvalidPolicyParams", err)
			}
		})
	}
}

func TestLinearTrainUpdatesDesignAndRewardSum(t *testing.T) {
	t.Parallel()

	st, _ := initLinearState(2, map[string]any{"dim": 2})
	ctx := Context{Vector: []float64{1.0, 2.0}}

	next, err := trainLinear(st, ctx, 0, 3.0)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	s := next.(*LinearState)

	// A += x x^T on top of the identity.
	wantDesign := [][]float64{{2, 2}, {2, 5}}
	d := s.design(0)
	for i := range 2 {
		for j := range 2 {
			if d.At(i, j) != wantDesign[i][j] {
				t.Errorf("design[%d][%d] = %v, want %v", i, j, d.At(i, j), wantDesign[i][j])
			}
		}
	}
	// r += reward * x.
	if s.RewardSum[0][0] != 3.0 || s.RewardSum[0][1] != 6.0 {
		t.Errorf("reward sum = %v, want [3 6]", s.RewardSum[0])
	}
	// The other arm and the input state are untouched.
	if s.RewardSum[1][0] != 0 {
		t.Errorf("untrained arm reward sum = %v, want 0", s.RewardSum[1][0])
	}
	if orig := st.Design[0][0]; orig != 1.0 {
		t.Errorf("train mutated input design: %v", orig)
	}
}

func TestLinearContextDimensionMismatch(t *testing.T) {
	t.Parallel()

	for _, p := range []Policy{linUCB{}, linTS{}} {
		st, err := p.Init(2, map[string]any{"dim": 3})
		if err != nil {
			t.Fatalf("%s Init: %v", p.Name(), err)
		}
		bad := Context{Vector: []float64{1.0}}
		if _, err := p.Select(st, bad, testRNG()); !errors.Is(err, ErrInvalidContext) {
			t.Errorf("%s Select error = %v, want ErrInvalidContext", p.Name(), err)
		}
		if _, err := p.Train(st, bad, 0, 1.0); !errors.Is(err, ErrInvalidContext) {
			t.Errorf("%s Train error = %v, want ErrInvalidContext", p.Name(), err)
		}
	}
}

func TestLinUCBLearnsContextDirection(t *testing.T) {
	t.Parallel()

	p := linUCB{}
	st, _ := p.Init(2, map[string]any{"dim": 2, "alpha": 0.1})

	// Arm 0 pays on the first feature, arm 1 on the second.
	var err error
	for range 40 {
		if st, err = p.Train(st, Context{Vector: []float64{1, 0}}, 0, 1.0); err != nil {
			t.Fatalf("Train: %v", err)
		}
		if st, err = p.Train(st, Context{Vector: []float64{0, 1}}, 1, 1.0); err != nil {
			t.Fatalf("Train: %v", err)
		}
		if st, err = p.Train(st, Context{Vector: []float64{0, 1}}, 0, 0.0); err != nil {
			t.Fatalf("Train: %v", err)
		}
		if st, err = p.Train(st, Context{Vector: []float64{1, 0}}, 1, 0.0); err != nil {
			t.Fatalf("Train: %v", err)
		}
	}

	arm, err := p.Select(st, Context{Vector: []float64{1, 0}}, testRNG())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if arm != 0 {
		t.Errorf("context [1 0] selected arm %d, want 0", arm)
	}
	arm, err = p.Select(st, Context{Vector: []float64{0, 1}}, testRNG())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if arm != 1 {
		t.Errorf("context [0 1] selected arm %d, want 1", arm)
	}
}

func TestLinTSSelectsWithoutError(t *testing.T) {
	t.Parallel()

	p := linTS{}
	st, _ := p.Init(3, map[string]any{"dim": 2, "v": 0.5})
	ctx := Context{Vector: []float64{0.3, 0.7}}

	rng := testRNG()
	for range 10 {
		arm, err := p.Select(st, ctx, rng)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if arm < 0 || arm >= 3 {
			t.Fatalf("arm %d out of range", arm)
		}
		if st, err = p.Train(st, ctx, arm, 0.5); err != nil {
			t.Fatalf("Train: %v", err)
		}
	}
}

func TestInvertFallsBackToPseudoInverse(t *testing.T) {
	t.Parallel()

	st, _ := initLinearState(1, map[string]any{"dim": 2})
	// Make the design singular: rank-1 matrix.
	st.Design[0] = []float64{1, 1, 1, 1}

	inv, ok := invert(st.design(0))
	if !ok {
		t.Fatal("invert failed on singular matrix")
	}
	// Pseudo-inverse of the all-ones 2x2 matrix has entries 1/4.
	for i := range 2 {
		for j := range 2 {
			if diff := inv.At(i, j) - 0.25; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("pinv[%d][%d] = %v, want 0.25", i, j, inv.At(i, j))
			}
		}
	}
}
