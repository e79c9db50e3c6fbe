package bandit

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// LinearState is the parameter state shared by LinUCB and LinTS.
//
// Design holds one dim x dim ridge design matrix per arm, stored
// row-major; RewardSum holds the reward-weighted context sum per arm.
// Alpha is LinUCB's confidence width, V is LinTS's posterior scale; the
// unused one stays at its default.
type LinearState struct {
	Arms      int         `json:"num_arms"`
	Dim       int         `json:"dim"`
	Alpha     float64     `json:"alpha"`
	V         float64     `json:"v"`
	Design    [][]float64 `json:"d"`
	RewardSum [][]float64 `json:"r"`
}

// NumArms implements State.
func (s *LinearState) NumArms() int { return s.Arms }

// design returns the arm's design matrix as a view over the stored slice.
func (s *LinearState) design(arm int) *mat.Dense {
	return mat.NewDense(s.Dim, s.Dim, s.Design[arm])
}

// rewardSum returns the arm's reward sum as a column vector view.
func (s *LinearState) rewardSum(arm int) *mat.VecDense {
	return mat.NewVecDense(s.Dim, s.RewardSum[arm])
}

func (s *LinearState) checkContext(ctx Context) (*mat.VecDense, error) {
	if len(ctx.Vector) != s.Dim {
		return nil, fmt.Errorf("%w: vector has %d features, state expects %d",
			ErrInvalidContext, len(ctx.Vector), s.Dim)
	}
	return mat.NewVecDense(s.Dim, cloneFloats(ctx.Vector)), nil
}

func initLinearState(numArms int, params map[string]any) (*LinearState, error) {
	opts := struct {
		Dim   int     `json:"dim"`
		Alpha float64 `json:"alpha"`
		V     float64 `json:"v"`
	}{Alpha: 1.5, V: 1.0}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	if opts.Dim <= 0 {
		return nil, fmt.Errorf("%w: dim must be positive", ErrInvalidPolicyParams)
	}
	if opts.Alpha <= 0 || opts.V <= 0 {
		return nil, fmt.Errorf("%w: alpha and v must be positive", ErrInvalidPolicyParams)
	}

	s := &LinearState{
		Arms:      numArms,
		Dim:       opts.Dim,
		Alpha:     opts.Alpha,
		V:         opts.V,
		Design:    make([][]float64, numArms),
		RewardSum: make([][]float64, numArms),
	}
	for a := range numArms {
		d := make([]float64, opts.Dim*opts.Dim)
		for i := range opts.Dim {
			d[i*opts.Dim+i] = 1.0
		}
		s.Design[a] = d
		s.RewardSum[a] = make([]float64, opts.Dim)
	}
	return s, nil
}

func trainLinear(st State, ctx Context, arm int, reward float64) (State, error) {
	s, ok := st.(*LinearState)
	if !ok {
		return nil, ErrStateMismatch
	}
	if err := checkArm(s, arm); err != nil {
		return nil, err
	}
	x, err := s.checkContext(ctx)
	if err != nil {
		return nil, err
	}

	next := *s
	next.Design = make([][]float64, s.Arms)
	next.RewardSum = make([][]float64, s.Arms)
	for a := range s.Arms {
		next.Design[a] = cloneFloats(s.Design[a])
		next.RewardSum[a] = cloneFloats(s.RewardSum[a])
	}

	d := next.design(arm)
	var outer mat.Dense
	outer.Outer(1, x, x)
	d.Add(d, &outer)

	r := next.rewardSum(arm)
	r.AddScaledVec(r, reward, x)
	return &next, nil
}

// invert computes A^-1, falling back to the SVD pseudo-inverse when A is
// singular. The second return reports whether any inverse was obtained.
func invert(a *mat.Dense) (*mat.Dense, bool) {
	n, _ := a.Dims()
	inv := mat.NewDense(n, n, nil)
	if err := inv.Inverse(a); err == nil {
		return inv, true
	}

	// Pseudo-inverse from the SVD: V * S^+ * U^T.
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	tol := 1e-15 * float64(n) * values[0]
	sinv := mat.NewDense(n, n, nil)
	for i, sv := range values {
		if sv > tol {
			sinv.Set(i, i, 1/sv)
		}
	}
	pinv := mat.NewDense(n, n, nil)
	pinv.Product(&v, sinv, u.T())
	return pinv, true
}

// linUCB is ridge-regression UCB (Li et al., 2010). The score for an arm
// is theta'x + alpha*sqrt(x'A^-1 x); a singular design matrix scores +Inf
// to force re-exploration of the arm.
type linUCB struct{}

func (linUCB) Name() string { return "LinUCB" }

func (linUCB) Init(numArms int, params map[string]any) (State, error) {
	return initLinearState(numArms, params)
}

func (linUCB) Select(st State, ctx Context, _ *rand.Rand) (int, error) {
	s, ok := st.(*LinearState)
	if !ok {
		return 0, ErrStateMismatch
	}
	x, err := s.checkContext(ctx)
	if err != nil {
		return 0, err
	}

	bounds := make([]float64, s.Arms)
	for a := range bounds {
		inv, ok := invert(s.design(a))
		if !ok {
			bounds[a] = math.Inf(1)
			continue
		}
		theta := mat.NewVecDense(s.Dim, nil)
		theta.MulVec(inv, s.rewardSum(a))

		mean := mat.Dot(theta, x)
		var ax mat.VecDense
		ax.MulVec(inv, x)
		bounds[a] = mean + s.Alpha*math.Sqrt(mat.Dot(x, &ax))
	}
	return argmax(bounds), nil
}

func (linUCB) Train(st State, ctx Context, arm int, reward float64) (State, error) {
	return trainLinear(st, ctx, arm, reward)
}

func (linUCB) Decode(data []byte) (State, error) {
	var s LinearState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// linTS is Bayesian linear regression Thompson Sampling (Agrawal &
// Goyal, 2013). Per arm it samples theta ~ N(A^-1 r, v^2 A^-1) and scores
// theta'x; when the posterior cannot be formed it degrades to the mean
// estimate, then to a zero prediction.
type linTS struct{}

func (linTS) Name() string { return "LinTS" }

func (linTS) Init(numArms int, params map[string]any) (State, error) {
	return initLinearState(numArms, params)
}

func (s *LinearState) sampleTheta(arm int, rng *rand.Rand) *mat.VecDense {
	inv, ok := invert(s.design(arm))
	if !ok {
		return mat.NewVecDense(s.Dim, nil)
	}
	mu := mat.NewVecDense(s.Dim, nil)
	mu.MulVec(inv, s.rewardSum(arm))

	// Symmetrize v^2 * A^-1 so the covariance factorization succeeds.
	cov := mat.NewSymDense(s.Dim, nil)
	for i := range s.Dim {
		for j := i; j < s.Dim; j++ {
			v := s.V * s.V * (inv.At(i, j) + inv.At(j, i)) / 2
			cov.SetSym(i, j, v)
		}
	}

	normal, ok := distmv.NewNormal(mu.RawVector().Data, cov, rng)
	if !ok {
		return mu
	}
	return mat.NewVecDense(s.Dim, normal.Rand(nil))
}

func (linTS) Select(st State, ctx Context, rng *rand.Rand) (int, error) {
	s, ok := st.(*LinearState)
	if !ok {
		return 0, ErrStateMismatch
	}
	x, err := s.checkContext(ctx)
	if err != nil {
		return 0, err
	}

	preds := make([]float64, s.Arms)
	for a := range preds {
		preds[a] = mat.Dot(s.sampleTheta(a, rng), x)
	}
	return argmax(preds), nil
}

func (linTS) Train(st State, ctx Context, arm int, reward float64) (State, error) {
	return trainLinear(st, ctx, arm, reward)
}

func (linTS) Decode(data []byte) (State, error) {
	var s LinearState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
