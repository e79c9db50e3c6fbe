package bandit

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
)

// MOSSState is the parameter state for MOSS. Horizon is the fixed total
// number of rounds the index is tuned for.
type MOSSState struct {
	Arms    int       `json:"num_arms"`
	Horizon int64     `json:"horizon"`
	Mu      []float64 `json:"mu"`
	Pulls   []int64   `json:"T"`
	Round   int64     `json:"round"`
}

// NumArms implements State.
func (s *MOSSState) NumArms() int { return s.Arms }

// mossIndex is mu_i + sqrt(max(log(n/(K*T_i)), 0) / T_i) with n the
// horizon (or round proxy), K the arm count.
func mossIndex(mu float64, pulls int64, n, k int64) float64 {
	if pulls == 0 {
		return math.Inf(1)
	}
	logTerm := 0.0
	if n > k*pulls {
		logTerm = math.Log(float64(n) / float64(k*pulls))
	}
	return mu + math.Sqrt(math.Max(logTerm, 0)/float64(pulls))
}

// moss is the Minimax Optimal Strategy in the Stochastic case
// (Audibert & Bubeck, 2009); requires the horizon up front.
type moss struct{}

func (moss) Name() string { return "MOSS" }

func (moss) Init(numArms int, params map[string]any) (State, error) {
	opts := struct {
		Horizon int64 `json:"horizon"`
	}{Horizon: 10000}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	if opts.Horizon <= 0 {
		return nil, fmt.Errorf("%w: horizon must be positive", ErrInvalidPolicyParams)
	}
	return &MOSSState{
		Arms:    numArms,
		Horizon: opts.Horizon,
		Mu:      make([]float64, numArms),
		Pulls:   make([]int64, numArms),
	}, nil
}

func (moss) Select(st State, _ Context, _ *rand.Rand) (int, error) {
	s, ok := st.(*MOSSState)
	if !ok {
		return 0, ErrStateMismatch
	}
	indices := make([]float64, s.Arms)
	for i := range indices {
		indices[i] = mossIndex(s.Mu[i], s.Pulls[i], s.Horizon, int64(s.Arms))
	}
	return argmax(indices), nil
}

func (moss) Train(st State, _ Context, arm int, reward float64) (State, error) {
	s, ok := st.(*MOSSState)
	if !ok {
		return nil, ErrStateMismatch
	}
	if err := checkArm(s, arm); err != nil {
		return nil, err
	}

	next := *s
	next.Mu = cloneFloats(s.Mu)
	next.Pulls = cloneInts(s.Pulls)

	next.Pulls[arm]++
	next.Mu[arm] += (reward - s.Mu[arm]) / float64(next.Pulls[arm])
	next.Round++
	return &next, nil
}

func (moss) Decode(data []byte) (State, error) {
	var s MOSSState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MOSSAnytimeState is the parameter state for horizon-free MOSS.
type MOSSAnytimeState struct {
	Arms  int       `json:"num_arms"`
	Mu    []float64 `json:"mu"`
	Pulls []int64   `json:"T"`
	Round int64     `json:"round"`
}

// NumArms implements State.
func (s *MOSSAnytimeState) NumArms() int { return s.Arms }

// mossAnytime substitutes the current round for the horizon in the MOSS
// index, trading slightly worse constants for not needing the horizon.
type mossAnytime struct{}

func (mossAnytime) Name() string { return "MOSSAnytime" }

func (mossAnytime) Init(numArms int, params map[string]any) (State, error) {
	if err := decodeParams(params, &struct{}{}); err != nil {
		return nil, err
	}
	return &MOSSAnytimeState{
		Arms:  numArms,
		Mu:    make([]float64, numArms),
		Pulls: make([]int64, numArms),
	}, nil
}

func (mossAnytime) Select(st State, _ Context, _ *rand.Rand) (int, error) {
	s, ok := st.(*MOSSAnytimeState)
	if !ok {
		return 0, ErrStateMismatch
	}
	t := max(s.Round, 1)
	indices := make([]float64, s.Arms)
	for i := range indices {
		indices[i] = mossIndex(s.Mu[i], s.Pulls[i], t, int64(s.Arms))
	}
	return argmax(indices), nil
}

func (mossAnytime) Train(st State, _ Context, arm int, reward float64) (State, error) {
	s, ok := st.(*MOSSAnytimeState)
	if !ok {
		return nil, ErrStateMismatch
	}
	if err := checkArm(s, arm); err != nil {
		return nil, err
	}

	next := *s
	next.Mu = cloneFloats(s.Mu)
	next.Pulls = cloneInts(s.Pulls)

	next.Pulls[arm]++
	next.Mu[arm] += (reward - s.Mu[arm]) / float64(next.Pulls[arm])
	next.Round++
	return &next, nil
}

func (mossAnytime) Decode(data []byte) (State, error) {
	var s MOSSAnytimeState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
