package bandit

import (
	"encoding/json"
	"math/rand/v2"
)

// EpsilonGreedyState is the parameter state for decaying epsilon-greedy.
type EpsilonGreedyState struct {
	Arms  int       `json:"num_arms"`
	Eps   float64   `json:"eps"`
	Gamma float64   `json:"gamma"`
	Mu    []float64 `json:"mu"`
	Pulls []int64   `json:"T"`
}

// NumArms implements State.
func (s *EpsilonGreedyState) NumArms() int { return s.Arms }

// epsilonGreedy explores uniformly with probability eps and exploits the
// empirical best arm otherwise. Each Train step decays eps by (1-gamma),
// so gamma=0 keeps exploration constant.
type epsilonGreedy struct{}

func (epsilonGreedy) Name() string { return "EpsilonGreedy" }

func (epsilonGreedy) Init(numArms int, params map[string]any) (State, error) {
	opts := struct {
		Eps   float64 `json:"eps"`
		Gamma float64 `json:"gamma"`
	}{Eps: 0.1, Gamma: 0.0}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	return &EpsilonGreedyState{
		Arms:  numArms,
		Eps:   opts.Eps,
		Gamma: opts.Gamma,
		Mu:    make([]float64, numArms),
		Pulls: make([]int64, numArms),
	}, nil
}

func (epsilonGreedy) Select(st State, _ Context, rng *rand.Rand) (int, error) {
	s, ok := st.(*EpsilonGreedyState)
	if !ok {
		return 0, ErrStateMismatch
	}
	if rng.Float64() > s.Eps {
		return argmax(s.Mu), nil
	}
	return rng.IntN(s.Arms), nil
}

func (epsilonGreedy) Train(st State, _ Context, arm int, reward float64) (State, error) {
	s, ok := st.(*EpsilonGreedyState)
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
	next.Eps = s.Eps * (1 - s.Gamma)
	return &next, nil
}

func (epsilonGreedy) Decode(data []byte) (State, error) {
	var s EpsilonGreedyState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
