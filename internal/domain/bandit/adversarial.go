package bandit

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// EXP3State is the parameter state for EXP3. Weights are renormalized to
// sum to one after every update to avoid overflow.
type EXP3State struct {
	Arms    int       `json:"num_arms"`
	Gamma   float64   `json:"gamma"`
	Weights []float64 `json:"w"`
}

// NumArms implements State.
func (s *EXP3State) NumArms() int { return s.Arms }

// exp3 is the Exponential-weight algorithm for Exploration and
// Exploitation, for adversarial reward sequences. Gamma mixes a uniform
// exploration floor into the weight-proportional distribution.
type exp3 struct{}

func (exp3) Name() string { return "EXP3" }

func (exp3) Init(numArms int, params map[string]any) (State, error) {
	opts := struct {
		Gamma float64 `json:"gamma"`
	}{Gamma: 0.1}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	if opts.Gamma < 0 || opts.Gamma > 1 {
		return nil, fmt.Errorf("%w: gamma must be in [0,1]", ErrInvalidPolicyParams)
	}
	return &EXP3State{
		Arms:    numArms,
		Gamma:   opts.Gamma,
		Weights: filledFloats(numArms, 1.0),
	}, nil
}

func (s *EXP3State) probabilities() []float64 {
	sum := 0.0
	for _, w := range s.Weights {
		sum += w
	}
	p := make([]float64, s.Arms)
	for i, w := range s.Weights {
		p[i] = (1-s.Gamma)*(w/sum) + s.Gamma/float64(s.Arms)
	}
	return p
}

func (exp3) Select(st State, _ Context, rng *rand.Rand) (int, error) {
	s, ok := st.(*EXP3State)
	if !ok {
		return 0, ErrStateMismatch
	}
	p := s.probabilities()
	u := rng.Float64()
	acc := 0.0
	for i, pi := range p {
		acc += pi
		if u < acc {
			return i, nil
		}
	}
	return s.Arms - 1, nil
}

func (exp3) Train(st State, _ Context, arm int, reward float64) (State, error) {
	s, ok := st.(*EXP3State)
	if !ok {
		return nil, ErrStateMismatch
	}
	if err := checkArm(s, arm); err != nil {
		return nil, err
	}

	p := s.probabilities()

	next := *s
	next.Weights = cloneFloats(s.Weights)

	// Importance-weighted estimate touches only the played arm.
	estimate := reward / p[arm]
	next.Weights[arm] *= math.Exp(estimate * s.Gamma / float64(s.Arms))

	sum := 0.0
	for _, w := range next.Weights {
		sum += w
	}
	for i := range next.Weights {
		next.Weights[i] /= sum
	}
	return &next, nil
}

func (exp3) Decode(data []byte) (State, error) {
	var s EXP3State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// FPLState is the parameter state for Follow the Perturbed Leader.
type FPLState struct {
	Arms    int       `json:"num_arms"`
	Eta     float64   `json:"eta"`
	Rewards []float64 `json:"r"`
}

// NumArms implements State.
func (s *FPLState) NumArms() int { return s.Arms }

// fpl perturbs cumulative rewards with exponential noise of mean eta and
// follows the perturbed leader; training adds the raw reward only.
type fpl struct{}

func (fpl) Name() string { return "FPL" }

func (fpl) Init(numArms int, params map[string]any) (State, error) {
	opts := struct {
		Eta float64 `json:"eta"`
	}{Eta: 5.0}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	if opts.Eta <= 0 {
		return nil, fmt.Errorf("%w: eta must be positive", ErrInvalidPolicyParams)
	}
	return &FPLState{
		Arms:    numArms,
		Eta:     opts.Eta,
		Rewards: make([]float64, numArms),
	}, nil
}

func (fpl) Select(st State, _ Context, rng *rand.Rand) (int, error) {
	s, ok := st.(*FPLState)
	if !ok {
		return 0, ErrStateMismatch
	}
	noise := distuv.Exponential{Rate: 1.0 / s.Eta, Src: rng}
	perturbed := make([]float64, s.Arms)
	for i := range perturbed {
		perturbed[i] = s.Rewards[i] + noise.Rand()
	}
	return argmax(perturbed), nil
}

func (fpl) Train(st State, _ Context, arm int, reward float64) (State, error) {
	s, ok := st.(*FPLState)
	if !ok {
		return nil, ErrStateMismatch
	}
	if err := checkArm(s, arm); err != nil {
		return nil, err
	}

	next := *s
	next.Rewards = cloneFloats(s.Rewards)
	next.Rewards[arm] += reward
	return &next, nil
}

func (fpl) Decode(data []byte) (State, error) {
	var s FPLState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
