package bandit

import (
	"encoding/json"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// BetaTSState is the parameter state for Beta-Bernoulli Thompson Sampling.
type BetaTSState struct {
	Arms       int       `json:"num_arms"`
	AlphaPrior float64   `json:"alpha_prior"`
	BetaPrior  float64   `json:"beta_prior"`
	Alpha      []float64 `json:"alpha"`
	Beta       []float64 `json:"beta"`
	Pulls      []int64   `json:"T"`
}

// NumArms implements State.
func (s *BetaTSState) NumArms() int { return s.Arms }

// betaTS is Thompson Sampling with Beta conjugate priors for Bernoulli
// rewards. Rewards are binarized at 0.5 during training.
type betaTS struct{}

func (betaTS) Name() string { return "BetaTS" }

func (betaTS) Init(numArms int, params map[string]any) (State, error) {
	opts := struct {
		AlphaPrior float64 `json:"alpha_prior"`
		BetaPrior  float64 `json:"beta_prior"`
	}{AlphaPrior: 1.0, BetaPrior: 1.0}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	return &BetaTSState{
		Arms:       numArms,
		AlphaPrior: opts.AlphaPrior,
		BetaPrior:  opts.BetaPrior,
		Alpha:      filledFloats(numArms, opts.AlphaPrior),
		Beta:       filledFloats(numArms, opts.BetaPrior),
		Pulls:      make([]int64, numArms),
	}, nil
}

func (betaTS) Select(st State, _ Context, rng *rand.Rand) (int, error) {
	s, ok := st.(*BetaTSState)
	if !ok {
		return 0, ErrStateMismatch
	}
	samples := make([]float64, s.Arms)
	for i := range samples {
		samples[i] = distuv.Beta{Alpha: s.Alpha[i], Beta: s.Beta[i], Src: rng}.Rand()
	}
	return argmax(samples), nil
}

func (betaTS) Train(st State, _ Context, arm int, reward float64) (State, error) {
	s, ok := st.(*BetaTSState)
	if !ok {
		return nil, ErrStateMismatch
	}
	if err := checkArm(s, arm); err != nil {
		return nil, err
	}

	next := *s
	next.Alpha = cloneFloats(s.Alpha)
	next.Beta = cloneFloats(s.Beta)
	next.Pulls = cloneInts(s.Pulls)

	binary := 0.0
	if reward > 0.5 {
		binary = 1.0
	}
	next.Pulls[arm]++
	next.Alpha[arm] += binary
	next.Beta[arm] += 1.0 - binary
	return &next, nil
}

func (betaTS) Decode(data []byte) (State, error) {
	var s BetaTSState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GaussianTSState is the parameter state for Gaussian Thompson Sampling.
type GaussianTSState struct {
	Arms               int       `json:"num_arms"`
	PriorMean          float64   `json:"prior_mean"`
	PriorPrecision     float64   `json:"prior_precision"`
	NoisePrecision     float64   `json:"noise_precision"`
	PosteriorMean      []float64 `json:"posterior_mean"`
	PosteriorPrecision []float64 `json:"posterior_precision"`
	Pulls              []int64   `json:"T"`
}

// NumArms implements State.
func (s *GaussianTSState) NumArms() int { return s.Arms }

// gaussianTS is Thompson Sampling with Gaussian conjugate priors for
// continuous rewards; both posterior mean and precision are updated.
type gaussianTS struct{}

func (gaussianTS) Name() string { return "GaussianTS" }

func (gaussianTS) Init(numArms int, params map[string]any) (State, error) {
	opts := struct {
		PriorMean      float64 `json:"prior_mean"`
		PriorPrecision float64 `json:"prior_precision"`
		NoisePrecision float64 `json:"noise_precision"`
	}{PriorMean: 0.0, PriorPrecision: 1.0, NoisePrecision: 1.0}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	return &GaussianTSState{
		Arms:               numArms,
		PriorMean:          opts.PriorMean,
		PriorPrecision:     opts.PriorPrecision,
		NoisePrecision:     opts.NoisePrecision,
		PosteriorMean:      filledFloats(numArms, opts.PriorMean),
		PosteriorPrecision: filledFloats(numArms, opts.PriorPrecision),
		Pulls:              make([]int64, numArms),
	}, nil
}

func (gaussianTS) Select(st State, _ Context, rng *rand.Rand) (int, error) {
	s, ok := st.(*GaussianTSState)
	if !ok {
		return 0, ErrStateMismatch
	}
	samples := make([]float64, s.Arms)
	for i := range samples {
		sigma := 1.0 / math.Sqrt(s.PosteriorPrecision[i])
		samples[i] = distuv.Normal{Mu: s.PosteriorMean[i], Sigma: sigma, Src: rng}.Rand()
	}
	return argmax(samples), nil
}

func (gaussianTS) Train(st State, _ Context, arm int, reward float64) (State, error) {
	s, ok := st.(*GaussianTSState)
	if !ok {
		return nil, ErrStateMismatch
	}
	if err := checkArm(s, arm); err != nil {
		return nil, err
	}

	next := *s
	next.PosteriorMean = cloneFloats(s.PosteriorMean)
	next.PosteriorPrecision = cloneFloats(s.PosteriorPrecision)
	next.Pulls = cloneInts(s.Pulls)

	prevPrecision := s.PosteriorPrecision[arm]
	prevMean := s.PosteriorMean[arm]

	next.Pulls[arm]++
	next.PosteriorPrecision[arm] = prevPrecision + s.NoisePrecision
	next.PosteriorMean[arm] = (prevPrecision*prevMean + s.NoisePrecision*reward) / next.PosteriorPrecision[arm]
	return &next, nil
}

func (gaussianTS) Decode(data []byte) (State, error) {
	var s GaussianTSState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
