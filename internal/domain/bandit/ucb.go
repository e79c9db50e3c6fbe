package bandit

import (
	"encoding/json"
	"math"
	"math/rand/v2"
)

// UCB1TunedState is the parameter state for UCB1-Tuned.
type UCB1TunedState struct {
	Arms     int       `json:"num_arms"`
	Alpha    float64   `json:"alpha"`
	Mu       []float64 `json:"mu"`
	Pulls    []int64   `json:"T"`
	RewardSq []float64 `json:"rsq"`
	Round    int64     `json:"round"`
}

// NumArms implements State.
func (s *UCB1TunedState) NumArms() int { return s.Arms }

// ucb1Tuned uses per-arm variance estimates to compute tighter confidence
// bounds than plain UCB1. Unpulled arms score +Inf.
type ucb1Tuned struct{}

func (ucb1Tuned) Name() string { return "UCB1Tuned" }

func (ucb1Tuned) Init(numArms int, params map[string]any) (State, error) {
	opts := struct {
		Alpha float64 `json:"alpha"`
	}{Alpha: 2.0}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	return &UCB1TunedState{
		Arms:     numArms,
		Alpha:    opts.Alpha,
		Mu:       make([]float64, numArms),
		Pulls:    make([]int64, numArms),
		RewardSq: make([]float64, numArms),
	}, nil
}

func (s *UCB1TunedState) varianceUpperBound(arm int) float64 {
	if s.Pulls[arm] == 0 {
		return math.Inf(1)
	}
	t := float64(s.Pulls[arm])
	sigma := s.RewardSq[arm]/t - s.Mu[arm]*s.Mu[arm]
	delta := math.Sqrt(s.Alpha * math.Log(float64(s.Round)+1) / t)
	return sigma + delta
}

func (s *UCB1TunedState) upperBound(arm int) float64 {
	if s.Pulls[arm] == 0 {
		return math.Inf(1)
	}
	bound := math.Min(0.25, s.varianceUpperBound(arm))
	t := float64(s.Pulls[arm])
	return s.Mu[arm] + math.Sqrt(bound*math.Log(float64(s.Round)+1)/t)
}

func (ucb1Tuned) Select(st State, _ Context, _ *rand.Rand) (int, error) {
	s, ok := st.(*UCB1TunedState)
	if !ok {
		return 0, ErrStateMismatch
	}
	bounds := make([]float64, s.Arms)
	for i := range bounds {
		bounds[i] = s.upperBound(i)
	}
	return argmax(bounds), nil
}

func (ucb1Tuned) Train(st State, _ Context, arm int, reward float64) (State, error) {
	s, ok := st.(*UCB1TunedState)
	if !ok {
		return nil, ErrStateMismatch
	}
	if err := checkArm(s, arm); err != nil {
		return nil, err
	}

	next := *s
	next.Mu = cloneFloats(s.Mu)
	next.Pulls = cloneInts(s.Pulls)
	next.RewardSq = cloneFloats(s.RewardSq)

	next.Pulls[arm]++
	next.RewardSq[arm] += reward * reward
	next.Mu[arm] += (reward - s.Mu[arm]) / float64(next.Pulls[arm])
	next.Round++
	return &next, nil
}

func (ucb1Tuned) Decode(data []byte) (State, error) {
	var s UCB1TunedState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// KLUCBState is the parameter state shared by KL-UCB and KL-UCB+.
type KLUCBState struct {
	Arms    int       `json:"num_arms"`
	C       float64   `json:"c"`
	Rewards []float64 `json:"S"`
	Pulls   []int64   `json:"N"`
	Round   int64     `json:"round"`
}

// NumArms implements State.
func (s *KLUCBState) NumArms() int { return s.Arms }

const (
	klTolerance     = 1e-6
	klMaxIterations = 50
)

// klBernoulli is the KL divergence between Bernoulli(p) and Bernoulli(q).
func klBernoulli(p, q float64) float64 {
	p = math.Max(0, math.Min(1, p))
	q = math.Max(0, math.Min(1, q))

	switch {
	case p == 0:
		if q == 1 {
			return math.Inf(1)
		}
		return -math.Log(1 - q)
	case p == 1:
		if q == 0 {
			return math.Inf(1)
		}
		return -math.Log(q)
	case q == 0 || q == 1:
		return math.Inf(1)
	}
	return p*math.Log(p/q) + (1-p)*math.Log((1-p)/(1-q))
}

// klBisect finds the largest q in [pHat, 1] with kl(pHat, q) <= threshold
// by bisection.
func klBisect(pHat, threshold float64) float64 {
	if threshold < 1e-10 {
		return pHat
	}
	left, right := pHat, 1.0
	if klBernoulli(pHat, right) <= threshold {
		return right
	}
	for range klMaxIterations {
		mid := (left + right) / 2
		div := klBernoulli(pHat, mid)
		if math.Abs(div-threshold) < klTolerance {
			return mid
		}
		if div < threshold {
			left = mid
		} else {
			right = mid
		}
		if right-left < klTolerance {
			break
		}
	}
	return (left + right) / 2
}

func initKLUCB(numArms int, params map[string]any) (*KLUCBState, error) {
	opts := struct {
		C float64 `json:"c"`
	}{C: 0.0}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	return &KLUCBState{
		Arms:    numArms,
		C:       opts.C,
		Rewards: make([]float64, numArms),
		Pulls:   make([]int64, numArms),
	}, nil
}

func trainKLUCB(st State, arm int, reward float64) (State, error) {
	s, ok := st.(*KLUCBState)
	if !ok {
		return nil, ErrStateMismatch
	}
	if err := checkArm(s, arm); err != nil {
		return nil, err
	}

	next := *s
	next.Rewards = cloneFloats(s.Rewards)
	next.Pulls = cloneInts(s.Pulls)

	reward = math.Max(0, math.Min(1, reward))
	next.Pulls[arm]++
	next.Rewards[arm] += reward
	next.Round++
	return &next, nil
}

// klUCB achieves the Lai-Robbins lower bound for Bernoulli rewards
// (Garivier & Cappe, 2011).
type klUCB struct{}

func (klUCB) Name() string { return "KLUCB" }

func (klUCB) Init(numArms int, params map[string]any) (State, error) {
	return initKLUCB(numArms, params)
}

func (s *KLUCBState) klUpperBound(arm int, t int64) float64 {
	if s.Pulls[arm] == 0 {
		return math.Inf(1)
	}
	pHat := s.Rewards[arm] / float64(s.Pulls[arm])

	var threshold float64
	if t > 1 {
		logT := math.Log(float64(t))
		logLogT := 0.0
		if logT > 1 {
			logLogT = math.Log(logT)
		}
		threshold = (logT + s.C*logLogT) / float64(s.Pulls[arm])
	}
	return klBisect(pHat, threshold)
}

func (klUCB) Select(st State, _ Context, _ *rand.Rand) (int, error) {
	s, ok := st.(*KLUCBState)
	if !ok {
		return 0, ErrStateMismatch
	}
	t := s.Round + 1
	bounds := make([]float64, s.Arms)
	for i := range bounds {
		bounds[i] = s.klUpperBound(i, t)
	}
	return argmax(bounds), nil
}

func (klUCB) Train(st State, _ Context, arm int, reward float64) (State, error) {
	return trainKLUCB(st, arm, reward)
}

func (klUCB) Decode(data []byte) (State, error) {
	var s KLUCBState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// klUCBPlus uses log(t/N[a]) instead of log(t) in the exploration bonus,
// inspired by MOSS and DMED+.
type klUCBPlus struct{}

func (klUCBPlus) Name() string { return "KLUCBPlus" }

func (klUCBPlus) Init(numArms int, params map[string]any) (State, error) {
	return initKLUCB(numArms, params)
}

func (s *KLUCBState) klPlusUpperBound(arm int, t int64) float64 {
	if s.Pulls[arm] == 0 {
		return math.Inf(1)
	}
	n := float64(s.Pulls[arm])
	pHat := s.Rewards[arm] / n

	logRatio := math.Log(math.Max(float64(t)/n, 1.0))
	if logRatio <= 0 {
		return pHat
	}
	logLogRatio := 0.0
	if logRatio > 1 {
		logLogRatio = math.Log(logRatio)
	}
	threshold := (logRatio + s.C*logLogRatio) / n
	return klBisect(pHat, threshold)
}

func (klUCBPlus) Select(st State, _ Context, _ *rand.Rand) (int, error) {
	s, ok := st.(*KLUCBState)
	if !ok {
		return 0, ErrStateMismatch
	}
	t := s.Round + 1
	bounds := make([]float64, s.Arms)
	for i := range bounds {
		bounds[i] = s.klPlusUpperBound(i, t)
	}
	return argmax(bounds), nil
}

func (klUCBPlus) Train(st State, _ Context, arm int, reward float64) (State, error) {
	return trainKLUCB(st, arm, reward)
}

func (klUCBPlus) Decode(data []byte) (State, error) {
	var s KLUCBState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
