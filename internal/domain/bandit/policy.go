package bandit

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
)

// ErrUnknownPolicy is returned when a policy name is not registered.
var ErrUnknownPolicy = errors.New("unknown policy")

// ErrInvalidContext is returned by contextual policies when the context
// vector's length does not match the state's feature dimension.
var ErrInvalidContext = errors.New("invalid context")

// ErrInvalidPolicyParams is returned when policy parameter overrides fail
// to decode or violate a parameter constraint.
var ErrInvalidPolicyParams = errors.New("invalid policy params")

// ErrStateMismatch is returned when a State value does not belong to the
// policy it was passed to.
var ErrStateMismatch = errors.New("param state does not match policy")

// ErrArmOutOfRange is returned by Train when the arm index does not
// address an arm of the state.
var ErrArmOutOfRange = errors.New("arm index out of range")

// State is the learned parameter state of one experiment under one policy.
// Implementations are plain JSON-serializable structs; all array-valued
// fields have length NumArms().
type State interface {
	NumArms() int
}

// Policy is one exploration strategy over a fixed set of arms.
//
// Select and Train are pure up to the RNG: Train returns a new State and
// never mutates its input, so in-flight readers observe a consistent
// snapshot. Select must return an index in [0, NumArms()).
type Policy interface {
	// Name is the registry key, stored in the experiment record.
	Name() string
	// Init builds a zero/identity-initialized state for numArms arms.
	// params holds per-experiment overrides for the policy's priors and
	// hyperparameters; unknown keys are ignored.
	Init(numArms int, params map[string]any) (State, error)
	// Select picks an arm for the given context.
	Select(s State, ctx Context, rng *rand.Rand) (int, error)
	// Train folds one observed reward into the state and returns the
	// updated copy.
	Train(s State, ctx Context, arm int, reward float64) (State, error)
	// Decode unmarshals a serialized state previously produced by
	// json.Marshal of this policy's State.
	Decode(data []byte) (State, error)
}

// Registry is an explicit name-to-policy table. It is populated once at
// construction and read-only afterwards, so lookups need no locking.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry builds a registry containing every built-in policy.
func NewRegistry() *Registry {
	r := &Registry{policies: make(map[string]Policy)}
	for _, p := range []Policy{
		betaTS{},
		gaussianTS{},
		ucb1Tuned{},
		klUCB{},
		klUCBPlus{},
		epsilonGreedy{},
		moss{},
		mossAnytime{},
		linUCB{},
		linTS{},
		exp3{},
		fpl{},
	} {
		r.policies[p.Name()] = p
	}
	return r
}

// Lookup returns the policy registered under name.
func (r *Registry) Lookup(name string) (Policy, error) {
	p, ok := r.policies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return p, nil
}

// Names returns all registered policy names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeParams applies JSON-shaped overrides onto a defaults-prefilled
// params struct.
func decodeParams(overrides map[string]any, dst any) error {
	if len(overrides) == 0 {
		return nil
	}
	raw, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicyParams, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicyParams, err)
	}
	return nil
}

// argmax returns the index of the largest value; ties resolve to the
// lowest index.
func argmax(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}

func cloneFloats(src []float64) []float64 {
	dst := make([]float64, len(src))
	copy(dst, src)
	return dst
}

func cloneInts(src []int64) []int64 {
	dst := make([]int64, len(src))
	copy(dst, src)
	return dst
}

func filledFloats(n int, v float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func checkArm(s State, arm int) error {
	if arm < 0 || arm >= s.NumArms() {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrArmOutOfRange, arm, s.NumArms())
	}
	return nil
}
