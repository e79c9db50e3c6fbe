// Package bandit contains the bandit policy family: per-policy parameter
// state, the select/train contracts, and the policy registry.
package bandit

// Context carries the per-request selection context.
//
// Stochastic policies ignore Vector entirely. Contextual policies (LinUCB,
// LinTS) require len(Vector) to match the state's feature dimension and
// return ErrInvalidContext otherwise.
type Context struct {
	// ID identifies the subject of the request (user, session, device).
	ID string
	// Vector is the feature vector for contextual policies.
	Vector []float64
	// Metadata holds free-form string attributes, used by feature gate
	// rules upstream of selection.
	Metadata map[string]string
}
