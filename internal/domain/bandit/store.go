package bandit

import (
	"context"
	"time"
)

// ParamStore persists serialized parameter states keyed by experiment id.
// Values are opaque JSON; the policy's Decode gives them meaning.
//
// There is no per-key locking: the trainer is the sole training-time
// writer (one active consumer per group), and the selector only
// initializes absent keys with a deterministic value, so last-writer-wins
// is safe.
type ParamStore interface {
	// Get returns (nil, nil) when the key is absent.
	Get(ctx context.Context, experimentID string) ([]byte, error)
	// Set overwrites the state. ttl <= 0 stores without expiry.
	Set(ctx context.Context, experimentID string, state []byte, ttl time.Duration) error
	Delete(ctx context.Context, experimentID string) error
}
