// Package feedback defines the reward event and the append-only stream
// contract connecting the proxy (producer) to the trainer (consumer).
package feedback

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedEvent is returned when stream field values cannot be
// decoded back into an Event.
var ErrMalformedEvent = errors.New("malformed feedback event")

// Event is one observed reward. Immutable once published.
type Event struct {
	// ExperimentID routes the event to its parameter state.
	ExperimentID string `json:"experiment_id"`
	// RequestID is the selection token the reward answers.
	RequestID string `json:"request_id"`
	// ArmIndex is the dense index of the arm that was served.
	ArmIndex int `json:"arm_index"`
	// Reward is the observed payoff.
	Reward float64 `json:"reward"`
	// ContextID identifies the selection subject.
	ContextID string `json:"context_id"`
	// ContextVector is the feature vector captured at select time.
	ContextVector []float64 `json:"context_vector,omitempty"`
	// ContextMetadata are the string attributes captured at select time.
	ContextMetadata map[string]string `json:"context_metadata,omitempty"`
	// TimestampMs is the select timestamp in epoch milliseconds.
	TimestampMs int64 `json:"timestamp_ms"`
}

// Values flattens the event into string stream fields. Scalars are
// stringified, compound fields are JSON.
func (e *Event) Values() (map[string]any, error) {
	vec, err := json.Marshal(e.ContextVector)
	if err != nil {
		return nil, err
	}
	md, err := json.Marshal(e.ContextMetadata)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"experiment_id":    e.ExperimentID,
		"request_id":       e.RequestID,
		"arm_index":        strconv.Itoa(e.ArmIndex),
		"reward":           strconv.FormatFloat(e.Reward, 'g', -1, 64),
		"context_id":       e.ContextID,
		"context_vector":   string(vec),
		"context_metadata": string(md),
		"timestamp_ms":     strconv.FormatInt(e.TimestampMs, 10),
	}, nil
}

// EventFromValues is the inverse of Values.
func EventFromValues(values map[string]any) (*Event, error) {
	get := func(key string) (string, error) {
		v, ok := values[key]
		if !ok {
			return "", fmt.Errorf("%w: missing field %q", ErrMalformedEvent, key)
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%w: field %q is not a string", ErrMalformedEvent, key)
		}
		return s, nil
	}

	e := &Event{}
	var err error
	if e.ExperimentID, err = get("experiment_id"); err != nil {
		return nil, err
	}
	if e.RequestID, err = get("request_id"); err != nil {
		return nil, err
	}
	if e.ContextID, err = get("context_id"); err != nil {
		return nil, err
	}

	rawArm, err := get("arm_index")
	if err != nil {
		return nil, err
	}
	if e.ArmIndex, err = strconv.Atoi(rawArm); err != nil {
		return nil, fmt.Errorf("%w: arm_index: %v", ErrMalformedEvent, err)
	}

	rawReward, err := get("reward")
	if err != nil {
		return nil, err
	}
	if e.Reward, err = strconv.ParseFloat(rawReward, 64); err != nil {
		return nil, fmt.Errorf("%w: reward: %v", ErrMalformedEvent, err)
	}

	rawTS, err := get("timestamp_ms")
	if err != nil {
		return nil, err
	}
	if e.TimestampMs, err = strconv.ParseInt(rawTS, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: timestamp_ms: %v", ErrMalformedEvent, err)
	}

	rawVec, err := get("context_vector")
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawVec), &e.ContextVector); err != nil {
		return nil, fmt.Errorf("%w: context_vector: %v", ErrMalformedEvent, err)
	}

	rawMD, err := get("context_metadata")
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawMD), &e.ContextMetadata); err != nil {
		return nil, fmt.Errorf("%w: context_metadata: %v", ErrMalformedEvent, err)
	}
	return e, nil
}
