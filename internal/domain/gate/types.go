// Package gate implements per-experiment feature gating: enable/disable
// toggles, percentage rollout, schedule windows, active hours, and
// ordered metadata rules that commit a fixed arm.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownOperator is returned when a rule operator cannot be parsed.
var ErrUnknownOperator = errors.New("unknown rule operator")

// ErrInvalidConfig is returned when a gate config fails validation at
// write time.
var ErrInvalidConfig = errors.New("invalid gate config")

// Operator is a canonical rule comparison operator.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNe          Operator = "ne"
	OpGt          Operator = "gt"
	OpLt          Operator = "lt"
	OpGte         Operator = "gte"
	OpLte         Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// operatorAliases maps the accepted spellings onto canonical operators.
// Aliases are resolved at write time so stored configs always carry the
// canonical form.
var operatorAliases = map[string]Operator{
	"eq": OpEq, "==": OpEq, "equals": OpEq,
	"ne": OpNe, "!=": OpNe, "not_equals": OpNe,
	"gt": OpGt, ">": OpGt, "greater_than": OpGt,
	"lt": OpLt, "<": OpLt, "less_than": OpLt,
	"gte": OpGte, ">=": OpGte, "greater_or_equal": OpGte,
	"lte": OpLte, "<=": OpLte, "less_or_equal": OpLte,
	"contains":     OpContains,
	"not_contains": OpNotContains,
	"in":           OpIn,
	"not_in":       OpNotIn,
}

// ParseOperator canonicalizes an operator spelling.
func ParseOperator(s string) (Operator, error) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperator, s)
	}
	return op, nil
}

// CommittedArm identifies the fixed arm a gate decision commits to,
// bypassing bandit selection.
type CommittedArm struct {
	// ID is the arm's catalog id.
	ID string `json:"id"`
	// Name is the arm name at config time.
	Name string `json:"name"`
	// Index is the arm's dense pool index.
	Index int `json:"index"`
}

// Rule is one ordered metadata filter. The first matching rule wins.
type Rule struct {
	// Key addresses the context metadata entry to compare.
	Key string `json:"key"`
	// Operator is the canonical comparison operator.
	Operator Operator `json:"operator"`
	// Value is the comparison operand. For in/not_in it is a list.
	Value any `json:"value"`
	// Arm is committed when the rule matches. Write-time validation
	// rejects rules without one; should a stored rule still lack it, a
	// match falls open to bandit selection.
	Arm *CommittedArm `json:"arm,omitempty"`
}

// Window is a half-open time range; a nil endpoint is unbounded on that
// side.
type Window struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// HoursWindow is a daily active-hours range in the gate's timezone. A
// start after the end wraps over midnight.
type HoursWindow struct {
	// Start and End are "HH:MM" wall-clock times; empty means unbounded.
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Config is the full per-experiment gate configuration.
type Config struct {
	// ExperimentID keys the config.
	ExperimentID string `json:"experiment_id"`
	// Enabled turns the experiment off entirely when false.
	Enabled bool `json:"enabled"`
	// RolloutPercentage in [0,100] gates the share of context ids that
	// reach the bandit path.
	RolloutPercentage float64 `json:"rollout_percentage"`
	// DefaultArm is returned whenever the gate is negative (disabled,
	// blacked out, or outside the rollout). Nil means the caller skips
	// the experiment.
	DefaultArm *CommittedArm `json:"default_arm,omitempty"`
	// Schedule bounds the experiment to a calendar window.
	Schedule Window `json:"schedule"`
	// ActiveHours bounds the experiment to daily hours.
	ActiveHours HoursWindow `json:"active_hours"`
	// Timezone is the IANA zone for schedule and active-hours checks;
	// empty means UTC.
	Timezone string `json:"timezone,omitempty"`
	// Rules are evaluated in order after the state flags pass.
	Rules []Rule `json:"rules,omitempty"`
	// Version increments on every update.
	Version int64 `json:"version"`
}

// ConfigStore is the key-value view of gate configs the evaluator reads
// (the catalog remains the durable truth).
type ConfigStore interface {
	// GetConfig returns (nil, nil) when no config is stored.
	GetConfig(ctx context.Context, experimentID string) (*Config, error)
	PutConfig(ctx context.Context, cfg *Config) error
	DeleteConfig(ctx context.Context, experimentID string) error
}
