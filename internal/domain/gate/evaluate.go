package gate

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// State flags computed before rule evaluation. Any negative flag routes
// the request to the default arm.
const (
	flagDisabled = 1 << iota
	flagBlackout
	flagRolloutNeg
)

// Evaluate runs the gate for one request and returns the committed arm,
// or nil meaning "proceed to bandit selection".
//
// Any panic during evaluation is swallowed and treated as nil: a
// misconfigured gate must never break selection.
func Evaluate(cfg *Config, contextID string, metadata map[string]string) (arm *CommittedArm) {
	return evaluateAt(cfg, contextID, metadata, time.Now())
}

func evaluateAt(cfg *Config, contextID string, metadata map[string]string, now time.Time) (arm *CommittedArm) {
	defer func() {
		if recover() != nil {
			arm = nil
		}
	}()
	if cfg == nil {
		return nil
	}

	if cfg.stateFlags(contextID, now) != 0 {
		return cfg.DefaultArm
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.matches(metadata) {
			// First match decides, even when the stored rule carries no
			// arm: a nil arm falls open to bandit selection rather than
			// consulting later rules.
			return r.Arm
		}
	}
	return nil
}

func (c *Config) stateFlags(contextID string, now time.Time) int {
	flags := 0
	if !c.Enabled {
		flags |= flagDisabled
	}
	if !c.inSchedule(now) || !c.inActiveHours(now) {
		flags |= flagBlackout
	}
	if !c.inRollout(contextID) {
		flags |= flagRolloutNeg
	}
	return flags
}

// inRollout buckets the context id with xxhash64 mod 100. The hash is
// fixed: changing it would reshuffle the rollout population.
func (c *Config) inRollout(contextID string) bool {
	return float64(xxhash.Sum64String(contextID)%100) < c.RolloutPercentage
}

func (c *Config) location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) inSchedule(now time.Time) bool {
	loc := c.location()
	local := now.In(loc)
	if c.Schedule.Start != nil && local.Before(c.Schedule.Start.In(loc)) {
		return false
	}
	if c.Schedule.End != nil && local.After(c.Schedule.End.In(loc)) {
		return false
	}
	return true
}

func (c *Config) inActiveHours(now time.Time) bool {
	start, okStart := parseClock(c.ActiveHours.Start)
	end, okEnd := parseClock(c.ActiveHours.End)
	if !okStart || !okEnd {
		return true
	}

	local := now.In(c.location())
	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		return start <= minute && minute <= end
	}
	// Window wraps over midnight.
	return minute >= start || minute <= end
}

// parseClock parses "HH:MM" into minutes since midnight. An empty or
// malformed value reports false, which makes the window unbounded.
func parseClock(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// matches evaluates one rule against the request metadata. Missing keys
// and type errors fail the rule rather than erroring out.
func (r *Rule) matches(metadata map[string]string) bool {
	actual, ok := metadata[r.Key]
	if !ok {
		return false
	}

	switch r.Operator {
	case OpEq:
		return equalValue(actual, r.Value)
	case OpNe:
		return !equalValue(actual, r.Value)
	case OpGt, OpLt, OpGte, OpLte:
		return orderedCompare(actual, r.Value, r.Operator)
	case OpContains:
		return strings.Contains(actual, stringValue(r.Value))
	case OpNotContains:
		return !strings.Contains(actual, stringValue(r.Value))
	case OpIn:
		return inList(actual, r.Value)
	case OpNotIn:
		list, ok := r.Value.([]any)
		if !ok {
			return false
		}
		for _, v := range list {
			if equalValue(actual, v) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// equalValue compares the string metadata value against a JSON-decoded
// operand: numbers compare numerically, everything else by string form.
func equalValue(actual string, expected any) bool {
	if num, ok := numericValue(expected); ok {
		a, err := strconv.ParseFloat(actual, 64)
		return err == nil && a == num
	}
	return actual == stringValue(expected)
}

func orderedCompare(actual string, expected any, op Operator) bool {
	if num, ok := numericValue(expected); ok {
		a, err := strconv.ParseFloat(actual, 64)
		if err != nil {
			return false
		}
		switch op {
		case OpGt:
			return a > num
		case OpLt:
			return a < num
		case OpGte:
			return a >= num
		case OpLte:
			return a <= num
		}
		return false
	}

	s, ok := expected.(string)
	if !ok {
		return false
	}
	switch op {
	case OpGt:
		return actual > s
	case OpLt:
		return actual < s
	case OpGte:
		return actual >= s
	case OpLte:
		return actual <= s
	}
	return false
}

func inList(actual string, expected any) bool {
	list, ok := expected.([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		if equalValue(actual, v) {
			return true
		}
	}
	return false
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		return ""
	}
}
