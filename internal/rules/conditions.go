package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Condition kinds as they appear in seed documents.
const (
	KindTimeWindow  = "time_window"
	KindEntityState = "entity_state"
)

// ConditionSpec is the serialized form of a condition. It is decoded
// into a concrete [Condition] once, when the rule is loaded.
type ConditionSpec struct {
	Type     string `json:"type" yaml:"type"`
	After    string `json:"after,omitempty" yaml:"after"`
	Before   string `json:"before,omitempty" yaml:"before"`
	EntityID string `json:"entity_id,omitempty" yaml:"entity_id"`
	State    string `json:"state,omitempty" yaml:"state"`
}

// Env is what a condition is evaluated against.
type Env struct {
	Now time.Time
	// StateOf returns the current state of an entity, or false when
	// the entity is unknown.
	StateOf func(entityID string) (string, bool)
}

// Condition is a decoded guard or trigger condition.
type Condition interface {
	Kind() string
	Holds(env Env) bool
	Describe() string
}

// TimeWindow holds between After (inclusive) and Before (exclusive),
// wrapping midnight when After is later than Before.
type TimeWindow struct {
	After  Clock
	Before Clock
}

func (TimeWindow) Kind() string { return KindTimeWindow }

func (w TimeWindow) Holds(env Env) bool {
	m := Clock(env.Now.Hour()*60 + env.Now.Minute())
	if w.After <= w.Before {
		return m >= w.After && m < w.Before
	}
	return m >= w.After || m < w.Before
}

func (w TimeWindow) Describe() string {
	return fmt.Sprintf("between %s and %s", w.After, w.Before)
}

// EntityState holds while an entity reports the given state.
type EntityState struct {
	EntityID string
	State    string
}

func (EntityState) Kind() string { return KindEntityState }

func (e EntityState) Holds(env Env) bool {
	if env.StateOf == nil {
		return false
	}
	s, ok := env.StateOf(e.EntityID)
	return ok && s == e.State
}

func (e EntityState) Describe() string {
	return fmt.Sprintf("while %s is %s", e.EntityID, e.State)
}

// Clock is a time of day in minutes past midnight.
type Clock int

// ParseClock parses "HH:MM" in 24-hour form.
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Decode turns a spec into its concrete condition.
func (s ConditionSpec) Decode() (Condition, error) {
	switch s.Type {
	case KindTimeWindow:
		after, err := ParseClock(s.After)
		if err != nil {
			return nil, fmt.Errorf("time_window after: %w", err)
		}
		before, err := ParseClock(s.Before)
		if err != nil {
			return nil, fmt.Errorf("time_window before: %w", err)
		}
		return TimeWindow{After: after, Before: before}, nil
	case KindEntityState:
		if s.EntityID == "" || s.State == "" {
			return nil, fmt.Errorf("entity_state condition requires entity_id and state")
		}
		return EntityState{EntityID: s.EntityID, State: s.State}, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", s.Type)
	}
}

// DecodeConditions decodes every spec, failing on the first bad one.
func DecodeConditions(specs []ConditionSpec) ([]Condition, error) {
	out := make([]Condition, 0, len(specs))
	for i, s := range specs {
		c, err := s.Decode()
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// AllHold reports whether every condition holds. An empty list holds.
func AllHold(conds []Condition, env Env) bool {
	for _, c := range conds {
		if !c.Holds(env) {
			return false
		}
	}
	return true
}
