// Package rules stores device override rules and guardrail/automation
// rules, and applies overrides to actions proposed by the model.
package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when a named rule does not exist.
var ErrNotFound = errors.New("rule not found")

// Type distinguishes guardrails, which constrain what the model may do,
// from automations, which describe actions to take.
type Type string

const (
	TypeGuardrail  Type = "guardrail"
	TypeAutomation Type = "automation"
)

// OverrideRule redirects actions aimed at TriggerEntity to TargetEntity
// unless the command text contains one of OverrideKeywords.
type OverrideRule struct {
	ID               int64    `json:"id" yaml:"-"`
	TriggerEntity    string   `json:"trigger_entity" yaml:"trigger_entity"`
	TargetEntity     string   `json:"target_entity" yaml:"target_entity"`
	OverrideKeywords []string `json:"override_keywords" yaml:"override_keywords"`
}

// TargetAction is one service call an automation performs.
type TargetAction struct {
	Service  string         `json:"service" yaml:"service"`
	EntityID string         `json:"entity_id" yaml:"entity_id"`
	Data     map[string]any `json:"data,omitempty" yaml:"data"`
}

// Rule is a guardrail or an automation.
type Rule struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Type        Type   `json:"type" yaml:"type"`
	IsActive    bool   `json:"is_active" yaml:"is_active"`
	Priority    int    `json:"priority" yaml:"priority"`

	// Guardrail fields.
	TargetEntityPattern string          `json:"target_entity_pattern,omitempty" yaml:"target_entity_pattern"`
	BlockedActions      []string        `json:"blocked_actions,omitempty" yaml:"blocked_actions"`
	GuardConditions     []ConditionSpec `json:"guard_conditions,omitempty" yaml:"guard_conditions"`
	OverrideKeywords    []string        `json:"override_keywords,omitempty" yaml:"override_keywords"`

	// Automation fields.
	TriggerConditions []ConditionSpec `json:"trigger_conditions,omitempty" yaml:"trigger_conditions"`
	TargetActions     []TargetAction  `json:"target_actions,omitempty" yaml:"target_actions"`
	ExecutionSchedule string          `json:"execution_schedule,omitempty" yaml:"execution_schedule"`

	// Decoded forms of GuardConditions and TriggerConditions, filled
	// by Decode.
	Guards   []Condition `json:"-" yaml:"-"`
	Triggers []Condition `json:"-" yaml:"-"`
}

// Decode validates the rule and decodes its conditions.
func (r *Rule) Decode() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name is required")
	}
	switch r.Type {
	case TypeGuardrail, TypeAutomation:
	default:
		return fmt.Errorf("rule %s: unknown type %q", r.Name, r.Type)
	}
	if r.TargetEntityPattern != "" {
		if _, err := path.Match(r.TargetEntityPattern, ""); err != nil {
			return fmt.Errorf("rule %s: bad target_entity_pattern: %w", r.Name, err)
		}
	}
	var err error
	if r.Guards, err = DecodeConditions(r.GuardConditions); err != nil {
		return fmt.Errorf("rule %s guard_conditions: %w", r.Name, err)
	}
	if r.Triggers, err = DecodeConditions(r.TriggerConditions); err != nil {
		return fmt.Errorf("rule %s trigger_conditions: %w", r.Name, err)
	}
	return nil
}

// AppliesTo reports whether the rule's target pattern matches entityID.
// An empty pattern matches everything.
func (r *Rule) AppliesTo(entityID string) bool {
	if r.TargetEntityPattern == "" {
		return true
	}
	ok, _ := path.Match(r.TargetEntityPattern, entityID)
	return ok
}

// Store persists override rules and rules.
type Store struct {
	db *sql.DB
}

// NewStore creates a rule store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate rules: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS override_rules (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			trigger_entity    TEXT NOT NULL,
			target_entity     TEXT NOT NULL,
			override_keywords TEXT NOT NULL DEFAULT '[]',
			UNIQUE (trigger_entity, target_entity)
		);
		CREATE TABLE IF NOT EXISTS rules (
			name       TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			is_active  INTEGER NOT NULL DEFAULT 1,
			priority   INTEGER NOT NULL DEFAULT 0,
			definition TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rules_type ON rules(type, is_active);
	`)
	return err
}

// UpsertOverride inserts an override rule or replaces the keywords of
// the existing rule with the same trigger and target.
func (s *Store) UpsertOverride(r OverrideRule) error {
	if r.TriggerEntity == "" || r.TargetEntity == "" {
		return errors.New("override rule requires trigger_entity and target_entity")
	}
	raw, err := json.Marshal(normalizeKeywords(r.OverrideKeywords))
	if err != nil {
		return fmt.Errorf("marshal override keywords: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO override_rules (trigger_entity, target_entity, override_keywords)
		VALUES (?, ?, ?)
		ON CONFLICT(trigger_entity, target_entity) DO UPDATE SET
			override_keywords = excluded.override_keywords`,
		r.TriggerEntity, r.TargetEntity, string(raw),
	)
	if err != nil {
		return fmt.Errorf("upsert override %s->%s: %w", r.TriggerEntity, r.TargetEntity, err)
	}
	return nil
}

// ListOverrides returns override rules in insertion order, which is the
// order ApplyOverrides consults them.
func (s *Store) ListOverrides() ([]OverrideRule, error) {
	rows, err := s.db.Query(`
		SELECT id, trigger_entity, target_entity, override_keywords
		FROM override_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OverrideRule
	for rows.Next() {
		var (
			r  OverrideRule
			kw string
		)
		if err := rows.Scan(&r.ID, &r.TriggerEntity, &r.TargetEntity, &kw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(kw), &r.OverrideKeywords); err != nil {
			return nil, fmt.Errorf("decode keywords for override %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteOverride removes an override rule by id.
func (s *Store) DeleteOverride(id int64) error {
	_, err := s.db.Exec(`DELETE FROM override_rules WHERE id = ?`, id)
	return err
}

// UpsertRule validates and stores a rule by name.
func (s *Store) UpsertRule(r Rule) error {
	if err := r.Decode(); err != nil {
		return err
	}
	r.OverrideKeywords = normalizeKeywords(r.OverrideKeywords)
	def, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal rule %s: %w", r.Name, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO rules (name, type, is_active, priority, definition)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			type       = excluded.type,
			is_active  = excluded.is_active,
			priority   = excluded.priority,
			definition = excluded.definition`,
		r.Name, string(r.Type), r.IsActive, r.Priority, string(def),
	)
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", r.Name, err)
	}
	return nil
}

// GetRule returns the named rule with its conditions decoded.
func (s *Store) GetRule(name string) (*Rule, error) {
	var def string
	err := s.db.QueryRow(`SELECT definition FROM rules WHERE name = ?`, name).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeRule(def)
}

// ListRules returns rules of the given type, highest priority first.
// An empty type lists every rule.
func (s *Store) ListRules(t Type) ([]Rule, error) {
	rows, err := s.db.Query(`
		SELECT definition FROM rules
		WHERE ? = '' OR type = ?
		ORDER BY priority DESC, name`, string(t), string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, err
		}
		r, err := decodeRule(def)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// DeleteRule removes a rule by name.
func (s *Store) DeleteRule(name string) error {
	_, err := s.db.Exec(`DELETE FROM rules WHERE name = ?`, name)
	return err
}

func decodeRule(def string) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal([]byte(def), &r); err != nil {
		return nil, fmt.Errorf("decode rule: %w", err)
	}
	if err := r.Decode(); err != nil {
		return nil, err
	}
	return &r, nil
}

func normalizeKeywords(kws []string) []string {
	out := make([]string, 0, len(kws))
	for _, kw := range kws {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
