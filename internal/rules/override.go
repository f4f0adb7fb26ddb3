package rules

import (
	"fmt"
	"strings"
)

// ApplyOverrides returns the entity an action for entityID should be
// sent to. The first rule whose trigger is entityID, and none of whose
// keywords appear in command, redirects the action to its target.
// Keywords match as case-sensitive substrings of the full command.
func ApplyOverrides(command, entityID string, overrides []OverrideRule) (string, bool) {
	for _, r := range overrides {
		if r.TriggerEntity != entityID {
			continue
		}
		if containsAny(command, r.OverrideKeywords) {
			continue
		}
		return r.TargetEntity, true
	}
	return entityID, false
}

func containsAny(s string, kws []string) bool {
	for _, kw := range kws {
		if kw != "" && strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// Describe renders a guardrail as prose for splicing into a system
// prompt.
func (r *Rule) Describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Guardrail %q", r.Name)
	if r.Description != "" {
		sb.WriteString(": ")
		sb.WriteString(strings.TrimSuffix(r.Description, "."))
	}
	sb.WriteString(".")

	if r.TargetEntityPattern != "" {
		fmt.Fprintf(&sb, " Applies to entities matching %s.", r.TargetEntityPattern)
	} else {
		sb.WriteString(" Applies to all entities.")
	}
	if len(r.BlockedActions) > 0 {
		fmt.Fprintf(&sb, " Do not perform: %s.", strings.Join(r.BlockedActions, ", "))
	}
	if len(r.Guards) > 0 {
		parts := make([]string, len(r.Guards))
		for i, g := range r.Guards {
			parts[i] = g.Describe()
		}
		fmt.Fprintf(&sb, " In effect %s.", strings.Join(parts, " and "))
	}
	if len(r.OverrideKeywords) > 0 {
		fmt.Fprintf(&sb, " The user may override this by saying: %s.", strings.Join(r.OverrideKeywords, ", "))
	}
	return sb.String()
}

// DescribeGuardrail returns the prose description of the named active
// guardrail.
func (s *Store) DescribeGuardrail(name string) (string, error) {
	r, err := s.GetRule(name)
	if err != nil {
		return "", err
	}
	if r.Type != TypeGuardrail || !r.IsActive {
		return "", fmt.Errorf("%s is not an active guardrail: %w", name, ErrNotFound)
	}
	return r.Describe(), nil
}
