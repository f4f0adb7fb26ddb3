// Package seed loads prompt templates, system prompts, rules and data
// fetcher definitions from a YAML document into their SQLite stores.
//
// A seed document looks like:
//
//	system_prompts:
//	  - name: persona
//	    prompt: You are Hearth, a home assistant.
//	fetchers:
//	  - key: weather
//	    kind: entity_state
//	    params: {entity_id: weather.home}
//	    ttl_seconds: 300
//	templates:
//	  - name: weather
//	    intent_keywords: weather, forecast, rain
//	    system_prompt: "[system_prompt:persona]"
//	    user_prompt: "Weather: {weather}\n\n{user_input}"
//	    data_fetchers: [weather]
//	rules:
//	  - name: quiet_hours
//	    type: guardrail
//	    ...
//	overrides:
//	  - trigger_entity: light.living_room
//	    target_entity: light.bedroom
//	    override_keywords: [living room]
//
// Records are upserted by name (or key, or trigger/target pair), so
// applying the same document twice is harmless. Omitting is_active
// means active.
package seed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/nugget/hearth/internal/fetchers"
	"github.com/nugget/hearth/internal/rules"
	"github.com/nugget/hearth/internal/templates"
)

// Document is a parsed seed file.
type Document struct {
	SystemPrompts []templates.SystemPrompt
	Fetchers      []fetchers.Definition
	Templates     []templates.Template
	Rules         []rules.Rule
	Overrides     []rules.OverrideRule
}

// rawDocument keeps each record as a node so the presence of is_active
// can be checked before defaulting it.
type rawDocument struct {
	SystemPrompts []yaml.Node `yaml:"system_prompts"`
	Fetchers      []yaml.Node `yaml:"fetchers"`
	Templates     []yaml.Node `yaml:"templates"`
	Rules         []yaml.Node `yaml:"rules"`
	Overrides     []yaml.Node `yaml:"overrides"`
}

// Parse decodes a seed document. Unknown top-level sections are an
// error so typos do not silently drop records.
func Parse(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var raw rawDocument
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return &Document{}, nil
		}
		return nil, fmt.Errorf("decode seed document: %w", err)
	}

	doc := &Document{}
	var err error
	if doc.SystemPrompts, err = decodeAll(raw.SystemPrompts, "system_prompts", func(p *templates.SystemPrompt, active bool) {
		p.IsActive = active
	}); err != nil {
		return nil, err
	}
	if doc.Fetchers, err = decodeAll(raw.Fetchers, "fetchers", func(d *fetchers.Definition, active bool) {
		d.IsActive = active
	}); err != nil {
		return nil, err
	}
	if doc.Templates, err = decodeAll[templates.Template](raw.Templates, "templates", nil); err != nil {
		return nil, err
	}
	if doc.Rules, err = decodeAll(raw.Rules, "rules", func(r *rules.Rule, active bool) {
		r.IsActive = active
	}); err != nil {
		return nil, err
	}
	if doc.Overrides, err = decodeAll[rules.OverrideRule](raw.Overrides, "overrides", nil); err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadFile reads and parses the seed document at path.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	doc, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

func decodeAll[T any](nodes []yaml.Node, section string, setActive func(*T, bool)) ([]T, error) {
	out := make([]T, 0, len(nodes))
	for i := range nodes {
		var v T
		if err := nodes[i].Decode(&v); err != nil {
			return nil, fmt.Errorf("%s[%d] (line %d): %w", section, i, nodes[i].Line, err)
		}
		if setActive != nil {
			active := true
			if flag, ok := mappingValue(&nodes[i], "is_active"); ok {
				if err := flag.Decode(&active); err != nil {
					return nil, fmt.Errorf("%s[%d] is_active: %w", section, i, err)
				}
			}
			setActive(&v, active)
		}
		out = append(out, v)
	}
	return out, nil
}

func mappingValue(n *yaml.Node, key string) (*yaml.Node, bool) {
	if n.Kind != yaml.MappingNode {
		return nil, false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1], true
		}
	}
	return nil, false
}

// Stores are the destinations for seeded records.
type Stores struct {
	Templates *templates.Store
	Rules     *rules.Store
	Fetchers  *fetchers.Store
	// Kinds, when set, restricts fetcher definitions to registered
	// fetcher kinds.
	Kinds []string
}

// Summary counts the records written by Apply.
type Summary struct {
	SystemPrompts int `json:"system_prompts"`
	Fetchers      int `json:"fetchers"`
	Templates     int `json:"templates"`
	Rules         int `json:"rules"`
	Overrides     int `json:"overrides"`
}

// Total returns the number of records written.
func (s Summary) Total() int {
	return s.SystemPrompts + s.Fetchers + s.Templates + s.Rules + s.Overrides
}

// Apply upserts every record in doc. It stops at the first failure;
// records written before it remain.
func Apply(doc *Document, st Stores, logger *slog.Logger) (Summary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sum Summary

	for _, p := range doc.SystemPrompts {
		if err := st.Templates.UpsertSystemPrompt(p); err != nil {
			return sum, err
		}
		sum.SystemPrompts++
		logger.Debug("seeded system prompt", "name", p.Name, "active", p.IsActive)
	}

	for _, d := range doc.Fetchers {
		if len(st.Kinds) > 0 && !slices.Contains(st.Kinds, d.Kind) {
			return sum, fmt.Errorf("fetcher %s: unknown kind %q", d.Key, d.Kind)
		}
		if err := st.Fetchers.Upsert(d); err != nil {
			return sum, err
		}
		sum.Fetchers++
		logger.Debug("seeded fetcher", "key", d.Key, "kind", d.Kind, "ttl_seconds", d.TTLSeconds)
	}

	for _, t := range doc.Templates {
		if err := st.Templates.Upsert(t); err != nil {
			return sum, err
		}
		sum.Templates++
		logger.Debug("seeded template", "name", t.Name, "keywords", len(t.Keywords()))
	}

	for _, r := range doc.Rules {
		if err := st.Rules.UpsertRule(r); err != nil {
			return sum, err
		}
		sum.Rules++
		logger.Debug("seeded rule", "name", r.Name, "type", r.Type, "active", r.IsActive)
	}

	for _, o := range doc.Overrides {
		if err := st.Rules.UpsertOverride(o); err != nil {
			return sum, err
		}
		sum.Overrides++
		logger.Debug("seeded override", "trigger", o.TriggerEntity, "target", o.TargetEntity)
	}

	logger.Info("seed applied",
		"system_prompts", sum.SystemPrompts,
		"fetchers", sum.Fetchers,
		"templates", sum.Templates,
		"rules", sum.Rules,
		"overrides", sum.Overrides,
	)
	return sum, nil
}
