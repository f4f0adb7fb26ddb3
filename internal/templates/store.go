// Package templates stores response templates and reusable system
// prompts in SQLite and selects a template for a command by keyword
// scoring.
package templates

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTemplate is used when no template scores above zero.
const DefaultTemplate = "default"

// ErrNotFound is returned when a named template or system prompt does
// not exist.
var ErrNotFound = errors.New("template not found")

// Template shapes one kind of model interaction.
type Template struct {
	Name string `json:"name" yaml:"name"`
	// IntentKeywords is a comma-separated keyword list used for selection.
	IntentKeywords string `json:"intent_keywords" yaml:"intent_keywords"`
	SystemPrompt   string `json:"system_prompt" yaml:"system_prompt"`
	UserPrompt     string `json:"user_prompt" yaml:"user_prompt"`
	// DataFetchers lists the fetcher keys whose output fills the prompt.
	DataFetchers []string  `json:"data_fetchers" yaml:"data_fetchers"`
	Description  string    `json:"description,omitempty" yaml:"description"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

// Keywords returns the parsed intent keywords: split on commas,
// trimmed, lower-cased, empties dropped.
func (t Template) Keywords() []string {
	var out []string
	for _, kw := range strings.Split(t.IntentKeywords, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// SystemPrompt is a named block of system prompt text that templates
// splice in with [system_prompt:NAME].
type SystemPrompt struct {
	Name        string `json:"name" yaml:"name"`
	Prompt      string `json:"prompt" yaml:"prompt"`
	Description string `json:"description,omitempty" yaml:"description"`
	IsActive    bool   `json:"is_active" yaml:"is_active"`
}

// Store persists templates and system prompts.
type Store struct {
	db *sql.DB
}

// NewStore creates a template store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate templates: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS prompt_templates (
			name            TEXT PRIMARY KEY,
			intent_keywords TEXT NOT NULL DEFAULT '',
			system_prompt   TEXT NOT NULL DEFAULT '',
			user_prompt     TEXT NOT NULL DEFAULT '',
			data_fetchers   TEXT NOT NULL DEFAULT '[]',
			description     TEXT NOT NULL DEFAULT '',
			updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS system_prompts (
			name        TEXT PRIMARY KEY,
			prompt      TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_active   INTEGER NOT NULL DEFAULT 1
		);
	`)
	return err
}

// Upsert inserts or replaces a template by name.
func (s *Store) Upsert(t Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("template name is required")
	}
	fetchers := t.DataFetchers
	if fetchers == nil {
		fetchers = []string{}
	}
	raw, err := json.Marshal(fetchers)
	if err != nil {
		return fmt.Errorf("marshal data fetchers: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO prompt_templates (name, intent_keywords, system_prompt, user_prompt, data_fetchers, description, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			intent_keywords = excluded.intent_keywords,
			system_prompt   = excluded.system_prompt,
			user_prompt     = excluded.user_prompt,
			data_fetchers   = excluded.data_fetchers,
			description     = excluded.description,
			updated_at      = excluded.updated_at`,
		t.Name, t.IntentKeywords, t.SystemPrompt, t.UserPrompt, string(raw), t.Description,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert template %s: %w", t.Name, err)
	}
	return nil
}

// Get returns the named template or ErrNotFound.
func (s *Store) Get(name string) (*Template, error) {
	row := s.db.QueryRow(`
		SELECT name, intent_keywords, system_prompt, user_prompt, data_fetchers, description, updated_at
		FROM prompt_templates WHERE name = ?`, name)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// List returns every template ordered by name.
func (s *Store) List() ([]Template, error) {
	rows, err := s.db.Query(`
		SELECT name, intent_keywords, system_prompt, user_prompt, data_fetchers, description, updated_at
		FROM prompt_templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Delete removes a template. Unknown names are a no-op.
func (s *Store) Delete(name string) error {
	_, err := s.db.Exec(`DELETE FROM prompt_templates WHERE name = ?`, name)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(sc scanner) (*Template, error) {
	var (
		t        Template
		fetchers string
		updated  string
	)
	if err := sc.Scan(&t.Name, &t.IntentKeywords, &t.SystemPrompt, &t.UserPrompt, &fetchers, &t.Description, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fetchers), &t.DataFetchers); err != nil {
		return nil, fmt.Errorf("decode data fetchers for %s: %w", t.Name, err)
	}
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

// parseTime accepts the RFC 3339 values written by Upsert and the
// "YYYY-MM-DD HH:MM:SS" form SQLite's CURRENT_TIMESTAMP produces.
func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// UpsertSystemPrompt inserts or replaces a system prompt by name.
func (s *Store) UpsertSystemPrompt(p SystemPrompt) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("system prompt name is required")
	}
	_, err := s.db.Exec(`
		INSERT INTO system_prompts (name, prompt, description, is_active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			prompt      = excluded.prompt,
			description = excluded.description,
			is_active   = excluded.is_active`,
		p.Name, p.Prompt, p.Description, p.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upsert system prompt %s: %w", p.Name, err)
	}
	return nil
}

// GetSystemPrompt returns the named active system prompt or ErrNotFound.
func (s *Store) GetSystemPrompt(name string) (*SystemPrompt, error) {
	var p SystemPrompt
	err := s.db.QueryRow(`
		SELECT name, prompt, description, is_active
		FROM system_prompts WHERE name = ? AND is_active = 1`, name,
	).Scan(&p.Name, &p.Prompt, &p.Description, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("system prompt %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListSystemPrompts returns all system prompts ordered by name.
func (s *Store) ListSystemPrompts() ([]SystemPrompt, error) {
	rows, err := s.db.Query(`SELECT name, prompt, description, is_active FROM system_prompts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SystemPrompt
	for rows.Next() {
		var p SystemPrompt
		if err := rows.Scan(&p.Name, &p.Prompt, &p.Description, &p.IsActive); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
