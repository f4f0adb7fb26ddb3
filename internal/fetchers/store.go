package fetchers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownFetcher is returned when no active definition exists for a
// key.
var ErrUnknownFetcher = errors.New("unknown fetcher")

// Definition binds a fetcher key used by templates to a registered
// kind and its parameters.
type Definition struct {
	Key         string            `json:"key" yaml:"key"`
	Kind        string            `json:"kind" yaml:"kind"`
	Params      map[string]string `json:"params,omitempty" yaml:"params"`
	TTLSeconds  int               `json:"ttl_seconds" yaml:"ttl_seconds"`
	Description string            `json:"description,omitempty" yaml:"description"`
	IsActive    bool              `json:"is_active" yaml:"is_active"`
}

// Store persists fetcher definitions.
type Store struct {
	db *sql.DB
}

// NewStore creates a fetcher definition store, running migrations on
// first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate fetchers: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS data_fetchers (
			key         TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			params      TEXT NOT NULL DEFAULT '{}',
			ttl_seconds INTEGER NOT NULL DEFAULT 300,
			description TEXT NOT NULL DEFAULT '',
			is_active   INTEGER NOT NULL DEFAULT 1
		)
	`)
	return err
}

// Upsert inserts or replaces a definition by key.
func (s *Store) Upsert(d Definition) error {
	if strings.TrimSpace(d.Key) == "" || d.Kind == "" {
		return errors.New("fetcher key and kind are required")
	}
	if d.TTLSeconds < 0 {
		return fmt.Errorf("fetcher %s: ttl_seconds must not be negative", d.Key)
	}
	params := d.Params
	if params == nil {
		params = map[string]string{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO data_fetchers (key, kind, params, ttl_seconds, description, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind        = excluded.kind,
			params      = excluded.params,
			ttl_seconds = excluded.ttl_seconds,
			description = excluded.description,
			is_active   = excluded.is_active`,
		d.Key, d.Kind, string(raw), d.TTLSeconds, d.Description, d.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upsert fetcher %s: %w", d.Key, err)
	}
	return nil
}

// Get returns the active definition for key, or ErrUnknownFetcher.
func (s *Store) Get(key string) (*Definition, error) {
	row := s.db.QueryRow(`
		SELECT key, kind, params, ttl_seconds, description, is_active
		FROM data_fetchers WHERE key = ? AND is_active = 1`, key)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrUnknownFetcher)
	}
	return d, err
}

// List returns active definitions ordered by key.
func (s *Store) List() ([]Definition, error) {
	rows, err := s.db.Query(`
		SELECT key, kind, params, ttl_seconds, description, is_active
		FROM data_fetchers WHERE is_active = 1 ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Delete removes a definition.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM data_fetchers WHERE key = ?`, key)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(sc scanner) (*Definition, error) {
	var (
		d      Definition
		params string
	)
	if err := sc.Scan(&d.Key, &d.Kind, &params, &d.TTLSeconds, &d.Description, &d.IsActive); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &d.Params); err != nil {
		return nil, fmt.Errorf("decode params for %s: %w", d.Key, err)
	}
	return &d, nil
}
