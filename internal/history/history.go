// Package history records command interactions (the prompt sent to the
// model and the response received) in Redis so they can be listed,
// inspected and re-run.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Sources an interaction can come from.
const (
	SourceAPI     = "api"
	SourceActions = "actions"
	SourceRerun   = "rerun"
)

const (
	// DefaultRetention is how long interaction records live.
	DefaultRetention = 30 * 24 * time.Hour

	keyPrefix   = "mcp:prompt_history:"
	timelineKey = keyPrefix + "timeline"
	statsWindow = 100
	scanBatch   = 100
)

// ErrNotFound is returned for unknown or expired interaction ids.
var ErrNotFound = errors.New("interaction not found")

// RecordKey returns the key holding one interaction.
//
// Pattern: mcp:prompt_history:{id}
func RecordKey(id string) string {
	return keyPrefix + id
}

// Metadata describes how an interaction was produced.
type Metadata struct {
	ProcessingTimeMS     int64    `json:"processing_time_ms"`
	TemplateUsed         string   `json:"template_used,omitempty"`
	DataFetchersExecuted []string `json:"data_fetchers_executed,omitempty"`
	ContextKeys          []string `json:"context_keys,omitempty"`
	Command              string   `json:"command,omitempty"`
	Success              bool     `json:"success"`
	Error                string   `json:"error,omitempty"`
	ErrorDetails         string   `json:"error_details,omitempty"`
	RerunOf              string   `json:"rerun_of,omitempty"`
	OriginalSource       string   `json:"original_source,omitempty"`
	ActionsExecuted      int      `json:"actions_executed,omitempty"`
}

// Record is one stored interaction.
type Record struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata"`
}

// Stats summarizes the stored interactions.
type Stats struct {
	TotalInteractions  int64          `json:"total_interactions"`
	SourceDistribution map[string]int `json:"source_distribution"`
	RecentCount        int            `json:"recent_count"`
}

// Store reads and writes interaction records.
type Store struct {
	rdb       *redis.Client
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Options tunes a Store. Zero values select the defaults.
type Options struct {
	Retention time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// NewStore creates an interaction store.
func NewStore(rdb *redis.Client, opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{rdb: rdb, retention: opts.Retention, now: opts.Now, logger: opts.Logger}
}

// Record stores an interaction and returns its id. Timeline entries
// older than the retention window are dropped on the way.
func (s *Store) Record(ctx context.Context, prompt, response, source string, md Metadata) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate interaction id: %w", err)
	}
	if source == "" {
		source = SourceAPI
	}
	now := s.now().UTC()
	rec := Record{
		ID:        id.String(),
		Prompt:    prompt,
		Response:  response,
		Source:    source,
		Timestamp: now,
		Metadata:  md,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal interaction: %w", err)
	}

	cutoff := now.Add(-s.retention)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, RecordKey(rec.ID), raw, s.retention)
	pipe.ZAdd(ctx, timelineKey, redis.Z{Score: unixSeconds(now), Member: rec.ID})
	pipe.ZRemRangeByScore(ctx, timelineKey, "-inf", fmt.Sprintf("(%f", unixSeconds(cutoff)))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store interaction: %w", err)
	}

	s.logger.Debug("interaction recorded", "id", rec.ID, "source", source)
	return rec.ID, nil
}

// Get returns one interaction.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, RecordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get interaction %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode interaction %s: %w", id, err)
	}
	return &rec, nil
}

// List returns interactions newest first. When source is set only
// matching interactions count toward offset and limit.
func (s *Store) List(ctx context.Context, limit, offset int, source string) []Record {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	out := []Record{}
	skipped := 0
	for start := int64(0); len(out) < limit; start += scanBatch {
		ids, err := s.rdb.ZRevRange(ctx, timelineKey, start, start+scanBatch-1).Result()
		if err != nil {
			s.logger.Warn("read interaction timeline failed", "error", err)
			return out
		}
		if len(ids) == 0 {
			break
		}
		for _, rec := range s.load(ctx, ids) {
			if source != "" && rec.Source != source {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// Delete removes an interaction. Unknown ids return ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx, RecordKey(id))
	rem := pipe.ZRem(ctx, timelineKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete interaction %s: %w", id, err)
	}
	if del.Val() == 0 && rem.Val() == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// Stats counts all interactions and the source mix of the most recent
// hundred.
func (s *Store) Stats(ctx context.Context) Stats {
	st := Stats{SourceDistribution: map[string]int{}}
	total, err := s.rdb.ZCard(ctx, timelineKey).Result()
	if err != nil {
		s.logger.Warn("count interactions failed", "error", err)
		return st
	}
	st.TotalInteractions = total

	ids, err := s.rdb.ZRevRange(ctx, timelineKey, 0, statsWindow-1).Result()
	if err != nil {
		return st
	}
	st.RecentCount = len(ids)
	for _, rec := range s.load(ctx, ids) {
		st.SourceDistribution[rec.Source]++
	}
	return st
}

// load fetches records for ids in order, skipping expired ones.
func (s *Store) load(ctx context.Context, ids []string) []Record {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = RecordKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		s.logger.Warn("load interactions failed", "error", err)
		return nil
	}
	out := make([]Record, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
