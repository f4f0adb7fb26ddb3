package statecache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// CleanupStaleEntity marks log entries written by RemoveStale.
const CleanupStaleEntity = "stale_entity_removal"

// Default and maximum read sizes for the change log.
const (
	DefaultLogLimit = 100
	summaryLogLimit = 1000
)

// LogEntry is one recorded state change. Entries are stored as JSON
// members of ZSETs scored by Unix seconds.
type LogEntry struct {
	Timestamp         string `json:"timestamp"`
	EntityID          string `json:"entity_id"`
	OldState          *State `json:"old_state"`
	NewState          *State `json:"new_state"`
	StateChanged      bool   `json:"state_changed"`
	AttributesChanged bool   `json:"attributes_changed"`
	EntityRemoved     bool   `json:"entity_removed"`
	CleanupAction     string `json:"cleanup_action,omitempty"`
}

func newLogEntry(at time.Time, entityID string, oldState, newState *State) LogEntry {
	e := LogEntry{
		Timestamp:     at.UTC().Format(time.RFC3339Nano),
		EntityID:      entityID,
		OldState:      oldState,
		NewState:      newState,
		EntityRemoved: newState == nil,
	}

	switch {
	case oldState == nil && newState == nil:
	case oldState == nil || newState == nil:
		e.StateChanged = true
		e.AttributesChanged = true
	default:
		e.StateChanged = oldState.State != newState.State
		e.AttributesChanged = !reflect.DeepEqual(oldState.Attributes, newState.Attributes)
	}
	return e
}

// appendLog adds entry to the entity and global logs, refreshes their
// expiry, and drops members older than the retention window.
func (c *Cache) appendLog(ctx context.Context, entry LogEntry, at time.Time) error {
	member, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	score := unixSeconds(at)
	cutoff := formatScore(score - c.logRetention.Seconds())

	pipe := c.rdb.TxPipeline()
	for _, key := range []string{EntityLogKey(entry.EntityID), GlobalLogKey} {
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		pipe.Expire(ctx, key, c.logRetention)
		pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}

// LogQuery bounds an EntityLog read. Zero Start or End leaves that side
// open; Limit <= 0 means DefaultLogLimit.
type LogQuery struct {
	Limit int
	Start time.Time
	End   time.Time
}

// EntityLog returns an entity's change log, newest first.
func (c *Cache) EntityLog(ctx context.Context, entityID string, q LogQuery) []LogEntry {
	return c.readLog(ctx, EntityLogKey(entityID), q)
}

// GlobalLog returns the change log across all entities, newest first.
func (c *Cache) GlobalLog(ctx context.Context, q LogQuery) []LogEntry {
	return c.readLog(ctx, GlobalLogKey, q)
}

func (c *Cache) readLog(ctx context.Context, key string, q LogQuery) []LogEntry {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: int64(limit)}
	if !q.Start.IsZero() {
		rng.Min = formatScore(unixSeconds(q.Start))
	}
	if !q.End.IsZero() {
		rng.Max = formatScore(unixSeconds(q.End))
	}

	members, err := c.rdb.ZRevRangeByScore(ctx, key, rng).Result()
	if err != nil {
		c.logger.Warn("change log read failed", "key", key, "error", err)
		return []LogEntry{}
	}

	entries := make([]LogEntry, 0, len(members))
	for _, m := range members {
		var e LogEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			c.logger.Warn("skipping malformed log entry", "key", key, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// LogSummary aggregates an entity's recent changes.
type LogSummary struct {
	EntityID              string    `json:"entity_id"`
	PeriodDays            int       `json:"period_days"`
	TotalChanges          int       `json:"total_changes"`
	StateChanges          int       `json:"state_changes"`
	AttributeChanges      int       `json:"attribute_changes"`
	MostRecentChange      *LogEntry `json:"most_recent_change"`
	ChangeFrequencyPerDay float64   `json:"change_frequency_per_day"`
}

// EntityLogSummary summarizes the last days of an entity's log from
// up to 1000 entries.
func (c *Cache) EntityLogSummary(ctx context.Context, entityID string, days int) LogSummary {
	s := LogSummary{EntityID: entityID, PeriodDays: days}

	start := c.now().Add(-time.Duration(days) * 24 * time.Hour)
	entries := c.EntityLog(ctx, entityID, LogQuery{Limit: summaryLogLimit, Start: start})
	if len(entries) == 0 {
		return s
	}

	s.TotalChanges = len(entries)
	for _, e := range entries {
		if e.StateChanged {
			s.StateChanges++
		}
		if e.AttributesChanged {
			s.AttributeChanges++
		}
	}
	recent := entries[0]
	s.MostRecentChange = &recent
	if days > 0 {
		s.ChangeFrequencyPerDay = math.Round(float64(s.TotalChanges)/float64(days)*100) / 100
	}
	return s
}

// LoggedEntities returns the entity IDs that have a change log, sorted.
func (c *Cache) LoggedEntities(ctx context.Context) []string {
	keys, err := c.logKeys(ctx)
	if err != nil {
		c.logger.Warn("listing change logs failed", "error", err)
		return []string{}
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == GlobalLogKey {
			continue
		}
		ids = append(ids, strings.TrimPrefix(k, logKeyPrefix))
	}
	sort.Strings(ids)
	return ids
}

// TrimLogs removes log members older than the retention window from
// every log key and returns how many were removed.
func (c *Cache) TrimLogs(ctx context.Context) (int64, error) {
	keys, err := c.logKeys(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := formatScore(unixSeconds(c.now()) - c.logRetention.Seconds())

	var removed int64
	for _, k := range keys {
		n, err := c.rdb.ZRemRangeByScore(ctx, k, "0", cutoff).Result()
		if err != nil {
			return removed, fmt.Errorf("trim %s: %w", k, err)
		}
		removed += n
	}
	return removed, nil
}

// RunLogTrimmer calls TrimLogs every interval until ctx is cancelled.
// onTrim, when set, receives the count after each successful pass.
func (c *Cache) RunLogTrimmer(ctx context.Context, interval time.Duration, onTrim func(removed int64)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.TrimLogs(ctx)
			if err != nil {
				c.logger.Error("change log trim failed", "error", err)
				continue
			}
			c.logger.Info("change log trimmed", "removed", removed)
			if onTrim != nil {
				onTrim(removed)
			}
		}
	}
}

func (c *Cache) logKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, logKeyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan change logs: %w", err)
	}
	return keys, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
