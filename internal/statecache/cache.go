// Package statecache mirrors Home Assistant entity state into Redis.
//
// The stream client writes through [Cache.WriteSnapshot],
// [Cache.ApplyUpdate], and [Cache.RemoveStale]; everything else in
// Hearth reads. Besides the per-entity keys the cache maintains three
// derived views (all states, one array per domain, and the
// controllable subset) plus a metadata document, all expiring after
// the configured state TTL. Each applied update is also appended to a
// per-entity change log (see changelog.go).
//
// The cache never originates a truth value: entries are eventually
// consistent with the hub and simply expire if the stream stops.
package statecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/hearth/internal/homeassistant"
)

// State is the entity state type stored by the cache.
type State = homeassistant.State

// Options configures a Cache. Zero values take defaults.
type Options struct {
	// StateTTL is the expiry applied to every state key (default 1h).
	StateTTL time.Duration

	// LogRetention bounds the change log (default 7 days).
	LogRetention time.Duration

	// Now overrides the clock used for log scores and metadata.
	Now func() time.Time

	Logger *slog.Logger
}

// Cache is the Redis-backed entity state mirror. It is safe for
// concurrent use. Writers are serialized so the derived views, which
// are read-modify-write JSON arrays, always match the entity keys.
type Cache struct {
	writeMu      sync.Mutex
	rdb          *redis.Client
	stateTTL     time.Duration
	logRetention time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// New returns a Cache using rdb.
func New(rdb *redis.Client, opts Options) *Cache {
	if opts.StateTTL <= 0 {
		opts.StateTTL = time.Hour
	}
	if opts.LogRetention <= 0 {
		opts.LogRetention = 7 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		rdb:          rdb,
		stateTTL:     opts.StateTTL,
		logRetention: opts.LogRetention,
		now:          opts.Now,
		logger:       opts.Logger,
	}
}

// Ping verifies Redis connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Metadata describes the most recent cache write.
type Metadata struct {
	LastUpdate           time.Time `json:"last_update"`
	TotalEntities        int       `json:"total_entities"`
	ControllableEntities int       `json:"controllable_entities"`
	Domains              []string  `json:"domains"`
}

// WriteSnapshot replaces the cached views with states in a single
// MULTI/EXEC transaction.
func (c *Cache) WriteSnapshot(ctx context.Context, states []State) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if states == nil {
		states = []State{}
	}

	byDomain := make(map[string][]State)
	controllable := []State{}
	for _, s := range states {
		domain := s.Domain()
		if domain == "" {
			continue
		}
		byDomain[domain] = append(byDomain[domain], s)
		if IsControllable(domain) {
			controllable = append(controllable, s)
		}
	}

	pipe := c.rdb.TxPipeline()
	if err := c.queueJSON(ctx, pipe, AllStatesKey, states); err != nil {
		return err
	}
	for i := range states {
		if states[i].Domain() == "" {
			continue
		}
		if err := c.queueJSON(ctx, pipe, EntityKey(states[i].EntityID), states[i]); err != nil {
			return err
		}
	}
	for domain, list := range byDomain {
		if err := c.queueJSON(ctx, pipe, DomainKey(domain), list); err != nil {
			return err
		}
	}
	if err := c.queueJSON(ctx, pipe, ControllableKey, controllable); err != nil {
		return err
	}
	meta := Metadata{
		LastUpdate:           c.now().UTC(),
		TotalEntities:        len(states),
		ControllableEntities: len(controllable),
		Domains:              sortedKeys(byDomain),
	}
	if err := c.queueJSON(ctx, pipe, MetadataKey, meta); err != nil {
		return err
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	c.logger.Debug("snapshot written", "entities", len(states), "domains", len(byDomain))
	return nil
}

// ApplyUpdate records one state change. A nil newState removes the
// entity. The change is logged and the derived views are patched.
func (c *Cache) ApplyUpdate(ctx context.Context, entityID string, oldState, newState *State) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.applyUpdate(ctx, entityID, oldState, newState)
}

func (c *Cache) applyUpdate(ctx context.Context, entityID string, oldState, newState *State) error {
	domain, _, ok := homeassistant.SplitEntityID(entityID)
	if !ok {
		return fmt.Errorf("invalid entity id %q", entityID)
	}

	if newState != nil {
		if err := c.setJSON(ctx, EntityKey(entityID), newState); err != nil {
			return err
		}
	} else if err := c.rdb.Del(ctx, EntityKey(entityID)).Err(); err != nil {
		return fmt.Errorf("delete entity %s: %w", entityID, err)
	}

	now := c.now()
	if err := c.appendLog(ctx, newLogEntry(now, entityID, oldState, newState), now); err != nil {
		c.logger.Error("failed to log state change", "entity_id", entityID, "error", err)
	}

	return c.patchViews(ctx, domain, entityID, newState)
}

// RefreshEntity writes a freshly fetched state, logging it against the
// currently cached value.
func (c *Cache) RefreshEntity(ctx context.Context, state State) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	old := c.Entity(ctx, state.EntityID)
	return c.applyUpdate(ctx, state.EntityID, old, &state)
}

// RemoveStale deletes cached entities that are not in liveIDs and
// rebuilds the views. Each removal is logged as a stale cleanup.
func (c *Cache) RemoveStale(ctx context.Context, liveIDs []string) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	live := make(map[string]bool, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = true
	}

	cached, err := c.scanEntities(ctx, "*")
	if err != nil {
		return 0, err
	}

	now := c.now()
	removed := 0
	for i := range cached {
		st := cached[i]
		if live[st.EntityID] {
			continue
		}
		if err := c.rdb.Del(ctx, EntityKey(st.EntityID)).Err(); err != nil {
			return removed, fmt.Errorf("delete stale entity %s: %w", st.EntityID, err)
		}
		entry := newLogEntry(now, st.EntityID, &st, nil)
		entry.CleanupAction = CleanupStaleEntity
		if err := c.appendLog(ctx, entry, now); err != nil {
			c.logger.Error("failed to log stale removal", "entity_id", st.EntityID, "error", err)
		}
		c.logger.Info("removed stale entity", "entity_id", st.EntityID)
		removed++
	}

	if removed == 0 {
		return 0, nil
	}
	if err := c.rebuildViews(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}

// patchViews updates the derived views for one entity change. A view
// that has expired is rebuilt from the per-entity keys instead.
func (c *Cache) patchViews(ctx context.Context, domain, entityID string, st *State) error {
	var errs []error

	domainLen, err := c.patchView(ctx, DomainKey(domain), entityID, st, func(ctx context.Context) ([]State, error) {
		return c.scanEntities(ctx, domain+".*")
	})
	errs = append(errs, err)

	total, err := c.patchView(ctx, AllStatesKey, entityID, st, func(ctx context.Context) ([]State, error) {
		return c.scanEntities(ctx, "*")
	})
	errs = append(errs, err)

	controllable := -1
	if IsControllable(domain) {
		controllable, err = c.patchView(ctx, ControllableKey, entityID, st, c.scanControllable)
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	return c.touchMetadata(ctx, domain, domainLen, total, controllable)
}

func (c *Cache) patchView(ctx context.Context, key, entityID string, st *State, rebuild func(context.Context) ([]State, error)) (int, error) {
	list, err := c.readStates(ctx, key)
	switch {
	case errors.Is(err, redis.Nil):
		list, err = rebuild(ctx)
		if err != nil {
			return 0, fmt.Errorf("rebuild %s: %w", key, err)
		}
	case err != nil:
		return 0, err
	default:
		list = replaceState(list, entityID, st)
	}
	if err := c.setJSON(ctx, key, list); err != nil {
		return 0, err
	}
	return len(list), nil
}

// touchMetadata refreshes last_update and the counters after a single
// entity change. controllable < 0 leaves that counter unchanged.
func (c *Cache) touchMetadata(ctx context.Context, domain string, domainLen, total, controllable int) error {
	meta, err := c.readMetadata(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	meta.LastUpdate = c.now().UTC()
	meta.TotalEntities = total
	if controllable >= 0 {
		meta.ControllableEntities = controllable
	}

	idx := slices.Index(meta.Domains, domain)
	switch {
	case domainLen > 0 && idx < 0:
		meta.Domains = append(meta.Domains, domain)
		sort.Strings(meta.Domains)
	case domainLen == 0 && idx >= 0:
		meta.Domains = slices.Delete(meta.Domains, idx, idx+1)
	}
	if meta.Domains == nil {
		meta.Domains = []string{}
	}
	return c.setJSON(ctx, MetadataKey, meta)
}

// rebuildViews regenerates every derived view from the entity keys.
func (c *Cache) rebuildViews(ctx context.Context) error {
	states, err := c.scanEntities(ctx, "*")
	if err != nil {
		return err
	}

	byDomain := make(map[string][]State)
	controllable := []State{}
	for _, s := range states {
		d := s.Domain()
		byDomain[d] = append(byDomain[d], s)
		if IsControllable(d) {
			controllable = append(controllable, s)
		}
	}

	prev, err := c.readMetadata(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	pipe := c.rdb.TxPipeline()
	if err := c.queueJSON(ctx, pipe, AllStatesKey, states); err != nil {
		return err
	}
	for _, d := range prev.Domains {
		if _, ok := byDomain[d]; !ok {
			pipe.Del(ctx, DomainKey(d))
		}
	}
	for d, list := range byDomain {
		if err := c.queueJSON(ctx, pipe, DomainKey(d), list); err != nil {
			return err
		}
	}
	if err := c.queueJSON(ctx, pipe, ControllableKey, controllable); err != nil {
		return err
	}
	meta := Metadata{
		LastUpdate:           c.now().UTC(),
		TotalEntities:        len(states),
		ControllableEntities: len(controllable),
		Domains:              sortedKeys(byDomain),
	}
	if err := c.queueJSON(ctx, pipe, MetadataKey, meta); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rebuild views: %w", err)
	}
	return nil
}

// scanEntities loads every ha:entity:{pattern} key, sorted by entity ID.
func (c *Cache) scanEntities(ctx context.Context, pattern string) ([]State, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, EntityKey(pattern), 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan entities: %w", err)
	}

	states := []State{}
	if len(keys) == 0 {
		return states, nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var st State
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			c.logger.Warn("skipping malformed cached entity", "key", keys[i], "error", err)
			continue
		}
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })
	return states, nil
}

func (c *Cache) scanControllable(ctx context.Context) ([]State, error) {
	all, err := c.scanEntities(ctx, "*")
	if err != nil {
		return nil, err
	}
	out := []State{}
	for _, s := range all {
		if IsControllable(s.Domain()) {
			out = append(out, s)
		}
	}
	return out, nil
}

// replaceState returns list with entityID replaced by st, appended if
// absent, or removed when st is nil.
func replaceState(list []State, entityID string, st *State) []State {
	idx := slices.IndexFunc(list, func(s State) bool { return s.EntityID == entityID })
	switch {
	case st == nil && idx >= 0:
		return slices.Delete(list, idx, idx+1)
	case st == nil:
		return list
	case idx >= 0:
		list[idx] = *st
		return list
	default:
		return append(list, *st)
	}
}

func (c *Cache) readStates(ctx context.Context, key string) ([]State, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	states := []State{}
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return states, nil
}

func (c *Cache) readMetadata(ctx context.Context) (Metadata, error) {
	var meta Metadata
	raw, err := c.rdb.Get(ctx, MetadataKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return meta, err
		}
		return meta, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

func (c *Cache) setJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, b, c.stateTTL).Err(); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (c *Cache) queueJSON(ctx context.Context, pipe redis.Pipeliner, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	pipe.Set(ctx, key, b, c.stateTTL)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
