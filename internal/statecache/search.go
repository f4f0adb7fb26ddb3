package statecache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Read operations never fail: a Redis error is logged and the caller
// sees an empty result, the same as a cold cache.

// healthyWindow is how recent last_update must be for Healthy.
const healthyWindow = 24 * time.Hour

// All returns every cached state.
func (c *Cache) All(ctx context.Context) []State {
	return c.readView(ctx, AllStatesKey)
}

// Controllable returns the entities in controllable domains.
func (c *Cache) Controllable(ctx context.Context) []State {
	return c.readView(ctx, ControllableKey)
}

// Domain returns the cached entities of one domain.
func (c *Cache) Domain(ctx context.Context, domain string) []State {
	return c.readView(ctx, DomainKey(domain))
}

// Entity returns one cached entity, or nil.
func (c *Cache) Entity(ctx context.Context, entityID string) *State {
	raw, err := c.rdb.Get(ctx, EntityKey(entityID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache read failed", "entity_id", entityID, "error", err)
		}
		return nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		c.logger.Warn("malformed cached entity", "entity_id", entityID, "error", err)
		return nil
	}
	return &st
}

// ByState returns entities whose state equals state, ignoring case.
func (c *Cache) ByState(ctx context.Context, state string) []State {
	return c.Search(ctx, Query{State: state})
}

// Query filters Search results. Empty fields match everything.
type Query struct {
	// Pattern is a substring of the entity ID.
	Pattern string
	// Domain restricts the search to one domain view.
	Domain string
	// State must equal the entity state.
	State string
	// FriendlyNameContains is a substring of the friendly_name attribute.
	FriendlyNameContains string
}

// Search returns cached entities matching every non-empty field of q.
// All comparisons are case-insensitive.
func (c *Cache) Search(ctx context.Context, q Query) []State {
	var candidates []State
	if q.Domain != "" {
		candidates = c.Domain(ctx, q.Domain)
	} else {
		candidates = c.All(ctx)
	}

	pattern := strings.ToLower(q.Pattern)
	name := strings.ToLower(q.FriendlyNameContains)

	out := []State{}
	for _, s := range candidates {
		if pattern != "" && !strings.Contains(strings.ToLower(s.EntityID), pattern) {
			continue
		}
		if q.State != "" && !strings.EqualFold(s.State, q.State) {
			continue
		}
		if name != "" {
			fn, _ := s.Attributes["friendly_name"].(string)
			if !strings.Contains(strings.ToLower(fn), name) {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// Metadata returns the cache metadata, or nil when none is cached.
func (c *Cache) Metadata(ctx context.Context) *Metadata {
	meta, err := c.readMetadata(ctx)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache metadata read failed", "error", err)
		}
		return nil
	}
	return &meta
}

// Domains returns the domain list recorded in metadata.
func (c *Cache) Domains(ctx context.Context) []string {
	meta := c.Metadata(ctx)
	if meta == nil || meta.Domains == nil {
		return []string{}
	}
	return meta.Domains
}

// Summary aggregates the cached state.
type Summary struct {
	TotalEntities        int            `json:"total_entities"`
	ControllableEntities int            `json:"controllable_entities"`
	Domains              []string       `json:"domains"`
	DomainCounts         map[string]int `json:"domain_counts"`
	StateCounts          map[string]int `json:"state_counts"`
	LastUpdate           *time.Time     `json:"last_update"`
}

// Summary counts cached entities by domain and state.
func (c *Cache) Summary(ctx context.Context) Summary {
	s := Summary{
		Domains:      []string{},
		DomainCounts: map[string]int{},
		StateCounts:  map[string]int{},
	}
	for _, st := range c.All(ctx) {
		s.TotalEntities++
		s.DomainCounts[st.Domain()]++
		s.StateCounts[st.State]++
		if IsControllable(st.Domain()) {
			s.ControllableEntities++
		}
	}
	s.Domains = sortedKeys(s.DomainCounts)
	if meta := c.Metadata(ctx); meta != nil {
		t := meta.LastUpdate
		s.LastUpdate = &t
	}
	return s
}

// Healthy reports whether the cache has been written within the last
// 24 hours.
func (c *Cache) Healthy(ctx context.Context) bool {
	meta := c.Metadata(ctx)
	if meta == nil || meta.LastUpdate.IsZero() {
		return false
	}
	return c.now().Sub(meta.LastUpdate) < healthyWindow
}

func (c *Cache) readView(ctx context.Context, key string) []State {
	states, err := c.readStates(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache read failed", "key", key, "error", err)
		}
		return []State{}
	}
	return states
}
