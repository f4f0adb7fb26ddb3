// Package fetchers produces named context values for prompt templates.
// Each definition selects a registered kind; results are cached in
// Redis for the definition's TTL.
package fetchers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/hearth/internal/metrics"
)

// CacheKey returns the Redis key holding a fetcher's cached result.
//
// Pattern: mcp:prefetch:{key}
func CacheKey(key string) string {
	return "mcp:prefetch:" + key
}

// DefinitionSource looks up fetcher definitions.
type DefinitionSource interface {
	Get(key string) (*Definition, error)
	List() ([]Definition, error)
}

// Result is the outcome of a fetch. Failures are reported in-band
// through FailedFetch and Error.
type Result struct {
	Key         string          `json:"key"`
	Data        json.RawMessage `json:"data,omitempty"`
	FailedFetch bool            `json:"failed_fetch,omitempty"`
	Error       string          `json:"error,omitempty"`
	Cached      bool            `json:"cached"`
	CachedAt    time.Time       `json:"cached_at"`
}

// cacheEntry is the stored form of a result.
type cacheEntry struct {
	Data       json.RawMessage `json:"data"`
	CachedAt   string          `json:"_cached_at"`
	FetcherKey string          `json:"_fetcher_key"`
	TTLSeconds int             `json:"_ttl_seconds"`
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Definitions DefinitionSource
	Registry    *Registry
	Redis       *redis.Client
	Now         func() time.Time
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Engine resolves fetcher keys to data, consulting the cache first.
type Engine struct {
	defs     DefinitionSource
	registry *Registry
	rdb      *redis.Client
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewEngine creates a fetcher engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = Builtins(Deps{Now: cfg.Now})
	}
	return &Engine{
		defs:     cfg.Definitions,
		registry: cfg.Registry,
		rdb:      cfg.Redis,
		now:      cfg.Now,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Fetch returns the data for key. A cached result younger than the
// definition's TTL is returned unless force is set; otherwise the kind
// runs fresh and a successful result is cached. Errors never
// propagate; they come back as a failed Result.
func (e *Engine) Fetch(ctx context.Context, key string, force bool) Result {
	def, err := e.defs.Get(key)
	if err != nil {
		if !errors.Is(err, ErrUnknownFetcher) {
			e.logger.Error("fetcher definition lookup failed", "key", key, "error", err)
		}
		e.metrics.Fetch(key, "unknown")
		return failed(key, fmt.Sprintf("Unknown fetcher: %s", key))
	}

	if !force {
		if res, ok := e.cached(ctx, def); ok {
			e.metrics.Fetch(key, "hit")
			return res
		}
	}

	f, ok := e.registry.Lookup(def.Kind)
	if !ok {
		e.metrics.Fetch(key, "unknown")
		return failed(key, fmt.Sprintf("Unknown fetcher kind %q for %s", def.Kind, key))
	}

	value, err := f.Fetch(ctx, def.Params)
	if err != nil {
		e.logger.Warn("fetcher failed", "key", key, "kind", def.Kind, "error", err)
		e.metrics.Fetch(key, "error")
		return failed(key, err.Error())
	}
	data, err := json.Marshal(value)
	if err != nil {
		e.metrics.Fetch(key, "error")
		return failed(key, fmt.Sprintf("encode result: %v", err))
	}

	now := e.now()
	e.store(ctx, def, data, now)
	e.metrics.Fetch(key, "miss")
	return Result{Key: key, Data: data, CachedAt: now}
}

// Refresh runs the fetcher fresh, replacing any cached value.
func (e *Engine) Refresh(ctx context.Context, key string) Result {
	return e.Fetch(ctx, key, true)
}

// Invalidate drops the cached value for key.
func (e *Engine) Invalidate(ctx context.Context, key string) error {
	if err := e.rdb.Del(ctx, CacheKey(key)).Err(); err != nil {
		return fmt.Errorf("invalidate fetcher %s: %w", key, err)
	}
	return nil
}

// CacheStatus describes the cache state of one fetcher.
type CacheStatus struct {
	Key         string     `json:"key"`
	Kind        string     `json:"kind"`
	Description string     `json:"description,omitempty"`
	TTLSeconds  int        `json:"ttl_seconds"`
	Cached      bool       `json:"cached"`
	CachedAt    *time.Time `json:"cached_at,omitempty"`
	AgeSeconds  float64    `json:"age_seconds,omitempty"`
	Fresh       bool       `json:"fresh"`
}

// Status reports the cache state of every active fetcher.
func (e *Engine) Status(ctx context.Context) ([]CacheStatus, error) {
	defs, err := e.defs.List()
	if err != nil {
		return nil, fmt.Errorf("list fetchers: %w", err)
	}
	now := e.now()
	out := make([]CacheStatus, 0, len(defs))
	for _, d := range defs {
		st := CacheStatus{Key: d.Key, Kind: d.Kind, Description: d.Description, TTLSeconds: d.TTLSeconds}
		if entry, at, ok := e.read(ctx, d.Key); ok && entry != nil {
			age := now.Sub(at)
			st.Cached = true
			st.CachedAt = &at
			st.AgeSeconds = age.Seconds()
			st.Fresh = age < ttl(d)
		}
		out = append(out, st)
	}
	return out, nil
}

// Kinds lists the kinds this engine can run.
func (e *Engine) Kinds() []string {
	return e.registry.Kinds()
}

func (e *Engine) cached(ctx context.Context, def *Definition) (Result, bool) {
	entry, at, ok := e.read(ctx, def.Key)
	if !ok {
		return Result{}, false
	}
	age := e.now().Sub(at)
	if age >= ttl(*def) {
		return Result{}, false
	}
	e.logger.Debug("fetcher cache hit", "key", def.Key, "age", age.Round(time.Millisecond))
	return Result{Key: def.Key, Data: entry.Data, Cached: true, CachedAt: at}, true
}

func (e *Engine) read(ctx context.Context, key string) (*cacheEntry, time.Time, bool) {
	raw, err := e.rdb.Get(ctx, CacheKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			e.logger.Warn("fetcher cache read failed", "key", key, "error", err)
		}
		return nil, time.Time{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		e.logger.Warn("fetcher cache entry corrupt", "key", key, "error", err)
		return nil, time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, entry.CachedAt)
	if err != nil {
		return nil, time.Time{}, false
	}
	return &entry, at, true
}

func (e *Engine) store(ctx context.Context, def *Definition, data json.RawMessage, at time.Time) {
	if def.TTLSeconds <= 0 {
		return
	}
	raw, err := json.Marshal(cacheEntry{
		Data:       data,
		CachedAt:   at.UTC().Format(time.RFC3339Nano),
		FetcherKey: def.Key,
		TTLSeconds: def.TTLSeconds,
	})
	if err != nil {
		return
	}
	if err := e.rdb.Set(ctx, CacheKey(def.Key), raw, ttl(*def)).Err(); err != nil {
		e.logger.Warn("fetcher cache write failed", "key", def.Key, "error", err)
	}
}

func ttl(d Definition) time.Duration {
	return time.Duration(d.TTLSeconds) * time.Second
}

func failed(key, msg string) Result {
	return Result{Key: key, FailedFetch: true, Error: msg}
}

// Marker returns the in-band value a failed result contributes to a
// prompt context.
func (r Result) Marker() map[string]any {
	return map[string]any{"failed_fetch": true, "error": r.Error}
}
