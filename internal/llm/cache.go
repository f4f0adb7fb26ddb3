package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/hearth/internal/metrics"
)

// ResponseKey returns the cache key for a request. The model and
// output format are part of the hash, so a JSON-mode reply never
// answers a free-text request for the same prompt.
// Pattern: llm:response:{sha256(model NUL format NUL prompt)}
func ResponseKey(req GenerateRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Model))
	h.Write([]byte{0})
	h.Write([]byte(req.Format))
	h.Write([]byte{0})
	h.Write([]byte(req.Prompt))
	return "llm:response:" + hex.EncodeToString(h.Sum(nil))
}

// CachedGenerator wraps a Generator with a Redis cache of raw response
// text keyed by the prompt, model and format. Cache failures fall through to the
// wrapped generator.
type CachedGenerator struct {
	next    Generator
	rdb     *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewCachedGenerator returns a caching Generator. ttl defaults to 1h.
func NewCachedGenerator(next Generator, rdb *redis.Client, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *CachedGenerator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedGenerator{next: next, rdb: rdb, ttl: ttl, metrics: m, logger: logger}
}

// Generate returns the cached text for req, or calls the
// wrapped generator and caches its reply.
func (g *CachedGenerator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	key := ResponseKey(req)

	text, err := g.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		g.metrics.ModelCall("hit", true)
		g.logger.Debug("model response cache hit", "key", key)
		return &GenerateResponse{Model: req.Model, Text: text, Cached: true}, nil
	case !errors.Is(err, redis.Nil):
		g.logger.Warn("model response cache read failed", "error", err)
	}

	resp, err := g.next.Generate(ctx, req)
	g.metrics.ModelCall("miss", err == nil)
	if err != nil {
		return nil, err
	}

	if err := g.rdb.Set(ctx, key, resp.Text, g.ttl).Err(); err != nil {
		g.logger.Warn("model response cache write failed", "error", err)
	}
	return resp, nil
}
