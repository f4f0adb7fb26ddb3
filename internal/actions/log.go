package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/hearth/internal/homeassistant"
)

const (
	// ServicesKey caches the hub's service catalog as JSON.
	ServicesKey = "ha:services:all"

	// AllActionsKey is the action log ZSET spanning all entities.
	AllActionsKey = "ha:actions:all"

	// DefaultHistoryLimit is the History page size when none is given.
	DefaultHistoryLimit = 50
)

// ActionLogKey returns the action log ZSET for one entity.
// Pattern: ha:actions:{entity_id}
func ActionLogKey(entityID string) string {
	return "ha:actions:" + entityID
}

// checkService returns why domain.service is unavailable, or "". When
// the catalog cannot be loaded every service is allowed.
func (e *Executor) checkService(ctx context.Context, domain, service string) string {
	catalog, err := e.catalog(ctx)
	if err != nil {
		e.logger.Warn("service catalog unavailable, skipping validation", "error", err)
		return ""
	}
	for _, d := range catalog {
		if d.Domain != domain {
			continue
		}
		if _, ok := d.Services[service]; ok {
			return ""
		}
		break
	}
	return fmt.Sprintf("Service %s.%s not available", domain, service)
}

// catalog returns the service catalog, from Redis when cached.
func (e *Executor) catalog(ctx context.Context) ([]homeassistant.ServiceDomain, error) {
	raw, err := e.rdb.Get(ctx, ServicesKey).Bytes()
	switch {
	case err == nil:
		var cached []homeassistant.ServiceDomain
		if jerr := json.Unmarshal(raw, &cached); jerr == nil {
			return cached, nil
		}
		e.logger.Warn("malformed cached service catalog, refetching")
	case !errors.Is(err, redis.Nil):
		e.logger.Warn("service catalog cache read failed", "error", err)
	}

	catalog, err := e.hub.GetServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch service catalog: %w", err)
	}
	if raw, err := json.Marshal(catalog); err == nil {
		if err := e.rdb.Set(ctx, ServicesKey, raw, e.catalogTTL).Err(); err != nil {
			e.logger.Warn("service catalog not cached", "error", err)
		}
	}
	return catalog, nil
}

// appendLog adds res to the entity and global action logs and drops
// entries older than the retention window.
func (e *Executor) appendLog(ctx context.Context, res Result) error {
	member, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal action log entry: %w", err)
	}
	now := e.now()
	score := float64(now.UnixNano()) / 1e9
	cutoff := strconv.FormatFloat(score-e.logRetention.Seconds(), 'f', -1, 64)

	pipe := e.rdb.TxPipeline()
	for _, key := range []string{ActionLogKey(res.EntityID), AllActionsKey} {
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		pipe.Expire(ctx, key, e.logRetention)
		pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append action log: %w", err)
	}
	return nil
}

// History returns the logged actions for entityID, newest first. An
// empty entityID reads the global log.
func (e *Executor) History(ctx context.Context, entityID string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	key := AllActionsKey
	if entityID != "" {
		key = ActionLogKey(entityID)
	}
	members, err := e.rdb.ZRevRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read action log: %w", err)
	}
	out := make([]Result, 0, len(members))
	for _, m := range members {
		var r Result
		if err := json.Unmarshal([]byte(m), &r); err != nil {
			e.logger.Warn("skipping malformed action log entry", "key", key, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
