// Package actions executes Home Assistant service calls on behalf of API
// clients. Each call is validated against the hub's service catalog and
// the entity cache, logged to Redis, and followed by a delayed refresh of
// the target entity so the cache converges without waiting for the
// event stream.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/homeassistant"
	"github.com/nugget/hearth/internal/metrics"
	"github.com/nugget/hearth/internal/statecache"
)

// MaxBulkActions is the largest batch ExecuteBulk accepts.
const MaxBulkActions = 50

// ErrTooManyActions is returned by ExecuteBulk for oversized batches.
var ErrTooManyActions = errors.New("too many actions")

// Hub is the subset of the Home Assistant REST client the executor uses.
type Hub interface {
	GetServices(ctx context.Context) ([]homeassistant.ServiceDomain, error)
	CallService(ctx context.Context, domain, service string, data map[string]any) ([]homeassistant.State, error)
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
}

// StateView reads and refreshes cached entity state.
type StateView interface {
	Entity(ctx context.Context, entityID string) *statecache.State
	RefreshEntity(ctx context.Context, state statecache.State) error
}

// Action is one requested service call.
type Action struct {
	Service  string         `json:"service"`
	EntityID string         `json:"entity_id"`
	Data     map[string]any `json:"data,omitempty"`
}

// Result reports the outcome of one action.
type Result struct {
	Success    bool                  `json:"success"`
	Service    string                `json:"service"`
	EntityID   string                `json:"entity_id"`
	Data       map[string]any        `json:"data"`
	HAResponse []homeassistant.State `json:"ha_response"`
	Timestamp  string                `json:"timestamp"`
	Error      string                `json:"error,omitempty"`
}

// BulkResult reports the outcome of ExecuteBulk.
type BulkResult struct {
	Success   bool     `json:"success"`
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}

// Config wires an Executor. Zero durations take defaults.
type Config struct {
	Hub     Hub
	States  StateView
	Redis   *redis.Client
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	// CatalogTTL bounds how long the service catalog is cached
	// (default 5m).
	CatalogTTL time.Duration

	// LogRetention bounds the action log (default 7 days).
	LogRetention time.Duration

	// RefreshDelay is the wait before re-reading an acted-on entity
	// (default 5s).
	RefreshDelay time.Duration
}

// Executor validates and performs service calls.
type Executor struct {
	hub          Hub
	states       StateView
	rdb          *redis.Client
	bus          *events.Bus
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
	catalogTTL   time.Duration
	logRetention time.Duration
	refreshDelay time.Duration

	// refreshCtx bounds the post-action refresh goroutines; Close
	// cancels it and waits for them. closed is guarded by mu so no
	// refresh is added to wg once Close has started waiting.
	refreshCtx context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
}

// New creates an Executor. Call Close to stop pending refreshes.
func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CatalogTTL <= 0 {
		cfg.CatalogTTL = 5 * time.Minute
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = 7 * 24 * time.Hour
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		hub:          cfg.Hub,
		states:       cfg.States,
		rdb:          cfg.Redis,
		bus:          cfg.Bus,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		now:          cfg.Now,
		catalogTTL:   cfg.CatalogTTL,
		logRetention: cfg.LogRetention,
		refreshDelay: cfg.RefreshDelay,
		refreshCtx:   ctx,
		cancel:       cancel,
	}
}

// Close cancels pending refreshes and waits for them to return.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
}

// Execute validates and performs one action. Failures are reported in
// the Result, never returned.
func (e *Executor) Execute(ctx context.Context, a Action) Result {
	res := Result{
		Service:    a.Service,
		EntityID:   a.EntityID,
		Data:       a.Data,
		HAResponse: []homeassistant.State{},
		Timestamp:  e.now().UTC().Format(time.RFC3339Nano),
	}
	if res.Data == nil {
		res.Data = map[string]any{}
	}
	log := e.logger.With("service", a.Service, "entity_id", a.EntityID)

	domain, service, ok := splitService(a.Service)
	if !ok {
		res.Error = fmt.Sprintf("Invalid service format: %s. Expected 'domain.service'", a.Service)
		return res
	}
	if reason := e.checkService(ctx, domain, service); reason != "" {
		res.Error = reason
		return res
	}
	if reason := e.checkEntity(ctx, a.EntityID); reason != "" {
		res.Error = reason
		return res
	}

	payload := make(map[string]any, len(a.Data)+1)
	for k, v := range a.Data {
		payload[k] = v
	}
	payload["entity_id"] = a.EntityID

	changed, err := e.hub.CallService(ctx, domain, service, payload)
	if err != nil {
		log.Error("service call failed", "error", err)
		res.Error = fmt.Sprintf("Service call failed: %v", err)
	} else {
		log.Info("service called", "changed", len(changed))
		res.Success = true
		if changed != nil {
			res.HAResponse = changed
		}
		e.scheduleRefresh(a.EntityID)
	}

	if err := e.appendLog(ctx, res); err != nil {
		log.Warn("action not logged", "error", err)
	}
	e.metrics.Action(a.Service, res.Success)
	e.bus.Publish(events.Event{
		Source: events.SourceActions,
		Kind:   events.KindActionExecuted,
		Data: map[string]any{
			"service":   a.Service,
			"entity_id": a.EntityID,
			"success":   res.Success,
		},
	})
	return res
}

// ExecuteBulk runs up to MaxBulkActions actions in order. Larger batches
// return ErrTooManyActions without running anything.
func (e *Executor) ExecuteBulk(ctx context.Context, list []Action) (BulkResult, error) {
	if len(list) > MaxBulkActions {
		return BulkResult{}, fmt.Errorf("%d actions exceeds limit of %d: %w", len(list), MaxBulkActions, ErrTooManyActions)
	}
	out := BulkResult{Total: len(list), Results: make([]Result, 0, len(list))}
	for _, a := range list {
		r := e.Execute(ctx, a)
		if r.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, r)
	}
	out.Success = out.Failed == 0
	return out, nil
}

// checkEntity returns why entityID cannot be acted on, or "".
func (e *Executor) checkEntity(ctx context.Context, entityID string) string {
	if e.states.Entity(ctx, entityID) == nil {
		return fmt.Sprintf("Entity %s not found or not available", entityID)
	}
	domain, _, _ := homeassistant.SplitEntityID(entityID)
	if !statecache.IsControllable(domain) {
		return fmt.Sprintf("Entity %s is not controllable", entityID)
	}
	return ""
}

// scheduleRefresh re-reads entityID from the hub after the refresh
// delay and writes it to the cache.
func (e *Executor) scheduleRefresh(entityID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Debug("executor closed, skipping post-action refresh", "entity_id", entityID)
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(e.refreshDelay)
		defer timer.Stop()
		select {
		case <-e.refreshCtx.Done():
			return
		case <-timer.C:
		}

		st, err := e.hub.GetState(e.refreshCtx, entityID)
		if err != nil {
			e.logger.Warn("post-action refresh failed", "entity_id", entityID, "error", err)
			return
		}
		if err := e.states.RefreshEntity(e.refreshCtx, *st); err != nil {
			e.logger.Warn("post-action cache write failed", "entity_id", entityID, "error", err)
			return
		}
		e.logger.Debug("entity refreshed after action", "entity_id", entityID, "state", st.State)
	}()
}

func splitService(s string) (string, string, bool) {
	domain, service, ok := strings.Cut(s, ".")
	if !ok || domain == "" || service == "" || strings.Contains(service, ".") {
		return "", "", false
	}
	return domain, service, true
}
