package fetchers

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/nugget/hearth/internal/homeassistant"
	"github.com/nugget/hearth/internal/statecache"
)

// Built-in fetcher kinds.
const (
	KindCurrentTime          = "current_time"
	KindStatic               = "static"
	KindEntityState          = "entity_state"
	KindDomainStates         = "domain_states"
	KindControllableEntities = "controllable_entities"
	KindStateSummary         = "state_summary"
	KindEntitiesInState      = "entities_in_state"
	KindHAConfig             = "ha_config"
	KindWebPage              = "web_page"
)

// BuiltinKinds lists every kind Builtins can register when all of its
// dependencies are present.
var BuiltinKinds = []string{
	KindControllableEntities,
	KindCurrentTime,
	KindDomainStates,
	KindEntitiesInState,
	KindEntityState,
	KindHAConfig,
	KindStateSummary,
	KindStatic,
	KindWebPage,
}

// Fetcher produces one context value from its definition's params.
type Fetcher interface {
	Fetch(ctx context.Context, params map[string]string) (any, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, params map[string]string) (any, error)

func (f FetcherFunc) Fetch(ctx context.Context, params map[string]string) (any, error) {
	return f(ctx, params)
}

// Registry maps kind names to implementations.
type Registry struct {
	kinds map[string]Fetcher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Fetcher)}
}

// Register adds or replaces a kind.
func (r *Registry) Register(kind string, f Fetcher) {
	r.kinds[kind] = f
}

// Lookup returns the implementation for kind.
func (r *Registry) Lookup(kind string) (Fetcher, bool) {
	f, ok := r.kinds[kind]
	return f, ok
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// StateSource is the read side of the state cache used by fetchers.
type StateSource interface {
	Entity(ctx context.Context, entityID string) *statecache.State
	Domain(ctx context.Context, domain string) []statecache.State
	Controllable(ctx context.Context) []statecache.State
	Summary(ctx context.Context) statecache.Summary
	Search(ctx context.Context, q statecache.Query) []statecache.State
}

// ConfigSource returns the hub configuration.
type ConfigSource interface {
	GetConfig(ctx context.Context) (*homeassistant.Config, error)
}

// Deps are the collaborators built-in kinds draw on. Kinds whose
// dependency is nil are not registered.
type Deps struct {
	States StateSource
	Hub    ConfigSource
	Web    *WebClient
	Now    func() time.Time
}

// Builtins returns a registry holding every built-in kind that deps
// can support.
func Builtins(deps Deps) *Registry {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	r := NewRegistry()
	r.Register(KindCurrentTime, FetcherFunc(func(_ context.Context, p map[string]string) (any, error) {
		return currentTime(now(), p["timezone"])
	}))
	r.Register(KindStatic, FetcherFunc(func(_ context.Context, p map[string]string) (any, error) {
		return p["value"], nil
	}))

	if s := deps.States; s != nil {
		r.Register(KindEntityState, FetcherFunc(func(ctx context.Context, p map[string]string) (any, error) {
			id, err := required(p, "entity_id")
			if err != nil {
				return nil, err
			}
			st := s.Entity(ctx, id)
			if st == nil {
				return nil, fmt.Errorf("entity %s not found in cache", id)
			}
			return st, nil
		}))
		r.Register(KindDomainStates, FetcherFunc(func(ctx context.Context, p map[string]string) (any, error) {
			domain, err := required(p, "domain")
			if err != nil {
				return nil, err
			}
			return briefs(s.Domain(ctx, domain)), nil
		}))
		r.Register(KindControllableEntities, FetcherFunc(func(ctx context.Context, _ map[string]string) (any, error) {
			out := make(map[string]string)
			for _, st := range s.Controllable(ctx) {
				out[st.EntityID] = st.FriendlyName()
			}
			return out, nil
		}))
		r.Register(KindStateSummary, FetcherFunc(func(ctx context.Context, _ map[string]string) (any, error) {
			return s.Summary(ctx), nil
		}))
		r.Register(KindEntitiesInState, FetcherFunc(func(ctx context.Context, p map[string]string) (any, error) {
			state, err := required(p, "state")
			if err != nil {
				return nil, err
			}
			return briefs(s.Search(ctx, statecache.Query{State: state, Domain: p["domain"]})), nil
		}))
	}

	if hub := deps.Hub; hub != nil {
		r.Register(KindHAConfig, FetcherFunc(func(ctx context.Context, _ map[string]string) (any, error) {
			cfg, err := hub.GetConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("get hub config: %w", err)
			}
			return map[string]any{
				"location_name": cfg.LocationName,
				"version":       cfg.Version,
				"time_zone":     cfg.TimeZone,
				"latitude":      cfg.Latitude,
				"longitude":     cfg.Longitude,
				"temperature":   cfg.UnitSystem.Temperature,
			}, nil
		}))
	}

	if web := deps.Web; web != nil {
		r.Register(KindWebPage, FetcherFunc(func(ctx context.Context, p map[string]string) (any, error) {
			url, err := required(p, "url")
			if err != nil {
				return nil, err
			}
			maxChars := DefaultPageChars
			if v := p["max_chars"]; v != "" {
				if maxChars, err = strconv.Atoi(v); err != nil {
					return nil, fmt.Errorf("max_chars: %w", err)
				}
			}
			return web.Fetch(ctx, url, maxChars)
		}))
	}

	return r
}

// EntityBrief is the reduced entity form used in prompt context.
type EntityBrief struct {
	EntityID     string `json:"entity_id"`
	State        string `json:"state"`
	FriendlyName string `json:"friendly_name"`
}

func briefs(states []statecache.State) []EntityBrief {
	out := make([]EntityBrief, 0, len(states))
	for _, st := range states {
		out = append(out, EntityBrief{EntityID: st.EntityID, State: st.State, FriendlyName: st.FriendlyName()})
	}
	return out
}

// TimeInfo is the current_time payload.
type TimeInfo struct {
	ISO     string `json:"iso"`
	Date    string `json:"date"`
	Time    string `json:"time"`
	Weekday string `json:"weekday"`
	Unix    int64  `json:"unix"`
}

func currentTime(now time.Time, tz string) (TimeInfo, error) {
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return TimeInfo{}, fmt.Errorf("load timezone %s: %w", tz, err)
		}
		now = now.In(loc)
	}
	return TimeInfo{
		ISO:     now.Format(time.RFC3339),
		Date:    now.Format(time.DateOnly),
		Time:    now.Format("15:04:05"),
		Weekday: now.Weekday().String(),
		Unix:    now.Unix(),
	}, nil
}

func required(p map[string]string, name string) (string, error) {
	v := p[name]
	if v == "" {
		return "", fmt.Errorf("param %s is required", name)
	}
	return v, nil
}
