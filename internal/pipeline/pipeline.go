// Package pipeline turns natural-language commands into model calls.
// Process selects a response template, gathers fetcher context, renders
// the prompt and asks the model for free text. ProcessActions asks the
// model for a structured action list, applies override rules and calls
// the hub.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/fetchers"
	"github.com/nugget/hearth/internal/history"
	"github.com/nugget/hearth/internal/homeassistant"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/metrics"
	"github.com/nugget/hearth/internal/prompts"
	"github.com/nugget/hearth/internal/rules"
	"github.com/nugget/hearth/internal/statecache"
	"github.com/nugget/hearth/internal/templates"
)

// Error codes reported in failed results.
const (
	ErrCodeTemplateNotFound = "template_not_found"
	ErrCodeProcessing       = "processing_error"
	ErrCodeNoHub            = "hub_not_configured"
)

// TemplateSource selects and loads templates and system prompts.
type TemplateSource interface {
	Select(input string) templates.Selection
	Get(name string) (*templates.Template, error)
	GetSystemPrompt(name string) (*templates.SystemPrompt, error)
}

// RuleSource provides override rules and guardrail descriptions.
type RuleSource interface {
	ListOverrides() ([]rules.OverrideRule, error)
	DescribeGuardrail(name string) (string, error)
}

// ContextFetcher resolves fetcher keys.
type ContextFetcher interface {
	Fetch(ctx context.Context, key string, force bool) fetchers.Result
}

// Recorder stores and loads interaction records.
type Recorder interface {
	Record(ctx context.Context, prompt, response, source string, md history.Metadata) (string, error)
	Get(ctx context.Context, id string) (*history.Record, error)
}

// EntitySource lists the entities the model may act on.
type EntitySource interface {
	Controllable(ctx context.Context) []statecache.State
}

// ServiceCaller invokes hub services.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) ([]homeassistant.State, error)
}

// Config wires a Processor.
type Config struct {
	Templates TemplateSource
	Rules     RuleSource
	Fetchers  ContextFetcher
	History   Recorder
	Entities  EntitySource
	Hub       ServiceCaller
	Generator llm.Generator
	// RerunGenerator serves Rerun. It defaults to Generator; pass the
	// uncached client so reruns reach the model.
	RerunGenerator llm.Generator
	Bus            *events.Bus
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	Now            func() time.Time
}

// Processor runs commands through the model.
type Processor struct {
	templates TemplateSource
	rules     RuleSource
	fetchers  ContextFetcher
	history   Recorder
	entities  EntitySource
	hub       ServiceCaller
	gen       llm.Generator
	rerunGen  llm.Generator
	bus       *events.Bus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Processor.
func New(cfg Config) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RerunGenerator == nil {
		cfg.RerunGenerator = cfg.Generator
	}
	return &Processor{
		templates: cfg.Templates,
		rules:     cfg.Rules,
		fetchers:  cfg.Fetchers,
		history:   cfg.History,
		entities:  cfg.Entities,
		hub:       cfg.Hub,
		gen:       cfg.Generator,
		rerunGen:  cfg.RerunGenerator,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Result is the outcome of Process.
type Result struct {
	Success              bool     `json:"success"`
	Response             string   `json:"response"`
	ResponseHTML         string   `json:"response_html,omitempty"`
	TemplateUsed         string   `json:"template_used,omitempty"`
	TemplateRequested    string   `json:"template_requested,omitempty"`
	DataFetchersExecuted []string `json:"data_fetchers_executed"`
	ProcessingTimeMS     int64    `json:"processing_time_ms"`
	ContextKeys          []string `json:"context_keys"`
	InteractionID        string   `json:"interaction_id,omitempty"`
	Cached               bool     `json:"cached,omitempty"`
	Error                string   `json:"error,omitempty"`
	ErrorDetails         string   `json:"error_details,omitempty"`
}

// Process answers a command with free text from the model. It never
// returns an error; failures are reported in the Result. Every model
// call is recorded as an interaction, whether or not it succeeds.
func (p *Processor) Process(ctx context.Context, command, source string) Result {
	start := p.now()
	sel := p.templates.Select(command)
	log := p.logger.With("template", sel.Template)

	tmpl, err := p.templates.Get(sel.Template)
	if err != nil {
		log.Error("prompt template not found", "error", err)
		res := Result{
			Response:          fmt.Sprintf("Error: Prompt template '%s' not found. Please create a 'default' template first.", sel.Template),
			Error:             ErrCodeTemplateNotFound,
			TemplateRequested: sel.Template,
			ProcessingTimeMS:  p.since(start),
		}
		p.finish(sel.Template, res.Success, res.InteractionID, start)
		return res
	}

	pc, fetched := p.gatherContext(ctx, tmpl, command)
	system, user := p.renderPrompts(tmpl, pc, command)
	prompt := prompts.ModelPrompt(system, user)

	resp, genErr := p.gen.Generate(ctx, llm.GenerateRequest{Prompt: prompt})
	elapsed := p.since(start)

	md := history.Metadata{
		ProcessingTimeMS:     elapsed,
		TemplateUsed:         tmpl.Name,
		DataFetchersExecuted: fetched,
		ContextKeys:          pc.keys(),
		Command:              command,
		Success:              genErr == nil,
	}
	responseText := ""
	if genErr != nil {
		md.Error = genErr.Error()
		responseText = "Error: " + genErr.Error()
	} else {
		responseText = resp.Text
	}

	id, recErr := p.history.Record(ctx, prompt, responseText, source, md)
	if recErr != nil {
		log.Warn("interaction not recorded", "error", recErr)
	}

	if genErr != nil {
		log.Error("model call failed", "error", genErr, "elapsed_ms", elapsed)
		res := Result{
			Response:         "I apologize, but I encountered an error processing your command: " + genErr.Error(),
			Error:            ErrCodeProcessing,
			ErrorDetails:     genErr.Error(),
			TemplateUsed:     tmpl.Name,
			ProcessingTimeMS: elapsed,
			InteractionID:    id,
		}
		p.finish(tmpl.Name, false, id, start)
		return res
	}

	log.Info("command processed", "elapsed_ms", elapsed, "fetchers", len(fetched), "cached", resp.Cached, "interaction", id)
	p.finish(tmpl.Name, true, id, start)
	return Result{
		Success:              true,
		Response:             resp.Text,
		TemplateUsed:         tmpl.Name,
		DataFetchersExecuted: fetched,
		ProcessingTimeMS:     elapsed,
		ContextKeys:          pc.keys(),
		InteractionID:        id,
		Cached:               resp.Cached,
	}
}

// promptContext is a Context that remembers insertion order.
type promptContext struct {
	values Context
	order  []string
}

func (pc *promptContext) set(key string, v any) {
	if _, ok := pc.values[key]; !ok {
		pc.order = append(pc.order, key)
	}
	pc.values[key] = v
}

func (pc *promptContext) keys() []string {
	return append([]string(nil), pc.order...)
}

// gatherContext builds the placeholder values for tmpl. Fetcher
// failures become in-band markers and never abort the command.
func (p *Processor) gatherContext(ctx context.Context, tmpl *templates.Template, command string) (*promptContext, []string) {
	pc := &promptContext{values: Context{}}
	pc.set("user_input", command)
	pc.set("user_command", command)

	fetched := make([]string, 0, len(tmpl.DataFetchers))
	for _, key := range tmpl.DataFetchers {
		res := p.fetchers.Fetch(ctx, key, false)
		if res.FailedFetch {
			p.logger.Warn("data fetch failed", "fetcher", key, "error", res.Error)
			pc.set(key, res.Marker())
		} else {
			pc.set(key, res.Data)
		}
		fetched = append(fetched, key)
	}
	return pc, fetched
}

// renderPrompts renders both prompts for tmpl. A user prompt that
// references a missing key swaps both prompts for the fallback pair.
func (p *Processor) renderPrompts(tmpl *templates.Template, pc *promptContext, command string) (string, string) {
	user, err := renderUser(tmpl.UserPrompt, pc.values)
	if err != nil {
		var missing *MissingPlaceholderError
		key := "?"
		if errors.As(err, &missing) {
			key = missing.Key
		}
		p.logger.Error("prompt template render failed", "template", tmpl.Name, "error", err)
		return prompts.FallbackSystemPrompt(), prompts.FallbackUserPrompt(key, command)
	}

	system := expandLonghand(tmpl.SystemPrompt, p.resolveLonghand)
	system = expandKnown(system, pc.values)
	return system, user
}

func (p *Processor) resolveLonghand(kind, name string) (string, bool) {
	switch kind {
	case "system_prompt":
		sp, err := p.templates.GetSystemPrompt(name)
		if err != nil {
			p.logger.Warn("system prompt reference unresolved", "name", name, "error", err)
			return "", false
		}
		return sp.Prompt, true
	case "guard_rail":
		if p.rules == nil {
			return "", false
		}
		desc, err := p.rules.DescribeGuardrail(name)
		if err != nil {
			p.logger.Warn("guardrail reference unresolved", "name", name, "error", err)
			return "", false
		}
		return desc, true
	}
	return "", false
}

// Preview reports which template a command would use and why.
func (p *Processor) Preview(command string) templates.Selection {
	return p.templates.Select(command)
}

// RerunResult is the outcome of Rerun.
type RerunResult struct {
	Success               bool   `json:"success"`
	NewInteractionID      string `json:"new_interaction_id,omitempty"`
	OriginalInteractionID string `json:"original_interaction_id"`
	Response              string `json:"response,omitempty"`
	ProcessingTimeMS      int64  `json:"processing_time_ms"`
	Error                 string `json:"error,omitempty"`
}

// Rerun sends a recorded interaction's prompt to the model again and
// records the new interaction with source "rerun". Unknown ids return
// history.ErrNotFound.
func (p *Processor) Rerun(ctx context.Context, id string) (RerunResult, error) {
	orig, err := p.history.Get(ctx, id)
	if err != nil {
		return RerunResult{}, err
	}
	res := RerunResult{OriginalInteractionID: id}
	if orig.Prompt == "" {
		res.Error = "No prompt found in original interaction"
		return res, nil
	}

	start := p.now()
	resp, err := p.rerunGen.Generate(ctx, llm.GenerateRequest{Prompt: orig.Prompt})
	res.ProcessingTimeMS = p.since(start)
	if err != nil {
		res.Error = fmt.Sprintf("Failed to re-run interaction: %v", err)
		return res, nil
	}

	newID, err := p.history.Record(ctx, orig.Prompt, resp.Text, history.SourceRerun, history.Metadata{
		ProcessingTimeMS: res.ProcessingTimeMS,
		RerunOf:          id,
		OriginalSource:   orig.Source,
		TemplateUsed:     orig.Metadata.TemplateUsed,
		Success:          true,
	})
	if err != nil {
		p.logger.Warn("rerun interaction not recorded", "error", err)
	}
	res.Success = true
	res.NewInteractionID = newID
	res.Response = resp.Text
	return res, nil
}

func (p *Processor) since(start time.Time) int64 {
	return p.now().Sub(start).Milliseconds()
}

func (p *Processor) finish(template string, success bool, interactionID string, start time.Time) {
	elapsed := p.now().Sub(start)
	p.metrics.Command(template, success, elapsed)
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Timestamp: p.now(),
			Source:    events.SourcePipeline,
			Kind:      events.KindCommandComplete,
			Data: map[string]any{
				"template":       template,
				"success":        success,
				"interaction_id": interactionID,
				"elapsed_ms":     elapsed.Milliseconds(),
			},
		})
	}
}
