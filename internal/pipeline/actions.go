package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/hearth/internal/history"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/prompts"
	"github.com/nugget/hearth/internal/rules"
)

// ProposedAction is one entry of the model's structured reply.
type ProposedAction struct {
	Type     string         `json:"type"`
	Intent   string         `json:"intent"`
	EntityID string         `json:"entity_id"`
	Data     map[string]any `json:"data"`
}

// ExecutedAction is a service call made on the hub.
type ExecutedAction struct {
	Service        string         `json:"service"`
	EntityID       string         `json:"entity_id"`
	Data           map[string]any `json:"data"`
	RedirectedFrom string         `json:"redirected_from,omitempty"`
}

// ActionsResult is the outcome of ProcessActions.
type ActionsResult struct {
	Success          bool             `json:"success"`
	Actions          []ExecutedAction `json:"actions"`
	Skipped          int              `json:"skipped"`
	InteractionID    string           `json:"interaction_id,omitempty"`
	ProcessingTimeMS int64            `json:"processing_time_ms"`
	Error            string           `json:"error,omitempty"`
	ErrorDetails     string           `json:"error_details,omitempty"`
}

// ProcessActions asks the model for a structured action list and
// executes each action entry on the hub. Entries that are not actions,
// lack an intent or entity, or whose intent is not "domain.service"
// are skipped. Override rules may redirect an action to another
// entity. A hub failure stops the run and fails the result; actions
// already executed are listed. Without a hub nothing is attempted.
func (p *Processor) ProcessActions(ctx context.Context, command, source string) ActionsResult {
	start := p.now()
	res := ActionsResult{Actions: []ExecutedAction{}}

	if !p.CanAct() {
		res.Error = ErrCodeNoHub
		res.ErrorDetails = "home assistant not configured"
		res.ProcessingTimeMS = p.since(start)
		p.logger.Warn("structured command rejected", "error", res.ErrorDetails)
		return res
	}

	entities := make(map[string]string)
	for _, st := range p.entities.Controllable(ctx) {
		entities[st.EntityID] = st.FriendlyName()
	}
	prompt := prompts.ActionPrompt(start.Format("2006-01-02 15:04:05"), entities, command)

	fail := func(reply string, err error) ActionsResult {
		res.Error = ErrCodeProcessing
		res.ErrorDetails = err.Error()
		res.ProcessingTimeMS = p.since(start)
		if reply == "" {
			reply = "Error: " + err.Error()
		}
		res.InteractionID = p.recordActions(ctx, prompt, reply, source, command, res)
		p.logger.Error("structured command failed", "error", err, "executed", len(res.Actions))
		p.finish("structured_actions", false, res.InteractionID, start)
		return res
	}

	resp, err := p.gen.Generate(ctx, llm.GenerateRequest{Prompt: prompt, Format: llm.FormatJSON})
	if err != nil {
		return fail("", fmt.Errorf("model call: %w", err))
	}
	proposed, err := ParseActions(resp.Text)
	if err != nil {
		return fail(resp.Text, err)
	}

	overrides, err := p.rules.ListOverrides()
	if err != nil {
		return fail(resp.Text, fmt.Errorf("load override rules: %w", err))
	}

	for _, a := range proposed {
		if a.Type != "action" || a.Intent == "" || a.EntityID == "" {
			res.Skipped++
			continue
		}
		domain, service, ok := splitIntent(a.Intent)
		if !ok {
			p.logger.Debug("skipping malformed intent", "intent", a.Intent)
			res.Skipped++
			continue
		}

		target, redirected := rules.ApplyOverrides(command, a.EntityID, overrides)
		if redirected {
			p.logger.Info("action redirected by override rule", "from", a.EntityID, "to", target)
		}

		payload := make(map[string]any, len(a.Data)+1)
		for k, v := range a.Data {
			payload[k] = v
		}
		payload["entity_id"] = target

		if _, err := p.hub.CallService(ctx, domain, service, payload); err != nil {
			return fail(resp.Text, fmt.Errorf("call %s on %s after %d actions: %w", a.Intent, target, len(res.Actions), err))
		}

		data := a.Data
		if data == nil {
			data = map[string]any{}
		}
		executed := ExecutedAction{Service: a.Intent, EntityID: target, Data: data}
		if redirected {
			executed.RedirectedFrom = a.EntityID
		}
		res.Actions = append(res.Actions, executed)
	}

	res.Success = true
	res.ProcessingTimeMS = p.since(start)
	res.InteractionID = p.recordActions(ctx, prompt, resp.Text, source, command, res)
	p.finish("structured_actions", true, res.InteractionID, start)
	return res
}

// CanAct reports whether a hub is wired for service calls.
func (p *Processor) CanAct() bool {
	return p.hub != nil
}

// ParseActions decodes the model's structured reply. Both a bare array
// and an object wrapping an "actions" array are accepted, optionally
// fenced or surrounded by prose.
func ParseActions(text string) ([]ProposedAction, error) {
	doc := llm.ExtractJSON(text)
	if strings.HasPrefix(doc, "[") {
		var list []ProposedAction
		if err := json.Unmarshal([]byte(doc), &list); err != nil {
			return nil, fmt.Errorf("decode action list: %w", err)
		}
		return list, nil
	}
	var wrapped struct {
		Actions *[]ProposedAction `json:"actions"`
	}
	if err := json.Unmarshal([]byte(doc), &wrapped); err != nil {
		return nil, fmt.Errorf("decode action list: %w", err)
	}
	if wrapped.Actions == nil {
		return nil, fmt.Errorf("decode action list: no actions array in reply")
	}
	return *wrapped.Actions, nil
}

// splitIntent splits "domain.service" into its parts.
func splitIntent(intent string) (string, string, bool) {
	domain, service, ok := strings.Cut(intent, ".")
	if !ok || domain == "" || service == "" || strings.Contains(service, ".") {
		return "", "", false
	}
	return domain, service, true
}

func (p *Processor) recordActions(ctx context.Context, prompt, reply, source, command string, res ActionsResult) string {
	if source == "" {
		source = history.SourceActions
	}
	id, err := p.history.Record(ctx, prompt, reply, source, history.Metadata{
		ProcessingTimeMS: res.ProcessingTimeMS,
		TemplateUsed:     "structured_actions",
		Command:          command,
		Success:          res.Error == "",
		Error:            res.ErrorDetails,
		ActionsExecuted:  len(res.Actions),
	})
	if err != nil {
		p.logger.Warn("interaction not recorded", "error", err)
	}
	return id
}
