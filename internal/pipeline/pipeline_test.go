package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/fetchers"
	"github.com/nugget/hearth/internal/history"
	"github.com/nugget/hearth/internal/homeassistant"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/prompts"
	"github.com/nugget/hearth/internal/rules"
	"github.com/nugget/hearth/internal/statecache"
	"github.com/nugget/hearth/internal/templates"
)

type fakeGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []llm.GenerateRequest
}

func (g *fakeGenerator) Generate(_ context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, req)
	if g.err != nil {
		return nil, g.err
	}
	return &llm.GenerateResponse{Model: "test", Text: g.reply}, nil
}

func (g *fakeGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1].Prompt
}

type serviceCall struct {
	domain, service string
	data            map[string]any
}

type fakeHub struct {
	calls  []serviceCall
	failOn int // 1-based call number that fails; 0 never fails
}

func (h *fakeHub) CallService(_ context.Context, domain, service string, data map[string]any) ([]homeassistant.State, error) {
	h.calls = append(h.calls, serviceCall{domain, service, data})
	if h.failOn > 0 && len(h.calls) == h.failOn {
		return nil, errors.New("HA API error 500")
	}
	return nil, nil
}

type fakeEntities struct{}

func (fakeEntities) Controllable(context.Context) []statecache.State {
	return []statecache.State{
		{EntityID: "light.living_room", State: "off", Attributes: map[string]any{"friendly_name": "Living Room"}},
		{EntityID: "light.bedroom", State: "off", Attributes: map[string]any{"friendly_name": "Bedroom"}},
	}
}

type fixture struct {
	p         *Processor
	templates *templates.Store
	rules     *rules.Store
	fetchers  *fetchers.Store
	history   *history.Store
	gen       *fakeGenerator
	hub       *fakeHub
	bus       *events.Bus
}

func setupPipeline(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	tmplStore, err := templates.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	ruleStore, err := rules.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	fetchStore, err := fetchers.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		templates: tmplStore,
		rules:     ruleStore,
		fetchers:  fetchStore,
		history:   history.NewStore(rdb, history.Options{}),
		gen:       &fakeGenerator{reply: "Okay, the living room light is on."},
		hub:       &fakeHub{},
		bus:       events.New(),
	}
	f.p = New(Config{
		Templates: tmplStore,
		Rules:     ruleStore,
		Fetchers:  fetchers.NewEngine(fetchers.EngineConfig{Definitions: fetchStore, Redis: rdb}),
		History:   f.history,
		Entities:  fakeEntities{},
		Hub:       f.hub,
		Generator: f.gen,
		Bus:       f.bus,
	})
	return f
}

func TestProcess_DefaultTemplate(t *testing.T) {
	f := setupPipeline(t)
	if err := f.templates.Upsert(templates.Template{
		Name:         "default",
		SystemPrompt: "You are Hearth.",
		UserPrompt:   "{user_input}",
	}); err != nil {
		t.Fatal(err)
	}
	sub := f.bus.Subscribe(4)
	ctx := context.Background()

	res := f.p.Process(ctx, "turn on the living room light", "")
	if !res.Success || res.TemplateUsed != "default" || res.Response != "Okay, the living room light is on." {
		t.Fatalf("result = %+v", res)
	}
	if len(res.DataFetchersExecuted) != 0 {
		t.Errorf("fetchers = %v", res.DataFetchersExecuted)
	}
	if strings.Join(res.ContextKeys, ",") != "user_input,user_command" {
		t.Errorf("context keys = %v", res.ContextKeys)
	}
	if got := f.gen.lastPrompt(); got != "System: You are Hearth.\n\nUser: turn on the living room light" {
		t.Errorf("prompt = %q", got)
	}

	rec, err := f.history.Get(ctx, res.InteractionID)
	if err != nil {
		t.Fatalf("interaction not stored: %v", err)
	}
	if rec.Source != history.SourceAPI || rec.Metadata.TemplateUsed != "default" || !rec.Metadata.Success {
		t.Errorf("record = %+v", rec)
	}
	if rec.Metadata.Command != "turn on the living room light" {
		t.Errorf("record command = %q", rec.Metadata.Command)
	}

	ev := <-sub
	if ev.Kind != "command_complete" || ev.Data["success"] != true {
		t.Errorf("event = %+v", ev)
	}
}

func TestProcess_TemplateNotFound(t *testing.T) {
	f := setupPipeline(t)
	res := f.p.Process(context.Background(), "hello", "")
	if res.Success || res.Error != ErrCodeTemplateNotFound || res.TemplateRequested != "default" {
		t.Fatalf("result = %+v", res)
	}
	if res.Response != "Error: Prompt template 'default' not found. Please create a 'default' template first." {
		t.Errorf("response = %q", res.Response)
	}
	if len(f.gen.prompts) != 0 {
		t.Error("model should not be called without a template")
	}
	if st := f.history.Stats(context.Background()); st.TotalInteractions != 0 {
		t.Errorf("interactions = %d, want 0", st.TotalInteractions)
	}
}

func TestProcess_ContextAndLonghand(t *testing.T) {
	f := setupPipeline(t)
	mustUpsert := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	mustUpsert(f.templates.Upsert(templates.Template{Name: "default"}))
	mustUpsert(f.templates.Upsert(templates.Template{
		Name:           "weather",
		IntentKeywords: "weather,rain",
		SystemPrompt:   "[system_prompt:persona]\n[guard_rail:quiet_hours]\n[guard_rail:missing]\n{greeting}",
		UserPrompt:     "{user_input} | {greeting} | {broken} | {{literal}} | {\"json\": true}",
		DataFetchers:   []string{"greeting", "broken"},
	}))
	mustUpsert(f.templates.UpsertSystemPrompt(templates.SystemPrompt{Name: "persona", Prompt: "You are a weather bot.", IsActive: true}))
	mustUpsert(f.rules.UpsertRule(rules.Rule{
		Name:           "quiet_hours",
		Type:           rules.TypeGuardrail,
		IsActive:       true,
		BlockedActions: []string{"media_player.play_media"},
	}))
	mustUpsert(f.fetchers.Upsert(fetchers.Definition{Key: "greeting", Kind: fetchers.KindStatic, Params: map[string]string{"value": "hi there"}, TTLSeconds: 60, IsActive: true}))
	mustUpsert(f.fetchers.Upsert(fetchers.Definition{Key: "broken", Kind: "does_not_exist", TTLSeconds: 60, IsActive: true}))

	res := f.p.Process(context.Background(), "will it rain today", "")
	if !res.Success || res.TemplateUsed != "weather" {
		t.Fatalf("result = %+v", res)
	}
	if strings.Join(res.DataFetchersExecuted, ",") != "greeting,broken" {
		t.Errorf("fetchers = %v", res.DataFetchersExecuted)
	}
	if strings.Join(res.ContextKeys, ",") != "user_input,user_command,greeting,broken" {
		t.Errorf("context keys = %v", res.ContextKeys)
	}

	prompt := f.gen.lastPrompt()
	for _, want := range []string{
		"System: You are a weather bot.\n",
		`Guardrail "quiet_hours"`,
		"Do not perform: media_player.play_media.",
		"[guard_rail:missing]",
		"\nhi there\n\nUser: will it rain today | hi there | ",
		`"failed_fetch": true`,
		"| {literal} |",
		`{"json": true}`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestProcess_MissingPlaceholder(t *testing.T) {
	f := setupPipeline(t)
	if err := f.templates.Upsert(templates.Template{Name: "default", SystemPrompt: "sys", UserPrompt: "Weather: {forecast}"}); err != nil {
		t.Fatal(err)
	}

	res := f.p.Process(context.Background(), "what's up", "")
	if !res.Success {
		t.Fatalf("render failure must not fail the command: %+v", res)
	}
	want := prompts.ModelPrompt(prompts.FallbackSystemPrompt(), prompts.FallbackUserPrompt("forecast", "what's up"))
	if got := f.gen.lastPrompt(); got != want {
		t.Errorf("prompt = %q, want %q", got, want)
	}
}

func TestProcess_ModelError(t *testing.T) {
	f := setupPipeline(t)
	if err := f.templates.Upsert(templates.Template{Name: "default", UserPrompt: "{user_input}"}); err != nil {
		t.Fatal(err)
	}
	f.gen.err = errors.New("ollama timeout")
	ctx := context.Background()

	res := f.p.Process(ctx, "hello", "manual")
	if res.Success || res.Error != ErrCodeProcessing || res.ErrorDetails != "ollama timeout" {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Response, "I apologize, but I encountered an error processing your command: ") {
		t.Errorf("response = %q", res.Response)
	}
	rec, err := f.history.Get(ctx, res.InteractionID)
	if err != nil {
		t.Fatalf("failed call not recorded: %v", err)
	}
	if rec.Metadata.Success || rec.Metadata.Error != "ollama timeout" || rec.Source != "manual" {
		t.Errorf("record = %+v", rec)
	}
}

func TestProcessActions_Redirect(t *testing.T) {
	f := setupPipeline(t)
	if err := f.rules.UpsertOverride(rules.OverrideRule{TriggerEntity: "light.living_room", TargetEntity: "light.bedroom"}); err != nil {
		t.Fatal(err)
	}
	f.gen.reply = "```json\n" + `[
		{"type":"action","intent":"light.turn_on","entity_id":"light.living_room","data":{"brightness":150}},
		{"type":"check_state","intent":"sun.state","entity_id":"sun.sun"},
		{"type":"action","intent":"turn_on","entity_id":"light.kitchen"},
		{"type":"action","intent":"light.turn_off"}
	]` + "\n```"

	res := f.p.ProcessActions(context.Background(), "turn on the living room light", "")
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Skipped != 3 {
		t.Errorf("skipped = %d, want 3", res.Skipped)
	}
	if len(f.hub.calls) != 1 {
		t.Fatalf("hub calls = %+v", f.hub.calls)
	}
	call := f.hub.calls[0]
	if call.domain != "light" || call.service != "turn_on" {
		t.Errorf("service = %s.%s", call.domain, call.service)
	}
	if call.data["entity_id"] != "light.bedroom" || call.data["brightness"] != float64(150) {
		t.Errorf("payload = %v", call.data)
	}
	if len(res.Actions) != 1 || res.Actions[0].EntityID != "light.bedroom" || res.Actions[0].RedirectedFrom != "light.living_room" {
		t.Errorf("actions = %+v", res.Actions)
	}

	req := f.gen.prompts[0]
	if req.Format != llm.FormatJSON || !strings.Contains(req.Prompt, `"light.living_room":"Living Room"`) {
		t.Errorf("structured request = %+v", req)
	}
	rec, err := f.history.Get(context.Background(), res.InteractionID)
	if err != nil || rec.Source != history.SourceActions || rec.Metadata.ActionsExecuted != 1 {
		t.Errorf("record = %+v, err %v", rec, err)
	}
}

func TestProcessActions_OverrideKeyword(t *testing.T) {
	f := setupPipeline(t)
	if err := f.rules.UpsertOverride(rules.OverrideRule{TriggerEntity: "light.living_room", TargetEntity: "light.bedroom", OverrideKeywords: []string{"really"}}); err != nil {
		t.Fatal(err)
	}
	f.gen.reply = `{"actions":[{"type":"action","intent":"light.turn_on","entity_id":"light.living_room"}]}`

	res := f.p.ProcessActions(context.Background(), "I really mean the living room", "")
	if !res.Success || len(f.hub.calls) != 1 || f.hub.calls[0].data["entity_id"] != "light.living_room" {
		t.Fatalf("result = %+v, calls = %+v", res, f.hub.calls)
	}
	if res.Actions[0].RedirectedFrom != "" {
		t.Errorf("action should not be redirected: %+v", res.Actions[0])
	}
}

func TestProcessActions_Failures(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		genErr    error
		failOn    int
		wantCalls int
		wantDone  int
	}{
		{"model error", "", errors.New("connection refused"), 0, 0, 0},
		{"unparseable reply", "I cannot do that", nil, 0, 0, 0},
		{"object without actions", `{"result":"ok"}`, nil, 0, 0, 0},
		{
			name:      "hub failure stops run",
			reply:     `[{"type":"action","intent":"light.turn_on","entity_id":"light.a"},{"type":"action","intent":"light.turn_on","entity_id":"light.b"},{"type":"action","intent":"light.turn_on","entity_id":"light.c"}]`,
			failOn:    2,
			wantCalls: 2,
			wantDone:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupPipeline(t)
			f.gen.reply = tt.reply
			f.gen.err = tt.genErr
			f.hub.failOn = tt.failOn

			res := f.p.ProcessActions(context.Background(), "do things", "")
			if res.Success || res.Error != ErrCodeProcessing || res.ErrorDetails == "" {
				t.Fatalf("result = %+v", res)
			}
			if len(f.hub.calls) != tt.wantCalls || len(res.Actions) != tt.wantDone {
				t.Errorf("calls = %d, executed = %d; want %d, %d", len(f.hub.calls), len(res.Actions), tt.wantCalls, tt.wantDone)
			}
			if res.InteractionID == "" {
				t.Error("failure should still be recorded")
			}
		})
	}
}

func TestProcessActions_NoHub(t *testing.T) {
	f := setupPipeline(t)
	var hub ServiceCaller
	p := New(Config{
		Templates: f.templates,
		Rules:     f.rules,
		History:   f.history,
		Entities:  fakeEntities{},
		Hub:       hub,
		Generator: f.gen,
	})
	f.gen.reply = `[{"type":"action","intent":"light.turn_on","entity_id":"light.living_room"}]`

	if p.CanAct() {
		t.Fatal("CanAct() = true without a hub")
	}
	res := p.ProcessActions(context.Background(), "turn on the living room light", "")
	if res.Success || res.Error != ErrCodeNoHub || len(res.Actions) != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(f.gen.prompts) != 0 {
		t.Errorf("model should not be called, got %d requests", len(f.gen.prompts))
	}
	if !f.p.CanAct() {
		t.Error("CanAct() = false with a hub")
	}
}

func TestRerun(t *testing.T) {
	f := setupPipeline(t)
	if err := f.templates.Upsert(templates.Template{Name: "default", UserPrompt: "{user_input}"}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	orig := f.p.Process(ctx, "status report", "")

	f.gen.reply = "second answer"
	res, err := f.p.Rerun(ctx, orig.InteractionID)
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if !res.Success || res.Response != "second answer" || res.OriginalInteractionID != orig.InteractionID {
		t.Fatalf("rerun = %+v", res)
	}
	if f.gen.prompts[0].Prompt != f.gen.prompts[1].Prompt {
		t.Error("rerun must reuse the stored prompt")
	}

	rec, err := f.history.Get(ctx, res.NewInteractionID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Source != history.SourceRerun || rec.Metadata.RerunOf != orig.InteractionID || rec.Metadata.OriginalSource != history.SourceAPI {
		t.Errorf("rerun record = %+v", rec)
	}

	if _, err := f.p.Rerun(ctx, "nope"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("unknown id err = %v", err)
	}
}

func TestPreview(t *testing.T) {
	f := setupPipeline(t)
	if err := f.templates.Upsert(templates.Template{Name: "lights", IntentKeywords: "lights,lamp"}); err != nil {
		t.Fatal(err)
	}
	sel := f.p.Preview("dim the lamp")
	if sel.Template != "lights" || len(sel.Scores) != 1 || sel.Scores[0].Score != 1 {
		t.Errorf("preview = %+v", sel)
	}
}
