package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/hearth/internal/events"
)

const testToken = "test-token"

type fakeSink struct {
	mu        sync.Mutex
	snapshots [][]State
	updates   []StateChangedData
	live      []string
	removed   int
	err       error
}

func (s *fakeSink) WriteSnapshot(_ context.Context, states []State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, states)
	return s.err
}

func (s *fakeSink) ApplyUpdate(_ context.Context, id string, oldState, newState *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, StateChangedData{EntityID: id, OldState: oldState, NewState: newState})
	return s.err
}

func (s *fakeSink) RemoveStale(_ context.Context, live []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = live
	return s.removed, s.err
}

type fakeLister struct {
	states []State
	err    error
}

func (l fakeLister) GetStates(context.Context) ([]State, error) {
	return l.states, l.err
}

// newFakeHub serves a WebSocket endpoint that runs script once per
// connection. attempt counts from 1.
func newFakeHub(t *testing.T, script func(conn *websocket.Conn, attempt int)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/websocket" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn, int(attempts.Add(1)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// hubHandshake plays the hub side of auth, subscribe, and get_states.
func hubHandshake(conn *websocket.Conn) (subID, getID int64, err error) {
	if err := conn.WriteJSON(map[string]string{"type": "auth_required"}); err != nil {
		return 0, 0, err
	}
	var auth map[string]string
	if err := conn.ReadJSON(&auth); err != nil {
		return 0, 0, err
	}
	if auth["type"] != "auth" || auth["access_token"] != testToken {
		conn.WriteJSON(map[string]string{"type": "auth_invalid"})
		return 0, 0, errors.New("bad auth")
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth_ok"}); err != nil {
		return 0, 0, err
	}

	var sub, get struct {
		ID        int64  `json:"id"`
		Type      string `json:"type"`
		EventType string `json:"event_type"`
	}
	if err := conn.ReadJSON(&sub); err != nil {
		return 0, 0, err
	}
	if sub.Type != "subscribe_events" || sub.EventType != "state_changed" {
		return 0, 0, errors.New("expected subscribe_events")
	}
	if err := conn.ReadJSON(&get); err != nil {
		return 0, 0, err
	}
	if get.Type != "get_states" {
		return 0, 0, errors.New("expected get_states")
	}
	return sub.ID, get.ID, nil
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func stateChangedEvent(id string, oldState, newState any) map[string]any {
	return map[string]any{
		"type": "event",
		"id":   1,
		"event": map[string]any{
			"event_type": "state_changed",
			"data": map[string]any{
				"entity_id": id,
				"old_state": oldState,
				"new_state": newState,
			},
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://ha.local:8123", "ws://ha.local:8123/api/websocket", false},
		{"https://ha.example.com/", "wss://ha.example.com/api/websocket", false},
		{"ws://10.0.0.2:8123", "ws://10.0.0.2:8123/api/websocket", false},
		{"ftp://ha.local", "", true},
	}
	for _, tt := range tests {
		got, err := websocketURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("websocketURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("websocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewStreamClient_RequiresSink(t *testing.T) {
	if _, err := NewStreamClient(StreamConfig{BaseURL: "http://ha.local"}); err == nil {
		t.Error("expected error without a sink")
	}
}

func TestStreamClient_SnapshotAndUpdates(t *testing.T) {
	hub := newFakeHub(t, func(conn *websocket.Conn, _ int) {
		subID, getID, err := hubHandshake(conn)
		if err != nil {
			return
		}
		conn.WriteJSON(map[string]any{"id": subID, "type": "result", "success": true})
		conn.WriteJSON(map[string]any{
			"id":      getID,
			"type":    "result",
			"success": true,
			"result": []map[string]any{
				{"entity_id": "light.kitchen", "state": "off", "attributes": map[string]any{"friendly_name": "Kitchen"}},
				{"entity_id": "sensor.old", "state": "12"},
			},
		})
		conn.WriteJSON(stateChangedEvent("light.kitchen",
			map[string]any{"entity_id": "light.kitchen", "state": "off"},
			map[string]any{"entity_id": "light.kitchen", "state": "on"},
		))
		conn.WriteJSON(stateChangedEvent("sensor.old",
			map[string]any{"entity_id": "sensor.old", "state": "12"},
			nil,
		))
		conn.WriteJSON(map[string]any{"id": 99, "type": "pong"})
		drain(conn)
	})

	sink := &fakeSink{}
	bus := events.New()
	sub := bus.Subscribe(32)
	defer bus.Unsubscribe(sub)

	c, err := NewStreamClient(StreamConfig{
		BaseURL: hub.URL,
		Token:   testToken,
		Sink:    sink,
		Bus:     bus,
	})
	if err != nil {
		t.Fatalf("NewStreamClient: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	waitFor(t, func() bool { return c.Status().EventsReceived == 2 })

	st := c.Status()
	if st.State != StreamStreaming || !st.Connected {
		t.Errorf("state = %q connected=%v, want streaming", st.State, st.Connected)
	}
	if st.EventsReceived != 2 {
		t.Errorf("EventsReceived = %d, want 2", st.EventsReceived)
	}
	if st.SnapshotEntities != 2 {
		t.Errorf("SnapshotEntities = %d, want 2", st.SnapshotEntities)
	}
	if st.LastConnected == nil {
		t.Error("LastConnected not set")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.snapshots) != 1 || len(sink.snapshots[0]) != 2 {
		t.Fatalf("snapshots = %v, want one snapshot of 2", sink.snapshots)
	}
	if sink.snapshots[0][0].FriendlyName() != "Kitchen" {
		t.Errorf("snapshot friendly name = %q", sink.snapshots[0][0].FriendlyName())
	}
	first := sink.updates[0]
	if first.EntityID != "light.kitchen" || first.NewState == nil || first.NewState.State != "on" {
		t.Errorf("first update = %+v", first)
	}
	removal := sink.updates[1]
	if removal.EntityID != "sensor.old" || removal.NewState != nil || removal.OldState == nil {
		t.Errorf("removal update = %+v, want nil new state", removal)
	}

	var snapshots, changes int
	for {
		select {
		case ev := <-sub:
			switch ev.Kind {
			case events.KindSnapshot:
				snapshots++
			case events.KindStateChanged:
				changes++
			}
			continue
		default:
		}
		break
	}
	if snapshots != 1 || changes != 2 {
		t.Errorf("bus events: snapshots=%d changes=%d, want 1 and 2", snapshots, changes)
	}
}

func TestStreamClient_BackoffSchedule(t *testing.T) {
	// Six rejected handshakes, then one full handshake followed by a
	// server-side close.
	hub := newFakeHub(t, func(conn *websocket.Conn, attempt int) {
		if attempt <= 6 {
			conn.WriteJSON(map[string]string{"type": "auth_required"})
			var auth map[string]string
			conn.ReadJSON(&auth)
			conn.WriteJSON(map[string]string{"type": "auth_invalid"})
			return
		}
		if _, _, err := hubHandshake(conn); err != nil {
			return
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	})

	c, err := NewStreamClient(StreamConfig{
		BaseURL: hub.URL,
		Token:   testToken,
		Sink:    &fakeSink{},
	})
	if err != nil {
		t.Fatalf("NewStreamClient: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	var firstErr string
	c.sleep = func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		if len(delays) == 1 {
			firstErr = c.Status().LastError
		}
		if len(delays) == 7 {
			cancel()
			return false
		}
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish")
	}

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
		5 * time.Second,
	}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
	if !strings.Contains(firstErr, "authentication failed") {
		t.Errorf("first LastError = %q, want authentication failure", firstErr)
	}
	if st := c.Status(); st.State != StreamDisconnected {
		t.Errorf("final state = %q, want disconnected", st.State)
	}
}

func TestStreamClient_AuthTimeout(t *testing.T) {
	tests := []struct {
		name    string
		script  func(conn *websocket.Conn)
		wantErr string
	}{
		{
			name:    "no auth_required",
			script:  drain,
			wantErr: "read auth_required",
		},
		{
			name: "no auth reply",
			script: func(conn *websocket.Conn) {
				conn.WriteJSON(map[string]string{"type": "auth_required"})
				drain(conn)
			},
			wantErr: "read auth response",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newFakeHub(t, func(conn *websocket.Conn, _ int) { tt.script(conn) })
			c, err := NewStreamClient(StreamConfig{
				BaseURL:     hub.URL,
				Token:       testToken,
				Sink:        &fakeSink{},
				AuthTimeout: 50 * time.Millisecond,
			})
			if err != nil {
				t.Fatalf("NewStreamClient: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			var calls atomic.Int32
			c.sleep = func(context.Context, time.Duration) bool {
				calls.Add(1)
				cancel()
				return false
			}

			done := make(chan struct{})
			go func() {
				defer close(done)
				c.Run(ctx)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("stalled handshake never reached backoff")
			}

			if calls.Load() != 1 {
				t.Errorf("sleep called %d times, want 1", calls.Load())
			}
			if st := c.Status(); !strings.Contains(st.LastError, tt.wantErr) {
				t.Errorf("LastError = %q, want %q", st.LastError, tt.wantErr)
			}
		})
	}
}

func TestStreamClient_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	c, err := NewStreamClient(StreamConfig{BaseURL: srv.URL, Sink: &fakeSink{}})
	if err != nil {
		t.Fatalf("NewStreamClient: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	c.sleep = func(context.Context, time.Duration) bool {
		calls++
		cancel()
		return false
	}
	c.Run(ctx)

	if calls != 1 {
		t.Errorf("sleep called %d times, want 1", calls)
	}
	if st := c.Status(); !strings.Contains(st.LastError, "dial websocket") {
		t.Errorf("LastError = %q, want dial failure", st.LastError)
	}
}

func TestStreamClient_CleanupOnce(t *testing.T) {
	sink := &fakeSink{removed: 1}
	lister := fakeLister{states: []State{{EntityID: "light.a"}, {EntityID: "switch.b"}}}
	bus := events.New()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	c, err := NewStreamClient(StreamConfig{BaseURL: "http://ha.local", Sink: sink, Lister: lister, Bus: bus})
	if err != nil {
		t.Fatalf("NewStreamClient: %v", err)
	}
	c.cleanupOnce(context.Background())

	if got := strings.Join(sink.live, ","); got != "light.a,switch.b" {
		t.Errorf("live ids = %q", got)
	}
	select {
	case ev := <-sub:
		if ev.Kind != events.KindCleanup || ev.Data["removed"] != 1 {
			t.Errorf("event = %+v, want cleanup with removed=1", ev)
		}
	default:
		t.Error("no cleanup event published")
	}
}

func TestStreamClient_CleanupSkippedOnListError(t *testing.T) {
	sink := &fakeSink{}
	c, err := NewStreamClient(StreamConfig{
		BaseURL: "http://ha.local",
		Sink:    sink,
		Lister:  fakeLister{err: errors.New("boom")},
	})
	if err != nil {
		t.Fatalf("NewStreamClient: %v", err)
	}
	c.cleanupOnce(context.Background())
	if sink.live != nil {
		t.Error("RemoveStale should not run when listing fails")
	}
}

func TestStateChangedData_Decode(t *testing.T) {
	raw := `{"entity_id":"light.x","old_state":{"entity_id":"light.x","state":"on"},"new_state":null}`
	var d StateChangedData
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatal(err)
	}
	if d.NewState != nil || d.OldState == nil || d.OldState.State != "on" {
		t.Errorf("decoded = %+v", d)
	}
}
