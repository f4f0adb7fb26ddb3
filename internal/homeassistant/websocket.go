package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/connwatch"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/metrics"
)

// Stream lifecycle states reported by StreamClient.Status.
const (
	StreamDisconnected   = "disconnected"
	StreamConnecting     = "connecting"
	StreamAuthenticating = "authenticating"
	StreamSubscribing    = "subscribing"
	StreamStreaming      = "streaming"
)

// StateSink receives the state mirrored from the event stream. It is
// satisfied by *statecache.Cache.
type StateSink interface {
	WriteSnapshot(ctx context.Context, states []State) error
	ApplyUpdate(ctx context.Context, entityID string, oldState, newState *State) error
	RemoveStale(ctx context.Context, liveIDs []string) (int, error)
}

// StateLister fetches the authoritative entity list for stale cleanup.
// Satisfied by *Client.
type StateLister interface {
	GetStates(ctx context.Context) ([]State, error)
}

// Event represents a Home Assistant event received over the stream.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedData is the payload of a state_changed event. A nil
// NewState means the entity was removed.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StreamConfig configures a StreamClient.
type StreamConfig struct {
	// BaseURL is the HTTP(S) Home Assistant URL; the WebSocket URL is
	// derived from it.
	BaseURL string
	Token   string

	Sink   StateSink
	Lister StateLister

	InitialBackoff  time.Duration // default 5s
	MaxBackoff      time.Duration // default 60s
	CleanupInterval time.Duration // default 1h
	AuthTimeout     time.Duration // default 10s, per handshake read

	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// StreamStatus is a point-in-time view of the stream client.
type StreamStatus struct {
	State             string     `json:"state"`
	Connected         bool       `json:"connected"`
	URL               string     `json:"url"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	CurrentBackoff    string     `json:"current_backoff"`
	LastConnected     *time.Time `json:"last_connected,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	EventsReceived    int64      `json:"events_received"`
	LastEventAt       *time.Time `json:"last_event_at,omitempty"`
	SnapshotEntities  int        `json:"snapshot_entities"`
}

// StreamClient keeps a live WebSocket session with Home Assistant and
// feeds every state change into a StateSink. One connection is active
// at a time; Run reconnects with exponential backoff.
type StreamClient struct {
	cfg    StreamConfig
	wsURL  string
	logger *slog.Logger

	backoff *connwatch.Backoff
	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool

	msgID      atomic.Int64
	snapshotID atomic.Int64
	subID      atomic.Int64

	mu     sync.Mutex
	status StreamStatus
}

// NewStreamClient validates cfg and returns a client ready to Run.
func NewStreamClient(cfg StreamConfig) (*StreamClient, error) {
	if cfg.Sink == nil {
		return nil, errors.New("stream client requires a state sink")
	}
	wsURL, err := websocketURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &StreamClient{
		cfg:     cfg,
		wsURL:   wsURL,
		logger:  logger.With("component", "ha_stream"),
		backoff: connwatch.NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff, 2),
		sleep:   connwatch.SleepCtx,
	}
	c.status = StreamStatus{
		State:          StreamDisconnected,
		URL:            wsURL,
		CurrentBackoff: cfg.InitialBackoff.String(),
	}
	return c, nil
}

func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	u.Path = "/api/websocket"
	return u.String(), nil
}

// Status returns a copy of the current status.
func (c *StreamClient) Status() StreamStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	if s.LastConnected != nil {
		t := *s.LastConnected
		s.LastConnected = &t
	}
	if s.LastEventAt != nil {
		t := *s.LastEventAt
		s.LastEventAt = &t
	}
	return s
}

// Run connects and reconnects until ctx is cancelled. It always
// returns nil once ctx is done.
func (c *StreamClient) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			c.setState(StreamDisconnected, nil)
			return nil
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(StreamDisconnected, nil)
			return nil
		}

		delay := c.backoff.Next()
		c.mu.Lock()
		c.status.ReconnectAttempts = c.backoff.Attempts()
		c.status.CurrentBackoff = c.backoff.Peek().String()
		c.mu.Unlock()
		c.setState(StreamDisconnected, err)
		c.cfg.Metrics.StreamReconnect()

		c.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"backoff", delay.String(),
			"attempt", c.backoff.Attempts(),
		)
		if !c.sleep(ctx, delay) {
			c.setState(StreamDisconnected, nil)
			return nil
		}
	}
}

// session runs one connection from dial to close. It returns the
// reason the connection ended.
func (c *StreamClient) session(ctx context.Context) error {
	c.setState(StreamConnecting, nil)
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock the reader when ctx is cancelled.
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	c.setState(StreamAuthenticating, nil)
	if err := c.authenticate(conn); err != nil {
		return err
	}

	c.setState(StreamSubscribing, nil)
	if err := c.subscribe(conn); err != nil {
		return err
	}
	if err := c.fetchInitialSnapshot(conn); err != nil {
		return err
	}

	c.backoff.Reset()
	now := time.Now()
	c.mu.Lock()
	c.status.LastConnected = &now
	c.status.ReconnectAttempts = 0
	c.status.CurrentBackoff = c.backoff.Peek().String()
	c.mu.Unlock()
	c.setState(StreamStreaming, nil)
	c.logger.Info("stream established", "url", c.wsURL)

	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		c.periodicCleanup(sessCtx)
	}()

	err = c.receiveLoop(sessCtx, conn)
	cancel()
	<-cleanupDone
	return err
}

func (c *StreamClient) connect(ctx context.Context) (*websocket.Conn, error) {
	c.logger.Info("connecting to Home Assistant stream", "url", c.wsURL)

	// Large buffers: a full get_states result can run to megabytes.
	dialer := websocket.Dialer{
		ReadBufferSize:   1024 * 1024,
		WriteBufferSize:  64 * 1024,
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(100 * 1024 * 1024)
	return conn, nil
}

// authenticate runs the auth handshake. Each read is bounded by
// AuthTimeout so a hub that stalls mid-handshake falls through to
// backoff; the deadline is cleared on success.
func (c *StreamClient) authenticate(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout)); err != nil {
		return fmt.Errorf("set auth deadline: %w", err)
	}
	var challenge wsMessage
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if challenge.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", challenge.Type)
	}

	auth := map[string]string{
		"type":         "auth",
		"access_token": c.cfg.Token,
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout)); err != nil {
		return fmt.Errorf("set auth deadline: %w", err)
	}
	var reply wsMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch reply.Type {
	case "auth_ok":
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return fmt.Errorf("clear auth deadline: %w", err)
		}
		c.logger.Debug("stream authenticated")
		return nil
	case "auth_invalid":
		return errors.New("authentication failed")
	default:
		return fmt.Errorf("unexpected auth response: %s", reply.Type)
	}
}

// subscribe requests state_changed events. The confirmation arrives in
// the receive loop.
func (c *StreamClient) subscribe(conn *websocket.Conn) error {
	id := c.msgID.Add(1)
	c.subID.Store(id)
	msg := map[string]any{
		"id":         id,
		"type":       "subscribe_events",
		"event_type": "state_changed",
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send subscribe_events: %w", err)
	}
	return nil
}

// fetchInitialSnapshot requests the full state list. The result is
// written to the sink by the receive loop.
func (c *StreamClient) fetchInitialSnapshot(conn *websocket.Conn) error {
	id := c.msgID.Add(1)
	c.snapshotID.Store(id)
	if err := conn.WriteJSON(map[string]any{"id": id, "type": "get_states"}); err != nil {
		return fmt.Errorf("send get_states: %w", err)
	}
	return nil
}

func (c *StreamClient) receiveLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("connection closed by server")
			}
			return fmt.Errorf("read message: %w", err)
		}

		switch msg.Type {
		case "event":
			c.handleEvent(ctx, msg.Event)
		case "result":
			c.handleResult(ctx, msg)
		case "pong":
			c.logger.Debug("pong received", "id", msg.ID)
		default:
			c.logger.Debug("unhandled stream message type", "type", msg.Type)
		}
	}
}

func (c *StreamClient) handleEvent(ctx context.Context, ev *Event) {
	if ev == nil || ev.Type != "state_changed" {
		return
	}
	var data StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		c.logger.Warn("malformed state_changed event", "error", err)
		return
	}
	if data.EntityID == "" {
		return
	}

	if err := c.cfg.Sink.ApplyUpdate(ctx, data.EntityID, data.OldState, data.NewState); err != nil {
		c.logger.Error("failed to apply state update", "entity_id", data.EntityID, "error", err)
	}

	now := time.Now()
	c.mu.Lock()
	c.status.EventsReceived++
	c.status.LastEventAt = &now
	c.mu.Unlock()
	c.cfg.Metrics.StreamEvent()

	payload := map[string]any{
		"entity_id": data.EntityID,
		"removed":   data.NewState == nil,
	}
	if data.OldState != nil {
		payload["old_state"] = data.OldState.State
	}
	if data.NewState != nil {
		payload["new_state"] = data.NewState.State
	}
	c.cfg.Bus.Publish(events.Event{
		Source: events.SourceStream,
		Kind:   events.KindStateChanged,
		Data:   payload,
	})
	c.logger.Log(ctx, config.LevelTrace, "state changed", "entity_id", data.EntityID)
}

func (c *StreamClient) handleResult(ctx context.Context, msg wsMessage) {
	if !msg.Success {
		var code, text string
		if msg.Error != nil {
			code, text = msg.Error.Code, msg.Error.Message
		}
		c.logger.Warn("stream request failed", "id", msg.ID, "code", code, "message", text)
		return
	}

	switch msg.ID {
	case c.subID.Load():
		c.logger.Info("subscribed to state_changed events")
	case c.snapshotID.Load():
		var states []State
		if err := json.Unmarshal(msg.Result, &states); err != nil {
			c.logger.Error("malformed get_states result", "error", err)
			return
		}
		if err := c.cfg.Sink.WriteSnapshot(ctx, states); err != nil {
			c.logger.Error("failed to write snapshot", "error", err)
			return
		}
		c.mu.Lock()
		c.status.SnapshotEntities = len(states)
		c.mu.Unlock()
		c.cfg.Metrics.CachedEntities(len(states))
		c.cfg.Bus.Publish(events.Event{
			Source: events.SourceStream,
			Kind:   events.KindSnapshot,
			Data:   map[string]any{"entities": len(states)},
		})
		c.logger.Info("initial snapshot cached", "entities", len(states))
	default:
		c.logger.Debug("result received", "id", msg.ID)
	}
}

// periodicCleanup removes cached entities Home Assistant no longer
// reports. It stops when ctx is cancelled.
func (c *StreamClient) periodicCleanup(ctx context.Context) {
	if c.cfg.Lister == nil {
		return
	}
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanupOnce(ctx)
		}
	}
}

func (c *StreamClient) cleanupOnce(ctx context.Context) {
	states, err := c.cfg.Lister.GetStates(ctx)
	if err != nil {
		c.logger.Warn("stale cleanup skipped, cannot list states", "error", err)
		return
	}
	live := make([]string, 0, len(states))
	for _, s := range states {
		live = append(live, s.EntityID)
	}
	removed, err := c.cfg.Sink.RemoveStale(ctx, live)
	if err != nil {
		c.logger.Error("stale cleanup failed", "error", err)
		return
	}
	c.cfg.Bus.Publish(events.Event{
		Source: events.SourceCache,
		Kind:   events.KindCleanup,
		Data:   map[string]any{"job": "stale_entities", "removed": removed},
	})
	if removed > 0 {
		c.logger.Info("removed stale entities", "removed", removed)
	}
}

func (c *StreamClient) setState(state string, err error) {
	c.mu.Lock()
	changed := c.status.State != state
	c.status.State = state
	c.status.Connected = state == StreamStreaming
	if err != nil {
		c.status.LastError = err.Error()
	}
	backoff := c.status.CurrentBackoff
	c.mu.Unlock()

	c.cfg.Metrics.StreamConnected(state == StreamStreaming)
	if !changed {
		return
	}
	data := map[string]any{"state": state}
	if err != nil {
		data["error"] = err.Error()
		data["backoff"] = backoff
	}
	c.cfg.Bus.Publish(events.Event{
		Source: events.SourceStream,
		Kind:   events.KindConnection,
		Data:   data,
	})
}
