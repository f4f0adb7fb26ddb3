package api

import (
	"net/http"
	"time"

	"github.com/nugget/hearth/internal/events"
)

const (
	eventBuffer       = 64
	eventWriteTimeout = 10 * time.Second
)

// handleEvents streams bus events to a WebSocket client as JSON text
// frames until the client disconnects. Events are dropped, not queued,
// when the client falls behind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.unavailable(w, "event bus")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(eventBuffer)
	defer s.bus.Unsubscribe(ch)
	s.logger.Debug("event stream client connected", "remote", r.RemoteAddr)

	// The read pump only notices the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

func eventCleanup(job string, removed int64) events.Event {
	return events.Event{
		Source: events.SourceCache,
		Kind:   events.KindCleanup,
		Data:   map[string]any{"job": job, "removed": removed},
	}
}
