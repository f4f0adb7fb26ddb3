package api

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/hearth/internal/statecache"
)

func (s *Server) writeStates(w http.ResponseWriter, states []statecache.State) {
	if states == nil {
		states = []statecache.State{}
	}
	writeJSON(w, map[string]any{"entities": states, "count": len(states)}, s.logger)
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	if s.entities == nil {
		s.unavailable(w, "state cache")
		return
	}
	s.writeStates(w, s.entities.All(r.Context()))
}

func (s *Server) handleControllable(w http.ResponseWriter, r *http.Request) {
	if s.entities == nil {
		s.unavailable(w, "state cache")
		return
	}
	s.writeStates(w, s.entities.Controllable(r.Context()))
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	if s.entities == nil {
		s.unavailable(w, "state cache")
		return
	}
	id := r.PathValue("id")
	st := s.entities.Entity(r.Context(), id)
	if st == nil {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
		return
	}
	writeJSON(w, st, s.logger)
}

func (s *Server) handleDomainEntities(w http.ResponseWriter, r *http.Request) {
	if s.entities == nil {
		s.unavailable(w, "state cache")
		return
	}
	s.writeStates(w, s.entities.Domain(r.Context(), r.PathValue("domain")))
}

func (s *Server) handleEntitiesInState(w http.ResponseWriter, r *http.Request) {
	if s.entities == nil {
		s.unavailable(w, "state cache")
		return
	}
	s.writeStates(w, s.entities.ByState(r.Context(), r.PathValue("state")))
}

func (s *Server) handleEntitySearch(w http.ResponseWriter, r *http.Request) {
	if s.entities == nil {
		s.unavailable(w, "state cache")
		return
	}
	q := r.URL.Query()
	s.writeStates(w, s.entities.Search(r.Context(), statecache.Query{
		Pattern:              q.Get("pattern"),
		Domain:               q.Get("domain"),
		State:                q.Get("state"),
		FriendlyNameContains: q.Get("name"),
	}))
}

func (s *Server) handleEntitySummary(w http.ResponseWriter, r *http.Request) {
	if s.entities == nil {
		s.unavailable(w, "state cache")
		return
	}
	writeJSON(w, s.entities.Summary(r.Context()), s.logger)
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	if s.entities == nil {
		s.unavailable(w, "state cache")
		return
	}
	domains := s.entities.Domains(r.Context())
	writeJSON(w, map[string]any{"domains": domains, "count": len(domains)}, s.logger)
}

// Change log handlers

func (s *Server) handleEntityLog(w http.ResponseWriter, r *http.Request) {
	if s.entities == nil {
		s.unavailable(w, "state cache")
		return
	}
	q := statecache.LogQuery{Limit: parseIntParam(r, "limit", statecache.DefaultLogLimit)}
	var err error
	if q.Start, err = parseTimeParam(r, "start"); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.End, err = parseTimeParam(r, "end"); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")
	entries := s.entities.EntityLog(r.Context(), id, q)
	writeJSON(w, map[string]any{
		"entity_id": id,
		"entries":   entries,
		"count":     len(entries),
	}, s.logger)
}

func (s *Server) handleEntityLogSummary(w http.ResponseWriter, r *http.Request) {
	if s.entities == nil {
		s.unavailable(w, "state cache")
		return
	}
	days := parseIntParam(r, "days", 7)
	if days == 0 {
		days = 7
	}
	writeJSON(w, s.entities.EntityLogSummary(r.Context(), r.PathValue("id"), days), s.logger)
}

func (s *Server) handleLoggedEntities(w http.ResponseWriter, r *http.Request) {
	if s.entities == nil {
		s.unavailable(w, "state cache")
		return
	}
	ids := s.entities.LoggedEntities(r.Context())
	writeJSON(w, map[string]any{"entities": ids, "count": len(ids)}, s.logger)
}

func (s *Server) handleLogCleanup(w http.ResponseWriter, r *http.Request) {
	if s.entities == nil {
		s.unavailable(w, "state cache")
		return
	}
	removed, err := s.entities.TrimLogs(r.Context())
	if err != nil {
		s.failure(w, err)
		return
	}
	s.bus.Publish(eventCleanup("change_log", removed))
	writeJSON(w, map[string]any{"success": true, "removed": removed}, s.logger)
}

// parseTimeParam reads an RFC 3339 timestamp or Unix seconds. A missing
// parameter yields the zero time.
func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339 or Unix seconds, got %q", name, v)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}
