package api

import (
	"errors"
	"net/http"

	"github.com/nugget/hearth/internal/actions"
)

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if s.actions == nil {
		s.unavailable(w, "action executor")
		return
	}
	var a actions.Action
	if !s.decodeBody(w, r, &a) {
		return
	}
	if a.Service == "" || a.EntityID == "" {
		s.errorResponse(w, http.StatusBadRequest, "service and entity_id are required")
		return
	}
	writeJSON(w, s.actions.Execute(r.Context(), a), s.logger)
}

// BulkRequest is the body of POST /api/actions/bulk.
type BulkRequest struct {
	Actions []actions.Action `json:"actions"`
}

func (s *Server) handleBulkActions(w http.ResponseWriter, r *http.Request) {
	if s.actions == nil {
		s.unavailable(w, "action executor")
		return
	}
	var req BulkRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Actions) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "actions is required")
		return
	}

	res, err := s.actions.ExecuteBulk(r.Context(), req.Actions)
	if errors.Is(err, actions.ErrTooManyActions) {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.failure(w, err)
		return
	}
	writeJSON(w, res, s.logger)
}

// handleActionHistory serves both the per-entity and the global action
// log; the global form has no {id}.
func (s *Server) handleActionHistory(w http.ResponseWriter, r *http.Request) {
	if s.actions == nil {
		s.unavailable(w, "action executor")
		return
	}
	id := r.PathValue("id")
	limit := parseIntParam(r, "limit", actions.DefaultHistoryLimit)

	entries, err := s.actions.History(r.Context(), id, limit)
	if err != nil {
		s.failure(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"entity_id": id,
		"actions":   entries,
		"count":     len(entries),
	}, s.logger)
}
