package api

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/nugget/hearth/internal/history"
)

// CommandRequest is the body of POST /api/command and
// POST /api/command/actions.
type CommandRequest struct {
	Command string `json:"command"`
	Source  string `json:"source,omitempty"`
	// Render "html" adds response_html, the model's reply rendered
	// from markdown.
	Render string `json:"render,omitempty"`
}

func (s *Server) readCommand(w http.ResponseWriter, r *http.Request) (CommandRequest, bool) {
	var req CommandRequest
	if !s.decodeBody(w, r, &req) {
		return req, false
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		s.errorResponse(w, http.StatusBadRequest, "command is required")
		return req, false
	}
	return req, true
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		s.unavailable(w, "command pipeline")
		return
	}
	req, ok := s.readCommand(w, r)
	if !ok {
		return
	}

	res := s.processor.Process(r.Context(), req.Command, req.Source)
	if req.Render == "html" && res.Success {
		html, err := renderMarkdown(res.Response)
		if err != nil {
			s.logger.Warn("markdown render failed", "error", err)
		} else {
			res.ResponseHTML = html
		}
	}
	writeJSON(w, res, s.logger)
}

func (s *Server) handleCommandActions(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		s.unavailable(w, "command pipeline")
		return
	}
	if !s.processor.CanAct() {
		s.unavailable(w, "home assistant")
		return
	}
	req, ok := s.readCommand(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.processor.ProcessActions(r.Context(), req.Command, req.Source), s.logger)
}

func (s *Server) handleCommandPreview(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		s.unavailable(w, "command pipeline")
		return
	}
	command := strings.TrimSpace(r.URL.Query().Get("command"))
	if command == "" {
		s.errorResponse(w, http.StatusBadRequest, "command query parameter is required")
		return
	}
	writeJSON(w, s.processor.Preview(command), s.logger)
}

// renderMarkdown renders a model reply to an HTML fragment.
func renderMarkdown(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Interaction history handlers

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.unavailable(w, "history")
		return
	}
	limit := parseIntParam(r, "limit", 50)
	if limit == 0 {
		limit = 50
	}
	offset := parseIntParam(r, "offset", 0)
	source := r.URL.Query().Get("source")

	records := s.history.List(r.Context(), limit, offset, source)
	writeJSON(w, map[string]any{
		"interactions": records,
		"count":        len(records),
		"limit":        limit,
		"offset":       offset,
	}, s.logger)
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.unavailable(w, "history")
		return
	}
	writeJSON(w, s.history.Stats(r.Context()), s.logger)
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.unavailable(w, "history")
		return
	}
	rec, err := s.history.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, history.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "interaction not found")
		return
	}
	if err != nil {
		s.failure(w, err)
		return
	}
	writeJSON(w, rec, s.logger)
}

func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.unavailable(w, "history")
		return
	}
	id := r.PathValue("id")
	err := s.history.Delete(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "interaction not found")
		return
	}
	if err != nil {
		s.failure(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "deleted": id}, s.logger)
}

func (s *Server) handleHistoryRerun(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		s.unavailable(w, "command pipeline")
		return
	}
	res, err := s.processor.Rerun(r.Context(), r.PathValue("id"))
	if errors.Is(err, history.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "interaction not found")
		return
	}
	if err != nil {
		s.failure(w, err)
		return
	}
	writeJSON(w, res, s.logger)
}
