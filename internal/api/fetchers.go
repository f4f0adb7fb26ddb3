package api

import "net/http"

func (s *Server) handleFetcherStatus(w http.ResponseWriter, r *http.Request) {
	if s.fetchers == nil {
		s.unavailable(w, "fetcher engine")
		return
	}
	status, err := s.fetchers.Status(r.Context())
	if err != nil {
		s.failure(w, err)
		return
	}
	writeJSON(w, map[string]any{"fetchers": status, "count": len(status)}, s.logger)
}

func (s *Server) handleFetcherRefresh(w http.ResponseWriter, r *http.Request) {
	if s.fetchers == nil {
		s.unavailable(w, "fetcher engine")
		return
	}
	res := s.fetchers.Refresh(r.Context(), r.PathValue("key"))
	writeJSON(w, map[string]any{
		"success": !res.FailedFetch,
		"result":  res,
	}, s.logger)
}

func (s *Server) handleFetcherInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.fetchers == nil {
		s.unavailable(w, "fetcher engine")
		return
	}
	key := r.PathValue("key")
	if err := s.fetchers.Invalidate(r.Context(), key); err != nil {
		s.failure(w, err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "invalidated": key}, s.logger)
}
