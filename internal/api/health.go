package api

import "net/http"

// health reports whether the database is reachable and the service account
// holds the privileges it needs.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("health check failed")
		s.respondError(w, http.StatusInternalServerError, "database unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
