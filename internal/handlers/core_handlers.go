package handlers

import (
	"context"
	"net/http"
	"time"
)

// HandleHealth reports storage reachability and realtime connection count.
func (s *Server) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		if err := s.Store.Ping(ctx); err != nil {
			s.Log.Error().Err(err).Msg("health check: storage unreachable")
			status, code = "unhealthy", http.StatusServiceUnavailable
		}

		body := map[string]interface{}{
			"status":      status,
			"server_time": time.Now().UTC(),
		}
		if s.Relay != nil {
			body["online_users"] = s.Relay.Connected()
		}
		writeJSON(w, code, body)
	}
}
