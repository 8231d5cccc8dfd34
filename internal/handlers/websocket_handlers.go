package handlers

import (
	"net/http"
)

// HandleWebSocket upgrades GET /ws?token=... to a realtime connection. The
// token's user is the only identity the connection may join as.
func (s *Server) HandleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.URL.Query().Get("token")
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		claims, err := s.Tokens.ValidateToken(tokenString)
		if err != nil {
			s.Log.Debug().Err(err).Msg("websocket auth failed")
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			s.Log.Warn().Err(err).Str("user_id", claims.UserID.String()).Msg("websocket upgrade failed")
			return
		}

		s.Relay.Serve(conn, claims.UserID)
		s.Log.Debug().Str("user_id", claims.UserID.String()).Msg("websocket connected")
	}
}
