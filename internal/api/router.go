package api

import (
	"net/http"

	"househub/internal/handlers"
	"househub/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions toggles optional endpoints.
type RouterOptions struct {
	CORS           *middleware.CORSConfig
	MetricsEnabled bool
}

// NewRouter wires the HTTP surface of the messaging service.
func NewRouter(s *handlers.Server, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.Log, s.Metrics))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORSMiddleware(opts.CORS))

	r.Get("/health", s.HandleHealth())
	if opts.MetricsEnabled && s.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// The websocket authenticates with ?token= since browsers cannot set
	// headers on the upgrade request.
	r.Get("/ws", s.HandleWebSocket())

	r.Route("/messages", func(r chi.Router) {
		r.Use(s.Tokens.Authenticate)

		r.Post("/", s.HandleSendMessage())
		r.Get("/conversations", s.HandleConversations())
		r.Get("/conversation/{otherUserId}", s.HandleConversationMessages())
		r.Get("/unread", s.HandleUnreadCount())
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":"Route not found","code":"NOT_FOUND"}`))
	})

	return r
}
