package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"househub/internal/database"
	"househub/internal/messaging"
	"househub/internal/middleware"
	"househub/internal/realtime"
	"househub/internal/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server holds all handler dependencies
type Server struct {
	Messages       *messaging.Service
	Store          database.Store
	Relay          *realtime.Relay
	Tokens         *middleware.TokenManager
	Metrics        *utils.MetricsCollector
	Log            zerolog.Logger
	RequestTimeout time.Duration
	upgrader       websocket.Upgrader
}

// NewServer creates a new Server instance with the given components
func NewServer(
	messages *messaging.Service,
	store database.Store,
	relay *realtime.Relay,
	tokens *middleware.TokenManager,
	metrics *utils.MetricsCollector,
	cors *middleware.CORSConfig,
	logger zerolog.Logger,
) *Server {
	return &Server{
		Messages:       messages,
		Store:          store,
		Relay:          relay,
		Tokens:         tokens,
		Metrics:        metrics,
		Log:            logger.With().Str("component", "http").Logger(),
		RequestTimeout: 5 * time.Second, // Default timeout for storage calls
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     middleware.OriginChecker(cors),
		},
	}
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.RequestTimeout)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// maxRequestBodyBytes caps JSON request bodies.
const maxRequestBodyBytes = 64 << 10

// decodeBody reads a JSON body into dst. A field of the wrong JSON type is
// reported as a validation error on that field.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return nil
	}

	var typeErr *json.UnmarshalTypeError
	var sizeErr *http.MaxBytesError
	switch {
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return utils.NewValidationError(utils.FieldError{
			Field:   typeErr.Field,
			Message: "Must be a " + typeErr.Type.String(),
		})
	case errors.As(err, &sizeErr):
		return utils.NewAppError(utils.ErrInvalidInput, "Request body too large", err)
	}
	return utils.NewAppError(utils.ErrInvalidInput, "Invalid request body", err)
}

type errorResponse struct {
	Success bool               `json:"success"`
	Error   string             `json:"error"`
	Code    string             `json:"code"`
	Errors  []utils.FieldError `json:"errors,omitempty"`
}

// writeError maps err onto the error envelope. Storage failures are logged
// and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := utils.AsAppError(err)
	if !ok {
		appErr = utils.NewAppError(utils.ErrDatabase, "internal error", err)
	}
	status := utils.AppErrorToHTTPStatus(appErr.Code)

	resp := errorResponse{Error: appErr.Message, Code: appErr.Code, Errors: appErr.Fields}
	if status >= http.StatusInternalServerError {
		s.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		resp.Error = "Internal server error"
	}
	if s.Metrics != nil {
		s.Metrics.IncrementErrors(appErr)
	}
	writeJSON(w, status, resp)
}

func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		s.writeError(w, r, utils.NewUnauthorizedError("missing user"))
	}
	return userID, ok
}
