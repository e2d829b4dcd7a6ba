package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"peerflow/internal/types"
)

// apiKeyHeader carries the operator credential on admin requests.
const apiKeyHeader = "X-API-Key"

// Server exposes the admin tasks over HTTP for operators who prefer curl
// over direct Lambda invocation.
type Server struct {
	runner *Runner
	apiKey types.SecretString
	logger *slog.Logger
}

// NewServer creates the admin HTTP surface. An empty apiKey disables the
// surface entirely: every request is rejected.
func NewServer(runner *Runner, apiKey types.SecretString, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{runner: runner, apiKey: apiKey, logger: logger}
}

// Router assembles the admin routes behind the API key middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/v1/tasks", s.handleRunTask)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRunTask executes one admin task synchronously and returns its
// summary. The chi request id namespaces category-backfill backups, same as
// the Lambda request id does for direct invocations.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	var event TaskEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.writeError(w, r, types.NewAppError(types.ErrCodeValidationBadEvent,
			"request body is not a valid task event", err))
		return
	}

	requestID := middleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}

	result, err := s.runner.Run(r.Context(), requestID, event)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// requireAPIKey rejects requests that do not present the configured key.
// Comparison is constant time.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		configured := s.apiKey.Unmask()
		presented := r.Header.Get(apiKeyHeader)
		if configured == "" ||
			subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) != 1 {
			s.logger.WarnContext(r.Context(), "rejecting admin request with bad credentials",
				"path", r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		appErr = types.NewAppError(types.ErrCodeInternalUnexpected, "unexpected failure", err)
	}
	s.logger.ErrorContext(r.Context(), "admin task failed",
		"code", appErr.Code, "error", err)
	writeJSON(w, appErr.HTTPStatus(), map[string]string{
		"code":    string(appErr.Code),
		"message": appErr.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
