// Package web serves the JSON-over-HTTP mirror of the tool surface plus
// the operational endpoints: health, performance, the SSE event stream,
// and prometheus metrics. Every response is wrapped in the canonical
// success or error envelope.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/joestump/runbookd/internal/config"
	"github.com/joestump/runbookd/internal/errs"
	"github.com/joestump/runbookd/internal/feedback"
	"github.com/joestump/runbookd/internal/hub"
	"github.com/joestump/runbookd/internal/router"
)

// Server is the HTTP transport for runbookd.
type Server struct {
	cfg    *config.Config
	router *router.Router
	store  *feedback.Store // nil when no state directory is configured
	hub    *hub.Hub
	log    *logrus.Entry
	mux    *http.ServeMux
	server *http.Server
}

// New creates the HTTP server. store may be nil; the feedback endpoints
// then reject writes.
func New(cfg *config.Config, r *router.Router, store *feedback.Store, h *hub.Hub, log *logrus.Entry) *Server {
	s := &Server{
		cfg:    cfg,
		router: r,
		store:  store,
		hub:    h,
		log:    log,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE needs no write timeout
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving HTTP requests. It blocks until the server is shut
// down.
func (s *Server) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/search", s.handleSearch)
	s.mux.HandleFunc("POST /api/runbooks/search", s.handleRunbookSearch)
	s.mux.HandleFunc("GET /api/runbooks", s.handleListRunbooks)
	s.mux.HandleFunc("GET /api/runbooks/{id}", s.handleGetRunbook)
	s.mux.HandleFunc("POST /api/decision-tree", s.handleDecisionTree)
	s.mux.HandleFunc("GET /api/procedures/{id...}", s.handleGetProcedure)
	s.mux.HandleFunc("POST /api/escalation", s.handleEscalation)
	s.mux.HandleFunc("GET /api/sources", s.handleSources)
	s.mux.HandleFunc("POST /api/feedback", s.handleFeedback)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/performance", s.handlePerformance)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// --- Envelopes ---

// respMeta is the metadata block of a success envelope.
type respMeta struct {
	RetrievalTimeMS int64    `json:"retrieval_time_ms"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
	Source          string   `json:"source,omitempty"`
	Cached          bool     `json:"cached"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Metadata  *respMeta `json:"metadata,omitempty"`
	Error     *apiError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("encode response")
	}
}

func (s *Server) writeSuccess(w http.ResponseWriter, data any, m *respMeta) {
	s.writeJSON(w, http.StatusOK, envelope{
		Success:   true,
		Data:      data,
		Metadata:  m,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	s.writeJSON(w, statusFor(code), envelope{
		Success:   false,
		Error:     &apiError{Code: code, Message: err.Error()},
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) writeErrorCode(w http.ResponseWriter, code, format string, args ...any) {
	s.writeError(w, errs.New(code, format, args...))
}

// statusFor maps stable error codes to HTTP statuses.
func statusFor(code string) int {
	switch code {
	case errs.CodeValidation:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeUpstream, errs.CodeUpstreamUnavailable, errs.CodeAuth, errs.CodeParse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return errs.Wrap(errs.CodeValidation, err, "decode request body")
	}
	return nil
}

// requireJSON checks the Content-Type header for endpoints with bodies.
func requireJSON(r *http.Request) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		return errs.New(errs.CodeValidation, "Content-Type must be application/json")
	}
	return nil
}
