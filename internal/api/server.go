// Package api is the HTTP surface of a node: registration, match
// submission, result polling and completion events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ArcPSI/internal/envelope"
	"ArcPSI/internal/logger"
	"ArcPSI/internal/matching"
	"ArcPSI/internal/metrics"
	"ArcPSI/internal/registry"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 64 << 10

	// requestTimeout bounds every non-streaming handler.
	requestTimeout = 10 * time.Second
)

// Registry is the registration side of the node.
type Registry interface {
	Append(e registry.Entry) (int, error)
	Occupied() int
	Capacity() int
}

// Matcher is the computation lifecycle of the node.
type Matcher interface {
	RequestMatch(ctx context.Context, query []envelope.Ciphertext, pub envelope.PublicKey, nonce envelope.Nonce) (matching.ComputationID, error)
	Result(id matching.ComputationID) (*matching.Record, error)
	Subscribe(ctx context.Context) <-chan matching.Completion
}

// Server is the HTTP API server.
type Server struct {
	addr     string       // addr is the HTTP listen address
	registry Registry     // registry accepts sealed identifiers
	matcher  Matcher      // matcher runs match requests
	server   *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, reg Registry, matcher Matcher) *Server {
	return &Server{
		addr:     addr,
		registry: reg,
		matcher:  matcher,
	}
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(countCalls)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Post("/registry", s.handleRegister)
		r.Get("/registry", s.handleRegistryStatus)
		r.Post("/match", s.handleMatch)
		r.Get("/match/{id}", s.handleResult)
		r.Get("/health", s.handleHealth)
	})

	r.Get("/events", s.handleEvents)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleRegister handles POST /registry requests.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var entry registry.Entry
	if err := decodeBody(w, r, &entry); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	slot, err := s.registry.Append(entry)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int{
		"slot": slot,
	})
}

// handleRegistryStatus handles GET /registry requests.
func (s *Server) handleRegistryStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"occupied": s.registry.Occupied(),
		"capacity": s.registry.Capacity(),
	})
}

// handleMatch handles POST /match requests.
func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.matcher.RequestMatch(r.Context(), req.Query, req.PublicKey, req.Nonce)
	if err != nil {
		logger.Debug("match request refused", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id": string(id),
	})
}

// handleResult handles GET /match/{id} requests.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := matching.ComputationID(chi.URLParam(r, "id"))

	rec, err := s.matcher.Result(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, newMatchStatus(rec))
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleEvents streams completion notifications as server-sent events
// until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events := s.matcher.Subscribe(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for c := range events {
		data, _ := json.Marshal(Event{ID: string(c.ID), Timestamp: c.Timestamp})

		if _, err := w.Write([]byte("event: completion\ndata: " + string(data) + "\n\n")); err != nil {
			return
		}

		flusher.Flush()
	}
}

// statusFor maps lifecycle and registry errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, matching.ErrShapeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, matching.ErrUnknownComputation):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrRegistryFull),
		errors.Is(err, matching.ErrDuplicateComputation):
		return http.StatusConflict
	case errors.Is(err, registry.ErrNotInitialized),
		errors.Is(err, matching.ErrRegistryUnavailable),
		errors.Is(err, matching.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// countCalls counts calls by route pattern and status code.
func countCalls(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		metrics.HTTPCallCounter.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
