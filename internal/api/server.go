package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
	"github.com/JakeFAU/sold-listings-crawler/internal/egress"
	"github.com/JakeFAU/sold-listings-crawler/internal/metrics"
	"github.com/JakeFAU/sold-listings-crawler/internal/orchestrator"
)

// EgressReporter exposes the proxy health table.
type EgressReporter interface {
	Snapshot() []egress.EndpointStatus
}

// SummaryReporter exposes live crawl counters.
type SummaryReporter interface {
	Live() (orchestrator.Summary, bool)
}

// FailureReporter exposes captured failure records.
type FailureReporter interface {
	Records() []crawler.FailureRecord
}

// Server wires HTTP handlers to the running crawl.
type Server struct {
	router    chi.Router
	pool      EgressReporter
	summaries SummaryReporter
	failures  FailureReporter
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. Any reporter may be nil.
func NewServer(pool EgressReporter, summaries SummaryReporter, failures FailureReporter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		pool:      pool,
		summaries: summaries,
		failures:  failures,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/egress", s.egress)
		r.Get("/summary", s.summary)
		r.Get("/failures", s.failureRecords)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.summaries == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	if _, ok := s.summaries.Live(); !ok {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "starting"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) egress(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		s.writeError(w, http.StatusServiceUnavailable, "egress pool not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"endpoints": s.pool.Snapshot()})
}

func (s *Server) summary(w http.ResponseWriter, _ *http.Request) {
	if s.summaries == nil {
		s.writeError(w, http.StatusServiceUnavailable, "crawl not configured")
		return
	}
	summary, ok := s.summaries.Live()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no crawl has started")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) failureRecords(w http.ResponseWriter, _ *http.Request) {
	records := []crawler.FailureRecord{}
	if s.failures != nil {
		records = append(records, s.failures.Records()...)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"failures": records, "count": len(records)})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
