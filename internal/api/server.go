// Package api is the ingestion front door: a chi router exposing the
// collector-facing ingest endpoints behind API-key auth and per-tenant
// rate limiting, plus health and Prometheus metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"centinela/internal/logging"
	"centinela/internal/ratelimit"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "centinela",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method, and status code.",
	}, []string{"route", "method", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "centinela",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	eventsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "centinela",
		Subsystem: "ingest",
		Name:      "events_accepted_total",
		Help:      "Syslog events accepted onto the ingest queue.",
	})
)

// Enqueuer is the ingest queue as the handlers see it.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any) (string, error)
}

// Server is the backend HTTP surface.
type Server struct {
	addr        string
	corsOrigins []string
	keys        KeyStore
	limiter     *ratelimit.Limiter
	ingest      Enqueuer
	logger      *slog.Logger
}

// New wires the front door. addr is the listen address ("":8080" style).
func New(addr string, corsOrigins []string, keys KeyStore, limiter *ratelimit.Limiter, ingest Enqueuer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		addr:        addr,
		corsOrigins: corsOrigins,
		keys:        keys,
		limiter:     limiter,
		ingest:      ingest,
		logger:      logger,
	}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "x-payload-sha256"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/ingest", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Use(s.rateLimit)
		r.Post("/syslog", s.handleIngest)
		r.Post("/syslog/bulk", s.handleIngestBulk)
	})

	return r
}

// Run serves until ctx is cancelled, then drains with a 10 s grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		elapsed := time.Since(start)
		requestsTotal.WithLabelValues(route, r.Method, fmt.Sprintf("%d", ww.Status())).Inc()
		requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		s.logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", elapsed,
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string, details []fieldError) {
	body := map[string]any{"ok": false, "error": msg}
	if len(details) > 0 {
		body["details"] = details
	}
	writeJSON(w, status, body)
}
