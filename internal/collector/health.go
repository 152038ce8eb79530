package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const (
	// Readiness thresholds: past either one, the collector reports not ready
	// and load balancers should stop routing to it.
	readyMaxBufferPct = 90.0
	readyMaxDLQ       = 100
)

// healthServer serves the collector's operational endpoints:
//
//	GET /healthz  - 200 while the process is up
//	GET /readyz   - 200 when buffer and DLQ are within thresholds, else 503
//	GET /metrics  - full counter snapshot (JSON)
//	GET /status   - terse healthy|degraded|unhealthy classification
type healthServer struct {
	c      *Collector
	server *http.Server
}

func (c *Collector) newHealthServer() *healthServer {
	h := &healthServer{c: c}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.HandleFunc("GET /status", h.handleStatus)

	h.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.cfg.HealthPort),
		Handler: mux,
	}
	return h
}

// run serves until ctx is cancelled, then shuts down gracefully.
func (h *healthServer) run(ctx context.Context) error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return err
	}

	h.c.logger.Info("health server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (h *healthServer) bufferPct() float64 {
	max := h.c.buffer.Max()
	if max == 0 {
		return 0
	}
	return 100 * float64(h.c.buffer.Len()) / float64(max)
}

func (h *healthServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *healthServer) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	pct := h.bufferPct()
	dlq := h.c.retry.DLQLen()
	ready := pct <= readyMaxBufferPct && dlq <= readyMaxDLQ

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":            ready,
		"buffer_usage_pct": pct,
		"retries": map[string]any{
			"pending": h.c.retry.Len(),
			"dlq":     dlq,
		},
	})
}

func (h *healthServer) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	snap := h.c.metrics.Snapshot(h.c.buffer.Len(), h.c.buffer.Max(), h.c.retry.Len(), h.c.cfg)
	writeJSON(w, http.StatusOK, snap)
}

func (h *healthServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	pct := h.bufferPct()
	dlq := h.c.retry.DLQLen()

	state := "healthy"
	switch {
	case pct > readyMaxBufferPct || dlq > readyMaxDLQ:
		state = "unhealthy"
	case pct > 70 || dlq > 0:
		state = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": state})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
