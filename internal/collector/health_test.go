package collector

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func newTestHealth() (*Collector, *healthServer) {
	cfg := testConfig("http://unused.invalid")
	cfg.HealthPort = 0
	c := New(cfg, nil)
	return c, c.newHealthServer()
}

func TestHealthzAlwaysOK(t *testing.T) {
	_, h := newTestHealth()
	rec := httptest.NewRecorder()
	h.handleHealthz(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestReadyzReflectsBufferPressure(t *testing.T) {
	c, h := newTestHealth()

	rec := httptest.NewRecorder()
	h.handleReadyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 200 {
		t.Fatalf("readyz on idle collector = %d, want 200", rec.Code)
	}

	// Fill past 90%.
	for range c.buffer.Max()*95/100 + 1 {
		c.buffer.Push(Event{RawMessage: "x"})
	}

	rec = httptest.NewRecorder()
	h.handleReadyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 503 {
		t.Fatalf("readyz on saturated buffer = %d, want 503", rec.Code)
	}

	var body struct {
		Ready          bool    `json:"ready"`
		BufferUsagePct float64 `json:"buffer_usage_pct"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode readyz body: %v", err)
	}
	if body.Ready || body.BufferUsagePct <= 90 {
		t.Errorf("readyz body = %+v", body)
	}
}

func TestReadyzReflectsDLQOverflow(t *testing.T) {
	c, h := newTestHealth()
	for range readyMaxDLQ + 1 {
		c.retry.DeadLetter(Event{RawMessage: "dead"})
	}

	rec := httptest.NewRecorder()
	h.handleReadyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 503 {
		t.Fatalf("readyz with oversized DLQ = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpointShape(t *testing.T) {
	c, h := newTestHealth()
	c.metrics.Received(3)
	c.metrics.Sent(3)

	rec := httptest.NewRecorder()
	h.handleMetrics(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("metrics status = %d", rec.Code)
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	for _, field := range []string{"uptime_ms", "uptime_human", "events", "retries", "latency", "rates", "buffer", "connections", "config"} {
		if _, ok := body[field]; !ok {
			t.Errorf("metrics body missing %q", field)
		}
	}
}

func TestStatusClassification(t *testing.T) {
	c, h := newTestHealth()

	status := func() string {
		rec := httptest.NewRecorder()
		h.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))
		var body struct {
			Status string `json:"status"`
		}
		_ = json.NewDecoder(rec.Body).Decode(&body)
		return body.Status
	}

	if got := status(); got != "healthy" {
		t.Errorf("idle collector status = %q, want healthy", got)
	}

	c.retry.DeadLetter(Event{RawMessage: "one dead event"})
	if got := status(); got != "degraded" {
		t.Errorf("status with small DLQ = %q, want degraded", got)
	}

	for range readyMaxDLQ {
		c.retry.DeadLetter(Event{RawMessage: "dead"})
	}
	if got := status(); got != "unhealthy" {
		t.Errorf("status with overflowing DLQ = %q, want unhealthy", got)
	}
}
