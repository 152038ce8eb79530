package collector

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Metrics is the collector's in-process counter registry. A single instance
// is shared by the listeners, flush loop, retry loop, and health server.
// Counters are atomic; the registry is not shared across processes.
//
// Accounting identity, held at all times:
//
//	received = sent + failed + dropped + pending
//
// where pending = buffer + retry queue + in-flight.
type Metrics struct {
	start time.Time

	received atomic.Int64
	sent     atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64

	retriesQueued  atomic.Int64
	retriesSuccess atomic.Int64
	retriesDLQ     atomic.Int64

	latencySumMS   atomic.Int64
	latencyCount   atomic.Int64
	latencyLastMS  atomic.Int64
	tcpConnections atomic.Int64
}

// NewMetrics creates a registry with the uptime clock started now.
func NewMetrics() *Metrics {
	return &Metrics{start: time.Now()}
}

func (m *Metrics) Received(n int)    { m.received.Add(int64(n)) }
func (m *Metrics) Sent(n int)        { m.sent.Add(int64(n)) }
func (m *Metrics) Failed(n int)      { m.failed.Add(int64(n)) }
func (m *Metrics) Dropped(n int)     { m.dropped.Add(int64(n)) }
func (m *Metrics) RetryQueued(n int) { m.retriesQueued.Add(int64(n)) }
func (m *Metrics) RetrySuccess()     { m.retriesSuccess.Add(1) }
func (m *Metrics) RetryDLQ(n int)    { m.retriesDLQ.Add(int64(n)) }

// ObserveLatency records one upload round trip.
func (m *Metrics) ObserveLatency(d time.Duration) {
	ms := d.Milliseconds()
	m.latencySumMS.Add(ms)
	m.latencyCount.Add(1)
	m.latencyLastMS.Store(ms)
}

func (m *Metrics) ConnOpened() { m.tcpConnections.Add(1) }
func (m *Metrics) ConnClosed() { m.tcpConnections.Add(-1) }

// Snapshot is the JSON shape served at /metrics. Field names are part of the
// wire contract.
type Snapshot struct {
	UptimeMS    int64  `json:"uptime_ms"`
	UptimeHuman string `json:"uptime_human"`
	Events      struct {
		Received int64 `json:"received"`
		Sent     int64 `json:"sent"`
		Failed   int64 `json:"failed"`
		Dropped  int64 `json:"dropped"`
		Pending  int64 `json:"pending"`
	} `json:"events"`
	Retries struct {
		Queued  int64 `json:"queued"`
		Success int64 `json:"success"`
		DLQ     int64 `json:"dlq"`
	} `json:"retries"`
	Latency struct {
		AvgMS  int64 `json:"avg_ms"`
		LastMS int64 `json:"last_ms"`
	} `json:"latency"`
	Rates struct {
		EventsPerSecond float64 `json:"events_per_second"`
		SuccessRate     float64 `json:"success_rate"`
	} `json:"rates"`
	Buffer struct {
		Size    int   `json:"size"`
		Max     int   `json:"max"`
		Dropped int64 `json:"dropped"`
	} `json:"buffer"`
	Connections struct {
		TCP int64 `json:"tcp"`
	} `json:"connections"`
	Config struct {
		BatchSize       int `json:"batch_size"`
		FlushIntervalMS int `json:"flush_interval_ms"`
		MaxRetries      int `json:"max_retries"`
	} `json:"config"`
}

// Snapshot assembles the current counter values. bufLen/bufMax come from the
// buffer, retryPending from the retry queue; pending covers both.
func (m *Metrics) Snapshot(bufLen, bufMax, retryPending int, cfg Config) Snapshot {
	var s Snapshot
	uptime := time.Since(m.start)
	s.UptimeMS = uptime.Milliseconds()
	s.UptimeHuman = formatUptime(uptime)

	s.Events.Received = m.received.Load()
	s.Events.Sent = m.sent.Load()
	s.Events.Failed = m.failed.Load()
	s.Events.Dropped = m.dropped.Load()
	s.Events.Pending = int64(bufLen + retryPending)

	s.Retries.Queued = m.retriesQueued.Load()
	s.Retries.Success = m.retriesSuccess.Load()
	s.Retries.DLQ = m.retriesDLQ.Load()

	if n := m.latencyCount.Load(); n > 0 {
		s.Latency.AvgMS = m.latencySumMS.Load() / n
	}
	s.Latency.LastMS = m.latencyLastMS.Load()

	if secs := uptime.Seconds(); secs > 0 {
		s.Rates.EventsPerSecond = float64(s.Events.Received) / secs
	}
	if attempts := s.Events.Sent + s.Events.Failed; attempts > 0 {
		s.Rates.SuccessRate = float64(s.Events.Sent) / float64(attempts)
	}

	s.Buffer.Size = bufLen
	s.Buffer.Max = bufMax
	s.Buffer.Dropped = s.Events.Dropped

	s.Connections.TCP = m.tcpConnections.Load()

	s.Config.BatchSize = cfg.BatchSize
	s.Config.FlushIntervalMS = int(cfg.FlushInterval.Milliseconds())
	s.Config.MaxRetries = cfg.MaxRetries
	return s
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	mins := d / time.Minute
	secs := d - mins*time.Minute
	if days > 0 {
		return fmt.Sprintf("%dd%dh%dm%ds", days, hours, mins, int(secs.Seconds()))
	}
	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, mins, int(secs.Seconds()))
	}
	return fmt.Sprintf("%dm%ds", mins, int(secs.Seconds()))
}
