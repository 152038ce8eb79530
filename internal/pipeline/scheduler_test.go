package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"centinela/internal/model"
	"centinela/internal/queue"
)

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []any
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, payload any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, payload)
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

func TestIngestWorkerPersistsRawEvent(t *testing.T) {
	m := newMemStore()
	w := NewIngestWorker(m, nil, nil)

	receivedAt := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	srcIP := "203.0.113.4"
	payload, _ := json.Marshal(queue.IngestJob{
		TenantID:   "t1",
		RawMessage: `type="event" subtype="vpn" level="error"`,
		ReceivedAt: &receivedAt,
		SourceIP:   &srcIP,
	})
	if err := w.Handle(context.Background(), queue.Job{ID: "j1", Payload: payload}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(m.raws) != 1 {
		t.Fatalf("raw events = %d, want 1", len(m.raws))
	}
	raw := m.raws[0]
	if raw.TenantID != "t1" || raw.Transport != "http" {
		t.Errorf("raw = %+v", raw)
	}
	if !raw.ReceivedAt.Equal(receivedAt) {
		t.Errorf("received_at = %v, want %v", raw.ReceivedAt, receivedAt)
	}
}

func TestIngestWorkerKeepsCollectorTransport(t *testing.T) {
	m := newMemStore()
	w := NewIngestWorker(m, nil, nil)

	for i, tc := range []struct {
		transport string
		want      string
	}{
		{"udp", "udp"},
		{"tcp", "tcp"},
		{"", "http"}, // direct HTTP submitter
	} {
		payload, _ := json.Marshal(queue.IngestJob{
			TenantID:   "t1",
			RawMessage: "x",
			Transport:  tc.transport,
			Truncated:  tc.transport == "tcp",
		})
		if err := w.Handle(context.Background(), queue.Job{ID: "j", Payload: payload}); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if got := m.raws[i].Transport; got != tc.want {
			t.Errorf("transport %q persisted as %q, want %q", tc.transport, got, tc.want)
		}
	}
}

func TestIngestWorkerSwallowsPoisonJobs(t *testing.T) {
	m := newMemStore()
	w := NewIngestWorker(m, nil, nil)

	// Undecodable and incomplete jobs must not bounce through retries.
	for _, payload := range [][]byte{
		[]byte(`{nonsense`),
		[]byte(`{"tenant_id":"","raw_message":"x"}`),
		[]byte(`{"tenant_id":"t1","raw_message":""}`),
	} {
		if err := w.Handle(context.Background(), queue.Job{ID: "j", Payload: payload}); err != nil {
			t.Errorf("poison job returned error %v; it would retry forever", err)
		}
	}
	if len(m.raws) != 0 {
		t.Errorf("raw events = %d, want 0", len(m.raws))
	}
}

func TestIngestWorkerDedupe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m := newMemStore()
	w := NewIngestWorker(m, queue.NewDeduper(rdb, time.Minute), nil)

	payload, _ := json.Marshal(queue.IngestJob{
		TenantID:      "t1",
		RawMessage:    `type="event"`,
		PayloadSHA256: "aabbcc",
	})
	for i := 0; i < 2; i++ {
		if err := w.Handle(context.Background(), queue.Job{ID: "j", Payload: payload}); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if len(m.raws) != 1 {
		t.Fatalf("raw events = %d, want 1 (replay suppressed)", len(m.raws))
	}

	// No digest, no suppression.
	bare, _ := json.Marshal(queue.IngestJob{TenantID: "t1", RawMessage: `type="event"`})
	for i := 0; i < 2; i++ {
		if err := w.Handle(context.Background(), queue.Job{ID: "j", Payload: bare}); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if len(m.raws) != 3 {
		t.Fatalf("raw events = %d, want 3", len(m.raws))
	}
}

func TestAIDispatchQueuesHighAndCritical(t *testing.T) {
	m := newMemStore()
	base := time.Now().UTC()
	ids := seedDetections(t, m, base)

	q := &fakeEnqueuer{}
	d := NewAIDispatcher(m, q, nil)
	queued, err := d.EnqueueAnalyses(context.Background())
	if err != nil {
		t.Fatalf("EnqueueAnalyses: %v", err)
	}
	if queued != 2 {
		t.Fatalf("queued = %d, want 2 (high and critical only)", queued)
	}

	want := map[string]bool{ids["high"]: true, ids["critical"]: true}
	for _, job := range q.jobs {
		aj := job.(queue.AIJob)
		if !want[aj.DetectionID] {
			t.Errorf("unexpected detection queued: %s", aj.DetectionID)
		}
	}

	// Analyzed detections are not re-queued.
	m.mu.Lock()
	m.hasAnalysis[ids["high"]] = true
	m.mu.Unlock()
	queued, err = d.EnqueueAnalyses(context.Background())
	if err != nil || queued != 1 {
		t.Fatalf("second pass: queued=%d err=%v, want 1/nil", queued, err)
	}
}

func seedDetections(t *testing.T, m *memStore, base time.Time) map[string]string {
	t.Helper()
	ids := make(map[string]string)
	for sev, name := range map[string]string{
		"critical": "admin_bruteforce",
		"high":     "vpn_bruteforce",
		"medium":   "config_change_burst",
	} {
		d, err := m.InsertDetection(context.Background(), model.Detection{
			TenantID:      "t1",
			DetectionType: name,
			Severity:      model.Severity(sev),
			GroupKey:      "k-" + sev,
			EventCount:    5,
			FirstEventAt:  base.Add(-10 * time.Minute),
			LastEventAt:   base,
		})
		if err != nil {
			t.Fatalf("InsertDetection: %v", err)
		}
		ids[sev] = d.ID
	}
	return ids
}

func TestSchedulerTickNoOpOnEmptyStore(t *testing.T) {
	m := newMemStore()
	sender := &fakeSender{}
	q := &fakeEnqueuer{}

	s := NewScheduler(
		NewNormalizer(m, nil, nil),
		NewRulesEngine(m, nil, nil),
		NewAIDispatcher(m, q, nil),
		NewBatcher(m, nil),
		NewDispatcher(m, sender, "soc@example.com", nil),
		m, nil, time.Minute, 7*24*time.Hour, nil,
	)

	// Two back-to-back ticks with nothing to do change nothing.
	for i := 0; i < 2; i++ {
		if err := s.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d: %v", i+1, err)
		}
	}
	if len(m.normalized) != 0 || len(m.detections) != 0 || len(m.digests) != 0 || sender.calls != 0 {
		t.Errorf("no-op ticks mutated state: norm=%d det=%d dig=%d mails=%d",
			len(m.normalized), len(m.detections), len(m.digests), sender.calls)
	}
}

func TestSchedulerEndToEndTick(t *testing.T) {
	m := newMemStore()
	m.addTenant(model.Tenant{ID: "t1", Name: "Acme", Status: "active", DefaultLocale: "en"})
	now := time.Now().UTC()
	for i := 0; i < 6; i++ {
		seedRaw(m, "t1", vpnFailLine(now.Add(time.Duration(i)*time.Second), "192.168.100.50", "alice"),
			now.Add(time.Duration(i)*time.Second))
	}

	sender := &fakeSender{}
	q := &fakeEnqueuer{}
	s := NewScheduler(
		NewNormalizer(m, nil, nil),
		NewRulesEngine(m, nil, nil),
		NewAIDispatcher(m, q, nil),
		NewBatcher(m, nil),
		NewDispatcher(m, sender, "soc@example.com", nil),
		m, nil, time.Minute, 7*24*time.Hour, nil,
	)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(m.normalized) != 6 {
		t.Errorf("normalized = %d, want 6", len(m.normalized))
	}
	if len(m.digests) != 1 {
		t.Fatalf("digests = %d, want 1", len(m.digests))
	}
	if sender.calls != 1 {
		t.Errorf("emails sent = %d, want 1", sender.calls)
	}
	if len(q.jobs) != 1 {
		t.Errorf("ai jobs = %d, want 1 (the vpn_bruteforce detection)", len(q.jobs))
	}

	// Re-running immediately is a no-op.
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if len(m.digests) != 1 || sender.calls != 1 || len(q.jobs) != 1 {
		t.Errorf("second tick repeated work: dig=%d mails=%d ai=%d",
			len(m.digests), sender.calls, len(q.jobs))
	}
}

func TestSchedulerTickSkipsWhenLeaseHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m := newMemStore()
	now := time.Now().UTC()
	seedRaw(m, "t1", vpnFailLine(now, "192.168.100.50", "alice"), now)

	other := queue.NewLease(rdb, "pipeline", time.Minute)
	if ok, err := other.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("pre-acquire lease: ok=%v err=%v", ok, err)
	}

	s := NewScheduler(
		NewNormalizer(m, nil, nil),
		NewRulesEngine(m, nil, nil),
		NewAIDispatcher(m, &fakeEnqueuer{}, nil),
		NewBatcher(m, nil),
		NewDispatcher(m, &fakeSender{}, "soc@example.com", nil),
		m, queue.NewLease(rdb, "pipeline", time.Minute), time.Minute, 7*24*time.Hour, nil,
	)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(m.normalized) != 0 {
		t.Error("tick ran while another instance held the lease")
	}

	// Lease released: next tick proceeds.
	if err := other.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick after release: %v", err)
	}
	if len(m.normalized) != 1 {
		t.Error("tick did not run after the lease was released")
	}
}

func TestSchedulerMaintain(t *testing.T) {
	m := newMemStore()
	s := NewScheduler(
		NewNormalizer(m, nil, nil),
		NewRulesEngine(m, nil, nil),
		NewAIDispatcher(m, &fakeEnqueuer{}, nil),
		NewBatcher(m, nil),
		NewDispatcher(m, &fakeSender{}, "soc@example.com", nil),
		m, nil, time.Minute, 7*24*time.Hour, nil,
	)

	if err := s.Maintain(context.Background()); err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if m.cleanupCalls != 1 {
		t.Errorf("cache cleanup calls = %d, want 1", m.cleanupCalls)
	}
	if len(m.retentionCuts) != 1 {
		t.Fatalf("retention calls = %d, want 1", len(m.retentionCuts))
	}
	if age := time.Since(m.retentionCuts[0]); age < 7*24*time.Hour-time.Minute || age > 7*24*time.Hour+time.Minute {
		t.Errorf("retention cutoff %v not ~7 days back", m.retentionCuts[0])
	}
}
