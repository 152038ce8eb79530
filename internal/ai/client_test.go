package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"centinela/internal/model"
	"centinela/internal/queue"
	"centinela/internal/store"
)

type fakeStore struct {
	mu sync.Mutex

	detections map[string]model.Detection
	normalized map[string]model.NormalizedEvent
	raws       map[string]model.RawEvent
	cache      map[string]model.AICacheEntry // tenant+sig
	analyses   []model.AIAnalysis
	recs       []model.AIRecommendation
	reports    []model.AIReport
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		detections: make(map[string]model.Detection),
		normalized: make(map[string]model.NormalizedEvent),
		raws:       make(map[string]model.RawEvent),
		cache:      make(map[string]model.AICacheEntry),
	}
}

func (f *fakeStore) GetDetection(_ context.Context, id string) (model.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.detections[id]
	if !ok {
		return model.Detection{}, fmt.Errorf("no detection %s", id)
	}
	return d, nil
}

func (f *fakeStore) NormalizedEventsByIDs(_ context.Context, ids []string, limit int) ([]model.NormalizedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.NormalizedEvent
	for _, id := range ids {
		if ne, ok := f.normalized[id]; ok {
			out = append(out, ne)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) RawEventsByIDs(_ context.Context, ids []string, limit int) ([]model.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.RawEvent
	for _, id := range ids {
		if r, ok := f.raws[id]; ok {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) CacheLookup(_ context.Context, tenantID, signature string) (model.AICacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[tenantID+"/"+signature]
	if !ok || !entry.IsValid || !entry.ExpiresAt.After(time.Now()) {
		return model.AICacheEntry{}, store.ErrCacheMiss
	}
	entry.HitCount++
	f.cache[tenantID+"/"+signature] = entry
	return entry, nil
}

func (f *fakeStore) CacheUpsert(_ context.Context, entry model.AICacheEntry, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.IsValid = true
	entry.ExpiresAt = time.Now().Add(ttl)
	f.cache[entry.TenantID+"/"+entry.PatternSignature] = entry
	return nil
}

func (f *fakeStore) InsertAIAnalysis(_ context.Context, a model.AIAnalysis) (model.AIAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyses = append(f.analyses, a)
	return a, nil
}

func (f *fakeStore) InsertAIRecommendation(_ context.Context, r model.AIRecommendation) (model.AIRecommendation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, r)
	return r, nil
}

func (f *fakeStore) InsertAIReport(_ context.Context, r model.AIReport) (model.AIReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return r, nil
}

func seedDetection(f *fakeStore, id string, eventCount int) model.Detection {
	d := model.Detection{
		ID:            id,
		TenantID:      "t1",
		DetectionType: "vpn_bruteforce",
		Severity:      model.SeverityHigh,
		GroupKey:      "10.0.0.1",
		EventCount:    eventCount,
		Evidence:      model.JSONMap{"count": eventCount},
		CreatedAt:     time.Now().UTC(),
	}
	f.mu.Lock()
	f.detections[id] = d
	f.mu.Unlock()
	return d
}

func TestSignatureBucketsSimilarIncidents(t *testing.T) {
	base := model.Detection{
		DetectionType: "vpn_bruteforce",
		Severity:      model.SeverityHigh,
	}

	a, b := base, base
	a.EventCount, a.Evidence = 7, model.JSONMap{"count": 7}
	b.EventCount, b.Evidence = 9, model.JSONMap{"count": 9}
	if Signature(a) != Signature(b) {
		t.Error("counts 7 and 9 share the 6-10 bucket but produced different signatures")
	}

	c := base
	c.EventCount, c.Evidence = 30, model.JSONMap{"count": 30}
	if Signature(a) == Signature(c) {
		t.Error("counts 7 and 30 are in different buckets but collided")
	}

	d := a
	d.DetectionType = "admin_bruteforce"
	if Signature(a) == Signature(d) {
		t.Error("different detection types collided")
	}

	e := a
	e.Severity = model.SeverityCritical
	if Signature(a) == Signature(e) {
		t.Error("different severities collided")
	}
}

func TestCountBucketRanges(t *testing.T) {
	cases := map[int]string{
		0: "1", 1: "1", 2: "2-5", 5: "2-5", 6: "6-10", 10: "6-10",
		11: "11-25", 25: "11-25", 26: "26-50", 50: "26-50",
		51: "51-100", 100: "51-100", 101: "100+", 5000: "100+",
	}
	for n, want := range cases {
		if got := countBucket(n); got != want {
			t.Errorf("countBucket(%d) = %q, want %q", n, got, want)
		}
	}
}

func orchestratorStub(t *testing.T, calls *int, response string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ata/orchestrate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("orchestrator received bad envelope: %v", err)
		}
		*calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const threatResponse = `{
	"request_id": "req-1",
	"analysis": {"threat_detected": true, "threat_type": "bruteforce",
		"confidence_score": 0.92, "severity": "high",
		"context_summary": "Repeated SSL VPN failures from one source."},
	"recommendations": {"urgency": "high",
		"actions": [{"priority": 1, "action": "Block source IP", "risk_level": "low", "reversible": true}]},
	"judge": {"result": "pass"},
	"report": {"subject": "VPN brute force detected", "body": "Details..."},
	"latency_ms": 1200
}`

func TestCacheHitShortCircuitsDownstream(t *testing.T) {
	f := newFakeStore()
	calls := 0
	srv := orchestratorStub(t, &calls, threatResponse)
	a := NewAnalyzer(f, srv.URL, 30*24*time.Hour, nil)

	// Two detections, same type/severity, counts in the same bucket.
	seedDetection(f, "det-1", 7)
	seedDetection(f, "det-2", 9)

	res, err := a.Analyze(context.Background(), "det-1")
	if err != nil {
		t.Fatalf("first Analyze: %v", err)
	}
	if res.FromCache {
		t.Error("first analysis claimed to be cached")
	}
	if calls != 1 {
		t.Fatalf("downstream calls = %d, want 1", calls)
	}
	if len(f.analyses) != 1 || len(f.recs) != 1 || len(f.reports) != 1 {
		t.Fatalf("persisted rows: analyses=%d recs=%d reports=%d, want 1 each",
			len(f.analyses), len(f.recs), len(f.reports))
	}

	res, err = a.Analyze(context.Background(), "det-2")
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	if !res.FromCache {
		t.Error("second analysis should come from the cache")
	}
	if calls != 1 {
		t.Errorf("downstream calls = %d after cache hit, want still 1", calls)
	}
	if res.ReportSubject != "VPN brute force detected" {
		t.Errorf("cached report subject = %q", res.ReportSubject)
	}
	if len(f.analyses) != 2 || !f.analyses[1].FromCache {
		t.Errorf("second analysis row missing or not flagged from_cache")
	}
}

func TestNoThreatIsNotCached(t *testing.T) {
	f := newFakeStore()
	calls := 0
	srv := orchestratorStub(t, &calls, `{"status":"no_threat_detected","request_id":"req-2","latency_ms":300}`)
	a := NewAnalyzer(f, srv.URL, time.Hour, nil)
	seedDetection(f, "det-1", 7)

	res, err := a.Analyze(context.Background(), "det-1")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.NoThreat {
		t.Error("expected a no-threat result")
	}
	if len(f.analyses) != 1 || f.analyses[0].ThreatDetected {
		t.Errorf("analyses = %+v, want one benign row", f.analyses)
	}
	if len(f.cache) != 0 {
		t.Error("a no-threat outcome must not occupy cache space")
	}
}

func TestJudgeFailureFlagsReportAndSkipsCachedReport(t *testing.T) {
	f := newFakeStore()
	calls := 0
	resp := `{
		"request_id": "req-3",
		"analysis": {"threat_detected": true, "severity": "high"},
		"judge": {"result": "fail", "reason": "unsafe CLI in report"},
		"report": {"subject": "s", "body": "rm -rf everything"}
	}`
	srv := orchestratorStub(t, &calls, resp)
	a := NewAnalyzer(f, srv.URL, time.Hour, nil)
	seedDetection(f, "det-1", 7)

	if _, err := a.Analyze(context.Background(), "det-1"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(f.reports) != 1 {
		t.Fatalf("reports = %d, want 1 (persisted but flagged)", len(f.reports))
	}
	if f.reports[0].JudgePassed {
		t.Error("judge-failed report not flagged")
	}
	for _, entry := range f.cache {
		if entry.ReportSubject != nil || entry.ReportBody != nil {
			t.Error("judge-failed report leaked into the cache")
		}
	}
}

func TestOrchestratorErrorDoesNotPoisonCache(t *testing.T) {
	f := newFakeStore()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	a := NewAnalyzer(f, srv.URL, time.Hour, nil)
	seedDetection(f, "det-1", 7)

	if _, err := a.Analyze(context.Background(), "det-1"); err == nil {
		t.Fatal("expected an error from a failing orchestrator")
	}
	if len(f.cache) != 0 {
		t.Error("failed call wrote to the cache")
	}
	if len(f.analyses) != 0 {
		t.Error("failed call persisted an analysis")
	}
}

func TestHandleDropsUndecodableJob(t *testing.T) {
	f := newFakeStore()
	a := NewAnalyzer(f, "http://unused", time.Hour, nil)
	err := a.Handle(context.Background(), queue.Job{ID: "j1", Payload: []byte(`{broken`)})
	if err != nil {
		t.Fatalf("Handle returned %v; poison jobs must not retry", err)
	}
}
