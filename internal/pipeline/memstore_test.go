package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"centinela/internal/model"
	"centinela/internal/store"
)

// memStore is an in-memory stand-in for the SQL store, implementing every
// store subset the pipeline stages consume.
type memStore struct {
	mu sync.Mutex

	seq         int
	raws        []*model.RawEvent
	normalized  []model.NormalizedEvent
	detections  []*model.Detection
	tenants     map[string]model.Tenant
	digests     []model.Digest
	deliveries  []model.EmailDelivery
	hasAnalysis map[string]bool

	cleanupCalls  int
	retentionCuts []time.Time
}

func newMemStore() *memStore {
	return &memStore{
		tenants:     make(map[string]model.Tenant),
		hasAnalysis: make(map[string]bool),
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) addTenant(t model.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
}

func (m *memStore) InsertRawEvent(_ context.Context, ev model.RawEvent) (model.RawEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = m.nextID("raw")
	}
	m.raws = append(m.raws, &ev)
	return ev, nil
}

func (m *memStore) UnparsedBatch(_ context.Context, n int) ([]model.RawEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RawEvent
	for _, r := range m.raws {
		if r.Parsed {
			continue
		}
		out = append(out, *r)
		if len(out) == n {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (m *memStore) InsertNormalizedAndMarkParsed(_ context.Context, ne model.NormalizedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ne.ID == "" {
		ne.ID = m.nextID("norm")
	}
	for _, r := range m.raws {
		if r.ID == ne.RawEventID {
			r.Parsed = true
			r.ParseError = nil
		}
	}
	m.normalized = append(m.normalized, ne)
	return nil
}

func (m *memStore) MarkParseFailed(_ context.Context, rawEventID, parseErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.raws {
		if r.ID == rawEventID {
			r.Parsed = true
			r.ParseError = &parseErr
		}
	}
	return nil
}

func (m *memStore) EventsForRules(_ context.Context, eventTypes []string, since time.Time) ([]model.NormalizedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	var out []model.NormalizedEvent
	for _, ev := range m.normalized {
		if types[ev.EventType] && !ev.TS.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) FindOpenDetection(_ context.Context, tenantID, detectionType, groupKey string) (model.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.detections {
		if d.TenantID == tenantID && d.DetectionType == detectionType &&
			d.GroupKey == groupKey && d.ReportedDigest == nil {
			return *d, nil
		}
	}
	return model.Detection{}, store.ErrNoOpenDetection
}

func (m *memStore) InsertDetection(_ context.Context, d model.Detection) (model.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = m.nextID("det")
	}
	m.detections = append(m.detections, &d)
	return d, nil
}

func (m *memStore) UpdateOpenDetection(_ context.Context, d model.Detection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.detections {
		if existing.ID == d.ID && existing.ReportedDigest == nil {
			*existing = d
			return nil
		}
	}
	return store.ErrNoOpenDetection
}

func (m *memStore) DetectionsNeedingAnalysis(_ context.Context) ([]model.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Detection
	for _, d := range m.detections {
		if d.ReportedDigest != nil || m.hasAnalysis[d.ID] {
			continue
		}
		if d.Severity == model.SeverityHigh || d.Severity == model.SeverityCritical {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memStore) TenantsWithOpenDetections(_ context.Context) ([]model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []model.Tenant
	for _, d := range m.detections {
		if d.ReportedDigest == nil && !seen[d.TenantID] {
			seen[d.TenantID] = true
			out = append(out, m.tenants[d.TenantID])
		}
	}
	return out, nil
}

func (m *memStore) OpenDetectionsForTenant(_ context.Context, tenantID string) ([]model.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Detection
	for _, d := range m.detections {
		if d.TenantID == tenantID && d.ReportedDigest == nil {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].LastEventAt.After(out[j].LastEventAt)
	})
	return out, nil
}

func (m *memStore) CreateDigestAndMark(_ context.Context, d model.Digest, detectionIDs []string) (model.Digest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = m.nextID("digest")
	}
	marked := 0
	for _, det := range m.detections {
		for _, id := range detectionIDs {
			if det.ID == id && det.ReportedDigest == nil {
				digestID := d.ID
				det.ReportedDigest = &digestID
				marked++
			}
		}
	}
	if marked != len(detectionIDs) {
		return model.Digest{}, fmt.Errorf("marked %d of %d detections", marked, len(detectionIDs))
	}
	m.digests = append(m.digests, d)
	return d, nil
}

func (m *memStore) UnsentDigests(_ context.Context) ([]model.Digest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sent := make(map[string]bool)
	for _, del := range m.deliveries {
		if del.Status == "sent" {
			sent[del.DigestID] = true
		}
	}
	var out []model.Digest
	for _, d := range m.digests {
		if !sent[d.ID] {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) InsertEmailDelivery(_ context.Context, del model.EmailDelivery) (model.EmailDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if del.ID == "" {
		del.ID = m.nextID("delivery")
	}
	m.deliveries = append(m.deliveries, del)
	return del, nil
}

func (m *memStore) CacheCleanup(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupCalls++
	return 0, nil
}

func (m *memStore) DeleteRawEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retentionCuts = append(m.retentionCuts, cutoff)
	return 0, nil
}

func (m *memStore) openDetections() []model.Detection {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Detection
	for _, d := range m.detections {
		if d.ReportedDigest == nil {
			out = append(out, *d)
		}
	}
	return out
}
