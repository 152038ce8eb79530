package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"centinela/internal/logging"
	"centinela/internal/model"
)

// BatcherStore is the store subset the batcher uses.
type BatcherStore interface {
	TenantsWithOpenDetections(ctx context.Context) ([]model.Tenant, error)
	OpenDetectionsForTenant(ctx context.Context, tenantID string) ([]model.Detection, error)
	CreateDigestAndMark(ctx context.Context, d model.Digest, detectionIDs []string) (model.Digest, error)
}

// Batcher consolidates each tenant's open detections into one digest per
// tick. The digest insert and the detection marking commit together, so a
// detection can never land in two digests.
type Batcher struct {
	store  BatcherStore
	logger *slog.Logger
}

// NewBatcher builds the batcher.
func NewBatcher(st BatcherStore, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Batcher{store: st, logger: logger}
}

// Batch creates digests for every tenant with open detections and returns
// how many were created.
func (b *Batcher) Batch(ctx context.Context) (int, error) {
	tenants, err := b.store.TenantsWithOpenDetections(ctx)
	if err != nil {
		return 0, fmt.Errorf("load tenants with open detections: %w", err)
	}

	created := 0
	for _, tenant := range tenants {
		wrote, err := b.batchTenant(ctx, tenant)
		if err != nil {
			return created, fmt.Errorf("tenant %s: %w", tenant.ID, err)
		}
		if wrote {
			created++
		}
	}
	return created, nil
}

func (b *Batcher) batchTenant(ctx context.Context, tenant model.Tenant) (bool, error) {
	detections, err := b.store.OpenDetectionsForTenant(ctx, tenant.ID)
	if err != nil {
		return false, err
	}
	if len(detections) == 0 {
		// Raced with another batcher run; nothing left to report.
		return false, nil
	}

	digest := buildDigest(tenant, detections)
	ids := make([]string, len(detections))
	for i, d := range detections {
		ids[i] = d.ID
	}
	saved, err := b.store.CreateDigestAndMark(ctx, digest, ids)
	if err != nil {
		return false, err
	}
	b.logger.Info("digest created",
		"digest", saved.ID,
		"tenant", tenant.ID,
		"detections", saved.DetectionCount,
		"severity", saved.Severity)
	return true, nil
}

// buildDigest aggregates the detections (already ordered severity desc,
// last_event_at desc) into the digest row, including rendered content.
func buildDigest(tenant model.Tenant, detections []model.Detection) model.Digest {
	var (
		windowStart = detections[0].FirstEventAt
		windowEnd   = detections[0].LastEventAt
		severity    = model.SeverityInfo
		eventCount  = 0
	)
	for _, d := range detections {
		if d.FirstEventAt.Before(windowStart) {
			windowStart = d.FirstEventAt
		}
		if d.LastEventAt.After(windowEnd) {
			windowEnd = d.LastEventAt
		}
		severity = severity.Max(d.Severity)
		eventCount += d.EventCount
	}

	locale := tenant.DefaultLocale
	subject, body := renderDigest(locale, tenant.Name, severity, detections, windowStart, windowEnd)

	return model.Digest{
		TenantID:       tenant.ID,
		WindowStart:    windowStart,
		WindowEnd:      windowEnd,
		Severity:       severity,
		DetectionCount: len(detections),
		EventCount:     eventCount,
		Subject:        subject,
		BodyText:       body,
		Locale:         locale,
		CreatedAt:      time.Now().UTC(),
	}
}
