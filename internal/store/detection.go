package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"centinela/internal/model"
)

// ErrNoOpenDetection is returned when no open detection matches the tuple.
var ErrNoOpenDetection = errors.New("no open detection")

// FindOpenDetection loads the open detection (reported_digest_id null) for
// a (tenant, type, group key) tuple. The partial unique index guarantees at
// most one exists.
func (s *Store) FindOpenDetection(ctx context.Context, tenantID, detectionType, groupKey string) (model.Detection, error) {
	var d model.Detection
	err := s.db.GetContext(ctx, &d,
		`SELECT id, tenant_id, site_id, source_id, detection_type, severity,
		        group_key, window_minutes, event_count, first_event_at,
		        last_event_at, evidence, related_event_ids, reported_digest_id,
		        acknowledged, created_at
		 FROM detections
		 WHERE tenant_id = $1 AND detection_type = $2 AND group_key = $3
		   AND reported_digest_id IS NULL`,
		tenantID, detectionType, groupKey)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Detection{}, ErrNoOpenDetection
	}
	if err != nil {
		return model.Detection{}, fmt.Errorf("find open detection: %w", err)
	}
	return d, nil
}

// InsertDetection creates a new detection row.
func (s *Store) InsertDetection(ctx context.Context, d model.Detection) (model.Detection, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections
		 (id, tenant_id, site_id, source_id, detection_type, severity, group_key,
		  window_minutes, event_count, first_event_at, last_event_at, evidence,
		  related_event_ids, acknowledged, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, FALSE, $14)`,
		d.ID, d.TenantID, d.SiteID, d.SourceID, d.DetectionType, d.Severity,
		d.GroupKey, d.WindowMinutes, d.EventCount, d.FirstEventAt, d.LastEventAt,
		d.Evidence, d.RelatedEventIDs, d.CreatedAt)
	if err != nil {
		return model.Detection{}, fmt.Errorf("insert detection: %w", err)
	}
	return d, nil
}

// UpdateOpenDetection folds a later rule match into an existing open
// detection: count, window end, severity, evidence, and related IDs are
// replaced. The WHERE clause refuses to touch reported (frozen) rows.
func (s *Store) UpdateOpenDetection(ctx context.Context, d model.Detection) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE detections
		 SET event_count = $1, last_event_at = $2, severity = $3, evidence = $4,
		     related_event_ids = $5
		 WHERE id = $6 AND reported_digest_id IS NULL`,
		d.EventCount, d.LastEventAt, d.Severity, d.Evidence, d.RelatedEventIDs, d.ID)
	if err != nil {
		return fmt.Errorf("update detection %s: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoOpenDetection
	}
	return nil
}

// OpenDetectionsForTenant returns the tenant's unreported detections ordered
// by severity (critical first) then last_event_at descending. This is the
// batcher's working set.
func (s *Store) OpenDetectionsForTenant(ctx context.Context, tenantID string) ([]model.Detection, error) {
	var detections []model.Detection
	err := s.db.SelectContext(ctx, &detections,
		`SELECT id, tenant_id, site_id, source_id, detection_type, severity,
		        group_key, window_minutes, event_count, first_event_at,
		        last_event_at, evidence, related_event_ids, reported_digest_id,
		        acknowledged, created_at
		 FROM detections
		 WHERE tenant_id = $1 AND reported_digest_id IS NULL
		 ORDER BY CASE severity
		     WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2
		     WHEN 'low' THEN 1 ELSE 0 END DESC,
		     last_event_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("open detections for tenant %s: %w", tenantID, err)
	}
	return detections, nil
}

// DetectionsNeedingAnalysis returns high and critical open detections with
// no AI analysis yet. The scheduler enqueues these for the AI worker.
func (s *Store) DetectionsNeedingAnalysis(ctx context.Context) ([]model.Detection, error) {
	var detections []model.Detection
	err := s.db.SelectContext(ctx, &detections,
		`SELECT d.id, d.tenant_id, d.site_id, d.source_id, d.detection_type,
		        d.severity, d.group_key, d.window_minutes, d.event_count,
		        d.first_event_at, d.last_event_at, d.evidence,
		        d.related_event_ids, d.reported_digest_id, d.acknowledged,
		        d.created_at
		 FROM detections d
		 WHERE d.severity IN ('high', 'critical')
		   AND d.reported_digest_id IS NULL
		   AND NOT EXISTS (
		       SELECT 1 FROM ai_analyses a WHERE a.detection_id = d.id
		   )
		 ORDER BY d.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("detections needing analysis: %w", err)
	}
	return detections, nil
}

// GetDetection loads one detection by ID.
func (s *Store) GetDetection(ctx context.Context, id string) (model.Detection, error) {
	var d model.Detection
	err := s.db.GetContext(ctx, &d,
		`SELECT id, tenant_id, site_id, source_id, detection_type, severity,
		        group_key, window_minutes, event_count, first_event_at,
		        last_event_at, evidence, related_event_ids, reported_digest_id,
		        acknowledged, created_at
		 FROM detections WHERE id = $1`, id)
	if err != nil {
		return model.Detection{}, fmt.Errorf("get detection %s: %w", id, err)
	}
	return d, nil
}
