package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"centinela/internal/model"
)

// ErrCacheMiss is returned when no valid, unexpired entry matches.
var ErrCacheMiss = errors.New("ai cache miss")

// CacheLookup returns the valid, unexpired entry for (tenant, signature),
// bumping hit_count and last_hit_at. Expired or invalidated entries are
// misses.
func (s *Store) CacheLookup(ctx context.Context, tenantID, signature string) (model.AICacheEntry, error) {
	var entry model.AICacheEntry
	now := s.now().UTC()
	err := s.db.GetContext(ctx, &entry,
		`UPDATE ai_cache_entries
		 SET hit_count = hit_count + 1, last_hit_at = $1
		 WHERE tenant_id = $2 AND pattern_signature = $3
		   AND is_valid = TRUE AND expires_at > $1
		 RETURNING id, tenant_id, pattern_signature, detection_type, severity,
		           threat_detected, threat_type, confidence_score,
		           context_summary, recommended_actions, report_subject,
		           report_body, hit_count, last_hit_at, expires_at, is_valid`,
		now, tenantID, signature)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AICacheEntry{}, ErrCacheMiss
	}
	if err != nil {
		return model.AICacheEntry{}, fmt.Errorf("cache lookup: %w", err)
	}
	return entry, nil
}

// CacheUpsert writes or overwrites the entry for (tenant, signature),
// resetting expiry to now + ttl and revalidating it.
func (s *Store) CacheUpsert(ctx context.Context, entry model.AICacheEntry, ttl time.Duration) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	expiresAt := s.now().UTC().Add(ttl)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_cache_entries
		 (id, tenant_id, pattern_signature, detection_type, severity,
		  threat_detected, threat_type, confidence_score, context_summary,
		  recommended_actions, report_subject, report_body, hit_count,
		  expires_at, is_valid)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13, TRUE)
		 ON CONFLICT (tenant_id, pattern_signature) DO UPDATE SET
		     detection_type = EXCLUDED.detection_type,
		     severity = EXCLUDED.severity,
		     threat_detected = EXCLUDED.threat_detected,
		     threat_type = EXCLUDED.threat_type,
		     confidence_score = EXCLUDED.confidence_score,
		     context_summary = EXCLUDED.context_summary,
		     recommended_actions = EXCLUDED.recommended_actions,
		     report_subject = EXCLUDED.report_subject,
		     report_body = EXCLUDED.report_body,
		     expires_at = EXCLUDED.expires_at,
		     is_valid = TRUE`,
		entry.ID, entry.TenantID, entry.PatternSignature, entry.DetectionType,
		entry.Severity, entry.ThreatDetected, entry.ThreatType,
		entry.ConfidenceScore, entry.ContextSummary, entry.RecommendedActions,
		entry.ReportSubject, entry.ReportBody, expiresAt)
	if err != nil {
		return fmt.Errorf("cache upsert: %w", err)
	}
	return nil
}

// CacheInvalidateByPattern marks one entry invalid.
func (s *Store) CacheInvalidateByPattern(ctx context.Context, tenantID, signature string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ai_cache_entries SET is_valid = FALSE
		 WHERE tenant_id = $1 AND pattern_signature = $2`,
		tenantID, signature)
	if err != nil {
		return fmt.Errorf("cache invalidate by pattern: %w", err)
	}
	return nil
}

// CacheInvalidateByType marks all of a tenant's entries for a detection type
// invalid. Must be called after any change to that type's rule semantics.
func (s *Store) CacheInvalidateByType(ctx context.Context, tenantID, detectionType string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ai_cache_entries SET is_valid = FALSE
		 WHERE tenant_id = $1 AND detection_type = $2`,
		tenantID, detectionType)
	if err != nil {
		return fmt.Errorf("cache invalidate by type: %w", err)
	}
	return nil
}

// CacheCleanup deletes expired and invalidated entries. Runs daily.
func (s *Store) CacheCleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ai_cache_entries WHERE expires_at < $1 OR is_valid = FALSE`,
		s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cache cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
