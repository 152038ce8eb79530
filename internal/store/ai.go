package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"centinela/internal/model"
)

// InsertAIAnalysis persists an analyst verdict for a detection.
func (s *Store) InsertAIAnalysis(ctx context.Context, a model.AIAnalysis) (model.AIAnalysis, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_analyses
		 (id, detection_id, tenant_id, threat_detected, threat_type,
		  confidence_score, severity, context_summary, iocs, model_used,
		  tokens_used, latency_ms, from_cache, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.DetectionID, a.TenantID, a.ThreatDetected, a.ThreatType,
		a.ConfidenceScore, a.Severity, a.ContextSummary, a.IOCs, a.ModelUsed,
		a.TokensUsed, a.LatencyMS, a.FromCache, a.CreatedAt)
	if err != nil {
		return model.AIAnalysis{}, fmt.Errorf("insert ai analysis: %w", err)
	}
	return a, nil
}

// InsertAIRecommendation persists an advisor remediation plan.
func (s *Store) InsertAIRecommendation(ctx context.Context, r model.AIRecommendation) (model.AIRecommendation, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_recommendations
		 (id, detection_id, tenant_id, urgency, actions, model_used,
		  tokens_used, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.DetectionID, r.TenantID, r.Urgency, r.Actions, r.ModelUsed,
		r.TokensUsed, r.LatencyMS, r.CreatedAt)
	if err != nil {
		return model.AIRecommendation{}, fmt.Errorf("insert ai recommendation: %w", err)
	}
	return r, nil
}

// InsertAIReport persists a writer report, including the judge outcome.
func (s *Store) InsertAIReport(ctx context.Context, r model.AIReport) (model.AIReport, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	if r.Status == "" {
		r.Status = "generated"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_reports
		 (id, detection_id, tenant_id, subject, body, judge_passed,
		  judge_reason, status, sent_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.DetectionID, r.TenantID, r.Subject, r.Body, r.JudgePassed,
		r.JudgeReason, r.Status, r.SentAt, r.CreatedAt)
	if err != nil {
		return model.AIReport{}, fmt.Errorf("insert ai report: %w", err)
	}
	return r, nil
}
