package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"centinela/internal/logging"
	"centinela/internal/model"
	"centinela/internal/queue"
)

const (
	orchestrateTimeout = 60 * time.Second
	maxSampleEvents    = 10
)

// Store is the store subset the analyzer uses.
type Store interface {
	GetDetection(ctx context.Context, id string) (model.Detection, error)
	NormalizedEventsByIDs(ctx context.Context, ids []string, limit int) ([]model.NormalizedEvent, error)
	RawEventsByIDs(ctx context.Context, ids []string, limit int) ([]model.RawEvent, error)
	CacheLookup(ctx context.Context, tenantID, signature string) (model.AICacheEntry, error)
	CacheUpsert(ctx context.Context, entry model.AICacheEntry, ttl time.Duration) error
	InsertAIAnalysis(ctx context.Context, a model.AIAnalysis) (model.AIAnalysis, error)
	InsertAIRecommendation(ctx context.Context, r model.AIRecommendation) (model.AIRecommendation, error)
	InsertAIReport(ctx context.Context, r model.AIReport) (model.AIReport, error)
}

// Result is what one analysis produced.
type Result struct {
	FromCache      bool
	NoThreat       bool
	ThreatDetected bool
	ReportSubject  string
	ReportBody     string
}

// Analyzer resolves detections against the cache and, on a miss, the
// external orchestrator. Orchestrator failures bubble up to the queue's
// retry machinery and never write to the cache.
type Analyzer struct {
	store    Store
	client   *http.Client
	baseURL  string
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewAnalyzer builds an analyzer against the orchestrator at baseURL.
func NewAnalyzer(st Store, baseURL string, cacheTTL time.Duration, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Analyzer{
		store:    st,
		client:   &http.Client{Timeout: orchestrateTimeout},
		baseURL:  baseURL,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Handle is the AI queue consumer entrypoint.
func (a *Analyzer) Handle(ctx context.Context, job queue.Job) error {
	var payload queue.AIJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		a.logger.Error("dropping undecodable ai job", "job", job.ID, "error", err)
		return nil
	}
	_, err := a.Analyze(ctx, payload.DetectionID)
	return err
}

// Analyze runs the cache-then-orchestrator flow for one detection.
func (a *Analyzer) Analyze(ctx context.Context, detectionID string) (Result, error) {
	detection, err := a.store.GetDetection(ctx, detectionID)
	if err != nil {
		return Result{}, fmt.Errorf("load detection: %w", err)
	}

	signature := Signature(detection)
	if entry, err := a.store.CacheLookup(ctx, detection.TenantID, signature); err == nil {
		return a.fromCache(ctx, detection, entry)
	}

	envelope, err := a.buildEnvelope(ctx, detection)
	if err != nil {
		return Result{}, err
	}
	resp, err := a.orchestrate(ctx, envelope)
	if err != nil {
		return Result{}, err
	}

	if resp.Status == "no_threat_detected" {
		// Record the verdict so the detection is not re-queued; a benign
		// outcome is not worth cache space.
		_, err := a.store.InsertAIAnalysis(ctx, model.AIAnalysis{
			DetectionID:    detection.ID,
			TenantID:       detection.TenantID,
			ThreatDetected: false,
			LatencyMS:      resp.LatencyMS,
		})
		if err != nil {
			return Result{}, fmt.Errorf("persist no-threat analysis: %w", err)
		}
		return Result{NoThreat: true}, nil
	}

	result, err := a.persist(ctx, detection, resp)
	if err != nil {
		return Result{}, err
	}
	if err := a.store.CacheUpsert(ctx, cacheEntry(detection, signature, resp), a.cacheTTL); err != nil {
		// The analysis is already durable; a cache write failure only
		// costs the next lookup.
		a.logger.Warn("cache upsert failed", "detection", detection.ID, "error", err)
	}
	return result, nil
}

// fromCache synthesizes the analysis from a cache entry; no downstream call.
func (a *Analyzer) fromCache(ctx context.Context, detection model.Detection, entry model.AICacheEntry) (Result, error) {
	sev := string(entry.Severity)
	_, err := a.store.InsertAIAnalysis(ctx, model.AIAnalysis{
		DetectionID:     detection.ID,
		TenantID:        detection.TenantID,
		ThreatDetected:  entry.ThreatDetected,
		ThreatType:      entry.ThreatType,
		ConfidenceScore: entry.ConfidenceScore,
		Severity:        &sev,
		ContextSummary:  entry.ContextSummary,
		FromCache:       true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("persist cached analysis: %w", err)
	}

	result := Result{FromCache: true, ThreatDetected: entry.ThreatDetected}
	if entry.ReportSubject != nil && entry.ReportBody != nil {
		result.ReportSubject = *entry.ReportSubject
		result.ReportBody = *entry.ReportBody
		_, err = a.store.InsertAIReport(ctx, model.AIReport{
			DetectionID: detection.ID,
			TenantID:    detection.TenantID,
			Subject:     *entry.ReportSubject,
			Body:        *entry.ReportBody,
			JudgePassed: true,
			Status:      "generated",
		})
		if err != nil {
			return Result{}, fmt.Errorf("persist cached report: %w", err)
		}
	}
	a.logger.Debug("analysis served from cache",
		"detection", detection.ID, "hits", entry.HitCount)
	return result, nil
}

// orchestrateRequest is the envelope POSTed to the orchestrator.
type orchestrateRequest struct {
	TenantID         string                  `json:"tenant_id"`
	SiteID           *string                 `json:"site_id,omitempty"`
	SourceID         *string                 `json:"source_id,omitempty"`
	Detection        detectionEnvelope       `json:"detection"`
	RawEvents        []string                `json:"raw_events"`
	NormalizedEvents []model.NormalizedEvent `json:"normalized_events"`
}

type detectionEnvelope struct {
	DetectionType string        `json:"detection_type"`
	Severity      string        `json:"severity"`
	DetectedAt    time.Time     `json:"detected_at"`
	GroupKey      string        `json:"group_key"`
	Evidence      model.JSONMap `json:"evidence"`
}

type orchestrateResponse struct {
	Status    string `json:"status,omitempty"`
	RequestID string `json:"request_id"`
	LatencyMS *int   `json:"latency_ms"`

	Analysis *struct {
		ThreatDetected  bool     `json:"threat_detected"`
		ThreatType      *string  `json:"threat_type"`
		ConfidenceScore *float64 `json:"confidence_score"`
		Severity        *string  `json:"severity"`
		ContextSummary  *string  `json:"context_summary"`
		IOCs            []string `json:"iocs"`
		ModelUsed       *string  `json:"model_used"`
		TokensUsed      *int     `json:"tokens_used"`
		LatencyMS       *int     `json:"latency_ms"`
	} `json:"analysis,omitempty"`

	Recommendations *struct {
		Urgency    *string          `json:"urgency"`
		Actions    []map[string]any `json:"actions"`
		ModelUsed  *string          `json:"model_used"`
		TokensUsed *int             `json:"tokens_used"`
		LatencyMS  *int             `json:"latency_ms"`
	} `json:"recommendations,omitempty"`

	Judge *struct {
		Result string  `json:"result"` // pass|fail
		Reason *string `json:"reason"`
	} `json:"judge,omitempty"`

	Report *struct {
		Subject    string  `json:"subject"`
		Body       string  `json:"body"`
		ModelUsed  *string `json:"model_used"`
		TokensUsed *int    `json:"tokens_used"`
		LatencyMS  *int    `json:"latency_ms"`
	} `json:"report,omitempty"`
}

func (a *Analyzer) buildEnvelope(ctx context.Context, detection model.Detection) (orchestrateRequest, error) {
	normalized, err := a.store.NormalizedEventsByIDs(ctx, detection.RelatedEventIDs, maxSampleEvents)
	if err != nil {
		return orchestrateRequest{}, fmt.Errorf("load normalized samples: %w", err)
	}
	rawIDs := make([]string, 0, len(normalized))
	for _, ne := range normalized {
		rawIDs = append(rawIDs, ne.RawEventID)
	}
	raws, err := a.store.RawEventsByIDs(ctx, rawIDs, maxSampleEvents)
	if err != nil {
		return orchestrateRequest{}, fmt.Errorf("load raw samples: %w", err)
	}
	rawLines := make([]string, 0, len(raws))
	for _, r := range raws {
		rawLines = append(rawLines, r.RawMessage)
	}

	return orchestrateRequest{
		TenantID: detection.TenantID,
		SiteID:   detection.SiteID,
		SourceID: detection.SourceID,
		Detection: detectionEnvelope{
			DetectionType: detection.DetectionType,
			Severity:      string(detection.Severity),
			DetectedAt:    detection.CreatedAt,
			GroupKey:      detection.GroupKey,
			Evidence:      detection.Evidence,
		},
		RawEvents:        rawLines,
		NormalizedEvents: normalized,
	}, nil
}

func (a *Analyzer) orchestrate(ctx context.Context, envelope orchestrateRequest) (orchestrateResponse, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return orchestrateResponse{}, fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, orchestrateTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/v1/ata/orchestrate", bytes.NewReader(body))
	if err != nil {
		return orchestrateResponse{}, fmt.Errorf("build orchestrate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return orchestrateResponse{}, fmt.Errorf("orchestrate call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return orchestrateResponse{}, fmt.Errorf("orchestrate returned %d: %s", resp.StatusCode, data)
	}

	var out orchestrateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return orchestrateResponse{}, fmt.Errorf("decode orchestrate response: %w", err)
	}
	return out, nil
}

// persist writes the analysis, recommendation, and report rows.
func (a *Analyzer) persist(ctx context.Context, detection model.Detection, resp orchestrateResponse) (Result, error) {
	result := Result{}

	analysis := model.AIAnalysis{
		DetectionID: detection.ID,
		TenantID:    detection.TenantID,
	}
	if resp.Analysis != nil {
		analysis.ThreatDetected = resp.Analysis.ThreatDetected
		analysis.ThreatType = resp.Analysis.ThreatType
		analysis.ConfidenceScore = resp.Analysis.ConfidenceScore
		analysis.Severity = resp.Analysis.Severity
		analysis.ContextSummary = resp.Analysis.ContextSummary
		analysis.ModelUsed = resp.Analysis.ModelUsed
		analysis.TokensUsed = resp.Analysis.TokensUsed
		analysis.LatencyMS = resp.Analysis.LatencyMS
		if len(resp.Analysis.IOCs) > 0 {
			analysis.IOCs = model.JSONMap{"iocs": resp.Analysis.IOCs}
		}
		result.ThreatDetected = resp.Analysis.ThreatDetected
	}
	if _, err := a.store.InsertAIAnalysis(ctx, analysis); err != nil {
		return Result{}, fmt.Errorf("persist analysis: %w", err)
	}

	if resp.Recommendations != nil && len(resp.Recommendations.Actions) > 0 {
		_, err := a.store.InsertAIRecommendation(ctx, model.AIRecommendation{
			DetectionID: detection.ID,
			TenantID:    detection.TenantID,
			Urgency:     resp.Recommendations.Urgency,
			Actions:     model.JSONMap{"actions": resp.Recommendations.Actions},
			ModelUsed:   resp.Recommendations.ModelUsed,
			TokensUsed:  resp.Recommendations.TokensUsed,
			LatencyMS:   resp.Recommendations.LatencyMS,
		})
		if err != nil {
			return Result{}, fmt.Errorf("persist recommendation: %w", err)
		}
	}

	if resp.Report != nil {
		report := model.AIReport{
			DetectionID: detection.ID,
			TenantID:    detection.TenantID,
			Subject:     resp.Report.Subject,
			Body:        resp.Report.Body,
			JudgePassed: true,
			Status:      "generated",
		}
		if resp.Judge != nil && resp.Judge.Result != "pass" {
			report.JudgePassed = false
			report.JudgeReason = resp.Judge.Reason
			a.logger.Warn("ai report failed judge validation",
				"detection", detection.ID, "reason", deref(resp.Judge.Reason))
		}
		if _, err := a.store.InsertAIReport(ctx, report); err != nil {
			return Result{}, fmt.Errorf("persist report: %w", err)
		}
		result.ReportSubject = resp.Report.Subject
		result.ReportBody = resp.Report.Body
	}
	return result, nil
}

// cacheEntry composes the cache row for a non-no-threat outcome. A report
// that failed the judge is not cached, so replays regenerate it.
func cacheEntry(detection model.Detection, signature string, resp orchestrateResponse) model.AICacheEntry {
	entry := model.AICacheEntry{
		TenantID:         detection.TenantID,
		PatternSignature: signature,
		DetectionType:    detection.DetectionType,
		Severity:         detection.Severity,
		IsValid:          true,
	}
	if resp.Analysis != nil {
		entry.ThreatDetected = resp.Analysis.ThreatDetected
		entry.ThreatType = resp.Analysis.ThreatType
		entry.ConfidenceScore = resp.Analysis.ConfidenceScore
		entry.ContextSummary = resp.Analysis.ContextSummary
	}
	if resp.Recommendations != nil && len(resp.Recommendations.Actions) > 0 {
		entry.RecommendedActions = model.JSONMap{"actions": resp.Recommendations.Actions}
	}
	if resp.Report != nil && (resp.Judge == nil || resp.Judge.Result == "pass") {
		entry.ReportSubject = &resp.Report.Subject
		entry.ReportBody = &resp.Report.Body
	}
	return entry
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
