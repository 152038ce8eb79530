// Package model defines the persistent entities shared across the backend:
// tenants, API keys, events, detections, digests, deliveries, and the AI
// artifacts. Stores persist these types; pipeline stages transform them.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Severity levels, ordered info < low < medium < high < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordering rank of s; unknown severities rank below info.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Max returns the higher of two severities.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// Escalate raises s by n levels, capping at critical.
func (s Severity) Escalate(n int) Severity {
	order := []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	r := s.Rank()
	if r < 0 {
		return s
	}
	r += n
	if r >= len(order) {
		r = len(order) - 1
	}
	return order[r]
}

// JSONMap is a free-form string-keyed mapping stored as JSONB. Callers must
// not introspect it to make safety-critical decisions.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	return json.Unmarshal(b, m)
}

// StringList is a list of strings stored as a JSONB array.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
	return json.Unmarshal(b, l)
}

// Tenant is the unit of isolation; every tenant-scoped record references one.
type Tenant struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	Status        string `db:"status"`
	PlanTier      string `db:"plan_tier"`
	DefaultLocale string `db:"default_locale"`
	Timezone      string `db:"timezone"`
}

// APIKey authenticates a collector. Only the SHA-256 digest of the plaintext
// is persisted; the prefix is kept for display.
type APIKey struct {
	ID         string     `db:"id"`
	TenantID   string     `db:"tenant_id"`
	KeyHash    string     `db:"key_hash"`
	Prefix     string     `db:"prefix"`
	Name       string     `db:"name"`
	IsActive   bool       `db:"is_active"`
	LastUsedAt *time.Time `db:"last_used_at"`
}

// RawEvent is one syslog line as received. Mutated exactly once by the
// normalizer: parsed flips false to true, with or without a parse error.
type RawEvent struct {
	ID            string    `db:"id"`
	TenantID      string    `db:"tenant_id"`
	SiteID        *string   `db:"site_id"`
	SourceID      *string   `db:"source_id"`
	ReceivedAt    time.Time `db:"received_at"`
	SourceIP      *string   `db:"source_ip"`
	Transport     string    `db:"transport"` // udp|tcp|http
	RawMessage    string    `db:"raw_message"`
	CollectorName *string   `db:"collector_name"`
	Parsed        bool      `db:"parsed"`
	ParseError    *string   `db:"parse_error"`
}

// NormalizedEvent is the parsed form of a raw event. Exactly one exists per
// successfully parsed raw event; immutable once written.
type NormalizedEvent struct {
	ID         string     `db:"id"`
	RawEventID string     `db:"raw_event_id"`
	TenantID   string     `db:"tenant_id"`
	SiteID     *string    `db:"site_id"`
	SourceID   *string    `db:"source_id"`
	TS         time.Time  `db:"ts"`
	Vendor     string     `db:"vendor"`
	Product    string     `db:"product"`
	EventType  string     `db:"event_type"`
	Subtype    *string    `db:"subtype"`
	Action     *string    `db:"action"`
	Severity   Severity   `db:"severity"`
	SrcIP      *string    `db:"src_ip"`
	DstIP      *string    `db:"dst_ip"`
	SrcUser    *string    `db:"src_user"`
	DstUser    *string    `db:"dst_user"`
	Ports      StringList `db:"ports"`
	Interface  *string    `db:"interface"`
	VDOM       *string    `db:"vdom"`
	PolicyID   *string    `db:"policy_id"`
	SessionID  *string    `db:"session_id"`
	Message    *string    `db:"message"`
	KV         JSONMap    `db:"kv"`
}

// Detection is a rule match over a time window. At most one open detection
// (reported_digest_id null) exists per (tenant, detection_type, group_key);
// later matches update it. Once reported, the row is frozen.
type Detection struct {
	ID              string     `db:"id"`
	TenantID        string     `db:"tenant_id"`
	SiteID          *string    `db:"site_id"`
	SourceID        *string    `db:"source_id"`
	DetectionType   string     `db:"detection_type"`
	Severity        Severity   `db:"severity"`
	GroupKey        string     `db:"group_key"`
	WindowMinutes   int        `db:"window_minutes"`
	EventCount      int        `db:"event_count"`
	FirstEventAt    time.Time  `db:"first_event_at"`
	LastEventAt     time.Time  `db:"last_event_at"`
	Evidence        JSONMap    `db:"evidence"`
	RelatedEventIDs StringList `db:"related_event_ids"`
	ReportedDigest  *string    `db:"reported_digest_id"`
	Acknowledged    bool       `db:"acknowledged"`
	CreatedAt       time.Time  `db:"created_at"`
}

// Open reports whether the detection has not yet been batched into a digest.
func (d *Detection) Open() bool { return d.ReportedDigest == nil }

// Digest is the only customer-visible notification unit: a tenant-scoped
// consolidation of detections into one outbound message.
type Digest struct {
	ID             string    `db:"id"`
	TenantID       string    `db:"tenant_id"`
	WindowStart    time.Time `db:"window_start"`
	WindowEnd      time.Time `db:"window_end"`
	Severity       Severity  `db:"severity"`
	DetectionCount int       `db:"detection_count"`
	EventCount     int       `db:"event_count"`
	Subject        string    `db:"subject"`
	BodyText       string    `db:"body_text"`
	BodyHTML       *string   `db:"body_html"`
	Locale         string    `db:"locale"`
	CreatedAt      time.Time `db:"created_at"`
}

// EmailDelivery records one delivery attempt for a digest. A digest with at
// least one sent row is delivered and will not be re-sent.
type EmailDelivery struct {
	ID                string     `db:"id"`
	DigestID          string     `db:"digest_id"`
	TenantID          string     `db:"tenant_id"`
	Recipient         string     `db:"recipient"`
	ProviderMessageID *string    `db:"provider_message_id"`
	Status            string     `db:"status"` // pending|sent|failed
	Error             *string    `db:"error"`
	SentAt            *time.Time `db:"sent_at"`
}

// AIAnalysis is the analyst agent's verdict for a detection.
type AIAnalysis struct {
	ID              string    `db:"id"`
	DetectionID     string    `db:"detection_id"`
	TenantID        string    `db:"tenant_id"`
	ThreatDetected  bool      `db:"threat_detected"`
	ThreatType      *string   `db:"threat_type"`
	ConfidenceScore *float64  `db:"confidence_score"`
	Severity        *string   `db:"severity"`
	ContextSummary  *string   `db:"context_summary"`
	IOCs            JSONMap   `db:"iocs"`
	ModelUsed       *string   `db:"model_used"`
	TokensUsed      *int      `db:"tokens_used"`
	LatencyMS       *int      `db:"latency_ms"`
	FromCache       bool      `db:"from_cache"`
	CreatedAt       time.Time `db:"created_at"`
}

// AIRecommendation is the advisor agent's remediation plan.
type AIRecommendation struct {
	ID          string    `db:"id"`
	DetectionID string    `db:"detection_id"`
	TenantID    string    `db:"tenant_id"`
	Urgency     *string   `db:"urgency"`
	Actions     JSONMap   `db:"actions"`
	ModelUsed   *string   `db:"model_used"`
	TokensUsed  *int      `db:"tokens_used"`
	LatencyMS   *int      `db:"latency_ms"`
	CreatedAt   time.Time `db:"created_at"`
}

// AIReport is the writer agent's human-readable report. JudgePassed records
// the safety validation outcome; a failed judge flags the report and the
// digest then carries verified content only.
type AIReport struct {
	ID          string     `db:"id"`
	DetectionID string     `db:"detection_id"`
	TenantID    string     `db:"tenant_id"`
	Subject     string     `db:"subject"`
	Body        string     `db:"body"`
	JudgePassed bool       `db:"judge_passed"`
	JudgeReason *string    `db:"judge_reason"`
	Status      string     `db:"status"` // generated|sent|failed
	SentAt      *time.Time `db:"sent_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

// AICacheEntry caches an orchestrator response keyed by pattern signature.
// Unique per (tenant_id, pattern_signature).
type AICacheEntry struct {
	ID                 string     `db:"id"`
	TenantID           string     `db:"tenant_id"`
	PatternSignature   string     `db:"pattern_signature"`
	DetectionType      string     `db:"detection_type"`
	Severity           Severity   `db:"severity"`
	ThreatDetected     bool       `db:"threat_detected"`
	ThreatType         *string    `db:"threat_type"`
	ConfidenceScore    *float64   `db:"confidence_score"`
	ContextSummary     *string    `db:"context_summary"`
	RecommendedActions JSONMap    `db:"recommended_actions"`
	ReportSubject      *string    `db:"report_subject"`
	ReportBody         *string    `db:"report_body"`
	HitCount           int        `db:"hit_count"`
	LastHitAt          *time.Time `db:"last_hit_at"`
	ExpiresAt          time.Time  `db:"expires_at"`
	IsValid            bool       `db:"is_valid"`
}
