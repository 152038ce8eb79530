package queue

import "time"

// IngestJob is the payload carried by ingest-queue jobs: one accepted syslog
// line plus its envelope. TenantID always comes from the authenticated
// request context, never from the request body.
type IngestJob struct {
	TenantID       string     `json:"tenant_id"`
	RawMessage     string     `json:"raw_message"`
	ReceivedAt     *time.Time `json:"received_at,omitempty"`
	SourceIP       *string    `json:"source_ip,omitempty"`
	SiteID         *string    `json:"site_id,omitempty"`
	SourceID       *string    `json:"source_id,omitempty"`
	CollectorName  *string    `json:"collector_name,omitempty"`
	Transport      string     `json:"transport,omitempty"` // udp|tcp, empty for direct HTTP
	Truncated      bool       `json:"truncated,omitempty"`
	OriginalLength int        `json:"original_length,omitempty"`
	PayloadSHA256  string     `json:"payload_sha256,omitempty"`
}

// AIJob is the payload carried by AI-queue jobs: a detection to analyze.
type AIJob struct {
	DetectionID string `json:"detection_id"`
	TenantID    string `json:"tenant_id"`
}
