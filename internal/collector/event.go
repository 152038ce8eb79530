// Package collector implements the edge collector: syslog listeners (UDP and
// TCP), an in-memory buffer, batched forwarding to the cloud ingest API, a
// retry queue with dead-lettering, and a health/metrics endpoint.
package collector

import "time"

// Event is a single received syslog line, buffered until forwarded.
type Event struct {
	RawMessage string    `json:"raw_message"`
	ReceivedAt time.Time `json:"received_at"`
	SourceIP   string    `json:"source_ip,omitempty"`
	Transport  string    `json:"transport,omitempty"` // udp|tcp

	// Truncated marks lines cut at the pending-line size guard. The original
	// length travels along so the backend can account for the loss.
	Truncated      bool `json:"truncated,omitempty"`
	OriginalLength int  `json:"original_length,omitempty"`
}
