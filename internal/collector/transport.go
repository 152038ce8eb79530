package collector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Version is stamped by the build; reported in the User-Agent.
var Version = "dev"

const (
	bulkTimeout   = 30 * time.Second
	singleTimeout = 10 * time.Second
)

// ErrRejected marks a permanent upstream rejection (auth failure or invalid
// payload). Rejected events are counted as failed, never retried.
var ErrRejected = errors.New("upstream rejected event")

// Transport uploads events to the cloud ingest API. Every request carries a
// bearer token, a collector User-Agent, and an x-payload-sha256 header the
// backend may use for dedupe.
type Transport struct {
	client        *http.Client
	apiURL        string
	apiKey        string
	collectorName string
	siteID        string
}

// NewTransport creates a transport for the given API endpoint. Timeouts are
// applied per request; keep-alives are tuned for many small uploads.
func NewTransport(cfg Config) *Transport {
	return &Transport{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				MaxConnsPerHost:       100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ExpectContinueTimeout: time.Second,
			},
		},
		apiURL:        cfg.APIURL,
		apiKey:        cfg.APIKey,
		collectorName: cfg.CollectorName,
		siteID:        cfg.SiteID,
	}
}

// ingestPayload is the wire shape of a single event.
type ingestPayload struct {
	RawMessage     string `json:"raw_message"`
	ReceivedAt     string `json:"received_at,omitempty"`
	SourceIP       string `json:"source_ip,omitempty"`
	SiteID         string `json:"site_id,omitempty"`
	CollectorName  string `json:"collector_name,omitempty"`
	Transport      string `json:"transport,omitempty"`
	Truncated      bool   `json:"truncated,omitempty"`
	OriginalLength int    `json:"original_length,omitempty"`
}

func (t *Transport) payload(ev Event) ingestPayload {
	return ingestPayload{
		RawMessage:     ev.RawMessage,
		ReceivedAt:     ev.ReceivedAt.UTC().Format(time.RFC3339Nano),
		SourceIP:       ev.SourceIP,
		SiteID:         t.siteID,
		CollectorName:  t.collectorName,
		Transport:      ev.Transport,
		Truncated:      ev.Truncated,
		OriginalLength: ev.OriginalLength,
	}
}

// SendBulk uploads a batch to the bulk endpoint.
func (t *Transport) SendBulk(ctx context.Context, events []Event) error {
	payloads := make([]ingestPayload, len(events))
	for i, ev := range events {
		payloads[i] = t.payload(ev)
	}
	body, err := json.Marshal(map[string]any{"events": payloads})
	if err != nil {
		return err
	}
	return t.post(ctx, t.apiURL+"/v1/ingest/syslog/bulk", body, bulkTimeout)
}

// SendOne uploads a single event to the singular endpoint.
func (t *Transport) SendOne(ctx context.Context, ev Event) error {
	body, err := json.Marshal(t.payload(ev))
	if err != nil {
		return err
	}
	return t.post(ctx, t.apiURL+"/v1/ingest/syslog", body, singleTimeout)
}

func (t *Transport) post(ctx context.Context, url string, body []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("User-Agent", fmt.Sprintf("centinela-collector/%s (%s)", Version, t.collectorName))
	sum := sha256.Sum256(body)
	req.Header.Set("x-payload-sha256", hex.EncodeToString(sum[:]))

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("upstream temporary error: status %d", resp.StatusCode)
	default:
		// 400/401/403 and friends: retrying cannot help.
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
}
