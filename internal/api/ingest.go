package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"centinela/internal/queue"
)

const (
	maxBodyBytes  = 256 << 10
	maxBulkEvents = 100
)

// ingestRequest is one syslog event as submitted by a collector. Any
// tenant identifier in the body is ignored; tenancy comes from auth.
type ingestRequest struct {
	RawMessage     string     `json:"raw_message"`
	ReceivedAt     *time.Time `json:"received_at,omitempty"`
	SourceIP       *string    `json:"source_ip,omitempty"`
	SiteID         *string    `json:"site_id,omitempty"`
	SourceID       *string    `json:"source_id,omitempty"`
	CollectorName  *string    `json:"collector_name,omitempty"`
	Transport      string     `json:"transport,omitempty"`
	Truncated      bool       `json:"truncated,omitempty"`
	OriginalLength int        `json:"original_length,omitempty"`
}

type bulkIngestRequest struct {
	Events []ingestRequest `json:"events"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ingestRequest) validate(prefix string) []fieldError {
	var errs []fieldError
	if e.RawMessage == "" {
		errs = append(errs, fieldError{Field: prefix + "raw_message", Message: "must be a non-empty string"})
	}
	switch e.Transport {
	case "", "udp", "tcp", "http":
	default:
		errs = append(errs, fieldError{Field: prefix + "transport", Message: "must be udp, tcp, or http"})
	}
	return errs
}

func (e ingestRequest) toJob(tenantID, digest string) queue.IngestJob {
	return queue.IngestJob{
		TenantID:       tenantID,
		RawMessage:     e.RawMessage,
		ReceivedAt:     e.ReceivedAt,
		SourceIP:       e.SourceIP,
		SiteID:         e.SiteID,
		SourceID:       e.SourceID,
		CollectorName:  e.CollectorName,
		Transport:      e.Transport,
		Truncated:      e.Truncated,
		OriginalLength: e.OriginalLength,
		PayloadSHA256:  digest,
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	tenant, ok := TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	var req ingestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := req.validate(""); len(errs) > 0 {
		writeError(w, http.StatusBadRequest, "validation failed", errs)
		return
	}

	jobID, err := s.ingest.Enqueue(r.Context(), req.toJob(tenant.ID, r.Header.Get("x-payload-sha256")))
	if err != nil {
		s.logger.Error("ingest enqueue failed", "tenant", tenant.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "queue unavailable", nil)
		return
	}
	eventsAccepted.Add(1)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":       true,
		"accepted": true,
		"job_id":   jobID,
	})
}

func (s *Server) handleIngestBulk(w http.ResponseWriter, r *http.Request) {
	tenant, ok := TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	var req bulkIngestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "validation failed",
			[]fieldError{{Field: "events", Message: "must contain at least 1 event"}})
		return
	}
	if len(req.Events) > maxBulkEvents {
		writeError(w, http.StatusBadRequest, "validation failed",
			[]fieldError{{Field: "events", Message: fmt.Sprintf("must contain at most %d events", maxBulkEvents)}})
		return
	}

	// All-or-nothing: any invalid entry rejects the whole batch.
	var errs []fieldError
	for i, ev := range req.Events {
		errs = append(errs, ev.validate(fmt.Sprintf("events[%d].", i))...)
	}
	if len(errs) > 0 {
		writeError(w, http.StatusBadRequest, "validation failed", errs)
		return
	}

	digest := r.Header.Get("x-payload-sha256")
	jobIDs := make([]string, 0, len(req.Events))
	for i, ev := range req.Events {
		// The digest covers the whole batch; suffix it so dedupe treats
		// each entry distinctly while still suppressing replayed batches.
		evDigest := digest
		if digest != "" {
			evDigest = fmt.Sprintf("%s#%d", digest, i)
		}
		jobID, err := s.ingest.Enqueue(r.Context(), ev.toJob(tenant.ID, evDigest))
		if err != nil {
			s.logger.Error("bulk enqueue failed", "tenant", tenant.ID,
				"enqueued", len(jobIDs), "total", len(req.Events), "error", err)
			writeError(w, http.StatusInternalServerError, "queue unavailable", nil)
			return
		}
		jobIDs = append(jobIDs, jobID)
	}
	eventsAccepted.Add(float64(len(jobIDs)))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":       true,
		"accepted": len(jobIDs),
		"job_ids":  jobIDs,
	})
}

// decodeBody reads a capped JSON body into v, writing the error response
// itself when decoding fails.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body", nil)
		return false
	}
	return true
}
