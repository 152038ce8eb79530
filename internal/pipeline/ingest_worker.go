package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"centinela/internal/logging"
	"centinela/internal/model"
	"centinela/internal/queue"
)

// IngestStore is the store subset the ingest worker uses.
type IngestStore interface {
	InsertRawEvent(ctx context.Context, ev model.RawEvent) (model.RawEvent, error)
}

// IngestWorker persists accepted syslog events from the ingest queue. Errors
// flow back to the queue's retry machinery.
type IngestWorker struct {
	store  IngestStore
	dedupe *queue.Deduper
	logger *slog.Logger
	now    func() time.Time
}

// NewIngestWorker builds the worker. dedupe may be nil to disable replay
// suppression.
func NewIngestWorker(st IngestStore, dedupe *queue.Deduper, logger *slog.Logger) *IngestWorker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &IngestWorker{store: st, dedupe: dedupe, logger: logger, now: time.Now}
}

// Handle processes one ingest job.
func (w *IngestWorker) Handle(ctx context.Context, job queue.Job) error {
	var payload queue.IngestJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// A malformed payload will never succeed; swallow it so the retry
		// machinery does not spin on it.
		w.logger.Error("dropping undecodable ingest job", "job", job.ID, "error", err)
		return nil
	}
	if payload.TenantID == "" || payload.RawMessage == "" {
		w.logger.Error("dropping incomplete ingest job", "job", job.ID)
		return nil
	}

	if w.dedupe != nil && payload.PayloadSHA256 != "" {
		seen, err := w.dedupe.Seen(ctx, payload.PayloadSHA256)
		if err != nil {
			// Dedupe is best-effort; a broken check never blocks ingest.
			w.logger.Warn("dedupe check failed", "job", job.ID, "error", err)
		} else if seen {
			w.logger.Debug("suppressed replayed payload",
				"job", job.ID, "digest", payload.PayloadSHA256)
			return nil
		}
	}

	receivedAt := w.now().UTC()
	if payload.ReceivedAt != nil {
		receivedAt = payload.ReceivedAt.UTC()
	}
	// Collectors report the listener the line arrived on; direct HTTP
	// submitters leave it empty.
	transport := payload.Transport
	if transport == "" {
		transport = "http"
	}
	if payload.Truncated {
		w.logger.Warn("ingesting truncated event",
			"job", job.ID, "tenant", payload.TenantID,
			"original_length", payload.OriginalLength)
	}
	_, err := w.store.InsertRawEvent(ctx, model.RawEvent{
		TenantID:      payload.TenantID,
		SiteID:        payload.SiteID,
		SourceID:      payload.SourceID,
		ReceivedAt:    receivedAt,
		SourceIP:      payload.SourceIP,
		Transport:     transport,
		RawMessage:    payload.RawMessage,
		CollectorName: payload.CollectorName,
	})
	if err != nil {
		return fmt.Errorf("persist raw event: %w", err)
	}
	return nil
}
