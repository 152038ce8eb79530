package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"centinela/internal/logging"
	"centinela/internal/model"
	"centinela/internal/queue"
)

// Enqueuer is the queue surface the pipeline stages push jobs onto.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any) (string, error)
}

// AIDispatchStore is the store subset AI dispatch uses.
type AIDispatchStore interface {
	DetectionsNeedingAnalysis(ctx context.Context) ([]model.Detection, error)
}

// AIDispatcher queues high and critical open detections that have no prior
// analysis for the AI worker pool.
type AIDispatcher struct {
	store  AIDispatchStore
	queue  Enqueuer
	logger *slog.Logger
}

// NewAIDispatcher builds the dispatcher over the AI queue.
func NewAIDispatcher(st AIDispatchStore, q Enqueuer, logger *slog.Logger) *AIDispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AIDispatcher{store: st, queue: q, logger: logger}
}

// EnqueueAnalyses pushes one AI job per detection needing analysis and
// returns how many were queued.
func (d *AIDispatcher) EnqueueAnalyses(ctx context.Context) (int, error) {
	detections, err := d.store.DetectionsNeedingAnalysis(ctx)
	if err != nil {
		return 0, fmt.Errorf("load detections needing analysis: %w", err)
	}
	queued := 0
	for _, det := range detections {
		_, err := d.queue.Enqueue(ctx, queue.AIJob{
			DetectionID: det.ID,
			TenantID:    det.TenantID,
		})
		if err != nil {
			return queued, fmt.Errorf("enqueue ai job for %s: %w", det.ID, err)
		}
		queued++
	}
	if queued > 0 {
		d.logger.Info("queued detections for analysis", "count", queued)
	}
	return queued, nil
}
