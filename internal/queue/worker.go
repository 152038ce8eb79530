package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"centinela/internal/logging"
)

// Handler processes one job. A non-nil error sends the job back through the
// retry path; panics are not recovered.
type Handler func(ctx context.Context, job Job) error

// Worker runs a pool of goroutines consuming one queue.
type Worker struct {
	queue       *Queue
	handler     Handler
	concurrency int
	logger      *slog.Logger

	pollTimeout     time.Duration
	promoteInterval time.Duration
}

// NewWorker builds a pool of concurrency consumers for q.
func NewWorker(q *Queue, concurrency int, handler Handler, logger *slog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Worker{
		queue:           q,
		handler:         handler,
		concurrency:     concurrency,
		logger:          logger.With("queue", q.name),
		pollTimeout:     time.Second,
		promoteInterval: time.Second,
	}
}

// Run consumes jobs until ctx is cancelled. In-flight jobs finish before it
// returns; jobs still on the queue stay there for the next start.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.promoteLoop(ctx) })
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.consumeLoop(ctx) })
	}

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker %s: %w", w.queue.name, err)
	}
	return nil
}

func (w *Worker) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.queue.Promote(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("promote failed", "error", err)
			}
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if err != nil {
			if IsEmptyPoll(err) || ctx.Err() != nil {
				continue
			}
			w.logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.pollTimeout):
			}
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	if err := w.handler(ctx, job); err != nil {
		w.logger.Warn("job failed", "job", job.ID, "attempt", job.Attempts+1, "error", err)
		// Retry bookkeeping must survive shutdown, so it does not use the
		// (possibly cancelled) run context.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, rerr := w.queue.Retry(rctx, job, err); rerr != nil {
			w.logger.Error("retry scheduling failed", "job", job.ID, "error", rerr)
		}
	}
}
