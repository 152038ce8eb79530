package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"centinela/internal/logging"
	"centinela/internal/queue"
)

// normalizeBatchSize bounds how many raw events one tick normalizes.
const normalizeBatchSize = 500

// MaintenanceStore is the store subset the daily cleanup uses.
type MaintenanceStore interface {
	CacheCleanup(ctx context.Context) (int64, error)
	DeleteRawEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler drives the pipeline stages in order on a fixed interval, and a
// daily maintenance job. The Redis lease keeps ticks single-instance when
// several backends run; a stage failure aborts the tick and the next tick
// starts clean.
type Scheduler struct {
	normalizer *Normalizer
	rules      *RulesEngine
	ai         *AIDispatcher
	batcher    *Batcher
	dispatcher *Dispatcher
	maint      MaintenanceStore

	lease        *queue.Lease
	interval     time.Duration
	rawRetention time.Duration
	logger       *slog.Logger
}

// NewScheduler wires the stages together. lease may be nil for
// single-instance deployments.
func NewScheduler(
	normalizer *Normalizer,
	rules *RulesEngine,
	ai *AIDispatcher,
	batcher *Batcher,
	dispatcher *Dispatcher,
	maint MaintenanceStore,
	lease *queue.Lease,
	interval time.Duration,
	rawRetention time.Duration,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		normalizer:   normalizer,
		rules:        rules,
		ai:           ai,
		batcher:      batcher,
		dispatcher:   dispatcher,
		maint:        maint,
		lease:        lease,
		interval:     interval,
		rawRetention: rawRetention,
		logger:       logger,
	}
}

// Run schedules the recurring jobs and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("pipeline tick failed", "error", err)
			}
		}),
		gocron.WithName("pipeline-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule pipeline tick: %w", err)
	}

	if s.maint != nil {
		_, err = sched.NewJob(
			gocron.DurationJob(24*time.Hour),
			gocron.NewTask(func() {
				if err := s.Maintain(ctx); err != nil {
					s.logger.Error("maintenance failed", "error", err)
				}
			}),
			gocron.WithName("maintenance"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("schedule maintenance: %w", err)
		}
	}

	sched.Start()
	s.logger.Info("pipeline scheduler started", "interval", s.interval)
	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	return nil
}

// Tick runs one full pipeline pass: normalize, detect, queue AI work,
// batch, send. The first stage error aborts the tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire pipeline lease: %w", err)
		}
		if !ok {
			s.logger.Debug("pipeline tick skipped, lease held elsewhere")
			return nil
		}
		defer func() {
			if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release pipeline lease failed", "error", err)
			}
		}()
	}

	start := time.Now()

	normalized, err := s.normalizer.NormalizeBatch(ctx, normalizeBatchSize)
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}
	created, updated, err := s.rules.Detect(ctx)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	queued, err := s.ai.EnqueueAnalyses(ctx)
	if err != nil {
		return fmt.Errorf("enqueue ai: %w", err)
	}
	digests, err := s.batcher.Batch(ctx)
	if err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	sent, err := s.dispatcher.Send(ctx)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	if normalized+created+updated+queued+digests+sent > 0 {
		s.logger.Info("pipeline tick complete",
			"normalized", normalized,
			"detections_created", created,
			"detections_updated", updated,
			"ai_queued", queued,
			"digests", digests,
			"emails_sent", sent,
			"elapsed", time.Since(start))
	}
	return nil
}

// Maintain expires AI cache rows and enforces raw event retention.
func (s *Scheduler) Maintain(ctx context.Context) error {
	expired, err := s.maint.CacheCleanup(ctx)
	if err != nil {
		return fmt.Errorf("cache cleanup: %w", err)
	}
	cutoff := time.Now().Add(-s.rawRetention)
	purged, err := s.maint.DeleteRawEventsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("raw retention: %w", err)
	}
	s.logger.Info("maintenance complete", "cache_expired", expired, "raw_purged", purged)
	return nil
}
