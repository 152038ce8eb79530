package collector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"centinela/internal/logging"
	"centinela/internal/notify"
)

// Collector ties the listeners, buffer, flush loop, retry loop, and health
// server together. One loop per concern; all share the buffer, retry queue,
// and metrics registry.
type Collector struct {
	cfg       Config
	buffer    *Buffer
	retry     *RetryQueue
	metrics   *Metrics
	transport *Transport
	logger    *slog.Logger

	// shutdown is raised on SIGINT/SIGTERM. Listeners check it to refuse new
	// work while the final flush drains the buffer.
	shutdown *notify.Flag

	// retryBusy guards against overlapping retry passes when a pass outlasts
	// the check interval.
	retryBusy sync.Mutex
}

// New assembles a collector from configuration. The logger is optional.
func New(cfg Config, logger *slog.Logger) *Collector {
	return &Collector{
		cfg:       cfg,
		buffer:    NewBuffer(cfg.MaxBufferSize),
		retry:     NewRetryQueue(cfg.MaxRetries, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		metrics:   NewMetrics(),
		transport: NewTransport(cfg),
		logger:    logging.Default(logger).With("component", "collector"),
		shutdown:  notify.NewFlag(),
	}
}

// Run starts all loops and blocks until ctx is cancelled, then drains:
// the buffer is flushed fully, one final retry pass runs, and the DLQ size
// is logged. Run returns once draining is complete.
func (c *Collector) Run(ctx context.Context) error {
	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()

	g, gctx := errgroup.WithContext(loopCtx)

	if c.cfg.UDPEnabled {
		g.Go(func() error { return c.runUDP(gctx) })
	}
	if c.cfg.TCPEnabled {
		g.Go(func() error { return c.runTCP(gctx) })
	}
	g.Go(func() error { return c.runFlushLoop(gctx) })
	g.Go(func() error { return c.runRetryLoop(gctx) })

	health := c.newHealthServer()
	g.Go(func() error { return health.run(gctx) })

	c.logger.Info("collector started",
		"udp", c.cfg.UDPEnabled, "tcp", c.cfg.TCPEnabled,
		"batch_size", c.cfg.BatchSize, "flush_interval", c.cfg.FlushInterval)

	select {
	case <-ctx.Done():
		c.shutdown.Raise()
		c.logger.Info("shutdown signal received, draining")
	case <-gctx.Done():
		// A loop failed; drain what we have before exiting.
		c.shutdown.Raise()
	}

	cancelLoops()
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	c.drain()

	c.logger.Info("collector stopped",
		"dlq_size", c.retry.DLQLen(),
		"sent", c.metrics.sent.Load(),
		"failed", c.metrics.failed.Load(),
		"dropped", c.metrics.dropped.Load())
	return err
}

// accept pushes a received event into the buffer. During shutdown new events
// are refused (counted as dropped) so the drain can complete.
func (c *Collector) accept(ev Event) {
	c.metrics.Received(1)
	if c.shutdown.Set() || !c.buffer.Push(ev) {
		c.metrics.Dropped(1)
	}
}

// runFlushLoop drains the buffer every flush interval.
func (c *Collector) runFlushLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.flushOnce(ctx)
		}
	}
}

// flushOnce sends one batch: bulk first, then per-event fallback. Batch
// failures never abort the loop; failed events enter the retry queue.
func (c *Collector) flushOnce(ctx context.Context) {
	batch := c.buffer.PopBatch(c.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}

	start := time.Now()
	err := c.transport.SendBulk(ctx, batch)
	c.metrics.ObserveLatency(time.Since(start))
	if err == nil {
		c.metrics.Sent(len(batch))
		return
	}

	c.logger.Warn("bulk upload failed, falling back to single sends",
		"batch_size", len(batch), "error", err)

	for _, ev := range batch {
		c.sendSingle(ctx, ev, 1)
	}
}

// sendSingle attempts one event; on retryable failure it enters the retry
// queue with the given attempt count.
func (c *Collector) sendSingle(ctx context.Context, ev Event, attempts int) {
	err := c.transport.SendOne(ctx, ev)
	if err == nil {
		c.metrics.Sent(1)
		if attempts > 1 {
			c.metrics.RetrySuccess()
		}
		return
	}

	if errors.Is(err, ErrRejected) {
		c.metrics.Failed(1)
		c.logger.Warn("event rejected upstream", "error", err)
		return
	}

	if c.retry.Enqueue(ev, attempts) {
		c.metrics.RetryQueued(1)
	} else {
		c.metrics.RetryDLQ(1)
		c.metrics.Failed(1)
		c.logger.Warn("event exhausted retries, dead-lettered", "attempts", attempts)
	}
}

// runRetryLoop processes due retries on a fixed interval.
func (c *Collector) runRetryLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RetryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.retryPass(ctx)
		}
	}
}

// retryPass redelivers everything whose backoff has elapsed. The pass is
// reentrancy-guarded: if a previous pass is still running, this tick skips.
func (c *Collector) retryPass(ctx context.Context) {
	if !c.retryBusy.TryLock() {
		return
	}
	defer c.retryBusy.Unlock()

	for _, entry := range c.retry.GetReady() {
		c.sendSingle(ctx, entry.Event, entry.Attempts+1)
	}
}

// drain flushes the remaining buffer in batches and makes one final retry
// pass. Uses a fresh context with the shutdown deadline since the run
// context is already cancelled.
func (c *Collector) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for c.buffer.Len() > 0 {
		if ctx.Err() != nil {
			c.logger.Error("shutdown deadline hit before buffer drained",
				"remaining", c.buffer.Len())
			return
		}
		c.flushOnce(ctx)
	}

	// Final retry pass: one attempt for everything still queued, ready or
	// not. Anything that fails now is dead-lettered so pending reaches zero.
	c.retryBusy.Lock()
	defer c.retryBusy.Unlock()
	for _, entry := range c.retry.DrainAll() {
		if err := c.transport.SendOne(ctx, entry.Event); err != nil {
			c.retry.DeadLetter(entry.Event)
			c.metrics.RetryDLQ(1)
			c.metrics.Failed(1)
			continue
		}
		c.metrics.Sent(1)
		c.metrics.RetrySuccess()
	}
}
