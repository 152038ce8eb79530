package collector

import (
	"math/rand/v2"
	"sync"
	"time"
)

// retryEntry is an event waiting for its next delivery attempt.
type retryEntry struct {
	Event    Event
	Attempts int
	NextTry  time.Time
}

// RetryQueue schedules failed events for redelivery with exponential backoff
// and ±20% jitter. Events that exhaust their retry budget move to the
// in-memory dead letter queue, where they stay until the process exits.
type RetryQueue struct {
	mu      sync.Mutex
	entries []retryEntry
	dlq     []Event

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	now        func() time.Time
}

// NewRetryQueue creates a queue with the given retry budget and delay bounds.
func NewRetryQueue(maxRetries int, baseDelay, maxDelay time.Duration) *RetryQueue {
	return &RetryQueue{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		now:        time.Now,
	}
}

// Enqueue schedules an event for retry. attempts is the number of delivery
// attempts already made (>= 1). Returns false when the budget is exhausted
// and the event was dead-lettered instead.
func (q *RetryQueue) Enqueue(ev Event, attempts int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if attempts > q.maxRetries {
		q.dlq = append(q.dlq, ev)
		return false
	}

	q.entries = append(q.entries, retryEntry{
		Event:    ev,
		Attempts: attempts,
		NextTry:  q.now().Add(q.backoff(attempts)),
	})
	return true
}

// backoff computes min(base * 2^(attempts-1), max) ±20% jitter.
func (q *RetryQueue) backoff(attempts int) time.Duration {
	d := q.baseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.maxDelay {
			d = q.maxDelay
			break
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// GetReady atomically extracts and returns every entry whose retry time has
// arrived. Extracted entries are no longer in the queue; the caller owns
// their fate (redelivery, re-enqueue, or dead letter).
func (q *RetryQueue) GetReady() []retryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var ready []retryEntry
	var waiting []retryEntry
	for _, e := range q.entries {
		if !e.NextTry.After(now) {
			ready = append(ready, e)
		} else {
			waiting = append(waiting, e)
		}
	}
	q.entries = waiting
	return ready
}

// DrainAll atomically extracts every entry regardless of readiness. Used by
// the shutdown path for the final delivery pass.
func (q *RetryQueue) DrainAll() []retryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}

// DeadLetter moves an event straight to the DLQ.
func (q *RetryQueue) DeadLetter(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq = append(q.dlq, ev)
}

// Len returns the number of events awaiting retry.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DLQLen returns the dead letter queue size.
func (q *RetryQueue) DLQLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dlq)
}

// DLQ returns a copy of the dead letter queue, for shutdown logging and
// inspection.
func (q *RetryQueue) DLQ() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Event, len(q.dlq))
	copy(out, q.dlq)
	return out
}
