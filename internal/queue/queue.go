// Package queue implements Redis-backed job queues with delayed retry and a
// dead-letter list. Jobs are JSON envelopes on a list; retries park in a
// sorted set scored by their ready time and are promoted back onto the list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"centinela/internal/logging"
)

const (
	// DefaultMaxAttempts is the total attempt budget before a job is
	// moved to the failed list.
	DefaultMaxAttempts = 3

	// retryBase is the backoff unit; attempt n waits retryBase << (n-1).
	retryBase = time.Second
)

// Job is the envelope stored on the queue.
type Job struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Queue is one named job queue. Keys:
//
//	centinela:queue:<name>          ready jobs (list, LPUSH/BRPOP)
//	centinela:queue:<name>:delayed  retrying jobs (zset scored by ready time)
//	centinela:queue:<name>:failed   jobs out of attempts (list)
type Queue struct {
	rdb         *redis.Client
	name        string
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// New returns a queue named name on rdb. A nil logger discards.
func New(rdb *redis.Client, name string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Queue{
		rdb:         rdb,
		name:        name,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger.With("queue", name),
		now:         time.Now,
	}
}

func (q *Queue) key() string        { return "centinela:queue:" + q.name }
func (q *Queue) delayedKey() string { return q.key() + ":delayed" }
func (q *Queue) failedKey() string  { return q.key() + ":failed" }

// Enqueue pushes a new job carrying payload and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:         uuid.NewString(),
		Payload:    raw,
		Attempts:   0,
		EnqueuedAt: q.now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key(), data).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	return job.ID, nil
}

// Dequeue blocks up to timeout for the next ready job. Returns redis.Nil
// when the wait expires with nothing to do.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Job, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key()).Result()
	if err != nil {
		return Job{}, err
	}
	// BRPOP returns [key, value].
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

// Retry schedules job for another attempt, or moves it to the failed list
// when its attempt budget is spent. Returns true if the job was retried.
func (q *Queue) Retry(ctx context.Context, job Job, cause error) (bool, error) {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}
	if job.Attempts >= q.maxAttempts {
		if err := q.rdb.LPush(ctx, q.failedKey(), data).Err(); err != nil {
			return false, fmt.Errorf("fail job %s: %w", job.ID, err)
		}
		q.logger.Warn("job moved to failed list",
			"job", job.ID, "attempts", job.Attempts, "error", job.LastError)
		return false, nil
	}
	delay := retryBase << (job.Attempts - 1)
	ready := q.now().Add(delay)
	err = q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(ready.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return false, fmt.Errorf("delay job %s: %w", job.ID, err)
	}
	q.logger.Debug("job scheduled for retry",
		"job", job.ID, "attempt", job.Attempts, "delay", delay)
	return true, nil
}

// Promote moves jobs whose ready time has passed from the delayed set back
// onto the ready list. Returns the number promoted.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", q.now().UnixMilli())
	members, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed %s: %w", q.name, err)
	}
	promoted := 0
	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), m).Result()
		if err != nil {
			return promoted, fmt.Errorf("promote %s: %w", q.name, err)
		}
		if removed == 0 {
			continue // another instance got it first
		}
		if err := q.rdb.LPush(ctx, q.key(), m).Err(); err != nil {
			return promoted, fmt.Errorf("promote %s: %w", q.name, err)
		}
		promoted++
	}
	return promoted, nil
}

// Len reports ready, delayed, and failed counts.
func (q *Queue) Len(ctx context.Context) (ready, delayed, failed int64, err error) {
	if ready, err = q.rdb.LLen(ctx, q.key()).Result(); err != nil {
		return 0, 0, 0, err
	}
	if delayed, err = q.rdb.ZCard(ctx, q.delayedKey()).Result(); err != nil {
		return 0, 0, 0, err
	}
	if failed, err = q.rdb.LLen(ctx, q.failedKey()).Result(); err != nil {
		return 0, 0, 0, err
	}
	return ready, delayed, failed, nil
}

// IsEmptyPoll reports whether err is the nothing-to-dequeue sentinel.
func IsEmptyPoll(err error) bool {
	return errors.Is(err, redis.Nil)
}
