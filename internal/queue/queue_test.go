package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test", nil), mr
}

func TestEnqueueDequeueRoundtrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	type payload struct {
		TenantID string `json:"tenant_id"`
		Message  string `json:"message"`
	}
	id, err := q.Enqueue(ctx, payload{TenantID: "t1", Message: "hello"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected a job id")
	}

	job, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job.ID != id {
		t.Errorf("job id = %q, want %q", job.ID, id)
	}
	if job.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", job.Attempts)
	}
	var got payload
	if err := json.Unmarshal(job.Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.TenantID != "t1" || got.Message != "hello" {
		t.Errorf("payload = %+v", got)
	}
}

func TestDequeueEmptyPoll(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	if !IsEmptyPoll(err) {
		t.Fatalf("err = %v, want empty-poll sentinel", err)
	}
}

func TestRetryParksJobUntilReady(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	base := time.Now()
	q.now = func() time.Time { return base }

	id, _ := q.Enqueue(ctx, map[string]string{"k": "v"})
	job, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	retried, err := q.Retry(ctx, job, context.DeadlineExceeded)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if !retried {
		t.Fatal("first failure must schedule a retry")
	}

	ready, delayed, failed, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if ready != 0 || delayed != 1 || failed != 0 {
		t.Fatalf("ready=%d delayed=%d failed=%d, want 0/1/0", ready, delayed, failed)
	}

	// Not ready yet: first retry waits one second.
	if n, _ := q.Promote(ctx); n != 0 {
		t.Fatalf("promoted %d jobs before their ready time", n)
	}

	q.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
	n, err := q.Promote(ctx)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted %d, want 1", n)
	}

	job, err = q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue after promote: %v", err)
	}
	if job.ID != id || job.Attempts != 1 {
		t.Errorf("job = %+v, want id %q attempts 1", job, id)
	}
	if job.LastError == "" {
		t.Error("retried job should carry the failure cause")
	}
}

func TestRetryExhaustionMovesToFailed(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, map[string]string{"k": "v"})
	job, _ := q.Dequeue(ctx, time.Second)
	job.Attempts = DefaultMaxAttempts - 1 // budget spent after this failure

	retried, err := q.Retry(ctx, job, context.DeadlineExceeded)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried {
		t.Fatal("job out of attempts must not be retried")
	}

	ready, delayed, failed, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if ready != 0 || delayed != 0 || failed != 1 {
		t.Fatalf("ready=%d delayed=%d failed=%d, want 0/0/1", ready, delayed, failed)
	}
}

func TestWorkerProcessesAllJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]bool)
	done := make(chan struct{})
	handler := func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen[job.ID] = true
		if len(seen) == 3 {
			close(done)
		}
		return nil
	}

	ids := make([]string, 3)
	for i := range ids {
		id, err := q.Enqueue(ctx, map[string]int{"n": i})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids[i] = id
	}

	w := NewWorker(q, 2, handler, nil)
	w.pollTimeout = 50 * time.Millisecond
	w.promoteInterval = 50 * time.Millisecond

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not process all jobs")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, id := range ids {
		if !seen[id] {
			t.Errorf("job %s never processed", id)
		}
	}
}

func TestWorkerFailureGoesThroughRetryPath(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, map[string]string{"k": "v"})
	job, _ := q.Dequeue(ctx, time.Second)

	w := NewWorker(q, 1, func(ctx context.Context, job Job) error {
		return context.DeadlineExceeded
	}, nil)
	w.process(ctx, job)

	_, delayed, _, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if delayed != 1 {
		t.Fatalf("delayed = %d, want 1", delayed)
	}
}

func TestLeaseMutualExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	a := NewLease(rdb, "pipeline", time.Minute)
	b := NewLease(rdb, "pipeline", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("two holders acquired the same lease")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}

	// Releasing a lease you no longer hold must not steal it.
	if err := a.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists("centinela:lease:pipeline") {
		t.Fatal("stale release deleted another holder's lease")
	}
}

func TestDeduperSuppressesReplays(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	d := NewDeduper(rdb, time.Minute)

	seen, err := d.Seen(ctx, "abc123")
	if err != nil || seen {
		t.Fatalf("first sighting: seen=%v err=%v", seen, err)
	}
	seen, err = d.Seen(ctx, "abc123")
	if err != nil || !seen {
		t.Fatalf("replay: seen=%v err=%v", seen, err)
	}

	// Expiry reopens the window.
	mr.FastForward(2 * time.Minute)
	seen, err = d.Seen(ctx, "abc123")
	if err != nil || seen {
		t.Fatalf("after expiry: seen=%v err=%v", seen, err)
	}

	// Collectors may omit the digest header; never suppress those.
	seen, err = d.Seen(ctx, "")
	if err != nil || seen {
		t.Fatalf("empty digest: seen=%v err=%v", seen, err)
	}
}
