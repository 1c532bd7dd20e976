package queue

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"backplane/internal/keys"
	"backplane/internal/retry"
	"backplane/internal/state"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Every read ticks forward so same-priority jobs never tie on score.
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), DialTimeout: 500 * time.Millisecond})
	t.Cleanup(func() { rdb.Close() })

	m, err := New(rdb, keys.New("t:"), Options{
		RetentionTTL: time.Hour,
		TerminalTTL:  time.Minute,
		Retry:        retry.Config{Base: time.Second, Max: time.Minute, Jitter: 0},
	}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	clk := newFakeClock()
	m.now = clk.Now
	return m, mr, clk
}

func intptr(n int) *int { return &n }

func TestEnqueueWritesRecordAndIndex(t *testing.T) {
	m, mr, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, "inference", json.RawMessage(`{"prompt":"hi"}`), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatalf("empty job id")
	}

	job := m.GetJobStatus(ctx, id)
	if job == nil {
		t.Fatalf("detail record missing")
	}
	if job.Status != state.Pending {
		t.Fatalf("status = %q", job.Status)
	}
	if job.Priority != 5 || job.MaxAttempts != 3 {
		t.Fatalf("defaults not applied: priority=%d max_attempts=%d", job.Priority, job.MaxAttempts)
	}
	if job.Attempts != 0 {
		t.Fatalf("attempts = %d", job.Attempts)
	}
	if n := m.GetQueueLength(ctx, "inference"); n != 1 {
		t.Fatalf("queue length = %d", n)
	}
	if ttl := mr.TTL("t:queue:job:" + id); ttl != time.Hour {
		t.Fatalf("record ttl = %v", ttl)
	}
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, "", json.RawMessage(`{}`), nil); err != ErrInvalidQueueName {
		t.Fatalf("err = %v", err)
	}
	if _, err := m.Enqueue(ctx, "q", json.RawMessage(`{broken`), nil); err != ErrInvalidPayload {
		t.Fatalf("err = %v", err)
	}
	if _, err := m.Enqueue(ctx, "q", nil, nil); err != ErrInvalidPayload {
		t.Fatalf("err = %v", err)
	}
}

func TestEnqueueStoreDownPropagates(t *testing.T) {
	m, mr, _ := newTestManager(t)
	mr.Close()
	if _, err := m.Enqueue(context.Background(), "q", json.RawMessage(`{}`), nil); err == nil {
		t.Fatalf("expected error when store is down")
	}
}

func TestPriorityThenFIFOOrdering(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	var ids []string
	for _, p := range []int{3, 9, 3, 5} {
		id, err := m.Enqueue(ctx, "q", json.RawMessage(`{}`), &EnqueueOptions{Priority: intptr(p)})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	// Higher priority first, FIFO within a tier: 9, 5, then the two 3s
	// in enqueue order.
	want := []string{ids[1], ids[3], ids[0], ids[2]}
	var got []string
	for range want {
		job := m.Dequeue(ctx, "q", 0)
		if job == nil {
			t.Fatalf("unexpected empty queue")
		}
		got = append(got, job.ID)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("dequeue order = %v, want %v", got, want)
	}
}

func TestDequeueMarksProcessing(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	id, _ := m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)
	job := m.Dequeue(ctx, "q", time.Second)
	if job == nil || job.ID != id {
		t.Fatalf("dequeue returned %v", job)
	}
	if job.Status != state.Processing {
		t.Fatalf("status = %q", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d", job.Attempts)
	}
	if job.StartedAt == nil {
		t.Fatalf("started_at not stamped")
	}

	stored := m.GetJobStatus(ctx, id)
	if stored.Status != state.Processing || stored.Attempts != 1 {
		t.Fatalf("persisted record = %+v", stored)
	}
}

func TestDequeueTimeoutIsNormal(t *testing.T) {
	m, _, _ := newTestManager(t)
	start := time.Now()
	if job := m.Dequeue(context.Background(), "empty", 100*time.Millisecond); job != nil {
		t.Fatalf("expected nil on timeout, got %v", job)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("dequeue blocked past its timeout")
	}
}

func TestDequeueNonBlockingEmpty(t *testing.T) {
	m, _, _ := newTestManager(t)
	if job := m.Dequeue(context.Background(), "empty", 0); job != nil {
		t.Fatalf("expected nil, got %v", job)
	}
}

func TestConcurrentDequeueNoDuplicates(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.now = time.Now
	ctx := context.Background()

	const jobs = 5
	const consumers = 8
	enqueued := make(map[string]bool, jobs)
	for i := 0; i < jobs; i++ {
		id, err := m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		enqueued[id] = true
	}

	got := make(chan string, consumers)
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if job := m.Dequeue(ctx, "q", 200*time.Millisecond); job != nil {
				got <- job.ID
			}
		}()
	}
	wg.Wait()
	close(got)

	seen := make(map[string]bool)
	for id := range got {
		if seen[id] {
			t.Fatalf("job %s delivered twice", id)
		}
		seen[id] = true
		if !enqueued[id] {
			t.Fatalf("unknown job id %s", id)
		}
	}
	if len(seen) != jobs {
		t.Fatalf("delivered %d jobs, want %d", len(seen), jobs)
	}
}

func TestDequeueMissingRecordTolerated(t *testing.T) {
	m, mr, _ := newTestManager(t)
	ctx := context.Background()

	id, _ := m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)
	mr.Del("t:queue:job:" + id)

	if job := m.Dequeue(ctx, "q", 0); job != nil {
		t.Fatalf("expected nil for orphaned index entry, got %v", job)
	}
}

func TestCompleteJob(t *testing.T) {
	m, mr, _ := newTestManager(t)
	ctx := context.Background()

	id, _ := m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)
	m.Dequeue(ctx, "q", 0)

	if !m.CompleteJob(ctx, id, json.RawMessage(`{"ok":true}`)) {
		t.Fatalf("complete failed")
	}
	job := m.GetJobStatus(ctx, id)
	if job.Status != state.Completed {
		t.Fatalf("status = %q", job.Status)
	}
	if job.CompletedAt == nil {
		t.Fatalf("completed_at not stamped")
	}
	if string(job.Result) != `{"ok":true}` {
		t.Fatalf("result = %s", job.Result)
	}
	if ttl := mr.TTL("t:queue:job:" + id); ttl != time.Minute {
		t.Fatalf("terminal ttl = %v", ttl)
	}

	// Duplicate delivery: completing again is a no-op false, not a fault.
	if m.CompleteJob(ctx, id, nil) {
		t.Fatalf("second complete should return false")
	}
}

func TestCompleteUnknownJob(t *testing.T) {
	m, _, _ := newTestManager(t)
	if m.CompleteJob(context.Background(), "nope", nil) {
		t.Fatalf("expected false for unknown job")
	}
}

func TestCompleteRequiresProcessing(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	id, _ := m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)
	if m.CompleteJob(ctx, id, nil) {
		t.Fatalf("completing a pending job should return false")
	}
}

func TestFailJobSchedulesRetry(t *testing.T) {
	m, mr, clk := newTestManager(t)
	ctx := context.Background()

	id, _ := m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)
	m.Dequeue(ctx, "q", 0)

	if !m.FailJob(ctx, id, "boom", true) {
		t.Fatalf("expected retry to be scheduled")
	}
	job := m.GetJobStatus(ctx, id)
	if job.Status != state.Retrying {
		t.Fatalf("status = %q", job.Status)
	}
	if job.RetryAt == nil {
		t.Fatalf("retry_at not stamped")
	}
	if job.LastError != "boom" {
		t.Fatalf("last_error = %q", job.LastError)
	}
	if !mr.Exists("t:retry") {
		t.Fatalf("retry index entry missing")
	}

	// Not due yet.
	if moved, err := m.MoveDue(ctx, 100); err != nil || moved != 0 {
		t.Fatalf("moved = %d err = %v", moved, err)
	}

	clk.Advance(10 * time.Second)
	moved, err := m.MoveDue(ctx, 100)
	if err != nil || moved != 1 {
		t.Fatalf("moved = %d err = %v", moved, err)
	}
	job = m.GetJobStatus(ctx, id)
	if job.Status != state.Pending {
		t.Fatalf("status after sweep = %q", job.Status)
	}
	if n := m.GetQueueLength(ctx, "q"); n != 1 {
		t.Fatalf("queue length = %d", n)
	}
}

func TestRetryExhaustion(t *testing.T) {
	m, mr, clk := newTestManager(t)
	ctx := context.Background()

	id, _ := m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)

	for attempt := 1; attempt <= 3; attempt++ {
		job := m.Dequeue(ctx, "q", 0)
		if job == nil {
			t.Fatalf("attempt %d: queue empty", attempt)
		}
		if job.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", job.Attempts, attempt)
		}
		retried := m.FailJob(ctx, id, "boom", true)
		if attempt < 3 {
			if !retried {
				t.Fatalf("attempt %d: expected retry", attempt)
			}
			clk.Advance(5 * time.Minute)
			if _, err := m.MoveDue(ctx, 100); err != nil {
				t.Fatalf("sweep: %v", err)
			}
		} else if retried {
			t.Fatalf("attempt 3: expected permanent failure")
		}
	}

	job := m.GetJobStatus(ctx, id)
	if job.Status != state.Failed {
		t.Fatalf("status = %q", job.Status)
	}
	if job.FailedAt == nil {
		t.Fatalf("failed_at not stamped")
	}
	if n := m.GetQueueLength(ctx, "q"); n != 0 {
		t.Fatalf("failed job re-enqueued, length = %d", n)
	}
	if mr.Exists("t:retry") {
		t.Fatalf("retry index should be empty")
	}
}

func TestFailTwiceThenComplete(t *testing.T) {
	m, _, clk := newTestManager(t)
	ctx := context.Background()

	id, _ := m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)
	for i := 0; i < 2; i++ {
		if m.Dequeue(ctx, "q", 0) == nil {
			t.Fatalf("queue empty")
		}
		if !m.FailJob(ctx, id, "transient", true) {
			t.Fatalf("expected retry")
		}
		clk.Advance(5 * time.Minute)
		if _, err := m.MoveDue(ctx, 100); err != nil {
			t.Fatalf("sweep: %v", err)
		}
	}

	job := m.Dequeue(ctx, "q", 0)
	if job == nil {
		t.Fatalf("queue empty")
	}
	if !m.CompleteJob(ctx, id, json.RawMessage(`"done"`)) {
		t.Fatalf("complete failed")
	}
	final := m.GetJobStatus(ctx, id)
	if final.Status != state.Completed {
		t.Fatalf("status = %q", final.Status)
	}
	if final.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", final.Attempts)
	}
}

func TestFailWithoutRetryFlag(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	id, _ := m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)
	m.Dequeue(ctx, "q", 0)
	if m.FailJob(ctx, id, "fatal", false) {
		t.Fatalf("retry=false must fail permanently")
	}
	if got := m.GetJobStatus(ctx, id).Status; got != state.Failed {
		t.Fatalf("status = %q", got)
	}
}

func TestQueueStatsCounters(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a, _ := m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)
	b, _ := m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)
	m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)

	m.Dequeue(ctx, "q", 0)
	m.Dequeue(ctx, "q", 0)
	m.CompleteJob(ctx, a, nil)
	m.FailJob(ctx, b, "boom", false)

	stats := m.GetQueueStats(ctx, "q")
	if stats == nil {
		t.Fatalf("stats nil")
	}
	if stats.QueueLength != 1 {
		t.Fatalf("queue_length = %d", stats.QueueLength)
	}
	want := map[state.Status]int64{
		state.Pending:    1,
		state.Processing: 0,
		state.Retrying:   0,
		state.Completed:  1,
		state.Failed:     1,
	}
	if !reflect.DeepEqual(stats.StatusCounts, want) {
		t.Fatalf("status_counts = %v, want %v", stats.StatusCounts, want)
	}
	if stats.TotalJobs != 3 {
		t.Fatalf("total_jobs = %d", stats.TotalJobs)
	}
}

func TestClearQueueLeavesInflight(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	inflight, _ := m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)
	m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)
	m.Dequeue(ctx, "q", 0)

	if !m.ClearQueue(ctx, "q") {
		t.Fatalf("clear failed")
	}
	if n := m.GetQueueLength(ctx, "q"); n != 0 {
		t.Fatalf("queue length = %d", n)
	}
	// The already-dequeued job still completes normally.
	if !m.CompleteJob(ctx, inflight, nil) {
		t.Fatalf("in-flight job should complete after clear")
	}
}

type recordingSink struct {
	mu   sync.Mutex
	jobs []*Job
}

func (s *recordingSink) Publish(ctx context.Context, job *Job) error {
	return s.record(job)
}

func (s *recordingSink) Record(ctx context.Context, job *Job) error {
	return s.record(job)
}

func (s *recordingSink) record(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func TestTerminalSinks(t *testing.T) {
	m, _, _ := newTestManager(t)
	dlq := &recordingSink{}
	arch := &recordingSink{}
	m.deadLetter = dlq
	m.archive = arch
	ctx := context.Background()

	done, _ := m.Enqueue(ctx, "q", json.RawMessage(`{}`), nil)
	dead, _ := m.Enqueue(ctx, "q", json.RawMessage(`{}`), &EnqueueOptions{MaxAttempts: intptr(1)})

	m.Dequeue(ctx, "q", 0)
	m.Dequeue(ctx, "q", 0)
	m.CompleteJob(ctx, done, nil)
	m.FailJob(ctx, dead, "boom", true)

	if dlq.count() != 1 {
		t.Fatalf("dlq publishes = %d, want 1", dlq.count())
	}
	if dlq.jobs[0].ID != dead {
		t.Fatalf("dlq job = %s, want %s", dlq.jobs[0].ID, dead)
	}
	if arch.count() != 2 {
		t.Fatalf("archive records = %d, want 2", arch.count())
	}
}

func TestJobRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)

	jobs := []Job{
		{
			ID: "j1", QueueName: "q", Payload: json.RawMessage(`{"a":1}`),
			Priority: 5, MaxAttempts: 3, Status: state.Pending, CreatedAt: now,
		},
		{
			ID: "j2", QueueName: "q", Payload: json.RawMessage(`{}`),
			Priority: 9, Attempts: 2, MaxAttempts: 3, Status: state.Retrying,
			CreatedAt: now, StartedAt: &later, RetryAt: &later, LastError: "boom",
		},
		{
			ID: "j3", QueueName: "q", Payload: json.RawMessage(`{}`),
			Priority: 1, Attempts: 1, MaxAttempts: 1, Status: state.Completed,
			CreatedAt: now, StartedAt: &later, CompletedAt: &later,
			Result: json.RawMessage(`{"ok":true}`),
		},
	}
	for _, in := range jobs {
		data, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal %s: %v", in.ID, err)
		}
		var out Job
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal %s: %v", in.ID, err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("round trip mismatch for %s:\n in = %+v\nout = %+v", in.ID, in, out)
		}
	}
}

func TestIndexScorePriorityDominates(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(365 * 24 * time.Hour)

	if indexScore(9, late) >= indexScore(5, early) {
		t.Fatalf("higher priority must outrank any timestamp")
	}
	if indexScore(5, early) >= indexScore(5, late) {
		t.Fatalf("equal priority must order FIFO")
	}
	if indexScore(-10, early) != indexScore(0, early) {
		t.Fatalf("priority should clamp at 0")
	}
	if indexScore(1000, early) != indexScore(MaxPriority, early) {
		t.Fatalf("priority should clamp at MaxPriority")
	}
}
