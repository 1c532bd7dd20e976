// Package queue implements the priority job queue: at-least-once delivery,
// priority-then-FIFO ordering, bounded retries with exponential backoff,
// and per-job detail records with short retention after a terminal status.
//
// The backing store is the sole synchronization point. Dequeue pops the
// priority index with a single atomic command, so two consumers never
// receive the same job; every other record update is last-writer-wins on
// a per-job key, which is safe because exactly one consumer holds a job
// between dequeue and completion.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"backplane/internal/keys"
	"backplane/internal/retry"
	"backplane/internal/state"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidPayload   = errors.New("payload is not valid JSON")
	ErrInvalidQueueName = errors.New("queue name is empty")
)

// MaxPriority bounds the priority range; values are clamped into
// [0, MaxPriority].
const MaxPriority = 100

// priorityBand separates priority tiers in the index score. It exceeds
// any plausible unix-millisecond timestamp, so priority always dominates
// and creation time breaks ties FIFO within a tier.
const priorityBand = 1e13

func indexScore(priority int, ts time.Time) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return float64(MaxPriority-priority)*priorityBand + float64(ts.UnixMilli())
}

// DeadLetter receives jobs that exhausted their retries. Implementations
// must be safe for concurrent use.
type DeadLetter interface {
	Publish(ctx context.Context, job *Job) error
}

// Archive receives jobs that reached a terminal status.
type Archive interface {
	Record(ctx context.Context, job *Job) error
}

type Options struct {
	RetentionTTL       time.Duration
	TerminalTTL        time.Duration
	DefaultPriority    int
	DefaultMaxAttempts int
	Retry              retry.Config

	// Optional sinks; nil disables them. Both are best-effort: a sink
	// failure is logged and never fails the queue operation.
	DeadLetter DeadLetter
	Archive    Archive
}

type Manager struct {
	rdb  *redis.Client
	keys keys.Layout
	log  *zap.Logger

	retention       time.Duration
	terminalTTL     time.Duration
	defaultPriority int
	defaultAttempts int
	retryCfg        retry.Config
	deadLetter      DeadLetter
	archive         Archive

	now func() time.Time
	rng *rand.Rand
}

func New(rdb *redis.Client, layout keys.Layout, opts Options, log *zap.Logger) (*Manager, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RetentionTTL <= 0 {
		opts.RetentionTTL = 24 * time.Hour
	}
	if opts.TerminalTTL <= 0 {
		opts.TerminalTTL = time.Hour
	}
	if opts.DefaultPriority <= 0 {
		opts.DefaultPriority = 5
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = 3
	}
	if opts.Retry == (retry.Config{}) {
		opts.Retry = retry.DefaultConfig()
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry config: %w", err)
	}
	return &Manager{
		rdb:             rdb,
		keys:            layout,
		log:             log,
		retention:       opts.RetentionTTL,
		terminalTTL:     opts.TerminalTTL,
		defaultPriority: opts.DefaultPriority,
		defaultAttempts: opts.DefaultMaxAttempts,
		retryCfg:        opts.Retry,
		deadLetter:      opts.DeadLetter,
		archive:         opts.Archive,
		now:             time.Now,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Enqueue writes the detail record and inserts the job into the queue's
// priority index. It is the one operation whose store errors propagate:
// silently losing a submitted job is unacceptable.
func (m *Manager) Enqueue(ctx context.Context, queueName string, payload json.RawMessage, opts *EnqueueOptions) (string, error) {
	if queueName == "" {
		return "", ErrInvalidQueueName
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return "", ErrInvalidPayload
	}

	priority := m.defaultPriority
	maxAttempts := m.defaultAttempts
	if opts != nil {
		if opts.Priority != nil {
			priority = *opts.Priority
		}
		if opts.MaxAttempts != nil && *opts.MaxAttempts > 0 {
			maxAttempts = *opts.MaxAttempts
		}
	}

	now := m.now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		QueueName:   queueName,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Status:      state.Pending,
		CreatedAt:   now,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, m.keys.Job(job.ID), data, m.retention)
	pipe.ZAdd(ctx, m.keys.Queue(queueName), redis.Z{Score: indexScore(priority, now), Member: job.ID})
	pipe.HIncrBy(ctx, m.keys.QueueStats(queueName), string(state.Pending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return job.ID, nil
}

// Dequeue blocks up to timeout for the queue to become non-empty, then
// atomically pops the highest-priority, oldest job, marks it processing
// and bumps its attempt count. Nil means no job became available in time;
// that is a normal outcome, not an error. A non-positive timeout polls
// without blocking.
func (m *Manager) Dequeue(ctx context.Context, queueName string, timeout time.Duration) *Job {
	jobID, ok := m.popMin(ctx, queueName, timeout)
	if !ok {
		return nil
	}

	job, ok := m.loadJob(ctx, jobID)
	if !ok {
		// Index and record can drift if a record expires before being
		// read; tolerate and move on.
		m.log.Warn("popped job id has no detail record",
			zap.String("queue", queueName), zap.String("job_id", jobID))
		return nil
	}

	now := m.now().UTC()
	prev := job.Status
	job.Status = state.Processing
	job.StartedAt = &now
	job.Attempts++

	pipe := m.rdb.TxPipeline()
	m.persistJob(ctx, pipe, job, m.retention)
	pipe.HIncrBy(ctx, m.keys.QueueStats(queueName), string(prev), -1)
	pipe.HIncrBy(ctx, m.keys.QueueStats(queueName), string(state.Processing), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		// The pop already happened; hand the job out anyway so the work
		// is not lost. The stale record is corrected on completion.
		m.log.Warn("persist processing state failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	return job
}

func (m *Manager) popMin(ctx context.Context, queueName string, timeout time.Duration) (string, bool) {
	key := m.keys.Queue(queueName)
	var member interface{}
	if timeout > 0 {
		res, err := m.rdb.BZPopMin(ctx, timeout, key).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				m.log.Warn("dequeue pop failed", zap.String("queue", queueName), zap.Error(err))
			}
			return "", false
		}
		member = res.Z.Member
	} else {
		res, err := m.rdb.ZPopMin(ctx, key, 1).Result()
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn("dequeue pop failed", zap.String("queue", queueName), zap.Error(err))
			}
			return "", false
		}
		if len(res) == 0 {
			return "", false
		}
		member = res[0].Member
	}
	id, ok := member.(string)
	return id, ok
}

// CompleteJob marks a processing job completed, stores its result and
// shortens the record's retention so it is kept briefly for status
// polling and then evicted. False means the job is unknown or not in a
// completable state (e.g. already completed by a duplicate delivery).
func (m *Manager) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) bool {
	job, ok := m.loadJob(ctx, jobID)
	if !ok {
		return false
	}
	if !state.CanTransition(job.Status, state.Completed) {
		m.log.Debug("complete ignored in current status",
			zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return false
	}

	now := m.now().UTC()
	job.Status = state.Completed
	job.CompletedAt = &now
	job.Result = result

	pipe := m.rdb.TxPipeline()
	m.persistJob(ctx, pipe, job, m.terminalTTL)
	pipe.HIncrBy(ctx, m.keys.QueueStats(job.QueueName), string(state.Processing), -1)
	pipe.HIncrBy(ctx, m.keys.QueueStats(job.QueueName), string(state.Completed), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Warn("persist completed state failed", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	m.archiveJob(ctx, job)
	return true
}

// FailJob records a failure for a processing job. With allowRetry and
// attempts remaining it schedules the job into the persistent retry index
// after an exponential backoff delay; otherwise the job fails permanently.
// The return value reports whether the job will be retried. The caller is
// never blocked on the retry delay; the reaper re-enqueues due jobs.
func (m *Manager) FailJob(ctx context.Context, jobID string, errInfo string, allowRetry bool) bool {
	job, ok := m.loadJob(ctx, jobID)
	if !ok {
		return false
	}
	if !state.CanTransition(job.Status, state.Failed) {
		m.log.Debug("fail ignored in current status",
			zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return false
	}
	job.LastError = errInfo
	now := m.now().UTC()

	if allowRetry && job.Attempts < job.MaxAttempts {
		delay, err := retry.Delay(m.retryCfg, job.Attempts, m.rng)
		if err != nil {
			// Config is validated at construction; fall back rather
			// than dropping the retry.
			m.log.Error("backoff computation failed", zap.Error(err))
			delay = m.retryCfg.Base
		}
		retryAt := now.Add(delay)
		job.Status = state.Retrying
		job.RetryAt = &retryAt

		pipe := m.rdb.TxPipeline()
		m.persistJob(ctx, pipe, job, m.retention)
		pipe.ZAdd(ctx, m.keys.Retry(), redis.Z{Score: retry.DueScore(now, delay), Member: job.ID})
		pipe.HIncrBy(ctx, m.keys.QueueStats(job.QueueName), string(state.Processing), -1)
		pipe.HIncrBy(ctx, m.keys.QueueStats(job.QueueName), string(state.Retrying), 1)
		if _, err := pipe.Exec(ctx); err != nil {
			m.log.Warn("persist retrying state failed", zap.String("job_id", jobID), zap.Error(err))
			return false
		}
		return true
	}

	job.Status = state.Failed
	job.FailedAt = &now

	pipe := m.rdb.TxPipeline()
	m.persistJob(ctx, pipe, job, m.terminalTTL)
	pipe.HIncrBy(ctx, m.keys.QueueStats(job.QueueName), string(state.Processing), -1)
	pipe.HIncrBy(ctx, m.keys.QueueStats(job.QueueName), string(state.Failed), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Warn("persist failed state failed", zap.String("job_id", jobID), zap.Error(err))
	}
	m.deadLetterJob(ctx, job)
	m.archiveJob(ctx, job)
	return false
}

// GetJobStatus returns the detail record regardless of queue membership,
// or nil if the record is unknown, expired or unreadable.
func (m *Manager) GetJobStatus(ctx context.Context, jobID string) *Job {
	job, ok := m.loadJob(ctx, jobID)
	if !ok {
		return nil
	}
	return job
}

// GetQueueLength returns the size of the queue's priority index.
func (m *Manager) GetQueueLength(ctx context.Context, queueName string) int64 {
	n, err := m.rdb.ZCard(ctx, m.keys.Queue(queueName)).Result()
	if err != nil {
		m.log.Warn("queue length failed", zap.String("queue", queueName), zap.Error(err))
		return 0
	}
	return n
}

// GetQueueStats reads the incrementally maintained per-status counters;
// no key-space scan is involved.
func (m *Manager) GetQueueStats(ctx context.Context, queueName string) *QueueStats {
	pipe := m.rdb.TxPipeline()
	lenCmd := pipe.ZCard(ctx, m.keys.Queue(queueName))
	countsCmd := pipe.HGetAll(ctx, m.keys.QueueStats(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Warn("queue stats failed", zap.String("queue", queueName), zap.Error(err))
		return nil
	}

	stats := &QueueStats{
		QueueLength:  lenCmd.Val(),
		StatusCounts: make(map[state.Status]int64, len(state.AllStatuses())),
	}
	for _, s := range state.AllStatuses() {
		stats.StatusCounts[s] = 0
	}
	for field, raw := range countsCmd.Val() {
		var n int64
		if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
			m.log.Warn("malformed stats counter",
				zap.String("queue", queueName), zap.String("field", field))
			continue
		}
		if n < 0 {
			n = 0
		}
		stats.StatusCounts[state.Status(field)] = n
		stats.TotalJobs += n
	}
	return stats
}

// ClearQueue drops the priority index only. Detail records and in-flight
// processing jobs are untouched, so already-dequeued jobs still complete;
// clearing affects future dequeues only.
func (m *Manager) ClearQueue(ctx context.Context, queueName string) bool {
	if err := m.rdb.Del(ctx, m.keys.Queue(queueName)).Err(); err != nil {
		m.log.Warn("clear queue failed", zap.String("queue", queueName), zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) loadJob(ctx context.Context, jobID string) (*Job, bool) {
	raw, err := m.rdb.Get(ctx, m.keys.Job(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		m.log.Warn("load job failed", zap.String("job_id", jobID), zap.Error(err))
		return nil, false
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		m.log.Warn("dropping malformed job record", zap.String("job_id", jobID), zap.Error(err))
		return nil, false
	}
	return &job, true
}

func (m *Manager) persistJob(ctx context.Context, pipe redis.Pipeliner, job *Job, ttl time.Duration) {
	data, err := json.Marshal(job)
	if err != nil {
		m.log.Error("marshal job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	pipe.Set(ctx, m.keys.Job(job.ID), data, ttl)
}

func (m *Manager) deadLetterJob(ctx context.Context, job *Job) {
	if m.deadLetter == nil {
		return
	}
	if err := m.deadLetter.Publish(ctx, job); err != nil {
		m.log.Warn("dead letter publish failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (m *Manager) archiveJob(ctx context.Context, job *Job) {
	if m.archive == nil {
		return
	}
	if err := m.archive.Record(ctx, job); err != nil {
		m.log.Warn("archive write failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
