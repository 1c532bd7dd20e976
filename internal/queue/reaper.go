package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"backplane/internal/state"
)

// The retry index is persistent state: a consumer that dies after marking
// a job retrying strands nothing, because any reaper process re-derives
// due jobs from the index on its next sweep.

// MoveDue moves jobs whose retry delay has elapsed back into their
// queue's priority index and flips them retrying -> pending. The index
// score is computed from the sweep-time clock, so a retried job re-enters
// FIFO ordering among its priority tier at the moment it becomes
// eligible, not at its original creation time.
func (m *Manager) MoveDue(ctx context.Context, batch int64) (int, error) {
	now := m.now().UTC()
	ids, err := m.rdb.ZRangeByScore(ctx, m.keys.Retry(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: batch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	moved := 0
	pipe := m.rdb.TxPipeline()
	for _, id := range ids {
		job, ok := m.loadJob(ctx, id)
		if !ok {
			// Record expired while waiting; drop the orphaned index entry.
			m.log.Warn("due retry has no detail record", zap.String("job_id", id))
			pipe.ZRem(ctx, m.keys.Retry(), id)
			continue
		}
		if !state.CanTransition(job.Status, state.Pending) {
			// Already moved by a concurrent reaper, or mutated out from
			// under us; just clean up the index entry.
			pipe.ZRem(ctx, m.keys.Retry(), id)
			continue
		}
		job.Status = state.Pending
		m.persistJob(ctx, pipe, job, m.retention)
		pipe.ZAdd(ctx, m.keys.Queue(job.QueueName), redis.Z{
			Score: indexScore(job.Priority, now), Member: job.ID,
		})
		pipe.ZRem(ctx, m.keys.Retry(), id)
		pipe.HIncrBy(ctx, m.keys.QueueStats(job.QueueName), string(state.Retrying), -1)
		pipe.HIncrBy(ctx, m.keys.QueueStats(job.QueueName), string(state.Pending), 1)
		moved++
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return moved, nil
}

// RunReaper sweeps the retry index every interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration, batch int64) error {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			moved, err := m.MoveDue(ctx, batch)
			if err != nil {
				m.log.Warn("retry sweep failed", zap.Error(err))
				continue
			}
			if moved > 0 {
				m.log.Info("requeued due retries", zap.Int("count", moved))
			}
		}
	}
}
