// Package worker runs the consume loop: dequeue, process, complete or
// fail. Retry routing and dead-lettering live in the queue manager; the
// worker only reports success or failure.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"backplane/internal/queue"
)

// Processor executes one job and returns its result.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) (json.RawMessage, error)
}

type NoopProcessor struct{}

func (p *NoopProcessor) Process(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	return nil, nil
}

// Queue is the slice of the queue manager the worker needs.
type Queue interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) *queue.Job
	CompleteJob(ctx context.Context, jobID string, result json.RawMessage) bool
	FailJob(ctx context.Context, jobID string, errInfo string, allowRetry bool) bool
}

type Worker struct {
	queue       Queue
	queueName   string
	pollTimeout time.Duration
	processor   Processor
	log         *zap.Logger
}

func New(q Queue, queueName string, pollTimeout time.Duration, processor Processor, log *zap.Logger) (*Worker, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		queue:       q,
		queueName:   queueName,
		pollTimeout: pollTimeout,
		processor:   processor,
		log:         log,
	}, nil
}

// Run loops until ctx is done. A nil dequeue (timeout with no work) just
// polls again.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job := w.queue.Dequeue(ctx, w.queueName, w.pollTimeout)
		if job == nil {
			continue
		}
		w.Handle(ctx, job)
	}
}

func (w *Worker) Handle(ctx context.Context, job *queue.Job) {
	result, err := w.processor.Process(ctx, job)
	if err == nil {
		if !w.queue.CompleteJob(ctx, job.ID, result) {
			w.log.Warn("complete not applied", zap.String("job_id", job.ID))
		}
		return
	}
	retrying := w.queue.FailJob(ctx, job.ID, err.Error(), true)
	w.log.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Bool("retrying", retrying),
		zap.Error(err))
}
