package api

import (
	"context"
	"encoding/json"

	"backplane/internal/queue"
)

// Queue is the slice of the queue manager the operational API needs.
type Queue interface {
	Enqueue(ctx context.Context, queueName string, payload json.RawMessage, opts *queue.EnqueueOptions) (string, error)
	GetJobStatus(ctx context.Context, jobID string) *queue.Job
	GetQueueStats(ctx context.Context, queueName string) *queue.QueueStats
	ClearQueue(ctx context.Context, queueName string) bool
}
