package queue

import (
	"encoding/json"
	"time"

	"backplane/internal/state"
)

// Job is the detail record describing a job's full lifecycle, stored
// under its own key independently of queue membership. The enqueuing
// caller owns payload semantics; the queue manager owns everything else.
type Job struct {
	ID          string          `json:"id"`
	QueueName   string          `json:"queue_name"`
	Payload     json.RawMessage `json:"data"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      state.Status    `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	RetryAt     *time.Time      `json:"retry_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// EnqueueOptions are the per-job knobs. Nil fields fall back to the
// manager's configured defaults.
type EnqueueOptions struct {
	Priority    *int
	MaxAttempts *int
}

// QueueStats aggregates one queue's operational counters.
type QueueStats struct {
	QueueLength  int64                  `json:"queue_length"`
	StatusCounts map[state.Status]int64 `json:"status_counts"`
	TotalJobs    int64                  `json:"total_jobs"`
}
