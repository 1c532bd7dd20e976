package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"backplane/internal/queue"
)

// DeadLetter publishes retry-exhausted jobs to the configured DLQ topic.
// It satisfies queue.DeadLetter.
type DeadLetter struct {
	topic    string
	producer Producer
}

func NewDeadLetter(cfg Config, producer Producer) (*DeadLetter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if producer == nil {
		producer = &NoopProducer{}
	}
	return &DeadLetter{topic: cfg.DLQTopic, producer: producer}, nil
}

func (d *DeadLetter) Publish(ctx context.Context, job *queue.Job) error {
	if d == nil || d.producer == nil {
		return fmt.Errorf("dead letter producer not configured")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return d.producer.Publish(ctx, d.topic, Message{Key: job.ID, Value: data})
}
