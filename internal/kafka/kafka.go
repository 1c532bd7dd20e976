// Package kafka is the optional dead-letter sink: jobs that exhaust their
// retries are published to a Kafka topic for out-of-band inspection.
package kafka

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	segkafka "github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers  []string `yaml:"brokers" env:"KAFKA_BROKERS"`
	DLQTopic string   `yaml:"dlq_topic" env:"KAFKA_DLQ_TOPIC"`
	ClientID string   `yaml:"client_id" env:"KAFKA_CLIENT_ID"`
}

// Enabled reports whether dead-lettering is configured at all. An empty
// config is valid and simply disables the sink.
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if strings.TrimSpace(c.DLQTopic) == "" {
		return fmt.Errorf("kafka.dlq_topic is required when brokers are set")
	}
	return nil
}

type Message struct {
	Key   string
	Value []byte
}

type Producer interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

type NoopProducer struct{}

func (p *NoopProducer) Publish(ctx context.Context, topic string, msg Message) error {
	return nil
}

type dialFunc func(ctx context.Context, network, address string) (io.Closer, error)

func CheckConnectivity(ctx context.Context, brokers []string) error {
	return checkConnectivity(ctx, brokers, defaultDialer())
}

func checkConnectivity(ctx context.Context, brokers []string, dial dialFunc) error {
	if len(brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}
	conn, err := dial(ctx, "tcp", brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

func defaultDialer() dialFunc {
	dialer := &segkafka.Dialer{Timeout: 2 * time.Second}
	return func(ctx context.Context, network, address string) (io.Closer, error) {
		return dialer.DialContext(ctx, network, address)
	}
}
