// Package pubsub broadcasts events over the store's publish/subscribe
// primitive. Delivery is fire-and-forget: events are never persisted or
// replayed, and publishing succeeds regardless of whether anyone is
// listening.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"backplane/internal/keys"
)

var ErrStoreUnavailable = errors.New("store unavailable")

// Event is the envelope wrapped around a caller-supplied payload at
// publish time.
type Event struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type Handler func(Event)

type Publisher struct {
	rdb  *redis.Client
	keys keys.Layout
	log  *zap.Logger

	now func() time.Time
}

func New(rdb *redis.Client, layout keys.Layout, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{rdb: rdb, keys: layout, log: log, now: time.Now}
}

// Publish wraps payload in an envelope with a fresh id and timestamp and
// publishes it on the derived channel. The event id is returned whether
// or not any subscriber received it.
func (p *Publisher) Publish(ctx context.Context, channel string, payload json.RawMessage) (string, error) {
	evt := Event{
		ID:        uuid.NewString(),
		Channel:   channel,
		Payload:   payload,
		Timestamp: p.now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.keys.EventChannel(channel), data).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return evt.ID, nil
}

// Subscription is a live subscription. Its pub/sub connection is
// dedicated (the store requires a connection not shared with
// request/response traffic) and is released by Close.
type Subscription struct {
	ps   *redis.PubSub
	done chan struct{}
}

// Subscribe opens a dedicated connection, subscribes to the derived
// channel and invokes handler for every well-formed event received.
// Malformed messages are logged and dropped; a panicking handler is
// contained and never kills the receive loop.
func (p *Publisher) Subscribe(ctx context.Context, channel string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	ps := p.rdb.Subscribe(ctx, p.keys.EventChannel(channel))
	// Confirm the subscription before handing the handle back, so a
	// publish after Subscribe returns is guaranteed to be seen.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sub := &Subscription{ps: ps, done: make(chan struct{})}
	go p.receive(ps, channel, handler, sub.done)
	return sub, nil
}

func (p *Publisher) receive(ps *redis.PubSub, channel string, handler Handler, done chan struct{}) {
	defer close(done)
	for msg := range ps.Channel() {
		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			p.log.Warn("dropping malformed event",
				zap.String("channel", channel), zap.Error(err))
			continue
		}
		p.deliver(channel, handler, evt)
	}
}

func (p *Publisher) deliver(channel string, handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("event handler panicked",
				zap.String("channel", channel), zap.String("event_id", evt.ID), zap.Any("panic", r))
		}
	}()
	handler(evt)
}

// Close unsubscribes, releases the dedicated connection and waits for the
// receive loop to drain.
func (s *Subscription) Close() error {
	err := s.ps.Close()
	<-s.done
	return err
}
