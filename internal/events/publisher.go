// Package events publishes shard health-transition and command-failure
// events to Kafka for external alerting. It is optional: a nil *Publisher
// silently drops every event, so callers that don't configure Kafka pay
// nothing for it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shardkv/shardkv/pkg/config"
)

// Kind enumerates the shard lifecycle events a router or cluster can emit.
type Kind string

const (
	ShardMarkedDown  Kind = "shard_marked_down"
	ShardMarkedUp    Kind = "shard_marked_up"
	RetriesExhausted Kind = "retries_exhausted"
	CommandFailed    Kind = "command_failed"
)

// ShardEvent is the JSON payload published for every Kind above.
type ShardEvent struct {
	Kind      Kind      `json:"kind"`
	Cluster   string    `json:"cluster"`
	ShardNum  int       `json:"shard_num"`
	Operation string    `json:"operation,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher writes JSON-encoded ShardEvents to a Kafka topic.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher creates a Publisher for cfg.EventTopic. It returns a nil
// *Publisher (not an error) when no brokers are configured, so wiring one
// into a Cluster is a no-op by default.
func NewPublisher(cfg config.KafkaConfig) *Publisher {
	if len(cfg.Brokers) == 0 || cfg.EventTopic == "" {
		return nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.EventTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &Publisher{
		writer: w,
		logger: slog.Default().With("component", "shard-event-publisher", "topic", cfg.EventTopic),
	}
}

// Publish writes one ShardEvent keyed by cluster+shard so all events for a
// given shard land on the same partition and preserve order.
func (p *Publisher) Publish(ctx context.Context, ev ShardEvent) {
	if p == nil {
		return
	}
	ev.Timestamp = time.Now()
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshaling shard event", "error", err)
		return
	}
	key := fmt.Sprintf("%s:%d", ev.Cluster, ev.ShardNum)
	msg := kafka.Message{Key: []byte(key), Value: value}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("publishing shard event failed", "kind", ev.Kind, "error", err)
	}
}

// Close flushes and closes the underlying Kafka writer. Safe to call on a
// nil Publisher.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
