// Package events publishes task lifecycle events to a Kafka topic so
// external observers can follow a session without touching the core.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hypatia-ai/hypatia/internal/bus"
	"github.com/hypatia-ai/hypatia/internal/config"
)

// Publisher writes task events to Kafka. A nil *Publisher is safe to call;
// disabled sessions simply pass nil.
type Publisher struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewPublisher creates a publisher for the configured brokers and topic.
func NewPublisher(cfg config.EventsConfig) *Publisher {
	if !cfg.Enabled {
		return nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &Publisher{writer: w, timeout: 10 * time.Second}
}

// Publish sends one task event, keyed by task id so per-task ordering is
// preserved within a partition. Delivery is best-effort: a broker outage
// never blocks the scheduler.
func (p *Publisher) Publish(evt bus.TaskEvent) {
	if p == nil || p.writer == nil {
		return
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(evt.TaskID),
		Value: value,
		Time:  evt.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		slog.Debug("Event publish failed", "task", evt.TaskID, "error", err)
	}
}

// Close flushes and releases the writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
