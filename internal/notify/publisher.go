// Package notify publishes committed transition events. Delivery is
// at-most-once from the publisher's perspective; consumers treat the audit
// trail as the authoritative history and these events as a low-latency hint.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-availability/internal/models"
)

type Publisher interface {
	PublishTransition(e models.TransitionEvent) error
}

// KafkaPublisher writes transition events keyed by driver ID so per-driver
// ordering survives partitioning.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) PublishTransition(e models.TransitionEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(e)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.DriverID), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// FanoutPublisher delivers events straight to an in-process WS registry.
// Used in single-binary deployments with no broker configured.
type FanoutPublisher struct {
	Registry *WSRegistry
}

func (p *FanoutPublisher) PublishTransition(e models.TransitionEvent) error {
	p.Registry.Fanout(e)
	return nil
}
