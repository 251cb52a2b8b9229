// Package ingest publishes accepted location samples and alert audit
// records to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/safety-net/internal/models"
)

const publishTimeout = 2 * time.Second

// LocationRecord is the value written to the location topic, keyed by user id.
type LocationRecord struct {
	UserID string          `json:"user_id"`
	Pos    models.Position `json:"position"`
}

// MessageWriter is the subset of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	locations MessageWriter
	alerts    MessageWriter
}

func NewKafkaProducer(brokers []string, locationTopic, alertTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: newWriter(brokers, locationTopic),
		alerts:    newWriter(brokers, alertTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.LeastBytes{}}
}

// NewKafkaProducerWithWriters builds a producer over existing writers.
func NewKafkaProducerWithWriters(locations, alerts MessageWriter) *KafkaProducer {
	return &KafkaProducer{locations: locations, alerts: alerts}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, userID string, pos models.Position) error {
	b, err := json.Marshal(LocationRecord{UserID: userID, Pos: pos})
	if err != nil {
		return err
	}
	return k.write(ctx, k.locations, kafka.Message{Key: []byte(userID), Value: b})
}

// PublishAlert writes an alert to the audit topic, keyed by the originator.
func (k *KafkaProducer) PublishAlert(ctx context.Context, a models.AlertEvent) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return k.write(ctx, k.alerts, kafka.Message{Key: []byte(a.OriginatorID), Value: b})
}

func (k *KafkaProducer) write(ctx context.Context, w MessageWriter, m kafka.Message) error {
	if w == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return w.WriteMessages(ctx, m)
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []MessageWriter{k.locations, k.alerts} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
