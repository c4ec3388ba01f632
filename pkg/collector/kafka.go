package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		MaxAttempts:            3,
	}
}

// KafkaSink publishes one message per entry, keyed by session so a
// session's entries stay on one partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink wraps writer.
func NewKafkaSink(writer MessageWriter) (*KafkaSink, error) {
	if writer == nil {
		return nil, errors.New("kafka sink requires a writer")
	}
	return &KafkaSink{writer: writer}, nil
}

// Store implements Sink.
func (s *KafkaSink) Store(ctx context.Context, batch Batch) error {
	msgs := make([]kafka.Message, 0, len(batch.Entries))
	for _, entry := range batch.Entries {
		msgs = append(msgs, kafka.Message{
			Key:   []byte(entry.Session),
			Value: entry.Raw,
			Time:  batch.ReceivedAt,
			Headers: []kafka.Header{
				{Key: "batch_id", Value: []byte(batch.ID)},
				{Key: "kind", Value: []byte(entry.Kind)},
			},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish batch %s: %w", batch.ID, err)
	}
	return nil
}

// Close closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

var _ Sink = (*KafkaSink)(nil)
