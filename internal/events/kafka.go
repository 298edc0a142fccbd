package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaSink mirrors stream events into Kafka topics for consumers outside
// the Redis deployment (analytics, audit). One topic per stream, dots
// replaced since Kafka topic naming is stricter.
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaSink creates a Kafka mirror over the given brokers.
func NewKafkaSink(brokers []string, logger *zap.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &KafkaSink{writer: writer, logger: logger}, nil
}

// Publish mirrors one event. Errors are returned for the caller to log; the
// primary publish path never depends on the mirror.
func (s *KafkaSink) Publish(ctx context.Context, stream string, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event for kafka: %w", err)
	}
	msg := kafka.Message{
		Topic: topicFor(stream),
		Key:   []byte(evt.ID),
		Value: payload,
		Time:  evt.Timestamp,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("mirror event %s to kafka: %w", evt.ID, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func topicFor(stream string) string {
	topic := make([]byte, len(stream))
	for i := 0; i < len(stream); i++ {
		c := stream[i]
		if c == ':' || c == '.' {
			c = '-'
		}
		topic[i] = c
	}
	return string(topic)
}
