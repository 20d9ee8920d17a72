package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink mirrors every bus event onto a Kafka topic so external systems
// can tail the gateway's event stream. It implements Subscriber; writes are
// async and drop-on-failure, matching the bus delivery contract.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink writing to topic on the given brokers
// (comma-separated list).
func NewKafkaSink(brokers, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
				slog.Warn("Kafka event mirror write failed", "detail", fmt.Sprintf(msg, args...))
			}),
		},
	}
}

// Send publishes one serialized event. The event type becomes the message
// key so consumers can partition by type.
func (s *KafkaSink) Send(payload []byte) error {
	var envelope struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &envelope)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(envelope.Type),
		Value: payload,
		Time:  time.Now(),
	})
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
