package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures a KafkaBus.
type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// KafkaBus publishes to Kafka topics. Topic names have ':' replaced by '.'
// because Kafka does not allow colons.
type KafkaBus struct {
	cfg    KafkaConfig
	writer *kafka.Writer
}

// NewKafkaBus returns a KafkaBus. No connection is made until first use.
func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("bus: kafka requires at least one broker")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("bus: kafka requires a group id")
	}
	return &KafkaBus{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			RequiredAcks:           kafka.RequireOne,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}, nil
}

// KafkaTopic maps a bus topic to a valid Kafka topic name.
func KafkaTopic(topic string) string { return strings.ReplaceAll(topic, ":", ".") }

func (k *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic: KafkaTopic(topic),
		Value: payload,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("bus: kafka publish %s: %w", topic, err)
	}
	return nil
}

func (k *KafkaBus) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		GroupID:     k.cfg.GroupID,
		GroupTopics: []string{KafkaTopic(topic)},
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer reader.Close()
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				slog.Warn("bus: kafka read failed", "topic", topic, "error", err)
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- Message{Topic: topic, Payload: msg.Value}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (k *KafkaBus) Close() error { return k.writer.Close() }
