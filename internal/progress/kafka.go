package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafkago.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// NewKafkaWriter creates a producer for the progress topic. Messages are
// keyed by run id so one run's events stay in one partition, in order.
func NewKafkaWriter(brokers []string, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Source is a progress stream the sink can subscribe to again after being
// dropped.
type Source interface {
	Subscribe(ctx context.Context, runID string) <-chan Event
	Done() <-chan struct{}
}

// KafkaSink republishes progress events to Kafka for consumers outside
// this process.
type KafkaSink struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewKafkaSink(w MessageWriter, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{writer: w, logger: logger}
}

// Run forwards events until the stream closes or ctx ends. Write failures
// are logged and the event is dropped.
func (s *KafkaSink) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := serializeToMessage(ev)
			if err != nil {
				s.logger.Error("serialize progress event", "run_id", ev.RunID, "error", err)
				continue
			}
			if err := s.writer.WriteMessages(ctx, msg); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				s.logger.Warn("publish progress event", "run_id", ev.RunID, "kind", ev.Kind, "error", err)
			}
		}
	}
}

// Follow forwards every run's events from src until ctx ends or src closes.
// A stream dropped for falling behind is logged and subscribed again; events
// published in between are lost.
func (s *KafkaSink) Follow(ctx context.Context, src Source) error {
	for {
		if err := s.Run(ctx, src.Subscribe(ctx, "")); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-src.Done():
			return nil
		default:
		}
		s.logger.Warn("progress stream dropped, resubscribing")
	}
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func serializeToMessage(ev Event) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize progress event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(ev.RunID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "published_at", Value: []byte(ev.At.Format(time.RFC3339))},
		},
	}, nil
}
