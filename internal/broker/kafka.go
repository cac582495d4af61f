package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer writes messages to Kafka. Each message names its own topic.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}

	return &Producer{writer: writer}
}

// WriteMessages writes messages and blocks until the broker acknowledges them
func (p *Producer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	return p.writer.WriteMessages(ctx, msgs...)
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// messageReader is the subset of *kafka.Reader the consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DefaultRedeliveryPolicy paces re-handling of a message whose handler failed.
var DefaultRedeliveryPolicy = RetryPolicy{
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
}

// Consumer represents a Kafka consumer group member
type Consumer struct {
	reader     messageReader
	groupID    string
	topics     []string
	redelivery RetryPolicy
}

// NewConsumer creates a consumer for groupID subscribed to topics
func NewConsumer(brokers []string, groupID string, topics []string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{reader: reader, groupID: groupID, topics: topics, redelivery: DefaultRedeliveryPolicy}
}

// GroupID returns the consumer group
func (c *Consumer) GroupID() string {
	return c.groupID
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// MessageHandler is a function type for handling messages
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// StartConsuming fetches messages until ctx is cancelled. A message is
// committed only after handler returns nil. A failing message is handed to
// handler again, with backoff, until it succeeds; later messages are not
// fetched meanwhile, so no commit can move the offset past it.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) error {
	log.Printf("Starting Kafka consumer: group=%s, topics=%v", c.groupID, c.topics)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Consumer %s context cancelled, stopping...", c.groupID)
			return ctx.Err()
		default:
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				log.Printf("Error fetching message: %v", err)
				time.Sleep(time.Second)
				continue
			}

			if err := c.handleUntilDone(ctx, msg, handler); err != nil {
				log.Printf("Consumer %s stopped before handling topic=%s offset=%d: %v",
					c.groupID, msg.Topic, msg.Offset, err)
				return err
			}

			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				log.Printf("Error committing message: %v", err)
			}
		}
	}
}

// handleUntilDone returns nil once handler accepts msg, or ctx's error.
func (c *Consumer) handleUntilDone(ctx context.Context, msg kafka.Message, handler MessageHandler) error {
	msgCtx := ExtractTraceContext(ctx, msg.Headers)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.redelivery.InitialInterval
	exp.MaxInterval = c.redelivery.MaxInterval
	exp.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return handler(msgCtx, msg)
	}, backoff.WithContext(exp, ctx), func(err error, wait time.Duration) {
		log.Printf("Error handling message: topic=%s offset=%d, retrying in %s: %v",
			msg.Topic, msg.Offset, wait, err)
	})
}

// InjectTraceContext returns headers carrying the span context of ctx.
func InjectTraceContext(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}

// ExtractTraceContext restores the producer's span context from message headers.
func ExtractTraceContext(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range headers {
		carrier[h.Key] = string(h.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
