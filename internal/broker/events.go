package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"ecom-events/internal/models"
	"ecom-events/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Dead-letter headers
const (
	HeaderConsumerGroup = "x-consumer-group"
	HeaderSourceTopic   = "x-source-topic"
	HeaderError         = "x-error"
	HeaderAttempts      = "x-attempts"
	HeaderEventType     = "x-event-type"
)

// RetryPolicy bounds exponential backoff for broker writes and consumer effects.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when a zero policy is supplied.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// BackOff builds a context-aware backoff for one operation.
func (r RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
	if r.InitialInterval <= 0 {
		r = DefaultRetryPolicy
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.InitialInterval
	exp.MaxInterval = r.MaxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, r.MaxRetries), ctx)
}

// DeadLetter describes a delivery the consumer gave up on.
type DeadLetter struct {
	ConsumerGroup string
	SourceTopic   string
	Key           []byte
	Value         []byte
	EventType     string
	Err           error
	Attempts      int
}

// EventPublisher publishes envelopes to the topic named after their event type
type EventPublisher struct {
	writer          MessageWriter
	deadLetterTopic string
	retry           RetryPolicy
	logger          *zap.Logger
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(writer MessageWriter, deadLetterTopic string, retry RetryPolicy) *EventPublisher {
	return &EventPublisher{
		writer:          writer,
		deadLetterTopic: deadLetterTopic,
		retry:           retry,
		logger:          util.GetLogger(),
	}
}

// Publish wraps payload in a new envelope and publishes it. The event id is
// returned even when publishing fails.
func (ep *EventPublisher) Publish(ctx context.Context, payload models.Payload) (string, error) {
	env := models.NewEnvelope(payload)
	return env.EventID, ep.PublishEnvelope(ctx, env)
}

// PublishEnvelope publishes env and blocks until the broker acknowledges it.
// Retries resend the same bytes so the event id never changes.
func (ep *EventPublisher) PublishEnvelope(ctx context.Context, env *models.Envelope) error {
	ctx, span := util.StartSpan(ctx, "publish "+string(env.EventType))
	defer span.End()

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", env.EventType, err)
	}

	msg := kafka.Message{
		Topic:   env.EventType.Topic(),
		Key:     []byte(env.Key()),
		Value:   value,
		Time:    time.Now(),
		Headers: InjectTraceContext(ctx, []kafka.Header{{Key: HeaderEventType, Value: []byte(env.EventType)}}),
	}

	err = backoff.Retry(func() error {
		return ep.writer.WriteMessages(ctx, msg)
	}, ep.retry.BackOff(ctx))
	if err != nil {
		span.RecordError(err)
		util.EventsPublishedTotal.WithLabelValues(string(env.EventType), "error").Inc()
		return fmt.Errorf("failed to publish %s %s: %w", env.EventType, env.EventID, err)
	}

	util.EventsPublishedTotal.WithLabelValues(string(env.EventType), "ok").Inc()
	ep.logger.Debug("Published event",
		zap.String("event_id", env.EventID),
		zap.String("event_type", string(env.EventType)),
		zap.String("key", env.Key()),
	)
	return nil
}

// PublishDeadLetter routes the original bytes of a dropped delivery to the
// dead-letter topic.
func (ep *EventPublisher) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	if ep.deadLetterTopic == "" {
		return nil
	}

	errText := ""
	if dl.Err != nil {
		errText = dl.Err.Error()
	}

	msg := kafka.Message{
		Topic: ep.deadLetterTopic,
		Key:   dl.Key,
		Value: dl.Value,
		Time:  time.Now(),
		Headers: InjectTraceContext(ctx, []kafka.Header{
			{Key: HeaderConsumerGroup, Value: []byte(dl.ConsumerGroup)},
			{Key: HeaderSourceTopic, Value: []byte(dl.SourceTopic)},
			{Key: HeaderError, Value: []byte(errText)},
			{Key: HeaderAttempts, Value: []byte(strconv.Itoa(dl.Attempts))},
			{Key: HeaderEventType, Value: []byte(dl.EventType)},
		}),
	}

	err := backoff.Retry(func() error {
		return ep.writer.WriteMessages(ctx, msg)
	}, ep.retry.BackOff(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish dead letter for %s: %w", dl.SourceTopic, err)
	}

	util.EventsDeadLetteredTotal.WithLabelValues(dl.ConsumerGroup, dl.EventType).Inc()
	return nil
}
