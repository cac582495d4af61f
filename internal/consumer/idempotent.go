// Package consumer implements the idempotent consumer every participant runs:
// decode, deduplicate per consumer group, apply the effect, record it.
package consumer

import (
	"context"
	"errors"
	"sort"
	"time"

	"ecom-events/internal/broker"
	"ecom-events/internal/models"
	"ecom-events/internal/store"
	"ecom-events/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Outcome of one delivery
type Outcome string

const (
	// OutcomeProcessed means the effect was applied and recorded.
	OutcomeProcessed Outcome = "processed"
	// OutcomeSkipped means the event was already applied by this group.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeDropped means the effect failed and was routed to the dead-letter topic.
	OutcomeDropped Outcome = "dropped"
	// OutcomeIgnored means no handler is registered for the event type.
	OutcomeIgnored Outcome = "ignored"
)

// Result is what an effect hands back to the consumer. Events are published
// and OnCommit runs only after the transaction commits.
type Result struct {
	Events   []*models.Envelope
	OnCommit func(ctx context.Context)
}

// Handler applies the business effect of one event inside tx.
type Handler interface {
	Apply(ctx context.Context, tx store.Tx, env *models.Envelope) (*Result, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, tx store.Tx, env *models.Envelope) (*Result, error)

func (f HandlerFunc) Apply(ctx context.Context, tx store.Tx, env *models.Envelope) (*Result, error) {
	return f(ctx, tx, env)
}

// Guard is a domain-level duplicate check that runs before the ledger claim.
type Guard interface {
	Seen(ctx context.Context, tx store.Tx, env *models.Envelope) (bool, error)
}

// Cache short-circuits known duplicates before a transaction is opened.
type Cache interface {
	IsProcessed(ctx context.Context, group, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, group, eventID string) error
}

// Publisher publishes produced facts and dead letters
type Publisher interface {
	PublishEnvelope(ctx context.Context, env *models.Envelope) error
	PublishDeadLetter(ctx context.Context, dl broker.DeadLetter) error
}

type Config struct {
	Group string
	Retry broker.RetryPolicy
}

type Option func(*IdempotentConsumer)

// WithCache enables the ledger cache
func WithCache(c Cache) Option {
	return func(ic *IdempotentConsumer) { ic.cache = c }
}

// WithLogger overrides the global logger
func WithLogger(l *zap.Logger) Option {
	return func(ic *IdempotentConsumer) { ic.logger = l }
}

type IdempotentConsumer struct {
	group     string
	retry     broker.RetryPolicy
	repo      store.Repository
	publisher Publisher
	cache     Cache
	logger    *zap.Logger
	handlers  map[models.EventType]Handler
	guards    map[models.EventType]Guard
}

// New creates a consumer for one consumer group
func New(cfg Config, repo store.Repository, publisher Publisher, opts ...Option) *IdempotentConsumer {
	c := &IdempotentConsumer{
		group:     cfg.Group,
		retry:     cfg.Retry,
		repo:      repo,
		publisher: publisher,
		logger:    util.GetLogger(),
		handlers:  map[models.EventType]Handler{},
		guards:    map[models.EventType]Guard{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("group", c.group))
	return c
}

// Register sets the handler for an event type
func (c *IdempotentConsumer) Register(t models.EventType, h Handler) {
	c.handlers[t] = h
}

// RegisterGuard sets the domain guard for an event type
func (c *IdempotentConsumer) RegisterGuard(t models.EventType, g Guard) {
	c.guards[t] = g
}

// Group returns the consumer group
func (c *IdempotentConsumer) Group() string {
	return c.group
}

// Topics returns the topics of every registered event type
func (c *IdempotentConsumer) Topics() []string {
	topics := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		topics = append(topics, t.Topic())
	}
	sort.Strings(topics)
	return topics
}

// HandleMessage is the broker.MessageHandler for this group. It returns an
// error only when the message must not be committed.
func (c *IdempotentConsumer) HandleMessage(ctx context.Context, msg kafka.Message) error {
	_, err := c.Deliver(ctx, msg)
	return err
}

// Deliver runs one delivery through the state machine. A non-nil error means
// the delivery was neither applied nor dead-lettered.
func (c *IdempotentConsumer) Deliver(ctx context.Context, msg kafka.Message) (Outcome, error) {
	start := time.Now()
	defer func() {
		util.EventProcessingLatency.WithLabelValues(c.group).Observe(time.Since(start).Seconds())
	}()

	ctx, span := util.StartSpan(ctx, "consume "+msg.Topic,
		attribute.String("messaging.consumer_group", c.group),
		attribute.String("messaging.destination", msg.Topic),
	)
	defer span.End()

	env, err := models.DecodeEnvelope(msg.Value)
	if err != nil {
		if errors.Is(err, models.ErrUnknownEventType) {
			c.logger.Warn("Ignoring event of unknown type", zap.String("topic", msg.Topic), zap.Error(err))
			return c.count(msg.Topic, OutcomeIgnored), nil
		}
		c.logger.Error("Malformed envelope", zap.String("topic", msg.Topic), zap.Error(err))
		return c.drop(ctx, msg, msg.Topic, err, 1)
	}

	span.SetAttributes(attribute.String("event.id", env.EventID), attribute.String("event.type", string(env.EventType)))
	log := c.logger.With(zap.String("event_id", env.EventID), zap.String("event_type", string(env.EventType)))

	handler, ok := c.handlers[env.EventType]
	if !ok {
		log.Debug("No handler registered, ignoring")
		return c.count(string(env.EventType), OutcomeIgnored), nil
	}

	if env.EventID == "" {
		log.Warn("Envelope has no eventId, processing without deduplication")
	} else if c.cache != nil {
		seen, err := c.cache.IsProcessed(ctx, c.group, env.EventID)
		if err != nil {
			log.Warn("Ledger cache lookup failed", zap.Error(err))
		} else if seen {
			log.Info("Duplicate event, skipping (cache)")
			return c.count(string(env.EventType), OutcomeSkipped), nil
		}
	}

	var (
		attempts int
		skipped  bool
		result   *Result
	)
	err = backoff.Retry(func() error {
		attempts++
		var err error
		skipped, result, err = c.applyOnce(ctx, env, handler)
		if err != nil && (models.IsPermanent(err) || errors.Is(err, models.ErrDuplicateSourceEvent)) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Warn("Effect failed, will retry", zap.Int("attempt", attempts), zap.Error(err))
		}
		return err
	}, c.retry.BackOff(ctx))

	switch {
	case err == nil && skipped:
		log.Info("Duplicate event, skipping")
		return c.count(string(env.EventType), OutcomeSkipped), nil
	case err == nil:
		c.afterCommit(ctx, log, env, result)
		log.Info("Event processed", zap.Int("attempts", attempts))
		return c.count(string(env.EventType), OutcomeProcessed), nil
	case errors.Is(err, models.ErrDuplicateSourceEvent):
		log.Info("Effect already applied for this event, skipping", zap.Error(err))
		return c.count(string(env.EventType), OutcomeSkipped), nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	default:
		span.RecordError(err)
		log.Error("Event dropped", zap.Int("attempts", attempts), zap.Error(err))
		return c.drop(ctx, msg, string(env.EventType), err, attempts)
	}
}

// applyOnce runs guard, ledger claim and effect in one transaction.
func (c *IdempotentConsumer) applyOnce(ctx context.Context, env *models.Envelope, h Handler) (bool, *Result, error) {
	var (
		skipped bool
		result  *Result
	)
	err := c.repo.RunInTx(ctx, func(tx store.Tx) error {
		if g, ok := c.guards[env.EventType]; ok {
			seen, err := g.Seen(ctx, tx, env)
			if err != nil {
				return err
			}
			if seen {
				skipped = true
				return nil
			}
		}

		if env.EventID != "" {
			claimed, err := tx.ClaimEvent(ctx, c.group, env.EventID, string(env.EventType))
			if err != nil {
				return err
			}
			if !claimed {
				skipped = true
				return nil
			}
		}

		res, err := h.Apply(ctx, tx, env)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return skipped, result, nil
}

func (c *IdempotentConsumer) afterCommit(ctx context.Context, log *zap.Logger, env *models.Envelope, result *Result) {
	if c.cache != nil && env.EventID != "" {
		if err := c.cache.MarkProcessed(ctx, c.group, env.EventID); err != nil {
			log.Warn("Failed to cache ledger row", zap.Error(err))
		}
	}
	if result == nil {
		return
	}
	for _, out := range result.Events {
		if err := c.publisher.PublishEnvelope(ctx, out); err != nil {
			log.Warn("Failed to publish produced event",
				zap.String("produced_event_id", out.EventID),
				zap.String("produced_event_type", string(out.EventType)),
				zap.Error(err))
		}
	}
	if result.OnCommit != nil {
		result.OnCommit(ctx)
	}
}

func (c *IdempotentConsumer) drop(ctx context.Context, msg kafka.Message, eventType string, cause error, attempts int) (Outcome, error) {
	c.count(eventType, OutcomeDropped)
	err := c.publisher.PublishDeadLetter(ctx, broker.DeadLetter{
		ConsumerGroup: c.group,
		SourceTopic:   msg.Topic,
		Key:           msg.Key,
		Value:         msg.Value,
		EventType:     eventType,
		Err:           cause,
		Attempts:      attempts,
	})
	if err != nil {
		c.logger.Error("Failed to dead-letter message", zap.String("topic", msg.Topic), zap.Error(err))
		return OutcomeDropped, err
	}
	return OutcomeDropped, nil
}

func (c *IdempotentConsumer) count(eventType string, o Outcome) Outcome {
	util.EventsConsumedTotal.WithLabelValues(c.group, eventType, string(o)).Inc()
	return o
}
