// Package brokertest provides an in-memory MessageWriter for tests.
package brokertest

import (
	"context"
	"sync"

	"ecom-events/internal/models"

	"github.com/segmentio/kafka-go"
)

// Recorder captures written messages instead of sending them to Kafka.
type Recorder struct {
	mu       sync.Mutex
	messages []kafka.Message
	failures []error
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailNext makes the next len(errs) writes fail with the given errors, in order.
func (r *Recorder) FailNext(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, errs...)
}

// WriteMessages implements broker.MessageWriter
func (r *Recorder) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return err
	}
	r.messages = append(r.messages, msgs...)
	return nil
}

// Messages returns every recorded message
func (r *Recorder) Messages() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]kafka.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Topic returns the messages written to topic
func (r *Recorder) Topic(topic string) []kafka.Message {
	var out []kafka.Message
	for _, m := range r.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Envelopes decodes the messages of one event type. Undecodable messages are skipped.
func (r *Recorder) Envelopes(t models.EventType) []*models.Envelope {
	var out []*models.Envelope
	for _, m := range r.Topic(t.Topic()) {
		env, err := models.DecodeEnvelope(m.Value)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

// Header returns the value of a header, or "" when absent
func Header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Reset drops recorded messages and pending failures
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
	r.failures = nil
}
