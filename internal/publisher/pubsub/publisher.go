// Package pubsub implements a Google Cloud Pub/Sub publisher for status events.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Topic publishes a single message and waits for the server-assigned ID.
type Topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) (string, error)
	Stop()
}

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic      Topic
	propagator propagation.TextMapPropagator
}

// New creates a Publisher for the provided topic handle.
func New(topic *pubsub.Topic) *Publisher {
	if topic == nil {
		return NewWithTopic(nil)
	}
	return NewWithTopic(topicAdapter{topic: topic})
}

// NewWithTopic creates a Publisher over any Topic implementation.
func NewWithTopic(topic Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals the payload to JSON and publishes it to the topic.
func (p *Publisher) Publish(ctx context.Context, payload any) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	msg.Attributes = make(map[string]string)
	p.textMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.topic.Publish(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and stops the topic's background goroutines.
func (p *Publisher) Close() {
	if p.topic != nil {
		p.topic.Stop()
	}
}

func (p *Publisher) textMapPropagator() propagation.TextMapPropagator {
	if p.propagator != nil {
		return p.propagator
	}
	return otel.GetTextMapPropagator()
}

type topicAdapter struct {
	topic *pubsub.Topic
}

func (a topicAdapter) Publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	id, err := a.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("await publish result: %w", err)
	}
	return id, nil
}

func (a topicAdapter) Stop() {
	a.topic.Stop()
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
