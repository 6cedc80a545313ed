// Package pubsub publishes archive notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
)

// Attributer lets a payload contribute message attributes.
type Attributer interface {
	Attributes() map[string]string
}

// sender delivers one message and waits for the server ID.
type sender interface {
	send(ctx context.Context, topicID string, msg *pubsub.Message) (string, error)
	stop()
}

// Publisher marshals payloads to JSON and publishes them. Topics are
// resolved lazily and reused.
type Publisher struct {
	sender       sender
	defaultTopic string
}

// New wraps client. defaultTopic is used when Publish gets an empty topic.
func New(client *pubsub.Client, defaultTopic string) *Publisher {
	return &Publisher{
		sender:       &clientSender{client: client, topics: make(map[string]*pubsub.Topic)},
		defaultTopic: defaultTopic,
	}
}

// Dial creates a client for project and verifies defaultTopic exists.
func Dial(ctx context.Context, project, defaultTopic string) (*Publisher, func() error, error) {
	if project == "" {
		return nil, nil, fmt.Errorf("pubsub project is required")
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	if defaultTopic != "" {
		ok, err := client.Topic(defaultTopic).Exists(ctx)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("check topic %s: %w", defaultTopic, err)
		}
		if !ok {
			_ = client.Close()
			return nil, nil, fmt.Errorf("topic %s does not exist", defaultTopic)
		}
	}
	p := New(client, defaultTopic)
	return p, p.Close, nil
}

// Publish sends payload as JSON and returns the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.sender == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", fmt.Errorf("pubsub topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content-type": "application/json"},
	}
	if a, ok := payload.(Attributer); ok {
		for k, v := range a.Attributes() {
			msg.Attributes[k] = v
		}
	}
	id, err := p.sender.send(ctx, topic, msg)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p == nil || p.sender == nil {
		return nil
	}
	p.sender.stop()
	if cs, ok := p.sender.(*clientSender); ok && cs.client != nil {
		if err := cs.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

type clientSender struct {
	client *pubsub.Client
	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func (c *clientSender) topic(id string) (*pubsub.Topic, error) {
	if c.client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.topics[id]
	if !ok {
		t = c.client.Topic(id)
		c.topics[id] = t
	}
	return t, nil
}

func (c *clientSender) send(ctx context.Context, topicID string, msg *pubsub.Message) (string, error) {
	t, err := c.topic(topicID)
	if err != nil {
		return "", err
	}
	id, err := t.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *clientSender) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.topics {
		t.Stop()
	}
}
