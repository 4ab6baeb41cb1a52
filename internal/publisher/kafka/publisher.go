// Package kafka implements a crawler.Publisher over Apache Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/distcrawl/internal/telemetry"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes JSON payloads to Kafka. The topic argument of Publish
// selects the Kafka topic; an empty topic falls back to the default.
type Publisher struct {
	writer       messageWriter
	defaultTopic string
	now          func() time.Time
}

// New creates a Publisher writing to brokers.
func New(brokers []string, defaultTopic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
	}
	return newWithWriter(w, defaultTopic), nil
}

func newWithWriter(w messageWriter, defaultTopic string) *Publisher {
	return &Publisher{writer: w, defaultTopic: defaultTopic, now: time.Now}
}

// Publish serialises payload and writes it synchronously. The message key is
// the topic so events of one kind keep their order within a partition.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	target := topic
	if target == "" {
		target = p.defaultTopic
	}
	if target == "" {
		return "", errors.New("kafka topic is required")
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	attrs := make(map[string]string)
	telemetry.InjectAttributes(ctx, attrs)
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(attrs[k])})
	}

	ts := p.now()
	msg := kafka.Message{
		Topic:   target,
		Key:     []byte(topic),
		Value:   value,
		Headers: headers,
		Time:    ts,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("publish to kafka topic %s: %w", target, err)
	}
	return fmt.Sprintf("%s-%d", target, ts.UnixNano()), nil
}

// Close flushes pending writes and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
