package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/events"
)

// PublisherSink forwards each event to a crawler.Publisher. The topic is
// prefix + "." + kind, or just the kind when prefix is empty.
type PublisherSink struct {
	publisher crawler.Publisher
	prefix    string
}

// NewPublisherSink wraps publisher.
func NewPublisherSink(publisher crawler.Publisher, prefix string) *PublisherSink {
	return &PublisherSink{publisher: publisher, prefix: prefix}
}

// Consume publishes every event and returns the joined errors of failed
// publishes.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic(evt.Kind), evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Kind, err))
		}
	}
	return errors.Join(errs...)
}

func (s *PublisherSink) topic(kind events.Kind) string {
	if s.prefix == "" {
		return string(kind)
	}
	return s.prefix + "." + string(kind)
}

// Close closes the publisher when it supports closing.
func (s *PublisherSink) Close(context.Context) error {
	if closer, ok := s.publisher.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
