package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/distcrawl/internal/events"
)

// PrometheusSink counts crawl events by kind and role and tracks operation
// durations.
type PrometheusSink struct {
	eventsTotal *prometheus.CounterVec
	countTotal  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "distcrawl_events_total",
			Help: "Crawl events partitioned by kind and role.",
		}, []string{"kind", "role"}),
		countTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "distcrawl_event_items_total",
			Help: "Sum of event counts (slots, documents, records) by kind.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "distcrawl_event_duration_seconds",
			Help:    "Duration of the operation an event reports, by kind.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"kind"}),
	}
	for _, collector := range []prometheus.Collector{s.eventsTotal, s.countTotal, s.duration} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		role := evt.Role
		if role == "" {
			role = "unknown"
		}
		kind := string(evt.Kind)
		s.eventsTotal.WithLabelValues(kind, role).Inc()
		if evt.Count > 0 {
			s.countTotal.WithLabelValues(kind).Add(float64(evt.Count))
		}
		if evt.Dur > 0 {
			s.duration.WithLabelValues(kind).Observe(evt.Dur.Seconds())
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
