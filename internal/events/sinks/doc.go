// Package sinks implements concrete crawl event consumers: structured
// logging, Prometheus counters and publishing through a crawler.Publisher.
// Each sink satisfies the events.Sink interface and is safe for repeated
// Consume/Close cycles.
package sinks
