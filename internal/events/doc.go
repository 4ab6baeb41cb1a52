// Package events provides the crawl event model and a non-blocking hub that
// batches events on a background goroutine and fans them out to pluggable
// sinks such as structured logs, Prometheus counters or a message publisher.
package events
