package events

import "context"

// Sink consumes batches of crawl events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so roles
// can remain agnostic about how events are buffered or delivered.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// Filter wraps sink so it only receives events of the given kinds.
func Filter(sink Sink, kinds ...Kind) Sink {
	allowed := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		allowed[k] = struct{}{}
	}
	return &filterSink{next: sink, allowed: allowed}
}

type filterSink struct {
	next    Sink
	allowed map[Kind]struct{}
}

func (f *filterSink) Consume(ctx context.Context, batch []Event) error {
	kept := make([]Event, 0, len(batch))
	for _, evt := range batch {
		if _, ok := f.allowed[evt.Kind]; ok {
			kept = append(kept, evt)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return f.next.Consume(ctx, kept)
}

func (f *filterSink) Close(ctx context.Context) error {
	return f.next.Close(ctx)
}
