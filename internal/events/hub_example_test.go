package events

import (
	"context"
	"fmt"
	"time"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Emit(New(KindBatchProduced, 1700000000, time.Unix(0, 0)))
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleFilter routes only merge events to a sink that totals records.
func ExampleFilter() {
	var records int64
	capture := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			records += evt.Count
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, Filter(capture, KindTiersMerged))

	merged := New(KindTiersMerged, 1700000000, time.Unix(0, 0))
	merged.Count = 512
	sealed := New(KindShardSealed, 1700000000, time.Unix(0, 0))
	sealed.Count = 99
	hub.Emit(merged)
	hub.Emit(sealed)
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("merged records: %d\n", records)
	// Output:
	// merged records: 512
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
