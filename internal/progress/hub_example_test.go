package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
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

	hub.Emit(Event{
		RunID: UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000001")),
		TS:    time.Unix(0, 0),
		Kind:  KindRunStart,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleWithRun shows how a run-scoped emitter stamps its run id.
func ExampleWithRun() {
	runID := UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-00000000002a"))
	var got Event
	emit := WithRun(EmitterFunc(func(evt Event) { got = evt }), runID)
	emit.Emit(Event{Kind: KindStageStart, Stage: "collect", TS: time.Unix(0, 0)})

	fmt.Println(got.RunUUID())
	// Output:
	// 00000000-0000-0000-0000-00000000002a
}
