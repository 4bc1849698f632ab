package progress

import "context"

// Sink consumes batches of history events. Implementations must honor ctx
// deadlines and tolerate repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies it so producers stay
// agnostic about buffering and persistence.
type Emitter interface {
	Emit(evt Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(evt Event)

// Emit calls f.
func (f EmitterFunc) Emit(evt Event) {
	f(evt)
}

// Nop discards every event.
var Nop Emitter = EmitterFunc(func(Event) {})

// WithRun returns an Emitter that stamps runID on every event before
// forwarding it to next.
func WithRun(next Emitter, runID [16]byte) Emitter {
	if next == nil {
		next = Nop
	}
	return EmitterFunc(func(evt Event) {
		if evt.RunID == [16]byte{} {
			evt.RunID = runID
		}
		next.Emit(evt)
	})
}
