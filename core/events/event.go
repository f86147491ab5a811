package events

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (RPC observers, metrics,
// log sinks).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Fanout returns an emitter that forwards every event to each of the supplied
// emitters in order. Nil entries are skipped.
func Fanout(emitters ...Emitter) Emitter {
	filtered := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	return fanout(filtered)
}

type fanout []Emitter

func (f fanout) Emit(evt Event) {
	for _, e := range f {
		e.Emit(evt)
	}
}
