package events

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// MultiEmitter fans a single event out to several downstream emitters in
// registration order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter constructs an emitter that forwards to every non-nil target.
func NewMultiEmitter(targets ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, t := range targets {
		if t != nil {
			m.emitters = append(m.emitters, t)
		}
	}
	return m
}

// Emit implements the Emitter interface.
func (m *MultiEmitter) Emit(evt Event) {
	if m == nil {
		return
	}
	for _, e := range m.emitters {
		e.Emit(evt)
	}
}
