package events

// Record is a typed state-change notification carrying enough attributes to
// reconstruct the transition for audit.
type Record struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Event exposes the canonical payload of an emitted state change.
type Event interface {
	EventType() string
	Event() *Record
}

// Emitter broadcasts events to downstream subscribers (audit log, HTTP feed).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default wired into engines until a real sink is attached.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
