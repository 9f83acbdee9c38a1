package model

import "sync"

// Event names published by models.
const (
	EventActiveStream  = "active_stream"
	EventRepeatModel   = "repeat_model"
	EventRecoverStream = "recover_stream"
	EventSupplyEnqueue = "supply_enqueue"
	EventPrepareMem    = "prepare_mem"
	EventStatusChanged = "status_changed"
)

// Event is a scheduler sub-event raised by a model.
// Minimal and stable: name + model id and optional fields via key/values.
type Event struct {
	Name    string
	ModelID uint32
	Fields  map[string]any
}

// EventPublisher receives events from models. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Named returns the published events called name.
func (p *MemoryPublisher) Named(name string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
