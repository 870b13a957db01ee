package manager

import "sync"

// MemoryPublisher records every published event. The manager tests use it to
// assert on lifecycle transitions.
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

// Count returns how many events named name were published for modelID
// (any model when modelID is empty).
func (p *MemoryPublisher) Count(name, modelID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Name == name && (modelID == "" || e.ModelID == modelID) {
			n++
		}
	}
	return n
}
