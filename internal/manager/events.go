package manager

// Event represents a manager lifecycle event.
// Minimal and stable: name + model ID and optional fields via key/values.
type Event struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// Event names published by the manager.
const (
	EventLoadStart    = "load_start"
	EventLoadReady    = "load_ready"
	EventLoadFailed   = "load_failed"
	EventLoadRaceLost = "load_race_lost"
	EventUnloadStart  = "unload_start"
	EventUnloadDone   = "unload_done"
	EventUnloadFailed = "unload_failed"
	EventEvict        = "evict"
	EventInferRetry   = "infer_retry"
	EventInferTooBusy = "infer_too_busy"
)

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// publish must not be called with m.mu held.
func (m *Manager) publish(name, modelID string, kv ...any) {
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	m.mu.Lock()
	p := m.publisher
	m.mu.Unlock()
	p.Publish(Event{Name: name, ModelID: modelID, Fields: fields})
}
