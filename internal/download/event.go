package download

import "time"

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	// EventData carries an intermediate progress snapshot.
	EventData EventKind = iota
	// EventError is terminal; Err is set.
	EventError
	// EventComplete is terminal; Progress holds the final totals.
	EventComplete
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventError:
		return "error"
	case EventComplete:
		return "complete"
	}
	return "unknown"
}

// Progress is a snapshot of a single file transfer.
type Progress struct {
	Path       string
	BytesSoFar int64
	// Total is -1 when the server did not report a length.
	Total int64
	// Speed in bytes per second.
	Speed float64
	// ETA is zero when Total or Speed is unknown.
	ETA time.Duration
}

// Fraction returns completion in [0,1], or -1 when the total is unknown.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return -1
	}
	f := float64(p.BytesSoFar) / float64(p.Total)
	if f > 1 {
		f = 1
	}
	return f
}

// Event is one element of a download progress sequence. Exactly one terminal
// event (EventError or EventComplete) ends every sequence that is fully drained.
type Event struct {
	Kind     EventKind
	Progress Progress
	Err      error
	// Status is the accepted HTTP status for the first EventData of a request.
	Status int
}

// Terminal reports whether e ends its sequence.
func (e Event) Terminal() bool { return e.Kind != EventData }
