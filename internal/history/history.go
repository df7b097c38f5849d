package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

// Event is one worker lifecycle transition, exported to external systems.
// ExitCode is nil for start events and for stops whose code could not be determined.
// Path names how a stop completed (graceful, forced, already_stopped, no_process).
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Path       string    `json:"path,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder forwards events to a Sink with a bounded timeout, dropping
// failures so supervision never blocks on history.
type Recorder struct {
	Sink    Sink
	Timeout time.Duration
	OnError func(Event, error)
}

// Record sends e best-effort. A nil Recorder or Sink is a no-op.
func (r *Recorder) Record(e Event) {
	if r == nil || r.Sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := r.Sink.Send(ctx, e); err != nil && r.OnError != nil {
		r.OnError(e, err)
	}
}
