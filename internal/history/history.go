// Package history exports stream lifecycle events to analytics stores.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventRestart EventType = "restart"
	EventFailure EventType = "failure"
	EventZombie  EventType = "zombie"
)

// Event is one audited action of the supervisor. Resource names the
// subprocess kind, failure counter or zombie kind involved.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	StreamID   string    `json:"stream_id"`
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	Resource   string    `json:"resource"`
	PID        int       `json:"pid"`
	Detail     string    `json:"detail"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Recorder fans events out to sinks. A nil *Recorder drops everything, so
// components can hold one unconditionally.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, timeout: 5 * time.Second, log: log.With("component", "history")}
}

// Record sends e to every sink in the background. Failures are logged.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range r.sinks {
		r.wg.Add(1)
		go func(s Sink) {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink failed", "type", e.Type, "id", e.StreamID, "error", err)
			}
		}(s)
	}
}

// Flush waits for in-flight sends.
func (r *Recorder) Flush() {
	if r != nil {
		r.wg.Wait()
	}
}

// Close flushes and closes every sink.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.Flush()
	var errs []error
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
