package memory

import (
	"context"
	"sync"
	"time"

	"dispatchd/internal/events"
)

// EventRecorder is an in-memory audit sink for tests and demos.
type EventRecorder struct {
	mu     sync.RWMutex
	events []events.Event

	// FailNext forces the next Record call to return this error, mimicking
	// a store failure. Cleared after one use.
	FailNext error
}

// NewEventRecorder constructs a recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Record appends one event.
func (r *EventRecorder) Record(ctx context.Context, event events.Event) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailNext != nil {
		err := r.FailNext
		r.FailNext = nil
		return err
	}
	if event.EventID == "" {
		event.EventID = events.NewEventID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = events.LevelInfo
	}
	r.events = append(r.events, event)
	return nil
}

// List returns recorded events matching the filter, newest first.
func (r *EventRecorder) List(ctx context.Context, filter events.Filter) ([]events.Event, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var result []events.Event
	for i := len(r.events) - 1; i >= 0 && len(result) < limit; i-- {
		event := r.events[i]
		if filter.CommandID != "" && event.CommandID != filter.CommandID {
			continue
		}
		if filter.AgentID != "" && event.AgentID != filter.AgentID {
			continue
		}
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		result = append(result, event)
	}
	return result, nil
}

// CountByType returns the number of recorded events with the given type.
func (r *EventRecorder) CountByType(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, event := range r.events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}
