package events

import (
	"context"
	"sync"

	"zkelect/pkg/models"
	"zkelect/pkg/storage"
)

// Recorder is an in-memory event log bounded to the most recent events.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
	max    int
}

var _ storage.EventLog = (*Recorder)(nil)

// NewRecorder keeps at most max events; max <= 0 keeps everything.
func NewRecorder(max int) *Recorder {
	return &Recorder{max: max}
}

func (r *Recorder) Append(_ context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	if r.max > 0 && len(r.events) > r.max {
		r.events = append([]models.Event(nil), r.events[len(r.events)-r.max:]...)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (r *Recorder) Recent(_ context.Context, limit int) ([]models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.events) {
		limit = len(r.events)
	}
	out := make([]models.Event, 0, limit)
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.events[i])
	}
	return out, nil
}

// Events returns every retained event in emission order.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// OfKind filters the retained events by kind, in emission order.
func (r *Recorder) OfKind(kind models.EventKind) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Close() error {
	return nil
}
