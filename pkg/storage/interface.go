package storage

import (
	"context"

	"zkelect/pkg/models"
)

// EventLog persists emitted events so they can be inspected later.
type EventLog interface {
	// Append stores one event.
	Append(ctx context.Context, event *models.Event) error

	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]models.Event, error)

	// Close releases the underlying connection.
	Close() error
}
