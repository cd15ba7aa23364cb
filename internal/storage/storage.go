package storage

import (
	"context"
	"time"

	"focusplay/internal/event"
)

// Journal is the append-only history of focus, session, notification and
// connection changes.
type Journal interface {
	Init(ctx context.Context) error
	SaveEntry(ctx context.Context, e event.JournalEntry) (int64, error)
	// GetEntries returns entries in [start, end] oldest first, optionally
	// filtered by kind.
	GetEntries(ctx context.Context, start, end time.Time, kinds ...event.EntryKind) ([]event.JournalEntry, error)
	// Recent returns the newest limit entries since start, oldest first.
	Recent(ctx context.Context, since time.Time, limit int) ([]event.JournalEntry, error)
	Close() error
}
