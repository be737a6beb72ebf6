package audit

import (
	"context"

	"github.com/ruvnet/agent-name-service/internal/registry/model"
)

// Log is the interface for the append-only hash-chained security event log.
// Both MemoryLog and PostgresLog implement this interface.
type Log interface {
	// Append chains a new event onto the log. The event's ID and Timestamp
	// are filled in if unset. Returns the created entry.
	Append(ctx context.Context, ev model.SecurityEvent) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Query returns events matching the filter, newest first, up to
	// filter.Limit (unlimited when zero). The genesis entry is excluded.
	Query(ctx context.Context, filter model.EventFilter) ([]model.SecurityEvent, error)

	// Len returns the total number of entries (including genesis).
	Len(ctx context.Context) (int, error)

	// Verify walks the entire chain and checks hash consistency.
	// Returns nil if the chain is intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry (the chain tip).
	Root(ctx context.Context) (string, error)
}
