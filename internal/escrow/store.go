package escrow

import (
	"context"

	"github.com/mbd888/marketescrow/internal/pagination"
)

// Store persists escrow transactions.
//
// Writes after creation go through CompareAndSwap only; there is no blind
// update. Implementations must return copies so callers never share memory
// with the stored record.
type Store interface {
	// Create inserts a new record. ErrDuplicate if the id is taken.
	Create(ctx context.Context, tx *Transaction) error

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Transaction, error)

	// CompareAndSwap replaces the record only if its stored version still
	// equals expected. next.Version must be expected+1. A lost race yields
	// ErrVersionConflict; an unknown id yields ErrNotFound.
	CompareAndSwap(ctx context.Context, expected int64, next *Transaction) error

	// ListByStatus returns up to limit records in any of the given statuses,
	// oldest first. A non-nil after resumes strictly above that
	// (created_at, id) position.
	ListByStatus(ctx context.Context, statuses []Status, limit int, after *pagination.Cursor) ([]*Transaction, error)

	// ListByParty returns up to limit records where party is buyer or
	// seller, newest first. A non-nil after resumes strictly below that
	// (created_at, id) position.
	ListByParty(ctx context.Context, party string, limit int, after *pagination.Cursor) ([]*Transaction, error)

	// Snapshot returns every record. Used by the stats projection.
	Snapshot(ctx context.Context) ([]*Transaction, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
}
