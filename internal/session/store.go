package session

import (
	"context"
	"errors"
	"time"
)

// Storage errors callers branch on.
var (
	// ErrNotFound is returned by Retrieve when no document exists for the id.
	ErrNotFound = errors.New("session: not found")

	// ErrInvalidID is returned when an empty conversation id is supplied.
	ErrInvalidID = errors.New("session: invalid conversation id")
)

// Store is the pluggable persistence backend for serialized session
// documents. Implementations must be safe for concurrent use by many
// calls.
type Store interface {
	// Store persists the serialized document under id, refreshing its
	// last-touched time.
	Store(ctx context.Context, id string, doc []byte) error

	// Retrieve returns the document stored under id. When touch is true
	// the entry's last-touched time is refreshed. Returns ErrNotFound if
	// no document exists.
	Retrieve(ctx context.Context, id string, touch bool) ([]byte, error)

	// Delete removes the document. Reports whether an entry existed.
	Delete(ctx context.Context, id string) (bool, error)

	// List returns the ids of all stored documents, including records
	// kept for ended calls. Callers that only want live sessions filter
	// by status.
	List(ctx context.Context) ([]string, error)

	// CleanupExpired removes entries whose last-touched time is older
	// than maxAge and returns the number removed.
	CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error)

	// Start launches any background maintenance the backend needs.
	Start(ctx context.Context) error

	// Stop halts background maintenance and releases resources.
	// Safe to call more than once.
	Stop(ctx context.Context) error
}
