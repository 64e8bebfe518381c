package receipt

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("receipt snapshot not found")

// Store persists the encoded snapshot at a single well known location.
type Store interface {
	// Save overwrites the stored snapshot.
	Save(ctx context.Context, data []byte) error

	// Load returns the stored snapshot.
	//
	// ErrNotFound is returned if nothing is stored.
	Load(ctx context.Context) ([]byte, error)

	// Remove deletes the stored snapshot. It is idempotent.
	Remove(ctx context.Context) error
}
