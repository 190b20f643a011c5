// internal/ledger/domain.go
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrConflict signals a version mismatch; the caller must re-read and retry.
	ErrConflict = errors.New("ledger conflict: version mismatch")
	// ErrInsufficientCapacity is terminal: the requested quantity is not available.
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	// ErrNotFound is returned by stores when no record exists for a key.
	ErrNotFound = errors.New("inventory record not found")
	// ErrInvalidQuantity rejects non-positive quantities.
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// Key identifies the capacity pool for one resource on one time-unit
// (a night, a flight leg, an appointment slot).
type Key struct {
	ResourceID uuid.UUID `json:"resource_id"`
	TimeUnit   string    `json:"time_unit"`
}

// Record is the authoritative capacity counter for a key. Version increments
// on every mutation and doubles as the optimistic concurrency token.
type Record struct {
	Key      Key   `json:"key"`
	Capacity int   `json:"capacity"`
	Held     int   `json:"held"`
	Reserved int   `json:"reserved"`
	Version  int64 `json:"version"`
}

// Available is capacity minus everything held or reserved.
func (r Record) Available() int {
	return r.Capacity - r.Held - r.Reserved
}

// Store is the persistence collaborator contract. Implementations must make
// Create fail when a record for the key already exists and Update fail when
// the stored version differs from expectedVersion, both with ErrConflict.
// Keys lists every key with a record for the resource.
type Store interface {
	Get(ctx context.Context, key Key) (Record, error)
	Create(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record, expectedVersion int64) error
	Keys(ctx context.Context, resourceID uuid.UUID) ([]Key, error)
}

// CapacityProvider supplies the effective capacity for a resource when a
// record is created lazily on first hold.
type CapacityProvider interface {
	Capacity(resourceID uuid.UUID) (int, error)
}
