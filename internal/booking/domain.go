// internal/booking/domain.go
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition is returned for any event not allowed in the
	// booking's current state. Never retried.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotFound is returned by stores when no booking exists for an id.
	ErrNotFound = errors.New("booking not found")
	// ErrVersionMismatch is returned by stores on a conditional-write failure.
	ErrVersionMismatch = errors.New("booking version mismatch")
)

// State is the lifecycle position of a booking.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateRefunded  State = "refunded"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateRefunded:
		return true
	}
	return false
}

// EventType names the lifecycle events that drive transitions.
type EventType string

const (
	EventCreate           EventType = "Create"
	EventPaymentCaptured  EventType = "PaymentCaptured"
	EventHoldExpired      EventType = "HoldExpired"
	EventUserAbort        EventType = "UserAbort"
	EventServiceFulfilled EventType = "ServiceFulfilled"
	EventUserCancel       EventType = "UserCancel"
	EventAdminCancel      EventType = "AdminCancel"
	EventRefundIssued     EventType = "RefundIssued"
	// EventModified marks a quantity change in the history; the state is
	// unchanged.
	EventModified EventType = "Modified"
)

// HistoryEntry records one applied event. Entries are append-only.
type HistoryEntry struct {
	Event EventType `json:"event"`
	From  State     `json:"from"`
	To    State     `json:"to"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// Booking is the aggregate owned by the state machine. It is mutated only
// through Command Executor operations.
type Booking struct {
	ID         uuid.UUID      `json:"id"`
	ResourceID uuid.UUID      `json:"resource_id"`
	TimeUnit   string         `json:"time_unit"`
	Quantity   int            `json:"quantity"`
	State      State          `json:"state"`
	HoldID     uuid.UUID      `json:"hold_id,omitempty"`
	Amount     float64        `json:"amount"`
	CreatedAt  time.Time      `json:"created_at"`
	Version    int64          `json:"version"`
	History    []HistoryEntry `json:"history"`
}

// Clone returns a deep copy; the history slice is never shared.
func (b *Booking) Clone() *Booking {
	cp := *b
	cp.History = make([]HistoryEntry, len(b.History))
	copy(cp.History, b.History)
	return &cp
}

// Store is the persistence collaborator contract for bookings. Update is a
// conditional write on the stored version.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*Booking, error)
	Create(ctx context.Context, b *Booking) error
	Update(ctx context.Context, b *Booking, expectedVersion int64) error
}
