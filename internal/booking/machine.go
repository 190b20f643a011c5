// internal/booking/machine.go
package booking

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// transitions is the full table of allowed state changes. Anything absent
// here fails with ErrInvalidTransition.
var transitions = map[State]map[EventType]State{
	StatePending: {
		EventPaymentCaptured: StateConfirmed,
		EventHoldExpired:     StateCancelled,
		EventUserAbort:       StateCancelled,
	},
	StateConfirmed: {
		EventServiceFulfilled: StateCompleted,
		EventUserCancel:       StateCancelled,
		EventAdminCancel:      StateCancelled,
		EventRefundIssued:     StateRefunded,
	},
	StateCompleted: {
		EventRefundIssued: StateRefunded,
	},
}

// New creates a Pending booking with the given id. The caller must already
// own a hold for the quantity; its id is recorded so confirmation and release
// can find it.
func New(id, resourceID uuid.UUID, timeUnit string, quantity int, holdID uuid.UUID, amount float64, at time.Time) *Booking {
	b := &Booking{
		ID:         id,
		ResourceID: resourceID,
		TimeUnit:   timeUnit,
		Quantity:   quantity,
		State:      StatePending,
		HoldID:     holdID,
		Amount:     amount,
		CreatedAt:  at,
		Version:    1,
	}
	b.History = append(b.History, HistoryEntry{
		Event: EventCreate,
		From:  "",
		To:    StatePending,
		At:    at,
	})
	return b
}

// CanApply reports whether ev is allowed in the booking's current state.
func (b *Booking) CanApply(ev EventType) bool {
	_, ok := transitions[b.State][ev]
	return ok
}

// Apply transitions the booking for ev, bumping the version and appending a
// history entry. The booking is unchanged on error.
func (b *Booking) Apply(ev EventType, at time.Time, note string) error {
	next, ok := transitions[b.State][ev]
	if !ok {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev, b.State)
	}
	b.History = append(b.History, HistoryEntry{
		Event: ev,
		From:  b.State,
		To:    next,
		At:    at,
		Note:  note,
	})
	b.State = next
	b.Version++
	return nil
}

// MarkModified records a quantity change without a state transition. Only
// meaningful while the booking is Pending or Confirmed.
func (b *Booking) MarkModified(quantity int, amount float64, at time.Time, note string) error {
	if b.State != StatePending && b.State != StateConfirmed {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, EventModified, b.State)
	}
	b.History = append(b.History, HistoryEntry{
		Event: EventModified,
		From:  b.State,
		To:    b.State,
		At:    at,
		Note:  note,
	})
	b.Quantity = quantity
	b.Amount = amount
	b.Version++
	return nil
}
