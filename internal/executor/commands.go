// internal/executor/commands.go
package executor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"reserva/internal/booking"
	"reserva/internal/dispatch"
	"reserva/internal/hold"
	"reserva/internal/ledger"
	"reserva/internal/pricing"
)

// CreateBooking acquires a hold and creates a Pending booking. The booking id
// is assigned up front so the executor can key its lock before the booking
// exists.
type CreateBooking struct {
	deps       Deps
	bookingID  uuid.UUID
	resourceID uuid.UUID
	timeUnit   string
	quantity   int
	ttl        time.Duration

	acquired *hold.Hold
}

func NewCreateBooking(deps Deps, resourceID uuid.UUID, timeUnit string, quantity int, ttl time.Duration) *CreateBooking {
	return &CreateBooking{
		deps:       deps,
		bookingID:  uuid.New(),
		resourceID: resourceID,
		timeUnit:   timeUnit,
		quantity:   quantity,
		ttl:        ttl,
	}
}

func (c *CreateBooking) Name() string         { return "create_booking" }
func (c *CreateBooking) BookingID() uuid.UUID { return c.bookingID }

func (c *CreateBooking) Execute(ctx context.Context) (Result, error) {
	key := ledger.Key{ResourceID: c.resourceID, TimeUnit: c.timeUnit}

	amount, err := c.deps.Pricer.Compute(pricing.Quote{
		ResourceID: c.resourceID,
		TimeUnit:   c.timeUnit,
		Quantity:   c.quantity,
	})
	if err != nil {
		return Result{}, fmt.Errorf("price booking: %w", err)
	}

	h, err := c.deps.Holds.Acquire(ctx, key, c.quantity, c.bookingID, c.ttl)
	if err != nil {
		return Result{}, err
	}
	c.acquired = &h

	b := booking.New(c.bookingID, c.resourceID, c.timeUnit, c.quantity, h.ID, amount, c.deps.Clock.Now())
	if err := c.deps.Bookings.Create(ctx, b); err != nil {
		return Result{}, fmt.Errorf("create booking: %w", err)
	}
	c.acquired = nil

	c.deps.Events.Publish(dispatch.Event{
		Type:      dispatch.BookingCreated,
		BookingID: b.ID,
		Timestamp: b.CreatedAt,
		Payload: map[string]any{
			"resource_id": c.resourceID.String(),
			"time_unit":   c.timeUnit,
			"quantity":    c.quantity,
			"amount":      amount,
			"hold_id":     h.ID.String(),
		},
	})
	return Result{BookingID: b.ID, State: b.State}, nil
}

func (c *CreateBooking) Compensate(ctx context.Context) {
	if c.acquired == nil {
		return
	}
	log.Printf("compensating %s for booking %s: releasing hold %s", c.Name(), c.bookingID, c.acquired.ID)
	if err := c.deps.Holds.Cancel(ctx, c.acquired.ID); err != nil {
		log.Printf("compensation failed: cancel hold %s: %v", c.acquired.ID, err)
	}
	c.acquired = nil
}

// ConfirmBooking captures payment, converts the hold into reserved capacity,
// and moves the booking Pending -> Confirmed.
type ConfirmBooking struct {
	deps      Deps
	bookingID uuid.UUID

	captured  bool
	confirmed *hold.Hold
	amount    float64
}

func NewConfirmBooking(deps Deps, bookingID uuid.UUID) *ConfirmBooking {
	return &ConfirmBooking{deps: deps, bookingID: bookingID}
}

func (c *ConfirmBooking) Name() string         { return "confirm_booking" }
func (c *ConfirmBooking) BookingID() uuid.UUID { return c.bookingID }

func (c *ConfirmBooking) Execute(ctx context.Context) (Result, error) {
	b, err := c.deps.Bookings.Get(ctx, c.bookingID)
	if err != nil {
		return Result{}, err
	}
	if !b.CanApply(booking.EventPaymentCaptured) {
		return Result{}, fmt.Errorf("%w: %s in state %s", booking.ErrInvalidTransition, booking.EventPaymentCaptured, b.State)
	}

	if err := c.deps.Payments.Capture(ctx, b.ID, b.Amount); err != nil {
		return Result{}, fmt.Errorf("%w: capture: %w", ErrCollaboratorFailure, err)
	}
	c.captured = true
	c.amount = b.Amount

	h, err := c.deps.Holds.Get(b.HoldID)
	if err != nil {
		return Result{}, err
	}
	if err := c.deps.Holds.Confirm(ctx, b.HoldID); err != nil {
		return Result{}, err
	}
	c.confirmed = &h

	if err := b.Apply(booking.EventPaymentCaptured, c.deps.Clock.Now(), ""); err != nil {
		return Result{}, err
	}
	if err := c.deps.Bookings.Update(ctx, b, b.Version-1); err != nil {
		return Result{}, fmt.Errorf("persist confirmation: %w", err)
	}
	c.captured = false
	c.confirmed = nil

	c.deps.Events.Publish(dispatch.Event{
		Type:      dispatch.BookingConfirmed,
		BookingID: b.ID,
		Timestamp: c.deps.Clock.Now(),
		Payload:   map[string]any{"amount": b.Amount},
	})
	return Result{BookingID: b.ID, State: b.State}, nil
}

func (c *ConfirmBooking) Compensate(ctx context.Context) {
	if c.confirmed != nil {
		// Revert through the manager, not the ledger: the hold must go back
		// to active so a retried confirm moves the capacity again instead of
		// no-opping on an already-confirmed hold that owns nothing.
		log.Printf("compensating %s for booking %s: unconfirming hold %s", c.Name(), c.bookingID, c.confirmed.ID)
		if err := c.deps.Holds.Unconfirm(ctx, c.confirmed.ID); err != nil {
			log.Printf("compensation failed: unconfirm hold %s: %v", c.confirmed.ID, err)
		}
		c.confirmed = nil
	}
	if c.captured {
		log.Printf("compensating %s for booking %s: refunding capture", c.Name(), c.bookingID)
		if err := c.deps.Payments.Refund(ctx, c.bookingID, c.amount); err != nil {
			log.Printf("compensation failed: refund: %v", err)
		}
		c.captured = false
	}
}

// CancelBooking releases held or reserved capacity and moves the booking to
// Cancelled. The event distinguishes user aborts, admin cancellations, and
// hold expiry.
type CancelBooking struct {
	deps      Deps
	bookingID uuid.UUID
	event     booking.EventType
	note      string

	releasedReserved int
	key              ledger.Key
}

func NewCancelBooking(deps Deps, bookingID uuid.UUID, event booking.EventType, note string) *CancelBooking {
	return &CancelBooking{deps: deps, bookingID: bookingID, event: event, note: note}
}

func (c *CancelBooking) Name() string         { return "cancel_booking" }
func (c *CancelBooking) BookingID() uuid.UUID { return c.bookingID }

func (c *CancelBooking) Execute(ctx context.Context) (Result, error) {
	b, err := c.deps.Bookings.Get(ctx, c.bookingID)
	if err != nil {
		return Result{}, err
	}
	if !b.CanApply(c.event) {
		return Result{}, fmt.Errorf("%w: %s in state %s", booking.ErrInvalidTransition, c.event, b.State)
	}

	c.key = ledger.Key{ResourceID: b.ResourceID, TimeUnit: b.TimeUnit}
	switch b.State {
	case booking.StatePending:
		// The sweep already released the capacity when the hold expired;
		// Cancel is idempotent either way. If the persist below fails the
		// hold stays released: the booking reads Pending but a confirm gets
		// ErrExpired. Freed capacity is never re-held on behalf of a
		// cancellation the caller asked for.
		if err := c.deps.Holds.Cancel(ctx, b.HoldID); err != nil {
			return Result{}, err
		}
	case booking.StateConfirmed:
		if err := c.deps.Ledger.ReleaseReserved(ctx, c.key, b.Quantity); err != nil {
			return Result{}, err
		}
		c.releasedReserved = b.Quantity
	}

	if err := b.Apply(c.event, c.deps.Clock.Now(), c.note); err != nil {
		return Result{}, err
	}
	if err := c.deps.Bookings.Update(ctx, b, b.Version-1); err != nil {
		return Result{}, fmt.Errorf("persist cancellation: %w", err)
	}
	c.releasedReserved = 0

	c.deps.Events.Publish(dispatch.Event{
		Type:      dispatch.BookingCancelled,
		BookingID: b.ID,
		Timestamp: c.deps.Clock.Now(),
		Payload:   map[string]any{"event": string(c.event), "note": c.note},
	})
	return Result{BookingID: b.ID, State: b.State}, nil
}

func (c *CancelBooking) Compensate(ctx context.Context) {
	if c.releasedReserved == 0 {
		return
	}
	log.Printf("compensating %s for booking %s: re-reserving %d", c.Name(), c.bookingID, c.releasedReserved)
	if err := c.deps.Ledger.Reserve(ctx, c.key, c.releasedReserved); err != nil {
		log.Printf("compensation failed: reserve: %v", err)
	}
	c.releasedReserved = 0
}

// CompleteBooking marks a confirmed booking as fulfilled. Reserved capacity
// stays consumed.
type CompleteBooking struct {
	deps      Deps
	bookingID uuid.UUID
}

func NewCompleteBooking(deps Deps, bookingID uuid.UUID) *CompleteBooking {
	return &CompleteBooking{deps: deps, bookingID: bookingID}
}

func (c *CompleteBooking) Name() string         { return "complete_booking" }
func (c *CompleteBooking) BookingID() uuid.UUID { return c.bookingID }

func (c *CompleteBooking) Execute(ctx context.Context) (Result, error) {
	b, err := c.deps.Bookings.Get(ctx, c.bookingID)
	if err != nil {
		return Result{}, err
	}
	if err := b.Apply(booking.EventServiceFulfilled, c.deps.Clock.Now(), ""); err != nil {
		return Result{}, err
	}
	if err := c.deps.Bookings.Update(ctx, b, b.Version-1); err != nil {
		return Result{}, fmt.Errorf("persist completion: %w", err)
	}

	c.deps.Events.Publish(dispatch.Event{
		Type:      dispatch.BookingCompleted,
		BookingID: b.ID,
		Timestamp: c.deps.Clock.Now(),
	})
	return Result{BookingID: b.ID, State: b.State}, nil
}

func (c *CompleteBooking) Compensate(context.Context) {}

// RefundBooking issues a refund through the payment collaborator, returns
// reserved capacity, and moves the booking to Refunded.
type RefundBooking struct {
	deps      Deps
	bookingID uuid.UUID

	releasedReserved int
	key              ledger.Key
}

func NewRefundBooking(deps Deps, bookingID uuid.UUID) *RefundBooking {
	return &RefundBooking{deps: deps, bookingID: bookingID}
}

func (c *RefundBooking) Name() string         { return "refund_booking" }
func (c *RefundBooking) BookingID() uuid.UUID { return c.bookingID }

func (c *RefundBooking) Execute(ctx context.Context) (Result, error) {
	b, err := c.deps.Bookings.Get(ctx, c.bookingID)
	if err != nil {
		return Result{}, err
	}
	if !b.CanApply(booking.EventRefundIssued) {
		return Result{}, fmt.Errorf("%w: %s in state %s", booking.ErrInvalidTransition, booking.EventRefundIssued, b.State)
	}

	if err := c.deps.Payments.Refund(ctx, b.ID, b.Amount); err != nil {
		return Result{}, fmt.Errorf("%w: refund: %w", ErrCollaboratorFailure, err)
	}

	c.key = ledger.Key{ResourceID: b.ResourceID, TimeUnit: b.TimeUnit}
	if err := c.deps.Ledger.ReleaseReserved(ctx, c.key, b.Quantity); err != nil {
		return Result{}, err
	}
	c.releasedReserved = b.Quantity

	if err := b.Apply(booking.EventRefundIssued, c.deps.Clock.Now(), ""); err != nil {
		return Result{}, err
	}
	if err := c.deps.Bookings.Update(ctx, b, b.Version-1); err != nil {
		return Result{}, fmt.Errorf("persist refund: %w", err)
	}
	c.releasedReserved = 0

	c.deps.Events.Publish(dispatch.Event{
		Type:      dispatch.BookingRefunded,
		BookingID: b.ID,
		Timestamp: c.deps.Clock.Now(),
		Payload:   map[string]any{"amount": b.Amount},
	})
	return Result{BookingID: b.ID, State: b.State}, nil
}

func (c *RefundBooking) Compensate(ctx context.Context) {
	if c.releasedReserved == 0 {
		return
	}
	log.Printf("compensating %s for booking %s: re-reserving %d", c.Name(), c.bookingID, c.releasedReserved)
	if err := c.deps.Ledger.Reserve(ctx, c.key, c.releasedReserved); err != nil {
		log.Printf("compensation failed: reserve: %v", err)
	}
	c.releasedReserved = 0
}

// ModifyBooking changes the quantity of a Pending or Confirmed booking,
// repricing it. Pending swaps the hold; Confirmed adjusts reserved capacity
// by the delta.
type ModifyBooking struct {
	deps        Deps
	bookingID   uuid.UUID
	newQuantity int

	acquired         *hold.Hold
	confirmedDelta   *hold.Hold
	releasedReserved int
	key              ledger.Key
}

func NewModifyBooking(deps Deps, bookingID uuid.UUID, newQuantity int) *ModifyBooking {
	return &ModifyBooking{deps: deps, bookingID: bookingID, newQuantity: newQuantity}
}

func (c *ModifyBooking) Name() string         { return "modify_booking" }
func (c *ModifyBooking) BookingID() uuid.UUID { return c.bookingID }

func (c *ModifyBooking) Execute(ctx context.Context) (Result, error) {
	if c.newQuantity <= 0 {
		return Result{}, ledger.ErrInvalidQuantity
	}

	b, err := c.deps.Bookings.Get(ctx, c.bookingID)
	if err != nil {
		return Result{}, err
	}
	if b.State != booking.StatePending && b.State != booking.StateConfirmed {
		return Result{}, fmt.Errorf("%w: %s in state %s", booking.ErrInvalidTransition, booking.EventModified, b.State)
	}
	if c.newQuantity == b.Quantity {
		return Result{BookingID: b.ID, State: b.State}, nil
	}

	amount, err := c.deps.Pricer.Compute(pricing.Quote{
		ResourceID: b.ResourceID,
		TimeUnit:   b.TimeUnit,
		Quantity:   c.newQuantity,
	})
	if err != nil {
		return Result{}, fmt.Errorf("price booking: %w", err)
	}

	c.key = ledger.Key{ResourceID: b.ResourceID, TimeUnit: b.TimeUnit}
	note := fmt.Sprintf("quantity %d -> %d", b.Quantity, c.newQuantity)
	oldHoldID := b.HoldID

	switch b.State {
	case booking.StatePending:
		h, err := c.deps.Holds.Acquire(ctx, c.key, c.newQuantity, b.ID, 0)
		if err != nil {
			return Result{}, err
		}
		c.acquired = &h
		b.HoldID = h.ID

	case booking.StateConfirmed:
		delta := c.newQuantity - b.Quantity
		if delta > 0 {
			h, err := c.deps.Holds.Acquire(ctx, c.key, delta, b.ID, 0)
			if err != nil {
				return Result{}, err
			}
			c.acquired = &h
			if err := c.deps.Holds.Confirm(ctx, h.ID); err != nil {
				return Result{}, err
			}
			c.acquired = nil
			c.confirmedDelta = &h
		} else {
			if err := c.deps.Ledger.ReleaseReserved(ctx, c.key, -delta); err != nil {
				return Result{}, err
			}
			c.releasedReserved = -delta
		}
	}

	if err := b.MarkModified(c.newQuantity, amount, c.deps.Clock.Now(), note); err != nil {
		return Result{}, err
	}
	if err := c.deps.Bookings.Update(ctx, b, b.Version-1); err != nil {
		return Result{}, fmt.Errorf("persist modification: %w", err)
	}

	// Old hold is released last so a persist failure leaves it intact.
	if b.State == booking.StatePending && oldHoldID != uuid.Nil {
		if err := c.deps.Holds.Cancel(ctx, oldHoldID); err != nil {
			log.Printf("modify booking %s: release old hold %s: %v", b.ID, oldHoldID, err)
		}
	}
	c.acquired = nil
	c.confirmedDelta = nil
	c.releasedReserved = 0

	c.deps.Events.Publish(dispatch.Event{
		Type:      dispatch.BookingModified,
		BookingID: b.ID,
		Timestamp: c.deps.Clock.Now(),
		Payload:   map[string]any{"quantity": c.newQuantity, "amount": amount},
	})
	return Result{BookingID: b.ID, State: b.State}, nil
}

func (c *ModifyBooking) Compensate(ctx context.Context) {
	if c.acquired != nil {
		log.Printf("compensating %s for booking %s: releasing hold %s", c.Name(), c.bookingID, c.acquired.ID)
		if err := c.deps.Holds.Cancel(ctx, c.acquired.ID); err != nil {
			log.Printf("compensation failed: cancel hold: %v", err)
		}
		c.acquired = nil
	}
	if c.confirmedDelta != nil {
		// Unconfirm puts the delta back on hold, Cancel returns it to the
		// pool; the delta hold is never referenced again after a failure.
		log.Printf("compensating %s for booking %s: releasing confirmed delta hold %s", c.Name(), c.bookingID, c.confirmedDelta.ID)
		if err := c.deps.Holds.Unconfirm(ctx, c.confirmedDelta.ID); err != nil {
			log.Printf("compensation failed: unconfirm hold: %v", err)
		} else if err := c.deps.Holds.Cancel(ctx, c.confirmedDelta.ID); err != nil {
			log.Printf("compensation failed: cancel hold: %v", err)
		}
		c.confirmedDelta = nil
	}
	if c.releasedReserved > 0 {
		log.Printf("compensating %s for booking %s: re-reserving %d", c.Name(), c.bookingID, c.releasedReserved)
		if err := c.deps.Ledger.Reserve(ctx, c.key, c.releasedReserved); err != nil {
			log.Printf("compensation failed: reserve: %v", err)
		}
		c.releasedReserved = 0
	}
}
