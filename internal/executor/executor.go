// internal/executor/executor.go
package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"reserva/internal/booking"
	"reserva/internal/clock"
	"reserva/internal/dispatch"
	"reserva/internal/hold"
	"reserva/internal/ledger"
	"reserva/internal/payment"
	"reserva/internal/pricing"
)

// ErrCollaboratorFailure wraps a payment capture or refund rejection. It
// triggers compensation and is surfaced to the caller, never retried.
var ErrCollaboratorFailure = errors.New("collaborator failure")

// Result is the outcome of a successfully executed command.
type Result struct {
	BookingID uuid.UUID     `json:"booking_id"`
	State     booking.State `json:"state"`
}

// Command is one reversible booking operation. Execute performs the
// two-phase ledger-then-state sequence; Compensate reverses whatever partial
// ledger progress Execute recorded, so the ledger never reflects capacity
// for a booking stuck in an invalid state. Compensation is domain-specific,
// not generic replay.
type Command interface {
	Name() string
	BookingID() uuid.UUID
	Execute(ctx context.Context) (Result, error)
	Compensate(ctx context.Context)
}

// Deps bundles the collaborators commands operate on.
type Deps struct {
	Ledger   *ledger.Ledger
	Holds    *hold.Manager
	Bookings booking.Store
	Payments payment.Collaborator
	Pricer   pricing.Calculator
	Events   *dispatch.Dispatcher
	Clock    clock.Clock
}

const defaultConflictRetries = 3

// Executor serializes commands per booking id while letting distinct ids run
// fully in parallel. Transient ledger conflicts are retried a bounded number
// of times; every other failure compensates and surfaces unmodified.
type Executor struct {
	locks           keyedLocks
	tracer          trace.Tracer
	conflictRetries int
}

// Option configures an Executor.
type Option func(*Executor)

// WithConflictRetries bounds re-attempts after a ledger conflict.
func WithConflictRetries(n int) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.conflictRetries = n
		}
	}
}

func New(opts ...Option) *Executor {
	e := &Executor{
		tracer:          otel.Tracer("reserva/executor"),
		conflictRetries: defaultConflictRetries,
	}
	e.locks.entries = make(map[uuid.UUID]*lockEntry)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the command under its booking's lock.
func (e *Executor) Execute(ctx context.Context, cmd Command) (Result, error) {
	unlock := e.locks.lock(cmd.BookingID())
	defer unlock()

	ctx, span := e.tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(
			attribute.String("command", cmd.Name()),
			attribute.String("booking.id", cmd.BookingID().String()),
		),
	)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= e.conflictRetries; attempt++ {
		res, err := cmd.Execute(ctx)
		if err == nil {
			span.SetAttributes(attribute.String("booking.state", string(res.State)))
			return res, nil
		}
		cmd.Compensate(ctx)
		if !errors.Is(err, ledger.ErrConflict) {
			return Result{}, err
		}
		lastErr = err
	}
	span.SetAttributes(attribute.Bool("retries.exhausted", true))
	return Result{}, lastErr
}

// keyedLocks hands out one mutex per booking id, reclaiming entries when the
// last holder releases.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(id uuid.UUID) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[id]
	if !ok {
		e = &lockEntry{}
		k.entries[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, id)
		}
		k.mu.Unlock()
	}
}
