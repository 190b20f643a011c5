package executor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reserva/internal/booking"
	"reserva/internal/clock"
	"reserva/internal/dispatch"
	"reserva/internal/executor"
	"reserva/internal/hold"
	"reserva/internal/ledger"
	"reserva/internal/payment"
	"reserva/internal/pricing"
	"reserva/internal/store/memory"
)

type fixedCaps int

func (c fixedCaps) Capacity(uuid.UUID) (int, error) { return int(c), nil }

// fakePayments records calls and fails on demand.
type fakePayments struct {
	mu             sync.Mutex
	declineCapture bool
	failRefund     bool
	captures       int
	refunds        int
}

func (p *fakePayments) Capture(context.Context, uuid.UUID, float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declineCapture {
		return payment.ErrDeclined
	}
	p.captures++
	return nil
}

func (p *fakePayments) Refund(context.Context, uuid.UUID, float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRefund {
		return payment.ErrRefundFailed
	}
	p.refunds++
	return nil
}

// failingBookingStore fails Create/Update a configured number of times.
type failingBookingStore struct {
	booking.Store
	failCreates int
	failUpdates int
}

var errStoreDown = errors.New("store down")

func (s *failingBookingStore) Create(ctx context.Context, b *booking.Booking) error {
	if s.failCreates > 0 {
		s.failCreates--
		return errStoreDown
	}
	return s.Store.Create(ctx, b)
}

func (s *failingBookingStore) Update(ctx context.Context, b *booking.Booking, expectedVersion int64) error {
	if s.failUpdates > 0 {
		s.failUpdates--
		return errStoreDown
	}
	return s.Store.Update(ctx, b, expectedVersion)
}

type fixture struct {
	exec     *executor.Executor
	deps     executor.Deps
	ledger   *ledger.Ledger
	payments *fakePayments
	clock    *clock.Fixed
	key      ledger.Key
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	led := ledger.New(memory.NewLedgerStore(), fixedCaps(capacity))
	clk := clock.NewFixed(time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC))
	payments := &fakePayments{}
	dispatcher := dispatch.New()
	t.Cleanup(dispatcher.Close)

	f := &fixture{
		exec:     executor.New(),
		ledger:   led,
		payments: payments,
		clock:    clk,
		key:      ledger.Key{ResourceID: uuid.New(), TimeUnit: "2024-07-01"},
	}
	f.deps = executor.Deps{
		Ledger:   led,
		Holds:    hold.NewManager(led, clk, hold.WithTTL(time.Hour)),
		Bookings: memory.NewBookingStore(),
		Payments: payments,
		Pricer:   pricing.PerUnit{UnitPrice: 100},
		Events:   dispatcher,
		Clock:    clk,
	}
	return f
}

func (f *fixture) available(t *testing.T) int {
	t.Helper()
	available, _, err := f.ledger.GetAvailable(context.Background(), f.key)
	require.NoError(t, err)
	return available
}

func (f *fixture) create(t *testing.T, quantity int) executor.Result {
	t.Helper()
	res, err := f.exec.Execute(context.Background(),
		executor.NewCreateBooking(f.deps, f.key.ResourceID, f.key.TimeUnit, quantity, 0))
	require.NoError(t, err)
	return res
}

func TestCreateBooking(t *testing.T) {
	f := newFixture(t, 10)

	res := f.create(t, 2)
	assert.Equal(t, booking.StatePending, res.State)
	assert.Equal(t, 8, f.available(t))

	b, err := f.deps.Bookings.Get(context.Background(), res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, 200.0, b.Amount)
	assert.NotEqual(t, uuid.Nil, b.HoldID)
}

func TestCreateBooking_InsufficientCapacity(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.exec.Execute(context.Background(),
		executor.NewCreateBooking(f.deps, f.key.ResourceID, f.key.TimeUnit, 2, 0))
	assert.ErrorIs(t, err, ledger.ErrInsufficientCapacity)
	assert.Equal(t, 1, f.available(t))
}

func TestCreateBooking_CompensatesHoldWhenPersistFails(t *testing.T) {
	f := newFixture(t, 10)
	f.deps.Bookings = &failingBookingStore{Store: f.deps.Bookings, failCreates: 1}

	_, err := f.exec.Execute(context.Background(),
		executor.NewCreateBooking(f.deps, f.key.ResourceID, f.key.TimeUnit, 3, 0))
	require.ErrorIs(t, err, errStoreDown)

	// The compensating release returned the held capacity.
	assert.Equal(t, 10, f.available(t))
}

func TestConfirmBooking(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 2)

	confirmed, err := f.exec.Execute(context.Background(), executor.NewConfirmBooking(f.deps, res.BookingID))
	require.NoError(t, err)
	assert.Equal(t, booking.StateConfirmed, confirmed.State)
	assert.Equal(t, 1, f.payments.captures)
	assert.Equal(t, 8, f.available(t))
}

func TestConfirmBooking_PaymentDeclinedLeavesPending(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 2)
	f.payments.declineCapture = true

	_, err := f.exec.Execute(context.Background(), executor.NewConfirmBooking(f.deps, res.BookingID))
	assert.ErrorIs(t, err, executor.ErrCollaboratorFailure)

	b, err := f.deps.Bookings.Get(context.Background(), res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatePending, b.State)
	// The hold keeps ticking toward its TTL; capacity stays held.
	assert.Equal(t, 8, f.available(t))
}

func TestConfirmBooking_CompensatesWhenPersistFails(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 2)
	f.deps.Bookings = &failingBookingStore{Store: f.deps.Bookings, failUpdates: 1}

	_, err := f.exec.Execute(context.Background(), executor.NewConfirmBooking(f.deps, res.BookingID))
	require.ErrorIs(t, err, errStoreDown)

	// The capture was refunded and the reservation moved back onto the hold:
	// the Pending booking still owns its capacity, same as a declined capture.
	assert.Equal(t, 1, f.payments.refunds)
	assert.Equal(t, 8, f.available(t))

	b, err := f.deps.Bookings.Get(context.Background(), res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatePending, b.State)

	got, err := f.deps.Holds.Get(b.HoldID)
	require.NoError(t, err)
	assert.Equal(t, hold.StatusActive, got.Status)
}

// A confirm whose persist failed must be retryable without losing the unit:
// the retried confirm walks the full path and ends up owning the capacity.
func TestConfirmBooking_RetryAfterFailedPersist(t *testing.T) {
	f := newFixture(t, 1)
	res := f.create(t, 1)
	f.deps.Bookings = &failingBookingStore{Store: f.deps.Bookings, failUpdates: 1}

	_, err := f.exec.Execute(context.Background(), executor.NewConfirmBooking(f.deps, res.BookingID))
	require.ErrorIs(t, err, errStoreDown)

	confirmed, err := f.exec.Execute(context.Background(), executor.NewConfirmBooking(f.deps, res.BookingID))
	require.NoError(t, err)
	assert.Equal(t, booking.StateConfirmed, confirmed.State)
	assert.Equal(t, 0, f.available(t), "the confirmed booking must still own the unit")
}

func TestConfirmBooking_ExpiredHold(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 2)

	f.clock.Advance(2 * time.Hour)
	f.deps.Holds.SweepNow(context.Background())

	_, err := f.exec.Execute(context.Background(), executor.NewConfirmBooking(f.deps, res.BookingID))
	assert.ErrorIs(t, err, hold.ErrExpired)
	assert.Equal(t, 10, f.available(t))
}

func TestCancelBooking_Pending(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 2)

	cancelled, err := f.exec.Execute(context.Background(),
		executor.NewCancelBooking(f.deps, res.BookingID, booking.EventUserAbort, "changed my mind"))
	require.NoError(t, err)
	assert.Equal(t, booking.StateCancelled, cancelled.State)
	assert.Equal(t, 10, f.available(t))
}

// A failed cancel persist leaves the hold released: the booking reads Pending
// but its capacity is already back in the pool, and a later confirm fails.
// Capacity errs toward availability, never toward oversell.
func TestCancelBooking_PendingPersistFailureLeavesCapacityFree(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 2)
	f.deps.Bookings = &failingBookingStore{Store: f.deps.Bookings, failUpdates: 1}

	_, err := f.exec.Execute(context.Background(),
		executor.NewCancelBooking(f.deps, res.BookingID, booking.EventUserAbort, ""))
	require.ErrorIs(t, err, errStoreDown)

	b, err := f.deps.Bookings.Get(context.Background(), res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatePending, b.State)
	assert.Equal(t, 10, f.available(t))

	_, err = f.exec.Execute(context.Background(), executor.NewConfirmBooking(f.deps, res.BookingID))
	assert.ErrorIs(t, err, hold.ErrExpired)
}

func TestCancelBooking_ConfirmedReleasesReserved(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 2)
	_, err := f.exec.Execute(context.Background(), executor.NewConfirmBooking(f.deps, res.BookingID))
	require.NoError(t, err)

	cancelled, err := f.exec.Execute(context.Background(),
		executor.NewCancelBooking(f.deps, res.BookingID, booking.EventAdminCancel, "overbooked"))
	require.NoError(t, err)
	assert.Equal(t, booking.StateCancelled, cancelled.State)
	assert.Equal(t, 10, f.available(t))
}

func TestCancelBooking_CompletedIsInvalidAndLeavesLedgerUnchanged(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 2)
	_, err := f.exec.Execute(context.Background(), executor.NewConfirmBooking(f.deps, res.BookingID))
	require.NoError(t, err)
	_, err = f.exec.Execute(context.Background(), executor.NewCompleteBooking(f.deps, res.BookingID))
	require.NoError(t, err)

	before := f.available(t)
	_, err = f.exec.Execute(context.Background(),
		executor.NewCancelBooking(f.deps, res.BookingID, booking.EventUserCancel, ""))
	assert.ErrorIs(t, err, booking.ErrInvalidTransition)
	assert.Equal(t, before, f.available(t))

	b, err := f.deps.Bookings.Get(context.Background(), res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, booking.StateCompleted, b.State)
}

func TestRefundBooking(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 2)
	_, err := f.exec.Execute(context.Background(), executor.NewConfirmBooking(f.deps, res.BookingID))
	require.NoError(t, err)

	refunded, err := f.exec.Execute(context.Background(), executor.NewRefundBooking(f.deps, res.BookingID))
	require.NoError(t, err)
	assert.Equal(t, booking.StateRefunded, refunded.State)
	assert.Equal(t, 1, f.payments.refunds)
	assert.Equal(t, 10, f.available(t))
}

func TestRefundBooking_CollaboratorFailure(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 2)
	_, err := f.exec.Execute(context.Background(), executor.NewConfirmBooking(f.deps, res.BookingID))
	require.NoError(t, err)

	f.payments.failRefund = true
	_, err = f.exec.Execute(context.Background(), executor.NewRefundBooking(f.deps, res.BookingID))
	assert.ErrorIs(t, err, executor.ErrCollaboratorFailure)

	b, err := f.deps.Bookings.Get(context.Background(), res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, booking.StateConfirmed, b.State)
	assert.Equal(t, 8, f.available(t))
}

func TestRefundBooking_PendingIsInvalid(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 2)

	_, err := f.exec.Execute(context.Background(), executor.NewRefundBooking(f.deps, res.BookingID))
	assert.ErrorIs(t, err, booking.ErrInvalidTransition)
	assert.Equal(t, 0, f.payments.refunds)
}

func TestModifyBooking_PendingSwapsHold(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 2)

	modified, err := f.exec.Execute(context.Background(), executor.NewModifyBooking(f.deps, res.BookingID, 5))
	require.NoError(t, err)
	assert.Equal(t, booking.StatePending, modified.State)
	assert.Equal(t, 5, f.available(t))

	b, err := f.deps.Bookings.Get(context.Background(), res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, 5, b.Quantity)
	assert.Equal(t, 500.0, b.Amount)
}

func TestModifyBooking_ConfirmedIncrease(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 2)
	_, err := f.exec.Execute(context.Background(), executor.NewConfirmBooking(f.deps, res.BookingID))
	require.NoError(t, err)

	_, err = f.exec.Execute(context.Background(), executor.NewModifyBooking(f.deps, res.BookingID, 4))
	require.NoError(t, err)
	assert.Equal(t, 6, f.available(t))

	b, err := f.deps.Bookings.Get(context.Background(), res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, 4, b.Quantity)
}

func TestModifyBooking_ConfirmedDecrease(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 4)
	_, err := f.exec.Execute(context.Background(), executor.NewConfirmBooking(f.deps, res.BookingID))
	require.NoError(t, err)

	_, err = f.exec.Execute(context.Background(), executor.NewModifyBooking(f.deps, res.BookingID, 1))
	require.NoError(t, err)
	assert.Equal(t, 9, f.available(t))
}

func TestModifyBooking_TerminalIsInvalid(t *testing.T) {
	f := newFixture(t, 10)
	res := f.create(t, 2)
	_, err := f.exec.Execute(context.Background(),
		executor.NewCancelBooking(f.deps, res.BookingID, booking.EventUserAbort, ""))
	require.NoError(t, err)

	_, err = f.exec.Execute(context.Background(), executor.NewModifyBooking(f.deps, res.BookingID, 3))
	assert.ErrorIs(t, err, booking.ErrInvalidTransition)
}

// Commands for distinct bookings run in parallel; the per-id lock only
// serializes same-id commands.
func TestExecute_ParallelAcrossBookings(t *testing.T) {
	f := newFixture(t, 100)

	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.exec.Execute(context.Background(),
				executor.NewCreateBooking(f.deps, f.key.ResourceID, f.key.TimeUnit, 1, 0))
			if err == nil {
				ids <- res.BookingID
			}
		}()
	}
	wg.Wait()
	close(ids)

	count := 0
	for range ids {
		count++
	}
	assert.Equal(t, 20, count)
	assert.Equal(t, 80, f.available(t))
}
