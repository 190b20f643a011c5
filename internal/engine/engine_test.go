package engine_test

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
	"reserva/internal/engine"
	"reserva/internal/ledger"
	"reserva/internal/payment"
	"reserva/internal/pricing"
	"reserva/internal/resource"
)

type approvingPayments struct{}

func (approvingPayments) Capture(context.Context, uuid.UUID, float64) error { return nil }
func (approvingPayments) Refund(context.Context, uuid.UUID, float64) error  { return nil }

var _ payment.Collaborator = approvingPayments{}

func newEngine(t *testing.T, clk clock.Clock) *engine.Engine {
	t.Helper()
	reg := pricing.NewRegistry()
	reg.Register("nightly", pricing.PerUnit{UnitPrice: 100})
	eng, err := engine.New(engine.Config{
		Payments:   approvingPayments{},
		Clock:      clk,
		Pricing:    reg,
		Calculator: "nightly",
		HoldTTL:    time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng
}

// Two concurrent bookings race for the last room-night: exactly one reaches
// Pending, the other fails with no capacity.
func TestDoubleBookingPrevented(t *testing.T) {
	eng := newEngine(t, clock.NewSystem())
	room, err := eng.CreateResource("room-42", 1, resource.PerNight, 0)
	require.NoError(t, err)

	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, insufficient := 0, 0

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.CreateBooking(ctx, room.ID, "2024-07-01", 1, 0)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, ledger.ErrInsufficientCapacity) {
				insufficient++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)

	available, err := eng.Availability(ctx, room.ID, "2024-07-01")
	require.NoError(t, err)
	assert.Equal(t, 0, available)
}

// A Pending booking whose hold expires unconfirmed is auto-cancelled and the
// room becomes bookable again.
func TestHoldExpiryAutoCancelsBooking(t *testing.T) {
	clk := clock.NewFixed(time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC))
	eng := newEngine(t, clk)
	room, err := eng.CreateResource("room-42", 1, resource.PerNight, 0)
	require.NoError(t, err)

	ctx := context.Background()
	res, err := eng.CreateBooking(ctx, room.ID, "2024-07-01", 1, 60*time.Second)
	require.NoError(t, err)
	require.Equal(t, booking.StatePending, res.State)

	// No payment arrives within the TTL.
	clk.Advance(61 * time.Second)
	eng.SweepNow(ctx)

	b, err := eng.GetBooking(ctx, res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, booking.StateCancelled, b.State)

	available, err := eng.Availability(ctx, room.ID, "2024-07-01")
	require.NoError(t, err)
	assert.Equal(t, 1, available)

	// The freed capacity is immediately bookable.
	res2, err := eng.CreateBooking(ctx, room.ID, "2024-07-01", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, booking.StatePending, res2.State)
}

func TestFullLifecycle(t *testing.T) {
	eng := newEngine(t, clock.NewSystem())
	room, err := eng.CreateResource("room-42", 3, resource.PerNight, 0)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []dispatch.EventType
	eng.Subscribe([]dispatch.EventType{
		dispatch.BookingCreated, dispatch.BookingConfirmed, dispatch.BookingCompleted,
	}, func(ev dispatch.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	ctx := context.Background()
	res, err := eng.CreateBooking(ctx, room.ID, "2024-07-01", 2, 0)
	require.NoError(t, err)

	confirmed, err := eng.ConfirmBooking(ctx, res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, booking.StateConfirmed, confirmed.State)

	completed, err := eng.CompleteBooking(ctx, res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, booking.StateCompleted, completed.State)

	b, err := eng.GetBooking(ctx, res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, 200.0, b.Amount, "2 units at 100 per unit")
	require.Len(t, b.History, 3)
	assert.Equal(t, booking.EventCreate, b.History[0].Event)
	assert.Equal(t, booking.EventPaymentCaptured, b.History[1].Event)
	assert.Equal(t, booking.EventServiceFulfilled, b.History[2].Event)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []dispatch.EventType{
		dispatch.BookingCreated, dispatch.BookingConfirmed, dispatch.BookingCompleted,
	}, seen)
}

func TestRefundFlow(t *testing.T) {
	eng := newEngine(t, clock.NewSystem())
	room, err := eng.CreateResource("room-42", 2, resource.PerNight, 0)
	require.NoError(t, err)

	ctx := context.Background()
	res, err := eng.CreateBooking(ctx, room.ID, "2024-07-01", 2, 0)
	require.NoError(t, err)
	_, err = eng.ConfirmBooking(ctx, res.BookingID)
	require.NoError(t, err)

	refunded, err := eng.RefundBooking(ctx, res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, booking.StateRefunded, refunded.State)

	available, err := eng.Availability(ctx, room.ID, "2024-07-01")
	require.NoError(t, err)
	assert.Equal(t, 2, available)
}

func TestConfirmAfterExpiryFails(t *testing.T) {
	clk := clock.NewFixed(time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC))
	eng := newEngine(t, clk)
	room, err := eng.CreateResource("room-42", 1, resource.PerNight, 0)
	require.NoError(t, err)

	ctx := context.Background()
	res, err := eng.CreateBooking(ctx, room.ID, "2024-07-01", 1, 0)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	eng.SweepNow(ctx)

	_, err = eng.ConfirmBooking(ctx, res.BookingID)
	assert.Error(t, err)
	assert.ErrorIs(t, err, booking.ErrInvalidTransition)
}

func TestOverbookingBuffer(t *testing.T) {
	eng := newEngine(t, clock.NewSystem())
	// 10% buffer on 10 units allows 11.
	flight, err := eng.CreateResource("flight-1", 10, resource.PerSeat, 10)
	require.NoError(t, err)

	ctx := context.Background()
	available, err := eng.Availability(ctx, flight.ID, "leg-1")
	require.NoError(t, err)
	assert.Equal(t, 11, available)
}

func TestUpdateResourceCapacity(t *testing.T) {
	eng := newEngine(t, clock.NewSystem())
	room, err := eng.CreateResource("room-42", 1, resource.PerNight, 0)
	require.NoError(t, err)

	// Materialize a record for one night before the capacity change.
	ctx := context.Background()
	_, err = eng.CreateBooking(ctx, room.ID, "2024-07-01", 1, 0)
	require.NoError(t, err)

	updated, err := eng.UpdateResourceCapacity(ctx, room.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Capacity)

	// The existing record picks up the new capacity with its hold intact.
	available, err := eng.Availability(ctx, room.ID, "2024-07-01")
	require.NoError(t, err)
	assert.Equal(t, 4, available)

	// Records not yet created pick it up lazily.
	available, err = eng.Availability(ctx, room.ID, "2024-08-01")
	require.NoError(t, err)
	assert.Equal(t, 5, available)
}

func TestHoldExpiredEventPublished(t *testing.T) {
	clk := clock.NewFixed(time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC))
	eng := newEngine(t, clk)
	room, err := eng.CreateResource("room-42", 1, resource.PerNight, 0)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []dispatch.EventType
	eng.Subscribe([]dispatch.EventType{dispatch.HoldExpired, dispatch.BookingCancelled}, func(ev dispatch.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	ctx := context.Background()
	_, err = eng.CreateBooking(ctx, room.ID, "2024-07-01", 1, 0)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	eng.SweepNow(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []dispatch.EventType{dispatch.HoldExpired, dispatch.BookingCancelled}, seen)
}

var _ engine.Service = (*engine.Engine)(nil)
