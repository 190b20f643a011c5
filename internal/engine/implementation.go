// internal/engine/implementation.go
package engine

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"reserva/internal/booking"
	"reserva/internal/clock"
	"reserva/internal/dispatch"
	"reserva/internal/executor"
	"reserva/internal/hold"
	"reserva/internal/ledger"
	"reserva/internal/payment"
	"reserva/internal/pricing"
	"reserva/internal/resource"
	"reserva/internal/store/memory"
)

// Config wires an Engine. Zero values fall back to in-memory stores, the
// flat calculator, and the hold manager defaults.
type Config struct {
	LedgerStore  ledger.Store
	BookingStore booking.Store
	Payments     payment.Collaborator
	Clock        clock.Clock
	Pricing      *pricing.Registry
	// Calculator names the pricing strategy resolved from the registry.
	Calculator string

	HoldTTL         time.Duration
	SweepInterval   time.Duration
	AcquireAttempts int
	ConflictRetries int
}

// Engine owns every component and their lifecycle.
type Engine struct {
	resources  *resource.Registry
	ledger     *ledger.Ledger
	holds      *hold.Manager
	bookings   booking.Store
	executor   *executor.Executor
	dispatcher *dispatch.Dispatcher
	deps       executor.Deps
	clock      clock.Clock

	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles an engine from cfg. Start must be called before holds expire
// on their own.
func New(cfg Config) (*Engine, error) {
	if cfg.LedgerStore == nil {
		cfg.LedgerStore = memory.NewLedgerStore()
	}
	if cfg.BookingStore == nil {
		cfg.BookingStore = memory.NewBookingStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.Pricing == nil {
		cfg.Pricing = pricing.NewRegistry()
	}
	if cfg.Calculator == "" {
		cfg.Calculator = "flat"
	}
	calc, err := cfg.Pricing.Resolve(cfg.Calculator)
	if err != nil {
		return nil, err
	}

	resources := resource.NewRegistry()
	led := ledger.New(cfg.LedgerStore, resources)

	var holdOpts []hold.Option
	if cfg.HoldTTL > 0 {
		holdOpts = append(holdOpts, hold.WithTTL(cfg.HoldTTL))
	}
	if cfg.SweepInterval > 0 {
		holdOpts = append(holdOpts, hold.WithSweepInterval(cfg.SweepInterval))
	}
	if cfg.AcquireAttempts > 0 {
		holdOpts = append(holdOpts, hold.WithMaxAttempts(cfg.AcquireAttempts))
	}
	holds := hold.NewManager(led, cfg.Clock, holdOpts...)

	var execOpts []executor.Option
	if cfg.ConflictRetries > 0 {
		execOpts = append(execOpts, executor.WithConflictRetries(cfg.ConflictRetries))
	}
	exec := executor.New(execOpts...)

	dispatcher := dispatch.New()

	e := &Engine{
		resources:  resources,
		ledger:     led,
		holds:      holds,
		bookings:   cfg.BookingStore,
		executor:   exec,
		dispatcher: dispatcher,
		clock:      cfg.Clock,
	}
	e.deps = executor.Deps{
		Ledger:   led,
		Holds:    holds,
		Bookings: cfg.BookingStore,
		Payments: cfg.Payments,
		Pricer:   calc,
		Events:   dispatcher,
		Clock:    cfg.Clock,
	}

	// An expired hold cancels its Pending booking through the executor so
	// per-id serialization still applies.
	holds.SetExpiryHandler(e.onHoldExpired)

	return e, nil
}

func (e *Engine) onHoldExpired(h hold.Hold) {
	ctx := context.Background()
	e.dispatcher.Publish(dispatch.Event{
		Type:      dispatch.HoldExpired,
		BookingID: h.OwnerID,
		Timestamp: e.clock.Now(),
		Payload:   map[string]any{"hold_id": h.ID.String(), "quantity": h.Quantity},
	})
	cmd := executor.NewCancelBooking(e.deps, h.OwnerID, booking.EventHoldExpired, "hold expired")
	if _, err := e.executor.Execute(ctx, cmd); err != nil {
		log.Printf("expire booking %s: %v", h.OwnerID, err)
	}
}

// Start launches the expiry sweep. Close stops it and drains the dispatcher.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		e.holds.Run(ctx)
	}()
}

func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	e.dispatcher.Close()
}

// Subscribe registers a notification handler for the given event types.
func (e *Engine) Subscribe(types []dispatch.EventType, h dispatch.Handler) {
	e.dispatcher.Subscribe(types, h)
}

// SweepNow runs one expiry sweep synchronously.
func (e *Engine) SweepNow(ctx context.Context) {
	e.holds.SweepNow(ctx)
}

func (e *Engine) CreateBooking(ctx context.Context, resourceID uuid.UUID, timeUnit string, quantity int, ttl time.Duration) (executor.Result, error) {
	return e.executor.Execute(ctx, executor.NewCreateBooking(e.deps, resourceID, timeUnit, quantity, ttl))
}

func (e *Engine) ConfirmBooking(ctx context.Context, bookingID uuid.UUID) (executor.Result, error) {
	return e.executor.Execute(ctx, executor.NewConfirmBooking(e.deps, bookingID))
}

func (e *Engine) ModifyBooking(ctx context.Context, bookingID uuid.UUID, quantity int) (executor.Result, error) {
	return e.executor.Execute(ctx, executor.NewModifyBooking(e.deps, bookingID, quantity))
}

func (e *Engine) CancelBooking(ctx context.Context, bookingID uuid.UUID, event booking.EventType, note string) (executor.Result, error) {
	return e.executor.Execute(ctx, executor.NewCancelBooking(e.deps, bookingID, event, note))
}

func (e *Engine) CompleteBooking(ctx context.Context, bookingID uuid.UUID) (executor.Result, error) {
	return e.executor.Execute(ctx, executor.NewCompleteBooking(e.deps, bookingID))
}

func (e *Engine) RefundBooking(ctx context.Context, bookingID uuid.UUID) (executor.Result, error) {
	return e.executor.Execute(ctx, executor.NewRefundBooking(e.deps, bookingID))
}

func (e *Engine) GetBooking(ctx context.Context, bookingID uuid.UUID) (*booking.Booking, error) {
	return e.bookings.Get(ctx, bookingID)
}

func (e *Engine) Availability(ctx context.Context, resourceID uuid.UUID, timeUnit string) (int, error) {
	available, _, err := e.ledger.GetAvailable(ctx, ledger.Key{ResourceID: resourceID, TimeUnit: timeUnit})
	return available, err
}

func (e *Engine) CreateResource(name string, capacity int, gran resource.Granularity, overbookPct int) (resource.Resource, error) {
	return e.resources.Create(name, capacity, gran, overbookPct)
}

// UpdateResourceCapacity changes the registry entry and pushes the new
// effective capacity onto every existing ledger record for the resource.
// Records not yet created pick it up lazily.
func (e *Engine) UpdateResourceCapacity(ctx context.Context, id uuid.UUID, capacity int) (resource.Resource, error) {
	res, err := e.resources.UpdateCapacity(id, capacity)
	if err != nil {
		return resource.Resource{}, err
	}
	if err := e.ledger.SyncCapacity(ctx, id, res.EffectiveCapacity()); err != nil {
		return resource.Resource{}, err
	}
	return res, nil
}

func (e *Engine) GetResource(id uuid.UUID) (resource.Resource, error) {
	return e.resources.Get(id)
}
