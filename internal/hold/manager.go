// internal/hold/manager.go
package hold

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"reserva/internal/clock"
	"reserva/internal/ledger"
)

var (
	// ErrExpired means the hold was already swept or cancelled; the owner
	// must re-acquire to retry.
	ErrExpired = errors.New("hold expired")
	// ErrNotFound means no hold exists for the id.
	ErrNotFound = errors.New("hold not found")
)

// Status is the lifecycle position of a hold.
type Status string

const (
	StatusActive    Status = "active"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Hold is a time-bound soft reservation of ledger capacity. Holds are
// process artifacts: only the ledger counters they move are durable.
type Hold struct {
	ID        uuid.UUID  `json:"id"`
	Key       ledger.Key `json:"key"`
	Quantity  int        `json:"quantity"`
	OwnerID   uuid.UUID  `json:"owner_id"`
	Status    Status     `json:"status"`
	ExpiresAt time.Time  `json:"expires_at"`
}

const (
	defaultTTL         = 15 * time.Minute
	defaultSweepEvery  = 5 * time.Second
	defaultMaxAttempts = 3
)

// Manager issues holds against the ledger and sweeps the expired ones.
type Manager struct {
	ledger      *ledger.Ledger
	clock       clock.Clock
	ttl         time.Duration
	sweepEvery  time.Duration
	maxAttempts int
	onExpire    func(Hold)

	mu    sync.Mutex
	holds map[uuid.UUID]*Hold
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the default hold lifetime.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithSweepInterval overrides how often the expiry sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

// WithMaxAttempts bounds the version-refresh retry loop in Acquire.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithExpiryHandler registers a callback invoked after the sweep releases an
// expired hold. The engine uses it to cancel the owning booking.
func WithExpiryHandler(fn func(Hold)) Option {
	return func(m *Manager) {
		m.onExpire = fn
	}
}

func NewManager(led *ledger.Ledger, clk clock.Clock, opts ...Option) *Manager {
	m := &Manager{
		ledger:      led,
		clock:       clk,
		ttl:         defaultTTL,
		sweepEvery:  defaultSweepEvery,
		maxAttempts: defaultMaxAttempts,
		holds:       make(map[uuid.UUID]*Hold),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetExpiryHandler installs the expiry callback after construction, for
// wiring cycles where the handler needs the manager itself. Must be called
// before Run.
func (m *Manager) SetExpiryHandler(fn func(Hold)) {
	m.onExpire = fn
}

// Acquire takes a hold for quantity against the key, refreshing the version
// and retrying on conflict up to the attempt bound. Repeated conflicts
// surface as ErrInsufficientCapacity rather than retrying forever. A
// non-positive ttl uses the manager default.
func (m *Manager) Acquire(ctx context.Context, key ledger.Key, quantity int, owner uuid.UUID, ttl time.Duration) (Hold, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		_, version, err := m.ledger.GetAvailable(ctx, key)
		if err != nil {
			return Hold{}, err
		}
		err = m.ledger.TryHold(ctx, key, quantity, version)
		if errors.Is(err, ledger.ErrConflict) {
			continue
		}
		if err != nil {
			return Hold{}, err
		}

		h := Hold{
			ID:        uuid.New(),
			Key:       key,
			Quantity:  quantity,
			OwnerID:   owner,
			Status:    StatusActive,
			ExpiresAt: m.clock.Now().Add(ttl),
		}
		m.mu.Lock()
		m.holds[h.ID] = &h
		m.mu.Unlock()
		return h, nil
	}
	return Hold{}, ledger.ErrInsufficientCapacity
}

// Get returns a copy of the hold.
func (m *Manager) Get(id uuid.UUID) (Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	if !ok {
		return Hold{}, ErrNotFound
	}
	return *h, nil
}

// Confirm converts the hold into reserved capacity. The race with the sweep
// is resolved here: whichever observes the active hold first wins, the loser
// gets ErrExpired. A confirm that beats the sweep wins even slightly past the
// TTL.
func (m *Manager) Confirm(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	h, ok := m.holds[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	switch h.Status {
	case StatusConfirmed:
		m.mu.Unlock()
		return nil
	case StatusExpired, StatusCancelled:
		m.mu.Unlock()
		return ErrExpired
	}
	h.Status = StatusConfirmed
	m.mu.Unlock()

	if err := m.ledger.ConfirmHold(ctx, h.Key, h.Quantity); err != nil {
		m.mu.Lock()
		h.Status = StatusActive
		m.mu.Unlock()
		return err
	}
	return nil
}

// Unconfirm reverses a Confirm whose surrounding transaction failed to
// persist: reserved capacity moves back to held and the hold becomes active
// again, so a retry walks the full confirm path. The capacity never returns
// to the pool.
func (m *Manager) Unconfirm(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	h, ok := m.holds[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if h.Status != StatusConfirmed {
		m.mu.Unlock()
		return nil
	}
	h.Status = StatusActive
	m.mu.Unlock()

	if err := m.ledger.UnconfirmHold(ctx, h.Key, h.Quantity); err != nil {
		m.mu.Lock()
		h.Status = StatusConfirmed
		m.mu.Unlock()
		return err
	}
	return nil
}

// Cancel releases an active hold early. Idempotent: already confirmed,
// expired, or unknown holds are a no-op.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	h, ok := m.holds[id]
	if !ok || h.Status != StatusActive {
		m.mu.Unlock()
		return nil
	}
	h.Status = StatusCancelled
	m.mu.Unlock()

	if err := m.ledger.ReleaseHold(ctx, h.Key, h.Quantity); err != nil {
		return err
	}
	return nil
}

// Run drives the expiry sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	log.Printf("hold sweeper started: interval %s", m.sweepEvery)
	for {
		select {
		case <-ctx.Done():
			log.Printf("hold sweeper stopped")
			return
		case <-ticker.C:
			m.SweepNow(ctx)
		}
	}
}

// SweepNow releases every active hold whose expiry has passed. Each release
// is individually idempotent, so overlapping sweeps are safe. Holds in a
// terminal state have settled their ledger movement and are evicted, keeping
// the registry bounded by the number of live holds.
func (m *Manager) SweepNow(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []Hold
	for id, h := range m.holds {
		switch h.Status {
		case StatusActive:
			if !h.ExpiresAt.After(now) {
				h.Status = StatusExpired
				expired = append(expired, *h)
			}
		default:
			delete(m.holds, id)
		}
	}
	m.mu.Unlock()

	for _, h := range expired {
		if err := m.ledger.ReleaseHold(ctx, h.Key, h.Quantity); err != nil {
			log.Printf("sweep: release hold %s failed: %v", h.ID, err)
			// Back to active so the next sweep retries the release instead
			// of evicting a hold that still owns capacity.
			m.mu.Lock()
			if cur, ok := m.holds[h.ID]; ok && cur.Status == StatusExpired {
				cur.Status = StatusActive
			}
			m.mu.Unlock()
			continue
		}
		if m.onExpire != nil {
			m.onExpire(h)
		}
	}
}
