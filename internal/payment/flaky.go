// internal/payment/flaky.go
package payment

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Flaky wraps a collaborator with injected latency and failures. It exists
// for resilience drills: compensation paths only get exercised when the
// provider misbehaves on demand.
type Flaky struct {
	inner Collaborator

	mu          sync.Mutex
	rng         *rand.Rand
	failureRate float64
	latency     time.Duration
}

func NewFlaky(inner Collaborator, seed int64) *Flaky {
	return &Flaky{
		inner: inner,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// SetFailureRate makes the given fraction of captures fail with ErrDeclined.
func (f *Flaky) SetFailureRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failureRate = rate
}

// SetLatency delays every call by d.
func (f *Flaky) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

func (f *Flaky) Capture(ctx context.Context, bookingID uuid.UUID, amount float64) error {
	if err := f.inject(ctx); err != nil {
		return fmt.Errorf("%w: injected fault", ErrDeclined)
	}
	return f.inner.Capture(ctx, bookingID, amount)
}

// Refund never gets an injected decline: a provider that refuses refunds
// breaks compensation invariants the drills are trying to verify.
func (f *Flaky) Refund(ctx context.Context, bookingID uuid.UUID, amount float64) error {
	f.delay(ctx)
	return f.inner.Refund(ctx, bookingID, amount)
}

func (f *Flaky) inject(ctx context.Context) error {
	f.delay(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failureRate > 0 && f.rng.Float64() < f.failureRate {
		return ErrDeclined
	}
	return nil
}

func (f *Flaky) delay(ctx context.Context) {
	f.mu.Lock()
	d := f.latency
	f.mu.Unlock()
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

var _ Collaborator = (*Flaky)(nil)
