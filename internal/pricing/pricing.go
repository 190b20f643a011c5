// internal/pricing/pricing.go
package pricing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrUnknownCalculator = errors.New("unknown calculator")

// Quote is the input to a price calculation.
type Quote struct {
	ResourceID uuid.UUID
	TimeUnit   string
	Quantity   int
}

// Calculator computes the price for a quote. Implementations are selected by
// name from a Registry at configuration time.
type Calculator interface {
	Compute(q Quote) (float64, error)
}

// Registry maps calculator names to implementations. It is owned by the
// engine instance, not process-wide.
type Registry struct {
	mu          sync.RWMutex
	calculators map[string]Calculator
}

// NewRegistry returns a registry pre-loaded with the built-in calculators.
func NewRegistry() *Registry {
	r := &Registry{calculators: make(map[string]Calculator)}
	r.Register("flat", Flat{Amount: 0})
	r.Register("perunit", PerUnit{UnitPrice: 0})
	return r
}

// Register adds or replaces a named calculator.
func (r *Registry) Register(name string, c Calculator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calculators[name] = c
}

// Resolve looks up a calculator by name.
func (r *Registry) Resolve(name string) (Calculator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calculators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCalculator, name)
	}
	return c, nil
}

// Flat charges the same amount regardless of quantity.
type Flat struct {
	Amount float64
}

func (f Flat) Compute(Quote) (float64, error) {
	return f.Amount, nil
}

// PerUnit charges a fixed price per unit of quantity.
type PerUnit struct {
	UnitPrice float64
}

func (p PerUnit) Compute(q Quote) (float64, error) {
	if q.Quantity < 0 {
		return 0, fmt.Errorf("negative quantity %d", q.Quantity)
	}
	return p.UnitPrice * float64(q.Quantity), nil
}
