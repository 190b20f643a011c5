// internal/resource/resource.go
package resource

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid resource input")
)

// Granularity is the time-unit a resource is sold in.
type Granularity string

const (
	PerNight Granularity = "night"
	PerSeat  Granularity = "seat"
	PerSlot  Granularity = "slot"
)

// Resource is a sellable pool of capacity. Identity is immutable; capacity
// and the overbooking buffer may change administratively.
type Resource struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Capacity    int         `json:"capacity"`
	Granularity Granularity `json:"granularity"`
	// OverbookPct allows held+reserved to exceed capacity by a percentage
	// buffer. Zero means strict enforcement.
	OverbookPct int `json:"overbook_pct"`
}

// EffectiveCapacity is the capacity the ledger enforces, including any
// overbooking buffer.
func (r Resource) EffectiveCapacity() int {
	return r.Capacity + r.Capacity*r.OverbookPct/100
}

// Registry is the administrative catalog of resources. It doubles as the
// capacity provider the ledger consults when creating records lazily.
type Registry struct {
	mu        sync.RWMutex
	resources map[uuid.UUID]Resource
}

func NewRegistry() *Registry {
	return &Registry{resources: make(map[uuid.UUID]Resource)}
}

// Create registers a new resource and returns it with a generated id.
func (reg *Registry) Create(name string, capacity int, gran Granularity, overbookPct int) (Resource, error) {
	if name == "" || capacity < 0 || overbookPct < 0 {
		return Resource{}, ErrInvalidInput
	}
	res := Resource{
		ID:          uuid.New(),
		Name:        name,
		Capacity:    capacity,
		Granularity: gran,
		OverbookPct: overbookPct,
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.resources[res.ID] = res
	return res, nil
}

// Get returns the resource by id.
func (reg *Registry) Get(id uuid.UUID) (Resource, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	res, ok := reg.resources[id]
	if !ok {
		return Resource{}, ErrNotFound
	}
	return res, nil
}

// UpdateCapacity changes total capacity for a resource. The registry only
// updates the catalog entry; the engine propagates the change to existing
// ledger records.
func (reg *Registry) UpdateCapacity(id uuid.UUID, capacity int) (Resource, error) {
	if capacity < 0 {
		return Resource{}, ErrInvalidInput
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	res, ok := reg.resources[id]
	if !ok {
		return Resource{}, ErrNotFound
	}
	res.Capacity = capacity
	reg.resources[id] = res
	return res, nil
}

// Capacity returns the effective capacity for a resource, satisfying the
// ledger's CapacityProvider contract.
func (reg *Registry) Capacity(id uuid.UUID) (int, error) {
	res, err := reg.Get(id)
	if err != nil {
		return 0, err
	}
	return res.EffectiveCapacity(), nil
}
