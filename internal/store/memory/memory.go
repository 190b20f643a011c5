// internal/store/memory/memory.go
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"reserva/internal/booking"
	"reserva/internal/ledger"
)

// LedgerStore keeps inventory records in process memory. It is the default
// backend and the reference implementation of the CAS contract.
type LedgerStore struct {
	mu      sync.RWMutex
	records map[ledger.Key]ledger.Record
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{records: make(map[ledger.Key]ledger.Record)}
}

func (s *LedgerStore) Get(_ context.Context, key ledger.Key) (ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return ledger.Record{}, ledger.ErrNotFound
	}
	return rec, nil
}

func (s *LedgerStore) Create(_ context.Context, rec ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key]; ok {
		return ledger.ErrConflict
	}
	s.records[rec.Key] = rec
	return nil
}

func (s *LedgerStore) Update(_ context.Context, rec ledger.Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[rec.Key]
	if !ok || current.Version != expectedVersion {
		return ledger.ErrConflict
	}
	s.records[rec.Key] = rec
	return nil
}

func (s *LedgerStore) Keys(_ context.Context, resourceID uuid.UUID) ([]ledger.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []ledger.Key
	for key := range s.records {
		if key.ResourceID == resourceID {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// BookingStore keeps bookings in process memory. Values are cloned on the way
// in and out so callers never alias stored history.
type BookingStore struct {
	mu       sync.RWMutex
	bookings map[uuid.UUID]*booking.Booking
}

func NewBookingStore() *BookingStore {
	return &BookingStore{bookings: make(map[uuid.UUID]*booking.Booking)}
}

func (s *BookingStore) Get(_ context.Context, id uuid.UUID) (*booking.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return b.Clone(), nil
}

func (s *BookingStore) Create(_ context.Context, b *booking.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return booking.ErrVersionMismatch
	}
	s.bookings[b.ID] = b.Clone()
	return nil
}

func (s *BookingStore) Update(_ context.Context, b *booking.Booking, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.bookings[b.ID]
	if !ok {
		return booking.ErrNotFound
	}
	if current.Version != expectedVersion {
		return booking.ErrVersionMismatch
	}
	s.bookings[b.ID] = b.Clone()
	return nil
}
