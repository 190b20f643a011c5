// internal/ledger/ledger.go
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// mutateAttempts bounds the internal re-read loop for unconditional counter
// moves (confirm/release). TryHold never retries internally; its caller owns
// the version-refresh loop.
const mutateAttempts = 5

// Ledger enforces held + reserved <= capacity for every record through
// compare-and-swap writes against the Store.
type Ledger struct {
	store  Store
	caps   CapacityProvider
	tracer trace.Tracer
}

func New(store Store, caps CapacityProvider) *Ledger {
	return &Ledger{
		store:  store,
		caps:   caps,
		tracer: otel.Tracer("reserva/ledger"),
	}
}

// GetAvailable returns the available quantity and the current version token
// for a key. A key with no record yet reports the resource's full capacity at
// version zero.
func (l *Ledger) GetAvailable(ctx context.Context, key Key) (int, int64, error) {
	rec, _, err := l.snapshot(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	return rec.Available(), rec.Version, nil
}

// snapshot reads the record for key, synthesizing a fresh zero-counter record
// (version 0) when none exists. The bool reports whether the record exists in
// the store.
func (l *Ledger) snapshot(ctx context.Context, key Key) (Record, bool, error) {
	rec, err := l.store.Get(ctx, key)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, false, fmt.Errorf("get record: %w", err)
	}
	capacity, err := l.caps.Capacity(key.ResourceID)
	if err != nil {
		return Record{}, false, fmt.Errorf("resolve capacity: %w", err)
	}
	return Record{Key: key, Capacity: capacity}, false, nil
}

// TryHold increments held by quantity if the stored version matches
// expectedVersion and enough capacity is available. It is a single
// compare-and-swap attempt: ErrConflict means the caller must re-read.
func (l *Ledger) TryHold(ctx context.Context, key Key, quantity int, expectedVersion int64) error {
	ctx, span := l.tracer.Start(ctx, "ledger.try_hold",
		trace.WithAttributes(
			attribute.String("resource.id", key.ResourceID.String()),
			attribute.String("time.unit", key.TimeUnit),
			attribute.Int("quantity", quantity),
			attribute.Int64("expected.version", expectedVersion),
		),
	)
	defer span.End()

	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	rec, exists, err := l.snapshot(ctx, key)
	if err != nil {
		return err
	}
	if rec.Version != expectedVersion {
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		return ErrConflict
	}
	if rec.Available() < quantity {
		return ErrInsufficientCapacity
	}

	rec.Held += quantity
	rec.Version++

	if !exists {
		// First hold for this key creates the record; a concurrent creator
		// surfaces as ErrConflict from the store.
		if err := l.store.Create(ctx, rec); err != nil {
			return fmt.Errorf("create record: %w", err)
		}
		return nil
	}
	if err := l.store.Update(ctx, rec, expectedVersion); err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return nil
}

// ConfirmHold moves quantity from held to reserved. The hold's validity is
// arbitrated by the Hold Manager before this is called.
func (l *Ledger) ConfirmHold(ctx context.Context, key Key, quantity int) error {
	return l.mutate(ctx, key, "ledger.confirm_hold", func(rec *Record) {
		rec.Held -= quantity
		if rec.Held < 0 {
			rec.Held = 0
		}
		rec.Reserved += quantity
	})
}

// UnconfirmHold moves quantity from reserved back to held, reversing a
// ConfirmHold whose surrounding transaction could not be persisted. The
// capacity stays owned by the hold, never returned to the pool.
func (l *Ledger) UnconfirmHold(ctx context.Context, key Key, quantity int) error {
	return l.mutate(ctx, key, "ledger.unconfirm_hold", func(rec *Record) {
		rec.Reserved -= quantity
		if rec.Reserved < 0 {
			rec.Reserved = 0
		}
		rec.Held += quantity
	})
}

// ReleaseHold returns held quantity to the pool. Safe to call with a quantity
// already released; counters never go negative.
func (l *Ledger) ReleaseHold(ctx context.Context, key Key, quantity int) error {
	return l.mutate(ctx, key, "ledger.release_hold", func(rec *Record) {
		rec.Held -= quantity
		if rec.Held < 0 {
			rec.Held = 0
		}
	})
}

// ReleaseReserved returns reserved quantity to the pool on cancellation or
// refund.
func (l *Ledger) ReleaseReserved(ctx context.Context, key Key, quantity int) error {
	return l.mutate(ctx, key, "ledger.release_reserved", func(rec *Record) {
		rec.Reserved -= quantity
		if rec.Reserved < 0 {
			rec.Reserved = 0
		}
	})
}

// Reserve re-adds reserved quantity directly. Compensation path only: used
// when a cancellation or refund released capacity but the state transition
// could not be persisted.
func (l *Ledger) Reserve(ctx context.Context, key Key, quantity int) error {
	return l.mutate(ctx, key, "ledger.reserve", func(rec *Record) {
		rec.Reserved += quantity
	})
}

// SetCapacity rewrites the capacity counter for an existing record, used when
// a resource's capacity changes administratively. Missing records are left to
// lazy creation, which reads the registry.
func (l *Ledger) SetCapacity(ctx context.Context, key Key, capacity int) error {
	return l.mutate(ctx, key, "ledger.set_capacity", func(rec *Record) {
		rec.Capacity = capacity
	})
}

// SyncCapacity pushes a new effective capacity onto every existing record of
// the resource. Records not yet created pick the change up lazily through the
// capacity provider.
func (l *Ledger) SyncCapacity(ctx context.Context, resourceID uuid.UUID, capacity int) error {
	keys, err := l.store.Keys(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	for _, key := range keys {
		if err := l.SetCapacity(ctx, key, capacity); err != nil {
			return err
		}
	}
	return nil
}

// mutate applies fn under a bounded read-modify-CAS loop. Unlike TryHold these
// mutations are unconditional effects, so a version conflict just means
// another writer got in first and we re-read.
func (l *Ledger) mutate(ctx context.Context, key Key, name string, fn func(*Record)) error {
	ctx, span := l.tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("resource.id", key.ResourceID.String()),
			attribute.String("time.unit", key.TimeUnit),
		),
	)
	defer span.End()

	for attempt := 0; attempt < mutateAttempts; attempt++ {
		rec, exists, err := l.snapshot(ctx, key)
		if err != nil {
			return err
		}
		expected := rec.Version
		fn(&rec)
		rec.Version++

		if !exists {
			err = l.store.Create(ctx, rec)
		} else {
			err = l.store.Update(ctx, rec, expected)
		}
		if err == nil {
			span.SetAttributes(attribute.Int("cas.attempts", attempt+1))
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	span.SetAttributes(attribute.Bool("cas.exhausted", true))
	return ErrConflict
}
