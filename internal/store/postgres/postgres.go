// internal/store/postgres/postgres.go
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"reserva/internal/booking"
	"reserva/internal/ledger"
)

// Schema creates the tables the stores need. Applied by cmd at startup and by
// tests.
const Schema = `
CREATE TABLE IF NOT EXISTS inventory_records (
	resource_id UUID NOT NULL,
	time_unit TEXT NOT NULL,
	capacity INT NOT NULL,
	held INT NOT NULL DEFAULT 0,
	reserved INT NOT NULL DEFAULT 0,
	version BIGINT NOT NULL,
	PRIMARY KEY (resource_id, time_unit)
);

CREATE TABLE IF NOT EXISTS bookings (
	id UUID PRIMARY KEY,
	resource_id UUID NOT NULL,
	time_unit TEXT NOT NULL,
	quantity INT NOT NULL,
	state TEXT NOT NULL,
	hold_id UUID,
	amount DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	version BIGINT NOT NULL,
	history JSONB NOT NULL DEFAULT '[]'
);
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// LedgerStore persists inventory records with a version-conditional UPDATE as
// the CAS primitive.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) Get(ctx context.Context, key ledger.Key) (ledger.Record, error) {
	rec := ledger.Record{Key: key}
	err := s.db.QueryRowContext(ctx, `
		SELECT capacity, held, reserved, version
		FROM inventory_records
		WHERE resource_id = $1 AND time_unit = $2
	`, key.ResourceID, key.TimeUnit).Scan(&rec.Capacity, &rec.Held, &rec.Reserved, &rec.Version)
	if err == sql.ErrNoRows {
		return ledger.Record{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Record{}, fmt.Errorf("get inventory record: %w", err)
	}
	return rec, nil
}

func (s *LedgerStore) Create(ctx context.Context, rec ledger.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_records (resource_id, time_unit, capacity, held, reserved, version)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.Key.ResourceID, rec.Key.TimeUnit, rec.Capacity, rec.Held, rec.Reserved, rec.Version)
	if err != nil {
		// A concurrent creator races us to the primary key.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ledger.ErrConflict
		}
		return fmt.Errorf("insert inventory record: %w", err)
	}
	return nil
}

func (s *LedgerStore) Update(ctx context.Context, rec ledger.Record, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_records
		SET capacity = $1, held = $2, reserved = $3, version = $4
		WHERE resource_id = $5 AND time_unit = $6 AND version = $7
	`, rec.Capacity, rec.Held, rec.Reserved, rec.Version, rec.Key.ResourceID, rec.Key.TimeUnit, expectedVersion)
	if err != nil {
		return fmt.Errorf("update inventory record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update inventory record: %w", err)
	}
	if affected == 0 {
		return ledger.ErrConflict
	}
	return nil
}

func (s *LedgerStore) Keys(ctx context.Context, resourceID uuid.UUID) ([]ledger.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT time_unit FROM inventory_records WHERE resource_id = $1
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list inventory records: %w", err)
	}
	defer rows.Close()

	var keys []ledger.Key
	for rows.Next() {
		key := ledger.Key{ResourceID: resourceID}
		if err := rows.Scan(&key.TimeUnit); err != nil {
			return nil, fmt.Errorf("scan inventory key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list inventory records: %w", err)
	}
	return keys, nil
}

// BookingStore persists bookings; history is stored as JSONB.
type BookingStore struct {
	db *sql.DB
}

func NewBookingStore(db *sql.DB) *BookingStore {
	return &BookingStore{db: db}
}

func (s *BookingStore) Get(ctx context.Context, id uuid.UUID) (*booking.Booking, error) {
	b := &booking.Booking{}
	var holdID sql.NullString
	var historyJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, resource_id, time_unit, quantity, state, hold_id, amount, created_at, version, history
		FROM bookings
		WHERE id = $1
	`, id).Scan(&b.ID, &b.ResourceID, &b.TimeUnit, &b.Quantity, &b.State, &holdID, &b.Amount, &b.CreatedAt, &b.Version, &historyJSON)
	if err == sql.ErrNoRows {
		return nil, booking.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	if holdID.Valid && holdID.String != "" {
		hid, err := uuid.Parse(holdID.String)
		if err != nil {
			return nil, fmt.Errorf("parse hold id: %w", err)
		}
		b.HoldID = hid
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &b.History); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
	}
	return b, nil
}

func (s *BookingStore) Create(ctx context.Context, b *booking.Booking) error {
	historyJSON, err := json.Marshal(b.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bookings (id, resource_id, time_unit, quantity, state, hold_id, amount, created_at, version, history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, b.ID, b.ResourceID, b.TimeUnit, b.Quantity, b.State, nullableUUID(b.HoldID), b.Amount, b.CreatedAt, b.Version, historyJSON)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return booking.ErrVersionMismatch
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (s *BookingStore) Update(ctx context.Context, b *booking.Booking, expectedVersion int64) error {
	historyJSON, err := json.Marshal(b.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE bookings
		SET quantity = $1, state = $2, hold_id = $3, amount = $4, version = $5, history = $6
		WHERE id = $7 AND version = $8
	`, b.Quantity, b.State, nullableUUID(b.HoldID), b.Amount, b.Version, historyJSON, b.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	if affected == 0 {
		return booking.ErrVersionMismatch
	}
	return nil
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
