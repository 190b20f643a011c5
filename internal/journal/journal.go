// internal/journal/journal.go
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"reserva/internal/dispatch"
)

// Schema creates the append-only journal table. Applied by cmd at startup and
// by tests.
const Schema = `
CREATE TABLE IF NOT EXISTS booking_events (
	id BIGSERIAL PRIMARY KEY,
	booking_id UUID NOT NULL,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS booking_events_booking_id_idx ON booking_events (booking_id, id);
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure journal schema: %w", err)
	}
	return nil
}

// Entry is one journalled lifecycle event. The id is a global cursor;
// per-booking order follows insertion order.
type Entry struct {
	ID        int64              `json:"id"`
	BookingID uuid.UUID          `json:"booking_id"`
	Type      dispatch.EventType `json:"type"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Journal persists the lifecycle event stream for audit and replay. It is a
// sink, not a source of truth: bookings and ledger records stay authoritative.
type Journal struct {
	db     *sql.DB
	tracer trace.Tracer
}

func New(db *sql.DB) *Journal {
	return &Journal{
		db:     db,
		tracer: otel.Tracer("reserva/journal"),
	}
}

// Append records one event.
func (j *Journal) Append(ctx context.Context, ev dispatch.Event) error {
	ctx, span := j.tracer.Start(ctx, "journal.append",
		trace.WithAttributes(
			attribute.String("booking.id", ev.BookingID.String()),
			attribute.String("event.type", string(ev.Type)),
		),
	)
	defer span.End()

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO booking_events (booking_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, ev.BookingID, string(ev.Type), payload, ev.Timestamp.UTC())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Load returns all journalled events for one booking in insertion order.
func (j *Journal) Load(ctx context.Context, bookingID uuid.UUID) ([]Entry, error) {
	ctx, span := j.tracer.Start(ctx, "journal.load",
		trace.WithAttributes(attribute.String("booking.id", bookingID.String())),
	)
	defer span.End()

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, booking_id, event_type, payload, created_at
		FROM booking_events
		WHERE booking_id = $1
		ORDER BY id ASC
	`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.loaded", len(entries)))
	return entries, nil
}

// Stream returns up to batchSize events with id greater than fromID, for
// cursor-based consumers.
func (j *Journal) Stream(ctx context.Context, fromID int64, batchSize int) ([]Entry, error) {
	ctx, span := j.tracer.Start(ctx, "journal.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, booking_id, event_type, payload, created_at
		FROM booking_events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, fromID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query event stream: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.streamed", len(entries)))
	return entries, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var eventType string
		if err := rows.Scan(&e.ID, &e.BookingID, &eventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = dispatch.EventType(eventType)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return entries, nil
}

// AllEvents lists every lifecycle event type, for subscribing the recorder.
var AllEvents = []dispatch.EventType{
	dispatch.BookingCreated,
	dispatch.BookingConfirmed,
	dispatch.BookingModified,
	dispatch.BookingCancelled,
	dispatch.BookingCompleted,
	dispatch.BookingRefunded,
	dispatch.HoldExpired,
}

// Recorder adapts the journal to a dispatch handler. Appends are best effort;
// a failed write is logged and never blocks delivery to other subscribers.
func Recorder(j *Journal) dispatch.Handler {
	return func(ev dispatch.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.Append(ctx, ev); err != nil {
			log.Printf("journal: append %s for %s: %v", ev.Type, ev.BookingID, err)
		}
	}
}
