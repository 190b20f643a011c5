// internal/engine/service.go
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"reserva/internal/booking"
	"reserva/internal/executor"
	"reserva/internal/resource"
)

// Service is the engine's operational surface.
type Service interface {
	CreateBooking(ctx context.Context, resourceID uuid.UUID, timeUnit string, quantity int, ttl time.Duration) (executor.Result, error)
	ConfirmBooking(ctx context.Context, bookingID uuid.UUID) (executor.Result, error)
	ModifyBooking(ctx context.Context, bookingID uuid.UUID, quantity int) (executor.Result, error)
	CancelBooking(ctx context.Context, bookingID uuid.UUID, event booking.EventType, note string) (executor.Result, error)
	CompleteBooking(ctx context.Context, bookingID uuid.UUID) (executor.Result, error)
	RefundBooking(ctx context.Context, bookingID uuid.UUID) (executor.Result, error)
	GetBooking(ctx context.Context, bookingID uuid.UUID) (*booking.Booking, error)
	Availability(ctx context.Context, resourceID uuid.UUID, timeUnit string) (int, error)

	CreateResource(name string, capacity int, gran resource.Granularity, overbookPct int) (resource.Resource, error)
	UpdateResourceCapacity(ctx context.Context, id uuid.UUID, capacity int) (resource.Resource, error)
	GetResource(id uuid.UUID) (resource.Resource, error)
}
