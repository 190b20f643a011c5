// internal/payment/payment.go
package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrDeclined means the capture was rejected by the payment provider.
	ErrDeclined = errors.New("payment declined")
	// ErrRefundFailed means the refund could not be issued.
	ErrRefundFailed = errors.New("refund failed")
)

// Collaborator is the external payment contract. Capture is invoked between
// Pending and Confirmed; Refund on a refund command. Implementations live
// outside the engine.
type Collaborator interface {
	Capture(ctx context.Context, bookingID uuid.UUID, amount float64) error
	Refund(ctx context.Context, bookingID uuid.UUID, amount float64) error
}
