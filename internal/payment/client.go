// internal/payment/client.go
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Client talks to an external payment provider over HTTP. A 402 on capture
// maps to ErrDeclined so callers can distinguish a decline from an outage.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: http.DefaultClient}
}

func (c *Client) Capture(ctx context.Context, bookingID uuid.UUID, amount float64) error {
	status, err := c.post(ctx, "/captures", bookingID, amount)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusPaymentRequired:
		return ErrDeclined
	default:
		return fmt.Errorf("capture: unexpected status code: %d", status)
	}
}

func (c *Client) Refund(ctx context.Context, bookingID uuid.UUID, amount float64) error {
	status, err := c.post(ctx, "/refunds", bookingID, amount)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusCreated:
		return nil
	default:
		return fmt.Errorf("%w: unexpected status code: %d", ErrRefundFailed, status)
	}
}

func (c *Client) post(ctx context.Context, path string, bookingID uuid.UUID, amount float64) (int, error) {
	payload := struct {
		BookingID uuid.UUID `json:"booking_id"`
		Amount    float64   `json:"amount"`
	}{
		BookingID: bookingID,
		Amount:    amount,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

var _ Collaborator = (*Client)(nil)
