package domain

import (
	"errors"
	"fmt"
	"time"
)

// Source errors.
var (
	// ErrSourceFetch is a transport or server side failure; retriable.
	ErrSourceFetch = errors.New("source fetch failed")
	// ErrSourceMalformed means the response lacked expected fields.
	ErrSourceMalformed = errors.New("source response malformed")
	ErrDetailNotFound  = errors.New("listing detail not found")
	ErrDetailFetch     = errors.New("listing detail fetch failed")
)

// ErrFormat is returned when an alert cannot be rendered from the data at hand.
var ErrFormat = errors.New("alert format")

// Delivery errors. Every failed delivery wraps exactly one of these.
var (
	ErrDeliveryPermissionDenied = errors.New("delivery permission denied")
	ErrDeliveryNotFound         = errors.New("delivery destination not found")
	ErrDeliveryOther            = errors.New("delivery failed")
)

// RetryAfterError is a delivery failure for which the destination asked the
// sender to wait before trying again.
type RetryAfterError struct {
	Wait time.Duration
	Err  error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.Wait)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

var ErrSubscriptionNotFound = errors.New("subscription not found")

// DeliveryCategory returns a short label for logging a delivery error.
func DeliveryCategory(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDeliveryPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrDeliveryNotFound):
		return "not_found"
	default:
		return "other"
	}
}
