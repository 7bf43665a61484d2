package models

import (
	"errors"
	"fmt"
)

// Recoverable protocol conditions. These are handled inside the component
// that detects them and never crash an adapter.
var (
	// ErrDuplicateOrder is returned when recording an order whose internal
	// or exchange id is already tracked by the ledger.
	ErrDuplicateOrder = errors.New("duplicate order")

	// ErrOrderNotFound is returned when neither id resolves to a tracked order.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOutOfOrderFill marks a fill report whose cumulative quantity is
	// below the ledger's recorded value. The report is ignored.
	ErrOutOfOrderFill = errors.New("out of order fill")

	// ErrStaleSnapshot marks a snapshot older than the recovery anchor.
	ErrStaleSnapshot = errors.New("stale snapshot")

	// ErrGapDetected marks a diff stream gap, forcing resynchronization.
	ErrGapDetected = errors.New("gap detected in update stream")

	// ErrUnmappableFee marks a commission reported in a currency outside
	// the fill's base/quote pair. The fill is still recorded.
	ErrUnmappableFee = errors.New("unmappable fee currency")

	// ErrNotFollowing is returned when an operation targets a market the
	// adapter has not been asked to follow.
	ErrNotFollowing = errors.New("not following market")

	// ErrNotSynced is returned when the book is queried while recovering
	// from a gap and must not be treated as authoritative.
	ErrNotSynced = errors.New("order book not synced")

	// ErrNoGateway is returned for trading operations on an adapter that
	// was wired for market data only.
	ErrNoGateway = errors.New("order gateway not configured")
)

// Gateway rejection reason codes shared across exchanges.
const (
	ReasonOrderNotFound     = "order_not_found"
	ReasonInsufficientFunds = "INSUFFICIENT_FUNDS"
	ReasonTransportError    = "transport_error"
	ReasonUnknown           = "UNKNOWN"
)

// GatewayRejectedError is a definitive rejection from the order gateway.
// It is never retried and surfaces as a terminal lifecycle event.
type GatewayRejectedError struct {
	Reason  string
	Message string
}

func (e *GatewayRejectedError) Error() string {
	return fmt.Sprintf("gateway rejected request (%s): %s", e.Reason, e.Message)
}

// GatewayTransportError is a transient transport failure. Calls failing this
// way are retried up to the configured attempt count.
type GatewayTransportError struct {
	Err error
}

func (e *GatewayTransportError) Error() string {
	return fmt.Sprintf("gateway transport error: %v", e.Err)
}

func (e *GatewayTransportError) Unwrap() error { return e.Err }

// IsDefinitiveRejection reports whether err is a rejection that must not be
// retried.
func IsDefinitiveRejection(err error) bool {
	var rej *GatewayRejectedError
	return errors.As(err, &rej)
}

// RejectionReason extracts the reason code from a gateway rejection,
// falling back to ReasonUnknown.
func RejectionReason(err error) string {
	var rej *GatewayRejectedError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ReasonUnknown
}
