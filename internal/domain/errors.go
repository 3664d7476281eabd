package domain

import (
	"errors"
	"fmt"
)

// Domain rule violations. These are surfaced to the caller and never retried.
var (
	ErrCurrencyMismatch         = errors.New("currency mismatch")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrCannotCancelFilledOrder  = errors.New("cannot cancel a filled order")
	ErrOrderAlreadyCancelled    = errors.New("order already cancelled")
	ErrOrderAlreadyTerminal     = errors.New("order already in a terminal state")
	ErrCannotFillCancelledOrder = errors.New("cannot fill a cancelled order")
	ErrInvalidFillQuantity      = errors.New("fill quantity exceeds unfilled quantity")
	ErrInvalidQuantity          = errors.New("quantity must be positive")
	ErrUnknownBrokerOrder       = errors.New("no local order for broker order id")
)

// BrokerError describes a failure reported by the venue. Transient failures
// (timeouts, rate limits, connectivity) may be retried by the orchestrator;
// permanent failures (invalid symbol, rejected by venue risk) must not be.
type BrokerError struct {
	Code      int
	Message   string
	Transient bool
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker error %d: %s", e.Code, e.Message)
}

// IsTransientBrokerError reports whether err is a broker failure worth retrying.
func IsTransientBrokerError(err error) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Transient
	}
	return false
}
