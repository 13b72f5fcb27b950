package swapd

import (
	"errors"
	"fmt"
)

var (
	// ErrNoLightningSupport is returned when a currency has no Lightning
	// node attached.
	ErrNoLightningSupport = errors.New("no lightning support for currency")

	// ErrCurrencyNotFound is returned when a swap references a currency
	// the engine was not configured with.
	ErrCurrencyNotFound = errors.New("currency not found")

	// ErrSwapNotEligible is returned when a cooperative signature is
	// requested for a swap that is not in an eligible state.
	ErrSwapNotEligible = errors.New("swap not eligible for cooperative " +
		"signature")

	// ErrPaymentPending is returned when a refund signature is requested
	// while the invoice payment may still settle.
	ErrPaymentPending = errors.New("payment still in flight")

	// ErrPreimageMismatch is returned when a claim signature is requested
	// with a preimage that does not match the swap hash.
	ErrPreimageMismatch = errors.New("preimage does not match swap hash")

	// ErrInvalidInputIndex is returned when a cooperative signature names
	// an input index outside the spending transaction.
	ErrInvalidInputIndex = errors.New("invalid input index")

	// ErrLockupNotEligible is returned when a channel open is requested
	// for a swap whose lockup was not observed or does not cover the
	// expected amount.
	ErrLockupNotEligible = errors.New("lockup missing or below expected " +
		"amount")
)

// wrapSwapError annotates an error with the swap it belongs to.
func wrapSwapError(swapID string, err error) error {
	return fmt.Errorf("swap %v: %w", swapID, err)
}
