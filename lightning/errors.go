package lightning

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FailureReason is the terminal failure reason of a payment, normalized
// across node implementations.
type FailureReason uint8

const (
	// FailureReasonNone means no failure reason is known.
	FailureReasonNone FailureReason = iota

	// FailureReasonTimeout means pathfinding ran out of time.
	FailureReasonTimeout

	// FailureReasonNoRoute means no route to the destination was found.
	FailureReasonNoRoute

	// FailureReasonInsufficientBalance means our channels lack the
	// outbound liquidity for the payment.
	FailureReasonInsufficientBalance

	// FailureReasonIncorrectDetails means the recipient rejected the
	// payment as unknown or the invoice has expired. This failure is
	// permanent, retries can never succeed.
	FailureReasonIncorrectDetails

	// FailureReasonError covers all other terminal failures.
	FailureReasonError
)

// String returns the readable representation of the failure reason.
func (f FailureReason) String() string {
	switch f {
	case FailureReasonNone:
		return "none"

	case FailureReasonTimeout:
		return "timeout"

	case FailureReasonNoRoute:
		return "no route"

	case FailureReasonInsufficientBalance:
		return "insufficient balance"

	case FailureReasonIncorrectDetails:
		return "incorrect payment details"

	case FailureReasonError:
		return "error"

	default:
		return "unknown"
	}
}

// IsRecoverableWithChannel reports whether opening a new channel to the
// destination could make a retry of the payment succeed.
func (f FailureReason) IsRecoverableWithChannel() bool {
	switch f {
	case FailureReasonTimeout, FailureReasonNoRoute,
		FailureReasonInsufficientBalance:

		return true

	default:
		return false
	}
}

var (
	// ErrInvoiceAlreadyPaid is returned when a payment or settle attempt
	// finds the invoice to be paid already. Callers treat this as
	// success.
	ErrInvoiceAlreadyPaid = errors.New("invoice is already paid")

	// ErrPaymentInTransition is returned when a payment for the same hash
	// is already in flight.
	ErrPaymentInTransition = errors.New("payment is in transition")

	// ErrInvoiceExpired is returned when the invoice to pay has expired.
	ErrInvoiceExpired = errors.New("invoice expired")

	// ErrInvoiceNotFound is returned when a looked up invoice does not
	// exist on the node.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrPaymentNotFound is returned when a tracked payment was never
	// dispatched on the node.
	ErrPaymentNotFound = errors.New("payment not found")
)

// CltvLimitExceededError is returned when the requested cltv limit is too
// small to reach the destination.
type CltvLimitExceededError struct {
	// Limit is the cltv limit that was requested.
	Limit int32

	// Required is the lower bound the node reported.
	Required int32
}

// Error implements the error interface.
func (e *CltvLimitExceededError) Error() string {
	return fmt.Sprintf("cltv limit %d should be greater than %d",
		e.Limit, e.Required)
}

// cltvLimitRegex matches the lnd error for a too small cltv limit. The
// matching stays confined to this package so callers only ever see the typed
// error.
var cltvLimitRegex = regexp.MustCompile(
	`(cltv limit )(\d{1,9}) (should be greater than )(\d{1,9})`,
)

// ParseCltvLimitExceeded extracts a CltvLimitExceededError from a node
// error, if it is one.
func ParseCltvLimitExceeded(err error) (*CltvLimitExceededError, bool) {
	if err == nil {
		return nil, false
	}

	var cltvErr *CltvLimitExceededError
	if errors.As(err, &cltvErr) {
		return cltvErr, true
	}

	matches := cltvLimitRegex.FindStringSubmatch(err.Error())
	if matches == nil {
		return nil, false
	}

	limit, err1 := strconv.ParseInt(matches[2], 10, 32)
	required, err2 := strconv.ParseInt(matches[4], 10, 32)
	if err1 != nil || err2 != nil {
		return nil, false
	}

	return &CltvLimitExceededError{
		Limit:    int32(limit),
		Required: int32(required),
	}, true
}

// peerOfflineRegex matches the lnd error for opening a channel to a peer
// that is not connected.
var peerOfflineRegex = regexp.MustCompile(`peer (.*) is not online`)

// ErrIsPeerOffline reports whether a channel open failed because the peer is
// not connected.
func ErrIsPeerOffline(err error) bool {
	return err != nil && peerOfflineRegex.MatchString(err.Error())
}

// ErrIsBlockchainSyncing reports whether a channel open failed because the
// node is still syncing its chain backend.
func ErrIsBlockchainSyncing(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	return strings.HasSuffix(msg, "err=Synchronizing blockchain") ||
		strings.Contains(
			msg, "channels cannot be created before the wallet "+
				"is fully synced",
		)
}

// normalizeError maps raw lnd errors onto the package taxonomy. Unknown
// errors pass through unchanged.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	if st, ok := status.FromError(err); ok {
		msg = st.Message()

		// Hold invoice lookups for unknown hashes fail with NotFound.
		if st.Code() == codes.NotFound {
			return ErrInvoiceNotFound
		}
	}

	switch {
	case strings.Contains(msg, "invoice is already paid"):
		return ErrInvoiceAlreadyPaid

	case strings.Contains(msg, "payment is in transition"):
		return ErrPaymentInTransition

	case strings.Contains(msg, "invoice expired"):
		return ErrInvoiceExpired

	case strings.Contains(msg, "there are no existing invoices"),
		strings.Contains(msg, "unable to locate invoice"):

		return ErrInvoiceNotFound

	case strings.Contains(msg, "payment isn't initiated"):
		return ErrPaymentNotFound
	}

	if cltvErr, ok := ParseCltvLimitExceeded(err); ok {
		return cltvErr
	}

	return err
}
