package swapdb

// Status tracks the progress of a swap through its lifecycle. A single
// enumeration is shared between submarine swaps, reverse swaps and chain
// swaps to keep the event stream uniform.
type Status uint8

const (
	// StatusSwapCreated is the initial status of every swap.
	StatusSwapCreated Status = 0

	// StatusInvoiceSet means the user provided the Lightning invoice that
	// a submarine swap should pay out to.
	StatusInvoiceSet Status = 1

	// StatusTransactionMempool means the lockup transaction was seen in
	// the mempool but has no confirmation yet.
	StatusTransactionMempool Status = 2

	// StatusTransactionConfirmed means the lockup transaction reached the
	// required confirmation depth.
	StatusTransactionConfirmed Status = 3

	// StatusTransactionZeroConfRejected means a 0-conf lockup was seen
	// but rejected by the acceptance policy. The swap continues once the
	// transaction confirms.
	StatusTransactionZeroConfRejected Status = 4

	// StatusTransactionLockupFailed means the observed lockup violated
	// the swap parameters (wrong amount, timelock or claim address).
	StatusTransactionLockupFailed Status = 5

	// StatusInvoicePending means payment of the submarine swap invoice
	// was started.
	StatusInvoicePending Status = 6

	// StatusChannelCreated means a channel was opened to complete the
	// swap instead of paying through existing channels.
	StatusChannelCreated Status = 7

	// StatusInvoicePaid means the submarine swap invoice was paid and the
	// preimage is known.
	StatusInvoicePaid Status = 8

	// StatusInvoiceFailedToPay is terminal for submarine swaps whose
	// invoice is provably unpayable.
	StatusInvoiceFailedToPay Status = 9

	// StatusTransactionClaimed is the terminal success status of a
	// submarine swap.
	StatusTransactionClaimed Status = 10

	// StatusSwapExpired means the timeout block height passed without the
	// swap completing.
	StatusSwapExpired Status = 11

	// StatusMinerFeePaid means the miner fee prepay invoice of a reverse
	// swap was accepted.
	StatusMinerFeePaid Status = 12

	// StatusTransactionFailed means sending the server lockup transaction
	// of a reverse swap failed.
	StatusTransactionFailed Status = 13

	// StatusTransactionRefunded means the server lockup of a reverse swap
	// was refunded after expiry.
	StatusTransactionRefunded Status = 14

	// StatusInvoiceSettled is the terminal success status of a reverse
	// swap: the hold invoice was settled with the preimage.
	StatusInvoiceSettled Status = 15

	// StatusInvoiceExpired means the hold invoice of a reverse swap
	// expired before it was paid.
	StatusInvoiceExpired Status = 16
)

// String returns the wire representation of the status, matching the event
// names exposed to API consumers.
func (s Status) String() string {
	switch s {
	case StatusSwapCreated:
		return "swap.created"
	case StatusInvoiceSet:
		return "invoice.set"
	case StatusTransactionMempool:
		return "transaction.mempool"
	case StatusTransactionConfirmed:
		return "transaction.confirmed"
	case StatusTransactionZeroConfRejected:
		return "transaction.zeroconf.rejected"
	case StatusTransactionLockupFailed:
		return "transaction.lockupFailed"
	case StatusInvoicePending:
		return "invoice.pending"
	case StatusChannelCreated:
		return "channel.created"
	case StatusInvoicePaid:
		return "invoice.paid"
	case StatusInvoiceFailedToPay:
		return "invoice.failedToPay"
	case StatusTransactionClaimed:
		return "transaction.claimed"
	case StatusSwapExpired:
		return "swap.expired"
	case StatusMinerFeePaid:
		return "minerfee.paid"
	case StatusTransactionFailed:
		return "transaction.failed"
	case StatusTransactionRefunded:
		return "transaction.refunded"
	case StatusInvoiceSettled:
		return "invoice.settled"
	case StatusInvoiceExpired:
		return "invoice.expired"
	default:
		return "unknown"
	}
}

// FailedStatuses is the set of submarine swap statuses that make the swap
// eligible for a cooperative refund.
var FailedStatuses = []Status{
	StatusSwapExpired,
	StatusInvoiceFailedToPay,
	StatusTransactionLockupFailed,
}

// IsFailed reports whether the status is in FailedStatuses.
func (s Status) IsFailed() bool {
	for _, failed := range FailedStatuses {
		if s == failed {
			return true
		}
	}

	return false
}

// IsSwapTerminal reports whether a submarine swap in this status must not
// transition any further. Expiry handlers use this to stay idempotent when
// chain watchers deliver the same notification more than once.
func (s Status) IsSwapTerminal() bool {
	switch s {
	case StatusTransactionClaimed, StatusSwapExpired,
		StatusInvoiceFailedToPay:

		return true
	default:
		return false
	}
}

// IsReverseTerminal reports whether a reverse swap in this status must not
// transition any further.
func (s Status) IsReverseTerminal() bool {
	switch s {
	case StatusInvoiceSettled, StatusSwapExpired,
		StatusTransactionRefunded, StatusInvoiceExpired:

		return true
	default:
		return false
	}
}

// ChannelStatus tracks the progress of a channel creation attached to a
// submarine swap.
type ChannelStatus uint8

const (
	// ChannelNone means no channel open was attempted yet.
	ChannelNone ChannelStatus = 0

	// ChannelAttempted means an open was tried but did not complete.
	ChannelAttempted ChannelStatus = 1

	// ChannelCreated means the funding transaction was published.
	ChannelCreated ChannelStatus = 2

	// ChannelSettled means the swap invoice was settled through the
	// created channel. Terminal.
	ChannelSettled ChannelStatus = 3

	// ChannelAbandoned means the swap expired before settlement.
	// Terminal.
	ChannelAbandoned ChannelStatus = 4
)

// String returns a human readable channel status.
func (c ChannelStatus) String() string {
	switch c {
	case ChannelNone:
		return "none"
	case ChannelAttempted:
		return "attempted"
	case ChannelCreated:
		return "created"
	case ChannelSettled:
		return "settled"
	case ChannelAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}
