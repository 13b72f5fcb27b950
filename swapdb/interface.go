package swapdb

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// ErrSwapNotFound is returned when a lookup matches no swap.
	ErrSwapNotFound = errors.New("swap not found")

	// ErrPreimageAlreadySet is returned when a second preimage write is
	// attempted for a reverse swap.
	ErrPreimageAlreadySet = errors.New("preimage already set")
)

// SwapStore gives access to the submarine swap repository. Mutations are
// named after the lifecycle step they record; callers never write raw status
// fields. Every mutation executes as a single atomic read-modify-write
// against the persisted row and returns the stored row as written.
type SwapStore interface {
	// CreateSwap adds a new submarine swap.
	CreateSwap(ctx context.Context, swap *Swap) error

	// FetchSwap returns the swap with the given id.
	FetchSwap(ctx context.Context, id string) (*Swap, error)

	// FetchSwapByPreimageHash returns the swap with the given preimage
	// hash whose status is one of the given statuses. An empty status set
	// matches any status.
	FetchSwapByPreimageHash(ctx context.Context, hash lntypes.Hash,
		statuses ...Status) (*Swap, error)

	// FetchSwapsByStatus returns all swaps in one of the given statuses.
	FetchSwapsByStatus(ctx context.Context, statuses ...Status) ([]*Swap,
		error)

	// FetchExpirableSwaps returns all non-terminal swaps whose timeout
	// block height is at or below the given height.
	FetchExpirableSwaps(ctx context.Context, height uint32) ([]*Swap,
		error)

	// SetSwapStatus records a status transition, optionally with a user
	// facing failure reason.
	SetSwapStatus(ctx context.Context, id string, status Status,
		failureReason string) (*Swap, error)

	// SetLockupTransaction records the observed lockup transaction and
	// the amount that was actually locked up. The on-chain amount is
	// written at most once. The status moves to mempool or confirmed,
	// depending on the confirmed flag.
	SetLockupTransaction(ctx context.Context, id string, txid string,
		vout uint32, onchainAmount btcutil.Amount,
		confirmed bool) (*Swap, error)

	// SetRate persists the exchange rate observed for a lockup that
	// arrived before the invoice was set.
	SetRate(ctx context.Context, id string, rate float64) (*Swap, error)

	// SetInvoicePaid records the paid invoice's routing fee and moves the
	// status to invoice.paid.
	SetInvoicePaid(ctx context.Context, id string,
		routingFee lnwire.MilliSatoshi) (*Swap, error)

	// SetMinerFee records the claim transaction fee and moves the status
	// to transaction.claimed.
	SetMinerFee(ctx context.Context, id string,
		minerFee btcutil.Amount) (*Swap, error)
}

// ReverseSwapStore gives access to the reverse swap repository.
type ReverseSwapStore interface {
	// CreateReverseSwap adds a new reverse swap.
	CreateReverseSwap(ctx context.Context, swap *ReverseSwap) error

	// FetchReverseSwap returns the reverse swap with the given id.
	FetchReverseSwap(ctx context.Context, id string) (*ReverseSwap, error)

	// FetchReverseSwapByPreimageHash returns the reverse swap with the
	// given preimage hash whose status is not one of the excluded ones.
	FetchReverseSwapByPreimageHash(ctx context.Context, hash lntypes.Hash,
		exclude ...Status) (*ReverseSwap, error)

	// FetchReverseSwapByInvoice returns the reverse swap whose hold
	// invoice or miner fee invoice matches.
	FetchReverseSwapByInvoice(ctx context.Context, invoice string) (
		*ReverseSwap, error)

	// FetchReverseSwapsByStatus returns all reverse swaps in one of the
	// given statuses.
	FetchReverseSwapsByStatus(ctx context.Context, statuses ...Status) (
		[]*ReverseSwap, error)

	// FetchExpirableReverseSwaps returns all non-terminal reverse swaps
	// whose timeout block height is at or below the given height.
	FetchExpirableReverseSwaps(ctx context.Context, height uint32) (
		[]*ReverseSwap, error)

	// SetReverseSwapStatus records a status transition.
	SetReverseSwapStatus(ctx context.Context, id string, status Status,
		failureReason string) (*ReverseSwap, error)

	// SetReverseSwapLockupTransaction records our broadcast lockup
	// transaction and its fee and moves the status to
	// transaction.mempool.
	SetReverseSwapLockupTransaction(ctx context.Context, id string,
		txid string, vout uint32, minerFee btcutil.Amount) (
		*ReverseSwap, error)

	// SetTransactionRefunded adds the refund fee and moves the status to
	// transaction.refunded.
	SetTransactionRefunded(ctx context.Context, id string,
		refundFee btcutil.Amount, failureReason string) (*ReverseSwap,
		error)

	// SetInvoiceSettled writes the preimage and moves the status to
	// invoice.settled. The preimage is written at most once and only
	// through this mutation.
	SetInvoiceSettled(ctx context.Context, id string,
		preimage lntypes.Preimage) (*ReverseSwap, error)
}

// ChannelCreationStore gives access to the channel creation repository.
type ChannelCreationStore interface {
	// CreateChannelCreation adds a channel creation for a swap.
	CreateChannelCreation(ctx context.Context,
		creation *ChannelCreation) error

	// FetchChannelCreation returns the channel creation owned by the
	// given swap.
	FetchChannelCreation(ctx context.Context, swapID string) (
		*ChannelCreation, error)

	// FetchChannelCreations returns all channel creations in the given
	// status.
	FetchChannelCreations(ctx context.Context, status ChannelStatus) (
		[]*ChannelCreation, error)

	// FetchChannelCreationByFunding returns the channel creation with the
	// given funding outpoint in the given status.
	FetchChannelCreationByFunding(ctx context.Context, fundingTxid string,
		fundingVout uint32, status ChannelStatus) (*ChannelCreation,
		error)

	// SetAttempted marks an open attempt as started.
	SetAttempted(ctx context.Context, swapID string) (*ChannelCreation,
		error)

	// SetFundingTransaction records the published funding transaction and
	// moves the status to created.
	SetFundingTransaction(ctx context.Context, swapID string,
		fundingTxid string, fundingVout uint32) (*ChannelCreation,
		error)

	// SetSettled marks the channel creation as settled. Terminal.
	SetSettled(ctx context.Context, swapID string) (*ChannelCreation,
		error)

	// SetAbandoned marks the channel creation as abandoned. Terminal.
	SetAbandoned(ctx context.Context, swapID string) (*ChannelCreation,
		error)
}

// ChainSwapStore gives access to the chain swap repository.
type ChainSwapStore interface {
	// CreateChainSwap adds a new chain swap.
	CreateChainSwap(ctx context.Context, swap *ChainSwap) error

	// FetchChainSwap returns the chain swap with the given id.
	FetchChainSwap(ctx context.Context, id string) (*ChainSwap, error)

	// FetchChainSwapByPreimageHash returns the chain swap with the given
	// preimage hash whose status is not one of the excluded ones.
	FetchChainSwapByPreimageHash(ctx context.Context, hash lntypes.Hash,
		exclude ...Status) (*ChainSwap, error)

	// FetchExpirableChainSwaps returns all non-terminal chain swaps whose
	// sending leg uses one of the given symbols and times out at or below
	// the given height.
	FetchExpirableChainSwaps(ctx context.Context, symbols []string,
		height uint32) ([]*ChainSwap, error)

	// SetChainSwapStatus records a status transition.
	SetChainSwapStatus(ctx context.Context, id string, status Status,
		failureReason string) (*ChainSwap, error)
}

// Store is the full database interface used by the swap engine.
type Store interface {
	SwapStore
	ReverseSwapStore
	ChannelCreationStore
	ChainSwapStore

	// Close closes the underlying database.
	Close() error
}
