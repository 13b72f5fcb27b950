package swapdb

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// OrderSide is the side of the pair the user trades on. For the pair
// "BTC/USDT", a buy swap receives the base currency and a sell swap receives
// the quote currency.
type OrderSide uint8

const (
	// OrderSideBuy buys the base currency.
	OrderSideBuy OrderSide = 0

	// OrderSideSell sells the base currency.
	OrderSideSell OrderSide = 1
)

// SplitPair splits a pair id of the form "BASE/QUOTE" into its currencies.
func SplitPair(pair string) (string, string, error) {
	split := strings.Split(pair, "/")
	if len(split) != 2 {
		return "", "", fmt.Errorf("could not split pair %v", pair)
	}

	return split[0], split[1], nil
}

// ChainSymbol returns the on-chain currency of a swap. For submarine swaps
// the user locks up on-chain, for reverse swaps the service does.
func ChainSymbol(pair string, side OrderSide, isReverse bool) (string, error) {
	base, quote, err := SplitPair(pair)
	if err != nil {
		return "", err
	}

	if isBaseChain(side, isReverse) {
		return base, nil
	}

	return quote, nil
}

// LightningSymbol returns the Lightning currency of a swap.
func LightningSymbol(pair string, side OrderSide, isReverse bool) (string,
	error) {

	base, quote, err := SplitPair(pair)
	if err != nil {
		return "", err
	}

	if isBaseChain(side, isReverse) {
		return quote, nil
	}

	return base, nil
}

func isBaseChain(side OrderSide, isReverse bool) bool {
	if isReverse {
		return side == OrderSideSell
	}

	return side == OrderSideBuy
}

// Swap is a submarine swap: the user locks coins in an on-chain HTLC and the
// service pays the user's Lightning invoice with the revealed preimage.
type Swap struct {
	// ID uniquely identifies the swap.
	ID string

	// PreimageHash binds the on-chain and off-chain legs together.
	PreimageHash lntypes.Hash

	// Status is the current lifecycle status. It only ever advances.
	Status Status

	// Pair is the traded pair id, e.g. "BTC/BTC".
	Pair string

	// OrderSide selects chain and Lightning currency within the pair.
	OrderSide OrderSide

	// Invoice is the invoice to pay out to. Empty until the user sets it.
	Invoice string

	// LockupAddress is the address of the on-chain HTLC the user locks
	// to.
	LockupAddress string

	// AcceptZeroConf indicates whether an unconfirmed lockup is already
	// acted upon.
	AcceptZeroConf bool

	// LockupTransactionID is the observed lockup transaction, if any.
	LockupTransactionID string

	// LockupVout is the lockup output index within that transaction.
	LockupVout uint32

	// OnchainAmount is the amount that was actually locked up. Written at
	// most once, when the first lockup is observed.
	OnchainAmount btcutil.Amount

	// ExpectedAmount is the amount the user was quoted to lock up.
	ExpectedAmount btcutil.Amount

	// TimeoutBlockHeight is the block height at which the on-chain HTLC
	// becomes refundable.
	TimeoutBlockHeight uint32

	// KeyIndex is the derivation index of our claim key.
	KeyIndex int32

	// RedeemScript is the serialized script tree of the lockup output. It
	// also carries the counterparty public key used for cooperative
	// signing sessions.
	RedeemScript []byte

	// RefundPublicKey is the user's refund key, compressed.
	RefundPublicKey []byte

	// MinerFee is the fee paid by our claim transaction.
	MinerFee btcutil.Amount

	// RoutingFee is the fee paid for the invoice payment.
	RoutingFee lnwire.MilliSatoshi

	// Rate is the exchange rate observed when the lockup arrived.
	Rate float64

	// FailureReason is a user facing description of why the swap failed.
	FailureReason string
}

// ReverseSwap is a reverse submarine swap: the user pays a hold invoice and
// the service locks coins on-chain that the user claims with the preimage.
type ReverseSwap struct {
	// ID uniquely identifies the swap.
	ID string

	// PreimageHash is the payment hash of the hold invoice.
	PreimageHash lntypes.Hash

	// Preimage is only set once the hold invoice was settled. Written at
	// most once.
	Preimage *lntypes.Preimage

	// Status is the current lifecycle status.
	Status Status

	// Pair is the traded pair id.
	Pair string

	// OrderSide selects chain and Lightning currency within the pair.
	OrderSide OrderSide

	// Invoice is the hold invoice the user pays.
	Invoice string

	// MinerFeeInvoice optionally prepays the lockup miner fee.
	MinerFeeInvoice string

	// MinerFeeInvoicePreimage settles the prepay invoice. Nil when there
	// is no prepay.
	MinerFeeInvoicePreimage *lntypes.Preimage

	// LockupAddress is the address of the on-chain HTLC we lock to.
	LockupAddress string

	// ClaimAddress is where the user claims to. Only set for EVM swaps.
	ClaimAddress string

	// OnchainAmount is the amount we lock up.
	OnchainAmount btcutil.Amount

	// TimeoutBlockHeight is the block height at which our lockup becomes
	// refundable.
	TimeoutBlockHeight uint32

	// TransactionID is our lockup transaction, once broadcast.
	TransactionID string

	// TransactionVout is the lockup output index.
	TransactionVout uint32

	// KeyIndex is the derivation index of our refund key.
	KeyIndex int32

	// RedeemScript is the serialized script tree of the lockup output.
	RedeemScript []byte

	// ClaimPublicKey is the user's claim key, compressed.
	ClaimPublicKey []byte

	// MinerFee is the total fee paid by our lockup (and refund)
	// transactions.
	MinerFee btcutil.Amount

	// FailureReason is a user facing description of why the swap failed.
	FailureReason string
}

// ChannelCreation is attached to a submarine swap that buys inbound
// liquidity: instead of paying the invoice through existing channels, a new
// channel is opened to the invoice destination first.
type ChannelCreation struct {
	// SwapID is the owning submarine swap.
	SwapID string

	// Status is the channel creation lifecycle status.
	Status ChannelStatus

	// Private indicates whether the channel should be announced.
	Private bool

	// InboundLiquidity is the percentage of the channel capacity that
	// should remain as inbound liquidity for the user.
	InboundLiquidity uint8

	// NodePublicKey is the node the channel is opened to, compressed.
	NodePublicKey []byte

	// FundingTransactionID is set once the channel funding transaction
	// was published.
	FundingTransactionID string

	// FundingTransactionVout is the funding output index.
	FundingTransactionVout uint32
}

// ChainSwapLeg is one on-chain leg of a chain swap.
type ChainSwapLeg struct {
	// Symbol is the chain currency of this leg.
	Symbol string

	// Amount is the actual amount transferred on this leg.
	Amount btcutil.Amount

	// ExpectedAmount is the quoted amount for this leg.
	ExpectedAmount btcutil.Amount

	// Fee is the miner fee paid on this leg.
	Fee btcutil.Amount

	// TransactionID is the lockup transaction of this leg.
	TransactionID string

	// TransactionVout is the lockup output index.
	TransactionVout uint32

	// TimeoutBlockHeight is the refund height of this leg.
	TimeoutBlockHeight uint32

	// LockupAddress is the HTLC address of this leg.
	LockupAddress string

	// KeyIndex is the derivation index of our key on this leg.
	KeyIndex int32

	// RedeemScript is the serialized script tree of the lockup output.
	RedeemScript []byte

	// TheirPublicKey is the counterparty key of this leg, compressed.
	TheirPublicKey []byte
}

// ChainSwap is a swap with two independent on-chain legs and no Lightning
// leg. The orchestrator treats each leg symmetrically with the submarine and
// reverse swap logic.
type ChainSwap struct {
	// ID uniquely identifies the swap.
	ID string

	// PreimageHash binds the two legs together.
	PreimageHash lntypes.Hash

	// Status is the current lifecycle status.
	Status Status

	// Pair is the traded pair id.
	Pair string

	// SendingData is the leg on which the service sends.
	SendingData ChainSwapLeg

	// ReceivingData is the leg on which the service receives.
	ReceivingData ChainSwapLeg

	// FailureReason is a user facing description of why the swap failed.
	FailureReason string
}
