// Package evm watches swap contracts on EVM chains. It validates incoming
// lockups against the swaps they belong to, forwards revealed preimages from
// claim transactions and tracks our own lockup transactions to confirmation.
package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lightningnetwork/lnd/lntypes"
)

// etherDecimals is the difference between the wei and satoshi denominations,
// ether carries 18 decimals and satoshis 8.
var etherDecimals = new(big.Int).Exp(big.NewInt(10), big.NewInt(10), nil)

// Token describes an ERC20 token a swap contract supports.
type Token struct {
	// Address is the token contract address.
	Address common.Address

	// Symbol is the ticker symbol of the token.
	Symbol string

	// Decimals is the number of decimals of the token.
	Decimals uint8
}

// FromSats converts a satoshi denominated amount into token units.
func (t *Token) FromSats(amount btcutil.Amount) *big.Int {
	return scaleSats(amount, int(t.Decimals))
}

// ToSats converts token units into satoshis, rounding down.
func (t *Token) ToSats(amount *big.Int) btcutil.Amount {
	return unscaleSats(amount, int(t.Decimals))
}

// EtherFromSats converts satoshis into wei.
func EtherFromSats(amount btcutil.Amount) *big.Int {
	return new(big.Int).Mul(big.NewInt(int64(amount)), etherDecimals)
}

// EtherToSats converts wei into satoshis, rounding down.
func EtherToSats(amount *big.Int) btcutil.Amount {
	return btcutil.Amount(
		new(big.Int).Div(amount, etherDecimals).Int64(),
	)
}

func scaleSats(amount btcutil.Amount, decimals int) *big.Int {
	value := big.NewInt(int64(amount))
	switch {
	case decimals > 8:
		factor := new(big.Int).Exp(
			big.NewInt(10), big.NewInt(int64(decimals-8)), nil,
		)
		return value.Mul(value, factor)

	case decimals < 8:
		factor := new(big.Int).Exp(
			big.NewInt(10), big.NewInt(int64(8-decimals)), nil,
		)
		return value.Div(value, factor)

	default:
		return value
	}
}

func unscaleSats(amount *big.Int, decimals int) btcutil.Amount {
	value := new(big.Int).Set(amount)
	switch {
	case decimals > 8:
		factor := new(big.Int).Exp(
			big.NewInt(10), big.NewInt(int64(decimals-8)), nil,
		)
		value.Div(value, factor)

	case decimals < 8:
		factor := new(big.Int).Exp(
			big.NewInt(10), big.NewInt(int64(8-decimals)), nil,
		)
		value.Mul(value, factor)
	}

	return btcutil.Amount(value.Int64())
}

// LockupEvent is an incoming lockup observed on a swap contract.
type LockupEvent struct {
	// Transaction is the hash of the lockup transaction.
	Transaction common.Hash

	// PreimageHash binds the lockup to a swap.
	PreimageHash [32]byte

	// Amount is the locked amount, in wei for ether lockups and in token
	// units for ERC20 lockups.
	Amount *big.Int

	// TokenAddress is the token contract for ERC20 lockups and the zero
	// address for ether lockups.
	TokenAddress common.Address

	// ClaimAddress is the address allowed to claim the lockup.
	ClaimAddress common.Address

	// Sender is the address that sent the lockup.
	Sender common.Address

	// Timelock is the block height at which the refund path opens.
	Timelock uint64
}

// IsEther reports whether the lockup is a native ether lockup.
func (e *LockupEvent) IsEther() bool {
	return e.TokenAddress == (common.Address{})
}

// ClaimEvent is a claim observed on a swap contract. Claims reveal the
// preimage of the swap.
type ClaimEvent struct {
	Transaction  common.Hash
	PreimageHash [32]byte
	Preimage     lntypes.Preimage
}

// ContractEventSource streams events of the swap contracts of one chain.
type ContractEventSource interface {
	// SubscribeLockups streams lockup events of both the ether and the
	// ERC20 swap contract.
	SubscribeLockups(ctx context.Context) (<-chan *LockupEvent,
		<-chan error, error)

	// SubscribeClaims streams claim events of both contracts.
	SubscribeClaims(ctx context.Context) (<-chan *ClaimEvent,
		<-chan error, error)

	// SubscribeBlocks streams the chain height.
	SubscribeBlocks(ctx context.Context) (<-chan uint64, <-chan error,
		error)
}

// ReceiptSource looks up transaction receipts. Implemented by ethclient.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (
		*types.Receipt, error)
}

// ContractHandler executes swap contract calls with our signer.
type ContractHandler interface {
	// LockupEther locks up ether for a reverse swap.
	LockupEther(ctx context.Context, preimageHash [32]byte,
		amount *big.Int, claimAddress common.Address,
		timelock uint64) (common.Hash, error)

	// ClaimEther claims an incoming ether lockup with the preimage.
	ClaimEther(ctx context.Context, preimage lntypes.Preimage,
		amount *big.Int, refundAddress common.Address,
		timelock uint64) (common.Hash, error)

	// RefundEther refunds our expired ether lockup.
	RefundEther(ctx context.Context, preimageHash [32]byte,
		amount *big.Int, claimAddress common.Address,
		timelock uint64) (common.Hash, error)

	// LockupToken locks up ERC20 tokens for a reverse swap.
	LockupToken(ctx context.Context, token common.Address,
		preimageHash [32]byte, amount *big.Int,
		claimAddress common.Address, timelock uint64) (common.Hash,
		error)

	// ClaimToken claims an incoming ERC20 lockup with the preimage.
	ClaimToken(ctx context.Context, token common.Address,
		preimage lntypes.Preimage, amount *big.Int,
		refundAddress common.Address, timelock uint64) (common.Hash,
		error)

	// RefundToken refunds our expired ERC20 lockup.
	RefundToken(ctx context.Context, token common.Address,
		preimageHash [32]byte, amount *big.Int,
		claimAddress common.Address, timelock uint64) (common.Hash,
		error)
}

// LockupValidationError is the reason an incoming lockup was rejected. The
// reported reason is persisted as the failure reason of the swap.
type LockupValidationError struct {
	reason string
}

// Error implements the error interface.
func (e *LockupValidationError) Error() string {
	return e.reason
}

func invalidClaimAddress(got, want common.Address) *LockupValidationError {
	return &LockupValidationError{
		reason: fmt.Sprintf("incorrect claim address %v, expected %v",
			got.Hex(), want.Hex()),
	}
}

func invalidTimelock(got uint64, want uint32) *LockupValidationError {
	return &LockupValidationError{
		reason: fmt.Sprintf("incorrect timelock %d, expected %d",
			got, want),
	}
}

func insufficientAmount(got, want *big.Int) *LockupValidationError {
	return &LockupValidationError{
		reason: fmt.Sprintf("locked %v is less than expected %v",
			got, want),
	}
}

func blockedSender(sender common.Address) *LockupValidationError {
	return &LockupValidationError{
		reason: fmt.Sprintf("transaction from blocked address %v",
			sender.Hex()),
	}
}

func unsupportedToken(token common.Address) *LockupValidationError {
	return &LockupValidationError{
		reason: fmt.Sprintf("unsupported token %v", token.Hex()),
	}
}
