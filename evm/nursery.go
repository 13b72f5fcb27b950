package evm

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/boltzops/swapd/swapdb"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
)

// defaultReceiptPollInterval is how often a pending lockup transaction of
// ours is polled for a receipt.
const defaultReceiptPollInterval = 5 * time.Second

// AcceptedLockup is an incoming lockup that passed validation. Sender and
// token address are carried along for the later claim call.
type AcceptedLockup struct {
	Swap         *swapdb.Swap
	Sender       common.Address
	TokenAddress common.Address
}

// FailedLockup is an incoming lockup that was rejected. The swap has already
// been failed in the store.
type FailedLockup struct {
	Swap   *swapdb.Swap
	Reason string
}

// AcceptedClaim is a claim of one of our lockups, revealing the preimage.
type AcceptedClaim struct {
	ReverseSwap *swapdb.ReverseSwap
	Preimage    lntypes.Preimage
}

// LockupConfirmation signals that our own lockup transaction confirmed.
type LockupConfirmation struct {
	ReverseSwap *swapdb.ReverseSwap
}

// LockupSendFailure signals that our own lockup transaction failed on chain.
type LockupSendFailure struct {
	ReverseSwap *swapdb.ReverseSwap
	Err         error
}

// Config contains all dependencies of the nursery.
type Config struct {
	// Symbol is the chain this nursery watches, for example "ETH" or
	// "RBTC".
	Symbol string

	// ClaimAddress is the address of our signer. Incoming lockups must
	// name it as their claim address.
	ClaimAddress common.Address

	// BlockedAddresses are senders whose lockups are rejected.
	BlockedAddresses map[common.Address]struct{}

	// Tokens are the ERC20 tokens the contract supports, keyed by token
	// contract address.
	Tokens map[common.Address]*Token

	// Source streams the contract events of the chain.
	Source ContractEventSource

	// Receipts looks up receipts for our own lockup transactions.
	Receipts ReceiptSource

	// Swaps is the submarine swap store.
	Swaps swapdb.SwapStore

	// ReverseSwaps is the reverse swap store.
	ReverseSwaps swapdb.ReverseSwapStore

	// ChainSwaps is the chain swap store. Optional.
	ChainSwaps swapdb.ChainSwapStore

	// Clock drives receipt polling, mocked in tests.
	Clock clock.Clock

	// ReceiptPollInterval overrides the receipt poll interval.
	ReceiptPollInterval time.Duration
}

// Nursery watches the swap contracts of one EVM chain and feeds validated
// events to the swap engine.
type Nursery struct {
	cfg Config

	lockups            chan *AcceptedLockup
	lockupFailures     chan *FailedLockup
	claims             chan *AcceptedClaim
	lockupConfs        chan *LockupConfirmation
	lockupSendFailures chan *LockupSendFailure

	swapExpiries        chan *swapdb.Swap
	reverseSwapExpiries chan *swapdb.ReverseSwap
	chainSwapExpiries   chan *swapdb.ChainSwap
}

// NewNursery creates a new nursery.
func NewNursery(cfg Config) *Nursery {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.ReceiptPollInterval == 0 {
		cfg.ReceiptPollInterval = defaultReceiptPollInterval
	}

	return &Nursery{
		cfg:                 cfg,
		lockups:             make(chan *AcceptedLockup, 16),
		lockupFailures:      make(chan *FailedLockup, 16),
		claims:              make(chan *AcceptedClaim, 16),
		lockupConfs:         make(chan *LockupConfirmation, 16),
		lockupSendFailures:  make(chan *LockupSendFailure, 16),
		swapExpiries:        make(chan *swapdb.Swap, 16),
		reverseSwapExpiries: make(chan *swapdb.ReverseSwap, 16),
		chainSwapExpiries:   make(chan *swapdb.ChainSwap, 16),
	}
}

// Lockups streams incoming lockups that passed validation.
func (n *Nursery) Lockups() <-chan *AcceptedLockup {
	return n.lockups
}

// LockupFailures streams incoming lockups that were rejected.
func (n *Nursery) LockupFailures() <-chan *FailedLockup {
	return n.lockupFailures
}

// Claims streams claims of our lockups.
func (n *Nursery) Claims() <-chan *AcceptedClaim {
	return n.claims
}

// LockupConfirmations streams confirmations of our own lockups.
func (n *Nursery) LockupConfirmations() <-chan *LockupConfirmation {
	return n.lockupConfs
}

// LockupSendFailures streams on-chain failures of our own lockups.
func (n *Nursery) LockupSendFailures() <-chan *LockupSendFailure {
	return n.lockupSendFailures
}

// SwapExpiries streams submarine swaps whose timelock passed on this chain.
func (n *Nursery) SwapExpiries() <-chan *swapdb.Swap {
	return n.swapExpiries
}

// ReverseSwapExpiries streams reverse swaps whose timelock passed on this
// chain.
func (n *Nursery) ReverseSwapExpiries() <-chan *swapdb.ReverseSwap {
	return n.reverseSwapExpiries
}

// ChainSwapExpiries streams chain swaps whose sending leg on this chain
// timed out.
func (n *Nursery) ChainSwapExpiries() <-chan *swapdb.ChainSwap {
	return n.chainSwapExpiries
}

// Token returns the configured token for a contract address.
func (n *Nursery) Token(address common.Address) (*Token, bool) {
	token, ok := n.cfg.Tokens[address]
	return token, ok
}

// Run subscribes to the contract events and processes them until the context
// is canceled or a subscription fails.
func (n *Nursery) Run(ctx context.Context) error {
	lockupChan, lockupErrChan, err := n.cfg.Source.SubscribeLockups(ctx)
	if err != nil {
		return err
	}

	claimChan, claimErrChan, err := n.cfg.Source.SubscribeClaims(ctx)
	if err != nil {
		return err
	}

	blockChan, blockErrChan, err := n.cfg.Source.SubscribeBlocks(ctx)
	if err != nil {
		return err
	}

	if err := n.recoverPendingLockups(ctx); err != nil {
		return err
	}

	log.Infof("Watching %v swap contracts", n.cfg.Symbol)

	for {
		select {
		case event := <-lockupChan:
			n.handleLockup(ctx, event)

		case event := <-claimChan:
			n.handleClaim(ctx, event)

		case height := <-blockChan:
			n.handleBlock(ctx, height)

		case err := <-lockupErrChan:
			return err

		case err := <-claimErrChan:
			return err

		case err := <-blockErrChan:
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// recoverPendingLockups re-attaches receipt tracking to our lockup
// transactions that were still unconfirmed at the last shutdown.
func (n *Nursery) recoverPendingLockups(ctx context.Context) error {
	pending, err := n.cfg.ReverseSwaps.FetchReverseSwapsByStatus(
		ctx, swapdb.StatusTransactionMempool,
	)
	if err != nil {
		return err
	}

	for _, reverseSwap := range pending {
		symbol, err := swapdb.ChainSymbol(
			reverseSwap.Pair, reverseSwap.OrderSide, true,
		)
		if err != nil || symbol != n.cfg.Symbol {
			continue
		}

		if reverseSwap.TransactionID == "" {
			continue
		}

		log.Infof("Continuing to watch lockup transaction %v of "+
			"reverse swap %v", reverseSwap.TransactionID,
			reverseSwap.ID)

		n.TrackLockup(
			ctx, reverseSwap,
			common.HexToHash(reverseSwap.TransactionID),
		)
	}

	return nil
}

// TrackLockup polls the receipt of one of our own lockup transactions and
// reports the outcome.
func (n *Nursery) TrackLockup(ctx context.Context,
	reverseSwap *swapdb.ReverseSwap, txHash common.Hash) {

	go func() {
		receipt, err := n.waitMined(ctx, txHash)
		switch {
		case ctx.Err() != nil:
			return

		case err != nil:
			fallthrough

		case receipt.Status != types.ReceiptStatusSuccessful:
			if err == nil {
				err = errors.New("transaction reverted")
			}

			log.Warnf("Lockup transaction %v of reverse swap %v "+
				"failed: %v", txHash, reverseSwap.ID, err)

			select {
			case n.lockupSendFailures <- &LockupSendFailure{
				ReverseSwap: reverseSwap,
				Err:         err,
			}:
			case <-ctx.Done():
			}

		default:
			select {
			case n.lockupConfs <- &LockupConfirmation{
				ReverseSwap: reverseSwap,
			}:
			case <-ctx.Done():
			}
		}
	}()
}

// waitMined polls for the receipt of the given transaction.
func (n *Nursery) waitMined(ctx context.Context, txHash common.Hash) (
	*types.Receipt, error) {

	for {
		receipt, err := n.cfg.Receipts.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			return receipt, nil

		case errors.Is(err, ethereum.NotFound):

		default:
			return nil, err
		}

		select {
		case <-n.cfg.Clock.TickAfter(n.cfg.ReceiptPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// handleLockup validates an incoming lockup against the swap it belongs to.
func (n *Nursery) handleLockup(ctx context.Context, event *LockupEvent) {
	hash := lntypes.Hash(event.PreimageHash)

	swap, err := n.cfg.Swaps.FetchSwapByPreimageHash(
		ctx, hash, swapdb.StatusSwapCreated, swapdb.StatusInvoiceSet,
	)
	if err != nil {
		if !errors.Is(err, swapdb.ErrSwapNotFound) {
			log.Errorf("Unable to look up swap for lockup %v: %v",
				event.Transaction, err)
		}

		return
	}

	log.Infof("Found lockup transaction %v of swap %v",
		event.Transaction, swap.ID)

	observedSats, validationErr := n.validateLockup(swap, event)
	if validationErr != nil {
		log.Warnf("Rejecting lockup of swap %v: %v", swap.ID,
			validationErr)

		updated, err := n.cfg.Swaps.SetSwapStatus(
			ctx, swap.ID, swapdb.StatusTransactionLockupFailed,
			validationErr.Error(),
		)
		if err != nil {
			log.Errorf("Unable to fail swap %v: %v", swap.ID, err)
			return
		}

		select {
		case n.lockupFailures <- &FailedLockup{
			Swap:   updated,
			Reason: validationErr.Error(),
		}:
		case <-ctx.Done():
		}

		return
	}

	// Contract events are only emitted for mined transactions, the
	// lockup counts as confirmed right away.
	updated, err := n.cfg.Swaps.SetLockupTransaction(
		ctx, swap.ID, event.Transaction.Hex(), 0, observedSats, true,
	)
	if err != nil {
		log.Errorf("Unable to persist lockup of swap %v: %v", swap.ID,
			err)

		return
	}

	select {
	case n.lockups <- &AcceptedLockup{
		Swap:         updated,
		Sender:       event.Sender,
		TokenAddress: event.TokenAddress,
	}:
	case <-ctx.Done():
	}
}

// validateLockup checks an incoming lockup. The check order is fixed: claim
// address, timelock, amount, sender.
func (n *Nursery) validateLockup(swap *swapdb.Swap, event *LockupEvent) (
	btcutil.Amount, error) {

	if event.ClaimAddress != n.cfg.ClaimAddress {
		return 0, invalidClaimAddress(
			event.ClaimAddress, n.cfg.ClaimAddress,
		)
	}

	if event.Timelock != uint64(swap.TimeoutBlockHeight) {
		return 0, invalidTimelock(
			event.Timelock, swap.TimeoutBlockHeight,
		)
	}

	var (
		expected     *big.Int
		observedSats btcutil.Amount
	)
	if event.IsEther() {
		expected = EtherFromSats(swap.ExpectedAmount)
		observedSats = EtherToSats(event.Amount)
	} else {
		token, ok := n.cfg.Tokens[event.TokenAddress]
		if !ok {
			return 0, unsupportedToken(event.TokenAddress)
		}

		expected = token.FromSats(swap.ExpectedAmount)
		observedSats = token.ToSats(event.Amount)
	}

	if event.Amount.Cmp(expected) < 0 {
		return 0, insufficientAmount(event.Amount, expected)
	}

	if _, blocked := n.cfg.BlockedAddresses[event.Sender]; blocked {
		return 0, blockedSender(event.Sender)
	}

	return observedSats, nil
}

// handleClaim forwards the preimage revealed by a claim of one of our
// lockups.
func (n *Nursery) handleClaim(ctx context.Context, event *ClaimEvent) {
	hash := lntypes.Hash(event.PreimageHash)

	if event.Preimage.Hash() != hash {
		log.Warnf("Claim %v revealed preimage that does not match "+
			"hash %v", event.Transaction, hash)

		return
	}

	reverseSwap, err := n.cfg.ReverseSwaps.FetchReverseSwapByPreimageHash(
		ctx, hash, swapdb.StatusInvoiceSettled,
		swapdb.StatusTransactionRefunded, swapdb.StatusSwapExpired,
	)
	if err != nil {
		if !errors.Is(err, swapdb.ErrSwapNotFound) {
			log.Errorf("Unable to look up reverse swap for claim "+
				"%v: %v", event.Transaction, err)
		}

		return
	}

	log.Infof("Found claim transaction %v of reverse swap %v",
		event.Transaction, reverseSwap.ID)

	select {
	case n.claims <- &AcceptedClaim{
		ReverseSwap: reverseSwap,
		Preimage:    event.Preimage,
	}:
	case <-ctx.Done():
	}
}

// handleBlock scans for swaps whose timelock passed on this chain.
func (n *Nursery) handleBlock(ctx context.Context, height uint64) {
	swaps, err := n.cfg.Swaps.FetchExpirableSwaps(ctx, uint32(height))
	if err != nil {
		log.Errorf("Unable to fetch expirable swaps: %v", err)
		return
	}

	for _, swap := range swaps {
		symbol, err := swapdb.ChainSymbol(
			swap.Pair, swap.OrderSide, false,
		)
		if err != nil || symbol != n.cfg.Symbol {
			continue
		}

		select {
		case n.swapExpiries <- swap:
		case <-ctx.Done():
			return
		}
	}

	reverseSwaps, err := n.cfg.ReverseSwaps.FetchExpirableReverseSwaps(
		ctx, uint32(height),
	)
	if err != nil {
		log.Errorf("Unable to fetch expirable reverse swaps: %v", err)
		return
	}

	for _, reverseSwap := range reverseSwaps {
		symbol, err := swapdb.ChainSymbol(
			reverseSwap.Pair, reverseSwap.OrderSide, true,
		)
		if err != nil || symbol != n.cfg.Symbol {
			continue
		}

		select {
		case n.reverseSwapExpiries <- reverseSwap:
		case <-ctx.Done():
			return
		}
	}

	if n.cfg.ChainSwaps == nil {
		return
	}

	chainSwaps, err := n.cfg.ChainSwaps.FetchExpirableChainSwaps(
		ctx, []string{n.cfg.Symbol}, uint32(height),
	)
	if err != nil {
		log.Errorf("Unable to fetch expirable chain swaps: %v", err)
		return
	}

	for _, chainSwap := range chainSwaps {
		select {
		case n.chainSwapExpiries <- chainSwap:
		case <-ctx.Done():
			return
		}
	}
}
