package swapd

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boltzops/swapd/evm"
	"github.com/boltzops/swapd/lightning"
	"github.com/boltzops/swapd/swapdb"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultRetryInterval is how often pending invoice payments are
	// retried.
	defaultRetryInterval = 15 * time.Second

	// defaultSweepFeeTarget is the confirmation target for lockup and
	// sweep fee estimates.
	defaultSweepFeeTarget = 2

	// invoiceRaceTimeout bounds invoice cancellation calls against an
	// unresponsive node.
	invoiceRaceTimeout = 15 * time.Second

	// settleRaceTimeout bounds the invoice settlement call after a claim
	// was observed. The preimage is already public at that point, the
	// settle must not stall the claim handling.
	settleRaceTimeout = 2 * time.Second
)

// watchKind says what a watched outpoint belongs to.
type watchKind uint8

const (
	watchReverseLockup watchKind = iota
	watchChainLockup
)

// watchedSpend is an outpoint whose spend reveals a preimage.
type watchedSpend struct {
	kind   watchKind
	swapID string
}

// NurseryConfig contains the dependencies of the swap nursery.
type NurseryConfig struct {
	// Store is the swap database.
	Store swapdb.Store

	// Currencies are the configured currencies.
	Currencies []*Currency

	// Payments pays submarine swap invoices.
	Payments *PaymentHandler

	// Channels opens the channels swaps bought.
	Channels *ChannelNursery

	// Invoices watches the hold invoices of reverse swaps.
	Invoices *LightningNursery

	// Rates provides exchange rates for lockups that arrive before the
	// invoice. Optional.
	Rates RateProvider

	// PreferredNode selects the node used when a currency has multiple.
	PreferredNode lightning.NodeType

	// Clock is the time source.
	Clock clock.Clock

	// RetryTicker drives the pending payment retry sweep.
	RetryTicker *ticker.Force

	// SweepFeeTarget is the confirmation target for fee estimates.
	SweepFeeTarget int32

	// Notify broadcasts swap status transitions.
	Notify func(SwapUpdate)
}

// SwapNursery orchestrates the life cycle of all swaps: it matches incoming
// lockups, pays and settles invoices, claims and refunds on-chain HTLCs and
// expires swaps whose timeout passed.
type SwapNursery struct {
	cfg        NurseryConfig
	currencies map[string]*Currency

	// swapMtx serializes submarine swap transitions, reverseSwapMtx
	// reverse swap transitions and chainSwapMtx chain swap transitions.
	// Expiry and settlement handlers re-read the swap under the mutex
	// before acting, so racing events resolve to exactly one action.
	swapMtx        sync.Mutex
	reverseSwapMtx sync.Mutex
	chainSwapMtx   sync.Mutex

	// retryMtx is held by the retry sweep. A sweep that would overlap
	// with a running one is skipped.
	retryMtx sync.Mutex

	watchMtx         sync.Mutex
	watchedLockups   map[string]string
	watchedChainOuts map[string]string
	watchedSpends    map[wire.OutPoint]watchedSpend

	// evmClaims remembers the claim call data of accepted EVM lockups
	// until the invoice payment settles.
	evmClaims map[string]*evm.AcceptedLockup
}

// NewSwapNursery creates a new swap nursery.
func NewSwapNursery(cfg NurseryConfig) *SwapNursery {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.RetryTicker == nil {
		cfg.RetryTicker = ticker.NewForce(defaultRetryInterval)
	}
	if cfg.SweepFeeTarget == 0 {
		cfg.SweepFeeTarget = defaultSweepFeeTarget
	}

	currencies := make(map[string]*Currency, len(cfg.Currencies))
	for _, currency := range cfg.Currencies {
		currencies[currency.Symbol] = currency
	}

	return &SwapNursery{
		cfg:              cfg,
		currencies:       currencies,
		watchedLockups:   make(map[string]string),
		watchedChainOuts: make(map[string]string),
		watchedSpends:    make(map[wire.OutPoint]watchedSpend),
		evmClaims:        make(map[string]*evm.AcceptedLockup),
	}
}

// currency resolves a symbol to its configured currency.
func (n *SwapNursery) currency(symbol string) (*Currency, error) {
	currency, ok := n.currencies[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrCurrencyNotFound, symbol)
	}

	return currency, nil
}

// Run resumes pending swaps and processes chain, contract and invoice
// events until the context is canceled.
func (n *SwapNursery) Run(ctx context.Context) error {
	if err := n.recover(ctx); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)

	for _, currency := range n.cfg.Currencies {
		currency := currency

		switch currency.Type {
		case CurrencyUtxo:
			group.Go(func() error {
				return n.watchUtxoCurrency(ctx, currency)
			})

		case CurrencyEvm:
			group.Go(func() error {
				return n.watchEvmCurrency(ctx, currency)
			})
		}
	}

	group.Go(func() error {
		return n.watchInvoiceLockups(ctx)
	})

	group.Go(func() error {
		return n.retryLoop(ctx)
	})

	return group.Wait()
}

// recover re-registers the watches of swaps that were pending when the
// process stopped. Pending invoice payments are picked up by the retry
// sweep.
func (n *SwapNursery) recover(ctx context.Context) error {
	swaps, err := n.cfg.Store.FetchSwapsByStatus(
		ctx, swapdb.StatusSwapCreated, swapdb.StatusInvoiceSet,
		swapdb.StatusTransactionMempool,
		swapdb.StatusTransactionZeroConfRejected,
	)
	if err != nil {
		return err
	}

	for _, swap := range swaps {
		symbol, err := swapdb.ChainSymbol(
			swap.Pair, swap.OrderSide, false,
		)
		if err != nil {
			continue
		}

		currency, err := n.currency(symbol)
		if err != nil || currency.Type != CurrencyUtxo {
			continue
		}

		if err := n.RegisterSwap(ctx, currency, swap); err != nil {
			log.Errorf("Cannot re-watch swap %v: %v", swap.ID,
				err)
		}
	}

	reverseSwaps, err := n.cfg.Store.FetchReverseSwapsByStatus(
		ctx, swapdb.StatusTransactionMempool,
		swapdb.StatusTransactionConfirmed,
	)
	if err != nil {
		return err
	}

	for _, reverseSwap := range reverseSwaps {
		symbol, err := swapdb.ChainSymbol(
			reverseSwap.Pair, reverseSwap.OrderSide, true,
		)
		if err != nil {
			continue
		}

		currency, err := n.currency(symbol)
		if err != nil || currency.Type != CurrencyUtxo {
			continue
		}

		err = n.watchReverseLockup(ctx, currency, reverseSwap)
		if err != nil {
			log.Errorf("Cannot re-watch reverse swap %v: %v",
				reverseSwap.ID, err)
		}
	}

	return nil
}

// RegisterSwap starts watching the lockup address of a submarine swap on a
// UTXO chain. EVM lockups are matched by the contract nursery instead.
func (n *SwapNursery) RegisterSwap(ctx context.Context, currency *Currency,
	swap *swapdb.Swap) error {

	if currency.Type != CurrencyUtxo {
		return nil
	}

	pkScript, err := addressScript(swap.LockupAddress, currency)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	err = currency.Chain.WatchAddress(ctx, swap.LockupAddress)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	n.watchMtx.Lock()
	n.watchedLockups[string(pkScript)] = swap.ID
	n.watchMtx.Unlock()

	return nil
}

// RegisterChainSwap starts watching the receiving leg of a chain swap.
func (n *SwapNursery) RegisterChainSwap(ctx context.Context,
	swap *swapdb.ChainSwap) error {

	currency, err := n.currency(swap.ReceivingData.Symbol)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	if currency.Type != CurrencyUtxo {
		return nil
	}

	pkScript, err := addressScript(
		swap.ReceivingData.LockupAddress, currency,
	)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	err = currency.Chain.WatchAddress(
		ctx, swap.ReceivingData.LockupAddress,
	)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	n.watchMtx.Lock()
	n.watchedChainOuts[string(pkScript)] = swap.ID
	n.watchMtx.Unlock()

	// A broadcast sending leg reveals the preimage when claimed.
	if swap.SendingData.TransactionID != "" {
		err = n.watchSpend(
			ctx, currency, swap.SendingData.TransactionID,
			swap.SendingData.TransactionVout, watchChainLockup,
			swap.ID,
		)
		if err != nil {
			return wrapSwapError(swap.ID, err)
		}
	}

	return nil
}

// watchReverseLockup watches our reverse swap lockup output for the user's
// claim.
func (n *SwapNursery) watchReverseLockup(ctx context.Context,
	currency *Currency, swap *swapdb.ReverseSwap) error {

	return n.watchSpend(
		ctx, currency, swap.TransactionID, swap.TransactionVout,
		watchReverseLockup, swap.ID,
	)
}

func (n *SwapNursery) watchSpend(ctx context.Context, currency *Currency,
	txid string, vout uint32, kind watchKind, swapID string) error {

	err := currency.Chain.WatchOutpoint(ctx, txid, vout)
	if err != nil {
		return err
	}

	outpoint, err := parseOutpoint(txid, vout)
	if err != nil {
		return err
	}

	n.watchMtx.Lock()
	n.watchedSpends[outpoint] = watchedSpend{kind: kind, swapID: swapID}
	n.watchMtx.Unlock()

	return nil
}

// watchUtxoCurrency consumes the transaction and block streams of a UTXO
// chain.
func (n *SwapNursery) watchUtxoCurrency(ctx context.Context,
	currency *Currency) error {

	txs, txErrs, err := currency.Chain.SubscribeTransactions(ctx)
	if err != nil {
		return err
	}

	blocks, blockErrs, err := currency.Chain.SubscribeBlocks(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case event := <-txs:
			n.handleTransaction(ctx, currency, event)

		case height := <-blocks:
			n.handleBlock(ctx, currency, height)

		case err := <-txErrs:
			return fmt.Errorf("transactions of %v: %w",
				currency.Symbol, err)

		case err := <-blockErrs:
			return fmt.Errorf("blocks of %v: %w", currency.Symbol,
				err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watchEvmCurrency consumes the event channels of an EVM contract nursery.
func (n *SwapNursery) watchEvmCurrency(ctx context.Context,
	currency *Currency) error {

	nursery := currency.EVM

	for {
		select {
		case lockup := <-nursery.Lockups():
			n.handleEvmLockup(ctx, currency, lockup)

		case failure := <-nursery.LockupFailures():
			n.notifySwap(failure.Swap)

		case claim := <-nursery.Claims():
			n.settleReverseSwap(
				ctx, claim.ReverseSwap, claim.Preimage,
			)

		case conf := <-nursery.LockupConfirmations():
			n.confirmReverseLockup(ctx, conf.ReverseSwap)

		case failure := <-nursery.LockupSendFailures():
			n.failReverseLockup(ctx, failure.ReverseSwap)

		case swap := <-nursery.SwapExpiries():
			n.expireSwap(ctx, swap)

		case reverseSwap := <-nursery.ReverseSwapExpiries():
			n.expireReverseSwap(ctx, reverseSwap)

		case chainSwap := <-nursery.ChainSwapExpiries():
			n.expireChainSwap(ctx, chainSwap)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watchInvoiceLockups sends the reverse swap lockups whose invoices are
// fully accepted.
func (n *SwapNursery) watchInvoiceLockups(ctx context.Context) error {
	for {
		select {
		case swap := <-n.cfg.Invoices.Lockups():
			n.sendReverseSwapLockup(ctx, swap)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// retryLoop periodically retries pending invoice payments.
func (n *SwapNursery) retryLoop(ctx context.Context) error {
	n.cfg.RetryTicker.Resume()
	defer n.cfg.RetryTicker.Stop()

	for {
		select {
		case <-n.cfg.RetryTicker.Ticks():
			n.retryPendingPayments(ctx)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// retryPendingPayments re-dispatches the invoice payment of every swap that
// is still pending. A sweep that would overlap with a running one is
// skipped. Swaps whose invoice is paid but whose lockup was never claimed
// are included: the process may have stopped between recording the payment
// and broadcasting the claim, and re-dispatching resolves the settled
// payment to its preimage.
func (n *SwapNursery) retryPendingPayments(ctx context.Context) {
	if !n.retryMtx.TryLock() {
		return
	}
	defer n.retryMtx.Unlock()

	swaps, err := n.cfg.Store.FetchSwapsByStatus(
		ctx, swapdb.StatusInvoicePending, swapdb.StatusInvoicePaid,
	)
	if err != nil {
		log.Errorf("Cannot fetch pending swaps: %v", err)
		return
	}

	for _, swap := range swaps {
		n.retrySwapPayment(ctx, swap.ID)
	}
}

// retrySwapPayment re-dispatches the payment of one swap under the swap
// mutex. The swap is re-read under the lock, a settlement that raced the
// sweep turns the retry into a no-op.
func (n *SwapNursery) retrySwapPayment(ctx context.Context, swapID string) {
	n.swapMtx.Lock()
	defer n.swapMtx.Unlock()

	swap, err := n.cfg.Store.FetchSwap(ctx, swapID)
	if err != nil {
		log.Errorf("Cannot re-read swap %v: %v", swapID, err)
		return
	}

	switch swap.Status {
	case swapdb.StatusInvoicePending, swapdb.StatusInvoicePaid:

	default:
		return
	}

	n.payAndClaim(ctx, swap)
}

// handleTransaction matches a chain transaction against the watched lockup
// addresses and outpoints.
func (n *SwapNursery) handleTransaction(ctx context.Context,
	currency *Currency, event *TransactionEvent) {

	// Spends of our lockups reveal the preimage in the witness.
	for _, txIn := range event.Tx.TxIn {
		n.watchMtx.Lock()
		spend, ok := n.watchedSpends[txIn.PreviousOutPoint]
		n.watchMtx.Unlock()

		if !ok {
			continue
		}

		switch spend.kind {
		case watchReverseLockup:
			n.handleReverseClaim(ctx, spend.swapID, txIn)

		case watchChainLockup:
			n.handleChainClaim(ctx, spend.swapID, txIn)
		}
	}

	// Outputs paying a watched lockup address.
	for vout, txOut := range event.Tx.TxOut {
		n.watchMtx.Lock()
		swapID, isSwap := n.watchedLockups[string(txOut.PkScript)]
		chainSwapID, isChain := n.watchedChainOuts[string(txOut.PkScript)]
		n.watchMtx.Unlock()

		if isSwap {
			n.handleSwapLockup(
				ctx, currency, swapID, event, uint32(vout),
				btcutil.Amount(txOut.Value),
			)
		}

		if isChain {
			n.handleChainLockup(
				ctx, chainSwapID, event, uint32(vout),
			)
		}
	}
}

// handleSwapLockup processes a lockup paying the HTLC of a submarine swap.
func (n *SwapNursery) handleSwapLockup(ctx context.Context,
	currency *Currency, swapID string, event *TransactionEvent,
	vout uint32, amount btcutil.Amount) {

	n.swapMtx.Lock()
	defer n.swapMtx.Unlock()

	swap, err := n.cfg.Store.FetchSwap(ctx, swapID)
	if err != nil {
		log.Errorf("Cannot fetch swap %v: %v", swapID, err)
		return
	}

	switch swap.Status {
	case swapdb.StatusSwapCreated, swapdb.StatusInvoiceSet,
		swapdb.StatusTransactionMempool,
		swapdb.StatusTransactionZeroConfRejected:

	default:
		return
	}

	swapLog := &SwapLog{Logger: log, ID: swap.ID}
	swapLog.Infof("Found lockup %v:%v with %v (confirmed=%v)",
		event.TxID, vout, amount, event.Confirmed)

	if amount < swap.ExpectedAmount {
		reason := fmt.Sprintf("locked %v is less than expected %v",
			amount, swap.ExpectedAmount)
		swapLog.Warnf("Rejecting lockup: %v", reason)

		updated, err := n.cfg.Store.SetSwapStatus(
			ctx, swap.ID, swapdb.StatusTransactionLockupFailed,
			reason,
		)
		if err != nil {
			swapLog.Errorf("Cannot fail swap: %v", err)
			return
		}

		n.notifySwap(updated)
		return
	}

	// Lockups that arrive before the invoice fix the rate the invoice
	// will be quoted against.
	if swap.Invoice == "" && swap.Rate == 0 && n.cfg.Rates != nil {
		rate, err := n.cfg.Rates.Rate(swap.Pair)
		if err != nil {
			swapLog.Warnf("Cannot fetch rate: %v", err)
		} else if _, err := n.cfg.Store.SetRate(
			ctx, swap.ID, rate,
		); err != nil {
			swapLog.Errorf("Cannot persist rate: %v", err)
		}
	}

	updated, err := n.cfg.Store.SetLockupTransaction(
		ctx, swap.ID, event.TxID, vout, amount, event.Confirmed,
	)
	if err != nil {
		swapLog.Errorf("Cannot persist lockup: %v", err)
		return
	}

	n.notifySwap(updated)

	if !event.Confirmed && !swap.AcceptZeroConf {
		rejected, err := n.cfg.Store.SetSwapStatus(
			ctx, swap.ID,
			swapdb.StatusTransactionZeroConfRejected, "",
		)
		if err != nil {
			swapLog.Errorf("Cannot record 0-conf rejection: %v",
				err)
			return
		}

		swapLog.Infof("Waiting for lockup confirmation")
		n.notifySwap(rejected)
		return
	}

	if updated.Invoice == "" {
		swapLog.Infof("Lockup accepted, waiting for invoice")
		return
	}

	n.payAndClaim(ctx, updated)
}

// handleChainLockup processes a lockup on the receiving leg of a chain
// swap.
func (n *SwapNursery) handleChainLockup(ctx context.Context, swapID string,
	event *TransactionEvent, vout uint32) {

	n.chainSwapMtx.Lock()
	defer n.chainSwapMtx.Unlock()

	swap, err := n.cfg.Store.FetchChainSwap(ctx, swapID)
	if err != nil {
		log.Errorf("Cannot fetch chain swap %v: %v", swapID, err)
		return
	}

	switch swap.Status {
	case swapdb.StatusSwapCreated, swapdb.StatusTransactionMempool:

	default:
		return
	}

	status := swapdb.StatusTransactionMempool
	if event.Confirmed {
		status = swapdb.StatusTransactionConfirmed
	}
	if status == swap.Status {
		return
	}

	updated, err := n.cfg.Store.SetChainSwapStatus(
		ctx, swap.ID, status, "",
	)
	if err != nil {
		log.Errorf("Cannot persist chain swap lockup %v: %v",
			swap.ID, err)
		return
	}

	log.Infof("Chain swap %v receiving lockup %v:%v (%v)", swap.ID,
		event.TxID, vout, status)

	n.notifyChainSwap(updated)
}

// handleReverseClaim settles the hold invoice with the preimage the user
// revealed by claiming our lockup.
func (n *SwapNursery) handleReverseClaim(ctx context.Context, swapID string,
	txIn *wire.TxIn) {

	swap, err := n.cfg.Store.FetchReverseSwap(ctx, swapID)
	if err != nil {
		log.Errorf("Cannot fetch reverse swap %v: %v", swapID, err)
		return
	}

	preimage, ok := preimageFromWitness(txIn, swap.PreimageHash)
	if !ok {
		log.Warnf("Spend of reverse swap %v lockup revealed no "+
			"preimage", swap.ID)
		return
	}

	n.settleReverseSwap(ctx, swap, preimage)
}

// handleChainClaim claims the receiving leg of a chain swap with the
// preimage the user revealed on the sending leg.
func (n *SwapNursery) handleChainClaim(ctx context.Context, swapID string,
	txIn *wire.TxIn) {

	n.chainSwapMtx.Lock()
	defer n.chainSwapMtx.Unlock()

	swap, err := n.cfg.Store.FetchChainSwap(ctx, swapID)
	if err != nil {
		log.Errorf("Cannot fetch chain swap %v: %v", swapID, err)
		return
	}

	switch swap.Status {
	case swapdb.StatusTransactionClaimed, swapdb.StatusSwapExpired,
		swapdb.StatusTransactionRefunded:

		return
	}

	preimage, ok := preimageFromWitness(txIn, swap.PreimageHash)
	if !ok {
		log.Warnf("Spend of chain swap %v lockup revealed no "+
			"preimage", swap.ID)
		return
	}

	currency, err := n.currency(swap.ReceivingData.Symbol)
	if err != nil {
		log.Errorf("Chain swap %v: %v", swap.ID, err)
		return
	}

	txid, fee, err := currency.Sweeper.ClaimChainSwap(ctx, swap, preimage)
	if err != nil {
		log.Errorf("Cannot claim chain swap %v: %v", swap.ID, err)
		return
	}

	log.Infof("Claimed chain swap %v with %v (fee %v)", swap.ID, txid,
		fee)

	updated, err := n.cfg.Store.SetChainSwapStatus(
		ctx, swap.ID, swapdb.StatusTransactionClaimed, "",
	)
	if err != nil {
		log.Errorf("Cannot persist chain swap claim %v: %v", swap.ID,
			err)
		return
	}

	n.notifyChainSwap(updated)
}

// handleEvmLockup processes a validated lockup from an EVM contract.
func (n *SwapNursery) handleEvmLockup(ctx context.Context,
	currency *Currency, lockup *evm.AcceptedLockup) {

	n.swapMtx.Lock()
	defer n.swapMtx.Unlock()

	swap := lockup.Swap
	n.notifySwap(swap)

	// Remember the claim call data until the invoice settles.
	n.watchMtx.Lock()
	n.evmClaims[swap.ID] = lockup
	n.watchMtx.Unlock()

	if swap.Invoice == "" {
		// The rate at lockup time fixes the invoice quote.
		if swap.Rate == 0 && n.cfg.Rates != nil {
			rate, err := n.cfg.Rates.Rate(swap.Pair)
			if err == nil {
				_, err = n.cfg.Store.SetRate(
					ctx, swap.ID, rate,
				)
			}
			if err != nil {
				log.Errorf("Cannot persist rate of swap %v: "+
					"%v", swap.ID, err)
			}
		}

		return
	}

	n.payAndClaim(ctx, swap)
}

// payAndClaim pays the invoice of a submarine swap and claims the lockup
// with the preimage on success. The caller holds the swap mutex.
func (n *SwapNursery) payAndClaim(ctx context.Context, swap *swapdb.Swap) {
	swapLog := &SwapLog{Logger: log, ID: swap.ID}

	switch swap.Status {
	// A paid swap is not moved back to pending; the payment handler
	// resolves the settled payment and the claim is re-dispatched.
	case swapdb.StatusInvoicePending, swapdb.StatusInvoicePaid:

	default:
		updated, err := n.cfg.Store.SetSwapStatus(
			ctx, swap.ID, swapdb.StatusInvoicePending, "",
		)
		if err != nil {
			swapLog.Errorf("Cannot mark invoice pending: %v", err)
			return
		}

		n.notifySwap(updated)
		swap = updated
	}

	lnSymbol, err := swapdb.LightningSymbol(
		swap.Pair, swap.OrderSide, false,
	)
	if err != nil {
		swapLog.Errorf("Cannot resolve lightning currency: %v", err)
		return
	}

	lnCurrency, err := n.currency(lnSymbol)
	if err != nil {
		swapLog.Errorf("Cannot resolve lightning currency: %v", err)
		return
	}

	outcome, err := n.cfg.Payments.PayInvoice(ctx, lnCurrency, swap, nil)
	if err != nil {
		// The payment will be retried on the next sweep.
		swapLog.Warnf("Payment dispatch failed: %v", err)
		return
	}

	switch {
	case outcome.Paid:
		err := n.completeSwapPayment(ctx, swap, outcome)
		if err != nil {
			swapLog.Errorf("Cannot complete paid swap: %v", err)
		}

	case outcome.TryChannel:
		swapLog.Infof("Falling back to channel creation")

		err := n.cfg.Channels.OpenChannel(ctx, lnCurrency, swap)
		if err != nil {
			swapLog.Errorf("Channel fallback failed: %v", err)
		}

	case outcome.Abandoned:
		swapLog.Warnf("Abandoning payment: %v", outcome.Reason)

		updated, err := n.cfg.Store.SetSwapStatus(
			ctx, swap.ID, swapdb.StatusInvoiceFailedToPay,
			outcome.Reason,
		)
		if err != nil {
			swapLog.Errorf("Cannot fail swap: %v", err)
			return
		}

		n.notifySwap(updated)

	default:
		// Pending or retriable, the sweep picks it up again.
	}
}

// CompleteSwapPayment records a settled invoice payment and claims the
// lockup with its preimage. It is the callback for payments that settled
// through a created channel. The swap is re-read under the swap mutex, so
// a claim that raced the settlement through another path runs exactly once.
func (n *SwapNursery) CompleteSwapPayment(ctx context.Context,
	swap *swapdb.Swap, outcome *PaymentOutcome) error {

	n.swapMtx.Lock()
	defer n.swapMtx.Unlock()

	current, err := n.cfg.Store.FetchSwap(ctx, swap.ID)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	if current.Status.IsSwapTerminal() {
		return nil
	}

	return n.completeSwapPayment(ctx, current, outcome)
}

// completeSwapPayment is CompleteSwapPayment with the swap mutex held by
// the caller.
func (n *SwapNursery) completeSwapPayment(ctx context.Context,
	swap *swapdb.Swap, outcome *PaymentOutcome) error {

	updated, err := n.cfg.Store.SetInvoicePaid(ctx, swap.ID, outcome.Fee)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	n.notifySwap(updated)

	return n.claimSwap(ctx, updated, outcome.Preimage)
}

// claimSwap spends the lockup of a paid submarine swap with the preimage.
func (n *SwapNursery) claimSwap(ctx context.Context, swap *swapdb.Swap,
	preimage lntypes.Preimage) error {

	symbol, err := swapdb.ChainSymbol(swap.Pair, swap.OrderSide, false)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	currency, err := n.currency(symbol)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	swapLog := &SwapLog{Logger: log, ID: swap.ID}

	var fee btcutil.Amount
	switch currency.Type {
	case CurrencyUtxo:
		var txid string
		txid, fee, err = currency.Sweeper.Claim(ctx, swap, preimage)
		if err != nil {
			return wrapSwapError(swap.ID, err)
		}

		swapLog.Infof("Claimed lockup with %v (fee %v)", txid, fee)

	case CurrencyEvm:
		txHash, err := n.claimEvmLockup(ctx, currency, swap, preimage)
		if err != nil {
			return wrapSwapError(swap.ID, err)
		}

		swapLog.Infof("Claimed lockup with %v", txHash.Hex())
	}

	updated, err := n.cfg.Store.SetMinerFee(ctx, swap.ID, fee)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	n.notifySwap(updated)

	return nil
}

// claimEvmLockup claims an EVM lockup using the call data remembered from
// the lockup event.
func (n *SwapNursery) claimEvmLockup(ctx context.Context, currency *Currency,
	swap *swapdb.Swap, preimage lntypes.Preimage) (common.Hash, error) {

	n.watchMtx.Lock()
	lockup, ok := n.evmClaims[swap.ID]
	delete(n.evmClaims, swap.ID)
	n.watchMtx.Unlock()

	if !ok {
		// Lost across a restart, a contract event rescan restores it.
		return common.Hash{}, fmt.Errorf("no lockup call data for " +
			"claim")
	}

	timelock := uint64(swap.TimeoutBlockHeight)

	if lockup.TokenAddress == (common.Address{}) {
		return currency.EVMHandler.ClaimEther(
			ctx, preimage,
			evm.EtherFromSats(swap.OnchainAmount),
			lockup.Sender, timelock,
		)
	}

	token, ok := currency.EVM.Token(lockup.TokenAddress)
	if !ok {
		return common.Hash{}, fmt.Errorf("unknown token %v",
			lockup.TokenAddress)
	}

	return currency.EVMHandler.ClaimToken(
		ctx, lockup.TokenAddress, preimage,
		token.FromSats(swap.OnchainAmount), lockup.Sender, timelock,
	)
}

// sendReverseSwapLockup broadcasts our lockup after all invoices of the
// reverse swap were accepted.
func (n *SwapNursery) sendReverseSwapLockup(ctx context.Context,
	swap *swapdb.ReverseSwap) {

	n.reverseSwapMtx.Lock()
	defer n.reverseSwapMtx.Unlock()

	swapLog := &SwapLog{Logger: log, ID: swap.ID}

	swap, err := n.cfg.Store.FetchReverseSwap(ctx, swap.ID)
	if err != nil {
		swapLog.Errorf("Cannot re-read reverse swap: %v", err)
		return
	}

	switch swap.Status {
	case swapdb.StatusSwapCreated, swapdb.StatusMinerFeePaid:

	default:
		return
	}

	symbol, err := swapdb.ChainSymbol(swap.Pair, swap.OrderSide, true)
	if err != nil {
		swapLog.Errorf("Cannot resolve chain currency: %v", err)
		return
	}

	currency, err := n.currency(symbol)
	if err != nil {
		swapLog.Errorf("Cannot resolve chain currency: %v", err)
		return
	}

	switch currency.Type {
	case CurrencyUtxo:
		n.sendUtxoLockup(ctx, currency, swap)

	case CurrencyEvm:
		n.sendEvmLockup(ctx, currency, swap)
	}
}

func (n *SwapNursery) sendUtxoLockup(ctx context.Context, currency *Currency,
	swap *swapdb.ReverseSwap) {

	swapLog := &SwapLog{Logger: log, ID: swap.ID}

	feeRate, err := currency.Chain.EstimateFee(
		ctx, n.cfg.SweepFeeTarget,
	)
	if err != nil {
		swapLog.Warnf("Cannot estimate lockup fee: %v", err)
		n.failReverseLockupLocked(ctx, swap)
		return
	}

	txid, vout, fee, err := currency.Wallet.SendToAddress(
		ctx, swap.LockupAddress, swap.OnchainAmount, feeRate,
	)
	if err != nil {
		swapLog.Errorf("Cannot send lockup: %v", err)
		n.failReverseLockupLocked(ctx, swap)
		return
	}

	swapLog.Infof("Sent lockup %v:%v with %v (fee %v)", txid, vout,
		swap.OnchainAmount, fee)

	updated, err := n.cfg.Store.SetReverseSwapLockupTransaction(
		ctx, swap.ID, txid, vout, fee,
	)
	if err != nil {
		swapLog.Errorf("Cannot persist lockup: %v", err)
		return
	}

	n.notifyReverseSwap(updated)

	if err := n.watchReverseLockup(ctx, currency, updated); err != nil {
		swapLog.Errorf("Cannot watch lockup spend: %v", err)
	}
}

func (n *SwapNursery) sendEvmLockup(ctx context.Context, currency *Currency,
	swap *swapdb.ReverseSwap) {

	swapLog := &SwapLog{Logger: log, ID: swap.ID}

	txHash, err := currency.EVMHandler.LockupEther(
		ctx, swap.PreimageHash,
		evm.EtherFromSats(swap.OnchainAmount),
		common.HexToAddress(swap.ClaimAddress),
		uint64(swap.TimeoutBlockHeight),
	)
	if err != nil {
		swapLog.Errorf("Cannot send lockup: %v", err)
		n.failReverseLockupLocked(ctx, swap)
		return
	}

	swapLog.Infof("Sent lockup %v", txHash.Hex())

	updated, err := n.cfg.Store.SetReverseSwapLockupTransaction(
		ctx, swap.ID, txHash.Hex(), 0, 0,
	)
	if err != nil {
		swapLog.Errorf("Cannot persist lockup: %v", err)
		return
	}

	n.notifyReverseSwap(updated)
	currency.EVM.TrackLockup(ctx, updated, txHash)
}

// confirmReverseLockup records the confirmation of our own lockup.
func (n *SwapNursery) confirmReverseLockup(ctx context.Context,
	swap *swapdb.ReverseSwap) {

	n.reverseSwapMtx.Lock()
	defer n.reverseSwapMtx.Unlock()

	swap, err := n.cfg.Store.FetchReverseSwap(ctx, swap.ID)
	if err != nil {
		log.Errorf("Cannot re-read reverse swap %v: %v", swap.ID, err)
		return
	}

	if swap.Status != swapdb.StatusTransactionMempool {
		return
	}

	updated, err := n.cfg.Store.SetReverseSwapStatus(
		ctx, swap.ID, swapdb.StatusTransactionConfirmed, "",
	)
	if err != nil {
		log.Errorf("Cannot confirm lockup of reverse swap %v: %v",
			swap.ID, err)
		return
	}

	n.notifyReverseSwap(updated)
}

// failReverseLockup fails a reverse swap whose lockup could not be sent and
// cancels its invoices.
func (n *SwapNursery) failReverseLockup(ctx context.Context,
	swap *swapdb.ReverseSwap) {

	n.reverseSwapMtx.Lock()
	defer n.reverseSwapMtx.Unlock()

	n.failReverseLockupLocked(ctx, swap)
}

func (n *SwapNursery) failReverseLockupLocked(ctx context.Context,
	swap *swapdb.ReverseSwap) {

	swap, err := n.cfg.Store.FetchReverseSwap(ctx, swap.ID)
	if err != nil {
		log.Errorf("Cannot re-read reverse swap %v: %v", swap.ID, err)
		return
	}

	if swap.Status.IsReverseTerminal() ||
		swap.Status == swapdb.StatusTransactionFailed {

		return
	}

	updated, err := n.cfg.Store.SetReverseSwapStatus(
		ctx, swap.ID, swapdb.StatusTransactionFailed,
		"could not send lockup transaction",
	)
	if err != nil {
		log.Errorf("Cannot fail reverse swap %v: %v", swap.ID, err)
		return
	}

	n.cancelReverseInvoices(ctx, updated)
	n.notifyReverseSwap(updated)
}

// settleReverseSwap releases the preimage to the hold invoice and records
// the settlement. The preimage is persisted at most once.
func (n *SwapNursery) settleReverseSwap(ctx context.Context,
	swap *swapdb.ReverseSwap, preimage lntypes.Preimage) {

	n.reverseSwapMtx.Lock()
	defer n.reverseSwapMtx.Unlock()

	swapLog := &SwapLog{Logger: log, ID: swap.ID}

	if preimage.Hash() != swap.PreimageHash {
		swapLog.Errorf("Claim preimage does not match invoice hash")
		return
	}

	swap, err := n.cfg.Store.FetchReverseSwap(ctx, swap.ID)
	if err != nil {
		swapLog.Errorf("Cannot re-read reverse swap: %v", err)
		return
	}

	if swap.Status.IsReverseTerminal() {
		return
	}

	client, err := n.reverseInvoiceClient(swap)
	if err != nil {
		swapLog.Errorf("Cannot resolve invoice node: %v", err)
		return
	}

	// The preimage is already public on chain, a stalling node must not
	// block the settlement bookkeeping.
	_, err = lightning.RaceCall(
		ctx, settleRaceTimeout,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, client.SettleInvoice(ctx, preimage)
		},
	)
	if err != nil && !errors.Is(err, lightning.ErrInvoiceAlreadyPaid) {
		swapLog.Errorf("Cannot settle hold invoice: %v", err)
		return
	}

	updated, err := n.cfg.Store.SetInvoiceSettled(ctx, swap.ID, preimage)
	if errors.Is(err, swapdb.ErrPreimageAlreadySet) {
		return
	}
	if err != nil {
		swapLog.Errorf("Cannot persist settlement: %v", err)
		return
	}

	swapLog.Infof("Hold invoice settled")
	n.notifyReverseSwap(updated)
}

// handleBlock expires the swaps of this chain whose timeout height passed.
func (n *SwapNursery) handleBlock(ctx context.Context, currency *Currency,
	height uint32) {

	swaps, err := n.cfg.Store.FetchExpirableSwaps(ctx, height)
	if err != nil {
		log.Errorf("Cannot fetch expirable swaps: %v", err)
		return
	}

	for _, swap := range swaps {
		symbol, err := swapdb.ChainSymbol(
			swap.Pair, swap.OrderSide, false,
		)
		if err != nil || symbol != currency.Symbol {
			continue
		}

		n.expireSwap(ctx, swap)
	}

	reverseSwaps, err := n.cfg.Store.FetchExpirableReverseSwaps(
		ctx, height,
	)
	if err != nil {
		log.Errorf("Cannot fetch expirable reverse swaps: %v", err)
		return
	}

	for _, reverseSwap := range reverseSwaps {
		symbol, err := swapdb.ChainSymbol(
			reverseSwap.Pair, reverseSwap.OrderSide, true,
		)
		if err != nil || symbol != currency.Symbol {
			continue
		}

		n.expireReverseSwap(ctx, reverseSwap)
	}

	chainSwaps, err := n.cfg.Store.FetchExpirableChainSwaps(
		ctx, []string{currency.Symbol}, height,
	)
	if err != nil {
		log.Errorf("Cannot fetch expirable chain swaps: %v", err)
		return
	}

	for _, chainSwap := range chainSwaps {
		n.expireChainSwap(ctx, chainSwap)
	}
}

// expireSwap fails a submarine swap whose timeout height passed. The swap
// is re-read under the mutex so a racing settlement wins.
func (n *SwapNursery) expireSwap(ctx context.Context, swap *swapdb.Swap) {
	n.swapMtx.Lock()
	defer n.swapMtx.Unlock()

	swap, err := n.cfg.Store.FetchSwap(ctx, swap.ID)
	if err != nil {
		log.Errorf("Cannot re-read swap %v: %v", swap.ID, err)
		return
	}

	if swap.Status.IsSwapTerminal() ||
		swap.Status == swapdb.StatusInvoicePaid {

		return
	}

	updated, err := n.cfg.Store.SetSwapStatus(
		ctx, swap.ID, swapdb.StatusSwapExpired, "swap expired",
	)
	if err != nil {
		log.Errorf("Cannot expire swap %v: %v", swap.ID, err)
		return
	}

	log.Infof("Swap %v expired", swap.ID)
	n.notifySwap(updated)
}

// expireReverseSwap refunds our lockup when it was broadcast and fails the
// reverse swap. Its invoices are canceled back.
func (n *SwapNursery) expireReverseSwap(ctx context.Context,
	swap *swapdb.ReverseSwap) {

	n.reverseSwapMtx.Lock()
	defer n.reverseSwapMtx.Unlock()

	swapLog := &SwapLog{Logger: log, ID: swap.ID}

	swap, err := n.cfg.Store.FetchReverseSwap(ctx, swap.ID)
	if err != nil {
		swapLog.Errorf("Cannot re-read reverse swap: %v", err)
		return
	}

	if swap.Status.IsReverseTerminal() {
		return
	}

	var updated *swapdb.ReverseSwap
	if swap.TransactionID != "" {
		refundFee, err := n.refundReverseLockup(ctx, swap)
		if err != nil {
			swapLog.Errorf("Cannot refund lockup: %v", err)
			return
		}

		updated, err = n.cfg.Store.SetTransactionRefunded(
			ctx, swap.ID, refundFee, "swap expired",
		)
		if err != nil {
			swapLog.Errorf("Cannot persist refund: %v", err)
			return
		}

		swapLog.Infof("Refunded expired lockup (fee %v)", refundFee)
	} else {
		updated, err = n.cfg.Store.SetReverseSwapStatus(
			ctx, swap.ID, swapdb.StatusSwapExpired,
			"swap expired",
		)
		if err != nil {
			swapLog.Errorf("Cannot expire reverse swap: %v", err)
			return
		}

		swapLog.Infof("Reverse swap expired")
	}

	n.cancelReverseInvoices(ctx, updated)
	n.notifyReverseSwap(updated)
}

// refundReverseLockup spends our expired lockup back to us.
func (n *SwapNursery) refundReverseLockup(ctx context.Context,
	swap *swapdb.ReverseSwap) (btcutil.Amount, error) {

	symbol, err := swapdb.ChainSymbol(swap.Pair, swap.OrderSide, true)
	if err != nil {
		return 0, err
	}

	currency, err := n.currency(symbol)
	if err != nil {
		return 0, err
	}

	switch currency.Type {
	case CurrencyUtxo:
		_, fee, err := currency.Sweeper.Refund(ctx, swap)
		return fee, err

	case CurrencyEvm:
		_, err := currency.EVMHandler.RefundEther(
			ctx, swap.PreimageHash,
			evm.EtherFromSats(swap.OnchainAmount),
			common.HexToAddress(swap.ClaimAddress),
			uint64(swap.TimeoutBlockHeight),
		)
		return 0, err

	default:
		return 0, fmt.Errorf("unknown currency type %v",
			currency.Type)
	}
}

// expireChainSwap refunds the sending leg of an expired chain swap when it
// was broadcast.
func (n *SwapNursery) expireChainSwap(ctx context.Context,
	swap *swapdb.ChainSwap) {

	n.chainSwapMtx.Lock()
	defer n.chainSwapMtx.Unlock()

	swap, err := n.cfg.Store.FetchChainSwap(ctx, swap.ID)
	if err != nil {
		log.Errorf("Cannot re-read chain swap %v: %v", swap.ID, err)
		return
	}

	switch swap.Status {
	case swapdb.StatusSwapExpired, swapdb.StatusTransactionRefunded,
		swapdb.StatusTransactionClaimed:

		return
	}

	status := swapdb.StatusSwapExpired
	if swap.SendingData.TransactionID != "" {
		currency, err := n.currency(swap.SendingData.Symbol)
		if err != nil {
			log.Errorf("Chain swap %v: %v", swap.ID, err)
			return
		}

		txid, fee, err := currency.Sweeper.RefundChainSwap(ctx, swap)
		if err != nil {
			log.Errorf("Cannot refund chain swap %v: %v", swap.ID,
				err)
			return
		}

		log.Infof("Refunded chain swap %v with %v (fee %v)", swap.ID,
			txid, fee)

		status = swapdb.StatusTransactionRefunded
	}

	updated, err := n.cfg.Store.SetChainSwapStatus(
		ctx, swap.ID, status, "swap expired",
	)
	if err != nil {
		log.Errorf("Cannot expire chain swap %v: %v", swap.ID, err)
		return
	}

	n.notifyChainSwap(updated)
}

// cancelReverseInvoices cancels the invoices of a failed reverse swap,
// bounded against an unresponsive node.
func (n *SwapNursery) cancelReverseInvoices(ctx context.Context,
	swap *swapdb.ReverseSwap) {

	_, err := lightning.RaceCall(
		ctx, invoiceRaceTimeout,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, n.cfg.Invoices.CancelInvoices(
				ctx, swap,
			)
		},
	)
	if err != nil {
		log.Warnf("Cannot cancel invoices of reverse swap %v: %v",
			swap.ID, err)
	}
}

// reverseInvoiceClient returns the node holding the invoices of a reverse
// swap.
func (n *SwapNursery) reverseInvoiceClient(swap *swapdb.ReverseSwap) (
	lightning.Client, error) {

	symbol, err := swapdb.LightningSymbol(swap.Pair, swap.OrderSide, true)
	if err != nil {
		return nil, err
	}

	currency, err := n.currency(symbol)
	if err != nil {
		return nil, err
	}

	clients, err := currency.LightningClients(n.cfg.PreferredNode)
	if err != nil {
		return nil, err
	}

	return clients[0], nil
}

func (n *SwapNursery) notifySwap(swap *swapdb.Swap) {
	if n.cfg.Notify == nil {
		return
	}

	n.cfg.Notify(SwapUpdate{
		Kind:          UpdateKindSwap,
		ID:            swap.ID,
		Status:        swap.Status,
		FailureReason: swap.FailureReason,
	})
}

func (n *SwapNursery) notifyReverseSwap(swap *swapdb.ReverseSwap) {
	if n.cfg.Notify == nil {
		return
	}

	n.cfg.Notify(SwapUpdate{
		Kind:          UpdateKindReverseSwap,
		ID:            swap.ID,
		Status:        swap.Status,
		FailureReason: swap.FailureReason,
	})
}

func (n *SwapNursery) notifyChainSwap(swap *swapdb.ChainSwap) {
	if n.cfg.Notify == nil {
		return
	}

	n.cfg.Notify(SwapUpdate{
		Kind:          UpdateKindChainSwap,
		ID:            swap.ID,
		Status:        swap.Status,
		FailureReason: swap.FailureReason,
	})
}

// addressScript returns the output script paying the address.
func addressScript(address string, currency *Currency) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(address, currency.Params)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(decoded)
}

// parseOutpoint builds a wire outpoint from a txid string and output index.
func parseOutpoint(txid string, vout uint32) (wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return wire.OutPoint{}, err
	}

	return wire.OutPoint{Hash: *hash, Index: vout}, nil
}

// preimageFromWitness extracts the preimage matching the hash from the
// witness of a claim input.
func preimageFromWitness(txIn *wire.TxIn, hash lntypes.Hash) (
	lntypes.Preimage, bool) {

	for _, item := range txIn.Witness {
		if len(item) != lntypes.PreimageSize {
			continue
		}

		if sha256.Sum256(item) != [32]byte(hash) {
			continue
		}

		preimage, err := lntypes.MakePreimage(item)
		if err != nil {
			continue
		}

		return preimage, true
	}

	return lntypes.Preimage{}, false
}
