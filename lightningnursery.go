package swapd

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/boltzops/swapd/lightning"
	"github.com/boltzops/swapd/swapdb"
	"github.com/lightningnetwork/lnd/lntypes"
)

// acceptedRaceTimeout bounds invoice settlement calls made while handling an
// accepted invoice.
const acceptedRaceTimeout = 15 * time.Second

// LightningConfig contains the dependencies of the Lightning nursery.
type LightningConfig struct {
	// Store is the reverse swap repository.
	Store swapdb.ReverseSwapStore

	// GetCurrency resolves a symbol to its configured currency.
	GetCurrency func(symbol string) (*Currency, error)

	// PreferredNode selects the node the hold invoices live on when a
	// currency has multiple nodes.
	PreferredNode lightning.NodeType

	// Notify broadcasts swap status transitions.
	Notify func(SwapUpdate)
}

// LightningNursery watches the hold invoices of reverse swaps. Once the hold
// invoice is accepted, and the miner fee prepay settled when there is one,
// the swap is handed to the lockup channel for the on-chain leg.
type LightningNursery struct {
	cfg LightningConfig

	lockups chan *swapdb.ReverseSwap

	// mtx guards the emitted set so a swap is handed to the lockup
	// channel at most once.
	mtx     sync.Mutex
	emitted map[string]struct{}

	wg sync.WaitGroup
}

// NewLightningNursery creates a new Lightning nursery.
func NewLightningNursery(cfg LightningConfig) *LightningNursery {
	return &LightningNursery{
		cfg:     cfg,
		lockups: make(chan *swapdb.ReverseSwap, 16),
		emitted: make(map[string]struct{}),
	}
}

// Lockups streams reverse swaps whose invoices are fully accepted and that
// are ready for their on-chain lockup.
func (n *LightningNursery) Lockups() <-chan *swapdb.ReverseSwap {
	return n.lockups
}

// Run resumes the invoice subscriptions of unfinished reverse swaps and
// blocks until the context is canceled.
func (n *LightningNursery) Run(ctx context.Context) error {
	swaps, err := n.cfg.Store.FetchReverseSwapsByStatus(
		ctx, swapdb.StatusSwapCreated, swapdb.StatusMinerFeePaid,
	)
	if err != nil {
		return err
	}

	for _, swap := range swaps {
		if err := n.WatchReverseSwap(ctx, swap); err != nil {
			log.Errorf("Cannot resume invoice subscription of "+
				"reverse swap %v: %v", swap.ID, err)
		}
	}

	<-ctx.Done()
	n.wg.Wait()

	return ctx.Err()
}

// WatchReverseSwap subscribes to the hold invoice of the reverse swap and,
// when present, to its miner fee prepay invoice.
func (n *LightningNursery) WatchReverseSwap(ctx context.Context,
	swap *swapdb.ReverseSwap) error {

	client, err := n.invoiceClient(swap)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	updates, errs, err := client.SubscribeSingleInvoice(
		ctx, swap.PreimageHash,
	)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	n.wg.Add(1)
	go n.watchHoldInvoice(ctx, client, swap.ID, updates, errs)

	if swap.MinerFeeInvoice != "" && swap.MinerFeeInvoicePreimage != nil {
		preimage := *swap.MinerFeeInvoicePreimage
		prepayUpdates, prepayErrs, err := client.SubscribeSingleInvoice(
			ctx, preimage.Hash(),
		)
		if err != nil {
			return wrapSwapError(swap.ID, err)
		}

		n.wg.Add(1)
		go n.watchPrepayInvoice(
			ctx, client, swap.ID, preimage, prepayUpdates,
			prepayErrs,
		)
	}

	return nil
}

// invoiceClient returns the Lightning node the swap invoices live on.
func (n *LightningNursery) invoiceClient(swap *swapdb.ReverseSwap) (
	lightning.Client, error) {

	symbol, err := swapdb.LightningSymbol(swap.Pair, swap.OrderSide, true)
	if err != nil {
		return nil, err
	}

	currency, err := n.cfg.GetCurrency(symbol)
	if err != nil {
		return nil, err
	}

	clients, err := currency.LightningClients(n.cfg.PreferredNode)
	if err != nil {
		return nil, err
	}

	return clients[0], nil
}

// watchHoldInvoice consumes the updates of the main hold invoice. The
// subscription ends with the first terminal invoice state.
func (n *LightningNursery) watchHoldInvoice(ctx context.Context,
	client lightning.Client, swapID string,
	updates <-chan lightning.InvoiceUpdate, errs <-chan error) {

	defer n.wg.Done()

	swapLog := &SwapLog{Logger: log, ID: swapID}

	for {
		select {
		case update := <-updates:
			switch update.State {
			case lightning.InvoiceAccepted:
				swapLog.Infof("Hold invoice accepted with %v",
					update.AmountPaid)
				n.handleInvoiceAccepted(ctx, swapID)

			case lightning.InvoiceSettled,
				lightning.InvoiceCanceled:

				return
			}

		case err := <-errs:
			swapLog.Errorf("Hold invoice subscription failed: %v",
				err)
			return

		case <-ctx.Done():
			return
		}
	}
}

// watchPrepayInvoice consumes the updates of the miner fee prepay invoice.
// The prepay is settled as soon as it is accepted; it only covers our lockup
// fee and needs no on-chain counterpart.
func (n *LightningNursery) watchPrepayInvoice(ctx context.Context,
	client lightning.Client, swapID string, preimage lntypes.Preimage,
	updates <-chan lightning.InvoiceUpdate, errs <-chan error) {

	defer n.wg.Done()

	swapLog := &SwapLog{Logger: log, ID: swapID}

	for {
		select {
		case update := <-updates:
			switch update.State {
			case lightning.InvoiceAccepted:
				swapLog.Infof("Miner fee invoice accepted")
				n.handlePrepayAccepted(
					ctx, client, swapID, preimage,
				)

			case lightning.InvoiceSettled,
				lightning.InvoiceCanceled:

				return
			}

		case err := <-errs:
			swapLog.Errorf("Miner fee invoice subscription "+
				"failed: %v", err)
			return

		case <-ctx.Done():
			return
		}
	}
}

// handleInvoiceAccepted hands the swap to the lockup channel, unless a miner
// fee prepay still has to settle first.
func (n *LightningNursery) handleInvoiceAccepted(ctx context.Context,
	swapID string) {

	swap, err := n.cfg.Store.FetchReverseSwap(ctx, swapID)
	if err != nil {
		log.Errorf("Cannot fetch reverse swap %v: %v", swapID, err)
		return
	}

	// With a prepay attached, the lockup waits until the prepay settled.
	if swap.MinerFeeInvoice != "" &&
		swap.Status != swapdb.StatusMinerFeePaid {

		return
	}

	n.emitLockup(swap)
}

// handlePrepayAccepted settles the prepay invoice and hands the swap to the
// lockup channel when the main invoice is accepted as well.
func (n *LightningNursery) handlePrepayAccepted(ctx context.Context,
	client lightning.Client, swapID string, preimage lntypes.Preimage) {

	swapLog := &SwapLog{Logger: log, ID: swapID}

	_, err := lightning.RaceCall(
		ctx, acceptedRaceTimeout,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, client.SettleInvoice(ctx, preimage)
		},
	)
	if err != nil && !errors.Is(err, lightning.ErrInvoiceAlreadyPaid) {
		swapLog.Errorf("Cannot settle miner fee invoice: %v", err)
		return
	}

	swap, err := n.cfg.Store.SetReverseSwapStatus(
		ctx, swapID, swapdb.StatusMinerFeePaid, "",
	)
	if err != nil {
		swapLog.Errorf("Cannot record miner fee payment: %v", err)
		return
	}

	n.notify(swap)

	// The main invoice may have been accepted before the prepay.
	invoice, err := client.LookupInvoice(ctx, swap.PreimageHash)
	if err != nil {
		swapLog.Errorf("Cannot look up hold invoice: %v", err)
		return
	}

	if invoice.State == lightning.InvoiceAccepted {
		n.emitLockup(swap)
	}
}

// emitLockup hands the swap to the lockup channel at most once.
func (n *LightningNursery) emitLockup(swap *swapdb.ReverseSwap) {
	n.mtx.Lock()
	if _, ok := n.emitted[swap.ID]; ok {
		n.mtx.Unlock()
		return
	}
	n.emitted[swap.ID] = struct{}{}
	n.mtx.Unlock()

	n.lockups <- swap
}

// CancelInvoices cancels the hold invoice of a reverse swap and its miner
// fee prepay. Invoices that are unknown or already canceled are skipped.
func (n *LightningNursery) CancelInvoices(ctx context.Context,
	swap *swapdb.ReverseSwap) error {

	client, err := n.invoiceClient(swap)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	err = client.CancelInvoice(ctx, swap.PreimageHash)
	if err != nil && !errors.Is(err, lightning.ErrInvoiceNotFound) {
		return wrapSwapError(swap.ID, err)
	}

	if swap.MinerFeeInvoicePreimage != nil {
		err = client.CancelInvoice(
			ctx, swap.MinerFeeInvoicePreimage.Hash(),
		)
		if err != nil && !errors.Is(err, lightning.ErrInvoiceNotFound) {
			return wrapSwapError(swap.ID, err)
		}
	}

	return nil
}

func (n *LightningNursery) notify(swap *swapdb.ReverseSwap) {
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
