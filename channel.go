package swapd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boltzops/swapd/lightning"
	"github.com/boltzops/swapd/swapdb"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/routing/route"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultChannelRetryUnit is the base delay between settlement
	// retries of a created channel.
	defaultChannelRetryUnit = time.Minute

	// maxSettleRetries is the number of delayed settlement retries before
	// the channel creation is left for the next restart.
	maxSettleRetries = 3
)

// ChannelConfig contains the dependencies of the channel nursery.
type ChannelConfig struct {
	// Store is the channel creation repository.
	Store swapdb.ChannelCreationStore

	// Swaps is the submarine swap repository.
	Swaps swapdb.SwapStore

	// Payments pays the swap invoice through the created channel.
	Payments *PaymentHandler

	// GetCurrency resolves a symbol to its configured currency.
	GetCurrency func(symbol string) (*Currency, error)

	// Clock drives the settlement retry delays.
	Clock clock.Clock

	// RetryDelayUnit is the base delay between settlement retries. The
	// delay doubles with every retry.
	RetryDelayUnit time.Duration

	// Notify broadcasts swap status transitions.
	Notify func(SwapUpdate)

	// OnPaid is called when the swap invoice settled through the created
	// channel. The callback records the payment and claims the lockup.
	OnPaid func(ctx context.Context, currency *Currency,
		swap *swapdb.Swap, outcome *PaymentOutcome) error
}

// pendingOpen is a channel open that is waiting for its peer to come online.
type pendingOpen struct {
	currency *Currency
	swapID   string
}

// ChannelNursery opens the channels that submarine swaps bought and pays
// the swap invoice through them once they activate. Channels are only ever
// opened by lnd nodes.
type ChannelNursery struct {
	cfg ChannelConfig

	// settleMtx serializes settlement attempts so a channel active event
	// and a delayed retry never pay the same invoice concurrently.
	settleMtx sync.Mutex

	pendingMtx   sync.Mutex
	pendingOpens map[route.Vertex][]pendingOpen

	retryMtx    sync.Mutex
	settleTries map[string]int
}

// NewChannelNursery creates a new channel nursery.
func NewChannelNursery(cfg ChannelConfig) *ChannelNursery {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.RetryDelayUnit == 0 {
		cfg.RetryDelayUnit = defaultChannelRetryUnit
	}

	return &ChannelNursery{
		cfg:          cfg,
		pendingOpens: make(map[route.Vertex][]pendingOpen),
		settleTries:  make(map[string]int),
	}
}

// Run watches peer and channel events of every lnd backed currency and
// resumes unfinished channel creations. It blocks until the context is
// canceled or a subscription fails.
func (n *ChannelNursery) Run(ctx context.Context,
	currencies []*Currency) error {

	if err := n.recover(ctx); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, currency := range currencies {
		if currency.Lnd == nil {
			continue
		}

		currency := currency
		group.Go(func() error {
			return n.watchCurrency(ctx, currency)
		})
	}

	return group.Wait()
}

// watchCurrency consumes the peer and channel event streams of one currency.
func (n *ChannelNursery) watchCurrency(ctx context.Context,
	currency *Currency) error {

	peerEvents, peerErrs, err := currency.Lnd.SubscribePeerEvents(ctx)
	if err != nil {
		return err
	}

	chanEvents, chanErrs, err := currency.Lnd.SubscribeChannelEvents(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case event := <-peerEvents:
			if !event.Online {
				continue
			}

			n.retryPendingOpens(ctx, event.PubKey)

		case event := <-chanEvents:
			n.handleChannelActive(ctx, currency, event)

		case err := <-peerErrs:
			return fmt.Errorf("peer events of %v: %w",
				currency.Symbol, err)

		case err := <-chanErrs:
			return fmt.Errorf("channel events of %v: %w",
				currency.Symbol, err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// recover resumes channel creations that were interrupted. Attempted opens
// are opened again, created channels are settled when already active.
func (n *ChannelNursery) recover(ctx context.Context) error {
	attempted, err := n.cfg.Store.FetchChannelCreations(
		ctx, swapdb.ChannelAttempted,
	)
	if err != nil {
		return err
	}

	for _, creation := range attempted {
		currency, swap, err := n.resolveSwap(ctx, creation.SwapID)
		if err != nil {
			log.Warnf("Cannot resume channel open of swap %v: %v",
				creation.SwapID, err)
			continue
		}

		if swap.Status.IsSwapTerminal() {
			continue
		}

		if err := n.OpenChannel(ctx, currency, swap); err != nil {
			log.Errorf("Resumed channel open of swap %v failed: "+
				"%v", swap.ID, err)
		}
	}

	created, err := n.cfg.Store.FetchChannelCreations(
		ctx, swapdb.ChannelCreated,
	)
	if err != nil {
		return err
	}

	for _, creation := range created {
		currency, swap, err := n.resolveSwap(ctx, creation.SwapID)
		if err != nil {
			log.Warnf("Cannot resume channel settlement of swap "+
				"%v: %v", creation.SwapID, err)
			continue
		}

		// A swap that is already paid only needs its creation marked
		// settled, which settle does without dispatching a payment.
		if swap.Status == swapdb.StatusInvoicePaid ||
			swap.Status == swapdb.StatusTransactionClaimed {

			n.settle(ctx, currency, swap)
			continue
		}

		if swap.Status.IsSwapTerminal() {
			continue
		}

		active, err := n.fundingActive(ctx, currency, creation)
		if err != nil {
			log.Warnf("Cannot check channel of swap %v: %v",
				swap.ID, err)
			continue
		}

		if active {
			n.settle(ctx, currency, swap)
		}
	}

	return nil
}

// resolveSwap loads a swap and the currency its invoice is paid on.
func (n *ChannelNursery) resolveSwap(ctx context.Context, swapID string) (
	*Currency, *swapdb.Swap, error) {

	swap, err := n.cfg.Swaps.FetchSwap(ctx, swapID)
	if err != nil {
		return nil, nil, err
	}

	symbol, err := swapdb.LightningSymbol(
		swap.Pair, swap.OrderSide, false,
	)
	if err != nil {
		return nil, nil, err
	}

	currency, err := n.cfg.GetCurrency(symbol)
	if err != nil {
		return nil, nil, err
	}

	return currency, swap, nil
}

// OpenChannel opens the channel a swap bought. A peer that is offline is
// connected to first, with the open deferred until the peer event stream
// reports it online. A node that is still syncing leaves the creation in the
// attempted state so the open is retried on the next resume.
func (n *ChannelNursery) OpenChannel(ctx context.Context, currency *Currency,
	swap *swapdb.Swap) error {

	if currency.Lnd == nil {
		return wrapSwapError(swap.ID, ErrNoLightningSupport)
	}

	// A channel is only funded by a lockup that was actually observed
	// and covers the swap. The lockup handlers reject underpayments, but
	// the gate holds on every entry into an open, including resumes.
	if swap.LockupTransactionID == "" ||
		swap.OnchainAmount < swap.ExpectedAmount {

		return wrapSwapError(swap.ID, ErrLockupNotEligible)
	}

	creation, err := n.cfg.Store.FetchChannelCreation(ctx, swap.ID)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	if _, err := n.cfg.Store.SetAttempted(ctx, swap.ID); err != nil {
		return wrapSwapError(swap.ID, err)
	}

	pubKey, err := route.NewVertexFromBytes(creation.NodePublicKey)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	capacity := channelCapacity(
		swap.ExpectedAmount, creation.InboundLiquidity,
	)

	swapLog := &SwapLog{Logger: log, ID: swap.ID}
	swapLog.Infof("Opening %v channel with capacity %v to %v",
		currency.Symbol, capacity, pubKey)

	point, err := currency.Lnd.OpenChannel(
		ctx, lightning.OpenChannelRequest{
			PeerPubKey:  pubKey,
			LocalAmount: capacity,
			Private:     creation.Private,
		},
	)
	switch {
	case err == nil:

	case lightning.ErrIsBlockchainSyncing(err):
		// Leave the creation attempted, the resume sweep opens it
		// once the node caught up.
		swapLog.Warnf("Deferring channel open, node still syncing")
		return nil

	case lightning.ErrIsPeerOffline(err):
		swapLog.Warnf("Peer %v offline, connecting first", pubKey)
		return n.connectAndDefer(ctx, currency, swap, pubKey)

	default:
		return wrapSwapError(swap.ID, err)
	}

	_, err = n.cfg.Store.SetFundingTransaction(
		ctx, swap.ID, point.FundingTxID, point.FundingVout,
	)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	swapLog.Infof("Opened channel with funding outpoint %v:%v",
		point.FundingTxID, point.FundingVout)

	updated, err := n.cfg.Swaps.SetSwapStatus(
		ctx, swap.ID, swapdb.StatusChannelCreated, "",
	)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	n.notify(updated)

	return nil
}

// connectAndDefer connects to an offline peer and parks the open until the
// peer comes online.
func (n *ChannelNursery) connectAndDefer(ctx context.Context,
	currency *Currency, swap *swapdb.Swap, pubKey route.Vertex) error {

	addresses, err := currency.Lnd.GetNodeAddresses(ctx, pubKey)
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}
	if len(addresses) == 0 {
		return wrapSwapError(swap.ID, fmt.Errorf("peer %v has no "+
			"advertised addresses", pubKey))
	}

	err = currency.Lnd.ConnectPeer(ctx, pubKey, addresses[0])
	if err != nil {
		return wrapSwapError(swap.ID, err)
	}

	n.pendingMtx.Lock()
	n.pendingOpens[pubKey] = append(n.pendingOpens[pubKey], pendingOpen{
		currency: currency,
		swapID:   swap.ID,
	})
	n.pendingMtx.Unlock()

	return nil
}

// retryPendingOpens opens the channels that were waiting for the peer.
func (n *ChannelNursery) retryPendingOpens(ctx context.Context,
	pubKey route.Vertex) {

	n.pendingMtx.Lock()
	pending := n.pendingOpens[pubKey]
	delete(n.pendingOpens, pubKey)
	n.pendingMtx.Unlock()

	for _, open := range pending {
		swap, err := n.cfg.Swaps.FetchSwap(ctx, open.swapID)
		if err != nil {
			log.Errorf("Cannot fetch swap %v for deferred "+
				"channel open: %v", open.swapID, err)
			continue
		}

		if swap.Status.IsSwapTerminal() {
			continue
		}

		if err := n.OpenChannel(ctx, open.currency, swap); err != nil {
			log.Errorf("Deferred channel open of swap %v failed: "+
				"%v", swap.ID, err)
		}
	}
}

// handleChannelActive settles the channel creation that owns the activated
// channel, if any.
func (n *ChannelNursery) handleChannelActive(ctx context.Context,
	currency *Currency, event lightning.ChannelActiveEvent) {

	creation, err := n.cfg.Store.FetchChannelCreationByFunding(
		ctx, event.ChannelPoint.FundingTxID,
		event.ChannelPoint.FundingVout, swapdb.ChannelCreated,
	)
	if errors.Is(err, swapdb.ErrSwapNotFound) {
		return
	}
	if err != nil {
		log.Errorf("Cannot match active channel %v:%v: %v",
			event.ChannelPoint.FundingTxID,
			event.ChannelPoint.FundingVout, err)
		return
	}

	swap, err := n.cfg.Swaps.FetchSwap(ctx, creation.SwapID)
	if err != nil {
		log.Errorf("Cannot fetch swap %v of active channel: %v",
			creation.SwapID, err)
		return
	}

	n.settle(ctx, currency, swap)
}

// settle pays the swap invoice through the created channel. Failures are
// retried with doubling delays until the retry budget is exhausted.
func (n *ChannelNursery) settle(ctx context.Context, currency *Currency,
	swap *swapdb.Swap) {

	n.settleMtx.Lock()
	defer n.settleMtx.Unlock()

	swapLog := &SwapLog{Logger: log, ID: swap.ID}

	// Re-read the swap, a concurrent attempt may have settled it
	// already.
	swap, err := n.cfg.Swaps.FetchSwap(ctx, swap.ID)
	if err != nil {
		swapLog.Errorf("Cannot re-read swap: %v", err)
		return
	}

	creation, err := n.cfg.Store.FetchChannelCreation(ctx, swap.ID)
	if err != nil {
		swapLog.Errorf("Cannot fetch channel creation: %v", err)
		return
	}

	if creation.Status != swapdb.ChannelCreated {
		return
	}

	// An invoice that settled through another path is a success for the
	// creation too. It is marked settled so the resume sweep stops
	// retrying it.
	if swap.Status == swapdb.StatusInvoicePaid ||
		swap.Status == swapdb.StatusTransactionClaimed {

		n.clearRetries(swap.ID)

		if _, err := n.cfg.Store.SetSettled(ctx, swap.ID); err != nil {
			swapLog.Errorf("Cannot mark channel creation "+
				"settled: %v", err)
		}

		return
	}

	if swap.Status.IsSwapTerminal() {
		return
	}

	channelID, err := n.fundingChannelID(ctx, currency, creation)
	if err != nil {
		swapLog.Warnf("Created channel not usable yet: %v", err)
		n.scheduleRetry(ctx, currency, swap)
		return
	}

	swapLog.Infof("Paying invoice through created channel %v", channelID)

	outcome, err := n.cfg.Payments.PayInvoice(
		ctx, currency, swap, &channelID,
	)
	if err != nil {
		swapLog.Errorf("Payment through created channel failed to "+
			"dispatch: %v", err)
		n.scheduleRetry(ctx, currency, swap)
		return
	}

	switch {
	case outcome.Paid:
		n.clearRetries(swap.ID)

		if _, err := n.cfg.Store.SetSettled(ctx, swap.ID); err != nil {
			swapLog.Errorf("Cannot mark channel creation "+
				"settled: %v", err)
			return
		}

		if n.cfg.OnPaid != nil {
			err := n.cfg.OnPaid(ctx, currency, swap, outcome)
			if err != nil {
				swapLog.Errorf("Paid swap callback failed: "+
					"%v", err)
			}
		}

	case outcome.Abandoned:
		n.clearRetries(swap.ID)

		swapLog.Warnf("Abandoning swap with created channel: %v",
			outcome.Reason)

		if _, err := n.cfg.Store.SetAbandoned(ctx, swap.ID); err != nil {
			swapLog.Errorf("Cannot mark channel creation "+
				"abandoned: %v", err)
		}

		updated, err := n.cfg.Swaps.SetSwapStatus(
			ctx, swap.ID, swapdb.StatusInvoiceFailedToPay,
			outcome.Reason,
		)
		if err != nil {
			swapLog.Errorf("Cannot fail swap: %v", err)
			return
		}

		n.notify(updated)

	case outcome.InFlight:
		// A later channel active event or the resume sweep picks the
		// payment back up.

	default:
		n.scheduleRetry(ctx, currency, swap)
	}
}

// scheduleRetry arms a delayed settlement retry, doubling the delay each
// time. After the last retry the creation is left for the next resume.
func (n *ChannelNursery) scheduleRetry(ctx context.Context,
	currency *Currency, swap *swapdb.Swap) {

	n.retryMtx.Lock()
	tries := n.settleTries[swap.ID]
	if tries >= maxSettleRetries {
		delete(n.settleTries, swap.ID)
		n.retryMtx.Unlock()

		log.Warnf("Giving up settling swap %v through its channel "+
			"after %v retries", swap.ID, maxSettleRetries)
		return
	}

	n.settleTries[swap.ID] = tries + 1
	n.retryMtx.Unlock()

	delay := n.cfg.RetryDelayUnit * (1 << uint(tries))

	log.Debugf("Retrying channel settlement of swap %v in %v",
		swap.ID, delay)

	go func() {
		select {
		case <-n.cfg.Clock.TickAfter(delay):
			n.settle(ctx, currency, swap)

		case <-ctx.Done():
		}
	}()
}

func (n *ChannelNursery) clearRetries(swapID string) {
	n.retryMtx.Lock()
	delete(n.settleTries, swapID)
	n.retryMtx.Unlock()
}

// fundingChannelID resolves the short channel id of the created channel.
func (n *ChannelNursery) fundingChannelID(ctx context.Context,
	currency *Currency, creation *swapdb.ChannelCreation) (uint64, error) {

	channels, err := currency.Lnd.ListChannels(ctx, true)
	if err != nil {
		return 0, err
	}

	for _, channel := range channels {
		if channel.FundingTxID == creation.FundingTransactionID &&
			channel.FundingVout == creation.FundingTransactionVout {

			return channel.ChannelID, nil
		}
	}

	return 0, fmt.Errorf("channel %v:%v not active",
		creation.FundingTransactionID,
		creation.FundingTransactionVout)
}

// fundingActive reports whether the created channel is active already.
func (n *ChannelNursery) fundingActive(ctx context.Context,
	currency *Currency, creation *swapdb.ChannelCreation) (bool, error) {

	_, err := n.fundingChannelID(ctx, currency, creation)
	if err != nil {
		return false, nil
	}

	return true, nil
}

func (n *ChannelNursery) notify(swap *swapdb.Swap) {
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

// channelCapacity sizes the channel so the swap amount still leaves the
// requested percentage of inbound liquidity for the user.
func channelCapacity(amount btcutil.Amount,
	inboundLiquidity uint8) btcutil.Amount {

	if inboundLiquidity >= 100 {
		inboundLiquidity = 50
	}

	return btcutil.Amount(
		float64(amount) / (1 - float64(inboundLiquidity)/100),
	)
}
