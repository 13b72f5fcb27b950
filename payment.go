package swapd

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/boltzops/swapd/lightning"
	"github.com/boltzops/swapd/swapdb"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

const (
	// minCltvLimit is the smallest cltv limit worth dispatching a payment
	// with. Below it the on-chain HTLC expires before any route could
	// settle.
	minCltvLimit = 2

	// cltvLimitBuffer is subtracted from the remaining blocks until the
	// on-chain timeout so our htlcs always resolve before the user can
	// refund.
	cltvLimitBuffer = 2

	// mcResetInterval rate limits mission control resets per node.
	mcResetInterval = 10 * time.Minute

	// defaultPayTimeout is the pathfinding timeout of a single payment
	// attempt.
	defaultPayTimeout = time.Minute

	// defaultMaxRoutingFeePpm caps the routing fee in parts per million
	// of the payment amount.
	defaultMaxRoutingFeePpm = 10000
)

// PaymentOutcome is the normalized result of a payment attempt.
type PaymentOutcome struct {
	// Paid is true when the invoice settled. Preimage and Fee are set.
	Paid     bool
	Preimage lntypes.Preimage
	Fee      lnwire.MilliSatoshi

	// Abandoned is true when the failure is permanent, retries can never
	// succeed. Reason describes the failure.
	Abandoned bool
	Reason    string

	// TryChannel is true when the payment could succeed through a newly
	// opened channel.
	TryChannel bool

	// InFlight is true when htlcs are still in transit and the outcome
	// will be picked up by a later track call.
	InFlight bool
}

// PaymentConfig contains the dependencies of the payment handler.
type PaymentConfig struct {
	// Swaps is the submarine swap store.
	Swaps swapdb.SwapStore

	// ChannelCreations is used to decide whether a failed payment may
	// fall back to a channel open.
	ChannelCreations swapdb.ChannelCreationStore

	// PreferredNode is tried first when a currency has multiple nodes.
	PreferredNode lightning.NodeType

	// PayTimeout is the pathfinding timeout per attempt.
	PayTimeout time.Duration

	// MaxRoutingFeePpm caps the routing fee in parts per million.
	MaxRoutingFeePpm uint64

	// Clock drives the mission control reset rate limit.
	Clock clock.Clock
}

// PaymentHandler pays the invoices of submarine swaps and classifies their
// failures: settled, worth retrying, permanently failed, or recoverable by
// opening a channel to the destination.
type PaymentHandler struct {
	cfg PaymentConfig

	resetMtx  sync.Mutex
	lastReset map[lightning.NodeType]time.Time
}

// NewPaymentHandler creates a new payment handler.
func NewPaymentHandler(cfg PaymentConfig) *PaymentHandler {
	if cfg.PayTimeout == 0 {
		cfg.PayTimeout = defaultPayTimeout
	}
	if cfg.MaxRoutingFeePpm == 0 {
		cfg.MaxRoutingFeePpm = defaultMaxRoutingFeePpm
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &PaymentHandler{
		cfg:       cfg,
		lastReset: make(map[lightning.NodeType]time.Time),
	}
}

// PayInvoice attempts to pay the invoice of the swap. The optional outgoing
// channel id restricts the payment to a channel that was opened for the
// swap.
func (h *PaymentHandler) PayInvoice(ctx context.Context, currency *Currency,
	swap *swapdb.Swap, outgoingChanID *uint64) (*PaymentOutcome, error) {

	clients, err := currency.LightningClients(h.cfg.PreferredNode)
	if err != nil {
		return nil, err
	}

	swapLog := &SwapLog{Logger: log, ID: swap.ID}

	var lastErr error
	for _, client := range clients {
		outcome, err := h.payWithNode(
			ctx, client, swap, outgoingChanID,
		)
		if err != nil {
			swapLog.Warnf("Payment via %v failed to dispatch: %v",
				client.Node(), err)

			lastErr = err
			continue
		}

		return outcome, nil
	}

	return nil, lastErr
}

// payWithNode dispatches the payment on one node and waits for a terminal
// outcome.
func (h *PaymentHandler) payWithNode(ctx context.Context,
	client lightning.Client, swap *swapdb.Swap,
	outgoingChanID *uint64) (*PaymentOutcome, error) {

	swapLog := &SwapLog{Logger: log, ID: swap.ID}

	req := lightning.SendRequest{
		Invoice:        swap.Invoice,
		MaxFee:         h.maxRoutingFee(swap.OnchainAmount),
		Timeout:        h.cfg.PayTimeout,
		OutgoingChanID: outgoingChanID,
	}

	// Cap the route time lock so our htlcs resolve before the on-chain
	// HTLC times out. Only lnd exposes the limit.
	if client.Node() == lightning.NodeTypeLnd {
		info, err := client.GetInfo(ctx)
		if err != nil {
			return nil, err
		}

		cltvLimit := int32(swap.TimeoutBlockHeight) -
			int32(info.BlockHeight) - cltvLimitBuffer
		if cltvLimit < minCltvLimit {
			swapLog.Warnf("Not paying invoice, cltv limit %d too "+
				"small", cltvLimit)

			// The on-chain timeout is imminent. The expiry
			// handler will fail the swap.
			return &PaymentOutcome{InFlight: false}, nil
		}

		req.CltvLimit = &cltvLimit
	}

	swapLog.Infof("Paying invoice via %v", client.Node())

	updateChan, errChan, err := client.SendPayment(ctx, req)
	if err != nil {
		return h.classifyDispatchError(ctx, client, swap, err)
	}

	return h.waitForOutcome(ctx, client, swap, updateChan, errChan)
}

// classifyDispatchError handles errors raised before any htlc was sent.
func (h *PaymentHandler) classifyDispatchError(ctx context.Context,
	client lightning.Client, swap *swapdb.Swap, err error) (
	*PaymentOutcome, error) {

	switch {
	// A previous attempt already settled the invoice, look up the
	// preimage from the existing payment.
	case errors.Is(err, lightning.ErrInvoiceAlreadyPaid):
		return h.trackExisting(ctx, client, swap)

	// A previous attempt is still in flight, attach to it.
	case errors.Is(err, lightning.ErrPaymentInTransition):
		return h.trackExisting(ctx, client, swap)

	case errors.Is(err, lightning.ErrInvoiceExpired):
		return &PaymentOutcome{
			Abandoned: true,
			Reason:    "invoice expired",
		}, nil
	}

	if _, ok := lightning.ParseCltvLimitExceeded(err); ok {
		// The node rejected the time lock budget before sending a
		// htlc, but a previous attempt may already have settled the
		// invoice. Only when no payment exists is the swap abandoned:
		// a retry closer to the timeout has even less budget, so it
		// can never be paid.
		outcome, trackErr := h.trackExisting(ctx, client, swap)
		switch {
		case trackErr == nil:
			return outcome, nil

		case errors.Is(trackErr, lightning.ErrPaymentNotFound):

		default:
			return nil, trackErr
		}

		return &PaymentOutcome{
			Abandoned: true,
			Reason:    "cltv limit exceeded",
		}, nil
	}

	return nil, err
}

// trackExisting resolves the outcome of a payment that was dispatched by an
// earlier attempt.
func (h *PaymentHandler) trackExisting(ctx context.Context,
	client lightning.Client, swap *swapdb.Swap) (*PaymentOutcome, error) {

	updateChan, errChan, err := client.TrackPayment(
		ctx, swap.PreimageHash,
	)
	if err != nil {
		return nil, err
	}

	return h.waitForOutcome(ctx, client, swap, updateChan, errChan)
}

// waitForOutcome consumes payment updates until a terminal one arrives and
// classifies it.
func (h *PaymentHandler) waitForOutcome(ctx context.Context,
	client lightning.Client, swap *swapdb.Swap,
	updateChan <-chan lightning.PaymentUpdate, errChan <-chan error) (
	*PaymentOutcome, error) {

	for {
		select {
		case update := <-updateChan:
			switch update.State {
			case lightning.PaymentSucceeded:
				return &PaymentOutcome{
					Paid:     true,
					Preimage: update.Preimage,
					Fee:      update.Fee,
				}, nil

			case lightning.PaymentFailed:
				return h.classifyFailure(
					ctx, client, swap,
					update.FailureReason,
				)

			default:
				// Still pending, keep waiting.
			}

		case err := <-errChan:
			return h.classifyDispatchError(ctx, client, swap, err)

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// classifyFailure maps a terminal payment failure onto the retry, abandon or
// channel fallback buckets.
func (h *PaymentHandler) classifyFailure(ctx context.Context,
	client lightning.Client, swap *swapdb.Swap,
	reason lightning.FailureReason) (*PaymentOutcome, error) {

	swapLog := &SwapLog{Logger: log, ID: swap.ID}
	swapLog.Warnf("Payment via %v failed: %v", client.Node(), reason)

	// The recipient rejected the htlcs or the invoice expired, retries
	// can never succeed.
	if reason == lightning.FailureReasonIncorrectDetails {
		return &PaymentOutcome{
			Abandoned: true,
			Reason:    "invoice could not be paid",
		}, nil
	}

	// Wipe pathfinding state so the next attempt does not repeat the
	// failed routes, at most once per interval. This applies to the
	// channel fallback as well, the payment through the new channel is
	// such an attempt.
	h.maybeResetMissionControl(ctx, client)

	// Liquidity failures can be recovered by opening a channel to the
	// destination, when the swap bought one. Core Lightning payments
	// never fall back to a channel open.
	if reason.IsRecoverableWithChannel() &&
		client.Node() == lightning.NodeTypeLnd &&
		h.channelFallbackEligible(ctx, swap) {

		return &PaymentOutcome{TryChannel: true}, nil
	}

	// All other failures are retried on the next sweep.
	return &PaymentOutcome{}, nil
}

// channelFallbackEligible reports whether the swap has a channel creation
// that was not abandoned yet.
func (h *PaymentHandler) channelFallbackEligible(ctx context.Context,
	swap *swapdb.Swap) bool {

	if h.cfg.ChannelCreations == nil {
		return false
	}

	creation, err := h.cfg.ChannelCreations.FetchChannelCreation(
		ctx, swap.ID,
	)
	if err != nil {
		return false
	}

	switch creation.Status {
	case swapdb.ChannelNone, swapdb.ChannelAttempted:
		return true

	default:
		return false
	}
}

// maybeResetMissionControl wipes the pathfinding state of lnd nodes, at most
// once per interval.
func (h *PaymentHandler) maybeResetMissionControl(ctx context.Context,
	client lightning.Client) {

	if client.Node() != lightning.NodeTypeLnd {
		return
	}

	h.resetMtx.Lock()
	now := h.cfg.Clock.Now()
	last, ok := h.lastReset[client.Node()]
	if ok && now.Sub(last) < mcResetInterval {
		h.resetMtx.Unlock()
		return
	}

	h.lastReset[client.Node()] = now
	h.resetMtx.Unlock()

	log.Debugf("Resetting mission control of %v", client.Node())

	if err := client.ResetMissionControl(ctx); err != nil {
		log.Warnf("Unable to reset mission control: %v", err)
	}
}

// maxRoutingFee returns the fee cap for paying the given amount.
func (h *PaymentHandler) maxRoutingFee(amount btcutil.Amount) btcutil.Amount {
	return btcutil.Amount(
		uint64(amount) * h.cfg.MaxRoutingFeePpm / 1000000,
	)
}
