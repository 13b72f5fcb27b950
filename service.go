package swapd

import (
	"context"

	"github.com/boltzops/swapd/lightning"
	"github.com/boltzops/swapd/swapdb"
	"golang.org/x/sync/errgroup"
)

// ServiceConfig is the exported configuration required to assemble the swap
// service.
type ServiceConfig struct {
	// Store is the swap database.
	Store swapdb.Store

	// Currencies are the configured currencies with their backends.
	Currencies []*Currency

	// Keys derives our swap keys.
	Keys KeyDeriver

	// Rates provides exchange rates for lockups that arrive before the
	// invoice. Optional.
	Rates RateProvider

	// PreferredNode selects the node used when a currency has multiple.
	PreferredNode lightning.NodeType

	// MaxRoutingFeePpm caps the routing fee of swap invoice payments.
	MaxRoutingFeePpm uint64

	// SweepFeeTarget is the confirmation target of sweep fee estimates.
	SweepFeeTarget int32
}

// Service bundles the nurseries, the payment handler and the cooperative
// signer of the swap engine behind a single lifecycle.
type Service struct {
	cfg ServiceConfig

	// Nursery is the swap orchestrator. Swap registrations go through
	// it.
	Nursery *SwapNursery

	// Signer is the cooperative Taproot signer.
	Signer *MusigSigner

	channels *ChannelNursery
	invoices *LightningNursery
	payments *PaymentHandler
	updates  *updateBroadcaster
}

// NewService wires the swap engine together.
func NewService(cfg ServiceConfig) *Service {
	updates := newUpdateBroadcaster()

	currencies := make(map[string]*Currency, len(cfg.Currencies))
	for _, currency := range cfg.Currencies {
		currencies[currency.Symbol] = currency
	}
	getCurrency := func(symbol string) (*Currency, error) {
		currency, ok := currencies[symbol]
		if !ok {
			return nil, ErrCurrencyNotFound
		}

		return currency, nil
	}

	payments := NewPaymentHandler(PaymentConfig{
		Swaps:            cfg.Store,
		ChannelCreations: cfg.Store,
		PreferredNode:    cfg.PreferredNode,
		MaxRoutingFeePpm: cfg.MaxRoutingFeePpm,
	})

	invoices := NewLightningNursery(LightningConfig{
		Store:         cfg.Store,
		GetCurrency:   getCurrency,
		PreferredNode: cfg.PreferredNode,
		Notify:        updates.notify,
	})

	// The channel nursery settles through the swap nursery, which is
	// constructed right after it.
	var nursery *SwapNursery
	channels := NewChannelNursery(ChannelConfig{
		Store:       cfg.Store,
		Swaps:       cfg.Store,
		Payments:    payments,
		GetCurrency: getCurrency,
		Notify:      updates.notify,
		OnPaid: func(ctx context.Context, _ *Currency,
			swap *swapdb.Swap, outcome *PaymentOutcome) error {

			return nursery.CompleteSwapPayment(ctx, swap, outcome)
		},
	})

	nursery = NewSwapNursery(NurseryConfig{
		Store:          cfg.Store,
		Currencies:     cfg.Currencies,
		Payments:       payments,
		Channels:       channels,
		Invoices:       invoices,
		Rates:          cfg.Rates,
		PreferredNode:  cfg.PreferredNode,
		SweepFeeTarget: cfg.SweepFeeTarget,
		Notify:         updates.notify,
	})

	signer := NewMusigSigner(MusigConfig{
		Swaps:         cfg.Store,
		ReverseSwaps:  cfg.Store,
		GetCurrency:   getCurrency,
		Keys:          cfg.Keys,
		Nursery:       nursery,
		PreferredNode: cfg.PreferredNode,
	})

	return &Service{
		cfg:      cfg,
		Nursery:  nursery,
		Signer:   signer,
		channels: channels,
		invoices: invoices,
		payments: payments,
		updates:  updates,
	}
}

// Run starts all nurseries and blocks until the context is canceled or one
// of them fails.
func (s *Service) Run(ctx context.Context) error {
	defer s.updates.close()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.Nursery.Run(groupCtx)
	})
	group.Go(func() error {
		return s.invoices.Run(groupCtx)
	})
	group.Go(func() error {
		return s.channels.Run(groupCtx, s.cfg.Currencies)
	})

	return group.Wait()
}

// Subscribe streams swap status updates. The returned cancel function
// releases the subscription.
func (s *Service) Subscribe() (<-chan SwapUpdate, func()) {
	return s.updates.Subscribe()
}
