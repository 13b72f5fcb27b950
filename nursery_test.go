package swapd

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/boltzops/swapd/lightning"
	"github.com/boltzops/swapd/swapdb"
	"github.com/boltzops/swapd/test"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

var (
	testNurseryPreimage = lntypes.Preimage{9, 9, 9}

	testLockupTxid = strings.Repeat("aa", 32)
	testClaimTxid  = strings.Repeat("bb", 32)
)

// mockChain is a scriptable ChainClient.
type mockChain struct {
	txChan    chan *TransactionEvent
	blockChan chan uint32
	errChan   chan error

	watchedAddrs chan string
	watchedOuts  chan wire.OutPoint

	rawTxs  map[chainhash.Hash]*wire.MsgTx
	feeRate btcutil.Amount
}

func newMockChain() *mockChain {
	return &mockChain{
		txChan:       make(chan *TransactionEvent, 8),
		blockChan:    make(chan uint32, 8),
		errChan:      make(chan error, 1),
		watchedAddrs: make(chan string, 8),
		watchedOuts:  make(chan wire.OutPoint, 8),
		rawTxs:       make(map[chainhash.Hash]*wire.MsgTx),
		feeRate:      1,
	}
}

func (m *mockChain) SubscribeTransactions(_ context.Context) (
	<-chan *TransactionEvent, <-chan error, error) {

	return m.txChan, m.errChan, nil
}

func (m *mockChain) SubscribeBlocks(_ context.Context) (<-chan uint32,
	<-chan error, error) {

	return m.blockChan, make(chan error, 1), nil
}

func (m *mockChain) WatchAddress(_ context.Context, address string) error {
	m.watchedAddrs <- address
	return nil
}

func (m *mockChain) WatchOutpoint(_ context.Context, txid string,
	vout uint32) error {

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return err
	}

	m.watchedOuts <- wire.OutPoint{Hash: *hash, Index: vout}
	return nil
}

func (m *mockChain) GetRawTransaction(_ context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	tx, ok := m.rawTxs[*txid]
	if !ok {
		return nil, errors.New("transaction not found")
	}

	return tx, nil
}

func (m *mockChain) EstimateFee(_ context.Context, _ int32) (btcutil.Amount,
	error) {

	return m.feeRate, nil
}

// sendCall records one wallet send.
type sendCall struct {
	Address string
	Amount  btcutil.Amount
}

// mockWallet is a scriptable Wallet.
type mockWallet struct {
	sends   chan sendCall
	sendErr error
}

func newMockWallet() *mockWallet {
	return &mockWallet{sends: make(chan sendCall, 8)}
}

func (m *mockWallet) SendToAddress(_ context.Context, address string,
	amount btcutil.Amount, _ btcutil.Amount) (string, uint32,
	btcutil.Amount, error) {

	if m.sendErr != nil {
		return "", 0, 0, m.sendErr
	}

	m.sends <- sendCall{Address: address, Amount: amount}

	return testLockupTxid, 0, 500, nil
}

// claimCall records one sweeper claim.
type claimCall struct {
	SwapID   string
	Preimage lntypes.Preimage
}

// mockSweeper is a scriptable UtxoSweeper.
type mockSweeper struct {
	claims  chan claimCall
	refunds chan string
}

func newMockSweeper() *mockSweeper {
	return &mockSweeper{
		claims:  make(chan claimCall, 8),
		refunds: make(chan string, 8),
	}
}

func (m *mockSweeper) Claim(_ context.Context, swap *swapdb.Swap,
	preimage lntypes.Preimage) (string, btcutil.Amount, error) {

	m.claims <- claimCall{SwapID: swap.ID, Preimage: preimage}
	return testClaimTxid, 300, nil
}

func (m *mockSweeper) Refund(_ context.Context,
	reverseSwap *swapdb.ReverseSwap) (string, btcutil.Amount, error) {

	m.refunds <- reverseSwap.ID
	return testClaimTxid, 200, nil
}

func (m *mockSweeper) ClaimChainSwap(_ context.Context,
	chainSwap *swapdb.ChainSwap, preimage lntypes.Preimage) (string,
	btcutil.Amount, error) {

	m.claims <- claimCall{SwapID: chainSwap.ID, Preimage: preimage}
	return testClaimTxid, 300, nil
}

func (m *mockSweeper) RefundChainSwap(_ context.Context,
	chainSwap *swapdb.ChainSwap) (string, btcutil.Amount, error) {

	m.refunds <- chainSwap.ID
	return testClaimTxid, 200, nil
}

type nurseryTestContext struct {
	t *testing.T

	store    swapdb.Store
	chain    *mockChain
	wallet   *mockWallet
	sweeper  *mockSweeper
	lnd      *test.MockLightning
	currency *Currency

	invoices *LightningNursery
	nursery  *SwapNursery

	lockupAddr string
	updates    chan SwapUpdate

	cancel func()
	runErr chan error
}

func newNurseryTestContext(t *testing.T) *nurseryTestContext {
	t.Helper()

	store, err := swapdb.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	c := &nurseryTestContext{
		t:       t,
		store:   store,
		chain:   newMockChain(),
		wallet:  newMockWallet(),
		sweeper: newMockSweeper(),
		lnd:     test.NewMockLightning(lightning.NodeTypeLnd),
		updates: make(chan SwapUpdate, 32),
		runErr:  make(chan error, 1),
	}

	c.currency = &Currency{
		Symbol:  "BTC",
		Type:    CurrencyUtxo,
		Params:  &chaincfg.RegressionNetParams,
		Chain:   c.chain,
		Wallet:  c.wallet,
		Sweeper: c.sweeper,
		Lnd:     c.lnd,
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	c.lockupAddr = addr.EncodeAddress()

	notify := func(update SwapUpdate) {
		c.updates <- update
	}

	getCurrency := func(symbol string) (*Currency, error) {
		if symbol != c.currency.Symbol {
			return nil, ErrCurrencyNotFound
		}

		return c.currency, nil
	}

	c.invoices = NewLightningNursery(LightningConfig{
		Store:       store,
		GetCurrency: getCurrency,
		Notify:      notify,
	})

	payments := NewPaymentHandler(PaymentConfig{
		Swaps:            store,
		ChannelCreations: store,
	})

	channels := NewChannelNursery(ChannelConfig{
		Store:       store,
		Swaps:       store,
		Payments:    payments,
		GetCurrency: getCurrency,
		Notify:      notify,
	})

	c.nursery = NewSwapNursery(NurseryConfig{
		Store:       store,
		Currencies:  []*Currency{c.currency},
		Payments:    payments,
		Channels:    channels,
		Invoices:    c.invoices,
		RetryTicker: ticker.NewForce(time.Hour),
		Notify:      notify,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		c.runErr <- c.nursery.Run(runCtx)
	}()

	return c
}

func (c *nurseryTestContext) finish() {
	c.cancel()
	require.ErrorIs(c.t, <-c.runErr, context.Canceled)
}

func (c *nurseryTestContext) addSwap(acceptZeroConf bool) *swapdb.Swap {
	c.t.Helper()

	ctx := context.Background()

	swap := &swapdb.Swap{
		ID:                 "subswap",
		PreimageHash:       testNurseryPreimage.Hash(),
		Status:             swapdb.StatusInvoiceSet,
		Pair:               "BTC/BTC",
		OrderSide:          swapdb.OrderSideBuy,
		Invoice:            "lntest1sub",
		LockupAddress:      c.lockupAddr,
		AcceptZeroConf:     acceptZeroConf,
		ExpectedAmount:     100000,
		TimeoutBlockHeight: 700,
	}
	require.NoError(c.t, c.store.CreateSwap(ctx, swap))
	require.NoError(c.t, c.nursery.RegisterSwap(ctx, c.currency, swap))

	// The lockup address is watched.
	require.Equal(c.t, c.lockupAddr, <-c.chain.watchedAddrs)

	return swap
}

// lockupTx builds a transaction paying the watched lockup address.
func (c *nurseryTestContext) lockupTx(amount int64) *wire.MsgTx {
	c.t.Helper()

	pkScript, err := addressScript(c.lockupAddr, c.currency)
	require.NoError(c.t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(amount, pkScript))

	return tx
}

func (c *nurseryTestContext) nextStatus() swapdb.Status {
	c.t.Helper()

	select {
	case update := <-c.updates:
		return update.Status

	case <-time.After(5 * time.Second):
		c.t.Fatal("no status update")
		return 0
	}
}

// TestSubmarineLockupPaysInvoice asserts the happy path: confirmed lockup,
// invoice payment and claim with the preimage.
func TestSubmarineLockupPaysInvoice(t *testing.T) {
	defer test.Guard(t)()

	c := newNurseryTestContext(t)
	defer c.finish()
	swap := c.addSwap(false)

	tx := c.lockupTx(100000)
	c.chain.txChan <- &TransactionEvent{
		Tx:        tx,
		TxID:      testLockupTxid,
		Confirmed: true,
	}

	require.Equal(t, swapdb.StatusTransactionConfirmed, c.nextStatus())
	require.Equal(t, swapdb.StatusInvoicePending, c.nextStatus())

	signal := <-c.lnd.SendPaymentChannel
	require.Equal(t, swap.Invoice, signal.Request.Invoice)

	signal.Updates <- lightning.PaymentUpdate{
		State:    lightning.PaymentSucceeded,
		Preimage: testNurseryPreimage,
		Fee:      2000,
	}

	require.Equal(t, swapdb.StatusInvoicePaid, c.nextStatus())

	claim := <-c.sweeper.claims
	require.Equal(t, swap.ID, claim.SwapID)
	require.Equal(t, testNurseryPreimage, claim.Preimage)

	require.Equal(t, swapdb.StatusTransactionClaimed, c.nextStatus())

	stored, err := c.store.FetchSwap(context.Background(), swap.ID)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(300), stored.MinerFee)
	require.EqualValues(t, 2000, stored.RoutingFee)
}

// TestSubmarineLockupInsufficient asserts that an underpaying lockup fails
// the swap.
func TestSubmarineLockupInsufficient(t *testing.T) {
	defer test.Guard(t)()

	c := newNurseryTestContext(t)
	defer c.finish()
	swap := c.addSwap(false)

	tx := c.lockupTx(50000)
	c.chain.txChan <- &TransactionEvent{
		Tx:        tx,
		TxID:      testLockupTxid,
		Confirmed: true,
	}

	update := <-c.updates
	require.Equal(t, swapdb.StatusTransactionLockupFailed, update.Status)
	require.Contains(t, update.FailureReason, "less than expected")

	stored, err := c.store.FetchSwap(context.Background(), swap.ID)
	require.NoError(t, err)
	require.Equal(
		t, swapdb.StatusTransactionLockupFailed, stored.Status,
	)
}

// TestSubmarineZeroConfRejected asserts that an unconfirmed lockup is not
// acted upon without zero conf acceptance.
func TestSubmarineZeroConfRejected(t *testing.T) {
	defer test.Guard(t)()

	c := newNurseryTestContext(t)
	defer c.finish()
	swap := c.addSwap(false)

	tx := c.lockupTx(100000)
	c.chain.txChan <- &TransactionEvent{
		Tx:        tx,
		TxID:      testLockupTxid,
		Confirmed: false,
	}

	require.Equal(t, swapdb.StatusTransactionMempool, c.nextStatus())
	require.Equal(
		t, swapdb.StatusTransactionZeroConfRejected, c.nextStatus(),
	)

	// The confirmation triggers the payment.
	c.chain.txChan <- &TransactionEvent{
		Tx:        tx,
		TxID:      testLockupTxid,
		Confirmed: true,
	}

	require.Equal(t, swapdb.StatusTransactionConfirmed, c.nextStatus())
	require.Equal(t, swapdb.StatusInvoicePending, c.nextStatus())

	signal := <-c.lnd.SendPaymentChannel
	require.Equal(t, swap.Invoice, signal.Request.Invoice)

	signal.Updates <- lightning.PaymentUpdate{
		State:    lightning.PaymentSucceeded,
		Preimage: testNurseryPreimage,
	}

	require.Equal(t, swapdb.StatusInvoicePaid, c.nextStatus())
	<-c.sweeper.claims
	require.Equal(t, swapdb.StatusTransactionClaimed, c.nextStatus())
}

// TestSubmarineZeroConfAccepted asserts that a zero conf lockup is paid
// right away when the swap accepts it.
func TestSubmarineZeroConfAccepted(t *testing.T) {
	defer test.Guard(t)()

	c := newNurseryTestContext(t)
	defer c.finish()
	c.addSwap(true)

	tx := c.lockupTx(100000)
	c.chain.txChan <- &TransactionEvent{
		Tx:        tx,
		TxID:      testLockupTxid,
		Confirmed: false,
	}

	require.Equal(t, swapdb.StatusTransactionMempool, c.nextStatus())
	require.Equal(t, swapdb.StatusInvoicePending, c.nextStatus())

	signal := <-c.lnd.SendPaymentChannel
	signal.Updates <- lightning.PaymentUpdate{
		State:    lightning.PaymentSucceeded,
		Preimage: testNurseryPreimage,
	}

	require.Equal(t, swapdb.StatusInvoicePaid, c.nextStatus())
	<-c.sweeper.claims
	require.Equal(t, swapdb.StatusTransactionClaimed, c.nextStatus())
}

func (c *nurseryTestContext) addReverseSwap() *swapdb.ReverseSwap {
	c.t.Helper()

	swap := &swapdb.ReverseSwap{
		ID:                 "revswap",
		PreimageHash:       testNurseryPreimage.Hash(),
		Status:             swapdb.StatusSwapCreated,
		Pair:               "BTC/BTC",
		OrderSide:          swapdb.OrderSideBuy,
		Invoice:            "lntest1hold",
		LockupAddress:      c.lockupAddr,
		OnchainAmount:      50000,
		TimeoutBlockHeight: 700,
	}
	require.NoError(c.t, c.store.CreateReverseSwap(
		context.Background(), swap,
	))

	return swap
}

// TestReverseSwapLifecycle asserts lockup broadcast on invoice acceptance
// and invoice settlement when the user claims with the preimage.
func TestReverseSwapLifecycle(t *testing.T) {
	defer test.Guard(t)()

	c := newNurseryTestContext(t)
	defer c.finish()
	swap := c.addReverseSwap()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()

	require.NoError(t, c.invoices.WatchReverseSwap(watchCtx, swap))

	subscription := <-c.lnd.InvoiceSubscribeChannel
	subscription.Updates <- lightning.InvoiceUpdate{
		State:      lightning.InvoiceAccepted,
		AmountPaid: 50000,
	}

	// The nursery broadcasts our lockup.
	send := <-c.wallet.sends
	require.Equal(t, c.lockupAddr, send.Address)
	require.Equal(t, btcutil.Amount(50000), send.Amount)

	require.Equal(t, swapdb.StatusTransactionMempool, c.nextStatus())

	// The lockup outpoint is watched for the claim.
	watched := <-c.chain.watchedOuts

	// The user claims, revealing the preimage in the witness.
	claimTx := wire.NewMsgTx(2)
	claimTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: watched,
		Witness: wire.TxWitness{
			[]byte("sig"), testNurseryPreimage[:],
		},
	})

	c.chain.txChan <- &TransactionEvent{
		Tx:        claimTx,
		TxID:      testClaimTxid,
		Confirmed: false,
	}

	settled := <-c.lnd.SettleChannel
	require.Equal(t, testNurseryPreimage, settled)

	require.Equal(t, swapdb.StatusInvoiceSettled, c.nextStatus())

	stored, err := c.store.FetchReverseSwap(
		context.Background(), swap.ID,
	)
	require.NoError(t, err)
	require.NotNil(t, stored.Preimage)
	require.Equal(t, testNurseryPreimage, *stored.Preimage)
}

// TestReverseSwapLockupFailure asserts that a failed lockup broadcast fails
// the swap and cancels its invoices.
func TestReverseSwapLockupFailure(t *testing.T) {
	defer test.Guard(t)()

	c := newNurseryTestContext(t)
	defer c.finish()
	swap := c.addReverseSwap()
	c.wallet.sendErr = errors.New("wallet empty")

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()

	require.NoError(t, c.invoices.WatchReverseSwap(watchCtx, swap))

	subscription := <-c.lnd.InvoiceSubscribeChannel
	subscription.Updates <- lightning.InvoiceUpdate{
		State: lightning.InvoiceAccepted,
	}

	update := <-c.updates
	require.Equal(t, swapdb.StatusTransactionFailed, update.Status)

	// The hold invoice is canceled back.
	require.Equal(t, swap.PreimageHash, <-c.lnd.CancelChannel)
}

// TestReverseSwapExpiry asserts that an expired reverse swap with a
// broadcast lockup is refunded exactly once.
func TestReverseSwapExpiry(t *testing.T) {
	defer test.Guard(t)()

	c := newNurseryTestContext(t)
	defer c.finish()
	swap := c.addReverseSwap()

	ctx := context.Background()
	_, err := c.store.SetReverseSwapLockupTransaction(
		ctx, swap.ID, testLockupTxid, 0, 500,
	)
	require.NoError(t, err)

	c.chain.blockChan <- 700

	require.Equal(t, swap.ID, <-c.sweeper.refunds)

	update := <-c.updates
	require.Equal(t, swapdb.StatusTransactionRefunded, update.Status)

	require.Equal(t, swap.PreimageHash, <-c.lnd.CancelChannel)

	stored, err := c.store.FetchReverseSwap(ctx, swap.ID)
	require.NoError(t, err)

	// 500 lockup fee plus 200 refund fee.
	require.Equal(t, btcutil.Amount(700), stored.MinerFee)

	// A later block does not refund again.
	c.chain.blockChan <- 701

	select {
	case <-c.sweeper.refunds:
		t.Fatal("refunded twice")

	case <-time.After(50 * time.Millisecond):
	}
}

// TestSwapExpiryIdempotent asserts that repeated expiry scans fail a
// submarine swap only once.
func TestSwapExpiryIdempotent(t *testing.T) {
	defer test.Guard(t)()

	c := newNurseryTestContext(t)
	defer c.finish()
	swap := c.addSwap(false)

	c.chain.blockChan <- 700
	c.chain.blockChan <- 701

	update := <-c.updates
	require.Equal(t, swapdb.StatusSwapExpired, update.Status)

	select {
	case update := <-c.updates:
		t.Fatalf("unexpected second update: %v", update.Status)

	case <-time.After(50 * time.Millisecond):
	}

	stored, err := c.store.FetchSwap(context.Background(), swap.ID)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusSwapExpired, stored.Status)
}

// TestRetrySweep asserts that pending invoice payments are retried on the
// ticker.
func TestRetrySweep(t *testing.T) {
	defer test.Guard(t)()

	c := newNurseryTestContext(t)
	defer c.finish()
	swap := c.addSwap(false)

	ctx := context.Background()
	_, err := c.store.SetLockupTransaction(
		ctx, swap.ID, testLockupTxid, 0, 100000, true,
	)
	require.NoError(t, err)
	_, err = c.store.SetSwapStatus(
		ctx, swap.ID, swapdb.StatusInvoicePending, "",
	)
	require.NoError(t, err)

	c.nursery.cfg.RetryTicker.Force <- time.Now()

	signal := <-c.lnd.SendPaymentChannel
	require.Equal(t, swap.Invoice, signal.Request.Invoice)

	signal.Updates <- lightning.PaymentUpdate{
		State:    lightning.PaymentSucceeded,
		Preimage: testNurseryPreimage,
	}

	require.Equal(t, swapdb.StatusInvoicePaid, c.nextStatus())
	<-c.sweeper.claims
	require.Equal(t, swapdb.StatusTransactionClaimed, c.nextStatus())
}

// TestRetrySweepClaimsPaidSwap asserts that the retry sweep re-dispatches a
// swap whose invoice was paid but whose lockup was never claimed, as left
// behind when the process stops between recording the payment and the claim
// broadcast.
func TestRetrySweepClaimsPaidSwap(t *testing.T) {
	defer test.Guard(t)()

	c := newNurseryTestContext(t)
	defer c.finish()
	swap := c.addSwap(false)

	ctx := context.Background()
	_, err := c.store.SetLockupTransaction(
		ctx, swap.ID, testLockupTxid, 0, 100000, true,
	)
	require.NoError(t, err)
	_, err = c.store.SetInvoicePaid(ctx, swap.ID, 2000)
	require.NoError(t, err)

	// The settled payment resolves to its preimage through the existing
	// payment instead of a second dispatch.
	c.lnd.QueueSendError(lightning.ErrInvoiceAlreadyPaid)

	c.nursery.cfg.RetryTicker.Force <- time.Now()

	track := <-c.lnd.TrackPaymentChannel
	require.Equal(t, swap.PreimageHash, track.Hash)
	track.Updates <- lightning.PaymentUpdate{
		State:    lightning.PaymentSucceeded,
		Preimage: testNurseryPreimage,
		Fee:      2000,
	}

	claim := <-c.sweeper.claims
	require.Equal(t, swap.ID, claim.SwapID)
	require.Equal(t, testNurseryPreimage, claim.Preimage)

	// The swap was never moved back to pending.
	require.Equal(t, swapdb.StatusInvoicePaid, c.nextStatus())
	require.Equal(t, swapdb.StatusTransactionClaimed, c.nextStatus())

	stored, err := c.store.FetchSwap(ctx, swap.ID)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusTransactionClaimed, stored.Status)
}

// TestConcurrentSettlementClaimsOnce asserts that two settlement paths
// finishing for the same swap produce exactly one claim transaction.
func TestConcurrentSettlementClaimsOnce(t *testing.T) {
	defer test.Guard(t)()

	c := newNurseryTestContext(t)
	defer c.finish()
	swap := c.addSwap(false)

	ctx := context.Background()
	_, err := c.store.SetLockupTransaction(
		ctx, swap.ID, testLockupTxid, 0, 100000, true,
	)
	require.NoError(t, err)
	_, err = c.store.SetSwapStatus(
		ctx, swap.ID, swapdb.StatusInvoicePending, "",
	)
	require.NoError(t, err)

	outcome := &PaymentOutcome{
		Paid:     true,
		Preimage: testNurseryPreimage,
		Fee:      2000,
	}

	// Both the retry path and the channel callback report the same
	// settled payment.
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- c.nursery.CompleteSwapPayment(
				ctx, swap, outcome,
			)
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}

	claim := <-c.sweeper.claims
	require.Equal(t, swap.ID, claim.SwapID)

	// The losing settlement found the swap claimed and did nothing.
	require.Empty(t, c.sweeper.claims)

	stored, err := c.store.FetchSwap(ctx, swap.ID)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusTransactionClaimed, stored.Status)
}

// TestChainSwapExpiry asserts the symmetric expiry of a chain swap's
// sending leg.
func TestChainSwapExpiry(t *testing.T) {
	defer test.Guard(t)()

	c := newNurseryTestContext(t)
	defer c.finish()

	ctx := context.Background()
	swap := &swapdb.ChainSwap{
		ID:           "chainswap",
		PreimageHash: testNurseryPreimage.Hash(),
		Status:       swapdb.StatusTransactionConfirmed,
		Pair:         "BTC/BTC",
		SendingData: swapdb.ChainSwapLeg{
			Symbol:             "BTC",
			ExpectedAmount:     40000,
			TransactionID:      testLockupTxid,
			TimeoutBlockHeight: 650,
			LockupAddress:      c.lockupAddr,
		},
		ReceivingData: swapdb.ChainSwapLeg{
			Symbol:             "BTC",
			ExpectedAmount:     41000,
			TimeoutBlockHeight: 700,
			LockupAddress:      c.lockupAddr,
		},
	}
	require.NoError(t, c.store.CreateChainSwap(ctx, swap))

	c.chain.blockChan <- 650

	require.Equal(t, swap.ID, <-c.sweeper.refunds)

	update := <-c.updates
	require.Equal(t, swapdb.StatusTransactionRefunded, update.Status)
}
