package swapd

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// lockupSendLabel tags our lockup transactions in the lnd wallet.
const lockupSendLabel = "swapd: lockup"

// LndBackend serves a UTXO currency through the chain facilities of an lnd
// node: the chain notifier for confirmations and spends, the wallet for
// sending lockups. It implements both ChainClient and Wallet.
type LndBackend struct {
	lnd    *lndclient.LndServices
	params *chaincfg.Params

	mtx sync.Mutex

	// runCtx is the context of the transaction subscription. Watchers
	// registered before the subscription starts are parked in pending
	// and spawned once it does.
	runCtx  context.Context
	events  chan *TransactionEvent
	errs    chan error
	pending []func(ctx context.Context)

	// height is the last block height seen on the epoch stream, used as
	// the height hint of new registrations.
	height int32

	// txCache holds the transactions seen on our watch streams, so swap
	// prevouts can be served without a chain index.
	txCache map[chainhash.Hash]*wire.MsgTx
}

// A compile time check that LndBackend serves both chain roles.
var (
	_ ChainClient = (*LndBackend)(nil)
	_ Wallet      = (*LndBackend)(nil)
)

// NewLndBackend creates a chain backend on top of the given lnd node.
func NewLndBackend(lnd *lndclient.LndServices,
	params *chaincfg.Params) *LndBackend {

	return &LndBackend{
		lnd:     lnd,
		params:  params,
		txCache: make(map[chainhash.Hash]*wire.MsgTx),
	}
}

// SubscribeTransactions starts the transaction event stream. Watched
// addresses report their first confirmation, watched outpoints report the
// spending transaction as soon as it is seen.
func (b *LndBackend) SubscribeTransactions(ctx context.Context) (
	<-chan *TransactionEvent, <-chan error, error) {

	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.runCtx != nil {
		return nil, nil, fmt.Errorf("transaction stream already active")
	}

	info, err := b.lnd.Client.GetInfo(ctx)
	if err != nil {
		return nil, nil, err
	}

	// Unconfirmed wallet transactions give mempool visibility for
	// lockups that involve our own wallet.
	walletTxs, walletErrs, err := b.lnd.Client.SubscribeTransactions(ctx)
	if err != nil {
		return nil, nil, err
	}

	b.runCtx = ctx
	b.height = int32(info.BlockHeight)
	b.events = make(chan *TransactionEvent, 32)
	b.errs = make(chan error, 1)

	go b.forwardWalletTxs(ctx, walletTxs, walletErrs)

	for _, start := range b.pending {
		go start(ctx)
	}
	b.pending = nil

	return b.events, b.errs, nil
}

// SubscribeBlocks streams the chain height.
func (b *LndBackend) SubscribeBlocks(ctx context.Context) (<-chan uint32,
	<-chan error, error) {

	epochs, epochErrs, err := b.lnd.ChainNotifier.RegisterBlockEpochNtfn(
		ctx,
	)
	if err != nil {
		return nil, nil, err
	}

	blocks := make(chan uint32)
	errs := make(chan error, 1)

	go func() {
		for {
			select {
			case height := <-epochs:
				b.mtx.Lock()
				b.height = height
				b.mtx.Unlock()

				select {
				case blocks <- uint32(height):
				case <-ctx.Done():
					return
				}

			case err := <-epochErrs:
				errs <- err
				return

			case <-ctx.Done():
				return
			}
		}
	}()

	return blocks, errs, nil
}

// WatchAddress registers a confirmation watcher for the address.
func (b *LndBackend) WatchAddress(ctx context.Context, address string) error {
	addr, err := btcutil.DecodeAddress(address, b.params)
	if err != nil {
		return err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return err
	}

	b.start(func(runCtx context.Context) {
		b.watchConfirmation(runCtx, pkScript)
	})

	return nil
}

// WatchOutpoint registers a spend watcher for the outpoint. The spending
// transaction is delivered on the transaction stream as soon as it is seen,
// without waiting for a confirmation.
func (b *LndBackend) WatchOutpoint(ctx context.Context, txid string,
	vout uint32) error {

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return err
	}
	outpoint := wire.OutPoint{Hash: *hash, Index: vout}

	// The spend registration needs the output script. Lockup outpoints
	// are our own sends, so the transaction is in the cache.
	prevTx, err := b.GetRawTransaction(ctx, hash)
	if err != nil {
		return err
	}
	if vout >= uint32(len(prevTx.TxOut)) {
		return fmt.Errorf("output %v of %v out of range", vout, txid)
	}
	pkScript := prevTx.TxOut[vout].PkScript

	b.start(func(runCtx context.Context) {
		b.watchSpend(runCtx, outpoint, pkScript)
	})

	return nil
}

// GetRawTransaction returns a transaction previously seen on one of our
// streams, falling back to the lnd wallet.
func (b *LndBackend) GetRawTransaction(ctx context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	b.mtx.Lock()
	tx, ok := b.txCache[*txid]
	b.mtx.Unlock()
	if ok {
		return tx, nil
	}

	walletTx, err := b.lnd.WalletKit.GetTransaction(ctx, *txid)
	if err != nil {
		return nil, fmt.Errorf("transaction %v not found: %w", txid,
			err)
	}

	b.cacheTx(walletTx.Tx)

	return walletTx.Tx, nil
}

// EstimateFee returns a sat/vbyte fee estimate for the given target.
func (b *LndBackend) EstimateFee(ctx context.Context, confTarget int32) (
	btcutil.Amount, error) {

	feeRate, err := b.lnd.WalletKit.EstimateFeeRate(ctx, confTarget)
	if err != nil {
		return 0, err
	}

	satPerVbyte := btcutil.Amount(feeRate.FeePerKVByte() / 1000)
	if satPerVbyte < 1 {
		satPerVbyte = 1
	}

	return satPerVbyte, nil
}

// SendToAddress sends a lockup through the lnd wallet. It returns the txid,
// the output index paying the address and the estimated miner fee.
func (b *LndBackend) SendToAddress(ctx context.Context, address string,
	amount btcutil.Amount, satPerVbyte btcutil.Amount) (string, uint32,
	btcutil.Amount, error) {

	addr, err := btcutil.DecodeAddress(address, b.params)
	if err != nil {
		return "", 0, 0, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", 0, 0, err
	}

	feeRate := chainfee.SatPerKVByte(satPerVbyte * 1000).FeePerKWeight()

	tx, err := b.lnd.WalletKit.SendOutputs(
		ctx, []*wire.TxOut{{
			PkScript: pkScript,
			Value:    int64(amount),
		}},
		feeRate, lockupSendLabel,
	)
	if err != nil {
		return "", 0, 0, err
	}

	b.cacheTx(tx)

	vout := uint32(0)
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			vout = uint32(i)
			break
		}
	}

	// The wallet does not report the fee it paid, so it is estimated
	// from the requested rate and the final weight.
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	fee := satPerVbyte * btcutil.Amount((weight+3)/4)

	return tx.TxHash().String(), vout, fee, nil
}

// start runs the watcher now when the stream is active, or parks it until
// SubscribeTransactions is called.
func (b *LndBackend) start(watcher func(ctx context.Context)) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.runCtx != nil {
		go watcher(b.runCtx)
		return
	}

	b.pending = append(b.pending, watcher)
}

// watchConfirmation emits a confirmed transaction event for the first
// confirmation of an output paying the script.
func (b *LndBackend) watchConfirmation(ctx context.Context,
	pkScript []byte) {

	b.mtx.Lock()
	heightHint := b.height
	b.mtx.Unlock()

	confs, confErrs, err := b.lnd.ChainNotifier.RegisterConfirmationsNtfn(
		ctx, nil, pkScript, 1, heightHint,
	)
	if err != nil {
		b.fail(err)
		return
	}

	select {
	case conf := <-confs:
		b.cacheTx(conf.Tx)
		b.emit(ctx, &TransactionEvent{
			Tx:        conf.Tx,
			TxID:      conf.Tx.TxHash().String(),
			Confirmed: true,
		})

	case err := <-confErrs:
		b.fail(err)

	case <-ctx.Done():
	}
}

// watchSpend emits an unconfirmed transaction event for the spend of the
// outpoint.
func (b *LndBackend) watchSpend(ctx context.Context, outpoint wire.OutPoint,
	pkScript []byte) {

	b.mtx.Lock()
	heightHint := b.height
	b.mtx.Unlock()

	spends, spendErrs, err := b.lnd.ChainNotifier.RegisterSpendNtfn(
		ctx, &outpoint, pkScript, heightHint,
	)
	if err != nil {
		b.fail(err)
		return
	}

	select {
	case spend := <-spends:
		b.cacheTx(spend.SpendingTx)
		b.emit(ctx, &TransactionEvent{
			Tx:        spend.SpendingTx,
			TxID:      spend.SpenderTxHash.String(),
			Confirmed: false,
		})

	case err := <-spendErrs:
		b.fail(err)

	case <-ctx.Done():
	}
}

// forwardWalletTxs forwards unconfirmed wallet transactions as mempool
// events.
func (b *LndBackend) forwardWalletTxs(ctx context.Context,
	txs <-chan lndclient.Transaction, errs <-chan error) {

	for {
		select {
		case tx := <-txs:
			if tx.Confirmations > 0 || tx.Tx == nil {
				continue
			}

			b.cacheTx(tx.Tx)
			b.emit(ctx, &TransactionEvent{
				Tx:        tx.Tx,
				TxID:      tx.Tx.TxHash().String(),
				Confirmed: false,
			})

		case err := <-errs:
			b.fail(err)
			return

		case <-ctx.Done():
			return
		}
	}
}

func (b *LndBackend) cacheTx(tx *wire.MsgTx) {
	if tx == nil {
		return
	}

	b.mtx.Lock()
	b.txCache[tx.TxHash()] = tx
	b.mtx.Unlock()
}

func (b *LndBackend) emit(ctx context.Context, event *TransactionEvent) {
	select {
	case b.events <- event:
	case <-ctx.Done():
	}
}

func (b *LndBackend) fail(err error) {
	select {
	case b.errs <- err:
	default:
	}
}
