package swapd

import (
	"context"

	"github.com/boltzops/swapd/evm"
	"github.com/boltzops/swapd/lightning"
	"github.com/boltzops/swapd/swapdb"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
)

// CurrencyType distinguishes how a currency settles on chain.
type CurrencyType uint8

const (
	// CurrencyUtxo is a bitcoin-like currency.
	CurrencyUtxo CurrencyType = iota

	// CurrencyEvm is an account based currency with swap contracts.
	CurrencyEvm
)

// TransactionEvent is a transaction relevant to our watched addresses,
// either seen in the mempool or confirmed.
type TransactionEvent struct {
	// Tx is the full transaction.
	Tx *wire.MsgTx

	// TxID is the transaction id of Tx.
	TxID string

	// Confirmed indicates whether the transaction is included in a block.
	Confirmed bool
}

// ChainClient is the interface to a bitcoin-like chain backend.
type ChainClient interface {
	// SubscribeTransactions streams transactions relevant to the watched
	// addresses. Transactions are delivered once from the mempool and
	// once confirmed.
	SubscribeTransactions(ctx context.Context) (<-chan *TransactionEvent,
		<-chan error, error)

	// SubscribeBlocks streams the chain height.
	SubscribeBlocks(ctx context.Context) (<-chan uint32, <-chan error,
		error)

	// WatchAddress adds an address to the watched set.
	WatchAddress(ctx context.Context, address string) error

	// WatchOutpoint adds an outpoint to the watched set, so that its
	// spend shows up on the transaction stream.
	WatchOutpoint(ctx context.Context, txid string, vout uint32) error

	// GetRawTransaction fetches a transaction by id.
	GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (
		*wire.MsgTx, error)

	// EstimateFee returns a sat/vbyte estimate for the given target.
	EstimateFee(ctx context.Context, confTarget int32) (btcutil.Amount,
		error)
}

// Wallet sends coins of a UTXO currency.
type Wallet interface {
	// SendToAddress sends the given amount to the address and returns
	// the transaction id, the output index paying the address and the
	// miner fee paid.
	SendToAddress(ctx context.Context, address string,
		amount btcutil.Amount, satPerVbyte btcutil.Amount) (string,
		uint32, btcutil.Amount, error)
}

// UtxoSweeper builds, signs and broadcasts spends of swap HTLC outputs.
type UtxoSweeper interface {
	// Claim spends the lockup output of a submarine swap with the
	// preimage. It returns the claim transaction id and the miner fee
	// paid.
	Claim(ctx context.Context, swap *swapdb.Swap,
		preimage lntypes.Preimage) (string, btcutil.Amount, error)

	// Refund spends our expired reverse swap lockup back to us through
	// the timeout path. It returns the refund transaction id and the
	// miner fee paid.
	Refund(ctx context.Context, reverseSwap *swapdb.ReverseSwap) (string,
		btcutil.Amount, error)

	// ClaimChainSwap claims the receiving leg of a chain swap.
	ClaimChainSwap(ctx context.Context, chainSwap *swapdb.ChainSwap,
		preimage lntypes.Preimage) (string, btcutil.Amount, error)

	// RefundChainSwap refunds the expired sending leg of a chain swap.
	RefundChainSwap(ctx context.Context, chainSwap *swapdb.ChainSwap) (
		string, btcutil.Amount, error)
}

// RateProvider returns the exchange rate of a pair at lockup time.
type RateProvider interface {
	// Rate returns the current rate of the pair, quote per base.
	Rate(pair string) (float64, error)
}

// Currency bundles the backends of one currency.
type Currency struct {
	// Symbol is the ticker symbol, e.g. "BTC".
	Symbol string

	// Type selects the chain handling for the currency.
	Type CurrencyType

	// Params are the chain parameters used to decode addresses. Only set
	// for UTXO currencies.
	Params *chaincfg.Params

	// Chain is the chain backend. Only set for UTXO currencies.
	Chain ChainClient

	// Wallet sends lockups. Only set for UTXO currencies.
	Wallet Wallet

	// Sweeper spends HTLC outputs. Only set for UTXO currencies.
	Sweeper UtxoSweeper

	// EVM watches the swap contracts. Only set for EVM currencies.
	EVM *evm.Nursery

	// EVMHandler executes swap contract calls. Only set for EVM
	// currencies.
	EVMHandler evm.ContractHandler

	// Lnd is the lnd node serving this currency, if any.
	Lnd lightning.Client

	// Cln is the Core Lightning node serving this currency, if any.
	Cln lightning.Client
}

// LightningClients returns the available Lightning nodes of the currency,
// preferred node first.
func (c *Currency) LightningClients(preferred lightning.NodeType) (
	[]lightning.Client, error) {

	var clients []lightning.Client
	appendClient := func(client lightning.Client) {
		if client != nil {
			clients = append(clients, client)
		}
	}

	if preferred == lightning.NodeTypeCln {
		appendClient(c.Cln)
		appendClient(c.Lnd)
	} else {
		appendClient(c.Lnd)
		appendClient(c.Cln)
	}

	if len(clients) == 0 {
		return nil, ErrNoLightningSupport
	}

	return clients, nil
}
