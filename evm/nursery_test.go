package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/boltzops/swapd/swapdb"
	"github.com/boltzops/swapd/test"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

var (
	testClaimAddress   = common.HexToAddress("0x01")
	testSenderAddress  = common.HexToAddress("0x02")
	testBlockedAddress = common.HexToAddress("0x03")
	testTokenAddress   = common.HexToAddress("0x04")
)

type mockEventSource struct {
	lockups chan *LockupEvent
	claims  chan *ClaimEvent
	blocks  chan uint64
	errs    chan error
}

func newMockEventSource() *mockEventSource {
	return &mockEventSource{
		lockups: make(chan *LockupEvent, 4),
		claims:  make(chan *ClaimEvent, 4),
		blocks:  make(chan uint64, 4),
		errs:    make(chan error, 1),
	}
}

func (m *mockEventSource) SubscribeLockups(_ context.Context) (
	<-chan *LockupEvent, <-chan error, error) {

	return m.lockups, m.errs, nil
}

func (m *mockEventSource) SubscribeClaims(_ context.Context) (
	<-chan *ClaimEvent, <-chan error, error) {

	return m.claims, m.errs, nil
}

func (m *mockEventSource) SubscribeBlocks(_ context.Context) (
	<-chan uint64, <-chan error, error) {

	return m.blocks, m.errs, nil
}

type mockReceipts struct {
	receipts map[common.Hash]*types.Receipt
}

func (m *mockReceipts) TransactionReceipt(_ context.Context,
	txHash common.Hash) (*types.Receipt, error) {

	receipt, ok := m.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}

	return receipt, nil
}

type nurseryTestContext struct {
	t       *testing.T
	nursery *Nursery
	store   swapdb.Store
	source  *mockEventSource
	cancel  func()
	runErr  chan error
}

func newNurseryTestContext(t *testing.T,
	receipts *mockReceipts) *nurseryTestContext {

	store, err := swapdb.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	if receipts == nil {
		receipts = &mockReceipts{
			receipts: make(map[common.Hash]*types.Receipt),
		}
	}

	source := newMockEventSource()
	nursery := NewNursery(Config{
		Symbol:       "ETH",
		ClaimAddress: testClaimAddress,
		BlockedAddresses: map[common.Address]struct{}{
			testBlockedAddress: {},
		},
		Tokens: map[common.Address]*Token{
			testTokenAddress: {
				Address:  testTokenAddress,
				Symbol:   "USDT",
				Decimals: 6,
			},
		},
		Source:              source,
		Receipts:            receipts,
		Swaps:               store,
		ReverseSwaps:        store,
		ReceiptPollInterval: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- nursery.Run(ctx)
	}()

	return &nurseryTestContext{
		t:       t,
		nursery: nursery,
		store:   store,
		source:  source,
		cancel:  cancel,
		runErr:  runErr,
	}
}

func (c *nurseryTestContext) stop() {
	c.cancel()
	require.ErrorIs(c.t, <-c.runErr, context.Canceled)
}

func testHash(preimage lntypes.Preimage) [32]byte {
	return [32]byte(preimage.Hash())
}

// TestLockupValidation tests that incoming lockups are checked in a fixed
// order and that rejections fail the swap with a reason.
func TestLockupValidation(t *testing.T) {
	defer test.Guard(t)()

	preimage := lntypes.Preimage{1}
	baseEvent := func() *LockupEvent {
		return &LockupEvent{
			Transaction:  common.HexToHash("0xaa"),
			PreimageHash: testHash(preimage),
			Amount:       EtherFromSats(100000),
			ClaimAddress: testClaimAddress,
			Sender:       testSenderAddress,
			Timelock:     700,
		}
	}

	tests := []struct {
		name     string
		mutate   func(*LockupEvent)
		accepted bool
		reason   string
	}{
		{
			name:     "valid",
			mutate:   func(*LockupEvent) {},
			accepted: true,
		},
		{
			name: "overpaid valid",
			mutate: func(e *LockupEvent) {
				e.Amount = EtherFromSats(100001)
			},
			accepted: true,
		},
		{
			name: "wrong claim address",
			mutate: func(e *LockupEvent) {
				e.ClaimAddress = testSenderAddress
			},
			reason: "incorrect claim address",
		},
		{
			name: "wrong timelock",
			mutate: func(e *LockupEvent) {
				e.Timelock = 699
			},
			reason: "incorrect timelock",
		},
		{
			name: "insufficient amount",
			mutate: func(e *LockupEvent) {
				e.Amount = EtherFromSats(99999)
			},
			reason: "less than expected",
		},
		{
			name: "blocked sender",
			mutate: func(e *LockupEvent) {
				e.Sender = testBlockedAddress
			},
			reason: "blocked address",
		},
		{
			// The claim address check runs first even when the
			// amount is wrong too.
			name: "claim address checked before amount",
			mutate: func(e *LockupEvent) {
				e.ClaimAddress = testSenderAddress
				e.Amount = big.NewInt(1)
			},
			reason: "incorrect claim address",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx := newNurseryTestContext(t, nil)
			defer ctx.stop()

			err := ctx.store.CreateSwap(
				context.Background(), &swapdb.Swap{
					ID:                 "swap-" + tc.name,
					PreimageHash:       preimage.Hash(),
					Status:             swapdb.StatusInvoiceSet,
					Pair:               "ETH/BTC",
					OrderSide:          swapdb.OrderSideBuy,
					ExpectedAmount:     100000,
					TimeoutBlockHeight: 700,
				},
			)
			require.NoError(t, err)

			event := baseEvent()
			tc.mutate(event)
			ctx.source.lockups <- event

			if tc.accepted {
				accepted := <-ctx.nursery.Lockups()
				require.Equal(
					t,
					swapdb.StatusTransactionConfirmed,
					accepted.Swap.Status,
				)
				require.Equal(
					t, event.Transaction.Hex(),
					accepted.Swap.LockupTransactionID,
				)

				return
			}

			failed := <-ctx.nursery.LockupFailures()
			require.Contains(t, failed.Reason, tc.reason)
			require.Equal(
				t, swapdb.StatusTransactionLockupFailed,
				failed.Swap.Status,
			)
			require.Contains(
				t, failed.Swap.FailureReason, tc.reason,
			)
		})
	}
}

// TestTokenLockup tests amount normalization for ERC20 lockups.
func TestTokenLockup(t *testing.T) {
	defer test.Guard(t)()

	ctx := newNurseryTestContext(t, nil)
	defer ctx.stop()

	preimage := lntypes.Preimage{2}
	err := ctx.store.CreateSwap(context.Background(), &swapdb.Swap{
		ID:                 "token1",
		PreimageHash:       preimage.Hash(),
		Status:             swapdb.StatusInvoiceSet,
		Pair:               "ETH/BTC",
		OrderSide:          swapdb.OrderSideBuy,
		ExpectedAmount:     100000,
		TimeoutBlockHeight: 700,
	})
	require.NoError(t, err)

	// 100000 sats at 6 token decimals scale down to 1000 token units.
	ctx.source.lockups <- &LockupEvent{
		Transaction:  common.HexToHash("0xbb"),
		PreimageHash: testHash(preimage),
		Amount:       big.NewInt(1000),
		TokenAddress: testTokenAddress,
		ClaimAddress: testClaimAddress,
		Sender:       testSenderAddress,
		Timelock:     700,
	}

	accepted := <-ctx.nursery.Lockups()
	require.Equal(t, btcutil.Amount(100000), accepted.Swap.OnchainAmount)

	// One token unit short is rejected.
	preimage2 := lntypes.Preimage{3}
	err = ctx.store.CreateSwap(context.Background(), &swapdb.Swap{
		ID:                 "token2",
		PreimageHash:       preimage2.Hash(),
		Status:             swapdb.StatusInvoiceSet,
		Pair:               "ETH/BTC",
		OrderSide:          swapdb.OrderSideBuy,
		ExpectedAmount:     100000,
		TimeoutBlockHeight: 700,
	})
	require.NoError(t, err)

	ctx.source.lockups <- &LockupEvent{
		Transaction:  common.HexToHash("0xbc"),
		PreimageHash: testHash(preimage2),
		Amount:       big.NewInt(999),
		TokenAddress: testTokenAddress,
		ClaimAddress: testClaimAddress,
		Sender:       testSenderAddress,
		Timelock:     700,
	}

	failed := <-ctx.nursery.LockupFailures()
	require.Contains(t, failed.Reason, "less than expected")
}

// TestClaimForwarding tests that claims only forward preimages that match
// the swap hash.
func TestClaimForwarding(t *testing.T) {
	defer test.Guard(t)()

	ctx := newNurseryTestContext(t, nil)
	defer ctx.stop()

	preimage := lntypes.Preimage{4}
	err := ctx.store.CreateReverseSwap(
		context.Background(), &swapdb.ReverseSwap{
			Swap: swapdb.Swap{
				ID:           "rev1",
				PreimageHash: preimage.Hash(),
				Status:       swapdb.StatusTransactionConfirmed,
				Pair:         "ETH/BTC",
				OrderSide:    swapdb.OrderSideSell,
			},
		},
	)
	require.NoError(t, err)

	// A preimage that does not hash to the event hash is dropped.
	ctx.source.claims <- &ClaimEvent{
		Transaction:  common.HexToHash("0xcc"),
		PreimageHash: testHash(preimage),
		Preimage:     lntypes.Preimage{5},
	}

	// The matching preimage is forwarded.
	ctx.source.claims <- &ClaimEvent{
		Transaction:  common.HexToHash("0xcd"),
		PreimageHash: testHash(preimage),
		Preimage:     preimage,
	}

	claim := <-ctx.nursery.Claims()
	require.Equal(t, "rev1", claim.ReverseSwap.ID)
	require.Equal(t, preimage, claim.Preimage)
}

// TestTrackLockup tests receipt tracking of our own lockup transactions.
func TestTrackLockup(t *testing.T) {
	defer test.Guard(t)()

	confirmedTx := common.HexToHash("0xd1")
	revertedTx := common.HexToHash("0xd2")
	receipts := &mockReceipts{
		receipts: map[common.Hash]*types.Receipt{
			confirmedTx: {
				Status: types.ReceiptStatusSuccessful,
			},
			revertedTx: {
				Status: types.ReceiptStatusFailed,
			},
		},
	}

	ctx := newNurseryTestContext(t, receipts)
	defer ctx.stop()

	reverseSwap := &swapdb.ReverseSwap{
		Swap: swapdb.Swap{ID: "rev2"},
	}

	ctx.nursery.TrackLockup(
		context.Background(), reverseSwap, confirmedTx,
	)
	confirmation := <-ctx.nursery.LockupConfirmations()
	require.Equal(t, "rev2", confirmation.ReverseSwap.ID)

	ctx.nursery.TrackLockup(
		context.Background(), reverseSwap, revertedTx,
	)
	failure := <-ctx.nursery.LockupSendFailures()
	require.Error(t, failure.Err)
}

// TestExpiryScan tests that block heights only expire swaps on the watched
// chain.
func TestExpiryScan(t *testing.T) {
	defer test.Guard(t)()

	ctx := newNurseryTestContext(t, nil)
	defer ctx.stop()

	background := context.Background()

	// A swap locking up on ETH.
	preimage := lntypes.Preimage{6}
	err := ctx.store.CreateSwap(background, &swapdb.Swap{
		ID:                 "eth-swap",
		PreimageHash:       preimage.Hash(),
		Status:             swapdb.StatusInvoiceSet,
		Pair:               "ETH/BTC",
		OrderSide:          swapdb.OrderSideBuy,
		TimeoutBlockHeight: 500,
	})
	require.NoError(t, err)

	// A swap locking up on BTC, never expired by this nursery.
	preimage2 := lntypes.Preimage{7}
	err = ctx.store.CreateSwap(background, &swapdb.Swap{
		ID:                 "btc-swap",
		PreimageHash:       preimage2.Hash(),
		Status:             swapdb.StatusInvoiceSet,
		Pair:               "ETH/BTC",
		OrderSide:          swapdb.OrderSideSell,
		TimeoutBlockHeight: 500,
	})
	require.NoError(t, err)

	ctx.source.blocks <- 400
	ctx.source.blocks <- 500

	expired := <-ctx.nursery.SwapExpiries()
	require.Equal(t, "eth-swap", expired.ID)

	// The BTC swap must not come through on a later block either.
	ctx.source.blocks <- 501
	expired = <-ctx.nursery.SwapExpiries()
	require.Equal(t, "eth-swap", expired.ID)
}

// TestSubscriptionError tests that a failing subscription stops the run
// loop.
func TestSubscriptionError(t *testing.T) {
	defer test.Guard(t)()

	ctx := newNurseryTestContext(t, nil)

	subErr := errors.New("subscription broken")
	ctx.source.errs <- subErr
	require.ErrorIs(t, <-ctx.runErr, subErr)

	ctx.cancel()
}
