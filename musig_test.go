package swapd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/boltzops/swapd/lightning"
	"github.com/boltzops/swapd/swapdb"
	"github.com/boltzops/swapd/test"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

var testMusigPreimage = lntypes.Preimage{4, 4, 4}

type fixedKeyDeriver struct {
	key *btcec.PrivateKey
}

func (d *fixedKeyDeriver) DeriveKey(_ context.Context, _ int32) (
	*btcec.PrivateKey, error) {

	return d.key, nil
}

type musigTestContext struct {
	t *testing.T

	store  swapdb.Store
	chain  *mockChain
	lnd    *test.MockLightning
	signer *MusigSigner

	ourKey   *btcec.PrivateKey
	theirKey *btcec.PrivateKey

	redeemScript []byte
	scriptRoot   [32]byte

	lockupTx *wire.MsgTx
	spendTx  *wire.MsgTx
	sigHash  [32]byte
}

func newMusigTestContext(t *testing.T) *musigTestContext {
	t.Helper()

	store, err := swapdb.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	c := &musigTestContext{
		t:     t,
		store: store,
		chain: newMockChain(),
		lnd:   test.NewMockLightning(lightning.NodeTypeLnd),
	}

	ourKeyBytes := bytes.Repeat([]byte{1}, 32)
	theirKeyBytes := bytes.Repeat([]byte{2}, 32)
	c.ourKey, _ = btcec.PrivKeyFromBytes(ourKeyBytes)
	c.theirKey, _ = btcec.PrivKeyFromBytes(theirKeyBytes)

	c.redeemScript = []byte{txscript.OP_1}
	root := txscript.NewBaseTapLeaf(c.redeemScript).TapHash()
	c.scriptRoot = root

	// The lockup output pays the tweaked aggregated key.
	outputKey := c.aggregatedKey()
	pkScript := append(
		[]byte{txscript.OP_1, 0x20},
		schnorr.SerializePubKey(outputKey)...,
	)

	c.lockupTx = wire.NewMsgTx(2)
	c.lockupTx.AddTxOut(wire.NewTxOut(100000, pkScript))
	c.chain.rawTxs[c.lockupTx.TxHash()] = c.lockupTx

	c.spendTx = wire.NewMsgTx(2)
	c.spendTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  c.lockupTx.TxHash(),
			Index: 0,
		},
	})
	c.spendTx.AddTxOut(wire.NewTxOut(99000, pkScript))

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, 100000)
	sigHash, err := txscript.CalcTaprootSignatureHash(
		txscript.NewTxSigHashes(c.spendTx, fetcher),
		txscript.SigHashDefault, c.spendTx, 0, fetcher,
	)
	require.NoError(t, err)
	copy(c.sigHash[:], sigHash)

	currency := &Currency{
		Symbol: "BTC",
		Type:   CurrencyUtxo,
		Params: &chaincfg.RegressionNetParams,
		Chain:  c.chain,
		Lnd:    c.lnd,
	}

	getCurrency := func(symbol string) (*Currency, error) {
		if symbol != currency.Symbol {
			return nil, ErrCurrencyNotFound
		}

		return currency, nil
	}

	nursery := NewSwapNursery(NurseryConfig{
		Store:      store,
		Currencies: []*Currency{currency},
	})

	c.signer = NewMusigSigner(MusigConfig{
		Swaps:        store,
		ReverseSwaps: store,
		GetCurrency:  getCurrency,
		Keys:         &fixedKeyDeriver{key: c.ourKey},
		Nursery:      nursery,
	})

	return c
}

func (c *musigTestContext) aggregatedKey() *btcec.PublicKey {
	c.t.Helper()

	root := txscript.NewBaseTapLeaf(c.redeemScript).TapHash()
	aggKey, _, _, err := musig2.AggregateKeys(
		[]*btcec.PublicKey{c.ourKey.PubKey(), c.theirKey.PubKey()},
		true, musig2.WithTaprootKeyTweak(root[:]),
	)
	require.NoError(c.t, err)

	return aggKey.FinalKey
}

// theirSession creates the counterparty half of the signing ceremony.
func (c *musigTestContext) theirSession() *musig2.Session {
	c.t.Helper()

	muCtx, err := musig2.NewContext(
		c.theirKey, true,
		musig2.WithKnownSigners([]*btcec.PublicKey{
			c.ourKey.PubKey(), c.theirKey.PubKey(),
		}),
		musig2.WithTaprootTweakCtx(c.scriptRoot[:]),
	)
	require.NoError(c.t, err)

	session, err := muCtx.NewSession()
	require.NoError(c.t, err)

	return session
}

// finalize combines our partial signature into the counterparty session and
// verifies the aggregated signature against the lockup output key.
func (c *musigTestContext) finalize(session *musig2.Session,
	sig *PartialSignature) {

	c.t.Helper()

	_, err := session.RegisterPubNonce(sig.PubNonce)
	require.NoError(c.t, err)

	_, err = session.Sign(c.sigHash)
	require.NoError(c.t, err)

	var ourPartial musig2.PartialSignature
	require.NoError(
		c.t, ourPartial.Decode(bytes.NewReader(sig.Signature)),
	)

	haveAll, err := session.CombineSig(&ourPartial)
	require.NoError(c.t, err)
	require.True(c.t, haveAll)

	finalSig := session.FinalSig()
	require.True(
		c.t, finalSig.Verify(c.sigHash[:], c.aggregatedKey()),
	)
}

func (c *musigTestContext) addSwap(status swapdb.Status) *swapdb.Swap {
	c.t.Helper()

	swap := &swapdb.Swap{
		ID:                  "musigswap",
		PreimageHash:        testMusigPreimage.Hash(),
		Status:              status,
		Pair:                "BTC/BTC",
		OrderSide:           swapdb.OrderSideBuy,
		Invoice:             "lntest1musig",
		LockupTransactionID: c.lockupTx.TxHash().String(),
		ExpectedAmount:      100000,
		TimeoutBlockHeight:  700,
		KeyIndex:            1,
		RedeemScript:        c.redeemScript,
		RefundPublicKey:     c.theirKey.PubKey().SerializeCompressed(),
	}
	require.NoError(c.t, c.store.CreateSwap(context.Background(), swap))

	return swap
}

func (c *musigTestContext) addReverseSwap(
	status swapdb.Status) *swapdb.ReverseSwap {

	c.t.Helper()

	swap := &swapdb.ReverseSwap{
		ID:                 "musigrev",
		PreimageHash:       testMusigPreimage.Hash(),
		Status:             status,
		Pair:               "BTC/BTC",
		OrderSide:          swapdb.OrderSideBuy,
		Invoice:            "lntest1musigrev",
		OnchainAmount:      100000,
		TimeoutBlockHeight: 700,
		KeyIndex:           1,
		RedeemScript:       c.redeemScript,
		ClaimPublicKey:     c.theirKey.PubKey().SerializeCompressed(),
	}
	require.NoError(
		c.t, c.store.CreateReverseSwap(context.Background(), swap),
	)

	if status != swapdb.StatusSwapCreated {
		_, err := c.store.SetReverseSwapLockupTransaction(
			context.Background(), swap.ID,
			c.lockupTx.TxHash().String(), 0, 500,
		)
		require.NoError(c.t, err)
		swap.TransactionID = c.lockupTx.TxHash().String()
	}

	return swap
}

// TestMusigRefundCeremony asserts the full two-party refund signing flow
// for a failed submarine swap.
func TestMusigRefundCeremony(t *testing.T) {
	defer test.Guard(t)()

	c := newMusigTestContext(t)
	swap := c.addSwap(swapdb.StatusInvoiceFailedToPay)

	session := c.theirSession()

	sig, err := c.signer.SignSwapRefund(
		context.Background(), swap.ID, session.PublicNonce(),
		c.spendTx, 0,
	)
	require.NoError(t, err)

	c.finalize(session, sig)
}

// TestMusigRefundNotEligible asserts that swaps outside the failed statuses
// are refused.
func TestMusigRefundNotEligible(t *testing.T) {
	defer test.Guard(t)()

	c := newMusigTestContext(t)
	swap := c.addSwap(swapdb.StatusInvoicePending)

	session := c.theirSession()

	_, err := c.signer.SignSwapRefund(
		context.Background(), swap.ID, session.PublicNonce(),
		c.spendTx, 0,
	)
	require.ErrorIs(t, err, ErrSwapNotEligible)
}

// TestMusigRefundPaymentPending asserts that a possibly settling payment
// blocks the refund, including when the node cannot be asked.
func TestMusigRefundPaymentPending(t *testing.T) {
	defer test.Guard(t)()

	c := newMusigTestContext(t)
	swap := c.addSwap(swapdb.StatusInvoiceFailedToPay)

	c.lnd.SetPendingPayment(swap.PreimageHash, true)

	session := c.theirSession()

	_, err := c.signer.SignSwapRefund(
		context.Background(), swap.ID, session.PublicNonce(),
		c.spendTx, 0,
	)
	require.ErrorIs(t, err, ErrPaymentPending)

	// A node that cannot answer counts as pending too.
	c.lnd.SetPendingPayment(swap.PreimageHash, false)
	c.lnd.SetPendingPaymentError(errors.New("node unavailable"))

	_, err = c.signer.SignSwapRefund(
		context.Background(), swap.ID, session.PublicNonce(),
		c.spendTx, 0,
	)
	require.ErrorIs(t, err, ErrPaymentPending)
}

// TestMusigRefundAllowance asserts that an operator allowance overrides the
// eligibility checks once.
func TestMusigRefundAllowance(t *testing.T) {
	defer test.Guard(t)()

	c := newMusigTestContext(t)
	swap := c.addSwap(swapdb.StatusInvoicePending)

	c.signer.AllowRefund(swap.ID)

	session := c.theirSession()
	sig, err := c.signer.SignSwapRefund(
		context.Background(), swap.ID, session.PublicNonce(),
		c.spendTx, 0,
	)
	require.NoError(t, err)
	c.finalize(session, sig)

	// The allowance is consumed.
	session = c.theirSession()
	_, err = c.signer.SignSwapRefund(
		context.Background(), swap.ID, session.PublicNonce(),
		c.spendTx, 0,
	)
	require.ErrorIs(t, err, ErrSwapNotEligible)
}

// TestMusigClaimCeremony asserts the full claim signing flow, including the
// hold invoice settlement side effect.
func TestMusigClaimCeremony(t *testing.T) {
	defer test.Guard(t)()

	c := newMusigTestContext(t)
	swap := c.addReverseSwap(swapdb.StatusTransactionMempool)

	session := c.theirSession()

	sig, err := c.signer.SignReverseSwapClaim(
		context.Background(), swap.ID, testMusigPreimage,
		session.PublicNonce(), c.spendTx, 0,
	)
	require.NoError(t, err)

	// The hold invoice was settled before the signature was handed out.
	require.Equal(t, testMusigPreimage, <-c.lnd.SettleChannel)

	stored, err := c.store.FetchReverseSwap(
		context.Background(), swap.ID,
	)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusInvoiceSettled, stored.Status)

	c.finalize(session, sig)
}

// TestMusigClaimPreimageMismatch asserts that a wrong preimage is refused
// regardless of the swap status.
func TestMusigClaimPreimageMismatch(t *testing.T) {
	defer test.Guard(t)()

	c := newMusigTestContext(t)
	swap := c.addReverseSwap(swapdb.StatusTransactionMempool)

	wrongPreimage := lntypes.Preimage{5, 5, 5}

	session := c.theirSession()
	_, err := c.signer.SignReverseSwapClaim(
		context.Background(), swap.ID, wrongPreimage,
		session.PublicNonce(), c.spendTx, 0,
	)
	require.ErrorIs(t, err, ErrPreimageMismatch)
}

// TestMusigClaimNotEligible asserts that a reverse swap without a broadcast
// lockup cannot be claimed cooperatively.
func TestMusigClaimNotEligible(t *testing.T) {
	defer test.Guard(t)()

	c := newMusigTestContext(t)
	swap := c.addReverseSwap(swapdb.StatusSwapCreated)

	session := c.theirSession()
	_, err := c.signer.SignReverseSwapClaim(
		context.Background(), swap.ID, testMusigPreimage,
		session.PublicNonce(), c.spendTx, 0,
	)
	require.ErrorIs(t, err, ErrSwapNotEligible)
}

// TestMusigInvalidInputIndex asserts the fast failure on an out of range
// input index.
func TestMusigInvalidInputIndex(t *testing.T) {
	defer test.Guard(t)()

	c := newMusigTestContext(t)
	swap := c.addSwap(swapdb.StatusInvoiceFailedToPay)

	session := c.theirSession()
	_, err := c.signer.SignSwapRefund(
		context.Background(), swap.ID, session.PublicNonce(),
		c.spendTx, 5,
	)
	require.ErrorIs(t, err, ErrInvalidInputIndex)
}
