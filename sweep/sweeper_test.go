package sweep

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"

	"github.com/boltzops/swapd/swapdb"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"
)

var testSweepPreimage = lntypes.Preimage{7, 7, 7}

type fixedKeys struct {
	key *btcec.PrivateKey
}

func (f *fixedKeys) DeriveKey(_ context.Context, _ int32) (
	*btcec.PrivateKey, error) {

	return f.key, nil
}

type sweeperTestContext struct {
	t *testing.T

	lockupTx  *wire.MsgTx
	lockupOut *wire.TxOut
	published *wire.MsgTx
	lastLabel string

	sweeper *Sweeper
}

// newSweeperTestContext builds a sweeper around a single lockup output
// paying the given pkScript.
func newSweeperTestContext(t *testing.T,
	pkScript []byte) *sweeperTestContext {

	c := &sweeperTestContext{t: t}

	c.lockupOut = &wire.TxOut{
		PkScript: pkScript,
		Value:    100_000,
	}
	c.lockupTx = wire.NewMsgTx(2)
	c.lockupTx.AddTxOut(c.lockupOut)

	destAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		bytes.Repeat([]byte{3}, 20), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	c.sweeper = New(Config{
		FetchTx: func(_ context.Context, txid *chainhash.Hash) (
			*wire.MsgTx, error) {

			require.Equal(t, c.lockupTx.TxHash(), *txid)
			return c.lockupTx, nil
		},
		EstimateFee: func(_ context.Context, _ int32) (
			chainfee.SatPerKWeight, error) {

			return chainfee.FeePerKwFloor, nil
		},
		NextAddr: func(_ context.Context) (btcutil.Address, error) {
			return destAddr, nil
		},
		Publish: func(_ context.Context, tx *wire.MsgTx,
			label string) error {

			c.published = tx
			c.lastLabel = label
			return nil
		},
	})

	return c
}

// htlcKeys returns a deterministic claim and refund key pair.
func htlcKeys() (*btcec.PrivateKey, *btcec.PrivateKey) {
	ourKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{10}, 32))
	theirKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{11}, 32))

	return ourKey, theirKey
}

// buildHtlcScript returns the script of a swap HTLC: claim with the
// preimage, refund through the timeout path.
func buildHtlcScript(t *testing.T, claimKey, refundKey *btcec.PublicKey,
	timeout int64) []byte {

	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(testSweepPreimage[:])).
		AddOp(txscript.OP_EQUAL).
		AddOp(txscript.OP_IF).
		AddData(claimKey.SerializeCompressed()).
		AddOp(txscript.OP_ELSE).
		AddInt64(timeout).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(refundKey.SerializeCompressed()).
		AddOp(txscript.OP_ENDIF).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(t, err)

	return script
}

// p2wshScript returns the P2WSH output script of the witness script.
func p2wshScript(t *testing.T, witnessScript []byte) []byte {

	scriptHash := sha256.Sum256(witnessScript)
	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash[:]).
		Script()
	require.NoError(t, err)

	return pkScript
}

// verifySpend executes the published sweep against the lockup output.
func (c *sweeperTestContext) verifySpend() {
	require.NotNil(c.t, c.published)

	fetcher := txscript.NewCannedPrevOutputFetcher(
		c.lockupOut.PkScript, c.lockupOut.Value,
	)
	vm, err := txscript.NewEngine(
		c.lockupOut.PkScript, c.published, 0,
		txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(c.published, fetcher),
		c.lockupOut.Value, fetcher,
	)
	require.NoError(c.t, err)
	require.NoError(c.t, vm.Execute())
}

// TestSweepClaimP2wsh sweeps a P2WSH submarine lockup with the preimage and
// runs the result through the script engine.
func TestSweepClaimP2wsh(t *testing.T) {
	ourKey, theirKey := htlcKeys()
	script := buildHtlcScript(t, ourKey.PubKey(), theirKey.PubKey(), 700)

	c := newSweeperTestContext(t, p2wshScript(t, script))
	c.sweeper.cfg.Keys = &fixedKeys{key: ourKey}

	swap := &swapdb.Swap{
		ID:                  "sweepswap",
		LockupTransactionID: c.lockupTx.TxHash().String(),
		LockupVout:          0,
		KeyIndex:            1,
		RedeemScript:        script,
		RefundPublicKey:     theirKey.PubKey().SerializeCompressed(),
	}

	txid, fee, err := c.sweeper.Claim(
		context.Background(), swap, testSweepPreimage,
	)
	require.NoError(t, err)
	require.Equal(t, c.published.TxHash().String(), txid)
	require.Contains(t, c.lastLabel, "sweepswap")

	// The input value minus the output value is the reported fee.
	require.Equal(
		t, c.lockupOut.Value-c.published.TxOut[0].Value, int64(fee),
	)

	c.verifySpend()
}

// TestSweepRefundP2wsh refunds an expired P2WSH reverse lockup through the
// timeout path.
func TestSweepRefundP2wsh(t *testing.T) {
	ourKey, theirKey := htlcKeys()

	// We hold the refund key, the user holds the claim key.
	script := buildHtlcScript(t, theirKey.PubKey(), ourKey.PubKey(), 700)

	c := newSweeperTestContext(t, p2wshScript(t, script))
	c.sweeper.cfg.Keys = &fixedKeys{key: ourKey}

	reverseSwap := &swapdb.ReverseSwap{
		ID:                 "sweeprev",
		TransactionID:      c.lockupTx.TxHash().String(),
		TransactionVout:    0,
		KeyIndex:           2,
		RedeemScript:       script,
		ClaimPublicKey:     theirKey.PubKey().SerializeCompressed(),
		TimeoutBlockHeight: 700,
	}

	txid, _, err := c.sweeper.Refund(context.Background(), reverseSwap)
	require.NoError(t, err)
	require.Equal(t, c.published.TxHash().String(), txid)

	// The refund only confirms once the timeout height passed.
	require.Equal(t, uint32(700), c.published.LockTime)
	require.Equal(t, uint32(sweepTxSequence), c.published.TxIn[0].Sequence)

	c.verifySpend()
}

// TestSweepClaimTaproot sweeps a P2TR lockup through the script path of its
// single-leaf tree.
func TestSweepClaimTaproot(t *testing.T) {
	ourKey, theirKey := htlcKeys()
	script := buildHtlcScript(t, ourKey.PubKey(), theirKey.PubKey(), 700)

	leaf := txscript.NewBaseTapLeaf(script)
	tree := txscript.AssembleTaprootScriptTree(leaf)
	root := tree.RootNode.TapHash()

	aggregate, _, _, err := musig2.AggregateKeys(
		[]*btcec.PublicKey{ourKey.PubKey(), theirKey.PubKey()}, true,
		musig2.WithTaprootKeyTweak(root[:]),
	)
	require.NoError(t, err)

	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(schnorr.SerializePubKey(aggregate.FinalKey)).
		Script()
	require.NoError(t, err)

	c := newSweeperTestContext(t, pkScript)
	c.sweeper.cfg.Keys = &fixedKeys{key: ourKey}

	swap := &swapdb.Swap{
		ID:                  "sweeptr",
		LockupTransactionID: c.lockupTx.TxHash().String(),
		LockupVout:          0,
		KeyIndex:            3,
		RedeemScript:        script,
		RefundPublicKey:     theirKey.PubKey().SerializeCompressed(),
	}

	_, _, err = c.sweeper.Claim(
		context.Background(), swap, testSweepPreimage,
	)
	require.NoError(t, err)

	// Script path spend: preimage, script and control block on the
	// witness stack below the signature.
	require.Len(t, c.published.TxIn[0].Witness, 4)

	c.verifySpend()
}

// TestSweepChainSwapLegs claims and refunds chain swap legs with the key
// material stored on the leg.
func TestSweepChainSwapLegs(t *testing.T) {
	ourKey, theirKey := htlcKeys()
	script := buildHtlcScript(t, ourKey.PubKey(), theirKey.PubKey(), 650)

	c := newSweeperTestContext(t, p2wshScript(t, script))
	c.sweeper.cfg.Keys = &fixedKeys{key: ourKey}

	chainSwap := &swapdb.ChainSwap{
		ID: "sweepchain",
		ReceivingData: swapdb.ChainSwapLeg{
			Symbol:          "BTC",
			TransactionID:   c.lockupTx.TxHash().String(),
			TransactionVout: 0,
			KeyIndex:        4,
			RedeemScript:    script,
			TheirPublicKey:  theirKey.PubKey().SerializeCompressed(),
		},
	}

	_, _, err := c.sweeper.ClaimChainSwap(
		context.Background(), chainSwap, testSweepPreimage,
	)
	require.NoError(t, err)
	require.Contains(t, c.lastLabel, "chain claim")
	c.verifySpend()

	// The refund of the sending leg uses the refund key and the timeout
	// path.
	refundScript := buildHtlcScript(
		t, theirKey.PubKey(), ourKey.PubKey(), 650,
	)
	c = newSweeperTestContext(t, p2wshScript(t, refundScript))
	c.sweeper.cfg.Keys = &fixedKeys{key: ourKey}

	chainSwap = &swapdb.ChainSwap{
		ID: "sweepchain",
		SendingData: swapdb.ChainSwapLeg{
			Symbol:             "BTC",
			TransactionID:      c.lockupTx.TxHash().String(),
			TransactionVout:    0,
			KeyIndex:           5,
			RedeemScript:       refundScript,
			TheirPublicKey:     theirKey.PubKey().SerializeCompressed(),
			TimeoutBlockHeight: 650,
		},
	}

	_, _, err = c.sweeper.RefundChainSwap(context.Background(), chainSwap)
	require.NoError(t, err)
	require.Equal(t, uint32(650), c.published.LockTime)
	c.verifySpend()
}

// TestSweepValueBelowFee rejects sweeping an output that cannot pay for
// itself.
func TestSweepValueBelowFee(t *testing.T) {
	ourKey, theirKey := htlcKeys()
	script := buildHtlcScript(t, ourKey.PubKey(), theirKey.PubKey(), 700)

	c := newSweeperTestContext(t, p2wshScript(t, script))
	c.sweeper.cfg.Keys = &fixedKeys{key: ourKey}
	c.lockupOut.Value = 100

	swap := &swapdb.Swap{
		ID:                  "sweepdust",
		LockupTransactionID: c.lockupTx.TxHash().String(),
		RedeemScript:        script,
		RefundPublicKey:     theirKey.PubKey().SerializeCompressed(),
	}

	_, _, err := c.sweeper.Claim(
		context.Background(), swap, testSweepPreimage,
	)
	require.ErrorContains(t, err, "does not cover")
	require.Nil(t, c.published)
}
