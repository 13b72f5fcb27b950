// Package sweep builds, signs and broadcasts the transactions that spend
// swap HTLC outputs: preimage claims of submarine and chain swap lockups and
// timeout refunds of our own reverse and chain swap lockups.
package sweep

import (
	"context"
	"fmt"

	"github.com/boltzops/swapd/swapdb"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// defaultConfTarget is the confirmation target used for fee
	// estimates when the config does not set one.
	defaultConfTarget = 2

	// sweepTxSequence enables both replacement and absolute lock times
	// on the swept input.
	sweepTxSequence = wire.MaxTxInSequenceNum - 2

	// sigEstimateSize is the worst case size of an ECDSA signature
	// witness element including the sighash flag byte.
	sigEstimateSize = 73

	// schnorrSigSize is the size of a BIP340 signature without a sighash
	// byte.
	schnorrSigSize = 64

	// preimageSize is the size of a swap preimage witness element.
	preimageSize = 32
)

// KeySource derives the private keys the swaps were negotiated with.
type KeySource interface {
	// DeriveKey returns the key at the given derivation index.
	DeriveKey(ctx context.Context, index int32) (*btcec.PrivateKey, error)
}

// Config contains the dependencies of the sweeper.
type Config struct {
	// Keys derives our swap keys.
	Keys KeySource

	// FetchTx fetches the lockup transaction that is being spent.
	FetchTx func(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx,
		error)

	// EstimateFee returns the fee rate for the configured target.
	EstimateFee func(ctx context.Context, confTarget int32) (
		chainfee.SatPerKWeight, error)

	// NextAddr returns a fresh wallet address to sweep to.
	NextAddr func(ctx context.Context) (btcutil.Address, error)

	// Publish broadcasts the signed sweep transaction.
	Publish func(ctx context.Context, tx *wire.MsgTx, label string) error

	// ConfTarget is the confirmation target of the fee estimate.
	ConfTarget int32
}

// Sweeper spends swap HTLC outputs back into our wallet. Lockups are either
// P2WSH outputs spent with a script witness or P2TR outputs spent through
// the script path of their single-leaf tree.
type Sweeper struct {
	cfg Config
}

// New creates a new sweeper.
func New(cfg Config) *Sweeper {
	if cfg.ConfTarget == 0 {
		cfg.ConfTarget = defaultConfTarget
	}

	return &Sweeper{cfg: cfg}
}

// sweepDesc describes one HTLC output spend.
type sweepDesc struct {
	// txid and vout locate the lockup output.
	txid string
	vout uint32

	// keyIndex derives the key our witness signs with.
	keyIndex int32

	// theirKey is the counterparty public key of the script tree,
	// compressed. Required for P2TR lockups.
	theirKey []byte

	// redeemScript is the HTLC script, a P2WSH witness script or the
	// single tapscript leaf.
	redeemScript []byte

	// preimage selects the claim path. Nil sweeps through the timeout
	// path instead.
	preimage *lntypes.Preimage

	// lockTime is the absolute lock time of a timeout sweep.
	lockTime uint32

	// label tags the broadcast transaction in the wallet.
	label string
}

// Claim spends the lockup output of a paid submarine swap with the preimage.
func (s *Sweeper) Claim(ctx context.Context, swap *swapdb.Swap,
	preimage lntypes.Preimage) (string, btcutil.Amount, error) {

	return s.sweep(ctx, &sweepDesc{
		txid:         swap.LockupTransactionID,
		vout:         swap.LockupVout,
		keyIndex:     swap.KeyIndex,
		theirKey:     swap.RefundPublicKey,
		redeemScript: swap.RedeemScript,
		preimage:     &preimage,
		label:        fmt.Sprintf("swapd claim %v", swap.ID),
	})
}

// Refund spends our expired reverse swap lockup back to the wallet through
// the timeout path.
func (s *Sweeper) Refund(ctx context.Context,
	reverseSwap *swapdb.ReverseSwap) (string, btcutil.Amount, error) {

	return s.sweep(ctx, &sweepDesc{
		txid:         reverseSwap.TransactionID,
		vout:         reverseSwap.TransactionVout,
		keyIndex:     reverseSwap.KeyIndex,
		theirKey:     reverseSwap.ClaimPublicKey,
		redeemScript: reverseSwap.RedeemScript,
		lockTime:     reverseSwap.TimeoutBlockHeight,
		label:        fmt.Sprintf("swapd refund %v", reverseSwap.ID),
	})
}

// ClaimChainSwap claims the receiving leg of a chain swap with the preimage.
func (s *Sweeper) ClaimChainSwap(ctx context.Context,
	chainSwap *swapdb.ChainSwap, preimage lntypes.Preimage) (string,
	btcutil.Amount, error) {

	leg := chainSwap.ReceivingData

	return s.sweep(ctx, &sweepDesc{
		txid:         leg.TransactionID,
		vout:         leg.TransactionVout,
		keyIndex:     leg.KeyIndex,
		theirKey:     leg.TheirPublicKey,
		redeemScript: leg.RedeemScript,
		preimage:     &preimage,
		label:        fmt.Sprintf("swapd chain claim %v", chainSwap.ID),
	})
}

// RefundChainSwap refunds the expired sending leg of a chain swap.
func (s *Sweeper) RefundChainSwap(ctx context.Context,
	chainSwap *swapdb.ChainSwap) (string, btcutil.Amount, error) {

	leg := chainSwap.SendingData

	return s.sweep(ctx, &sweepDesc{
		txid:         leg.TransactionID,
		vout:         leg.TransactionVout,
		keyIndex:     leg.KeyIndex,
		theirKey:     leg.TheirPublicKey,
		redeemScript: leg.RedeemScript,
		lockTime:     leg.TimeoutBlockHeight,
		label:        fmt.Sprintf("swapd chain refund %v", chainSwap.ID),
	})
}

// sweep builds, signs and broadcasts a single-input spend of the described
// lockup output. It returns the sweep txid and the miner fee paid.
func (s *Sweeper) sweep(ctx context.Context, desc *sweepDesc) (string,
	btcutil.Amount, error) {

	if desc.txid == "" {
		return "", 0, fmt.Errorf("no lockup transaction to sweep")
	}

	lockupHash, err := chainhash.NewHashFromStr(desc.txid)
	if err != nil {
		return "", 0, err
	}

	lockupTx, err := s.cfg.FetchTx(ctx, lockupHash)
	if err != nil {
		return "", 0, fmt.Errorf("fetch lockup tx: %w", err)
	}
	if desc.vout >= uint32(len(lockupTx.TxOut)) {
		return "", 0, fmt.Errorf("lockup output %v out of range",
			desc.vout)
	}
	lockupOut := lockupTx.TxOut[desc.vout]

	destAddr, err := s.cfg.NextAddr(ctx)
	if err != nil {
		return "", 0, err
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return "", 0, err
	}

	taproot := txscript.IsPayToTaproot(lockupOut.PkScript)

	fee, err := s.sweepFee(ctx, desc, destAddr, taproot)
	if err != nil {
		return "", 0, err
	}
	if fee >= btcutil.Amount(lockupOut.Value) {
		return "", 0, fmt.Errorf("lockup value %v does not cover "+
			"sweep fee %v", btcutil.Amount(lockupOut.Value), fee)
	}

	sweepTx := wire.NewMsgTx(2)
	sweepTx.LockTime = desc.lockTime
	sweepTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  *lockupHash,
			Index: desc.vout,
		},
		Sequence: sweepTxSequence,
	})
	sweepTx.AddTxOut(&wire.TxOut{
		PkScript: destScript,
		Value:    lockupOut.Value - int64(fee),
	})

	if taproot {
		err = s.signTaproot(ctx, desc, sweepTx, lockupOut)
	} else {
		err = s.signSegwit(ctx, desc, sweepTx, lockupOut)
	}
	if err != nil {
		return "", 0, err
	}

	if err := s.cfg.Publish(ctx, sweepTx, desc.label); err != nil {
		return "", 0, fmt.Errorf("publish sweep: %w", err)
	}

	log.Infof("Swept lockup %v:%v with tx %v, fee %v", desc.txid,
		desc.vout, sweepTx.TxHash(), fee)

	return sweepTx.TxHash().String(), fee, nil
}

// signSegwit signs a P2WSH lockup spend. The witness selects the claim path
// with the preimage and the timeout path with an empty push.
func (s *Sweeper) signSegwit(ctx context.Context, desc *sweepDesc,
	sweepTx *wire.MsgTx, lockupOut *wire.TxOut) error {

	key, err := s.cfg.Keys.DeriveKey(ctx, desc.keyIndex)
	if err != nil {
		return err
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(
		lockupOut.PkScript, lockupOut.Value,
	)
	sigHashes := txscript.NewTxSigHashes(sweepTx, fetcher)

	sig, err := txscript.RawTxInWitnessSignature(
		sweepTx, sigHashes, 0, lockupOut.Value, desc.redeemScript,
		txscript.SigHashAll, key,
	)
	if err != nil {
		return err
	}

	sweepTx.TxIn[0].Witness = wire.TxWitness{
		sig, pathSelector(desc.preimage), desc.redeemScript,
	}

	return nil
}

// signTaproot signs a P2TR lockup spend through the script path of the
// single-leaf tree. The internal key is the sorted MuSig2 aggregate of our
// key and the counterparty key, matching the cooperative key path.
func (s *Sweeper) signTaproot(ctx context.Context, desc *sweepDesc,
	sweepTx *wire.MsgTx, lockupOut *wire.TxOut) error {

	key, err := s.cfg.Keys.DeriveKey(ctx, desc.keyIndex)
	if err != nil {
		return err
	}

	theirKey, err := btcec.ParsePubKey(desc.theirKey)
	if err != nil {
		return fmt.Errorf("counterparty key: %w", err)
	}

	leaf := txscript.NewBaseTapLeaf(desc.redeemScript)
	tree := txscript.AssembleTaprootScriptTree(leaf)
	root := tree.RootNode.TapHash()

	aggregate, _, _, err := musig2.AggregateKeys(
		[]*btcec.PublicKey{key.PubKey(), theirKey}, true,
		musig2.WithTaprootKeyTweak(root[:]),
	)
	if err != nil {
		return err
	}

	controlBlock := tree.LeafMerkleProofs[0].ToControlBlock(
		aggregate.PreTweakedKey,
	)
	controlBytes, err := controlBlock.ToBytes()
	if err != nil {
		return err
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(
		lockupOut.PkScript, lockupOut.Value,
	)
	sigHashes := txscript.NewTxSigHashes(sweepTx, fetcher)

	sigHash, err := txscript.CalcTapscriptSignaturehash(
		sigHashes, txscript.SigHashDefault, sweepTx, 0, fetcher, leaf,
	)
	if err != nil {
		return err
	}

	sig, err := schnorr.Sign(key, sigHash)
	if err != nil {
		return err
	}

	sweepTx.TxIn[0].Witness = wire.TxWitness{
		sig.Serialize(), pathSelector(desc.preimage),
		desc.redeemScript, controlBytes,
	}

	return nil
}

// pathSelector is the witness element below the signature: the preimage on
// the claim path, an empty push on the timeout path.
func pathSelector(preimage *lntypes.Preimage) []byte {
	if preimage != nil {
		return preimage[:]
	}

	return []byte{}
}

// sweepFee estimates the miner fee of the sweep at the configured
// confirmation target.
func (s *Sweeper) sweepFee(ctx context.Context, desc *sweepDesc,
	destAddr btcutil.Address, taproot bool) (btcutil.Amount, error) {

	feeRate, err := s.cfg.EstimateFee(ctx, s.cfg.ConfTarget)
	if err != nil {
		return 0, fmt.Errorf("estimate fee: %w", err)
	}

	var estimator input.TxWeightEstimator
	estimator.AddWitnessInput(lntypes.WeightUnit(witnessSize(desc, taproot)))

	switch destAddr.(type) {
	case *btcutil.AddressTaproot:
		estimator.AddP2TROutput()
	case *btcutil.AddressWitnessScriptHash:
		estimator.AddP2WSHOutput()
	case *btcutil.AddressWitnessPubKeyHash:
		estimator.AddP2WKHOutput()
	case *btcutil.AddressScriptHash:
		estimator.AddP2SHOutput()
	case *btcutil.AddressPubKeyHash:
		estimator.AddP2PKHOutput()
	default:
		return 0, fmt.Errorf("unknown address type %T", destAddr)
	}

	return feeRate.FeeForWeight(estimator.Weight()), nil
}

// witnessSize is the worst case serialized witness size of the sweep input:
// one byte element count, then every element with a one byte size prefix.
func witnessSize(desc *sweepDesc, taproot bool) int {
	size := 1 +
		1 + sigEstimateSize +
		1 + preimageSize +
		1 + len(desc.redeemScript)

	if taproot {
		// A BIP340 signature is smaller than an ECDSA one, but the
		// control block of the single-leaf tree is revealed: one
		// version byte plus the 32 byte internal key.
		size += -sigEstimateSize + schnorrSigSize + 1 + 33
	}

	return size
}
