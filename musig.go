package swapd

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/boltzops/swapd/lightning"
	"github.com/boltzops/swapd/swapdb"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
)

// KeyDeriver derives the raw swap keys of the service wallet.
type KeyDeriver interface {
	// DeriveKey returns the private key at the given derivation index.
	DeriveKey(ctx context.Context, index int32) (*btcec.PrivateKey, error)
}

// PartialSignature is our half of a cooperative MuSig2 signature, together
// with the public nonce the counterparty needs to finalize it.
type PartialSignature struct {
	// PubNonce is our public nonce.
	PubNonce [musig2.PubNonceSize]byte

	// Signature is the serialized partial signature.
	Signature []byte
}

// MusigConfig holds the dependencies of the MusigSigner.
type MusigConfig struct {
	// Swaps is the submarine swap store.
	Swaps swapdb.SwapStore

	// ReverseSwaps is the reverse swap store.
	ReverseSwaps swapdb.ReverseSwapStore

	// GetCurrency resolves a symbol to its configured currency.
	GetCurrency func(symbol string) (*Currency, error)

	// Keys derives our swap keys.
	Keys KeyDeriver

	// Nursery settles the hold invoice when we cooperate on a reverse
	// swap claim.
	Nursery *SwapNursery

	// PreferredNode is tried first when a currency has multiple nodes.
	PreferredNode lightning.NodeType
}

// MusigSigner is the service side of the cooperative Taproot key path. It
// signs refunds of failed submarine swaps and claims of reverse swaps, so
// users do not have to take the more expensive script path.
type MusigSigner struct {
	cfg MusigConfig

	mtx            sync.Mutex
	allowedRefunds map[string]struct{}
}

// NewMusigSigner creates a cooperative signer.
func NewMusigSigner(cfg MusigConfig) *MusigSigner {
	return &MusigSigner{
		cfg:            cfg,
		allowedRefunds: make(map[string]struct{}),
	}
}

// AllowRefund whitelists a swap for cooperative refund regardless of its
// eligibility. The allowance is consumed by the next successful signature.
func (s *MusigSigner) AllowRefund(swapID string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.allowedRefunds[swapID] = struct{}{}
}

func (s *MusigSigner) refundAllowed(swapID string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	_, ok := s.allowedRefunds[swapID]
	return ok
}

func (s *MusigSigner) consumeRefundAllowance(swapID string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.allowedRefunds, swapID)
}

// SignSwapRefund creates our partial signature for the refund of a failed
// submarine swap. The swap must have failed and its invoice payment must
// not be in flight on any of our nodes; an operator allowance overrides
// both checks.
func (s *MusigSigner) SignSwapRefund(ctx context.Context, swapID string,
	theirNonce [musig2.PubNonceSize]byte, refundTx *wire.MsgTx,
	inputIndex int) (*PartialSignature, error) {

	swap, err := s.cfg.Swaps.FetchSwap(ctx, swapID)
	if err != nil {
		return nil, err
	}

	allowed := s.refundAllowed(swapID)
	if !allowed {
		if !swap.Status.IsFailed() {
			return nil, ErrSwapNotEligible
		}

		if err := s.checkPendingPayment(ctx, swap); err != nil {
			return nil, err
		}
	}

	theirKey, err := btcec.ParsePubKey(swap.RefundPublicKey)
	if err != nil {
		return nil, fmt.Errorf("refund key of swap %v: %w", swap.ID,
			err)
	}

	prevOut, err := s.lockupOutput(
		ctx, swap.Pair, swap.OrderSide, false,
		swap.LockupTransactionID, swap.LockupVout,
	)
	if err != nil {
		return nil, err
	}

	sig, err := s.createPartialSignature(
		ctx, swap.KeyIndex, theirKey, swap.RedeemScript, theirNonce,
		refundTx, inputIndex, prevOut,
	)
	if err != nil {
		return nil, err
	}

	if allowed {
		s.consumeRefundAllowance(swapID)
	}

	log.Infof("Signed cooperative refund of swap %v", swap.ID)

	return sig, nil
}

// SignReverseSwapClaim creates our partial signature for the claim of a
// reverse swap. The preimage must match the swap hash; since cooperating
// hands out the money anyway, the hold invoice is settled before the
// signature is returned.
func (s *MusigSigner) SignReverseSwapClaim(ctx context.Context, swapID string,
	preimage lntypes.Preimage, theirNonce [musig2.PubNonceSize]byte,
	claimTx *wire.MsgTx, inputIndex int) (*PartialSignature, error) {

	swap, err := s.cfg.ReverseSwaps.FetchReverseSwap(ctx, swapID)
	if err != nil {
		return nil, err
	}

	if preimage.Hash() != swap.PreimageHash {
		return nil, ErrPreimageMismatch
	}

	switch swap.Status {
	case swapdb.StatusTransactionMempool,
		swapdb.StatusTransactionConfirmed,
		swapdb.StatusInvoiceSettled:

	default:
		return nil, ErrSwapNotEligible
	}

	// A crash after returning the signature must not leave the invoice
	// unsettled, so settle before signing.
	s.cfg.Nursery.settleReverseSwap(ctx, swap, preimage)

	theirKey, err := btcec.ParsePubKey(swap.ClaimPublicKey)
	if err != nil {
		return nil, fmt.Errorf("claim key of reverse swap %v: %w",
			swap.ID, err)
	}

	prevOut, err := s.lockupOutput(
		ctx, swap.Pair, swap.OrderSide, true, swap.TransactionID,
		swap.TransactionVout,
	)
	if err != nil {
		return nil, err
	}

	sig, err := s.createPartialSignature(
		ctx, swap.KeyIndex, theirKey, swap.RedeemScript, theirNonce,
		claimTx, inputIndex, prevOut,
	)
	if err != nil {
		return nil, err
	}

	log.Infof("Signed cooperative claim of reverse swap %v", swap.ID)

	return sig, nil
}

// checkPendingPayment fails when the invoice payment of the swap may still
// settle on one of our nodes. A node that cannot answer counts as pending,
// refunding while the payment could complete would pay the user twice.
func (s *MusigSigner) checkPendingPayment(ctx context.Context,
	swap *swapdb.Swap) error {

	symbol, err := swapdb.LightningSymbol(swap.Pair, swap.OrderSide, false)
	if err != nil {
		return err
	}

	currency, err := s.cfg.GetCurrency(symbol)
	if err != nil {
		return err
	}

	clients, err := currency.LightningClients(s.cfg.PreferredNode)
	if err != nil {
		return err
	}

	for _, client := range clients {
		pending, err := client.PendingPayment(ctx, swap.PreimageHash)
		if err != nil {
			log.Warnf("Cannot check payment of swap %v: %v",
				swap.ID, err)
			return ErrPaymentPending
		}

		if pending {
			return ErrPaymentPending
		}
	}

	return nil
}

// lockupOutput fetches the lockup output a cooperative spend is signed
// against.
func (s *MusigSigner) lockupOutput(ctx context.Context, pair string,
	side swapdb.OrderSide, isReverse bool, txid string, vout uint32) (
	*wire.TxOut, error) {

	if txid == "" {
		return nil, ErrSwapNotEligible
	}

	symbol, err := swapdb.ChainSymbol(pair, side, isReverse)
	if err != nil {
		return nil, err
	}

	currency, err := s.cfg.GetCurrency(symbol)
	if err != nil {
		return nil, err
	}

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, err
	}

	lockupTx, err := currency.Chain.GetRawTransaction(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("lockup transaction %v: %w", txid, err)
	}

	if vout >= uint32(len(lockupTx.TxOut)) {
		return nil, fmt.Errorf("lockup transaction %v has no "+
			"output %v", txid, vout)
	}

	return lockupTx.TxOut[vout], nil
}

// createPartialSignature runs our side of the two-party signing session:
// aggregate both keys with the script tree tweak, combine the nonces and
// sign the taproot sighash of the given input.
func (s *MusigSigner) createPartialSignature(ctx context.Context,
	keyIndex int32, theirKey *btcec.PublicKey, redeemScript []byte,
	theirNonce [musig2.PubNonceSize]byte, spendTx *wire.MsgTx,
	inputIndex int, prevOut *wire.TxOut) (*PartialSignature, error) {

	if inputIndex < 0 || inputIndex >= len(spendTx.TxIn) {
		return nil, ErrInvalidInputIndex
	}

	ourKey, err := s.cfg.Keys.DeriveKey(ctx, keyIndex)
	if err != nil {
		return nil, err
	}

	scriptRoot := txscript.NewBaseTapLeaf(redeemScript).TapHash()

	muCtx, err := musig2.NewContext(
		ourKey, true,
		musig2.WithKnownSigners([]*btcec.PublicKey{
			ourKey.PubKey(), theirKey,
		}),
		musig2.WithTaprootTweakCtx(scriptRoot[:]),
	)
	if err != nil {
		return nil, err
	}

	session, err := muCtx.NewSession()
	if err != nil {
		return nil, err
	}

	if _, err := session.RegisterPubNonce(theirNonce); err != nil {
		return nil, err
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(
		prevOut.PkScript, prevOut.Value,
	)
	sigHash, err := txscript.CalcTaprootSignatureHash(
		txscript.NewTxSigHashes(spendTx, fetcher),
		txscript.SigHashDefault, spendTx, inputIndex, fetcher,
	)
	if err != nil {
		return nil, err
	}

	var msg [32]byte
	copy(msg[:], sigHash)

	partialSig, err := session.Sign(msg)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := partialSig.Encode(&buf); err != nil {
		return nil, err
	}

	return &PartialSignature{
		PubNonce:  session.PublicNonce(),
		Signature: buf.Bytes(),
	}, nil
}
