package swapdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"go.etcd.io/bbolt"
)

var (
	// dbFileName is the default file name of the swap database.
	dbFileName = "swap.db"

	// swapBucketKey contains all submarine swaps, keyed by swap id.
	swapBucketKey = []byte("swaps")

	// reverseSwapBucketKey contains all reverse swaps, keyed by swap id.
	reverseSwapBucketKey = []byte("reverse-swaps")

	// channelCreationBucketKey contains all channel creations, keyed by
	// the owning swap id.
	channelCreationBucketKey = []byte("channel-creations")

	// chainSwapBucketKey contains all chain swaps, keyed by swap id.
	chainSwapBucketKey = []byte("chain-swaps")
)

// fundingKey builds the composite lookup key for a channel funding outpoint.
func fundingKey(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}

// boltStore is a Store backed by a bbolt database file.
type boltStore struct {
	db *bbolt.DB
}

// A compile time check to make sure boltStore implements Store.
var _ Store = (*boltStore)(nil)

// NewBoltStore opens, and creates if necessary, a bbolt database in the
// given directory.
func NewBoltStore(dbPath string) (Store, error) {
	if !fileExists(dbPath) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return nil, err
		}
	}

	path := filepath.Join(dbPath, dbFileName)
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{
			swapBucketKey, reverseSwapBucketKey,
			channelCreationBucketKey, chainSwapBucketKey,
		} {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Opened swap database at %v", path)

	return &boltStore{db: db}, nil
}

// fileExists reports whether the given path exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Close closes the underlying database.
func (s *boltStore) Close() error {
	return s.db.Close()
}

// putJSON serializes the value under the given key.
func putJSON(bucket *bbolt.Bucket, key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return bucket.Put(key, raw)
}

// getJSON deserializes the value under the given key. Returns
// ErrSwapNotFound when the key does not exist.
func getJSON(bucket *bbolt.Bucket, key []byte, value interface{}) error {
	raw := bucket.Get(key)
	if raw == nil {
		return ErrSwapNotFound
	}

	return json.Unmarshal(raw, value)
}

// updateSwap runs a read-modify-write cycle for one submarine swap inside a
// single database transaction. This gives every named mutation atomic
// compare-and-swap semantics against the persisted row.
func (s *boltStore) updateSwap(id string, modify func(*Swap) error) (*Swap,
	error) {

	var swap Swap
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(swapBucketKey)

		if err := getJSON(bucket, []byte(id), &swap); err != nil {
			return err
		}

		if err := modify(&swap); err != nil {
			return err
		}

		return putJSON(bucket, []byte(id), &swap)
	})
	if err != nil {
		return nil, err
	}

	return &swap, nil
}

// CreateSwap adds a new submarine swap.
func (s *boltStore) CreateSwap(_ context.Context, swap *Swap) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(swapBucketKey)
		if bucket.Get([]byte(swap.ID)) != nil {
			return fmt.Errorf("swap %v already exists", swap.ID)
		}

		return putJSON(bucket, []byte(swap.ID), swap)
	})
}

// FetchSwap returns the swap with the given id.
func (s *boltStore) FetchSwap(_ context.Context, id string) (*Swap, error) {
	var swap Swap
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(swapBucketKey), []byte(id), &swap)
	})
	if err != nil {
		return nil, err
	}

	return &swap, nil
}

// forEachSwap walks all submarine swaps.
func (s *boltStore) forEachSwap(visit func(*Swap)) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(swapBucketKey).ForEach(
			func(_, raw []byte) error {
				var swap Swap
				if err := json.Unmarshal(raw, &swap); err != nil {
					return err
				}

				visit(&swap)

				return nil
			},
		)
	})
}

// FetchSwapByPreimageHash returns the swap with the given preimage hash in
// one of the given statuses.
func (s *boltStore) FetchSwapByPreimageHash(_ context.Context,
	hash lntypes.Hash, statuses ...Status) (*Swap, error) {

	var found *Swap
	err := s.forEachSwap(func(swap *Swap) {
		if swap.PreimageHash != hash {
			return
		}

		if len(statuses) > 0 && !statusIn(swap.Status, statuses) {
			return
		}

		found = swap
	})
	if err != nil {
		return nil, err
	}

	if found == nil {
		return nil, ErrSwapNotFound
	}

	return found, nil
}

// FetchSwapsByStatus returns all swaps in one of the given statuses.
func (s *boltStore) FetchSwapsByStatus(_ context.Context,
	statuses ...Status) ([]*Swap, error) {

	var swaps []*Swap
	err := s.forEachSwap(func(swap *Swap) {
		if statusIn(swap.Status, statuses) {
			swaps = append(swaps, swap)
		}
	})
	if err != nil {
		return nil, err
	}

	return swaps, nil
}

// FetchExpirableSwaps returns all non-terminal swaps that timed out at the
// given height.
func (s *boltStore) FetchExpirableSwaps(_ context.Context, height uint32) (
	[]*Swap, error) {

	var swaps []*Swap
	err := s.forEachSwap(func(swap *Swap) {
		if swap.Status.IsSwapTerminal() {
			return
		}

		if swap.TimeoutBlockHeight <= height {
			swaps = append(swaps, swap)
		}
	})
	if err != nil {
		return nil, err
	}

	return swaps, nil
}

// SetSwapStatus records a status transition.
func (s *boltStore) SetSwapStatus(_ context.Context, id string, status Status,
	failureReason string) (*Swap, error) {

	return s.updateSwap(id, func(swap *Swap) error {
		swap.Status = status
		if failureReason != "" {
			swap.FailureReason = failureReason
		}

		return nil
	})
}

// SetLockupTransaction records the observed lockup transaction.
func (s *boltStore) SetLockupTransaction(_ context.Context, id string,
	txid string, vout uint32, onchainAmount btcutil.Amount,
	confirmed bool) (*Swap, error) {

	return s.updateSwap(id, func(swap *Swap) error {
		swap.LockupTransactionID = txid
		swap.LockupVout = vout

		// The on-chain amount reflects the first observed lockup and
		// is never overwritten by re-emitted events.
		if swap.OnchainAmount == 0 {
			swap.OnchainAmount = onchainAmount
		}

		if confirmed {
			swap.Status = StatusTransactionConfirmed
		} else {
			swap.Status = StatusTransactionMempool
		}

		return nil
	})
}

// SetRate persists the observed exchange rate.
func (s *boltStore) SetRate(_ context.Context, id string, rate float64) (
	*Swap, error) {

	return s.updateSwap(id, func(swap *Swap) error {
		swap.Rate = rate
		return nil
	})
}

// SetInvoicePaid records the routing fee of the paid invoice.
func (s *boltStore) SetInvoicePaid(_ context.Context, id string,
	routingFee lnwire.MilliSatoshi) (*Swap, error) {

	return s.updateSwap(id, func(swap *Swap) error {
		swap.RoutingFee = routingFee
		swap.Status = StatusInvoicePaid

		return nil
	})
}

// SetMinerFee records the claim fee and finalizes the swap.
func (s *boltStore) SetMinerFee(_ context.Context, id string,
	minerFee btcutil.Amount) (*Swap, error) {

	return s.updateSwap(id, func(swap *Swap) error {
		swap.MinerFee = minerFee
		swap.Status = StatusTransactionClaimed

		return nil
	})
}

// updateReverseSwap runs a read-modify-write cycle for one reverse swap.
func (s *boltStore) updateReverseSwap(id string,
	modify func(*ReverseSwap) error) (*ReverseSwap, error) {

	var swap ReverseSwap
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(reverseSwapBucketKey)

		if err := getJSON(bucket, []byte(id), &swap); err != nil {
			return err
		}

		if err := modify(&swap); err != nil {
			return err
		}

		return putJSON(bucket, []byte(id), &swap)
	})
	if err != nil {
		return nil, err
	}

	return &swap, nil
}

// CreateReverseSwap adds a new reverse swap.
func (s *boltStore) CreateReverseSwap(_ context.Context,
	swap *ReverseSwap) error {

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(reverseSwapBucketKey)
		if bucket.Get([]byte(swap.ID)) != nil {
			return fmt.Errorf("reverse swap %v already exists",
				swap.ID)
		}

		return putJSON(bucket, []byte(swap.ID), swap)
	})
}

// FetchReverseSwap returns the reverse swap with the given id.
func (s *boltStore) FetchReverseSwap(_ context.Context, id string) (
	*ReverseSwap, error) {

	var swap ReverseSwap
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(
			tx.Bucket(reverseSwapBucketKey), []byte(id), &swap,
		)
	})
	if err != nil {
		return nil, err
	}

	return &swap, nil
}

// forEachReverseSwap walks all reverse swaps.
func (s *boltStore) forEachReverseSwap(visit func(*ReverseSwap)) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(reverseSwapBucketKey).ForEach(
			func(_, raw []byte) error {
				var swap ReverseSwap
				if err := json.Unmarshal(raw, &swap); err != nil {
					return err
				}

				visit(&swap)

				return nil
			},
		)
	})
}

// FetchReverseSwapByPreimageHash returns the reverse swap with the given
// preimage hash whose status is not excluded.
func (s *boltStore) FetchReverseSwapByPreimageHash(_ context.Context,
	hash lntypes.Hash, exclude ...Status) (*ReverseSwap, error) {

	var found *ReverseSwap
	err := s.forEachReverseSwap(func(swap *ReverseSwap) {
		if swap.PreimageHash != hash {
			return
		}

		if statusIn(swap.Status, exclude) {
			return
		}

		found = swap
	})
	if err != nil {
		return nil, err
	}

	if found == nil {
		return nil, ErrSwapNotFound
	}

	return found, nil
}

// FetchReverseSwapByInvoice returns the reverse swap whose hold invoice or
// miner fee invoice matches.
func (s *boltStore) FetchReverseSwapByInvoice(_ context.Context,
	invoice string) (*ReverseSwap, error) {

	var found *ReverseSwap
	err := s.forEachReverseSwap(func(swap *ReverseSwap) {
		if swap.Invoice == invoice || (swap.MinerFeeInvoice != "" &&
			swap.MinerFeeInvoice == invoice) {

			found = swap
		}
	})
	if err != nil {
		return nil, err
	}

	if found == nil {
		return nil, ErrSwapNotFound
	}

	return found, nil
}

// FetchReverseSwapsByStatus returns all reverse swaps in one of the given
// statuses.
func (s *boltStore) FetchReverseSwapsByStatus(_ context.Context,
	statuses ...Status) ([]*ReverseSwap, error) {

	var swaps []*ReverseSwap
	err := s.forEachReverseSwap(func(swap *ReverseSwap) {
		if statusIn(swap.Status, statuses) {
			swaps = append(swaps, swap)
		}
	})
	if err != nil {
		return nil, err
	}

	return swaps, nil
}

// FetchExpirableReverseSwaps returns all non-terminal reverse swaps that
// timed out at the given height.
func (s *boltStore) FetchExpirableReverseSwaps(_ context.Context,
	height uint32) ([]*ReverseSwap, error) {

	var swaps []*ReverseSwap
	err := s.forEachReverseSwap(func(swap *ReverseSwap) {
		if swap.Status.IsReverseTerminal() {
			return
		}

		if swap.TimeoutBlockHeight <= height {
			swaps = append(swaps, swap)
		}
	})
	if err != nil {
		return nil, err
	}

	return swaps, nil
}

// SetReverseSwapStatus records a status transition.
func (s *boltStore) SetReverseSwapStatus(_ context.Context, id string,
	status Status, failureReason string) (*ReverseSwap, error) {

	return s.updateReverseSwap(id, func(swap *ReverseSwap) error {
		swap.Status = status
		if failureReason != "" {
			swap.FailureReason = failureReason
		}

		return nil
	})
}

// SetReverseSwapLockupTransaction records our broadcast lockup transaction.
func (s *boltStore) SetReverseSwapLockupTransaction(_ context.Context,
	id string, txid string, vout uint32, minerFee btcutil.Amount) (
	*ReverseSwap, error) {

	return s.updateReverseSwap(id, func(swap *ReverseSwap) error {
		swap.TransactionID = txid
		swap.TransactionVout = vout
		swap.MinerFee = minerFee
		swap.Status = StatusTransactionMempool

		return nil
	})
}

// SetTransactionRefunded adds the refund fee and finalizes the reverse swap.
func (s *boltStore) SetTransactionRefunded(_ context.Context, id string,
	refundFee btcutil.Amount, failureReason string) (*ReverseSwap,
	error) {

	return s.updateReverseSwap(id, func(swap *ReverseSwap) error {
		swap.MinerFee += refundFee
		swap.Status = StatusTransactionRefunded
		if failureReason != "" {
			swap.FailureReason = failureReason
		}

		return nil
	})
}

// SetInvoiceSettled writes the preimage and finalizes the reverse swap.
func (s *boltStore) SetInvoiceSettled(_ context.Context, id string,
	preimage lntypes.Preimage) (*ReverseSwap, error) {

	return s.updateReverseSwap(id, func(swap *ReverseSwap) error {
		if swap.Preimage != nil {
			return ErrPreimageAlreadySet
		}

		swap.Preimage = &preimage
		swap.Status = StatusInvoiceSettled

		return nil
	})
}

// updateChannelCreation runs a read-modify-write cycle for one channel
// creation.
func (s *boltStore) updateChannelCreation(swapID string,
	modify func(*ChannelCreation) error) (*ChannelCreation, error) {

	var creation ChannelCreation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(channelCreationBucketKey)

		err := getJSON(bucket, []byte(swapID), &creation)
		if err != nil {
			return err
		}

		if err := modify(&creation); err != nil {
			return err
		}

		return putJSON(bucket, []byte(swapID), &creation)
	})
	if err != nil {
		return nil, err
	}

	return &creation, nil
}

// CreateChannelCreation adds a channel creation for a swap.
func (s *boltStore) CreateChannelCreation(_ context.Context,
	creation *ChannelCreation) error {

	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(
			tx.Bucket(channelCreationBucketKey),
			[]byte(creation.SwapID), creation,
		)
	})
}

// FetchChannelCreation returns the channel creation owned by the given swap.
func (s *boltStore) FetchChannelCreation(_ context.Context, swapID string) (
	*ChannelCreation, error) {

	var creation ChannelCreation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(
			tx.Bucket(channelCreationBucketKey), []byte(swapID),
			&creation,
		)
	})
	if err != nil {
		return nil, err
	}

	return &creation, nil
}

// forEachChannelCreation walks all channel creations.
func (s *boltStore) forEachChannelCreation(
	visit func(*ChannelCreation)) error {

	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(channelCreationBucketKey).ForEach(
			func(_, raw []byte) error {
				var creation ChannelCreation
				err := json.Unmarshal(raw, &creation)
				if err != nil {
					return err
				}

				visit(&creation)

				return nil
			},
		)
	})
}

// FetchChannelCreations returns all channel creations in the given status.
func (s *boltStore) FetchChannelCreations(_ context.Context,
	status ChannelStatus) ([]*ChannelCreation, error) {

	var creations []*ChannelCreation
	err := s.forEachChannelCreation(func(creation *ChannelCreation) {
		if creation.Status == status {
			creations = append(creations, creation)
		}
	})
	if err != nil {
		return nil, err
	}

	return creations, nil
}

// FetchChannelCreationByFunding returns the channel creation with the given
// funding outpoint in the given status.
func (s *boltStore) FetchChannelCreationByFunding(_ context.Context,
	fundingTxid string, fundingVout uint32, status ChannelStatus) (
	*ChannelCreation, error) {

	key := fundingKey(fundingTxid, fundingVout)

	var found *ChannelCreation
	err := s.forEachChannelCreation(func(creation *ChannelCreation) {
		if creation.Status != status {
			return
		}

		creationKey := fundingKey(
			creation.FundingTransactionID,
			creation.FundingTransactionVout,
		)
		if creationKey == key {
			found = creation
		}
	})
	if err != nil {
		return nil, err
	}

	if found == nil {
		return nil, ErrSwapNotFound
	}

	return found, nil
}

// SetAttempted marks an open attempt as started.
func (s *boltStore) SetAttempted(_ context.Context, swapID string) (
	*ChannelCreation, error) {

	return s.updateChannelCreation(swapID,
		func(creation *ChannelCreation) error {
			creation.Status = ChannelAttempted
			return nil
		},
	)
}

// SetFundingTransaction records the published funding transaction.
func (s *boltStore) SetFundingTransaction(_ context.Context, swapID string,
	fundingTxid string, fundingVout uint32) (*ChannelCreation, error) {

	return s.updateChannelCreation(swapID,
		func(creation *ChannelCreation) error {
			creation.FundingTransactionID = fundingTxid
			creation.FundingTransactionVout = fundingVout
			creation.Status = ChannelCreated

			return nil
		},
	)
}

// SetSettled marks the channel creation as settled.
func (s *boltStore) SetSettled(_ context.Context, swapID string) (
	*ChannelCreation, error) {

	return s.updateChannelCreation(swapID,
		func(creation *ChannelCreation) error {
			creation.Status = ChannelSettled
			return nil
		},
	)
}

// SetAbandoned marks the channel creation as abandoned.
func (s *boltStore) SetAbandoned(_ context.Context, swapID string) (
	*ChannelCreation, error) {

	return s.updateChannelCreation(swapID,
		func(creation *ChannelCreation) error {
			creation.Status = ChannelAbandoned
			return nil
		},
	)
}

// CreateChainSwap adds a new chain swap.
func (s *boltStore) CreateChainSwap(_ context.Context, swap *ChainSwap) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(chainSwapBucketKey)
		if bucket.Get([]byte(swap.ID)) != nil {
			return fmt.Errorf("chain swap %v already exists",
				swap.ID)
		}

		return putJSON(bucket, []byte(swap.ID), swap)
	})
}

// FetchChainSwap returns the chain swap with the given id.
func (s *boltStore) FetchChainSwap(_ context.Context, id string) (*ChainSwap,
	error) {

	var swap ChainSwap
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(
			tx.Bucket(chainSwapBucketKey), []byte(id), &swap,
		)
	})
	if err != nil {
		return nil, err
	}

	return &swap, nil
}

// forEachChainSwap walks all chain swaps.
func (s *boltStore) forEachChainSwap(visit func(*ChainSwap)) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(chainSwapBucketKey).ForEach(
			func(_, raw []byte) error {
				var swap ChainSwap
				if err := json.Unmarshal(raw, &swap); err != nil {
					return err
				}

				visit(&swap)

				return nil
			},
		)
	})
}

// FetchChainSwapByPreimageHash returns the chain swap with the given
// preimage hash whose status is not excluded.
func (s *boltStore) FetchChainSwapByPreimageHash(_ context.Context,
	hash lntypes.Hash, exclude ...Status) (*ChainSwap, error) {

	var found *ChainSwap
	err := s.forEachChainSwap(func(swap *ChainSwap) {
		if swap.PreimageHash != hash {
			return
		}

		if statusIn(swap.Status, exclude) {
			return
		}

		found = swap
	})
	if err != nil {
		return nil, err
	}

	if found == nil {
		return nil, ErrSwapNotFound
	}

	return found, nil
}

// FetchExpirableChainSwaps returns all non-terminal chain swaps sending on
// one of the given symbols that timed out at the given height.
func (s *boltStore) FetchExpirableChainSwaps(_ context.Context,
	symbols []string, height uint32) ([]*ChainSwap, error) {

	symbolSet := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		symbolSet[symbol] = struct{}{}
	}

	var swaps []*ChainSwap
	err := s.forEachChainSwap(func(swap *ChainSwap) {
		switch swap.Status {
		case StatusSwapExpired, StatusTransactionRefunded,
			StatusTransactionClaimed:

			return
		}

		if _, ok := symbolSet[swap.SendingData.Symbol]; !ok {
			return
		}

		if swap.SendingData.TimeoutBlockHeight <= height {
			swaps = append(swaps, swap)
		}
	})
	if err != nil {
		return nil, err
	}

	return swaps, nil
}

// SetChainSwapStatus records a status transition.
func (s *boltStore) SetChainSwapStatus(_ context.Context, id string,
	status Status, failureReason string) (*ChainSwap, error) {

	var swap ChainSwap
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(chainSwapBucketKey)

		if err := getJSON(bucket, []byte(id), &swap); err != nil {
			return err
		}

		swap.Status = status
		if failureReason != "" {
			swap.FailureReason = failureReason
		}

		return putJSON(bucket, []byte(id), &swap)
	})
	if err != nil {
		return nil, err
	}

	return &swap, nil
}

// statusIn reports whether the status is in the given set.
func statusIn(status Status, set []Status) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}

	return false
}
