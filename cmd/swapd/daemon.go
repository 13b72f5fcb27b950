package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"
	"github.com/lightningnetwork/lnd/signal"

	"github.com/boltzops/swapd"
	"github.com/boltzops/swapd/lightning"
	"github.com/boltzops/swapd/swapdb"
	"github.com/boltzops/swapd/sweep"
)

// daemon connects all backends and runs the swap service until the signal
// interceptor requests shutdown.
func daemon(cfg *config, interceptor signal.Interceptor) error {
	params, err := chainParams(cfg.Network)
	if err != nil {
		return err
	}

	// Dial lnd. This blocks until lnd is synced to chain, cancelled by
	// the interceptor if the user aborts the wait.
	syncCtx, cancelSync := context.WithCancel(context.Background())
	defer cancelSync()

	go func() {
		select {
		case <-interceptor.ShutdownChannel():
			cancelSync()
		case <-syncCtx.Done():
		}
	}()

	lnd, err := lndclient.NewLndServices(&lndclient.LndServicesConfig{
		LndAddress:            cfg.Lnd.Host,
		Network:               lndclient.Network(cfg.Network),
		MacaroonDir:           cfg.Lnd.MacaroonDir,
		TLSPath:               cfg.Lnd.TLSPath,
		BlockUntilChainSynced: true,
		CallerCtx:             syncCtx,
	})
	if err != nil {
		return fmt.Errorf("connect to lnd: %w", err)
	}
	defer lnd.Close()

	log.Infof("Connected to lnd node %v", lnd.NodePubkey)

	store, err := swapdb.NewBoltStore(
		filepath.Join(cfg.DataDir, defaultDBFilename),
	)
	if err != nil {
		return fmt.Errorf("open swap database: %w", err)
	}
	defer store.Close()

	keys, err := loadKeys(cfg.KeyFile)
	if err != nil {
		return err
	}

	backend := swapd.NewLndBackend(&lnd.LndServices, params)

	sweeper := sweep.New(sweep.Config{
		Keys:        keys,
		FetchTx:     backend.GetRawTransaction,
		EstimateFee: lnd.WalletKit.EstimateFeeRate,
		NextAddr: func(ctx context.Context) (btcutil.Address, error) {
			return lnd.WalletKit.NextAddr(
				ctx, "",
				walletrpc.AddressType_WITNESS_PUBKEY_HASH,
				false,
			)
		},
		Publish:    lnd.WalletKit.PublishTransaction,
		ConfTarget: cfg.SweepConfTarget,
	})

	btc := &swapd.Currency{
		Symbol:  "BTC",
		Type:    swapd.CurrencyUtxo,
		Params:  params,
		Chain:   backend,
		Wallet:  backend,
		Sweeper: sweeper,
		Lnd:     lightning.NewLndClient(&lnd.LndServices),
	}

	service := swapd.NewService(swapd.ServiceConfig{
		Store:            store,
		Currencies:       []*swapd.Currency{btc},
		Keys:             keys,
		MaxRoutingFeePpm: cfg.MaxRoutingFeePpm,
		SweepFeeTarget:   cfg.SweepConfTarget,
	})

	updates, cancelUpdates := service.Subscribe()
	defer cancelUpdates()
	go logUpdates(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-interceptor.ShutdownChannel()
		log.Infof("Received shutdown signal, stopping swap service")
		cancel()
	}()

	log.Infof("Swap daemon active on %v", cfg.Network)

	err = service.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Infof("Swap daemon shut down")

	return nil
}

// loadKeys reads the extended private key backing our swap key derivation.
func loadKeys(keyFile string) (*swapd.HDKeyDeriver, error) {
	keyBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file %v: %w", keyFile, err)
	}

	keys, err := swapd.NewHDKeyDeriver(
		strings.TrimSpace(string(keyBytes)),
	)
	if err != nil {
		return nil, fmt.Errorf("parse swap key: %w", err)
	}

	return keys, nil
}

// logUpdates mirrors every swap status transition into the daemon log.
func logUpdates(updates <-chan swapd.SwapUpdate) {
	for update := range updates {
		if update.FailureReason != "" {
			log.Warnf("%v swap %v is now %v: %v", update.Kind,
				update.ID, update.Status,
				update.FailureReason)

			continue
		}

		log.Infof("%v swap %v is now %v", update.Kind, update.ID,
			update.Status)
	}
}
