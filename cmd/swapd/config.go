package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lncfg"

	"github.com/btcsuite/btcd/btcutil"
)

const (
	defaultConfigFilename = "swapd.conf"
	defaultDBFilename     = "swapd.db"
	defaultKeyFilename    = "swap.key"
)

var (
	swapdDirBase = btcutil.AppDataDir("swapd", false)

	defaultNetwork    = "mainnet"
	defaultLogLevel   = "info"
	defaultConfigFile = filepath.Join(
		swapdDirBase, defaultNetwork, defaultConfigFilename,
	)

	defaultMaxRoutingFeePpm = uint64(10000)
	defaultSweepConfTarget  = int32(2)
)

type lndConfig struct {
	Host        string `long:"host" description:"lnd instance rpc address"`
	MacaroonDir string `long:"macaroondir" description:"Path to the directory containing all the required lnd macaroons"`
	TLSPath     string `long:"tlspath" description:"Path to lnd tls certificate"`
}

type config struct {
	ShowVersion bool   `long:"version" description:"Display version information and exit"`
	Network     string `long:"network" description:"network to run on" choice:"regtest" choice:"testnet" choice:"mainnet" choice:"simnet" choice:"signet"`

	SwapdDir   string `long:"swapddir" description:"The directory for all of swapd's data."`
	ConfigFile string `long:"configfile" description:"Path to configuration file."`
	DataDir    string `long:"datadir" description:"Directory for the swap database."`
	KeyFile    string `long:"keyfile" description:"Path to the extended private key the swap keys are derived from."`

	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	MaxRoutingFeePpm uint64 `long:"maxroutingfeeppm" description:"Maximum off-chain routing fee of swap invoice payments, in parts per million of the payment amount"`
	SweepConfTarget  int32  `long:"sweepconftarget" description:"Confirmation target of claim and refund transactions"`

	Lnd *lndConfig `group:"lnd" namespace:"lnd"`
}

// defaultConfig returns all default values for the config struct.
func defaultConfig() config {
	return config{
		Network:          defaultNetwork,
		SwapdDir:         swapdDirBase,
		ConfigFile:       defaultConfigFile,
		DebugLevel:       defaultLogLevel,
		MaxRoutingFeePpm: defaultMaxRoutingFeePpm,
		SweepConfTarget:  defaultSweepConfTarget,
		Lnd: &lndConfig{
			Host: "localhost:10009",
		},
	}
}

// validateConfig cleans up paths of the config provided, fills the derived
// defaults and validates it.
func validateConfig(cfg *config) error {
	if _, err := chainParams(cfg.Network); err != nil {
		return err
	}

	cfg.SwapdDir = lncfg.CleanAndExpandPath(cfg.SwapdDir)
	cfg.DataDir = lncfg.CleanAndExpandPath(cfg.DataDir)
	cfg.KeyFile = lncfg.CleanAndExpandPath(cfg.KeyFile)

	// Data of different networks lives in separate directories.
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.SwapdDir, cfg.Network)
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = filepath.Join(cfg.DataDir, defaultKeyFilename)
	}

	return os.MkdirAll(cfg.DataDir, os.ModePerm)
}

// configPath returns the config file to parse: the explicitly set one, or
// the default location inside the swapd directory.
func configPath(cfg config) string {
	if cfg.ConfigFile != defaultConfigFile {
		return lncfg.CleanAndExpandPath(cfg.ConfigFile)
	}

	return filepath.Join(
		lncfg.CleanAndExpandPath(cfg.SwapdDir), cfg.Network,
		defaultConfigFilename,
	)
}

// chainParams maps the network name to its chain parameters.
func chainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil

	case "testnet":
		return &chaincfg.TestNet3Params, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil

	case "simnet":
		return &chaincfg.SimNetParams, nil

	case "signet":
		return &chaincfg.SigNetParams, nil

	default:
		return nil, fmt.Errorf("unknown network %v", network)
	}
}
