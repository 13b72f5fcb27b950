package main

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/signal"

	"github.com/boltzops/swapd"
	"github.com/boltzops/swapd/evm"
	"github.com/boltzops/swapd/lightning"
	"github.com/boltzops/swapd/swapdb"
	"github.com/boltzops/swapd/sweep"
)

const Subsystem = "SWPD"

var log btclog.Logger

// setupLoggers initializes all package-global logger variables.
func setupLoggers(root *build.SubLoggerManager, intercept signal.Interceptor) {
	genLogger := genSubLogger(root, intercept)

	log = build.NewSubLogger(Subsystem, genLogger)

	lnd.SetSubLogger(root, Subsystem, log)
	lnd.AddSubLogger(root, swapd.Subsystem, intercept, swapd.UseLogger)
	lnd.AddSubLogger(root, swapdb.Subsystem, intercept, swapdb.UseLogger)
	lnd.AddSubLogger(
		root, lightning.Subsystem, intercept, lightning.UseLogger,
		lndclient.UseLogger,
	)
	lnd.AddSubLogger(root, evm.Subsystem, intercept, evm.UseLogger)
	lnd.AddSubLogger(root, sweep.Subsystem, intercept, sweep.UseLogger)
}

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical error.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	// Create a shutdown function which will request shutdown from our
	// interceptor if it is listening.
	shutdown := func() {
		if !interceptor.Listening() {
			return
		}

		interceptor.RequestShutdown()
	}

	// Return a function which will create a sublogger from our root
	// logger without shutdown fn.
	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}
}
