// Package main starts the saga orchestrator and handles termination.
//
// The orchestrator consumes TransactionInitiated commands and appends the
// saga outcome events keyed by transaction id.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	orchestratorcmd "github.com/nsridhar76/go-txnsaga/internal/cmd/orchestrator"
	"github.com/nsridhar76/go-txnsaga/internal/platform/config"
)

func main() {
	cfg, err := orchestratorcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orchestratorcmd.Run(ctx, cfg); err != nil {
		config.Exitf("orchestrator: %v", err)
	}
}
