// Package main starts the websocket event gateway and handles termination.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	gatewaycmd "github.com/nsridhar76/go-txnsaga/internal/cmd/gateway"
	"github.com/nsridhar76/go-txnsaga/internal/platform/config"
)

func main() {
	cfg, err := gatewaycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gatewaycmd.Run(ctx, cfg); err != nil {
		config.Exitf("gateway: %v", err)
	}
}
