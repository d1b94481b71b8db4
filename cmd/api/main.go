// Package main starts the transaction ingress API and handles termination.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	apicmd "github.com/nsridhar76/go-txnsaga/internal/cmd/api"
	"github.com/nsridhar76/go-txnsaga/internal/platform/config"
)

func main() {
	cfg, err := apicmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := apicmd.Run(ctx, cfg); err != nil {
		config.Exitf("api: %v", err)
	}
}
