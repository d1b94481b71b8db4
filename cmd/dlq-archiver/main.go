// Package main starts the dead-letter archiver and handles termination.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	archivercmd "github.com/nsridhar76/go-txnsaga/internal/cmd/archiver"
	"github.com/nsridhar76/go-txnsaga/internal/platform/config"
)

func main() {
	cfg, err := archivercmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := archivercmd.Run(ctx, cfg); err != nil {
		config.Exitf("dlq-archiver: %v", err)
	}
}
