// Package main provides the country-engine server and its admin commands.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

var (
	// Version is set by build flags
	Version = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := getRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
