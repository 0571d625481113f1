// Command session-trader is the entry point for the trading engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"session-trader/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
