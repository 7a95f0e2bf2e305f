package main

import (
	"context"
	"os"
	"os/signal"

	"go.alexhamlin.co/twill/internal/cli"
	"go.alexhamlin.co/twill/internal/log"
)

// version is set via ldflags at build time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cli.NewRootCommand(version).ExecuteContext(ctx); err != nil {
		log.Printf("twill: %v", err)
		os.Exit(1)
	}
}
