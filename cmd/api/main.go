// Command api serves the orders HTTP API. Every order change is committed
// together with its outbox event.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/LerianStudio/outbox-relay/internal/bootstrap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := bootstrap.InitAPI(ctx)
	if err != nil {
		return err
	}

	return service.Run(ctx)
}
