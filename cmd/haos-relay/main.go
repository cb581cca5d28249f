// Command haos-relay bridges a haos process's in-process bus (C5) to
// NATS, letting a second haos node (or a non-Go worker speaking the
// same wire envelope) exchange bus messages across machines. It is a
// standalone optional bridge, not a dependency of cmd/haos: C5 stays
// in-process by contract, and the relay only serves deployments that
// choose to split workers across processes (ground:
// services/orchestrator/main.go's construction-then-serve shape,
// narrowed to a single bridge component).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/swarmguard/haos/internal/haos/bus"
	"github.com/swarmguard/haos/internal/haos/relay"
	"github.com/swarmguard/haos/internal/haos/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("haos-relay exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	logger := telemetry.InitLogging("haos-relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodeID := os.Getenv("HAOS_RELAY_NODE_ID")
	if nodeID == "" {
		return fmt.Errorf("HAOS_RELAY_NODE_ID must name this node's bus address")
	}
	natsURL := os.Getenv("HAOS_RELAY_NATS_URL")
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}

	nc, err := nats.Connect(natsURL, nats.Name("haos-relay-"+nodeID), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	b := bus.New(60 * time.Second)
	bridge := relay.New(b, nc, nodeID)

	sub, err := bridge.Start(ctx)
	if err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	defer sub.Stop()

	logger.Info("relay bridging started", "node_id", nodeID, "nats_url", natsURL)
	<-ctx.Done()
	logger.Info("relay shutting down")
	return nil
}
