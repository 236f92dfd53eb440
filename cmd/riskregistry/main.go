// Command riskregistry serves an in-memory risk registry on the NATS scoring
// subject. It stands in for the external scoring service in development.
package main

import (
	"SwapGate/internal/ingestion"
	"SwapGate/internal/ledger"
	"SwapGate/internal/observability"
	"SwapGate/internal/risk"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	natsURL := envOrDefault("SWAPGATE_NATS_URL", "nats://localhost:4222")
	subject := envOrDefault("SWAPGATE_AML_SUBJECT", risk.DefaultSubject)

	registry := risk.NewRegistry()
	if err := seed(registry, os.Getenv("SWAPGATE_RISK_SEED")); err != nil {
		log.Fatalf("FATAL: seed registry: %v", err)
	}
	log.Printf("INFO: registry seeded with %d addresses", registry.Len())

	nc, _, err := ingestion.ConnectNATS(natsURL, observability.NewLogger("riskregistry"))
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Drain()

	if err := risk.NewResponder(registry).Start(nc, subject); err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("INFO: received signal %s, shutting down", sig)
}

// seed parses "address=Category/risk" entries separated by commas,
// e.g. "mallory.near=Test/9,eve.near=None/3".
func seed(registry *risk.Registry, spec string) error {
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		address, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return fmt.Errorf("entry %q: want address=Category/risk", entry)
		}
		category, riskStr, ok := strings.Cut(rest, "/")
		if !ok {
			return fmt.Errorf("entry %q: want address=Category/risk", entry)
		}
		n, err := strconv.ParseUint(riskStr, 10, 8)
		if err != nil {
			return fmt.Errorf("entry %q: risk: %w", entry, err)
		}
		if err := registry.CreateAddress(ledger.AccountID(address), risk.Category(category), uint8(n)); err != nil {
			return fmt.Errorf("entry %q: %w", entry, err)
		}
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
