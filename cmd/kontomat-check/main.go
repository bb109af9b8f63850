// Command kontomat-check is the pre-flight diagnostic: it validates the
// configuration, probes the configured dependencies and verifies the audit
// chain. Exit codes: 0 ok, 2 bad configuration, 3 dependency unreachable,
// 4 audit chain integrity failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kontomat/backend/internal/audit"
	"github.com/kontomat/backend/internal/config"
	"github.com/kontomat/backend/internal/inference"
	"github.com/kontomat/backend/internal/store"
)

const (
	exitOK     = 0
	exitConfig = 2
	exitProbe  = 3
	exitAudit  = 4
)

func main() {
	configPath := flag.String("config", "kontomat.yaml", "path to the YAML configuration")
	timeout := flag.Duration("timeout", 10*time.Second, "probe timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(exitConfig, "config", err)
	}
	ok("config", *configPath)

	if err := probeInference(ctx, cfg); err != nil {
		fail(exitProbe, "inference endpoint", err)
	}
	ok("inference endpoint", cfg.Inference.Endpoint)

	if cfg.Storage.PostgresDSN == "" {
		fmt.Println("  - postgres          skipped (in-memory mode)")
		os.Exit(exitOK)
	}

	db, err := store.Open(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		fail(exitProbe, "postgres", err)
	}
	defer db.Close()
	ok("postgres", "reachable, schema current")

	chain, err := audit.New(ctx, store.NewAuditStore(db), nil)
	if err != nil {
		fail(exitAudit, "audit chain", err)
	}
	if err := chain.Verify(ctx, 0, 0); err != nil {
		fail(exitAudit, "audit chain", err)
	}
	ok("audit chain", "verified")

	os.Exit(exitOK)
}

func probeInference(ctx context.Context, cfg *config.Config) error {
	backend := inference.NewHTTPBackend(cfg.Inference.Endpoint, cfg.Inference.Model)
	return backend.Ping(ctx)
}

func ok(component, detail string) {
	fmt.Printf("  ✓ %-18s %s\n", component, detail)
}

func fail(code int, component string, err error) {
	fmt.Fprintf(os.Stderr, "  ✗ %-18s %v\n", component, err)
	os.Exit(code)
}
