// chronicled is the audit-integrity consolidation daemon.
package main

import (
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/veraxon/chronicle/internal/config"
	"github.com/veraxon/chronicle/internal/engine"
	"github.com/veraxon/chronicle/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	dbPath := flag.String("db", "", "correlation database path (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	logJSON := flag.Bool("log-json", false, "JSON log output")
	dryRunPrune := flag.Bool("dry-run-prune", false, "log prune candidates without deleting")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("chronicled %s starting...", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("No config file found, using defaults")
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.JSON = true
	}
	if *dryRunPrune {
		cfg.Pruning.DryRun = true
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logging.Init(cfg.Logging.SlogLevel(), cfg.Logging.JSON)

	svc, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("Create engine: %v", err)
	}
	if err := svc.Start(); err != nil {
		log.Fatalf("Start engine: %v", err)
	}

	log.Printf("Ledger: %s", cfg.LedgerDir())
	log.Printf("Correlation store: %s", cfg.DatabasePath())
	log.Printf("Retention: raw=%s basic=%s", cfg.Retention.Raw, cfg.Retention.Basic)
	if cfg.Pruning.DryRun {
		log.Printf("Prune dry-run enabled: nothing will be deleted")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	if err := svc.Stop(); err != nil {
		log.Printf("Warning: shutdown: %v", err)
	}
	log.Println("Stopped")
}
