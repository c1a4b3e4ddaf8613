package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pdfctl/internal/cli"
	"pdfctl/internal/config"
	"pdfctl/internal/logging"
	"pdfctl/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pdfctl: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "pdfctl: invalid configuration: %v\n", err)
		return 1
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		log = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		log.Warn("file logging disabled", "error", err)
	}

	store, err := storage.Open(cfg.Paths.DatabaseDriver, cfg.Paths.DatabasePath)
	if err != nil {
		log.Warn("job history disabled", "path", cfg.Paths.DatabasePath, "error", err)
	} else {
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cfg, log, store).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
