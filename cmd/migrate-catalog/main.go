// Command migrate-catalog copies the global product catalog into per-store
// inventories. With -check it only reports whether the store already has
// inventory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"localventas/backend/internal/app"
	"localventas/backend/internal/config"
	"localventas/backend/internal/domain"
	"localventas/backend/internal/logging"
	"localventas/backend/internal/service"
)

const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	os.Exit(run(ctx, cfg, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, cfg config.Config, args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("migrate-catalog", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storeID := fs.String("store", "", "target store (all stores when empty)")
	overwrite := fs.Bool("overwrite", false, "replace items the store already has")
	check := fs.Bool("check", false, "only report whether the store has inventory")
	if err := fs.Parse(args); err != nil {
		return exitFatal
	}
	if *check && *storeID == "" {
		fmt.Fprintln(stderr, "migrate-catalog: -check requires -store")
		return exitFatal
	}

	logger := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if cfg.LogFile == "" {
		logger.SetOutput(stderr)
	}

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "migrate-catalog: %v\n", err)
		return exitFatal
	}
	defer a.Close()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	if *check {
		has, err := a.Engines.Catalog.StoreHasInventory(ctx, *storeID)
		if err != nil {
			fmt.Fprintf(stderr, "migrate-catalog: %v\n", err)
			return exitFatal
		}
		if err := enc.Encode(map[string]any{"store_id": *storeID, "has_inventory": has}); err != nil {
			return exitFatal
		}
		return exitOK
	}

	ctx = service.WithActor(ctx, service.SystemActor)
	report, err := a.Service.MigrateCatalog(ctx, *storeID, *overwrite)
	if err != nil && !errors.Is(err, domain.ErrPartialMigration) {
		fmt.Fprintf(stderr, "migrate-catalog: %v\n", err)
		return exitFatal
	}
	if encErr := enc.Encode(report); encErr != nil {
		fmt.Fprintf(stderr, "migrate-catalog: write report: %v\n", encErr)
		return exitFatal
	}
	if err != nil {
		return exitPartial
	}
	return exitOK
}
