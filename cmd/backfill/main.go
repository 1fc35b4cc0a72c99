// Command backfill assigns transaction ids to legacy sale lines once and
// prints the report. Exit status is 1 on a fatal error and 2 when some lines
// could not be updated; re-running resumes where the last run stopped.
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
	"localventas/backend/internal/migration"
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
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storeID := fs.String("store", "", "only backfill lines of this store")
	dryRun := fs.Bool("dry-run", false, "report what would change without writing")
	if err := fs.Parse(args); err != nil {
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
		fmt.Fprintf(stderr, "backfill: %v\n", err)
		return exitFatal
	}
	defer a.Close()

	ctx = service.WithActor(ctx, service.SystemActor)
	report, err := a.Service.BackfillTransactionIDs(ctx, migration.BackfillOptions{StoreFilter: *storeID, DryRun: *dryRun})
	if err != nil && !errors.Is(err, domain.ErrPartialMigration) {
		fmt.Fprintf(stderr, "backfill: %v\n", err)
		return exitFatal
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(report); encErr != nil {
		fmt.Fprintf(stderr, "backfill: write report: %v\n", encErr)
		return exitFatal
	}
	if err != nil {
		return exitPartial
	}
	return exitOK
}
