package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"localventas/backend/internal/config"
	"localventas/backend/internal/domain"
)

func memoryConfig() config.Config {
	return config.Config{
		StoreID:          "main-store",
		SaleMaxAttempts:  3,
		SaleAtomicity:    "auto",
		GroupingBucket:   time.Minute,
		Timezone:         "UTC",
		RecentSalesLimit: 5,
		BlobProvider:     "memory",
		LogLevel:         "error",
	}
}

func TestRunPrintsDryRunReport(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), memoryConfig(), []string{"-store", "main-store", "-dry-run"}, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", code, stderr.String())
	}

	var report domain.BackfillReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v (%s)", err, stdout.String())
	}
	if !report.DryRun || report.StoreFilter != "main-store" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), memoryConfig(), []string{"-everything"}, &stdout, &stderr); code != exitFatal {
		t.Fatalf("expected exit 1, got %d", code)
	}
}

func TestRunFailsOnBrokenBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.BlobProvider = "ftp"
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), cfg, nil, &stdout, &stderr); code != exitFatal {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if stdout.Len() != 0 {
		t.Fatalf("no report expected on fatal error, got %s", stdout.String())
	}
}
