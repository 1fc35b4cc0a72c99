package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("SEED_ADMIN_PASSWORD", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.SeedAdminPassword != "" {
		t.Fatalf("expected empty SEED_ADMIN_PASSWORD when unset, got %q", cfg.SeedAdminPassword)
	}
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("SALE_MAX_ATTEMPTS", "zero")
	t.Setenv("SALE_RETRY_BACKOFF_MS", "-5")
	t.Setenv("GROUPING_BUCKET_SECONDS", "0")
	t.Setenv("MONGO_TRANSACTIONS", "maybe")

	cfg := Load()
	if cfg.SaleMaxAttempts != 3 {
		t.Fatalf("expected default attempts 3, got %d", cfg.SaleMaxAttempts)
	}
	if cfg.SaleRetryBackoff != 50*time.Millisecond {
		t.Fatalf("expected default backoff 50ms, got %s", cfg.SaleRetryBackoff)
	}
	if cfg.GroupingBucket != time.Minute {
		t.Fatalf("expected default bucket 1m, got %s", cfg.GroupingBucket)
	}
	if !cfg.MongoTransactions {
		t.Fatalf("expected mongo transactions on by default")
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("SALE_ATOMICITY", "Per-Product")
	t.Setenv("GROUPING_BUCKET_SECONDS", "300")
	t.Setenv("BLOB_PROVIDER", "MINIO")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg := Load()
	if cfg.SaleAtomicity != "per-product" {
		t.Fatalf("unexpected atomicity %q", cfg.SaleAtomicity)
	}
	if cfg.GroupingBucket != 5*time.Minute {
		t.Fatalf("unexpected bucket %s", cfg.GroupingBucket)
	}
	if cfg.BlobProvider != "minio" || !cfg.MinioUseSSL {
		t.Fatalf("unexpected blob settings %q %v", cfg.BlobProvider, cfg.MinioUseSSL)
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := Config{Timezone: "Nowhere/Invalid"}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC fallback")
	}
	cfg.Timezone = "America/Santiago"
	if loc := cfg.Location(); loc.String() != "America/Santiago" {
		t.Fatalf("expected America/Santiago, got %s", loc)
	}
}
