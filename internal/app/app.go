// Package app wires configuration into backends and engines for the
// server and the maintenance commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"localventas/backend/internal/blob"
	"localventas/backend/internal/config"
	"localventas/backend/internal/domain"
	"localventas/backend/internal/httpapi"
	"localventas/backend/internal/lock"
	"localventas/backend/internal/logging"
	"localventas/backend/internal/metrics"
	"localventas/backend/internal/migration"
	"localventas/backend/internal/reconcile"
	"localventas/backend/internal/report"
	"localventas/backend/internal/sale"
	"localventas/backend/internal/service"
	"localventas/backend/internal/store"
	"localventas/backend/internal/store/memory"
	mongostore "localventas/backend/internal/store/mongo"
	pgstore "localventas/backend/internal/store/postgres"
)

// App holds the long-lived components built from Config. Close releases
// every connection that was opened.
type App struct {
	Config  config.Config
	Logger  *logrus.Logger
	Repo    store.Repository
	Blobs   blob.Store
	Locker  lock.Locker
	Metrics *metrics.Metrics
	Engines service.Engines
	Service *service.Service

	// backend is what the sale engine inspects for transaction support.
	backend any
	closers []func() error
}

// Open connects the repository, lock backend and receipt storage. A
// configured backend that cannot be reached is an error; only unset
// settings fall back to in-process implementations.
func Open(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}
	log := logging.Module(logger, "app")

	if err := a.openRepository(ctx, log); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openLocker(ctx, log); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openBlobs(ctx, log); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildEngines(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openRepository(ctx context.Context, log *logrus.Entry) error {
	cfg := a.Config
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		a.Repo, a.backend = pg, pg
		log.Info("repository: postgres")
	case cfg.MongoURI != "":
		mg, err := mongostore.New(ctx, mongostore.Options{
			URI:          cfg.MongoURI,
			Database:     cfg.MongoDatabase,
			Transactions: cfg.MongoTransactions,
			Log:          logging.Module(a.Logger, "mongo"),
		})
		if err != nil {
			return fmt.Errorf("mongo unavailable and MONGO_URI is set: %w", err)
		}
		a.closers = append(a.closers, mg.Close)
		a.Repo, a.backend = mg, mg.Backend()
		log.WithField("transactions", cfg.MongoTransactions).Info("repository: mongo")
	default:
		mem, err := memory.NewSeeded(logging.Module(a.Logger, "store.memory"))
		if err != nil {
			return fmt.Errorf("seed memory store: %w", err)
		}
		a.Repo, a.backend = mem, mem
		log.Warn("repository: in-memory, data is lost on restart")
	}
	return nil
}

func (a *App) openLocker(ctx context.Context, log *logrus.Entry) error {
	if a.Config.RedisAddr == "" {
		a.Locker = lock.NewLocalLocker()
		log.Info("lock: local")
		return nil
	}
	redisLocker := lock.NewRedisLocker(a.Config.RedisAddr, a.Config.RedisPassword, a.Config.RedisDB)
	if err := redisLocker.Ping(ctx); err != nil {
		_ = redisLocker.Close()
		return fmt.Errorf("redis unavailable and REDIS_ADDR is set: %w", err)
	}
	a.closers = append(a.closers, redisLocker.Close)
	a.Locker = redisLocker
	log.Info("lock: redis")
	return nil
}

func (a *App) openBlobs(ctx context.Context, log *logrus.Entry) error {
	cfg := a.Config
	switch cfg.BlobProvider {
	case "minio":
		s, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.BlobPublicBaseURL,
		})
		if err != nil {
			return fmt.Errorf("minio: %w", err)
		}
		a.Blobs = s
	case "gcs":
		s, err := blob.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSCredentials)
		if err != nil {
			return fmt.Errorf("gcs: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.Blobs = s
	case "memory", "":
		a.Blobs = blob.NewMemoryStore(cfg.BlobPublicBaseURL)
	default:
		return fmt.Errorf("unknown BLOB_PROVIDER %q", cfg.BlobProvider)
	}
	log.WithField("provider", cfg.BlobProvider).Info("receipt storage ready")
	return nil
}

func (a *App) buildEngines() error {
	cfg := a.Config
	loc := cfg.Location()
	reconciler := reconcile.New(cfg.GroupingBucket, loc)

	saleCfg := sale.DefaultConfig()
	saleCfg.MaxAttempts = cfg.SaleMaxAttempts
	saleCfg.RetryBackoff = cfg.SaleRetryBackoff
	saleCfg.ReceiptMaxWidth = cfg.ReceiptMaxWidth
	mode, err := SaleMode(cfg.SaleAtomicity)
	if err != nil {
		return err
	}
	saleCfg.Mode = mode

	sales, err := sale.NewEngine(a.backend, a.Blobs, saleCfg, logging.Module(a.Logger, "sale"), sale.WithMetrics(a.Metrics))
	if err != nil {
		return fmt.Errorf("sale engine: %w", err)
	}

	a.Engines = service.Engines{
		Sales:    sales,
		Reports:  report.NewEngine(a.Repo, a.Repo, reconciler, loc, logging.Module(a.Logger, "report"), report.WithRecentLimit(cfg.RecentSalesLimit)),
		Backfill: migration.NewBackfiller(a.Repo, a.Repo, a.Locker, reconciler, logging.Module(a.Logger, "backfill"), migration.WithMetrics(a.Metrics)),
		Catalog:  migration.NewCatalogMigrator(a.Repo, a.Locker, logging.Module(a.Logger, "catalog")),
	}
	a.Service = service.New(a.Repo, a.Engines, cfg.StoreID, logging.Module(a.Logger, "service"))
	return nil
}

// SaleMode maps SALE_ATOMICITY to an engine mode. "auto" picks transactions
// and lets the engine fall back when the backend has none.
func SaleMode(raw string) (sale.Mode, error) {
	switch raw {
	case "", "auto", string(sale.ModeTransactional):
		return sale.ModeTransactional, nil
	case string(sale.ModePerProduct):
		return sale.ModePerProduct, nil
	default:
		return "", fmt.Errorf("unknown SALE_ATOMICITY %q", raw)
	}
}

// SeedAdmin creates the admin account on an empty persistent backend. It is
// a no-op when users exist or the backend cannot provision accounts.
func (a *App) SeedAdmin(ctx context.Context) error {
	provisioner, ok := a.Repo.(store.UserProvisioner)
	if !ok {
		return nil
	}
	if _, isMemory := a.Repo.(*memory.Store); isMemory {
		return nil
	}
	users, err := a.Repo.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	if len(users) > 0 {
		return nil
	}
	if len(a.Config.SeedAdminPassword) < 8 {
		return errors.New("no users found: set SEED_ADMIN_PASSWORD (8+ characters) to create the admin account")
	}
	hash, err := httpapi.HashPassword(a.Config.SeedAdminPassword)
	if err != nil {
		return err
	}
	return provisioner.UpsertUser(ctx, domain.UserAccount{
		Username:  "admin",
		Password:  hash,
		Role:      domain.RoleAdmin,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
}

func (a *App) Close() {
	log := logging.Module(a.Logger, "app")
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}
