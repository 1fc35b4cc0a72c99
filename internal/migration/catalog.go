package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/lock"
	"localventas/backend/internal/logging"
	"localventas/backend/internal/store"
)

const unnamedProduct = "Producto sin nombre"

type CatalogSource interface {
	store.CatalogReader
	store.StoreDirectory
	store.InventoryStore
}

// CatalogMigrator copies the global product catalog into per-store
// inventories.
type CatalogMigrator struct {
	repo    CatalogSource
	locker  lock.Locker
	lockTTL time.Duration
	log     *logrus.Entry
	now     func() time.Time
}

func NewCatalogMigrator(repo CatalogSource, locker lock.Locker, log *logrus.Entry, opts ...Option) *CatalogMigrator {
	o := buildOptions(opts)
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if log == nil {
		log = logging.Module(nil, "migration")
	}
	return &CatalogMigrator{repo: repo, locker: locker, lockTTL: o.lockTTL, log: log, now: o.now}
}

// Run migrates into storeID, or into every store when storeID is empty.
// Items already present are kept unless overwrite is set.
func (m *CatalogMigrator) Run(ctx context.Context, storeID string, overwrite bool) (domain.CatalogMigrationReport, error) {
	var report domain.CatalogMigrationReport

	lease, err := m.locker.Obtain(ctx, CatalogLockKey, m.lockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return report, domain.ErrMigrationInProgress
	}
	if err != nil {
		return report, fmt.Errorf("obtain catalog lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logging.LogError(m.log, "CatalogMigrator.Run", err, logrus.Fields{"lock": CatalogLockKey})
		}
	}()

	products, err := m.repo.ListCatalogProducts(ctx)
	if err != nil {
		return report, fmt.Errorf("load catalog: %w", err)
	}

	var targets []domain.Store
	if storeID != "" {
		st, err := m.repo.GetStore(ctx, storeID)
		if err != nil {
			return report, fmt.Errorf("load store %s: %w", storeID, err)
		}
		targets = []domain.Store{*st}
	} else {
		targets, err = m.repo.ListStores(ctx)
		if err != nil {
			return report, fmt.Errorf("load stores: %w", err)
		}
	}

	for _, st := range targets {
		copied, skipped, failures := m.migrateStore(ctx, st.ID, products, overwrite)
		report.StoresProcessed++
		report.ItemsCopied += copied
		report.ItemsSkipped += skipped
		report.Failures = append(report.Failures, failures...)

		m.log.WithFields(logrus.Fields{
			"store_id": st.ID,
			"copied":   copied,
			"skipped":  skipped,
			"failures": len(failures),
		}).Info("catalog migrated into store")
	}

	if len(report.Failures) > 0 {
		return report, fmt.Errorf("%w: %d catalog items not copied", domain.ErrPartialMigration, len(report.Failures))
	}
	return report, nil
}

func (m *CatalogMigrator) migrateStore(ctx context.Context, storeID string, products []domain.CatalogProduct, overwrite bool) (int, int, []domain.LineFailure) {
	var failures []domain.LineFailure

	existing, err := m.repo.ListInventory(ctx, storeID)
	if err != nil {
		logging.LogError(m.log, "CatalogMigrator.migrateStore", err, logrus.Fields{"store_id": storeID})
		for _, p := range products {
			failures = append(failures, domain.LineFailure{LineID: storeID + "/" + p.ID, Error: err.Error()})
		}
		return 0, 0, failures
	}
	present := make(map[string]bool, len(existing))
	for _, item := range existing {
		present[item.ProductID] = true
	}

	migratedAt := m.now()
	items := make([]domain.InventoryItem, 0, len(products))
	skipped := 0
	for _, p := range products {
		if strings.TrimSpace(p.ID) == "" {
			failures = append(failures, domain.LineFailure{LineID: storeID + "/", Error: "catalog product without id"})
			continue
		}
		if present[p.ID] && !overwrite {
			skipped++
			continue
		}
		items = append(items, catalogItem(storeID, p, migratedAt))
	}
	if len(items) == 0 {
		return 0, skipped, failures
	}

	if err := m.repo.UpsertInventoryItems(ctx, storeID, items); err != nil {
		logging.LogError(m.log, "CatalogMigrator.migrateStore", err, logrus.Fields{"store_id": storeID, "items": len(items)})
		for _, item := range items {
			failures = append(failures, domain.LineFailure{LineID: storeID + "/" + item.ProductID, Error: err.Error()})
		}
		return 0, skipped, failures
	}
	return len(items), skipped, failures
}

func catalogItem(storeID string, p domain.CatalogProduct, migratedAt time.Time) domain.InventoryItem {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = unnamedProduct
	}
	stock := p.StockQuantity
	if stock < 0 {
		stock = 0
	}
	at := migratedAt
	return domain.InventoryItem{
		StoreID:                   storeID,
		ProductID:                 p.ID,
		Name:                      name,
		UnitPrice:                 p.UnitPrice,
		StockQuantity:             stock,
		Description:               p.Description,
		Active:                    true,
		MigratedFromGlobalCatalog: true,
		SourceProductID:           p.ID,
		MigratedAt:                &at,
	}
}

func (m *CatalogMigrator) StoreHasInventory(ctx context.Context, storeID string) (bool, error) {
	items, err := m.repo.ListInventory(ctx, storeID)
	if err != nil {
		return false, err
	}
	return len(items) > 0, nil
}
