package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/logging"
	"localventas/backend/internal/migration"
	"localventas/backend/internal/report"
	"localventas/backend/internal/sale"
	"localventas/backend/internal/store"
	"localventas/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// SystemActor is used by scheduled jobs.
var SystemActor = domain.Actor{Username: "system", Role: domain.RoleSystem}

type Engines struct {
	Sales    *sale.Engine
	Reports  *report.Engine
	Backfill *migration.Backfiller
	Catalog  *migration.CatalogMigrator
}

type Service struct {
	repo           store.Repository
	sales          *sale.Engine
	reports        *report.Engine
	backfill       *migration.Backfiller
	catalog        *migration.CatalogMigrator
	defaultStoreID string
	log            *logrus.Entry
}

func New(repo store.Repository, engines Engines, defaultStoreID string, log *logrus.Entry) *Service {
	if defaultStoreID == "" {
		defaultStoreID = "main-store"
	}
	if log == nil {
		log = logging.Module(nil, "service")
	}

	return &Service{
		repo:           repo,
		sales:          engines.Sales,
		reports:        engines.Reports,
		backfill:       engines.Backfill,
		catalog:        engines.Catalog,
		defaultStoreID: defaultStoreID,
		log:            log,
	}
}

func (s *Service) DefaultStoreID() string {
	return s.defaultStoreID
}

// RegisterSale records the sale on behalf of the actor in ctx. Cashiers may
// only sell in the stores they are assigned to.
func (s *Service) RegisterSale(ctx context.Context, req domain.RegisterSaleRequest) (domain.TransactionResult, error) {
	req.StoreID = strings.TrimSpace(req.StoreID)
	actor, err := s.authorizeStore(ctx, req.StoreID)
	if err != nil {
		return domain.TransactionResult{}, err
	}
	req.RecordedBy = actor.Username

	result, err := s.sales.RegisterSale(ctx, req)
	if err != nil {
		return domain.TransactionResult{}, err
	}
	if !result.Duplicate {
		s.logAudit(ctx, result.StoreID, "sale_register", "transaction", result.TransactionID,
			fmt.Sprintf("lines=%d,total=%s,payment=%s,attempts=%d", len(result.Lines), result.TotalAmount.StringFixed(2), result.PaymentMethod, result.Attempts))
	}
	return result, nil
}

func (s *Service) ListStores(ctx context.Context) ([]domain.Store, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, forbidden("authentication required")
	}
	stores, err := s.repo.ListStores(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]domain.Store, 0, len(stores))
	for _, st := range stores {
		if actor.CanAccessStore(st.ID) {
			visible = append(visible, st)
		}
	}
	return visible, nil
}

func (s *Service) GetInventory(ctx context.Context, storeID string) ([]domain.InventoryItem, error) {
	if _, err := s.authorizeStore(ctx, storeID); err != nil {
		return nil, err
	}
	return s.repo.ListInventory(ctx, storeID)
}

func (s *Service) UpdateInventoryItem(ctx context.Context, storeID string, productID string, req domain.InventoryUpdateRequest) (domain.InventoryItem, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.InventoryItem{}, err
	}
	storeID = strings.TrimSpace(storeID)
	productID = strings.TrimSpace(productID)
	if storeID == "" || productID == "" {
		return domain.InventoryItem{}, domain.Validationf("store_id and product_id are required")
	}
	if req.StockQuantity != nil && *req.StockQuantity < 0 {
		return domain.InventoryItem{}, domain.Validationf("stock_quantity must not be negative")
	}
	if req.UnitPrice != nil && req.UnitPrice.IsNegative() {
		return domain.InventoryItem{}, domain.Validationf("unit_price must not be negative")
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.InventoryItem{}, domain.Validationf("name must not be empty")
		}
		req.Name = &name
	}

	updated, err := s.repo.UpdateInventoryItem(ctx, storeID, productID, req)
	if err != nil {
		return domain.InventoryItem{}, err
	}

	s.logAudit(ctx, storeID, "inventory_update", "inventory_item", productID,
		fmt.Sprintf("price=%s,stock=%d,active=%t", updated.UnitPrice.StringFixed(2), updated.StockQuantity, updated.Active))
	return *updated, nil
}

func (s *Service) Dashboard(ctx context.Context, storeID string) (domain.Dashboard, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Dashboard{}, err
	}
	return s.reports.Dashboard(ctx, strings.TrimSpace(storeID))
}

type Export struct {
	Body        []byte
	ContentType string
	FileName    string
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *Service) DashboardExport(ctx context.Context, storeID string, format string) (Export, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "csv" && format != "xlsx" {
		return Export{}, domain.Validationf("unsupported export format %q", format)
	}
	dashboard, err := s.Dashboard(ctx, storeID)
	if err != nil {
		return Export{}, err
	}

	name := "dashboard"
	if dashboard.StoreID != "" {
		name += "-" + dashboard.StoreID
	}
	name += "-" + dashboard.GeneratedAt.Format("20060102")

	if format == "csv" {
		return Export{Body: []byte(report.DashboardCSV(dashboard)), ContentType: "text/csv; charset=utf-8", FileName: name + ".csv"}, nil
	}
	body, err := report.DashboardXLSX(dashboard)
	if err != nil {
		return Export{}, fmt.Errorf("build xlsx export: %w", err)
	}
	return Export{Body: body, ContentType: xlsxContentType, FileName: name + ".xlsx"}, nil
}

// DailySummary reports one calendar day (2006-01-02) in the reporting time
// zone; an empty date means today.
func (s *Service) DailySummary(ctx context.Context, storeID string, date string) (domain.DailySummary, error) {
	if _, err := s.authorizeStore(ctx, storeID); err != nil {
		return domain.DailySummary{}, err
	}
	if strings.TrimSpace(date) == "" {
		return s.reports.TodaySales(ctx, storeID)
	}
	day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(date), s.reports.Location())
	if err != nil {
		return domain.DailySummary{}, domain.Validationf("date must be YYYY-MM-DD")
	}
	return s.reports.DailySummary(ctx, storeID, day)
}

func (s *Service) SalesHistory(ctx context.Context, storeID string, limit int) ([]domain.Transaction, error) {
	if _, err := s.authorizeStore(ctx, storeID); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	return s.reports.SalesHistory(ctx, storeID, limit)
}

func (s *Service) BackfillTransactionIDs(ctx context.Context, opts migration.BackfillOptions) (domain.BackfillReport, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.BackfillReport{}, err
	}
	opts.StoreFilter = strings.TrimSpace(opts.StoreFilter)

	result, err := s.backfill.Run(ctx, opts)
	if err != nil && !errors.Is(err, domain.ErrPartialMigration) {
		return result, err
	}
	if !opts.DryRun {
		s.logAudit(ctx, opts.StoreFilter, "backfill_transaction_ids", "migration", migration.TransactionIDsLockKey,
			fmt.Sprintf("scanned=%d,updated=%d,transactions=%d,failures=%d", result.LinesScanned, result.LinesUpdated, result.TransactionsCreated, len(result.Failures)))
	}
	return result, err
}

func (s *Service) MigrateCatalog(ctx context.Context, storeID string, overwrite bool) (domain.CatalogMigrationReport, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CatalogMigrationReport{}, err
	}
	storeID = strings.TrimSpace(storeID)

	result, err := s.catalog.Run(ctx, storeID, overwrite)
	if err != nil && !errors.Is(err, domain.ErrPartialMigration) {
		return result, err
	}
	s.logAudit(ctx, storeID, "catalog_migrate", "migration", migration.CatalogLockKey,
		fmt.Sprintf("stores=%d,copied=%d,skipped=%d,overwrite=%t,failures=%d", result.StoresProcessed, result.ItemsCopied, result.ItemsSkipped, overwrite, len(result.Failures)))
	return result, err
}

// ListAuditLogs returns the entries of one day (2006-01-02, UTC); an empty
// date means the last 24 hours. An empty storeID lists every store.
func (s *Service) ListAuditLogs(ctx context.Context, storeID string, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", strings.TrimSpace(date))
		if err != nil {
			return nil, domain.Validationf("date must be YYYY-MM-DD")
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, strings.TrimSpace(storeID), from, to, limit)
}

func (s *Service) authorizeStore(ctx context.Context, storeID string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, forbidden("authentication required")
	}
	if strings.TrimSpace(storeID) == "" {
		return domain.Actor{}, domain.Validationf("store_id is required")
	}
	if !actor.CanAccessStore(storeID) {
		return domain.Actor{}, forbidden(fmt.Sprintf("user %s is not assigned to store %s", actor.Username, storeID))
	}
	return actor, nil
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleAdmin && actor.Role != domain.RoleSystem) {
		return forbidden("admin role required")
	}
	return nil
}

func forbidden(reason string) error {
	return fmt.Errorf("%w: %s", domain.ErrForbidden, reason)
}

func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = SystemActor
	}

	if err := s.repo.CreateAuditLog(context.WithoutCancel(ctx), domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       storeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.log.WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).WithError(err).Warn("failed to write audit log")
	}
}
