package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/lock"
	"localventas/backend/internal/logging"
	"localventas/backend/internal/migration"
	"localventas/backend/internal/reconcile"
	"localventas/backend/internal/report"
	"localventas/backend/internal/sale"
	"localventas/backend/internal/store/memory"
)

var (
	adminActor   = domain.Actor{Username: "admin", Role: domain.RoleAdmin}
	cashierActor = domain.Actor{Username: "cajera", Role: domain.RoleCashier, StoreIDs: []string{"s1"}}
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.New()
	repo.AddStore(domain.Store{ID: "s1", Name: "Local Uno", Active: true})
	repo.AddStore(domain.Store{ID: "s2", Name: "Local Dos", Active: true})
	repo.SeedCatalog([]domain.CatalogProduct{{ID: "P9", Name: "Cafe", UnitPrice: decimal.NewFromInt(40), StockQuantity: 3}})
	for _, storeID := range []string{"s1", "s2"} {
		err := repo.UpsertInventoryItems(context.Background(), storeID, []domain.InventoryItem{
			{ProductID: "P1", Name: "Pan", UnitPrice: decimal.NewFromInt(10), StockQuantity: 5, Active: true},
		})
		if err != nil {
			t.Fatalf("seed inventory: %v", err)
		}
	}

	log := logging.Module(logging.Discard(), "test")
	sales, err := sale.NewEngine(repo, nil, sale.DefaultConfig(), log)
	if err != nil {
		t.Fatalf("sale engine: %v", err)
	}
	reconciler := reconcile.New(reconcile.DefaultBucket, time.UTC)
	locker := lock.NewLocalLocker()
	svc := New(repo, Engines{
		Sales:    sales,
		Reports:  report.NewEngine(repo, repo, reconciler, time.UTC, log),
		Backfill: migration.NewBackfiller(repo, repo, locker, reconciler, log),
		Catalog:  migration.NewCatalogMigrator(repo, locker, log),
	}, "s1", log)
	return svc, repo
}

func cashSale(storeID string, qty int) domain.RegisterSaleRequest {
	return domain.RegisterSaleRequest{
		StoreID:       storeID,
		PaymentMethod: domain.PaymentCash,
		CartItems:     []domain.CartItem{{ProductID: "P1", Quantity: qty}},
	}
}

func TestRegisterSaleStampsActorAndAudits(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := WithActor(context.Background(), cashierActor)

	res, err := svc.RegisterSale(ctx, cashSale("s1", 2))
	if err != nil {
		t.Fatalf("register sale: %v", err)
	}
	if len(res.Lines) != 1 || res.Lines[0].RecordedBy != "cajera" {
		t.Fatalf("expected line recorded by cajera, got %+v", res.Lines)
	}

	logs, err := repo.ListAuditLogs(context.Background(), "s1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "sale_register" || logs[0].EntityID != res.TransactionID || logs[0].ActorUsername != "cajera" {
		t.Fatalf("unexpected audit logs %+v", logs)
	}
}

func TestRegisterSaleRejectsUnassignedStore(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := WithActor(context.Background(), cashierActor)

	_, err := svc.RegisterSale(ctx, cashSale("s2", 1))
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	item, _ := repo.GetInventoryItem(context.Background(), "s2", "P1")
	if item.StockQuantity != 5 {
		t.Fatalf("rejected sale must not touch stock, got %d", item.StockQuantity)
	}

	if _, err := svc.RegisterSale(context.Background(), cashSale("s1", 1)); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden without actor, got %v", err)
	}
	if _, err := svc.RegisterSale(WithActor(context.Background(), adminActor), cashSale("s2", 1)); err != nil {
		t.Fatalf("admin may sell in any store: %v", err)
	}
}

func TestDuplicateSaleIsNotAuditedTwice(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := WithActor(context.Background(), cashierActor)
	req := cashSale("s1", 1)
	req.TransactionID = "client-tx-1"

	if _, err := svc.RegisterSale(ctx, req); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	res, err := svc.RegisterSale(ctx, req)
	if err != nil || !res.Duplicate {
		t.Fatalf("expected duplicate replay, got %+v %v", res, err)
	}
	logs, _ := repo.ListAuditLogs(context.Background(), "s1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	if len(logs) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(logs))
	}
}

func TestListStoresFiltersByAssignment(t *testing.T) {
	svc, _ := newTestService(t)

	stores, err := svc.ListStores(WithActor(context.Background(), cashierActor))
	if err != nil {
		t.Fatalf("list stores: %v", err)
	}
	if len(stores) != 1 || stores[0].ID != "s1" {
		t.Fatalf("cashier should only see s1, got %+v", stores)
	}
	stores, _ = svc.ListStores(WithActor(context.Background(), adminActor))
	if len(stores) != 2 {
		t.Fatalf("admin should see both stores, got %d", len(stores))
	}
}

func TestUpdateInventoryItemRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	stock := 12
	price := decimal.NewFromInt(15)
	req := domain.InventoryUpdateRequest{StockQuantity: &stock, UnitPrice: &price}

	if _, err := svc.UpdateInventoryItem(WithActor(context.Background(), cashierActor), "s1", "P1", req); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for cashier, got %v", err)
	}

	item, err := svc.UpdateInventoryItem(WithActor(context.Background(), adminActor), "s1", "P1", req)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if item.StockQuantity != 12 || !item.UnitPrice.Equal(price) {
		t.Fatalf("unexpected item %+v", item)
	}

	negative := -1
	_, err = svc.UpdateInventoryItem(WithActor(context.Background(), adminActor), "s1", "P1", domain.InventoryUpdateRequest{StockQuantity: &negative})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDailySummaryParsesDate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := WithActor(context.Background(), cashierActor)
	if _, err := svc.RegisterSale(ctx, cashSale("s1", 3)); err != nil {
		t.Fatalf("register sale: %v", err)
	}

	today, err := svc.DailySummary(ctx, "s1", "")
	if err != nil {
		t.Fatalf("daily summary: %v", err)
	}
	if today.Summary.TransactionCount != 1 || !today.Summary.TotalRevenue.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected summary %+v", today.Summary)
	}

	past, err := svc.DailySummary(ctx, "s1", "2020-01-01")
	if err != nil || past.Summary.TransactionCount != 0 || past.Date != "2020-01-01" {
		t.Fatalf("unexpected past summary %+v %v", past, err)
	}
	if _, err := svc.DailySummary(ctx, "s1", "01/02/2020"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.DailySummary(ctx, "s2", ""); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestDashboardExportFormats(t *testing.T) {
	svc, _ := newTestService(t)
	admin := WithActor(context.Background(), adminActor)
	if _, err := svc.RegisterSale(admin, cashSale("s1", 1)); err != nil {
		t.Fatalf("register sale: %v", err)
	}

	csv, err := svc.DashboardExport(admin, "", "csv")
	if err != nil {
		t.Fatalf("csv export: %v", err)
	}
	if !strings.HasSuffix(csv.FileName, ".csv") || !strings.HasPrefix(csv.ContentType, "text/csv") || len(csv.Body) == 0 {
		t.Fatalf("unexpected csv export %+v", csv.FileName)
	}

	xlsx, err := svc.DashboardExport(admin, "s1", "xlsx")
	if err != nil {
		t.Fatalf("xlsx export: %v", err)
	}
	if !strings.HasPrefix(xlsx.FileName, "dashboard-s1-") || string(xlsx.Body[:2]) != "PK" {
		t.Fatalf("unexpected xlsx export %s", xlsx.FileName)
	}

	if _, err := svc.DashboardExport(admin, "", "pdf"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.DashboardExport(WithActor(context.Background(), cashierActor), "", "csv"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestBackfillTransactionIDsIsAdminOnlyAndAudited(t *testing.T) {
	svc, repo := newTestService(t)
	at := time.Now().UTC().Truncate(time.Minute)
	err := repo.ImportSaleDocuments(map[string]map[string]any{
		"old-1": {"local_id": "s1", "productoId": "P1", "cantidad": 1, "total": 10, "tipo_pago": "efectivo", "fecha": at},
		"old-2": {"local_id": "s1", "productoId": "P1", "cantidad": 2, "total": 20, "tipo_pago": "efectivo", "fecha": at.Add(10 * time.Second)},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	if _, err := svc.BackfillTransactionIDs(WithActor(context.Background(), cashierActor), migration.BackfillOptions{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	rep, err := svc.BackfillTransactionIDs(WithActor(context.Background(), SystemActor), migration.BackfillOptions{StoreFilter: "s1"})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if rep.LinesUpdated != 2 || rep.TransactionsCreated != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}

	logs, _ := svc.ListAuditLogs(WithActor(context.Background(), adminActor), "s1", "", 10)
	if len(logs) != 1 || logs[0].Action != "backfill_transaction_ids" || logs[0].ActorRole != domain.RoleSystem {
		t.Fatalf("unexpected audit logs %+v", logs)
	}
}

func TestMigrateCatalogCopiesIntoStore(t *testing.T) {
	svc, repo := newTestService(t)

	rep, err := svc.MigrateCatalog(WithActor(context.Background(), adminActor), "s2", false)
	if err != nil {
		t.Fatalf("migrate catalog: %v", err)
	}
	if rep.StoresProcessed != 1 || rep.ItemsCopied != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	item, err := repo.GetInventoryItem(context.Background(), "s2", "P9")
	if err != nil || !item.MigratedFromGlobalCatalog {
		t.Fatalf("expected migrated item, got %+v %v", item, err)
	}
}

func TestListAuditLogsValidatesDate(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.ListAuditLogs(WithActor(context.Background(), adminActor), "", "yesterday", 10); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
