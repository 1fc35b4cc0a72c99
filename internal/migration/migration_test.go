package migration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/lock"
	"localventas/backend/internal/logging"
	"localventas/backend/internal/reconcile"
	"localventas/backend/internal/store"
	"localventas/backend/internal/store/memory"
)

var base = time.Date(2024, 3, 12, 10, 15, 0, 0, time.UTC)

func legacyLine(storeID string, at time.Time, total int, transactionID string) map[string]any {
	doc := map[string]any{
		"local_id":   storeID,
		"productoId": "P1",
		"producto":   "Pan",
		"cantidad":   1,
		"total":      total,
		"tipo_pago":  "efectivo",
		"fecha":      at.Format(time.RFC3339),
	}
	if transactionID != "" {
		doc["ventaId"] = transactionID
	}
	return doc
}

// tenLegacyLines returns five tagged lines and five untagged lines that all
// fall in the same minute of store s1.
func tenLegacyLines(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	s.AddStore(domain.Store{ID: "s1", Name: "Local Uno", Active: true})
	docs := make(map[string]map[string]any)
	for i := 0; i < 5; i++ {
		docs[fmt.Sprintf("tagged-%d", i)] = legacyLine("s1", base.Add(time.Duration(i)*time.Second), 10, fmt.Sprintf("venta-%d", i))
		docs[fmt.Sprintf("loose-%d", i)] = legacyLine("s1", base.Add(time.Duration(10+i)*time.Second), 10, "")
	}
	if err := s.ImportSaleDocuments(docs); err != nil {
		t.Fatalf("import: %v", err)
	}
	return s
}

func newBackfiller(s *memory.Store, locker lock.Locker, opts ...Option) *Backfiller {
	return NewBackfiller(s, s, locker, reconcile.New(reconcile.DefaultBucket, time.UTC), logging.Module(logging.Discard(), "migration"), opts...)
}

func TestBackfillTagsSameMinuteLinesOnce(t *testing.T) {
	s := tenLegacyLines(t)
	ctx := context.Background()
	b := newBackfiller(s, nil)

	before, _ := s.ListSaleLines(ctx, store.SaleLineFilter{StoreID: "s1"})
	r := reconcile.New(reconcile.DefaultBucket, time.UTC)
	txsBefore := r.Group(before)

	report, err := b.Run(ctx, BackfillOptions{})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if report.LinesScanned != 5 || report.LinesUpdated != 5 || report.TransactionsCreated != 1 || report.SingleLineBuckets != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	after, _ := s.ListSaleLines(ctx, store.SaleLineFilter{StoreID: "s1"})
	ids := map[string]int{}
	for _, line := range after {
		if line.TransactionID == "" {
			t.Fatalf("line %s left untagged", line.ID)
		}
		ids[line.TransactionID]++
	}
	if len(ids) != 6 {
		t.Fatalf("expected 5 original ids plus one synthetic, got %v", ids)
	}

	txsAfter := r.Group(after)
	if len(txsAfter) != len(txsBefore) {
		t.Fatalf("grouping changed: %d before, %d after", len(txsBefore), len(txsAfter))
	}
	totalBefore, totalAfter := decimal.Zero, decimal.Zero
	for i := range txsBefore {
		totalBefore = totalBefore.Add(txsBefore[i].TotalAmount)
		totalAfter = totalAfter.Add(txsAfter[i].TotalAmount)
	}
	if !totalBefore.Equal(totalAfter) {
		t.Fatalf("totals changed: %s vs %s", totalBefore, totalAfter)
	}

	again, err := b.Run(ctx, BackfillOptions{})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if again.LinesScanned != 0 || again.LinesUpdated != 0 || again.TransactionsCreated != 0 {
		t.Fatalf("rerun must be a no-op, got %+v", again)
	}
}

func TestBackfillLeavesSingleLineBuckets(t *testing.T) {
	s := memory.New()
	s.AddStore(domain.Store{ID: "s1", Name: "Uno"})
	s.AddStore(domain.Store{ID: "s2", Name: "Dos"})
	err := s.ImportSaleDocuments(map[string]map[string]any{
		"a": legacyLine("s1", base, 10, ""),
		"b": legacyLine("s1", base.Add(2*time.Minute), 10, ""),
		"c": legacyLine("s2", base.Add(5*time.Second), 10, ""),
		"d": legacyLine("s2", base.Add(6*time.Second), 10, ""),
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	report, err := newBackfiller(s, nil).Run(context.Background(), BackfillOptions{})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if report.SingleLineBuckets != 2 || report.TransactionsCreated != 1 || report.LinesUpdated != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	lines, _ := s.ListSaleLines(context.Background(), store.SaleLineFilter{StoreID: "s1"})
	for _, line := range lines {
		if line.TransactionID != "" {
			t.Fatalf("single-line bucket was tagged: %+v", line)
		}
	}
}

func TestBackfillStoreFilter(t *testing.T) {
	s := memory.New()
	s.AddStore(domain.Store{ID: "s1", Name: "Uno"})
	s.AddStore(domain.Store{ID: "s2", Name: "Dos"})
	_ = s.ImportSaleDocuments(map[string]map[string]any{
		"a": legacyLine("s1", base, 10, ""),
		"b": legacyLine("s1", base.Add(time.Second), 10, ""),
		"c": legacyLine("s2", base, 10, ""),
		"d": legacyLine("s2", base.Add(time.Second), 10, ""),
	})

	report, err := newBackfiller(s, nil).Run(context.Background(), BackfillOptions{StoreFilter: "s2"})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if report.LinesUpdated != 2 || report.StoreFilter != "s2" {
		t.Fatalf("unexpected report %+v", report)
	}
	untagged, _ := s.ListSaleLines(context.Background(), store.SaleLineFilter{StoreID: "s1", MissingTransactionID: true})
	if len(untagged) != 2 {
		t.Fatalf("store s1 must be untouched, %d untagged", len(untagged))
	}
}

func TestBackfillDryRunWritesNothing(t *testing.T) {
	s := tenLegacyLines(t)
	report, err := newBackfiller(s, nil).Run(context.Background(), BackfillOptions{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !report.DryRun || report.LinesUpdated != 5 || report.TransactionsCreated != 1 {
		t.Fatalf("unexpected dry run report %+v", report)
	}
	untagged, _ := s.ListSaleLines(context.Background(), store.SaleLineFilter{MissingTransactionID: true})
	if len(untagged) != 5 {
		t.Fatalf("dry run wrote ids")
	}
}

func TestBackfillPartialFailureIsResumable(t *testing.T) {
	s := tenLegacyLines(t)
	ctx := context.Background()
	r := reconcile.New(reconcile.DefaultBucket, time.UTC)
	before, _ := s.ListSaleLines(ctx, store.SaleLineFilter{StoreID: "s1"})
	txsBefore := r.Group(before)
	s.FailAssignment("loose-2", errors.New("quota exceeded"))

	b := newBackfiller(s, nil, WithBatchSize(2))
	report, err := b.Run(ctx, BackfillOptions{})
	if !errors.Is(err, domain.ErrPartialMigration) {
		t.Fatalf("expected partial migration, got %v", err)
	}
	if report.LinesUpdated != 4 || len(report.Failures) != 1 || report.Failures[0].LineID != "loose-2" {
		t.Fatalf("unexpected report %+v", report)
	}

	s.FailAssignment("loose-2", nil)
	again, err := b.Run(ctx, BackfillOptions{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if again.LinesScanned != 1 || again.LinesUpdated != 1 || again.SingleLineBuckets != 0 || again.TransactionsCreated != 0 {
		t.Fatalf("resume should attach the leftover line, got %+v", again)
	}

	after, _ := s.ListSaleLines(ctx, store.SaleLineFilter{StoreID: "s1"})
	ids := map[string]string{}
	for _, line := range after {
		ids[line.ID] = line.TransactionID
	}
	if ids["loose-2"] == "" || ids["loose-2"] != ids["loose-0"] {
		t.Fatalf("leftover line not joined to its bucket: %v", ids)
	}
	if txsAfter := r.Group(after); len(txsAfter) != len(txsBefore) {
		t.Fatalf("grouping changed: %d before, %d after", len(txsBefore), len(txsAfter))
	}
}

func TestBackfillDerivesSameIDAcrossRuns(t *testing.T) {
	first := tenLegacyLines(t)
	second := tenLegacyLines(t)
	ctx := context.Background()
	if _, err := newBackfiller(first, nil).Run(ctx, BackfillOptions{}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := newBackfiller(second, nil).Run(ctx, BackfillOptions{}); err != nil {
		t.Fatalf("second: %v", err)
	}
	a, _ := first.ListSaleLines(ctx, store.SaleLineFilter{StoreID: "s1"})
	b, _ := second.ListSaleLines(ctx, store.SaleLineFilter{StoreID: "s1"})
	idOf := func(lines []domain.SaleLine, id string) string {
		for _, line := range lines {
			if line.ID == id {
				return line.TransactionID
			}
		}
		return ""
	}
	if idOf(a, "loose-0") == "" || idOf(a, "loose-0") != idOf(b, "loose-0") {
		t.Fatalf("bucket id not stable: %q vs %q", idOf(a, "loose-0"), idOf(b, "loose-0"))
	}
}

func TestBackfillRejectsConcurrentRun(t *testing.T) {
	s := tenLegacyLines(t)
	locker := lock.NewLocalLocker()
	lease, err := locker.Obtain(context.Background(), TransactionIDsLockKey, time.Minute)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	defer lease.Release(context.Background())

	if _, err := newBackfiller(s, locker).Run(context.Background(), BackfillOptions{}); !errors.Is(err, domain.ErrMigrationInProgress) {
		t.Fatalf("expected migration in progress, got %v", err)
	}
}

func newCatalogStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	s.AddStore(domain.Store{ID: "s1", Name: "Uno"})
	s.AddStore(domain.Store{ID: "s2", Name: "Dos"})
	s.SeedCatalog([]domain.CatalogProduct{
		{ID: "C1", Name: "Pan", UnitPrice: decimal.NewFromInt(10), StockQuantity: 7, Description: "Amasado"},
		{ID: "C2", UnitPrice: decimal.NewFromInt(20), StockQuantity: 3},
	})
	err := s.UpsertInventoryItems(context.Background(), "s2", []domain.InventoryItem{
		{ProductID: "C1", Name: "Pan local", UnitPrice: decimal.NewFromInt(12), StockQuantity: 1, Active: true},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return s
}

func TestCatalogMigrationCopiesIntoEveryStore(t *testing.T) {
	s := newCatalogStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	m := NewCatalogMigrator(s, nil, nil, WithClock(func() time.Time { return now }))

	report, err := m.Run(ctx, "", false)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if report.StoresProcessed != 2 || report.ItemsCopied != 3 || report.ItemsSkipped != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	item, err := s.GetInventoryItem(ctx, "s1", "C2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Name != unnamedProduct || !item.Active || !item.MigratedFromGlobalCatalog || item.SourceProductID != "C2" || item.MigratedAt == nil || !item.MigratedAt.Equal(now) {
		t.Fatalf("unexpected migrated item %+v", item)
	}
	kept, _ := s.GetInventoryItem(ctx, "s2", "C1")
	if kept.Name != "Pan local" || kept.StockQuantity != 1 {
		t.Fatalf("existing item overwritten without overwrite flag: %+v", kept)
	}
}

func TestCatalogMigrationSingleStoreOverwrite(t *testing.T) {
	s := newCatalogStore(t)
	ctx := context.Background()
	m := NewCatalogMigrator(s, nil, nil)

	has, err := m.StoreHasInventory(ctx, "s1")
	if err != nil || has {
		t.Fatalf("s1 should start empty: %v %v", has, err)
	}

	report, err := m.Run(ctx, "s2", true)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if report.StoresProcessed != 1 || report.ItemsCopied != 2 || report.ItemsSkipped != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	item, _ := s.GetInventoryItem(ctx, "s2", "C1")
	if item.Name != "Pan" || item.StockQuantity != 7 {
		t.Fatalf("overwrite not applied: %+v", item)
	}

	if _, err := m.Run(ctx, "missing", false); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown store, got %v", err)
	}
}

func TestCatalogMigrationRejectsConcurrentRun(t *testing.T) {
	s := newCatalogStore(t)
	locker := lock.NewLocalLocker()
	lease, _ := locker.Obtain(context.Background(), CatalogLockKey, time.Minute)
	defer lease.Release(context.Background())

	if _, err := NewCatalogMigrator(s, locker, nil).Run(context.Background(), "", false); !errors.Is(err, domain.ErrMigrationInProgress) {
		t.Fatalf("expected migration in progress, got %v", err)
	}
}
