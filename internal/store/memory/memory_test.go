package memory

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	s.AddStore(domain.Store{ID: "s1", Name: "Local Uno", Active: true})
	err := s.UpsertInventoryItems(context.Background(), "s1", []domain.InventoryItem{
		{ProductID: "p1", Name: "Pan", UnitPrice: decimal.NewFromInt(10), StockQuantity: 5, Active: true},
		{ProductID: "p2", Name: "Leche", UnitPrice: decimal.NewFromInt(25), StockQuantity: 2, Active: true},
	})
	if err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
	return s
}

func TestRunInTransactionCommitsBufferedWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RunInTransaction(ctx, "s1", func(ctx context.Context, tx store.SaleTx) error {
		item, err := tx.GetInventoryItem(ctx, "p1")
		if err != nil {
			return err
		}
		if err := tx.SetStockQuantity(ctx, "p1", item.StockQuantity-2); err != nil {
			return err
		}
		return tx.InsertSaleLine(ctx, domain.SaleLine{ProductID: "p1", Quantity: 2, TransactionID: "t1", Timestamp: time.Now()})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	item, _ := s.GetInventoryItem(ctx, "s1", "p1")
	if item.StockQuantity != 3 {
		t.Fatalf("expected stock 3, got %d", item.StockQuantity)
	}
	lines, _ := s.FindSaleLinesByTransaction(ctx, "s1", "t1")
	if len(lines) != 1 || lines[0].StoreID != "s1" || lines[0].ID == "" {
		t.Fatalf("unexpected committed lines %+v", lines)
	}
}

func TestRunInTransactionDiscardsWritesOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTransaction(ctx, "s1", func(ctx context.Context, tx store.SaleTx) error {
		if _, err := tx.GetInventoryItem(ctx, "p1"); err != nil {
			return err
		}
		_ = tx.SetStockQuantity(ctx, "p1", 0)
		_ = tx.InsertSaleLine(ctx, domain.SaleLine{ProductID: "p1", Quantity: 5})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	item, _ := s.GetInventoryItem(ctx, "s1", "p1")
	if item.StockQuantity != 5 {
		t.Fatalf("stock must be untouched, got %d", item.StockQuantity)
	}
	lines, _ := s.ListSaleLines(ctx, store.SaleLineFilter{})
	if len(lines) != 0 {
		t.Fatalf("no lines expected, got %d", len(lines))
	}
}

func TestRunInTransactionDetectsConcurrentWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RunInTransaction(ctx, "s1", func(ctx context.Context, tx store.SaleTx) error {
		item, err := tx.GetInventoryItem(ctx, "p1")
		if err != nil {
			return err
		}
		if _, err := s.DecrementStockIfAvailable(ctx, "s1", "p1", 1); err != nil {
			t.Fatalf("concurrent decrement: %v", err)
		}
		return tx.SetStockQuantity(ctx, "p1", item.StockQuantity-1)
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	item, _ := s.GetInventoryItem(ctx, "s1", "p1")
	if item.StockQuantity != 4 {
		t.Fatalf("only the concurrent decrement should apply, got %d", item.StockQuantity)
	}
}

func TestSetStockQuantityRequiresPriorRead(t *testing.T) {
	s := newTestStore(t)
	err := s.RunInTransaction(context.Background(), "s1", func(ctx context.Context, tx store.SaleTx) error {
		return tx.SetStockQuantity(ctx, "p1", 1)
	})
	if !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for blind write, got %v", err)
	}
}

func TestInjectConflicts(t *testing.T) {
	s := newTestStore(t)
	s.InjectConflicts(1)
	noop := func(context.Context, store.SaleTx) error { return nil }

	if err := s.RunInTransaction(context.Background(), "s1", noop); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected injected conflict, got %v", err)
	}
	if err := s.RunInTransaction(context.Background(), "s1", noop); err != nil {
		t.Fatalf("second commit should pass, got %v", err)
	}
}

func TestDecrementStockIfAvailable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before, err := s.DecrementStockIfAvailable(ctx, "s1", "p2", 2)
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if before.StockQuantity != 2 {
		t.Fatalf("expected pre-decrement snapshot, got %d", before.StockQuantity)
	}

	_, err = s.DecrementStockIfAvailable(ctx, "s1", "p2", 1)
	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) || insufficient.Available != 0 {
		t.Fatalf("expected insufficient stock with 0 available, got %v", err)
	}

	if _, err := s.DecrementStockIfAvailable(ctx, "s1", "missing", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAssignTransactionIDsSkipsTaggedLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.InsertSaleLines(ctx, []domain.SaleLine{
		{ID: "a", StoreID: "s1", ProductID: "p1", Quantity: 1, Timestamp: now},
		{ID: "b", StoreID: "s1", ProductID: "p1", Quantity: 1, Timestamp: now, TransactionID: "existing"},
		{ID: "c", StoreID: "s1", ProductID: "p1", Quantity: 1, Timestamp: now},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	s.FailAssignment("c", errors.New("disk full"))

	res, err := s.AssignTransactionIDs(ctx, []store.TransactionIDAssignment{
		{LineID: "a", TransactionID: "new"},
		{LineID: "b", TransactionID: "new"},
		{LineID: "c", TransactionID: "new"},
		{LineID: "zzz", TransactionID: "new"},
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.Updated != 1 || res.Skipped != 1 || len(res.Failures) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	tagged, _ := s.FindSaleLinesByTransaction(ctx, "s1", "existing")
	if len(tagged) != 1 {
		t.Fatalf("existing id must not be overwritten")
	}
}

func TestListSaleLinesOrdersAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	_ = s.InsertSaleLines(ctx, []domain.SaleLine{
		{ID: "late", StoreID: "s1", Quantity: 1, Timestamp: base.Add(2 * time.Hour)},
		{ID: "early", StoreID: "s1", Quantity: 1, Timestamp: base},
		{ID: "other", StoreID: "s2", Quantity: 1, Timestamp: base.Add(time.Hour)},
		{ID: "tagged", StoreID: "s1", Quantity: 1, Timestamp: base.Add(time.Hour), TransactionID: "t"},
	})

	lines, err := s.ListSaleLines(ctx, store.SaleLineFilter{StoreID: "s1", MissingTransactionID: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(lines) != 2 || lines[0].ID != "early" || lines[1].ID != "late" {
		t.Fatalf("unexpected lines %+v", lines)
	}

	windowed, _ := s.ListSaleLines(ctx, store.SaleLineFilter{From: base.Add(time.Minute), To: base.Add(2 * time.Hour)})
	if len(windowed) != 2 {
		t.Fatalf("expected half-open window to hold 2 lines, got %d", len(windowed))
	}
}

func TestImportSaleDocumentsNormalizesLegacyShapes(t *testing.T) {
	s := newTestStore(t)
	err := s.ImportSaleDocuments(map[string]map[string]any{
		"flat": {"localId": "s1", "producto": "Pan", "cantidad": 1, "precio": 10, "fecha": "2024-01-01T10:00:00Z"},
		"grouped": {"localId": "s1", "ventaId": "V1", "fecha": "2024-01-01T11:00:00Z", "productos": []any{
			map[string]any{"id": "p1", "cantidad": 2, "precio": 10},
			map[string]any{"id": "p2", "cantidad": 1, "precio": 25},
		}},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	lines, _ := s.ListSaleLines(context.Background(), store.SaleLineFilter{StoreID: "s1"})
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	grouped, _ := s.FindSaleLinesByTransaction(context.Background(), "s1", "V1")
	if len(grouped) != 2 {
		t.Fatalf("expected grouped lines to share venta id, got %d", len(grouped))
	}
}

func TestUpdateInventoryItemRejectsNegativeStock(t *testing.T) {
	s := newTestStore(t)
	negative := -1
	if _, err := s.UpdateInventoryItem(context.Background(), "s1", "p1", domain.InventoryUpdateRequest{StockQuantity: &negative}); !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestNewSeededWarnsThroughLogger(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "")
	t.Setenv("SEED_CASHIER_PASSWORD", "")
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	s, err := NewSeeded(logger.WithField("module", "store.memory"))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !strings.Contains(buf.String(), "default dev credentials") || !strings.Contains(buf.String(), "module=store.memory") {
		t.Fatalf("expected a module warning, got %q", buf.String())
	}
	users, _ := s.ListUsers(context.Background())
	if len(users) != 2 {
		t.Fatalf("expected two seeded users, got %d", len(users))
	}
}
