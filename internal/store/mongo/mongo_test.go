package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/store"
)

func TestPlainConvertsBSONValues(t *testing.T) {
	at := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	price, _ := primitive.ParseDecimal128("12.50")
	oid := primitive.NewObjectID()

	id, doc := plainDoc(bson.M{
		"_id":      oid,
		"local_id": "s1",
		"fecha":    primitive.NewDateTimeFromTime(at),
		"productos": bson.A{
			bson.M{"productoId": "P1", "cantidad": int32(2), "precio": price},
		},
	})
	if id != oid.Hex() {
		t.Fatalf("expected hex id, got %s", id)
	}
	lines, err := domain.NormalizeSaleDocument(id, doc)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(lines) != 1 || !lines[0].Timestamp.Equal(at) || !lines[0].LineTotal.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("unexpected lines %+v", lines)
	}
}

func TestDocIDMatchesObjectIDs(t *testing.T) {
	if _, ok := docID("venta-1").(string); !ok {
		t.Fatalf("plain ids stay strings")
	}
	if _, ok := docID(primitive.NewObjectID().Hex()).(bson.M); !ok {
		t.Fatalf("hex ids should match both forms")
	}
}

func TestMapError(t *testing.T) {
	if mapError(nil) != nil {
		t.Fatalf("nil stays nil")
	}
	conflict := primitiveCommandError(112, "")
	if !errors.Is(mapError(conflict), store.ErrConflict) {
		t.Fatalf("write conflict must map to store.ErrConflict")
	}
	transient := primitiveCommandError(251, "TransientTransactionError")
	if !errors.Is(mapError(transient), store.ErrConflict) {
		t.Fatalf("transient transaction errors must map to store.ErrConflict")
	}
	other := errors.New("boom")
	if mapError(other) != other {
		t.Fatalf("unrelated errors pass through")
	}
}

func TestMapInsertErrorTreatsDuplicateAsConflict(t *testing.T) {
	dup := primitiveCommandError(11000, "")
	if !errors.Is(mapInsertError(dup), store.ErrConflict) {
		t.Fatalf("duplicate sale line must map to store.ErrConflict")
	}
	if !errors.Is(mapError(dup), store.ErrInvalid) {
		t.Fatalf("duplicates outside sale inserts stay invalid")
	}
}

func newIntegrationStore(t *testing.T, transactions bool) *Store {
	t.Helper()
	uri := os.Getenv("LOCALVENTAS_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("set LOCALVENTAS_TEST_MONGO_URI to run mongo integration tests")
	}
	ctx := context.Background()
	dbName := fmt.Sprintf("localventas_test_%d", time.Now().UnixNano())
	s, err := New(ctx, Options{URI: uri, Database: dbName, Transactions: transactions})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = s.db.Drop(context.Background())
		_ = s.Close()
	})

	if _, err := s.db.Collection(colStores).InsertOne(ctx, bson.M{"_id": "s1", "nombre": "Local Uno"}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	_, err = s.db.Collection(colInventory).InsertOne(ctx, bson.M{
		"_id": inventoryID("s1", "P1"), "storeId": "s1", "productId": "P1",
		"nombre": "Pan", "precio": 10, "cantidad": 5,
	})
	if err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
	return s
}

func TestMongoConditionalDecrementCanonicalizesLegacyStock(t *testing.T) {
	s := newIntegrationStore(t, false)
	ctx := context.Background()

	before, err := s.DecrementStockIfAvailable(ctx, "s1", "P1", 3)
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if before.StockQuantity != 5 || before.Name != "Pan" {
		t.Fatalf("unexpected pre-image %+v", before)
	}
	_, err = s.DecrementStockIfAvailable(ctx, "s1", "P1", 3)
	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) || stockErr.Available != 2 {
		t.Fatalf("expected insufficient stock with 2 available, got %v", err)
	}
	if _, ok := s.Backend().(store.Transactor); ok {
		t.Fatalf("store without transactions must not expose a transactor")
	}
}

func TestMongoTransactionDetectsStaleVersion(t *testing.T) {
	s := newIntegrationStore(t, true)
	ctx := context.Background()
	tr, ok := s.Backend().(store.Transactor)
	if !ok {
		t.Fatalf("expected a transactor")
	}

	err := tr.RunInTransaction(ctx, "s1", func(ctx context.Context, tx store.SaleTx) error {
		item, err := tx.GetInventoryItem(ctx, "P1")
		if err != nil {
			return err
		}
		if err := s.IncrementStock(context.Background(), "s1", "P1", 1); err != nil {
			return err
		}
		return tx.SetStockQuantity(ctx, "P1", item.StockQuantity-1)
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Skipf("replica set did not surface a conflict (%v)", err)
	}

	err = tr.RunInTransaction(ctx, "s1", func(ctx context.Context, tx store.SaleTx) error {
		item, err := tx.GetInventoryItem(ctx, "P1")
		if err != nil {
			return err
		}
		if err := tx.SetStockQuantity(ctx, "P1", item.StockQuantity-2); err != nil {
			return err
		}
		return tx.InsertSaleLine(ctx, domain.SaleLine{
			ID: "t1#1", ProductID: "P1", Quantity: 2, UnitPrice: item.UnitPrice,
			LineTotal: item.UnitPrice.Mul(decimal.NewFromInt(2)), PaymentMethod: domain.PaymentCash,
			Timestamp: time.Now().UTC(), TransactionID: "t1",
		})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	lines, err := s.FindSaleLinesByTransaction(ctx, "s1", "t1")
	if err != nil || len(lines) != 1 {
		t.Fatalf("expected committed line, got %v %v", lines, err)
	}
}

func TestMongoAssignTransactionIDsSkipsTagged(t *testing.T) {
	s := newIntegrationStore(t, false)
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := s.db.Collection(colSales).InsertMany(ctx, []any{
		bson.M{"_id": "a", "local_id": "s1", "producto": "Pan", "total": 10, "fecha": now},
		bson.M{"_id": "b", "local_id": "s1", "producto": "Pan", "total": 10, "fecha": now, "ventaId": "v-old"},
	})
	if err != nil {
		t.Fatalf("seed sales: %v", err)
	}

	res, err := s.AssignTransactionIDs(ctx, []store.TransactionIDAssignment{
		{LineID: "a", TransactionID: "v-new"},
		{LineID: "b", TransactionID: "v-new"},
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.Updated != 1 || res.Skipped != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	untagged, _ := s.ListSaleLines(ctx, store.SaleLineFilter{StoreID: "s1", MissingTransactionID: true})
	if len(untagged) != 0 {
		t.Fatalf("expected every line tagged, got %+v", untagged)
	}
}

func TestTimestampWindow(t *testing.T) {
	if timestampWindow(time.Time{}, time.Time{}) != nil {
		t.Fatalf("no bounds means no clause")
	}
	from := time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)
	window := timestampWindow(from, time.Time{})
	alts, ok := window["$or"].(bson.A)
	if !ok || len(alts) != 2 {
		t.Fatalf("expected a date range and a legacy pass-through, got %v", window)
	}
	inRange := alts[0].(bson.M)["timestamp"].(bson.M)
	if inRange["$type"] != "date" || !inRange["$gte"].(time.Time).Equal(from) {
		t.Fatalf("unexpected range %v", inRange)
	}
	if _, bounded := inRange["$lt"]; bounded {
		t.Fatalf("open upper bound must be omitted")
	}
}

func TestMongoListSaleLinesKeepsLegacyTimestampsInWindow(t *testing.T) {
	s := newIntegrationStore(t, false)
	ctx := context.Background()
	day := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)
	_, err := s.db.Collection(colSales).InsertMany(ctx, []any{
		bson.M{"_id": "new", "storeId": "s1", "productName": "Pan", "quantity": 1, "lineTotal": 10, "timestamp": day},
		bson.M{"_id": "old", "storeId": "s1", "productName": "Pan", "quantity": 1, "lineTotal": 10, "timestamp": day.Add(-48 * time.Hour)},
		bson.M{"_id": "legacy", "local_id": "s1", "producto": "Pan", "total": 10, "fecha": day.Add(time.Hour).Format(time.RFC3339)},
	})
	if err != nil {
		t.Fatalf("seed sales: %v", err)
	}

	lines, err := s.ListSaleLines(ctx, store.SaleLineFilter{StoreID: "s1", From: day.Add(-time.Hour), To: day.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(lines) != 2 || lines[0].ID != "new" || lines[1].ID != "legacy" {
		t.Fatalf("unexpected lines %+v", lines)
	}
}

func primitiveCommandError(code int32, label string) error {
	ce := mongo.CommandError{Code: code, Message: "simulated"}
	if label != "" {
		ce.Labels = []string{label}
	}
	return ce
}
