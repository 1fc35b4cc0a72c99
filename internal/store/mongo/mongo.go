package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/logging"
	"localventas/backend/internal/store"
	"localventas/backend/internal/xid"
)

const (
	colStores    = "stores"
	colInventory = "inventory"
	colSales     = "sales"
	colCatalog   = "products"
	colUsers     = "users"
	colAudit     = "audit_logs"

	writeConflictCode = 112
)

// legacyStockFields are dropped whenever stock is rewritten so that
// stockQuantity stays the single source of truth.
var legacyStockFields = bson.M{"cantidad": "", "stock": "", "Stock": ""}

// Store persists into a MongoDB database. Documents written by older
// clients are read through the domain normalizers.
type Store struct {
	client       *mongo.Client
	db           *mongo.Database
	transactions bool
	log          *logrus.Entry
}

type Options struct {
	URI      string
	Database string
	// Transactions requires a replica set. When false the store does not
	// implement store.Transactor and sales use conditional updates.
	Transactions bool
	Log          *logrus.Entry
}

func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("mongo uri is empty")
	}
	if opts.Database == "" {
		opts.Database = "localventas"
	}
	if opts.Log == nil {
		opts.Log = logging.Module(nil, "store.mongo")
	}

	clientOptions := options.Client().ApplyURI(opts.URI).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetConnectTimeout(5 * time.Second).
		SetSocketTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &Store{client: client, db: client.Database(opts.Database), transactions: opts.Transactions, log: opts.Log}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Backend returns the value handed to the sale engine. It hides
// RunInTransaction when transactions are disabled.
func (s *Store) Backend() any {
	if s.transactions {
		return &transactional{Store: s}
	}
	return s
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(colSales).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "storeId", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "storeId", Value: 1}, {Key: "transactionId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create sales indexes: %w", err)
	}
	_, err = s.db.Collection(colInventory).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "storeId", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create inventory index: %w", err)
	}
	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorLabel("TransientTransactionError") || se.HasErrorCode(writeConflictCode)) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", store.ErrInvalid, err)
	}
	return err
}

// mapInsertError treats a duplicate sale line id as a lost race with a
// concurrent sale that reused the transaction id.
func mapInsertError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return mapError(err)
}

// timestampWindow matches date timestamps inside [from, to) and lets every
// other timestamp shape through.
func timestampWindow(from, to time.Time) bson.M {
	if from.IsZero() && to.IsZero() {
		return nil
	}
	inRange := bson.M{"$type": "date"}
	if !from.IsZero() {
		inRange["$gte"] = from.UTC()
	}
	if !to.IsZero() {
		inRange["$lt"] = to.UTC()
	}
	return bson.M{"$or": bson.A{
		bson.M{"timestamp": inRange},
		bson.M{"timestamp": bson.M{"$not": bson.M{"$type": "date"}}},
	}}
}

func inventoryID(storeID string, productID string) string {
	return storeID + "/" + productID
}

// docID matches both string ids and ObjectIDs written by older clients.
func docID(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"$in": bson.A{id, oid}}
	}
	return id
}

func storeFilter(storeID string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"storeId": storeID},
		bson.M{"localId": storeID},
		bson.M{"local_id": storeID},
	}}
}

// plain converts decoded BSON into the plain Go values the normalizers
// understand.
func plain(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plain(val)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = plain(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plain(val)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case primitive.Decimal128:
		return t.String()
	case primitive.ObjectID:
		return t.Hex()
	default:
		return v
	}
}

func plainDoc(raw bson.M) (string, map[string]any) {
	doc, _ := plain(raw).(map[string]any)
	id := ""
	if v, ok := doc["_id"]; ok {
		id = fmt.Sprint(v)
	}
	delete(doc, "_id")
	return id, doc
}

func dec128(d decimal.Decimal) primitive.Decimal128 {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.NewDecimal128(0, 0)
	}
	return v
}

func saleDocument(line domain.SaleLine) bson.M {
	if line.ID == "" {
		line.ID = xid.New("line")
	}
	return bson.M{
		"_id":                line.ID,
		"storeId":            line.StoreID,
		"productId":          line.ProductID,
		"productName":        line.ProductName,
		"quantity":           line.Quantity,
		"unitPrice":          dec128(line.UnitPrice),
		"lineTotal":          dec128(line.LineTotal),
		"paymentMethod":      string(line.PaymentMethod),
		"timestamp":          line.Timestamp.UTC(),
		"transferReceiptUrl": line.TransferReceiptURL,
		"transactionId":      line.TransactionID,
		"recordedBy":         line.RecordedBy,
	}
}

func (s *Store) decodeSaleLines(ctx context.Context, cur *mongo.Cursor) ([]domain.SaleLine, error) {
	defer cur.Close(ctx)
	lines := make([]domain.SaleLine, 0, 64)
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		id, doc := plainDoc(raw)
		normalized, err := domain.NormalizeSaleDocument(id, doc)
		if err != nil {
			s.log.WithError(err).WithField("sale_id", id).Warn("skipping unreadable sale document")
			continue
		}
		lines = append(lines, normalized...)
	}
	return lines, cur.Err()
}

func (s *Store) findInventory(ctx context.Context, storeID string, productID string) (*domain.InventoryItem, int64, bool, error) {
	var raw bson.M
	err := s.db.Collection(colInventory).FindOne(ctx, bson.M{"_id": inventoryID(storeID, productID)}).Decode(&raw)
	if err != nil {
		return nil, 0, false, mapError(err)
	}
	_, doc := plainDoc(raw)
	item := domain.NormalizeInventoryDocument(storeID, productID, doc)
	_, canonical := doc["stockQuantity"]
	return &item, versionOf(doc), canonical, nil
}

func versionOf(doc map[string]any) int64 {
	switch v := doc["version"].(type) {
	case int32:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func (s *Store) ListStores(ctx context.Context) ([]domain.Store, error) {
	cur, err := s.db.Collection(colStores).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	stores := make([]domain.Store, 0, 8)
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		stores = append(stores, storeFromDoc(plainDoc(raw)))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sort.Slice(stores, func(i, j int) bool { return stores[i].Name < stores[j].Name })
	return stores, nil
}

func (s *Store) GetStore(ctx context.Context, storeID string) (*domain.Store, error) {
	var raw bson.M
	if err := s.db.Collection(colStores).FindOne(ctx, bson.M{"_id": docID(storeID)}).Decode(&raw); err != nil {
		return nil, mapError(err)
	}
	st := storeFromDoc(plainDoc(raw))
	return &st, nil
}

func storeFromDoc(id string, doc map[string]any) domain.Store {
	st := domain.Store{ID: id, Active: true}
	for _, key := range []string{"name", "nombre", "Nombre"} {
		if v, ok := doc[key].(string); ok && v != "" {
			st.Name = v
			break
		}
	}
	for _, key := range []string{"address", "direccion", "Direccion"} {
		if v, ok := doc[key].(string); ok && v != "" {
			st.Address = v
			break
		}
	}
	if v, ok := doc["active"].(bool); ok {
		st.Active = v
	}
	if v, ok := doc["createdAt"].(time.Time); ok {
		st.CreatedAt = v
	}
	return st
}

func (s *Store) ListCatalogProducts(ctx context.Context) ([]domain.CatalogProduct, error) {
	cur, err := s.db.Collection(colCatalog).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	products := make([]domain.CatalogProduct, 0, 32)
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		products = append(products, domain.NormalizeCatalogDocument(plainDoc(raw)))
	}
	return products, cur.Err()
}

func (s *Store) GetInventoryItem(ctx context.Context, storeID string, productID string) (*domain.InventoryItem, error) {
	item, _, _, err := s.findInventory(ctx, storeID, productID)
	return item, err
}

func (s *Store) ListInventory(ctx context.Context, storeID string) ([]domain.InventoryItem, error) {
	if _, err := s.GetStore(ctx, storeID); err != nil {
		return nil, err
	}
	cur, err := s.db.Collection(colInventory).Find(ctx, bson.M{"storeId": storeID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	items := make([]domain.InventoryItem, 0, 32)
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		id, doc := plainDoc(raw)
		productID, _ := doc["productId"].(string)
		if productID == "" {
			productID = strings.TrimPrefix(id, storeID+"/")
		}
		items = append(items, domain.NormalizeInventoryDocument(storeID, productID, doc))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Name != items[j].Name {
			return items[i].Name < items[j].Name
		}
		return items[i].ProductID < items[j].ProductID
	})
	return items, nil
}

func (s *Store) UpsertInventoryItems(ctx context.Context, storeID string, items []domain.InventoryItem) error {
	if _, err := s.GetStore(ctx, storeID); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(items))
	for _, item := range items {
		if item.ProductID == "" || item.StockQuantity < 0 || item.UnitPrice.IsNegative() {
			return store.ErrInvalid
		}
		set := bson.M{
			"storeId":                   storeID,
			"productId":                 item.ProductID,
			"name":                      item.Name,
			"unitPrice":                 dec128(item.UnitPrice),
			"stockQuantity":             item.StockQuantity,
			"description":               item.Description,
			"active":                    item.Active,
			"migratedFromGlobalCatalog": item.MigratedFromGlobalCatalog,
			"sourceProductId":           item.SourceProductID,
			"updatedAt":                 now,
		}
		if item.MigratedAt != nil {
			set["migratedAt"] = item.MigratedAt.UTC()
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": inventoryID(storeID, item.ProductID)}).
			SetUpdate(bson.M{"$set": set, "$inc": bson.M{"version": 1}, "$unset": legacyStockFields}).
			SetUpsert(true))
	}
	_, err := s.db.Collection(colInventory).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	return mapError(err)
}

func (s *Store) UpdateInventoryItem(ctx context.Context, storeID string, productID string, req domain.InventoryUpdateRequest) (*domain.InventoryItem, error) {
	set := bson.M{"updatedAt": time.Now().UTC()}
	update := bson.M{"$inc": bson.M{"version": 1}}
	if req.Name != nil {
		set["name"] = strings.TrimSpace(*req.Name)
	}
	if req.UnitPrice != nil {
		if req.UnitPrice.IsNegative() {
			return nil, store.ErrInvalid
		}
		set["unitPrice"] = dec128(*req.UnitPrice)
	}
	if req.StockQuantity != nil {
		if *req.StockQuantity < 0 {
			return nil, store.ErrInvalid
		}
		set["stockQuantity"] = *req.StockQuantity
		update["$unset"] = legacyStockFields
	}
	if req.Description != nil {
		set["description"] = *req.Description
	}
	if req.Active != nil {
		set["active"] = *req.Active
	}
	update["$set"] = set

	res, err := s.db.Collection(colInventory).UpdateOne(ctx, bson.M{"_id": inventoryID(storeID, productID)}, update)
	if err != nil {
		return nil, mapError(err)
	}
	if res.MatchedCount == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetInventoryItem(ctx, storeID, productID)
}

// ListSaleLines narrows canonical documents by time in the database and
// re-checks every line in memory, since older documents keep timestamps as
// strings or epoch numbers.
func (s *Store) ListSaleLines(ctx context.Context, filter store.SaleLineFilter) ([]domain.SaleLine, error) {
	clauses := bson.A{}
	if filter.StoreID != "" {
		clauses = append(clauses, storeFilter(filter.StoreID))
	}
	if window := timestampWindow(filter.From, filter.To); window != nil {
		clauses = append(clauses, window)
	}
	query := bson.M{}
	if len(clauses) > 0 {
		query = bson.M{"$and": clauses}
	}
	cur, err := s.db.Collection(colSales).Find(ctx, query)
	if err != nil {
		return nil, mapError(err)
	}
	all, err := s.decodeSaleLines(ctx, cur)
	if err != nil {
		return nil, err
	}

	lines := all[:0]
	for _, line := range all {
		if filter.MissingTransactionID && line.TransactionID != "" {
			continue
		}
		if !filter.From.IsZero() && line.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !line.Timestamp.Before(filter.To) {
			continue
		}
		lines = append(lines, line)
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Timestamp.Before(lines[j].Timestamp) })
	if filter.Limit > 0 && len(lines) > filter.Limit {
		lines = lines[:filter.Limit]
	}
	return lines, nil
}

func (s *Store) AssignTransactionIDs(ctx context.Context, assignments []store.TransactionIDAssignment) (store.AssignmentResult, error) {
	result := store.AssignmentResult{Failures: map[string]error{}}
	if len(assignments) == 0 {
		return result, nil
	}

	untagged := bson.A{nil, ""}
	models := make([]mongo.WriteModel, 0, len(assignments))
	for _, a := range assignments {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{
				"_id":           docID(a.LineID),
				"transactionId": bson.M{"$in": untagged},
				"ventaId":       bson.M{"$in": untagged},
			}).
			SetUpdate(bson.M{"$set": bson.M{"transactionId": a.TransactionID}}))
	}

	res, err := s.db.Collection(colSales).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	var bwe mongo.BulkWriteException
	switch {
	case err == nil:
	case errors.As(err, &bwe):
		for _, we := range bwe.WriteErrors {
			if we.Index >= 0 && we.Index < len(assignments) {
				result.Failures[assignments[we.Index].LineID] = errors.New(we.Message)
			}
		}
	default:
		return result, mapError(err)
	}

	if res != nil {
		result.Updated = int(res.ModifiedCount)
	}
	result.Skipped = len(assignments) - result.Updated - len(result.Failures)
	if result.Skipped < 0 {
		result.Skipped = 0
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Collection(colAudit).InsertOne(ctx, bson.M{
		"_id":           entry.ID,
		"storeId":       entry.StoreID,
		"actorUsername": entry.ActorUsername,
		"actorRole":     entry.ActorRole,
		"action":        entry.Action,
		"entityType":    entry.EntityType,
		"entityId":      entry.EntityID,
		"detail":        entry.Detail,
		"createdAt":     entry.CreatedAt,
	})
	return mapError(err)
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	query := bson.M{}
	if storeID != "" {
		query["storeId"] = storeID
	}
	window := bson.M{}
	if !from.IsZero() {
		window["$gte"] = from
	}
	if !to.IsZero() {
		window["$lt"] = to
	}
	if len(window) > 0 {
		query["createdAt"] = window
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.db.Collection(colAudit).Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	logs := make([]domain.AuditLog, 0, 32)
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		id, doc := plainDoc(raw)
		entry := domain.AuditLog{ID: id}
		entry.StoreID, _ = doc["storeId"].(string)
		entry.ActorUsername, _ = doc["actorUsername"].(string)
		entry.ActorRole, _ = doc["actorRole"].(string)
		entry.Action, _ = doc["action"].(string)
		entry.EntityType, _ = doc["entityType"].(string)
		entry.EntityID, _ = doc["entityId"].(string)
		entry.Detail, _ = doc["detail"].(string)
		entry.CreatedAt, _ = doc["createdAt"].(time.Time)
		logs = append(logs, entry)
	}
	return logs, cur.Err()
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	cur, err := s.db.Collection(colUsers).Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	users := make([]domain.UserAccount, 0, 8)
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		id, doc := plainDoc(raw)
		user := domain.UserAccount{Username: id, Active: true}
		user.Password, _ = doc["password"].(string)
		user.Role, _ = doc["role"].(string)
		if active, ok := doc["active"].(bool); ok {
			user.Active = active
		}
		user.CreatedAt, _ = doc["createdAt"].(time.Time)
		if ids, ok := doc["storeIds"].([]any); ok {
			for _, v := range ids {
				if sid, ok := v.(string); ok {
					user.StoreIDs = append(user.StoreIDs, sid)
				}
			}
		}
		users = append(users, user)
	}
	return users, cur.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.Collection(colUsers).UpdateOne(ctx,
		bson.M{"_id": strings.ToLower(strings.TrimSpace(username))},
		bson.M{"$set": bson.M{"password": password}},
	)
	if err != nil {
		return mapError(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpsertUser is used to bootstrap accounts from the environment.
func (s *Store) UpsertUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalid
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Collection(colUsers).UpdateOne(ctx,
		bson.M{"_id": username},
		bson.M{
			"$set": bson.M{
				"password": user.Password,
				"role":     user.Role,
				"storeIds": user.StoreIDs,
				"active":   user.Active,
			},
			"$setOnInsert": bson.M{"createdAt": user.CreatedAt},
		},
		options.Update().SetUpsert(true),
	)
	return mapError(err)
}
