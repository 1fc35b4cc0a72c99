package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/store"
)

type transactional struct {
	*Store
}

// RunInTransaction runs fn in one session transaction. The driver's
// WithTransaction helper is not used because it retries on its own; the
// caller owns the retry policy.
func (t *transactional) RunInTransaction(ctx context.Context, storeID string, fn func(ctx context.Context, tx store.SaleTx) error) error {
	sess, err := t.client.StartSession()
	if err != nil {
		return mapError(err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	err = mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sess.StartTransaction(txOpts); err != nil {
			return err
		}
		tx := &sessionTx{s: t.Store, sc: sc, storeID: storeID, versions: make(map[string]int64)}
		if err := fn(sc, tx); err != nil {
			_ = sess.AbortTransaction(context.WithoutCancel(sc))
			return err
		}
		if err := sess.CommitTransaction(sc); err != nil {
			_ = sess.AbortTransaction(context.WithoutCancel(sc))
			return err
		}
		return nil
	})
	return mapError(err)
}

type sessionTx struct {
	s        *Store
	sc       mongo.SessionContext
	storeID  string
	versions map[string]int64
}

func (t *sessionTx) GetInventoryItem(_ context.Context, productID string) (*domain.InventoryItem, error) {
	item, version, _, err := t.s.findInventory(t.sc, t.storeID, productID)
	if err != nil {
		return nil, err
	}
	t.versions[productID] = version
	return item, nil
}

// SetStockQuantity writes only if the document still has the version seen
// by GetInventoryItem; otherwise the unit aborts with store.ErrConflict.
func (t *sessionTx) SetStockQuantity(_ context.Context, productID string, qty int) error {
	version, read := t.versions[productID]
	if !read || qty < 0 {
		return store.ErrInvalid
	}
	filter := bson.M{"_id": inventoryID(t.storeID, productID), "version": version}
	if version == 0 {
		filter["version"] = bson.M{"$in": bson.A{nil, 0}}
	}
	res, err := t.s.db.Collection(colInventory).UpdateOne(t.sc, filter, bson.M{
		"$set":   bson.M{"stockQuantity": qty, "updatedAt": time.Now().UTC()},
		"$inc":   bson.M{"version": 1},
		"$unset": legacyStockFields,
	})
	if err != nil {
		return mapError(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrConflict
	}
	t.versions[productID] = version + 1
	return nil
}

func (t *sessionTx) InsertSaleLine(_ context.Context, line domain.SaleLine) error {
	line.StoreID = t.storeID
	_, err := t.s.db.Collection(colSales).InsertOne(t.sc, saleDocument(line))
	return mapInsertError(err)
}

func (t *sessionTx) SaleLinesByTransaction(_ context.Context, transactionID string) ([]domain.SaleLine, error) {
	return t.s.FindSaleLinesByTransaction(t.sc, t.storeID, transactionID)
}

// DecrementStockIfAvailable is a single conditional update. Documents still
// holding stock under a legacy field are rewritten once to stockQuantity.
func (s *Store) DecrementStockIfAvailable(ctx context.Context, storeID string, productID string, qty int) (*domain.InventoryItem, error) {
	coll := s.db.Collection(colInventory)
	id := inventoryID(storeID, productID)

	for attempt := 0; attempt < 2; attempt++ {
		var raw bson.M
		err := coll.FindOneAndUpdate(ctx,
			bson.M{"_id": id, "stockQuantity": bson.M{"$gte": qty}},
			bson.M{"$inc": bson.M{"stockQuantity": -qty, "version": 1}, "$set": bson.M{"updatedAt": time.Now().UTC()}},
			options.FindOneAndUpdate().SetReturnDocument(options.Before),
		).Decode(&raw)
		if err == nil {
			_, doc := plainDoc(raw)
			item := domain.NormalizeInventoryDocument(storeID, productID, doc)
			return &item, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mapError(err)
		}

		item, _, canonical, err := s.findInventory(ctx, storeID, productID)
		if err != nil {
			return nil, err
		}
		if canonical || attempt > 0 {
			return nil, &domain.InsufficientStockError{ProductID: productID, Requested: qty, Available: item.StockQuantity}
		}
		_, err = coll.UpdateOne(ctx,
			bson.M{"_id": id, "stockQuantity": bson.M{"$exists": false}},
			bson.M{"$set": bson.M{"stockQuantity": item.StockQuantity}, "$unset": legacyStockFields},
		)
		if err != nil {
			return nil, mapError(err)
		}
	}
	return nil, store.ErrConflict
}

func (s *Store) IncrementStock(ctx context.Context, storeID string, productID string, qty int) error {
	res, err := s.db.Collection(colInventory).UpdateOne(ctx,
		bson.M{"_id": inventoryID(storeID, productID)},
		bson.M{"$inc": bson.M{"stockQuantity": qty, "version": 1}, "$set": bson.M{"updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return mapError(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) InsertSaleLines(ctx context.Context, lines []domain.SaleLine) error {
	if len(lines) == 0 {
		return nil
	}
	docs := make([]any, 0, len(lines))
	for _, line := range lines {
		docs = append(docs, saleDocument(line))
	}
	_, err := s.db.Collection(colSales).InsertMany(ctx, docs)
	return mapInsertError(err)
}

func (s *Store) DeleteSaleLines(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Collection(colSales).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return mapError(err)
}

func (s *Store) FindSaleLinesByTransaction(ctx context.Context, storeID string, transactionID string) ([]domain.SaleLine, error) {
	query := bson.M{"$and": bson.A{
		storeFilter(storeID),
		bson.M{"$or": bson.A{bson.M{"transactionId": transactionID}, bson.M{"ventaId": transactionID}}},
	}}
	cur, err := s.db.Collection(colSales).Find(ctx, query)
	if err != nil {
		return nil, mapError(err)
	}
	return s.decodeSaleLines(ctx, cur)
}
