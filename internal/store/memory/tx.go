package memory

import (
	"context"
	"time"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/store"
	"localventas/backend/internal/xid"
)

// memoryTx buffers writes and records the version of every item it reads.
// Commit fails with store.ErrConflict when any of those versions moved.
type memoryTx struct {
	s        *Store
	storeID  string
	reads    map[string]int64
	stock    map[string]int
	lines    []domain.SaleLine
	txLookup map[string]int
}

func (s *Store) RunInTransaction(ctx context.Context, storeID string, fn func(ctx context.Context, tx store.SaleTx) error) error {
	tx := &memoryTx{
		s:        s,
		storeID:  storeID,
		reads:    make(map[string]int64),
		stock:    make(map[string]int),
		txLookup: make(map[string]int),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingConflicts > 0 {
		s.pendingConflicts--
		return store.ErrConflict
	}
	if s.insertFailure != nil && len(tx.lines) > 0 {
		return s.insertFailure
	}
	byProduct := s.inventory[tx.storeID]
	for productID, version := range tx.reads {
		rec, ok := byProduct[productID]
		if !ok || rec.version != version {
			return store.ErrConflict
		}
	}
	for transactionID, seen := range tx.txLookup {
		if len(s.linesByTransactionLocked(tx.storeID, transactionID)) != seen {
			return store.ErrConflict
		}
	}
	for _, line := range tx.lines {
		if _, exists := s.lineIndex[line.ID]; exists {
			return store.ErrConflict
		}
	}

	now := time.Now().UTC()
	for productID, qty := range tx.stock {
		rec := byProduct[productID]
		rec.item.StockQuantity = qty
		rec.item.UpdatedAt = now
		rec.version++
	}
	for _, line := range tx.lines {
		if err := s.appendLineLocked(line); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTx) GetInventoryItem(_ context.Context, productID string) (*domain.InventoryItem, error) {
	t.s.mu.RLock()
	rec, ok := t.s.inventory[t.storeID][productID]
	var item domain.InventoryItem
	var version int64
	if ok {
		item = cloneItem(rec.item)
		version = rec.version
	}
	t.s.mu.RUnlock()

	if !ok {
		return nil, store.ErrNotFound
	}
	if _, seen := t.reads[productID]; !seen {
		t.reads[productID] = version
	}
	if qty, pending := t.stock[productID]; pending {
		item.StockQuantity = qty
	}
	return &item, nil
}

func (t *memoryTx) SetStockQuantity(_ context.Context, productID string, qty int) error {
	if _, read := t.reads[productID]; !read {
		return store.ErrInvalid
	}
	if qty < 0 {
		return store.ErrInvalid
	}
	t.stock[productID] = qty
	return nil
}

func (t *memoryTx) InsertSaleLine(_ context.Context, line domain.SaleLine) error {
	if line.ID == "" {
		line.ID = xid.New("line")
	}
	line.StoreID = t.storeID
	t.lines = append(t.lines, line)
	return nil
}

func (t *memoryTx) SaleLinesByTransaction(_ context.Context, transactionID string) ([]domain.SaleLine, error) {
	t.s.mu.RLock()
	committed := t.s.linesByTransactionLocked(t.storeID, transactionID)
	t.s.mu.RUnlock()

	if _, seen := t.txLookup[transactionID]; !seen {
		t.txLookup[transactionID] = len(committed)
	}
	for _, line := range t.lines {
		if line.TransactionID == transactionID {
			committed = append(committed, line)
		}
	}
	return committed, nil
}
