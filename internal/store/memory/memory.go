package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/logging"
	"localventas/backend/internal/store"
	"localventas/backend/internal/xid"
)

type stockRecord struct {
	item    domain.InventoryItem
	version int64
}

type Store struct {
	mu              sync.RWMutex
	stores          map[string]domain.Store
	inventory       map[string]map[string]*stockRecord
	catalog         []domain.CatalogProduct
	saleLines       []domain.SaleLine
	lineIndex       map[string]int
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount

	pendingConflicts int
	insertFailure    error
	assignFailures   map[string]error
}

func New() *Store {
	return &Store{
		stores:          make(map[string]domain.Store),
		inventory:       make(map[string]map[string]*stockRecord),
		lineIndex:       make(map[string]int),
		usersByUsername: make(map[string]domain.UserAccount),
		assignFailures:  make(map[string]error),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD.
// If unset, dev defaults are used and a warning is logged.
func seedUsers(log *logrus.Entry) (map[string]domain.UserAccount, error) {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		stores   []string
	}{
		{"admin", adminPwd, domain.RoleAdmin, nil},
		{"cashier", cashierPwd, domain.RoleCashier, []string{"main-store"}},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			StoreIDs:  u.stores,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo stores, catalog and users.
func NewSeeded(log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logging.Module(nil, "store.memory")
	}
	s := New()
	now := time.Now().UTC()

	s.AddStore(domain.Store{ID: "main-store", Name: "Local Centro", Address: "Av. Principal 123", Active: true, CreatedAt: now})
	s.AddStore(domain.Store{ID: "branch-norte", Name: "Local Norte", Address: "Calle Norte 45", Active: true, CreatedAt: now})

	products := []domain.CatalogProduct{
		{ID: "P-PAN-01", Name: "Pan Amasado", UnitPrice: decimal.NewFromInt(1200), StockQuantity: 80},
		{ID: "P-LECHE-01", Name: "Leche Entera 1L", UnitPrice: decimal.NewFromInt(1090), StockQuantity: 60},
		{ID: "P-QUESO-01", Name: "Queso Gauda 250g", UnitPrice: decimal.NewFromInt(3490), StockQuantity: 25},
		{ID: "P-CAFE-01", Name: "Cafe Molido 250g", UnitPrice: decimal.NewFromInt(4590), StockQuantity: 30},
		{ID: "P-AZUCAR-01", Name: "Azucar 1kg", UnitPrice: decimal.NewFromInt(1350), StockQuantity: 45},
		{ID: "P-ACEITE-01", Name: "Aceite Maravilla 1L", UnitPrice: decimal.NewFromInt(2790), StockQuantity: 20},
		{ID: "P-ARROZ-01", Name: "Arroz Grado 1 1kg", UnitPrice: decimal.NewFromInt(1590), StockQuantity: 50},
		{ID: "P-JABON-01", Name: "Jabon Glicerina", UnitPrice: decimal.NewFromInt(890), StockQuantity: 40},
	}
	s.SeedCatalog(products)

	items := make([]domain.InventoryItem, 0, len(products))
	for _, p := range products {
		items = append(items, domain.InventoryItem{
			ProductID:     p.ID,
			Name:          p.Name,
			UnitPrice:     p.UnitPrice,
			StockQuantity: p.StockQuantity,
			Active:        true,
		})
	}
	_ = s.UpsertInventoryItems(context.Background(), "main-store", items)

	users, err := seedUsers(log)
	if err != nil {
		return nil, err
	}
	s.usersByUsername = users
	return s, nil
}

func (s *Store) AddStore(st domain.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	s.stores[st.ID] = st
	if _, ok := s.inventory[st.ID]; !ok {
		s.inventory[st.ID] = make(map[string]*stockRecord)
	}
}

func (s *Store) SeedCatalog(products []domain.CatalogProduct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = append(s.catalog, products...)
}

func (s *Store) AddUser(user domain.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	s.usersByUsername[user.Username] = user
}

// ImportSaleDocuments loads raw sale documents through the legacy
// normalizer, the same path document backends use when reading.
func (s *Store) ImportSaleDocuments(docs map[string]map[string]any) error {
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		lines, err := domain.NormalizeSaleDocument(id, docs[id])
		if err != nil {
			return err
		}
		for _, line := range lines {
			if err := s.appendLineLocked(line); err != nil {
				return err
			}
		}
	}
	return nil
}

// InjectConflicts makes the next n transaction commits fail with
// store.ErrConflict.
func (s *Store) InjectConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingConflicts = n
}

// FailSaleLineInserts makes every sale line write fail with err until reset
// with nil.
func (s *Store) FailSaleLineInserts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertFailure = err
}

func (s *Store) FailAssignment(lineID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.assignFailures, lineID)
		return
	}
	s.assignFailures[lineID] = err
}

func (s *Store) ListStores(_ context.Context) ([]domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stores := make([]domain.Store, 0, len(s.stores))
	for _, st := range s.stores {
		stores = append(stores, st)
	}
	slices.SortFunc(stores, func(a, b domain.Store) int {
		return strings.Compare(a.Name, b.Name)
	})
	return stores, nil
}

func (s *Store) GetStore(_ context.Context, storeID string) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stores[storeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &st, nil
}

func (s *Store) ListCatalogProducts(_ context.Context) ([]domain.CatalogProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.catalog), nil
}

func (s *Store) GetInventoryItem(_ context.Context, storeID string, productID string) (*domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.inventory[storeID][productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	item := cloneItem(rec.item)
	return &item, nil
}

func (s *Store) ListInventory(_ context.Context, storeID string) ([]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byProduct, ok := s.inventory[storeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	items := make([]domain.InventoryItem, 0, len(byProduct))
	for _, rec := range byProduct {
		items = append(items, cloneItem(rec.item))
	}
	slices.SortFunc(items, func(a, b domain.InventoryItem) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return items, nil
}

func (s *Store) UpsertInventoryItems(_ context.Context, storeID string, items []domain.InventoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byProduct, ok := s.inventory[storeID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	for _, item := range items {
		if item.ProductID == "" || item.StockQuantity < 0 || item.UnitPrice.IsNegative() {
			return store.ErrInvalid
		}
		item.StoreID = storeID
		item.UpdatedAt = now
		if rec, exists := byProduct[item.ProductID]; exists {
			rec.item = cloneItem(item)
			rec.version++
			continue
		}
		byProduct[item.ProductID] = &stockRecord{item: cloneItem(item), version: 1}
	}
	return nil
}

func (s *Store) UpdateInventoryItem(_ context.Context, storeID string, productID string, req domain.InventoryUpdateRequest) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.inventory[storeID][productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	updated := cloneItem(rec.item)
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.UnitPrice != nil {
		updated.UnitPrice = *req.UnitPrice
	}
	if req.StockQuantity != nil {
		updated.StockQuantity = *req.StockQuantity
	}
	if req.Description != nil {
		updated.Description = *req.Description
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if updated.Name == "" || updated.StockQuantity < 0 || updated.UnitPrice.IsNegative() {
		return nil, store.ErrInvalid
	}
	updated.UpdatedAt = time.Now().UTC()
	rec.item = updated
	rec.version++

	result := cloneItem(updated)
	return &result, nil
}

func (s *Store) ListSaleLines(_ context.Context, filter store.SaleLineFilter) ([]domain.SaleLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := make([]domain.SaleLine, 0, 64)
	for _, line := range s.saleLines {
		if !matchesFilter(line, filter) {
			continue
		}
		lines = append(lines, line)
	}
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].Timestamp.Before(lines[j].Timestamp)
	})
	if filter.Limit > 0 && len(lines) > filter.Limit {
		lines = lines[:filter.Limit]
	}
	return lines, nil
}

func matchesFilter(line domain.SaleLine, filter store.SaleLineFilter) bool {
	if filter.StoreID != "" && line.StoreID != filter.StoreID {
		return false
	}
	if !filter.From.IsZero() && line.Timestamp.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && !line.Timestamp.Before(filter.To) {
		return false
	}
	if filter.MissingTransactionID && line.TransactionID != "" {
		return false
	}
	return true
}

func (s *Store) AssignTransactionIDs(_ context.Context, assignments []store.TransactionIDAssignment) (store.AssignmentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := store.AssignmentResult{Failures: map[string]error{}}
	for _, a := range assignments {
		if err, ok := s.assignFailures[a.LineID]; ok {
			result.Failures[a.LineID] = err
			continue
		}
		idx, ok := s.lineIndex[a.LineID]
		if !ok {
			result.Failures[a.LineID] = store.ErrNotFound
			continue
		}
		if s.saleLines[idx].TransactionID != "" {
			result.Skipped++
			continue
		}
		s.saleLines[idx].TransactionID = a.TransactionID
		result.Updated++
	}
	return result, nil
}

func (s *Store) DecrementStockIfAvailable(_ context.Context, storeID string, productID string, qty int) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.inventory[storeID][productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	before := cloneItem(rec.item)
	if rec.item.StockQuantity < qty {
		return nil, &domain.InsufficientStockError{ProductID: productID, Requested: qty, Available: rec.item.StockQuantity}
	}
	rec.item.StockQuantity -= qty
	rec.item.UpdatedAt = time.Now().UTC()
	rec.version++
	return &before, nil
}

func (s *Store) IncrementStock(_ context.Context, storeID string, productID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.inventory[storeID][productID]
	if !ok {
		return store.ErrNotFound
	}
	rec.item.StockQuantity += qty
	rec.item.UpdatedAt = time.Now().UTC()
	rec.version++
	return nil
}

func (s *Store) InsertSaleLines(_ context.Context, lines []domain.SaleLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insertFailure != nil {
		return s.insertFailure
	}
	for _, line := range lines {
		if line.ID != "" {
			if _, exists := s.lineIndex[line.ID]; exists {
				return fmt.Errorf("%w: duplicate sale line %s", store.ErrConflict, line.ID)
			}
		}
	}
	for _, line := range lines {
		if err := s.appendLineLocked(line); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteSaleLines(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := s.saleLines[:0]
	for _, line := range s.saleLines {
		if _, ok := drop[line.ID]; ok {
			continue
		}
		kept = append(kept, line)
	}
	s.saleLines = kept
	s.reindexLocked()
	return nil
}

func (s *Store) FindSaleLinesByTransaction(_ context.Context, storeID string, transactionID string) ([]domain.SaleLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.linesByTransactionLocked(storeID, transactionID), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if storeID != "" && entry.StoreID != storeID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalid
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) appendLineLocked(line domain.SaleLine) error {
	if line.ID == "" {
		line.ID = xid.New("line")
	}
	if _, exists := s.lineIndex[line.ID]; exists {
		return fmt.Errorf("%w: duplicate sale line %s", store.ErrConflict, line.ID)
	}
	s.lineIndex[line.ID] = len(s.saleLines)
	s.saleLines = append(s.saleLines, line)
	return nil
}

func (s *Store) reindexLocked() {
	s.lineIndex = make(map[string]int, len(s.saleLines))
	for i, line := range s.saleLines {
		s.lineIndex[line.ID] = i
	}
}

func (s *Store) linesByTransactionLocked(storeID string, transactionID string) []domain.SaleLine {
	lines := make([]domain.SaleLine, 0, 4)
	for _, line := range s.saleLines {
		if line.TransactionID == transactionID && (storeID == "" || line.StoreID == storeID) {
			lines = append(lines, line)
		}
	}
	return lines
}

func cloneItem(src domain.InventoryItem) domain.InventoryItem {
	dst := src
	if src.MigratedAt != nil {
		at := *src.MigratedAt
		dst.MigratedAt = &at
	}
	return dst
}

func (s *Store) UpsertUser(_ context.Context, user domain.UserAccount) error {
	if strings.TrimSpace(user.Username) == "" {
		return store.ErrInvalid
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.AddUser(user)
	return nil
}
