package store

import (
	"context"
	"errors"
	"time"

	"localventas/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports that the backend aborted an atomic unit because a
	// concurrent writer touched the same documents. The unit may be retried.
	ErrConflict = errors.New("write conflict")
	ErrInvalid  = errors.New("invalid record")
)

// SaleTx is the view of one store available inside an atomic unit.
// Reads observe the state the unit will commit against.
type SaleTx interface {
	GetInventoryItem(ctx context.Context, productID string) (*domain.InventoryItem, error)
	SetStockQuantity(ctx context.Context, productID string, qty int) error
	InsertSaleLine(ctx context.Context, line domain.SaleLine) error
	SaleLinesByTransaction(ctx context.Context, transactionID string) ([]domain.SaleLine, error)
}

// Transactor is implemented by backends with multi-document atomicity.
// RunInTransaction commits only when fn returns nil.
type Transactor interface {
	RunInTransaction(ctx context.Context, storeID string, fn func(ctx context.Context, tx SaleTx) error) error
}

// ConditionalInventory is implemented by backends that can only guarantee
// single-document atomicity.
type ConditionalInventory interface {
	// DecrementStockIfAvailable returns the item as it was before the
	// decrement, *domain.InsufficientStockError or ErrNotFound.
	DecrementStockIfAvailable(ctx context.Context, storeID string, productID string, qty int) (*domain.InventoryItem, error)
	IncrementStock(ctx context.Context, storeID string, productID string, qty int) error
	InsertSaleLines(ctx context.Context, lines []domain.SaleLine) error
	DeleteSaleLines(ctx context.Context, ids []string) error
	FindSaleLinesByTransaction(ctx context.Context, storeID string, transactionID string) ([]domain.SaleLine, error)
}

type SaleLineFilter struct {
	StoreID              string
	From                 time.Time
	To                   time.Time
	MissingTransactionID bool
	Limit                int
}

type SaleLineReader interface {
	// ListSaleLines returns matching lines ordered by timestamp ascending.
	ListSaleLines(ctx context.Context, filter SaleLineFilter) ([]domain.SaleLine, error)
}

type TransactionIDAssignment struct {
	LineID        string
	TransactionID string
}

type AssignmentResult struct {
	Updated int
	// Skipped counts lines that already carried a transaction id.
	Skipped  int
	Failures map[string]error
}

type TransactionIDWriter interface {
	// AssignTransactionIDs writes ids onto lines that still have none.
	// Batches are not atomic; per-line failures land in the result.
	AssignTransactionIDs(ctx context.Context, assignments []TransactionIDAssignment) (AssignmentResult, error)
}

type InventoryStore interface {
	GetInventoryItem(ctx context.Context, storeID string, productID string) (*domain.InventoryItem, error)
	ListInventory(ctx context.Context, storeID string) ([]domain.InventoryItem, error)
	UpsertInventoryItems(ctx context.Context, storeID string, items []domain.InventoryItem) error
	UpdateInventoryItem(ctx context.Context, storeID string, productID string, req domain.InventoryUpdateRequest) (*domain.InventoryItem, error)
}

type StoreDirectory interface {
	ListStores(ctx context.Context) ([]domain.Store, error)
	GetStore(ctx context.Context, storeID string) (*domain.Store, error)
}

type CatalogReader interface {
	ListCatalogProducts(ctx context.Context) ([]domain.CatalogProduct, error)
}

type AuditLogStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type UserStore interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Repository is the full backend surface. Sale registration additionally
// needs Transactor or ConditionalInventory, detected at runtime.
type Repository interface {
	StoreDirectory
	InventoryStore
	CatalogReader
	SaleLineReader
	TransactionIDWriter
	AuditLogStore
	UserStore
}

// UserProvisioner is implemented by backends that can create accounts, used
// to bootstrap the first administrator of an empty database.
type UserProvisioner interface {
	UpsertUser(ctx context.Context, user domain.UserAccount) error
}
