package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentTransfer PaymentMethod = "transfer"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCash || m == PaymentTransfer
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
	RoleSystem  = "system"
)

type Store struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type InventoryItem struct {
	StoreID                   string          `json:"store_id"`
	ProductID                 string          `json:"product_id"`
	Name                      string          `json:"name"`
	UnitPrice                 decimal.Decimal `json:"unit_price"`
	StockQuantity             int             `json:"stock_quantity"`
	Description               string          `json:"description,omitempty"`
	Active                    bool            `json:"active"`
	MigratedFromGlobalCatalog bool            `json:"migrated_from_global_catalog"`
	SourceProductID           string          `json:"source_product_id,omitempty"`
	MigratedAt                *time.Time      `json:"migrated_at,omitempty"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

// CatalogProduct is an entry of the global product catalog that predates
// per-store inventories.
type CatalogProduct struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	StockQuantity int             `json:"stock_quantity"`
	Description   string          `json:"description,omitempty"`
}

type InventoryUpdateRequest struct {
	Name          *string          `json:"name,omitempty"`
	UnitPrice     *decimal.Decimal `json:"unit_price,omitempty"`
	StockQuantity *int             `json:"stock_quantity,omitempty" validate:"omitempty,gte=0"`
	Description   *string          `json:"description,omitempty"`
	Active        *bool            `json:"active,omitempty"`
}

// SaleLine is one product-quantity entry persisted at checkout time.
// LineTotal is fixed when the line is written.
type SaleLine struct {
	ID                 string          `json:"id"`
	StoreID            string          `json:"store_id"`
	ProductID          string          `json:"product_id"`
	ProductName        string          `json:"product_name"`
	Quantity           int             `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	LineTotal          decimal.Decimal `json:"line_total"`
	PaymentMethod      PaymentMethod   `json:"payment_method"`
	Timestamp          time.Time       `json:"timestamp"`
	TransferReceiptURL string          `json:"transfer_receipt_url,omitempty"`
	TransactionID      string          `json:"transaction_id,omitempty"`
	RecordedBy         string          `json:"recorded_by,omitempty"`
}

// Transaction is a checkout derived from one or more sale lines.
type Transaction struct {
	TransactionID string          `json:"transaction_id"`
	StoreID       string          `json:"store_id"`
	Timestamp     time.Time       `json:"timestamp"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Lines         []SaleLine      `json:"lines"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Synthetic     bool            `json:"synthetic"`
}

func (t Transaction) ItemCount() int {
	count := 0
	for _, line := range t.Lines {
		count += line.Quantity
	}
	return count
}

type CartItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type ReceiptAsset struct {
	Data        []byte
	ContentType string
	FileName    string
}

type RegisterSaleRequest struct {
	StoreID       string        `json:"store_id" validate:"required"`
	CartItems     []CartItem    `json:"cart_items" validate:"required,min=1,dive"`
	PaymentMethod PaymentMethod `json:"payment_method" validate:"required,oneof=cash transfer"`
	// TransactionID is optional; a client that retries after a timeout sends
	// the id of the first attempt so the sale is not applied twice.
	TransactionID string        `json:"transaction_id,omitempty"`
	ReceiptURL    string        `json:"receipt_url,omitempty" validate:"omitempty,url"`
	Receipt       *ReceiptAsset `json:"-"`
	RecordedBy    string        `json:"-"`
}

type TransactionResult struct {
	TransactionID string          `json:"transaction_id"`
	StoreID       string          `json:"store_id"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Lines         []SaleLine      `json:"lines"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Timestamp     time.Time       `json:"timestamp"`
	ReceiptURL    string          `json:"receipt_url,omitempty"`
	Attempts      int             `json:"attempts"`
	Duplicate     bool            `json:"duplicate"`
}

type PeriodSummary struct {
	TotalRevenue            decimal.Decimal `json:"total_revenue"`
	TransactionCount        int             `json:"transaction_count"`
	AverageTransactionValue decimal.Decimal `json:"average_transaction_value"`
}

type MonthlyRevenue struct {
	Month int             `json:"month"`
	Label string          `json:"label"`
	Total decimal.Decimal `json:"total"`
}

type StoreSummary struct {
	StoreID   string `json:"store_id"`
	StoreName string `json:"store_name"`
	PeriodSummary
	Today PeriodSummary `json:"today"`
}

type Dashboard struct {
	StoreID       string           `json:"store_id,omitempty"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Year          int              `json:"year"`
	Overall       PeriodSummary    `json:"overall"`
	Today         PeriodSummary    `json:"today"`
	ThisMonth     PeriodSummary    `json:"this_month"`
	MonthlySeries []MonthlyRevenue `json:"monthly_series"`
	Recent        []Transaction    `json:"recent"`
	ByStore       []StoreSummary   `json:"by_store,omitempty"`
}

type DailySummary struct {
	StoreID         string              `json:"store_id"`
	Date            string              `json:"date"`
	Summary         PeriodSummary       `json:"summary"`
	ByPaymentMethod []PaymentMethodTotal `json:"by_payment_method"`
	Transactions    []Transaction       `json:"transactions"`
}

type PaymentMethodTotal struct {
	PaymentMethod    PaymentMethod   `json:"payment_method"`
	TransactionCount int             `json:"transaction_count"`
	Total            decimal.Decimal `json:"total"`
}

type LineFailure struct {
	LineID string `json:"line_id"`
	Error  string `json:"error"`
}

type BackfillReport struct {
	StoreFilter         string        `json:"store_filter,omitempty"`
	DryRun              bool          `json:"dry_run"`
	LinesScanned        int           `json:"lines_scanned"`
	LinesUpdated        int           `json:"lines_updated"`
	TransactionsCreated int           `json:"transactions_created"`
	SingleLineBuckets   int           `json:"single_line_buckets"`
	Failures            []LineFailure `json:"failures,omitempty"`
	StartedAt           time.Time     `json:"started_at"`
	FinishedAt          time.Time     `json:"finished_at"`
}

type CatalogMigrationReport struct {
	StoresProcessed int           `json:"stores_processed"`
	ItemsCopied     int           `json:"items_copied"`
	ItemsSkipped    int           `json:"items_skipped"`
	Failures        []LineFailure `json:"failures,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string   `json:"access_token"`
	Role        string   `json:"role"`
	StoreIDs    []string `json:"store_ids,omitempty"`
	ExpiresAt   string   `json:"expires_at"`
}

type Actor struct {
	Username string   `json:"username"`
	Role     string   `json:"role"`
	StoreIDs []string `json:"store_ids,omitempty"`
}

// CanAccessStore reports whether the actor may act on storeID. Admins and
// actors without an assignment list are unrestricted.
func (a Actor) CanAccessStore(storeID string) bool {
	if a.Role == RoleAdmin || len(a.StoreIDs) == 0 {
		return true
	}
	for _, id := range a.StoreIDs {
		if id == storeID {
			return true
		}
	}
	return false
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	StoreIDs  []string  `json:"store_ids,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
