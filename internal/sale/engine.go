package sale

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"localventas/backend/internal/blob"
	"localventas/backend/internal/domain"
	"localventas/backend/internal/logging"
	"localventas/backend/internal/metrics"
	"localventas/backend/internal/store"
	"localventas/backend/internal/xid"
)

type Mode string

const (
	ModeTransactional Mode = "transactional"
	ModePerProduct    Mode = "per-product"
)

type Config struct {
	MaxAttempts     int
	RetryBackoff    time.Duration
	Mode            Mode
	ReceiptMaxWidth int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		RetryBackoff:    50 * time.Millisecond,
		Mode:            ModeTransactional,
		ReceiptMaxWidth: blob.DefaultReceiptMaxWidth,
	}
}

type Engine struct {
	tx       store.Transactor
	cond     store.ConditionalInventory
	blobs    blob.Store
	cfg      Config
	validate *validator.Validate
	metrics  *metrics.Metrics
	log      *logrus.Entry
	now      func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine inspects backend for store.Transactor and
// store.ConditionalInventory. Transactional mode falls back to per-product
// mode when the backend has no multi-document transactions.
func NewEngine(backend any, blobs blob.Store, cfg Config, log *logrus.Entry, opts ...Option) (*Engine, error) {
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.ReceiptMaxWidth <= 0 {
		cfg.ReceiptMaxWidth = def.ReceiptMaxWidth
	}
	if log == nil {
		log = logging.Module(nil, "sale")
	}

	e := &Engine{
		blobs:    blobs,
		cfg:      cfg,
		validate: validator.New(),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if tx, ok := backend.(store.Transactor); ok {
		e.tx = tx
	}
	if cond, ok := backend.(store.ConditionalInventory); ok {
		e.cond = cond
	}

	switch cfg.Mode {
	case ModeTransactional:
		if e.tx == nil {
			if e.cond == nil {
				return nil, fmt.Errorf("sale backend supports neither transactions nor conditional updates")
			}
			e.cfg.Mode = ModePerProduct
			log.Warn("backend has no multi-document transactions, using per-product atomicity")
		}
	case ModePerProduct:
		if e.cond == nil {
			return nil, fmt.Errorf("sale backend does not support conditional stock updates")
		}
	default:
		return nil, fmt.Errorf("unknown sale atomicity mode %q", cfg.Mode)
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Mode() Mode {
	return e.cfg.Mode
}

// RegisterSale decrements stock and records one SaleLine per cart item as a
// single unit. On any error nothing from this call remains persisted.
func (e *Engine) RegisterSale(ctx context.Context, req domain.RegisterSaleRequest) (domain.TransactionResult, error) {
	result, err := e.registerSale(ctx, req)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = outcomeLabel(err)
	case result.Duplicate:
		outcome = "duplicate"
	}
	e.metrics.SaleRegistered(string(req.PaymentMethod), outcome, result.Attempts)

	fields := logrus.Fields{
		"store_id":       req.StoreID,
		"payment_method": req.PaymentMethod,
		"items":          len(req.CartItems),
	}
	if err != nil {
		if outcome == "error" || outcome == "conflict" {
			logging.LogError(e.log, "RegisterSale", err, fields)
		} else {
			e.log.WithFields(fields).WithError(err).Info("sale rejected")
		}
		return domain.TransactionResult{}, err
	}

	fields["transaction_id"] = result.TransactionID
	fields["attempts"] = result.Attempts
	fields["duplicate"] = result.Duplicate
	e.log.WithFields(fields).Info("sale registered")
	return result, nil
}

func (e *Engine) registerSale(ctx context.Context, req domain.RegisterSaleRequest) (domain.TransactionResult, error) {
	req.StoreID = strings.TrimSpace(req.StoreID)
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	for i := range req.CartItems {
		req.CartItems[i].ProductID = strings.TrimSpace(req.CartItems[i].ProductID)
	}
	if err := e.validate.Struct(req); err != nil {
		return domain.TransactionResult{}, validationError(err)
	}
	items := mergeItems(req.CartItems)

	receiptURL := ""
	if req.PaymentMethod == domain.PaymentTransfer {
		hasAsset := req.Receipt != nil && len(req.Receipt.Data) > 0
		if req.ReceiptURL == "" && !hasAsset {
			return domain.TransactionResult{}, domain.ErrMissingReceipt
		}
		receiptURL = req.ReceiptURL
		if hasAsset {
			url, err := e.uploadReceipt(ctx, req.StoreID, req.Receipt)
			if err != nil {
				return domain.TransactionResult{}, err
			}
			receiptURL = url
		}
	}

	transactionID := req.TransactionID
	if transactionID == "" {
		transactionID = xid.New("venta")
	}
	draft := draftSale{
		storeID:       req.StoreID,
		transactionID: transactionID,
		paymentMethod: req.PaymentMethod,
		receiptURL:    receiptURL,
		recordedBy:    req.RecordedBy,
		timestamp:     e.now(),
		items:         items,
	}

	for attempt := 1; ; attempt++ {
		var (
			res domain.TransactionResult
			err error
		)
		if e.cfg.Mode == ModePerProduct {
			res, err = e.attemptPerProduct(ctx, draft)
		} else {
			res, err = e.attemptTransactional(ctx, draft)
		}
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		if errors.Is(err, domain.ErrTransactionConflict) || !errors.Is(err, store.ErrConflict) {
			return domain.TransactionResult{Attempts: attempt}, err
		}

		e.metrics.SaleConflict()
		e.log.WithFields(logrus.Fields{
			"store_id":       draft.storeID,
			"transaction_id": draft.transactionID,
			"attempt":        attempt,
		}).Warn("sale aborted by concurrent write")
		if attempt >= e.cfg.MaxAttempts {
			return domain.TransactionResult{Attempts: attempt}, fmt.Errorf("%w: gave up after %d attempts: %v", domain.ErrTransactionConflict, attempt, err)
		}
		if err := sleepContext(ctx, time.Duration(attempt)*e.cfg.RetryBackoff); err != nil {
			return domain.TransactionResult{Attempts: attempt}, err
		}
	}
}

type draftSale struct {
	storeID       string
	transactionID string
	paymentMethod domain.PaymentMethod
	receiptURL    string
	recordedBy    string
	timestamp     time.Time
	items         []domain.CartItem
}

func (d draftSale) line(index int, item domain.CartItem, inv domain.InventoryItem) domain.SaleLine {
	return domain.SaleLine{
		ID:                 fmt.Sprintf("%s#%d", d.transactionID, index),
		StoreID:            d.storeID,
		ProductID:          item.ProductID,
		ProductName:        inv.Name,
		Quantity:           item.Quantity,
		UnitPrice:          inv.UnitPrice,
		LineTotal:          inv.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))),
		PaymentMethod:      d.paymentMethod,
		Timestamp:          d.timestamp,
		TransferReceiptURL: d.receiptURL,
		TransactionID:      d.transactionID,
		RecordedBy:         d.recordedBy,
	}
}

func (d draftSale) result(lines []domain.SaleLine) domain.TransactionResult {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.LineTotal)
	}
	return domain.TransactionResult{
		TransactionID: d.transactionID,
		StoreID:       d.storeID,
		PaymentMethod: d.paymentMethod,
		Lines:         lines,
		TotalAmount:   total,
		Timestamp:     d.timestamp,
		ReceiptURL:    d.receiptURL,
	}
}

func duplicateResult(storeID string, transactionID string, lines []domain.SaleLine) domain.TransactionResult {
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	res := draftSale{
		storeID:       storeID,
		transactionID: transactionID,
		paymentMethod: lines[0].PaymentMethod,
		receiptURL:    lines[0].TransferReceiptURL,
		timestamp:     lines[0].Timestamp,
	}.result(lines)
	res.Duplicate = true
	return res
}

func (e *Engine) attemptTransactional(ctx context.Context, d draftSale) (domain.TransactionResult, error) {
	var (
		lines    []domain.SaleLine
		existing []domain.SaleLine
	)
	err := e.tx.RunInTransaction(ctx, d.storeID, func(ctx context.Context, tx store.SaleTx) error {
		lines = lines[:0]
		existing = nil

		found, err := tx.SaleLinesByTransaction(ctx, d.transactionID)
		if err != nil {
			return err
		}
		if len(found) > 0 {
			existing = found
			return nil
		}

		for i, item := range d.items {
			inv, err := tx.GetInventoryItem(ctx, item.ProductID)
			if errors.Is(err, store.ErrNotFound) || (err == nil && !inv.Active) {
				return &domain.ProductNotFoundError{StoreID: d.storeID, ProductID: item.ProductID}
			}
			if err != nil {
				return err
			}
			if item.Quantity > inv.StockQuantity {
				return &domain.InsufficientStockError{ProductID: item.ProductID, Requested: item.Quantity, Available: inv.StockQuantity}
			}
			if err := tx.SetStockQuantity(ctx, item.ProductID, inv.StockQuantity-item.Quantity); err != nil {
				return err
			}
			line := d.line(i+1, item, *inv)
			if err := tx.InsertSaleLine(ctx, line); err != nil {
				return err
			}
			lines = append(lines, line)
		}
		return nil
	})
	if err != nil {
		return domain.TransactionResult{}, err
	}
	if existing != nil {
		return duplicateResult(d.storeID, d.transactionID, existing), nil
	}
	return d.result(lines), nil
}

// attemptPerProduct applies one conditional decrement per product, then the
// lines. Failures undo what was applied before returning.
func (e *Engine) attemptPerProduct(ctx context.Context, d draftSale) (domain.TransactionResult, error) {
	found, err := e.cond.FindSaleLinesByTransaction(ctx, d.storeID, d.transactionID)
	if err != nil {
		return domain.TransactionResult{}, err
	}
	if len(found) > 0 {
		return duplicateResult(d.storeID, d.transactionID, found), nil
	}

	ordered := make([]domain.CartItem, len(d.items))
	copy(ordered, d.items)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ProductID < ordered[j].ProductID })

	applied := make([]domain.CartItem, 0, len(ordered))
	before := make(map[string]domain.InventoryItem, len(ordered))
	for _, item := range ordered {
		inv, err := e.cond.DecrementStockIfAvailable(ctx, d.storeID, item.ProductID, item.Quantity)
		if errors.Is(err, store.ErrNotFound) {
			err = &domain.ProductNotFoundError{StoreID: d.storeID, ProductID: item.ProductID}
		}
		if err != nil {
			return domain.TransactionResult{}, e.compensate(ctx, d, applied, nil, err)
		}
		applied = append(applied, item)
		if !inv.Active {
			return domain.TransactionResult{}, e.compensate(ctx, d, applied, nil, &domain.ProductNotFoundError{StoreID: d.storeID, ProductID: item.ProductID})
		}
		before[item.ProductID] = *inv
	}

	lines := make([]domain.SaleLine, 0, len(d.items))
	ids := make([]string, 0, len(d.items))
	for i, item := range d.items {
		line := d.line(i+1, item, before[item.ProductID])
		lines = append(lines, line)
		ids = append(ids, line.ID)
	}
	if err := e.cond.InsertSaleLines(ctx, lines); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return domain.TransactionResult{}, e.compensate(ctx, d, applied, ids, err)
		}
		// The line ids are taken: a concurrent request with the same
		// transaction id won. Its lines must survive the rollback.
		if cerr := e.compensate(ctx, d, applied, nil, err); errors.Is(cerr, domain.ErrTransactionConflict) {
			return domain.TransactionResult{}, cerr
		}
		found, ferr := e.cond.FindSaleLinesByTransaction(ctx, d.storeID, d.transactionID)
		if ferr == nil && len(found) > 0 {
			return duplicateResult(d.storeID, d.transactionID, found), nil
		}
		return domain.TransactionResult{}, err
	}
	return d.result(lines), nil
}

func (e *Engine) compensate(ctx context.Context, d draftSale, applied []domain.CartItem, lineIDs []string, cause error) error {
	ctx = context.WithoutCancel(ctx)

	var failures []error
	if len(lineIDs) > 0 {
		if err := e.cond.DeleteSaleLines(ctx, lineIDs); err != nil {
			failures = append(failures, fmt.Errorf("delete lines: %w", err))
		}
	}
	for _, item := range applied {
		if err := e.cond.IncrementStock(ctx, d.storeID, item.ProductID, item.Quantity); err != nil {
			failures = append(failures, fmt.Errorf("restore %s: %w", item.ProductID, err))
		}
	}
	if len(failures) == 0 {
		return cause
	}

	compErr := errors.Join(failures...)
	logging.LogError(e.log, "compensate", compErr, logrus.Fields{
		"store_id":       d.storeID,
		"transaction_id": d.transactionID,
		"cause":          cause.Error(),
	})
	return fmt.Errorf("%w: compensation incomplete after %w: %w", domain.ErrTransactionConflict, cause, compErr)
}

func (e *Engine) uploadReceipt(ctx context.Context, storeID string, asset *domain.ReceiptAsset) (string, error) {
	data, contentType, err := blob.PrepareReceipt(asset.Data, e.cfg.ReceiptMaxWidth)
	if err != nil {
		return "", domain.Validationf("receipt: %v", err)
	}
	if e.blobs == nil {
		return "", fmt.Errorf("%w: no blob store configured", domain.ErrUploadFailed)
	}
	key := blob.ReceiptKey(storeID, e.now(), contentType)
	url, err := e.blobs.Put(ctx, key, data, contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUploadFailed, err)
	}
	return url, nil
}

// mergeItems sums quantities of repeated products, keeping first-seen order.
func mergeItems(items []domain.CartItem) []domain.CartItem {
	index := make(map[string]int, len(items))
	merged := make([]domain.CartItem, 0, len(items))
	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.Validationf("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return domain.Validationf("%s", strings.Join(msgs, "; "))
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrProductNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrTransactionConflict):
		return "conflict"
	case errors.Is(err, domain.ErrUploadFailed):
		return "upload_failed"
	default:
		return "error"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
