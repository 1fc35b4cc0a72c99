package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Accepted field names per canonical field, in lookup order. Stored
// documents were written by several generations of clients.
var (
	storeIDKeys       = []string{"storeId", "store_id", "localId", "local_id", "localID"}
	productIDKeys     = []string{"productId", "product_id", "productoId", "producto_id", "id"}
	productNameKeys   = []string{"productName", "product_name", "producto", "nombre", "Nombre", "name"}
	quantityKeys      = []string{"quantity", "cantidad", "qty"}
	lineTotalKeys     = []string{"lineTotal", "line_total", "total", "subtotal"}
	unitPriceKeys     = []string{"unitPrice", "unit_price", "precio_unitario", "precio", "Precio", "price"}
	paymentKeys       = []string{"paymentMethod", "payment_method", "tipo_pago", "metodo_pago", "metodoPago"}
	timestampKeys     = []string{"timestamp", "fecha", "date", "createdAt", "created_at"}
	receiptURLKeys    = []string{"transferReceiptUrl", "transfer_receipt_url", "imagen_transferencia_url", "comprobanteUrl"}
	transactionIDKeys = []string{"transactionId", "transaction_id", "ventaId", "venta_id"}
	recordedByKeys    = []string{"recordedBy", "recorded_by", "usuario", "vendedor"}
	nestedLinesKeys   = []string{"products", "productos", "items"}

	itemNameKeys        = []string{"name", "nombre", "Nombre", "productName", "producto"}
	itemStockKeys       = []string{"stockQuantity", "stock_quantity", "cantidad", "stock", "Stock"}
	itemDescriptionKeys = []string{"description", "descripcion", "Descripcion"}
)

// NormalizeSaleDocument maps a stored sale document onto canonical sale
// lines. A flat document yields one line. A grouped document carrying a
// products array yields one line per element, all sharing the document's
// venta id, or "doc:<id>" when it has none.
func NormalizeSaleDocument(id string, doc map[string]any) ([]SaleLine, error) {
	storeID := firstString(doc, storeIDKeys...)
	if storeID == "" {
		return nil, Validationf("sale document %s has no store id", id)
	}
	ts, ok := firstTime(doc, timestampKeys...)
	if !ok {
		return nil, Validationf("sale document %s has no timestamp", id)
	}

	base := SaleLine{
		ID:                 id,
		StoreID:            storeID,
		Timestamp:          ts,
		TransferReceiptURL: firstString(doc, receiptURLKeys...),
		TransactionID:      firstString(doc, transactionIDKeys...),
		RecordedBy:         firstString(doc, recordedByKeys...),
	}
	base.PaymentMethod = NormalizePaymentMethod(firstString(doc, paymentKeys...), base.TransferReceiptURL != "")

	if nested, ok := firstSlice(doc, nestedLinesKeys...); ok {
		if base.TransactionID == "" {
			base.TransactionID = "doc:" + id
		}
		lines := make([]SaleLine, 0, len(nested))
		for i, raw := range nested {
			item, ok := raw.(map[string]any)
			if !ok {
				return nil, Validationf("sale document %s line %d is not an object", id, i)
			}
			line := base
			line.ID = fmt.Sprintf("%s#%d", id, i)
			if err := fillLineAmounts(&line, item); err != nil {
				return nil, fmt.Errorf("sale document %s line %d: %w", id, i, err)
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			return nil, Validationf("sale document %s has an empty products array", id)
		}
		return lines, nil
	}

	line := base
	if err := fillLineAmounts(&line, doc); err != nil {
		return nil, fmt.Errorf("sale document %s: %w", id, err)
	}
	return []SaleLine{line}, nil
}

func fillLineAmounts(line *SaleLine, src map[string]any) error {
	line.ProductID = firstString(src, productIDKeys...)
	line.ProductName = firstString(src, productNameKeys...)
	if line.ProductID == "" && line.ProductName == "" {
		return Validationf("line has neither product id nor product name")
	}
	qty, ok := firstInt(src, quantityKeys...)
	if !ok {
		qty = 1
	}
	if qty <= 0 {
		return Validationf("line quantity %d is not positive", qty)
	}
	line.Quantity = qty

	unit, hasUnit := firstDecimal(src, unitPriceKeys...)
	total, hasTotal := firstDecimal(src, lineTotalKeys...)
	switch {
	case hasTotal:
		line.LineTotal = total
		if hasUnit {
			line.UnitPrice = unit
		} else {
			line.UnitPrice = total.Div(decimal.NewFromInt(int64(qty))).Round(2)
		}
	case hasUnit:
		line.UnitPrice = unit
		line.LineTotal = unit.Mul(decimal.NewFromInt(int64(qty)))
	default:
		return Validationf("line has neither total nor unit price")
	}
	return nil
}

// NormalizePaymentMethod maps legacy payment labels onto the canonical enum.
// Unknown labels fall back to transfer when a receipt is attached, otherwise cash.
func NormalizePaymentMethod(raw string, hasReceipt bool) PaymentMethod {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cash", "efectivo", "contado":
		return PaymentCash
	case "transfer", "transferencia", "transferencia bancaria":
		return PaymentTransfer
	}
	if hasReceipt {
		return PaymentTransfer
	}
	return PaymentCash
}

func NormalizeInventoryDocument(storeID string, productID string, doc map[string]any) InventoryItem {
	item := InventoryItem{
		StoreID:     storeID,
		ProductID:   productID,
		Name:        firstString(doc, itemNameKeys...),
		Description: firstString(doc, itemDescriptionKeys...),
		Active:      true,
	}
	if price, ok := firstDecimal(doc, unitPriceKeys...); ok {
		item.UnitPrice = price
	}
	if stock, ok := firstInt(doc, itemStockKeys...); ok && stock > 0 {
		item.StockQuantity = stock
	}
	if active, ok := doc["active"].(bool); ok {
		item.Active = active
	}
	if migrated, ok := doc["migratedFromGlobalCatalog"].(bool); ok {
		item.MigratedFromGlobalCatalog = migrated
	}
	item.SourceProductID = firstString(doc, "sourceProductId", "originalProductId")
	if at, ok := firstTime(doc, "migratedAt"); ok {
		item.MigratedAt = &at
	}
	if at, ok := firstTime(doc, "updatedAt"); ok {
		item.UpdatedAt = at
	}
	return item
}

func NormalizeCatalogDocument(id string, doc map[string]any) CatalogProduct {
	product := CatalogProduct{
		ID:          id,
		Name:        firstString(doc, itemNameKeys...),
		Description: firstString(doc, itemDescriptionKeys...),
	}
	if price, ok := firstDecimal(doc, unitPriceKeys...); ok {
		product.UnitPrice = price
	}
	if stock, ok := firstInt(doc, itemStockKeys...); ok && stock > 0 {
		product.StockQuantity = stock
	}
	return product
}

func firstString(doc map[string]any, keys ...string) string {
	for _, key := range keys {
		raw, ok := doc[key]
		if !ok || raw == nil {
			continue
		}
		var s string
		switch v := raw.(type) {
		case string:
			s = v
		case fmt.Stringer:
			s = v.String()
		case int, int32, int64, float64:
			s = fmt.Sprint(v)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func firstInt(doc map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		switch v := doc[key].(type) {
		case int:
			return v, true
		case int32:
			return int(v), true
		case int64:
			return int(v), true
		case float64:
			return int(math.Round(v)), true
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return int(n), true
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func firstDecimal(doc map[string]any, keys ...string) (decimal.Decimal, bool) {
	for _, key := range keys {
		switch v := doc[key].(type) {
		case decimal.Decimal:
			return v, true
		case int:
			return decimal.NewFromInt(int64(v)), true
		case int32:
			return decimal.NewFromInt(int64(v)), true
		case int64:
			return decimal.NewFromInt(v), true
		case float64:
			return decimal.NewFromFloat(v), true
		case json.Number:
			if d, err := decimal.NewFromString(v.String()); err == nil {
				return d, true
			}
		case string:
			cleaned := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "$"))
			if d, err := decimal.NewFromString(cleaned); err == nil {
				return d, true
			}
		}
	}
	return decimal.Decimal{}, false
}

func firstSlice(doc map[string]any, keys ...string) ([]any, bool) {
	for _, key := range keys {
		if v, ok := doc[key].([]any); ok {
			return v, true
		}
	}
	return nil, false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func firstTime(doc map[string]any, keys ...string) (time.Time, bool) {
	for _, key := range keys {
		if ts, ok := toTime(doc[key]); ok {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func toTime(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case time.Time:
		return v, !v.IsZero()
	case *time.Time:
		if v != nil {
			return *v, !v.IsZero()
		}
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	case int64:
		return fromEpoch(v), true
	case int:
		return fromEpoch(int64(v)), true
	case float64:
		return fromEpoch(int64(v)), true
	case map[string]any:
		secs, ok := firstInt(v, "seconds", "_seconds")
		if !ok {
			return time.Time{}, false
		}
		nanos, _ := firstInt(v, "nanoseconds", "_nanoseconds")
		return time.Unix(int64(secs), int64(nanos)), true
	}
	return time.Time{}, false
}

// fromEpoch accepts both second and millisecond precision.
func fromEpoch(n int64) time.Time {
	if n > 1e11 || n < -1e11 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
