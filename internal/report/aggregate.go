package report

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"localventas/backend/internal/domain"
)

var DefaultMonthLabels = [12]string{"ene", "feb", "mar", "abr", "may", "jun", "jul", "ago", "sep", "oct", "nov", "dic"}

// Summarize totals a set of transactions. The average is zero for an
// empty set.
func Summarize(txs []domain.Transaction) domain.PeriodSummary {
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.TotalAmount)
	}
	summary := domain.PeriodSummary{
		TotalRevenue:            total,
		TransactionCount:        len(txs),
		AverageTransactionValue: decimal.Zero,
	}
	if len(txs) > 0 {
		summary.AverageTransactionValue = total.Div(decimal.NewFromInt(int64(len(txs)))).Round(2)
	}
	return summary
}

// DayWindow returns [start of the local day, start of the next local day).
func DayWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

func MonthWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}

// InWindow keeps transactions with from <= timestamp < to.
func InWindow(txs []domain.Transaction, from time.Time, to time.Time) []domain.Transaction {
	result := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Timestamp.Before(from) || !tx.Timestamp.Before(to) {
			continue
		}
		result = append(result, tx)
	}
	return result
}

// MonthlySeries always returns twelve entries for year, zero-filled.
func MonthlySeries(txs []domain.Transaction, year int, loc *time.Location, labels [12]string) []domain.MonthlyRevenue {
	series := make([]domain.MonthlyRevenue, 12)
	for i := range series {
		series[i] = domain.MonthlyRevenue{Month: i + 1, Label: labels[i], Total: decimal.Zero}
	}
	for _, tx := range txs {
		local := tx.Timestamp.In(loc)
		if local.Year() != year {
			continue
		}
		idx := int(local.Month()) - 1
		series[idx].Total = series[idx].Total.Add(tx.TotalAmount)
	}
	return series
}

// Recent returns up to n transactions, newest first.
func Recent(txs []domain.Transaction, n int) []domain.Transaction {
	sorted := make([]domain.Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})
	if n >= 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func ByPaymentMethod(txs []domain.Transaction) []domain.PaymentMethodTotal {
	order := []domain.PaymentMethod{domain.PaymentCash, domain.PaymentTransfer}
	totals := map[domain.PaymentMethod]*domain.PaymentMethodTotal{}
	for _, method := range order {
		totals[method] = &domain.PaymentMethodTotal{PaymentMethod: method, Total: decimal.Zero}
	}
	for _, tx := range txs {
		entry, ok := totals[tx.PaymentMethod]
		if !ok {
			entry = &domain.PaymentMethodTotal{PaymentMethod: tx.PaymentMethod, Total: decimal.Zero}
			totals[tx.PaymentMethod] = entry
			order = append(order, tx.PaymentMethod)
		}
		entry.TransactionCount++
		entry.Total = entry.Total.Add(tx.TotalAmount)
	}
	result := make([]domain.PaymentMethodTotal, 0, len(order))
	for _, method := range order {
		result = append(result, *totals[method])
	}
	return result
}

// SummarizeByStore returns one summary per known store, including stores
// without sales, plus any store that only appears in txs.
func SummarizeByStore(txs []domain.Transaction, stores []domain.Store, now time.Time, loc *time.Location) []domain.StoreSummary {
	grouped := make(map[string][]domain.Transaction, len(stores))
	for _, tx := range txs {
		grouped[tx.StoreID] = append(grouped[tx.StoreID], tx)
	}

	names := make(map[string]string, len(stores))
	ids := make([]string, 0, len(stores))
	for _, st := range stores {
		names[st.ID] = st.Name
		ids = append(ids, st.ID)
	}
	extra := make([]string, 0)
	for storeID := range grouped {
		if _, known := names[storeID]; !known {
			extra = append(extra, storeID)
		}
	}
	sort.Strings(extra)
	ids = append(ids, extra...)

	from, to := DayWindow(now, loc)
	result := make([]domain.StoreSummary, 0, len(ids))
	for _, storeID := range ids {
		storeTxs := grouped[storeID]
		result = append(result, domain.StoreSummary{
			StoreID:       storeID,
			StoreName:     names[storeID],
			PeriodSummary: Summarize(storeTxs),
			Today:         Summarize(InWindow(storeTxs, from, to)),
		})
	}
	return result
}
