// Package report computes dashboard and summary figures. Every query
// re-reads sale lines and reconciles them; nothing is cached.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/logging"
	"localventas/backend/internal/reconcile"
	"localventas/backend/internal/store"
)

const DefaultRecentLimit = 5

type Engine struct {
	lines       store.SaleLineReader
	stores      store.StoreDirectory
	reconciler  *reconcile.Reconciler
	loc         *time.Location
	recentLimit int
	labels      [12]string
	now         func() time.Time
	log         *logrus.Entry
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithRecentLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.recentLimit = n
		}
	}
}

func WithMonthLabels(labels [12]string) Option {
	return func(e *Engine) { e.labels = labels }
}

func NewEngine(lines store.SaleLineReader, stores store.StoreDirectory, reconciler *reconcile.Reconciler, loc *time.Location, log *logrus.Entry, opts ...Option) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logging.Module(nil, "report")
	}
	e := &Engine{
		lines:       lines,
		stores:      stores,
		reconciler:  reconciler,
		loc:         loc,
		recentLimit: DefaultRecentLimit,
		labels:      DefaultMonthLabels,
		now:         time.Now,
		log:         log.WithField("module", "report"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Location() *time.Location {
	return e.loc
}

func (e *Engine) transactions(ctx context.Context, filter store.SaleLineFilter) ([]domain.Transaction, error) {
	started := time.Now()
	lines, err := e.lines.ListSaleLines(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("read sale lines: %w", err)
	}
	txs := e.reconciler.Group(lines)
	e.log.WithFields(logrus.Fields{
		"store_id":     filter.StoreID,
		"lines":        len(lines),
		"transactions": len(txs),
		"elapsed_ms":   time.Since(started).Milliseconds(),
	}).Debug("reconciled sale lines")
	return txs, nil
}

// Dashboard aggregates all sales of storeID, or of every store when
// storeID is empty, in which case per-store summaries are included.
func (e *Engine) Dashboard(ctx context.Context, storeID string) (domain.Dashboard, error) {
	now := e.now().In(e.loc)
	txs, err := e.transactions(ctx, store.SaleLineFilter{StoreID: storeID})
	if err != nil {
		return domain.Dashboard{}, err
	}

	dayFrom, dayTo := DayWindow(now, e.loc)
	monthFrom, monthTo := MonthWindow(now, e.loc)
	dashboard := domain.Dashboard{
		StoreID:       storeID,
		GeneratedAt:   now,
		Year:          now.Year(),
		Overall:       Summarize(txs),
		Today:         Summarize(InWindow(txs, dayFrom, dayTo)),
		ThisMonth:     Summarize(InWindow(txs, monthFrom, monthTo)),
		MonthlySeries: MonthlySeries(txs, now.Year(), e.loc, e.labels),
		Recent:        Recent(txs, e.recentLimit),
	}

	if storeID == "" && e.stores != nil {
		stores, err := e.stores.ListStores(ctx)
		if err != nil {
			return domain.Dashboard{}, fmt.Errorf("list stores: %w", err)
		}
		dashboard.ByStore = SummarizeByStore(txs, stores, now, e.loc)
	}
	return dashboard, nil
}

func (e *Engine) DailySummary(ctx context.Context, storeID string, day time.Time) (domain.DailySummary, error) {
	from, to := DayWindow(day, e.loc)
	txs, err := e.transactions(ctx, store.SaleLineFilter{StoreID: storeID, From: from, To: to})
	if err != nil {
		return domain.DailySummary{}, err
	}
	return domain.DailySummary{
		StoreID:         storeID,
		Date:            from.Format("2006-01-02"),
		Summary:         Summarize(txs),
		ByPaymentMethod: ByPaymentMethod(txs),
		Transactions:    Recent(txs, -1),
	}, nil
}

func (e *Engine) TodaySales(ctx context.Context, storeID string) (domain.DailySummary, error) {
	return e.DailySummary(ctx, storeID, e.now())
}

// SalesHistory returns the newest transactions of a store with their lines.
func (e *Engine) SalesHistory(ctx context.Context, storeID string, limit int) ([]domain.Transaction, error) {
	txs, err := e.transactions(ctx, store.SaleLineFilter{StoreID: storeID})
	if err != nil {
		return nil, err
	}
	return Recent(txs, limit), nil
}
