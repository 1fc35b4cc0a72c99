package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/lock"
	"localventas/backend/internal/logging"
	"localventas/backend/internal/metrics"
	"localventas/backend/internal/reconcile"
	"localventas/backend/internal/store"
	"localventas/backend/internal/xid"
)

const (
	TransactionIDsLockKey = "migration:transaction-ids"
	CatalogLockKey        = "migration:catalog"

	defaultBatchSize = 400
	defaultLockTTL   = 10 * time.Minute
)

type BackfillOptions struct {
	StoreFilter string
	DryRun      bool
}

// Backfiller tags historical sale lines that share a store and time bucket
// with one transaction id derived from the bucket key. Lines that already carry an id are
// never regrouped, so reruns only pick up what earlier runs missed.
type Backfiller struct {
	lines      store.SaleLineReader
	writer     store.TransactionIDWriter
	locker     lock.Locker
	reconciler *reconcile.Reconciler
	batchSize  int
	lockTTL    time.Duration
	metrics    *metrics.Metrics
	log        *logrus.Entry
	now        func() time.Time
}

type Option func(*options)

type options struct {
	batchSize int
	lockTTL   time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

func WithLockTTL(ttl time.Duration) Option {
	return func(o *options) { o.lockTTL = ttl }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{
		batchSize: defaultBatchSize,
		lockTTL:   defaultLockTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchSize < 1 {
		o.batchSize = defaultBatchSize
	}
	if o.lockTTL <= 0 {
		o.lockTTL = defaultLockTTL
	}
	return o
}

func NewBackfiller(lines store.SaleLineReader, writer store.TransactionIDWriter, locker lock.Locker, reconciler *reconcile.Reconciler, log *logrus.Entry, opts ...Option) *Backfiller {
	o := buildOptions(opts)
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if reconciler == nil {
		reconciler = reconcile.New(reconcile.DefaultBucket, time.UTC)
	}
	if log == nil {
		log = logging.Module(nil, "migration")
	}
	return &Backfiller{
		lines:      lines,
		writer:     writer,
		locker:     locker,
		reconciler: reconciler,
		batchSize:  o.batchSize,
		lockTTL:    o.lockTTL,
		metrics:    o.metrics,
		log:        log,
		now:        o.now,
	}
}

type bucket struct {
	key           string
	transactionID string
	first         domain.SaleLine
	lineIDs       []string
}

// Run returns the report together with domain.ErrPartialMigration when some
// lines could not be written. The report is valid in both cases.
func (b *Backfiller) Run(ctx context.Context, opts BackfillOptions) (domain.BackfillReport, error) {
	report := domain.BackfillReport{StoreFilter: opts.StoreFilter, DryRun: opts.DryRun, StartedAt: b.now()}

	lease, err := b.locker.Obtain(ctx, TransactionIDsLockKey, b.lockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return report, domain.ErrMigrationInProgress
	}
	if err != nil {
		return report, fmt.Errorf("obtain backfill lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logging.LogError(b.log, "Backfiller.Run", err, logrus.Fields{"lock": TransactionIDsLockKey})
		}
	}()

	lines, err := b.lines.ListSaleLines(ctx, store.SaleLineFilter{StoreID: opts.StoreFilter, MissingTransactionID: true})
	if err != nil {
		return report, fmt.Errorf("load untagged sale lines: %w", err)
	}
	report.LinesScanned = len(lines)

	buckets := b.bucketize(lines)
	assignments := make([]store.TransactionIDAssignment, 0, len(lines))
	owner := make(map[string]int, len(lines))
	fresh := 0
	for i, bk := range buckets {
		bk.transactionID = xid.FromKey("venta", bk.key)
		if len(bk.lineIDs) < 2 {
			joined, err := b.alreadyTagged(ctx, bk)
			if err != nil {
				return report, fmt.Errorf("look up bucket %s: %w", bk.key, err)
			}
			if !joined {
				report.SingleLineBuckets++
				continue
			}
		} else {
			fresh++
		}
		buckets[i] = bk
		for _, id := range bk.lineIDs {
			assignments = append(assignments, store.TransactionIDAssignment{LineID: id, TransactionID: bk.transactionID})
			owner[id] = i
		}
	}

	if opts.DryRun {
		report.LinesUpdated = len(assignments)
		report.TransactionsCreated = fresh
		report.FinishedAt = b.now()
		b.log.WithFields(logrus.Fields{
			"store_filter": opts.StoreFilter,
			"lines":        report.LinesScanned,
			"would_update": report.LinesUpdated,
		}).Info("transaction id backfill dry run")
		return report, nil
	}

	failed := make(map[string]error)
	skipped := 0
	for start := 0; start < len(assignments); start += b.batchSize {
		if err := ctx.Err(); err != nil {
			for _, a := range assignments[start:] {
				failed[a.LineID] = err
			}
			break
		}
		end := start + b.batchSize
		if end > len(assignments) {
			end = len(assignments)
		}
		batch := assignments[start:end]

		res, err := b.writer.AssignTransactionIDs(ctx, batch)
		if err != nil {
			logging.LogError(b.log, "Backfiller.Run", err, logrus.Fields{"batch_start": start, "batch_size": len(batch)})
			for _, a := range batch {
				failed[a.LineID] = err
			}
			continue
		}
		report.LinesUpdated += res.Updated
		skipped += res.Skipped
		for id, ferr := range res.Failures {
			failed[id] = ferr
		}
	}

	created := make(map[int]bool)
	for _, a := range assignments {
		if _, bad := failed[a.LineID]; !bad && len(buckets[owner[a.LineID]].lineIDs) > 1 {
			created[owner[a.LineID]] = true
		}
	}
	report.TransactionsCreated = len(created)

	for id, ferr := range failed {
		report.Failures = append(report.Failures, domain.LineFailure{LineID: id, Error: ferr.Error()})
	}
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].LineID < report.Failures[j].LineID })
	report.FinishedAt = b.now()

	b.metrics.BackfillLines("updated", report.LinesUpdated)
	b.metrics.BackfillLines("skipped", skipped)
	b.metrics.BackfillLines("failed", len(report.Failures))

	entry := b.log.WithFields(logrus.Fields{
		"store_filter":         opts.StoreFilter,
		"lines_scanned":        report.LinesScanned,
		"lines_updated":        report.LinesUpdated,
		"transactions_created": report.TransactionsCreated,
		"single_line_buckets":  report.SingleLineBuckets,
		"failures":             len(report.Failures),
	})
	if len(report.Failures) > 0 {
		entry.Warn("transaction id backfill finished with failures")
		return report, fmt.Errorf("%w: %d of %d lines not updated", domain.ErrPartialMigration, len(report.Failures), len(assignments))
	}
	entry.Info("transaction id backfill finished")
	return report, nil
}

// bucketize keeps buckets in order of their first line, which is the
// ascending timestamp order the reader returns.
func (b *Backfiller) bucketize(lines []domain.SaleLine) []bucket {
	index := make(map[string]int)
	buckets := make([]bucket, 0)
	for _, line := range lines {
		if line.TransactionID != "" {
			continue
		}
		key, _ := b.reconciler.Key(line)
		pos, ok := index[key]
		if !ok {
			pos = len(buckets)
			index[key] = pos
			buckets = append(buckets, bucket{key: key, first: line})
		}
		buckets[pos].lineIDs = append(buckets[pos].lineIDs, line.ID)
	}
	return buckets
}

// alreadyTagged reports whether an earlier run gave other lines of the
// bucket its derived id. A lone leftover line then joins that transaction.
func (b *Backfiller) alreadyTagged(ctx context.Context, bk bucket) (bool, error) {
	from, to := b.reconciler.Window(bk.first)
	peers, err := b.lines.ListSaleLines(ctx, store.SaleLineFilter{StoreID: bk.first.StoreID, From: from, To: to})
	if err != nil {
		return false, err
	}
	for _, line := range peers {
		if line.TransactionID == bk.transactionID {
			return true, nil
		}
	}
	return false, nil
}
