// Package reconcile derives checkout transactions from persisted sale lines.
//
// Lines carrying a transaction id are grouped by that id. Lines without one
// are grouped by store and timestamp floored to a fixed bucket (one minute
// by default). The bucket heuristic merges two distinct checkouts of the
// same store inside one bucket, and splits a checkout that straddles a
// bucket boundary. Changing the width changes historical report numbers.
package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"localventas/backend/internal/domain"
)

const DefaultBucket = time.Minute

const syntheticPrefix = "bucket:"

type Reconciler struct {
	bucket time.Duration
	loc    *time.Location
}

func New(bucket time.Duration, loc *time.Location) *Reconciler {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Reconciler{bucket: bucket, loc: loc}
}

func (r *Reconciler) Bucket() time.Duration {
	return r.bucket
}

// Group returns one transaction per grouping key, ordered by the timestamp
// of each group's first line. The input slice is not modified.
func (r *Reconciler) Group(lines []domain.SaleLine) []domain.Transaction {
	sorted := make([]domain.SaleLine, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	index := make(map[string]int, len(sorted))
	txs := make([]domain.Transaction, 0, len(sorted))
	for _, line := range sorted {
		key, synthetic := r.Key(line)
		pos, ok := index[key]
		if !ok {
			pos = len(txs)
			index[key] = pos
			txs = append(txs, domain.Transaction{
				TransactionID: key,
				StoreID:       line.StoreID,
				Timestamp:     line.Timestamp,
				PaymentMethod: line.PaymentMethod,
				TotalAmount:   decimal.Zero,
				Synthetic:     synthetic,
			})
		}
		txs[pos].Lines = append(txs[pos].Lines, line)
		txs[pos].TotalAmount = txs[pos].TotalAmount.Add(line.LineTotal)
	}
	return txs
}

// Key returns the grouping key of a line and whether it was synthesized
// from the time bucket.
func (r *Reconciler) Key(line domain.SaleLine) (string, bool) {
	if line.TransactionID != "" {
		return line.TransactionID, false
	}
	return BucketKey(line.StoreID, line.Timestamp, r.bucket, r.loc), true
}

// Window returns the time bucket an untagged line falls in.
func (r *Reconciler) Window(line domain.SaleLine) (time.Time, time.Time) {
	from := Floor(line.Timestamp, r.bucket, r.loc)
	return from, from.Add(r.bucket)
}

// BucketKey identifies the time bucket of a store. Buckets align to wall
// clock boundaries in loc.
func BucketKey(storeID string, ts time.Time, bucket time.Duration, loc *time.Location) string {
	return fmt.Sprintf("%s%s@%s", syntheticPrefix, storeID, Floor(ts, bucket, loc).UTC().Format(time.RFC3339))
}

func Floor(ts time.Time, bucket time.Duration, loc *time.Location) time.Time {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	if loc == nil {
		loc = time.UTC
	}
	local := ts.In(loc)
	_, offset := local.Zone()
	shift := time.Duration(offset) * time.Second
	return local.Add(shift).Truncate(bucket).Add(-shift).In(loc)
}

func IsSynthetic(transactionID string) bool {
	return len(transactionID) > len(syntheticPrefix) && transactionID[:len(syntheticPrefix)] == syntheticPrefix
}
