package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/credit-ledger/metrics"
)

// =============================================================================
// BULK PAYMENTS - Sequential, per-item independent submission
// =============================================================================

// BulkItem is the outcome of one request in a batch. Exactly one of Payment
// or Kind/Message is set.
type BulkItem struct {
	Index   int
	Payment *Payment
	Kind    string
	Message string
	Err     error
}

func (i BulkItem) OK() bool { return i.Payment != nil }

type BulkResult struct {
	SuccessCount int
	FailureCount int
	Items        []BulkItem
}

// BulkEntry is one position of a batch: a decoded request, or the error
// that kept it from being decoded.
type BulkEntry struct {
	Request PaymentRequest
	Err     error
}

// ProcessBulk submits each request in order through CreatePayment. A
// failure on one item neither stops the remaining items nor undoes the
// earlier ones. The call itself only fails for a malformed batch: empty,
// or larger than the configured maximum.
func (e *Engine) ProcessBulk(ctx context.Context, reqs []PaymentRequest) (BulkResult, error) {
	entries := make([]BulkEntry, len(reqs))
	for i, req := range reqs {
		entries[i].Request = req
	}
	return e.ProcessBulkEntries(ctx, entries)
}

// ProcessBulkEntries is ProcessBulk for batches decoded by a transport.
// An entry carrying Err is reported as a failed item at its index and is
// never submitted.
func (e *Engine) ProcessBulkEntries(ctx context.Context, entries []BulkEntry) (BulkResult, error) {
	defer metrics.ObserveSince("process_bulk", time.Now())

	if len(entries) == 0 {
		return BulkResult{}, ErrEmptyBatch
	}
	if e.maxBatch > 0 && len(entries) > e.maxBatch {
		return BulkResult{}, fmt.Errorf("%w: %d items, maximum %d", ErrBatchTooLarge, len(entries), e.maxBatch)
	}

	result := BulkResult{Items: make([]BulkItem, 0, len(entries))}
	for i, entry := range entries {
		err := entry.Err
		var p Payment
		if err == nil {
			p, err = e.CreatePayment(ctx, entry.Request)
		}
		if err != nil {
			result.FailureCount++
			result.Items = append(result.Items, BulkItem{Index: i, Kind: Kind(err), Message: err.Error(), Err: err})
			metrics.BulkItems.WithLabelValues("failure").Inc()
			continue
		}
		result.SuccessCount++
		result.Items = append(result.Items, BulkItem{Index: i, Payment: &p})
		metrics.BulkItems.WithLabelValues("success").Inc()
	}

	e.log.Info().
		Int("size", len(entries)).
		Int("succeeded", result.SuccessCount).
		Int("failed", result.FailureCount).
		Msg("bulk payments processed")
	return result, nil
}
