package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/store"
)

// ErrorLedger keeps events that failed transformation for operators to review. Its count of
// unresolved records acts as a circuit breaker for ingestion.
type ErrorLedger struct {
	store     store.Store
	claimType claim.Type
	limit     int
	clock     clock.Clock
}

func NewErrorLedger(s store.Store, claimType claim.Type, limit int, clk clock.Clock) *ErrorLedger {
	if clk == nil {
		clk = clock.WallClock
	}
	return &ErrorLedger{store: s, claimType: claimType, limit: limit, clock: clk}
}

// Record stores ev with its field errors as an unresolved record.
func (l *ErrorLedger) Record(ctx context.Context, apiVersion string, ev *claim.ChangeEvent, errs []claim.FieldError) (int64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode failed event %d: %w", ev.Sequence, err)
	}
	now := l.clock.Now().UTC()
	rec := &claim.ErrorRecord{
		ClaimType: l.claimType,
		Sequence:  ev.Sequence,
		ClaimID:   ev.ClaimID,
		APISource: apiVersion,
		Status:    claim.ErrorUnresolved,
		Payload:   string(payload),
		Errors:    errs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var id int64
	err = l.store.Transact(ctx, func(tx store.Tx) error {
		var err error
		id, err = tx.InsertError(rec)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("record error for sequence %d: %w", ev.Sequence, err)
	}
	return id, nil
}

func (l *ErrorLedger) CountUnresolved(ctx context.Context) (int, error) {
	var n int
	err := l.store.Transact(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.CountErrors(l.claimType, claim.ErrorUnresolved)
		return err
	}, store.ReadOnly())
	return n, err
}

// Check returns ErrErrorLimitExceeded when more than limit records are unresolved.
func (l *ErrorLedger) Check(ctx context.Context) error {
	n, err := l.CountUnresolved(ctx)
	if err != nil {
		return fmt.Errorf("count unresolved errors: %w", err)
	}
	if n > l.limit {
		return fmt.Errorf("%w: %d unresolved %s errors, limit %d", ErrErrorLimitExceeded, n, l.claimType, l.limit)
	}
	return nil
}

// PurgeResolved deletes resolved records last updated more than maxAge ago.
func (l *ErrorLedger) PurgeResolved(ctx context.Context, maxAge time.Duration) (int, error) {
	before := l.clock.Now().Add(-maxAge)
	var n int
	err := l.store.Transact(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.PurgeErrors(l.claimType, claim.ErrorResolved, before)
		return err
	})
	return n, err
}
