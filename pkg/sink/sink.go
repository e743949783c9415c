// Package sink applies transformed claim changes of one claim type to the store. A Sink
// transforms a batch, records the events that fail, merges the rest in one transaction and, when
// it is the only writer of its claim type, advances the checkpoint in that same transaction.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/store"
	"github.com/treeverse/claimload/pkg/transform"
)

const DefaultShutdownTimeout = 30 * time.Second

type Options struct {
	ClaimType   claim.Type
	Transformer transform.Transformer
	// Tagger runs on every merged claim inside the merge transaction. Defaults to NoopTagger.
	Tagger transform.Tagger
	// AutoUpdateLastSeq advances the checkpoint with every batch. Enable it only for the single
	// writer of a claim type.
	AutoUpdateLastSeq bool
	ErrorLimit        int
	ShutdownTimeout   time.Duration
	Metrics           *Metrics
	Clock             clock.Clock
	Logger            logging.Logger
}

type Sink struct {
	store           store.Store
	claimType       claim.Type
	transformer     transform.Transformer
	tagger          transform.Tagger
	ledger          *ErrorLedger
	autoUpdate      bool
	shutdownTimeout time.Duration
	metrics         *Metrics
	clock           clock.Clock
	log             logging.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// New returns a sink writing to s. The sink owns s and closes it on Close.
func New(s store.Store, opts Options) (*Sink, error) {
	if _, err := claim.ParseType(opts.ClaimType.String()); err != nil {
		return nil, err
	}
	if opts.Transformer == nil {
		return nil, fmt.Errorf("sink %s: transformer is required", opts.ClaimType)
	}
	if opts.Tagger == nil {
		opts.Tagger = transform.NoopTagger{}
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Sink{
		store:           s,
		claimType:       opts.ClaimType,
		transformer:     opts.Transformer,
		tagger:          opts.Tagger,
		ledger:          NewErrorLedger(s, opts.ClaimType, opts.ErrorLimit, opts.Clock),
		autoUpdate:      opts.AutoUpdateLastSeq,
		shutdownTimeout: opts.ShutdownTimeout,
		metrics:         opts.Metrics,
		clock:           opts.Clock,
		log:             opts.Logger.WithField(logging.ClaimTypeFieldKey, opts.ClaimType),
	}, nil
}

func (s *Sink) ClaimType() claim.Type { return s.claimType }

func (s *Sink) Ledger() *ErrorLedger { return s.ledger }

func (s *Sink) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.inflight.Add(1)
	return nil
}

// BatchResult describes a written batch. MaxSequence is the highest sequence number among the
// merged claims, zero when nothing was merged.
type BatchResult struct {
	Processed   int
	MaxSequence uint64
}

// WriteMessages transforms events and merges the ones that succeed. Failed events are recorded in
// the error ledger and skipped; ErrErrorLimitExceeded is returned once too many are unresolved.
// It returns the number of claims merged.
func (s *Sink) WriteMessages(ctx context.Context, apiVersion string, events []*claim.ChangeEvent) (int, error) {
	res, err := s.WriteBatch(ctx, apiVersion, events)
	return res.Processed, err
}

// WriteBatch is WriteMessages reporting which sequence numbers the merge covered.
func (s *Sink) WriteBatch(ctx context.Context, apiVersion string, events []*claim.ChangeEvent) (BatchResult, error) {
	if err := s.begin(); err != nil {
		return BatchResult{}, err
	}
	defer s.inflight.Done()

	changes, err := s.transformMessages(ctx, apiVersion, events)
	if err != nil {
		return BatchResult{}, err
	}
	if len(changes) == 0 {
		return BatchResult{}, nil
	}
	return s.writeClaims(ctx, changes)
}

func (s *Sink) transformMessages(ctx context.Context, apiVersion string, events []*claim.ChangeEvent) ([]*claim.Change, error) {
	changes := make([]*claim.Change, 0, len(events))
	for _, ev := range events {
		change, err := s.TransformMessage(ctx, apiVersion, ev)
		if err == nil {
			changes = append(changes, change)
			continue
		}
		var te *transform.Error
		if !errors.As(err, &te) {
			return nil, &ProcessingError{Err: err}
		}
		if err := s.ledger.Check(ctx); err != nil {
			return nil, err
		}
	}
	return changes, nil
}

// TransformMessage transforms one event, recording it in the error ledger when it is invalid.
func (s *Sink) TransformMessage(ctx context.Context, apiVersion string, ev *claim.ChangeEvent) (*claim.Change, error) {
	change, err := s.transformer.Transform(ctx, apiVersion, ev)
	if err == nil {
		s.metrics.TransformSuccesses.WithLabelValues(s.claimType.String()).Inc()
		return change, nil
	}
	s.metrics.TransformFailures.WithLabelValues(s.claimType.String()).Inc()
	var te *transform.Error
	if !errors.As(err, &te) {
		return nil, err
	}
	s.log.WithContext(ctx).WithFields(logging.Fields{
		logging.SequenceNumberFieldKey: ev.Sequence,
		logging.ClaimIDFieldKey:        ev.ClaimID,
	}).WithError(err).Warn("claim failed transformation")
	if _, recErr := s.ledger.Record(ctx, apiVersion, ev, te.Errors); recErr != nil {
		return nil, &ProcessingError{Err: recErr}
	}
	return nil, err
}

// WriteClaims merges changes in a single transaction. On failure nothing is committed and a
// *ProcessingError is returned.
func (s *Sink) WriteClaims(ctx context.Context, changes []*claim.Change) (int, error) {
	if err := s.begin(); err != nil {
		return 0, err
	}
	defer s.inflight.Done()
	if len(changes) == 0 {
		s.log.WithContext(ctx).Warn("processed an empty batch")
		return 0, nil
	}
	res, err := s.writeClaims(ctx, changes)
	return res.Processed, err
}

func (s *Sink) writeClaims(ctx context.Context, changes []*claim.Change) (BatchResult, error) {
	ct := s.claimType.String()
	log := s.log.WithContext(ctx)
	maxSeq := s.maxSequenceInBatch(ctx, changes)

	s.metrics.Calls.WithLabelValues(ct).Inc()
	s.updateLatencyMetrics(changes)
	if err := s.mergeBatch(ctx, maxSeq, changes); err != nil {
		log.WithError(err).WithFields(logging.Fields{
			"size":                         len(changes),
			logging.SequenceNumberFieldKey: maxSeq,
		}).Error("write batch failed")
		s.metrics.Failures.WithLabelValues(ct).Inc()
		return BatchResult{}, &ProcessingError{Err: err}
	}
	s.metrics.ObjectsMerged.WithLabelValues(ct).Add(float64(len(changes)))
	s.metrics.Successes.WithLabelValues(ct).Inc()
	s.metrics.ObjectsWritten.WithLabelValues(ct).Add(float64(len(changes)))
	if s.autoUpdate {
		s.metrics.LatestSequence.WithLabelValues(ct).Set(float64(maxSeq))
	}
	log.WithFields(logging.Fields{
		"size":                         len(changes),
		logging.SequenceNumberFieldKey: maxSeq,
	}).Debug("write batch succeeded")
	return BatchResult{Processed: len(changes), MaxSequence: maxSeq}, nil
}

func (s *Sink) mergeBatch(ctx context.Context, maxSeq uint64, changes []*claim.Change) error {
	start := time.Now()
	var insertCount int
	err := s.store.Transact(ctx, func(tx store.Tx) error {
		insertCount = 0
		for _, change := range changes {
			if change.ChangeType == claim.ChangeDelete {
				return fmt.Errorf("%w: claim %s sequence %d", ErrDeleteNotSupported, change.Claim.ID, change.Sequence)
			}
			if err := tx.UpsertMetaData(change.MetaData); err != nil {
				return fmt.Errorf("merge metadata %d: %w", change.Sequence, err)
			}
			if err := tx.UpsertClaim(change.Claim); err != nil {
				return fmt.Errorf("merge claim %s: %w", change.Claim.ID, err)
			}
			if err := s.tagger.Tag(tx, change.Claim); err != nil {
				return fmt.Errorf("tag claim %s: %w", change.Claim.ID, err)
			}
			insertCount += change.Claim.InsertCount()
		}
		if s.autoUpdate {
			return tx.SetProgress(s.claimType, maxSeq, s.clock.Now().UTC())
		}
		return nil
	})
	ct := s.claimType.String()
	s.metrics.DBUpdateTime.WithLabelValues(ct).Observe(time.Since(start).Seconds())
	s.metrics.BatchSize.WithLabelValues(ct).Observe(float64(len(changes)))
	s.metrics.InsertCount.WithLabelValues(ct).Observe(float64(insertCount))
	return err
}

// maxSequenceInBatch does not assume changes are sorted. Unsorted batches are counted.
func (s *Sink) maxSequenceInBatch(ctx context.Context, changes []*claim.Change) uint64 {
	var maxSeq uint64
	ordered := true
	for i, c := range changes {
		if i > 0 && c.Sequence < changes[i-1].Sequence {
			ordered = false
		}
		maxSeq = max(maxSeq, c.Sequence)
	}
	if !ordered {
		s.metrics.OutOfOrderBatches.WithLabelValues(s.claimType.String()).Inc()
		s.log.WithContext(ctx).WithField("size", len(changes)).Warn("batch sequence numbers out of order")
	}
	return maxSeq
}

func (s *Sink) updateLatencyMetrics(changes []*claim.Change) {
	ct := s.claimType.String()
	now := s.clock.Now()
	for _, c := range changes {
		age := max(now.Sub(c.Timestamp), 0).Seconds()
		s.metrics.ChangeLatency.WithLabelValues(ct).Observe(age)
		s.metrics.LastChangeLatency.WithLabelValues(ct).Set(age)
		if c.ExtractDate != nil {
			extracted := c.ExtractDate.In(time.UTC)
			extractAge := max(now.Sub(extracted), 0).Seconds()
			s.metrics.ExtractLatency.WithLabelValues(ct).Observe(extractAge)
			s.metrics.LastExtractLatency.WithLabelValues(ct).Set(extractAge)
		}
	}
}

// ReadMaxExistingSequenceNumber returns the checkpoint of the claim type. ok is false when the
// claim type was never ingested.
func (s *Sink) ReadMaxExistingSequenceNumber(ctx context.Context) (seq uint64, ok bool, err error) {
	err = s.store.Transact(ctx, func(tx store.Tx) error {
		p, err := tx.GetProgress(s.claimType)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		seq, ok = p.LastSequence, true
		return nil
	}, store.ReadOnly())
	if err != nil {
		return 0, false, &ProcessingError{Err: err}
	}
	s.log.WithContext(ctx).WithFields(logging.Fields{
		logging.SequenceNumberFieldKey: seq,
		"found":                        ok,
	}).Info("read max sequence number")
	return seq, ok, nil
}

// UpdateLastSequenceNumber advances the checkpoint on behalf of a coordinator of several writers.
func (s *Sink) UpdateLastSequenceNumber(ctx context.Context, seq uint64) error {
	err := s.store.Transact(ctx, func(tx store.Tx) error {
		return tx.SetProgress(s.claimType, seq, s.clock.Now().UTC())
	})
	if err != nil {
		return fmt.Errorf("update last sequence number %d: %w", seq, err)
	}
	s.metrics.LatestSequence.WithLabelValues(s.claimType.String()).Set(float64(seq))
	return nil
}

// CheckErrorCount returns ErrErrorLimitExceeded when too many errors are unresolved.
func (s *Sink) CheckErrorCount(ctx context.Context) error {
	return s.ledger.Check(ctx)
}

// Close waits a bounded time for in-flight batches, resets the latency gauges and closes the store.
// Writes started after Close fail with ErrSinkClosed.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var result *multierror.Error
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-s.clock.After(s.shutdownTimeout):
		result = multierror.Append(result, ErrShutdownTimeout)
	}

	ct := s.claimType.String()
	s.metrics.LastChangeLatency.WithLabelValues(ct).Set(0)
	s.metrics.LastExtractLatency.WithLabelValues(ct).Set(0)
	if err := s.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
