package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/sink"
	"golang.org/x/sync/errgroup"
)

// coordinatorIndex is the writer index passed to a SinkFactory for the sink that only manages
// the checkpoint.
const coordinatorIndex = -1

var ErrPoolClosed = errors.New("writer pool closed")

// SinkFactory opens a sink with its own store connection. autoUpdateLastSeq is set only when the
// sink is the single writer of its claim type.
type SinkFactory func(ctx context.Context, writer int, autoUpdateLastSeq bool) (*sink.Sink, error)

type PoolConfig struct {
	Writers   int
	BatchSize int
	// FlushInterval writes a partial batch after this long without new events. Zero waits for a
	// full batch or the end of input.
	FlushInterval time.Duration
	Clock         clock.Clock
	Logger        logging.Logger
}

type entry struct {
	apiVersion string
	ev         *claim.ChangeEvent
}

// WriterPool spreads events over writers by claim id, so every change of a claim is written by
// the same writer in arrival order. With more than one writer the checkpoint is advanced by a
// separate coordinator sink using a SequenceTracker.
type WriterPool struct {
	writers     []*writer
	coordinator *sink.Sink
	tracker     *SequenceTracker
	group       *errgroup.Group
	groupCtx    context.Context
	log         logging.Logger

	mu             sync.Mutex
	processed      int
	lastCheckpoint uint64
	closed         bool
}

type writer struct {
	index         int
	sink          *sink.Sink
	in            chan entry
	batchSize     int
	flushInterval time.Duration
	clock         clock.Clock
	pool          *WriterPool
	log           logging.Logger
}

func NewWriterPool(ctx context.Context, cfg PoolConfig, factory SinkFactory) (*WriterPool, error) {
	if cfg.Writers <= 0 {
		return nil, fmt.Errorf("writer pool: %w: writers %d", ErrInvalidConfig, cfg.Writers)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("writer pool: %w: batch size %d", ErrInvalidConfig, cfg.BatchSize)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.FromContext(ctx)
	}
	p := &WriterPool{tracker: NewSequenceTracker(), log: cfg.Logger}
	single := cfg.Writers == 1
	for i := range cfg.Writers {
		s, err := factory(ctx, i, single)
		if err != nil {
			_ = p.closeSinks()
			return nil, fmt.Errorf("open writer %d: %w", i, err)
		}
		p.writers = append(p.writers, &writer{
			index:         i,
			sink:          s,
			in:            make(chan entry, 4*cfg.BatchSize),
			batchSize:     cfg.BatchSize,
			flushInterval: cfg.FlushInterval,
			clock:         cfg.Clock,
			pool:          p,
			log:           cfg.Logger.WithField(logging.WriterFieldKey, i),
		})
	}
	if !single {
		s, err := factory(ctx, coordinatorIndex, false)
		if err != nil {
			_ = p.closeSinks()
			return nil, fmt.Errorf("open coordinator: %w", err)
		}
		p.coordinator = s
	}

	p.group, p.groupCtx = errgroup.WithContext(ctx)
	for _, w := range p.writers {
		p.group.Go(func() error { return w.run(p.groupCtx) })
	}
	return p, nil
}

// primary is the sink used for reads and checks shared by all writers.
func (p *WriterPool) primary() *sink.Sink {
	if p.coordinator != nil {
		return p.coordinator
	}
	return p.writers[0].sink
}

func (p *WriterPool) ReadMaxExistingSequenceNumber(ctx context.Context) (uint64, bool, error) {
	return p.primary().ReadMaxExistingSequenceNumber(ctx)
}

func (p *WriterPool) CheckErrorCount(ctx context.Context) error {
	return p.primary().CheckErrorCount(ctx)
}

func (p *WriterPool) Ledger() *sink.ErrorLedger {
	return p.primary().Ledger()
}

// Add dispatches ev to the writer owning its claim id. It blocks while that writer is busy and
// fails once any writer has failed.
func (p *WriterPool) Add(ctx context.Context, apiVersion string, ev *claim.ChangeEvent) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolClosed
	}
	w := p.writers[xxhash.Sum64String(ev.ClaimID)%uint64(len(p.writers))]
	p.tracker.Add(ev.Sequence)
	select {
	case w.in <- entry{apiVersion: apiVersion, ev: ev}:
		return nil
	case <-p.groupCtx.Done():
		p.tracker.Remove(ev.Sequence)
		return context.Cause(p.groupCtx)
	case <-ctx.Done():
		p.tracker.Remove(ev.Sequence)
		return ctx.Err()
	}
}

// Processed is the number of claims merged so far.
func (p *WriterPool) Processed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

func (p *WriterPool) report(sequences []uint64, res sink.BatchResult) {
	if res.MaxSequence > 0 {
		p.tracker.Merged(res.MaxSequence)
	}
	for _, seq := range sequences {
		p.tracker.Remove(seq)
	}
	p.mu.Lock()
	p.processed += res.Processed
	p.mu.Unlock()
}

// Checkpoint records the safe resume sequence number when writers share the claim type. Single
// writer sinks checkpoint with every batch.
func (p *WriterPool) Checkpoint(ctx context.Context) error {
	if p.coordinator == nil {
		return nil
	}
	seq := p.tracker.SafeResume()
	p.mu.Lock()
	last := p.lastCheckpoint
	p.mu.Unlock()
	if seq == 0 || seq <= last {
		return nil
	}
	if err := p.coordinator.UpdateLastSequenceNumber(ctx, seq); err != nil {
		return err
	}
	p.mu.Lock()
	p.lastCheckpoint = max(p.lastCheckpoint, seq)
	p.mu.Unlock()
	return nil
}

// Close flushes what the writers hold, waits for them, records the final checkpoint and closes
// every sink. It returns the number of claims merged.
func (p *WriterPool) Close(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.Processed(), nil
	}
	p.closed = true
	p.mu.Unlock()

	for _, w := range p.writers {
		close(w.in)
	}
	var result *multierror.Error
	if err := p.group.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.Checkpoint(context.WithoutCancel(ctx)); err != nil {
		result = multierror.Append(result, fmt.Errorf("final checkpoint: %w", err))
	}
	if err := p.closeSinks(); err != nil {
		result = multierror.Append(result, err)
	}
	return p.Processed(), result.ErrorOrNil()
}

func (p *WriterPool) closeSinks() error {
	var result *multierror.Error
	for _, w := range p.writers {
		if err := w.sink.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close writer %d: %w", w.index, err))
		}
	}
	if p.coordinator != nil {
		if err := p.coordinator.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close coordinator: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// run writes full batches as they fill, partial batches after FlushInterval of inactivity and
// whatever is left when the input closes. Cancellation stops it without writing.
func (w *writer) run(ctx context.Context) error {
	buf := newBatchBuffer()
	var (
		timer clock.Timer
		idle  <-chan time.Time
	)
	if w.flushInterval > 0 {
		timer = w.clock.NewTimer(w.flushInterval)
		defer timer.Stop()
		idle = timer.Chan()
	}
	for {
		select {
		case e, ok := <-w.in:
			if !ok {
				return w.flush(ctx, buf)
			}
			if buf.fullCount() > 0 && buf.apiVersion != e.apiVersion {
				if err := w.flush(ctx, buf); err != nil {
					return err
				}
			}
			buf.add(e.apiVersion, e.ev)
			if buf.uniqueCount() >= w.batchSize {
				if err := w.flush(ctx, buf); err != nil {
					return err
				}
			}
			if timer != nil {
				timer.Reset(w.flushInterval)
			}
		case <-idle:
			if err := w.flush(ctx, buf); err != nil {
				return err
			}
			timer.Reset(w.flushInterval)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *writer) flush(ctx context.Context, buf *batchBuffer) error {
	if buf.fullCount() == 0 {
		return nil
	}
	if w.log.IsDebugging() {
		w.log.WithContext(ctx).WithFields(logging.Fields{
			"all_events":    buf.fullCount(),
			"unique_claims": buf.uniqueCount(),
		}).Debug("writing batch")
	}
	// a started batch completes even when the run is being cancelled
	res, err := w.sink.WriteBatch(context.WithoutCancel(ctx), buf.apiVersion, buf.events)
	if err != nil {
		w.log.WithContext(ctx).WithError(err).Error("writer stopped")
		buf.reset()
		return err
	}
	w.pool.report(buf.sequences, res)
	buf.reset()
	return nil
}
