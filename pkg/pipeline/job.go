// Package pipeline runs ingestion: it reads each claim type's change stream from where the last
// run stopped and feeds it to a pool of sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/sink"
	"github.com/treeverse/claimload/pkg/source"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	ClaimTypes    []claim.Type
	BatchSize     int
	WriteThreads  int
	FlushInterval time.Duration
	// ErrorExpireAge purges resolved error records older than this at the start of a run. Zero
	// keeps them forever.
	ErrorExpireAge time.Duration
	// StartingSequence overrides the stored checkpoint per claim type.
	StartingSequence map[claim.Type]uint64
}

func (c Config) Validate() error {
	if len(c.ClaimTypes) == 0 {
		return fmt.Errorf("%w: no claim types", ErrInvalidConfig)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.WriteThreads <= 0 {
		return fmt.Errorf("%w: write threads %d", ErrInvalidConfig, c.WriteThreads)
	}
	return nil
}

type JobOptions struct {
	Metrics *Metrics
	Clock   clock.Clock
	Logger  logging.Logger
}

type Job struct {
	cfg     Config
	src     source.Source
	sinks   func(claim.Type) SinkFactory
	metrics *Metrics
	clock   clock.Clock
	log     logging.Logger
}

// Result summarizes one claim type of a run.
type Result struct {
	ClaimType  claim.Type
	Since      uint64
	Received   int
	Processed  int
	Checkpoint uint64
}

func NewJob(cfg Config, src source.Source, sinks func(claim.Type) SinkFactory, opts JobOptions) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
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
	return &Job{cfg: cfg, src: src, sinks: sinks, metrics: opts.Metrics, clock: opts.Clock, log: opts.Logger}, nil
}

// Run ingests every configured claim type once. A fatal error stops the run; other failures are
// collected and the next claim type still runs.
func (j *Job) Run(ctx context.Context) ([]Result, error) {
	runID := uuid.NewString()
	ctx = logging.AddFields(ctx, logging.Fields{logging.RunIDFieldKey: runID})
	var (
		results []Result
		errs    *multierror.Error
	)
	for _, ct := range j.cfg.ClaimTypes {
		res, err := j.runClaimType(ctx, ct)
		results = append(results, res)
		if err == nil {
			continue
		}
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", ct, err))
		if sink.IsFatal(err) || ctx.Err() != nil {
			break
		}
	}
	return results, errs.ErrorOrNil()
}

func (j *Job) runClaimType(ctx context.Context, ct claim.Type) (res Result, err error) {
	res.ClaimType = ct
	start := j.clock.Now()
	ctx = logging.AddFields(ctx, logging.Fields{logging.ClaimTypeFieldKey: ct})
	log := j.log.WithContext(ctx)
	defer func() {
		outcome := outcomeSuccess
		switch {
		case ctx.Err() != nil:
			outcome = outcomeInterrupted
		case err != nil:
			outcome = outcomeFailure
		}
		label := ct.String()
		j.metrics.Runs.WithLabelValues(label, outcome).Inc()
		j.metrics.EventsReceived.WithLabelValues(label).Add(float64(res.Received))
		j.metrics.ClaimsWritten.WithLabelValues(label).Add(float64(res.Processed))
		j.metrics.RunDuration.WithLabelValues(label).Observe(j.clock.Now().Sub(start).Seconds())
	}()

	pool, err := NewWriterPool(ctx, PoolConfig{
		Writers:       j.cfg.WriteThreads,
		BatchSize:     j.cfg.BatchSize,
		FlushInterval: j.cfg.FlushInterval,
		Clock:         j.clock,
		Logger:        log,
	}, j.sinks(ct))
	if err != nil {
		return res, err
	}

	runErr := j.ingest(ctx, ct, pool, &res)
	processed, closeErr := pool.Close(ctx)
	res.Processed = processed
	if seq, ok, err := j.checkpoint(ctx, ct); err == nil && ok {
		res.Checkpoint = seq
	}
	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if closeErr != nil {
		result = multierror.Append(result, closeErr)
	}
	log.WithFields(logging.Fields{
		"received":   res.Received,
		"processed":  res.Processed,
		"since":      res.Since,
		"checkpoint": res.Checkpoint,
	}).Info("claim type run finished")
	if result.ErrorOrNil() == nil {
		return res, nil
	}
	return res, result
}

// checkpoint reads the stored checkpoint after the pool released its sinks.
func (j *Job) checkpoint(ctx context.Context, ct claim.Type) (uint64, bool, error) {
	f := j.sinks(ct)
	s, err := f(context.WithoutCancel(ctx), coordinatorIndex, false)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = s.Close() }()
	return s.ReadMaxExistingSequenceNumber(context.WithoutCancel(ctx))
}

func (j *Job) ingest(ctx context.Context, ct claim.Type, pool *WriterPool, res *Result) error {
	log := j.log.WithContext(ctx)
	if j.cfg.ErrorExpireAge > 0 {
		n, err := pool.Ledger().PurgeResolved(ctx, j.cfg.ErrorExpireAge)
		if err != nil {
			return fmt.Errorf("purge expired errors: %w", err)
		}
		j.metrics.ErrorsPurged.WithLabelValues(ct.String()).Add(float64(n))
		if n > 0 {
			log.WithField("purged", n).Info("purged expired resolved errors")
		}
	}
	if err := pool.CheckErrorCount(ctx); err != nil {
		return err
	}

	since, err := j.startingSequence(ctx, ct, pool)
	if err != nil {
		return err
	}
	res.Since = since
	version, err := j.src.Version(ctx)
	if err != nil {
		return fmt.Errorf("source version: %w", err)
	}
	log.WithFields(logging.Fields{
		logging.SequenceNumberFieldKey: since,
		logging.APIVersionFieldKey:     version,
	}).Info("starting stream")
	stream, err := j.src.Open(ctx, ct, since)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	runErr := j.consume(ctx, stream, version, pool, res)
	if runErr != nil {
		if c, ok := stream.(source.Canceler); ok {
			c.Cancel(fmt.Sprintf("run interrupted: %s", runErr))
		}
	}
	return runErr
}

func (j *Job) consume(ctx context.Context, stream source.Stream, version string, pool *WriterPool, res *Result) error {
	for stream.HasNext(ctx) {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if err := pool.Add(ctx, version, ev); err != nil {
			return err
		}
		res.Received++
		if res.Received%j.cfg.BatchSize != 0 {
			continue
		}
		if err := pool.Checkpoint(ctx); err != nil {
			return err
		}
		if err := pool.CheckErrorCount(ctx); err != nil {
			return err
		}
	}
	_, err := stream.Next(ctx)
	if errors.Is(err, source.ErrEndOfStream) {
		return nil
	}
	return err
}

// startingSequence is the configured start, else the stored checkpoint, else zero. Streams
// include their since value, so a resumed run re-applies its last committed event.
func (j *Job) startingSequence(ctx context.Context, ct claim.Type, pool *WriterPool) (uint64, error) {
	if seq, ok := j.cfg.StartingSequence[ct]; ok && seq > 0 {
		return seq, nil
	}
	seq, ok, err := pool.ReadMaxExistingSequenceNumber(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return seq, nil
}
