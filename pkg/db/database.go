package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/treeverse/claimload/pkg/logging"
)

type TxFunc func(tx Tx) error

type Database interface {
	Exec(ctx context.Context, query string, args ...interface{}) (pgconn.CommandTag, error)
	Transact(ctx context.Context, fn TxFunc, opts ...TxOpt) error

	Close()
}

type PgxDatabase struct {
	db      *pgxpool.Pool
	metrics *Metrics
	logger  logging.Logger
}

func NewPgxDatabase(db *pgxpool.Pool, metrics *Metrics) *PgxDatabase {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &PgxDatabase{db: db, metrics: metrics, logger: logging.Default()}
}

func (d *PgxDatabase) getLogger(ctx context.Context, fields logging.Fields) logging.Logger {
	return d.logger.WithContext(ctx).WithFields(fields)
}

func (d *PgxDatabase) Close() {
	d.db.Close()
}

// performAndReport performs fn and logs a "done" report if its duration was long enough.
func (d *PgxDatabase) performAndReport(ctx context.Context, fields logging.Fields, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)
	if duration > slowQueryThreshold {
		logger := d.getLogger(ctx, fields).WithField("took", duration)
		if err != nil {
			logger = logger.WithError(err)
		}
		logger.Info("database done")
	}
	return err
}

func (d *PgxDatabase) Exec(ctx context.Context, query string, args ...interface{}) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := d.performAndReport(ctx, logging.Fields{
		"type":  "exec",
		"query": queryToString(query),
	}, func() error {
		var err error
		tag, err = d.db.Exec(ctx, query, args...)
		return err
	})
	return tag, err
}

// Transact runs fn inside a transaction, retrying the whole function on serialization failures.
// fn must be safe to run more than once.
func (d *PgxDatabase) Transact(ctx context.Context, fn TxFunc, opts ...TxOpt) error {
	options := DefaultTxOptions(ctx)
	for _, opt := range opts {
		opt(options)
	}
	var tx pgx.Tx
	defer func() {
		if p := recover(); p != nil && tx != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()
	for attempt := 0; attempt < SerializationRetryMaxAttempts; attempt++ {
		if attempt > 0 {
			duration := SerializationRetryStartInterval * time.Duration(attempt)
			d.metrics.retries.Inc()
			options.logger.
				WithField("attempt", attempt).
				WithField("sleep_interval", duration).
				Warn("retrying transaction due to serialization error")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(duration):
			}
		}

		var err error
		tx, err = d.db.BeginTx(ctx, pgx.TxOptions{
			IsoLevel:   options.isolationLevel,
			AccessMode: options.accessMode,
		})
		if err != nil {
			return err
		}
		err = fn(&dbTx{tx: tx, logger: options.logger, ctx: ctx, metrics: d.metrics})
		if err != nil {
			rollbackErr := tx.Rollback(ctx)
			if rollbackErr == nil && IsSerializationError(err) {
				continue
			}
			// returning the original error and not the rollbackErr
			return err
		}
		commitErr := tx.Commit(ctx)
		if commitErr != nil {
			if IsSerializationError(commitErr) {
				continue
			}
			return commitErr
		}
		return nil
	}
	options.logger.
		WithField("attempt", SerializationRetryMaxAttempts).
		Warn("transaction failed after max attempts due to serialization error")
	return ErrSerialization
}
