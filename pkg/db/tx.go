package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/treeverse/claimload/pkg/logging"
)

const (
	SerializationRetryMaxAttempts   = 10
	SerializationRetryStartInterval = time.Millisecond * 2

	slowQueryThreshold = 100 * time.Millisecond
)

// Tx abstract the pg transaction.
// It is expected to return errors of this package when applicable:
// 1. ErrNotFound - when a specific row was queried
// 2. ErrAlreadyExists - on conflicts when adding an entry
// 3. ErrSerialization - on serialization errors
type Tx interface {
	Select(dest interface{}, query string, args ...interface{}) error
	Get(dest interface{}, query string, args ...interface{}) error
	GetPrimitive(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (pgconn.CommandTag, error)
}

type dbTx struct {
	tx      pgx.Tx
	ctx     context.Context
	logger  logging.Logger
	metrics *Metrics
}

func queryToString(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func (d *dbTx) fields(kind, query string, start time.Time) logging.Fields {
	return logging.Fields{
		"type":  kind,
		"query": queryToString(query),
		"took":  time.Since(start),
	}
}

func (d *dbTx) Select(results interface{}, query string, args ...interface{}) error {
	start := time.Now()
	err := pgxscan.Select(d.ctx, d.tx, results, query, args...)
	log := d.logger.WithContext(d.ctx).WithFields(d.fields("select", query, start))
	if err != nil {
		d.metrics.errors.WithLabelValues("select").Inc()
		log.WithError(err).Error("SQL query failed with error")
		return fmt.Errorf("query %s: %w", queryToString(query), err)
	}
	log.Trace("SQL query executed successfully")
	return nil
}

func (d *dbTx) Get(dest interface{}, query string, args ...interface{}) error {
	start := time.Now()
	err := pgxscan.Get(d.ctx, d.tx, dest, query, args...)
	log := d.logger.WithFields(d.fields("get", query, start))
	if pgxscan.NotFound(err) {
		// This err comes directly from scany, not directly from pgx, so *must* use
		// pgxscan.NotFound.
		log.Trace("SQL query returned no results")
		return ErrNotFound
	}
	if err != nil {
		d.metrics.errors.WithLabelValues("get").Inc()
		log.WithError(err).Error("SQL query failed with error")
		return fmt.Errorf("query %s: %w", queryToString(query), err)
	}
	log.Trace("SQL query executed successfully")
	return nil
}

func (d *dbTx) GetPrimitive(dest interface{}, query string, args ...interface{}) error {
	start := time.Now()
	row := d.tx.QueryRow(d.ctx, query, args...)
	err := row.Scan(dest)
	log := d.logger.WithFields(d.fields("get", query, start))
	if errors.Is(err, pgx.ErrNoRows) {
		log.Trace("SQL query returned no results")
		return ErrNotFound
	}
	if err != nil {
		d.metrics.errors.WithLabelValues("get").Inc()
		log.WithError(err).Error("SQL query failed with error")
		return fmt.Errorf("query %s: %w", queryToString(query), err)
	}
	log.Trace("SQL query executed successfully")
	return nil
}

func (d *dbTx) Exec(query string, args ...interface{}) (pgconn.CommandTag, error) {
	start := time.Now()
	res, err := d.tx.Exec(d.ctx, query, args...)
	log := d.logger.WithFields(d.fields("exec", query, start))
	if isUniqueViolation(err) {
		return res, ErrAlreadyExists
	}
	if err != nil {
		d.metrics.errors.WithLabelValues("exec").Inc()
		log.WithError(err).Error("SQL query failed with error")
		return res, err
	}
	log.Trace("SQL query executed successfully")
	return res, nil
}

type TxOpt func(*TxOptions)

type TxOptions struct {
	logger         logging.Logger
	isolationLevel pgx.TxIsoLevel
	accessMode     pgx.TxAccessMode
}

func DefaultTxOptions(ctx context.Context) *TxOptions {
	return &TxOptions{
		logger:         logging.Default().WithContext(ctx),
		isolationLevel: pgx.Serializable,
		accessMode:     pgx.ReadWrite,
	}
}

func WithLogger(logger logging.Logger) TxOpt {
	return func(o *TxOptions) {
		o.logger = logger
	}
}

func ReadOnly() TxOpt {
	return func(o *TxOptions) {
		o.accessMode = pgx.ReadOnly
	}
}
