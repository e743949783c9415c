package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/store/params"
)

const (
	DefaultMaxOpenConnections    = 25
	DefaultMaxIdleConnections    = 25
	DefaultConnectionMaxLifetime = 5 * time.Minute

	connectFirstWait  = 50 * time.Millisecond
	connectWaitGrowth = 1.2
	connectMaxWait    = 3 * time.Second
)

func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire to ping: %w", err)
	}
	defer conn.Release()
	err = conn.Conn().Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// ConnectDBPool connects to a database using the database params and returns a connection pool
func ConnectDBPool(ctx context.Context, p params.Postgres) (*pgxpool.Pool, error) {
	normalizeDBParams(&p)
	config, err := pgxpool.ParseConfig(p.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	config.MaxConns = p.MaxOpenConnections
	config.MinConns = min(p.MaxIdleConnections, p.MaxOpenConnections)
	config.MaxConnLifetime = p.ConnectionMaxLifetime

	log := logging.FromContext(ctx).WithFields(logging.Fields{
		"max_open_conns":    p.MaxOpenConnections,
		"max_idle_conns":    p.MaxIdleConnections,
		"db":                config.ConnConfig.Database,
		"user":              config.ConnConfig.User,
		"host":              config.ConnConfig.Host,
		"port":              config.ConnConfig.Port,
		"conn_max_lifetime": p.ConnectionMaxLifetime,
	})
	log.Info("Connecting to the DB")

	pool, err := tryConnectConfig(ctx, config, log)
	if err != nil {
		return nil, err
	}

	log.Info("DB connection established")
	return pool, nil
}

// ConnectDB connects to a database using the database params and returns Database
func ConnectDB(ctx context.Context, p params.Postgres, metrics *Metrics) (Database, error) {
	pool, err := ConnectDBPool(ctx, p)
	if err != nil {
		return nil, err
	}
	return NewPgxDatabase(pool, metrics), nil
}

func normalizeDBParams(p *params.Postgres) {
	if p.MaxOpenConnections == 0 {
		p.MaxOpenConnections = DefaultMaxOpenConnections
	}

	if p.MaxIdleConnections == 0 {
		p.MaxIdleConnections = DefaultMaxIdleConnections
	}

	if p.ConnectionMaxLifetime == 0 {
		p.ConnectionMaxLifetime = DefaultConnectionMaxLifetime
	}
}

// tryConnectConfig retries dial failures with exponential backoff, so the process may start
// before its database is reachable.
func tryConnectConfig(ctx context.Context, config *pgxpool.Config, log logging.Logger) (*pgxpool.Pool, error) {
	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = connectFirstWait
	strategy.Multiplier = connectWaitGrowth
	strategy.MaxElapsedTime = connectMaxWait

	operation := func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("error while connecting to DB: %w", err))
		}
		if err := Ping(ctx, pool); err != nil {
			pool.Close()
			if isDialError(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return pool, nil
	}
	notify := func(err error, next time.Duration) {
		log.WithError(err).WithField("next", next).Info("Could not connect to DB: Trying again")
	}
	pool, err := backoff.RetryNotifyWithData(operation, backoff.WithContext(strategy, ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("could not connect to DB: %w", err)
	}
	return pool, nil
}
