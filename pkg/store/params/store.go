package params

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Store struct {
	Type     string
	Postgres *Postgres
	SQLite   *SQLite

	// Registerer receives driver metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

type Postgres struct {
	ConnectionString      string
	MaxOpenConnections    int32
	MaxIdleConnections    int32
	ConnectionMaxLifetime time.Duration
}

type SQLite struct {
	// Path of the database file, created when missing
	Path string

	// BusyTimeout is how long a writer waits for the database lock held by another connection
	BusyTimeout time.Duration
}
