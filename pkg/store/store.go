// Package store defines the transactional relational store the ingestion pipeline writes to, and
// a registry of drivers implementing it.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/store/params"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrDriverConfiguration = errors.New("driver configuration")
	ErrSetupFailed         = errors.New("setup failed")
	ErrUnknownDriver       = errors.New("unknown driver")
	ErrClosed              = errors.New("store closed")
	// ErrSequenceOverflow is returned for sequence numbers above the signed 64-bit column range.
	ErrSequenceOverflow = errors.New("sequence number exceeds storable range")
)

type Driver interface {
	// Open opens access to the database store. Implementations give access to the same storage based on the params.
	Open(ctx context.Context, params params.Store) (Store, error)
}

// Store is a relational store supporting atomic units of work.
type Store interface {
	// Setup creates the schema if it is missing.
	Setup(ctx context.Context) error

	// Transact runs fn in a single transaction, committing when fn returns nil and rolling back
	// otherwise. fn may be called more than once when the database asks for a retry, so it must
	// not keep side effects outside tx.
	Transact(ctx context.Context, fn func(tx Tx) error, opts ...TxOpt) error

	// Close releases the underlying connections.
	Close() error
}

type TxOpt func(*TxOptions)

type TxOptions struct {
	ReadOnly bool
}

// ReadOnly makes the transaction reject writes.
func ReadOnly() TxOpt {
	return func(o *TxOptions) {
		o.ReadOnly = true
	}
}

// ApplyTxOpts returns the options resulting from opts.
func ApplyTxOpts(opts ...TxOpt) TxOptions {
	var o TxOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Tx is the set of operations available inside a transaction. Lookups of missing rows return
// ErrNotFound and conflicting inserts return ErrAlreadyExists.
type Tx interface {
	GetProgress(claimType claim.Type) (*claim.Progress, error)
	// SetProgress records seq as the checkpoint unless a higher one is already stored.
	SetProgress(claimType claim.Type, seq uint64, now time.Time) error
	ListProgress() ([]claim.Progress, error)

	UpsertMetaData(m *claim.MetaData) error
	// UpsertClaim inserts or replaces the claim and all of its lines.
	UpsertClaim(c *claim.Claim) error
	GetClaim(claimType claim.Type, id string) (*claim.Claim, error)
	CountClaims(claimType claim.Type) (int, error)

	InsertError(rec *claim.ErrorRecord) (int64, error)
	CountErrors(claimType claim.Type, status claim.ErrorStatus) (int, error)
	ListErrors(claimType claim.Type, status claim.ErrorStatus) ([]claim.ErrorRecord, error)
	SetErrorStatus(id int64, status claim.ErrorStatus, now time.Time) error
	// PurgeErrors deletes records with the given status last updated before the given time.
	PurgeErrors(claimType claim.Type, status claim.ErrorStatus, before time.Time) (int, error)

	GetIdentifier(raw string) (*claim.Identifier, error)
	InsertIdentifier(id *claim.Identifier) error
}

// map drivers implementation
var (
	drivers   = make(map[string]Driver)
	driversMu sync.RWMutex
)

// Register 'driver' implementation under 'name'. Panic in case of empty name, nil driver or name already registered.
func Register(name string, driver Driver) {
	if name == "" {
		panic("store register name is missing")
	}
	if driver == nil {
		panic("store Register driver is nil")
	}
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, found := drivers[name]; found {
		panic("store Register driver already registered " + name)
	}
	drivers[name] = driver
}

// Open lookup driver with 'name' and return Store based on 'params'.
// Failed with ErrUnknownDriver in case 'name' is not registered
func Open(ctx context.Context, p params.Store) (Store, error) {
	driversMu.RLock()
	d, ok := drivers[p.Type]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, p.Type)
	}
	return d.Open(ctx, p)
}

// Drivers returns the names of all registered drivers, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
