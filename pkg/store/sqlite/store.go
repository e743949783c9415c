package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/store"
	"github.com/treeverse/claimload/pkg/store/params"
	"github.com/treeverse/claimload/pkg/store/sqlutil"
	_ "modernc.org/sqlite"
)

const (
	DriverName = "sqlite"

	DefaultBusyTimeout = 5 * time.Second
)

type Driver struct{}

type Store struct {
	db     *sql.DB
	logger logging.Logger
}

func init() {
	store.Register(DriverName, &Driver{})
}

func dsn(path string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func (d *Driver) Open(ctx context.Context, p params.Store) (store.Store, error) {
	if p.SQLite == nil || p.SQLite.Path == "" {
		return nil, fmt.Errorf("missing %s path: %w", DriverName, store.ErrDriverConfiguration)
	}
	path, err := homedir.Expand(p.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", p.SQLite.Path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	busyTimeout := p.SQLite.BusyTimeout
	if busyTimeout == 0 {
		busyTimeout = DefaultBusyTimeout
	}
	conn, err := sql.Open("sqlite", dsn(path, busyTimeout))
	if err != nil {
		return nil, err
	}
	// one writer at a time; transactions queue for the connection instead of failing busy
	conn.SetMaxOpenConns(1)
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	log := logging.FromContext(ctx).WithFields(logging.Fields{"store": DriverName, "path": path})
	log.Info("Opened database")
	return &Store{db: conn, logger: log}, nil
}

func (s *Store) Setup(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: %s", store.ErrSetupFailed, err)
	}
	return nil
}

func (s *Store) Transact(ctx context.Context, fn func(tx store.Tx) error, opts ...store.TxOpt) error {
	if !store.ApplyTxOpts(opts...).ReadOnly {
		return s.transact(ctx, s.db, nil, fn)
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()
	// query_only belongs to the connection and outlives the transaction
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = 1"); err != nil {
		return fmt.Errorf("begin read-only: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "PRAGMA query_only = 0"); err != nil {
			s.logger.WithError(err).Warn("restore write access failed")
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}()
	return s.transact(ctx, conn, &sql.TxOptions{ReadOnly: true}, fn)
}

type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

func (s *Store) transact(ctx context.Context, b txBeginner, txOpts *sql.TxOptions, fn func(tx store.Tx) error) error {
	tx, err := b.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&liteTx{tx: tx, ctx: ctx}); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			s.logger.WithError(rollbackErr).Warn("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type liteTx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t *liteTx) exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *liteTx) queryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func (t *liteTx) GetProgress(claimType claim.Type) (*claim.Progress, error) {
	var seq, updated int64
	err := t.queryRow(`SELECT last_sequence_number, last_updated FROM claim_progress WHERE claim_type = ?`,
		claimType.String()).Scan(&seq, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	return &claim.Progress{ClaimType: claimType, LastSequence: uint64(seq), LastUpdated: fromMicros(updated)}, nil
}

func (t *liteTx) SetProgress(claimType claim.Type, seq uint64, now time.Time) error {
	v, err := sqlutil.Sequence(seq)
	if err != nil {
		return err
	}
	_, err = t.exec(`INSERT INTO claim_progress (claim_type, last_sequence_number, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT (claim_type) DO UPDATE SET
			last_sequence_number = MAX(claim_progress.last_sequence_number, excluded.last_sequence_number),
			last_updated = excluded.last_updated`,
		claimType.String(), v, micros(now))
	return err
}

func (t *liteTx) ListProgress() ([]claim.Progress, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT claim_type, last_sequence_number, last_updated
		FROM claim_progress ORDER BY claim_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []claim.Progress
	for rows.Next() {
		var (
			ct           string
			seq, updated int64
		)
		if err := rows.Scan(&ct, &seq, &updated); err != nil {
			return nil, err
		}
		res = append(res, claim.Progress{ClaimType: claim.Type(ct), LastSequence: uint64(seq), LastUpdated: fromMicros(updated)})
	}
	return res, rows.Err()
}

func (t *liteTx) UpsertMetaData(m *claim.MetaData) error {
	seq, err := sqlutil.Sequence(m.Sequence)
	if err != nil {
		return err
	}
	_, err = t.exec(`INSERT INTO claim_meta
			(claim_type, sequence_number, claim_id, mbi_hash, claim_state, received_date, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (claim_type, sequence_number) DO UPDATE SET
			claim_id = excluded.claim_id,
			mbi_hash = excluded.mbi_hash,
			claim_state = excluded.claim_state,
			received_date = excluded.received_date,
			last_updated = excluded.last_updated`,
		m.ClaimType.String(), seq, m.ClaimID, m.MbiHash, m.ClaimState, sqlutil.Date(m.ReceivedDate), micros(m.LastUpdated))
	return err
}

func (t *liteTx) UpsertClaim(c *claim.Claim) error {
	seq, err := sqlutil.Sequence(c.Sequence)
	if err != nil {
		return err
	}
	attrs, err := sqlutil.EncodeAttributes(c.Attributes)
	if err != nil {
		return err
	}
	_, err = t.exec(`INSERT INTO claims
			(claim_type, claim_id, sequence_number, api_source, mbi_hash, status, last_updated, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (claim_type, claim_id) DO UPDATE SET
			sequence_number = excluded.sequence_number,
			api_source = excluded.api_source,
			mbi_hash = excluded.mbi_hash,
			status = excluded.status,
			last_updated = excluded.last_updated,
			attributes = excluded.attributes`,
		c.Type.String(), c.ID, seq, c.APISource, c.MbiHash, c.Status, micros(c.LastUpdated), attrs)
	if err != nil {
		return err
	}
	if _, err := t.exec(`DELETE FROM claim_lines WHERE claim_type = ? AND claim_id = ?`, c.Type.String(), c.ID); err != nil {
		return err
	}
	for _, line := range c.Lines {
		lineAttrs, err := sqlutil.EncodeAttributes(line.Attributes)
		if err != nil {
			return err
		}
		_, err = t.exec(`INSERT INTO claim_lines (claim_type, claim_id, line_number, attributes) VALUES (?, ?, ?, ?)`,
			c.Type.String(), c.ID, line.Number, lineAttrs)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *liteTx) GetClaim(claimType claim.Type, id string) (*claim.Claim, error) {
	var (
		seq, updated               int64
		apiSource, mbiHash, status sql.NullString
		attrs                      string
	)
	err := t.queryRow(`SELECT sequence_number, api_source, mbi_hash, status, last_updated, attributes
		FROM claims WHERE claim_type = ? AND claim_id = ?`, claimType.String(), id).
		Scan(&seq, &apiSource, &mbiHash, &status, &updated, &attrs)
	if err != nil {
		return nil, notFound(err)
	}
	decoded, err := sqlutil.DecodeAttributes(attrs)
	if err != nil {
		return nil, err
	}
	c := &claim.Claim{
		Type:        claimType,
		ID:          id,
		Sequence:    uint64(seq),
		APISource:   apiSource.String,
		MbiHash:     mbiHash.String,
		Status:      status.String,
		LastUpdated: fromMicros(updated),
		Attributes:  decoded,
	}
	rows, err := t.tx.QueryContext(t.ctx, `SELECT line_number, attributes FROM claim_lines
		WHERE claim_type = ? AND claim_id = ? ORDER BY line_number`, claimType.String(), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			n int
			a string
		)
		if err := rows.Scan(&n, &a); err != nil {
			return nil, err
		}
		la, err := sqlutil.DecodeAttributes(a)
		if err != nil {
			return nil, err
		}
		c.Lines = append(c.Lines, claim.Line{Number: n, Attributes: la})
	}
	return c, rows.Err()
}

func (t *liteTx) CountClaims(claimType claim.Type) (int, error) {
	var n int
	err := t.queryRow(`SELECT COUNT(*) FROM claims WHERE claim_type = ?`, claimType.String()).Scan(&n)
	return n, err
}

func (t *liteTx) InsertError(rec *claim.ErrorRecord) (int64, error) {
	seq, err := sqlutil.Sequence(rec.Sequence)
	if err != nil {
		return 0, err
	}
	errs, err := sqlutil.EncodeFieldErrors(rec.Errors)
	if err != nil {
		return 0, err
	}
	res, err := t.exec(`INSERT INTO message_errors
			(claim_type, sequence_number, claim_id, api_source, status, payload, errors, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ClaimType.String(), seq, rec.ClaimID, rec.APISource, string(rec.Status), rec.Payload, errs,
		micros(rec.CreatedAt), micros(rec.UpdatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *liteTx) CountErrors(claimType claim.Type, status claim.ErrorStatus) (int, error) {
	var n int
	err := t.queryRow(`SELECT COUNT(*) FROM message_errors WHERE claim_type = ? AND status = ?`,
		claimType.String(), string(status)).Scan(&n)
	return n, err
}

func (t *liteTx) ListErrors(claimType claim.Type, status claim.ErrorStatus) ([]claim.ErrorRecord, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT id, sequence_number, claim_id, api_source, payload, errors,
			created_at, updated_at
		FROM message_errors WHERE claim_type = ? AND status = ? ORDER BY id`, claimType.String(), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []claim.ErrorRecord
	for rows.Next() {
		var (
			rec                claim.ErrorRecord
			seq, created, upd  int64
			claimID, apiSource sql.NullString
			errs               string
		)
		if err := rows.Scan(&rec.ID, &seq, &claimID, &apiSource, &rec.Payload, &errs, &created, &upd); err != nil {
			return nil, err
		}
		rec.Errors, err = sqlutil.DecodeFieldErrors(errs)
		if err != nil {
			return nil, err
		}
		rec.ClaimType = claimType
		rec.Status = status
		rec.Sequence = uint64(seq)
		rec.ClaimID = claimID.String
		rec.APISource = apiSource.String
		rec.CreatedAt = fromMicros(created)
		rec.UpdatedAt = fromMicros(upd)
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (t *liteTx) SetErrorStatus(id int64, status claim.ErrorStatus, now time.Time) error {
	res, err := t.exec(`UPDATE message_errors SET status = ?, updated_at = ? WHERE id = ?`, string(status), micros(now), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *liteTx) PurgeErrors(claimType claim.Type, status claim.ErrorStatus, before time.Time) (int, error) {
	res, err := t.exec(`DELETE FROM message_errors WHERE claim_type = ? AND status = ? AND updated_at < ?`,
		claimType.String(), string(status), micros(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *liteTx) GetIdentifier(raw string) (*claim.Identifier, error) {
	var hash string
	err := t.queryRow(`SELECT hash FROM identifiers WHERE raw_id = ?`, raw).Scan(&hash)
	if err != nil {
		return nil, notFound(err)
	}
	return &claim.Identifier{Raw: raw, Hash: hash}, nil
}

func (t *liteTx) InsertIdentifier(id *claim.Identifier) error {
	res, err := t.exec(`INSERT INTO identifiers (raw_id, hash) VALUES (?, ?) ON CONFLICT (raw_id) DO NOTHING`,
		id.Raw, id.Hash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}
