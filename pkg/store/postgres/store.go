package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/db"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/store"
	"github.com/treeverse/claimload/pkg/store/params"
	"github.com/treeverse/claimload/pkg/store/sqlutil"
)

const DriverName = "postgres"

type Driver struct{}

type Store struct {
	db     db.Database
	logger logging.Logger
}

func init() {
	store.Register(DriverName, &Driver{})
}

func (d *Driver) Open(ctx context.Context, p params.Store) (store.Store, error) {
	if p.Postgres == nil {
		return nil, fmt.Errorf("missing %s settings: %w", DriverName, store.ErrDriverConfiguration)
	}
	database, err := db.ConnectDB(ctx, *p.Postgres, db.NewMetrics(p.Registerer))
	if err != nil {
		return nil, err
	}
	return &Store{
		db:     database,
		logger: logging.FromContext(ctx).WithField("store", DriverName),
	}, nil
}

func (s *Store) Setup(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%w: %s", store.ErrSetupFailed, err)
	}
	return nil
}

func (s *Store) Transact(ctx context.Context, fn func(tx store.Tx) error, opts ...store.TxOpt) error {
	dbOpts := []db.TxOpt{db.WithLogger(s.logger.WithContext(ctx))}
	if store.ApplyTxOpts(opts...).ReadOnly {
		dbOpts = append(dbOpts, db.ReadOnly())
	}
	return s.db.Transact(ctx, func(tx db.Tx) error {
		return fn(&pgTx{tx: tx})
	}, dbOpts...)
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

type pgTx struct {
	tx db.Tx
}

// translate maps driver errors onto the store package errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrNotFound):
		return store.ErrNotFound
	case errors.Is(err, db.ErrAlreadyExists):
		return store.ErrAlreadyExists
	}
	return err
}

type progressRow struct {
	ClaimType    string    `db:"claim_type"`
	LastSequence int64     `db:"last_sequence_number"`
	LastUpdated  time.Time `db:"last_updated"`
}

func (r progressRow) toProgress() claim.Progress {
	return claim.Progress{
		ClaimType:    claim.Type(r.ClaimType),
		LastSequence: uint64(r.LastSequence),
		LastUpdated:  r.LastUpdated,
	}
}

func (t *pgTx) GetProgress(claimType claim.Type) (*claim.Progress, error) {
	var row progressRow
	err := t.tx.Get(&row, `SELECT claim_type, last_sequence_number, last_updated
		FROM claim_progress WHERE claim_type = $1`, claimType.String())
	if err != nil {
		return nil, translate(err)
	}
	p := row.toProgress()
	return &p, nil
}

func (t *pgTx) SetProgress(claimType claim.Type, seq uint64, now time.Time) error {
	v, err := sqlutil.Sequence(seq)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`INSERT INTO claim_progress (claim_type, last_sequence_number, last_updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (claim_type) DO UPDATE SET
			last_sequence_number = GREATEST(claim_progress.last_sequence_number, excluded.last_sequence_number),
			last_updated = excluded.last_updated`,
		claimType.String(), v, now)
	return translate(err)
}

func (t *pgTx) ListProgress() ([]claim.Progress, error) {
	var rows []progressRow
	err := t.tx.Select(&rows, `SELECT claim_type, last_sequence_number, last_updated
		FROM claim_progress ORDER BY claim_type`)
	if err != nil {
		return nil, translate(err)
	}
	res := make([]claim.Progress, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.toProgress())
	}
	return res, nil
}

func (t *pgTx) UpsertMetaData(m *claim.MetaData) error {
	seq, err := sqlutil.Sequence(m.Sequence)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`INSERT INTO claim_meta
			(claim_type, sequence_number, claim_id, mbi_hash, claim_state, received_date, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (claim_type, sequence_number) DO UPDATE SET
			claim_id = excluded.claim_id,
			mbi_hash = excluded.mbi_hash,
			claim_state = excluded.claim_state,
			received_date = excluded.received_date,
			last_updated = excluded.last_updated`,
		m.ClaimType.String(), seq, m.ClaimID, m.MbiHash, m.ClaimState, sqlutil.Date(m.ReceivedDate), m.LastUpdated)
	return translate(err)
}

func (t *pgTx) UpsertClaim(c *claim.Claim) error {
	seq, err := sqlutil.Sequence(c.Sequence)
	if err != nil {
		return err
	}
	attrs, err := sqlutil.EncodeAttributes(c.Attributes)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`INSERT INTO claims
			(claim_type, claim_id, sequence_number, api_source, mbi_hash, status, last_updated, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (claim_type, claim_id) DO UPDATE SET
			sequence_number = excluded.sequence_number,
			api_source = excluded.api_source,
			mbi_hash = excluded.mbi_hash,
			status = excluded.status,
			last_updated = excluded.last_updated,
			attributes = excluded.attributes`,
		c.Type.String(), c.ID, seq, c.APISource, c.MbiHash, c.Status, c.LastUpdated, attrs)
	if err != nil {
		return translate(err)
	}
	_, err = t.tx.Exec(`DELETE FROM claim_lines WHERE claim_type = $1 AND claim_id = $2`, c.Type.String(), c.ID)
	if err != nil {
		return translate(err)
	}
	for _, line := range c.Lines {
		lineAttrs, err := sqlutil.EncodeAttributes(line.Attributes)
		if err != nil {
			return err
		}
		_, err = t.tx.Exec(`INSERT INTO claim_lines (claim_type, claim_id, line_number, attributes)
			VALUES ($1, $2, $3, $4)`, c.Type.String(), c.ID, line.Number, lineAttrs)
		if err != nil {
			return translate(err)
		}
	}
	return nil
}

type claimRow struct {
	ClaimType   string    `db:"claim_type"`
	ClaimID     string    `db:"claim_id"`
	Sequence    int64     `db:"sequence_number"`
	APISource   *string   `db:"api_source"`
	MbiHash     *string   `db:"mbi_hash"`
	Status      *string   `db:"status"`
	LastUpdated time.Time `db:"last_updated"`
	Attributes  string    `db:"attributes"`
}

type lineRow struct {
	LineNumber int    `db:"line_number"`
	Attributes string `db:"attributes"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (t *pgTx) GetClaim(claimType claim.Type, id string) (*claim.Claim, error) {
	var row claimRow
	err := t.tx.Get(&row, `SELECT claim_type, claim_id, sequence_number, api_source, mbi_hash, status,
			last_updated, attributes::text AS attributes
		FROM claims WHERE claim_type = $1 AND claim_id = $2`, claimType.String(), id)
	if err != nil {
		return nil, translate(err)
	}
	attrs, err := sqlutil.DecodeAttributes(row.Attributes)
	if err != nil {
		return nil, err
	}
	c := &claim.Claim{
		Type:        claim.Type(row.ClaimType),
		ID:          row.ClaimID,
		Sequence:    uint64(row.Sequence),
		APISource:   deref(row.APISource),
		MbiHash:     deref(row.MbiHash),
		Status:      deref(row.Status),
		LastUpdated: row.LastUpdated,
		Attributes:  attrs,
	}
	var lines []lineRow
	err = t.tx.Select(&lines, `SELECT line_number, attributes::text AS attributes
		FROM claim_lines WHERE claim_type = $1 AND claim_id = $2 ORDER BY line_number`, claimType.String(), id)
	if err != nil {
		return nil, translate(err)
	}
	for _, l := range lines {
		la, err := sqlutil.DecodeAttributes(l.Attributes)
		if err != nil {
			return nil, err
		}
		c.Lines = append(c.Lines, claim.Line{Number: l.LineNumber, Attributes: la})
	}
	return c, nil
}

func (t *pgTx) CountClaims(claimType claim.Type) (int, error) {
	var n int64
	err := t.tx.GetPrimitive(&n, `SELECT COUNT(*) FROM claims WHERE claim_type = $1`, claimType.String())
	return int(n), translate(err)
}

func (t *pgTx) InsertError(rec *claim.ErrorRecord) (int64, error) {
	seq, err := sqlutil.Sequence(rec.Sequence)
	if err != nil {
		return 0, err
	}
	errs, err := sqlutil.EncodeFieldErrors(rec.Errors)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.GetPrimitive(&id, `INSERT INTO message_errors
			(claim_type, sequence_number, claim_id, api_source, status, payload, errors, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		rec.ClaimType.String(), seq, rec.ClaimID, rec.APISource, string(rec.Status), rec.Payload, errs,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return 0, translate(err)
	}
	return id, nil
}

func (t *pgTx) CountErrors(claimType claim.Type, status claim.ErrorStatus) (int, error) {
	var n int64
	err := t.tx.GetPrimitive(&n, `SELECT COUNT(*) FROM message_errors WHERE claim_type = $1 AND status = $2`,
		claimType.String(), string(status))
	return int(n), translate(err)
}

type errorRow struct {
	ID        int64     `db:"id"`
	ClaimType string    `db:"claim_type"`
	Sequence  int64     `db:"sequence_number"`
	ClaimID   *string   `db:"claim_id"`
	APISource *string   `db:"api_source"`
	Status    string    `db:"status"`
	Payload   string    `db:"payload"`
	Errors    string    `db:"errors"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (t *pgTx) ListErrors(claimType claim.Type, status claim.ErrorStatus) ([]claim.ErrorRecord, error) {
	var rows []errorRow
	err := t.tx.Select(&rows, `SELECT id, claim_type, sequence_number, claim_id, api_source, status, payload,
			errors::text AS errors, created_at, updated_at
		FROM message_errors WHERE claim_type = $1 AND status = $2 ORDER BY id`,
		claimType.String(), string(status))
	if err != nil {
		return nil, translate(err)
	}
	res := make([]claim.ErrorRecord, 0, len(rows))
	for _, r := range rows {
		fieldErrors, err := sqlutil.DecodeFieldErrors(r.Errors)
		if err != nil {
			return nil, err
		}
		res = append(res, claim.ErrorRecord{
			ID:        r.ID,
			ClaimType: claim.Type(r.ClaimType),
			Sequence:  uint64(r.Sequence),
			ClaimID:   deref(r.ClaimID),
			APISource: deref(r.APISource),
			Status:    claim.ErrorStatus(r.Status),
			Payload:   r.Payload,
			Errors:    fieldErrors,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return res, nil
}

func (t *pgTx) SetErrorStatus(id int64, status claim.ErrorStatus, now time.Time) error {
	res, err := t.tx.Exec(`UPDATE message_errors SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), now)
	if err != nil {
		return translate(err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) PurgeErrors(claimType claim.Type, status claim.ErrorStatus, before time.Time) (int, error) {
	res, err := t.tx.Exec(`DELETE FROM message_errors WHERE claim_type = $1 AND status = $2 AND updated_at < $3`,
		claimType.String(), string(status), before)
	if err != nil {
		return 0, translate(err)
	}
	return int(res.RowsAffected()), nil
}

func (t *pgTx) GetIdentifier(raw string) (*claim.Identifier, error) {
	var hash string
	err := t.tx.GetPrimitive(&hash, `SELECT hash FROM identifiers WHERE raw_id = $1`, raw)
	if err != nil {
		return nil, translate(err)
	}
	return &claim.Identifier{Raw: raw, Hash: hash}, nil
}

func (t *pgTx) InsertIdentifier(id *claim.Identifier) error {
	// a conflicting insert must not abort the surrounding transaction
	res, err := t.tx.Exec(`INSERT INTO identifiers (raw_id, hash) VALUES ($1, $2) ON CONFLICT (raw_id) DO NOTHING`,
		id.Raw, id.Hash)
	if err != nil {
		return translate(err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}
