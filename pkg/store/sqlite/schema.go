package sqlite

// Timestamps are stored as unix microseconds.
const schema = `
CREATE TABLE IF NOT EXISTS claim_progress (
	claim_type           TEXT PRIMARY KEY,
	last_sequence_number INTEGER NOT NULL,
	last_updated         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS claim_meta (
	claim_type      TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	claim_id        TEXT NOT NULL,
	mbi_hash        TEXT,
	claim_state     TEXT,
	received_date   TEXT,
	last_updated    INTEGER NOT NULL,
	PRIMARY KEY (claim_type, sequence_number)
);

CREATE TABLE IF NOT EXISTS claims (
	claim_type      TEXT NOT NULL,
	claim_id        TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	api_source      TEXT,
	mbi_hash        TEXT,
	status          TEXT,
	last_updated    INTEGER NOT NULL,
	attributes      TEXT NOT NULL,
	PRIMARY KEY (claim_type, claim_id)
);

CREATE TABLE IF NOT EXISTS claim_lines (
	claim_type  TEXT NOT NULL,
	claim_id    TEXT NOT NULL,
	line_number INTEGER NOT NULL,
	attributes  TEXT NOT NULL,
	PRIMARY KEY (claim_type, claim_id, line_number),
	FOREIGN KEY (claim_type, claim_id) REFERENCES claims (claim_type, claim_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS identifiers (
	raw_id TEXT PRIMARY KEY,
	hash   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS message_errors (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	claim_type      TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	claim_id        TEXT,
	api_source      TEXT,
	status          TEXT NOT NULL,
	payload         TEXT NOT NULL,
	errors          TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS message_errors_type_status_idx ON message_errors (claim_type, status);
`
