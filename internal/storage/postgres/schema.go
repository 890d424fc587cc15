package postgres

// Schema creates the tables the stores in this package use. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS targets (
	id               BIGSERIAL PRIMARY KEY,
	name             TEXT        NOT NULL,
	url              TEXT        NOT NULL,
	interval_minutes INTEGER     NOT NULL DEFAULT 15 CHECK (interval_minutes IN (5, 15, 30, 60)),
	status           TEXT        NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'paused')),
	last_hash        TEXT,
	last_scan_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scan_records (
	id              BIGSERIAL PRIMARY KEY,
	target_id       BIGINT      NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
	screenshot_path TEXT        NOT NULL DEFAULT '',
	fingerprint     TEXT        NOT NULL,
	status          TEXT        NOT NULL CHECK (status IN ('pending', 'success', 'failed')),
	report          JSONB,
	error           TEXT,
	scanned_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS scan_records_target_recent_idx ON scan_records (target_id, scanned_at DESC);

CREATE TABLE IF NOT EXISTS alerts (
	id         BIGSERIAL PRIMARY KEY,
	scan_id    BIGINT      NOT NULL UNIQUE REFERENCES scan_records(id) ON DELETE CASCADE,
	status     TEXT        NOT NULL CHECK (status IN ('pending', 'sent', 'failed')),
	recipient  TEXT        NOT NULL DEFAULT '',
	subject    TEXT        NOT NULL DEFAULT '',
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS scan_progress (
	target_id  BIGINT      PRIMARY KEY,
	state      TEXT        NOT NULL,
	step       INTEGER     NOT NULL,
	message    TEXT        NOT NULL,
	detail     TEXT        NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`
