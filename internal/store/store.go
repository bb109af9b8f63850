// Package store is the Postgres persistence layer: bookings and their
// verified documents, the audit chain, the three memory layers, users,
// export receipts and the legal corpus. Every table keeps the full record
// as JSONB next to the columns the queries filter on.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS bookings (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	source_blob TEXT NOT NULL DEFAULT '',
	class TEXT NOT NULL,
	status TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bookings_client_status ON bookings(client_id, status);
CREATE INDEX IF NOT EXISTS idx_bookings_fingerprint ON bookings(fingerprint) WHERE fingerprint <> '';
CREATE INDEX IF NOT EXISTS idx_bookings_source ON bookings(client_id, source_blob, class);

CREATE TABLE IF NOT EXISTS documents (
	booking_id TEXT PRIMARY KEY REFERENCES bookings(id),
	payload JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS supplier_accounts (
	client_id TEXT NOT NULL,
	supplier_oib TEXT NOT NULL,
	iban TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (client_id, supplier_oib)
);

CREATE TABLE IF NOT EXISTS audit_events (
	seq BIGINT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	actor TEXT NOT NULL,
	kind TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	payload JSONB NOT NULL,
	payload_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS l2_rules (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	supplier_id TEXT NOT NULL DEFAULT '',
	doc_class TEXT NOT NULL,
	feature_hash TEXT NOT NULL,
	payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_l2_rules_prefix ON l2_rules(client_id, supplier_id, doc_class);

CREATE TABLE IF NOT EXISTS l1_journal (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL DEFAULT '',
	at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_l1_journal_at ON l1_journal(at);

CREATE TABLE IF NOT EXISTS l3_pairs (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS correction_tallies (
	rule_key TEXT NOT NULL,
	signature TEXT NOT NULL,
	count INT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (rule_key, signature)
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS export_receipts (
	booking_id TEXT PRIMARY KEY,
	target TEXT NOT NULL,
	filename TEXT NOT NULL,
	bytes_hash TEXT NOT NULL,
	delivered_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS law_chunks (
	id TEXT PRIMARY KEY,
	law_code TEXT NOT NULL,
	article TEXT NOT NULL,
	paragraph TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL
);
`

// Open connects, pings and migrates.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema. All statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
