package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name:           "sqlite",
	questionParams: true,
	// одно соединение - записи и так идут последовательно
	lockProvider: func(context.Context, *sql.Tx, string) error { return nil },
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS providers (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	provider_id TEXT NOT NULL REFERENCES providers (id),
	amount INTEGER NOT NULL,
	kind TEXT NOT NULL CHECK (kind IN ('topup','daily_charge','refund','adjustment')),
	period TEXT,
	due INTEGER NOT NULL DEFAULT 0,
	reference TEXT,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_charge_period ON ledger_entries (provider_id, period) WHERE kind = 'daily_charge';
CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_topup_reference ON ledger_entries (reference) WHERE kind = 'topup';
CREATE INDEX IF NOT EXISTS ledger_entries_provider_created ON ledger_entries (provider_id, created_at);
CREATE TABLE IF NOT EXISTS offers (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL REFERENCES providers (id),
	status TEXT NOT NULL CHECK (status IN ('active','inactive','archived')),
	is_vip BOOLEAN NOT NULL DEFAULT 0,
	has_flash_offer BOOLEAN NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS offers_provider ON offers (provider_id);
CREATE TABLE IF NOT EXISTS billing_cycles (
	period TEXT PRIMARY KEY,
	cycle_id TEXT NOT NULL,
	ran_at TIMESTAMP NOT NULL,
	providers_processed INTEGER NOT NULL,
	providers_deactivated INTEGER NOT NULL,
	total_charged INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return newStore(db, sqliteDialect), nil
}
