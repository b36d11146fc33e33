package store

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name: "postgres",
	lockProvider: func(ctx context.Context, tx *sql.Tx, provider string) error {
		// Блокировка на уровне поставщика до конца транзакции
		_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", provider)
		return err
	},
}

func NewPostgresStore(dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	// Таблица поставщиков.
	// Заводится сервисом учетных записей, здесь нужна только для проверки существования
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS providers (" +
			" id VARCHAR (64) PRIMARY KEY," +
			" created_at TIMESTAMPTZ NOT NULL" +
			" );")
	if err != nil {
		db.Close()
		return nil, err
	}

	// Журнал баланса.
	// Записи не изменяются и не удаляются, исправления - новыми записями refund/adjustment
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS ledger_entries (" +
			" seq BIGSERIAL UNIQUE," +
			" id VARCHAR (36) PRIMARY KEY," +
			" provider_id VARCHAR (64) NOT NULL REFERENCES providers (id)," +
			" amount BIGINT NOT NULL," +
			" kind VARCHAR (16) NOT NULL," +
			" period VARCHAR (10)," +
			" due BIGINT NOT NULL DEFAULT 0," +
			" reference VARCHAR (128)," +
			" description TEXT NOT NULL DEFAULT ''," +
			" created_at TIMESTAMPTZ NOT NULL" +
			" );" +
			" CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_charge_period" +
			" ON ledger_entries (provider_id, period) WHERE kind = 'daily_charge';" +
			" CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_topup_reference" +
			" ON ledger_entries (reference) WHERE kind = 'topup';" +
			" CREATE INDEX IF NOT EXISTS ledger_entries_provider_created" +
			" ON ledger_entries (provider_id, created_at);")
	if err != nil {
		db.Close()
		return nil, err
	}

	// Таблица предложений
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS offers (" +
			" id VARCHAR (64) PRIMARY KEY," +
			" provider_id VARCHAR (64) NOT NULL REFERENCES providers (id)," +
			" status VARCHAR (10) NOT NULL," +
			" is_vip BOOLEAN NOT NULL DEFAULT FALSE," +
			" has_flash_offer BOOLEAN NOT NULL DEFAULT FALSE," +
			" created_at TIMESTAMPTZ NOT NULL," +
			" updated_at TIMESTAMPTZ NOT NULL" +
			" );" +
			" CREATE INDEX IF NOT EXISTS offers_provider ON offers (provider_id);")
	if err != nil {
		db.Close()
		return nil, err
	}

	// Один цикл на период
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS billing_cycles (" +
			" period VARCHAR (10) PRIMARY KEY," +
			" cycle_id VARCHAR (36) NOT NULL," +
			" ran_at TIMESTAMPTZ NOT NULL," +
			" providers_processed INTEGER NOT NULL," +
			" providers_deactivated INTEGER NOT NULL," +
			" total_charged BIGINT NOT NULL" +
			" );")
	if err != nil {
		db.Close()
		return nil, err
	}

	return newStore(db, postgresDialect), nil
}
