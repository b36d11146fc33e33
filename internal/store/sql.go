package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iurnickita/offerbilling/internal/model"
)

// dialect описывает различия между postgres и sqlite
type dialect struct {
	name string
	// sqlite понимает нумерованные параметры как ?1, а не $1
	questionParams bool
	// блокировка журнала поставщика внутри транзакции
	lockProvider func(ctx context.Context, tx *sql.Tx, provider string) error
}

type store struct {
	database *sql.DB
	dialect  dialect
	now      func() time.Time
}

func newStore(db *sql.DB, d dialect) *store {
	return &store{
		database: db,
		dialect:  d,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

func (store *store) q(query string) string {
	if store.dialect.questionParams {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

func (store *store) Ping(ctx context.Context) error {
	return store.database.PingContext(ctx)
}

func (store *store) Close() error {
	return store.database.Close()
}

// Поставщики

func (store *store) ProviderPut(ctx context.Context, provider string) error {
	_, err := store.database.ExecContext(ctx, store.q(
		"INSERT INTO providers (id, created_at)"+
			" VALUES ($1, $2)"+
			" ON CONFLICT DO NOTHING"),
		provider,
		store.now())
	return err
}

func (store *store) ProviderExists(ctx context.Context, provider string) (bool, error) {
	return providerExists(ctx, store.database, store.q, provider)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func providerExists(ctx context.Context, db queryRower, q func(string) string, provider string) (bool, error) {
	var count int
	row := db.QueryRowContext(ctx, q(
		"SELECT COUNT(*) FROM providers"+
			" WHERE id = $1"),
		provider)
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (store *store) ProvidersWithOffers(ctx context.Context) ([]string, error) {
	rows, err := store.database.QueryContext(ctx, store.q(
		"SELECT DISTINCT provider_id FROM offers"+
			" WHERE status <> $1"+
			" ORDER BY provider_id"),
		model.OfferStatusArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var providers []string
	for rows.Next() {
		var provider string
		if err := rows.Scan(&provider); err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}
	return providers, rows.Err()
}

// Журнал баланса

const ledgerColumns = "id, provider_id, amount, kind, period, due, reference, description, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (model.LedgerEntry, error) {
	var (
		entry     model.LedgerEntry
		period    sql.NullString
		reference sql.NullString
	)
	err := row.Scan(&entry.ID,
		&entry.Provider,
		&entry.Amount,
		&entry.Kind,
		&period,
		&entry.Due,
		&reference,
		&entry.Description,
		&entry.CreatedAt)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	entry.Period = period.String
	entry.Reference = reference.String
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (store *store) LedgerBalance(ctx context.Context, provider string) (int64, error) {
	summary, err := store.LedgerSummary(ctx, provider)
	if err != nil {
		return 0, err
	}
	return summary.Balance, nil
}

func (store *store) LedgerSummary(ctx context.Context, provider string) (model.LedgerSummary, error) {
	exists, err := store.ProviderExists(ctx, provider)
	if err != nil {
		return model.LedgerSummary{}, err
	}
	if !exists {
		return model.LedgerSummary{}, ErrNoRows
	}

	summary := model.LedgerSummary{Provider: provider}
	row := store.database.QueryRowContext(ctx, store.q(
		"SELECT"+
			" COALESCE(SUM(amount), 0),"+
			" COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0),"+
			" COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0)"+
			" FROM ledger_entries"+
			" WHERE provider_id = $1"),
		provider)
	if err := row.Scan(&summary.Balance, &summary.Credited, &summary.Charged); err != nil {
		return model.LedgerSummary{}, err
	}
	return summary, nil
}

func (store *store) LedgerAppend(ctx context.Context, entry model.LedgerEntry) (model.LedgerEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = store.now()
	}

	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	defer tx.Rollback()

	// Блокировка журнала поставщика
	if err := store.dialect.lockProvider(ctx, tx, entry.Provider); err != nil {
		return model.LedgerEntry{}, err
	}

	exists, err := providerExists(ctx, tx, store.q, entry.Provider)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	if !exists {
		return model.LedgerEntry{}, ErrNoRows
	}

	inserted, err := store.insertEntry(ctx, tx, entry)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	if !inserted {
		// период или платеж уже записаны
		return model.LedgerEntry{}, ErrDuplicate
	}

	if err := tx.Commit(); err != nil {
		return model.LedgerEntry{}, err
	}
	return entry, nil
}

// LedgerCharge списывает суточную сумму за период.
// Если баланса не хватает, списывается только остаток (баланс становится 0).
// Повторное списание за тот же период возвращает существующую запись и ErrAlreadyCharged.
func (store *store) LedgerCharge(ctx context.Context, provider string, period string, due int64, description string) (model.LedgerEntry, error) {
	if due <= 0 {
		return model.LedgerEntry{}, ErrAmountIncorrect
	}

	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	defer tx.Rollback()

	if err := store.dialect.lockProvider(ctx, tx, provider); err != nil {
		return model.LedgerEntry{}, err
	}

	// Уже списано за этот период
	existing, err := scanEntry(tx.QueryRowContext(ctx, store.q(
		"SELECT "+ledgerColumns+
			" FROM ledger_entries"+
			" WHERE provider_id = $1"+
			"   AND kind = $2"+
			"   AND period = $3"),
		provider,
		model.EntryKindDailyCharge,
		period))
	switch {
	case err == nil:
		return existing, ErrAlreadyCharged
	case !errors.Is(err, sql.ErrNoRows):
		return model.LedgerEntry{}, err
	}

	// Актуальный баланс
	var balance int64
	row := tx.QueryRowContext(ctx, store.q(
		"SELECT COALESCE(SUM(amount), 0) FROM ledger_entries"+
			" WHERE provider_id = $1"),
		provider)
	if err := row.Scan(&balance); err != nil {
		return model.LedgerEntry{}, err
	}

	debit := due
	if balance < due {
		debit = max(balance, 0)
	}

	entry := model.LedgerEntry{
		ID:          uuid.NewString(),
		Provider:    provider,
		Amount:      -debit,
		Kind:        model.EntryKindDailyCharge,
		Period:      period,
		Due:         due,
		Description: description,
		CreatedAt:   store.now(),
	}
	inserted, err := store.insertEntry(ctx, tx, entry)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	if !inserted {
		return model.LedgerEntry{}, ErrDuplicate
	}

	if err := tx.Commit(); err != nil {
		return model.LedgerEntry{}, err
	}
	return entry, nil
}

func (store *store) insertEntry(ctx context.Context, tx *sql.Tx, entry model.LedgerEntry) (bool, error) {
	res, err := tx.ExecContext(ctx, store.q(
		"INSERT INTO ledger_entries ("+ledgerColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)"+
			" ON CONFLICT DO NOTHING"),
		entry.ID,
		entry.Provider,
		entry.Amount,
		entry.Kind,
		nullString(entry.Period),
		entry.Due,
		nullString(entry.Reference),
		entry.Description,
		entry.CreatedAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (store *store) LedgerList(ctx context.Context, provider string, since time.Time) ([]model.LedgerEntry, error) {
	rows, err := store.database.QueryContext(ctx, store.q(
		"SELECT "+ledgerColumns+
			" FROM ledger_entries"+
			" WHERE provider_id = $1"+
			"   AND created_at >= $2"+
			" ORDER BY created_at, seq"),
		provider,
		since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (store *store) LedgerGetCharge(ctx context.Context, provider string, period string) (model.LedgerEntry, error) {
	entry, err := scanEntry(store.database.QueryRowContext(ctx, store.q(
		"SELECT "+ledgerColumns+
			" FROM ledger_entries"+
			" WHERE provider_id = $1"+
			"   AND kind = $2"+
			"   AND period = $3"),
		provider,
		model.EntryKindDailyCharge,
		period))
	if errors.Is(err, sql.ErrNoRows) {
		return model.LedgerEntry{}, ErrNoRows
	}
	return entry, err
}

func (store *store) LedgerGetTopup(ctx context.Context, reference string) (model.LedgerEntry, error) {
	entry, err := scanEntry(store.database.QueryRowContext(ctx, store.q(
		"SELECT "+ledgerColumns+
			" FROM ledger_entries"+
			" WHERE kind = $1"+
			"   AND reference = $2"),
		model.EntryKindTopup,
		reference))
	if errors.Is(err, sql.ErrNoRows) {
		return model.LedgerEntry{}, ErrNoRows
	}
	return entry, err
}

// Предложения

const offerColumns = "id, provider_id, status, is_vip, has_flash_offer, created_at, updated_at"

func scanOffer(row rowScanner) (model.Offer, error) {
	var offer model.Offer
	err := row.Scan(&offer.ID,
		&offer.Provider,
		&offer.Status,
		&offer.IsVIP,
		&offer.HasFlashOffer,
		&offer.CreatedAt,
		&offer.UpdatedAt)
	if err != nil {
		return model.Offer{}, err
	}
	offer.CreatedAt = offer.CreatedAt.UTC()
	offer.UpdatedAt = offer.UpdatedAt.UTC()
	return offer, nil
}

func (store *store) OfferPost(ctx context.Context, offer model.Offer) error {
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = store.now()
	}
	if offer.UpdatedAt.IsZero() {
		offer.UpdatedAt = offer.CreatedAt
	}
	res, err := store.database.ExecContext(ctx, store.q(
		"INSERT INTO offers ("+offerColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7)"+
			" ON CONFLICT DO NOTHING"),
		offer.ID,
		offer.Provider,
		offer.Status,
		offer.IsVIP,
		offer.HasFlashOffer,
		offer.CreatedAt,
		offer.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (store *store) OfferGet(ctx context.Context, id string) (model.Offer, error) {
	offer, err := scanOffer(store.database.QueryRowContext(ctx, store.q(
		"SELECT "+offerColumns+
			" FROM offers"+
			" WHERE id = $1"),
		id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Offer{}, ErrNoRows
	}
	return offer, err
}

func (store *store) OfferList(ctx context.Context, provider string) ([]model.Offer, error) {
	rows, err := store.database.QueryContext(ctx, store.q(
		"SELECT "+offerColumns+
			" FROM offers"+
			" WHERE provider_id = $1"+
			" ORDER BY created_at, id"),
		provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var offers []model.Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}

// OfferSetStatus меняет статус только если текущий статус равен from.
func (store *store) OfferSetStatus(ctx context.Context, id string, from string, to string) (bool, error) {
	res, err := store.database.ExecContext(ctx, store.q(
		"UPDATE offers"+
			" SET status = $1, updated_at = $2"+
			" WHERE id = $3"+
			"   AND status = $4"),
		to,
		store.now(),
		id,
		from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Биллинговые циклы

const cycleColumns = "cycle_id, period, ran_at, providers_processed, providers_deactivated, total_charged"

func scanCycle(row rowScanner) (model.BillingCycleRecord, error) {
	var record model.BillingCycleRecord
	err := row.Scan(&record.CycleID,
		&record.Period,
		&record.RanAt,
		&record.ProvidersProcessed,
		&record.ProvidersDeactivated,
		&record.TotalCharged)
	if err != nil {
		return model.BillingCycleRecord{}, err
	}
	record.RanAt = record.RanAt.UTC()
	return record, nil
}

func (store *store) CycleGet(ctx context.Context, period string) (model.BillingCycleRecord, error) {
	record, err := scanCycle(store.database.QueryRowContext(ctx, store.q(
		"SELECT "+cycleColumns+
			" FROM billing_cycles"+
			" WHERE period = $1"),
		period))
	if errors.Is(err, sql.ErrNoRows) {
		return model.BillingCycleRecord{}, ErrNoRows
	}
	return record, err
}

func (store *store) CyclePost(ctx context.Context, record model.BillingCycleRecord) error {
	res, err := store.database.ExecContext(ctx, store.q(
		"INSERT INTO billing_cycles ("+cycleColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6)"+
			" ON CONFLICT DO NOTHING"),
		record.CycleID,
		record.Period,
		record.RanAt.UTC(),
		record.ProvidersProcessed,
		record.ProvidersDeactivated,
		record.TotalCharged)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (store *store) CycleList(ctx context.Context, limit int) ([]model.BillingCycleRecord, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := store.database.QueryContext(ctx, store.q(
		"SELECT "+cycleColumns+
			" FROM billing_cycles"+
			" ORDER BY period DESC"+
			" LIMIT $1"),
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []model.BillingCycleRecord
	for rows.Next() {
		record, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
