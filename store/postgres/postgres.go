/*
Package postgres provides a PostgreSQL-backed implementation of ledger.TxStore.

PURPOSE:
  The multi-server deployment target. Several ledger processes can share
  one database; correctness no longer depends on an in-process lock.

HOW CROSS-PROCESS SAFETY IS ENFORCED:
  1. FindWallet inside WithTx uses SELECT ... FOR UPDATE, so two units of
     work for the same wallet serialize on the row.
  2. Partial unique indexes give one wallet per payer key. InsertWallet uses
     ON CONFLICT DO NOTHING and reports ledger.ErrWalletConflict.
  3. UpdateWallet is a conditional UPDATE on version.
  4. ux_ledger_tx_reference gives one transaction per collectible record.

AMOUNTS:
  Stored as NUMERIC, written and read as text to avoid float conversion.

USAGE:
  store, err := postgres.New(ctx, "postgres://ledger@localhost/ledger")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mahall/collectible-ledger/ledger"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.TxStore = (*Store)(nil)

// New connects, pings and migrates.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewWithPool(pool)
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithPool wraps an existing pool without migrating.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS collectible_records (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('varisangya', 'zakat')),
		family_id TEXT,
		member_id TEXT,
		payer_name TEXT,
		amount NUMERIC NOT NULL CHECK (amount > 0),
		payment_date TIMESTAMPTZ NOT NULL,
		payment_method TEXT,
		receipt_no TEXT,
		remarks TEXT,
		category TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);
	CREATE INDEX IF NOT EXISTS ix_records_family
		ON collectible_records (tenant_id, family_id, payment_date DESC) WHERE family_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS ix_records_member
		ON collectible_records (tenant_id, member_id, payment_date DESC) WHERE member_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		family_id TEXT,
		member_id TEXT,
		balance NUMERIC NOT NULL DEFAULT 0,
		last_transaction_date TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK ((family_id IS NULL) <> (member_id IS NULL))
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_wallets_family
		ON wallets (tenant_id, family_id) WHERE family_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS ux_wallets_member
		ON wallets (tenant_id, member_id) WHERE member_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL REFERENCES wallets (id),
		tx_type TEXT NOT NULL CHECK (tx_type IN ('credit', 'debit')),
		amount NUMERIC NOT NULL,
		balance_after NUMERIC NOT NULL,
		sequence BIGINT NOT NULL,
		description TEXT,
		reference_id TEXT,
		reference_type TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (wallet_id, sequence)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_tx_reference
		ON ledger_transactions (tenant_id, reference_type, reference_id) WHERE reference_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS ix_ledger_tx_wallet_created
		ON ledger_transactions (wallet_id, created_at DESC, sequence DESC);
	`)
	return err
}

// =============================================================================
// POOL-BACKED STORE
// =============================================================================

func (s *Store) q() queries { return queries{db: s.pool} }

func (s *Store) CreateRecord(ctx context.Context, rec ledger.CollectibleRecord) error {
	return s.q().createRecord(ctx, rec)
}

func (s *Store) GetRecord(ctx context.Context, tenant ledger.TenantID, id ledger.RecordID) (*ledger.CollectibleRecord, error) {
	return s.q().getRecord(ctx, tenant, id)
}

func (s *Store) RecordsByPayer(ctx context.Context, tenant ledger.TenantID, payer ledger.PayerKey, page ledger.Page) ([]ledger.CollectibleRecord, error) {
	return s.q().recordsByPayer(ctx, tenant, payer, page)
}

func (s *Store) FindWallet(ctx context.Context, tenant ledger.TenantID, payer ledger.PayerKey) (*ledger.Wallet, error) {
	return s.q().findWallet(ctx, tenant, payer)
}

func (s *Store) FindWallets(ctx context.Context, tenant ledger.TenantID, payers []ledger.PayerKey) ([]ledger.Wallet, error) {
	return s.q().findWallets(ctx, tenant, payers)
}

func (s *Store) GetWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return s.q().getWallet(ctx, id)
}

func (s *Store) InsertWallet(ctx context.Context, w ledger.Wallet) error {
	return s.q().insertWallet(ctx, w)
}

func (s *Store) UpdateWallet(ctx context.Context, w ledger.Wallet, expectedVersion int64) error {
	return s.q().updateWallet(ctx, w, expectedVersion)
}

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return s.q().appendTransaction(ctx, tx)
}

func (s *Store) TransactionByReference(ctx context.Context, tenant ledger.TenantID, refType ledger.Kind, refID ledger.RecordID) (*ledger.Transaction, error) {
	return s.q().transactionByReference(ctx, tenant, refType, refID)
}

func (s *Store) TransactionsByWallet(ctx context.Context, walletID ledger.WalletID, page ledger.Page) ([]ledger.Transaction, error) {
	return s.q().transactionsByWallet(ctx, walletID, page)
}

func (s *Store) WalletHistory(ctx context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	return s.q().walletHistory(ctx, walletID)
}

// WithTx runs fn in a READ COMMITTED transaction. Wallet lookups made
// through fn's Store take row locks.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{q: queries{db: tx, forUpdate: true}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	q queries
}

func (t *txStore) CreateRecord(ctx context.Context, rec ledger.CollectibleRecord) error {
	return t.q.createRecord(ctx, rec)
}

func (t *txStore) GetRecord(ctx context.Context, tenant ledger.TenantID, id ledger.RecordID) (*ledger.CollectibleRecord, error) {
	return t.q.getRecord(ctx, tenant, id)
}

func (t *txStore) RecordsByPayer(ctx context.Context, tenant ledger.TenantID, payer ledger.PayerKey, page ledger.Page) ([]ledger.CollectibleRecord, error) {
	return t.q.recordsByPayer(ctx, tenant, payer, page)
}

func (t *txStore) FindWallet(ctx context.Context, tenant ledger.TenantID, payer ledger.PayerKey) (*ledger.Wallet, error) {
	return t.q.findWallet(ctx, tenant, payer)
}

func (t *txStore) FindWallets(ctx context.Context, tenant ledger.TenantID, payers []ledger.PayerKey) ([]ledger.Wallet, error) {
	return t.q.findWallets(ctx, tenant, payers)
}

func (t *txStore) GetWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return t.q.getWallet(ctx, id)
}

func (t *txStore) InsertWallet(ctx context.Context, w ledger.Wallet) error {
	return t.q.insertWallet(ctx, w)
}

func (t *txStore) UpdateWallet(ctx context.Context, w ledger.Wallet, expectedVersion int64) error {
	return t.q.updateWallet(ctx, w, expectedVersion)
}

func (t *txStore) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return t.q.appendTransaction(ctx, tx)
}

func (t *txStore) TransactionByReference(ctx context.Context, tenant ledger.TenantID, refType ledger.Kind, refID ledger.RecordID) (*ledger.Transaction, error) {
	return t.q.transactionByReference(ctx, tenant, refType, refID)
}

func (t *txStore) TransactionsByWallet(ctx context.Context, walletID ledger.WalletID, page ledger.Page) ([]ledger.Transaction, error) {
	return t.q.transactionsByWallet(ctx, walletID, page)
}

func (t *txStore) WalletHistory(ctx context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	return t.q.walletHistory(ctx, walletID)
}

// =============================================================================
// QUERIES - shared by the pool and pgx.Tx
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db        querier
	forUpdate bool
}

const recordColumns = `id, tenant_id, kind, COALESCE(family_id, ''), COALESCE(member_id, ''),
	COALESCE(payer_name, ''), amount::text, payment_date, COALESCE(payment_method, ''),
	COALESCE(receipt_no, ''), COALESCE(remarks, ''), COALESCE(category, ''), created_at`

func (q queries) createRecord(ctx context.Context, rec ledger.CollectibleRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO collectible_records
			(id, tenant_id, kind, family_id, member_id, payer_name, amount, payment_date,
			 payment_method, receipt_no, remarks, category, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13)`,
		string(rec.ID), string(rec.TenantID), string(rec.Kind),
		nullable(string(rec.FamilyID)), nullable(string(rec.MemberID)), nullable(rec.PayerName),
		rec.Amount.String(), rec.PaymentDate,
		nullable(rec.PaymentMethod), nullable(rec.ReceiptNo), nullable(rec.Remarks), nullable(rec.Category),
		rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateRecord
		}
		return fmt.Errorf("failed to insert collectible record: %w", err)
	}
	return nil
}

func (q queries) getRecord(ctx context.Context, tenant ledger.TenantID, id ledger.RecordID) (*ledger.CollectibleRecord, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM collectible_records WHERE tenant_id = $1 AND id = $2`,
		string(tenant), string(id))
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (q queries) recordsByPayer(ctx context.Context, tenant ledger.TenantID, payer ledger.PayerKey, page ledger.Page) ([]ledger.CollectibleRecord, error) {
	column, value := payerColumn(payer)
	page = page.Normalize()
	rows, err := q.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM collectible_records
		WHERE tenant_id = $1 AND `+column+` = $2
		ORDER BY payment_date DESC, created_at DESC
		LIMIT $3 OFFSET $4`,
		string(tenant), value, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query collectible records: %w", err)
	}
	defer rows.Close()

	var out []ledger.CollectibleRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (ledger.CollectibleRecord, error) {
	var (
		rec                              ledger.CollectibleRecord
		id, tenant, kind, family, member string
		amount                           string
	)
	err := row.Scan(&id, &tenant, &kind, &family, &member, &rec.PayerName, &amount,
		&rec.PaymentDate, &rec.PaymentMethod, &rec.ReceiptNo, &rec.Remarks, &rec.Category, &rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	rec.ID = ledger.RecordID(id)
	rec.TenantID = ledger.TenantID(tenant)
	rec.Kind = ledger.Kind(kind)
	rec.FamilyID = ledger.FamilyID(family)
	rec.MemberID = ledger.MemberID(member)
	rec.PaymentDate = rec.PaymentDate.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.Amount, err = ledger.ParseAmount(amount)
	return rec, err
}

const walletColumns = `id, tenant_id, COALESCE(family_id, ''), COALESCE(member_id, ''),
	balance::text, last_transaction_date, version, created_at, updated_at`

func (q queries) findWallet(ctx context.Context, tenant ledger.TenantID, payer ledger.PayerKey) (*ledger.Wallet, error) {
	column, value := payerColumn(payer)
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE tenant_id = $1 AND ` + column + ` = $2`
	if q.forUpdate {
		query += ` FOR UPDATE`
	}
	return scanOptionalWallet(q.db.QueryRow(ctx, query, string(tenant), value))
}

func (q queries) getWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return scanOptionalWallet(q.db.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`, string(id)))
}

// findWallets resolves every payer key in one round trip.
func (q queries) findWallets(ctx context.Context, tenant ledger.TenantID, payers []ledger.PayerKey) ([]ledger.Wallet, error) {
	families := []string{}
	members := []string{}
	for _, p := range payers {
		if p.IsFamily() {
			families = append(families, string(p.FamilyID))
		} else {
			members = append(members, string(p.MemberID))
		}
	}

	rows, err := q.db.Query(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE tenant_id = $1 AND (family_id = ANY($2) OR member_id = ANY($3))`,
		string(tenant), families, members)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	var out []ledger.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (q queries) insertWallet(ctx context.Context, w ledger.Wallet) error {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO wallets
			(id, tenant_id, family_id, member_id, balance, last_transaction_date, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		string(w.ID), string(w.TenantID), nullable(string(w.FamilyID)), nullable(string(w.MemberID)),
		w.Balance.String(), w.LastTransactionDate, w.Version, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrWalletConflict
	}
	return nil
}

func (q queries) updateWallet(ctx context.Context, w ledger.Wallet, expectedVersion int64) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE wallets
		SET balance = $1::numeric, last_transaction_date = $2, version = $3, updated_at = $4
		WHERE id = $5 AND version = $6`,
		w.Balance.String(), w.LastTransactionDate, w.Version, w.UpdatedAt, string(w.ID), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrConcurrentModification
	}
	return nil
}

func scanOptionalWallet(row pgx.Row) (*ledger.Wallet, error) {
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var (
		w                          ledger.Wallet
		id, tenant, family, member string
		balance                    string
		lastTx                     *time.Time
	)
	err := row.Scan(&id, &tenant, &family, &member, &balance, &lastTx, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return w, err
	}
	w.ID = ledger.WalletID(id)
	w.TenantID = ledger.TenantID(tenant)
	w.FamilyID = ledger.FamilyID(family)
	w.MemberID = ledger.MemberID(member)
	if lastTx != nil {
		t := lastTx.UTC()
		w.LastTransactionDate = &t
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	w.Balance, err = ledger.ParseAmount(balance)
	return w, err
}

const transactionColumns = `id, tenant_id, wallet_id, tx_type, amount::text, balance_after::text,
	sequence, COALESCE(description, ''), COALESCE(reference_id, ''), COALESCE(reference_type, ''), created_at`

func (q queries) appendTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO ledger_transactions
			(id, tenant_id, wallet_id, tx_type, amount, balance_after, sequence,
			 description, reference_id, reference_type, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11)`,
		string(tx.ID), string(tx.TenantID), string(tx.WalletID), string(tx.Type),
		tx.Amount.String(), tx.BalanceAfter.String(), tx.Sequence,
		nullable(tx.Description), nullable(string(tx.ReferenceID)), nullable(string(tx.ReferenceType)),
		tx.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "ux_ledger_tx_reference" {
				return ledger.ErrDuplicateReference
			}
			return ledger.ErrConcurrentModification
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (q queries) transactionByReference(ctx context.Context, tenant ledger.TenantID, refType ledger.Kind, refID ledger.RecordID) (*ledger.Transaction, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE tenant_id = $1 AND reference_type = $2 AND reference_id = $3`,
		string(tenant), string(refType), string(refID))
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (q queries) transactionsByWallet(ctx context.Context, walletID ledger.WalletID, page ledger.Page) ([]ledger.Transaction, error) {
	page = page.Normalize()
	return q.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC, sequence DESC
		LIMIT $2 OFFSET $3`,
		string(walletID), page.Limit, page.Offset)
}

func (q queries) walletHistory(ctx context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	return q.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE wallet_id = $1
		ORDER BY sequence ASC`,
		string(walletID))
}

func (q queries) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		tx                           ledger.Transaction
		id, tenant, walletID, txType string
		amount, balanceAfter         string
		referenceID, referenceType   string
	)
	err := row.Scan(&id, &tenant, &walletID, &txType, &amount, &balanceAfter,
		&tx.Sequence, &tx.Description, &referenceID, &referenceType, &tx.CreatedAt)
	if err != nil {
		return tx, err
	}
	tx.ID = ledger.TransactionID(id)
	tx.TenantID = ledger.TenantID(tenant)
	tx.WalletID = ledger.WalletID(walletID)
	tx.Type = ledger.TransactionType(txType)
	tx.ReferenceID = ledger.RecordID(referenceID)
	tx.ReferenceType = ledger.Kind(referenceType)
	tx.CreatedAt = tx.CreatedAt.UTC()
	if tx.Amount, err = ledger.ParseAmount(amount); err != nil {
		return tx, err
	}
	tx.BalanceAfter, err = ledger.ParseAmount(balanceAfter)
	return tx, err
}

// Helper functions

func payerColumn(p ledger.PayerKey) (column string, value string) {
	if p.IsFamily() {
		return "family_id", string(p.FamilyID)
	}
	return "member_id", string(p.MemberID)
}

// nullable maps "" to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return strings.Contains(err.Error(), "duplicate key")
}
