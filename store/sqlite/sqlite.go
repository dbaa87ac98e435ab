/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Durable storage for collectible records, wallets and the transaction log
  on a single node. store/postgres implements the same contract for
  multi-server deployments.

KEY TABLES:
  collectible_records:  Immutable payment events, keyed by (tenant_id, id)
  wallets:              One row per payer key, versioned
  ledger_transactions:  Append-only credit/debit log

CONSTRAINTS DOING REAL WORK:
  - idx_wallets_family / idx_wallets_member: one wallet per payer key.
    A losing insert maps to ledger.ErrWalletConflict.
  - idx_ledger_tx_reference: one transaction per (tenant, kind, record).
    Maps to ledger.ErrDuplicateReference.
  - UNIQUE(wallet_id, sequence): no two transactions claim the same version.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE is ever issued against collectible_records or
  ledger_transactions. Wallets are updated only with a version check.

CONCURRENCY:
  sync.RWMutex inside the process. Transactions open with BEGIN IMMEDIATE
  (_txlock=immediate) so the write lock is taken before the first read and
  a concurrent process waits on busy_timeout instead of reading stale rows.
  Queries issued inside WithTx are bound to the open *sql.Tx and never take
  the mutex again.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  updater := ledger.NewUpdater(store, opts)

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mahall/collectible-ledger/ledger"
)

// timeLayout is fixed-width so text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// maxBatch bounds the payer keys sent in one IN (...) lookup.
const maxBatch = 250

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.TxStore = (*Store)(nil)

// New opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	store := NewWithDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an already opened handle without migrating it.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	-- Collectible records (immutable payment events)
	CREATE TABLE IF NOT EXISTS collectible_records (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('varisangya', 'zakat')),
		family_id TEXT,
		member_id TEXT,
		payer_name TEXT,
		amount TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		payment_method TEXT,
		receipt_no TEXT,
		remarks TEXT,
		category TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_family
		ON collectible_records(tenant_id, family_id, payment_date DESC) WHERE family_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_records_member
		ON collectible_records(tenant_id, member_id, payment_date DESC) WHERE member_id IS NOT NULL;

	-- Wallets (one per payer key)
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		family_id TEXT,
		member_id TEXT,
		balance TEXT NOT NULL,
		last_transaction_date TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK ((family_id IS NULL) <> (member_id IS NULL))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_wallets_family
		ON wallets(tenant_id, family_id) WHERE family_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_wallets_member
		ON wallets(tenant_id, member_id) WHERE member_id IS NOT NULL;

	-- Ledger transactions (append-only)
	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		tx_type TEXT NOT NULL CHECK (tx_type IN ('credit', 'debit')),
		amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		description TEXT,
		reference_id TEXT,
		reference_type TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (wallet_id, sequence)
	);

	-- CRITICAL: one transaction per collectible record
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_tx_reference
		ON ledger_transactions(tenant_id, reference_type, reference_id)
		WHERE reference_id IS NOT NULL;

	-- Newest-first history (hot path for the UI)
	CREATE INDEX IF NOT EXISTS idx_ledger_tx_wallet_created
		ON ledger_transactions(wallet_id, created_at DESC, sequence DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED ENTRY POINTS (ledger.Store interface)
// =============================================================================

func (s *Store) CreateRecord(ctx context.Context, rec ledger.CollectibleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.createRecord(ctx, rec)
}

func (s *Store) GetRecord(ctx context.Context, tenant ledger.TenantID, id ledger.RecordID) (*ledger.CollectibleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.getRecord(ctx, tenant, id)
}

func (s *Store) RecordsByPayer(ctx context.Context, tenant ledger.TenantID, payer ledger.PayerKey, page ledger.Page) ([]ledger.CollectibleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.recordsByPayer(ctx, tenant, payer, page)
}

func (s *Store) FindWallet(ctx context.Context, tenant ledger.TenantID, payer ledger.PayerKey) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.findWallet(ctx, tenant, payer)
}

func (s *Store) FindWallets(ctx context.Context, tenant ledger.TenantID, payers []ledger.PayerKey) ([]ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.findWallets(ctx, tenant, payers)
}

func (s *Store) GetWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.getWallet(ctx, id)
}

func (s *Store) InsertWallet(ctx context.Context, w ledger.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.insertWallet(ctx, w)
}

func (s *Store) UpdateWallet(ctx context.Context, w ledger.Wallet, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.updateWallet(ctx, w, expectedVersion)
}

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queries{s.db}.appendTransaction(ctx, tx)
}

func (s *Store) TransactionByReference(ctx context.Context, tenant ledger.TenantID, refType ledger.Kind, refID ledger.RecordID) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.transactionByReference(ctx, tenant, refType, refID)
}

func (s *Store) TransactionsByWallet(ctx context.Context, walletID ledger.WalletID, page ledger.Page) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.transactionsByWallet(ctx, walletID, page)
}

func (s *Store) WalletHistory(ctx context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.walletHistory(ctx, walletID)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. fn's Store is bound to
// the transaction; returning an error rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: queries{sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	q queries
}

func (ts *txStore) CreateRecord(ctx context.Context, rec ledger.CollectibleRecord) error {
	return ts.q.createRecord(ctx, rec)
}

func (ts *txStore) GetRecord(ctx context.Context, tenant ledger.TenantID, id ledger.RecordID) (*ledger.CollectibleRecord, error) {
	return ts.q.getRecord(ctx, tenant, id)
}

func (ts *txStore) RecordsByPayer(ctx context.Context, tenant ledger.TenantID, payer ledger.PayerKey, page ledger.Page) ([]ledger.CollectibleRecord, error) {
	return ts.q.recordsByPayer(ctx, tenant, payer, page)
}

// FindWallet runs inside BEGIN IMMEDIATE, so the row is already write-locked.
func (ts *txStore) FindWallet(ctx context.Context, tenant ledger.TenantID, payer ledger.PayerKey) (*ledger.Wallet, error) {
	return ts.q.findWallet(ctx, tenant, payer)
}

func (ts *txStore) FindWallets(ctx context.Context, tenant ledger.TenantID, payers []ledger.PayerKey) ([]ledger.Wallet, error) {
	return ts.q.findWallets(ctx, tenant, payers)
}

func (ts *txStore) GetWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return ts.q.getWallet(ctx, id)
}

func (ts *txStore) InsertWallet(ctx context.Context, w ledger.Wallet) error {
	return ts.q.insertWallet(ctx, w)
}

func (ts *txStore) UpdateWallet(ctx context.Context, w ledger.Wallet, expectedVersion int64) error {
	return ts.q.updateWallet(ctx, w, expectedVersion)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return ts.q.appendTransaction(ctx, tx)
}

func (ts *txStore) TransactionByReference(ctx context.Context, tenant ledger.TenantID, refType ledger.Kind, refID ledger.RecordID) (*ledger.Transaction, error) {
	return ts.q.transactionByReference(ctx, tenant, refType, refID)
}

func (ts *txStore) TransactionsByWallet(ctx context.Context, walletID ledger.WalletID, page ledger.Page) ([]ledger.Transaction, error) {
	return ts.q.transactionsByWallet(ctx, walletID, page)
}

func (ts *txStore) WalletHistory(ctx context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	return ts.q.walletHistory(ctx, walletID)
}

// =============================================================================
// QUERIES - shared by *sql.DB and *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db querier
}

type scanner interface {
	Scan(dest ...any) error
}

// --- records ---

const recordColumns = `id, tenant_id, kind, family_id, member_id, payer_name, amount,
	payment_date, payment_method, receipt_no, remarks, category, created_at`

func (q queries) createRecord(ctx context.Context, rec ledger.CollectibleRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO collectible_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.TenantID,
		rec.Kind,
		nullString(string(rec.FamilyID)),
		nullString(string(rec.MemberID)),
		nullString(rec.PayerName),
		rec.Amount.String(),
		formatTime(rec.PaymentDate),
		nullString(rec.PaymentMethod),
		nullString(rec.ReceiptNo),
		nullString(rec.Remarks),
		nullString(rec.Category),
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateRecord
		}
		return fmt.Errorf("failed to insert collectible record: %w", err)
	}
	return nil
}

func (q queries) getRecord(ctx context.Context, tenant ledger.TenantID, id ledger.RecordID) (*ledger.CollectibleRecord, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM collectible_records WHERE tenant_id = ? AND id = ?`,
		tenant, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
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

	rows, err := q.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM collectible_records
		WHERE tenant_id = ? AND `+column+` = ?
		ORDER BY payment_date DESC, created_at DESC
		LIMIT ? OFFSET ?`,
		tenant, value, page.Limit, page.Offset)
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

func scanRecord(row scanner) (ledger.CollectibleRecord, error) {
	var (
		rec                               ledger.CollectibleRecord
		familyID, memberID, payerName     sql.NullString
		paymentMethod, receiptNo, remarks sql.NullString
		category                          sql.NullString
		amount, paymentDate, createdAt    string
	)
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.Kind, &familyID, &memberID, &payerName, &amount,
		&paymentDate, &paymentMethod, &receiptNo, &remarks, &category, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("failed to scan collectible record: %w", err)
	}

	rec.FamilyID = ledger.FamilyID(familyID.String)
	rec.MemberID = ledger.MemberID(memberID.String)
	rec.PayerName = payerName.String
	rec.PaymentMethod = paymentMethod.String
	rec.ReceiptNo = receiptNo.String
	rec.Remarks = remarks.String
	rec.Category = category.String
	if rec.Amount, err = ledger.ParseAmount(amount); err != nil {
		return rec, err
	}
	if rec.PaymentDate, err = parseTime("payment_date", paymentDate); err != nil {
		return rec, err
	}
	if rec.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return rec, err
	}
	return rec, nil
}

// --- wallets ---

const walletColumns = `id, tenant_id, family_id, member_id, balance,
	last_transaction_date, version, created_at, updated_at`

func (q queries) findWallet(ctx context.Context, tenant ledger.TenantID, payer ledger.PayerKey) (*ledger.Wallet, error) {
	column, value := payerColumn(payer)
	row := q.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE tenant_id = ? AND `+column+` = ?`,
		tenant, value)
	return scanOptionalWallet(row)
}

func (q queries) getWallet(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	return scanOptionalWallet(row)
}

// findWallets resolves many payer keys with one query per maxBatch keys.
func (q queries) findWallets(ctx context.Context, tenant ledger.TenantID, payers []ledger.PayerKey) ([]ledger.Wallet, error) {
	var out []ledger.Wallet
	for start := 0; start < len(payers); start += maxBatch {
		end := start + maxBatch
		if end > len(payers) {
			end = len(payers)
		}

		var families, members []any
		for _, p := range payers[start:end] {
			if p.IsFamily() {
				families = append(families, string(p.FamilyID))
			} else {
				members = append(members, string(p.MemberID))
			}
		}

		var clauses []string
		args := []any{tenant}
		if len(families) > 0 {
			clauses = append(clauses, "family_id IN ("+placeholders(len(families))+")")
			args = append(args, families...)
		}
		if len(members) > 0 {
			clauses = append(clauses, "member_id IN ("+placeholders(len(members))+")")
			args = append(args, members...)
		}
		if len(clauses) == 0 {
			continue
		}

		rows, err := q.db.QueryContext(ctx,
			`SELECT `+walletColumns+` FROM wallets WHERE tenant_id = ? AND (`+strings.Join(clauses, " OR ")+`)`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query wallets: %w", err)
		}
		for rows.Next() {
			w, err := scanWallet(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, w)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (q queries) insertWallet(ctx context.Context, w ledger.Wallet) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID,
		w.TenantID,
		nullString(string(w.FamilyID)),
		nullString(string(w.MemberID)),
		w.Balance.String(),
		nullTime(w.LastTransactionDate),
		w.Version,
		formatTime(w.CreatedAt),
		formatTime(w.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrWalletConflict
		}
		return fmt.Errorf("failed to insert wallet: %w", err)
	}
	return nil
}

// updateWallet writes the new balance only if nobody moved the version.
func (q queries) updateWallet(ctx context.Context, w ledger.Wallet, expectedVersion int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE wallets
		SET balance = ?, last_transaction_date = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		w.Balance.String(),
		nullTime(w.LastTransactionDate),
		w.Version,
		formatTime(w.UpdatedAt),
		w.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if n == 0 {
		return ledger.ErrConcurrentModification
	}
	return nil
}

func scanOptionalWallet(row scanner) (*ledger.Wallet, error) {
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanWallet(row scanner) (ledger.Wallet, error) {
	var (
		w                    ledger.Wallet
		familyID, memberID   sql.NullString
		lastTx               sql.NullString
		balance              string
		createdAt, updatedAt string
	)
	err := row.Scan(&w.ID, &w.TenantID, &familyID, &memberID, &balance,
		&lastTx, &w.Version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, err
		}
		return w, fmt.Errorf("failed to scan wallet: %w", err)
	}

	w.FamilyID = ledger.FamilyID(familyID.String)
	w.MemberID = ledger.MemberID(memberID.String)
	if w.Balance, err = ledger.ParseAmount(balance); err != nil {
		return w, err
	}
	if lastTx.Valid {
		t, err := parseTime("last_transaction_date", lastTx.String)
		if err != nil {
			return w, err
		}
		w.LastTransactionDate = &t
	}
	if w.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return w, err
	}
	if w.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return w, err
	}
	return w, nil
}

// --- transactions ---

const transactionColumns = `id, tenant_id, wallet_id, tx_type, amount, balance_after,
	sequence, description, reference_id, reference_type, created_at`

func (q queries) appendTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO ledger_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.TenantID,
		tx.WalletID,
		tx.Type,
		tx.Amount.String(),
		tx.BalanceAfter.String(),
		tx.Sequence,
		nullString(tx.Description),
		nullString(string(tx.ReferenceID)),
		nullString(string(tx.ReferenceType)),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "reference_id") {
				return ledger.ErrDuplicateReference
			}
			return ledger.ErrConcurrentModification
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (q queries) transactionByReference(ctx context.Context, tenant ledger.TenantID, refType ledger.Kind, refID ledger.RecordID) (*ledger.Transaction, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE tenant_id = ? AND reference_type = ? AND reference_id = ?`,
		tenant, refType, refID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
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
		WHERE wallet_id = ?
		ORDER BY created_at DESC, sequence DESC
		LIMIT ? OFFSET ?`,
		walletID, page.Limit, page.Offset)
}

func (q queries) walletHistory(ctx context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	return q.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE wallet_id = ?
		ORDER BY sequence ASC`,
		walletID)
}

func (q queries) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		tx                       ledger.Transaction
		amount, balanceAfter     string
		description              sql.NullString
		referenceID, referenceTy sql.NullString
		createdAt                string
	)
	err := row.Scan(&tx.ID, &tx.TenantID, &tx.WalletID, &tx.Type, &amount, &balanceAfter,
		&tx.Sequence, &description, &referenceID, &referenceTy, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tx, err
		}
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Amount, err = ledger.ParseAmount(amount); err != nil {
		return tx, err
	}
	if tx.BalanceAfter, err = ledger.ParseAmount(balanceAfter); err != nil {
		return tx, err
	}
	tx.Description = description.String
	tx.ReferenceID = ledger.RecordID(referenceID.String)
	tx.ReferenceType = ledger.Kind(referenceTy.String)
	if tx.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return tx, err
	}
	return tx, nil
}

// Helper functions

func parseTime(column, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %s %q: %w", column, value, err)
	}
	return t, nil
}

func payerColumn(p ledger.PayerKey) (column string, value string) {
	if p.IsFamily() {
		return "family_id", string(p.FamilyID)
	}
	return "member_id", string(p.MemberID)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
