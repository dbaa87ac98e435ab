/*
store.go - Persistence contracts for records, wallets and transactions

PURPOSE:
  Defines the interface between the ledger logic and the database. The
  engine never holds process-wide models; every service receives a Store.

KEY INTERFACES:
  RecordStore:      append-only collectible records
  WalletStore:      wallet lookup by payer key, insert, versioned update
  TransactionStore: append-only transaction log
  TxStore:          all of the above plus WithTx for atomic units

APPEND-ONLY CONTRACT:
  Records and transactions have no Update or Delete. Wallets are updated
  only through UpdateWallet with an expected version.

UNIQUENESS CONTRACT (enforced by every implementation):
  - one wallet per (tenant, family) and per (tenant, member)
      -> InsertWallet returns ErrWalletConflict
  - one transaction per (tenant, reference type, reference id)
      -> AppendTransaction returns ErrDuplicateReference
  - UpdateWallet with a stale version
      -> ErrConcurrentModification

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package ledger

import "context"

// RecordStore persists collectible records. Append-only.
type RecordStore interface {
	// CreateRecord persists a record. Returns ErrDuplicateRecord if the ID exists.
	CreateRecord(ctx context.Context, rec CollectibleRecord) error

	// GetRecord returns ErrRecordNotFound when the record doesn't exist.
	GetRecord(ctx context.Context, tenant TenantID, id RecordID) (*CollectibleRecord, error)

	// RecordsByPayer returns records ordered by PaymentDate desc, CreatedAt desc.
	RecordsByPayer(ctx context.Context, tenant TenantID, payer PayerKey, page Page) ([]CollectibleRecord, error)
}

// WalletStore persists wallets.
type WalletStore interface {
	// FindWallet returns (nil, nil) when no wallet exists for the key.
	// Inside WithTx, implementations lock the row until commit.
	FindWallet(ctx context.Context, tenant TenantID, payer PayerKey) (*Wallet, error)

	// FindWallets returns the existing wallets among payers in one round trip.
	FindWallets(ctx context.Context, tenant TenantID, payers []PayerKey) ([]Wallet, error)

	// GetWallet returns (nil, nil) for an unknown id.
	GetWallet(ctx context.Context, id WalletID) (*Wallet, error)

	InsertWallet(ctx context.Context, w Wallet) error

	// UpdateWallet writes Balance, LastTransactionDate, Version and UpdatedAt
	// if the stored version still equals expectedVersion.
	UpdateWallet(ctx context.Context, w Wallet, expectedVersion int64) error
}

// TransactionStore persists the transaction log. Append-only.
type TransactionStore interface {
	AppendTransaction(ctx context.Context, tx Transaction) error

	// TransactionByReference returns (nil, nil) when no transaction references the record.
	TransactionByReference(ctx context.Context, tenant TenantID, refType Kind, refID RecordID) (*Transaction, error)

	// TransactionsByWallet returns CreatedAt desc, Sequence desc.
	TransactionsByWallet(ctx context.Context, walletID WalletID, page Page) ([]Transaction, error)

	// WalletHistory returns every transaction of the wallet in Sequence order.
	WalletHistory(ctx context.Context, walletID WalletID) ([]Transaction, error)
}

type Store interface {
	RecordStore
	WalletStore
	TransactionStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store passed to fn
	// is rolled back. If fn returns nil, they are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}
