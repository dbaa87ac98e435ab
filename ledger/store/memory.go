// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mahall/collectible-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	data memoryData
}

type memoryData struct {
	records      map[recordKey]ledger.CollectibleRecord
	wallets      map[ledger.WalletID]ledger.Wallet
	walletByKey  map[payerKey]ledger.WalletID
	transactions map[ledger.WalletID][]ledger.Transaction // Sequence order
	references   map[referenceKey]ledger.TransactionID
}

type recordKey struct {
	TenantID ledger.TenantID
	ID       ledger.RecordID
}

type payerKey struct {
	TenantID ledger.TenantID
	Payer    ledger.PayerKey
}

type referenceKey struct {
	TenantID ledger.TenantID
	Kind     ledger.Kind
	ID       ledger.RecordID
}

func NewMemory() *Memory {
	return &Memory{data: memoryData{
		records:      make(map[recordKey]ledger.CollectibleRecord),
		wallets:      make(map[ledger.WalletID]ledger.Wallet),
		walletByKey:  make(map[payerKey]ledger.WalletID),
		transactions: make(map[ledger.WalletID][]ledger.Transaction),
		references:   make(map[referenceKey]ledger.TransactionID),
	}}
}

var _ ledger.TxStore = (*Memory)(nil)

// =============================================================================
// RECORDS
// =============================================================================

func (m *Memory) CreateRecord(_ context.Context, rec ledger.CollectibleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.createRecord(rec)
}

func (m *Memory) GetRecord(_ context.Context, tenant ledger.TenantID, id ledger.RecordID) (*ledger.CollectibleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getRecord(tenant, id)
}

func (m *Memory) RecordsByPayer(_ context.Context, tenant ledger.TenantID, payer ledger.PayerKey, page ledger.Page) ([]ledger.CollectibleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.recordsByPayer(tenant, payer, page), nil
}

// =============================================================================
// WALLETS
// =============================================================================

func (m *Memory) FindWallet(_ context.Context, tenant ledger.TenantID, payer ledger.PayerKey) (*ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.findWallet(tenant, payer), nil
}

func (m *Memory) FindWallets(_ context.Context, tenant ledger.TenantID, payers []ledger.PayerKey) ([]ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Wallet
	for _, p := range payers {
		if w := m.data.findWallet(tenant, p); w != nil {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *Memory) GetWallet(_ context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.getWallet(id), nil
}

func (m *Memory) InsertWallet(_ context.Context, w ledger.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.insertWallet(w)
}

func (m *Memory) UpdateWallet(_ context.Context, w ledger.Wallet, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.updateWallet(w, expectedVersion)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.appendTransaction(tx)
}

func (m *Memory) TransactionByReference(_ context.Context, tenant ledger.TenantID, refType ledger.Kind, refID ledger.RecordID) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.transactionByReference(tenant, refType, refID), nil
}

func (m *Memory) TransactionsByWallet(_ context.Context, walletID ledger.WalletID, page ledger.Page) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.transactionsByWallet(walletID, page), nil
}

func (m *Memory) WalletHistory(_ context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.Transaction(nil), m.data.transactions[walletID]...), nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The store's write lock is held for the whole unit.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&txView{data: &m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

type txView struct {
	data *memoryData
}

func (v *txView) CreateRecord(_ context.Context, rec ledger.CollectibleRecord) error {
	return v.data.createRecord(rec)
}

func (v *txView) GetRecord(_ context.Context, tenant ledger.TenantID, id ledger.RecordID) (*ledger.CollectibleRecord, error) {
	return v.data.getRecord(tenant, id)
}

func (v *txView) RecordsByPayer(_ context.Context, tenant ledger.TenantID, payer ledger.PayerKey, page ledger.Page) ([]ledger.CollectibleRecord, error) {
	return v.data.recordsByPayer(tenant, payer, page), nil
}

func (v *txView) FindWallet(_ context.Context, tenant ledger.TenantID, payer ledger.PayerKey) (*ledger.Wallet, error) {
	return v.data.findWallet(tenant, payer), nil
}

func (v *txView) FindWallets(_ context.Context, tenant ledger.TenantID, payers []ledger.PayerKey) ([]ledger.Wallet, error) {
	var out []ledger.Wallet
	for _, p := range payers {
		if w := v.data.findWallet(tenant, p); w != nil {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (v *txView) GetWallet(_ context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return v.data.getWallet(id), nil
}

func (v *txView) InsertWallet(_ context.Context, w ledger.Wallet) error {
	return v.data.insertWallet(w)
}

func (v *txView) UpdateWallet(_ context.Context, w ledger.Wallet, expectedVersion int64) error {
	return v.data.updateWallet(w, expectedVersion)
}

func (v *txView) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	return v.data.appendTransaction(tx)
}

func (v *txView) TransactionByReference(_ context.Context, tenant ledger.TenantID, refType ledger.Kind, refID ledger.RecordID) (*ledger.Transaction, error) {
	return v.data.transactionByReference(tenant, refType, refID), nil
}

func (v *txView) TransactionsByWallet(_ context.Context, walletID ledger.WalletID, page ledger.Page) ([]ledger.Transaction, error) {
	return v.data.transactionsByWallet(walletID, page), nil
}

func (v *txView) WalletHistory(_ context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	return append([]ledger.Transaction(nil), v.data.transactions[walletID]...), nil
}

// =============================================================================
// LOCKED OPERATIONS - callers hold mu
// =============================================================================

func (d *memoryData) createRecord(rec ledger.CollectibleRecord) error {
	k := recordKey{TenantID: rec.TenantID, ID: rec.ID}
	if _, exists := d.records[k]; exists {
		return ledger.ErrDuplicateRecord
	}
	d.records[k] = rec
	return nil
}

func (d *memoryData) getRecord(tenant ledger.TenantID, id ledger.RecordID) (*ledger.CollectibleRecord, error) {
	rec, ok := d.records[recordKey{TenantID: tenant, ID: id}]
	if !ok {
		return nil, ledger.ErrRecordNotFound
	}
	return &rec, nil
}

func (d *memoryData) recordsByPayer(tenant ledger.TenantID, payer ledger.PayerKey, page ledger.Page) []ledger.CollectibleRecord {
	var out []ledger.CollectibleRecord
	for k, rec := range d.records {
		if k.TenantID != tenant {
			continue
		}
		if (payer.IsFamily() && rec.FamilyID == payer.FamilyID) ||
			(!payer.IsFamily() && rec.MemberID == payer.MemberID) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaymentDate.Equal(out[j].PaymentDate) {
			return out[i].PaymentDate.After(out[j].PaymentDate)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, page)
}

func (d *memoryData) findWallet(tenant ledger.TenantID, payer ledger.PayerKey) *ledger.Wallet {
	id, ok := d.walletByKey[payerKey{TenantID: tenant, Payer: payer}]
	if !ok {
		return nil
	}
	return d.getWallet(id)
}

func (d *memoryData) getWallet(id ledger.WalletID) *ledger.Wallet {
	w, ok := d.wallets[id]
	if !ok {
		return nil
	}
	return &w
}

func (d *memoryData) insertWallet(w ledger.Wallet) error {
	k := payerKey{TenantID: w.TenantID, Payer: w.Payer()}
	if _, exists := d.walletByKey[k]; exists {
		return ledger.ErrWalletConflict
	}
	if _, exists := d.wallets[w.ID]; exists {
		return ledger.ErrWalletConflict
	}
	d.wallets[w.ID] = w
	d.walletByKey[k] = w.ID
	return nil
}

func (d *memoryData) updateWallet(w ledger.Wallet, expectedVersion int64) error {
	cur, ok := d.wallets[w.ID]
	if !ok || cur.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}
	cur.Balance = w.Balance
	cur.LastTransactionDate = w.LastTransactionDate
	cur.Version = w.Version
	cur.UpdatedAt = w.UpdatedAt
	d.wallets[w.ID] = cur
	return nil
}

func (d *memoryData) appendTransaction(tx ledger.Transaction) error {
	rk := referenceKey{TenantID: tx.TenantID, Kind: tx.ReferenceType, ID: tx.ReferenceID}
	if tx.ReferenceID != "" {
		if _, exists := d.references[rk]; exists {
			return ledger.ErrDuplicateReference
		}
		d.references[rk] = tx.ID
	}
	d.transactions[tx.WalletID] = append(d.transactions[tx.WalletID], tx)
	return nil
}

func (d *memoryData) transactionByReference(tenant ledger.TenantID, refType ledger.Kind, refID ledger.RecordID) *ledger.Transaction {
	id, ok := d.references[referenceKey{TenantID: tenant, Kind: refType, ID: refID}]
	if !ok {
		return nil
	}
	for _, txs := range d.transactions {
		for _, tx := range txs {
			if tx.ID == id {
				return &tx
			}
		}
	}
	return nil
}

func (d *memoryData) transactionsByWallet(walletID ledger.WalletID, page ledger.Page) []ledger.Transaction {
	src := d.transactions[walletID]
	out := make([]ledger.Transaction, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Sequence > out[j].Sequence
	})
	return paginate(out, page)
}

func (d *memoryData) clone() memoryData {
	c := memoryData{
		records:      make(map[recordKey]ledger.CollectibleRecord, len(d.records)),
		wallets:      make(map[ledger.WalletID]ledger.Wallet, len(d.wallets)),
		walletByKey:  make(map[payerKey]ledger.WalletID, len(d.walletByKey)),
		transactions: make(map[ledger.WalletID][]ledger.Transaction, len(d.transactions)),
		references:   make(map[referenceKey]ledger.TransactionID, len(d.references)),
	}
	for k, v := range d.records {
		c.records[k] = v
	}
	for k, v := range d.wallets {
		c.wallets[k] = v
	}
	for k, v := range d.walletByKey {
		c.walletByKey[k] = v
	}
	for k, v := range d.transactions {
		c.transactions[k] = append([]ledger.Transaction(nil), v...)
	}
	for k, v := range d.references {
		c.references[k] = v
	}
	return c
}

func paginate[T any](items []T, page ledger.Page) []T {
	page = page.Normalize()
	if page.Offset >= len(items) {
		return []T{}
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}
