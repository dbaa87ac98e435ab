package ledger_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/mahall/collectible-ledger/ledger"
	"github.com/mahall/collectible-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type engine struct {
	store     *store.Memory
	records   *ledger.Records
	directory *ledger.Directory
	updater   *ledger.Updater
	query     *ledger.Query
}

func testOptions() ledger.Options {
	return ledger.Options{RetryBackoff: time.Millisecond}
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	mem := store.NewMemory()
	return newEngineOn(t, mem, mem)
}

// newEngineOn wires services to tx (writes) while keeping the memory store
// for direct inspection.
func newEngineOn(t *testing.T, mem *store.Memory, tx ledger.TxStore) *engine {
	t.Helper()
	opts := testOptions()
	return &engine{
		store:     mem,
		records:   ledger.NewRecords(tx, opts),
		directory: ledger.NewDirectory(tx, opts),
		updater:   ledger.NewUpdater(tx, opts),
		query:     ledger.NewQuery(tx),
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func varisangya(tenant, family string, amount int64, paid time.Time) ledger.CollectibleRecord {
	return ledger.CollectibleRecord{
		TenantID:    ledger.TenantID(tenant),
		Kind:        ledger.KindVarisangya,
		FamilyID:    ledger.FamilyID(family),
		Amount:      ledger.NewAmount(amount),
		PaymentDate: paid,
	}
}

func zakat(tenant, member string, amount int64, paid time.Time) ledger.CollectibleRecord {
	return ledger.CollectibleRecord{
		TenantID:    ledger.TenantID(tenant),
		Kind:        ledger.KindZakat,
		MemberID:    ledger.MemberID(member),
		Amount:      ledger.NewAmount(amount),
		PaymentDate: paid,
		Category:    "fitr",
	}
}

// record persists rec and applies it, as the payment-intake collaborator does.
func (e *engine) record(t *testing.T, rec ledger.CollectibleRecord) (ledger.CollectibleRecord, ledger.ApplyResult) {
	t.Helper()
	ctx := context.Background()
	created, err := e.records.Create(ctx, rec)
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	res, err := e.updater.ApplyCollectible(ctx, created)
	if err != nil {
		t.Fatalf("apply record: %v", err)
	}
	return created, res
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// faultyStore wraps a TxStore and swaps the Store handed to WithTx callbacks.
type faultyStore struct {
	ledger.TxStore
	wrap func(ledger.Store) ledger.Store
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.TxStore.WithTx(ctx, func(s ledger.Store) error {
		return fn(f.wrap(s))
	})
}

// failingAppend rejects every transaction append.
type failingAppend struct {
	ledger.Store
	err error
}

func (f *failingAppend) AppendTransaction(context.Context, ledger.Transaction) error {
	return f.err
}

// staleUpdates always reports a concurrent modification and counts calls.
type staleUpdates struct {
	ledger.Store
	calls *int32
}

func (s *staleUpdates) UpdateWallet(context.Context, ledger.Wallet, int64) error {
	atomic.AddInt32(s.calls, 1)
	return ledger.ErrConcurrentModification
}

// racingInsert simulates another process creating the wallet first.
type racingInsert struct {
	ledger.Store
	winner ledger.WalletID
}

func (r *racingInsert) InsertWallet(ctx context.Context, w ledger.Wallet) error {
	competitor := w
	competitor.ID = r.winner
	if err := r.Store.InsertWallet(ctx, competitor); err != nil {
		return err
	}
	return r.Store.InsertWallet(ctx, w)
}

// MockLocker is a testify mock for ledger.KeyLocker.
type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) Lock(ctx context.Context, key string) (func(), error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(func()), args.Error(1)
}
