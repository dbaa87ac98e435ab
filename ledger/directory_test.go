package ledger_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahall/collectible-ledger/ledger"
	"github.com/mahall/collectible-ledger/ledger/store"
)

func TestResolveOrCreate_CreatesZeroWalletOnce(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	first, err := e.directory.ResolveOrCreate(ctx, "T1", ledger.FamilyPayer("F1"))
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.True(t, first.Balance.IsZero())
	assert.Nil(t, first.LastTransactionDate)
	assert.Equal(t, int64(0), first.Version)

	second, err := e.directory.ResolveOrCreate(ctx, "T1", ledger.FamilyPayer("F1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolveOrCreate_ConcurrentCallers_ShareOneWallet(t *testing.T) {
	// GIVEN: a new member and many concurrent first lookups
	// THEN: every caller gets the same wallet id

	e := newEngine(t)
	ctx := context.Background()

	const callers = 32
	ids := make([]ledger.WalletID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := e.directory.ResolveOrCreate(ctx, "T1", ledger.MemberPayer("M1"))
			assert.NoError(t, err)
			ids[i] = w.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	wallets, err := e.store.FindWallets(ctx, "T1", []ledger.PayerKey{ledger.MemberPayer("M1")})
	require.NoError(t, err)
	assert.Len(t, wallets, 1)
}

func TestResolveOrCreate_LostInsertRace_ReturnsWinner(t *testing.T) {
	// GIVEN: another process inserts the wallet between our lookup and insert
	// THEN: the uniqueness constraint rejects ours and we adopt theirs

	mem := store.NewMemory()
	faulty := &faultyStore{TxStore: mem, wrap: func(s ledger.Store) ledger.Store {
		return &racingInsert{Store: s, winner: "wallet-from-other-process"}
	}}
	e := newEngineOn(t, mem, faulty)

	w, err := e.directory.ResolveOrCreate(context.Background(), "T1", ledger.FamilyPayer("F1"))
	require.NoError(t, err)
	assert.Equal(t, ledger.WalletID("wallet-from-other-process"), w.ID)
}

func TestApplyCollectible_LostInsertRace_CreditsWinner(t *testing.T) {
	mem := store.NewMemory()
	faulty := &faultyStore{TxStore: mem, wrap: func(s ledger.Store) ledger.Store {
		return &racingInsert{Store: s, winner: "winner"}
	}}
	e := newEngineOn(t, mem, faulty)

	_, res := e.record(t, varisangya("T1", "F1", 100, day(2025, 1, 5)))
	assert.Equal(t, ledger.WalletID("winner"), res.Wallet.ID)
	assert.Equal(t, "100", res.Wallet.Balance.String())

	w, err := mem.GetWallet(context.Background(), "winner")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "100", w.Balance.String())
}

// invisibleWinner reports a uniqueness conflict but never shows the winner.
type invisibleWinner struct {
	ledger.Store
	inserts *int32
}

func (s *invisibleWinner) InsertWallet(context.Context, ledger.Wallet) error {
	atomic.AddInt32(s.inserts, 1)
	return ledger.ErrWalletConflict
}

func TestResolveOrCreate_WinnerNeverVisible_TemporarilyUnavailable(t *testing.T) {
	mem := store.NewMemory()
	var inserts int32
	faulty := &faultyStore{TxStore: mem, wrap: func(s ledger.Store) ledger.Store {
		return &invisibleWinner{Store: s, inserts: &inserts}
	}}
	opts := testOptions()
	opts.MaxRetries = 4
	dir := ledger.NewDirectory(faulty, opts)

	_, err := dir.ResolveOrCreate(context.Background(), "T1", ledger.FamilyPayer("F1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrTemporarilyUnavailable)
	assert.Equal(t, int32(4), inserts)
}

func TestDirectoryGet_DoesNotCreate(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	view, err := e.directory.Get(ctx, "T1", ledger.FamilyPayer("F9"))
	require.NoError(t, err)
	assert.False(t, view.Exists)
	assert.Empty(t, view.WalletID)
	assert.Equal(t, ledger.FamilyID("F9"), view.FamilyID)
	assert.True(t, view.Balance.IsZero())

	w, err := e.store.FindWallet(ctx, "T1", ledger.FamilyPayer("F9"))
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestResolveOrCreate_RejectsBadKeys(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		tenant ledger.TenantID
		payer  ledger.PayerKey
	}{
		{"no tenant", "", ledger.FamilyPayer("F1")},
		{"no payer", "T1", ledger.PayerKey{}},
		{"both family and member", "T1", ledger.PayerKey{FamilyID: "F1", MemberID: "M1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.directory.ResolveOrCreate(ctx, tt.tenant, tt.payer)
			assert.ErrorIs(t, err, ledger.ErrValidation)
			assert.True(t, ledger.IsClientError(err))
		})
	}
}
