package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahall/collectible-ledger/ledger"
	"github.com/mahall/collectible-ledger/ledger/store"
)

func wallet(id, tenant, family string) ledger.Wallet {
	now := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	return ledger.Wallet{
		ID:        ledger.WalletID(id),
		TenantID:  ledger.TenantID(tenant),
		FamilyID:  ledger.FamilyID(family),
		Balance:   ledger.ZeroAmount(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func credit(id, walletID, ref string, seq int64) ledger.Transaction {
	return ledger.Transaction{
		ID:            ledger.TransactionID(id),
		TenantID:      "T1",
		WalletID:      ledger.WalletID(walletID),
		Type:          ledger.TxCredit,
		Amount:        ledger.NewAmount(10),
		BalanceAfter:  ledger.NewAmount(10 * seq),
		Sequence:      seq,
		ReferenceID:   ledger.RecordID(ref),
		ReferenceType: ledger.KindVarisangya,
		CreatedAt:     time.Date(2025, time.January, int(seq), 0, 0, 0, 0, time.UTC),
	}
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: a unit that inserts a wallet and appends a transaction
	// WHEN: the unit returns an error
	// THEN: neither write is visible

	m := store.NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(s ledger.Store) error {
		require.NoError(t, s.InsertWallet(ctx, wallet("w1", "T1", "F1")))
		require.NoError(t, s.AppendTransaction(ctx, credit("tx1", "w1", "r1", 1)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	w, err := m.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, w)

	tx, err := m.TransactionByReference(ctx, "T1", ledger.KindVarisangya, "r1")
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestMemory_WithTx_Commits(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	err := m.WithTx(ctx, func(s ledger.Store) error {
		if err := s.InsertWallet(ctx, wallet("w1", "T1", "F1")); err != nil {
			return err
		}
		return s.AppendTransaction(ctx, credit("tx1", "w1", "r1", 1))
	})
	require.NoError(t, err)

	w, err := m.FindWallet(ctx, "T1", ledger.FamilyPayer("F1"))
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, ledger.WalletID("w1"), w.ID)

	history, err := m.WalletHistory(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestMemory_InsertWallet_OnePerPayerKey(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.InsertWallet(ctx, wallet("w1", "T1", "F1")))
	assert.ErrorIs(t, m.InsertWallet(ctx, wallet("w2", "T1", "F1")), ledger.ErrWalletConflict)
	assert.ErrorIs(t, m.InsertWallet(ctx, wallet("w1", "T1", "F2")), ledger.ErrWalletConflict)

	// Same family id under another tenant is a different payer.
	assert.NoError(t, m.InsertWallet(ctx, wallet("w3", "T2", "F1")))
}

func TestMemory_UpdateWallet_ChecksVersion(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertWallet(ctx, wallet("w1", "T1", "F1")))

	next := wallet("w1", "T1", "F1")
	next.Balance = ledger.NewAmount(100)
	next.Version = 1

	require.NoError(t, m.UpdateWallet(ctx, next, 0))
	assert.ErrorIs(t, m.UpdateWallet(ctx, next, 0), ledger.ErrConcurrentModification)
	assert.ErrorIs(t, m.UpdateWallet(ctx, wallet("ghost", "T1", "F9"), 0), ledger.ErrConcurrentModification)

	w, err := m.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "100", w.Balance.String())
	assert.Equal(t, int64(1), w.Version)
}

func TestMemory_AppendTransaction_UniqueReference(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AppendTransaction(ctx, credit("tx1", "w1", "r1", 1)))
	assert.ErrorIs(t, m.AppendTransaction(ctx, credit("tx2", "w1", "r1", 2)), ledger.ErrDuplicateReference)

	zakat := credit("tx3", "w1", "r1", 2)
	zakat.ReferenceType = ledger.KindZakat
	assert.NoError(t, m.AppendTransaction(ctx, zakat), "reference is scoped by kind")

	got, err := m.TransactionByReference(ctx, "T1", ledger.KindVarisangya, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ledger.TransactionID("tx1"), got.ID)
}

func TestMemory_TransactionsByWallet_NewestFirst(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, m.AppendTransaction(ctx, credit(fmt.Sprintf("tx%d", i), "w1", fmt.Sprintf("r%d", i), i)))
	}

	txs, err := m.TransactionsByWallet(ctx, "w1", ledger.Page{})
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, int64(3), txs[0].Sequence)
	assert.Equal(t, int64(1), txs[2].Sequence)

	history, err := m.WalletHistory(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), history[0].Sequence)
}

func TestMemory_FindWallets_Batch(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertWallet(ctx, wallet("w1", "T1", "F1")))
	require.NoError(t, m.InsertWallet(ctx, wallet("w2", "T1", "F2")))
	require.NoError(t, m.InsertWallet(ctx, wallet("w3", "T2", "F3")))

	got, err := m.FindWallets(ctx, "T1", []ledger.PayerKey{
		ledger.FamilyPayer("F1"), ledger.FamilyPayer("F3"), ledger.MemberPayer("M1"),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ledger.WalletID("w1"), got[0].ID)
}

func TestMemory_Records(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	rec := ledger.CollectibleRecord{
		ID: "r1", TenantID: "T1", Kind: ledger.KindZakat, MemberID: "M1",
		Amount: ledger.NewAmount(5), PaymentDate: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, m.CreateRecord(ctx, rec))
	assert.ErrorIs(t, m.CreateRecord(ctx, rec), ledger.ErrDuplicateRecord)

	got, err := m.GetRecord(ctx, "T1", "r1")
	require.NoError(t, err)
	assert.Equal(t, ledger.MemberID("M1"), got.MemberID)

	_, err = m.GetRecord(ctx, "T1", "r2")
	assert.ErrorIs(t, err, ledger.ErrRecordNotFound)

	byPayer, err := m.RecordsByPayer(ctx, "T1", ledger.MemberPayer("M1"), ledger.Page{})
	require.NoError(t, err)
	assert.Len(t, byPayer, 1)
}
