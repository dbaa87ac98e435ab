package ledger_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahall/collectible-ledger/ledger"
)

func TestRecordsCreate_AssignsIDAndTimestamps(t *testing.T) {
	e := newEngine(t)

	ist := time.FixedZone("IST", 5*3600+1800)
	rec := varisangya("T1", "F1", 100, time.Date(2025, time.January, 5, 9, 0, 0, 0, ist))
	created, err := e.records.Create(context.Background(), rec)
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, time.UTC, created.PaymentDate.Location())
	assert.True(t, rec.PaymentDate.Equal(created.PaymentDate))
}

func TestRecordsCreate_KeepsCallerID(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	rec := zakat("T1", "M1", 250, day(2025, time.March, 30))
	rec.ID = "rec-42"
	created, err := e.records.Create(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, ledger.RecordID("rec-42"), created.ID)

	_, err = e.records.Create(ctx, rec)
	assert.ErrorIs(t, err, ledger.ErrDuplicateRecord)
	assert.True(t, ledger.IsClientError(err))
}

func TestRecordsCreate_Validation(t *testing.T) {
	e := newEngine(t)

	tests := []struct {
		name   string
		mut    func(*ledger.CollectibleRecord)
		fields []string
	}{
		{
			name:   "missing tenant",
			mut:    func(r *ledger.CollectibleRecord) { r.TenantID = "" },
			fields: []string{"TenantID"},
		},
		{
			name:   "unknown kind",
			mut:    func(r *ledger.CollectibleRecord) { r.Kind = "sadaqah" },
			fields: []string{"Kind"},
		},
		{
			name:   "negative amount",
			mut:    func(r *ledger.CollectibleRecord) { r.Amount = ledger.NewAmount(-5) },
			fields: []string{"Amount"},
		},
		{
			name: "fractional amount",
			mut: func(r *ledger.CollectibleRecord) {
				a, _ := ledger.ParseAmount("10.5")
				r.Amount = a
			},
			fields: []string{"Amount"},
		},
		{
			name:   "missing payment date",
			mut:    func(r *ledger.CollectibleRecord) { r.PaymentDate = time.Time{} },
			fields: []string{"PaymentDate"},
		},
		{
			name:   "category on varisangya",
			mut:    func(r *ledger.CollectibleRecord) { r.Category = "fitr" },
			fields: []string{"Category"},
		},
		{
			name:   "remarks too long",
			mut:    func(r *ledger.CollectibleRecord) { r.Remarks = strings.Repeat("x", 1001) },
			fields: []string{"Remarks"},
		},
		{
			name: "amount in exponent notation beyond the limit",
			mut: func(r *ledger.CollectibleRecord) {
				a, _ := ledger.ParseAmount("1e3000000")
				r.Amount = a
			},
			fields: []string{"Amount"},
		},
		{
			name:   "amount one past the limit",
			mut:    func(r *ledger.CollectibleRecord) { r.Amount = ledger.MaxAmount.Add(ledger.NewAmount(1)) },
			fields: []string{"Amount"},
		},
		{
			name: "several problems at once",
			mut: func(r *ledger.CollectibleRecord) {
				r.TenantID = ""
				r.Amount = ledger.NewAmount(0)
			},
			fields: []string{"TenantID", "Amount"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := varisangya("T1", "F1", 100, day(2025, time.January, 5))
			tt.mut(&rec)

			_, err := e.records.Create(context.Background(), rec)
			require.Error(t, err)

			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			var got []string
			for _, f := range verr.Fields {
				got = append(got, f.Field)
			}
			assert.ElementsMatch(t, tt.fields, got)
		})
	}
}

func TestRecordsCreate_MaxAmountIsAccepted(t *testing.T) {
	e := newEngine(t)

	rec := varisangya("T1", "F1", 0, day(2025, time.January, 5))
	rec.Amount = ledger.MaxAmount
	saved, err := e.records.Create(context.Background(), rec)

	require.NoError(t, err)
	assert.Equal(t, "999999999999999", saved.Amount.String())
}

func TestRecordsCreate_PayerlessIsValid(t *testing.T) {
	e := newEngine(t)

	rec := zakat("T1", "", 75, day(2025, time.April, 1))
	rec.PayerName = "Walk-in"
	_, err := e.records.Create(context.Background(), rec)
	assert.NoError(t, err)
}

func TestRecordsGet_NotFound(t *testing.T) {
	e := newEngine(t)

	_, err := e.records.Get(context.Background(), "T1", "missing")
	assert.ErrorIs(t, err, ledger.ErrRecordNotFound)
	assert.True(t, ledger.IsNotFound(err))
}

func TestRecordsGet_ScopedByTenant(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	created, err := e.records.Create(ctx, varisangya("T1", "F1", 100, day(2025, time.January, 5)))
	require.NoError(t, err)

	_, err = e.records.Get(ctx, "T2", created.ID)
	assert.ErrorIs(t, err, ledger.ErrRecordNotFound)
}

func TestRecordsFindByPayer_NewestPaymentFirst(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	for _, d := range []int{3, 1, 7, 5} {
		_, err := e.records.Create(ctx, varisangya("T1", "F1", int64(d*10), day(2025, time.January, d)))
		require.NoError(t, err)
	}
	_, err := e.records.Create(ctx, varisangya("T1", "F2", 999, day(2025, time.January, 9)))
	require.NoError(t, err)

	recs, err := e.records.FindByPayer(ctx, "T1", ledger.FamilyPayer("F1"), ledger.Page{})
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, day(2025, time.January, 7), recs[0].PaymentDate)
	assert.Equal(t, day(2025, time.January, 5), recs[1].PaymentDate)
	assert.Equal(t, day(2025, time.January, 3), recs[2].PaymentDate)
	assert.Equal(t, day(2025, time.January, 1), recs[3].PaymentDate)

	page, err := e.records.FindByPayer(ctx, "T1", ledger.FamilyPayer("F1"), ledger.Page{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, day(2025, time.January, 3), page[0].PaymentDate)

	beyond, err := e.records.FindByPayer(ctx, "T1", ledger.FamilyPayer("F1"), ledger.Page{Offset: 10})
	require.NoError(t, err)
	assert.NotNil(t, beyond)
	assert.Empty(t, beyond)
}

func TestRecordsFindByPayer_UnknownPayerIsEmpty(t *testing.T) {
	e := newEngine(t)

	recs, err := e.records.FindByPayer(context.Background(), "T1", ledger.MemberPayer("nobody"), ledger.Page{})
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestPageNormalize(t *testing.T) {
	assert.Equal(t, ledger.Page{Limit: 50}, ledger.Page{}.Normalize())
	assert.Equal(t, ledger.Page{Limit: 500, Offset: 3}, ledger.Page{Limit: 10000, Offset: 3}.Normalize())
	assert.Equal(t, ledger.Page{Limit: 20}, ledger.Page{Limit: 20, Offset: -4}.Normalize())
}

func TestRecordsCreate_ValidationMessages(t *testing.T) {
	e := newEngine(t)

	rec := varisangya("T1", "F1", 100, day(2025, time.January, 5))
	rec.Kind = "sadaqah"
	rec.Remarks = strings.Repeat("x", 1001)
	_, err := e.records.Create(context.Background(), rec)

	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	messages := map[string]string{}
	for _, f := range verr.Fields {
		messages[f.Field] = f.Message
	}
	assert.Equal(t, "must be one of: varisangya zakat", messages["Kind"])
	assert.Equal(t, "must be at most 1000 characters", messages["Remarks"])
}
