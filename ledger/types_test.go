package ledger_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahall/collectible-ledger/ledger"
)

func TestAmount_JSONAcceptsNumbersAndStrings(t *testing.T) {
	var body struct {
		A ledger.Amount `json:"a"`
		B ledger.Amount `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 150, "b": "42"}`), &body))
	assert.Equal(t, "150", body.A.String())
	assert.Equal(t, "42", body.B.String())

	out, err := json.Marshal(body.A)
	require.NoError(t, err)
	assert.JSONEq(t, `"150"`, string(out))
}

func TestAmount_Integral(t *testing.T) {
	whole, err := ledger.ParseAmount("100")
	require.NoError(t, err)
	assert.True(t, whole.IsIntegral())

	frac, err := ledger.ParseAmount("99.5")
	require.NoError(t, err)
	assert.False(t, frac.IsIntegral())

	_, err = ledger.ParseAmount("ten")
	assert.Error(t, err)
}

func TestAmount_ExceedsMax(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"1", false},
		{"999999999999999", false},
		{"1000000000000000", true},
		{"1e15", true},
		{"1e14", false},
		{"1e3000000", true},
		{"100.50", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, err := ledger.ParseAmount(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.ExceedsMax())
		})
	}
}

func TestCollectibleRecord_PayerKey(t *testing.T) {
	tests := []struct {
		name string
		rec  ledger.CollectibleRecord
		want ledger.PayerKey
		ok   bool
	}{
		{"family", ledger.CollectibleRecord{FamilyID: "F1"}, ledger.FamilyPayer("F1"), true},
		{"member", ledger.CollectibleRecord{MemberID: "M1"}, ledger.MemberPayer("M1"), true},
		{"both prefers family", ledger.CollectibleRecord{FamilyID: "F1", MemberID: "M1"}, ledger.FamilyPayer("F1"), true},
		{"neither", ledger.CollectibleRecord{}, ledger.PayerKey{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.rec.PayerKey()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPayerKey_LockKeyIsTenantScoped(t *testing.T) {
	p := ledger.FamilyPayer("F1")
	assert.Equal(t, "wallet:T1:family:F1", p.LockKey("T1"))
	assert.NotEqual(t, p.LockKey("T1"), p.LockKey("T2"))
	assert.NotEqual(t, p.LockKey("T1"), ledger.MemberPayer("F1").LockKey("T1"))
}

func TestCollectibleRecord_Description(t *testing.T) {
	assert.Equal(t, "Zakat payment", ledger.CollectibleRecord{Kind: ledger.KindZakat}.Description())
	assert.Equal(t, "Varisangya payment (receipt R-1)",
		ledger.CollectibleRecord{Kind: ledger.KindVarisangya, ReceiptNo: "R-1"}.Description())
}
