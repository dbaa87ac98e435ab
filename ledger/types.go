/*
Package ledger provides the collectible ledger engine.

PURPOSE:
  Turns recorded community payments (Varisangya dues, Zakat charity) into
  durable per-payer balances. A Wallet holds the balance, an append-only
  Transaction log explains it, and the CollectibleRecord that caused each
  credit stays the source of truth.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: an integral quantity in the smallest denomination
  - PayerKey: whose wallet a payment affects (family OR member)
  - CollectibleRecord: an immutable payment event
  - Wallet: running balance for one payer key within one tenant
  - Transaction: immutable, balance-affecting log entry

DESIGN PRINCIPLES:
  1. Immutability: records and transactions are never modified
  2. Precision: decimal.Decimal, never float64
  3. Type Safety: distinct ID types so a FamilyID can't be passed as a MemberID
  4. Tenant scoping: every entity carries its TenantID

SEE ALSO:
  - store.go: persistence contracts
  - updater.go: the only code path that changes a balance
  - query.go: read projections
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type RecordID string
type WalletID string
type TransactionID string
type FamilyID string
type MemberID string

// =============================================================================
// AMOUNT - Integral quantity in the smallest denomination
// =============================================================================

// Amount is currency-agnostic. Collectible amounts are positive integers;
// balances are non-negative integers.
type Amount struct {
	Value decimal.Decimal
}

// MaxAmountDigits bounds the integer digits of a single collectible amount.
const MaxAmountDigits = 15

// MaxAmount is the largest collectible amount a record may carry.
var MaxAmount = Amount{Value: decimal.New(1, MaxAmountDigits).Sub(decimal.NewFromInt(1))}

func NewAmount(v int64) Amount { return Amount{Value: decimal.NewFromInt(v)} }

// ParseAmount parses a decimal string. It does not enforce integrality;
// validation does that.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount{Value: d}, nil
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) IsPositive() bool { return a.Value.IsPositive() }
func (a Amount) IsNegative() bool { return a.Value.IsNegative() }
func (a Amount) IsZero() bool { return a.Value.IsZero() }
func (a Amount) IsIntegral() bool { return a.Value.IsInteger() }

// ExceedsMax reports whether a has more than MaxAmountDigits integer digits.
// It reads the coefficient and exponent only, so 1e3000000 is rejected
// without being expanded.
func (a Amount) ExceedsMax() bool {
	return int64(a.Value.NumDigits())+int64(a.Value.Exponent()) > MaxAmountDigits
}
func (a Amount) Equal(b Amount) bool { return a.Value.Equal(b.Value) }
func (a Amount) String() string { return a.Value.String() }
func (a Amount) MarshalJSON() ([]byte, error) { return a.Value.MarshalJSON() }

func (a *Amount) UnmarshalJSON(b []byte) error {
	return a.Value.UnmarshalJSON(b)
}

// =============================================================================
// COLLECTIBLE KINDS
// =============================================================================

type Kind string

const (
	KindVarisangya Kind = "varisangya" // membership dues
	KindZakat      Kind = "zakat"      // charitable payment
)

func (k Kind) Valid() bool { return k == KindVarisangya || k == KindZakat }

// Label is the human-readable name used in transaction descriptions.
func (k Kind) Label() string {
	switch k {
	case KindVarisangya:
		return "Varisangya"
	case KindZakat:
		return "Zakat"
	default:
		return string(k)
	}
}

// =============================================================================
// PAYER KEY
// =============================================================================

// PayerKey identifies whose wallet a payment affects. A wallet key sets
// exactly one of FamilyID and MemberID.
type PayerKey struct {
	FamilyID FamilyID `json:"family_id,omitempty"`
	MemberID MemberID `json:"member_id,omitempty"`
}

func FamilyPayer(id FamilyID) PayerKey { return PayerKey{FamilyID: id} }
func MemberPayer(id MemberID) PayerKey { return PayerKey{MemberID: id} }

// Valid reports whether exactly one dimension is set.
func (p PayerKey) Valid() bool {
	return (p.FamilyID != "") != (p.MemberID != "")
}

func (p PayerKey) IsFamily() bool { return p.FamilyID != "" }

func (p PayerKey) String() string {
	if p.FamilyID != "" {
		return "family:" + string(p.FamilyID)
	}
	return "member:" + string(p.MemberID)
}

// LockKey is the serialization key for all balance mutations of this payer.
func (p PayerKey) LockKey(tenant TenantID) string {
	return "wallet:" + string(tenant) + ":" + p.String()
}

// =============================================================================
// COLLECTIBLE RECORD - Immutable payment event
// =============================================================================

type CollectibleRecord struct {
	ID       RecordID `validate:"omitempty,max=64"`
	TenantID TenantID `validate:"required,max=64"`
	Kind     Kind     `validate:"required,oneof=varisangya zakat"`
	FamilyID FamilyID `validate:"omitempty,max=64"`
	MemberID MemberID `validate:"omitempty,max=64"`
	// PayerName names a Zakat payer that has no linked member.
	PayerName     string `validate:"omitempty,max=200"`
	Amount        Amount
	PaymentDate   time.Time
	PaymentMethod string    `validate:"omitempty,max=50"`
	ReceiptNo     string    `validate:"omitempty,max=100"`
	Remarks       string    `validate:"omitempty,max=1000"`
	Category      string    `validate:"omitempty,max=100"`
	CreatedAt     time.Time
}

// PayerKey resolves which wallet this record credits. Family takes
// precedence over member when both are set. ok is false when the record
// has no payer entity (e.g. anonymous Zakat).
func (r CollectibleRecord) PayerKey() (key PayerKey, ok bool) {
	switch {
	case r.FamilyID != "":
		return FamilyPayer(r.FamilyID), true
	case r.MemberID != "":
		return MemberPayer(r.MemberID), true
	default:
		return PayerKey{}, false
	}
}

// Description is the transaction description for the credit this record
// produces, e.g. "Varisangya payment (receipt R-12)".
func (r CollectibleRecord) Description() string {
	if r.ReceiptNo == "" {
		return r.Kind.Label() + " payment"
	}
	return fmt.Sprintf("%s payment (receipt %s)", r.Kind.Label(), r.ReceiptNo)
}

// =============================================================================
// WALLET - Per-payer running balance
// =============================================================================

type Wallet struct {
	ID                  WalletID
	TenantID            TenantID
	FamilyID            FamilyID
	MemberID            MemberID
	Balance             Amount
	LastTransactionDate *time.Time
	// Version increments on every balance change. It is the optimistic
	// concurrency token and the sequence of the latest transaction.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (w Wallet) Payer() PayerKey {
	return PayerKey{FamilyID: w.FamilyID, MemberID: w.MemberID}
}

func (w Wallet) View() WalletView {
	return WalletView{
		WalletID:            w.ID,
		TenantID:            w.TenantID,
		FamilyID:            w.FamilyID,
		MemberID:            w.MemberID,
		Balance:             w.Balance,
		LastTransactionDate: w.LastTransactionDate,
		Exists:              true,
	}
}

// WalletView is the read shape exposed to collaborators. A payer without a
// wallet gets a zero view (Exists=false, empty WalletID).
type WalletView struct {
	WalletID            WalletID   `json:"wallet_id,omitempty"`
	TenantID            TenantID   `json:"tenant_id"`
	FamilyID            FamilyID   `json:"family_id,omitempty"`
	MemberID            MemberID   `json:"member_id,omitempty"`
	Balance             Amount     `json:"balance"`
	LastTransactionDate *time.Time `json:"last_transaction_date,omitempty"`
	Exists              bool       `json:"exists"`
}

func ZeroWalletView(tenant TenantID, payer PayerKey) WalletView {
	return WalletView{
		TenantID: tenant,
		FamilyID: payer.FamilyID,
		MemberID: payer.MemberID,
		Balance:  ZeroAmount(),
	}
}

// =============================================================================
// TRANSACTION - Immutable log entry
// =============================================================================

type TransactionType string

const (
	TxCredit TransactionType = "credit"
	// TxDebit is defined for corrections and refunds. No code path in this
	// package produces debits yet.
	TxDebit TransactionType = "debit"
)

// Signed returns the effect of the transaction on the wallet balance.
func (t Transaction) Signed() Amount {
	if t.Type == TxDebit {
		return Amount{Value: t.Amount.Value.Neg()}
	}
	return t.Amount
}

type Transaction struct {
	ID            TransactionID
	TenantID      TenantID
	WalletID      WalletID
	Type          TransactionType
	Amount        Amount
	BalanceAfter  Amount
	Sequence      int64
	Description   string
	ReferenceID   RecordID
	ReferenceType Kind
	CreatedAt     time.Time
}

// =============================================================================
// PAGINATION
// =============================================================================

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
