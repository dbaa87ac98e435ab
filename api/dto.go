/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP contract, kept apart from the ledger types so the
  wire format can evolve without touching the engine.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers around several DTOs

VALIDATION:
  Request structs carry validator/v10 tags checked in handlers. Domain rules
  (positive integral amount, category only on zakat) stay in ledger.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/mahall/collectible-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateCollectibleRequest records a Varisangya or Zakat payment. ID is
// optional; clients that retry should send their own so the retry is
// rejected as a duplicate instead of recorded twice.
type CreateCollectibleRequest struct {
	ID            string        `json:"id" validate:"omitempty,max=64"`
	Kind          string        `json:"kind" validate:"required,oneof=varisangya zakat"`
	FamilyID      string        `json:"family_id" validate:"omitempty,max=64"`
	MemberID      string        `json:"member_id" validate:"omitempty,max=64"`
	PayerName     string        `json:"payer_name" validate:"omitempty,max=200"`
	Amount        ledger.Amount `json:"amount"`
	PaymentDate   string        `json:"payment_date" validate:"required"`
	PaymentMethod string        `json:"payment_method" validate:"omitempty,max=50"`
	ReceiptNo     string        `json:"receipt_no" validate:"omitempty,max=100"`
	Remarks       string        `json:"remarks" validate:"omitempty,max=1000"`
	Category      string        `json:"category" validate:"omitempty,max=100"`
}

// PayerKeyRequest names exactly one payer.
type PayerKeyRequest struct {
	FamilyID string `json:"family_id" validate:"required_without=MemberID,excluded_with=MemberID,max=64"`
	MemberID string `json:"member_id" validate:"required_without=FamilyID,max=64"`
}

// BalancesRequest asks for many payer balances in one round trip.
type BalancesRequest struct {
	Payers []PayerKeyRequest `json:"payers" validate:"required,min=1,max=500,dive"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type CollectibleDTO struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Kind          string    `json:"kind"`
	FamilyID      string    `json:"family_id,omitempty"`
	MemberID      string    `json:"member_id,omitempty"`
	PayerName     string    `json:"payer_name,omitempty"`
	Amount        string    `json:"amount"`
	PaymentDate   string    `json:"payment_date"`
	PaymentMethod string    `json:"payment_method,omitempty"`
	ReceiptNo     string    `json:"receipt_no,omitempty"`
	Remarks       string    `json:"remarks,omitempty"`
	Category      string    `json:"category,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type TransactionDTO struct {
	ID            string    `json:"id"`
	WalletID      string    `json:"wallet_id"`
	Type          string    `json:"type"`
	Amount        string    `json:"amount"`
	BalanceAfter  string    `json:"balance_after"`
	Sequence      int64     `json:"sequence"`
	Description   string    `json:"description"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	ReferenceType string    `json:"reference_type,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ApplyResponse reports a record and what applying it did to the ledger.
type ApplyResponse struct {
	Record      CollectibleDTO     `json:"record"`
	Outcome     string             `json:"outcome"`
	Wallet      *ledger.WalletView `json:"wallet,omitempty"`
	Transaction *TransactionDTO    `json:"transaction,omitempty"`
}

type CollectibleListResponse struct {
	Records []CollectibleDTO `json:"records"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

type TransactionListResponse struct {
	WalletID     string           `json:"wallet_id"`
	Transactions []TransactionDTO `json:"transactions"`
	Limit        int              `json:"limit"`
	Offset       int              `json:"offset"`
}

type BalancesResponse struct {
	Balances []ledger.WalletView `json:"balances"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

const dateLayout = "2006-01-02"

func toCollectibleDTO(rec ledger.CollectibleRecord) CollectibleDTO {
	return CollectibleDTO{
		ID:            string(rec.ID),
		TenantID:      string(rec.TenantID),
		Kind:          string(rec.Kind),
		FamilyID:      string(rec.FamilyID),
		MemberID:      string(rec.MemberID),
		PayerName:     rec.PayerName,
		Amount:        rec.Amount.String(),
		PaymentDate:   rec.PaymentDate.Format(dateLayout),
		PaymentMethod: rec.PaymentMethod,
		ReceiptNo:     rec.ReceiptNo,
		Remarks:       rec.Remarks,
		Category:      rec.Category,
		CreatedAt:     rec.CreatedAt,
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:            string(tx.ID),
		WalletID:      string(tx.WalletID),
		Type:          string(tx.Type),
		Amount:        tx.Amount.String(),
		BalanceAfter:  tx.BalanceAfter.String(),
		Sequence:      tx.Sequence,
		Description:   tx.Description,
		ReferenceID:   string(tx.ReferenceID),
		ReferenceType: string(tx.ReferenceType),
		CreatedAt:     tx.CreatedAt,
	}
}

func toApplyResponse(rec ledger.CollectibleRecord, res ledger.ApplyResult) ApplyResponse {
	resp := ApplyResponse{Record: toCollectibleDTO(rec), Outcome: string(res.Outcome)}
	if res.Wallet != nil {
		view := res.Wallet.View()
		resp.Wallet = &view
	}
	if res.Transaction != nil {
		dto := toTransactionDTO(*res.Transaction)
		resp.Transaction = &dto
	}
	return resp
}

// parsePaymentDate accepts a calendar date or an RFC 3339 timestamp.
func parsePaymentDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
