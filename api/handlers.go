/*
handlers.go - HTTP API handlers for the collectible ledger

PURPOSE:
  Exposes collectible recording and wallet queries via REST API. Handles
  HTTP request/response and JSON serialization, and delegates to ledger.

ENDPOINTS:
  Collectibles:
    POST   /api/tenants/{tenantID}/collectibles                  Record and apply a payment
    GET    /api/tenants/{tenantID}/collectibles?family_id|member_id  Payer's payment history
    POST   /api/tenants/{tenantID}/collectibles/{recordID}/apply Re-apply a stored record

  Wallets:
    GET    /api/tenants/{tenantID}/wallets/balance?family_id|member_id  One payer balance
    POST   /api/tenants/{tenantID}/wallets/balances              Many payer balances
    GET    /api/wallets/{walletID}                               Wallet by ID
    GET    /api/wallets/{walletID}/transactions                  Transaction log, newest first
    GET    /api/wallets/{walletID}/audit                         Replay the log against the balance

  Health:
    GET    /healthz

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator/v10 tags on DTOs)
  3. Call ledger (Records, Updater, Query)
  4. Serialize response

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Record or wallet not found
  - 409: Duplicate record ID
  - 503: Ledger busy after retries; the record is saved and can be re-applied
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The tenant comes from the URL and is trusted.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/mahall/collectible-ledger/ledger"
)

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the ledger services behind the HTTP API.
type Handler struct {
	Records *ledger.Records
	Updater *ledger.Updater
	Query   *ledger.Query

	pinger   Pinger
	log      logrus.FieldLogger
	validate *validator.Validate
}

// NewHandler wires the ledger services over store. Health checks ping the
// store when it implements Pinger.
func NewHandler(store ledger.TxStore, opts ledger.Options) *Handler {
	h := &Handler{
		Records:  ledger.NewRecords(store, opts),
		Updater:  ledger.NewUpdater(store, opts),
		Query:    ledger.NewQuery(store),
		log:      opts.Logger,
		validate: newValidator(),
	}
	if p, ok := store.(Pinger); ok {
		h.pinger = p
	}
	if h.log == nil {
		h.log = logrus.StandardLogger()
	}
	return h
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// COLLECTIBLE ENDPOINTS
// =============================================================================

// CreateCollectible records a payment and credits the payer's wallet.
func (h *Handler) CreateCollectible(w http.ResponseWriter, r *http.Request) {
	tenant := ledger.TenantID(chi.URLParam(r, "tenantID"))

	var req CreateCollectibleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validateRequest(req); err != nil {
		writeLedgerError(w, err)
		return
	}
	paymentDate, err := parsePaymentDate(req.PaymentDate)
	if err != nil {
		writeValidation(w, "payment_date", "must be YYYY-MM-DD or RFC 3339")
		return
	}

	rec, err := h.Records.Create(r.Context(), ledger.CollectibleRecord{
		ID:            ledger.RecordID(req.ID),
		TenantID:      tenant,
		Kind:          ledger.Kind(req.Kind),
		FamilyID:      ledger.FamilyID(req.FamilyID),
		MemberID:      ledger.MemberID(req.MemberID),
		PayerName:     req.PayerName,
		Amount:        req.Amount,
		PaymentDate:   paymentDate,
		PaymentMethod: req.PaymentMethod,
		ReceiptNo:     req.ReceiptNo,
		Remarks:       req.Remarks,
		Category:      req.Category,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	res, err := h.Updater.ApplyCollectible(r.Context(), rec)
	if err != nil {
		h.writeApplyFailure(w, rec, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplyResponse(rec, res))
}

// ApplyCollectible re-applies a stored record. Applying twice is a no-op
// reported as already_applied.
func (h *Handler) ApplyCollectible(w http.ResponseWriter, r *http.Request) {
	tenant := ledger.TenantID(chi.URLParam(r, "tenantID"))
	id := ledger.RecordID(chi.URLParam(r, "recordID"))

	rec, err := h.Records.Get(r.Context(), tenant, id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	res, err := h.Updater.ApplyCollectible(r.Context(), *rec)
	if err != nil {
		h.writeApplyFailure(w, *rec, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplyResponse(*rec, res))
}

// ListCollectibles returns a payer's records, most recent payment first.
func (h *Handler) ListCollectibles(w http.ResponseWriter, r *http.Request) {
	tenant := ledger.TenantID(chi.URLParam(r, "tenantID"))

	payer, ok := payerFromQuery(w, r)
	if !ok {
		return
	}
	page, ok := pageFromQuery(w, r)
	if !ok {
		return
	}

	recs, err := h.Records.FindByPayer(r.Context(), tenant, payer, page)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	dtos := make([]CollectibleDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toCollectibleDTO(rec)
	}
	writeJSON(w, http.StatusOK, CollectibleListResponse{Records: dtos, Limit: page.Limit, Offset: page.Offset})
}

// =============================================================================
// WALLET ENDPOINTS
// =============================================================================

// GetBalance returns one payer's wallet. Payers without a wallet get a
// zero balance with exists=false.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	tenant := ledger.TenantID(chi.URLParam(r, "tenantID"))

	payer, ok := payerFromQuery(w, r)
	if !ok {
		return
	}

	view, err := h.Query.GetBalance(r.Context(), tenant, payer)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetBalances returns balances for many payers in request order, with
// duplicates collapsed.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	tenant := ledger.TenantID(chi.URLParam(r, "tenantID"))

	var req BalancesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validateRequest(req); err != nil {
		writeLedgerError(w, err)
		return
	}

	payers := make([]ledger.PayerKey, 0, len(req.Payers))
	seen := make(map[ledger.PayerKey]bool, len(req.Payers))
	for _, p := range req.Payers {
		key := ledger.PayerKey{FamilyID: ledger.FamilyID(p.FamilyID), MemberID: ledger.MemberID(p.MemberID)}
		if seen[key] {
			continue
		}
		seen[key] = true
		payers = append(payers, key)
	}

	views, err := h.Query.AggregateAcrossPayers(r.Context(), tenant, payers)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	resp := BalancesResponse{Balances: make([]ledger.WalletView, 0, len(payers))}
	for _, p := range payers {
		resp.Balances = append(resp.Balances, views[p])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	id := ledger.WalletID(chi.URLParam(r, "walletID"))

	view, err := h.Query.GetWallet(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if !view.Exists {
		writeError(w, http.StatusNotFound, "Wallet not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetTransactions lists a wallet's log, newest first. Unknown wallets
// have an empty log.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := ledger.WalletID(chi.URLParam(r, "walletID"))

	page, ok := pageFromQuery(w, r)
	if !ok {
		return
	}

	txs, err := h.Query.ListTransactions(r.Context(), id, page)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, TransactionListResponse{
		WalletID:     string(id),
		Transactions: dtos,
		Limit:        page.Limit,
		Offset:       page.Offset,
	})
}

func (h *Handler) AuditWallet(w http.ResponseWriter, r *http.Request) {
	id := ledger.WalletID(chi.URLParam(r, "walletID"))

	audit, err := h.Query.VerifyWallet(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if !audit.Consistent {
		h.log.WithFields(logrus.Fields{
			"wallet_id": id,
			"problem":   audit.Problem,
		}).Error("wallet audit failed")
	}
	writeJSON(w, http.StatusOK, audit)
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// validateRequest checks validator tags and converts failures to a
// *ledger.ValidationError so they map like domain validation.
func (h *Handler) validateRequest(req any) error {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	verr := &ledger.ValidationError{}
	for _, fe := range fieldErrs {
		verr.Fields = append(verr.Fields, ledger.FieldError{
			Field:   strings.TrimPrefix(fe.Namespace(), reflect.TypeOf(req).Name()+"."),
			Message: ledger.DescribeTag(fe),
		})
	}
	return verr
}

// payerFromQuery reads exactly one of family_id or member_id. It writes a
// 400 and returns false otherwise.
func payerFromQuery(w http.ResponseWriter, r *http.Request) (ledger.PayerKey, bool) {
	q := r.URL.Query()
	payer := ledger.PayerKey{
		FamilyID: ledger.FamilyID(q.Get("family_id")),
		MemberID: ledger.MemberID(q.Get("member_id")),
	}
	if !payer.Valid() {
		writeValidation(w, "family_id", "exactly one of family_id or member_id is required")
		return ledger.PayerKey{}, false
	}
	return payer, true
}

func pageFromQuery(w http.ResponseWriter, r *http.Request) (ledger.Page, bool) {
	var page ledger.Page
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &page.Limit}, {"offset", &page.Offset}} {
		raw := r.URL.Query().Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeValidation(w, p.name, "must be a non-negative integer")
			return ledger.Page{}, false
		}
		*p.dst = n
	}
	return page.Normalize(), true
}

// writeApplyFailure reports an apply error for a record that is already
// persisted, so the client knows a re-apply is safe.
func (h *Handler) writeApplyFailure(w http.ResponseWriter, rec ledger.CollectibleRecord, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{
			"tenant_id": rec.TenantID,
			"record_id": rec.ID,
		}).Error("collectible saved but not applied")
	}
	if status == http.StatusServiceUnavailable {
		writeJSON(w, status, ErrorResponse{
			Error: "Payment recorded but wallet update is pending; retry the apply endpoint",
			Code:  "apply_pending",
			Details: map[string]string{
				"record_id": string(rec.ID),
				"cause":     err.Error(),
			},
		})
		return
	}
	writeLedgerError(w, err)
}

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrDuplicateRecord):
		return http.StatusConflict
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsRetryable(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	status := statusFor(err)

	var verr *ledger.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, status, ErrorResponse{Error: "Validation failed", Code: "validation", Details: verr.Fields})
		return
	}

	switch status {
	case http.StatusConflict:
		writeError(w, status, "Collectible record already exists", err)
	case http.StatusNotFound:
		writeError(w, status, "Collectible record not found", err)
	case http.StatusServiceUnavailable:
		writeError(w, status, "Ledger temporarily unavailable", err)
	case http.StatusBadRequest:
		writeError(w, status, "Invalid request", err)
	default:
		writeError(w, status, "Internal error", err)
	}
}

func writeValidation(w http.ResponseWriter, field, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "Validation failed",
		Code:    "validation",
		Details: []ledger.FieldError{{Field: field, Message: msg}},
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
