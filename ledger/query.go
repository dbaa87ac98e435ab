/*
query.go - Wallet Query Service: read-only projections

PURPOSE:
  Balance lookups and transaction history for UI and reporting. Nothing
  here writes; a payer with no wallet gets a zero view and no wallet is
  created by reading.

BATCHING:
  AggregateAcrossPayers resolves many payer keys with one store call
  instead of one query per family/member.

AUDIT:
  VerifyWallet replays a wallet's full log and checks that it reduces to
  the stored balance, with every BalanceAfter matching the running sum.
*/
package ledger

import (
	"context"
	"fmt"
)

type Query struct {
	store Store
}

func NewQuery(store Store) *Query {
	return &Query{store: store}
}

// GetBalance returns the payer's wallet view, or a zero view.
func (q *Query) GetBalance(ctx context.Context, tenant TenantID, payer PayerKey) (WalletView, error) {
	if err := validateTenant(tenant); err != nil {
		return WalletView{}, err
	}
	if err := validatePayer(payer); err != nil {
		return WalletView{}, err
	}
	w, err := q.store.FindWallet(ctx, tenant, payer)
	if err != nil {
		return WalletView{}, err
	}
	if w == nil {
		return ZeroWalletView(tenant, payer), nil
	}
	return w.View(), nil
}

// GetWallet returns the view for id. Exists is false for an unknown id.
func (q *Query) GetWallet(ctx context.Context, id WalletID) (WalletView, error) {
	w, err := q.store.GetWallet(ctx, id)
	if err != nil {
		return WalletView{}, err
	}
	if w == nil {
		return WalletView{Balance: ZeroAmount()}, nil
	}
	return w.View(), nil
}

// ListTransactions returns newest first. Unknown wallets yield an empty list.
func (q *Query) ListTransactions(ctx context.Context, id WalletID, page Page) ([]Transaction, error) {
	txs, err := q.store.TransactionsByWallet(ctx, id, page.Normalize())
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []Transaction{}
	}
	return txs, nil
}

// AggregateAcrossPayers returns a view for every requested payer key.
// Duplicate keys collapse into one entry.
func (q *Query) AggregateAcrossPayers(ctx context.Context, tenant TenantID, payers []PayerKey) (map[PayerKey]WalletView, error) {
	if err := validateTenant(tenant); err != nil {
		return nil, err
	}

	unique := make([]PayerKey, 0, len(payers))
	out := make(map[PayerKey]WalletView, len(payers))
	for _, p := range payers {
		if err := validatePayer(p); err != nil {
			return nil, err
		}
		if _, seen := out[p]; seen {
			continue
		}
		out[p] = ZeroWalletView(tenant, p)
		unique = append(unique, p)
	}
	if len(unique) == 0 {
		return out, nil
	}

	wallets, err := q.store.FindWallets(ctx, tenant, unique)
	if err != nil {
		return nil, err
	}
	for _, w := range wallets {
		if _, requested := out[w.Payer()]; requested {
			out[w.Payer()] = w.View()
		}
	}
	return out, nil
}

// =============================================================================
// AUDIT
// =============================================================================

// Audit is the result of replaying a wallet's log.
type Audit struct {
	WalletID     WalletID `json:"wallet_id"`
	Balance      Amount   `json:"balance"`
	Replayed     Amount   `json:"replayed"`
	Transactions int      `json:"transactions"`
	Consistent   bool     `json:"consistent"`
	// Problem describes the first inconsistency found.
	Problem string `json:"problem,omitempty"`
}

// VerifyWallet checks balance == Σcredit − Σdebit and the per-transaction
// running balances. An unknown wallet audits as an empty, consistent log.
func (q *Query) VerifyWallet(ctx context.Context, id WalletID) (Audit, error) {
	w, err := q.store.GetWallet(ctx, id)
	if err != nil {
		return Audit{}, err
	}
	txs, err := q.store.WalletHistory(ctx, id)
	if err != nil {
		return Audit{}, err
	}

	audit := Audit{WalletID: id, Balance: ZeroAmount(), Transactions: len(txs)}
	if w != nil {
		audit.Balance = w.Balance
	}
	audit.Replayed, audit.Problem = Replay(txs)
	if audit.Problem == "" && !audit.Replayed.Equal(audit.Balance) {
		audit.Problem = fmt.Sprintf("balance %s does not match replayed %s", audit.Balance, audit.Replayed)
	}
	audit.Consistent = audit.Problem == ""
	return audit, nil
}

// Replay sums txs in Sequence order and reports the first transaction whose
// BalanceAfter or Sequence breaks the chain.
func Replay(txs []Transaction) (Amount, string) {
	balance := ZeroAmount()
	for i, tx := range txs {
		if tx.Sequence != int64(i+1) {
			return balance, fmt.Sprintf("transaction %s has sequence %d, expected %d", tx.ID, tx.Sequence, i+1)
		}
		balance = balance.Add(tx.Signed())
		if !tx.BalanceAfter.Equal(balance) {
			return balance, fmt.Sprintf("transaction %s records balance %s, replay gives %s", tx.ID, tx.BalanceAfter, balance)
		}
	}
	return balance, ""
}
