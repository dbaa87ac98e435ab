/*
updater.go - Ledger Updater: the only writer of balances and transactions

PURPOSE:
  Applies a persisted CollectibleRecord to its payer's wallet:
  resolve-or-create the wallet, add the amount, append a credit.

CRITICAL INVARIANTS:
  1. ATOMIC: balance update and transaction append commit together or not
     at all (one TxStore.WithTx unit)
  2. SERIALIZED: every mutation for a payer key runs under the key's lock,
     and covers both the resolve and the write
  3. IDEMPOTENT: one transaction per record; re-applying a record is a no-op
  4. ORDERED: per wallet, Sequence == Version and BalanceAfter is the
     running sum, so the log replays to the balance

FLOW:
  record has no family and no member -> OutcomeNoPayer, nothing written
  lock(tenant, payer)
    WithTx:
      transaction for (tenant, kind, record id) exists -> OutcomeAlreadyApplied
      wallet := resolve or create
      UpdateWallet(balance+amount, version+1)   (stale version -> retry)
      AppendTransaction(credit)                 (failure -> rollback)
  unlock

FAILURES:
  Conflicts are retried with linear backoff up to MaxRetries, then surface as
  ErrTemporarilyUnavailable. The record stays persisted, so a later call
  (or a reconciliation pass) can apply it safely.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeNoPayer        Outcome = "no_payer"
)

// ApplyResult reports what ApplyCollectible did. Wallet and Transaction are
// nil for OutcomeNoPayer.
type ApplyResult struct {
	Outcome     Outcome
	Wallet      *Wallet
	Transaction *Transaction
}

type Updater struct {
	store      TxStore
	locker     KeyLocker
	log        logrus.FieldLogger
	clock      func() time.Time
	newID      func() string
	maxRetries int
	backoff    time.Duration
}

func NewUpdater(store TxStore, opts Options) *Updater {
	opts = opts.withDefaults()
	return &Updater{
		store:      store,
		locker:     opts.Locker,
		log:        opts.Logger,
		clock:      opts.Clock,
		newID:      opts.NewID,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
	}
}

// ApplyCollectible credits rec.Amount to the payer's wallet.
// May block on the payer's lock; ctx bounds the wait.
func (u *Updater) ApplyCollectible(ctx context.Context, rec CollectibleRecord) (ApplyResult, error) {
	if err := ValidateRecord(rec); err != nil {
		return ApplyResult{}, err
	}
	if rec.ID == "" {
		return ApplyResult{}, newValidationError("ID", "is required to apply a record")
	}

	log := u.log.WithFields(logrus.Fields{
		"tenant_id": rec.TenantID,
		"record_id": rec.ID,
		"kind":      rec.Kind,
	})

	payer, ok := rec.PayerKey()
	if !ok {
		log.Debug("collectible has no payer, wallet untouched")
		return ApplyResult{Outcome: OutcomeNoPayer}, nil
	}
	log = log.WithField("payer", payer.String())

	unlock, err := u.locker.Lock(ctx, payer.LockKey(rec.TenantID))
	if err != nil {
		return ApplyResult{}, fmt.Errorf("lock wallet %s: %w", payer, err)
	}
	defer unlock()

	var res ApplyResult
	for attempt := 1; ; attempt++ {
		res, err = u.applyOnce(ctx, rec, payer)
		if err == nil {
			entry := log.WithField("outcome", res.Outcome)
			if res.Wallet != nil {
				entry = entry.WithFields(logrus.Fields{
					"wallet_id": res.Wallet.ID,
					"balance":   res.Wallet.Balance.String(),
				})
			}
			entry.Info("collectible applied")
			return res, nil
		}
		if !IsRetryable(err) || attempt >= u.maxRetries {
			break
		}
		log.WithError(err).WithField("attempt", attempt).Warn("ledger update conflict, retrying")
		if err := sleepBackoff(ctx, u.backoff, attempt); err != nil {
			return ApplyResult{}, err
		}
	}

	if IsRetryable(err) {
		log.WithError(err).Error("ledger update retries exhausted")
		return ApplyResult{}, fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, err)
	}
	return ApplyResult{}, err
}

func (u *Updater) applyOnce(ctx context.Context, rec CollectibleRecord, payer PayerKey) (ApplyResult, error) {
	var res ApplyResult

	err := u.store.WithTx(ctx, func(s Store) error {
		existing, err := s.TransactionByReference(ctx, rec.TenantID, rec.Kind, rec.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			w, err := s.GetWallet(ctx, existing.WalletID)
			if err != nil {
				return err
			}
			res = ApplyResult{Outcome: OutcomeAlreadyApplied, Wallet: w, Transaction: existing}
			return nil
		}

		w, _, err := resolveIn(ctx, s, rec.TenantID, payer, u.newID, u.clock())
		if err != nil {
			return err
		}

		now := u.clock()
		paid := rec.PaymentDate
		next := w
		next.Balance = w.Balance.Add(rec.Amount)
		next.Version = w.Version + 1
		next.LastTransactionDate = &paid
		next.UpdatedAt = now

		tx := Transaction{
			ID:            TransactionID(u.newID()),
			TenantID:      rec.TenantID,
			WalletID:      w.ID,
			Type:          TxCredit,
			Amount:        rec.Amount,
			BalanceAfter:  next.Balance,
			Sequence:      next.Version,
			Description:   rec.Description(),
			ReferenceID:   rec.ID,
			ReferenceType: rec.Kind,
			CreatedAt:     now,
		}

		if err := s.UpdateWallet(ctx, next, w.Version); err != nil {
			return err
		}
		if err := s.AppendTransaction(ctx, tx); err != nil {
			return &partialApplicationError{Stage: "append transaction", Cause: err}
		}

		res = ApplyResult{Outcome: OutcomeApplied, Wallet: &next, Transaction: &tx}
		return nil
	})

	var partial *partialApplicationError
	if errors.As(err, &partial) {
		u.log.WithError(partial.Cause).WithField("record_id", rec.ID).Warn("ledger update rolled back")
		err = partial.Cause
	}
	if errors.Is(err, ErrDuplicateReference) {
		// Another process applied this record between our check and append.
		// The retry will observe it as already applied.
		err = &ConflictError{TenantID: rec.TenantID, Payer: payer, Err: err}
	}
	if err != nil {
		return ApplyResult{}, err
	}
	return res, nil
}
