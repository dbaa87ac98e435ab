/*
directory.go - Wallet Directory: one wallet per payer key

PURPOSE:
  Maps (tenant, family) or (tenant, member) to exactly one Wallet and
  creates it with a zero balance on first use.

CRITICAL INVARIANT:
  At most one wallet per payer key, even when the first payments for a new
  payer arrive concurrently.

HOW IT IS ENFORCED:
  1. Per-key lock (KeyLocker) around resolve-or-create
  2. Store uniqueness constraint as the backstop across processes:
     a losing insert gets ErrWalletConflict, re-reads and returns the
     winner's wallet
  3. If the winner is not visible yet, ConflictError -> bounded retry

READS:
  Get never creates. A payer with no payments sees a zero WalletView.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type Directory struct {
	store      TxStore
	locker     KeyLocker
	log        logrus.FieldLogger
	clock      func() time.Time
	newID      func() string
	maxRetries int
	backoff    time.Duration
}

func NewDirectory(store TxStore, opts Options) *Directory {
	opts = opts.withDefaults()
	return &Directory{
		store:      store,
		locker:     opts.Locker,
		log:        opts.Logger,
		clock:      opts.Clock,
		newID:      opts.NewID,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
	}
}

// ResolveOrCreate returns the payer's wallet, creating it if absent.
func (d *Directory) ResolveOrCreate(ctx context.Context, tenant TenantID, payer PayerKey) (Wallet, error) {
	if err := validateTenant(tenant); err != nil {
		return Wallet{}, err
	}
	if err := validatePayer(payer); err != nil {
		return Wallet{}, err
	}

	unlock, err := d.locker.Lock(ctx, payer.LockKey(tenant))
	if err != nil {
		return Wallet{}, fmt.Errorf("lock wallet %s: %w", payer, err)
	}
	defer unlock()

	var wallet Wallet
	for attempt := 1; ; attempt++ {
		err = d.store.WithTx(ctx, func(s Store) error {
			w, created, err := resolveIn(ctx, s, tenant, payer, d.newID, d.clock())
			if err != nil {
				return err
			}
			if created {
				d.log.WithFields(logrus.Fields{
					"tenant_id": tenant,
					"payer":     payer.String(),
					"wallet_id": w.ID,
				}).Info("wallet created")
			}
			wallet = w
			return nil
		})
		if err == nil {
			return wallet, nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= d.maxRetries {
			break
		}
		d.log.WithError(err).WithField("attempt", attempt).Debug("wallet resolve conflict, retrying")
		if err := sleepBackoff(ctx, d.backoff, attempt); err != nil {
			return Wallet{}, err
		}
	}
	if errors.Is(err, ErrConflict) {
		return Wallet{}, fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, err)
	}
	return Wallet{}, err
}

// Get is a read-only lookup. It returns the zero view when no wallet exists.
func (d *Directory) Get(ctx context.Context, tenant TenantID, payer PayerKey) (WalletView, error) {
	if err := validateTenant(tenant); err != nil {
		return WalletView{}, err
	}
	if err := validatePayer(payer); err != nil {
		return WalletView{}, err
	}
	w, err := d.store.FindWallet(ctx, tenant, payer)
	if err != nil {
		return WalletView{}, err
	}
	if w == nil {
		return ZeroWalletView(tenant, payer), nil
	}
	return w.View(), nil
}

// resolveIn finds or inserts the wallet using s, which is normally bound
// to an open store transaction.
func resolveIn(ctx context.Context, s Store, tenant TenantID, payer PayerKey, newID func() string, now time.Time) (Wallet, bool, error) {
	w, err := s.FindWallet(ctx, tenant, payer)
	if err != nil {
		return Wallet{}, false, err
	}
	if w != nil {
		return *w, false, nil
	}

	fresh := Wallet{
		ID:        WalletID(newID()),
		TenantID:  tenant,
		FamilyID:  payer.FamilyID,
		MemberID:  payer.MemberID,
		Balance:   ZeroAmount(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.InsertWallet(ctx, fresh)
	if err == nil {
		return fresh, true, nil
	}
	if !errors.Is(err, ErrWalletConflict) {
		return Wallet{}, false, err
	}

	// Another writer created it first. Use theirs if we can see it.
	w, ferr := s.FindWallet(ctx, tenant, payer)
	if ferr != nil {
		return Wallet{}, false, ferr
	}
	if w != nil {
		return *w, false, nil
	}
	return Wallet{}, false, &ConflictError{TenantID: tenant, Payer: payer, Err: err}
}
