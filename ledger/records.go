package ledger

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Records is the collectible record store: validated, append-only payment
// events. It does no wallet work; the Updater applies records.
type Records struct {
	store RecordStore
	log   logrus.FieldLogger
	clock func() time.Time
	newID func() string
}

func NewRecords(store RecordStore, opts Options) *Records {
	opts = opts.withDefaults()
	return &Records{
		store: store,
		log:   opts.Logger,
		clock: opts.Clock,
		newID: opts.NewID,
	}
}

// Create validates and persists rec, assigning an ID if it has none.
func (r *Records) Create(ctx context.Context, rec CollectibleRecord) (CollectibleRecord, error) {
	if err := ValidateRecord(rec); err != nil {
		return CollectibleRecord{}, err
	}
	if rec.ID == "" {
		rec.ID = RecordID(r.newID())
	}
	rec.PaymentDate = rec.PaymentDate.UTC()
	rec.CreatedAt = r.clock()

	if err := r.store.CreateRecord(ctx, rec); err != nil {
		return CollectibleRecord{}, err
	}

	r.log.WithFields(logrus.Fields{
		"tenant_id": rec.TenantID,
		"record_id": rec.ID,
		"kind":      rec.Kind,
		"amount":    rec.Amount.String(),
	}).Info("collectible recorded")
	return rec, nil
}

func (r *Records) Get(ctx context.Context, tenant TenantID, id RecordID) (*CollectibleRecord, error) {
	if err := validateTenant(tenant); err != nil {
		return nil, err
	}
	return r.store.GetRecord(ctx, tenant, id)
}

// FindByPayer lists a payer's records, most recent payment first.
func (r *Records) FindByPayer(ctx context.Context, tenant TenantID, payer PayerKey, page Page) ([]CollectibleRecord, error) {
	if err := validateTenant(tenant); err != nil {
		return nil, err
	}
	if err := validatePayer(payer); err != nil {
		return nil, err
	}
	recs, err := r.store.RecordsByPayer(ctx, tenant, payer, page.Normalize())
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []CollectibleRecord{}
	}
	return recs, nil
}
