package database

import (
	"context"
	"time"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// purchaseUpsertColumns are rewritten on every re-verification. user_id is
// deliberately absent: the first verifier of a token stays its owner.
var purchaseUpsertColumns = []string{
	"updated_at",
	"kind",
	"product_id",
	"subscription_id",
	"package_name",
	"order_id",
	"purchase_time",
	"expiry_time",
	"purchase_state",
	"consumption_state",
	"auto_renewing",
	"acknowledged",
	"active",
	"verified_at",
	"verification_method",
	"raw_response",
}

// PurchaseStore persists PurchaseRecords keyed by purchase token
type PurchaseStore struct {
	db *gorm.DB
}

// NewPurchaseStore creates a purchase store
func NewPurchaseStore(db *gorm.DB) *PurchaseStore {
	return &PurchaseStore{db: db}
}

// Upsert inserts the purchase or refreshes the existing row for the same token,
// and returns the stored row (whose UserID may differ from the input's).
func (s *PurchaseStore) Upsert(ctx context.Context, purchase *models.PurchaseRecord) (*models.PurchaseRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "purchase_token"}},
			DoUpdates: clause.AssignmentColumns(purchaseUpsertColumns),
		}).
		Create(purchase).Error
	if err != nil {
		return nil, err
	}

	return s.FindByToken(ctx, purchase.PurchaseToken)
}

// InsertIfAbsent records a purchase only when its token is not on file yet.
// It never rewrites an existing row, so a weaker record cannot replace a
// remotely verified one.
func (s *PurchaseStore) InsertIfAbsent(ctx context.Context, purchase *models.PurchaseRecord) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "purchase_token"}},
			DoNothing: true,
		}).
		Create(purchase)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// FindByToken loads a purchase; gorm.ErrRecordNotFound when unknown
func (s *PurchaseStore) FindByToken(ctx context.Context, purchaseToken string) (*models.PurchaseRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var purchase models.PurchaseRecord
	if err := s.db.WithContext(ctx).Where("purchase_token = ?", purchaseToken).First(&purchase).Error; err != nil {
		return nil, err
	}
	return &purchase, nil
}

// UpdateByToken writes absolute field values for one purchase
func (s *PurchaseStore) UpdateByToken(ctx context.Context, purchaseToken string, updates map[string]interface{}) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return s.db.WithContext(ctx).Model(&models.PurchaseRecord{}).
		Where("purchase_token = ?", purchaseToken).
		Updates(updates).Error
}

// ListUnacknowledged returns active, remotely verified purchases still awaiting
// acknowledgement, least-retried first so rows that keep failing cannot starve newer ones
func (s *PurchaseStore) ListUnacknowledged(ctx context.Context, limit int) ([]models.PurchaseRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var purchases []models.PurchaseRecord
	err := s.db.WithContext(ctx).
		Where("acknowledged = ? AND active = ? AND verification_method = ? AND revoked_at IS NULL",
			false, true, models.VerificationMethodRemote).
		Order("ack_attempts ASC, verified_at ASC").
		Limit(limit).
		Find(&purchases).Error
	return purchases, err
}

// RecordAckAttempt counts one failed acknowledgement retry
func (s *PurchaseStore) RecordAckAttempt(ctx context.Context, purchaseToken string, attemptedAt time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return s.db.WithContext(ctx).Model(&models.PurchaseRecord{}).
		Where("purchase_token = ?", purchaseToken).
		Updates(map[string]interface{}{
			"ack_attempts":        gorm.Expr("ack_attempts + ?", 1),
			"last_ack_attempt_at": attemptedAt,
		}).Error
}
