package database

import (
	"context"
	"time"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SubscriptionStore persists one SubscriptionRecord per user
type SubscriptionStore struct {
	db *gorm.DB
}

// NewSubscriptionStore creates a subscription store
func NewSubscriptionStore(db *gorm.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// GetOrCreate loads the user's record, inserting a free/inactive default on first access.
// Concurrent first reads race on the unique user_id index; the loser's insert is a no-op.
func (s *SubscriptionStore) GetOrCreate(ctx context.Context, userID string) (*models.SubscriptionRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	record := &models.SubscriptionRecord{
		UserID: userID,
		Plan:   models.PlanFree,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(record).Error
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, userID)
}

// Get loads the user's record; gorm.ErrRecordNotFound when absent
func (s *SubscriptionStore) Get(ctx context.Context, userID string) (*models.SubscriptionRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var record models.SubscriptionRecord
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// StartTrial atomically moves a free user who never trialed into the trial plan.
// Returns false when the row did not qualify (trial already used, or not on the free plan).
func (s *SubscriptionStore) StartTrial(ctx context.Context, userID string, startedAt, endsAt time.Time, autoConvert bool) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).Model(&models.SubscriptionRecord{}).
		Where("user_id = ? AND plan = ? AND trial_started_at IS NULL", userID, models.PlanFree).
		Updates(map[string]interface{}{
			"plan":                models.PlanTrial,
			"is_active":           true,
			"trial_started_at":    startedAt,
			"trial_ends_at":       endsAt,
			"auto_convert_to_pro": autoConvert,
			"canceled_at":         nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ConvertTrial moves an auto-converting trial to pro. The written values depend only
// on the stored trial end, so concurrent or repeated calls converge on the same row.
func (s *SubscriptionStore) ConvertTrial(ctx context.Context, userID string, startedAt, nextBillingAt time.Time) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).Model(&models.SubscriptionRecord{}).
		Where("user_id = ? AND plan = ? AND is_active = ? AND auto_convert_to_pro = ?", userID, models.PlanTrial, true, true).
		Updates(map[string]interface{}{
			"plan":                    models.PlanPro,
			"is_active":               true,
			"subscription_started_at": startedAt,
			"next_billing_at":         nextBillingAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateIfPlan applies updates only while the record is still on expectedPlan
func (s *SubscriptionStore) UpdateIfPlan(ctx context.Context, userID, expectedPlan string, updates map[string]interface{}) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result := s.db.WithContext(ctx).Model(&models.SubscriptionRecord{}).
		Where("user_id = ? AND plan = ?", userID, expectedPlan).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Update writes absolute field values for the user's record, creating it if needed
func (s *SubscriptionStore) Update(ctx context.Context, userID string, updates map[string]interface{}) error {
	if _, err := s.GetOrCreate(ctx, userID); err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return s.db.WithContext(ctx).Model(&models.SubscriptionRecord{}).
		Where("user_id = ?", userID).
		Updates(updates).Error
}
