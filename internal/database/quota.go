package database

import (
	"context"
	"time"

	"entitlement-api/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QuotaStore persists DailyQuota rows keyed by (user, UTC date)
type QuotaStore struct {
	db *gorm.DB
}

// NewQuotaStore creates a quota store
func NewQuotaStore(db *gorm.DB) *QuotaStore {
	return &QuotaStore{db: db}
}

// GetOrCreate loads the day's row, inserting a zeroed row on first access
func (s *QuotaStore) GetOrCreate(ctx context.Context, userID, date string) (*models.DailyQuota, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := s.ensure(ctx, userID, date); err != nil {
		return nil, err
	}

	var quota models.DailyQuota
	if err := s.db.WithContext(ctx).Where("user_id = ? AND date = ?", userID, date).First(&quota).Error; err != nil {
		return nil, err
	}
	return &quota, nil
}

// IncrementGeneration adds one generation to the day's counter in a single statement
func (s *QuotaStore) IncrementGeneration(ctx context.Context, userID, date string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := s.ensure(ctx, userID, date); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Model(&models.DailyQuota{}).
		Where("user_id = ? AND date = ?", userID, date).
		Update("generation_count", gorm.Expr("generation_count + ?", 1)).Error
}

// UnlockAd records an ad view while the day's unlock count is below maxUnlocks.
// The cap check and increment are one conditional UPDATE; false means the cap was reached.
func (s *QuotaStore) UnlockAd(ctx context.Context, userID, date string, maxUnlocks int, viewedAt, nextAvailableAt time.Time) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := s.ensure(ctx, userID, date); err != nil {
		return false, err
	}

	result := s.db.WithContext(ctx).Model(&models.DailyQuota{}).
		Where("user_id = ? AND date = ? AND ad_unlocked_count < ?", userID, date, maxUnlocks).
		Updates(map[string]interface{}{
			"ad_unlocked_count":    gorm.Expr("ad_unlocked_count + ?", 1),
			"last_ad_viewed_at":    viewedAt,
			"next_ad_available_at": nextAvailableAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *QuotaStore) ensure(ctx context.Context, userID, date string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "date"}},
			DoNothing: true,
		}).
		Create(&models.DailyQuota{UserID: userID, Date: date}).Error
}
