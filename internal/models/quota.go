package models

import "time"

// DailyQuota 每日免费额度
// One row per (user, UTC calendar day). A new day is a new row.
type DailyQuota struct {
	BaseModel

	UserID string `json:"user_id" gorm:"not null;size:64;uniqueIndex:idx_daily_quota_user_date"`
	Date   string `json:"date" gorm:"not null;size:10;uniqueIndex:idx_daily_quota_user_date"` // YYYY-MM-DD, UTC

	GenerationCount   int        `json:"generation_count" gorm:"not null;default:0"`
	AdUnlockedCount   int        `json:"ad_unlocked_count" gorm:"not null;default:0"`
	LastAdViewedAt    *time.Time `json:"last_ad_viewed_at"`
	NextAdAvailableAt *time.Time `json:"next_ad_available_at"`
}
