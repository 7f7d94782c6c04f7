package models

import (
	"time"
)

// Plan values stored on SubscriptionRecord.Plan
const (
	PlanFree  = "free"
	PlanTrial = "trial"
	PlanPro   = "pro"
)

// SubscriptionRecord 用户权益记录
// One row per user; the single source for plan and entitlement state.
type SubscriptionRecord struct {
	BaseModel

	UserID string `json:"user_id" gorm:"not null;size:64;uniqueIndex"`

	Plan     string `json:"plan" gorm:"not null;size:16;default:'free';index"`
	IsActive bool   `json:"is_active" gorm:"not null;default:false"`

	// Trial window. TrialEndsAt is derived from TrialStartedAt once and never rewritten.
	TrialStartedAt   *time.Time `json:"trial_started_at"`
	TrialEndsAt      *time.Time `json:"trial_ends_at"`
	AutoConvertToPro bool       `json:"auto_convert_to_pro" gorm:"not null;default:false"`

	// Paid subscription window
	SubscriptionStartedAt *time.Time `json:"subscription_started_at"`
	NextBillingAt         *time.Time `json:"next_billing_at"`
	CanceledAt            *time.Time `json:"canceled_at"`
	LastPaymentAt         *time.Time `json:"last_payment_at"`

	// Latest purchase linked to this record
	PurchaseToken string `json:"purchase_token,omitempty" gorm:"size:512"`
	ProductID     string `json:"product_id,omitempty" gorm:"size:100"`
}
