package models

import (
	"time"

	"gorm.io/datatypes"
)

// Purchase kinds
const (
	PurchaseKindSubscription = "subscription"
	PurchaseKindProduct      = "product"
)

// Verification methods recorded on PurchaseRecord
const (
	VerificationMethodRemote    = "remote"
	VerificationMethodSignature = "signature"
)

// PurchaseRecord 购买记录
// Keyed by purchase token; every re-verification upserts the same row.
type PurchaseRecord struct {
	BaseModel

	PurchaseToken  string `json:"purchase_token" gorm:"not null;size:512;uniqueIndex"`
	UserID         string `json:"user_id" gorm:"not null;size:64;index"`
	Kind           string `json:"kind" gorm:"not null;size:20"`
	ProductID      string `json:"product_id" gorm:"size:100"`
	SubscriptionID string `json:"subscription_id" gorm:"size:100"`
	PackageName    string `json:"package_name" gorm:"size:255"`
	OrderID        string `json:"order_id" gorm:"size:100;index"`

	PurchaseTime     *time.Time `json:"purchase_time"`
	ExpiryTime       *time.Time `json:"expiry_time"`
	PurchaseState    int64      `json:"purchase_state"`
	ConsumptionState int64      `json:"consumption_state"`
	AutoRenewing     bool       `json:"auto_renewing"`
	Acknowledged     bool       `json:"acknowledged" gorm:"index"`
	Active           bool       `json:"active"`
	RevokedAt        *time.Time `json:"revoked_at"`

	// Failed acknowledgement retries; the sweeper serves the least-tried rows first
	AckAttempts      int        `json:"ack_attempts" gorm:"not null;default:0"`
	LastAckAttemptAt *time.Time `json:"last_ack_attempt_at"`

	VerifiedAt         time.Time `json:"verified_at"`
	VerificationMethod string    `json:"verification_method" gorm:"size:20"`

	// Raw platform response, kept for support investigations
	RawResponse datatypes.JSON `json:"raw_response,omitempty"`
}
