package models

// EntitlementEvent 权益变更历史
// Appended only when a user's derived entitlement state changes.
type EntitlementEvent struct {
	BaseModel

	UserID           string `json:"user_id" gorm:"not null;size:64;index"`
	FromState        string `json:"from_state" gorm:"size:32"`
	ToState          string `json:"to_state" gorm:"size:32"`
	Source           string `json:"source" gorm:"size:32"` // trial, conversion, purchase, cancel, webhook
	PurchaseToken    string `json:"purchase_token,omitempty" gorm:"size:512"`
	NotificationType string `json:"notification_type,omitempty" gorm:"size:64"`
}
