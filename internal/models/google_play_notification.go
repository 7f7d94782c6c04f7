package models

// PubSubPushEnvelope is the body Cloud Pub/Sub posts to the push endpoint.
type PubSubPushEnvelope struct {
	Message struct {
		Data        string            `json:"data"` // base64 DeveloperNotification JSON
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DeveloperNotification is the Google Play Real-Time Developer Notification payload.
type DeveloperNotification struct {
	Version                    string                      `json:"version"`
	PackageName                string                      `json:"packageName"`
	EventTimeMillis            string                      `json:"eventTimeMillis"`
	SubscriptionNotification   *SubscriptionNotification   `json:"subscriptionNotification,omitempty"`
	OneTimeProductNotification *OneTimeProductNotification `json:"oneTimeProductNotification,omitempty"`
	TestNotification           *TestNotification           `json:"testNotification,omitempty"`
}

type SubscriptionNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}

type OneTimeProductNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	Sku              string `json:"sku"`
}

type TestNotification struct {
	Version string `json:"version"`
}

// Subscription notification types
const (
	SubscriptionRecovered             = 1
	SubscriptionRenewed               = 2
	SubscriptionCanceled              = 3
	SubscriptionPurchased             = 4
	SubscriptionOnHold                = 5
	SubscriptionInGracePeriod         = 6
	SubscriptionRestarted             = 7
	SubscriptionPriceChangeConfirmed  = 8
	SubscriptionDeferred              = 9
	SubscriptionPaused                = 10
	SubscriptionPauseScheduleChanged  = 11
	SubscriptionRevoked               = 12
	SubscriptionExpired               = 13
	SubscriptionPendingPurchaseCancel = 20
)

// One-time product notification types
const (
	OneTimeProductPurchased = 1
	OneTimeProductCanceled  = 2
)
