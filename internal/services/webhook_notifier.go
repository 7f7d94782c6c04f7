package services

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"entitlement-api/pkg/logging"
)

const entitlementChangedEvent = "entitlement.changed"

// EntitlementChange describes one derived-state transition for a user
type EntitlementChange struct {
	UserID        string
	FromState     string
	ToState       string
	Active        bool
	Source        string
	PurchaseToken string
	OccurredAt    time.Time
}

// WebhookPayload represents the payload sent to App Backend
type WebhookPayload struct {
	Event         string `json:"event"` // always "entitlement.changed"
	UserID        string `json:"user_id"`
	FromState     string `json:"from_state"`
	ToState       string `json:"to_state"`
	Active        bool   `json:"active"`
	Source        string `json:"source"` // trial, conversion, purchase, cancel, webhook
	PurchaseToken string `json:"purchase_token,omitempty"`
	Timestamp     string `json:"timestamp"` // ISO 8601 format
}

// WebhookNotifier pushes entitlement changes to the App Backend
type WebhookNotifier struct {
	httpClient  *http.Client
	callbackURL string
	secret      string
	retryDelays []time.Duration
}

// NewWebhookNotifier creates a notifier, or returns nil when no callback URL is configured
func NewWebhookNotifier(callbackURL, secret string) *WebhookNotifier {
	if callbackURL == "" {
		return nil
	}
	return &WebhookNotifier{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		callbackURL: callbackURL,
		secret:      secret,
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// NotifyEntitlementChange sends the change to App Backend.
// Callers run it in a goroutine; it blocks through the retry schedule.
func (wn *WebhookNotifier) NotifyEntitlementChange(change EntitlementChange) {
	payload := WebhookPayload{
		Event:         entitlementChangedEvent,
		UserID:        change.UserID,
		FromState:     change.FromState,
		ToState:       change.ToState,
		Active:        change.Active,
		Source:        change.Source,
		PurchaseToken: change.PurchaseToken,
		Timestamp:     change.OccurredAt.Format(time.RFC3339),
	}

	wn.sendWithRetry(payload)
}

// sendWithRetry sends webhook with retry mechanism
// Retry schedule: 1s, 5s, 30s (3 attempts total)
func (wn *WebhookNotifier) sendWithRetry(payload WebhookPayload) {
	maxRetries := len(wn.retryDelays)

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := wn.sendWebhook(payload)
		if err == nil {
			logging.Infof("Entitlement webhook sent - user: %s, %s -> %s, attempt: %d",
				payload.UserID, payload.FromState, payload.ToState, attempt+1)
			return
		}

		logging.Errorf("Entitlement webhook failed - user: %s, attempt: %d, error: %v",
			payload.UserID, attempt+1, err)

		if attempt < maxRetries-1 {
			time.Sleep(wn.retryDelays[attempt])
		}
	}

	logging.Errorf("Entitlement webhook failed after %d attempts - url: %s, user: %s",
		maxRetries, wn.callbackURL, payload.UserID)
}

func (wn *WebhookNotifier) sendWebhook(payload WebhookPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, wn.callbackURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Entitlement-Webhook/1.0")
	if wn.secret != "" {
		req.Header.Set("X-Entitlement-Signature", SignWebhookPayload(jsonData, wn.secret))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// SignWebhookPayload returns the hex HMAC-SHA256 of payload, as sent in X-Entitlement-Signature
func SignWebhookPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
