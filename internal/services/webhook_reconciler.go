package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Reconcile outcomes
const (
	OutcomeApplied         = "applied"
	OutcomeIgnored         = "ignored"
	OutcomeReplayed        = "replayed"
	OutcomeUnknownPurchase = "unknown_purchase"
	OutcomeRefreshed       = "refreshed"
)

var subscriptionNotificationNames = map[int]string{
	models.SubscriptionRecovered:             "SUBSCRIPTION_RECOVERED",
	models.SubscriptionRenewed:               "SUBSCRIPTION_RENEWED",
	models.SubscriptionCanceled:              "SUBSCRIPTION_CANCELED",
	models.SubscriptionPurchased:             "SUBSCRIPTION_PURCHASED",
	models.SubscriptionOnHold:                "SUBSCRIPTION_ON_HOLD",
	models.SubscriptionInGracePeriod:         "SUBSCRIPTION_IN_GRACE_PERIOD",
	models.SubscriptionRestarted:             "SUBSCRIPTION_RESTARTED",
	models.SubscriptionPriceChangeConfirmed:  "SUBSCRIPTION_PRICE_CHANGE_CONFIRMED",
	models.SubscriptionDeferred:              "SUBSCRIPTION_DEFERRED",
	models.SubscriptionPaused:                "SUBSCRIPTION_PAUSED",
	models.SubscriptionPauseScheduleChanged:  "SUBSCRIPTION_PAUSE_SCHEDULE_CHANGED",
	models.SubscriptionRevoked:               "SUBSCRIPTION_REVOKED",
	models.SubscriptionExpired:               "SUBSCRIPTION_EXPIRED",
	models.SubscriptionPendingPurchaseCancel: "SUBSCRIPTION_PENDING_PURCHASE_CANCELED",
}

var productNotificationNames = map[int]string{
	models.OneTimeProductPurchased: "ONE_TIME_PRODUCT_PURCHASED",
	models.OneTimeProductCanceled:  "ONE_TIME_PRODUCT_CANCELED",
}

// ReconcileOutcome summarises what one notification did
type ReconcileOutcome struct {
	MessageID        string `json:"message_id,omitempty"`
	NotificationType string `json:"notification_type,omitempty"`
	Status           string `json:"status"`
	UserID           string `json:"user_id,omitempty"`
	FromState        string `json:"from_state,omitempty"`
	ToState          string `json:"to_state,omitempty"`
}

// WebhookReconciler turns Google Play Real-Time Developer Notifications into
// local state. A notification is only a trigger: every fact written comes from
// a fresh remote verification.
type WebhookReconciler struct {
	verifier     *PurchaseVerifier
	purchases    *database.PurchaseStore
	entitlements *EntitlementService
	replay       *ReplayProtection
	packageName  string
	metrics      *metrics.EntitlementMetrics
	now          func() time.Time
}

// NewWebhookReconciler creates the reconciler. replay may be nil.
func NewWebhookReconciler(
	verifier *PurchaseVerifier,
	purchases *database.PurchaseStore,
	entitlements *EntitlementService,
	replay *ReplayProtection,
	packageName string,
) *WebhookReconciler {
	return &WebhookReconciler{
		verifier:     verifier,
		purchases:    purchases,
		entitlements: entitlements,
		replay:       replay,
		packageName:  packageName,
		metrics:      metrics.Get(),
		now:          time.Now,
	}
}

// HandlePush processes a raw Pub/Sub push body. Only bodies that cannot be
// decoded return ErrMalformedNotification; a notification about an unknown
// purchase is accepted so the platform stops redelivering it.
func (r *WebhookReconciler) HandlePush(ctx context.Context, body []byte) (*ReconcileOutcome, error) {
	notification, messageID, err := DecodePushEnvelope(body)
	if err != nil {
		r.metrics.RecordNotification("unknown", "malformed")
		return nil, err
	}

	if r.replay != nil && r.replay.Seen(messageID) {
		logging.Infof("Duplicate Pub/Sub message skipped - message_id: %s", messageID)
		r.metrics.RecordNotification("unknown", OutcomeReplayed)
		return &ReconcileOutcome{MessageID: messageID, Status: OutcomeReplayed}, nil
	}

	outcome, err := r.Reconcile(ctx, notification)
	if err != nil {
		return nil, err
	}
	outcome.MessageID = messageID

	if r.replay != nil {
		r.replay.MarkProcessed(messageID)
	}
	return outcome, nil
}

// DecodePushEnvelope unwraps the Pub/Sub envelope and its base64 payload
func DecodePushEnvelope(body []byte) (*models.DeveloperNotification, string, error) {
	var envelope models.PubSubPushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", fmt.Errorf("%w: envelope: %v", ErrMalformedNotification, err)
	}
	if envelope.Message.Data == "" {
		return nil, envelope.Message.MessageID, fmt.Errorf("%w: empty message data", ErrMalformedNotification)
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		// Some push clients use the URL-safe alphabet
		data, err = base64.URLEncoding.DecodeString(envelope.Message.Data)
		if err != nil {
			return nil, envelope.Message.MessageID, fmt.Errorf("%w: message data is not base64", ErrMalformedNotification)
		}
	}

	var notification models.DeveloperNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		return nil, envelope.Message.MessageID, fmt.Errorf("%w: notification: %v", ErrMalformedNotification, err)
	}
	return &notification, envelope.Message.MessageID, nil
}

// Reconcile applies one decoded notification
func (r *WebhookReconciler) Reconcile(ctx context.Context, n *models.DeveloperNotification) (*ReconcileOutcome, error) {
	if r.packageName != "" && n.PackageName != "" && n.PackageName != r.packageName {
		logging.Warnf("Notification for foreign package ignored - package: %s", n.PackageName)
		r.metrics.RecordNotification("foreign_package", OutcomeIgnored)
		return &ReconcileOutcome{Status: OutcomeIgnored}, nil
	}

	eventTime := r.eventTime(n.EventTimeMillis)

	switch {
	case n.SubscriptionNotification != nil:
		return r.reconcileSubscription(ctx, n.SubscriptionNotification, eventTime)
	case n.OneTimeProductNotification != nil:
		return r.reconcileProduct(ctx, n.OneTimeProductNotification, eventTime)
	case n.TestNotification != nil:
		logging.Infof("Test notification received - version: %s", n.TestNotification.Version)
		r.metrics.RecordNotification("TEST", OutcomeIgnored)
		return &ReconcileOutcome{NotificationType: "TEST", Status: OutcomeIgnored}, nil
	default:
		logging.Warnf("Notification without a known payload ignored - package: %s", n.PackageName)
		r.metrics.RecordNotification("unknown", OutcomeIgnored)
		return &ReconcileOutcome{Status: OutcomeIgnored}, nil
	}
}

func (r *WebhookReconciler) reconcileSubscription(ctx context.Context, sn *models.SubscriptionNotification, eventTime time.Time) (*ReconcileOutcome, error) {
	typeName, known := subscriptionNotificationNames[sn.NotificationType]
	if !known {
		typeName = fmt.Sprintf("SUBSCRIPTION_%d", sn.NotificationType)
	}

	var (
		action  NotificationAction
		refresh bool
	)
	switch sn.NotificationType {
	case models.SubscriptionRecovered, models.SubscriptionRenewed, models.SubscriptionPurchased, models.SubscriptionRestarted:
		action = NotificationRenewed
	case models.SubscriptionCanceled:
		action = NotificationCanceled
	case models.SubscriptionExpired, models.SubscriptionRevoked, models.SubscriptionOnHold,
		models.SubscriptionPaused, models.SubscriptionPendingPurchaseCancel:
		action = NotificationExpired
	case models.SubscriptionInGracePeriod, models.SubscriptionPriceChangeConfirmed,
		models.SubscriptionDeferred, models.SubscriptionPauseScheduleChanged:
		// Purchase details change but the entitlement does not
		refresh = true
	default:
		logging.Warnf("Unrecognized subscription notification ignored - type: %d", sn.NotificationType)
		r.metrics.RecordNotification(typeName, OutcomeIgnored)
		return &ReconcileOutcome{NotificationType: typeName, Status: OutcomeIgnored}, nil
	}

	req := VerificationRequest{
		Kind:          models.PurchaseKindSubscription,
		PackageName:   r.packageName,
		ProductID:     sn.SubscriptionID,
		PurchaseToken: sn.PurchaseToken,
	}
	return r.apply(ctx, req, typeName, action, refresh, sn.NotificationType == models.SubscriptionRevoked, eventTime)
}

func (r *WebhookReconciler) reconcileProduct(ctx context.Context, pn *models.OneTimeProductNotification, eventTime time.Time) (*ReconcileOutcome, error) {
	typeName, known := productNotificationNames[pn.NotificationType]
	if !known {
		logging.Warnf("Unrecognized one-time product notification ignored - type: %d", pn.NotificationType)
		typeName = fmt.Sprintf("ONE_TIME_PRODUCT_%d", pn.NotificationType)
		r.metrics.RecordNotification(typeName, OutcomeIgnored)
		return &ReconcileOutcome{NotificationType: typeName, Status: OutcomeIgnored}, nil
	}

	action := NotificationRenewed
	if pn.NotificationType == models.OneTimeProductCanceled {
		action = NotificationExpired
	}

	req := VerificationRequest{
		Kind:          models.PurchaseKindProduct,
		PackageName:   r.packageName,
		ProductID:     pn.Sku,
		PurchaseToken: pn.PurchaseToken,
	}
	return r.apply(ctx, req, typeName, action, false, pn.NotificationType == models.OneTimeProductCanceled, eventTime)
}

func (r *WebhookReconciler) apply(
	ctx context.Context,
	req VerificationRequest,
	typeName string,
	action NotificationAction,
	refreshOnly bool,
	revoked bool,
	eventTime time.Time,
) (*ReconcileOutcome, error) {
	outcome := &ReconcileOutcome{NotificationType: typeName}

	if req.PurchaseToken == "" {
		logging.Warnf("Notification without purchase token ignored - type: %s", typeName)
		outcome.Status = OutcomeIgnored
		r.metrics.RecordNotification(typeName, outcome.Status)
		return outcome, nil
	}

	purchase, err := r.purchases.FindByToken(ctx, req.PurchaseToken)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logging.Infof("Notification for unknown purchase acknowledged - type: %s, token: %s", typeName, maskToken(req.PurchaseToken))
			outcome.Status = OutcomeUnknownPurchase
			r.metrics.RecordNotification(typeName, outcome.Status)
			return outcome, nil
		}
		return nil, storageError(err)
	}
	outcome.UserID = purchase.UserID

	if req.PackageName == "" {
		req.PackageName = purchase.PackageName
	}
	if req.ProductID == "" {
		req.ProductID = purchase.ProductID
	}

	result, err := r.verifier.VerifyFresh(ctx, req)
	if err != nil {
		r.metrics.RecordNotification(typeName, "verification_unavailable")
		return nil, err
	}

	if err := r.purchases.UpdateByToken(ctx, req.PurchaseToken, r.purchaseUpdates(result, revoked, eventTime)); err != nil {
		return nil, storageError(err)
	}

	if refreshOnly {
		outcome.Status = OutcomeRefreshed
		r.metrics.RecordNotification(typeName, outcome.Status)
		return outcome, nil
	}

	from, to, err := r.entitlements.ApplyNotification(ctx, purchase.UserID, action, result, eventTime, typeName)
	if err != nil {
		return nil, err
	}

	outcome.Status = OutcomeApplied
	outcome.FromState = from
	outcome.ToState = to
	r.metrics.RecordNotification(typeName, outcome.Status)
	logging.Infof("Notification reconciled - type: %s, user: %s, %s -> %s", typeName, purchase.UserID, from, to)
	return outcome, nil
}

func (r *WebhookReconciler) purchaseUpdates(result *VerificationResult, revoked bool, eventTime time.Time) map[string]interface{} {
	updates := map[string]interface{}{
		"active":              result.Active,
		"auto_renewing":       result.AutoRenewing,
		"purchase_state":      result.PurchaseState,
		"consumption_state":   result.ConsumptionState,
		"verified_at":         result.VerifiedAt.UTC(),
		"verification_method": models.VerificationMethodRemote,
	}
	if result.Acknowledged {
		updates["acknowledged"] = true
	}
	if result.OrderID != "" {
		updates["order_id"] = result.OrderID
	}
	if !result.ExpiryTime.IsZero() {
		updates["expiry_time"] = result.ExpiryTime.UTC()
	}
	if len(result.Raw) > 0 {
		updates["raw_response"] = datatypes.JSON(result.Raw)
	}
	if revoked {
		updates["revoked_at"] = eventTime.UTC()
	}
	return updates
}

func (r *WebhookReconciler) eventTime(millis string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(millis), 10, 64)
	if err != nil || ms <= 0 {
		return r.now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "***"
}
