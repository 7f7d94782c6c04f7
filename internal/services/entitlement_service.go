package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"gorm.io/datatypes"
)

// Derived entitlement states
const (
	StateFree         = "free"
	StateTrialActive  = "trial_active"
	StateTrialExpired = "trial_expired"
	StateProActive    = "pro_active"
	StateProCancelled = "pro_cancelled"
	StateProExpired   = "pro_expired"
)

// Transition sources recorded on EntitlementEvent
const (
	SourceTrial      = "trial"
	SourceConversion = "conversion"
	SourcePurchase   = "purchase"
	SourceCancel     = "cancel"
	SourceWebhook    = "webhook"
)

const (
	defaultTrialDuration = 7 * 24 * time.Hour
	defaultBillingPeriod = 30 * 24 * time.Hour
)

// EntitlementStatus is the snapshot returned to clients
type EntitlementStatus struct {
	UserID             string     `json:"user_id"`
	Plan               string     `json:"plan"`
	State              string     `json:"state"`
	TrialActive        bool       `json:"trial_active"`
	Active             bool       `json:"active"`
	DaysSinceStart     int        `json:"days_since_start"`
	ExpiresIn          int        `json:"expires_in"` // whole days, rounded up
	TrialEndsAt        *time.Time `json:"trial_ends_at"`
	SubscriptionEndsAt *time.Time `json:"subscription_ends_at"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	AutoConvertToPro   bool       `json:"auto_convert_to_pro"`
	TrialUsed          bool       `json:"trial_used"`
}

// VerifyPurchaseInput is a client purchase submission. SignedData and Signature
// are optional; when present they are checked before the remote call.
type VerifyPurchaseInput struct {
	ProductID     string
	PurchaseToken string
	SignedData    string
	Signature     string
}

// PurchaseVerification is the VerifyPurchase response
type PurchaseVerification struct {
	Active           bool               `json:"active"`
	ExpiryTimeMillis int64              `json:"expiryTimeMillis"`
	OrderID          string             `json:"orderId"`
	Status           *EntitlementStatus `json:"status,omitempty"`
}

// EntitlementOptions configures plan durations
type EntitlementOptions struct {
	TrialDuration     time.Duration
	BillingPeriod     time.Duration
	AutoConvertTrials bool
}

// EntitlementService owns the per-user subscription record and its plan transitions.
type EntitlementService struct {
	subscriptions *database.SubscriptionStore
	purchases     *database.PurchaseStore
	events        *database.EventStore
	verifier      *PurchaseVerifier
	notifier      *WebhookNotifier
	trialDuration time.Duration
	billingPeriod time.Duration
	autoConvert   bool
	metrics       *metrics.EntitlementMetrics
	now           func() time.Time
}

// NewEntitlementService creates the entitlement service. notifier may be nil.
func NewEntitlementService(
	subscriptions *database.SubscriptionStore,
	purchases *database.PurchaseStore,
	events *database.EventStore,
	verifier *PurchaseVerifier,
	notifier *WebhookNotifier,
	opts EntitlementOptions,
) *EntitlementService {
	if opts.TrialDuration <= 0 {
		opts.TrialDuration = defaultTrialDuration
	}
	if opts.BillingPeriod <= 0 {
		opts.BillingPeriod = defaultBillingPeriod
	}
	return &EntitlementService{
		subscriptions: subscriptions,
		purchases:     purchases,
		events:        events,
		verifier:      verifier,
		notifier:      notifier,
		trialDuration: opts.TrialDuration,
		billingPeriod: opts.BillingPeriod,
		autoConvert:   opts.AutoConvertTrials,
		metrics:       metrics.Get(),
		now:           time.Now,
	}
}

// DeriveState computes the entitlement state of a record at the given instant
func DeriveState(record *models.SubscriptionRecord, now time.Time) string {
	switch record.Plan {
	case models.PlanTrial:
		if record.IsActive && record.TrialEndsAt != nil && now.Before(*record.TrialEndsAt) {
			return StateTrialActive
		}
		return StateTrialExpired
	case models.PlanPro:
		if !record.IsActive {
			return StateProExpired
		}
		if record.CanceledAt != nil {
			// Cancelled subscriptions stay usable until the paid period ends
			if record.NextBillingAt != nil && now.Before(*record.NextBillingAt) {
				return StateProCancelled
			}
			return StateProExpired
		}
		return StateProActive
	default:
		return StateFree
	}
}

// IsEntitledState reports whether a state grants premium functionality
func IsEntitledState(state string) bool {
	return state == StateTrialActive || state == StateProActive || state == StateProCancelled
}

// GetStatus is the core read path: load or create the record, convert an
// elapsed auto-converting trial, then compute the snapshot.
func (s *EntitlementService) GetStatus(ctx context.Context, userID string) (*EntitlementStatus, error) {
	record, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.buildStatus(record, s.now()), nil
}

// StartTrial moves a free user into the trial plan. Each user gets one trial, ever.
func (s *EntitlementService) StartTrial(ctx context.Context, userID string) (*EntitlementStatus, error) {
	record, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if record.TrialStartedAt != nil {
		return nil, ErrDuplicateTrial
	}
	if record.Plan != models.PlanFree {
		return nil, fmt.Errorf("%w: cannot start a trial from %s", ErrInvalidTransition, DeriveState(record, s.now()))
	}

	startedAt := s.now().UTC()
	endsAt := startedAt.Add(s.trialDuration)

	started, err := s.subscriptions.StartTrial(ctx, userID, startedAt, endsAt, s.autoConvert)
	if err != nil {
		return nil, storageError(err)
	}
	if !started {
		// Lost a race with another request for the same user
		current, err := s.subscriptions.Get(ctx, userID)
		if err != nil {
			return nil, storageError(err)
		}
		if current.TrialStartedAt != nil {
			return nil, ErrDuplicateTrial
		}
		return nil, ErrInvalidTransition
	}

	logging.Infof("Trial started - user: %s, ends_at: %s", userID, endsAt.Format(time.RFC3339))
	s.recordTransition(ctx, userID, StateFree, StateTrialActive, SourceTrial, "", "")

	return s.GetStatus(ctx, userID)
}

// Cancel ends a trial immediately, or marks a pro subscription cancelled while
// leaving it usable until the stored expiry.
func (s *EntitlementService) Cancel(ctx context.Context, userID string) (*EntitlementStatus, error) {
	// A conversion can slip in between the read and the conditional write; the
	// second attempt sees the converted plan.
	for attempt := 0; attempt < 2; attempt++ {
		record, err := s.load(ctx, userID)
		if err != nil {
			return nil, err
		}

		now := s.now().UTC()
		from := DeriveState(record, now)

		var (
			expectedPlan string
			updates      map[string]interface{}
		)
		switch from {
		case StateTrialActive, StateTrialExpired:
			expectedPlan = models.PlanTrial
			updates = map[string]interface{}{
				"plan":                models.PlanFree,
				"is_active":           false,
				"canceled_at":         now,
				"auto_convert_to_pro": false,
			}
		case StateProActive:
			expectedPlan = models.PlanPro
			updates = map[string]interface{}{
				"canceled_at":         now,
				"auto_convert_to_pro": false,
			}
		case StateProCancelled:
			return s.buildStatus(record, now), nil
		default:
			return nil, fmt.Errorf("%w: nothing to cancel in state %s", ErrInvalidTransition, from)
		}

		applied, err := s.subscriptions.UpdateIfPlan(ctx, userID, expectedPlan, updates)
		if err != nil {
			return nil, storageError(err)
		}
		if !applied {
			continue
		}

		updated, err := s.subscriptions.Get(ctx, userID)
		if err != nil {
			return nil, storageError(err)
		}
		to := DeriveState(updated, now)
		logging.Infof("Subscription cancelled - user: %s, from: %s, to: %s", userID, from, to)
		s.recordTransition(ctx, userID, from, to, SourceCancel, updated.PurchaseToken, "")
		return s.buildStatus(updated, now), nil
	}

	return nil, fmt.Errorf("%w: concurrent plan change, retry", ErrInvalidTransition)
}

// VerifyPurchase verifies a client purchase against the platform, records it,
// and grants pro when the platform reports it active.
func (s *EntitlementService) VerifyPurchase(ctx context.Context, userID string, in VerifyPurchaseInput) (*PurchaseVerification, error) {
	var signed *SignedPurchase
	if in.SignedData != "" || in.Signature != "" {
		var err error
		signed, err = s.verifier.VerifySignature(in.SignedData, in.Signature)
		if err != nil {
			logging.Errorf("Rejected signed purchase - user: %s, product: %s, error: %v", userID, in.ProductID, err)
			return nil, err
		}
		if signed.PurchaseToken != in.PurchaseToken || (signed.ProductID != "" && signed.ProductID != in.ProductID) {
			return nil, fmt.Errorf("%w: signed payload does not match the submitted purchase", ErrSignatureInvalid)
		}
	}

	req := s.verifier.Request(in.ProductID, in.PurchaseToken)
	result, err := s.verifier.Verify(ctx, req)
	if err != nil {
		if signed != nil {
			s.recordSignedPurchase(ctx, userID, req, signed)
		}
		logging.Errorf("Remote verification failed - user: %s, product: %s, error: %v", userID, in.ProductID, err)
		return nil, err
	}

	stored, err := s.purchases.Upsert(ctx, purchaseFromResult(userID, result))
	if err != nil {
		return nil, storageError(err)
	}
	if stored.UserID != userID {
		logging.Errorf("Purchase token owner mismatch - order: %s, owner: %s, requester: %s", stored.OrderID, stored.UserID, userID)
		return nil, ErrPurchaseOwnership
	}

	if err := s.applyPurchase(ctx, userID, result); err != nil {
		return nil, err
	}

	status, err := s.GetStatus(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &PurchaseVerification{
		Active:           result.Active,
		ExpiryTimeMillis: result.ExpiryTimeMillis(),
		OrderID:          result.OrderID,
		Status:           status,
	}, nil
}

// applyPurchase writes the absolute state a verification implies
func (s *EntitlementService) applyPurchase(ctx context.Context, userID string, result *VerificationResult) error {
	record, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	from := DeriveState(record, now)

	var updates map[string]interface{}
	switch {
	case result.Active:
		updates = activePurchaseUpdates(result)
	case record.PurchaseToken == result.PurchaseToken && record.Plan == models.PlanPro:
		// The user's own purchase is no longer valid; the fresh answer wins
		updates = map[string]interface{}{"is_active": false}
	default:
		return nil
	}

	if err := s.subscriptions.Update(ctx, userID, updates); err != nil {
		return storageError(err)
	}

	updated, err := s.subscriptions.Get(ctx, userID)
	if err != nil {
		return storageError(err)
	}
	s.recordTransition(ctx, userID, from, DeriveState(updated, now), SourcePurchase, result.PurchaseToken, "")
	return nil
}

func activePurchaseUpdates(result *VerificationResult) map[string]interface{} {
	updates := map[string]interface{}{
		"plan":                    models.PlanPro,
		"is_active":               true,
		"subscription_started_at": result.StartTime.UTC(),
		"last_payment_at":         result.StartTime.UTC(),
		"auto_convert_to_pro":     false,
		"purchase_token":          result.PurchaseToken,
		"product_id":              result.ProductID,
		"canceled_at":             nil,
		"next_billing_at":         nil,
	}
	if !result.ExpiryTime.IsZero() {
		updates["next_billing_at"] = result.ExpiryTime.UTC()
	}
	if result.CanceledAt != nil && !result.AutoRenewing {
		updates["canceled_at"] = result.CanceledAt.UTC()
	}
	return updates
}

// recordSignedPurchase keeps a signature-verified purchase on file while the
// platform is unreachable. It never grants entitlement on its own and never
// overwrites a purchase that is already recorded.
func (s *EntitlementService) recordSignedPurchase(ctx context.Context, userID string, req VerificationRequest, signed *SignedPurchase) {
	purchaseTime := time.UnixMilli(signed.PurchaseTime).UTC()
	purchase := &models.PurchaseRecord{
		PurchaseToken:      signed.PurchaseToken,
		UserID:             userID,
		Kind:               req.Kind,
		ProductID:          req.ProductID,
		PackageName:        signed.PackageName,
		OrderID:            signed.OrderID,
		PurchaseTime:       &purchaseTime,
		PurchaseState:      signed.PurchaseState,
		AutoRenewing:       signed.AutoRenewing,
		Acknowledged:       signed.Acknowledged,
		VerifiedAt:         s.now().UTC(),
		VerificationMethod: models.VerificationMethodSignature,
	}
	if req.Kind == models.PurchaseKindSubscription {
		purchase.SubscriptionID = req.ProductID
	}

	inserted, err := s.purchases.InsertIfAbsent(ctx, purchase)
	if err != nil {
		logging.Errorf("Failed to record signature-verified purchase - user: %s, order: %s, error: %v", userID, signed.OrderID, err)
		return
	}
	if !inserted {
		logging.Debugf("Signature-verified purchase already on file - order: %s", signed.OrderID)
	}
}

// load returns the user's record after converting an elapsed auto-converting trial
func (s *EntitlementService) load(ctx context.Context, userID string) (*models.SubscriptionRecord, error) {
	record, err := s.subscriptions.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, storageError(err)
	}

	now := s.now()
	if !s.trialConversionDue(record, now) {
		return record, nil
	}

	endsAt := record.TrialEndsAt.UTC()
	converted, err := s.subscriptions.ConvertTrial(ctx, userID, endsAt, endsAt.Add(s.billingPeriod))
	if err != nil {
		return nil, storageError(err)
	}

	record, err = s.subscriptions.Get(ctx, userID)
	if err != nil {
		return nil, storageError(err)
	}
	if converted {
		logging.Infof("Trial converted to pro - user: %s, trial_ended_at: %s", userID, endsAt.Format(time.RFC3339))
		s.recordTransition(ctx, userID, StateTrialExpired, DeriveState(record, now), SourceConversion, "", "")
	}
	return record, nil
}

func (s *EntitlementService) trialConversionDue(record *models.SubscriptionRecord, now time.Time) bool {
	return record.Plan == models.PlanTrial &&
		record.IsActive &&
		record.AutoConvertToPro &&
		record.TrialEndsAt != nil &&
		!now.Before(*record.TrialEndsAt)
}

func (s *EntitlementService) buildStatus(record *models.SubscriptionRecord, now time.Time) *EntitlementStatus {
	state := DeriveState(record, now)
	status := &EntitlementStatus{
		UserID:           record.UserID,
		Plan:             record.Plan,
		State:            state,
		TrialActive:      state == StateTrialActive,
		Active:           IsEntitledState(state),
		TrialEndsAt:      record.TrialEndsAt,
		CanceledAt:       record.CanceledAt,
		AutoConvertToPro: record.AutoConvertToPro,
		TrialUsed:        record.TrialStartedAt != nil,
	}

	switch record.Plan {
	case models.PlanTrial:
		status.DaysSinceStart = daysSince(record.TrialStartedAt, now)
		status.ExpiresIn = daysUntil(record.TrialEndsAt, now)
	case models.PlanPro:
		status.SubscriptionEndsAt = record.NextBillingAt
		status.DaysSinceStart = daysSince(record.SubscriptionStartedAt, now)
		status.ExpiresIn = daysUntil(record.NextBillingAt, now)
	}
	return status
}

// recordTransition appends an event and notifies the app backend, but only
// when the derived state actually changed.
func (s *EntitlementService) recordTransition(ctx context.Context, userID, from, to, source, purchaseToken, notificationType string) {
	if from == to {
		return
	}

	event := &models.EntitlementEvent{
		UserID:           userID,
		FromState:        from,
		ToState:          to,
		Source:           source,
		PurchaseToken:    purchaseToken,
		NotificationType: notificationType,
	}
	if err := s.events.Append(ctx, event); err != nil {
		logging.Errorf("Failed to record entitlement event - user: %s, %s -> %s, error: %v", userID, from, to, err)
	}
	s.metrics.RecordTransition(source, to)

	if s.notifier != nil {
		go s.notifier.NotifyEntitlementChange(EntitlementChange{
			UserID:        userID,
			FromState:     from,
			ToState:       to,
			Active:        IsEntitledState(to),
			Source:        source,
			PurchaseToken: purchaseToken,
			OccurredAt:    s.now().UTC(),
		})
	}
}

func daysSince(start *time.Time, now time.Time) int {
	if start == nil || now.Before(*start) {
		return 0
	}
	return int(now.Sub(*start) / (24 * time.Hour))
}

func daysUntil(end *time.Time, now time.Time) int {
	if end == nil || !now.Before(*end) {
		return 0
	}
	return int(math.Ceil(end.Sub(now).Hours() / 24))
}

func purchaseFromResult(userID string, result *VerificationResult) *models.PurchaseRecord {
	purchase := &models.PurchaseRecord{
		PurchaseToken:      result.PurchaseToken,
		UserID:             userID,
		Kind:               result.Kind,
		ProductID:          result.ProductID,
		PackageName:        result.PackageName,
		OrderID:            result.OrderID,
		PurchaseState:      result.PurchaseState,
		ConsumptionState:   result.ConsumptionState,
		AutoRenewing:       result.AutoRenewing,
		Acknowledged:       result.Acknowledged,
		Active:             result.Active,
		VerifiedAt:         result.VerifiedAt.UTC(),
		VerificationMethod: models.VerificationMethodRemote,
		RawResponse:        datatypes.JSON(result.Raw),
	}
	if result.Kind == models.PurchaseKindSubscription {
		purchase.SubscriptionID = result.ProductID
	}
	if !result.StartTime.IsZero() {
		t := result.StartTime.UTC()
		purchase.PurchaseTime = &t
	}
	if !result.ExpiryTime.IsZero() {
		t := result.ExpiryTime.UTC()
		purchase.ExpiryTime = &t
	}
	return purchase
}

// NotificationAction is the local effect a platform notification maps to
type NotificationAction int

const (
	// NotificationRenewed covers purchased, renewed, recovered and restarted
	NotificationRenewed NotificationAction = iota + 1
	NotificationCanceled
	// NotificationExpired covers expired, revoked, on hold and paused
	NotificationExpired
)

// ApplyNotification writes the absolute entitlement that a fresh verification
// implies for the owner of a purchase, and returns the states before and after.
// Replaying the same notification writes the same values.
func (s *EntitlementService) ApplyNotification(
	ctx context.Context,
	userID string,
	action NotificationAction,
	result *VerificationResult,
	eventTime time.Time,
	notificationType string,
) (string, string, error) {
	record, err := s.load(ctx, userID)
	if err != nil {
		return "", "", err
	}
	now := s.now().UTC()
	from := DeriveState(record, now)

	// Only the purchase currently backing the record may take entitlement away.
	// A replaced purchase, or one that never granted (pending payment during a
	// trial), leaves the plan alone.
	linked := record.PurchaseToken != "" && record.PurchaseToken == result.PurchaseToken

	var updates map[string]interface{}
	switch {
	case result.Active && (action == NotificationRenewed || action == NotificationExpired):
		// Expired arriving after a renewal is a reordered delivery; the fresh answer wins
		updates = activePurchaseUpdates(result)
		if action == NotificationRenewed {
			updates["last_payment_at"] = eventTime.UTC()
		}
	case !linked:
		logging.Infof("Notification for unlinked purchase left plan unchanged - user: %s, type: %s", userID, notificationType)
		return from, from, nil
	case action == NotificationCanceled:
		canceledAt := eventTime.UTC()
		if result.CanceledAt != nil {
			canceledAt = result.CanceledAt.UTC()
		}
		updates = map[string]interface{}{
			"plan":                models.PlanPro,
			"is_active":           result.Active,
			"canceled_at":         canceledAt,
			"auto_convert_to_pro": false,
			"purchase_token":      result.PurchaseToken,
			"product_id":          result.ProductID,
		}
		if !result.ExpiryTime.IsZero() {
			updates["next_billing_at"] = result.ExpiryTime.UTC()
		}
	default:
		updates = map[string]interface{}{
			"plan":                models.PlanPro,
			"is_active":           false,
			"auto_convert_to_pro": false,
			"purchase_token":      result.PurchaseToken,
			"product_id":          result.ProductID,
		}
		if !result.ExpiryTime.IsZero() {
			updates["next_billing_at"] = result.ExpiryTime.UTC()
		}
	}

	if err := s.subscriptions.Update(ctx, userID, updates); err != nil {
		return "", "", storageError(err)
	}

	updated, err := s.subscriptions.Get(ctx, userID)
	if err != nil {
		return "", "", storageError(err)
	}
	to := DeriveState(updated, now)
	s.recordTransition(ctx, userID, from, to, SourceWebhook, result.PurchaseToken, notificationType)
	return from, to, nil
}
