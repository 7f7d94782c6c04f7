package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"golang.org/x/sync/singleflight"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
)

const defaultBillingTimeout = 5 * time.Second

// Google Play purchase field values
const (
	paymentStatePending   = 0
	paymentStateReceived  = 1
	paymentStateFreeTrial = 2

	productPurchaseStatePurchased = 0

	acknowledgementStateAcknowledged = 1
)

// VerificationRequest identifies one purchase on the billing platform
type VerificationRequest struct {
	Kind          string // models.PurchaseKindSubscription or models.PurchaseKindProduct
	PackageName   string
	ProductID     string // subscription ID for subscriptions
	PurchaseToken string
}

func (r VerificationRequest) cacheKey() string {
	return CacheKey(r.PackageName, r.ProductID, r.PurchaseToken)
}

// VerificationResult is the authoritative state of a purchase as reported by the platform
type VerificationResult struct {
	Kind          string `json:"kind"`
	PackageName   string `json:"package_name"`
	ProductID     string `json:"product_id"`
	PurchaseToken string `json:"purchase_token"`
	OrderID       string `json:"order_id"`

	// Active: subscription entitles now, or one-time product is purchased
	Active bool `json:"active"`
	// Invalid: the platform does not recognise the token at all
	Invalid bool `json:"invalid"`

	StartTime        time.Time  `json:"start_time"`
	ExpiryTime       time.Time  `json:"expiry_time"`
	CanceledAt       *time.Time `json:"canceled_at,omitempty"`
	AutoRenewing     bool       `json:"auto_renewing"`
	PaymentReceived  bool       `json:"payment_received"`
	PurchaseState    int64      `json:"purchase_state"`
	ConsumptionState int64      `json:"consumption_state"`
	Acknowledged     bool       `json:"acknowledged"`

	VerifiedAt time.Time       `json:"verified_at"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// ExpiryTimeMillis returns the expiry as epoch milliseconds, 0 when there is none
func (r *VerificationResult) ExpiryTimeMillis() int64 {
	if r.ExpiryTime.IsZero() {
		return 0
	}
	return r.ExpiryTime.UnixMilli()
}

// PurchaseVerifierOptions configures a PurchaseVerifier
type PurchaseVerifierOptions struct {
	PackageName       string
	OneTimeProductIDs []string
	Timeout           time.Duration
}

// PurchaseVerifier verifies purchases against Google Play (authoritative) and
// against the app's signing key (offline, defense in depth). It also issues the
// acknowledgements the platform requires.
type PurchaseVerifier struct {
	client          BillingClient
	cache           VerificationCache
	signature       *SignatureVerifier
	packageName     string
	oneTimeProducts map[string]bool
	timeout         time.Duration
	group           singleflight.Group
	metrics         *metrics.EntitlementMetrics
	now             func() time.Time
}

// NewPurchaseVerifier creates the process-wide verifier. signature may be nil
// when no Play public key is configured.
func NewPurchaseVerifier(client BillingClient, cache VerificationCache, signature *SignatureVerifier, opts PurchaseVerifierOptions) *PurchaseVerifier {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultBillingTimeout
	}
	oneTime := make(map[string]bool, len(opts.OneTimeProductIDs))
	for _, id := range opts.OneTimeProductIDs {
		oneTime[id] = true
	}

	return &PurchaseVerifier{
		client:          client,
		cache:           cache,
		signature:       signature,
		packageName:     opts.PackageName,
		oneTimeProducts: oneTime,
		timeout:         opts.Timeout,
		metrics:         metrics.Get(),
		now:             time.Now,
	}
}

// Request builds the verification request for a client-supplied product and token
func (v *PurchaseVerifier) Request(productID, purchaseToken string) VerificationRequest {
	kind := models.PurchaseKindSubscription
	if v.oneTimeProducts[productID] {
		kind = models.PurchaseKindProduct
	}
	return VerificationRequest{
		Kind:          kind,
		PackageName:   v.packageName,
		ProductID:     productID,
		PurchaseToken: purchaseToken,
	}
}

// VerifySignature runs the local signature check only
func (v *PurchaseVerifier) VerifySignature(signedData, signature string) (*SignedPurchase, error) {
	if v.signature == nil {
		v.metrics.RecordVerification(models.VerificationMethodSignature, "unconfigured")
		return nil, fmt.Errorf("%w: no platform public key configured", ErrSignatureInvalid)
	}

	purchase, err := v.signature.VerifyPurchase(signedData, signature)
	if err != nil {
		v.metrics.RecordVerification(models.VerificationMethodSignature, ErrorCode(err))
		return nil, err
	}

	v.metrics.RecordVerification(models.VerificationMethodSignature, "valid")
	return purchase, nil
}

// Verify returns the purchase state, served from the cache when a recent
// active result exists.
func (v *PurchaseVerifier) Verify(ctx context.Context, req VerificationRequest) (*VerificationResult, error) {
	if cached, ok := v.cache.Get(ctx, req.cacheKey()); ok {
		v.metrics.RecordCacheLookup(true)
		return cached, nil
	}
	v.metrics.RecordCacheLookup(false)

	return v.VerifyFresh(ctx, req)
}

// VerifyFresh always queries the platform. A non-active answer evicts any cached
// active result for the same key.
func (v *PurchaseVerifier) VerifyFresh(ctx context.Context, req VerificationRequest) (*VerificationResult, error) {
	key := req.cacheKey()

	// Collapsed callers share one fetch, so it must not die with the caller that
	// happened to start it. query and Acknowledge bound it with the billing timeout.
	shared := context.WithoutCancel(ctx)
	value, err, _ := v.group.Do(key, func() (interface{}, error) {
		return v.fetchRemote(shared, req)
	})
	if err != nil {
		v.metrics.RecordVerification(models.VerificationMethodRemote, "unavailable")
		return nil, err
	}

	result := *value.(*VerificationResult)
	if result.Active {
		v.metrics.RecordVerification(models.VerificationMethodRemote, "active")
	} else {
		v.metrics.RecordVerification(models.VerificationMethodRemote, "inactive")
	}
	return &result, nil
}

// Acknowledge confirms a purchase with the platform
func (v *PurchaseVerifier) Acknowledge(ctx context.Context, req VerificationRequest) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	var err error
	if req.Kind == models.PurchaseKindProduct {
		err = v.client.AcknowledgeProduct(ctx, req.PackageName, req.ProductID, req.PurchaseToken)
	} else {
		err = v.client.AcknowledgeSubscription(ctx, req.PackageName, req.ProductID, req.PurchaseToken)
	}

	if err != nil {
		v.metrics.RecordAcknowledgement("failed")
		return fmt.Errorf("%w: acknowledge: %v", ErrRemoteUnavailable, err)
	}
	v.metrics.RecordAcknowledgement("acknowledged")
	return nil
}

func (v *PurchaseVerifier) fetchRemote(ctx context.Context, req VerificationRequest) (*VerificationResult, error) {
	result, err := v.query(ctx, req)
	if err != nil {
		return nil, err
	}

	if result.Active && !result.Acknowledged {
		if err := v.Acknowledge(ctx, req); err != nil {
			// The purchase stays recorded as unacknowledged and the sweeper retries it
			logging.Errorf("Failed to acknowledge purchase - product: %s, order: %s, error: %v",
				req.ProductID, result.OrderID, err)
		} else {
			result.Acknowledged = true
		}
	}

	key := req.cacheKey()
	switch {
	case !result.Active:
		v.cache.Delete(ctx, key)
	case result.Acknowledged:
		v.cache.Set(ctx, key, result)
	}

	return result, nil
}

func (v *PurchaseVerifier) query(ctx context.Context, req VerificationRequest) (*VerificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	now := v.now()

	if req.Kind == models.PurchaseKindProduct {
		product, err := v.client.GetProduct(ctx, req.PackageName, req.ProductID, req.PurchaseToken)
		if err != nil {
			return classifyRemoteError(req, now, err)
		}
		return productResult(req, product, now), nil
	}

	subscription, err := v.client.GetSubscription(ctx, req.PackageName, req.ProductID, req.PurchaseToken)
	if err != nil {
		return classifyRemoteError(req, now, err)
	}
	return subscriptionResult(req, subscription, now), nil
}

// classifyRemoteError separates "the platform says this token is not valid"
// (a definite, non-entitled answer) from transport failures, which fail closed
// as retryable errors.
func classifyRemoteError(req VerificationRequest, now time.Time, err error) (*VerificationResult, error) {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
			return &VerificationResult{
				Kind:          req.Kind,
				PackageName:   req.PackageName,
				ProductID:     req.ProductID,
				PurchaseToken: req.PurchaseToken,
				Invalid:       true,
				VerifiedAt:    now,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
}

// subscriptionResult applies the entitlement rule: payment received, not yet
// expired, and either not canceled or still auto-renewing.
func subscriptionResult(req VerificationRequest, s *androidpublisher.SubscriptionPurchase, now time.Time) *VerificationResult {
	paymentReceived := s.PaymentState != nil &&
		(*s.PaymentState == paymentStateReceived || *s.PaymentState == paymentStateFreeTrial)
	expiry := time.UnixMilli(s.ExpiryTimeMillis)

	var canceledAt *time.Time
	if s.UserCancellationTimeMillis > 0 {
		t := time.UnixMilli(s.UserCancellationTimeMillis)
		canceledAt = &t
	}
	// cancelReason 0 (user) is indistinguishable from "absent"; the user case is
	// carried by userCancellationTimeMillis instead
	canceled := canceledAt != nil || s.CancelReason > 0

	result := &VerificationResult{
		Kind:            models.PurchaseKindSubscription,
		PackageName:     req.PackageName,
		ProductID:       req.ProductID,
		PurchaseToken:   req.PurchaseToken,
		OrderID:         s.OrderId,
		Active:          paymentReceived && now.Before(expiry) && (!canceled || s.AutoRenewing),
		StartTime:       time.UnixMilli(s.StartTimeMillis),
		ExpiryTime:      expiry,
		CanceledAt:      canceledAt,
		AutoRenewing:    s.AutoRenewing,
		PaymentReceived: paymentReceived,
		Acknowledged:    s.AcknowledgementState == acknowledgementStateAcknowledged,
		VerifiedAt:      now,
	}
	if s.PaymentState != nil {
		result.PurchaseState = *s.PaymentState
	} else {
		result.PurchaseState = paymentStatePending
	}
	if raw, err := json.Marshal(s); err == nil {
		result.Raw = raw
	}
	return result
}

func productResult(req VerificationRequest, p *androidpublisher.ProductPurchase, now time.Time) *VerificationResult {
	result := &VerificationResult{
		Kind:             models.PurchaseKindProduct,
		PackageName:      req.PackageName,
		ProductID:        req.ProductID,
		PurchaseToken:    req.PurchaseToken,
		OrderID:          p.OrderId,
		Active:           p.PurchaseState == productPurchaseStatePurchased,
		StartTime:        time.UnixMilli(p.PurchaseTimeMillis),
		PaymentReceived:  p.PurchaseState == productPurchaseStatePurchased,
		PurchaseState:    p.PurchaseState,
		ConsumptionState: p.ConsumptionState,
		Acknowledged:     p.AcknowledgementState == acknowledgementStateAcknowledged,
		VerifiedAt:       now,
	}
	if raw, err := json.Marshal(p); err == nil {
		result.Raw = raw
	}
	return result
}
