package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"entitlement-api/internal/database"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testPackage = "com.example.app"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeBilling is an in-memory stand-in for the Play Developer API keyed by purchase token
type fakeBilling struct {
	mu            sync.Mutex
	subscriptions map[string]*androidpublisher.SubscriptionPurchase
	products      map[string]*androidpublisher.ProductPurchase
	getErr        error
	ackErr        error
	ackFailTokens map[string]bool
	getCalls      int
	ackCalls      int
}

func newFakeBilling() *fakeBilling {
	return &fakeBilling{
		subscriptions: make(map[string]*androidpublisher.SubscriptionPurchase),
		products:      make(map[string]*androidpublisher.ProductPurchase),
		ackFailTokens: make(map[string]bool),
	}
}

func (f *fakeBilling) GetSubscription(ctx context.Context, _, _, token string) (*androidpublisher.SubscriptionPurchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	sub, ok := f.subscriptions[token]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "purchase token not found"}
	}
	copied := *sub
	return &copied, nil
}

func (f *fakeBilling) GetProduct(ctx context.Context, _, _, token string) (*androidpublisher.ProductPurchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	product, ok := f.products[token]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "purchase token not found"}
	}
	copied := *product
	return &copied, nil
}

func (f *fakeBilling) AcknowledgeSubscription(_ context.Context, _, _, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ackCalls++
	if f.ackErr != nil {
		return f.ackErr
	}
	if f.ackFailTokens[token] {
		return &googleapi.Error{Code: http.StatusBadRequest, Message: "purchase is not acknowledgeable"}
	}
	if sub, ok := f.subscriptions[token]; ok {
		sub.AcknowledgementState = acknowledgementStateAcknowledged
	}
	return nil
}

func (f *fakeBilling) AcknowledgeProduct(_ context.Context, _, _, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ackCalls++
	if f.ackErr != nil {
		return f.ackErr
	}
	if product, ok := f.products[token]; ok {
		product.AcknowledgementState = acknowledgementStateAcknowledged
	}
	return nil
}

func (f *fakeBilling) putSubscription(token string, sub *androidpublisher.SubscriptionPurchase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[token] = sub
}

func (f *fakeBilling) putProduct(token string, product *androidpublisher.ProductPurchase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[token] = product
}

// failAck makes every acknowledgement of token fail
func (f *fakeBilling) failAck(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackFailTokens[token] = true
}

func (f *fakeBilling) setGetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = err
}

func (f *fakeBilling) setAckErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackErr = err
}

func (f *fakeBilling) calls() (gets, acks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls, f.ackCalls
}

var errNetwork = errors.New("dial tcp: i/o timeout")

// activeSubscription is a paid, auto-renewing, unacknowledged subscription expiring in validFor
func activeSubscription(now time.Time, validFor time.Duration) *androidpublisher.SubscriptionPurchase {
	return &androidpublisher.SubscriptionPurchase{
		OrderId:          "GPA.3345-1122-0001",
		PaymentState:     googleapi.Int64(paymentStateReceived),
		StartTimeMillis:  now.Add(-time.Hour).UnixMilli(),
		ExpiryTimeMillis: now.Add(validFor).UnixMilli(),
		AutoRenewing:     true,
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Every connection to ":memory:" is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

type testEnv struct {
	db            *gorm.DB
	clock         *testClock
	billing       *fakeBilling
	cache         *MemoryVerificationCache
	verifier      *PurchaseVerifier
	subscriptions *database.SubscriptionStore
	purchases     *database.PurchaseStore
	events        *database.EventStore
	quotaStore    *database.QuotaStore
	entitlements  *EntitlementService
	quotas        *QuotaService
	reconciler    *WebhookReconciler
}

type envOption func(*EntitlementOptions)

func withoutAutoConvert() envOption {
	return func(o *EntitlementOptions) { o.AutoConvertTrials = false }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	env := &testEnv{
		db:      newTestDB(t),
		clock:   newTestClock(),
		billing: newFakeBilling(),
	}

	env.cache = NewMemoryVerificationCache(5*time.Minute, 1000)
	env.cache.now = env.clock.Now

	env.verifier = NewPurchaseVerifier(env.billing, env.cache, nil, PurchaseVerifierOptions{
		PackageName:       testPackage,
		OneTimeProductIDs: []string{"lifetime_pro"},
		Timeout:           time.Second,
	})
	env.verifier.now = env.clock.Now

	env.subscriptions = database.NewSubscriptionStore(env.db)
	env.purchases = database.NewPurchaseStore(env.db)
	env.events = database.NewEventStore(env.db)
	env.quotaStore = database.NewQuotaStore(env.db)

	entitlementOpts := EntitlementOptions{
		TrialDuration:     7 * 24 * time.Hour,
		BillingPeriod:     30 * 24 * time.Hour,
		AutoConvertTrials: true,
	}
	for _, opt := range opts {
		opt(&entitlementOpts)
	}
	env.entitlements = NewEntitlementService(env.subscriptions, env.purchases, env.events, env.verifier, nil, entitlementOpts)
	env.entitlements.now = env.clock.Now

	env.quotas = NewQuotaService(env.quotaStore, env.entitlements, QuotaOptions{
		MaxFreeGenerations: 1,
		MaxAdUnlocks:       2,
		AdCooldown:         30 * time.Minute,
	})
	env.quotas.now = env.clock.Now

	env.reconciler = NewWebhookReconciler(env.verifier, env.purchases, env.entitlements, nil, testPackage)
	env.reconciler.now = env.clock.Now

	return env
}

// purchasePro verifies a fresh 30-day subscription for userID
func (e *testEnv) purchasePro(t *testing.T, userID, token string) {
	t.Helper()

	e.billing.putSubscription(token, activeSubscription(e.clock.Now(), 30*24*time.Hour))
	result, err := e.entitlements.VerifyPurchase(context.Background(), userID, VerifyPurchaseInput{
		ProductID:     "pro_monthly",
		PurchaseToken: token,
	})
	require.NoError(t, err)
	require.True(t, result.Active)
}

func (e *testEnv) eventsFor(t *testing.T, userID string) []string {
	t.Helper()

	events, err := e.events.ListByUser(context.Background(), userID)
	require.NoError(t, err)

	transitions := make([]string, 0, len(events))
	for _, ev := range events {
		transitions = append(transitions, ev.FromState+"->"+ev.ToState)
	}
	return transitions
}

func productPurchased(now time.Time) *androidpublisher.ProductPurchase {
	return &androidpublisher.ProductPurchase{
		OrderId:            "GPA.7788-0001",
		PurchaseState:      productPurchaseStatePurchased,
		PurchaseTimeMillis: now.Add(-time.Minute).UnixMilli(),
	}
}
