package services

import (
	"context"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/metrics"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"
)

// Quota decision reasons
const (
	ReasonUnlimited         = "unlimited"
	ReasonFirstFree         = "first_free"
	ReasonAfterAd           = "after_ad"
	ReasonNeedAd            = "need_ad"
	ReasonDailyLimitReached = "daily_limit_reached"
)

const quotaDateLayout = "2006-01-02"

// EntitlementReader is what the quota limiter needs from the entitlement side
type EntitlementReader interface {
	GetStatus(ctx context.Context, userID string) (*EntitlementStatus, error)
}

// QuotaDecision is the CanGenerate answer
type QuotaDecision struct {
	Allowed            bool       `json:"allowed"`
	Reason             string     `json:"reason"`
	Date               string     `json:"date"`
	GenerationCount    int        `json:"generation_count"`
	AdUnlockedCount    int        `json:"ad_unlocked_count"`
	RemainingAdUnlocks int        `json:"remaining_ad_unlocks"`
	NextAdAvailableAt  *time.Time `json:"next_ad_available_at,omitempty"`
}

// QuotaOptions configures daily limits
type QuotaOptions struct {
	MaxFreeGenerations int
	MaxAdUnlocks       int
	AdCooldown         time.Duration
}

// QuotaService meters free generations per UTC day, with ad-watching unlocking
// extra generations. Storage errors on the check path fail open.
type QuotaService struct {
	quotas       *database.QuotaStore
	entitlements EntitlementReader
	freeCap      int
	maxAdUnlocks int
	cooldown     time.Duration
	metrics      *metrics.EntitlementMetrics
	now          func() time.Time
}

// NewQuotaService creates the quota limiter
func NewQuotaService(quotas *database.QuotaStore, entitlements EntitlementReader, opts QuotaOptions) *QuotaService {
	if opts.MaxFreeGenerations < 0 {
		opts.MaxFreeGenerations = 1
	}
	if opts.MaxAdUnlocks < 0 {
		opts.MaxAdUnlocks = 2
	}
	if opts.AdCooldown <= 0 {
		opts.AdCooldown = 30 * time.Minute
	}
	return &QuotaService{
		quotas:       quotas,
		entitlements: entitlements,
		freeCap:      opts.MaxFreeGenerations,
		maxAdUnlocks: opts.MaxAdUnlocks,
		cooldown:     opts.AdCooldown,
		metrics:      metrics.Get(),
		now:          time.Now,
	}
}

// CanGenerate decides whether the user may run one metered generation now
func (s *QuotaService) CanGenerate(ctx context.Context, userID string) *QuotaDecision {
	now := s.now().UTC()
	date := now.Format(quotaDateLayout)

	status, err := s.entitlements.GetStatus(ctx, userID)
	if err != nil {
		logging.Warnf("Entitlement lookup failed during quota check - user: %s, error: %v", userID, err)
	} else if IsEntitledState(status.State) {
		return s.decide(&QuotaDecision{Allowed: true, Reason: ReasonUnlimited, Date: date})
	}

	quota, err := s.quotas.GetOrCreate(ctx, userID, date)
	if err != nil {
		// Blocking a paying or legitimate user is worse than one extra free generation
		logging.Errorf("Quota check failed open - user: %s, date: %s, error: %v", userID, date, err)
		s.metrics.RecordQuotaDecision("fail_open")
		return &QuotaDecision{Allowed: true, Reason: ReasonFirstFree, Date: date}
	}

	return s.decide(s.evaluate(quota, now))
}

// evaluate applies the decision order to one day's counters
func (s *QuotaService) evaluate(quota *models.DailyQuota, now time.Time) *QuotaDecision {
	decision := &QuotaDecision{
		Date:               quota.Date,
		GenerationCount:    quota.GenerationCount,
		AdUnlockedCount:    quota.AdUnlockedCount,
		RemainingAdUnlocks: max(s.maxAdUnlocks-quota.AdUnlockedCount, 0),
	}

	switch {
	case quota.GenerationCount < s.freeCap:
		decision.Allowed = true
		decision.Reason = ReasonFirstFree
	case quota.GenerationCount < s.freeCap+quota.AdUnlockedCount:
		// An unlock earned by watching an ad has not been spent yet
		decision.Allowed = true
		decision.Reason = ReasonAfterAd
	case quota.AdUnlockedCount < s.maxAdUnlocks:
		decision.Reason = ReasonNeedAd
		next := now
		if quota.LastAdViewedAt != nil {
			if cooledDown := quota.LastAdViewedAt.Add(s.cooldown); cooledDown.After(now) {
				next = cooledDown.UTC()
			}
		}
		decision.NextAdAvailableAt = &next
	default:
		decision.Reason = ReasonDailyLimitReached
	}
	return decision
}

// RecordGeneration counts one completed generation. Call it only after the
// metered action succeeded. Entitled users are not metered.
func (s *QuotaService) RecordGeneration(ctx context.Context, userID string) (*QuotaDecision, error) {
	status, err := s.entitlements.GetStatus(ctx, userID)
	if err == nil && IsEntitledState(status.State) {
		return s.decide(&QuotaDecision{Allowed: true, Reason: ReasonUnlimited, Date: s.today()}), nil
	}

	date := s.today()
	if err := s.quotas.IncrementGeneration(ctx, userID, date); err != nil {
		return nil, storageError(err)
	}

	quota, err := s.quotas.GetOrCreate(ctx, userID, date)
	if err != nil {
		return nil, storageError(err)
	}
	logging.Debugf("Generation recorded - user: %s, date: %s, count: %d", userID, date, quota.GenerationCount)
	return s.evaluate(quota, s.now().UTC()), nil
}

// UnlockAfterAd grants one extra generation for a watched ad. It returns false
// once the day's unlock cap is reached.
func (s *QuotaService) UnlockAfterAd(ctx context.Context, userID string) (bool, *QuotaDecision, error) {
	now := s.now().UTC()
	date := now.Format(quotaDateLayout)

	unlocked, err := s.quotas.UnlockAd(ctx, userID, date, s.maxAdUnlocks, now, now.Add(s.cooldown))
	if err != nil {
		return false, nil, storageError(err)
	}

	quota, err := s.quotas.GetOrCreate(ctx, userID, date)
	if err != nil {
		return false, nil, storageError(err)
	}

	if unlocked {
		s.metrics.RecordQuotaDecision("ad_unlocked")
		logging.Infof("Ad unlock granted - user: %s, date: %s, unlocks: %d/%d", userID, date, quota.AdUnlockedCount, s.maxAdUnlocks)
	} else {
		s.metrics.RecordQuotaDecision("ad_unlock_refused")
		logging.Infof("Ad unlock refused, daily cap reached - user: %s, date: %s", userID, date)
	}

	return unlocked, s.evaluate(quota, now), nil
}

func (s *QuotaService) decide(decision *QuotaDecision) *QuotaDecision {
	s.metrics.RecordQuotaDecision(decision.Reason)
	return decision
}

func (s *QuotaService) today() string {
	return s.now().UTC().Format(quotaDateLayout)
}
