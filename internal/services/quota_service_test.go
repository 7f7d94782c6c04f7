package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaService_FreeThenAdFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	decision := env.quotas.CanGenerate(ctx, "user-1")
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonFirstFree, decision.Reason)
	assert.Equal(t, "2026-03-02", decision.Date)

	decision, err := env.quotas.RecordGeneration(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonNeedAd, decision.Reason)
	assert.Equal(t, 2, decision.RemainingAdUnlocks)
	require.NotNil(t, decision.NextAdAvailableAt)
	assert.True(t, decision.NextAdAvailableAt.Equal(env.clock.Now()), "no ad watched yet, available immediately")

	unlocked, decision, err := env.quotas.UnlockAfterAd(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, unlocked)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonAfterAd, decision.Reason)

	decision = env.quotas.CanGenerate(ctx, "user-1")
	assert.Equal(t, ReasonAfterAd, decision.Reason)
	assert.Equal(t, 1, decision.GenerationCount)
	assert.Equal(t, 1, decision.AdUnlockedCount)
}

func TestQuotaService_AdUnlockCap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.quotas.RecordGeneration(ctx, "user-1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		unlocked, _, err := env.quotas.UnlockAfterAd(ctx, "user-1")
		require.NoError(t, err)
		require.True(t, unlocked)
		_, err = env.quotas.RecordGeneration(ctx, "user-1")
		require.NoError(t, err)
	}

	unlocked, decision, err := env.quotas.UnlockAfterAd(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, unlocked)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonDailyLimitReached, decision.Reason)
	assert.Equal(t, 0, decision.RemainingAdUnlocks)

	decision = env.quotas.CanGenerate(ctx, "user-1")
	assert.Equal(t, ReasonDailyLimitReached, decision.Reason)
	assert.Nil(t, decision.NextAdAvailableAt)
}

func TestQuotaService_ReportsAdCooldown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.quotas.RecordGeneration(ctx, "user-1")
	require.NoError(t, err)
	watchedAt := env.clock.Now()
	_, _, err = env.quotas.UnlockAfterAd(ctx, "user-1")
	require.NoError(t, err)
	_, err = env.quotas.RecordGeneration(ctx, "user-1")
	require.NoError(t, err)

	env.clock.Advance(10 * time.Minute)
	decision := env.quotas.CanGenerate(ctx, "user-1")
	assert.Equal(t, ReasonNeedAd, decision.Reason)
	require.NotNil(t, decision.NextAdAvailableAt)
	assert.True(t, decision.NextAdAvailableAt.Equal(watchedAt.Add(30*time.Minute)))

	env.clock.Advance(25 * time.Minute)
	decision = env.quotas.CanGenerate(ctx, "user-1")
	require.NotNil(t, decision.NextAdAvailableAt)
	assert.True(t, decision.NextAdAvailableAt.Equal(env.clock.Now()))
}

func TestQuotaService_NewUTCDayResets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.quotas.RecordGeneration(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, ReasonNeedAd, env.quotas.CanGenerate(ctx, "user-1").Reason)

	// 09:00 + 14h59m is still 2026-03-02 in UTC
	env.clock.Advance(14*time.Hour + 59*time.Minute)
	assert.Equal(t, ReasonNeedAd, env.quotas.CanGenerate(ctx, "user-1").Reason)

	env.clock.Advance(time.Minute)
	decision := env.quotas.CanGenerate(ctx, "user-1")
	assert.Equal(t, "2026-03-03", decision.Date)
	assert.Equal(t, ReasonFirstFree, decision.Reason)
	assert.Equal(t, 0, decision.GenerationCount)
}

func TestQuotaService_EntitledUsersAreNotMetered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.purchasePro(t, "pro-user", "token-1")
	_, err := env.entitlements.StartTrial(ctx, "trial-user")
	require.NoError(t, err)

	for _, user := range []string{"pro-user", "trial-user"} {
		decision := env.quotas.CanGenerate(ctx, user)
		assert.Equal(t, ReasonUnlimited, decision.Reason, user)

		decision, err := env.quotas.RecordGeneration(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, ReasonUnlimited, decision.Reason, user)

		quota, err := env.quotaStore.GetOrCreate(ctx, user, "2026-03-02")
		require.NoError(t, err)
		assert.Zero(t, quota.GenerationCount, user)
	}
}

func TestQuotaService_StorageFailureFailsOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sqlDB, err := env.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	decision := env.quotas.CanGenerate(ctx, "user-1")
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonFirstFree, decision.Reason)

	_, err = env.quotas.RecordGeneration(ctx, "user-1")
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, _, err = env.quotas.UnlockAfterAd(ctx, "user-1")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestQuotaService_UnlocksWithinCooldownBothSucceed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.quotas.RecordGeneration(ctx, "user-1")
	require.NoError(t, err)

	first := env.clock.Now()
	unlocked, _, err := env.quotas.UnlockAfterAd(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, unlocked)

	quota, err := env.quotaStore.GetOrCreate(ctx, "user-1", "2026-03-02")
	require.NoError(t, err)
	require.NotNil(t, quota.NextAdAvailableAt)
	assert.True(t, quota.NextAdAvailableAt.Equal(first.Add(30*time.Minute)))

	env.clock.Advance(10 * time.Minute)
	second := env.clock.Now()
	unlocked, decision, err := env.quotas.UnlockAfterAd(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, unlocked, "the cooldown is advisory; the daily cap is the only hard limit")
	assert.Equal(t, ReasonAfterAd, decision.Reason)
	assert.Equal(t, 2, decision.AdUnlockedCount)

	quota, err = env.quotaStore.GetOrCreate(ctx, "user-1", "2026-03-02")
	require.NoError(t, err)
	require.NotNil(t, quota.NextAdAvailableAt)
	assert.True(t, quota.NextAdAvailableAt.Equal(second.Add(30*time.Minute)))
	require.NotNil(t, quota.LastAdViewedAt)
	assert.True(t, quota.LastAdViewedAt.Equal(second))
}
