package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfig_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "TRIAL_DAYS", "AD_COOLDOWN", "PLAY_ONE_TIME_PRODUCTS", "CACHE_BACKEND"} {
		t.Setenv(key, "")
	}

	require.NoError(t, InitConfig())
	assert.Equal(t, "8080", AppConfig.Port)
	assert.Equal(t, 7, AppConfig.TrialDays)
	assert.Equal(t, 30*time.Minute, AppConfig.AdCooldown)
	assert.Equal(t, "memory", AppConfig.CacheBackend)
	assert.Nil(t, AppConfig.OneTimeProductIDs)
}

func TestInitConfig_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TRIAL_DAYS", "14")
	t.Setenv("AUTO_CONVERT_TRIALS", "false")
	t.Setenv("AD_COOLDOWN", "45m")
	t.Setenv("BILLING_TIMEOUT", "3")
	t.Setenv("PLAY_ONE_TIME_PRODUCTS", "lifetime_pro, ,remove_ads")

	require.NoError(t, InitConfig())
	assert.Equal(t, "9090", AppConfig.Port)
	assert.Equal(t, 14, AppConfig.TrialDays)
	assert.False(t, AppConfig.AutoConvertTrials)
	assert.Equal(t, 45*time.Minute, AppConfig.AdCooldown)
	assert.Equal(t, 3*time.Second, AppConfig.BillingTimeout)
	assert.Equal(t, []string{"lifetime_pro", "remove_ads"}, AppConfig.OneTimeProductIDs)
}

func TestGetEnvHelpers_FallBackOnGarbage(t *testing.T) {
	t.Setenv("MAX_AD_UNLOCKS", "two")
	t.Setenv("AUTO_CONVERT_TRIALS", "maybe")
	t.Setenv("VERIFICATION_CACHE_TTL", "soon")

	assert.Equal(t, 2, getEnvInt("MAX_AD_UNLOCKS", 2))
	assert.True(t, getEnvBool("AUTO_CONVERT_TRIALS", true))
	assert.Equal(t, 5*time.Minute, getEnvDuration("VERIFICATION_CACHE_TTL", 5*time.Minute))
}
