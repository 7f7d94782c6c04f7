package services

import (
	"context"
	"testing"
	"time"

	"entitlement-api/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckSweeper_RetriesFailedAcknowledgements(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.billing.setAckErr(errNetwork)
	env.purchasePro(t, "user-1", "token-1")

	purchase, err := env.purchases.FindByToken(ctx, "token-1")
	require.NoError(t, err)
	require.False(t, purchase.Acknowledged)

	sweeper := NewAckSweeper(env.verifier, env.purchases, time.Minute)

	// Still failing: nothing is marked
	assert.Equal(t, 0, sweeper.Sweep(ctx))

	env.billing.setAckErr(nil)
	assert.Equal(t, 1, sweeper.Sweep(ctx))

	purchase, err = env.purchases.FindByToken(ctx, "token-1")
	require.NoError(t, err)
	assert.True(t, purchase.Acknowledged)

	_, acks := env.billing.calls()
	assert.Equal(t, 0, sweeper.Sweep(ctx))
	_, after := env.billing.calls()
	assert.Equal(t, acks, after)
}

func TestAckSweeper_StartStop(t *testing.T) {
	env := newTestEnv(t)

	idle := NewAckSweeper(env.verifier, env.purchases, time.Minute)
	idle.Stop()

	sweeper := NewAckSweeper(env.verifier, env.purchases, time.Millisecond)
	sweeper.Start()
	time.Sleep(5 * time.Millisecond)
	sweeper.Stop()
	sweeper.Stop()
}

func TestAckSweeper_FailingRowsDoNotStarveNewerOnes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	for i, token := range []string{"consumed-1", "consumed-2", "fresh"} {
		_, err := env.purchases.Upsert(ctx, &models.PurchaseRecord{
			PurchaseToken:      token,
			UserID:             "user-" + token,
			Kind:               models.PurchaseKindSubscription,
			ProductID:          "pro_monthly",
			PackageName:        testPackage,
			Active:             true,
			VerifiedAt:         now.Add(time.Duration(i) * time.Minute),
			VerificationMethod: models.VerificationMethodRemote,
		})
		require.NoError(t, err)
	}
	env.billing.failAck("consumed-1")
	env.billing.failAck("consumed-2")

	sweeper := NewAckSweeper(env.verifier, env.purchases, time.Minute)
	sweeper.batchSize = 2
	sweeper.now = env.clock.Now

	assert.Equal(t, 0, sweeper.Sweep(ctx))
	assert.Equal(t, 1, sweeper.Sweep(ctx))

	fresh, err := env.purchases.FindByToken(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, fresh.Acknowledged)

	consumed, err := env.purchases.FindByToken(ctx, "consumed-1")
	require.NoError(t, err)
	assert.False(t, consumed.Acknowledged)
	assert.Equal(t, 2, consumed.AckAttempts)
}
