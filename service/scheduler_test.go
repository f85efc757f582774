package service

import (
	"context"
	"storefront-api/model"
	"storefront-api/repository/repositorytest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_SweepRevocations(t *testing.T) {
	clock := newFakeClock()
	blacklist := NewTokenBlacklist(10, clock.Now)
	source := newStubStatusSource(customer(1))
	statuses := NewUserStatusCache(source, time.Minute, time.Second, clock.Now)
	scheduler := NewScheduler(blacklist, statuses, repositorytest.NewTokenStore(), time.Minute, clock.Now)

	blacklist.BlacklistToken("jti", 1, "family", "logout", clock.Now().Add(time.Minute))
	blacklist.BlacklistFamily("family", 1, clock.Now().Add(time.Hour))
	_, err := statuses.GetUserStatus(context.Background(), 1)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	scheduler.SweepRevocations()

	assert.Equal(t, BlacklistStats{Tokens: 0, Families: 1, MaxEntries: 10}, blacklist.Stats())
	assert.Equal(t, CacheStats{}, statuses.Stats())
}

func TestScheduler_PurgeExpiredRefreshTokens(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tokens := repositorytest.NewTokenStore()
	scheduler := NewScheduler(NewTokenBlacklist(10, clock.Now), NewUserStatusCache(newStubStatusSource(), 0, 0, clock.Now), tokens, 0, clock.Now)

	require.NoError(t, tokens.Create(ctx, &model.RefreshToken{TokenID: "old", FamilyID: "f", UserID: 1, ExpiresAt: clock.Now().Add(-time.Minute)}))
	require.NoError(t, tokens.Create(ctx, &model.RefreshToken{TokenID: "new", FamilyID: "f", UserID: 1, ExpiresAt: clock.Now().Add(time.Hour)}))

	scheduler.PurgeExpiredRefreshTokens(ctx)

	assert.Equal(t, 1, tokens.Count())
	_, err := tokens.GetByTokenID(ctx, "new")
	assert.NoError(t, err)
}

func TestScheduler_StartStop(t *testing.T) {
	scheduler := NewScheduler(NewTokenBlacklist(10, nil), NewUserStatusCache(newStubStatusSource(), 0, 0, nil), repositorytest.NewTokenStore(), time.Minute, nil)

	require.NoError(t, scheduler.Start())
	assert.Len(t, scheduler.cron.Entries(), 2)
	scheduler.Stop()
}

func TestEvery(t *testing.T) {
	assert.Equal(t, "@every 5m0s", every(5*time.Minute))
}
