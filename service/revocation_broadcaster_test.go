package service

import (
	"context"
	"encoding/json"
	"storefront-api/model"
	"storefront-api/repository/repositorytest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRevocationChannel = "storefront:revocations:test"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// recordingDisconnector remembers every Disconnect call it receives.
type recordingDisconnector struct {
	mu      sync.Mutex
	users   []int
	reasons []string
}

func (d *recordingDisconnector) Disconnect(userID int, reason string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = append(d.users, userID)
	d.reasons = append(d.reasons, reason)
	return 1
}

func (d *recordingDisconnector) calls() ([]int, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.users...), append([]string(nil), d.reasons...)
}

// instance is one server process as seen by the broadcaster.
type instance struct {
	blacklist    *TokenBlacklist
	statuses     *UserStatusCache
	source       *stubStatusSource
	revoker      *Revoker
	broadcaster  *RedisBroadcaster
	disconnector *recordingDisconnector
}

func newInstance(t *testing.T, client *redis.Client) *instance {
	t.Helper()
	in := &instance{
		blacklist:    NewTokenBlacklist(100, nil),
		source:       newStubStatusSource(&model.User{ID: 1, TokenVersion: 1, Roles: []model.Role{model.RoleCustomer}}),
		disconnector: &recordingDisconnector{},
	}
	in.statuses = NewUserStatusCache(in.source, time.Hour, time.Second, nil)
	in.broadcaster = NewRedisBroadcaster(client, testRevocationChannel, in.blacklist, in.statuses, in.disconnector)
	in.revoker = NewRevoker(in.blacklist, in.statuses, repositorytest.NewTokenStore(), in.broadcaster, time.Hour, nil)

	require.NoError(t, in.broadcaster.Start(context.Background()))
	t.Cleanup(func() { in.broadcaster.Close() })
	return in
}

func TestRedisBroadcaster_PropagatesRevocations(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	a := newInstance(t, client)
	b := newInstance(t, client)

	t.Run("family", func(t *testing.T) {
		require.NoError(t, a.revoker.RevokeFamily(ctx, "family-1", 1, "logout"))

		assert.True(t, a.blacklist.IsFamilyBlacklisted("family-1"))
		assert.Eventually(t, func() bool {
			return b.blacklist.IsFamilyBlacklisted("family-1")
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("token", func(t *testing.T) {
		a.revoker.RevokeToken(ctx, "jti-1", 1, "family-2", "rotated")

		assert.Eventually(t, func() bool {
			return b.blacklist.IsTokenBlacklisted("jti-1")
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("user status", func(t *testing.T) {
		_, err := b.statuses.GetUserStatus(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, 1, b.statuses.Stats().Regular)

		a.revoker.InvalidateUser(ctx, 1)

		assert.Eventually(t, func() bool {
			return b.statuses.Stats().Regular == 0
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestRedisBroadcaster_DisconnectsOnSiblingInstances(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	a := newInstance(t, client)
	b := newInstance(t, client)

	a.revoker.DisconnectUser(ctx, 1, "Account banned")

	assert.Eventually(t, func() bool {
		users, _ := b.disconnector.calls()
		return len(users) == 1
	}, 2*time.Second, 10*time.Millisecond)
	users, reasons := b.disconnector.calls()
	assert.Equal(t, []int{1}, users)
	assert.Equal(t, []string{"Account banned"}, reasons)

	time.Sleep(50 * time.Millisecond)
	users, _ = a.disconnector.calls()
	assert.Empty(t, users, "the publishing instance closes its own sockets directly")
}

func TestRedisBroadcaster_IgnoresOwnMessages(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	a := newInstance(t, client)

	_, err := a.statuses.GetUserStatus(ctx, 1)
	require.NoError(t, err)

	// Publishing directly bypasses the local invalidation, so the entry only
	// disappears if the broadcaster wrongly applies its own message.
	a.broadcaster.UserChanged(ctx, 1)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, a.statuses.Stats().Regular)
}

func TestRedisBroadcaster_IgnoresMalformedMessages(t *testing.T) {
	_, client := newTestRedis(t)
	b := newInstance(t, client)

	require.NoError(t, client.Publish(context.Background(), testRevocationChannel, "{not json").Err())
	require.NoError(t, client.Publish(context.Background(), testRevocationChannel, `{"kind":"family","family_id":"f-x","user_id":1,"expires_at":"2099-01-01T00:00:00Z","origin":"elsewhere"}`).Err())

	assert.Eventually(t, func() bool {
		return b.blacklist.IsFamilyBlacklisted("f-x")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBroadcaster_SkipsBlacklistEntriesWithoutExpiry(t *testing.T) {
	_, client := newTestRedis(t)
	b := newInstance(t, client)

	require.NoError(t, client.Publish(context.Background(), testRevocationChannel, `{"kind":"family","family_id":"f-no-expiry","user_id":1,"origin":"elsewhere"}`).Err())
	require.NoError(t, client.Publish(context.Background(), testRevocationChannel, `{"kind":"family","family_id":"f-after","user_id":1,"expires_at":"2099-01-01T00:00:00Z","origin":"elsewhere"}`).Err())

	// Messages are handled in order, so once the second lands the first was seen.
	assert.Eventually(t, func() bool {
		return b.blacklist.IsFamilyBlacklisted("f-after")
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, b.blacklist.IsFamilyBlacklisted("f-no-expiry"))
}

func TestRevocationMessage_OmitsExpiryForUserEvents(t *testing.T) {
	raw, err := json.Marshal(RevocationMessage{Kind: revocationKindUser, UserID: 7, Origin: "a"})
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "expires_at"), string(raw))

	expiresAt := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	raw, err = json.Marshal(RevocationMessage{Kind: revocationKindToken, ID: "jti", ExpiresAt: &expiresAt})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"expires_at":"2099-01-01T00:00:00Z"`)
}

func TestRedisBroadcaster_CloseIsIdempotent(t *testing.T) {
	_, client := newTestRedis(t)
	in := newInstance(t, client)

	assert.NoError(t, in.broadcaster.Close())
	assert.NoError(t, in.broadcaster.Close())
}
