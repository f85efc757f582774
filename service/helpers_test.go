package service

import (
	"context"
	"storefront-api/model"
	"storefront-api/repository/repositorytest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testTokenConfig() TokenConfig {
	return TokenConfig{
		AccessSecret:  []byte("access-secret-for-tests-0123456789abcdef"),
		RefreshSecret: []byte("refresh-secret-for-tests-0123456789abcdef"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "storefront-test",
	}
}

// authFixture wires the whole auth core on top of the in-memory stores.
type authFixture struct {
	clock     *fakeClock
	users     *repositorytest.UserStore
	tokens    *repositorytest.TokenStore
	codec     *TokenService
	blacklist *TokenBlacklist
	statuses  *UserStatusCache
	revoker   *Revoker
	gate      *Gate
	auth      *AuthService
	admin     *UserService
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	f := &authFixture{
		clock:  newFakeClock(),
		users:  repositorytest.NewUserStore(),
		tokens: repositorytest.NewTokenStore(),
	}
	codec, err := NewTokenService(testTokenConfig(), f.clock.Now)
	require.NoError(t, err)
	f.codec = codec

	f.blacklist = NewTokenBlacklist(100, f.clock.Now)
	f.statuses = NewUserStatusCache(f.users, time.Minute, time.Second, f.clock.Now)
	f.revoker = NewRevoker(f.blacklist, f.statuses, f.tokens, nil, codec.RefreshTTL(), f.clock.Now)
	f.gate = NewGate(codec, f.blacklist, f.statuses)
	f.auth = NewAuthService(AuthDeps{
		Users:      f.users,
		Tokens:     f.tokens,
		Codec:      codec,
		Blacklist:  f.blacklist,
		Statuses:   f.statuses,
		Revoker:    f.revoker,
		BcryptCost: bcrypt.MinCost,
	})
	f.admin = NewUserService(f.users, f.revoker, nil, f.clock.Now)
	return f
}

func (f *authFixture) register(t *testing.T, email string) (*model.User, *model.TokenPair) {
	t.Helper()
	user, pair, err := f.auth.Register(context.Background(), model.RegisterRequest{
		Username: "shopper",
		Email:    email,
		Password: "correct-horse-battery",
	})
	require.NoError(t, err)
	return user, pair
}

// seedAdmin stores an admin directly and returns it.
func (f *authFixture) seedAdmin(t *testing.T, email string) *model.User {
	t.Helper()
	hash, err := f.auth.HashPassword("admin-password-123")
	require.NoError(t, err)
	return f.users.Seed(&model.User{
		Username: "admin",
		Email:    email,
		Password: hash,
		Roles:    []model.Role{model.RoleAdmin},
	})
}

func assertAuthCode(t *testing.T, err error, code string) {
	t.Helper()
	got, ok := AuthErrorCode(err)
	require.Truef(t, ok, "expected an AuthError with code %s, got %v", code, err)
	require.Equal(t, code, got)
}
