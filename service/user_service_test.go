// service/user_service_test.go
package service

import (
	"context"
	"errors"
	"storefront-api/model"
	"storefront-api/repository"
	"storefront-api/repository/repositorytest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockUserRepo struct{ mock.Mock }

var _ repository.IUserRepository = (*mockUserRepo)(nil)

func (m *mockUserRepo) CreateUser(ctx context.Context, user *model.User) error {
	return m.Called(ctx, user).Error(0)
}
func (m *mockUserRepo) GetUserByID(ctx context.Context, id int) (*model.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}
func (m *mockUserRepo) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}
func (m *mockUserRepo) GetUserRoles(ctx context.Context, id int) ([]model.Role, error) {
	args := m.Called(ctx, id)
	return args.Get(0).([]model.Role), args.Error(1)
}
func (m *mockUserRepo) GetAllUsers(ctx context.Context) ([]*model.User, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*model.User), args.Error(1)
}
func (m *mockUserRepo) GetUsersWithRoles(ctx context.Context, roles []model.Role) ([]*model.User, error) {
	args := m.Called(ctx, roles)
	return args.Get(0).([]*model.User), args.Error(1)
}
func (m *mockUserRepo) UpdatePassword(ctx context.Context, id int, hash string) error {
	return m.Called(ctx, id, hash).Error(0)
}
func (m *mockUserRepo) SetBanned(ctx context.Context, id int, banned bool) error {
	return m.Called(ctx, id, banned).Error(0)
}
func (m *mockUserRepo) SetDeleted(ctx context.Context, id int, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}
func (m *mockUserRepo) IncrementTokenVersion(ctx context.Context, id int) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}
func (m *mockUserRepo) AddUserRole(ctx context.Context, id int, role model.Role) error {
	return m.Called(ctx, id, role).Error(0)
}
func (m *mockUserRepo) RemoveUserRole(ctx context.Context, id int, role model.Role) error {
	return m.Called(ctx, id, role).Error(0)
}

type mockDisconnector struct{ mock.Mock }

func (m *mockDisconnector) Disconnect(userID int, reason string) int {
	return m.Called(userID, reason).Int(0)
}

func newMockedUserService(repo *mockUserRepo, disconnector SessionDisconnector) (*UserService, *repositorytest.TokenStore, *UserStatusCache) {
	tokens := repositorytest.NewTokenStore()
	statuses := NewUserStatusCache(newStubStatusSource(), time.Minute, time.Second, nil)
	revoker := NewRevoker(NewTokenBlacklist(10, nil), statuses, tokens, nil, time.Hour, nil)
	return NewUserService(repo, revoker, disconnector, nil), tokens, statuses
}

func TestUserService_BanUser(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		repo := new(mockUserRepo)
		disconnector := new(mockDisconnector)
		repo.On("SetBanned", ctx, 2, true).Return(nil).Once()
		repo.On("IncrementTokenVersion", ctx, 2).Return(2, nil).Once()
		disconnector.On("Disconnect", 2, "Account banned").Return(1).Once()

		svc, tokens, _ := newMockedUserService(repo, disconnector)
		require.NoError(t, tokens.Create(ctx, &model.RefreshToken{TokenID: "t1", FamilyID: "f1", UserID: 2, ExpiresAt: time.Now().Add(time.Hour)}))

		err := svc.BanUser(ctx, 1, 2)

		assert.NoError(t, err)
		assert.Equal(t, 0, tokens.CountForUser(2))
		repo.AssertExpectations(t)
		disconnector.AssertExpectations(t)
	})

	t.Run("unknown user", func(t *testing.T) {
		repo := new(mockUserRepo)
		repo.On("SetBanned", ctx, 3, true).Return(repository.ErrNotFound).Once()

		svc, _, _ := newMockedUserService(repo, nil)
		err := svc.BanUser(ctx, 1, 3)

		assert.ErrorIs(t, err, ErrUserNotFound)
		repo.AssertNotCalled(t, "IncrementTokenVersion", mock.Anything, mock.Anything)
	})

	t.Run("repository error", func(t *testing.T) {
		repo := new(mockUserRepo)
		expectedError := errors.New("database error")
		repo.On("SetBanned", ctx, 4, true).Return(nil).Once()
		repo.On("IncrementTokenVersion", ctx, 4).Return(0, expectedError).Once()

		svc, _, _ := newMockedUserService(repo, nil)
		err := svc.BanUser(ctx, 1, 4)

		assert.Equal(t, expectedError, err)
		repo.AssertExpectations(t)
	})

	t.Run("cannot ban self", func(t *testing.T) {
		repo := new(mockUserRepo)
		svc, _, _ := newMockedUserService(repo, nil)

		err := svc.BanUser(ctx, 1, 1)

		assert.ErrorIs(t, err, ErrSelfAction)
		repo.AssertNotCalled(t, "SetBanned", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestUserService_UnbanDoesNotBumpVersion(t *testing.T) {
	ctx := context.Background()
	repo := new(mockUserRepo)
	repo.On("SetBanned", ctx, 2, false).Return(nil).Once()

	svc, _, _ := newMockedUserService(repo, nil)
	require.NoError(t, svc.UnbanUser(ctx, 1, 2))

	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "IncrementTokenVersion", mock.Anything, mock.Anything)
}

func TestUserService_RoleChanges(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid role", func(t *testing.T) {
		repo := new(mockUserRepo)
		svc, _, _ := newMockedUserService(repo, nil)

		err := svc.AddUserRole(ctx, 1, 2, "superuser")

		assert.ErrorIs(t, err, ErrInvalidRole)
		assert.Equal(t, "invalid role specified", err.Error())
		repo.AssertNotCalled(t, "AddUserRole", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("admin cannot drop own admin role", func(t *testing.T) {
		repo := new(mockUserRepo)
		svc, _, _ := newMockedUserService(repo, nil)

		err := svc.RemoveUserRole(ctx, 1, 1, model.RoleAdmin)

		assert.ErrorIs(t, err, ErrSelfAction)
		repo.AssertNotCalled(t, "RemoveUserRole", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("grant bumps token version", func(t *testing.T) {
		repo := new(mockUserRepo)
		repo.On("AddUserRole", ctx, 2, model.RoleMarketer).Return(nil).Once()
		repo.On("IncrementTokenVersion", ctx, 2).Return(3, nil).Once()

		svc, _, _ := newMockedUserService(repo, nil)
		require.NoError(t, svc.AddUserRole(ctx, 1, 2, model.RoleMarketer))

		repo.AssertExpectations(t)
	})
}

// The remaining tests run the real services against the in-memory stores.

func TestUserService_BanPropagation(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)
	admin := f.seedAdmin(t, "admin@example.com")
	user, pair := f.register(t, "victim@example.com")

	_, err := f.gate.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err, "status is now cached")

	require.NoError(t, f.admin.BanUser(ctx, admin.ID, user.ID))

	_, err = f.gate.Authenticate(ctx, pair.AccessToken)
	assertAuthCode(t, err, CodeTokenRevoked)

	_, err = f.auth.Refresh(ctx, pair.RefreshToken)
	assertAuthCode(t, err, CodeSessionRevoked)

	_, _, err = f.auth.Login(ctx, model.LoginRequest{Email: "victim@example.com", Password: "correct-horse-battery"})
	assertAuthCode(t, err, CodeUserBanned)

	// A token minted at the current version still meets the ban check.
	current, _, err := f.codec.IssueAccessToken(user.ID, user.Roles, 2, "family-after-ban")
	require.NoError(t, err)
	_, err = f.gate.Authenticate(ctx, current)
	assertAuthCode(t, err, CodeUserBanned)

	require.NoError(t, f.admin.UnbanUser(ctx, admin.ID, user.ID))

	_, err = f.gate.Authenticate(ctx, pair.AccessToken)
	assertAuthCode(t, err, CodeTokenRevoked)

	_, fresh, err := f.auth.Login(ctx, model.LoginRequest{Email: "victim@example.com", Password: "correct-horse-battery"})
	require.NoError(t, err)
	_, err = f.gate.Authenticate(ctx, fresh.AccessToken)
	assert.NoError(t, err)
}

func TestUserService_DeleteUser(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)
	admin := f.seedAdmin(t, "admin@example.com")
	user, pair := f.register(t, "gone@example.com")

	require.NoError(t, f.admin.DeleteUser(ctx, admin.ID, user.ID))

	_, err := f.gate.Authenticate(ctx, pair.AccessToken)
	assertAuthCode(t, err, CodeTokenRevoked)

	current, _, err := f.codec.IssueAccessToken(user.ID, user.Roles, 2, "family")
	require.NoError(t, err)
	_, err = f.gate.Authenticate(ctx, current)
	assertAuthCode(t, err, CodeUserDeleted)

	assert.ErrorIs(t, f.admin.DeleteUser(ctx, admin.ID, user.ID), ErrUserNotFound, "already deleted")
	assert.ErrorIs(t, f.admin.DeleteUser(ctx, admin.ID, admin.ID), ErrSelfAction)
}

func TestUserService_RoleChangeMovesCacheTier(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)
	admin := f.seedAdmin(t, "admin@example.com")
	user, pair := f.register(t, "promoted@example.com")

	_, err := f.gate.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, 1, f.statuses.Stats().Regular)

	require.NoError(t, f.admin.AddUserRole(ctx, admin.ID, user.ID, model.RoleMarketer))
	assert.Equal(t, CacheStats{Privileged: 1}, f.statuses.Stats())

	_, err = f.gate.Authenticate(ctx, pair.AccessToken)
	assertAuthCode(t, err, CodeTokenRevoked)

	require.NoError(t, f.admin.RemoveUserRole(ctx, admin.ID, user.ID, model.RoleMarketer))
	assert.Equal(t, CacheStats{Regular: 1}, f.statuses.Stats())

	assert.ErrorIs(t, f.admin.RemoveUserRole(ctx, admin.ID, user.ID, model.RoleMarketer), ErrUserNotFound)
}

// disconnectFunc adapts a function to SessionDisconnector.
type disconnectFunc func(userID int, reason string) int

func (f disconnectFunc) Disconnect(userID int, reason string) int { return f(userID, reason) }

func TestUserService_TokensRejectedBeforeDisconnect(t *testing.T) {
	ctx := context.Background()

	actions := map[string]func(svc *UserService, adminID, userID int) error{
		"ban": func(svc *UserService, adminID, userID int) error {
			return svc.BanUser(ctx, adminID, userID)
		},
		"delete": func(svc *UserService, adminID, userID int) error {
			return svc.DeleteUser(ctx, adminID, userID)
		},
	}

	for name, action := range actions {
		t.Run(name, func(t *testing.T) {
			f := newAuthFixture(t)
			admin := f.seedAdmin(t, "admin@example.com")
			user, pair := f.register(t, "reconnect@example.com")

			_, err := f.gate.Authenticate(ctx, pair.AccessToken)
			require.NoError(t, err, "status is now cached")

			// A client reconnecting while its sockets are being closed must
			// already be turned away.
			var reconnectErr error
			disconnects := 0
			svc := NewUserService(f.users, f.revoker, disconnectFunc(func(userID int, _ string) int {
				disconnects++
				_, reconnectErr = f.gate.Authenticate(ctx, pair.AccessToken)
				return 1
			}), f.clock.Now)

			require.NoError(t, action(svc, admin.ID, user.ID))

			require.Equal(t, 1, disconnects)
			assertAuthCode(t, reconnectErr, CodeTokenRevoked)
		})
	}
}

func TestUserService_FailedVersionBumpStillInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	repo := new(mockUserRepo)
	repo.On("SetBanned", ctx, 5, true).Return(nil).Once()
	repo.On("IncrementTokenVersion", ctx, 5).Return(0, errors.New("database error")).Once()

	statuses := NewUserStatusCache(newStubStatusSource(customer(5)), time.Minute, time.Second, nil)
	revoker := NewRevoker(NewTokenBlacklist(10, nil), statuses, repositorytest.NewTokenStore(), nil, time.Hour, nil)
	svc := NewUserService(repo, revoker, nil, nil)
	_, err := statuses.GetUserStatus(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 1, statuses.Stats().Regular)

	require.Error(t, svc.BanUser(ctx, 1, 5))

	assert.Equal(t, 0, statuses.Stats().Regular)
}
