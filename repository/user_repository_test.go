package repository

import (
	"context"
	"errors"
	"regexp"
	"storefront-api/model"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var userRowColumns = []string{"id", "username", "email", "password", "banned", "deleted_at", "token_version", "created_at"}

func newUserRepoMock(t *testing.T) (*UserRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewUserRepository(db), mock
}

func TestUserRepository_CreateUser(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("success", func(t *testing.T) {
		repo, mock := newUserRepoMock(t)
		user := &model.User{Username: "shopper", Email: "s@example.com", Password: "hash", Roles: []model.Role{model.RoleCustomer}}

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users (username, email, password)`)).
			WithArgs("shopper", "s@example.com", "hash").
			WillReturnRows(sqlmock.NewRows([]string{"id", "token_version", "created_at"}).AddRow(7, 1, created))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO user_roles (user_id, role)`)).
			WithArgs(7, "customer").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.CreateUser(ctx, user))
		assert.Equal(t, 7, user.ID)
		assert.Equal(t, 1, user.TokenVersion)
		assert.Equal(t, created, user.CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate email", func(t *testing.T) {
		repo, mock := newUserRepoMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users`)).
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		err := repo.CreateUser(ctx, &model.User{Username: "x", Email: "dup@example.com", Password: "hash"})
		assert.ErrorIs(t, err, ErrDuplicateEmail)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("role insert fails", func(t *testing.T) {
		repo, mock := newUserRepoMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users`)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "token_version", "created_at"}).AddRow(8, 1, created))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO user_roles`)).
			WillReturnError(errors.New("boom"))
		mock.ExpectRollback()

		err := repo.CreateUser(ctx, &model.User{Username: "x", Email: "x@example.com", Password: "hash", Roles: []model.Role{model.RoleCustomer}})
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUserRepository_GetUserByID(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("found with roles", func(t *testing.T) {
		repo, mock := newUserRepoMock(t)
		deleted := created.Add(time.Hour)

		mock.ExpectQuery(regexp.QuoteMeta(`FROM users u WHERE u.id = $1`)).
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows(userRowColumns).AddRow(3, "ops", "ops@example.com", "hash", true, deleted, 4, created))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT role FROM user_roles WHERE user_id = $1`)).
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("admin").AddRow("customer"))

		user, err := repo.GetUserByID(ctx, 3)
		require.NoError(t, err)
		assert.True(t, user.Banned)
		assert.Equal(t, 4, user.TokenVersion)
		require.NotNil(t, user.DeletedAt)
		assert.Equal(t, deleted, *user.DeletedAt)
		assert.Equal(t, []model.Role{model.RoleAdmin, model.RoleCustomer}, user.Roles)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock := newUserRepoMock(t)
		mock.ExpectQuery(regexp.QuoteMeta(`FROM users u WHERE u.id = $1`)).
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows(userRowColumns))

		_, err := repo.GetUserByID(ctx, 99)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUserRepository_GetUsersWithRoles(t *testing.T) {
	repo, mock := newUserRepoMock(t)
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	columns := append(append([]string{}, userRowColumns...), "role")

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE u.id IN (SELECT user_id FROM user_roles WHERE role = ANY($1))`)).
		WithArgs(pq.Array([]string{"admin", "marketer", "consultant"})).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(1, "a", "a@example.com", "h", false, nil, 1, created, "admin").
			AddRow(1, "a", "a@example.com", "h", false, nil, 1, created, "customer").
			AddRow(2, "m", "m@example.com", "h", false, nil, 2, created, "marketer"))

	users, err := repo.GetUsersWithRoles(context.Background(), model.PrivilegedRoles)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, []model.Role{model.RoleAdmin, model.RoleCustomer}, users[0].Roles)
	assert.Nil(t, users[0].DeletedAt)
	assert.Equal(t, []model.Role{model.RoleMarketer}, users[1].Roles)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_Mutations(t *testing.T) {
	ctx := context.Background()

	t.Run("set banned", func(t *testing.T) {
		repo, mock := newUserRepoMock(t)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET banned = $1 WHERE id = $2`)).
			WithArgs(true, 5).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.SetBanned(ctx, 5, true))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("set banned on unknown user", func(t *testing.T) {
		repo, mock := newUserRepoMock(t)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET banned`)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, repo.SetBanned(ctx, 5, true), ErrNotFound)
	})

	t.Run("soft delete only once", func(t *testing.T) {
		repo, mock := newUserRepoMock(t)
		at := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL`)).
			WithArgs(at, 5).
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, repo.SetDeleted(ctx, 5, at), ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("increment token version", func(t *testing.T) {
		repo, mock := newUserRepoMock(t)
		mock.ExpectQuery(regexp.QuoteMeta(`UPDATE users SET token_version = token_version + 1 WHERE id = $1 RETURNING token_version`)).
			WithArgs(5).
			WillReturnRows(sqlmock.NewRows([]string{"token_version"}).AddRow(3))

		version, err := repo.IncrementTokenVersion(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, 3, version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("increment token version of unknown user", func(t *testing.T) {
		repo, mock := newUserRepoMock(t)
		mock.ExpectQuery(regexp.QuoteMeta(`UPDATE users SET token_version`)).
			WithArgs(6).
			WillReturnRows(sqlmock.NewRows([]string{"token_version"}))

		_, err := repo.IncrementTokenVersion(ctx, 6)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("add role to unknown user", func(t *testing.T) {
		repo, mock := newUserRepoMock(t)
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO user_roles (user_id, role) VALUES ($1, $2) ON CONFLICT (user_id, role) DO NOTHING`)).
			WithArgs(6, "marketer").
			WillReturnError(&pq.Error{Code: "23503"})

		assert.ErrorIs(t, repo.AddUserRole(ctx, 6, model.RoleMarketer), ErrNotFound)
	})

	t.Run("remove role", func(t *testing.T) {
		repo, mock := newUserRepoMock(t)
		mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM user_roles WHERE user_id = $1 AND role = $2`)).
			WithArgs(5, "admin").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.RemoveUserRole(ctx, 5, model.RoleAdmin))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
