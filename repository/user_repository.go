package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"storefront-api/logger"
	"storefront-api/model"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateEmail is returned when a user with the same email exists.
	ErrDuplicateEmail = errors.New("email already registered")
)

const uniqueViolation = "23505"

// IUserRepository defines the contract for user and role database operations.
type IUserRepository interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id int) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserRoles(ctx context.Context, id int) ([]model.Role, error)
	GetAllUsers(ctx context.Context) ([]*model.User, error)
	GetUsersWithRoles(ctx context.Context, roles []model.Role) ([]*model.User, error)
	UpdatePassword(ctx context.Context, id int, passwordHash string) error
	SetBanned(ctx context.Context, id int, banned bool) error
	SetDeleted(ctx context.Context, id int, at time.Time) error
	IncrementTokenVersion(ctx context.Context, id int) (int, error)
	AddUserRole(ctx context.Context, id int, role model.Role) error
	RemoveUserRole(ctx context.Context, id int, role model.Role) error
}

type UserRepository struct {
	DB *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{DB: db}
}

const userColumns = `u.id, u.username, u.email, u.password, u.banned, u.deleted_at, u.token_version, u.created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner, extra ...interface{}) (*model.User, error) {
	user := &model.User{}
	var deletedAt sql.NullTime
	dest := []interface{}{&user.ID, &user.Username, &user.Email, &user.Password, &user.Banned, &deletedAt, &user.TokenVersion, &user.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		user.DeletedAt = &t
	}
	return user, nil
}

// CreateUser inserts the user together with its initial roles in one transaction.
func (r *UserRepository) CreateUser(ctx context.Context, user *model.User) error {
	log := logger.Log.WithFields(logrus.Fields{
		"username": user.Username,
		"email":    user.Email,
	})
	log.Info("Executing query to create a new user")

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO users (username, email, password) VALUES ($1, $2, $3) RETURNING id, token_version, created_at`
	err = tx.QueryRowContext(ctx, query, user.Username, user.Email, user.Password).Scan(&user.ID, &user.TokenVersion, &user.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateEmail
		}
		log.WithError(err).Error("Failed to execute create user query")
		return fmt.Errorf("create user: %w", err)
	}

	for _, role := range user.Roles {
		if _, err := tx.ExecContext(ctx, `INSERT INTO user_roles (user_id, role) VALUES ($1, $2)`, user.ID, string(role)); err != nil {
			log.WithError(err).Error("Failed to assign initial role")
			return fmt.Errorf("assign role %s: %w", role, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create user: %w", err)
	}
	return nil
}

// GetUserByID returns the user with its roles, or ErrNotFound.
func (r *UserRepository) GetUserByID(ctx context.Context, id int) (*model.User, error) {
	log := logger.Log.WithField("user_id", id)
	log.Debug("Executing query to get user by ID")

	query := `SELECT ` + userColumns + ` FROM users u WHERE u.id = $1`
	user, err := scanUser(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		log.WithError(err).Error("Failed to execute get user by ID query")
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}

	roles, err := r.GetUserRoles(ctx, id)
	if err != nil {
		return nil, err
	}
	user.Roles = roles
	return user, nil
}

func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users u WHERE u.email = $1`
	user, err := scanUser(r.DB.QueryRowContext(ctx, query, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		logger.Log.WithError(err).Error("Failed to execute get user by email query")
		return nil, fmt.Errorf("get user by email: %w", err)
	}

	roles, err := r.GetUserRoles(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Roles = roles
	return user, nil
}

func (r *UserRepository) GetUserRoles(ctx context.Context, id int) ([]model.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role`, id)
	if err != nil {
		logger.Log.WithError(err).WithField("user_id", id).Error("Failed to execute query for user roles")
		return nil, fmt.Errorf("get roles for user %d: %w", id, err)
	}
	defer rows.Close()

	var roles []model.Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, model.Role(role))
	}
	return roles, rows.Err()
}

// GetAllUsers lists every user with its roles. For admin use only.
func (r *UserRepository) GetAllUsers(ctx context.Context) ([]*model.User, error) {
	logger.Log.Info("Executing query to get all users")

	query := `SELECT ` + userColumns + `, ur.role
		FROM users u
		LEFT JOIN user_roles ur ON ur.user_id = u.id
		ORDER BY u.id, ur.role`
	return r.queryUsersWithRoles(ctx, query)
}

// GetUsersWithRoles returns the users holding at least one of roles, each
// with its complete role set.
func (r *UserRepository) GetUsersWithRoles(ctx context.Context, roles []model.Role) ([]*model.User, error) {
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	logger.Log.WithField("roles", names).Info("Executing query to get users by role")

	query := `SELECT ` + userColumns + `, ur.role
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		WHERE u.id IN (SELECT user_id FROM user_roles WHERE role = ANY($1))
		ORDER BY u.id, ur.role`
	return r.queryUsersWithRoles(ctx, query, pq.Array(names))
}

func (r *UserRepository) queryUsersWithRoles(ctx context.Context, query string, args ...interface{}) ([]*model.User, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		logger.Log.WithError(err).Error("Failed to execute users with roles query")
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	var current *model.User
	for rows.Next() {
		var role sql.NullString
		user, err := scanUser(rows, &role)
		if err != nil {
			logger.Log.WithError(err).Error("Failed to scan user row")
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if current == nil || current.ID != user.ID {
			current = user
			users = append(users, current)
		}
		if role.Valid {
			current.Roles = append(current.Roles, model.Role(role.String))
		}
	}
	return users, rows.Err()
}

func (r *UserRepository) execAffectingUser(ctx context.Context, id int, action, query string, args ...interface{}) error {
	log := logger.Log.WithField("user_id", id)
	log.Infof("Executing query to %s", action)

	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		log.WithError(err).Errorf("Failed to %s", action)
		return fmt.Errorf("%s: %w", action, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id int, passwordHash string) error {
	return r.execAffectingUser(ctx, id, "update password",
		`UPDATE users SET password = $1 WHERE id = $2`, passwordHash, id)
}

func (r *UserRepository) SetBanned(ctx context.Context, id int, banned bool) error {
	return r.execAffectingUser(ctx, id, "update ban flag",
		`UPDATE users SET banned = $1 WHERE id = $2`, banned, id)
}

func (r *UserRepository) SetDeleted(ctx context.Context, id int, at time.Time) error {
	return r.execAffectingUser(ctx, id, "soft delete user",
		`UPDATE users SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL`, at, id)
}

// IncrementTokenVersion bumps the user's token version and returns the new value.
func (r *UserRepository) IncrementTokenVersion(ctx context.Context, id int) (int, error) {
	log := logger.Log.WithField("user_id", id)
	log.Info("Executing query to increment token version")

	var version int
	err := r.DB.QueryRowContext(ctx,
		`UPDATE users SET token_version = token_version + 1 WHERE id = $1 RETURNING token_version`, id,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		log.WithError(err).Error("Failed to increment token version")
		return 0, fmt.Errorf("increment token version: %w", err)
	}
	return version, nil
}

func (r *UserRepository) AddUserRole(ctx context.Context, id int, role model.Role) error {
	logger.Log.WithFields(logrus.Fields{"user_id": id, "role": role}).Info("Executing query to add user role")

	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO user_roles (user_id, role) VALUES ($1, $2) ON CONFLICT (user_id, role) DO NOTHING`, id, string(role))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("add role: %w", err)
	}
	return nil
}

func (r *UserRepository) RemoveUserRole(ctx context.Context, id int, role model.Role) error {
	return r.execAffectingUser(ctx, id, "remove user role",
		`DELETE FROM user_roles WHERE user_id = $1 AND role = $2`, id, string(role))
}
