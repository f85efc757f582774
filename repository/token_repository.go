// file: repository/token_repository.go

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"storefront-api/logger"
	"storefront-api/model"
	"time"

	"github.com/sirupsen/logrus"
)

// ITokenRepository defines the contract for refresh token database operations.
type ITokenRepository interface {
	Create(ctx context.Context, token *model.RefreshToken) error
	GetByTokenID(ctx context.Context, tokenID string) (*model.RefreshToken, error)
	DeleteByTokenID(ctx context.Context, tokenID string) (bool, error)
	DeleteByFamilyID(ctx context.Context, familyID string) (int64, error)
	DeleteByUserID(ctx context.Context, userID int) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TokenRepository implements ITokenRepository.
type TokenRepository struct {
	DB *sql.DB
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{DB: db}
}

// Create inserts a new refresh token record into the database.
func (r *TokenRepository) Create(ctx context.Context, token *model.RefreshToken) error {
	log := logger.Log.WithFields(logrus.Fields{
		"user_id":    token.UserID,
		"token_id":   token.TokenID,
		"family_id":  token.FamilyID,
		"expires_at": token.ExpiresAt,
	})
	log.Info("Executing query to create a new refresh token")

	query := `INSERT INTO refresh_tokens (token_id, family_id, user_id, token_hash, expires_at) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`
	err := r.DB.QueryRowContext(ctx, query, token.TokenID, token.FamilyID, token.UserID, token.TokenHash, token.ExpiresAt).Scan(&token.ID, &token.CreatedAt)
	if err != nil {
		log.WithError(err).Error("Failed to execute create refresh token query")
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// GetByTokenID retrieves a refresh token by its token id (the jti claim).
func (r *TokenRepository) GetByTokenID(ctx context.Context, tokenID string) (*model.RefreshToken, error) {
	log := logger.Log.WithField("token_id", tokenID)
	log.Debug("Executing query to get refresh token by token ID")

	token := &model.RefreshToken{}
	query := `SELECT id, token_id, family_id, user_id, token_hash, expires_at, created_at FROM refresh_tokens WHERE token_id = $1`
	err := r.DB.QueryRowContext(ctx, query, tokenID).Scan(&token.ID, &token.TokenID, &token.FamilyID, &token.UserID, &token.TokenHash, &token.ExpiresAt, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		log.WithError(err).Error("Failed to execute get refresh token query")
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return token, nil
}

// DeleteByTokenID removes one refresh token and reports whether a row was
// deleted. Rotation relies on this to detect a concurrent replay: only one
// caller can observe true for a given token id.
func (r *TokenRepository) DeleteByTokenID(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.deleteWhere(ctx, logger.Log.WithField("token_id", tokenID), `DELETE FROM refresh_tokens WHERE token_id = $1`, tokenID)
	return n > 0, err
}

// DeleteByFamilyID deletes every refresh token descending from one login.
func (r *TokenRepository) DeleteByFamilyID(ctx context.Context, familyID string) (int64, error) {
	return r.deleteWhere(ctx, logger.Log.WithField("family_id", familyID), `DELETE FROM refresh_tokens WHERE family_id = $1`, familyID)
}

// DeleteByUserID deletes all refresh tokens for a specific user.
// This is used for logging out from all sessions.
func (r *TokenRepository) DeleteByUserID(ctx context.Context, userID int) (int64, error) {
	return r.deleteWhere(ctx, logger.Log.WithField("user_id", userID), `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
}

// DeleteExpired purges refresh tokens whose natural expiry has passed.
func (r *TokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.deleteWhere(ctx, logger.Log.WithField("before", now), `DELETE FROM refresh_tokens WHERE expires_at < $1`, now)
}

func (r *TokenRepository) deleteWhere(ctx context.Context, log *logrus.Entry, query string, arg interface{}) (int64, error) {
	log.Info("Executing query to delete refresh tokens")

	res, err := r.DB.ExecContext(ctx, query, arg)
	if err != nil {
		log.WithError(err).Error("Failed to execute delete refresh tokens query")
		return 0, fmt.Errorf("delete refresh tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete refresh tokens: %w", err)
	}
	return n, nil
}
