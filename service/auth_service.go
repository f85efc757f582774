package service

import (
	"context"
	"errors"
	"fmt"
	"storefront-api/logger"
	"storefront-api/model"
	"storefront-api/repository"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
)

// AuthDeps wires the AuthService.
type AuthDeps struct {
	Users      repository.IUserRepository
	Tokens     repository.ITokenRepository
	Codec      *TokenService
	Blacklist  *TokenBlacklist
	Statuses   *UserStatusCache
	Revoker    *Revoker
	BcryptCost int
}

// AuthService implements registration, login, refresh rotation, logout and
// password changes.
type AuthService struct {
	users      repository.IUserRepository
	tokens     repository.ITokenRepository
	codec      *TokenService
	blacklist  *TokenBlacklist
	statuses   *UserStatusCache
	revoker    *Revoker
	bcryptCost int

	dummyOnce sync.Once
	dummyHash []byte
}

func NewAuthService(deps AuthDeps) *AuthService {
	cost := deps.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &AuthService{
		users:      deps.Users,
		tokens:     deps.Tokens,
		codec:      deps.Codec,
		blacklist:  deps.Blacklist,
		statuses:   deps.Statuses,
		revoker:    deps.Revoker,
		bcryptCost: cost,
	}
}

func (s *AuthService) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		logger.Log.WithError(err).Error("Failed to hash password")
		return "", err
	}
	return string(bytes), nil
}

func (s *AuthService) CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// burnPasswordCheck spends the same time as a real comparison so unknown
// emails cannot be told apart from wrong passwords by latency.
func (s *AuthService) burnPasswordCheck(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("storefront-timing-equaliser"), s.bcryptCost)
	})
	_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
}

// Register creates a customer account and starts its first session.
func (s *AuthService) Register(ctx context.Context, req model.RegisterRequest) (*model.User, *model.TokenPair, error) {
	hashed, err := s.HashPassword(req.Password)
	if err != nil {
		return nil, nil, err
	}

	user := &model.User{
		Username: strings.TrimSpace(req.Username),
		Email:    strings.ToLower(strings.TrimSpace(req.Email)),
		Password: hashed,
		Roles:    []model.Role{model.RoleCustomer},
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, nil, ErrEmailTaken
		}
		return nil, nil, err
	}

	logger.Log.WithField("user_id", user.ID).Info("User registered")

	pair, err := s.startSession(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Login checks credentials and starts a new token family.
func (s *AuthService) Login(ctx context.Context, req model.LoginRequest) (*model.User, *model.TokenPair, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	log := logger.Log.WithField("email", email)

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.burnPasswordCheck(req.Password)
			log.Warn("Login attempt for unknown email")
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	if !s.CheckPasswordHash(req.Password, user.Password) {
		log.WithField("user_id", user.ID).Warn("Login attempt with wrong password")
		return nil, nil, ErrInvalidCredentials
	}
	if user.DeletedAt != nil {
		return nil, nil, NewAuthError(CodeUserDeleted, nil)
	}
	if user.Banned {
		log.WithField("user_id", user.ID).Warn("Banned user login attempt")
		return nil, nil, NewAuthError(CodeUserBanned, nil)
	}

	pair, err := s.startSession(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	log.WithField("user_id", user.ID).Info("User logged in")
	return user, pair, nil
}

func (s *AuthService) startSession(ctx context.Context, user *model.User) (*model.TokenPair, error) {
	return s.issuePair(ctx, user.ID, user.Roles, user.TokenVersion, "")
}

// issuePair mints and persists a refresh token in familyID (a new family
// when empty) and an access token bound to the same family.
func (s *AuthService) issuePair(ctx context.Context, userID int, roles []model.Role, tokenVersion int, familyID string) (*model.TokenPair, error) {
	refresh, err := s.codec.IssueRefreshToken(userID, familyID)
	if err != nil {
		return nil, err
	}

	record := &model.RefreshToken{
		TokenID:   refresh.TokenID,
		FamilyID:  refresh.FamilyID,
		UserID:    userID,
		TokenHash: HashToken(refresh.Token),
		ExpiresAt: refresh.ExpiresAt,
	}
	if err := s.tokens.Create(ctx, record); err != nil {
		return nil, err
	}

	access, accessExpiresAt, err := s.codec.IssueAccessToken(userID, roles, tokenVersion, refresh.FamilyID)
	if err != nil {
		return nil, err
	}

	return &model.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh.Token,
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// Refresh exchanges a refresh token for a new access/refresh pair in the same
// family. The presented token is consumed. Presenting a token that was
// already consumed is treated as theft: the whole family is revoked.
func (s *AuthService) Refresh(ctx context.Context, rawToken string) (*model.TokenPair, error) {
	if rawToken == "" {
		return nil, NewAuthError(CodeMissingToken, nil)
	}

	claims, err := s.codec.VerifyRefreshToken(rawToken)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, NewAuthError(CodeTokenExpired, err)
		}
		return nil, NewAuthError(CodeInvalidToken, err)
	}

	log := logger.Log.WithFields(logrus.Fields{
		"user_id":   claims.UserID,
		"token_id":  claims.TokenID(),
		"family_id": claims.FamilyID,
	})

	if s.blacklist.IsFamilyBlacklisted(claims.FamilyID) {
		log.Warn("Refresh attempted with revoked token family")
		return nil, NewAuthError(CodeSessionRevoked, nil)
	}

	if s.blacklist.IsTokenBlacklisted(claims.TokenID()) {
		return nil, s.reuseDetected(ctx, claims, "token id already blacklisted")
	}

	record, err := s.tokens.GetByTokenID(ctx, claims.TokenID())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.reuseDetected(ctx, claims, "refresh token not on record")
		}
		return nil, NewAuthError(CodeAuthError, err)
	}
	if record.TokenHash != HashToken(rawToken) || record.FamilyID != claims.FamilyID || record.UserID != claims.UserID {
		return nil, s.reuseDetected(ctx, claims, "refresh token record mismatch")
	}

	status, err := s.statuses.GetUserStatus(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, NewAuthError(CodeUserDeleted, err)
		}
		return nil, NewAuthError(CodeAuthError, err)
	}
	if status.Deleted() {
		return nil, NewAuthError(CodeUserDeleted, nil)
	}
	if status.Banned {
		return nil, NewAuthError(CodeUserBanned, nil)
	}

	consumed, err := s.tokens.DeleteByTokenID(ctx, claims.TokenID())
	if err != nil {
		return nil, NewAuthError(CodeAuthError, err)
	}
	if !consumed {
		return nil, s.reuseDetected(ctx, claims, "refresh token consumed concurrently")
	}
	s.revoker.RevokeToken(ctx, claims.TokenID(), claims.UserID, claims.FamilyID, "rotated")

	pair, err := s.issuePair(ctx, claims.UserID, status.Roles, status.TokenVersion, claims.FamilyID)
	if err != nil {
		return nil, err
	}
	log.Info("Refresh token rotated")
	return pair, nil
}

func (s *AuthService) reuseDetected(ctx context.Context, claims *model.RefreshClaims, why string) error {
	logger.Log.WithFields(logrus.Fields{
		"user_id":   claims.UserID,
		"token_id":  claims.TokenID(),
		"family_id": claims.FamilyID,
		"detail":    why,
	}).Warn("Refresh token reuse detected, revoking token family")

	if err := s.revoker.RevokeFamily(ctx, claims.FamilyID, claims.UserID, "refresh_token_reuse"); err != nil {
		// The family is already blacklisted in memory; the rows expire on their own.
		logger.Log.WithError(err).WithField("family_id", claims.FamilyID).Error("Failed to delete refresh tokens of reused family")
	}
	return NewAuthError(CodeSessionRevoked, nil)
}

// Logout ends the session the identity belongs to.
func (s *AuthService) Logout(ctx context.Context, identity *model.Identity) error {
	return s.revoker.RevokeFamily(ctx, identity.FamilyID, identity.UserID, "logout")
}

// LogoutAll ends every session of the user, including access tokens that
// have not expired yet.
func (s *AuthService) LogoutAll(ctx context.Context, userID int) error {
	_, err := s.users.IncrementTokenVersion(ctx, userID)
	s.revoker.InvalidateUser(ctx, userID)
	if err != nil {
		return err
	}
	return s.revoker.RevokeAllSessions(ctx, userID)
}

// ChangePassword replaces the password and invalidates every token issued
// before the change.
func (s *AuthService) ChangePassword(ctx context.Context, userID int, req model.ChangePasswordRequest) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	if !s.CheckPasswordHash(req.CurrentPassword, user.Password) {
		logger.Log.WithField("user_id", userID).Warn("Password change with wrong current password")
		return ErrInvalidCredentials
	}

	hashed, err := s.HashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, hashed); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	_, err = s.users.IncrementTokenVersion(ctx, userID)
	s.revoker.InvalidateUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.revoker.RevokeAllSessions(ctx, userID); err != nil {
		return err
	}

	logger.Log.WithField("user_id", userID).Info("Password changed, all sessions revoked")
	return nil
}

// Me returns the profile of the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID int) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}
