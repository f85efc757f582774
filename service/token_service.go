package service

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"storefront-api/logger"
	"storefront-api/model"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const minSecretLength = 32

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenSignature = errors.New("token signature invalid")
)

// Clock returns the current time. Components take a Clock so tests can
// control expiry without sleeping.
type Clock func() time.Time

func clockOrNow(c Clock) Clock {
	if c == nil {
		return time.Now
	}
	return c
}

// TokenConfig configures the token codec. Access and refresh tokens are
// signed with different secrets so that leaking one does not allow forging
// the other.
type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// IssuedRefreshToken is a signed refresh token plus the identifiers the
// caller needs to persist it.
type IssuedRefreshToken struct {
	Token     string
	TokenID   string
	FamilyID  string
	ExpiresAt time.Time
}

// TokenService signs and verifies access and refresh tokens. It has no side
// effects; persistence of refresh tokens is the caller's job.
type TokenService struct {
	cfg TokenConfig
	now Clock
}

func NewTokenService(cfg TokenConfig, clock Clock) (*TokenService, error) {
	if len(cfg.AccessSecret) < minSecretLength || len(cfg.RefreshSecret) < minSecretLength {
		return nil, fmt.Errorf("token secrets must be at least %d bytes", minSecretLength)
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token lifetimes must be positive")
	}
	return &TokenService{cfg: cfg, now: clockOrNow(clock)}, nil
}

// AccessTTL is the lifetime of issued access tokens.
func (s *TokenService) AccessTTL() time.Duration { return s.cfg.AccessTTL }

// RefreshTTL is the lifetime of issued refresh tokens, and therefore the
// minimum lifetime of any revocation entry.
func (s *TokenService) RefreshTTL() time.Duration { return s.cfg.RefreshTTL }

func (s *TokenService) registered(userID int, ttl time.Duration, id string) (jwt.RegisteredClaims, time.Time) {
	now := s.now()
	expiresAt := now.Add(ttl)
	return jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   strconv.Itoa(userID),
		ID:        id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}, expiresAt
}

// IssueAccessToken signs a short-lived access token.
func (s *TokenService) IssueAccessToken(userID int, roles []model.Role, tokenVersion int, familyID string) (string, time.Time, error) {
	registered, expiresAt := s.registered(userID, s.cfg.AccessTTL, "")
	claims := &model.AccessClaims{
		UserID:           userID,
		Roles:            roles,
		TokenVersion:     tokenVersion,
		FamilyID:         familyID,
		Type:             model.TokenTypeAccess,
		RegisteredClaims: registered,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.AccessSecret)
	if err != nil {
		logger.Log.WithError(err).WithField("user_id", userID).Error("Failed to sign access token")
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// IssueRefreshToken signs a refresh token with a fresh token id. An empty
// familyID starts a new family (login); otherwise the family is continued
// (rotation).
func (s *TokenService) IssueRefreshToken(userID int, familyID string) (*IssuedRefreshToken, error) {
	if familyID == "" {
		familyID = uuid.NewString()
	}
	tokenID := uuid.NewString()

	registered, expiresAt := s.registered(userID, s.cfg.RefreshTTL, tokenID)
	claims := &model.RefreshClaims{
		UserID:           userID,
		FamilyID:         familyID,
		Type:             model.TokenTypeRefresh,
		RegisteredClaims: registered,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.RefreshSecret)
	if err != nil {
		logger.Log.WithError(err).WithField("user_id", userID).Error("Failed to sign refresh token")
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return &IssuedRefreshToken{
		Token:     signed,
		TokenID:   tokenID,
		FamilyID:  familyID,
		ExpiresAt: expiresAt,
	}, nil
}

// VerifyAccessToken returns the claims of a valid access token, or one of
// ErrTokenExpired, ErrTokenMalformed, ErrTokenSignature.
func (s *TokenService) VerifyAccessToken(token string) (*model.AccessClaims, error) {
	claims := &model.AccessClaims{}
	if err := s.parse(token, claims, s.cfg.AccessSecret); err != nil {
		return nil, err
	}
	if claims.Type != model.TokenTypeAccess || claims.UserID <= 0 || claims.FamilyID == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// VerifyRefreshToken is the refresh-token counterpart of VerifyAccessToken.
func (s *TokenService) VerifyRefreshToken(token string) (*model.RefreshClaims, error) {
	claims := &model.RefreshClaims{}
	if err := s.parse(token, claims, s.cfg.RefreshSecret); err != nil {
		return nil, err
	}
	if claims.Type != model.TokenTypeRefresh || claims.UserID <= 0 || claims.ID == "" || claims.FamilyID == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

func (s *TokenService) parse(token string, claims jwt.Claims, secret []byte) error {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(s.cfg.Issuer))
	}

	_, err := jwt.NewParser(options...).ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrTokenSignature
	default:
		return ErrTokenMalformed
	}
}

// HashToken returns the hex SHA-256 of a signed token, the form in which
// refresh tokens are stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
