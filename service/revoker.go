package service

import (
	"context"
	"fmt"
	"storefront-api/logger"
	"storefront-api/repository"
	"time"

	"github.com/sirupsen/logrus"
)

// RevocationNotifier fans local revocations out to sibling instances.
type RevocationNotifier interface {
	TokenRevoked(ctx context.Context, tokenID string, userID int, familyID, reason string, expiresAt time.Time)
	FamilyRevoked(ctx context.Context, familyID string, userID int, expiresAt time.Time)
	UserChanged(ctx context.Context, userID int)
	UserDisconnected(ctx context.Context, userID int, reason string)
}

type nopNotifier struct{}

func (nopNotifier) TokenRevoked(context.Context, string, int, string, string, time.Time) {}
func (nopNotifier) FamilyRevoked(context.Context, string, int, time.Time)                {}
func (nopNotifier) UserChanged(context.Context, int)                                     {}
func (nopNotifier) UserDisconnected(context.Context, int, string)                        {}

// Revoker applies revocations to the blacklist, the status cache and the
// refresh token table, and notifies other instances. Every blacklist entry it
// writes lives for the full refresh-token lifetime.
type Revoker struct {
	blacklist  *TokenBlacklist
	statuses   *UserStatusCache
	tokens     repository.ITokenRepository
	notifier   RevocationNotifier
	refreshTTL time.Duration
	now        Clock
}

func NewRevoker(blacklist *TokenBlacklist, statuses *UserStatusCache, tokens repository.ITokenRepository, notifier RevocationNotifier, refreshTTL time.Duration, clock Clock) *Revoker {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Revoker{
		blacklist:  blacklist,
		statuses:   statuses,
		tokens:     tokens,
		notifier:   notifier,
		refreshTTL: refreshTTL,
		now:        clockOrNow(clock),
	}
}

// SetNotifier replaces the notifier; used when Redis becomes available after
// the services have been wired.
func (r *Revoker) SetNotifier(n RevocationNotifier) {
	if n == nil {
		n = nopNotifier{}
	}
	r.notifier = n
}

func (r *Revoker) entryExpiry() time.Time {
	return r.now().Add(r.refreshTTL)
}

// RevokeToken blacklists one refresh token id.
func (r *Revoker) RevokeToken(ctx context.Context, tokenID string, userID int, familyID, reason string) {
	expiresAt := r.entryExpiry()
	r.blacklist.BlacklistToken(tokenID, userID, familyID, reason, expiresAt)
	r.notifier.TokenRevoked(ctx, tokenID, userID, familyID, reason, expiresAt)
}

// RevokeFamily blacklists a token family, which kills every access token
// minted in it, and deletes the family's persisted refresh tokens.
func (r *Revoker) RevokeFamily(ctx context.Context, familyID string, userID int, reason string) error {
	expiresAt := r.entryExpiry()
	r.blacklist.BlacklistFamily(familyID, userID, expiresAt)
	r.notifier.FamilyRevoked(ctx, familyID, userID, expiresAt)

	deleted, err := r.tokens.DeleteByFamilyID(ctx, familyID)
	logger.Log.WithFields(logrus.Fields{
		"family_id":      familyID,
		"user_id":        userID,
		"reason":         reason,
		"tokens_deleted": deleted,
	}).Info("Token family revoked")
	if err != nil {
		return fmt.Errorf("delete family refresh tokens: %w", err)
	}
	return nil
}

// RevokeAllSessions deletes every persisted refresh token of userID so none
// of them can mint a new access token.
func (r *Revoker) RevokeAllSessions(ctx context.Context, userID int) error {
	deleted, err := r.tokens.DeleteByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("delete user refresh tokens: %w", err)
	}
	logger.Log.WithFields(logrus.Fields{
		"user_id":        userID,
		"tokens_deleted": deleted,
	}).Info("All refresh tokens revoked for user")
	return nil
}

// InvalidateUser drops the cached status locally and on other instances.
func (r *Revoker) InvalidateUser(ctx context.Context, userID int) {
	r.statuses.Invalidate(userID)
	r.notifier.UserChanged(ctx, userID)
}

// RefreshUser re-files the user in the right cache tier after a role change.
func (r *Revoker) RefreshUser(ctx context.Context, userID int) error {
	defer r.notifier.UserChanged(ctx, userID)
	return r.statuses.RefreshPrivileged(ctx, userID)
}

// DisconnectUser asks other instances to close the user's realtime
// connections. Local connections are closed by the caller.
func (r *Revoker) DisconnectUser(ctx context.Context, userID int, reason string) {
	r.notifier.UserDisconnected(ctx, userID, reason)
}
