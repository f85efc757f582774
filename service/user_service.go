package service

import (
	"context"
	"errors"
	"storefront-api/logger"
	"storefront-api/model"
	"storefront-api/repository"

	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidRole = errors.New("invalid role specified")
	ErrSelfAction  = errors.New("administrators cannot apply this action to their own account")
)

// SessionDisconnector terminates live realtime connections of a user.
type SessionDisconnector interface {
	Disconnect(userID int, reason string) int
}

type nopDisconnector struct{}

func (nopDisconnector) Disconnect(int, string) int { return 0 }

// UserService handles account administration. Every mutation persists first
// and invalidates the cached status immediately afterwards, before sessions
// are revoked or connections closed, so a concurrent request can neither
// re-cache nor be admitted on the pre-mutation state.
type UserService struct {
	userRepo     repository.IUserRepository
	revoker      *Revoker
	disconnector SessionDisconnector
	now          Clock
}

// NewUserService creates a new UserService.
func NewUserService(userRepo repository.IUserRepository, revoker *Revoker, disconnector SessionDisconnector, clock Clock) *UserService {
	if disconnector == nil {
		disconnector = nopDisconnector{}
	}
	return &UserService{
		userRepo:     userRepo,
		revoker:      revoker,
		disconnector: disconnector,
		now:          clockOrNow(clock),
	}
}

func (s *UserService) ListUsers(ctx context.Context) ([]*model.User, error) {
	return s.userRepo.GetAllUsers(ctx)
}

func mapNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}

// persistRevocation bumps the token version of a user whose ban or deletion
// flag has just been written, drops the cached status and deletes every
// refresh token. The cache is invalidated even when the bump fails.
func (s *UserService) persistRevocation(ctx context.Context, userID int) error {
	_, err := s.userRepo.IncrementTokenVersion(ctx, userID)
	s.revoker.InvalidateUser(ctx, userID)
	if err != nil {
		return mapNotFound(err)
	}
	return s.revoker.RevokeAllSessions(ctx, userID)
}

// disconnect closes the user's realtime connections here and on every other
// instance.
func (s *UserService) disconnect(ctx context.Context, userID int, reason string) int {
	closed := s.disconnector.Disconnect(userID, reason)
	s.revoker.DisconnectUser(ctx, userID, reason)
	return closed
}

// BanUser blocks the account, invalidates all issued tokens, deletes every
// refresh token and closes live realtime connections.
func (s *UserService) BanUser(ctx context.Context, actorID, userID int) error {
	if actorID == userID {
		return ErrSelfAction
	}
	log := logger.Log.WithFields(logrus.Fields{"user_id": userID, "actor_id": actorID})

	if err := s.userRepo.SetBanned(ctx, userID, true); err != nil {
		return mapNotFound(err)
	}
	if err := s.persistRevocation(ctx, userID); err != nil {
		return err
	}
	if closed := s.disconnect(ctx, userID, "Account banned"); closed > 0 {
		log.WithField("connections", closed).Info("Realtime connections closed on ban")
	}

	log.Warn("User banned")
	return nil
}

// UnbanUser lifts a ban. Tokens invalidated by the ban stay invalid; the
// token version is not bumped again.
func (s *UserService) UnbanUser(ctx context.Context, actorID, userID int) error {
	if err := s.userRepo.SetBanned(ctx, userID, false); err != nil {
		return mapNotFound(err)
	}
	s.revoker.InvalidateUser(ctx, userID)

	logger.Log.WithFields(logrus.Fields{"user_id": userID, "actor_id": actorID}).Info("User unbanned")
	return nil
}

// DeleteUser soft-deletes the account and revokes everything it holds.
func (s *UserService) DeleteUser(ctx context.Context, actorID, userID int) error {
	if actorID == userID {
		return ErrSelfAction
	}

	if err := s.userRepo.SetDeleted(ctx, userID, s.now()); err != nil {
		return mapNotFound(err)
	}
	if err := s.persistRevocation(ctx, userID); err != nil {
		return err
	}
	s.disconnect(ctx, userID, "Account deleted")

	logger.Log.WithFields(logrus.Fields{"user_id": userID, "actor_id": actorID}).Warn("User deleted")
	return nil
}

// AddUserRole grants a role. Role changes bump the token version so that
// access tokens carrying the old role set stop working.
func (s *UserService) AddUserRole(ctx context.Context, actorID, userID int, role model.Role) error {
	if !role.Valid() {
		return ErrInvalidRole
	}
	if err := s.userRepo.AddUserRole(ctx, userID, role); err != nil {
		return mapNotFound(err)
	}
	return s.afterRoleChange(ctx, actorID, userID, role, "granted")
}

// RemoveUserRole revokes a role. An admin cannot remove their own admin role.
func (s *UserService) RemoveUserRole(ctx context.Context, actorID, userID int, role model.Role) error {
	if !role.Valid() {
		return ErrInvalidRole
	}
	if actorID == userID && role == model.RoleAdmin {
		return ErrSelfAction
	}
	if err := s.userRepo.RemoveUserRole(ctx, userID, role); err != nil {
		return mapNotFound(err)
	}
	return s.afterRoleChange(ctx, actorID, userID, role, "revoked")
}

func (s *UserService) afterRoleChange(ctx context.Context, actorID, userID int, role model.Role, action string) error {
	if _, err := s.userRepo.IncrementTokenVersion(ctx, userID); err != nil {
		s.revoker.InvalidateUser(ctx, userID)
		return mapNotFound(err)
	}
	if err := s.revoker.RefreshUser(ctx, userID); err != nil {
		// The entry is gone either way; the next request reloads it.
		logger.Log.WithError(err).WithField("user_id", userID).Warn("Failed to refresh user status after role change")
	}

	logger.Log.WithFields(logrus.Fields{
		"user_id":  userID,
		"actor_id": actorID,
		"role":     role,
		"action":   action,
	}).Info("User role changed")
	return nil
}
