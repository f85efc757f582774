package service

import (
	"context"
	"errors"
	"fmt"
	"storefront-api/logger"
	"storefront-api/model"
	"storefront-api/repository"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultUserCacheTTL  = 10 * time.Minute
	DefaultLookupTimeout = 3 * time.Second
)

var (
	ErrUserNotFound = errors.New("user not found")
	// ErrStatusLookup wraps any failure of the backing store, including timeouts.
	ErrStatusLookup = errors.New("user status lookup failed")
)

// UserStatusSource is the authoritative store behind the cache.
type UserStatusSource interface {
	GetUserByID(ctx context.Context, id int) (*model.User, error)
	GetUsersWithRoles(ctx context.Context, roles []model.Role) ([]*model.User, error)
}

// CacheStats is a point-in-time view of the tier sizes.
type CacheStats struct {
	Privileged int `json:"privileged"`
	Regular    int `json:"regular"`
}

// UserStatusCache keeps ban/deletion/role/token-version state so the auth
// gate does not hit the database on every request.
//
// Users holding a privileged role live in a tier without TTL that is loaded
// at startup and changed only by explicit invalidation or refresh. Everyone
// else is cached lazily for a fixed TTL. A user is in at most one tier.
//
// A fill that began before an invalidation of the same user (or a Clear) is
// discarded, so a slow read can never re-cache data older than the mutation
// that invalidated it. Fills for other users are unaffected.
type UserStatusCache struct {
	mu         sync.RWMutex
	privileged map[int]*model.UserStatus
	regular    map[int]*model.UserStatus
	epoch      uint64
	userGen    map[int]uint64

	source        UserStatusSource
	ttl           time.Duration
	lookupTimeout time.Duration
	now           Clock
}

func NewUserStatusCache(source UserStatusSource, ttl, lookupTimeout time.Duration, clock Clock) *UserStatusCache {
	if ttl <= 0 {
		ttl = DefaultUserCacheTTL
	}
	if lookupTimeout <= 0 {
		lookupTimeout = DefaultLookupTimeout
	}
	return &UserStatusCache{
		privileged:    make(map[int]*model.UserStatus),
		regular:       make(map[int]*model.UserStatus),
		userGen:       make(map[int]uint64),
		source:        source,
		ttl:           ttl,
		lookupTimeout: lookupTimeout,
		now:           clockOrNow(clock),
	}
}

// GetUserStatus returns the cached status of userID, loading it from the
// source on a miss.
func (c *UserStatusCache) GetUserStatus(ctx context.Context, userID int) (model.UserStatus, error) {
	now := c.now()

	c.mu.RLock()
	if status, ok := c.privileged[userID]; ok {
		c.mu.RUnlock()
		return *status, nil
	}
	if status, ok := c.regular[userID]; ok && now.Sub(status.CachedAt) < c.ttl {
		c.mu.RUnlock()
		return *status, nil
	}
	gen := c.generationLocked(userID)
	c.mu.RUnlock()

	status, err := c.load(ctx, userID)
	if err != nil {
		return model.UserStatus{}, err
	}
	c.store(userID, status, gen)
	return *status, nil
}

// Invalidate drops userID from both tiers. Call it after the mutation has
// been persisted.
func (c *UserStatusCache) Invalidate(userID int) {
	c.mu.Lock()
	delete(c.privileged, userID)
	delete(c.regular, userID)
	c.userGen[userID]++
	c.mu.Unlock()

	logger.Log.WithField("user_id", userID).Debug("User status cache invalidated")
}

// RefreshPrivileged re-reads userID and re-files it in the tier matching its
// current roles, e.g. after a promotion to admin or a demotion.
func (c *UserStatusCache) RefreshPrivileged(ctx context.Context, userID int) error {
	c.Invalidate(userID)

	c.mu.RLock()
	gen := c.generationLocked(userID)
	c.mu.RUnlock()

	status, err := c.load(ctx, userID)
	if err != nil {
		return err
	}
	c.store(userID, status, gen)

	logger.Log.WithFields(logrus.Fields{
		"user_id":    userID,
		"privileged": status.Privileged,
	}).Info("User status refreshed")
	return nil
}

// BulkLoadPrivileged fills the privileged tier with every user holding a
// privileged role and returns how many were loaded.
func (c *UserStatusCache) BulkLoadPrivileged(ctx context.Context) (int, error) {
	c.mu.RLock()
	epoch := c.epoch
	userGen := make(map[int]uint64, len(c.userGen))
	for id, g := range c.userGen {
		userGen[id] = g
	}
	c.mu.RUnlock()

	users, err := c.source.GetUsersWithRoles(ctx, model.PrivilegedRoles)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStatusLookup, err)
	}

	now := c.now()
	loaded := 0
	c.mu.Lock()
	if c.epoch == epoch {
		for _, user := range users {
			status := statusFromUser(user, now)
			if !status.Privileged || c.userGen[user.ID] != userGen[user.ID] {
				continue
			}
			delete(c.regular, user.ID)
			c.privileged[user.ID] = status
			loaded++
		}
	}
	c.mu.Unlock()

	logger.Log.WithField("count", loaded).Info("Privileged user cache loaded")
	return loaded, nil
}

// CleanExpired drops regular-tier entries older than the TTL.
func (c *UserStatusCache) CleanExpired() int {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for id, status := range c.regular {
		if now.Sub(status.CachedAt) >= c.ttl {
			delete(c.regular, id)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}

func (c *UserStatusCache) Clear() {
	c.mu.Lock()
	c.privileged = make(map[int]*model.UserStatus)
	c.regular = make(map[int]*model.UserStatus)
	c.userGen = make(map[int]uint64)
	c.epoch++
	c.mu.Unlock()
}

func (c *UserStatusCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{Privileged: len(c.privileged), Regular: len(c.regular)}
}

func (c *UserStatusCache) load(ctx context.Context, userID int) (*model.UserStatus, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()

	user, err := c.source.GetUserByID(lookupCtx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		logger.Log.WithError(err).WithField("user_id", userID).Error("User status lookup failed")
		return nil, fmt.Errorf("%w: %v", ErrStatusLookup, err)
	}
	return statusFromUser(user, c.now()), nil
}

// fillGeneration identifies the cache state a fill started from.
type fillGeneration struct {
	epoch uint64
	user  uint64
}

func (c *UserStatusCache) generationLocked(userID int) fillGeneration {
	return fillGeneration{epoch: c.epoch, user: c.userGen[userID]}
}

func (c *UserStatusCache) store(userID int, status *model.UserStatus, gen fillGeneration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generationLocked(userID) != gen {
		// Invalidated while loading; the next reader loads fresh data.
		return
	}
	delete(c.privileged, userID)
	delete(c.regular, userID)
	if status.Privileged {
		c.privileged[userID] = status
	} else {
		c.regular[userID] = status
	}
}

func statusFromUser(user *model.User, now time.Time) *model.UserStatus {
	roles := make([]model.Role, len(user.Roles))
	copy(roles, user.Roles)

	var deletedAt *time.Time
	if user.DeletedAt != nil {
		t := *user.DeletedAt
		deletedAt = &t
	}

	version := user.TokenVersion
	if version < 1 {
		version = 1
	}

	return &model.UserStatus{
		Banned:       user.Banned,
		DeletedAt:    deletedAt,
		TokenVersion: version,
		Roles:        roles,
		CachedAt:     now,
		Privileged:   model.IsPrivileged(roles),
	}
}
