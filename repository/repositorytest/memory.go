// Package repositorytest provides in-memory repositories with the same
// observable behaviour as the Postgres ones, for service and router tests.
package repositorytest

import (
	"context"
	"sort"
	"storefront-api/model"
	"storefront-api/repository"
	"sync"
	"time"
)

// UserStore is an in-memory repository.IUserRepository.
type UserStore struct {
	mu     sync.Mutex
	nextID int
	users  map[int]*model.User

	// Lookups counts GetUserByID calls.
	Lookups int
}

var _ repository.IUserRepository = (*UserStore)(nil)

func NewUserStore() *UserStore {
	return &UserStore{nextID: 1, users: make(map[int]*model.User)}
}

func cloneUser(u *model.User) *model.User {
	c := *u
	c.Roles = append([]model.Role(nil), u.Roles...)
	if u.DeletedAt != nil {
		t := *u.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Seed stores user as-is, assigning an ID when it has none.
func (s *UserStore) Seed(user *model.User) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == 0 {
		user.ID = s.nextID
	}
	if user.ID >= s.nextID {
		s.nextID = user.ID + 1
	}
	if user.TokenVersion == 0 {
		user.TokenVersion = 1
	}
	s.users[user.ID] = cloneUser(user)
	return user
}

func (s *UserStore) CreateUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == user.Email {
			return repository.ErrDuplicateEmail
		}
	}
	user.ID = s.nextID
	s.nextID++
	user.TokenVersion = 1
	user.CreatedAt = time.Now()
	s.users[user.ID] = cloneUser(user)
	return nil
}

func (s *UserStore) GetUserByID(_ context.Context, id int) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Lookups++
	user, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneUser(user), nil
}

func (s *UserStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Email == email {
			return cloneUser(user), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *UserStore) GetUserRoles(_ context.Context, id int) ([]model.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return append([]model.Role(nil), user.Roles...), nil
}

func (s *UserStore) sortedLocked(keep func(*model.User) bool) []*model.User {
	var out []*model.User
	for _, user := range s.users {
		if keep(user) {
			out = append(out, cloneUser(user))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *UserStore) GetAllUsers(_ context.Context) ([]*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(*model.User) bool { return true }), nil
}

func (s *UserStore) GetUsersWithRoles(_ context.Context, roles []model.Role) ([]*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(u *model.User) bool { return model.HasAnyRole(u.Roles, roles...) }), nil
}

func (s *UserStore) mutate(id int, fn func(*model.User) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok || !fn(user) {
		return repository.ErrNotFound
	}
	return nil
}

func (s *UserStore) UpdatePassword(_ context.Context, id int, passwordHash string) error {
	return s.mutate(id, func(u *model.User) bool { u.Password = passwordHash; return true })
}

func (s *UserStore) SetBanned(_ context.Context, id int, banned bool) error {
	return s.mutate(id, func(u *model.User) bool { u.Banned = banned; return true })
}

func (s *UserStore) SetDeleted(_ context.Context, id int, at time.Time) error {
	return s.mutate(id, func(u *model.User) bool {
		if u.DeletedAt != nil {
			return false
		}
		u.DeletedAt = &at
		return true
	})
}

func (s *UserStore) IncrementTokenVersion(_ context.Context, id int) (int, error) {
	var version int
	err := s.mutate(id, func(u *model.User) bool {
		u.TokenVersion++
		version = u.TokenVersion
		return true
	})
	return version, err
}

func (s *UserStore) AddUserRole(_ context.Context, id int, role model.Role) error {
	return s.mutate(id, func(u *model.User) bool {
		if !model.HasAnyRole(u.Roles, role) {
			u.Roles = append(u.Roles, role)
		}
		return true
	})
}

func (s *UserStore) RemoveUserRole(_ context.Context, id int, role model.Role) error {
	return s.mutate(id, func(u *model.User) bool {
		for i, r := range u.Roles {
			if r == role {
				u.Roles = append(u.Roles[:i], u.Roles[i+1:]...)
				return true
			}
		}
		return false
	})
}

// TokenStore is an in-memory repository.ITokenRepository.
type TokenStore struct {
	mu     sync.Mutex
	nextID int
	tokens map[string]*model.RefreshToken
}

var _ repository.ITokenRepository = (*TokenStore)(nil)

func NewTokenStore() *TokenStore {
	return &TokenStore{nextID: 1, tokens: make(map[string]*model.RefreshToken)}
}

func (s *TokenStore) Create(_ context.Context, token *model.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token.ID = s.nextID
	s.nextID++
	token.CreatedAt = time.Now()
	c := *token
	s.tokens[token.TokenID] = &c
	return nil
}

func (s *TokenStore) GetByTokenID(_ context.Context, tokenID string) (*model.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *token
	return &c, nil
}

func (s *TokenStore) DeleteByTokenID(_ context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tokenID]; !ok {
		return false, nil
	}
	delete(s.tokens, tokenID)
	return true, nil
}

func (s *TokenStore) deleteWhere(match func(*model.RefreshToken) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, token := range s.tokens {
		if match(token) {
			delete(s.tokens, id)
			n++
		}
	}
	return n
}

func (s *TokenStore) DeleteByFamilyID(_ context.Context, familyID string) (int64, error) {
	return s.deleteWhere(func(t *model.RefreshToken) bool { return t.FamilyID == familyID }), nil
}

func (s *TokenStore) DeleteByUserID(_ context.Context, userID int) (int64, error) {
	return s.deleteWhere(func(t *model.RefreshToken) bool { return t.UserID == userID }), nil
}

func (s *TokenStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	return s.deleteWhere(func(t *model.RefreshToken) bool { return t.ExpiresAt.Before(now) }), nil
}

// Count returns the number of stored refresh tokens.
func (s *TokenStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// CountForUser returns the number of stored refresh tokens of userID.
func (s *TokenStore) CountForUser(userID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, token := range s.tokens {
		if token.UserID == userID {
			n++
		}
	}
	return n
}
