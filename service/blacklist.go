package service

import (
	"storefront-api/logger"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultBlacklistMaxEntries bounds each of the two blacklist maps.
const DefaultBlacklistMaxEntries = 100000

type blacklistEntry struct {
	userID    int
	familyID  string
	reason    string
	expiresAt time.Time
}

type familyEntry struct {
	userID    int
	expiresAt time.Time
}

// BlacklistStats is a point-in-time view of the blacklist sizes.
type BlacklistStats struct {
	Tokens     int `json:"tokens"`
	Families   int `json:"families"`
	MaxEntries int `json:"max_entries"`
}

// TokenBlacklist is the in-memory revocation store for individual refresh
// token ids and whole token families. Entries only need to live as long as
// the tokens they suppress; expired entries are dropped lazily on read,
// on capacity pressure and by the periodic sweep.
//
// The blacklist is not durable. The per-user token version stored in the
// database remains the authoritative revocation mechanism.
type TokenBlacklist struct {
	mu         sync.RWMutex
	tokens     map[string]blacklistEntry
	families   map[string]familyEntry
	maxEntries int
	now        Clock
}

func NewTokenBlacklist(maxEntries int, clock Clock) *TokenBlacklist {
	if maxEntries <= 0 {
		maxEntries = DefaultBlacklistMaxEntries
	}
	return &TokenBlacklist{
		tokens:     make(map[string]blacklistEntry),
		families:   make(map[string]familyEntry),
		maxEntries: maxEntries,
		now:        clockOrNow(clock),
	}
}

// BlacklistToken revokes a single token id until expiresAt.
func (b *TokenBlacklist) BlacklistToken(tokenID string, userID int, familyID, reason string, expiresAt time.Time) {
	b.mu.Lock()
	if len(b.tokens) >= b.maxEntries {
		b.relieveCapacityLocked("token", len(b.tokens))
	}
	b.tokens[tokenID] = blacklistEntry{
		userID:    userID,
		familyID:  familyID,
		reason:    reason,
		expiresAt: expiresAt,
	}
	b.mu.Unlock()

	logger.Log.WithFields(logrus.Fields{
		"token_id":   tokenID,
		"user_id":    userID,
		"family_id":  familyID,
		"reason":     reason,
		"expires_at": expiresAt,
	}).Info("Token added to blacklist")
}

// BlacklistFamily revokes every token carrying familyID until expiresAt.
func (b *TokenBlacklist) BlacklistFamily(familyID string, userID int, expiresAt time.Time) {
	b.mu.Lock()
	if len(b.families) >= b.maxEntries {
		b.relieveCapacityLocked("family", len(b.families))
	}
	if existing, ok := b.families[familyID]; ok && existing.expiresAt.After(expiresAt) {
		expiresAt = existing.expiresAt
	}
	b.families[familyID] = familyEntry{userID: userID, expiresAt: expiresAt}
	b.mu.Unlock()

	logger.Log.WithFields(logrus.Fields{
		"family_id":  familyID,
		"user_id":    userID,
		"expires_at": expiresAt,
	}).Info("Token family added to blacklist")
}

// relieveCapacityLocked sweeps expired entries when a map is full. Live
// entries are never evicted, so the map may exceed the bound until they
// expire. b.mu must be held.
func (b *TokenBlacklist) relieveCapacityLocked(kind string, size int) {
	log := logger.Log.WithFields(logrus.Fields{
		"kind":        kind,
		"size":        size,
		"max_entries": b.maxEntries,
	})
	log.Warn("Blacklist at capacity, cleaning expired entries")

	tokens, families := b.cleanExpiredLocked(b.now())
	if len(b.tokens) >= b.maxEntries || len(b.families) >= b.maxEntries {
		log.WithFields(logrus.Fields{
			"tokens_cleaned":   tokens,
			"families_cleaned": families,
		}).Warn("Blacklist still over capacity after cleanup; keeping unexpired entries")
	}
}

// IsTokenBlacklisted reports whether tokenID is currently revoked.
func (b *TokenBlacklist) IsTokenBlacklisted(tokenID string) bool {
	now := b.now()

	b.mu.RLock()
	entry, ok := b.tokens[tokenID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if !now.After(entry.expiresAt) {
		return true
	}

	b.mu.Lock()
	if current, ok := b.tokens[tokenID]; ok && now.After(current.expiresAt) {
		delete(b.tokens, tokenID)
	}
	b.mu.Unlock()
	return false
}

// IsFamilyBlacklisted reports whether familyID is currently revoked.
func (b *TokenBlacklist) IsFamilyBlacklisted(familyID string) bool {
	now := b.now()

	b.mu.RLock()
	entry, ok := b.families[familyID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if !now.After(entry.expiresAt) {
		return true
	}

	b.mu.Lock()
	if current, ok := b.families[familyID]; ok && now.After(current.expiresAt) {
		delete(b.families, familyID)
	}
	b.mu.Unlock()
	return false
}

// CleanExpired removes every expired entry from both maps and returns how
// many were removed from each. The lock is held only for the eviction pass.
func (b *TokenBlacklist) CleanExpired() (tokens, families int) {
	now := b.now()

	b.mu.Lock()
	tokens, families = b.cleanExpiredLocked(now)
	tokensLeft, familiesLeft := len(b.tokens), len(b.families)
	b.mu.Unlock()

	if tokens > 0 || families > 0 {
		logger.Log.WithFields(logrus.Fields{
			"tokens_cleaned":     tokens,
			"families_cleaned":   families,
			"tokens_remaining":   tokensLeft,
			"families_remaining": familiesLeft,
		}).Info("Blacklist cleanup completed")
	}
	return tokens, families
}

func (b *TokenBlacklist) cleanExpiredLocked(now time.Time) (tokens, families int) {
	for id, entry := range b.tokens {
		if now.After(entry.expiresAt) {
			delete(b.tokens, id)
			tokens++
		}
	}
	for id, entry := range b.families {
		if now.After(entry.expiresAt) {
			delete(b.families, id)
			families++
		}
	}
	return tokens, families
}

func (b *TokenBlacklist) Stats() BlacklistStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BlacklistStats{
		Tokens:     len(b.tokens),
		Families:   len(b.families),
		MaxEntries: b.maxEntries,
	}
}

// Clear drops all entries.
func (b *TokenBlacklist) Clear() {
	b.mu.Lock()
	b.tokens = make(map[string]blacklistEntry)
	b.families = make(map[string]familyEntry)
	b.mu.Unlock()
	logger.Log.Info("Blacklist cleared")
}
