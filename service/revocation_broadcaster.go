// file: service/revocation_broadcaster.go

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"storefront-api/logger"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	revocationKindToken      = "token"
	revocationKindFamily     = "family"
	revocationKindUser       = "user"
	revocationKindDisconnect = "disconnect"
)

// PubSubClient is the subset of the Redis client used by the broadcaster.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RevocationMessage is the wire format on the revocation channel.
type RevocationMessage struct {
	Kind      string     `json:"kind"`
	ID        string     `json:"id,omitempty"`
	UserID    int        `json:"user_id"`
	FamilyID  string     `json:"family_id,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Origin    string     `json:"origin"`
}

// RedisBroadcaster publishes local revocations on a Redis channel and applies
// revocations published by other instances to the local blacklist and user
// status cache. The in-memory stores stay authoritative per process; the
// channel only shortens the window in which a sibling still accepts a token.
type RedisBroadcaster struct {
	client       PubSubClient
	channel      string
	origin       string
	blacklist    *TokenBlacklist
	statuses     *UserStatusCache
	disconnector SessionDisconnector

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBroadcaster creates a broadcaster applying remote revocations to
// blacklist and statuses and remote disconnects to disconnector, which may be
// nil when the instance holds no realtime connections.
func NewRedisBroadcaster(client PubSubClient, channel string, blacklist *TokenBlacklist, statuses *UserStatusCache, disconnector SessionDisconnector) *RedisBroadcaster {
	if disconnector == nil {
		disconnector = nopDisconnector{}
	}
	return &RedisBroadcaster{
		client:       client,
		channel:      channel,
		origin:       uuid.NewString(),
		blacklist:    blacklist,
		statuses:     statuses,
		disconnector: disconnector,
	}
}

func (b *RedisBroadcaster) TokenRevoked(ctx context.Context, tokenID string, userID int, familyID, reason string, expiresAt time.Time) {
	b.publish(ctx, RevocationMessage{Kind: revocationKindToken, ID: tokenID, UserID: userID, FamilyID: familyID, Reason: reason, ExpiresAt: &expiresAt})
}

func (b *RedisBroadcaster) FamilyRevoked(ctx context.Context, familyID string, userID int, expiresAt time.Time) {
	b.publish(ctx, RevocationMessage{Kind: revocationKindFamily, FamilyID: familyID, UserID: userID, ExpiresAt: &expiresAt})
}

func (b *RedisBroadcaster) UserChanged(ctx context.Context, userID int) {
	b.publish(ctx, RevocationMessage{Kind: revocationKindUser, UserID: userID})
}

func (b *RedisBroadcaster) UserDisconnected(ctx context.Context, userID int, reason string) {
	b.publish(ctx, RevocationMessage{Kind: revocationKindDisconnect, UserID: userID, Reason: reason})
}

func (b *RedisBroadcaster) publish(ctx context.Context, msg RevocationMessage) {
	msg.Origin = b.origin
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Log.WithError(err).Error("Failed to encode revocation message")
		return
	}

	// Request contexts may already be cancelled by the time the mutation
	// finishes; the broadcast should still go out.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := b.client.Publish(pubCtx, b.channel, payload).Err(); err != nil {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"kind":    msg.Kind,
			"user_id": msg.UserID,
		}).Warn("Failed to publish revocation")
	}
}

// Start subscribes to the channel and applies incoming messages until Close
// is called. It returns once the subscription is confirmed.
func (b *RedisBroadcaster) Start(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.pubsub = pubsub
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			b.handle(msg.Payload)
		}
	}()

	logger.Log.WithField("channel", b.channel).Info("Listening for revocations from other instances")
	return nil
}

// Close ends the subscription and waits for the receive loop to exit.
func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}

func (b *RedisBroadcaster) handle(payload string) {
	var msg RevocationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		logger.Log.WithError(err).Warn("Ignoring malformed revocation message")
		return
	}
	if msg.Origin == b.origin {
		return
	}

	switch msg.Kind {
	case revocationKindToken, revocationKindFamily:
		if msg.ExpiresAt == nil {
			logger.Log.WithField("kind", msg.Kind).Warn("Ignoring revocation message without expiry")
			return
		}
		if msg.Kind == revocationKindToken {
			b.blacklist.BlacklistToken(msg.ID, msg.UserID, msg.FamilyID, msg.Reason, *msg.ExpiresAt)
		} else {
			b.blacklist.BlacklistFamily(msg.FamilyID, msg.UserID, *msg.ExpiresAt)
		}
	case revocationKindUser:
		b.statuses.Invalidate(msg.UserID)
	case revocationKindDisconnect:
		if closed := b.disconnector.Disconnect(msg.UserID, msg.Reason); closed > 0 {
			logger.Log.WithFields(logrus.Fields{
				"user_id":     msg.UserID,
				"connections": closed,
			}).Info("Realtime connections closed on request of another instance")
		}
	default:
		logger.Log.WithField("kind", msg.Kind).Warn("Ignoring revocation message of unknown kind")
	}
}
