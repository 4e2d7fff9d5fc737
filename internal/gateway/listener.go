package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/util"
)

// SessionSubscriber is the Redis session event bus as seen by the gateway
type SessionSubscriber interface {
	Subscribe(ctx context.Context) (<-chan redisrepo.SessionEvent, error)
}

// NotificationConsumer reads room notifications from Kafka
type NotificationConsumer interface {
	ConsumeMessage(ctx context.Context) (*kafka.Message, error)
}

// Listener feeds external events into the hub: revocations and account
// status changes from Redis, room notifications from Kafka.
type Listener struct {
	hub           *Hub
	sessions      SessionSubscriber
	notifications NotificationConsumer
	retryDelay    time.Duration
	logger        *zap.Logger
}

// NewListener accepts a nil consumer when Kafka ingress is disabled
func NewListener(hub *Hub, sessions SessionSubscriber, notifications NotificationConsumer, logger *zap.Logger) *Listener {
	return &Listener{
		hub:           hub,
		sessions:      sessions,
		notifications: notifications,
		retryDelay:    time.Second,
		logger:        logger,
	}
}

// Run blocks until ctx is cancelled
func (l *Listener) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.runSessionEvents(ctx) })
	if l.notifications != nil {
		g.Go(func() error { return l.runNotifications(ctx) })
	}
	return g.Wait()
}

// runSessionEvents resubscribes after the subscription drops
func (l *Listener) runSessionEvents(ctx context.Context) error {
	for {
		events, err := l.sessions.Subscribe(ctx)
		if err != nil {
			l.logger.Warn("Session event subscription failed", util.ErrorField(err))
		} else {
			for event := range events {
				l.HandleSessionEvent(event)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.retryDelay):
		}
	}
}

func (l *Listener) HandleSessionEvent(event redisrepo.SessionEvent) {
	switch event.Type {
	case redisrepo.SessionRevoked:
		n := l.hub.DisconnectSession(event.SessionID, event.Reason)
		if n > 0 {
			l.logger.Info("Disconnected revoked session",
				util.SessionID(event.SessionID),
				util.String("reason", event.Reason),
				util.Int("connections", n))
		}
	case redisrepo.AccountStatus:
		l.hub.AccountStatusChanged(event.AccountID, event.Blocked)
	default:
		l.logger.Debug("Ignoring session event", util.String("type", string(event.Type)))
	}
}

func (l *Listener) runNotifications(ctx context.Context) error {
	for {
		msg, err := l.notifications.ConsumeMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			l.logger.Warn("Notification consume failed", util.ErrorField(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.retryDelay):
			}
			continue
		}
		l.HandleNotification(msg.Value)
	}
}

// HandleNotification publishes a {room, payload} document to the room
func (l *Listener) HandleNotification(value []byte) int {
	var n Notification
	if err := json.Unmarshal(value, &n); err != nil || !validRoom(n.Room) || len(n.Payload) == 0 {
		l.logger.Warn("Dropping malformed notification")
		return 0
	}
	return l.hub.PublishNotification(n.Room, n.Payload)
}
