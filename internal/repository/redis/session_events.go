package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/util"
)

// SessionEventsChannel carries revocations and account status changes from the
// API process to every gateway instance.
const SessionEventsChannel = "auth:session_events"

type SessionEventType string

const (
	SessionRevoked SessionEventType = "session_revoked"
	AccountStatus  SessionEventType = "account_status"
)

type SessionEvent struct {
	Type       SessionEventType `json:"type"`
	SessionID  string           `json:"session_id,omitempty"`
	AccountID  int64            `json:"account_id"`
	Reason     string           `json:"reason,omitempty"`
	Blocked    bool             `json:"blocked,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

type SessionEventBus struct {
	client *client.RedisClient
}

func NewSessionEventBus(client *client.RedisClient) *SessionEventBus {
	return &SessionEventBus{client: client}
}

func (b *SessionEventBus) Publish(ctx context.Context, event SessionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode session event: %w", err)
	}
	if err := b.client.Publish(ctx, SessionEventsChannel, payload); err != nil {
		util.Error("Failed to publish session event",
			zap.String("type", string(event.Type)),
			zap.Int64("account_id", event.AccountID),
			zap.Error(err))
		return fmt.Errorf("failed to publish session event: %w", err)
	}
	return nil
}

// Subscribe delivers decoded events until ctx is cancelled. The subscription
// is confirmed before Subscribe returns.
func (b *SessionEventBus) Subscribe(ctx context.Context) (<-chan SessionEvent, error) {
	pubsub := b.client.Subscribe(ctx, SessionEventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to session events: %w", err)
	}

	out := make(chan SessionEvent, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event SessionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					util.Warn("Dropping malformed session event", zap.Error(err))
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
