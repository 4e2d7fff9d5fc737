package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/encryption"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/models"
	"otp-auth-service/internal/repository/memory"
	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/service"
	"otp-auth-service/internal/sms"
	"otp-auth-service/internal/token"
)

type discardRecorder struct{}

func (discardRecorder) Record(context.Context, models.SecurityEvent) {}

// newServices wires the real session manager to the memory store and a
// Redis-backed session event bus
func newServices(t *testing.T) (*service.ServiceFactory, *redisrepo.SessionEventBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	redisClient := client.WrapRedis(rc)

	hasher, err := hashing.NewHasherWithParams(
		hashing.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1},
		hashing.Pepper{Value: "pepper", Version: 1},
	)
	require.NoError(t, err)
	tokens, err := token.NewManager(token.Config{
		Secret:    []byte("gateway-test-secret-gateway-test"),
		Issuer:    "otp-auth-service",
		AccessTTL: 15 * time.Minute,
	})
	require.NoError(t, err)

	logger := zap.NewNop()
	cfg := &config.Config{
		Environment: "test",
		OTP:         config.OTPConfig{CodeLength: 6, ExpiryMinutes: 5, MaxAttempts: 3, EchoCode: true},
		Token:       config.TokenConfig{RefreshTTL: 24 * time.Hour},
		Session:     config.SessionConfig{MaxPerAccount: 5, TouchInterval: time.Minute},
	}
	bus := redisrepo.NewSessionEventBus(redisClient)
	factory := service.NewServiceFactory(cfg, service.Dependencies{
		Store:    memory.NewStore(),
		Hasher:   hasher,
		Tokens:   tokens,
		Limiter:  redisrepo.NewRateLimitCache(redisClient, 10, 10, time.Hour),
		Sender:   sms.NewLogSender(logger),
		Cipher:   encryption.NewLocalManager("test", logger),
		Events:   bus,
		Recorder: discardRecorder{},
	}, logger)
	return factory, bus, mr
}

func signIn(t *testing.T, factory *service.ServiceFactory, phone string) *service.TokenPair {
	t.Helper()
	ctx := context.Background()
	issued, err := factory.OTPIssuer().Issue(ctx, service.IssueRequest{Phone: phone, OriginIP: "10.0.0.1"})
	require.NoError(t, err)
	res, err := factory.OTPVerifier().Verify(ctx, service.VerifyRequest{
		Phone:     phone,
		Code:      issued.Code,
		FirstName: "Mykola",
	})
	require.NoError(t, err)
	return res.Tokens
}

func TestRevocationReachesConnectedClient(t *testing.T) {
	factory, bus, mr := newServices(t)
	sessions := factory.SessionManager()
	tokens := signIn(t, factory, "0501234567")

	hub := newTestHub()
	listener := NewListener(hub, bus, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	listenerDone := make(chan error, 1)
	go func() { listenerDone <- listener.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-listenerDone
	})
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(redisrepo.SessionEventsChannel)[redisrepo.SessionEventsChannel] == 1
	}, 2*time.Second, 5*time.Millisecond)

	r := startClientWithToken(t, hub, sessions, tokens.AccessToken, ClientConfig{})
	status := r.socket.waitFor(t, EventConnectionStatus)
	var cs ConnectionStatus
	require.NoError(t, json.Unmarshal(status.Data, &cs))
	assert.Equal(t, tokens.SessionID, cs.SessionID)

	r.socket.send(t, EventSubscribeNotifications, SubscribeRequest{Category: "plumbing", Location: "kyiv"})
	r.socket.waitFor(t, EventRoomJoined)
	require.Equal(t, 1, hub.RoomSize("notifications:kyiv:plumbing"))

	for i := 0; i < 3; i++ {
		delivered := listener.HandleNotification([]byte(fmt.Sprintf(`{"room":"notifications:kyiv:plumbing","payload":{"job":%d}}`, i+1)))
		require.Equal(t, 1, delivered)
	}
	require.NoError(t, sessions.Revoke(context.Background(), tokens.SessionID, models.ReasonManualLogout))

	frame := r.socket.waitFor(t, EventForceDisconnect)
	var fd ForceDisconnect
	require.NoError(t, json.Unmarshal(frame.Data, &fd))
	assert.Equal(t, "manual_logout", fd.Reason)
	waitDone(t, r)

	events := r.socket.events()
	require.GreaterOrEqual(t, len(events), 5)
	assert.Equal(t, []string{
		string(EventNotification),
		string(EventNotification),
		string(EventNotification),
		string(EventForceDisconnect),
		"close:4001",
	}, events[len(events)-5:])

	assert.Equal(t, 0, hub.Count())
	assert.Equal(t, 0, hub.RoomSize("notifications:kyiv:plumbing"))
	_, err := sessions.Validate(context.Background(), tokens.AccessToken)
	assert.ErrorIs(t, err, service.ErrSessionRevoked)
}
