package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/models"
	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/service"
)

var errSocketClosed = errors.New("socket closed")

type fakeSocket struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	frames     []Envelope
	controls   []int
	closeCodes []int
	// timeline holds frame types and "close:<code>" in write order
	timeline []string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-s.inbound:
		return websocket.TextMessage, msg, nil
	case <-s.closed:
		return 0, nil, errSocketClosed
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, env)
	s.timeline = append(s.timeline, string(env.Type))
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, messageType)
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		code := int(binary.BigEndian.Uint16(data[:2]))
		s.closeCodes = append(s.closeCodes, code)
		s.timeline = append(s.timeline, "close:"+strconv.Itoa(code))
	}
	return nil
}

func (s *fakeSocket) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.timeline...)
}

func (s *fakeSocket) SetReadLimit(int64)                {}
func (s *fakeSocket) SetReadDeadline(time.Time) error   { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error  { return nil }
func (s *fakeSocket) SetPongHandler(func(string) error) {}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) send(t *testing.T, typ EventType, data interface{}) {
	t.Helper()
	frame, err := encode(typ, data)
	require.NoError(t, err)
	s.inbound <- frame
}

func (s *fakeSocket) snapshot() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.frames...)
}

func (s *fakeSocket) wrote(control int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.controls {
		if c == control {
			return true
		}
	}
	return false
}

func (s *fakeSocket) waitFor(t *testing.T, typ EventType) Envelope {
	t.Helper()
	var found Envelope
	require.Eventually(t, func() bool {
		for _, f := range s.snapshot() {
			if f.Type == typ {
				found = f
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no %s frame", typ)
	return found
}

// fakeValidator accepts good-token and fresh-token for sess-7 and
// foreign-token for another session of the same account
type fakeValidator struct {
	mu       sync.Mutex
	err      error
	rejected map[string]bool
}

func (v *fakeValidator) reject(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rejected == nil {
		v.rejected = map[string]bool{}
	}
	v.rejected[token] = true
}

func (v *fakeValidator) setErr(err error) {
	v.mu.Lock()
	v.err = err
	v.mu.Unlock()
}

func (v *fakeValidator) Validate(_ context.Context, token string) (*service.Principal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	if v.rejected[token] {
		return nil, service.ErrInvalidToken
	}
	switch token {
	case "good-token", "fresh-token":
		return &service.Principal{
			Account: &models.Account{ID: 7},
			Session: &models.Session{ID: "sess-7"},
		}, nil
	case "foreign-token":
		return &service.Principal{
			Account: &models.Account{ID: 7},
			Session: &models.Session{ID: "sess-9"},
		}, nil
	default:
		return nil, service.ErrInvalidToken
	}
}

func newTestHub() *Hub {
	return NewHub(bucketing.New(1), 4, zap.NewNop())
}

type running struct {
	client *Client
	socket *fakeSocket
	done   chan struct{}
}

func startClient(t *testing.T, hub *Hub, validator Validator, cfg ClientConfig) running {
	t.Helper()
	return startClientWithToken(t, hub, validator, "good-token", cfg)
}

func startClientWithToken(t *testing.T, hub *Hub, validator Validator, accessToken string, cfg ClientConfig) running {
	t.Helper()
	socket := newFakeSocket()
	client := NewClient(socket, accessToken, hub, validator, cfg, zap.NewNop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(context.Background())
	}()
	t.Cleanup(func() {
		_ = socket.Close()
		<-done
	})
	socket.waitFor(t, EventConnectionStatus)
	return running{client: client, socket: socket, done: done}
}

func waitDone(t *testing.T, r running) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestClientAuthenticatesAndServesRooms(t *testing.T) {
	hub := newTestHub()
	r := startClient(t, hub, &fakeValidator{}, ClientConfig{})

	status := r.socket.waitFor(t, EventConnectionStatus)
	var cs ConnectionStatus
	require.NoError(t, json.Unmarshal(status.Data, &cs))
	assert.Equal(t, "authenticated", cs.Status)
	assert.Equal(t, int64(7), cs.AccountID)
	assert.Equal(t, "sess-7", cs.SessionID)
	assert.Equal(t, StateAuthenticated, r.client.State())
	assert.Equal(t, 1, hub.Count())

	r.socket.send(t, EventJoinRoom, RoomRequest{Room: "orders"})
	r.socket.waitFor(t, EventRoomJoined)
	require.Eventually(t, func() bool { return hub.RoomSize("orders") == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, hub.PublishNotification("orders", json.RawMessage(`{"id":1}`)))
	note := r.socket.waitFor(t, EventNotification)
	var n Notification
	require.NoError(t, json.Unmarshal(note.Data, &n))
	assert.Equal(t, "orders", n.Room)
	assert.JSONEq(t, `{"id":1}`, string(n.Payload))

	r.socket.send(t, EventSubscribeNotifications, SubscribeRequest{Category: "alerts", Location: "kyiv"})
	require.Eventually(t, func() bool { return hub.RoomSize("notifications:kyiv:alerts") == 1 }, time.Second, 5*time.Millisecond)

	r.socket.send(t, EventPing, nil)
	r.socket.waitFor(t, EventPong)

	r.socket.send(t, EventLeaveRoom, RoomRequest{Room: "orders"})
	r.socket.waitFor(t, EventRoomLeft)
	require.Eventually(t, func() bool { return hub.RoomSize("orders") == 0 }, time.Second, 5*time.Millisecond)
}

func TestClientRejectsPrivateAndUnknownEvents(t *testing.T) {
	hub := newTestHub()
	r := startClient(t, hub, &fakeValidator{}, ClientConfig{})

	r.socket.send(t, EventJoinRoom, RoomRequest{Room: "account:8"})
	errFrame := r.socket.waitFor(t, EventError)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(errFrame.Data, &payload))
	assert.Equal(t, "invalid_room", payload.Code)
	assert.Equal(t, 0, hub.RoomSize("account:8"))

	// the client's own account room is joined automatically
	assert.Equal(t, 1, hub.RoomSize("account:7"))

	r.socket.inbound <- []byte("not json")
	require.Eventually(t, func() bool {
		for _, f := range r.socket.snapshot() {
			if f.Type == EventError && string(f.Data) != string(errFrame.Data) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestHandshakeFailureClosesWithoutRegistering(t *testing.T) {
	hub := newTestHub()
	socket := newFakeSocket()
	client := NewClient(socket, "good-token", hub, &fakeValidator{err: service.ErrSessionRevoked}, ClientConfig{}, zap.NewNop())

	client.Run(context.Background())

	assert.Equal(t, StateDisconnected, client.State())
	assert.True(t, socket.isClosed())
	assert.True(t, socket.wrote(websocket.CloseMessage))
	assert.Equal(t, 0, hub.Count())
	frames := socket.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, EventError, frames[0].Type)
}

func TestDisconnectSessionForcesClose(t *testing.T) {
	hub := newTestHub()
	r := startClient(t, hub, &fakeValidator{}, ClientConfig{})

	assert.Equal(t, 1, hub.DisconnectSession("sess-7", "manual_logout"))
	frame := r.socket.waitFor(t, EventForceDisconnect)
	var fd ForceDisconnect
	require.NoError(t, json.Unmarshal(frame.Data, &fd))
	assert.Equal(t, "manual_logout", fd.Reason)
	assert.NotEmpty(t, fd.Message)

	waitDone(t, r)
	assert.True(t, r.socket.wrote(websocket.CloseMessage))
	assert.True(t, r.socket.isClosed())
	assert.Equal(t, StateDisconnected, r.client.State())
	assert.Equal(t, 0, hub.Count())
	assert.Equal(t, 0, hub.RoomSize("account:7"))
}

func TestAccountBlockedNotifiesThenDisconnects(t *testing.T) {
	hub := newTestHub()
	r := startClient(t, hub, &fakeValidator{}, ClientConfig{})

	assert.Equal(t, 1, hub.AccountStatusChanged(7, true))
	r.socket.waitFor(t, EventForceDisconnect)
	waitDone(t, r)

	var order []EventType
	for _, f := range r.socket.snapshot() {
		order = append(order, f.Type)
	}
	require.GreaterOrEqual(t, len(order), 3)
	assert.Equal(t, []EventType{EventUserStatusChanged, EventForceDisconnect}, order[len(order)-2:])
}

func TestRevalidationDisconnectsRevokedSession(t *testing.T) {
	hub := newTestHub()
	validator := &fakeValidator{}
	r := startClient(t, hub, validator, ClientConfig{RevalidateInterval: 20 * time.Millisecond})

	validator.setErr(service.ErrSessionRevoked)
	frame := r.socket.waitFor(t, EventForceDisconnect)
	var fd ForceDisconnect
	require.NoError(t, json.Unmarshal(frame.Data, &fd))
	assert.Equal(t, "session_revoked", fd.Reason)
	waitDone(t, r)
}

func TestRevalidationToleratesTransientErrors(t *testing.T) {
	hub := newTestHub()
	validator := &fakeValidator{}
	r := startClient(t, hub, validator, ClientConfig{RevalidateInterval: 10 * time.Millisecond})

	validator.setErr(errors.New("scylla timeout"))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateAuthenticated, r.client.State())
	assert.Equal(t, 1, hub.Count())
}

func TestRevalidationDisconnectsExpiredToken(t *testing.T) {
	hub := newTestHub()
	validator := &fakeValidator{}
	r := startClient(t, hub, validator, ClientConfig{RevalidateInterval: 20 * time.Millisecond})

	validator.reject("good-token")
	frame := r.socket.waitFor(t, EventForceDisconnect)
	var fd ForceDisconnect
	require.NoError(t, json.Unmarshal(frame.Data, &fd))
	assert.Equal(t, "token_expired", fd.Reason)
	waitDone(t, r)
	assert.Equal(t, []int{closeForced}, r.socket.closeCodes)
}

func TestAuthenticateFrameKeepsConnectionAlive(t *testing.T) {
	hub := newTestHub()
	validator := &fakeValidator{}
	r := startClient(t, hub, validator, ClientConfig{RevalidateInterval: 10 * time.Millisecond})

	r.socket.send(t, EventAuthenticate, AuthenticateRequest{AccessToken: "fresh-token"})
	require.Eventually(t, func() bool {
		for _, f := range r.socket.snapshot() {
			var cs ConnectionStatus
			if f.Type == EventConnectionStatus && json.Unmarshal(f.Data, &cs) == nil && cs.Status == "reauthenticated" {
				return cs.SessionID == "sess-7"
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "fresh-token", r.client.currentToken())

	// the original token lapses; revalidation now uses the refreshed one
	validator.reject("good-token")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateAuthenticated, r.client.State())
	assert.False(t, r.socket.isClosed())
	for _, f := range r.socket.snapshot() {
		assert.NotEqual(t, EventForceDisconnect, f.Type)
	}
}

func TestAuthenticateFrameRejections(t *testing.T) {
	hub := newTestHub()
	r := startClient(t, hub, &fakeValidator{}, ClientConfig{})

	errorCodes := func() []string {
		var codes []string
		for _, f := range r.socket.snapshot() {
			var p ErrorPayload
			if f.Type == EventError && json.Unmarshal(f.Data, &p) == nil {
				codes = append(codes, p.Code)
			}
		}
		return codes
	}

	r.socket.send(t, EventAuthenticate, AuthenticateRequest{AccessToken: "foreign-token"})
	r.socket.send(t, EventAuthenticate, AuthenticateRequest{AccessToken: "garbage"})
	r.socket.send(t, EventAuthenticate, AuthenticateRequest{})
	require.Eventually(t, func() bool { return len(errorCodes()) == 3 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"session_mismatch", "token_expired", "invalid_token"}, errorCodes())
	assert.Equal(t, "good-token", r.client.currentToken())
	assert.Equal(t, StateAuthenticated, r.client.State())
}

func TestAuthenticateFrameWithRevokedSessionDisconnects(t *testing.T) {
	hub := newTestHub()
	validator := &fakeValidator{}
	r := startClient(t, hub, validator, ClientConfig{})

	validator.setErr(service.ErrSessionRevoked)
	r.socket.send(t, EventAuthenticate, AuthenticateRequest{AccessToken: "fresh-token"})
	frame := r.socket.waitFor(t, EventForceDisconnect)
	var fd ForceDisconnect
	require.NoError(t, json.Unmarshal(frame.Data, &fd))
	assert.Equal(t, "session_revoked", fd.Reason)
	waitDone(t, r)
}

func TestJoinAfterUnregisterIsRefused(t *testing.T) {
	hub := newTestHub()
	client := NewClient(newFakeSocket(), "good-token", hub, &fakeValidator{}, ClientConfig{}, zap.NewNop())
	hub.Register(client)
	require.True(t, hub.Join(client, "orders"))

	hub.Unregister(client)
	assert.Equal(t, 0, hub.RoomSize("orders"))

	assert.False(t, hub.Join(client, "orders"))
	assert.False(t, hub.Join(client, "alerts"))
	assert.Equal(t, 0, hub.RoomSize("orders"))
	assert.Equal(t, 0, hub.RoomSize("alerts"))
	assert.Empty(t, client.Rooms())
}

func TestConcurrentJoinAndUnregisterLeavesNoMembership(t *testing.T) {
	hub := newTestHub()
	rooms := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	for i := 0; i < 50; i++ {
		client := NewClient(newFakeSocket(), "good-token", hub, &fakeValidator{}, ClientConfig{}, zap.NewNop())
		hub.Register(client)

		var wg sync.WaitGroup
		for _, room := range rooms {
			wg.Add(1)
			go func(room string) {
				defer wg.Done()
				hub.Join(client, room)
			}(room)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Unregister(client)
		}()
		wg.Wait()

		for _, room := range rooms {
			require.Equal(t, 0, hub.RoomSize(room), "client left behind in %s", room)
		}
	}
	assert.Equal(t, 0, hub.Count())
}

func TestInboundRateLimit(t *testing.T) {
	hub := newTestHub()
	r := startClient(t, hub, &fakeValidator{}, ClientConfig{MessagesPerSecond: 0.01, MessageBurst: 1})

	r.socket.send(t, EventPing, nil)
	r.socket.send(t, EventPing, nil)
	r.socket.waitFor(t, EventPong)
	frame := r.socket.waitFor(t, EventError)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, "rate_limited", payload.Code)
}

func TestSlowClientIsDropped(t *testing.T) {
	hub := newTestHub()
	socket := newFakeSocket()
	client := NewClient(socket, "good-token", hub, &fakeValidator{}, ClientConfig{SendBuffer: 1}, zap.NewNop())
	client.setState(StateAuthenticated)
	hub.Join(client, "busy")

	assert.Equal(t, 1, hub.Broadcast("busy", []byte(`{"type":"notification"}`)))
	assert.Equal(t, 0, hub.Broadcast("busy", []byte(`{"type":"notification"}`)))

	select {
	case fd := <-client.kick:
		assert.Equal(t, "slow_consumer", fd.Reason)
	default:
		t.Fatal("slow client was not kicked")
	}
}

func TestNotificationRoom(t *testing.T) {
	room, err := NotificationRoom("kyiv", "alerts")
	require.NoError(t, err)
	assert.Equal(t, "notifications:kyiv:alerts", room)

	_, err = NotificationRoom("", "alerts")
	assert.Error(t, err)
	_, err = NotificationRoom("ky:iv", "alerts")
	assert.Error(t, err)
}

func TestListenerDispatchesEvents(t *testing.T) {
	hub := newTestHub()
	r := startClient(t, hub, &fakeValidator{}, ClientConfig{})
	listener := NewListener(hub, nil, nil, zap.NewNop())

	r.socket.send(t, EventJoinRoom, RoomRequest{Room: "orders"})
	require.Eventually(t, func() bool { return hub.RoomSize("orders") == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, listener.HandleNotification([]byte(`{"room":"orders","payload":{"x":1}}`)))
	assert.Equal(t, 0, listener.HandleNotification([]byte(`{"room":"","payload":{}}`)))
	r.socket.waitFor(t, EventNotification)

	listener.HandleSessionEvent(redisrepo.SessionEvent{
		Type:      redisrepo.SessionRevoked,
		SessionID: "sess-7",
		Reason:    "security_logout",
	})
	frame := r.socket.waitFor(t, EventForceDisconnect)
	var fd ForceDisconnect
	require.NoError(t, json.Unmarshal(frame.Data, &fd))
	assert.Equal(t, "security_logout", fd.Reason)
	waitDone(t, r)
}

type chanSubscriber struct {
	events chan redisrepo.SessionEvent
}

func (s *chanSubscriber) Subscribe(ctx context.Context) (<-chan redisrepo.SessionEvent, error) {
	out := make(chan redisrepo.SessionEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-s.events:
				out <- e
			}
		}
	}()
	return out, nil
}

type sliceConsumer struct {
	mu       sync.Mutex
	messages []kafka.Message
}

func (c *sliceConsumer) ConsumeMessage(ctx context.Context) (*kafka.Message, error) {
	c.mu.Lock()
	if len(c.messages) > 0 {
		msg := c.messages[0]
		c.messages = c.messages[1:]
		c.mu.Unlock()
		return &msg, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestListenerRun(t *testing.T) {
	hub := newTestHub()
	r := startClient(t, hub, &fakeValidator{}, ClientConfig{})
	subscriber := &chanSubscriber{events: make(chan redisrepo.SessionEvent, 1)}
	consumer := &sliceConsumer{messages: []kafka.Message{{Value: []byte(`{"room":"account:7","payload":{"hello":"world"}}`)}}}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- NewListener(hub, subscriber, consumer, zap.NewNop()).Run(ctx) }()

	r.socket.waitFor(t, EventNotification)

	subscriber.events <- redisrepo.SessionEvent{Type: redisrepo.AccountStatus, AccountID: 7, Blocked: true}
	r.socket.waitFor(t, EventUserStatusChanged)
	r.socket.waitFor(t, EventForceDisconnect)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func upgradeRequest(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	return req
}

func TestServerRejectsBeforeUpgrade(t *testing.T) {
	server := NewServer(newTestHub(), &fakeValidator{}, ClientConfig{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	resp, err := server.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)

	for _, target := range []string{"/ws", "/ws?token=bad-token"} {
		resp, err = server.App().Test(upgradeRequest(target))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, target)
	}

	resp, err = server.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenSources(t *testing.T) {
	server := NewServer(newTestHub(), &fakeValidator{err: service.ErrSessionRevoked}, ClientConfig{}, zap.NewNop())

	for name, mutate := range map[string]func(req *http.Request){
		"bearer": func(req *http.Request) { req.Header.Set("Authorization", "Bearer good-token") },
		"query":  func(req *http.Request) { req.URL.RawQuery = "token=good-token" },
		"cookie": func(req *http.Request) { req.AddCookie(&http.Cookie{Name: "auth_token", Value: "good-token"}) },
	} {
		req := upgradeRequest("/ws")
		mutate(req)
		resp, err := server.App().Test(req)
		require.NoError(t, err, name)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)

		var body struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body), name)
		// session_revoked means the token reached the validator
		assert.Equal(t, "session_revoked", body.Error.Code, name)
	}

	resp, err := NewServer(newTestHub(), &fakeValidator{err: errors.New("redis down")}, ClientConfig{}, zap.NewNop()).
		App().Test(upgradeRequest("/ws?token=good-token"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
