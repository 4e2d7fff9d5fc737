package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"otp-auth-service/internal/metrics"
	"otp-auth-service/internal/service"
	"otp-auth-service/internal/util"
)

// closeForced is the application close code sent after force_disconnect
const closeForced = 4001

const maxRoomsPerClient = 64

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Validator performs the full access token check (session row included)
type Validator interface {
	Validate(ctx context.Context, accessToken string) (*service.Principal, error)
}

// Socket is the part of *websocket.Conn a client uses
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type ClientConfig struct {
	PingInterval       time.Duration
	PongWait           time.Duration
	WriteWait          time.Duration
	MaxMessageSize     int64
	SendBuffer         int
	MessagesPerSecond  float64
	MessageBurst       int
	RevalidateInterval time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 10
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 20
	}
	if c.RevalidateInterval <= 0 {
		c.RevalidateInterval = 30 * time.Second
	}
	return c
}

// Client is one websocket connection. The read loop runs on the caller's
// goroutine; a write loop owns every write to the socket.
type Client struct {
	id        string
	socket    Socket
	hub       *Hub
	validator Validator
	cfg       ClientConfig
	limiter   *rate.Limiter
	logger    *zap.Logger

	state     atomic.Int32
	accountID int64
	sessionID string

	send     chan []byte
	kick     chan ForceDisconnect
	done     chan struct{}
	kickOnce sync.Once
	doneOnce sync.Once

	tokenMu sync.Mutex
	token   string

	roomsMu  sync.Mutex
	rooms    map[string]struct{}
	detached bool
}

func NewClient(socket Socket, token string, hub *Hub, validator Validator, cfg ClientConfig, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		id:        uuid.NewString(),
		socket:    socket,
		hub:       hub,
		validator: validator,
		token:     token,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.MessageBurst),
		logger:    logger,
		send:      make(chan []byte, cfg.SendBuffer),
		kick:      make(chan ForceDisconnect, 1),
		done:      make(chan struct{}),
		rooms:     make(map[string]struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Client) ID() string        { return c.id }
func (c *Client) AccountID() int64  { return c.accountID }
func (c *Client) SessionID() string { return c.sessionID }
func (c *Client) State() State      { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) currentToken() string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// Run authenticates the connection and serves it until either side closes
func (c *Client) Run(ctx context.Context) {
	c.setState(StateAuthenticating)
	principal, err := c.validator.Validate(ctx, c.currentToken())
	if err != nil {
		c.reject(err)
		return
	}
	c.accountID = principal.Account.ID
	c.sessionID = principal.Session.ID
	c.setState(StateAuthenticated)

	c.hub.Register(c)
	defer c.hub.Unregister(c)
	c.hub.Join(c, accountRoom(c.accountID))

	c.reply(EventConnectionStatus, ConnectionStatus{
		Status:    "authenticated",
		AccountID: c.accountID,
		SessionID: c.sessionID,
	})
	c.logger.Debug("Gateway client authenticated",
		util.String("client_id", c.id),
		util.AccountID(c.accountID),
		util.SessionID(c.sessionID))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()
	go func() {
		defer wg.Done()
		c.revalidate(ctx)
	}()

	c.readPump(ctx)

	c.setState(StateDisconnected)
	c.doneOnce.Do(func() { close(c.done) })
	cancel()
	wg.Wait()
}

// reject runs before the write loop exists, so it writes directly
func (c *Client) reject(err error) {
	metrics.GatewayHandshakeFailuresTotal.Inc()
	c.setState(StateDisconnected)

	reason, _ := revocationReason(err)
	if frame, encErr := encode(EventError, ErrorPayload{Code: reason, Message: "authentication failed"}); encErr == nil {
		_ = c.socket.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
		_ = c.socket.WriteMessage(websocket.TextMessage, frame)
	}
	_ = c.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(c.cfg.WriteWait))
	_ = c.socket.Close()
}

// ForceDisconnect sends force_disconnect, a close frame and closes the socket.
// Only the first call has an effect.
func (c *Client) ForceDisconnect(reason, message string) {
	c.kickOnce.Do(func() {
		metrics.GatewayForcedDisconnectsTotal.WithLabelValues(reason).Inc()
		c.kick <- ForceDisconnect{Reason: reason, Message: message}
	})
}

// enqueue never blocks; false means the send buffer is full
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) reply(t EventType, data interface{}) {
	frame, err := encode(t, data)
	if err != nil {
		c.logger.Warn("Failed to encode frame", util.String("type", string(t)), util.ErrorField(err))
		return
	}
	if !c.enqueue(frame) {
		metrics.GatewayMessagesDroppedTotal.Inc()
	}
}

func (c *Client) replyError(code, message string) {
	c.reply(EventError, ErrorPayload{Code: code, Message: message})
}

func (c *Client) writePump(ctx context.Context) {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ping.Stop()
		_ = c.socket.Close()
	}()

	for {
		select {
		case fd := <-c.kick:
			c.setState(StateDisconnected)
			c.flush()
			if frame, err := encode(EventForceDisconnect, fd); err == nil {
				_ = c.write(frame)
			}
			c.closeWith(closeForced, fd.Reason)
			c.logger.Info("Gateway client disconnected by server",
				util.String("client_id", c.id),
				util.SessionID(c.sessionID),
				util.String("reason", fd.Reason))
			return
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		case <-ping.C:
			if err := c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				return
			}
		case <-c.done:
			c.closeWith(websocket.CloseNormalClosure, "")
			return
		case <-ctx.Done():
			c.closeWith(websocket.CloseGoingAway, "")
			return
		}
	}
}

// flush writes frames queued before a forced disconnect so they keep order
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(frame []byte) error {
	_ = c.socket.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.socket.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) closeWith(code int, text string) {
	_ = c.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(c.cfg.WriteWait))
}

func (c *Client) readPump(ctx context.Context) {
	c.socket.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Gateway read failed", util.String("client_id", c.id), util.ErrorField(err))
			}
			return
		}
		_ = c.socket.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		if c.State() != StateAuthenticated {
			continue
		}
		if !c.limiter.Allow() {
			c.replyError("rate_limited", "too many messages")
			continue
		}
		c.handle(ctx, data)
	}
}

func (c *Client) handle(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.replyError("invalid_message", "frame is not a valid envelope")
		return
	}

	switch env.Type {
	case EventJoinRoom:
		var req RoomRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || !joinable(req.Room) {
			c.replyError("invalid_room", "room name is not allowed")
			return
		}
		c.join(req.Room)
	case EventLeaveRoom:
		var req RoomRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || !joinable(req.Room) {
			c.replyError("invalid_room", "room name is not allowed")
			return
		}
		c.hub.Leave(c, req.Room)
		c.reply(EventRoomLeft, RoomRequest{Room: req.Room})
	case EventSubscribeNotifications:
		var req SubscribeRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.replyError("invalid_subscription", "category and location are required")
			return
		}
		room, err := NotificationRoom(req.Location, req.Category)
		if err != nil {
			c.replyError("invalid_subscription", "category and location are required")
			return
		}
		c.join(room)
	case EventAuthenticate:
		var req AuthenticateRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.AccessToken == "" {
			c.replyError("invalid_token", "access_token is required")
			return
		}
		c.reauthenticate(ctx, req.AccessToken)
	case EventPing:
		c.reply(EventPong, nil)
	default:
		c.replyError("unknown_event", "unsupported event type")
	}
}

func (c *Client) join(room string) {
	if !c.inRoom(room) && len(c.Rooms()) >= maxRoomsPerClient {
		c.replyError("too_many_rooms", "room limit reached")
		return
	}
	if !c.hub.Join(c, room) {
		return
	}
	c.reply(EventRoomJoined, RoomRequest{Room: room})
}

// reauthenticate swaps in a refreshed access token for the same session, so
// the connection outlives the token it was opened with
func (c *Client) reauthenticate(ctx context.Context, accessToken string) {
	principal, err := c.validator.Validate(ctx, accessToken)
	if err != nil {
		reason, terminal := revocationReason(err)
		if terminal && !errors.Is(err, service.ErrInvalidToken) {
			c.ForceDisconnect(reason, disconnectMessage(reason))
			return
		}
		c.replyError(reason, "access token was not accepted")
		return
	}
	if principal.Account.ID != c.accountID || principal.Session.ID != c.sessionID {
		c.replyError("session_mismatch", "access token belongs to another session")
		return
	}
	c.setToken(accessToken)
	c.reply(EventConnectionStatus, ConnectionStatus{
		Status:    "reauthenticated",
		AccountID: c.accountID,
		SessionID: c.sessionID,
	})
}

// revalidate bounds how long a revoked session stays connected when the
// pub/sub revocation is missed
func (c *Client) revalidate(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RevalidateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			_, err := c.validator.Validate(ctx, c.currentToken())
			if err == nil {
				continue
			}
			if reason, terminal := revocationReason(err); terminal {
				c.ForceDisconnect(reason, disconnectMessage(reason))
				return
			}
			c.logger.Warn("Gateway revalidation failed", util.SessionID(c.sessionID), util.ErrorField(err))
		}
	}
}

// revocationReason maps a validation failure to the force_disconnect reason
// and whether it ends the connection. An access token that expires without
// an authenticate frame carrying its replacement ends it with token_expired.
func revocationReason(err error) (string, bool) {
	switch {
	case errors.Is(err, service.ErrSessionRevoked), errors.Is(err, service.ErrSessionNotFound):
		return "session_revoked", true
	case errors.Is(err, service.ErrSessionExpired):
		return "session_expired", true
	case errors.Is(err, service.ErrAccountBlocked):
		return "account_blocked", true
	case errors.Is(err, service.ErrInvalidToken):
		return "token_expired", true
	default:
		return "unavailable", false
	}
}

// addRoom reports false once the client is detached from the hub
func (c *Client) addRoom(room string) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	if c.detached {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

// detach refuses further joins and returns the rooms still to be left
func (c *Client) detach() []string {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	c.detached = true
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (c *Client) removeRoom(room string) {
	c.roomsMu.Lock()
	delete(c.rooms, room)
	c.roomsMu.Unlock()
}

func (c *Client) inRoom(room string) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *Client) Rooms() []string {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}
