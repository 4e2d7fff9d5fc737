package gateway

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/metrics"
	"otp-auth-service/internal/util"
)

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// Hub indexes live connections by room, session and account. Rooms are
// spread over murmur3 shards so busy rooms do not serialize the rest.
type Hub struct {
	shards  []*roomShard
	buckets *bucketing.BucketingManager

	mu        sync.RWMutex
	bySession map[string]map[*Client]struct{}
	byAccount map[int64]map[*Client]struct{}
	clients   map[*Client]struct{}

	logger *zap.Logger
}

func NewHub(buckets *bucketing.BucketingManager, shards int, logger *zap.Logger) *Hub {
	if shards <= 0 {
		shards = 1
	}
	h := &Hub{
		shards:    make([]*roomShard, shards),
		buckets:   buckets,
		bySession: make(map[string]map[*Client]struct{}),
		byAccount: make(map[int64]map[*Client]struct{}),
		clients:   make(map[*Client]struct{}),
		logger:    logger,
	}
	for i := range h.shards {
		h.shards[i] = &roomShard{rooms: make(map[string]map[*Client]struct{})}
	}
	return h
}

func (h *Hub) shard(room string) *roomShard {
	return h.shards[h.buckets.Shard(room, len(h.shards))]
}

// Register indexes an authenticated client
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	addIndex(h.bySession, c.SessionID(), c)
	addIndex(h.byAccount, c.AccountID(), c)
	h.mu.Unlock()
	metrics.GatewayConnections.Inc()
}

// Unregister drops the client from every index and room it belongs to
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, known := h.clients[c]
	delete(h.clients, c)
	removeIndex(h.bySession, c.SessionID(), c)
	removeIndex(h.byAccount, c.AccountID(), c)
	h.mu.Unlock()

	for _, room := range c.detach() {
		h.leave(c, room)
	}
	if known {
		metrics.GatewayConnections.Dec()
	}
}

// Join reports false once the client has been unregistered. Both sides of
// the membership are written under the shard lock, so Unregister either sees
// the room or the join is refused.
func (h *Hub) Join(c *Client, room string) bool {
	s := h.shard(room)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.addRoom(room) {
		return false
	}
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		s.rooms[room] = members
	}
	members[c] = struct{}{}
	return true
}

func (h *Hub) Leave(c *Client, room string) {
	h.leave(c, room)
	c.removeRoom(room)
}

func (h *Hub) leave(c *Client, room string) {
	s := h.shard(room)
	s.mu.Lock()
	if members, ok := s.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
	s.mu.Unlock()
}

// Broadcast queues frame for every member of room without blocking. A
// member whose queue is full is disconnected. Returns how many accepted it.
func (h *Hub) Broadcast(room string, frame []byte) int {
	s := h.shard(room)
	s.mu.RLock()
	members := make([]*Client, 0, len(s.rooms[room]))
	for c := range s.rooms[room] {
		members = append(members, c)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, c := range members {
		if c.State() != StateAuthenticated {
			continue
		}
		if c.enqueue(frame) {
			delivered++
			continue
		}
		metrics.GatewayMessagesDroppedTotal.Inc()
		c.ForceDisconnect("slow_consumer", "connection could not keep up")
	}
	return delivered
}

// PublishNotification wraps payload in a notification frame for room
func (h *Hub) PublishNotification(room string, payload json.RawMessage) int {
	frame, err := encode(EventNotification, Notification{Room: room, Payload: payload})
	if err != nil {
		h.logger.Warn("Dropping unencodable notification", util.String("room", room), util.ErrorField(err))
		return 0
	}
	return h.Broadcast(room, frame)
}

// DisconnectSession force-closes every connection bound to the session
func (h *Hub) DisconnectSession(sessionID, reason string) int {
	clients := h.snapshot(func() map[*Client]struct{} { return h.bySession[sessionID] })
	for _, c := range clients {
		c.ForceDisconnect(reason, disconnectMessage(reason))
	}
	return len(clients)
}

// AccountStatusChanged notifies the account's connections and, when the
// account was blocked, disconnects them
func (h *Hub) AccountStatusChanged(accountID int64, blocked bool) int {
	frame, err := encode(EventUserStatusChanged, UserStatusChanged{
		AccountID: accountID,
		IsActive:  !blocked,
		IsBlocked: blocked,
	})
	if err != nil {
		return 0
	}

	clients := h.snapshot(func() map[*Client]struct{} { return h.byAccount[accountID] })
	for _, c := range clients {
		c.enqueue(frame)
		if blocked {
			c.ForceDisconnect("account_blocked", disconnectMessage("account_blocked"))
		}
	}
	return len(clients)
}

// CloseAll disconnects every client; used on shutdown
func (h *Hub) CloseAll(reason string) {
	clients := h.snapshot(func() map[*Client]struct{} { return h.clients })
	for _, c := range clients {
		c.ForceDisconnect(reason, disconnectMessage(reason))
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomSize(room string) int {
	s := h.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

func (h *Hub) snapshot(pick func() map[*Client]struct{}) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := pick()
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func addIndex[K comparable](index map[K]map[*Client]struct{}, key K, c *Client) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Client]struct{})
		index[key] = set
	}
	set[c] = struct{}{}
}

func removeIndex[K comparable](index map[K]map[*Client]struct{}, key K, c *Client) {
	if set, ok := index[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func disconnectMessage(reason string) string {
	switch reason {
	case "account_blocked", "security_logout":
		return "Your account has been signed out for security reasons"
	case "manual_logout":
		return "You have been logged out"
	case "session_limit_exceeded":
		return "Signed in on too many devices"
	case "expired", "token_expired", "session_expired":
		return "Your session has expired"
	case "server_shutdown":
		return "Server is restarting"
	default:
		return "Connection closed by server"
	}
}
