package gateway

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

type EventType string

// client -> server. A connection is bound to the access token it opened
// with; before that token expires the client sends authenticate with the
// refreshed token, otherwise revalidation closes it with token_expired.
const (
	EventJoinRoom               EventType = "join_room"
	EventLeaveRoom              EventType = "leave_room"
	EventSubscribeNotifications EventType = "subscribe_notifications"
	EventAuthenticate           EventType = "authenticate"
	EventPing                   EventType = "ping"
)

// server -> client
const (
	EventConnectionStatus  EventType = "connection_status"
	EventNotification      EventType = "notification"
	EventForceDisconnect   EventType = "force_disconnect"
	EventUserStatusChanged EventType = "user_status_changed"
	EventError             EventType = "error"
	EventPong              EventType = "pong"
	EventRoomJoined        EventType = "room_joined"
	EventRoomLeft          EventType = "room_left"
)

// Envelope is the single frame shape on the wire
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ConnectionStatus struct {
	Status    string `json:"status"`
	AccountID int64  `json:"account_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type Notification struct {
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

type ForceDisconnect struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type UserStatusChanged struct {
	AccountID int64 `json:"account_id"`
	IsActive  bool  `json:"is_active"`
	IsBlocked bool  `json:"is_blocked"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RoomRequest struct {
	Room string `json:"room"`
}

type AuthenticateRequest struct {
	AccessToken string `json:"access_token"`
}

type SubscribeRequest struct {
	Category string `json:"category"`
	Location string `json:"location"`
}

var (
	errInvalidRoom = errors.New("invalid room name")
	roomPattern    = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)
	segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,48}$`)
)

func encode(t EventType, data interface{}) ([]byte, error) {
	env := Envelope{Type: t}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func validRoom(room string) bool {
	return roomPattern.MatchString(room)
}

// NotificationRoom is the room subscribe_notifications joins
func NotificationRoom(location, category string) (string, error) {
	if !segmentPattern.MatchString(location) || !segmentPattern.MatchString(category) {
		return "", errInvalidRoom
	}
	return "notifications:" + location + ":" + category, nil
}

func accountRoom(accountID int64) string {
	return accountRoomPrefix + strconv.FormatInt(accountID, 10)
}

const accountRoomPrefix = "account:"

// joinable rejects private per-account rooms; clients are placed in their
// own account room on authentication
func joinable(room string) bool {
	return validRoom(room) && !strings.HasPrefix(room, accountRoomPrefix)
}
