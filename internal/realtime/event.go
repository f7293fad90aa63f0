package realtime

import (
	"encoding/json"
	"regexp"
	"time"
)

// Client to server events.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkRead          = "mark_read"
)

// Server to client events.
const (
	EventConnected    = "connected"
	EventConnectError = "connect_error"
	EventTyping       = "typing"
	EventMessageRead  = "message_read"
)

// Personal room pushes emitted by the CRUD app through Notify.
const (
	EventNewMessage          = "new_message"
	EventConversationUpdated = "conversation_updated"
	EventNewRequest          = "new_request"
	EventRequestAccepted     = "request_accepted"
	EventRequestDeclined     = "request_declined"
)

var pushEvents = map[string]bool{
	EventNewMessage:          true,
	EventConversationUpdated: true,
	EventNewRequest:          true,
	EventRequestAccepted:     true,
	EventRequestDeclined:     true,
}

// IsPushEvent reports whether name may be sent to a personal room.
func IsPushEvent(name string) bool {
	return pushEvents[name]
}

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Frame is a client to server message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// authFrame is the optional first frame carrying the session token when the
// upgrade request had no Authorization header.
type authFrame struct {
	Type string `json:"type"`
	Auth struct {
		Token string `json:"token"`
	} `json:"auth"`
}

// Message is a server to client message.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// TypingPayload is relayed for typing_start and typing_stop.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadPayload is relayed for mark_read.
type ReadPayload struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

// ConnectedPayload acknowledges a successful handshake.
type ConnectedPayload struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
}

// ConnectErrorPayload explains a rejected handshake.
type ConnectErrorPayload struct {
	Message string `json:"message"`
}

// conversationID extracts a well-formed conversation id from frame data.
// Anything other than a JSON string matching the id pattern is rejected.
func conversationID(data json.RawMessage) (string, bool) {
	var id string
	if len(data) == 0 || json.Unmarshal(data, &id) != nil {
		return "", false
	}
	if !conversationIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

func conversationRoom(id string) string { return "conversation:" + id }

func userRoom(id string) string { return "user:" + id }

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(Message{Event: event, Data: data})
}
