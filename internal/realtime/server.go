// Package realtime is the authenticated conversation transport: WebSocket
// connections, per-conversation rooms, typing and read relays, and personal
// pushes from the CRUD app.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/auth"
	"github.com/butterr12/iskomunidad-guard/internal/observability/metrics"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownEvent  = errors.New("unknown push event")
	ErrMissingUserID = errors.New("missing user id")
)

const (
	maxFrameBytes       = 8 << 10
	membershipTimeout   = 5 * time.Second
	defaultAuthTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Authenticator resolves a session token to an active user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Principal, error)
}

// Membership answers whether a user currently participates in a conversation.
// It is consulted on every join and relay; answers are never cached.
type Membership interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Options tunes the WebSocket endpoint. Zero values use defaults.
type Options struct {
	OriginPatterns []string
	AuthTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server serves the realtime endpoint and owns the room broadcaster.
type Server struct {
	auth    Authenticator
	members Membership
	rooms   Broadcaster
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	base context.Context
	stop context.CancelFunc
}

// NewServer creates the realtime server.
func NewServer(authn Authenticator, members Membership, rooms Broadcaster, opts Options, logger *zap.Logger) *Server {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	base, stop := context.WithCancel(context.Background())
	return &Server{
		auth:    authn,
		members: members,
		rooms:   rooms,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		base:    base,
		stop:    stop,
	}
}

// Shutdown disconnects every open connection.
func (s *Server) Shutdown() {
	s.stop()
}

// ServeHTTP upgrades the request and runs the connection until either side
// closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stopAfter := context.AfterFunc(s.base, cancel)
	defer stopAfter()

	principal, err := s.handshake(ctx, conn, r)
	if err != nil {
		s.reject(ctx, conn, err)
		return
	}

	c := newClient(uuid.NewString(), principal)
	metrics.RealtimeConnections.Inc()
	defer metrics.RealtimeConnections.Dec()
	defer c.close(s.rooms)

	if msg, err := encode(EventConnected, ConnectedPayload{SocketID: c.id, UserID: principal.ID}); err == nil {
		c.deliver(msg)
	}
	c.join(s.rooms, userRoom(principal.ID))
	s.logger.Debug("realtime connected", zap.String("socket_id", c.id), zap.String("user_id", principal.ID))

	go s.writeLoop(ctx, cancel, conn, c)
	s.readLoop(ctx, conn, c)

	_ = conn.Close(websocket.StatusNormalClosure, "closed")
}

// handshake authenticates the connection from the upgrade request's bearer
// header, or failing that from an auth frame sent first.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, r *http.Request) (*auth.Principal, error) {
	token, ok := auth.BearerFromHeader(r.Header)
	if !ok {
		readCtx, cancel := context.WithTimeout(ctx, s.opts.AuthTimeout)
		defer cancel()
		var f authFrame
		if err := wsjson.Read(readCtx, conn, &f); err != nil || f.Type != "auth" {
			return nil, auth.ErrMissingToken
		}
		token = f.Auth.Token
	}
	return s.auth.Authenticate(ctx, token)
}

func (s *Server) reject(ctx context.Context, conn *websocket.Conn, err error) {
	reason := auth.Reason(err)
	metrics.RealtimeAuthFailuresTotal.WithLabelValues(reason).Inc()
	s.logger.Info("realtime handshake rejected", zap.String("reason", reason))

	writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	_ = wsjson.Write(writeCtx, conn, Message{Event: EventConnectError, Data: ConnectErrorPayload{Message: reason}})
	_ = conn.Close(websocket.StatusPolicyViolation, reason)
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancelWrite := context.WithTimeout(ctx, s.opts.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancelWrite()
			if err != nil {
				s.logger.Debug("realtime write failed", zap.String("socket_id", c.id), zap.Error(err))
				cancel()
				return
			}
		}
	}
}

// readLoop processes frames one at a time so a client's actions apply in the
// order they were sent.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, c *Client) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.drop(c, "unknown", "malformed")
			continue
		}
		s.handleFrame(ctx, c, f)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *Client, f Frame) {
	switch f.Event {
	case EventJoinConversation:
		s.joinConversation(ctx, c, f.Data)
	case EventLeaveConversation:
		id, ok := conversationID(f.Data)
		if !ok {
			s.drop(c, f.Event, "malformed")
			return
		}
		c.leave(s.rooms, conversationRoom(id))
		metrics.RealtimeEventsTotal.WithLabelValues(f.Event, "ok").Inc()
	case EventTypingStart, EventTypingStop, EventMarkRead:
		s.relay(ctx, c, f.Event, f.Data)
	default:
		s.drop(c, "unknown", "unknown_event")
	}
}

func (s *Server) joinConversation(ctx context.Context, c *Client, data json.RawMessage) {
	id, ok := conversationID(data)
	if !ok {
		metrics.RealtimeRoomJoinsTotal.WithLabelValues("malformed").Inc()
		s.drop(c, EventJoinConversation, "malformed")
		return
	}
	if !s.isParticipant(ctx, c, id) {
		metrics.RealtimeRoomJoinsTotal.WithLabelValues("denied").Inc()
		s.drop(c, EventJoinConversation, "not_participant")
		return
	}
	if !c.join(s.rooms, conversationRoom(id)) {
		metrics.RealtimeRoomJoinsTotal.WithLabelValues("discarded").Inc()
		return
	}
	metrics.RealtimeRoomJoinsTotal.WithLabelValues("admitted").Inc()
	metrics.RealtimeEventsTotal.WithLabelValues(EventJoinConversation, "ok").Inc()
}

// relay forwards typing and read receipts to the other members of a room the
// client has joined, after re-checking that the user still participates.
// Payloads carry the session identity, never client supplied fields.
func (s *Server) relay(ctx context.Context, c *Client, event string, data json.RawMessage) {
	id, ok := conversationID(data)
	if !ok {
		s.drop(c, event, "malformed")
		return
	}
	room := conversationRoom(id)
	if !c.inRoom(room) {
		s.drop(c, event, "not_joined")
		return
	}
	if !s.isParticipant(ctx, c, id) {
		c.leave(s.rooms, room)
		s.drop(c, event, "not_participant")
		return
	}
	if ctx.Err() != nil || !c.active() {
		return
	}

	var (
		msg []byte
		err error
	)
	switch event {
	case EventMarkRead:
		msg, err = encode(EventMessageRead, ReadPayload{
			ConversationID: id,
			UserID:         c.principal.ID,
			ReadAt:         s.now().UTC(),
		})
	default:
		msg, err = encode(EventTyping, TypingPayload{
			ConversationID: id,
			UserID:         c.principal.ID,
			UserName:       c.principal.Name,
			IsTyping:       event == EventTypingStart,
		})
	}
	if err != nil {
		s.logger.Error("encode relay payload", zap.String("event", event), zap.Error(err))
		return
	}
	if err := s.rooms.Emit(ctx, room, msg, c.id); err != nil {
		metrics.RealtimeEventsTotal.WithLabelValues(event, "fanout_error").Inc()
		return
	}
	metrics.RealtimeEventsTotal.WithLabelValues(event, "ok").Inc()
}

// isParticipant fails closed on lookup errors.
func (s *Server) isParticipant(ctx context.Context, c *Client, conversationID string) bool {
	ctx, cancel := context.WithTimeout(ctx, membershipTimeout)
	defer cancel()
	ok, err := s.members.IsParticipant(ctx, conversationID, c.principal.ID)
	if err != nil {
		s.logger.Warn("membership lookup failed",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", c.principal.ID),
			zap.Error(err),
		)
		return false
	}
	return ok
}

func (s *Server) drop(c *Client, event, reason string) {
	metrics.RealtimeEventsTotal.WithLabelValues(event, reason).Inc()
	s.logger.Debug("realtime event dropped",
		zap.String("socket_id", c.id),
		zap.String("user_id", c.principal.ID),
		zap.String("event", event),
		zap.String("reason", reason),
	)
}

// Notify pushes event to every connection of userID, on any instance when
// the broadcaster spans instances.
func (s *Server) Notify(ctx context.Context, userID, event string, data any) error {
	if userID == "" {
		return ErrMissingUserID
	}
	if !IsPushEvent(event) {
		return ErrUnknownEvent
	}
	msg, err := encode(event, data)
	if err != nil {
		return err
	}
	return s.rooms.Emit(ctx, userRoom(userID), msg, "")
}
