// Package realtime is the websocket gateway: it relays change-feed events
// to subscribed conversations, broadcasts typing signals, and accepts
// presence heartbeats. Nothing that passes through here is persisted
// except the heartbeat timestamp.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lokalnie/messaging/internal/config"
	"github.com/lokalnie/messaging/internal/hub"
	"github.com/lokalnie/messaging/internal/metrics"
	"github.com/lokalnie/messaging/internal/model/message"
)

// Presence is the slice of the presence store the gateway needs.
type Presence interface {
	Heartbeat(ctx context.Context, userID string) error
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

// Handler upgrades realtime sessions and routes their frames.
type Handler struct {
	hub      *hub.Hub
	presence Presence
	cfg      config.RealtimeConfig
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// New creates the realtime gateway handler.
func New(h *hub.Hub, p Presence, cfg config.RealtimeConfig, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:      h,
		presence: p,
		cfg:      cfg,
		logger:   logger.With().Str("component", "realtime").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/realtime", h.handleSocket)
}

// DispatchFeedEvent fans one change-feed event out to every session
// subscribed to the event's conversation. Wired as the feed listener's
// handler in main.
func (h *Handler) DispatchFeedEvent(ev message.Event) {
	metrics.FeedEvents.WithLabelValues(string(ev.Op)).Inc()

	var key string
	switch ev.Op {
	case message.OpInsert:
		key = ev.Insert.ConversationKey()
	case message.OpUpdate:
		key = message.Key(ev.Update.SenderID, ev.Update.ReceiverID)
	default:
		return
	}

	frame, err := feedFrame(ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode feed frame")
		return
	}
	// Every subscriber gets the event, the original sender's session
	// included; clients dedup against their optimistic copies by id.
	h.hub.BroadcastConversation(key, frame, 0)
}

// inboundFrame is the envelope of every client frame. Payload shape
// depends on Type and is validated per-type.
type inboundFrame struct {
	Type             string `json:"type"`
	ConversationWith string `json:"conversation_with,omitempty"`
	UserID           string `json:"user_id,omitempty"`
	Typing           bool   `json:"typing,omitempty"`
}

type outboundFrame struct {
	Type         string          `json:"type"`
	Event        json.RawMessage `json:"event,omitempty"`
	Conversation string          `json:"conversation,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	Typing       bool            `json:"typing,omitempty"`
	LastSeenMS   int64           `json:"last_seen_ms,omitempty"`
	Message      string          `json:"message,omitempty"`

	// Timing hints sent on the connected frame so clients do not hardcode
	// the server's windows.
	TypingTTLMS         int64 `json:"typing_ttl_ms,omitempty"`
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms,omitempty"`
}

func feedFrame(ev message.Event) (outboundFrame, error) {
	raw, err := message.EncodeEvent(ev)
	if err != nil {
		return outboundFrame{}, err
	}
	return outboundFrame{Type: "event", Event: raw}, nil
}

// session is one connected client. Writes go through a mutex because the
// hub and the read loop both push frames at the connection.
type session struct {
	userID string
	conn   *websocket.Conn

	writeMu sync.Mutex

	// topic -> subscription id, for teardown on close.
	conversations map[string]int64
	watches       map[string]int64
}

// Send implements hub.Sender.
func (s *session) Send(frame any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(frame)
}

func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request) {
	userID := message.NormalizeUserID(r.Header.Get("X-User-ID"))
	if userID == "" {
		userID = message.NormalizeUserID(r.URL.Query().Get("user_id"))
	}
	if userID == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.LiveSessions.Inc()
	defer metrics.LiveSessions.Dec()

	sess := &session{
		userID:        userID,
		conn:          conn,
		conversations: make(map[string]int64),
		watches:       make(map[string]int64),
	}
	defer h.teardown(sess)

	h.logger.Info().Str("user", userID).Msg("realtime session opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go h.pingLoop(ctx, sess)

	_ = sess.Send(outboundFrame{
		Type:                "connected",
		UserID:              userID,
		TypingTTLMS:         h.cfg.TypingTTL.Milliseconds(),
		HeartbeatIntervalMS: h.cfg.PresenceInterval.Milliseconds(),
	})

	// Typing frames are cheap to send and cheap to abuse; cap them per
	// connection instead of per message content.
	typingLimiter := rate.NewLimiter(rate.Limit(h.cfg.TypingBurstPerSec), h.cfg.TypingBurstPerSec)

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("user", userID).Msg("websocket read error")
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		h.handleFrame(ctx, sess, frame, typingLimiter)
	}
}

func (h *Handler) handleFrame(ctx context.Context, sess *session, frame inboundFrame, typingLimiter *rate.Limiter) {
	switch frame.Type {
	case "subscribe":
		h.handleSubscribe(sess, frame)
	case "unsubscribe":
		h.handleUnsubscribe(sess, frame)
	case "typing":
		h.handleTyping(sess, frame, typingLimiter)
	case "heartbeat":
		h.handleHeartbeat(ctx, sess)
	case "watch":
		h.handleWatch(ctx, sess, frame)
	case "unwatch":
		h.handleUnwatch(sess, frame)
	default:
		_ = sess.Send(outboundFrame{Type: "error", Message: "unsupported frame type: " + frame.Type})
	}
}

func (h *Handler) handleSubscribe(sess *session, frame inboundFrame) {
	other := message.NormalizeUserID(frame.ConversationWith)
	if other == "" {
		_ = sess.Send(outboundFrame{Type: "error", Message: "conversation_with is required"})
		return
	}

	key := message.Key(sess.userID, other)
	if _, ok := sess.conversations[key]; ok {
		return
	}
	sess.conversations[key] = h.hub.SubscribeConversation(key, sess)
}

func (h *Handler) handleUnsubscribe(sess *session, frame inboundFrame) {
	other := message.NormalizeUserID(frame.ConversationWith)
	key := message.Key(sess.userID, other)
	if id, ok := sess.conversations[key]; ok {
		h.hub.UnsubscribeConversation(key, id)
		delete(sess.conversations, key)
	}
}

func (h *Handler) handleTyping(sess *session, frame inboundFrame, limiter *rate.Limiter) {
	if !limiter.Allow() {
		// Dropped, not an error: typing is a liveness signal and the next
		// keystroke will refresh it anyway.
		return
	}

	other := message.NormalizeUserID(frame.ConversationWith)
	if other == "" {
		_ = sess.Send(outboundFrame{Type: "error", Message: "conversation_with is required"})
		return
	}

	key := message.Key(sess.userID, other)
	subID, ok := sess.conversations[key]
	if !ok {
		_ = sess.Send(outboundFrame{Type: "error", Message: "not subscribed to conversation"})
		return
	}

	metrics.TypingFrames.Inc()
	h.hub.BroadcastConversation(key, outboundFrame{
		Type:         "typing",
		Conversation: key,
		UserID:       sess.userID,
		Typing:       frame.Typing,
	}, subID)
}

func (h *Handler) handleHeartbeat(ctx context.Context, sess *session) {
	if err := h.presence.Heartbeat(ctx, sess.userID); err != nil {
		h.logger.Warn().Err(err).Str("user", sess.userID).Msg("heartbeat store failed")
		return
	}

	metrics.PresenceHeartbeats.Inc()
	h.hub.BroadcastPresence(sess.userID, outboundFrame{
		Type:       "presence",
		UserID:     sess.userID,
		LastSeenMS: time.Now().UnixMilli(),
	})
}

func (h *Handler) handleWatch(ctx context.Context, sess *session, frame inboundFrame) {
	target := message.NormalizeUserID(frame.UserID)
	if target == "" {
		_ = sess.Send(outboundFrame{Type: "error", Message: "user_id is required"})
		return
	}
	if _, ok := sess.watches[target]; ok {
		return
	}

	sess.watches[target] = h.hub.WatchPresence(target, sess)

	// Answer with the current state so the observer does not have to wait
	// up to a full heartbeat interval for the first signal.
	lastSeen, ok, err := h.presence.LastSeen(ctx, target)
	if err != nil {
		// The watch stays registered; only the immediate reply is lost.
		h.logger.Warn().Err(err).Str("user", target).Msg("presence read failed")
		return
	}
	if ok {
		_ = sess.Send(outboundFrame{
			Type:       "presence",
			UserID:     target,
			LastSeenMS: lastSeen.UnixMilli(),
		})
	}
}

func (h *Handler) handleUnwatch(sess *session, frame inboundFrame) {
	target := message.NormalizeUserID(frame.UserID)
	if id, ok := sess.watches[target]; ok {
		h.hub.UnwatchPresence(target, id)
		delete(sess.watches, target)
	}
}

// teardown releases every subscription the session holds. Skipping this
// would leak one hub entry per visited conversation for the life of the
// process.
func (h *Handler) teardown(sess *session) {
	for key, id := range sess.conversations {
		h.hub.UnsubscribeConversation(key, id)
	}
	for user, id := range sess.watches {
		h.hub.UnwatchPresence(user, id)
	}
	h.logger.Info().Str("user", sess.userID).Msg("realtime session closed")
}

func (h *Handler) pingLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.writeMu.Lock()
			_ = sess.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := sess.conn.WriteMessage(websocket.PingMessage, nil)
			sess.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
