package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lokalnie/messaging/internal/guard"
	"github.com/lokalnie/messaging/internal/model/message"
)

// Client talks to the messaging backend on behalf of one user. It
// implements Loader, MessageSender and ReadMarker, so a Reconciler can be
// wired straight onto it.
type Client struct {
	// BaseURL is the backend root, e.g. "http://localhost:8080".
	BaseURL string
	// UserID is the authenticated identity sent on every request.
	UserID string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) dialer() *websocket.Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return websocket.DefaultDialer
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	u := strings.TrimRight(c.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-User-ID", c.UserID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient().Do(req)
}

// apiError decodes an error response body into a useful error. A 422
// becomes a *guard.Rejection so callers can branch on the policy code.
func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &payload)

	if resp.StatusCode == http.StatusUnprocessableEntity && payload.Code != "" {
		return &guard.Rejection{
			Code:        guard.Code(payload.Code),
			UserMessage: payload.Error,
		}
	}

	if payload.Error != "" {
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("backend returned %d", resp.StatusCode)
}

// Send submits a message. Guard denials come back as *guard.Rejection.
func (c *Client) Send(ctx context.Context, receiver, content, listingID string) (*message.Message, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/messages", nil, map[string]string{
		"receiver_id": receiver,
		"content":     content,
		"listing_id":  listingID,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, apiError(resp)
	}

	var saved message.Message
	if err := json.NewDecoder(resp.Body).Decode(&saved); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	return &saved, nil
}

// History reads the conversation with other, optionally from an after
// cursor.
func (c *Client) History(ctx context.Context, other string, after time.Time) ([]message.Message, error) {
	query := url.Values{}
	if !after.IsZero() {
		query.Set("after", after.Format(time.RFC3339Nano))
	}

	resp, err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(other)+"/messages", query, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var payload struct {
		Messages []message.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	return payload.Messages, nil
}

// MarkRead marks every unread message from other as read.
func (c *Client) MarkRead(ctx context.Context, other string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(other)+"/read", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// UnreadCount returns the caller's total unread message count.
func (c *Client) UnreadCount(ctx context.Context) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/messages/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, apiError(resp)
	}

	var payload struct {
		Unread int64 `json:"unread"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode unread response: %w", err)
	}
	return payload.Unread, nil
}

// TypingSignal is a partner typing frame received over the feed.
type TypingSignal struct {
	Conversation string
	UserID       string
	Typing       bool
}

// PresenceSignal is a presence observation received over the feed.
type PresenceSignal struct {
	UserID   string
	LastSeen time.Time
}

// Feed is one live realtime session. Channels close when the session
// ends; Close must be called exactly once to release the connection.
type Feed struct {
	Events   <-chan message.Event
	Typing   <-chan TypingSignal
	Presence <-chan PresenceSignal

	// Timing hints announced by the gateway on connect. Zero when the
	// server predates the hints; fall back to local defaults then.
	TypingTTL         time.Duration
	HeartbeatInterval time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	readDone  chan struct{}
}

type clientFrame struct {
	Type             string `json:"type"`
	ConversationWith string `json:"conversation_with,omitempty"`
	UserID           string `json:"user_id,omitempty"`
	Typing           bool   `json:"typing,omitempty"`
}

type serverFrame struct {
	Type                string          `json:"type"`
	Event               json.RawMessage `json:"event,omitempty"`
	Conversation        string          `json:"conversation,omitempty"`
	UserID              string          `json:"user_id,omitempty"`
	Typing              bool            `json:"typing,omitempty"`
	LastSeenMS          int64           `json:"last_seen_ms,omitempty"`
	Message             string          `json:"message,omitempty"`
	TypingTTLMS         int64           `json:"typing_ttl_ms,omitempty"`
	HeartbeatIntervalMS int64           `json:"heartbeat_interval_ms,omitempty"`
}

// OpenFeed dials the realtime gateway and subscribes to the conversation
// with other. Additional subscriptions and watches can be added on the
// returned Feed.
func (c *Client) OpenFeed(ctx context.Context, other string) (*Feed, error) {
	wsURL, err := c.realtimeURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("X-User-ID", c.UserID)
	conn, resp, err := c.dialer().DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial realtime gateway: %w", err)
	}

	events := make(chan message.Event, 64)
	typing := make(chan TypingSignal, 16)
	presence := make(chan PresenceSignal, 16)

	f := &Feed{
		Events:   events,
		Typing:   typing,
		Presence: presence,
		conn:     conn,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	// The gateway greets with a connected frame carrying its timing hints.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello serverFrame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connected frame: %w", err)
	}
	if hello.Type == "connected" {
		f.TypingTTL = time.Duration(hello.TypingTTLMS) * time.Millisecond
		f.HeartbeatInterval = time.Duration(hello.HeartbeatIntervalMS) * time.Millisecond
	}
	_ = conn.SetReadDeadline(time.Time{})

	if err := f.write(clientFrame{Type: "subscribe", ConversationWith: other}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	go f.readLoop(events, typing, presence)
	return f, nil
}

func (c *Client) realtimeURL() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/realtime"
	return u.String(), nil
}

func (f *Feed) write(frame clientFrame) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = f.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return f.conn.WriteJSON(frame)
}

func (f *Feed) readLoop(events chan<- message.Event, typing chan<- TypingSignal, presence chan<- PresenceSignal) {
	defer close(f.readDone)
	defer close(events)
	defer close(typing)
	defer close(presence)

	for {
		var frame serverFrame
		if err := f.conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case "event":
			ev, err := message.DecodeEvent(frame.Event)
			if err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-f.done:
				return
			}
		case "typing":
			sig := TypingSignal{
				Conversation: frame.Conversation,
				UserID:       frame.UserID,
				Typing:       frame.Typing,
			}
			select {
			case typing <- sig:
			case <-f.done:
				return
			}
		case "presence":
			sig := PresenceSignal{
				UserID:   frame.UserID,
				LastSeen: time.UnixMilli(frame.LastSeenMS),
			}
			select {
			case presence <- sig:
			case <-f.done:
				return
			}
		}
	}
}

// Subscribe adds a live subscription for another conversation on the same
// session.
func (f *Feed) Subscribe(other string) error {
	return f.write(clientFrame{Type: "subscribe", ConversationWith: other})
}

// Unsubscribe drops a conversation subscription.
func (f *Feed) Unsubscribe(other string) error {
	return f.write(clientFrame{Type: "unsubscribe", ConversationWith: other})
}

// SendTyping relays the local typing flag for the conversation with
// other. Bind it to a TypingBroadcaster through FeedTypingSink.
func (f *Feed) SendTyping(other string, isTyping bool) error {
	return f.write(clientFrame{Type: "typing", ConversationWith: other, Typing: isTyping})
}

// Heartbeat announces liveness. Pair it with RunHeartbeat for the
// periodic loop.
func (f *Feed) Heartbeat(context.Context) error {
	return f.write(clientFrame{Type: "heartbeat"})
}

// Watch subscribes to presence updates for userID. The gateway replies
// with the current state immediately when one is known.
func (f *Feed) Watch(userID string) error {
	return f.write(clientFrame{Type: "watch", UserID: userID})
}

// Unwatch drops a presence watch.
func (f *Feed) Unwatch(userID string) error {
	return f.write(clientFrame{Type: "unwatch", UserID: userID})
}

// Close ends the session and waits for the read loop to drain. Safe to
// call more than once.
func (f *Feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		f.writeMu.Lock()
		_ = f.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = f.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		f.writeMu.Unlock()
		err = f.conn.Close()

		select {
		case <-f.readDone:
		case <-time.After(2 * time.Second):
		}
	})
	return err
}

// FeedTypingSink adapts a Feed to the TypingSink of one conversation.
type FeedTypingSink struct {
	Feed  *Feed
	Other string
}

// SendTyping implements TypingSink.
func (s FeedTypingSink) SendTyping(isTyping bool) error {
	return s.Feed.SendTyping(s.Other, isTyping)
}

var _ Loader = (*Client)(nil)
var _ MessageSender = (*Client)(nil)
var _ ReadMarker = (*Client)(nil)
var _ TypingSink = FeedTypingSink{}
