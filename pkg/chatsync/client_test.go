package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokalnie/messaging/internal/guard"
	"github.com/lokalnie/messaging/internal/model/message"
)

func TestClientSendDecodesStoredMessage(t *testing.T) {
	var gotUser, gotPath string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-User-ID")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(message.Message{
			ID:         "srv-1",
			SenderID:   "anna",
			ReceiverID: "bartek",
			Content:    gotBody["content"],
			ListingID:  gotBody["listing_id"],
			CreatedAt:  time.Now().UTC(),
		})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, UserID: "anna"}
	saved, err := c.Send(context.Background(), "bartek", "Dzień dobry, czy biurko jest nadal dostępne?", "listing-3")
	require.NoError(t, err)

	assert.Equal(t, "anna", gotUser)
	assert.Equal(t, "/api/messages", gotPath)
	assert.Equal(t, "bartek", gotBody["receiver_id"])
	assert.Equal(t, "listing-3", gotBody["listing_id"])
	assert.Equal(t, "srv-1", saved.ID)
}

func TestClientSendMapsPolicyDenialToRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":  "too-short",
			"error": "Wiadomość jest zbyt krótka (minimum 10 znaków).",
		})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, UserID: "anna"}
	_, err := c.Send(context.Background(), "bartek", "Hej", "")

	var rej *guard.Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, guard.CodeTooShort, rej.Code)
	assert.Equal(t, "Wiadomość jest zbyt krótka (minimum 10 znaków).", rej.UserMessage)
}

func TestClientSendServerErrorIsNotRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "failed to send message"})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, UserID: "anna"}
	_, err := c.Send(context.Background(), "bartek", "Poprawna wiadomość testowa", "")

	require.Error(t, err)
	var rej *guard.Rejection
	assert.False(t, errors.As(err, &rej), "transport failures must not look like policy denials")
}

func TestClientHistorySendsCursor(t *testing.T) {
	cursor := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	var gotPath, gotAfter string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAfter = r.URL.Query().Get("after")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []message.Message{{ID: "m1", SenderID: "bartek", ReceiverID: "anna", Content: "Już jadę"}},
		})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, UserID: "anna"}
	msgs, err := c.History(context.Background(), "bartek", cursor)
	require.NoError(t, err)

	assert.Equal(t, "/api/conversations/bartek/messages", gotPath)
	assert.Equal(t, cursor.Format(time.RFC3339Nano), gotAfter)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestClientHistoryOmitsZeroCursor(t *testing.T) {
	var hadAfter bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hadAfter = r.URL.Query().Has("after")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": []message.Message{}})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, UserID: "anna"}
	_, err := c.History(context.Background(), "bartek", time.Time{})
	require.NoError(t, err)
	assert.False(t, hadAfter)
}

func TestClientMarkReadAndUnreadCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/conversations/bartek/read":
			assert.Equal(t, http.MethodPost, r.Method)
			_ = json.NewEncoder(w).Encode(map[string]int64{"updated": 2})
		case "/api/messages/unread-count":
			_ = json.NewEncoder(w).Encode(map[string]int64{"unread": 5})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, UserID: "anna"}
	require.NoError(t, c.MarkRead(context.Background(), "bartek"))

	count, err := c.UnreadCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}
