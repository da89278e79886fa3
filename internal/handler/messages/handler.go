// Package messages exposes the REST surface of the conversation store:
// sending through the guard, history reads, read receipts and the inbox
// listing.
package messages

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/lokalnie/messaging/internal/guard"
	"github.com/lokalnie/messaging/internal/metrics"
	"github.com/lokalnie/messaging/internal/model/message"
	"github.com/lokalnie/messaging/internal/store"
	"github.com/lokalnie/messaging/pkg/httpx"
)

// Store is the slice of the message store the handler needs.
type Store interface {
	Insert(ctx context.Context, sender, receiver, content, listingID string) (*message.Message, error)
	History(ctx context.Context, a, b string, after time.Time, limit int) ([]message.Message, error)
	MarkConversationRead(ctx context.Context, receiver, sender string) (int64, error)
	UnreadCount(ctx context.Context, receiver string) (int64, error)
	RecentConversations(ctx context.Context, userID string, limit int) ([]store.Conversation, error)
}

// Guard is the send policy boundary.
type Guard interface {
	Check(ctx context.Context, sender, receiver, content string) error
	Record(ctx context.Context, sender, receiver string) error
}

// Handler serves the message REST endpoints.
type Handler struct {
	store  Store
	guard  Guard
	logger zerolog.Logger
}

// New creates a message handler.
func New(store Store, guard Guard, logger zerolog.Logger) *Handler {
	return &Handler{store: store, guard: guard, logger: logger}
}

// RegisterRoutes mounts the message endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.handleSend)
	r.Get("/messages/unread-count", h.handleUnreadCount)
	r.Get("/conversations", h.handleConversations)
	r.Get("/conversations/{userID}/messages", h.handleHistory)
	r.Post("/conversations/{userID}/read", h.handleMarkRead)
}

// currentUser reads the session identity injected by the external auth
// layer. Session issuance itself is out of scope here.
func currentUser(r *http.Request) string {
	return message.NormalizeUserID(r.Header.Get("X-User-ID"))
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	sender := currentUser(r)
	if sender == "" {
		httpx.RespondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var payload struct {
		ReceiverID string `json:"receiver_id"`
		Content    string `json:"content"`
		ListingID  string `json:"listing_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	receiver := message.NormalizeUserID(payload.ReceiverID)
	if receiver == "" {
		httpx.RespondError(w, http.StatusBadRequest, "receiver_id is required")
		return
	}

	if err := h.guard.Check(r.Context(), sender, receiver, payload.Content); err != nil {
		if rej, ok := guard.AsRejection(err); ok {
			metrics.GuardRejections.WithLabelValues(string(rej.Code)).Inc()
			httpx.RespondJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"code":  string(rej.Code),
				"error": rej.UserMessage,
			})
			return
		}
		h.logger.Error().Err(err).Msg("guard check failed")
		httpx.RespondError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	saved, err := h.store.Insert(r.Context(), sender, receiver, payload.Content, payload.ListingID)
	if err != nil {
		h.logger.Error().Err(err).Msg("insert message failed")
		httpx.RespondError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	if err := h.guard.Record(r.Context(), sender, receiver); err != nil {
		// The message is already stored; a missed counter bump only widens
		// the window by one message, so log and move on.
		h.logger.Warn().Err(err).Msg("guard record failed")
	}

	metrics.MessagesSent.Inc()
	httpx.RespondJSON(w, http.StatusCreated, saved)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user == "" {
		httpx.RespondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	other := message.NormalizeUserID(chi.URLParam(r, "userID"))
	if other == "" {
		httpx.RespondError(w, http.StatusBadRequest, "userID is required")
		return
	}

	var after time.Time
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
		after = parsed
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpx.RespondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	msgs, err := h.store.History(r.Context(), user, other, after, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("history read failed")
		httpx.RespondError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []message.Message{}
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user == "" {
		httpx.RespondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	other := message.NormalizeUserID(chi.URLParam(r, "userID"))
	if other == "" {
		httpx.RespondError(w, http.StatusBadRequest, "userID is required")
		return
	}

	updated, err := h.store.MarkConversationRead(r.Context(), user, other)
	if err != nil {
		h.logger.Error().Err(err).Msg("mark read failed")
		httpx.RespondError(w, http.StatusInternalServerError, "failed to mark messages read")
		return
	}

	metrics.ReadReceipts.Add(float64(updated))
	httpx.RespondJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

func (h *Handler) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user == "" {
		httpx.RespondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	count, err := h.store.UnreadCount(r.Context(), user)
	if err != nil {
		h.logger.Error().Err(err).Msg("unread count failed")
		httpx.RespondError(w, http.StatusInternalServerError, "failed to count unread messages")
		return
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]int64{"unread": count})
}

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user == "" {
		httpx.RespondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpx.RespondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	conversations, err := h.store.RecentConversations(r.Context(), user, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("conversation listing failed")
		httpx.RespondError(w, http.StatusInternalServerError, "failed to load conversations")
		return
	}
	if conversations == nil {
		conversations = []store.Conversation{}
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}
