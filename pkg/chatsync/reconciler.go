// Package chatsync is the client-side synchronization engine for two-party
// conversations. It merges a durable bulk load, live change-feed events and
// local optimistic writes into one deduplicated, time-ordered view, and
// layers the ephemeral typing and presence signals on top.
package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lokalnie/messaging/internal/model/message"
)

// Loader performs the initial and cursor-based bulk reads.
type Loader interface {
	History(ctx context.Context, other string, after time.Time) ([]message.Message, error)
}

// MessageSender submits an outbound message to the server, where the send
// guard decides its fate.
type MessageSender interface {
	Send(ctx context.Context, receiver, content, listingID string) (*message.Message, error)
}

// ReadMarker issues the conditional read update for a conversation.
type ReadMarker interface {
	MarkRead(ctx context.Context, other string) error
}

// Entry is one row of the conversation view. Pending entries are local
// optimistic sends awaiting store confirmation.
type Entry struct {
	Message message.Message
	Pending bool
}

// earlyUpdate is a read-flag change that arrived before its INSERT.
type earlyUpdate struct {
	read   bool
	seenAt time.Time
}

// Reconciler owns the authoritative in-memory view of one open
// conversation. All mutation goes through its methods; other components
// only hand it events.
type Reconciler struct {
	self  string
	other string

	loader Loader
	sender MessageSender
	marker ReadMarker
	clock  Clock

	// earlyTTL bounds how long a buffered UPDATE waits for its INSERT.
	earlyTTL time.Duration

	mu            sync.Mutex
	entries       []Entry
	index         map[string]int
	early         map[string]earlyUpdate
	lastCreatedAt time.Time
	opened        bool
}

// ReconcilerOptions configures a Reconciler. Zero values pick defaults.
type ReconcilerOptions struct {
	Clock    Clock
	EarlyTTL time.Duration
}

// NewReconciler creates the view owner for the conversation between self
// and other. marker may be nil when the session never issues read
// receipts (e.g. a moderation viewer).
func NewReconciler(self, other string, loader Loader, sender MessageSender, marker ReadMarker, opts ReconcilerOptions) *Reconciler {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock
	}
	earlyTTL := opts.EarlyTTL
	if earlyTTL == 0 {
		earlyTTL = 30 * time.Second
	}

	return &Reconciler{
		self:     self,
		other:    other,
		loader:   loader,
		sender:   sender,
		marker:   marker,
		clock:    clock,
		earlyTTL: earlyTTL,
		index:    make(map[string]int),
		early:    make(map[string]earlyUpdate),
	}
}

// Open issues the bulk load and installs it as the initial view. It is the
// only call the UI must await; everything after is event-driven. Opening
// also marks the partner's unread messages read, locally first so the
// badge never flickers, then at the store.
func (r *Reconciler) Open(ctx context.Context) error {
	msgs, err := r.loader.History(ctx, r.other, time.Time{})
	if err != nil {
		return fmt.Errorf("bulk load: %w", err)
	}

	r.mu.Lock()
	r.entries = r.entries[:0]
	r.index = make(map[string]int, len(msgs))
	for _, m := range msgs {
		r.index[m.ID] = len(r.entries)
		r.entries = append(r.entries, Entry{Message: m})
		if m.CreatedAt.After(r.lastCreatedAt) {
			r.lastCreatedAt = m.CreatedAt
		}
	}
	r.opened = true
	hadUnread := r.markIncomingReadLocked()
	r.mu.Unlock()

	if hadUnread {
		r.issueReadUpdate(ctx)
	}
	return nil
}

// Resync patches the view after a transport gap: it re-reads everything
// past the last known created-at and merges by id. Replaying overlap is
// harmless because present ids are no-ops.
func (r *Reconciler) Resync(ctx context.Context) error {
	r.mu.Lock()
	cursor := r.lastCreatedAt
	r.mu.Unlock()

	msgs, err := r.loader.History(ctx, r.other, cursor)
	if err != nil {
		return fmt.Errorf("resync load: %w", err)
	}

	for _, m := range msgs {
		r.Apply(message.Event{Op: message.OpInsert, Insert: &m})
	}
	return nil
}

// Apply feeds one change-feed event into the view. Events outside this
// conversation are ignored; callers may pass the raw table-scoped stream.
// Apply never blocks on I/O: the receiver-side read update runs on its own
// goroutine so a slow store cannot stall the event pump.
func (r *Reconciler) Apply(ev message.Event) {
	switch ev.Op {
	case message.OpInsert:
		if ev.Insert == nil || !ev.Insert.InConversation(r.self, r.other) {
			return
		}
		r.applyInsert(*ev.Insert)
	case message.OpUpdate:
		if ev.Update == nil || !ev.Update.InConversation(r.self, r.other) {
			return
		}
		r.applyUpdate(*ev.Update)
	}
}

func (r *Reconciler) applyInsert(m message.Message) {
	r.mu.Lock()

	r.pruneEarlyLocked()

	if _, ok := r.index[m.ID]; ok {
		// Already known: either the confirmed twin of an optimistic send
		// or an at-least-once redelivery. Never a duplicate append.
		r.mu.Unlock()
		return
	}

	if up, ok := r.early[m.ID]; ok {
		delete(r.early, m.ID)
		if up.read {
			m.Read = true
		}
	}

	r.index[m.ID] = len(r.entries)
	r.entries = append(r.entries, Entry{Message: m})
	if m.CreatedAt.After(r.lastCreatedAt) {
		r.lastCreatedAt = m.CreatedAt
	}

	needsReceipt := r.opened && m.ReceiverID == r.self && !m.Read
	if needsReceipt {
		r.entries[len(r.entries)-1].Message.Read = true
	}
	r.mu.Unlock()

	if needsReceipt {
		// The local flip above is what the UI sees; the store update is
		// conditional on read = false, so concurrent issues are idempotent.
		go r.issueReadUpdate(context.Background())
	}
}

func (r *Reconciler) applyUpdate(up message.ReadUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneEarlyLocked()

	pos, ok := r.index[up.ID]
	if !ok {
		// UPDATE raced ahead of its INSERT; hold it until the row shows up
		// or the TTL gives up on it.
		r.early[up.ID] = earlyUpdate{read: up.Read, seenAt: r.clock.Now()}
		return
	}

	// The read flag is one-way; an echoed stale false must not unread.
	if up.Read {
		r.entries[pos].Message.Read = true
	}
}

// Send applies an optimistic placeholder synchronously and submits the
// message in the background. The returned id identifies the placeholder
// until confirmation swaps in the store id. done receives the guard
// verdict or transport error, nil on success; it may be nil.
func (r *Reconciler) Send(ctx context.Context, content, listingID string, done func(error)) string {
	placeholder := r.SendLocal(content, listingID)

	go func() {
		saved, err := r.sender.Send(ctx, r.other, content, listingID)
		if err != nil {
			// Policy denials and write failures both roll the placeholder
			// back; the caller decides what to show, never to auto-retry.
			r.Rollback(placeholder)
			if done != nil {
				done(err)
			}
			return
		}
		r.Confirm(placeholder, *saved)
		if done != nil {
			done(nil)
		}
	}()

	return placeholder
}

// SendLocal appends the optimistic placeholder and returns its local id.
func (r *Reconciler) SendLocal(content, listingID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := "pending-" + uuid.NewString()
	r.index[id] = len(r.entries)
	r.entries = append(r.entries, Entry{
		Message: message.Message{
			ID:         id,
			SenderID:   r.self,
			ReceiverID: r.other,
			Content:    content,
			ListingID:  listingID,
			CreatedAt:  r.clock.Now(),
		},
		Pending: true,
	})
	return id
}

// Confirm replaces the placeholder with the stored row. If the confirming
// INSERT event arrived first, the placeholder is simply dropped so one
// logical message never occupies two entries.
func (r *Reconciler) Confirm(placeholderID string, saved message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.index[placeholderID]
	if !ok {
		return
	}

	if _, exists := r.index[saved.ID]; exists {
		r.removeLocked(placeholderID, pos)
		return
	}

	delete(r.index, placeholderID)
	r.index[saved.ID] = pos
	if up, ok := r.early[saved.ID]; ok {
		delete(r.early, saved.ID)
		if up.read {
			saved.Read = true
		}
	}
	r.entries[pos] = Entry{Message: saved}
	if saved.CreatedAt.After(r.lastCreatedAt) {
		r.lastCreatedAt = saved.CreatedAt
	}
}

// Rollback removes a rejected placeholder from the view.
func (r *Reconciler) Rollback(placeholderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.index[placeholderID]
	if !ok {
		return
	}
	r.removeLocked(placeholderID, pos)
}

// View returns a copy of the ordered conversation view.
func (r *Reconciler) View() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// UnreadFromPartner counts partner messages not yet marked read.
func (r *Reconciler) UnreadFromPartner() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, e := range r.entries {
		if e.Message.ReceiverID == r.self && !e.Message.Read {
			count++
		}
	}
	return count
}

// markIncomingReadLocked flips unread partner messages locally and reports
// whether any were flipped.
func (r *Reconciler) markIncomingReadLocked() bool {
	flipped := false
	for i := range r.entries {
		m := &r.entries[i].Message
		if m.ReceiverID == r.self && !m.Read {
			m.Read = true
			flipped = true
		}
	}
	return flipped
}

// issueReadUpdate sends the conditional store update. Failures are
// swallowed: a missed receipt degrades the partner's checkmark until the
// next open, nothing more.
func (r *Reconciler) issueReadUpdate(ctx context.Context) {
	if r.marker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = r.marker.MarkRead(ctx, r.other)
}

func (r *Reconciler) removeLocked(id string, pos int) {
	delete(r.index, id)
	r.entries = append(r.entries[:pos], r.entries[pos+1:]...)
	for i := pos; i < len(r.entries); i++ {
		r.index[r.entries[i].Message.ID] = i
	}
}

func (r *Reconciler) pruneEarlyLocked() {
	now := r.clock.Now()
	for id, up := range r.early {
		if now.Sub(up.seenAt) > r.earlyTTL {
			delete(r.early, id)
		}
	}
}
