package hub

import (
	"errors"
	"sync"
	"testing"
)

// recordingSender captures frames and optionally fails every send.
type recordingSender struct {
	mu     sync.Mutex
	frames []any
	fail   bool
}

func (r *recordingSender) Send(frame any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestBroadcastConversationReachesSubscribers(t *testing.T) {
	h := New()
	a, b := &recordingSender{}, &recordingSender{}

	h.SubscribeConversation("u1:u2", a)
	h.SubscribeConversation("u1:u2", b)
	h.SubscribeConversation("u1:u3", &recordingSender{})

	h.BroadcastConversation("u1:u2", "frame", 0)

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("expected both subscribers to receive the frame: a=%d b=%d", a.count(), b.count())
	}
}

func TestBroadcastExcludesOriginator(t *testing.T) {
	h := New()
	origin, other := &recordingSender{}, &recordingSender{}

	originID := h.SubscribeConversation("u1:u2", origin)
	h.SubscribeConversation("u1:u2", other)

	h.BroadcastConversation("u1:u2", "typing", originID)

	if origin.count() != 0 {
		t.Fatal("originator should not receive its own frame")
	}
	if other.count() != 1 {
		t.Fatal("other subscriber should receive the frame")
	}
}

func TestBroadcastEvictsFailedSenders(t *testing.T) {
	h := New()
	broken := &recordingSender{fail: true}
	healthy := &recordingSender{}

	h.SubscribeConversation("u1:u2", broken)
	h.SubscribeConversation("u1:u2", healthy)

	h.BroadcastConversation("u1:u2", "frame", 0)

	if got := h.ConversationSubscribers("u1:u2"); got != 1 {
		t.Fatalf("broken sender should be evicted, have %d subscribers", got)
	}
	if healthy.count() != 1 {
		t.Fatal("healthy sender should still receive the frame")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New()
	s := &recordingSender{}

	id := h.SubscribeConversation("u1:u2", s)
	h.UnsubscribeConversation("u1:u2", id)
	h.BroadcastConversation("u1:u2", "frame", 0)

	if s.count() != 0 {
		t.Fatal("unsubscribed sender should not receive frames")
	}
	if h.ConversationSubscribers("u1:u2") != 0 {
		t.Fatal("topic should be empty after unsubscribe")
	}
}

func TestPresenceWatchIsScopedToUser(t *testing.T) {
	h := New()
	watcherA, watcherB := &recordingSender{}, &recordingSender{}

	h.WatchPresence("anna", watcherA)
	h.WatchPresence("bartek", watcherB)

	h.BroadcastPresence("anna", "heartbeat")

	if watcherA.count() != 1 {
		t.Fatal("anna's watcher should receive the heartbeat")
	}
	if watcherB.count() != 0 {
		t.Fatal("bartek's watcher should not receive anna's heartbeat")
	}
}
