// Package hub tracks live realtime sessions and fans frames out to them.
// Topics are conversation keys (feed events, typing) and watched user ids
// (presence). The hub never persists anything; a frame sent while nobody
// is subscribed is simply gone.
package hub

import "sync"

// Sender is the minimal interface the hub needs from a session: the
// ability to push one frame to the connected client.
type Sender interface {
	Send(frame any) error
}

// Hub manages topic subscriptions for connected sessions.
type Hub struct {
	mu            sync.RWMutex
	conversations map[string]map[int64]Sender
	watchers      map[string]map[int64]Sender
	nextID        int64
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		conversations: make(map[string]map[int64]Sender),
		watchers:      make(map[string]map[int64]Sender),
	}
}

// SubscribeConversation registers a session on a conversation topic and
// returns the subscription id needed to unsubscribe.
func (h *Hub) SubscribeConversation(key string, s Sender) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return subscribe(h.conversations, key, s, &h.nextID)
}

// UnsubscribeConversation removes a conversation subscription.
func (h *Hub) UnsubscribeConversation(key string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	unsubscribe(h.conversations, key, id)
}

// WatchPresence registers a session as an observer of one user's presence.
func (h *Hub) WatchPresence(userID string, s Sender) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return subscribe(h.watchers, userID, s, &h.nextID)
}

// UnwatchPresence removes a presence subscription.
func (h *Hub) UnwatchPresence(userID string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	unsubscribe(h.watchers, userID, id)
}

// BroadcastConversation sends a frame to every session subscribed to the
// conversation, except the subscription identified by exclude (pass 0 to
// reach everyone). Senders that fail are dropped from the topic so broken
// connections do not accumulate.
func (h *Hub) BroadcastConversation(key string, frame any, exclude int64) {
	h.broadcast(h.conversations, key, frame, exclude)
}

// BroadcastPresence sends a frame to every watcher of the given user.
func (h *Hub) BroadcastPresence(userID string, frame any) {
	h.broadcast(h.watchers, userID, frame, 0)
}

// ConversationSubscribers reports how many sessions are on a topic.
func (h *Hub) ConversationSubscribers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conversations[key])
}

func (h *Hub) broadcast(topics map[string]map[int64]Sender, key string, frame any, exclude int64) {
	h.mu.RLock()
	conns := make(map[int64]Sender, len(topics[key]))
	for id, s := range topics[key] {
		conns[id] = s
	}
	h.mu.RUnlock()

	var failed []int64
	for id, s := range conns {
		if id == exclude {
			continue
		}
		if err := s.Send(frame); err != nil {
			failed = append(failed, id)
		}
	}

	if len(failed) > 0 {
		h.mu.Lock()
		for _, id := range failed {
			unsubscribe(topics, key, id)
		}
		h.mu.Unlock()
	}
}

func subscribe(topics map[string]map[int64]Sender, key string, s Sender, nextID *int64) int64 {
	if _, ok := topics[key]; !ok {
		topics[key] = make(map[int64]Sender)
	}
	*nextID++
	id := *nextID
	topics[key][id] = s
	return id
}

func unsubscribe(topics map[string]map[int64]Sender, key string, id int64) {
	if conns, ok := topics[key]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(topics, key)
		}
	}
}
