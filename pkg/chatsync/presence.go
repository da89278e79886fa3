package chatsync

import (
	"context"
	"sync"
	"time"
)

// PresenceAggregator derives online/offline from observed heartbeat
// timestamps. A user is online while their newest heartbeat is younger
// than the window; there is no explicit offline signal.
type PresenceAggregator struct {
	clock  Clock
	window time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewPresenceAggregator creates an aggregator with the given liveness
// window.
func NewPresenceAggregator(window time.Duration, clock Clock) *PresenceAggregator {
	if clock == nil {
		clock = SystemClock
	}
	return &PresenceAggregator{
		clock:    clock,
		window:   window,
		lastSeen: make(map[string]time.Time),
	}
}

// ObserveHeartbeat records a heartbeat for userID. Out-of-order delivery
// is tolerated: an older timestamp never regresses the stored one.
func (p *PresenceAggregator) ObserveHeartbeat(userID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if at.After(p.lastSeen[userID]) {
		p.lastSeen[userID] = at
	}
}

// Online reports whether userID's newest heartbeat is inside the window.
// Unknown users are offline.
func (p *PresenceAggregator) Online(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen, ok := p.lastSeen[userID]
	if !ok {
		return false
	}
	return p.clock.Now().Sub(seen) < p.window
}

// LastSeen returns the newest heartbeat timestamp for userID.
func (p *PresenceAggregator) LastSeen(userID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen, ok := p.lastSeen[userID]
	return seen, ok
}

// RunHeartbeat emits beat immediately and then on every interval until
// ctx is done. Beat errors are returned to the caller's function and
// otherwise ignored; the next tick retries.
func RunHeartbeat(ctx context.Context, interval time.Duration, beat func(ctx context.Context) error) {
	_ = beat(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = beat(ctx)
		}
	}
}
