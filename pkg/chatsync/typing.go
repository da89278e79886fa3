package chatsync

import (
	"sync"
	"time"
)

// TypingSink delivers a typing flag to the gateway for one conversation.
type TypingSink interface {
	SendTyping(typing bool) error
}

// TypingBroadcaster turns a stream of local keystrokes into edge-triggered
// typing signals: true on the first keystroke, false after the idle gap or
// an explicit stop. Intermediate keystrokes only push the deadline.
type TypingBroadcaster struct {
	sink  TypingSink
	clock Clock
	idle  time.Duration

	mu       sync.Mutex
	active   bool
	deadline time.Time
}

// NewTypingBroadcaster creates a broadcaster with the given idle gap.
func NewTypingBroadcaster(sink TypingSink, idle time.Duration, clock Clock) *TypingBroadcaster {
	if clock == nil {
		clock = SystemClock
	}
	return &TypingBroadcaster{sink: sink, clock: clock, idle: idle}
}

// Keystroke records local input. The first call in a burst emits true;
// later calls within the idle gap are silent and only extend the deadline.
func (b *TypingBroadcaster) Keystroke() {
	b.mu.Lock()
	wasActive := b.active
	b.active = true
	b.deadline = b.clock.Now().Add(b.idle)
	b.mu.Unlock()

	if !wasActive {
		_ = b.sink.SendTyping(true)
	}
}

// Tick checks the idle deadline and emits false once it passes. Call it
// periodically; a coarse period is fine because the receiving side has its
// own expiry.
func (b *TypingBroadcaster) Tick() {
	b.mu.Lock()
	expired := b.active && !b.clock.Now().Before(b.deadline)
	if expired {
		b.active = false
	}
	b.mu.Unlock()

	if expired {
		_ = b.sink.SendTyping(false)
	}
}

// Stop emits an immediate false, e.g. when the message is sent or the
// conversation closes. A no-op when not typing.
func (b *TypingBroadcaster) Stop() {
	b.mu.Lock()
	wasActive := b.active
	b.active = false
	b.mu.Unlock()

	if wasActive {
		_ = b.sink.SendTyping(false)
	}
}

// Run drives Tick on a timer until ctx is done. Optional; callers with
// their own tick source can call Tick directly.
func (b *TypingBroadcaster) Run(done <-chan struct{}, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.Tick()
		}
	}
}

// TypingListener is the receiving side of the typing signal. A true frame
// shows the indicator for at most ttl; the expiry is evaluated lazily on
// read, so a lost false frame cannot stick the indicator on.
type TypingListener struct {
	clock Clock
	ttl   time.Duration

	mu       sync.Mutex
	typing   bool
	deadline time.Time
}

// NewTypingListener creates a listener whose indicator self-expires after
// ttl without a refreshing frame.
func NewTypingListener(ttl time.Duration, clock Clock) *TypingListener {
	if clock == nil {
		clock = SystemClock
	}
	return &TypingListener{clock: clock, ttl: ttl}
}

// Observe records a typing frame from the partner.
func (l *TypingListener) Observe(typing bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.typing = typing
	if typing {
		l.deadline = l.clock.Now().Add(l.ttl)
	}
}

// IsTyping reports whether the indicator should currently show.
func (l *TypingListener) IsTyping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.typing {
		return false
	}
	if !l.clock.Now().Before(l.deadline) {
		l.typing = false
		return false
	}
	return true
}
