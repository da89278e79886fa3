package chatsync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceOnlineInsideWindow(t *testing.T) {
	clock := newFakeClock()
	p := NewPresenceAggregator(5*time.Minute, clock)

	assert.False(t, p.Online("bartek"), "unknown user is offline")

	p.ObserveHeartbeat("bartek", clock.Now())
	assert.True(t, p.Online("bartek"))

	clock.Advance(5*time.Minute - time.Second)
	assert.True(t, p.Online("bartek"), "just inside the window")

	clock.Advance(2 * time.Second)
	assert.False(t, p.Online("bartek"), "just past the window")
}

func TestPresenceStaleHeartbeatDoesNotRegress(t *testing.T) {
	clock := newFakeClock()
	p := NewPresenceAggregator(5*time.Minute, clock)

	now := clock.Now()
	p.ObserveHeartbeat("bartek", now)
	p.ObserveHeartbeat("bartek", now.Add(-time.Minute))

	seen, ok := p.LastSeen("bartek")
	require.True(t, ok)
	assert.Equal(t, now, seen)
}

func TestPresenceUsersAreIndependent(t *testing.T) {
	clock := newFakeClock()
	p := NewPresenceAggregator(5*time.Minute, clock)

	p.ObserveHeartbeat("bartek", clock.Now())
	clock.Advance(6 * time.Minute)
	p.ObserveHeartbeat("celina", clock.Now())

	assert.False(t, p.Online("bartek"))
	assert.True(t, p.Online("celina"))
}

func TestRunHeartbeatBeatsImmediatelyThenOnInterval(t *testing.T) {
	var beats atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		RunHeartbeat(ctx, 10*time.Millisecond, func(context.Context) error {
			beats.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return beats.Load() >= 3 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunHeartbeat did not stop on context cancel")
	}
}
