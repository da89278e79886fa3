package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTypingSink struct {
	frames []bool
}

func (s *recordingTypingSink) SendTyping(typing bool) error {
	s.frames = append(s.frames, typing)
	return nil
}

func TestBroadcasterEmitsTrueOncePerBurst(t *testing.T) {
	sink := &recordingTypingSink{}
	clock := newFakeClock()
	b := NewTypingBroadcaster(sink, 3*time.Second, clock)

	b.Keystroke()
	clock.Advance(500 * time.Millisecond)
	b.Keystroke()
	clock.Advance(500 * time.Millisecond)
	b.Keystroke()

	assert.Equal(t, []bool{true}, sink.frames, "a burst should emit a single true")
}

func TestBroadcasterEmitsFalseAfterIdleGap(t *testing.T) {
	sink := &recordingTypingSink{}
	clock := newFakeClock()
	b := NewTypingBroadcaster(sink, 3*time.Second, clock)

	b.Keystroke()
	clock.Advance(2 * time.Second)
	b.Tick()
	assert.Equal(t, []bool{true}, sink.frames, "deadline not reached yet")

	clock.Advance(2 * time.Second)
	b.Tick()
	assert.Equal(t, []bool{true, false}, sink.frames)

	// Idle ticks after the false stay silent.
	clock.Advance(10 * time.Second)
	b.Tick()
	assert.Equal(t, []bool{true, false}, sink.frames)
}

func TestBroadcasterKeystrokeExtendsDeadline(t *testing.T) {
	sink := &recordingTypingSink{}
	clock := newFakeClock()
	b := NewTypingBroadcaster(sink, 3*time.Second, clock)

	b.Keystroke()
	clock.Advance(2 * time.Second)
	b.Keystroke()
	clock.Advance(2 * time.Second)
	b.Tick()

	assert.Equal(t, []bool{true}, sink.frames, "refreshed deadline should not have expired")
}

func TestBroadcasterStopEmitsImmediateFalse(t *testing.T) {
	sink := &recordingTypingSink{}
	b := NewTypingBroadcaster(sink, 3*time.Second, newFakeClock())

	b.Stop()
	assert.Empty(t, sink.frames, "stop while idle is a no-op")

	b.Keystroke()
	b.Stop()
	assert.Equal(t, []bool{true, false}, sink.frames)
}

func TestListenerIndicatorSelfExpires(t *testing.T) {
	clock := newFakeClock()
	l := NewTypingListener(3*time.Second, clock)

	l.Observe(true)
	require.True(t, l.IsTyping())

	clock.Advance(2 * time.Second)
	assert.True(t, l.IsTyping())

	// A lost false frame: the indicator must still clear on its own.
	clock.Advance(2 * time.Second)
	assert.False(t, l.IsTyping())
}

func TestListenerExplicitFalseClearsImmediately(t *testing.T) {
	clock := newFakeClock()
	l := NewTypingListener(3*time.Second, clock)

	l.Observe(true)
	l.Observe(false)
	assert.False(t, l.IsTyping())
}

func TestListenerRefreshExtendsIndicator(t *testing.T) {
	clock := newFakeClock()
	l := NewTypingListener(3*time.Second, clock)

	l.Observe(true)
	clock.Advance(2 * time.Second)
	l.Observe(true)
	clock.Advance(2 * time.Second)
	assert.True(t, l.IsTyping(), "refresh should restart the expiry window")
}
