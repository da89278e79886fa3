package feed

import (
	"testing"
	"time"
)

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	backoff := time.Second
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}

	for i, expected := range want {
		backoff = nextBackoff(backoff)
		if backoff != expected {
			t.Fatalf("step %d: got %v, want %v", i, backoff, expected)
		}
	}
}
