package chatsync

import "time"

// Clock abstracts wall time so timer-driven behaviour (typing TTLs,
// presence windows, buffered-update expiry) is testable without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}
