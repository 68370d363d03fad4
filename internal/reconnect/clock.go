package reconnect

import "time"

// Clock schedules retries. Production code uses RealClock; tests inject a
// fake that fires callbacks when advanced.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f after d. A fake clock may call f synchronously
	// when d <= 0, so callers must not hold locks f needs.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer cancels a pending AfterFunc call.
type Timer interface {
	Stop() bool
}

type realClock struct{}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
