// Package clock lets sweep timers and the capture ticker run against either wall time or a
// manually advanced fake, so scheduling can be tested without sleeping.
package clock

import "time"

// Clock is the subset of the time package used by the scheduler
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or during Advance (fake) once d has
	// elapsed. The returned Timer can cancel the call.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. It panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a pending AfterFunc call
type Timer struct {
	stop func() bool
}

// Stop cancels the call. It returns false if the call already ran or was already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks. C has a buffer of one and drops ticks that are not read.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
