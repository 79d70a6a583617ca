// Package clock provides the Framer's monotonic millisecond time source.
//
// The Framer checks heartbeat and reply timeouts once per tick (spec.md
// §4.1, §4.4) and never reads time.Now() for those checks, so that tests
// can drive the timeout paths deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time as milliseconds since the Unix epoch.
type Clock interface {
	NowMillis() int64
}

// System is the production clock, backed by time.Now().
type System struct{}

// processStart anchors System's readings; elapsed time is measured on Go's
// monotonic clock, so wall-clock adjustments never move NowMillis backwards.
var processStart = time.Now()

// NowMillis returns the process-start wall-clock time plus the monotonic
// time elapsed since, in milliseconds.
func (System) NowMillis() int64 {
	return processStart.UnixMilli() + time.Since(processStart).Milliseconds()
}

// Fake is an injectable clock for tests. It never reads real wall-clock
// time; callers advance it explicitly with Advance or Set.
type Fake struct {
	mu  sync.Mutex
	now int64
}

// NewFake creates a Fake clock starting at the given millisecond value.
func NewFake(startMillis int64) *Fake {
	return &Fake{now: startMillis}
}

// NowMillis returns the current fake time.
func (f *Fake) NowMillis() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by the given duration.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += d.Milliseconds()
}

// Set pins the fake clock to an absolute millisecond value.
func (f *Fake) Set(millis int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = millis
}
