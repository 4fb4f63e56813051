package clock

import (
	"sort"
	"sync"
	"time"
)

// CancelFunc stops a pending timer. It reports whether the callback was
// prevented from running.
type CancelFunc func() bool

// Scheduler abstracts wall-clock time and delayed callbacks so that
// backoff timers and sync cooldowns can be tested deterministically.
type Scheduler interface {
	Now() time.Time
	After(d time.Duration, fn func()) CancelFunc
}

// Real is a Scheduler backed by the system clock.
type Real struct{}

// NewReal creates a real scheduler.
func NewReal() *Real {
	return &Real{}
}

// Now returns the current system time.
func (*Real) Now() time.Time {
	return time.Now()
}

// After runs fn in its own goroutine after d has elapsed.
func (*Real) After(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

// fakeTimer is a pending callback on a Fake scheduler.
type fakeTimer struct {
	at        time.Time
	seq       int
	fn        func()
	cancelled bool
	fired     bool
}

// Fake is a manually advanced Scheduler for tests. Time only moves when
// Advance or Set is called; due callbacks run synchronously on the
// advancing goroutine, in firing order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

// NewFake creates a fake scheduler starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake scheduler's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers fn to run once the fake clock has advanced by d.
func (f *Fake) After(d time.Duration, fn func()) CancelFunc {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	t := &fakeTimer{at: f.now.Add(d), seq: f.seq, fn: fn}
	f.timers = append(f.timers, t)

	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if t.fired || t.cancelled {
			return false
		}
		t.cancelled = true
		return true
	}
}

// Advance moves the clock forward by d, firing due callbacks in order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	f.Set(target)
}

// Set moves the clock to an absolute time, firing due callbacks in order.
// Callbacks run without the scheduler lock held, so they may schedule
// further timers; newly due timers fire within the same call.
func (f *Fake) Set(target time.Time) {
	for {
		f.mu.Lock()
		var next *fakeTimer
		for _, t := range f.timers {
			if t.fired || t.cancelled || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			f.now = target
			f.compact()
			f.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(f.now) {
			f.now = next.at
		}
		fn := next.fn
		f.mu.Unlock()
		fn()
	}
}

// Pending returns the number of timers that have neither fired nor been
// cancelled.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.fired && !t.cancelled {
			n++
		}
	}
	return n
}

// compact drops finished timers. Caller must hold the lock.
func (f *Fake) compact() {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.fired && !t.cancelled {
			live = append(live, t)
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].seq < live[j].seq })
	f.timers = live
}
