package recovery

import (
	"sync"
	"time"
)

// Timer runs the function given to Start once after wait, unless stopped or
// restarted first. Every Start or Stop bumps the version, so an expiry of an
// older run is discarded.
type Timer struct {
	mu      sync.Mutex
	version int
	stop    chan struct{}
}

func NewTimer() *Timer {
	return &Timer{}
}

func (t *Timer) Start(wait time.Duration, fire func()) {
	t.mu.Lock()
	t.stopLocked()
	version := t.version
	s := make(chan struct{})
	t.stop = s
	t.mu.Unlock()

	go func() {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-s:
			return
		case <-timer.C:
		}
		t.mu.Lock()
		if t.version != version {
			t.mu.Unlock()
			return
		}
		t.version++
		t.stop = nil
		t.mu.Unlock()
		fire()
	}()
}

func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Timer) stopLocked() {
	t.version++
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

// Running reports whether an expiry is pending.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}
