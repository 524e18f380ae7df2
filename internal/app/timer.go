package app

import (
	"sync"
	"time"
)

// Timer is a single-shot, re-armable timer. Arming replaces any pending shot,
// so event handlers can keep re-arming one instance instead of spawning
// timers per event.
type Timer struct {
	mu sync.Mutex
	t  *time.Timer
}

func NewTimer() *Timer { return &Timer{} }

func (t *Timer) Arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(d, fn)
}

func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
