package opshub

import (
	"sync"
	"time"
)

// scheduler runs the deferred-removal timers that back dismissal. One timer
// per id; scheduling again for the same id resets the pending timer, and a
// record that reappears before its timer fires gets the timer cancelled.
type scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func newScheduler() *scheduler {
	return &scheduler{timers: map[string]*time.Timer{}}
}

func (sc *scheduler) after(id string, delay time.Duration, fn func()) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}
	if existing, ok := sc.timers[id]; ok {
		existing.Stop()
	}
	if delay <= 0 {
		delete(sc.timers, id)
		go fn()
		return
	}
	sc.timers[id] = time.AfterFunc(delay, func() {
		sc.mu.Lock()
		delete(sc.timers, id)
		closed := sc.closed
		sc.mu.Unlock()
		if closed {
			return
		}
		fn()
	})
}

func (sc *scheduler) cancel(id string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	timer, ok := sc.timers[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(sc.timers, id)
	return true
}

func (sc *scheduler) stop() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.closed = true
	for id, timer := range sc.timers {
		timer.Stop()
		delete(sc.timers, id)
	}
}
