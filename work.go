package mt7601u

import (
	"sync"
	"time"
)

// work is a reschedulable deferred task. Queueing an already pending task is
// a no-op and invocations of fn never overlap. fn may requeue its own task.
type work struct {
	fn      func()
	mu      sync.Mutex
	idle    sync.Cond
	timer   *time.Timer
	gen     uint64
	pending bool
	running bool
	blocked bool
}

func newWork(fn func()) *work {
	w := &work{fn: fn}
	w.idle.L = &w.mu
	return w
}

// queue schedules fn to run after delay and reports whether it did. It does
// nothing if the task is already pending or being cancelled.
func (w *work) queue(delay time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending || w.blocked {
		return false
	}
	w.pending = true
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(delay, func() { w.fire(gen) })
	return true
}

func (w *work) fire(gen uint64) {
	w.mu.Lock()
	for w.running && w.gen == gen && w.pending {
		w.idle.Wait()
	}
	if w.gen != gen || !w.pending {
		w.mu.Unlock()
		return // Cancelled or superseded.
	}
	w.pending = false
	w.running = true
	w.mu.Unlock()

	w.fn()

	w.mu.Lock()
	w.running = false
	w.idle.Broadcast()
	w.mu.Unlock()
}

// cancelSync cancels a pending invocation and waits for a running one to
// return. Requeues attempted by fn while cancelling are dropped. It reports
// whether an invocation was pending. Must not be called from fn.
func (w *work) cancelSync() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blocked = true
	wasPending := w.pending
	if w.pending {
		w.timer.Stop()
		w.pending = false
		w.gen++
		w.idle.Broadcast()
	}
	for w.running {
		w.idle.Wait()
	}
	w.blocked = false
	return wasPending
}

// isPending reports whether an invocation is scheduled and has not started.
func (w *work) isPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}
