package workflow

import (
	"context"
	"sync"
)

// lockManager provides a fair per-instance mutex. Waiters queue FIFO so a
// stream of deliveries cannot starve an advance. Holds are short: one
// advance cycle.
type lockManager struct {
	mu    sync.Mutex
	locks map[string]*instanceLock
}

type instanceLock struct {
	held  bool
	queue []chan struct{}
}

func newLockManager() *lockManager {
	return &lockManager{locks: make(map[string]*instanceLock)}
}

// Acquire blocks until the instance lock is held or the context ends.
func (lm *lockManager) Acquire(ctx context.Context, instanceID string) error {
	lm.mu.Lock()
	l := lm.locks[instanceID]
	if l == nil {
		l = &instanceLock{}
		lm.locks[instanceID] = l
	}
	if !l.held {
		l.held = true
		lm.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.queue = append(l.queue, ready)
	lm.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		lm.abandon(instanceID, ready)
		return ctx.Err()
	}
}

// abandon removes a cancelled waiter, or releases immediately if the
// handoff already happened.
func (lm *lockManager) abandon(instanceID string, ready chan struct{}) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	l := lm.locks[instanceID]
	if l == nil {
		return
	}
	for i, ch := range l.queue {
		if ch == ready {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
	// Handoff raced the cancellation: the lock was granted to this
	// waiter, so release it on their behalf.
	select {
	case <-ready:
		lm.releaseLocked(instanceID, l)
	default:
	}
}

// Release hands the lock to the oldest waiter, or frees it.
func (lm *lockManager) Release(instanceID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	l := lm.locks[instanceID]
	if l == nil || !l.held {
		return
	}
	lm.releaseLocked(instanceID, l)
}

func (lm *lockManager) releaseLocked(instanceID string, l *instanceLock) {
	if len(l.queue) > 0 {
		ready := l.queue[0]
		l.queue = l.queue[1:]
		close(ready)
		return
	}
	l.held = false
	delete(lm.locks, instanceID)
}
