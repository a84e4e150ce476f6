package workflow

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLockManagerExclusive(t *testing.T) {
	lm := newLockManager()
	ctx := context.Background()

	if err := lm.Acquire(ctx, "wf-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := lm.Acquire(ctx, "wf-1"); err != nil {
			t.Errorf("second Acquire: %v", err)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while lock held")
	case <-time.After(20 * time.Millisecond):
	}

	lm.Release("wf-1")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("release did not hand off the lock")
	}
	lm.Release("wf-1")
}

func TestLockManagerIndependentInstances(t *testing.T) {
	lm := newLockManager()
	ctx := context.Background()

	if err := lm.Acquire(ctx, "wf-1"); err != nil {
		t.Fatalf("Acquire wf-1: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- lm.Acquire(ctx, "wf-2") }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Acquire wf-2: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("different instance blocked on wf-1's lock")
	}
	lm.Release("wf-2")
	lm.Release("wf-1")
}

func TestLockManagerFIFOHandoff(t *testing.T) {
	lm := newLockManager()
	ctx := context.Background()

	if err := lm.Acquire(ctx, "wf-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var mu sync.Mutex
	var order []int
	granted := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			if err := lm.Acquire(ctx, "wf-1"); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			granted <- struct{}{}
			lm.Release("wf-1")
		}()
		// Stagger so the queue order matches loop order.
		time.Sleep(10 * time.Millisecond)
	}

	lm.Release("wf-1")
	for i := 0; i < 3; i++ {
		select {
		case <-granted:
		case <-time.After(time.Second):
			t.Fatal("handoff chain stalled")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("grant order = %v, want queue order", order)
		}
	}
}

func TestLockManagerCancelledWaiter(t *testing.T) {
	lm := newLockManager()

	if err := lm.Acquire(context.Background(), "wf-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- lm.Acquire(ctx, "wf-1") }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Fatalf("cancelled Acquire = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}

	// The abandoned waiter must not absorb the next handoff.
	errc2 := make(chan error, 1)
	go func() { errc2 <- lm.Acquire(context.Background(), "wf-1") }()
	time.Sleep(10 * time.Millisecond)
	lm.Release("wf-1")

	select {
	case err := <-errc2:
		if err != nil {
			t.Fatalf("Acquire after abandon: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("lock lost after an abandoned waiter")
	}
	lm.Release("wf-1")
}
