package guard

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWithLockSerializesOperations(t *testing.T) {
	g := New(Config{})
	var mu sync.Mutex
	order := []int{}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.WithLock(context.Background(), "op", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	if len(order) != 5 {
		t.Fatalf("expected 5 completed operations, got %d", len(order))
	}
	if g.Busy() {
		t.Fatalf("expected guard to be free after all operations complete")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	g := New(Config{})
	if err := g.Acquire(context.Background(), "first"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer g.Release("first")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx, "second"); err == nil {
		t.Fatalf("expected Acquire to fail while the lock is held and context times out")
	}
}

func TestWithLockRecoversPanic(t *testing.T) {
	g := New(Config{})
	err := g.WithLock(context.Background(), "panicky", func() error {
		panic("boom")
	})
	if err == nil {
		t.Fatalf("expected an error from a panicking operation")
	}
	if g.Busy() {
		t.Fatalf("expected guard to release the slot after a panic")
	}
}
