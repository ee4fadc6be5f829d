package inflight

import (
	"errors"
	"sync"
	"testing"
)

func TestAcquireRejectsSecondCaller(t *testing.T) {
	g := New()

	if err := g.Acquire("gateway"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	err := g.Acquire("gateway")
	if err == nil {
		t.Fatal("expected second acquire to fail")
	}
	var inflight *ErrOperationInFlight
	if !errors.As(err, &inflight) {
		t.Fatalf("expected ErrOperationInFlight, got %T", err)
	}
	if inflight.Key != "gateway" {
		t.Errorf("expected key gateway, got %q", inflight.Key)
	}
}

func TestDistinctKeysAreIndependent(t *testing.T) {
	g := New()

	if err := g.Acquire("agent-a"); err != nil {
		t.Fatalf("acquire agent-a failed: %v", err)
	}
	if err := g.Acquire("agent-b"); err != nil {
		t.Errorf("acquire agent-b should be independent, got %v", err)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	g := New()

	if err := g.Acquire("gateway"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	g.Release("gateway")
	if err := g.Acquire("gateway"); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestReleaseUnheldKeyIsNoop(t *testing.T) {
	g := New()
	g.Release("never-acquired")
	if err := g.Acquire("never-acquired"); err != nil {
		t.Errorf("acquire failed after releasing unheld key: %v", err)
	}
}

func TestConcurrentAcquireGrantsExactlyOne(t *testing.T) {
	g := New()

	const workers = 16
	var wg sync.WaitGroup
	granted := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire("gateway"); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly one successful acquire, got %d", count)
	}
}
