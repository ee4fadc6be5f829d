// Package inflight provides a per-key single-flight gate. It is used to
// guarantee that at most one mutating lifecycle operation runs against a
// given resource (the gateway, an individual agent) at a time: overlapping
// compose invocations against the same service produce undefined container
// state, so a second request is rejected rather than queued.
package inflight

import (
	"fmt"
	"sync"
)

// ErrOperationInFlight is returned when an operation is already running for
// the requested key.
type ErrOperationInFlight struct {
	Key string
}

func (e *ErrOperationInFlight) Error() string {
	return fmt.Sprintf("operation already in flight for %s", e.Key)
}

// Gate tracks in-flight operations by key. The zero value is not usable;
// construct with New.
type Gate struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// New creates an empty gate.
func New() *Gate {
	return &Gate{active: make(map[string]struct{})}
}

// Acquire marks the key as busy. It returns *ErrOperationInFlight if an
// operation for the same key has been acquired and not yet released.
// Operations on distinct keys are independent.
func (g *Gate) Acquire(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[key]; busy {
		return &ErrOperationInFlight{Key: key}
	}
	g.active[key] = struct{}{}
	return nil
}

// Release frees the key. Releasing a key that is not held is a no-op.
func (g *Gate) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, key)
}
