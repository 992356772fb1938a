// Package reentry provides the mutual-exclusion guard the engines wrap
// around operations that make an external call. The guard rejects instead
// of blocking: a nested invocation made from inside the external call
// window must fail fast, not deadlock the engine.
package reentry

import (
	"errors"
	"sync"
)

// ErrReentrant is returned when an engine operation is entered while a
// prior invocation is still in flight, either a nested call made from
// inside the external call window or a concurrent caller racing the
// engine.
var ErrReentrant = errors.New("reentry: reentrant call rejected")

// Guard is scoped to one engine, not one basket. The zero value is ready
// to use.
type Guard struct {
	mu sync.Mutex
}

// Acquire takes the guard or fails with ErrReentrant.
func (g *Guard) Acquire() error {
	if !g.mu.TryLock() {
		return ErrReentrant
	}
	return nil
}

// Release frees the guard. Must be called on every exit path.
func (g *Guard) Release() {
	g.mu.Unlock()
}
