// Package gate implements the activation gate that decides whether work may
// be retrieved from a queue.
//
// A Gate is either active or inactive. Goroutines can block until it becomes
// active; activation wakes every waiter at once. The flag and the broadcast
// channel are guarded by the same mutex, so a waiter that observed the gate
// as inactive is always registered on the channel the next Activate closes.
package gate

import (
	"context"
	"sync"
	"time"
)

// State is the activation state of a gate.
type State bool

const (
	Inactive State = false
	Active   State = true
)

func (s State) String() string {
	if s {
		return "active"
	}
	return "inactive"
}

// Gate is a pause/resume synchronization primitive. The zero value is not
// usable; create gates with New.
type Gate struct {
	mu     sync.Mutex
	active bool
	// activated is closed while the gate is active and replaced by a fresh
	// channel on deactivation.
	activated chan struct{}
}

// New returns a gate in the given initial state.
func New(active bool) *Gate {
	g := &Gate{activated: make(chan struct{})}
	if active {
		g.active = true
		close(g.activated)
	}
	return g
}

// Activate marks the gate active and wakes every goroutine waiting on it.
// Activating an active gate is a no-op.
func (g *Gate) Activate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return
	}
	g.active = true
	close(g.activated)
}

// Deactivate marks the gate inactive. Waiters only ever wait for activation,
// so nobody is woken. Deactivating an inactive gate is a no-op.
func (g *Gate) Deactivate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return
	}
	g.active = false
	g.activated = make(chan struct{})
}

// Set activates or deactivates the gate.
func (g *Gate) Set(active bool) {
	if active {
		g.Activate()
	} else {
		g.Deactivate()
	}
}

// Active reports whether the gate is currently active.
func (g *Gate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// State returns the current activation state.
func (g *Gate) State() State {
	return State(g.Active())
}

// Done returns a channel that is closed once the gate is active. The channel
// is a snapshot: a later Deactivate does not reopen it.
func (g *Gate) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activated
}

// Await blocks until the gate is active or ctx is done. It returns
// immediately when the gate is already active.
func (g *Gate) Await(ctx context.Context) error {
	ch := g.Done()
	select {
	case <-ch:
		return nil
	default:
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitFor is the bounded variant of Await. It returns the unused part of
// budget; a result <= 0 means the budget ran out before the gate became
// active. A non-positive budget is returned unchanged without waiting.
func (g *Gate) AwaitFor(ctx context.Context, budget time.Duration) (time.Duration, error) {
	if budget <= 0 {
		return budget, nil
	}

	ch := g.Done()
	select {
	case <-ch:
		return budget, nil
	default:
	}

	deadline := time.Now().Add(budget)
	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case <-ch:
		return time.Until(deadline), nil
	case <-timer.C:
		return 0, nil
	case <-ctx.Done():
		return time.Until(deadline), ctx.Err()
	}
}
