package backend

import (
	"context"
	"sync"
	"time"

	"pkt.systems/assetlock/internal/clock"
	"pkt.systems/assetlock/lockerr"
)

// DefaultReadyTimeout bounds how long callers wait for the identity.
const DefaultReadyTimeout = time.Second

type gateState int

const (
	gatePending gateState = iota
	gateReady
	gateFailed
)

// Gate blocks callers until the backend identity is known. When a caller
// times out before readiness the gate fails permanently and every later Wait
// returns lockerr.ErrNotReady until Reset.
type Gate struct {
	mu       sync.Mutex
	state    gateState
	identity string
	timeout  time.Duration
	clock    clock.Clock
}

// NewGate returns a pending gate.
func NewGate(timeout time.Duration, clk clock.Clock) *Gate {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	return &Gate{timeout: timeout, clock: clock.OrReal(clk)}
}

// MarkReady records identity and releases waiters. An empty identity, or a
// gate that already failed, is left unchanged.
func (g *Gate) MarkReady(identity string) {
	if identity == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == gateFailed {
		return
	}
	g.identity = identity
	g.state = gateReady
}

// Fail moves the gate to the permanent failed state.
func (g *Gate) Fail() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != gateReady {
		g.state = gateFailed
	}
}

// Reset returns the gate to pending and forgets the identity.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = gatePending
	g.identity = ""
}

// Identity returns the resolved identity, or "" when not ready.
func (g *Gate) Identity() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != gateReady {
		return ""
	}
	return g.identity
}

// Ready reports whether the identity is resolved.
func (g *Gate) Ready() bool {
	return g.Identity() != ""
}

// Failed reports whether the gate failed permanently.
func (g *Gate) Failed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == gateFailed
}

func (g *Gate) check() (string, gateState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.identity, g.state
}

// Wait polls every timeout/10 until the gate is ready, the timeout expires
// or ctx is done.
func (g *Gate) Wait(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	interval := g.timeout / 10
	if interval <= 0 {
		interval = time.Millisecond
	}
	deadline := g.clock.Now().Add(g.timeout)
	for {
		identity, state := g.check()
		switch state {
		case gateReady:
			return identity, nil
		case gateFailed:
			return "", lockerr.ErrNotReady
		}
		if !g.clock.Now().Before(deadline) {
			g.Fail()
			if identity, state := g.check(); state == gateReady {
				return identity, nil
			}
			return "", lockerr.ErrNotReady
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-g.clock.After(interval):
		}
	}
}
