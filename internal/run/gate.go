package run

import (
	"sync"
	"time"

	"github.com/dres-dev/DRES-sub000/internal/errors"
)

// ReadinessGate tracks per-client ready acknowledgements with a
// deadline, so that all connected clients observe the same task-start
// instant within a bounded timeout. It is mutated concurrently by
// client-handling goroutines and by the orchestrator loop and carries
// its own lock.
type ReadinessGate struct {
	mu       sync.Mutex
	ready    map[string]bool
	deadline time.Time
	now      func() time.Time
}

// GateState is an observability snapshot of the gate
type GateState struct {
	Clients  map[string]bool `json:"clients"`
	Deadline time.Time       `json:"deadline"`
}

// NewReadinessGate creates a gate using the given clock; a nil clock
// falls back to time.Now.
func NewReadinessGate(clock func() time.Time) *ReadinessGate {
	if clock == nil {
		clock = time.Now
	}
	return &ReadinessGate{ready: make(map[string]bool), now: clock}
}

// Register adds a client with ready=false
func (g *ReadinessGate) Register(clientID string) {
	g.mu.Lock()
	g.ready[clientID] = false
	g.mu.Unlock()
}

// Unregister removes a client entirely
func (g *ReadinessGate) Unregister(clientID string) {
	g.mu.Lock()
	delete(g.ready, clientID)
	g.mu.Unlock()
}

// SetReady marks a client ready; unknown clients are ignored
func (g *ReadinessGate) SetReady(clientID string) {
	g.mu.Lock()
	if _, known := g.ready[clientID]; known {
		g.ready[clientID] = true
	}
	g.mu.Unlock()
}

// Override forces one client ready and fails for unknown clients
func (g *ReadinessGate) Override(clientID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, known := g.ready[clientID]; !known {
		return errors.UnknownEntityf("client %s is not registered", clientID)
	}
	g.ready[clientID] = true
	return nil
}

// Reset clears all ready flags and arms a new deadline
func (g *ReadinessGate) Reset(timeout time.Duration) {
	g.mu.Lock()
	for client := range g.ready {
		g.ready[client] = false
	}
	g.deadline = g.now().Add(timeout)
	g.mu.Unlock()
}

// AllReadyOrTimedOut is true iff every registered client is ready or
// the deadline has passed. A gate with no registered clients is ready.
func (g *ReadinessGate) AllReadyOrTimedOut() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.now().Before(g.deadline) {
		return true
	}
	for _, ready := range g.ready {
		if !ready {
			return false
		}
	}
	return true
}

// State returns a snapshot for observability
func (g *ReadinessGate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	clients := make(map[string]bool, len(g.ready))
	for client, ready := range g.ready {
		clients[client] = ready
	}
	return GateState{Clients: clients, Deadline: g.deadline}
}
