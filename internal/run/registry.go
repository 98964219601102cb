package run

import (
	"context"
	"sync"
	"time"

	"github.com/dres-dev/DRES-sub000/internal/errors"
	"github.com/dres-dev/DRES-sub000/internal/logger"
	"github.com/dres-dev/DRES-sub000/internal/models"
)

// RegistryOptions tunes the registry's reaper
type RegistryOptions struct {
	// SweepInterval is the poll period of the low-priority reaper
	SweepInterval time.Duration
}

func (o RegistryOptions) withDefaults() RegistryOptions {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 500 * time.Millisecond
	}
	return o
}

type registryEntry struct {
	orc    *Orchestrator
	cancel context.CancelFunc
}

// Registry manages the concurrently scheduled orchestrators, routes
// client protocol messages to them and reaps finished ones. It is an
// injected dependency with an explicit lifecycle, not a singleton.
type Registry struct {
	log         logger.Logger
	opts        RegistryOptions
	broadcaster Broadcaster

	mu      sync.RWMutex
	entries map[string]*registryEntry

	stop     chan struct{}
	sweeping sync.WaitGroup
}

// NewRegistry creates a registry; Start must be called before use
func NewRegistry(log logger.Logger, broadcaster Broadcaster, opts RegistryOptions) *Registry {
	return &Registry{
		log:         log,
		opts:        opts.withDefaults(),
		broadcaster: broadcaster,
		entries:     make(map[string]*registryEntry),
		stop:        make(chan struct{}),
	}
}

// Start launches the reaper goroutine
func (r *Registry) Start() {
	r.sweeping.Add(1)
	go r.sweep()
}

// Schedule registers an orchestrator and starts its loop on its own
// goroutine. Scheduling the same run id twice is a hard error.
func (r *Registry) Schedule(ctx context.Context, orc *Orchestrator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[orc.ID()]; exists {
		return errors.WrongStatef("run %s is already scheduled", orc.ID())
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.entries[orc.ID()] = &registryEntry{orc: orc, cancel: cancel}
	go orc.Run(loopCtx)
	// clients not yet observing any run learn about the new one
	r.Announce(models.ServerMessage{RunID: orc.ID(), Type: models.ServerCompetitionUpdate})
	r.log.Info("run scheduled", "run", orc.ID())
	return nil
}

// Get returns the orchestrator for a run id
func (r *Registry) Get(runID string) (*Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[runID]
	if !ok {
		return nil, errors.UnknownEntityf("no active run %s", runID)
	}
	return entry.orc, nil
}

// ActiveRuns returns the ids of all scheduled runs
func (r *Registry) ActiveRuns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Route dispatches one inbound protocol message to the addressed
// orchestrator.
func (r *Registry) Route(clientID string, msg models.ClientMessage) error {
	orc, err := r.Get(msg.RunID)
	if err != nil {
		return err
	}
	switch msg.Type {
	case models.ClientAck:
		orc.SetClientReady(clientID)
	case models.ClientRegister:
		orc.RegisterClient(clientID)
	case models.ClientUnregister:
		orc.UnregisterClient(clientID)
	case models.ClientPing:
		r.broadcaster.Send(clientID, models.ServerMessage{RunID: msg.RunID, Type: models.ServerPing})
	default:
		return errors.InvalidArgumentf("unknown client message type %s", msg.Type)
	}
	return nil
}

// Disconnect handles a dropped client connection; it implies an
// unregister on the observed run.
func (r *Registry) Disconnect(clientID, runID string) {
	if orc, err := r.Get(runID); err == nil {
		orc.UnregisterClient(clientID)
	}
}

// Announce broadcasts a message to every connected client
func (r *Registry) Announce(msg models.ServerMessage) {
	r.broadcaster.BroadcastAll(msg)
}

// Cancel stops the loop of one run without waiting for it
func (r *Registry) Cancel(runID string) error {
	r.mu.RLock()
	entry, ok := r.entries[runID]
	r.mu.RUnlock()
	if !ok {
		return errors.UnknownEntityf("no active run %s", runID)
	}
	entry.cancel()
	return nil
}

// sweep reaps finished or cancelled orchestrators on a slow poll
func (r *Registry) sweep() {
	defer r.sweeping.Done()
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Registry) reap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.entries {
		select {
		case <-entry.orc.Done():
			entry.cancel()
			delete(r.entries, id)
			r.log.Info("run reaped", "run", id)
		default:
		}
	}
}

// Shutdown cancels every loop and waits for them to flush, bounded by ctx
func (r *Registry) Shutdown(ctx context.Context) error {
	close(r.stop)
	r.sweeping.Wait()

	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for id, entry := range r.entries {
		entry.cancel()
		entries = append(entries, entry)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		select {
		case <-entry.orc.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
