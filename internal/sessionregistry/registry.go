// Package sessionregistry implements the per-session process directory
// (spec.md §4.11, C11): a `session_id → loop process` map with race-free,
// double-checked creation, quiescent-state admission, and panic-isolated
// supervision that reloads persisted history on restart.
//
// The known failure mode spec.md's design notes call out — "new-session
// creation crashing under concurrent load" — is the race this package
// exists to close: two goroutines racing EnsureLoop for the same
// session_id must never construct two worker instances, only one of which
// wins the map.
package sessionregistry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensourceagent/osa/pkg/models"
)

// Worker is the loop process a Registry supervises. It is implemented by
// *agent.Loop in production; tests use a fake.
type Worker interface {
	// ProcessMessage runs one inbound message through the loop. Callers
	// must not call ProcessMessage concurrently on the same Worker — the
	// Handle wrapping it enforces that by rejecting overlapping calls with
	// ErrBusy rather than serializing them silently.
	ProcessMessage(ctx context.Context, text string) (any, error)
	// Cancel aborts any in-flight ProcessMessage call.
	Cancel()
}

// Factory constructs a fresh Worker for a session, optionally seeded with
// its persisted history (nil if this is a brand-new session or a restart
// with no prior log).
type Factory func(sessionID, userID string, channel models.ChannelID, history []*models.Message) (Worker, error)

// HistoryLoader reloads a session's durable history for supervisor restart.
// Implemented by *memory.SessionLog in production.
type HistoryLoader func(sessionID string) ([]*models.Message, error)

// ErrBusy is returned by Handle.Process when the loop is already running
// another message for the same session (spec.md §4.10: "accept new
// process_message calls only in a quiescent state, returning busy
// otherwise").
var ErrBusy = fmt.Errorf("sessionregistry: session busy")

// Handle is one session's supervised entry in the registry.
type Handle struct {
	SessionID string
	UserID    string
	Channel   models.ChannelID

	mu     sync.Mutex // guards worker + busy; also serializes restart
	worker Worker
	busy   bool
}

// Process runs text through the session's loop, recovering and restarting
// the worker if it panics, then reporting the restart as an error to this
// caller (the next caller gets a fresh worker). Returns ErrBusy if another
// call is already in flight.
func (h *Handle) Process(ctx context.Context, r *Registry, text string) (result any, err error) {
	h.mu.Lock()
	if h.busy {
		h.mu.Unlock()
		return nil, ErrBusy
	}
	h.busy = true
	worker := h.worker
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.busy = false
		h.mu.Unlock()
		if p := recover(); p != nil {
			r.logger.Error("session loop panicked, restarting", "session_id", h.SessionID, "panic", fmt.Sprintf("%v", p))
			r.restart(h)
			err = fmt.Errorf("sessionregistry: session %s crashed and was restarted: %v", h.SessionID, p)
		}
	}()

	return worker.ProcessMessage(ctx, text)
}

// Cancel aborts the session's in-flight operation, if any.
func (h *Handle) Cancel() {
	h.mu.Lock()
	w := h.worker
	h.mu.Unlock()
	if w != nil {
		w.Cancel()
	}
}

// Registry maps session_id to supervised Handles.
type Registry struct {
	logger  *slog.Logger
	factory Factory
	history HistoryLoader

	mu       sync.RWMutex
	handles  map[string]*Handle
	creating map[string]*sync.Mutex // striped per-session creation locks
}

// New constructs a Registry. factory builds a fresh Worker for a session;
// history (optional) is consulted on creation and on panic-restart to seed
// the new worker with persisted messages.
func New(logger *slog.Logger, factory Factory, history HistoryLoader) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		factory:  factory,
		history:  history,
		handles:  make(map[string]*Handle),
		creating: make(map[string]*sync.Mutex),
	}
}

// EnsureLoop returns the existing Handle for sessionID, or creates one.
// Creation is double-checked: a fast RLock read for the common case, then
// a per-session creation mutex (never a single global lock) guarding the
// construction itself, with a second lookup after acquiring it in case a
// concurrent caller won the race first.
func (r *Registry) EnsureLoop(sessionID, userID string, channel models.ChannelID) (*Handle, error) {
	if h := r.lookup(sessionID); h != nil {
		return h, nil
	}

	lock := r.creationLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if h := r.lookup(sessionID); h != nil {
		return h, nil
	}

	var history []*models.Message
	if r.history != nil {
		if loaded, err := r.history(sessionID); err == nil {
			history = loaded
		}
	}

	worker, err := r.factory(sessionID, userID, channel, history)
	if err != nil {
		return nil, fmt.Errorf("sessionregistry: creating loop for %s: %w", sessionID, err)
	}

	handle := &Handle{SessionID: sessionID, UserID: userID, Channel: channel, worker: worker}

	r.mu.Lock()
	r.handles[sessionID] = handle
	r.mu.Unlock()

	return handle, nil
}

func (r *Registry) lookup(sessionID string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[sessionID]
}

func (r *Registry) creationLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.creating[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		r.creating[sessionID] = lock
	}
	return lock
}

// restart rebuilds a handle's worker after a panic, reloading persisted
// history so the session resumes rather than loses state.
func (r *Registry) restart(h *Handle) {
	var history []*models.Message
	if r.history != nil {
		if loaded, err := r.history(h.SessionID); err == nil {
			history = loaded
		}
	}
	worker, err := r.factory(h.SessionID, h.UserID, h.Channel, history)
	if err != nil {
		r.logger.Error("sessionregistry: failed to restart session loop", "session_id", h.SessionID, "error", err)
		return
	}
	h.mu.Lock()
	h.worker = worker
	h.mu.Unlock()
}

// Whereis looks up a session's handle without creating one.
func (r *Registry) Whereis(sessionID string) (*Handle, bool) {
	h := r.lookup(sessionID)
	return h, h != nil
}

// List enumerates all known session ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handles))
	for id := range r.handles {
		out = append(out, id)
	}
	return out
}

// Terminate explicitly removes a session's handle, cancelling any in-flight
// work first.
func (r *Registry) Terminate(sessionID string) {
	r.mu.Lock()
	h, ok := r.handles[sessionID]
	if ok {
		delete(r.handles, sessionID)
	}
	delete(r.creating, sessionID)
	r.mu.Unlock()

	if ok {
		h.Cancel()
	}
}
