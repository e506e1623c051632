// Package taskqueue implements the durable, leased, retryable task queue
// that backs swarm execution (spec.md §4.12, C12). Every mutation writes
// through to a relational store first, then updates an in-memory cache
// mirror; if the store is unreachable at construction the queue degrades
// to in-memory-only operation with a logged warning, per spec.md §4.12 and
// the storage-boundary pattern in DESIGN NOTES §9 ("write-through to
// durable store, cache in memory").
package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensourceagent/osa/internal/eventbus"
	"github.com/opensourceagent/osa/pkg/models"
)

// Store is the narrow durable-storage boundary a task queue backs onto: a
// handful of scan-by-status and CAS-style operations, deliberately small
// enough to be backed by Postgres, SQLite, or an embedded KV store
// interchangeably (DESIGN NOTES §9).
type Store interface {
	Insert(ctx context.Context, t *models.Task) error
	Get(ctx context.Context, id string) (*models.Task, error)
	ListByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error)
	// Lease atomically selects the oldest pending task for agentID and
	// marks it leased. Returns (nil, nil) if no candidate exists.
	Lease(ctx context.Context, agentID string, leasedBy string, leasedUntil time.Time) (*models.Task, error)
	Complete(ctx context.Context, id string, result map[string]any) (*models.Task, error)
	// Fail increments attempts and either reverts to pending (attempts <
	// maxAttempts) or marks failed (attempts >= maxAttempts). Returns the
	// updated task.
	Fail(ctx context.Context, id string, errMsg string) (*models.Task, error)
	// ReapExpired reverts every leased task whose LeasedUntil is before
	// now back to pending, clearing its lease. Returns the count reverted.
	ReapExpired(ctx context.Context, now time.Time) (int, error)
}

// ReaperInterval is the fixed background sweep period (spec.md §4.12).
const ReaperInterval = 60 * time.Second

// LeaseOptions configures an Enqueue call.
type LeaseOptions struct {
	MaxAttempts int
}

// Queue is the process-wide task queue: a durable Store (optional) plus an
// always-present in-memory cache mirror that mutations land in after the
// durable write succeeds, and that alone backs reads on the hot path.
type Queue struct {
	logger   *slog.Logger
	bus      *eventbus.Bus
	durable  Store // nil in degraded mode
	cache    *MemoryStore
	degraded bool

	stopReaper chan struct{}
	reaperOnce sync.Once
}

// New constructs a Queue. If durable is non-nil, its pending and leased
// tasks are reloaded into the cache immediately (spec.md §4.12: "on boot,
// all pending and leased tasks are reloaded"); if durable is nil, or the
// reload fails, the queue degrades to in-memory-only with a logged
// warning.
func New(ctx context.Context, durable Store, bus *eventbus.Bus, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{logger: logger, bus: bus, cache: NewMemoryStore()}

	if durable == nil {
		q.degraded = true
		q.logger.Warn("taskqueue: no durable store configured, running in-memory only")
		return q
	}

	if err := q.reload(ctx, durable); err != nil {
		q.degraded = true
		q.logger.Warn("taskqueue: durable store unreachable at boot, degrading to in-memory", "error", err)
		return q
	}

	q.durable = durable
	return q
}

func (q *Queue) reload(ctx context.Context, durable Store) error {
	for _, status := range []models.TaskStatus{models.TaskPending, models.TaskLeased} {
		tasks, err := durable.ListByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("listing %s tasks: %w", status, err)
		}
		for _, t := range tasks {
			if err := q.cache.Insert(ctx, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// Degraded reports whether the queue is running without a durable backing
// store.
func (q *Queue) Degraded() bool { return q.degraded }

// Enqueue creates a new pending task.
func (q *Queue) Enqueue(ctx context.Context, taskID, agentID string, payload map[string]any, opts LeaseOptions) error {
	_, err := q.EnqueueSync(ctx, taskID, agentID, payload, opts)
	return err
}

// EnqueueSync creates a new pending task and returns the created struct,
// for orchestrators that need to inspect generated fields immediately
// (spec.md §4.12).
func (q *Queue) EnqueueSync(ctx context.Context, taskID, agentID string, payload map[string]any, opts LeaseOptions) (*models.Task, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}
	task := &models.Task{
		ID:          taskID,
		AgentID:     agentID,
		Payload:     payload,
		Status:      models.TaskPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}

	if q.durable != nil {
		if err := q.durable.Insert(ctx, task); err != nil {
			return nil, fmt.Errorf("taskqueue: durable insert: %w", err)
		}
	}
	if err := q.cache.Insert(ctx, task); err != nil {
		return nil, fmt.Errorf("taskqueue: cache insert: %w", err)
	}
	return task, nil
}

// LeaseResult is Lease's outcome: exactly one of Task/Empty is meaningful.
type LeaseResult struct {
	Task  *models.Task
	Empty bool
}

// Lease atomically claims the oldest pending task for agentID (spec.md
// §4.12, §8 property 6: "given two concurrent lease(a) calls for the same
// agent_id a with one pending task, exactly one returns {ok, _}"). The
// durable store (when present) is the source of truth for atomicity; the
// cache mirrors its outcome.
func (q *Queue) Lease(ctx context.Context, agentID string, leaseMS int64) (LeaseResult, error) {
	leasedUntil := time.Now().Add(time.Duration(leaseMS) * time.Millisecond)
	store := q.activeStore()

	task, err := store.Lease(ctx, agentID, agentID, leasedUntil)
	if err != nil {
		return LeaseResult{}, fmt.Errorf("taskqueue: lease: %w", err)
	}
	if task == nil {
		return LeaseResult{Empty: true}, nil
	}
	if store != q.cache {
		_ = q.cache.overwrite(task)
	}
	return LeaseResult{Task: task}, nil
}

// Complete marks a task completed and clears its lease, emitting
// task_completed (spec.md §4.12).
func (q *Queue) Complete(ctx context.Context, taskID string, result map[string]any) error {
	store := q.activeStore()
	task, err := store.Complete(ctx, taskID, result)
	if err != nil {
		return fmt.Errorf("taskqueue: complete: %w", err)
	}
	if store != q.cache {
		_ = q.cache.overwrite(task)
	}
	q.publish(models.EventTaskCompleted, "", map[string]any{"task_id": taskID})
	return nil
}

// Fail increments a task's attempt count, reverting it to pending if
// attempts remain or marking it terminally failed otherwise (spec.md
// §4.12, §8 property 7: "a task with max_attempts=k fails at most k times
// before becoming terminal").
func (q *Queue) Fail(ctx context.Context, taskID, errMsg string) error {
	store := q.activeStore()
	task, err := store.Fail(ctx, taskID, errMsg)
	if err != nil {
		return fmt.Errorf("taskqueue: fail: %w", err)
	}
	if store != q.cache {
		_ = q.cache.overwrite(task)
	}
	if task.Status == models.TaskFailed {
		q.publish(models.EventTaskFailed, "", map[string]any{"task_id": taskID, "error": errMsg})
	}
	return nil
}

// Get returns a task by id, reading from the cache (always fresh for the
// single-writer components above; a durable-only external mutation would
// not be reflected until the next reload or reap).
func (q *Queue) Get(ctx context.Context, taskID string) (*models.Task, error) {
	return q.cache.Get(ctx, taskID)
}

// Depth reports the cache's task count per status, for the
// osa_taskqueue_depth gauge (internal/metrics): a snapshot read off the
// always-present in-memory mirror, never the durable store, so it never
// blocks on a database round trip from a poller's ticker goroutine.
func (q *Queue) Depth(ctx context.Context) map[models.TaskStatus]int {
	out := make(map[models.TaskStatus]int, 4)
	for _, status := range []models.TaskStatus{models.TaskPending, models.TaskLeased, models.TaskCompleted, models.TaskFailed} {
		tasks, err := q.cache.ListByStatus(ctx, status)
		if err != nil {
			continue
		}
		out[status] = len(tasks)
	}
	return out
}

// activeStore is the durable store when present, else the cache (degraded
// mode, where the cache IS the store).
func (q *Queue) activeStore() Store {
	if q.durable != nil {
		return q.durable
	}
	return q.cache
}

// StartReaper launches the background lease-expiry sweep (spec.md §4.12:
// "background reaper every 60 s"). Call Stop to halt it.
func (q *Queue) StartReaper(ctx context.Context) {
	q.reaperOnce.Do(func() {
		q.stopReaper = make(chan struct{})
		go q.reapLoop(ctx)
	})
}

func (q *Queue) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopReaper:
			return
		case <-ticker.C:
			q.Reap(ctx)
		}
	}
}

// Reap runs one lease-expiry sweep immediately (exposed for tests, which
// should not wait a full 60s interval).
func (q *Queue) Reap(ctx context.Context) int {
	store := q.activeStore()
	n, err := store.ReapExpired(ctx, time.Now())
	if err != nil {
		q.logger.Warn("taskqueue: reap failed", "error", err)
		return 0
	}
	if store != q.cache {
		// Mirror the reload for any tasks the durable reaper just reverted.
		if pending, err := store.ListByStatus(ctx, models.TaskPending); err == nil {
			for _, t := range pending {
				_ = q.cache.overwrite(t)
			}
		}
	}
	return n
}

// Stop halts the background reaper, if running.
func (q *Queue) Stop() {
	if q.stopReaper != nil {
		close(q.stopReaper)
	}
}

func (q *Queue) publish(tag models.EventTag, sessionID string, payload map[string]any) {
	if q.bus == nil {
		return
	}
	_ = q.bus.Publish(models.Event{Tag: tag, SessionID: sessionID, Time: time.Now(), Payload: payload})
}
