package taskqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opensourceagent/osa/pkg/models"
)

// MemoryStore is an in-memory Store implementation. It backs the Queue's
// always-present cache, and also serves as the entire backing store in
// degraded mode (no durable store configured or reachable).
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*models.Task)}
}

func clone(t *models.Task) *models.Task {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Insert adds a new task, or overwrites an existing task with the same id
// (used to mirror durable-store state on reload).
func (m *MemoryStore) Insert(ctx context.Context, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = clone(t)
	return nil
}

// overwrite replaces the cached copy of a task with the durable store's
// authoritative state after a durable-store mutation.
func (m *MemoryStore) overwrite(t *models.Task) error {
	return m.Insert(context.Background(), t)
}

// Get returns a copy of the task with the given id.
func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("taskqueue: task %q not found", id)
	}
	return clone(t), nil
}

// ListByStatus returns every task with the given status, oldest first.
func (m *MemoryStore) ListByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Lease atomically selects the oldest pending task for agentID under the
// store's single mutex — the in-memory equivalent of SQL's
// "SELECT ... FOR UPDATE SKIP LOCKED": the critical section is the whole
// read-modify-write, so two concurrent Lease calls for the same agentID
// can never both win the one pending task (spec.md §8 property 6).
func (m *MemoryStore) Lease(ctx context.Context, agentID, leasedBy string, leasedUntil time.Time) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*models.Task
	for _, t := range m.tasks {
		if t.AgentID == agentID && t.Status == models.TaskPending {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	winner := candidates[0]
	winner.Status = models.TaskLeased
	winner.LeasedBy = leasedBy
	until := leasedUntil
	winner.LeasedUntil = &until
	return clone(winner), nil
}

// Complete marks a task completed and clears its lease.
func (m *MemoryStore) Complete(ctx context.Context, id string, result map[string]any) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("taskqueue: task %q not found", id)
	}
	t.Status = models.TaskCompleted
	t.Result = result
	t.LeasedUntil = nil
	t.LeasedBy = ""
	now := time.Now()
	t.CompletedAt = &now
	return clone(t), nil
}

// Fail increments attempts, reverting to pending or marking terminally
// failed once max_attempts is reached (spec.md §4.12, §8 property 7).
func (m *MemoryStore) Fail(ctx context.Context, id, errMsg string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("taskqueue: task %q not found", id)
	}
	t.Attempts++
	t.Error = errMsg
	t.LeasedUntil = nil
	t.LeasedBy = ""
	if t.Attempts >= t.MaxAttempts {
		t.Status = models.TaskFailed
	} else {
		t.Status = models.TaskPending
	}
	return clone(t), nil
}

// ReapExpired reverts every leased task whose lease has expired back to
// pending, clearing the lease (spec.md §4.12, §8 property 8).
func (m *MemoryStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == models.TaskLeased && t.LeasedUntil != nil && t.LeasedUntil.Before(now) {
			t.Status = models.TaskPending
			t.LeasedUntil = nil
			t.LeasedBy = ""
			n++
		}
	}
	return n, nil
}
