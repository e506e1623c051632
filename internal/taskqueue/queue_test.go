package taskqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensourceagent/osa/internal/eventbus"
	"github.com/opensourceagent/osa/pkg/models"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return New(context.Background(), nil, nil, nil)
}

func TestEnqueueAndLease(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	task, err := q.EnqueueSync(ctx, "T1", "agentA", map[string]any{"x": 1}, LeaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)

	result, err := q.Lease(ctx, "agentA", 5000)
	require.NoError(t, err)
	require.False(t, result.Empty)
	assert.Equal(t, "T1", result.Task.ID)
	assert.Equal(t, models.TaskLeased, result.Task.Status)
}

// TestConcurrentLeaseExactlyOneWins is scenario S8 / property 6: two
// concurrent lease(a) calls for the same agent with one pending task, only
// one returns {ok, _}.
func TestConcurrentLeaseExactlyOneWins(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_, err := q.EnqueueSync(ctx, "T1", "agentA", nil, LeaseOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]LeaseResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := q.Lease(ctx, "agentA", 5000)
			require.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		if !r.Empty {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

// TestRetryBound is scenario S6: enqueue with max_attempts=2, lease+fail
// twice, expect status=failed, attempts=2.
func TestRetryBound(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_, err := q.EnqueueSync(ctx, "T", "agentA", nil, LeaseOptions{MaxAttempts: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		result, err := q.Lease(ctx, "agentA", 5000)
		require.NoError(t, err)
		require.False(t, result.Empty)
		require.NoError(t, q.Fail(ctx, "T", "boom"))
	}

	task, err := q.Get(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Equal(t, 2, task.Attempts)

	// Terminal: a third lease attempt finds nothing pending.
	result, err := q.Lease(ctx, "agentA", 5000)
	require.NoError(t, err)
	assert.True(t, result.Empty)
}

func TestFailBelowMaxAttemptsRevertsToPending(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_, err := q.EnqueueSync(ctx, "T", "agentA", nil, LeaseOptions{MaxAttempts: 3})
	require.NoError(t, err)

	_, err = q.Lease(ctx, "agentA", 5000)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, "T", "transient"))

	task, err := q.Get(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Equal(t, 1, task.Attempts)
}

// TestLeaseReaper is scenario S5: a task leased with lease_ms=1, reaped
// after expiry, observed pending with leased_until cleared.
func TestLeaseReaper(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_, err := q.EnqueueSync(ctx, "T", "agentA", nil, LeaseOptions{})
	require.NoError(t, err)

	_, err = q.Lease(ctx, "agentA", 1)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n := q.Reap(ctx)
	assert.Equal(t, 1, n)

	task, err := q.Get(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Nil(t, task.LeasedUntil)
}

func TestCompleteClearsLeaseAndEmitsEvent(t *testing.T) {
	bus := eventbus.New(0)
	_, events := bus.Subscribe("")
	q := New(context.Background(), nil, bus, nil)
	ctx := context.Background()
	_, err := q.EnqueueSync(ctx, "T", "agentA", nil, LeaseOptions{})
	require.NoError(t, err)
	_, err = q.Lease(ctx, "agentA", 5000)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, "T", map[string]any{"ok": true}))

	task, err := q.Get(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.Nil(t, task.LeasedUntil)
	assert.NotNil(t, task.CompletedAt)

	select {
	case evt := <-events:
		assert.Equal(t, models.EventTaskCompleted, evt.Tag)
		assert.Equal(t, "T", evt.Payload["task_id"])
	default:
		t.Fatal("no task_completed event published")
	}
}

func TestDegradedModeWithoutDurableStore(t *testing.T) {
	q := New(context.Background(), nil, nil, nil)
	assert.True(t, q.Degraded())
}
