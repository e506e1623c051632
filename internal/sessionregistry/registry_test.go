package sessionregistry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensourceagent/osa/pkg/models"
)

type fakeWorker struct {
	id        int32
	processFn func(ctx context.Context, text string) (any, error)
	cancelled bool
}

func (w *fakeWorker) ProcessMessage(ctx context.Context, text string) (any, error) {
	if w.processFn != nil {
		return w.processFn(ctx, text)
	}
	return text, nil
}

func (w *fakeWorker) Cancel() { w.cancelled = true }

func TestEnsureLoopCreatesOnce(t *testing.T) {
	var created int32
	factory := func(sessionID, userID string, channel models.ChannelID, history []*models.Message) (Worker, error) {
		atomic.AddInt32(&created, 1)
		return &fakeWorker{}, nil
	}
	r := New(nil, factory, nil)

	h1, err := r.EnsureLoop("s1", "u1", models.ChannelCLI)
	require.NoError(t, err)
	h2, err := r.EnsureLoop("s1", "u1", models.ChannelCLI)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&created))
}

func TestEnsureLoopConcurrentCreationIsRaceFree(t *testing.T) {
	var created int32
	factory := func(sessionID, userID string, channel models.ChannelID, history []*models.Message) (Worker, error) {
		atomic.AddInt32(&created, 1)
		return &fakeWorker{}, nil
	}
	r := New(nil, factory, nil)

	const n = 50
	var wg sync.WaitGroup
	handles := make([]*Handle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.EnsureLoop("shared", "u1", models.ChannelCLI)
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, handles[0], handles[i])
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&created))
}

func TestProcessRejectsOverlappingCalls(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	factory := func(sessionID, userID string, channel models.ChannelID, history []*models.Message) (Worker, error) {
		return &fakeWorker{processFn: func(ctx context.Context, text string) (any, error) {
			close(entered)
			<-release
			return "done", nil
		}}, nil
	}
	r := New(nil, factory, nil)
	h, err := r.EnsureLoop("s1", "", models.ChannelCLI)
	require.NoError(t, err)

	go func() {
		_, _ = h.Process(context.Background(), r, "first")
	}()
	<-entered

	_, err = h.Process(context.Background(), r, "second")
	assert.ErrorIs(t, err, ErrBusy)
	close(release)
}

func TestProcessPanicRestartsWorker(t *testing.T) {
	var gen int32
	factory := func(sessionID, userID string, channel models.ChannelID, history []*models.Message) (Worker, error) {
		g := atomic.AddInt32(&gen, 1)
		if g == 1 {
			return &fakeWorker{processFn: func(ctx context.Context, text string) (any, error) {
				panic("boom")
			}}, nil
		}
		return &fakeWorker{}, nil
	}
	r := New(nil, factory, nil)
	h, err := r.EnsureLoop("s1", "", models.ChannelCLI)
	require.NoError(t, err)

	_, err = h.Process(context.Background(), r, "trigger panic")
	require.Error(t, err)

	result, err := h.Process(context.Background(), r, "after restart")
	require.NoError(t, err)
	assert.Equal(t, "after restart", result)
	assert.EqualValues(t, 2, atomic.LoadInt32(&gen))
}

func TestWhereisAndList(t *testing.T) {
	factory := func(sessionID, userID string, channel models.ChannelID, history []*models.Message) (Worker, error) {
		return &fakeWorker{}, nil
	}
	r := New(nil, factory, nil)
	_, err := r.EnsureLoop("s1", "", models.ChannelCLI)
	require.NoError(t, err)

	_, ok := r.Whereis("s1")
	assert.True(t, ok)
	_, ok = r.Whereis("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"s1"}, r.List())
}

func TestTerminateCancelsAndRemoves(t *testing.T) {
	var w fakeWorker
	factory := func(sessionID, userID string, channel models.ChannelID, history []*models.Message) (Worker, error) {
		return &w, nil
	}
	r := New(nil, factory, nil)
	_, err := r.EnsureLoop("s1", "", models.ChannelCLI)
	require.NoError(t, err)

	r.Terminate("s1")
	assert.True(t, w.cancelled)
	_, ok := r.Whereis("s1")
	assert.False(t, ok)
}
