package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensourceagent/osa/internal/apperrors"
	"github.com/opensourceagent/osa/pkg/models"
)

// fakeProvider is a minimal models.Provider for exercising the registry
// without a network call.
type fakeProvider struct {
	name      string
	model     string
	probeErr  error
	chatErr   error
	chatCalls int
	lastOpts  models.CompletionOptions
}

func (f *fakeProvider) Name() string           { return f.name }
func (f *fakeProvider) DefaultModel() string   { return f.model }
func (f *fakeProvider) SupportsStreaming() bool { return false }
func (f *fakeProvider) SupportsTools() bool     { return true }

func (f *fakeProvider) Probe(ctx context.Context) error { return f.probeErr }

func (f *fakeProvider) Chat(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
	f.chatCalls++
	f.lastOpts = opts
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return &models.CompletionResult{Content: "ok from " + f.name}, nil
}

func TestRegistryAddExcludesProviderFailingProbe(t *testing.T) {
	r := New(nil)
	bad := &fakeProvider{name: "bad", model: "m1", probeErr: errors.New("unreachable")}
	r.Add(context.Background(), bad)

	require.Equal(t, 0, r.Len())
}

func TestRegistryAddAdmitsProviderPassingProbe(t *testing.T) {
	r := New(nil)
	good := &fakeProvider{name: "good", model: "m1"}
	r.Add(context.Background(), good)

	require.Equal(t, 1, r.Len())
	name, model := r.Active()
	require.Equal(t, "good", name)
	require.Equal(t, "m1", model)
}

func TestRegistryChatFallsBackOnRetryableError(t *testing.T) {
	r := New(nil)
	first := &fakeProvider{name: "first", model: "m1", chatErr: apperrors.New(apperrors.KindProviderError, "down")}
	second := &fakeProvider{name: "second", model: "m2"}
	r.Add(context.Background(), first)
	r.Add(context.Background(), second)

	result, err := r.Chat(context.Background(), nil, models.CompletionOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok from second", result.Content)
	require.Equal(t, 1, first.chatCalls)
	require.Equal(t, 1, second.chatCalls)
}

func TestRegistryChatStopsOnNonRetryableError(t *testing.T) {
	r := New(nil)
	first := &fakeProvider{name: "first", model: "m1", chatErr: apperrors.New(apperrors.KindUnauthorized, "bad key")}
	second := &fakeProvider{name: "second", model: "m2"}
	r.Add(context.Background(), first)
	r.Add(context.Background(), second)

	_, err := r.Chat(context.Background(), nil, models.CompletionOptions{})
	require.Error(t, err)
	require.Equal(t, 1, first.chatCalls)
	require.Equal(t, 0, second.chatCalls)
}

func TestRegistryChatNoProvidersConfigured(t *testing.T) {
	r := New(nil)
	_, err := r.Chat(context.Background(), nil, models.CompletionOptions{})
	require.Error(t, err)
}

func TestRegistryToolGateHidesToolsForGatedProvider(t *testing.T) {
	r := New(nil)
	local := &fakeProvider{name: "local", model: "tiny"}
	r.Add(context.Background(), local)
	r.WithToolGate("local", func(model string) bool { return false })

	_, err := r.Chat(context.Background(), nil, models.CompletionOptions{
		Tools: []models.ToolDescriptor{{Name: "dir_list"}},
	})
	require.NoError(t, err)
	require.Empty(t, local.lastOpts.Tools)
}

func TestRegistryNamesReflectsFallbackOrder(t *testing.T) {
	r := New(nil)
	r.Add(context.Background(), &fakeProvider{name: "a", model: "m"})
	r.Add(context.Background(), &fakeProvider{name: "b", model: "m"})

	require.Equal(t, []string{"a", "b"}, r.Names())
}
