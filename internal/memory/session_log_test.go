package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensourceagent/osa/pkg/models"
)

func TestResumeSessionNotFound(t *testing.T) {
	log := NewSessionLog(t.TempDir(), 0)
	_, err := log.ResumeSession("does-not-exist")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAppendAndLoadSessionRoundTrips(t *testing.T) {
	log := NewSessionLog(t.TempDir(), 0)

	require.NoError(t, log.Append("s1", &models.Message{ID: "m1", SessionID: "s1", Role: models.RoleUser, Content: "hello"}))
	require.NoError(t, log.Append("s1", &models.Message{ID: "m2", SessionID: "s1", Role: models.RoleAssistant, Content: "hi there"}))

	messages, err := log.LoadSession("s1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "hello", messages[0].Content)
	require.Equal(t, "hi there", messages[1].Content)
}

func TestTailIsBoundedBySize(t *testing.T) {
	log := NewSessionLog(t.TempDir(), 3)
	for i := 0; i < 10; i++ {
		require.NoError(t, log.Append("s1", &models.Message{ID: "m", SessionID: "s1", Role: models.RoleUser, Content: "x"}))
	}
	messages, err := log.LoadSession("s1")
	require.NoError(t, err)
	require.Len(t, messages, 3)
}

func TestResumeSessionReloadsFromDiskWithFreshLog(t *testing.T) {
	dir := t.TempDir()
	log := NewSessionLog(dir, 0)
	require.NoError(t, log.Append("s1", &models.Message{ID: "m1", SessionID: "s1", Role: models.RoleUser, Content: "persisted"}))

	reopened := NewSessionLog(dir, 0)
	messages, err := reopened.ResumeSession("s1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "persisted", messages[0].Content)
}
