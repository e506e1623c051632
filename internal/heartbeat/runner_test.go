package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadChecklistParsesCheckedAndUnchecked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "HEARTBEAT.md")
	require.NoError(t, os.WriteFile(path, []byte("# Heartbeat\n- [ ] water plants\n- [x] feed cat\n"), 0o644))

	items, err := ReadChecklist(path)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "water plants", items[1].Text)
	require.False(t, items[1].Checked)
	require.Equal(t, "feed cat", items[2].Text)
	require.True(t, items[2].Checked)
}

func TestReadChecklistMissingFileReturnsEmpty(t *testing.T) {
	items, err := ReadChecklist(filepath.Join(t.TempDir(), "missing.md"))
	require.NoError(t, err)
	require.Nil(t, items)
}

func TestScanOnceDispatchesUncheckedAndMarksChecked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "HEARTBEAT.md")
	require.NoError(t, os.WriteFile(path, []byte("- [ ] ping the team\n"), 0o644))

	var dispatched []string
	r := New(Config{
		ChecklistPath: path,
		SessionID:     "scheduler",
		Dispatcher: DispatcherFunc(func(ctx context.Context, sessionID, text string) error {
			dispatched = append(dispatched, text)
			return nil
		}),
	})

	r.scanOnce(context.Background())
	require.Equal(t, []string{"ping the team"}, dispatched)

	items, err := ReadChecklist(path)
	require.NoError(t, err)
	require.True(t, items[0].Checked)

	dispatched = nil
	r.scanOnce(context.Background())
	require.Empty(t, dispatched, "already-checked items must not be redispatched")
}
