package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opensourceagent/osa/pkg/models"
)

func TestRegisterBuiltinsRegistersAllFive(t *testing.T) {
	reg := New(nil)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{Workspace: t.TempDir()}))

	names := map[string]bool{}
	for _, desc := range reg.ListToolsDirect() {
		names[desc.Name] = true
	}
	for _, want := range []string{"dir_list", "read_file", "write_file", "http_fetch", "shell_exec"} {
		require.True(t, names[want], "expected %s to be registered", want)
	}
}

func TestWriteThenReadFileRoundTrips(t *testing.T) {
	reg := New(nil)
	workspace := t.TempDir()
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{Workspace: workspace}))

	writeArgs, _ := json.Marshal(map[string]any{"path": "notes/a.txt", "content": "hello"})
	res := reg.Dispatch(context.Background(), models.ToolCall{Name: "write_file", Input: writeArgs})
	require.True(t, res.OK, res.Error)

	readArgs, _ := json.Marshal(map[string]any{"path": "notes/a.txt"})
	res = reg.Dispatch(context.Background(), models.ToolCall{Name: "read_file", Input: readArgs})
	require.True(t, res.OK, res.Error)

	out := res.Value.(map[string]any)
	require.Equal(t, "hello", out["content"])
}

func TestReadFileRejectsPathEscape(t *testing.T) {
	reg := New(nil)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{Workspace: t.TempDir()}))

	args, _ := json.Marshal(map[string]any{"path": "../../etc/passwd"})
	res := reg.Dispatch(context.Background(), models.ToolCall{Name: "read_file", Input: args})
	require.False(t, res.OK)
	require.Contains(t, res.Error, "escapes workspace")
}

func TestDirListListsWorkspace(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(workspace, "sub"), 0o755))

	reg := New(nil)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{Workspace: workspace}))

	args, _ := json.Marshal(map[string]any{"path": "."})
	res := reg.Dispatch(context.Background(), models.ToolCall{Name: "dir_list", Input: args})
	require.True(t, res.OK, res.Error)

	out := res.Value.(map[string]any)
	entries := out["entries"].([]string)
	require.Contains(t, entries, "a.txt")
	require.Contains(t, entries, "sub/")
}

func TestHTTPFetchReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	reg := New(nil)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{Workspace: t.TempDir()}))

	args, _ := json.Marshal(map[string]any{"url": srv.URL})
	res := reg.Dispatch(context.Background(), models.ToolCall{Name: "http_fetch", Input: args})
	require.True(t, res.OK, res.Error)

	out := res.Value.(map[string]any)
	require.Equal(t, "pong", out["content"])
	require.Equal(t, 200, out["status_code"])
}

func TestHTTPFetchRejectsNonHTTPScheme(t *testing.T) {
	reg := New(nil)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{Workspace: t.TempDir()}))

	args, _ := json.Marshal(map[string]any{"url": "file:///etc/passwd"})
	res := reg.Dispatch(context.Background(), models.ToolCall{Name: "http_fetch", Input: args})
	require.False(t, res.OK)
}

func TestShellExecRunsCommandAndCapturesOutput(t *testing.T) {
	reg := New(nil)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{Workspace: t.TempDir()}))

	args, _ := json.Marshal(map[string]any{"command": "echo hi"})
	res := reg.Dispatch(context.Background(), models.ToolCall{Name: "shell_exec", Input: args})
	require.True(t, res.OK, res.Error)

	out := res.Value.(map[string]any)
	require.Contains(t, out["output"], "hi")
	require.Equal(t, 0, out["exit_code"])
}

func TestShellExecBlocksDangerousCommand(t *testing.T) {
	reg := New(nil)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{Workspace: t.TempDir()}))

	args, _ := json.Marshal(map[string]any{"command": "sudo rm -rf /var"})
	res := reg.Dispatch(context.Background(), models.ToolCall{Name: "shell_exec", Input: args})
	require.False(t, res.OK)
	require.Contains(t, res.Error, "blocked")
}
