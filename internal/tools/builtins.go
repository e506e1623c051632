package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opensourceagent/osa/pkg/models"
)

// builtin tool limits (spec.md §4.8): the five built-in tools are bounded
// in the same way the registry bounds arbitrary tool calls, so a single
// misbehaving call cannot exhaust memory or hang the agent loop.
const (
	maxReadBytes      = 200_000
	maxFetchBytes     = 1 << 20
	maxFetchChars     = 10_000
	maxShellOutput    = 100_000
	shellTimeout      = 30 * time.Second
	fetchTimeout      = 15 * time.Second
	maxDirListEntries = 2000
)

// Resolver confines a relative path to a workspace root, rejecting any path
// that escapes it (spec.md §4.8's sandbox requirement for filesystem
// tools).
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path guaranteed to live under the
// resolver's root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

// BuiltinConfig controls the workspace and blocklist the five built-in
// tools (spec.md §4.8, C8) are scoped to.
type BuiltinConfig struct {
	Workspace      string
	ShellBlocklist []string // additional literal substrings to block, beyond the fixed set
	ShellTimeout   time.Duration
}

// RegisterBuiltins registers dir_list, read_file, write_file, http_fetch,
// and shell_exec against reg. shell_exec's handler itself screens only
// literal substrings (the fixed blocklist plus BuiltinConfig.ShellBlocklist);
// the pre_tool_use security hook (internal/hooks) provides
// the second, pattern-based layer spec.md §4.15 describes.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	resolver := Resolver{Root: cfg.Workspace}
	timeout := cfg.ShellTimeout
	if timeout <= 0 {
		timeout = shellTimeout
	}

	tools := []models.ToolDescriptor{
		dirListDescriptor(resolver),
		readFileDescriptor(resolver),
		writeFileDescriptor(resolver),
		httpFetchDescriptor(),
		shellExecDescriptor(resolver, timeout, cfg.ShellBlocklist),
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("tools: registering builtin %q: %w", t.Name, err)
		}
	}
	return nil
}

func dirListDescriptor(resolver Resolver) models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "dir_list",
		Description: "List files and directories under a workspace-relative path.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to list, relative to the workspace root (default: \".\").",
				},
			},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var input struct {
				Path string `json:"path"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &input); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
			}
			if input.Path == "" {
				input.Path = "."
			}

			resolved, err := resolver.Resolve(input.Path)
			if err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(resolved)
			if err != nil {
				return nil, fmt.Errorf("list directory: %w", err)
			}

			names := make([]string, 0, len(entries))
			for i, e := range entries {
				if i >= maxDirListEntries {
					break
				}
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return map[string]any{"path": input.Path, "entries": names, "truncated": len(entries) > maxDirListEntries}, nil
		},
	}
}

func readFileDescriptor(resolver Resolver) models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "read_file",
		Description: "Read a file from the workspace with an optional byte offset and limit.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":      map[string]any{"type": "string", "description": "Path relative to the workspace root."},
				"offset":    map[string]any{"type": "integer", "minimum": 0, "description": "Byte offset to start reading from."},
				"max_bytes": map[string]any{"type": "integer", "minimum": 0, "description": "Maximum bytes to read, capped at 200000."},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var input struct {
				Path     string `json:"path"`
				Offset   int64  `json:"offset"`
				MaxBytes int    `json:"max_bytes"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if strings.TrimSpace(input.Path) == "" {
				return nil, fmt.Errorf("path is required")
			}

			resolved, err := resolver.Resolve(input.Path)
			if err != nil {
				return nil, err
			}
			f, err := os.Open(resolved)
			if err != nil {
				return nil, fmt.Errorf("open file: %w", err)
			}
			defer f.Close()

			if input.Offset > 0 {
				if _, err := f.Seek(input.Offset, io.SeekStart); err != nil {
					return nil, fmt.Errorf("seek: %w", err)
				}
			}
			limit := input.MaxBytes
			if limit <= 0 || limit > maxReadBytes {
				limit = maxReadBytes
			}
			buf := make([]byte, limit)
			n, err := f.Read(buf)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("read file: %w", err)
			}
			return map[string]any{"path": input.Path, "content": string(buf[:n]), "bytes_read": n}, nil
		},
	}
}

func writeFileDescriptor(resolver Resolver) models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating parent directories as needed.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Path relative to the workspace root."},
				"content": map[string]any{"type": "string", "description": "Content to write."},
				"append":  map[string]any{"type": "boolean", "description": "Append instead of overwrite (default: false)."},
			},
			"required": []string{"path", "content"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var input struct {
				Path    string `json:"path"`
				Content string `json:"content"`
				Append  bool   `json:"append"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if strings.TrimSpace(input.Path) == "" {
				return nil, fmt.Errorf("path is required")
			}

			resolved, err := resolver.Resolve(input.Path)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return nil, fmt.Errorf("create directory: %w", err)
			}

			flags := os.O_CREATE | os.O_WRONLY
			if input.Append {
				flags |= os.O_APPEND
			} else {
				flags |= os.O_TRUNC
			}
			f, err := os.OpenFile(resolved, flags, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open file: %w", err)
			}
			defer f.Close()
			n, err := f.WriteString(input.Content)
			if err != nil {
				return nil, fmt.Errorf("write file: %w", err)
			}
			return map[string]any{"path": input.Path, "bytes_written": n}, nil
		},
	}
}

func httpFetchDescriptor() models.ToolDescriptor {
	client := &http.Client{Timeout: fetchTimeout}
	return models.ToolDescriptor{
		Name:        "http_fetch",
		Description: "Fetch a URL over HTTP(S) and return up to 10000 characters of its body.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":    map[string]any{"type": "string", "description": "URL to fetch (http/https only)."},
				"method": map[string]any{"type": "string", "description": "HTTP method (default: GET)."},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var input struct {
				URL    string `json:"url"`
				Method string `json:"method"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if !strings.HasPrefix(input.URL, "http://") && !strings.HasPrefix(input.URL, "https://") {
				return nil, fmt.Errorf("url must be http or https")
			}
			method := strings.ToUpper(input.Method)
			if method == "" {
				method = http.MethodGet
			}

			req, err := http.NewRequestWithContext(ctx, method, input.URL, nil)
			if err != nil {
				return nil, fmt.Errorf("build request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("fetch url: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
			if err != nil {
				return nil, fmt.Errorf("read response: %w", err)
			}
			text := string(body)
			truncated := false
			if runes := []rune(text); len(runes) > maxFetchChars {
				text = string(runes[:maxFetchChars])
				truncated = true
			}
			return map[string]any{
				"url":         input.URL,
				"status_code": resp.StatusCode,
				"content":     text,
				"truncated":   truncated,
			}, nil
		},
	}
}

// shellBlocklist is the fixed set of command substrings shell_exec refuses
// outright, independent of the pre_tool_use security hook. These mirror
// the highest-risk shell metacharacters and destructive command prefixes
// (spec.md §4.15/§4.8).
var shellBlocklist = []string{
	"rm -rf /",
	"sudo rm",
	":(){ :|:& };:",
	"mkfs",
	"dd if=",
	"> /dev/sd",
}

func shellExecDescriptor(resolver Resolver, timeout time.Duration, extraBlocklist []string) models.ToolDescriptor {
	blocklist := append(append([]string{}, shellBlocklist...), extraBlocklist...)

	return models.ToolDescriptor{
		Name:        "shell_exec",
		Description: "Run a shell command in the workspace directory with a bounded timeout and output size.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "Command to run via /bin/sh -c."},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var input struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if strings.TrimSpace(input.Command) == "" {
				return nil, fmt.Errorf("command is required")
			}
			for _, blocked := range blocklist {
				if strings.Contains(input.Command, blocked) {
					return nil, fmt.Errorf("command blocked: matches %q", blocked)
				}
			}

			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", input.Command)
			if resolver.Root != "" {
				if dir, err := filepath.Abs(resolver.Root); err == nil {
					cmd.Dir = dir
				}
			}

			var out outputCapture
			cmd.Stdout = &out
			cmd.Stderr = &out

			runErr := cmd.Run()
			result := map[string]any{
				"command":   input.Command,
				"output":    out.String(),
				"truncated": out.truncated,
			}
			if runCtx.Err() == context.DeadlineExceeded {
				result["timed_out"] = true
				return result, nil
			}
			if runErr != nil {
				if exitErr, ok := runErr.(*exec.ExitError); ok {
					result["exit_code"] = exitErr.ExitCode()
					return result, nil
				}
				return nil, fmt.Errorf("run command: %w", runErr)
			}
			result["exit_code"] = 0
			return result, nil
		},
	}
}

// outputCapture bounds shell_exec's combined stdout/stderr at maxShellOutput
// bytes, dropping anything beyond that rather than buffering unboundedly.
type outputCapture struct {
	buf       strings.Builder
	truncated bool
}

func (o *outputCapture) Write(p []byte) (int, error) {
	if o.buf.Len() >= maxShellOutput {
		o.truncated = true
		return len(p), nil
	}
	remaining := maxShellOutput - o.buf.Len()
	if len(p) > remaining {
		o.buf.Write(p[:remaining])
		o.truncated = true
		return len(p), nil
	}
	o.buf.Write(p)
	return len(p), nil
}

func (o *outputCapture) String() string { return o.buf.String() }
