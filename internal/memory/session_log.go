// Package memory implements the two-layer memory store (spec.md §4.7, C7):
// an append-only per-session JSONL log with an in-memory tail, and a
// keyword-indexed long-term store backed by SQLite.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/opensourceagent/osa/pkg/models"
)

// DefaultTailSize mirrors the teacher's GetHistory(ctx, id, 50) call shape.
const DefaultTailSize = 50

// ErrSessionNotFound is returned by ResumeSession when no log exists yet.
var ErrSessionNotFound = fmt.Errorf("memory: session not found")

// SessionLog is an append-only JSONL log per session, with a bounded
// in-memory tail for fast reads on the hot path.
type SessionLog struct {
	dir      string
	tailSize int

	mu    sync.Mutex
	tails map[string][]*models.Message
}

// NewSessionLog creates a logger rooted at dir (created lazily on first
// append).
func NewSessionLog(dir string, tailSize int) *SessionLog {
	if tailSize <= 0 {
		tailSize = DefaultTailSize
	}
	return &SessionLog{dir: dir, tailSize: tailSize, tails: make(map[string][]*models.Message)}
}

func (l *SessionLog) path(sessionID string) string {
	return filepath.Join(l.dir, sessionID, "history.jsonl")
}

// Append writes one message to the session's durable log and updates the
// in-memory tail.
func (l *SessionLog) Append(sessionID string, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("memory: nil message")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.path(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("memory: create session dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open history log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("memory: encode message: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("memory: write history log: %w", err)
	}

	tail := append(l.tails[sessionID], msg)
	if len(tail) > l.tailSize {
		tail = tail[len(tail)-l.tailSize:]
	}
	l.tails[sessionID] = tail

	return nil
}

// LoadSession returns the in-memory tail for sessionID, loading it from
// disk first if it isn't cached yet.
func (l *SessionLog) LoadSession(sessionID string) ([]*models.Message, error) {
	l.mu.Lock()
	if tail, ok := l.tails[sessionID]; ok {
		defer l.mu.Unlock()
		out := make([]*models.Message, len(tail))
		copy(out, tail)
		return out, nil
	}
	l.mu.Unlock()

	return l.ResumeSession(sessionID)
}

// ResumeSession reads the full durable log from disk, populates the tail
// cache, and returns the tail. Returns ErrSessionNotFound if no log exists.
func (l *SessionLog) ResumeSession(sessionID string) ([]*models.Message, error) {
	path := l.path(sessionID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("memory: open history log: %w", err)
	}
	defer f.Close()

	var messages []*models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg models.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return nil, fmt.Errorf("memory: decode history line: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("memory: scan history log: %w", err)
	}

	tail := messages
	if len(tail) > l.tailSize {
		tail = tail[len(tail)-l.tailSize:]
	}

	l.mu.Lock()
	l.tails[sessionID] = tail
	l.mu.Unlock()

	out := make([]*models.Message, len(tail))
	copy(out, tail)
	return out, nil
}
