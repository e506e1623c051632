package memory

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one long-term memory record.
type Entry struct {
	ID         int64
	Text       string
	Category   string
	Importance float64
	Keywords   []string
	CreatedAt  time.Time
}

// Estimator sizes formatted text in tokens, reused from C2.
type Estimator func(text string) int

// Store is the keyword-indexed long-term memory store. Writes go through to
// SQLite; an in-memory keyword index mirrors every row for fast scoring
// without touching the database on the read path.
type Store struct {
	db       *sql.DB
	estimate Estimator

	mu      sync.RWMutex
	entries []*Entry
}

// Open opens (creating if necessary) a SQLite-backed long-term memory
// store at path, using modernc.org/sqlite's pure-Go driver (matching the
// teacher's preference for a CGO-free SQLite driver in portable binaries).
func Open(path string, estimate Estimator) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open sqlite: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	text TEXT NOT NULL,
	category TEXT NOT NULL,
	importance REAL NOT NULL,
	keywords TEXT NOT NULL,
	created_at DATETIME NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: create schema: %w", err)
	}

	s := &Store{db: db, estimate: estimate}
	if err := s.loadIndex(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, category, importance, keywords, created_at FROM memory_entries`)
	if err != nil {
		return fmt.Errorf("memory: load index: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var keywordsCSV string
		if err := rows.Scan(&e.ID, &e.Text, &e.Category, &e.Importance, &keywordsCSV, &e.CreatedAt); err != nil {
			return fmt.Errorf("memory: scan entry: %w", err)
		}
		e.Keywords = splitKeywords(keywordsCSV)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("memory: iterate entries: %w", err)
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

// Remember writes-through a new long-term memory entry and updates the
// in-memory index.
func (s *Store) Remember(ctx context.Context, text, category string) (*Entry, error) {
	return s.RememberWithImportance(ctx, text, category, defaultImportance(category))
}

// RememberWithImportance allows callers (e.g. episodic-memory hooks) to set
// an explicit importance weight rather than the category default.
func (s *Store) RememberWithImportance(ctx context.Context, text, category string, importance float64) (*Entry, error) {
	now := time.Now().UTC()
	keywords := extractKeywords(text)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (text, category, importance, keywords, created_at) VALUES (?, ?, ?, ?, ?)`,
		text, category, importance, strings.Join(keywords, ","), now,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("memory: read insert id: %w", err)
	}

	entry := &Entry{ID: id, Text: text, Category: category, Importance: importance, Keywords: keywords, CreatedAt: now}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()

	return entry, nil
}

// RecallRelevant scores entries by keyword overlap x recency decay x
// importance and returns up to tokenBudget worth of them, formatted as a
// system-message-safe block. Never returns raw text unbounded by the
// caller's budget (spec.md §4.7).
func (s *Store) RecallRelevant(query string, tokenBudget int) string {
	queryKeywords := extractKeywords(query)

	s.mu.RLock()
	candidates := make([]*Entry, len(s.entries))
	copy(candidates, s.entries)
	s.mu.RUnlock()

	now := time.Now()
	type scored struct {
		entry *Entry
		score float64
	}
	var ranked []scored
	for _, e := range candidates {
		overlap := keywordOverlap(queryKeywords, e.Keywords)
		if overlap == 0 {
			continue
		}
		recency := recencyDecay(now, e.CreatedAt)
		ranked = append(ranked, scored{entry: e, score: overlap * recency * e.Importance})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var sb strings.Builder
	used := 0
	for _, r := range ranked {
		line := fmt.Sprintf("- [%s] %s\n", r.entry.Category, r.entry.Text)
		cost := s.estimateOrLen(line)
		if used+cost > tokenBudget {
			continue
		}
		sb.WriteString(line)
		used += cost
	}
	return sb.String()
}

func (s *Store) estimateOrLen(text string) int {
	if s.estimate != nil {
		return s.estimate(text)
	}
	return len(strings.Fields(text))
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func defaultImportance(category string) float64 {
	switch category {
	case "preference", "fact":
		return 0.8
	case "episodic":
		return 0.5
	default:
		return 0.6
	}
}

// recencyDecay scales an entry's contribution by e^(-days/14): about 0.37
// after 14 days, a half-life of roughly 9.7 days.
func recencyDecay(now, createdAt time.Time) float64 {
	days := now.Sub(createdAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-days / 14.0)
}

func keywordOverlap(query, entry []string) float64 {
	if len(query) == 0 || len(entry) == 0 {
		return 0
	}
	entrySet := make(map[string]struct{}, len(entry))
	for _, k := range entry {
		entrySet[k] = struct{}{}
	}
	hits := 0
	for _, k := range query {
		if _, ok := entrySet[k]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "was": {}, "were": {}, "to": {}, "of": {},
	"and": {}, "or": {}, "in": {}, "on": {}, "for": {}, "it": {}, "this": {}, "that": {}, "be": {},
	"with": {}, "as": {}, "at": {}, "by": {}, "i": {}, "you": {}, "we": {},
}

func extractKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	seen := make(map[string]struct{})
	var out []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func splitKeywords(csv string) []string {
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}
