package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/opensourceagent/osa/pkg/models"
)

// PostgresStore implements Store against the relational task-store schema
// spec.md §6 defines (tasks(task_id PK, agent_id, payload, status,
// leased_until, leased_by, result, error, attempts, max_attempts,
// created_at, completed_at)). Lease runs in one transaction (SELECT ...
// FOR UPDATE SKIP LOCKED, then UPDATE), grounded on the teacher's SELECT ... FOR UPDATE SKIP LOCKED distributed-locking
// pattern (internal/tasks/cockroach.go's AcquireExecution), generalized
// from a session-execution lock to a per-agent task lease.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pgx-backed connection pool and verifies
// reachability with Ping.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("taskqueue: postgres unreachable: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Schema is the DDL the store expects to already exist. Nothing in this
// repository applies it: NewPostgresStore neither creates nor migrates the
// table.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id      TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	payload      JSONB NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	leased_until TIMESTAMPTZ,
	leased_by    TEXT,
	result       JSONB,
	error        TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS tasks_lease_candidacy ON tasks (agent_id, status, created_at);
`

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Insert(ctx context.Context, t *models.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, agent_id, payload, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, t.ID, t.AgentID, payload, string(t.Status), t.Attempts, t.MaxAttempts, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, agent_id, payload, status, attempts, max_attempts,
		       leased_until, leased_by, result, error, created_at, completed_at
		FROM tasks WHERE task_id = $1
	`, id)
	return scanTask(row)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, agent_id, payload, status, attempts, max_attempts,
		       leased_until, leased_by, result, error, created_at, completed_at
		FROM tasks WHERE status = $1 ORDER BY created_at ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Lease atomically claims the oldest pending task for agentID using
// SELECT ... FOR UPDATE SKIP LOCKED inside a transaction, so concurrent
// lease attempts for the same agent never both win the same row (spec.md
// §8 property 6).
func (s *PostgresStore) Lease(ctx context.Context, agentID, leasedBy string, leasedUntil time.Time) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT task_id, agent_id, payload, status, attempts, max_attempts,
		       leased_until, leased_by, result, error, created_at, completed_at
		FROM tasks
		WHERE agent_id = $1 AND status = $2
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, agentID, string(models.TaskPending))

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select candidate: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = $1, leased_by = $2, leased_until = $3, updated_at = now()
		WHERE task_id = $4
	`, string(models.TaskLeased), leasedBy, leasedUntil, task.ID); err != nil {
		return nil, fmt.Errorf("update lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	task.Status = models.TaskLeased
	task.LeasedBy = leasedBy
	task.LeasedUntil = &leasedUntil
	return task, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, result map[string]any) (*models.Task, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, result = $2, leased_until = NULL, leased_by = '',
		       completed_at = $3, updated_at = $3
		WHERE task_id = $4
	`, string(models.TaskCompleted), resultJSON, now, id)
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) Fail(ctx context.Context, id, errMsg string) (*models.Task, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET attempts = attempts + 1,
		    error = $1,
		    leased_until = NULL,
		    leased_by = '',
		    status = CASE WHEN attempts + 1 >= max_attempts THEN $2 ELSE $3 END,
		    updated_at = now()
		WHERE task_id = $4
	`, errMsg, string(models.TaskFailed), string(models.TaskPending), id)
	if err != nil {
		return nil, fmt.Errorf("fail: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, leased_until = NULL, leased_by = '', updated_at = $2
		WHERE status = $3 AND leased_until < $2
	`, string(models.TaskPending), now, string(models.TaskLeased))
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// rowScanner abstracts *sql.Row and *sql.Rows, both of which implement Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t           models.Task
		status      string
		payload     []byte
		result      []byte
		leasedUntil sql.NullTime
		leasedBy    sql.NullString
		errText     sql.NullString
		completedAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.AgentID, &payload, &status, &t.Attempts, &t.MaxAttempts,
		&leasedUntil, &leasedBy, &result, &errText, &t.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &t.Payload)
	}
	if len(result) > 0 {
		_ = json.Unmarshal(result, &t.Result)
	}
	if leasedUntil.Valid {
		t.LeasedUntil = &leasedUntil.Time
	}
	if leasedBy.Valid {
		t.LeasedBy = leasedBy.String
	}
	if errText.Valid {
		t.Error = errText.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}
