package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"opencopilot/internal/audit"
	"opencopilot/internal/clock"
	"opencopilot/internal/jobs"
	"opencopilot/internal/task"
)

// PostgresStore implements TaskStore, jobs.StatusStore and audit.Store
// backed by PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	clock clock.Clock
}

// NewPostgresStore connects to dsn and applies migrations.
func NewPostgresStore(dsn string, c clock.Clock) (*PostgresStore, error) {
	if c == nil {
		c = clock.System{}
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db, clock: c}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS agent_tasks (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			issue_number INTEGER NOT NULL,
			installation_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			plan TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			last_error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_tasks_installation ON agent_tasks(installation_id);`,
		`CREATE TABLE IF NOT EXISTS background_job_status (
			job_id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			result TEXT,
			metadata TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			correlation_id TEXT,
			initiator TEXT,
			target TEXT,
			description TEXT,
			data TEXT,
			result TEXT,
			duration_ms BIGINT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- TaskStore ---

func (s *PostgresStore) Create(ctx context.Context, t *task.Task) error {
	plan, err := marshalPlan(t.Plan)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_tasks (id, owner, repo, issue_number, installation_id, status, plan, created_at, updated_at, completed_at, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Owner, t.Repo, t.IssueNumber, t.InstallationID, string(t.Status), plan,
		t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt), t.LastError)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, repo, issue_number, installation_id, status, plan, created_at, updated_at, completed_at, last_error
		 FROM agent_tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *PostgresStore) Update(ctx context.Context, t *task.Task) error {
	plan, err := marshalPlan(t.Plan)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET status = $1, plan = $2, updated_at = $3, completed_at = $4, last_error = $5 WHERE id = $6`,
		string(t.Status), plan, t.UpdatedAt, nullTime(t.CompletedAt), t.LastError, t.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListByInstallation(ctx context.Context, installationID int64) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, repo, issue_number, installation_id, status, plan, created_at, updated_at, completed_at, last_error
		 FROM agent_tasks WHERE installation_id = $1 ORDER BY created_at DESC`, installationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- jobs.StatusStore backend ---

func (s *PostgresStore) Set(ctx context.Context, info jobs.StatusInfo) error {
	result, err := marshalMap(info.Result)
	if err != nil {
		return err
	}
	metadata, err := marshalMap(info.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO background_job_status (job_id, job_type, status, created_at, started_at, completed_at, attempts, last_error, result, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (job_id) DO UPDATE SET
			job_type = EXCLUDED.job_type,
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			result = EXCLUDED.result,
			metadata = EXCLUDED.metadata`,
		info.JobID, info.Type, string(info.Status), info.CreatedAt,
		nullTime(info.StartedAt), nullTime(info.CompletedAt),
		info.Attempts, info.LastError, result, metadata)
	return err
}

func (s *PostgresStore) GetStatus(ctx context.Context, jobID string) (jobs.StatusInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, job_type, status, created_at, started_at, completed_at, attempts, last_error, result, metadata
		 FROM background_job_status WHERE job_id = $1`, jobID)
	return scanStatus(row)
}

// --- audit.Store ---

func (s *PostgresStore) Store(ctx context.Context, entry audit.Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}
	data, err := marshalMap(entry.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, event_type, timestamp, correlation_id, initiator, target, description, data, result, duration_ms, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, string(entry.EventType), entry.Timestamp.UTC(), entry.CorrelationID,
		entry.Initiator, entry.Target, entry.Description, data, entry.Result,
		entry.DurationMS, entry.Error)
	return err
}

func (s *PostgresStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	query, args := buildAuditQuery(filter, "$", nil)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
