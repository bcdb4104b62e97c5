package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"opencopilot/internal/audit"
	"opencopilot/internal/clock"
	"opencopilot/internal/jobs"
	"opencopilot/internal/task"
)

// SQLiteStore implements TaskStore, jobs.StatusStore and audit.Store backed
// by a single SQLite database file.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteStore opens (or creates) the database at path and applies
// migrations.
func NewSQLiteStore(path string, c clock.Clock) (*SQLiteStore, error) {
	if c == nil {
		c = clock.System{}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, clock: c}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS agent_tasks (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			issue_number INTEGER NOT NULL,
			installation_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			plan TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			last_error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_tasks_installation ON agent_tasks(installation_id);`,
		`CREATE TABLE IF NOT EXISTS background_job_status (
			job_id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			result TEXT,
			metadata TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			correlation_id TEXT,
			initiator TEXT,
			target TEXT,
			description TEXT,
			data TEXT,
			result TEXT,
			duration_ms INTEGER,
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- TaskStore ---

func (s *SQLiteStore) Create(ctx context.Context, t *task.Task) error {
	plan, err := marshalPlan(t.Plan)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_tasks (id, owner, repo, issue_number, installation_id, status, plan, created_at, updated_at, completed_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Owner, t.Repo, t.IssueNumber, t.InstallationID, string(t.Status), plan,
		t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt), t.LastError)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, repo, issue_number, installation_id, status, plan, created_at, updated_at, completed_at, last_error
		 FROM agent_tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *SQLiteStore) Update(ctx context.Context, t *task.Task) error {
	plan, err := marshalPlan(t.Plan)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET status = ?, plan = ?, updated_at = ?, completed_at = ?, last_error = ? WHERE id = ?`,
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

func (s *SQLiteStore) ListByInstallation(ctx context.Context, installationID int64) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, repo, issue_number, installation_id, status, plan, created_at, updated_at, completed_at, last_error
		 FROM agent_tasks WHERE installation_id = ? ORDER BY created_at DESC`, installationID)
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

// --- jobs.StatusStore ---

func (s *SQLiteStore) Set(ctx context.Context, info jobs.StatusInfo) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			job_type = excluded.job_type,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			result = excluded.result,
			metadata = excluded.metadata`,
		info.JobID, info.Type, string(info.Status), info.CreatedAt,
		nullTime(info.StartedAt), nullTime(info.CompletedAt),
		info.Attempts, info.LastError, result, metadata)
	return err
}

func (s *SQLiteStore) GetStatus(ctx context.Context, jobID string) (jobs.StatusInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, job_type, status, created_at, started_at, completed_at, attempts, last_error, result, metadata
		 FROM background_job_status WHERE job_id = ?`, jobID)
	return scanStatus(row)
}

// --- audit.Store ---

func (s *SQLiteStore) Store(ctx context.Context, entry audit.Entry) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.EventType), entry.Timestamp.UTC(), entry.CorrelationID,
		entry.Initiator, entry.Target, entry.Description, data, entry.Result,
		entry.DurationMS, entry.Error)
	return err
}

func (s *SQLiteStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	query, args := buildAuditQuery(filter, "?", nil)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- shared scan/marshal helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var status string
	var plan, lastError sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.Owner, &t.Repo, &t.IssueNumber, &t.InstallationID,
		&status, &plan, &t.CreatedAt, &t.UpdatedAt, &completedAt, &lastError)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.LastError = lastError.String
	if completedAt.Valid {
		ts := completedAt.Time.UTC()
		t.CompletedAt = &ts
	}
	if plan.Valid && plan.String != "" {
		var p task.Plan
		if err := json.Unmarshal([]byte(plan.String), &p); err != nil {
			return nil, fmt.Errorf("corrupt plan for task %s: %w", t.ID, err)
		}
		t.Plan = &p
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func scanStatus(row rowScanner) (jobs.StatusInfo, error) {
	var info jobs.StatusInfo
	var status string
	var startedAt, completedAt sql.NullTime
	var lastError, result, metadata sql.NullString
	err := row.Scan(&info.JobID, &info.Type, &status, &info.CreatedAt,
		&startedAt, &completedAt, &info.Attempts, &lastError, &result, &metadata)
	if err == sql.ErrNoRows {
		return jobs.StatusInfo{}, jobs.ErrStatusNotFound
	}
	if err != nil {
		return jobs.StatusInfo{}, err
	}
	info.Status = jobs.Status(status)
	info.LastError = lastError.String
	info.CreatedAt = info.CreatedAt.UTC()
	if startedAt.Valid {
		ts := startedAt.Time.UTC()
		info.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time.UTC()
		info.CompletedAt = &ts
	}
	if info.Result, err = unmarshalMap(result.String); err != nil {
		return jobs.StatusInfo{}, err
	}
	if info.Metadata, err = unmarshalMap(metadata.String); err != nil {
		return jobs.StatusInfo{}, err
	}
	return info, nil
}

func scanAuditEntries(rows *sql.Rows) ([]audit.Entry, error) {
	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var eventType string
		var correlationID, initiator, target, description, data, result, errStr sql.NullString
		err := rows.Scan(&e.ID, &eventType, &e.Timestamp, &correlationID, &initiator,
			&target, &description, &data, &result, &e.DurationMS, &errStr)
		if err != nil {
			return nil, err
		}
		e.EventType = audit.EventType(eventType)
		e.Timestamp = e.Timestamp.UTC()
		e.CorrelationID = correlationID.String
		e.Initiator = initiator.String
		e.Target = target.String
		e.Description = description.String
		e.Result = result.String
		e.Error = errStr.String
		if e.Data, err = unmarshalMap(data.String); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// buildAuditQuery assembles a filtered SELECT. placeholder is "?" for SQLite;
// for Postgres pass "$" and numbering is generated.
func buildAuditQuery(filter audit.Filter, placeholder string, args []any) (string, []any) {
	var where []string
	ph := func() string {
		if placeholder == "?" {
			return "?"
		}
		return fmt.Sprintf("$%d", len(args)+1)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = "+ph())
		args = append(args, string(filter.EventType))
	}
	if filter.CorrelationID != "" {
		where = append(where, "correlation_id = "+ph())
		args = append(args, filter.CorrelationID)
	}
	if !filter.Start.IsZero() {
		where = append(where, "timestamp >= "+ph())
		args = append(args, filter.Start)
	}
	if !filter.End.IsZero() {
		where = append(where, "timestamp <= "+ph())
		args = append(args, filter.End)
	}

	query := `SELECT id, event_type, timestamp, correlation_id, initiator, target, description, data, result, duration_ms, error FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = audit.DefaultLimit
	}
	if limit > audit.HardLimit {
		limit = audit.HardLimit
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	return query, args
}

func marshalPlan(p *task.Plan) (any, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func marshalMap(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalMap(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
