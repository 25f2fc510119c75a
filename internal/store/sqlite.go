package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tobyms/foreman/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			status TEXT NOT NULL,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			message_history TEXT NOT NULL DEFAULT '[]',
			result TEXT,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_trace ON runs(trace_id)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			parent_run_id TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			task TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			FOREIGN KEY (parent_run_id) REFERENCES runs(run_id)
		)`,
		// Duplicate delegations are rejected at creation, not filtered later.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_tool_call ON jobs(parent_run_id, tool_call_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_task_success ON jobs(parent_run_id, task) WHERE status = 'SUCCESS'`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			job_id TEXT,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_trace ON events(trace_id, seq)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	messages, err := json.Marshal(run.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal message history: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, trace_id, status, total_tokens, message_history, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.TraceID, run.Status, run.TotalTokens, string(messages), run.StartedAt)
	return err
}

// GetRun retrieves a run by ID, or nil if it does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	var messages string
	var result sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, trace_id, status, total_tokens, message_history, result, started_at, ended_at FROM runs WHERE run_id = ?`,
		runID).Scan(&run.RunID, &run.TraceID, &run.Status, &run.TotalTokens, &messages, &result, &run.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messages), &run.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message history for %s: %w", runID, err)
	}
	if result.Valid {
		run.Result = json.RawMessage(result.String)
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}

// SaveRunState persists loop state for a non-terminal run.
func (s *SQLiteStore) SaveRunState(ctx context.Context, runID string, status domain.RunStatus, totalTokens int64, messages []domain.ChatMessage) (bool, error) {
	msgData, err := json.Marshal(messages)
	if err != nil {
		return false, fmt.Errorf("failed to marshal message history: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, total_tokens = ?, message_history = ? WHERE run_id = ? AND status NOT IN ('SUCCESS', 'FAILED')`,
		status, totalTokens, string(msgData), runID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CompleteRun moves a run to a terminal status. A run already terminal is
// left untouched and reported as not updated.
func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status domain.RunStatus, result json.RawMessage, totalTokens int64, messages []domain.ChatMessage) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}
	msgData, err := json.Marshal(messages)
	if err != nil {
		return false, fmt.Errorf("failed to marshal message history: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, result = ?, total_tokens = ?, message_history = ?, ended_at = ? WHERE run_id = ? AND status NOT IN ('SUCCESS', 'FAILED')`,
		status, nullStringBytes(result), totalTokens, string(msgData), now, runID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CreateJob inserts a new job. Uniqueness of (parent_run_id, tool_call_id)
// and of a SUCCESS job per exact task string is enforced by the schema.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, trace_id, parent_run_id, tool_call_id, task, status, result, created_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.TraceID, job.ParentRunID, job.ToolCallID, job.Task, job.Status, nullStringBytes(job.Result), job.CreatedAt, job.CompletedAt)
	return err
}

// GetJob retrieves a job by ID, or nil.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx,
		`SELECT job_id, trace_id, parent_run_id, tool_call_id, task, status, result, created_at, completed_at FROM jobs WHERE job_id = ?`,
		jobID))
}

// GetJobByToolCallID retrieves the job created for a tool call, or nil.
func (s *SQLiteStore) GetJobByToolCallID(ctx context.Context, runID, toolCallID string) (*domain.Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx,
		`SELECT job_id, trace_id, parent_run_id, tool_call_id, task, status, result, created_at, completed_at FROM jobs WHERE parent_run_id = ? AND tool_call_id = ?`,
		runID, toolCallID))
}

// GetSucceededJobByTask retrieves the completed job whose task string matches
// exactly, or nil. No prefix or fuzzy matching.
func (s *SQLiteStore) GetSucceededJobByTask(ctx context.Context, runID, task string) (*domain.Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx,
		`SELECT job_id, trace_id, parent_run_id, tool_call_id, task, status, result, created_at, completed_at FROM jobs WHERE parent_run_id = ? AND task = ? AND status = 'SUCCESS'`,
		runID, task))
}

// ClaimJob transitions a job from QUEUED to RUNNING.
func (s *SQLiteStore) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE job_id = ? AND status = ?`,
		domain.JobStatusRunning, jobID, domain.JobStatusQueued)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CompleteJob moves a job to a terminal status exactly once.
func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, status domain.JobStatus, result json.RawMessage) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, completed_at = ? WHERE job_id = ? AND completed_at IS NULL`,
		status, nullStringBytes(result), now, jobID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListJobsByStatus lists jobs in a given status, oldest first.
func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	query := `SELECT job_id, trace_id, parent_run_id, tool_call_id, task, status, result, created_at, completed_at FROM jobs WHERE status = ? ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectJobs(rows)
}

// ListJobsByRun lists all jobs spawned by a run, oldest first.
func (s *SQLiteStore) ListJobsByRun(ctx context.Context, runID string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, trace_id, parent_run_id, tool_call_id, task, status, result, created_at, completed_at FROM jobs WHERE parent_run_id = ? ORDER BY created_at ASC`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectJobs(rows)
}

// AppendEvent appends an event to the durable log. The store assigns the
// sequence number that orders the log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	var jobID sql.NullString
	if event.JobID != "" {
		jobID = sql.NullString{String: event.JobID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, trace_id, run_id, job_id, ts, type, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.TraceID, event.RunID, jobID, event.Ts, event.Type, payload)
	if err != nil {
		return err
	}
	if seq, err := res.LastInsertId(); err == nil {
		event.Seq = seq
	}
	return nil
}

// GetRunEvents retrieves events for a run in publish order.
func (s *SQLiteStore) GetRunEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.Event, error) {
	query := `SELECT seq, event_id, trace_id, run_id, job_id, ts, type, payload FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEvents(rows)
}

// GetTraceEvents retrieves all events for a trace in publish order.
func (s *SQLiteStore) GetTraceEvents(ctx context.Context, traceID string) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, event_id, trace_id, run_id, job_id, ts, type, payload FROM events WHERE trace_id = ? ORDER BY seq ASC`,
		traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEvents(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	var result sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&job.JobID, &job.TraceID, &job.ParentRunID, &job.ToolCallID, &job.Task, &job.Status, &result, &job.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

func (s *SQLiteStore) collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var jobID, payload sql.NullString
		if err := rows.Scan(&event.Seq, &event.EventID, &event.TraceID, &event.RunID, &jobID, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		if jobID.Valid {
			event.JobID = jobID.String
		}
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
