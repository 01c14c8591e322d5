// Package store persists flow run history in a local SQLite database. The
// engine writes through the flow.Recorder interface; the history command
// reads back through the query methods.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ferrante/matflow/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// FlowRun is one persisted flow execution.
type FlowRun struct {
	UUID       string
	Name       string
	Status     string
	TotalJobs  int
	Completed  int
	Failed     int
	Duration   time.Duration
	StartedAt  time.Time
	FinishedAt *time.Time
}

// JobRun is one persisted job execution. Energy, Volume, and NSteps are nil
// for jobs that produced no task document.
type JobRun struct {
	ID         int64
	FlowUUID   string
	JobUUID    string
	Name       string
	Status     string
	Error      string
	Duration   time.Duration
	Wave       int
	Energy     *float64
	Volume     *float64
	NSteps     *int
	Calculator string
	TaskDoc    string
}

// CalculatorSummary aggregates persisted job runs per calculator.
type CalculatorSummary struct {
	Calculator string
	Jobs       int
	Completed  int
	Failed     int
	MeanEnergy float64
	TotalSteps int64
}

// Flow run status values. Job statuses reuse the models constants.
const (
	FlowStatusRunning   = "RUNNING"
	FlowStatusCompleted = "COMPLETED"
	FlowStatusFailed    = "FAILED"
)

// Store manages the SQLite run history database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the database at dbPath and applies the
// schema. Use ":memory:" for an ephemeral store.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// busy_timeout first so the remaining pragmas wait on locks instead of
	// failing when another process is initializing the same file.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := execWithRetry(db, schemaSQL, 5, 10*time.Millisecond); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// execWithRetry executes a statement with exponential backoff on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordFlowStart implements flow.Recorder.
func (s *Store) RecordFlowStart(ctx context.Context, flowUUID, flowName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flow_runs (uuid, name, status) VALUES (?, ?, ?)`,
		flowUUID, flowName, FlowStatusRunning)
	if err != nil {
		return fmt.Errorf("record flow start: %w", err)
	}
	return nil
}

// RecordJobResult implements flow.Recorder. When the job output is a task
// document, its energy, volume, step count, calculator, and JSON form are
// persisted alongside the execution record.
func (s *Store) RecordJobResult(ctx context.Context, flowUUID string, result models.JobResult) error {
	errMsg := ""
	if result.Error != nil {
		errMsg = result.Error.Error()
	}

	var energy, volume sql.NullFloat64
	var nSteps sql.NullInt64
	var calcName, taskDoc sql.NullString
	if doc, ok := result.Output.(*models.TaskDocument); ok && doc != nil {
		energy = sql.NullFloat64{Float64: doc.Energy, Valid: true}
		volume = sql.NullFloat64{Float64: doc.Volume(), Valid: true}
		nSteps = sql.NullInt64{Int64: int64(doc.NSteps), Valid: true}
		calcName = sql.NullString{String: doc.Calculator, Valid: true}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal task document: %w", err)
		}
		taskDoc = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (flow_uuid, job_uuid, name, status, error, duration_ms, wave,
		                       energy, volume, n_steps, calculator, task_doc)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		flowUUID, result.UUID, result.Name, result.Status, errMsg,
		result.Duration.Milliseconds(), result.Wave,
		energy, volume, nSteps, calcName, taskDoc)
	if err != nil {
		return fmt.Errorf("record job result: %w", err)
	}
	return nil
}

// RecordFlowComplete implements flow.Recorder.
func (s *Store) RecordFlowComplete(ctx context.Context, result *models.FlowResult) error {
	status := FlowStatusCompleted
	if result.Failed > 0 {
		status = FlowStatusFailed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE flow_runs
		 SET status = ?, total_jobs = ?, completed = ?, failed = ?, duration_ms = ?,
		     finished_at = CURRENT_TIMESTAMP
		 WHERE uuid = ?`,
		status, result.TotalJobs, result.Completed, result.Failed,
		result.Duration.Milliseconds(), result.FlowUUID)
	if err != nil {
		return fmt.Errorf("record flow complete: %w", err)
	}
	return nil
}

// RecentFlows returns the most recently started flows, newest first.
func (s *Store) RecentFlows(ctx context.Context, limit int) ([]FlowRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, name, status, total_jobs, completed, failed, duration_ms, started_at, finished_at
		 FROM flow_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent flows: %w", err)
	}
	defer rows.Close()

	var flows []FlowRun
	for rows.Next() {
		var f FlowRun
		var durationMS int64
		var finished sql.NullTime
		if err := rows.Scan(&f.UUID, &f.Name, &f.Status, &f.TotalJobs, &f.Completed,
			&f.Failed, &durationMS, &f.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan flow run: %w", err)
		}
		f.Duration = time.Duration(durationMS) * time.Millisecond
		if finished.Valid {
			t := finished.Time
			f.FinishedAt = &t
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// FlowJobs returns the job runs of one flow in execution order.
func (s *Store) FlowJobs(ctx context.Context, flowUUID string) ([]JobRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flow_uuid, job_uuid, name, status, error, duration_ms, wave,
		        energy, volume, n_steps, calculator, task_doc
		 FROM job_runs WHERE flow_uuid = ? ORDER BY id`, flowUUID)
	if err != nil {
		return nil, fmt.Errorf("query flow jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobRun
	for rows.Next() {
		var j JobRun
		var durationMS int64
		var energy, volume sql.NullFloat64
		var nSteps sql.NullInt64
		var calcName, taskDoc sql.NullString
		if err := rows.Scan(&j.ID, &j.FlowUUID, &j.JobUUID, &j.Name, &j.Status,
			&j.Error, &durationMS, &j.Wave,
			&energy, &volume, &nSteps, &calcName, &taskDoc); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		j.Duration = time.Duration(durationMS) * time.Millisecond
		if energy.Valid {
			v := energy.Float64
			j.Energy = &v
		}
		if volume.Valid {
			v := volume.Float64
			j.Volume = &v
		}
		if nSteps.Valid {
			v := int(nSteps.Int64)
			j.NSteps = &v
		}
		j.Calculator = calcName.String
		j.TaskDoc = taskDoc.String
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CalculatorSummaries aggregates job runs per calculator: counts by status,
// mean energy over completed jobs, and total MD or relaxation steps.
func (s *Store) CalculatorSummaries(ctx context.Context) ([]CalculatorSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT calculator,
		        COUNT(*),
		        SUM(status = 'COMPLETED'),
		        SUM(status = 'FAILED'),
		        AVG(CASE WHEN status = 'COMPLETED' THEN energy END),
		        COALESCE(SUM(n_steps), 0)
		 FROM job_runs WHERE calculator IS NOT NULL
		 GROUP BY calculator ORDER BY calculator`)
	if err != nil {
		return nil, fmt.Errorf("query calculator summaries: %w", err)
	}
	defer rows.Close()

	var summaries []CalculatorSummary
	for rows.Next() {
		var cs CalculatorSummary
		var mean sql.NullFloat64
		if err := rows.Scan(&cs.Calculator, &cs.Jobs, &cs.Completed, &cs.Failed,
			&mean, &cs.TotalSteps); err != nil {
			return nil, fmt.Errorf("scan calculator summary: %w", err)
		}
		cs.MeanEnergy = mean.Float64
		summaries = append(summaries, cs)
	}
	return summaries, rows.Err()
}

// FindFlow resolves a full or prefix flow UUID to a run.
func (s *Store) FindFlow(ctx context.Context, uuidOrPrefix string) (*FlowRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, name, status, total_jobs, completed, failed, duration_ms, started_at, finished_at
		 FROM flow_runs WHERE uuid LIKE ? LIMIT 2`, uuidOrPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("query flow: %w", err)
	}
	defer rows.Close()

	var matches []FlowRun
	for rows.Next() {
		var f FlowRun
		var durationMS int64
		var finished sql.NullTime
		if err := rows.Scan(&f.UUID, &f.Name, &f.Status, &f.TotalJobs, &f.Completed,
			&f.Failed, &durationMS, &f.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan flow run: %w", err)
		}
		f.Duration = time.Duration(durationMS) * time.Millisecond
		if finished.Valid {
			t := finished.Time
			f.FinishedAt = &t
		}
		matches = append(matches, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no flow run matches %q", uuidOrPrefix)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("flow id %q is ambiguous", uuidOrPrefix)
	}
}

// Prune deletes flow runs (and their jobs) started before the cutoff.
// Returns the number of flows removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM flow_runs WHERE started_at < datetime(?)`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune flow runs: %w", err)
	}
	return res.RowsAffected()
}
