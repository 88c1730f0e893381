package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Napageneral/commsledger/internal/db"
)

// Job statuses stored in ingest_jobs.status.
const (
	JobRunning     = "running"
	JobSuccess     = "success"
	JobInterrupted = "interrupted"
	JobError       = "error"
)

// JobStatus is one row of ingest_jobs.
type JobStatus struct {
	Source      string         `json:"source"`
	RunID       *string        `json:"run_id,omitempty"`
	Status      string         `json:"status"`
	Phase       string         `json:"phase"`
	StartedAt   *int64         `json:"started_at,omitempty"`
	UpdatedAt   int64          `json:"updated_at"`
	LastError   *string        `json:"last_error,omitempty"`
	Progress    map[string]any `json:"progress,omitempty"`
	ProgressRaw *string        `json:"-"`
}

func StartJob(ctx context.Context, q db.Execer, source string) error {
	now := time.Now().Unix()
	_, err := q.ExecContext(ctx, `
		INSERT INTO ingest_jobs (source, run_id, status, phase, started_at, updated_at, last_error, progress_json)
		VALUES (?, NULL, 'running', 'starting', ?, ?, NULL, NULL)
		ON CONFLICT(source) DO UPDATE SET
			run_id = NULL,
			status = 'running',
			phase = 'starting',
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			last_error = NULL
	`, source, now, now)
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}
	return nil
}

func UpdateJob(ctx context.Context, q db.Execer, source, runID, phase string, progress any) error {
	progressJSON, err := marshalProgress(progress)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO ingest_jobs (source, run_id, status, phase, started_at, updated_at, last_error, progress_json)
		VALUES (?, ?, 'running', ?, NULL, ?, NULL, ?)
		ON CONFLICT(source) DO UPDATE SET
			run_id = excluded.run_id,
			status = 'running',
			phase = excluded.phase,
			updated_at = excluded.updated_at,
			last_error = NULL,
			progress_json = excluded.progress_json
	`, source, nullIfEmpty(runID), phase, time.Now().Unix(), progressJSON)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func FinishJobSuccess(ctx context.Context, q db.Execer, source, runID string, progress any) error {
	return finishJob(ctx, q, source, runID, JobSuccess, "", progress)
}

func FinishJobInterrupted(ctx context.Context, q db.Execer, source, runID string, progress any) error {
	return finishJob(ctx, q, source, runID, JobInterrupted, "", progress)
}

func FinishJobError(ctx context.Context, q db.Execer, source, runID, errMsg string, progress any) error {
	return finishJob(ctx, q, source, runID, JobError, errMsg, progress)
}

func finishJob(ctx context.Context, q db.Execer, source, runID, status, errMsg string, progress any) error {
	progressJSON, err := marshalProgress(progress)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO ingest_jobs (source, run_id, status, phase, started_at, updated_at, last_error, progress_json)
		VALUES (?, ?, ?, 'done', NULL, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			run_id = COALESCE(excluded.run_id, ingest_jobs.run_id),
			status = excluded.status,
			phase = 'done',
			updated_at = excluded.updated_at,
			last_error = excluded.last_error,
			progress_json = COALESCE(excluded.progress_json, ingest_jobs.progress_json)
	`, source, nullIfEmpty(runID), status, time.Now().Unix(), nullIfEmpty(errMsg), progressJSON)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

func ListJobs(ctx context.Context, q db.Execer) ([]JobStatus, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT source, run_id, status, phase, started_at, updated_at, last_error, progress_json
		FROM ingest_jobs
		ORDER BY updated_at DESC, source
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []JobStatus
	for rows.Next() {
		var source, status, phase string
		var runID sql.NullString
		var startedAt sql.NullInt64
		var updatedAt int64
		var lastErr sql.NullString
		var progressJSON sql.NullString
		if err := rows.Scan(&source, &runID, &status, &phase, &startedAt, &updatedAt, &lastErr, &progressJSON); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}

		js := JobStatus{
			Source:    source,
			Status:    status,
			Phase:     phase,
			UpdatedAt: updatedAt,
		}
		if runID.Valid {
			js.RunID = &runID.String
		}
		if startedAt.Valid {
			v := startedAt.Int64
			js.StartedAt = &v
		}
		if lastErr.Valid {
			js.LastError = &lastErr.String
		}
		if progressJSON.Valid && progressJSON.String != "" {
			raw := progressJSON.String
			js.ProgressRaw = &raw
			var m map[string]any
			if err := json.Unmarshal([]byte(raw), &m); err == nil {
				js.Progress = m
			}
		}

		out = append(out, js)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating job rows: %w", err)
	}
	return out, nil
}

func marshalProgress(progress any) (*string, error) {
	if progress == nil {
		return nil, nil
	}
	b, err := json.Marshal(progress)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal progress json: %w", err)
	}
	s := string(b)
	return &s, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
