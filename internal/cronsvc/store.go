package cronsvc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cron_jobs (
			id               TEXT PRIMARY KEY,
			agent_id         TEXT NOT NULL,
			name             TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			enabled          INTEGER NOT NULL DEFAULT 1,
			delete_after_run INTEGER NOT NULL DEFAULT 0,
			schedule         TEXT NOT NULL,
			spec             TEXT NOT NULL,
			state            TEXT NOT NULL,
			next_run_at_ms   INTEGER,
			created_at_ms    INTEGER NOT NULL,
			updated_at_ms    INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cron_jobs_due
			ON cron_jobs (enabled, next_run_at_ms);
		CREATE TABLE IF NOT EXISTS cron_runs (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id        TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			ended_at_ms   INTEGER NOT NULL,
			status        TEXT NOT NULL,
			error         TEXT NOT NULL DEFAULT '',
			duration_ms   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cron_runs_job
			ON cron_runs (job_id, started_at_ms DESC);
	`)
	return err
}

const jobColumns = `id, agent_id, name, description, enabled, delete_after_run,
	schedule, spec, state, created_at_ms, updated_at_ms`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var enabled, deleteAfter int
	var schedule, spec, state string
	err := row.Scan(&j.ID, &j.AgentID, &j.Name, &j.Description, &enabled, &deleteAfter,
		&schedule, &spec, &state, &j.CreatedAtMs, &j.UpdatedAtMs)
	if err != nil {
		return Job{}, err
	}
	j.Enabled = enabled != 0
	j.DeleteAfterRun = deleteAfter != 0
	if err := json.Unmarshal([]byte(schedule), &j.Schedule); err != nil {
		return Job{}, fmt.Errorf("job %s schedule: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(spec), &j.Spec); err != nil {
		return Job{}, fmt.Errorf("job %s spec: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(state), &j.State); err != nil {
		return Job{}, fmt.Errorf("job %s state: %w", j.ID, err)
	}
	return j, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableMs(ms int64) any {
	if ms <= 0 {
		return nil
	}
	return ms
}

func (s *Service) insertJob(ctx context.Context, j Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (`+jobColumns+`, next_run_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.AgentID, j.Name, j.Description, boolInt(j.Enabled), boolInt(j.DeleteAfterRun),
		mustJSON(j.Schedule), mustJSON(j.Spec), mustJSON(j.State),
		j.CreatedAtMs, j.UpdatedAtMs, nullableMs(j.State.NextRunAtMs))
	return err
}

func (s *Service) saveJob(ctx context.Context, j Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET agent_id=?, name=?, description=?, enabled=?, delete_after_run=?,
			schedule=?, spec=?, state=?, updated_at_ms=?, next_run_at_ms=?
		WHERE id=?`,
		j.AgentID, j.Name, j.Description, boolInt(j.Enabled), boolInt(j.DeleteAfterRun),
		mustJSON(j.Schedule), mustJSON(j.Spec), mustJSON(j.State),
		j.UpdatedAtMs, nullableMs(j.State.NextRunAtMs), j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *Service) getJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM cron_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrJobNotFound
	}
	return j, err
}

func (s *Service) deleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM cron_runs WHERE job_id = ?`, id)
	return err
}

func (s *Service) listJobs(ctx context.Context, agentID string) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM cron_jobs ORDER BY created_at_ms`
	args := []any{}
	if agentID != "" {
		query = `SELECT ` + jobColumns + ` FROM cron_jobs WHERE agent_id = ? ORDER BY created_at_ms`
		args = append(args, agentID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Service) dueJobs(ctx context.Context, nowMs int64, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM cron_jobs
		WHERE enabled = 1 AND next_run_at_ms IS NOT NULL AND next_run_at_ms <= ?
		ORDER BY next_run_at_ms LIMIT ?`, nowMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Service) countJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cron_jobs`).Scan(&n)
	return n, err
}

func (s *Service) nextDueMs(ctx context.Context) (int64, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_run_at_ms) FROM cron_jobs WHERE enabled = 1 AND next_run_at_ms IS NOT NULL`).Scan(&ms)
	if err != nil {
		return 0, err
	}
	if !ms.Valid {
		return 0, nil
	}
	return ms.Int64, nil
}

func (s *Service) insertRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_runs (job_id, started_at_ms, ended_at_ms, status, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.JobID, r.StartedAtMs, r.EndedAtMs, r.Status, r.Error, r.DurationMs)
	return err
}

func (s *Service) listRuns(ctx context.Context, jobID string, limit int) ([]Run, error) {
	query := `SELECT id, job_id, started_at_ms, ended_at_ms, status, error, duration_ms
		FROM cron_runs ORDER BY started_at_ms DESC LIMIT ?`
	args := []any{limit}
	if jobID != "" {
		query = `SELECT id, job_id, started_at_ms, ended_at_ms, status, error, duration_ms
			FROM cron_runs WHERE job_id = ? ORDER BY started_at_ms DESC LIMIT ?`
		args = []any{jobID, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.JobID, &r.StartedAtMs, &r.EndedAtMs, &r.Status, &r.Error, &r.DurationMs); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// pruneRuns keeps only the newest keep rows for a job.
func (s *Service) pruneRuns(ctx context.Context, jobID string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM cron_runs WHERE job_id = ? AND id NOT IN (
			SELECT id FROM cron_runs WHERE job_id = ? ORDER BY started_at_ms DESC LIMIT ?
		)`, jobID, jobID, keep)
	return err
}
