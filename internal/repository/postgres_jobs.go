package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"jobqueue/pkg/models"
)

const jobColumns = `id, name, master_id, master_version, status, paused, priority, attempt, max_attempts, method, url,
	headers, params, body, timeout_sec, backoff_strategy, backoff_seconds, ttl_seconds, tags, result, error,
	created_by, created_at, updated_at, scheduled_at, next_attempt_at, started_at, finished_at`

const taskColumns = `id, job_id, master_id, master_version, name, task_order, is_required, max_retries, status, attempt,
	input_data, output_data, error, duration_ms, created_at, updated_at, started_at, finished_at`

func scanJob(row scanner) (*models.Job, error) {
	var j models.Job
	var headers, params, body, tags, result []byte
	err := row.Scan(&j.ID, &j.Name, &j.MasterID, &j.MasterVersion, &j.Status, &j.Paused, &j.Priority, &j.Attempt,
		&j.MaxAttempts, &j.Method, &j.URL, &headers, &params, &body, &j.TimeoutSec, &j.BackoffStrategy,
		&j.BackoffSeconds, &j.TTLSeconds, &tags, &result, &j.Error, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt,
		&j.ScheduledAt, &j.NextAttemptAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{{headers, &j.Headers}, {params, &j.Params}, {body, &j.Body}, {tags, &j.Tags}, {result, &j.Result}} {
		if err := unjson(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
	}
	return &j, nil
}

func jobArgs(j *models.Job) []any {
	return []any{j.ID, j.Name, j.MasterID, j.MasterVersion, j.Status, j.Paused, j.Priority, j.Attempt,
		j.MaxAttempts, j.Method, j.URL, jsonb(j.Headers, "{}"), jsonb(j.Params, "{}"), jsonb(j.Body, "{}"),
		j.TimeoutSec, j.BackoffStrategy, j.BackoffSeconds, j.TTLSeconds, jsonb(j.Tags, "[]"), jsonb(j.Result, "{}"),
		j.Error, j.CreatedBy, j.CreatedAt, j.UpdatedAt, j.ScheduledAt, j.NextAttemptAt, j.StartedAt, j.FinishedAt}
}

func scanTask(row scanner) (*models.Task, error) {
	var t models.Task
	var in, out []byte
	err := row.Scan(&t.ID, &t.JobID, &t.MasterID, &t.MasterVersion, &t.Name, &t.Order, &t.IsRequired, &t.MaxRetries,
		&t.Status, &t.Attempt, &in, &out, &t.Error, &t.DurationMs, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.FinishedAt)
	if err != nil {
		return nil, err
	}
	if err := unjson(in, &t.InputData); err != nil {
		return nil, fmt.Errorf("decode input_data: %w", err)
	}
	if err := unjson(out, &t.OutputData); err != nil {
		return nil, fmt.Errorf("decode output_data: %w", err)
	}
	return &t, nil
}

func taskArgs(t *models.Task) []any {
	return []any{t.ID, t.JobID, t.MasterID, t.MasterVersion, t.Name, t.Order, t.IsRequired, t.MaxRetries, t.Status,
		t.Attempt, jsonb(t.InputData, "{}"), jsonb(t.OutputData, "{}"), t.Error, t.DurationMs, t.CreatedAt,
		t.UpdatedAt, t.StartedAt, t.FinishedAt}
}

func placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ps, ",")
}

func statusStrings(from []models.JobStatus) []string {
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}

func (s *PostgresRepository) CreateJob(ctx context.Context, job *models.Job, tasks []*models.Task) error {
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (`+placeholders(28)+`)`, jobArgs(job)...); err != nil {
			if dup := uniqueViolation(err); dup != nil {
				return dup
			}
			if foreignKeyViolation(err) {
				return fmt.Errorf("job master: %w", ErrNotFound)
			}
			return fmt.Errorf("insert job: %w", err)
		}
		for _, t := range tasks {
			t.JobID = job.ID
			t.CreatedAt, t.UpdatedAt = now, now
			if _, err := tx.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (`+placeholders(18)+`)`, taskArgs(t)...); err != nil {
				if dup := uniqueViolation(err); dup != nil {
					return dup
				}
				return fmt.Errorf("insert task %d: %w", t.Order, err)
			}
		}
		return nil
	})
}

func (s *PostgresRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

func (s *PostgresRepository) ListJobs(ctx context.Context, f models.JobFilter) ([]*models.Job, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	idx := 1

	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.MasterID != "" {
		where += fmt.Sprintf(` AND master_id = $%d`, idx)
		args = append(args, f.MasterID)
		idx++
	}
	if f.Tag != "" {
		where += fmt.Sprintf(` AND tags ? $%d`, idx)
		args = append(args, f.Tag)
		idx++
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, defaultLimit(f.Limit), f.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

func listTasks(ctx context.Context, q querier, jobID string, lock bool) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE job_id = $1 ORDER BY task_order`
	if lock {
		query += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresRepository) ListTasks(ctx context.Context, jobID string) ([]*models.Task, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return listTasks(ctx, s.db, jobID, false)
}

func updateTask(ctx context.Context, q querier, t *models.Task) error {
	tag, err := q.Exec(ctx, `
		UPDATE tasks SET status=$2, attempt=$3, input_data=$4, output_data=$5, error=$6, duration_ms=$7,
			updated_at=$8, started_at=$9, finished_at=$10
		WHERE id=$1`,
		t.ID, t.Status, t.Attempt, jsonb(t.InputData, "{}"), jsonb(t.OutputData, "{}"), t.Error, t.DurationMs,
		t.UpdatedAt, t.StartedAt, t.FinishedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()
	return updateTask(ctx, s.db, task)
}

// claimSet is the SET clause shared by both claim paths; $1 is now.
const claimSet = `status = 'running', paused = FALSE,
	attempt = CASE WHEN paused THEN attempt ELSE attempt + 1 END,
	next_attempt_at = NULL, finished_at = NULL, error = '',
	started_at = COALESCE(started_at, $1), updated_at = $1`

func (s *PostgresRepository) ClaimNextJob(ctx context.Context, now time.Time) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `
		UPDATE jobs SET `+claimSet+`
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' AND NOT paused
				AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
				AND (scheduled_at IS NULL OR scheduled_at <= $1)
				AND (ttl_seconds IS NULL OR created_at + make_interval(secs => ttl_seconds) > $1)
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return j, nil
}

func (s *PostgresRepository) ClaimJob(ctx context.Context, id string, now time.Time, from ...models.JobStatus) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `
		UPDATE jobs SET `+claimSet+`
		WHERE id = $2 AND status = ANY($3)
		RETURNING `+jobColumns, now, id, statusStrings(from)))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: job %s is %s", ErrConflict, id, cur.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (s *PostgresRepository) UpdateJobIf(ctx context.Context, id string, from []models.JobStatus, fn func(*models.Job, []*models.Task) error) (*models.Job, error) {
	var job *models.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err)
		}
		if !statusIn(job.Status, from) {
			return fmt.Errorf("%w: job %s is %s", ErrConflict, id, job.Status)
		}
		tasks, err := listTasks(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(job, tasks); err != nil {
			return err
		}

		now := time.Now().UTC()
		job.UpdatedAt = now
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status=$2, paused=$3, priority=$4, attempt=$5, result=$6, error=$7, updated_at=$8,
				next_attempt_at=$9, started_at=$10, finished_at=$11
			WHERE id=$1`,
			job.ID, job.Status, job.Paused, job.Priority, job.Attempt, jsonb(job.Result, "{}"), job.Error, job.UpdatedAt,
			job.NextAttemptAt, job.StartedAt, job.FinishedAt)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		for _, t := range tasks {
			t.UpdatedAt = now
			if err := updateTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PostgresRepository) ExpireJobs(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE jobs SET status = 'canceled', error = $2, finished_at = $1, updated_at = $1
			WHERE status = 'queued' AND ttl_seconds IS NOT NULL
				AND created_at + make_interval(secs => ttl_seconds) <= $1
			RETURNING id`, now, ExpiredError)
		if err != nil {
			return fmt.Errorf("expire jobs: %w", err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect expired jobs: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE tasks SET status = 'canceled', updated_at = $1
			WHERE job_id = ANY($2) AND status = 'queued'`, now, ids)
		if err != nil {
			return fmt.Errorf("cancel expired tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
