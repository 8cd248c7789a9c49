package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"jobqueue/pkg/models"
)

const interfaceMasterColumns = `id, name, description, input_schema, output_schema, is_active, created_by, created_at, updated_at`

func scanInterfaceMaster(row scanner) (*models.InterfaceMaster, error) {
	var im models.InterfaceMaster
	var in, out []byte
	if err := row.Scan(&im.ID, &im.Name, &im.Description, &in, &out, &im.IsActive, &im.CreatedBy, &im.CreatedAt, &im.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unjson(in, &im.InputSchema); err != nil {
		return nil, fmt.Errorf("decode input_schema: %w", err)
	}
	if err := unjson(out, &im.OutputSchema); err != nil {
		return nil, fmt.Errorf("decode output_schema: %w", err)
	}
	return &im, nil
}

func (s *PostgresRepository) CreateInterfaceMaster(ctx context.Context, im *models.InterfaceMaster) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO interface_masters (id, name, description, input_schema, output_schema, is_active, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`,
		im.ID, im.Name, im.Description, jsonb(im.InputSchema, "{}"), jsonb(im.OutputSchema, "{}"), im.IsActive, im.CreatedBy, now)
	if err != nil {
		if dup := uniqueViolation(err); dup != nil {
			return dup
		}
		return fmt.Errorf("insert interface master: %w", err)
	}
	im.CreatedAt, im.UpdatedAt = now, now
	return nil
}

func (s *PostgresRepository) GetInterfaceMaster(ctx context.Context, id string) (*models.InterfaceMaster, error) {
	im, err := scanInterfaceMaster(s.db.QueryRow(ctx, `SELECT `+interfaceMasterColumns+` FROM interface_masters WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return im, nil
}

func (s *PostgresRepository) ListInterfaceMasters(ctx context.Context, p models.Page) ([]*models.InterfaceMaster, int, error) {
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM interface_masters WHERE (NOT $1 OR is_active)`, p.ActiveOnly).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count interface masters: %w", err)
	}
	rows, err := s.db.Query(ctx, `SELECT `+interfaceMasterColumns+` FROM interface_masters
		WHERE (NOT $1 OR is_active) ORDER BY id LIMIT $2 OFFSET $3`, p.ActiveOnly, defaultLimit(p.Limit), p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list interface masters: %w", err)
	}
	defer rows.Close()

	var out []*models.InterfaceMaster
	for rows.Next() {
		im, err := scanInterfaceMaster(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, im)
	}
	return out, total, rows.Err()
}

func (s *PostgresRepository) UpdateInterfaceMaster(ctx context.Context, im *models.InterfaceMaster) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE interface_masters SET name=$2, description=$3, input_schema=$4, output_schema=$5, is_active=$6, updated_at=$7
		WHERE id=$1`,
		im.ID, im.Name, im.Description, jsonb(im.InputSchema, "{}"), jsonb(im.OutputSchema, "{}"), im.IsActive, now)
	if err != nil {
		return fmt.Errorf("update interface master: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	im.UpdatedAt = now
	return nil
}

// Task masters

const taskMasterColumns = `id, name, description, method, url, headers, body_template, input_interface_id, output_interface_id,
	timeout_sec, max_retries, retry_delay_sec, is_active, current_version, created_by, updated_by, created_at, updated_at`

func scanTaskMaster(row scanner) (*models.TaskMaster, error) {
	var tm models.TaskMaster
	var headers, body []byte
	err := row.Scan(&tm.ID, &tm.Name, &tm.Description, &tm.Method, &tm.URL, &headers, &body,
		&tm.InputInterfaceID, &tm.OutputInterfaceID, &tm.TimeoutSec, &tm.MaxRetries, &tm.RetryDelaySec,
		&tm.IsActive, &tm.CurrentVersion, &tm.CreatedBy, &tm.UpdatedBy, &tm.CreatedAt, &tm.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unjson(headers, &tm.Headers); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	if err := unjson(body, &tm.BodyTemplate); err != nil {
		return nil, fmt.Errorf("decode body_template: %w", err)
	}
	return &tm, nil
}

func insertTaskMasterVersion(ctx context.Context, q querier, v *models.TaskMasterVersion) error {
	_, err := q.Exec(ctx, `
		INSERT INTO task_master_versions (task_master_id, version, snapshot, change_reason, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		v.TaskMasterID, v.Version, jsonb(v.TaskMasterSpec, "{}"), v.ChangeReason, v.CreatedBy, v.CreatedAt)
	if err != nil {
		if dup := uniqueViolation(err); dup != nil {
			return fmt.Errorf("%w: task master %s version %d", ErrConflict, v.TaskMasterID, v.Version)
		}
		return fmt.Errorf("insert task master version: %w", err)
	}
	return nil
}

func (s *PostgresRepository) CreateTaskMaster(ctx context.Context, tm *models.TaskMaster, reason string) (*models.TaskMasterVersion, error) {
	now := time.Now().UTC()
	tm.CurrentVersion = 1
	tm.CreatedAt, tm.UpdatedAt = now, now
	if tm.UpdatedBy == "" {
		tm.UpdatedBy = tm.CreatedBy
	}
	v := taskMasterSnapshot(tm, reason, tm.CreatedBy, now)

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO task_masters (id, name, description, method, url, headers, body_template, input_interface_id,
				output_interface_id, timeout_sec, max_retries, retry_delay_sec, is_active, current_version,
				created_by, updated_by, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)`,
			tm.ID, tm.Name, tm.Description, tm.Method, tm.URL, jsonb(tm.Headers, "{}"), jsonb(tm.BodyTemplate, "{}"),
			tm.InputInterfaceID, tm.OutputInterfaceID, tm.TimeoutSec, tm.MaxRetries, tm.RetryDelaySec,
			tm.IsActive, tm.CurrentVersion, tm.CreatedBy, tm.UpdatedBy, now)
		if err != nil {
			if dup := uniqueViolation(err); dup != nil {
				return dup
			}
			if foreignKeyViolation(err) {
				return fmt.Errorf("interface master: %w", ErrNotFound)
			}
			return fmt.Errorf("insert task master: %w", err)
		}
		return insertTaskMasterVersion(ctx, tx, v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *PostgresRepository) GetTaskMaster(ctx context.Context, id string) (*models.TaskMaster, error) {
	tm, err := scanTaskMaster(s.db.QueryRow(ctx, `SELECT `+taskMasterColumns+` FROM task_masters WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return tm, nil
}

func (s *PostgresRepository) ListTaskMasters(ctx context.Context, p models.Page) ([]*models.TaskMaster, int, error) {
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM task_masters WHERE (NOT $1 OR is_active)`, p.ActiveOnly).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count task masters: %w", err)
	}
	rows, err := s.db.Query(ctx, `SELECT `+taskMasterColumns+` FROM task_masters
		WHERE (NOT $1 OR is_active) ORDER BY id LIMIT $2 OFFSET $3`, p.ActiveOnly, defaultLimit(p.Limit), p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list task masters: %w", err)
	}
	defer rows.Close()

	var out []*models.TaskMaster
	for rows.Next() {
		tm, err := scanTaskMaster(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, tm)
	}
	return out, total, rows.Err()
}

func (s *PostgresRepository) UpdateTaskMaster(ctx context.Context, tm *models.TaskMaster, reason string) (*models.TaskMasterVersion, error) {
	now := time.Now().UTC()
	var v *models.TaskMasterVersion
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var current int
		err := tx.QueryRow(ctx, `SELECT current_version FROM task_masters WHERE id = $1 FOR UPDATE`, tm.ID).Scan(&current)
		if err != nil {
			return notFound(err)
		}

		updated, err := scanTaskMaster(tx.QueryRow(ctx, `
			UPDATE task_masters SET name=$2, description=$3, method=$4, url=$5, headers=$6, body_template=$7,
				input_interface_id=$8, output_interface_id=$9, timeout_sec=$10, max_retries=$11, retry_delay_sec=$12,
				current_version=$13, updated_by=$14, updated_at=$15
			WHERE id=$1
			RETURNING `+taskMasterColumns,
			tm.ID, tm.Name, tm.Description, tm.Method, tm.URL, jsonb(tm.Headers, "{}"), jsonb(tm.BodyTemplate, "{}"),
			tm.InputInterfaceID, tm.OutputInterfaceID, tm.TimeoutSec, tm.MaxRetries, tm.RetryDelaySec,
			current+1, tm.UpdatedBy, now))
		if err != nil {
			if foreignKeyViolation(err) {
				return fmt.Errorf("interface master: %w", ErrNotFound)
			}
			return fmt.Errorf("update task master: %w", err)
		}

		v = taskMasterSnapshot(updated, reason, tm.UpdatedBy, now)
		if err := insertTaskMasterVersion(ctx, tx, v); err != nil {
			return err
		}
		*tm = *updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *PostgresRepository) SetTaskMasterActive(ctx context.Context, id string, active bool, by string) error {
	tag, err := s.db.Exec(ctx, `UPDATE task_masters SET is_active=$2, updated_by=$3, updated_at=$4 WHERE id=$1`,
		id, active, by, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update task master: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTaskMasterVersion(row scanner) (*models.TaskMasterVersion, error) {
	var v models.TaskMasterVersion
	var snapshot []byte
	if err := row.Scan(&v.TaskMasterID, &v.Version, &snapshot, &v.ChangeReason, &v.CreatedBy, &v.CreatedAt); err != nil {
		return nil, err
	}
	if err := unjson(snapshot, &v.TaskMasterSpec); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &v, nil
}

func (s *PostgresRepository) GetTaskMasterVersion(ctx context.Context, id string, version int) (*models.TaskMasterVersion, error) {
	v, err := scanTaskMasterVersion(s.db.QueryRow(ctx, `
		SELECT task_master_id, version, snapshot, change_reason, created_by, created_at
		FROM task_master_versions WHERE task_master_id = $1 AND version = $2`, id, version))
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

func (s *PostgresRepository) ListTaskMasterVersions(ctx context.Context, id string) ([]*models.TaskMasterVersion, error) {
	if _, err := s.GetTaskMaster(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT task_master_id, version, snapshot, change_reason, created_by, created_at
		FROM task_master_versions WHERE task_master_id = $1 ORDER BY version DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("list task master versions: %w", err)
	}
	defer rows.Close()

	var out []*models.TaskMasterVersion
	for rows.Next() {
		v, err := scanTaskMasterVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Task master interface associations

func (s *PostgresRepository) AddTaskMasterInterface(ctx context.Context, a *models.TaskMasterInterface) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO task_master_interfaces (id, task_master_id, interface_master_id, required, created_at)
		VALUES ($1,$2,$3,$4,$5)`, a.ID, a.TaskMasterID, a.InterfaceMasterID, a.Required, now)
	if err != nil {
		if dup := uniqueViolation(err); dup != nil {
			return dup
		}
		if foreignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("insert task master interface: %w", err)
	}
	a.CreatedAt = now
	return nil
}

func (s *PostgresRepository) ListTaskMasterInterfaces(ctx context.Context, taskMasterID string) ([]*models.TaskMasterInterface, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, task_master_id, interface_master_id, required, created_at
		FROM task_master_interfaces WHERE task_master_id = $1 ORDER BY created_at, id`, taskMasterID)
	if err != nil {
		return nil, fmt.Errorf("list task master interfaces: %w", err)
	}
	defer rows.Close()

	out := []*models.TaskMasterInterface{}
	for rows.Next() {
		var a models.TaskMasterInterface
		if err := rows.Scan(&a.ID, &a.TaskMasterID, &a.InterfaceMasterID, &a.Required, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresRepository) RemoveTaskMasterInterface(ctx context.Context, taskMasterID, interfaceID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM task_master_interfaces WHERE task_master_id = $1 AND interface_master_id = $2`,
		taskMasterID, interfaceID)
	if err != nil {
		return fmt.Errorf("delete task master interface: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Job masters

const jobMasterColumns = `id, name, description, method, url, headers, params, body, timeout_sec, max_attempts,
	backoff_strategy, backoff_seconds, ttl_seconds, tags, is_active, current_version, created_by, updated_by, created_at, updated_at`

func scanJobMaster(row scanner) (*models.JobMaster, error) {
	var jm models.JobMaster
	var headers, params, body, tags []byte
	err := row.Scan(&jm.ID, &jm.Name, &jm.Description, &jm.Method, &jm.URL, &headers, &params, &body,
		&jm.TimeoutSec, &jm.MaxAttempts, &jm.BackoffStrategy, &jm.BackoffSeconds, &jm.TTLSeconds, &tags,
		&jm.IsActive, &jm.CurrentVersion, &jm.CreatedBy, &jm.UpdatedBy, &jm.CreatedAt, &jm.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{{headers, &jm.Headers}, {params, &jm.Params}, {body, &jm.Body}, {tags, &jm.Tags}} {
		if err := unjson(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode job master: %w", err)
		}
	}
	return &jm, nil
}

const linkColumns = `id, job_master_id, task_master_id, task_order, is_required, retry_on_failure, max_retries, created_at, updated_at`

func scanLink(row scanner, extra ...any) (*models.JobMasterTask, error) {
	var l models.JobMasterTask
	dest := append([]any{&l.ID, &l.JobMasterID, &l.TaskMasterID, &l.Order, &l.IsRequired, &l.RetryOnFailure,
		&l.MaxRetries, &l.CreatedAt, &l.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &l, nil
}

func insertLink(ctx context.Context, q querier, l *models.JobMasterTask) error {
	_, err := q.Exec(ctx, `
		INSERT INTO job_master_tasks (`+linkColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		l.ID, l.JobMasterID, l.TaskMasterID, l.Order, l.IsRequired, l.RetryOnFailure, l.MaxRetries, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		if dup := uniqueViolation(err); dup != nil {
			return dup
		}
		if foreignKeyViolation(err) {
			return fmt.Errorf("task master %s: %w", l.TaskMasterID, ErrNotFound)
		}
		return fmt.Errorf("insert job master task: %w", err)
	}
	return nil
}

// chainWithVersions loads the live links of a job master together with the
// current version of each linked task master.
func chainWithVersions(ctx context.Context, q querier, jobMasterID string) ([]*models.JobMasterTask, map[string]int, error) {
	rows, err := q.Query(ctx, `
		SELECT l.id, l.job_master_id, l.task_master_id, l.task_order, l.is_required, l.retry_on_failure,
			l.max_retries, l.created_at, l.updated_at, t.current_version
		FROM job_master_tasks l JOIN task_masters t ON t.id = l.task_master_id
		WHERE l.job_master_id = $1 ORDER BY l.task_order`, jobMasterID)
	if err != nil {
		return nil, nil, fmt.Errorf("list job master tasks: %w", err)
	}
	defer rows.Close()

	var links []*models.JobMasterTask
	versions := map[string]int{}
	for rows.Next() {
		var current int
		l, err := scanLink(rows, &current)
		if err != nil {
			return nil, nil, err
		}
		links = append(links, l)
		versions[l.TaskMasterID] = current
	}
	return links, versions, rows.Err()
}

func lookup(versions map[string]int) func(string) (int, error) {
	return func(id string) (int, error) {
		v, ok := versions[id]
		if !ok {
			return 0, fmt.Errorf("task master %s: %w", id, ErrNotFound)
		}
		return v, nil
	}
}

func insertJobMasterVersion(ctx context.Context, q querier, v *models.JobMasterVersion) error {
	_, err := q.Exec(ctx, `
		INSERT INTO job_master_versions (job_master_id, version, snapshot, tasks, change_reason, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		v.JobMasterID, v.Version, jsonb(v.JobMasterSpec, "{}"), jsonb(v.Tasks, "[]"), v.ChangeReason, v.CreatedBy, v.CreatedAt)
	if err != nil {
		if dup := uniqueViolation(err); dup != nil {
			return fmt.Errorf("%w: job master %s version %d", ErrConflict, v.JobMasterID, v.Version)
		}
		return fmt.Errorf("insert job master version: %w", err)
	}
	return nil
}

func lockJobMaster(ctx context.Context, tx pgx.Tx, id string) error {
	var locked string
	err := tx.QueryRow(ctx, `SELECT id FROM job_masters WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	return notFound(err)
}

// snapshotJobMaster bumps current_version and appends the matching version
// row. The caller must hold the row lock.
func snapshotJobMaster(ctx context.Context, tx pgx.Tx, id, reason, by string) (*models.JobMasterVersion, error) {
	now := time.Now().UTC()
	jm, err := scanJobMaster(tx.QueryRow(ctx, `
		UPDATE job_masters SET current_version = current_version + 1, updated_by = $2, updated_at = $3
		WHERE id = $1 RETURNING `+jobMasterColumns, id, by, now))
	if err != nil {
		return nil, notFound(err)
	}
	links, versions, err := chainWithVersions(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	chain, err := chainEntries(links, lookup(versions))
	if err != nil {
		return nil, err
	}
	v := jobMasterSnapshot(jm, chain, reason, by, now)
	if err := insertJobMasterVersion(ctx, tx, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *PostgresRepository) CreateJobMaster(ctx context.Context, jm *models.JobMaster, links []*models.JobMasterTask, pins map[string]int, reason string) (*models.JobMasterVersion, error) {
	now := time.Now().UTC()
	jm.CurrentVersion = 1
	jm.CreatedAt, jm.UpdatedAt = now, now
	if jm.UpdatedBy == "" {
		jm.UpdatedBy = jm.CreatedBy
	}

	var v *models.JobMasterVersion
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO job_masters (`+jobMasterColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$19)`,
			jm.ID, jm.Name, jm.Description, jm.Method, jm.URL, jsonb(jm.Headers, "{}"), jsonb(jm.Params, "{}"),
			jsonb(jm.Body, "{}"), jm.TimeoutSec, jm.MaxAttempts, jm.BackoffStrategy, jm.BackoffSeconds, jm.TTLSeconds,
			jsonb(jm.Tags, "[]"), jm.IsActive, jm.CurrentVersion, jm.CreatedBy, jm.UpdatedBy, now)
		if err != nil {
			if dup := uniqueViolation(err); dup != nil {
				return dup
			}
			return fmt.Errorf("insert job master: %w", err)
		}
		for _, l := range links {
			l.JobMasterID = jm.ID
			l.CreatedAt, l.UpdatedAt = now, now
			if err := insertLink(ctx, tx, l); err != nil {
				return err
			}
		}
		stored, versions, err := chainWithVersions(ctx, tx, jm.ID)
		if err != nil {
			return err
		}
		chain, err := chainEntries(stored, pinned(pins, lookup(versions)))
		if err != nil {
			return err
		}
		v = jobMasterSnapshot(jm, chain, reason, jm.CreatedBy, now)
		return insertJobMasterVersion(ctx, tx, v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *PostgresRepository) GetJobMaster(ctx context.Context, id string) (*models.JobMaster, error) {
	jm, err := scanJobMaster(s.db.QueryRow(ctx, `SELECT `+jobMasterColumns+` FROM job_masters WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return jm, nil
}

func (s *PostgresRepository) ListJobMasters(ctx context.Context, p models.Page) ([]*models.JobMaster, int, error) {
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM job_masters WHERE (NOT $1 OR is_active)`, p.ActiveOnly).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count job masters: %w", err)
	}
	rows, err := s.db.Query(ctx, `SELECT `+jobMasterColumns+` FROM job_masters
		WHERE (NOT $1 OR is_active) ORDER BY id LIMIT $2 OFFSET $3`, p.ActiveOnly, defaultLimit(p.Limit), p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list job masters: %w", err)
	}
	defer rows.Close()

	var out []*models.JobMaster
	for rows.Next() {
		jm, err := scanJobMaster(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, jm)
	}
	return out, total, rows.Err()
}

func (s *PostgresRepository) UpdateJobMaster(ctx context.Context, jm *models.JobMaster, reason string) (*models.JobMasterVersion, error) {
	var v *models.JobMasterVersion
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockJobMaster(ctx, tx, jm.ID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE job_masters SET name=$2, description=$3, method=$4, url=$5, headers=$6, params=$7, body=$8,
				timeout_sec=$9, max_attempts=$10, backoff_strategy=$11, backoff_seconds=$12, ttl_seconds=$13, tags=$14
			WHERE id=$1`,
			jm.ID, jm.Name, jm.Description, jm.Method, jm.URL, jsonb(jm.Headers, "{}"), jsonb(jm.Params, "{}"),
			jsonb(jm.Body, "{}"), jm.TimeoutSec, jm.MaxAttempts, jm.BackoffStrategy, jm.BackoffSeconds, jm.TTLSeconds,
			jsonb(jm.Tags, "[]"))
		if err != nil {
			return fmt.Errorf("update job master: %w", err)
		}
		v, err = snapshotJobMaster(ctx, tx, jm.ID, reason, jm.UpdatedBy)
		return err
	})
	if err != nil {
		return nil, err
	}
	jm.CurrentVersion = v.Version
	jm.UpdatedAt = v.CreatedAt
	return v, nil
}

func (s *PostgresRepository) SetJobMasterActive(ctx context.Context, id string, active bool, by string) error {
	tag, err := s.db.Exec(ctx, `UPDATE job_masters SET is_active=$2, updated_by=$3, updated_at=$4 WHERE id=$1`,
		id, active, by, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update job master: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresRepository) AddJobMasterTask(ctx context.Context, link *models.JobMasterTask, reason, by string) (*models.JobMasterVersion, error) {
	var v *models.JobMasterVersion
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockJobMaster(ctx, tx, link.JobMasterID); err != nil {
			return err
		}
		now := time.Now().UTC()
		link.CreatedAt, link.UpdatedAt = now, now
		if err := insertLink(ctx, tx, link); err != nil {
			return err
		}
		var err error
		v, err = snapshotJobMaster(ctx, tx, link.JobMasterID, reason, by)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *PostgresRepository) UpdateJobMasterTask(ctx context.Context, link *models.JobMasterTask, reason, by string) (*models.JobMasterVersion, error) {
	var v *models.JobMasterVersion
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockJobMaster(ctx, tx, link.JobMasterID); err != nil {
			return err
		}
		updated, err := scanLink(tx.QueryRow(ctx, `
			UPDATE job_master_tasks SET task_order=$3, is_required=$4, retry_on_failure=$5, max_retries=$6, updated_at=$7
			WHERE job_master_id=$1 AND id=$2
			RETURNING `+linkColumns,
			link.JobMasterID, link.ID, link.Order, link.IsRequired, link.RetryOnFailure, link.MaxRetries, time.Now().UTC()))
		if err != nil {
			if dup := uniqueViolation(err); dup != nil {
				return dup
			}
			return notFound(err)
		}
		*link = *updated
		v, err = snapshotJobMaster(ctx, tx, link.JobMasterID, reason, by)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *PostgresRepository) RemoveJobMasterTask(ctx context.Context, jobMasterID, linkID, reason, by string) (*models.JobMasterVersion, error) {
	var v *models.JobMasterVersion
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockJobMaster(ctx, tx, jobMasterID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM job_master_tasks WHERE job_master_id = $1 AND id = $2`, jobMasterID, linkID)
		if err != nil {
			return fmt.Errorf("delete job master task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		v, err = snapshotJobMaster(ctx, tx, jobMasterID, reason, by)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *PostgresRepository) GetJobMasterTask(ctx context.Context, jobMasterID, linkID string) (*models.JobMasterTask, error) {
	l, err := scanLink(s.db.QueryRow(ctx, `SELECT `+linkColumns+` FROM job_master_tasks WHERE job_master_id = $1 AND id = $2`,
		jobMasterID, linkID))
	if err != nil {
		return nil, notFound(err)
	}
	return l, nil
}

func (s *PostgresRepository) ListJobMasterTasks(ctx context.Context, jobMasterID string) ([]*models.JobMasterTask, error) {
	if _, err := s.GetJobMaster(ctx, jobMasterID); err != nil {
		return nil, err
	}
	links, _, err := chainWithVersions(ctx, s.db, jobMasterID)
	if err != nil {
		return nil, err
	}
	if links == nil {
		links = []*models.JobMasterTask{}
	}
	return links, nil
}

func (s *PostgresRepository) SaveJobMasterVersion(ctx context.Context, jobMasterID, reason, by string) (*models.JobMasterVersion, error) {
	var v *models.JobMasterVersion
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockJobMaster(ctx, tx, jobMasterID); err != nil {
			return err
		}
		var err error
		v, err = snapshotJobMaster(ctx, tx, jobMasterID, reason, by)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func scanJobMasterVersion(row scanner) (*models.JobMasterVersion, error) {
	var v models.JobMasterVersion
	var snapshot, tasks []byte
	if err := row.Scan(&v.JobMasterID, &v.Version, &snapshot, &tasks, &v.ChangeReason, &v.CreatedBy, &v.CreatedAt); err != nil {
		return nil, err
	}
	if err := unjson(snapshot, &v.JobMasterSpec); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := unjson(tasks, &v.Tasks); err != nil {
		return nil, fmt.Errorf("decode snapshot tasks: %w", err)
	}
	return &v, nil
}

func (s *PostgresRepository) GetJobMasterVersion(ctx context.Context, id string, version int) (*models.JobMasterVersion, error) {
	v, err := scanJobMasterVersion(s.db.QueryRow(ctx, `
		SELECT job_master_id, version, snapshot, tasks, change_reason, created_by, created_at
		FROM job_master_versions WHERE job_master_id = $1 AND version = $2`, id, version))
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

func (s *PostgresRepository) ListJobMasterVersions(ctx context.Context, id string) ([]*models.JobMasterVersion, error) {
	if _, err := s.GetJobMaster(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT job_master_id, version, snapshot, tasks, change_reason, created_by, created_at
		FROM job_master_versions WHERE job_master_id = $1 ORDER BY version DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("list job master versions: %w", err)
	}
	defer rows.Close()

	var out []*models.JobMasterVersion
	for rows.Next() {
		v, err := scanJobMasterVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
