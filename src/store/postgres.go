// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"reelforge/src/model"
)

//go:embed schema.sql
var schemaSQL string

// NotifyChannel is fired by a trigger on every stage run insert; the
// dispatcher listens on it and falls back to polling.
const NotifyChannel = "stage_runs"

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const taskColumns = `id, source_type, source_url, source_license, source_proof_url,
	status, last_good_status, priority, translate, render, publish, target_lang,
	error_code, error_message, is_retryable, retry_count, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	t := &model.Task{}
	err := row.Scan(
		&t.ID, &t.Source.Type, &t.Source.URL, &t.Source.License, &t.Source.ProofURL,
		&t.Status, &t.LastGoodStatus, &t.Priority, &t.Translate, &t.Render, &t.Publish, &t.TargetLang,
		&t.ErrorCode, &t.ErrorMessage, &t.Retryable, &t.RetryCount, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Postgres) CreateTask(ctx context.Context, t *model.Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = model.TaskCreated
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, source_type, source_url, source_license, source_proof_url,
			status, priority, translate, render, publish, target_lang, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Source.Type, t.Source.URL, t.Source.License, t.Source.ProofURL,
		t.Status, t.Priority, t.Translate, t.Render, t.Publish, t.TargetLang, t.CreatedBy)
	return err
}

func (s *Postgres) GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *Postgres) ListTasks(ctx context.Context, status model.TaskStatus, limit int) ([]*model.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) TransitionTask(ctx context.Context, id uuid.UUID, from, to model.TaskStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if t.Status != from {
		return fmt.Errorf("%w: task %s is %s, expected %s", ErrStale, id, t.Status, from)
	}
	if err := model.Transition(t, from, to); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = $1, error_code = '', error_message = '', updated_at = NOW()
		WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Postgres) FailTask(ctx context.Context, id uuid.UUID, lastGood model.TaskStatus, errCode, errMsg string, retryable bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, last_good_status = $2, error_code = $3, error_message = $4,
			is_retryable = $5, updated_at = NOW()
		WHERE id = $6 AND status NOT IN ($7, $8)`,
		model.TaskFailed, lastGood, errCode, errMsg, retryable,
		id, model.TaskPublished, model.TaskCanceled)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: task %s not failable", ErrStale, id)
	}
	return nil
}

func (s *Postgres) RetryTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if t.Status != model.TaskFailed {
		return nil, fmt.Errorf("%w: task %s is %s, not FAILED", ErrStale, id, t.Status)
	}
	if err := model.Transition(t, model.TaskFailed, t.LastGoodStatus); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = $1, error_code = '', error_message = '', is_retryable = FALSE,
			retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $2`, t.Status, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	t.RetryCount++
	t.ErrorCode, t.ErrorMessage, t.Retryable = "", "", false
	return t, nil
}

func (s *Postgres) CancelTask(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status NOT IN ($3, $4)`,
		model.TaskCanceled, id, model.TaskPublished, model.TaskCanceled)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: task %s not cancelable", ErrStale, id)
	}
	return nil
}

func (s *Postgres) AddArtifact(ctx context.Context, a *model.Artifact) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO artifacts (id, task_id, kind, storage_key, sha256, size_bytes, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		a.ID, a.TaskID, a.Kind, a.StorageKey, a.SHA256, a.SizeBytes, a.DurationMS,
	).Scan(&a.CreatedAt)
}

const artifactColumns = `id, task_id, kind, storage_key, sha256, size_bytes, duration_ms, created_at`

func scanArtifact(row rowScanner) (*model.Artifact, error) {
	a := &model.Artifact{}
	err := row.Scan(&a.ID, &a.TaskID, &a.Kind, &a.StorageKey, &a.SHA256, &a.SizeBytes, &a.DurationMS, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Postgres) LatestArtifact(ctx context.Context, taskID uuid.UUID, kind model.ArtifactKind) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE task_id = $1 AND kind = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, taskID, kind)
	return scanArtifact(row)
}

func (s *Postgres) ListArtifacts(ctx context.Context, taskID uuid.UUID) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+` FROM artifacts WHERE task_id = $1 ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteArtifact(ctx context.Context, id uuid.UUID) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM artifacts WHERE id = $1 RETURNING `+artifactColumns, id)
	return scanArtifact(row)
}

const runColumns = `id, task_id, stage, idempotency_key, status, progress, attempt, params,
	error_code, error_message, worker_id, locked_at, run_after, created_at, started_at, finished_at`

func scanRun(row rowScanner) (*model.StageRun, error) {
	r := &model.StageRun{}
	var params []byte
	var lockedAt, startedAt, finishedAt sql.NullTime
	err := row.Scan(&r.ID, &r.TaskID, &r.Stage, &r.IdempotencyKey, &r.Status, &r.Progress, &r.Attempt,
		&params, &r.ErrorCode, &r.ErrorMessage, &r.WorkerID, &lockedAt, &r.RunAfter, &r.CreatedAt,
		&startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Params = json.RawMessage(params)
	if lockedAt.Valid {
		r.LockedAt = &lockedAt.Time
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return r, nil
}

func (s *Postgres) EnqueueRun(ctx context.Context, run *model.StageRun) (*model.StageRun, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := scanRun(tx.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM stage_runs
		WHERE idempotency_key = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`, run.IdempotencyKey))
	if err != nil && err != ErrNotFound {
		return nil, false, err
	}
	if existing != nil {
		switch existing.Status {
		case model.RunQueued, model.RunRunning:
			// Duplicate in flight: the claim holds, nothing to enqueue.
			return existing, false, nil
		case model.RunSucceeded:
			// Idempotent no-op: the prior run's artifacts stand.
			return existing, false, nil
		}
	}

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = model.RunQueued
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}
	if run.RunAfter.IsZero() {
		run.RunAfter = time.Now()
	}
	params := run.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO stage_runs (id, task_id, stage, idempotency_key, status, attempt, params, run_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		run.ID, run.TaskID, run.Stage, run.IdempotencyKey, run.Status, run.Attempt, []byte(params), run.RunAfter,
	).Scan(&run.CreatedAt)
	if err != nil {
		// Two first enqueues for the same key can both pass the row lock
		// above (no row existed to lock). The partial unique index picks
		// the winner; the loser reads the winner's run back.
		if isUniqueViolation(err) {
			tx.Rollback()
			winner, readErr := scanRun(s.db.QueryRowContext(ctx, `
				SELECT `+runColumns+` FROM stage_runs
				WHERE idempotency_key = $1
				ORDER BY created_at DESC, id DESC
				LIMIT 1`, run.IdempotencyKey))
			if readErr != nil {
				return nil, false, err
			}
			return winner, false, nil
		}
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return run, true, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}

func (s *Postgres) ClaimRun(ctx context.Context, stages []model.Stage, workerID string) (*model.StageRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = string(st)
	}
	run, err := scanRun(tx.QueryRowContext(ctx, `
		SELECT `+qualify(runColumns, "r")+`
		FROM stage_runs r
		JOIN tasks t ON t.id = r.task_id
		WHERE r.status = 'queued'
		  AND r.stage = ANY($1)
		  AND r.run_after <= NOW()
		ORDER BY t.priority ASC, r.created_at ASC
		LIMIT 1
		FOR UPDATE OF r SKIP LOCKED`, pq.Array(names)))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE stage_runs
		SET status = 'running', worker_id = $1, locked_at = NOW(), started_at = NOW()
		WHERE id = $2`, workerID, run.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	run.Status = model.RunRunning
	run.WorkerID = workerID
	run.LockedAt = &now
	run.StartedAt = &now
	return run, nil
}

func (s *Postgres) SetRunProgress(ctx context.Context, runID uuid.UUID, progress float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE stage_runs SET progress = $1, locked_at = NOW() WHERE id = $2 AND status = 'running'`,
		progress, runID)
	return err
}

func (s *Postgres) HeartbeatRun(ctx context.Context, runID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE stage_runs SET locked_at = NOW() WHERE id = $1 AND status = 'running'`, runID)
	return err
}

func (s *Postgres) FinishRun(ctx context.Context, runID uuid.UUID, status model.RunStatus, errCode, errMsg string) error {
	progress := ""
	if status == model.RunSucceeded {
		progress = ", progress = 1"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE stage_runs SET status = $1, error_code = $2, error_message = $3, finished_at = NOW()`+progress+`
		WHERE id = $4 AND status = 'running'`,
		status, errCode, errMsg, runID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: run %s not running", ErrStale, runID)
	}
	return nil
}

func (s *Postgres) GetRun(ctx context.Context, runID uuid.UUID) (*model.StageRun, error) {
	return scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM stage_runs WHERE id = $1`, runID))
}

func (s *Postgres) RunsForTask(ctx context.Context, taskID uuid.UUID, limit int) ([]*model.StageRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM stage_runs
		WHERE task_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.StageRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) RecoverStaleRuns(ctx context.Context, staleAfter time.Duration) (int, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		UPDATE stage_runs
		SET status = 'failed', error_code = 'transient', error_message = 'worker lease expired',
			finished_at = NOW()
		WHERE status = 'running' AND locked_at < NOW() - INTERVAL '%d seconds'
		RETURNING task_id`, int(staleAfter.Seconds())))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var taskIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		taskIDs = append(taskIDs, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(taskIDs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		ids[i] = id.String()
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks
		SET last_good_status = status, status = $1, error_code = 'transient',
			error_message = 'worker lease expired', is_retryable = TRUE, updated_at = NOW()
		WHERE id = ANY($2) AND status NOT IN ($3, $4, $5)`,
		model.TaskFailed, pq.Array(ids), model.TaskPublished, model.TaskCanceled, model.TaskFailed)
	if err != nil {
		return len(taskIDs), err
	}
	return len(taskIDs), nil
}

func (s *Postgres) GetPolicy(ctx context.Context, name string) (*model.PolicyProfile, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT profile FROM policy_profiles WHERE name = $1`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p := &model.PolicyProfile{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", name, err)
	}
	return p, nil
}

func (s *Postgres) PutPolicy(ctx context.Context, p *model.PolicyProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policy_profiles (name, profile) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET profile = EXCLUDED.profile, updated_at = NOW()`,
		p.Name, raw)
	return err
}

func (s *Postgres) ListSources(ctx context.Context) ([]*model.SourceEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url_prefix, license, proof_url, enabled, created_at
		FROM source_entries ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SourceEntry
	for rows.Next() {
		e := &model.SourceEntry{}
		if err := rows.Scan(&e.ID, &e.URLPrefix, &e.License, &e.ProofURL, &e.Enabled, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) AddSource(ctx context.Context, e *model.SourceEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO source_entries (id, url_prefix, license, proof_url, enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		e.ID, e.URLPrefix, e.License, e.ProofURL, e.Enabled,
	).Scan(&e.CreatedAt)
}

func (s *Postgres) MatchSource(ctx context.Context, url string) (*model.SourceEntry, error) {
	e := &model.SourceEntry{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, url_prefix, license, proof_url, enabled, created_at
		FROM source_entries
		WHERE enabled AND $1 LIKE url_prefix || '%'
		ORDER BY LENGTH(url_prefix) DESC
		LIMIT 1`, url).Scan(&e.ID, &e.URLPrefix, &e.License, &e.ProofURL, &e.Enabled, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Postgres) GetPublishRecord(ctx context.Context, taskID uuid.UUID) (*model.PublishRecord, error) {
	r := &model.PublishRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, state, external_id, response, updated_at
		FROM publish_records WHERE task_id = $1`, taskID,
	).Scan(&r.TaskID, &r.State, &r.ExternalID, &r.Response, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Postgres) PutPublishRecord(ctx context.Context, r *model.PublishRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_records (task_id, state, external_id, response, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (task_id) DO UPDATE
		SET state = EXCLUDED.state, external_id = EXCLUDED.external_id,
			response = EXCLUDED.response, updated_at = NOW()`,
		r.TaskID, r.State, r.ExternalID, r.Response)
	return err
}

// qualify prefixes each column in a comma-separated list with a table alias.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
