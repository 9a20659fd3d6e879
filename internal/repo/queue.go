package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
)

const taskColumns = `id,task_type,payload_json,status,priority,retry_count,max_retries,last_error,next_retry_at,created_at,updated_at,started_at,completed_at`

func scanTask(row rowScanner) (domain.QueuedTask, error) {
	var t domain.QueuedTask
	var lastErr, nextRetry, startedAt, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.Type, &t.PayloadJSON, &t.Status, &t.Priority, &t.RetryCount, &t.MaxRetries,
		&lastErr, &nextRetry, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if lastErr.Valid {
		t.LastError = &lastErr.String
	}
	if nextRetry.Valid {
		t.NextRetryAt = &nextRetry.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, taskType, payloadJSON string, priority, maxRetries int) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := execContext(ctx, r.DB, tx, `INSERT INTO processing_queue(task_type,payload_json,status,priority,retry_count,max_retries,created_at,updated_at)
VALUES (?,?,?,?,0,?,?,?)`,
		taskType, payloadJSON, domain.TaskPending, priority, maxRetries, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.QueuedTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM processing_queue WHERE id=?`, id))
}

// PendingTasks returns up to limit runnable tasks ordered by priority then
// age. Tasks deferred by next_retry_at stay invisible until due.
func (r Repo) PendingTasks(ctx context.Context, limit int) ([]domain.QueuedTask, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM processing_queue
WHERE status=? AND (next_retry_at IS NULL OR next_retry_at<=?)
ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`, domain.TaskPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QueuedTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// ClaimTask is the single mutual-exclusion primitive of the queue: a
// conditional pending->processing update that no-ops when another cycle got
// there first.
func (r Repo) ClaimTask(ctx context.Context, id int64) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE processing_queue SET status=?, started_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.TaskProcessing, now, now, id, domain.TaskPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r Repo) CompleteTask(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `UPDATE processing_queue SET status=?, completed_at=?, updated_at=?, last_error=NULL WHERE id=?`,
		domain.TaskCompleted, now, now, id)
	return err
}

// FailTask marks a task terminally failed. It is never re-picked.
func (r Repo) FailTask(ctx context.Context, id int64, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `UPDATE processing_queue SET status=?, completed_at=?, updated_at=?, last_error=? WHERE id=?`,
		domain.TaskFailed, now, now, errMsg, id)
	return err
}

// ReleaseTask returns a failed-but-retryable task to pending with its
// incremented retry count and computed next attempt time.
func (r Repo) ReleaseTask(ctx context.Context, id int64, retryCount int, nextRetryAt, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `UPDATE processing_queue SET status=?, retry_count=?, next_retry_at=?, last_error=?, updated_at=?, started_at=NULL WHERE id=?`,
		domain.TaskPending, retryCount, nextRetryAt, errMsg, now, id)
	return err
}

// RecoverStalledTasks returns tasks stuck in processing longer than the
// cutoff to pending. Handles workers that crashed mid-claim.
func (r Repo) RecoverStalledTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE processing_queue SET status=?, started_at=NULL, updated_at=?, last_error=? WHERE status=? AND started_at<?`,
		domain.TaskPending, now, "stale claim recovered", domain.TaskProcessing, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM processing_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

type TaskFilters struct {
	Status string
	Type   string
	Limit  int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.QueuedTask, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "task_type=?")
		args = append(args, f.Type)
	}
	query := `SELECT ` + taskColumns + ` FROM processing_queue WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QueuedTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}
