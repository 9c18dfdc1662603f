package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"
	"github.com/lib/pq"

	"github.com/lecternhq/lectern/internal/model"
	"github.com/lecternhq/lectern/internal/pkg/dbutil"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
)

// TaskRepo is the durable queue table. Ready tasks become visible to workers
// only when the transaction that inserted them commits, which is what gives
// the enqueue-after-commit ordering.
type TaskRepo struct {
	db *sql.DB
}

func NewTaskRepo(db *sql.DB) *TaskRepo {
	return &TaskRepo{db: db}
}

const taskColumns = "id, queue, job_id, handler, payload, owner_id, actor_id, state, run_at, attempts, max_attempts, backoff_factor, max_backoff_sec, deadline, lease_expire, last_error, ctime, mtime"

func scanTask(scan func(dest ...interface{}) error) (*model.Task, error) {
	var t model.Task
	var handler int
	if err := scan(&t.ID, &t.Queue, &t.JobID, &handler, &t.Payload, &t.OwnerID, &t.ActorID, &t.State, &t.RunAt, &t.Attempts, &t.MaxAttempts, &t.BackoffFactor, &t.MaxBackoffSec, &t.Deadline, &t.LeaseExpire, &t.LastError, &t.Ctime, &t.Mtime); err != nil {
		return nil, err
	}
	t.Handler = model.HandlerType(handler)
	return &t, nil
}

func (r *TaskRepo) InsertTx(ctx context.Context, q dbutil.Queryer, task *model.Task) error {
	data := map[string]interface{}{
		"id":              task.ID,
		"queue":           task.Queue,
		"job_id":          task.JobID,
		"handler":         int(task.Handler),
		"payload":         task.Payload,
		"owner_id":        task.OwnerID,
		"actor_id":        task.ActorID,
		"state":           task.State,
		"run_at":          task.RunAt,
		"attempts":        task.Attempts,
		"max_attempts":    task.MaxAttempts,
		"backoff_factor":  task.BackoffFactor,
		"max_backoff_sec": task.MaxBackoffSec,
		"deadline":        task.Deadline,
		"lease_expire":    task.LeaseExpire,
		"last_error":      task.LastError,
		"ctime":           task.Ctime,
		"mtime":           task.Mtime,
	}
	sqlStr, args, err := builder.BuildInsert("tasks", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = q.ExecContext(ctx, sqlStr, args...)
	return err
}

// Lease claims up to limit due tasks for this worker. SKIP LOCKED keeps
// concurrent workers from claiming the same row; the attempt counter is
// bumped on claim so a crashed invocation still consumes an attempt.
func (r *TaskRepo) Lease(ctx context.Context, queues []string, now int64, leaseSeconds int, limit int) ([]model.Task, error) {
	const query = `
		UPDATE tasks
		SET state = $1, lease_expire = $2, attempts = attempts + 1, mtime = $3
		WHERE id IN (
			SELECT id FROM tasks
			WHERE state = $4 AND run_at <= $5 AND queue = ANY($6)
			ORDER BY run_at ASC
			LIMIT $7
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns
	rows, err := r.db.QueryContext(ctx, query,
		model.TaskStateLeased, now+int64(leaseSeconds), now,
		model.TaskStateReady, now, pq.Array(queues), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	tasks := make([]model.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ListByJob returns every task booked for a job, oldest first, regardless of
// state. The job detail view uses it to show pending and finished deliveries.
func (r *TaskRepo) ListByJob(ctx context.Context, jobID string) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE job_id = $1 ORDER BY ctime ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	tasks := make([]model.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (r *TaskRepo) MarkDone(ctx context.Context, taskID string, mtime int64) error {
	return r.setState(ctx, taskID, model.TaskStateLeased, model.TaskStateDone, "", 0, mtime)
}

func (r *TaskRepo) MarkDead(ctx context.Context, taskID string, lastError string, mtime int64) error {
	return r.setState(ctx, taskID, model.TaskStateLeased, model.TaskStateDead, lastError, 0, mtime)
}

// Reschedule returns a leased task to ready with a new due time.
func (r *TaskRepo) Reschedule(ctx context.Context, taskID string, runAt int64, lastError string, mtime int64) error {
	return r.setState(ctx, taskID, model.TaskStateLeased, model.TaskStateReady, lastError, runAt, mtime)
}

// RescheduleContinuation returns a leased task to ready without consuming a
// retry attempt. Lease bumps the counter on every delivery, but a scheduled
// continuation (an archive poll, waiting on children) is not a failure and
// must not eat into the retry budget.
func (r *TaskRepo) RescheduleContinuation(ctx context.Context, taskID string, runAt int64, mtime int64) error {
	const query = `
		UPDATE tasks
		SET state = $1,
			run_at = $2,
			attempts = GREATEST(attempts - 1, 0),
			lease_expire = 0,
			mtime = $3
		WHERE id = $4 AND state = $5
	`
	res, err := r.db.ExecContext(ctx, query, model.TaskStateReady, runAt, mtime, taskID, model.TaskStateLeased)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrStateConflict
	}
	return nil
}

func (r *TaskRepo) setState(ctx context.Context, taskID string, fromState, toState int, lastError string, runAt int64, mtime int64) error {
	const query = `
		UPDATE tasks
		SET state = $1,
			last_error = $2,
			run_at = CASE WHEN $3 > 0 THEN $3 ELSE run_at END,
			lease_expire = 0,
			mtime = $4
		WHERE id = $5 AND state = $6
	`
	res, err := r.db.ExecContext(ctx, query, toState, lastError, runAt, mtime, taskID, fromState)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrStateConflict
	}
	return nil
}

// RequeueExpired returns tasks whose lease expired (a worker died mid
// invocation) to the ready state.
func (r *TaskRepo) RequeueExpired(ctx context.Context, now int64) (int64, error) {
	const query = `
		UPDATE tasks
		SET state = $1, lease_expire = 0, mtime = $2
		WHERE state = $3 AND lease_expire > 0 AND lease_expire < $4
	`
	res, err := r.db.ExecContext(ctx, query, model.TaskStateReady, now, model.TaskStateLeased, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *TaskRepo) DeleteFinishedBefore(ctx context.Context, cutoff int64) (int64, error) {
	const query = `DELETE FROM tasks WHERE state IN ($1, $2) AND mtime < $3`
	res, err := r.db.ExecContext(ctx, query, model.TaskStateDone, model.TaskStateDead, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
