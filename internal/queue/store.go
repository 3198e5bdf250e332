package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store is the durable task queue. Claim is atomic: two workers calling
// it concurrently never receive the same task.
type Store interface {
	Enqueue(ctx context.Context, taskType string, payload any, priority int) (*Task, error)
	EnqueueAt(ctx context.Context, taskType string, payload any, priority int, notBefore time.Time) (*Task, error)
	HasActiveMeasure(ctx context.Context, publicationID string, dayOffset int) (bool, error)
	Claim(ctx context.Context, taskType string, limit int) ([]*Task, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errMsg string, retryable bool, retryDelay time.Duration) error
	Release(ctx context.Context, id int64, notBefore *time.Time) error
	RequeueStale(ctx context.Context, taskType string, olderThan time.Duration) (int, error)
	CountPending(ctx context.Context, taskType string) (int, error)
	Get(ctx context.Context, id int64) (*Task, error)
	ForceRetry(ctx context.Context, id int64) error
	ForceAbandon(ctx context.Context, id int64) error
}

type SQLStore struct {
	db         *sql.DB
	workerID   string
	maxRetries int
}

func NewSQLStore(db *sql.DB, workerID string, maxRetries int) *SQLStore {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &SQLStore{db: db, workerID: workerID, maxRetries: maxRetries}
}

const taskColumns = `id, task_type, payload, status, priority, retry_count, max_retries,
	COALESCE(assigned_worker, ''), COALESCE(error_message, ''), last_error_at,
	scheduled_at, created_at, started_at, completed_at`

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (*Task, error) {
	var t Task
	var payload []byte
	err := row.Scan(&t.ID, &t.TaskType, &payload, &t.Status, &t.Priority,
		&t.RetryCount, &t.MaxRetries, &t.AssignedWorker, &t.ErrorMessage,
		&t.LastErrorAt, &t.ScheduledAt, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	return &t, nil
}

func (s *SQLStore) Enqueue(ctx context.Context, taskType string, payload any, priority int) (*Task, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("queue store not initialized")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", taskType, err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO task_queue (task_type, payload, status, priority, retry_count, max_retries, created_at)
		VALUES ($1, $2, 'pending', $3, 0, $4, NOW())
		RETURNING `+taskColumns,
		taskType, raw, priority, s.maxRetries)

	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s task: %w", taskType, err)
	}
	return task, nil
}

// EnqueueAt creates a pending task that no claimer picks up before
// notBefore.
func (s *SQLStore) EnqueueAt(ctx context.Context, taskType string, payload any, priority int, notBefore time.Time) (*Task, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("queue store not initialized")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", taskType, err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO task_queue (task_type, payload, status, priority, retry_count, max_retries, scheduled_at, created_at)
		VALUES ($1, $2, 'pending', $3, 0, $4, $5, NOW())
		RETURNING `+taskColumns,
		taskType, raw, priority, s.maxRetries, notBefore)

	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("enqueue deferred %s task: %w", taskType, err)
	}
	return task, nil
}

// HasActiveMeasure reports whether a live measure task already targets
// the publication at the given day offset. Keeps follow-up scheduling
// idempotent.
func (s *SQLStore) HasActiveMeasure(ctx context.Context, publicationID string, dayOffset int) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("queue store not initialized")
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM task_queue
			WHERE task_type = $1
			  AND status IN ('pending', 'queued', 'processing', 'retrying')
			  AND payload->>'publication_id' = $2
			  AND (payload->>'day_offset')::int = $3
		)`,
		TypeMeasure, publicationID, dayOffset).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check measure task for publication %s day %d: %w", publicationID, dayOffset, err)
	}
	return exists, nil
}

// Claim atomically moves up to limit eligible tasks to processing and
// returns them. Eligible rows are pending or queued, plus retrying rows
// whose scheduled_at has passed. Ordering is priority first, oldest
// second. SKIP LOCKED keeps concurrent claimers from blocking on or
// double-claiming each other's rows.
func (s *SQLStore) Claim(ctx context.Context, taskType string, limit int) ([]*Task, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("queue store not initialized")
	}
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM task_queue
		WHERE task_type = $1
		  AND ((status IN ('pending', 'queued') AND (scheduled_at IS NULL OR scheduled_at <= NOW()))
		       OR (status = 'retrying' AND scheduled_at <= NOW()))
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		taskType, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable tasks: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimable tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	claimed, err := tx.QueryContext(ctx, `
		UPDATE task_queue
		SET status = 'processing', assigned_worker = $1, started_at = NOW()
		WHERE id = ANY($2)
		RETURNING `+taskColumns,
		s.workerID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("mark tasks processing: %w", err)
	}

	var tasks []*Task
	for claimed.Next() {
		task, err := scanTask(claimed)
		if err != nil {
			claimed.Close()
			return nil, fmt.Errorf("scan claimed task: %w", err)
		}
		tasks = append(tasks, task)
	}
	claimed.Close()
	if err := claimed.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed tasks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return tasks, nil
}

func (s *SQLStore) Complete(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("queue store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_queue
		SET status = 'completed', completed_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		id)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d is not processing", id)
	}
	return nil
}

// Fail records the error and either schedules a retry or parks the task
// permanently. The retry-versus-permanent decision happens inside one
// statement so retry_count reads and writes cannot interleave.
func (s *SQLStore) Fail(ctx context.Context, id int64, errMsg string, retryable bool, retryDelay time.Duration) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("queue store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_queue
		SET status = CASE WHEN $2 AND retry_count < max_retries THEN 'retrying' ELSE 'failed_permanent' END,
		    retry_count = CASE WHEN $2 AND retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
		    scheduled_at = CASE WHEN $2 AND retry_count < max_retries THEN NOW() + make_interval(secs => $3) ELSE scheduled_at END,
		    error_message = $4,
		    last_error_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		id, retryable, retryDelay.Seconds(), errMsg)
	if err != nil {
		return fmt.Errorf("fail task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d is not processing", id)
	}
	return nil
}

// Release puts a claimed task back to pending without counting a retry.
// Used when a task is skipped for policy reasons (cooldown, daily cap)
// rather than failing.
func (s *SQLStore) Release(ctx context.Context, id int64, notBefore *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("queue store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_queue
		SET status = 'pending', assigned_worker = NULL, started_at = NULL, scheduled_at = $2
		WHERE id = $1 AND status = 'processing'`,
		id, notBefore)
	if err != nil {
		return fmt.Errorf("release task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d is not processing", id)
	}
	return nil
}

// RequeueStale puts processing tasks whose worker went quiet back to
// pending. A task stuck in processing longer than olderThan means the
// worker died mid-run; the claim predicate would otherwise never see it
// again.
func (s *SQLStore) RequeueStale(ctx context.Context, taskType string, olderThan time.Duration) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("queue store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_queue
		SET status = 'pending', assigned_worker = NULL, started_at = NULL
		WHERE task_type = $1 AND status = 'processing'
		  AND started_at < NOW() - make_interval(secs => $2)`,
		taskType, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("requeue stale %s tasks: %w", taskType, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) CountPending(ctx context.Context, taskType string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("queue store not initialized")
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_queue
		WHERE task_type = $1
		  AND ((status IN ('pending', 'queued') AND (scheduled_at IS NULL OR scheduled_at <= NOW()))
		       OR (status = 'retrying' AND scheduled_at <= NOW()))`,
		taskType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending %s tasks: %w", taskType, err)
	}
	return count, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*Task, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("queue store not initialized")
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_queue WHERE id = $1`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return task, nil
}

// ForceRetry is the operator override for stuck failures: the task goes
// back to pending with its retry budget restored.
func (s *SQLStore) ForceRetry(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("queue store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_queue
		SET status = 'pending', retry_count = 0, assigned_worker = NULL,
		    scheduled_at = NULL, started_at = NULL
		WHERE id = $1 AND status IN ('failed', 'failed_permanent')`,
		id)
	if err != nil {
		return fmt.Errorf("force retry task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d is not in a failed state", id)
	}
	return nil
}

// ForceAbandon parks any non-terminal task permanently.
func (s *SQLStore) ForceAbandon(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("queue store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_queue
		SET status = 'failed_permanent', completed_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed_permanent')`,
		id)
	if err != nil {
		return fmt.Errorf("abandon task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d is already terminal", id)
	}
	return nil
}
