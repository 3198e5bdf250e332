package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/driftworks/cascade/internal/queue"
	"github.com/driftworks/cascade/pkg/logging"
)

// Pipeline names.
const (
	PipelineProduction  = "production"
	PipelinePublishing  = "publishing"
	PipelineMeasurement = "measurement"
)

// Run is one execution of a pipeline over one task. State carries
// whatever the nodes need to hand forward; it is persisted with every
// checkpoint so a crashed run resumes after the last completed node.
type Run struct {
	ID                string
	Pipeline          string
	TaskID            int64
	LastCompletedNode string
	State             map[string]any
}

func NewRun(pipeline string, taskID int64) *Run {
	return &Run{
		ID:       uuid.NewString(),
		Pipeline: pipeline,
		TaskID:   taskID,
		State:    make(map[string]any),
	}
}

// StateString reads a string value out of the run state. Checkpointed
// state round-trips through JSON, so everything is read defensively.
func (r *Run) StateString(key string) string {
	if v, ok := r.State[key].(string); ok {
		return v
	}
	return ""
}

func (r *Run) StateFloat(key string) float64 {
	switch v := r.State[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// HandlerFunc does one node's work, reading and mutating run state.
type HandlerFunc func(ctx context.Context, run *Run) error

// RouterFunc picks the next node after a completed one. Empty means the
// run is finished.
type RouterFunc func(run *Run) string

// Engine drives a pipeline as a node→handler table plus a node→router
// table, checkpointing after every node.
type Engine struct {
	pipeline    string
	start       string
	handlers    map[string]HandlerFunc
	routers     map[string]RouterFunc
	checkpoints CheckpointStore
	log         logging.Logger
}

func NewEngine(pipeline, start string, checkpoints CheckpointStore, log logging.Logger) *Engine {
	return &Engine{
		pipeline:    pipeline,
		start:       start,
		handlers:    make(map[string]HandlerFunc),
		routers:     make(map[string]RouterFunc),
		checkpoints: checkpoints,
		log:         log,
	}
}

// Node registers a handler and its router. A nil router ends the run
// after the node.
func (e *Engine) Node(name string, handler HandlerFunc, router RouterFunc) *Engine {
	e.handlers[name] = handler
	e.routers[name] = router
	return e
}

// Execute runs from the start node, or from the node after the last
// completed one when the run carries checkpoint history. The checkpoint
// row is deleted once the run finishes.
func (e *Engine) Execute(ctx context.Context, run *Run) error {
	node := e.start
	if run.LastCompletedNode != "" {
		if router := e.routers[run.LastCompletedNode]; router != nil {
			node = router(run)
		} else {
			node = ""
		}
	}

	for node != "" {
		if err := ctx.Err(); err != nil {
			return err
		}

		handler, ok := e.handlers[node]
		if !ok {
			return fmt.Errorf("pipeline %s has no node %q", e.pipeline, node)
		}

		if err := handler(ctx, run); err != nil {
			return fmt.Errorf("node %s: %w", node, err)
		}

		run.LastCompletedNode = node
		if e.checkpoints != nil {
			if err := e.checkpoints.Save(ctx, run); err != nil {
				e.log.WithFields(logging.Fields{
					"pipeline": e.pipeline,
					"run_id":   run.ID,
					"node":     node,
					"error":    err.Error(),
				}).Warn("Failed to checkpoint pipeline run")
			}
		}

		if router := e.routers[node]; router != nil {
			node = router(run)
		} else {
			node = ""
		}
	}

	if e.checkpoints != nil {
		if err := e.checkpoints.Delete(ctx, run.ID); err != nil {
			e.log.WithFields(logging.Fields{
				"pipeline": e.pipeline,
				"run_id":   run.ID,
				"error":    err.Error(),
			}).Warn("Failed to clear pipeline checkpoint")
		}
	}
	return nil
}

// CheckpointStore persists pipeline run progress. LoadByTask returns
// nil with no error when the task has no checkpoint.
type CheckpointStore interface {
	Save(ctx context.Context, run *Run) error
	LoadByTask(ctx context.Context, pipeline string, taskID int64) (*Run, error)
	Delete(ctx context.Context, runID string) error
	ListIncomplete(ctx context.Context, pipeline string, limit int) ([]*Run, error)
}

type SQLCheckpointStore struct {
	db *sql.DB
}

func NewSQLCheckpointStore(db *sql.DB) *SQLCheckpointStore {
	return &SQLCheckpointStore{db: db}
}

func (s *SQLCheckpointStore) Save(ctx context.Context, run *Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}

	state, err := json.Marshal(run.State)
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_checkpoints (run_id, pipeline, task_id, last_completed_node, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (run_id)
		DO UPDATE SET last_completed_node = EXCLUDED.last_completed_node, state = EXCLUDED.state, updated_at = NOW()`,
		run.ID, run.Pipeline, run.TaskID, run.LastCompletedNode, state)
	if err != nil {
		return fmt.Errorf("save checkpoint for run %s: %w", run.ID, err)
	}
	return nil
}

// LoadByTask finds the surviving checkpoint for a task so a retried
// attempt resumes after the last completed node instead of starting
// over. No checkpoint means the first attempt never got past its first
// node, and the caller starts fresh.
func (s *SQLCheckpointStore) LoadByTask(ctx context.Context, pipeline string, taskID int64) (*Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("checkpoint store not initialized")
	}

	var run Run
	var state []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, pipeline, task_id, last_completed_node, state
		FROM pipeline_checkpoints
		WHERE pipeline = $1 AND task_id = $2
		ORDER BY updated_at DESC
		LIMIT 1`,
		pipeline, taskID).Scan(&run.ID, &run.Pipeline, &run.TaskID, &run.LastCompletedNode, &state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %s task %d: %w", pipeline, taskID, err)
	}
	if err := json.Unmarshal(state, &run.State); err != nil {
		return nil, fmt.Errorf("decode state for run %s: %w", run.ID, err)
	}
	return &run, nil
}

func (s *SQLCheckpointStore) Delete(ctx context.Context, runID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_checkpoints WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", runID, err)
	}
	return nil
}

// SweepOrphanedCheckpoints clears checkpoints whose task is already
// terminal: a crash between the final node and the checkpoint delete,
// or a task that went permanently failed after a partial run.
// Checkpoints of live tasks stay so a retried claim can resume them.
func SweepOrphanedCheckpoints(ctx context.Context, checkpoints CheckpointStore, tasks queue.Store, log logging.Logger) (int, error) {
	removed := 0
	for _, name := range []string{PipelineProduction, PipelinePublishing, PipelineMeasurement} {
		runs, err := checkpoints.ListIncomplete(ctx, name, 50)
		if err != nil {
			return removed, err
		}
		for _, run := range runs {
			task, err := tasks.Get(ctx, run.TaskID)
			if err == nil && !queue.IsTerminal(task.Status) {
				continue
			}
			if err := checkpoints.Delete(ctx, run.ID); err != nil {
				log.WithFields(logging.Fields{"run_id": run.ID, "error": err.Error()}).Warn("Failed to delete orphaned checkpoint")
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// ListIncomplete returns stale runs for crash recovery, oldest first.
func (s *SQLCheckpointStore) ListIncomplete(ctx context.Context, pipeline string, limit int) ([]*Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("checkpoint store not initialized")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, pipeline, task_id, last_completed_node, state
		FROM pipeline_checkpoints
		WHERE pipeline = $1 AND updated_at < NOW() - INTERVAL '5 minutes'
		ORDER BY updated_at ASC
		LIMIT $2`,
		pipeline, limit)
	if err != nil {
		return nil, fmt.Errorf("list incomplete %s runs: %w", pipeline, err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		var run Run
		var state []byte
		if err := rows.Scan(&run.ID, &run.Pipeline, &run.TaskID, &run.LastCompletedNode, &state); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if err := json.Unmarshal(state, &run.State); err != nil {
			return nil, fmt.Errorf("decode state for run %s: %w", run.ID, err)
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}
