package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task statuses. completed and failed_permanent are terminal; nothing
// moves a task out of them except an operator force-retry.
const (
	StatusPending         = "pending"
	StatusQueued          = "queued"
	StatusProcessing      = "processing"
	StatusRetrying        = "retrying"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusFailedPermanent = "failed_permanent"
)

// Task types handled by the orchestrator loops.
const (
	TypeProduce = "produce_content"
	TypePublish = "publish_content"
	TypeMeasure = "collect_metrics"
)

// Task is one row of the task_queue table.
type Task struct {
	ID             int64           `json:"id"`
	TaskType       string          `json:"task_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Priority       int             `json:"priority"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	AssignedWorker string          `json:"assigned_worker,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	LastErrorAt    *time.Time      `json:"last_error_at,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ProducePayload asks the production loop to build one piece of content.
type ProducePayload struct {
	ContentID string `json:"content_id"`
	Format    string `json:"format"`
	RecipeID  string `json:"recipe_id,omitempty"`
}

// PublishPayload asks the publishing loop to post ready content to one
// scheduled publication.
type PublishPayload struct {
	PublicationID string    `json:"publication_id"`
	ContentID     string    `json:"content_id"`
	AccountID     string    `json:"account_id"`
	Platform      string    `json:"platform"`
	ScheduledAt   time.Time `json:"scheduled_at"`
}

// MeasurePayload asks the measurement loop to collect metrics for one
// publication at a given day offset since posting.
type MeasurePayload struct {
	PublicationID string `json:"publication_id"`
	DayOffset     int    `json:"day_offset"`
}

// DecodeProduce parses the payload of a produce task.
func (t *Task) DecodeProduce() (*ProducePayload, error) {
	if t.TaskType != TypeProduce {
		return nil, fmt.Errorf("task %d is %s, not %s", t.ID, t.TaskType, TypeProduce)
	}
	var p ProducePayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode produce payload for task %d: %w", t.ID, err)
	}
	if p.ContentID == "" {
		return nil, fmt.Errorf("produce payload for task %d has no content_id", t.ID)
	}
	return &p, nil
}

// DecodePublish parses the payload of a publish task.
func (t *Task) DecodePublish() (*PublishPayload, error) {
	if t.TaskType != TypePublish {
		return nil, fmt.Errorf("task %d is %s, not %s", t.ID, t.TaskType, TypePublish)
	}
	var p PublishPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode publish payload for task %d: %w", t.ID, err)
	}
	if p.PublicationID == "" || p.ContentID == "" || p.AccountID == "" || p.Platform == "" {
		return nil, fmt.Errorf("publish payload for task %d is incomplete", t.ID)
	}
	return &p, nil
}

// DecodeMeasure parses the payload of a measure task.
func (t *Task) DecodeMeasure() (*MeasurePayload, error) {
	if t.TaskType != TypeMeasure {
		return nil, fmt.Errorf("task %d is %s, not %s", t.ID, t.TaskType, TypeMeasure)
	}
	var p MeasurePayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode measure payload for task %d: %w", t.ID, err)
	}
	if p.PublicationID == "" {
		return nil, fmt.Errorf("measure payload for task %d has no publication_id", t.ID)
	}
	return &p, nil
}

// IsTerminal reports whether a status accepts no further work.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailedPermanent
}
