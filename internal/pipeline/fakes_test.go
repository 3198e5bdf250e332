package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/driftworks/cascade/internal/cooldown"
	"github.com/driftworks/cascade/internal/platform"
	"github.com/driftworks/cascade/internal/queue"
	"github.com/driftworks/cascade/internal/state"
)

// fakeQueue is an in-memory queue.Store.
type fakeQueue struct {
	mu       sync.Mutex
	nextID   int64
	tasks    map[int64]*queue.Task
	released map[int64]*time.Time
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{tasks: make(map[int64]*queue.Task), released: make(map[int64]*time.Time)}
}

func (f *fakeQueue) add(taskType string, payload any, retryCount, maxRetries int) *queue.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	raw, _ := json.Marshal(payload)
	task := &queue.Task{
		ID:         f.nextID,
		TaskType:   taskType,
		Payload:    raw,
		Status:     queue.StatusProcessing,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
	f.tasks[task.ID] = task
	return task
}

func (f *fakeQueue) Enqueue(ctx context.Context, taskType string, payload any, priority int) (*queue.Task, error) {
	task := f.add(taskType, payload, 0, 3)
	task.Status = queue.StatusPending
	return task, nil
}

func (f *fakeQueue) EnqueueAt(ctx context.Context, taskType string, payload any, priority int, notBefore time.Time) (*queue.Task, error) {
	task := f.add(taskType, payload, 0, 3)
	task.Status = queue.StatusPending
	task.ScheduledAt = &notBefore
	return task, nil
}

func (f *fakeQueue) Claim(ctx context.Context, taskType string, limit int) ([]*queue.Task, error) {
	return nil, nil
}

func (f *fakeQueue) Complete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok || task.Status != queue.StatusProcessing {
		return fmt.Errorf("task %d is not processing", id)
	}
	task.Status = queue.StatusCompleted
	return nil
}

func (f *fakeQueue) Fail(ctx context.Context, id int64, errMsg string, retryable bool, retryDelay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok || task.Status != queue.StatusProcessing {
		return fmt.Errorf("task %d is not processing", id)
	}
	task.ErrorMessage = errMsg
	if retryable && task.RetryCount < task.MaxRetries {
		task.Status = queue.StatusRetrying
		task.RetryCount++
		at := time.Now().Add(retryDelay)
		task.ScheduledAt = &at
	} else {
		task.Status = queue.StatusFailedPermanent
	}
	return nil
}

func (f *fakeQueue) Release(ctx context.Context, id int64, notBefore *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok || task.Status != queue.StatusProcessing {
		return fmt.Errorf("task %d is not processing", id)
	}
	task.Status = queue.StatusPending
	task.ScheduledAt = notBefore
	f.released[id] = notBefore
	return nil
}

func (f *fakeQueue) RequeueStale(ctx context.Context, taskType string, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for _, task := range f.tasks {
		if task.TaskType != taskType || task.Status != queue.StatusProcessing {
			continue
		}
		if task.StartedAt == nil || task.StartedAt.After(cutoff) {
			continue
		}
		task.Status = queue.StatusPending
		task.AssignedWorker = ""
		task.StartedAt = nil
		n++
	}
	return n, nil
}

func (f *fakeQueue) CountPending(ctx context.Context, taskType string) (int, error) { return 0, nil }

func (f *fakeQueue) Get(ctx context.Context, id int64) (*queue.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d not found", id)
	}
	return task, nil
}

func (f *fakeQueue) ForceRetry(ctx context.Context, id int64) error   { return nil }
func (f *fakeQueue) ForceAbandon(ctx context.Context, id int64) error { return nil }

func (f *fakeQueue) HasActiveMeasure(ctx context.Context, publicationID string, dayOffset int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, task := range f.tasks {
		if task.TaskType != queue.TypeMeasure || queue.IsTerminal(task.Status) {
			continue
		}
		var p queue.MeasurePayload
		if json.Unmarshal(task.Payload, &p) == nil && p.PublicationID == publicationID && p.DayOffset == dayOffset {
			return true, nil
		}
	}
	return false, nil
}

// fakeState is an in-memory state.Store.
type fakeState struct {
	mu           sync.Mutex
	contents     map[string]*state.Content
	publications map[string]*state.Publication
}

func newFakeState() *fakeState {
	return &fakeState{
		contents:     make(map[string]*state.Content),
		publications: make(map[string]*state.Publication),
	}
}

func (f *fakeState) GetContent(ctx context.Context, id string) (*state.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contents[id]
	if !ok {
		return nil, fmt.Errorf("content %s not found", id)
	}
	copied := *c
	return &copied, nil
}

func (f *fakeState) ListContentByStatus(ctx context.Context, status string, limit int) ([]*state.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*state.Content
	for _, c := range f.contents {
		if c.Status == status {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeState) TransitionContent(ctx context.Context, id, from, to string) error {
	if !state.IsValidContentTransition(from, to) {
		return state.ErrInvalidTransition
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contents[id]
	if !ok || c.Status != from {
		return state.ErrStatusConflict
	}
	c.Status = to
	return nil
}

func (f *fakeState) SetQualityResult(ctx context.Context, id string, score float64, reviewStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.contents[id]; ok {
		c.QualityScore = score
		c.ReviewStatus = reviewStatus
	}
	return nil
}

func (f *fakeState) IncrementRevision(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contents[id]
	if !ok {
		return 0, fmt.Errorf("content %s not found", id)
	}
	c.RevisionCount++
	return c.RevisionCount, nil
}

func (f *fakeState) GetPublication(ctx context.Context, id string) (*state.Publication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.publications[id]
	if !ok {
		return nil, fmt.Errorf("publication %s not found", id)
	}
	copied := *p
	return &copied, nil
}

func (f *fakeState) TransitionPublication(ctx context.Context, id, from, to string) error {
	if !state.IsValidPublicationTransition(from, to) {
		return state.ErrInvalidTransition
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.publications[id]
	if !ok || p.Status != from {
		return state.ErrStatusConflict
	}
	p.Status = to
	return nil
}

func (f *fakeState) RecordPosted(ctx context.Context, id, platformPostID, postURL string, postedAt, measureAfter time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.publications[id]
	if !ok || p.Status != state.PublicationScheduled {
		return state.ErrStatusConflict
	}
	p.Status = state.PublicationPosted
	p.PlatformPostID = platformPostID
	p.PostURL = postURL
	p.PostedAt = &postedAt
	p.MeasureAfter = &measureAfter
	return nil
}

func (f *fakeState) ListMeasurementDue(ctx context.Context, limit int) ([]*state.Publication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var out []*state.Publication
	for _, p := range f.publications {
		if p.Status == state.PublicationPosted && p.MeasureAfter != nil && !p.MeasureAfter.After(now) {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out, nil
}

// fakeCooldowns is a scriptable CooldownChecker.
type fakeCooldowns struct {
	status cooldown.Status
	daily  cooldown.DailyStatus
}

func (f *fakeCooldowns) CheckPlatformCooldown(ctx context.Context, accountID, platformName string, cooldownHours int) (cooldown.Status, error) {
	return f.status, nil
}

func (f *fakeCooldowns) CheckDailyPostLimit(ctx context.Context, accountID, platformName string, maxPerDay int) (cooldown.DailyStatus, error) {
	return f.daily, nil
}

// fakeMetricsStore is an in-memory MetricsStore.
type fakeMetricsStore struct {
	mu   sync.Mutex
	rows map[string]*platform.Metrics
}

func newFakeMetricsStore() *fakeMetricsStore {
	return &fakeMetricsStore{rows: make(map[string]*platform.Metrics)}
}

func metricsKey(publicationID string, dayOffset int) string {
	return fmt.Sprintf("%s/%d", publicationID, dayOffset)
}

func (f *fakeMetricsStore) Insert(ctx context.Context, publicationID string, dayOffset int, m *platform.Metrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := metricsKey(publicationID, dayOffset)
	if _, ok := f.rows[key]; !ok {
		f.rows[key] = m
	}
	return nil
}

func (f *fakeMetricsStore) Has(ctx context.Context, publicationID string, dayOffset int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[metricsKey(publicationID, dayOffset)]
	return ok, nil
}

// memCheckpoints is an in-memory CheckpointStore.
type memCheckpoints struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{runs: make(map[string]*Run)}
}

func (m *memCheckpoints) Save(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *run
	copiedState := make(map[string]any, len(run.State))
	for k, v := range run.State {
		copiedState[k] = v
	}
	copied.State = copiedState
	m.runs[run.ID] = &copied
	return nil
}

func (m *memCheckpoints) LoadByTask(ctx context.Context, pipeline string, taskID int64) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.Pipeline == pipeline && run.TaskID == taskID {
			return run, nil
		}
	}
	return nil, nil
}

func (m *memCheckpoints) Delete(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	return nil
}

func (m *memCheckpoints) ListIncomplete(ctx context.Context, pipeline string, limit int) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Run
	for _, run := range m.runs {
		if run.Pipeline == pipeline {
			out = append(out, run)
		}
	}
	return out, nil
}
