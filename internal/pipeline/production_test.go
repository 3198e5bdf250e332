package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/driftworks/cascade/internal/generator"
	"github.com/driftworks/cascade/internal/queue"
	"github.com/driftworks/cascade/internal/settings"
	"github.com/driftworks/cascade/internal/state"
	"github.com/driftworks/cascade/pkg/logging"
)

// scriptedGenerator returns a fixed quality score.
type scriptedGenerator struct {
	quality float64
	err     error
}

func (g *scriptedGenerator) Produce(ctx context.Context, contentID, format, recipeID string) (*generator.Artifact, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &generator.Artifact{ContentID: contentID, Format: format, QualityScore: g.quality, MediaURL: "file:///a"}, nil
}

func productionFixture(quality float64) (*ProductionLoop, *fakeQueue, *fakeState) {
	tasks := newFakeQueue()
	contents := newFakeState()
	loop := NewProductionLoop(tasks, contents, &scriptedGenerator{quality: quality},
		newMemCheckpoints(), nil, logging.NewLogger())
	return loop, tasks, contents
}

func TestProductionHappyPath(t *testing.T) {
	loop, tasks, contents := productionFixture(0.9)
	contents.contents["c1"] = &state.Content{ID: "c1", Format: "text_post", Status: state.ContentPlanned}
	task := tasks.add(queue.TypeProduce, queue.ProducePayload{ContentID: "c1", Format: "text_post"}, 0, 3)

	loop.processTask(context.Background(), task, settings.NewSnapshot(nil))

	c, _ := contents.GetContent(context.Background(), "c1")
	if c.Status != state.ContentReady {
		t.Errorf("content status = %s, want ready", c.Status)
	}
	if c.ReviewStatus != "approved" {
		t.Errorf("review status = %s, want approved", c.ReviewStatus)
	}
	got, _ := tasks.Get(context.Background(), task.ID)
	if got.Status != queue.StatusCompleted {
		t.Errorf("task status = %s, want completed", got.Status)
	}
}

func TestProductionQualityFailureSchedulesRevision(t *testing.T) {
	loop, tasks, contents := productionFixture(0.4)
	contents.contents["c1"] = &state.Content{ID: "c1", Format: "text_post", Status: state.ContentPlanned}
	task := tasks.add(queue.TypeProduce, queue.ProducePayload{ContentID: "c1", Format: "text_post"}, 0, 3)

	loop.processTask(context.Background(), task, settings.NewSnapshot(nil))

	c, _ := contents.GetContent(context.Background(), "c1")
	if c.Status != state.ContentPlanned {
		t.Errorf("content status = %s, want planned for revision", c.Status)
	}
	if c.RevisionCount != 1 {
		t.Errorf("revision count = %d, want 1", c.RevisionCount)
	}
	got, _ := tasks.Get(context.Background(), task.ID)
	if got.Status != queue.StatusRetrying {
		t.Errorf("task status = %s, want retrying", got.Status)
	}
}

func TestProductionRevisionBudgetExhausted(t *testing.T) {
	loop, tasks, contents := productionFixture(0.4)
	// Already at the revision limit: one more failure cancels.
	contents.contents["c1"] = &state.Content{ID: "c1", Format: "text_post", Status: state.ContentPlanned, RevisionCount: 3}
	task := tasks.add(queue.TypeProduce, queue.ProducePayload{ContentID: "c1", Format: "text_post"}, 0, 3)

	loop.processTask(context.Background(), task, settings.NewSnapshot(nil))

	c, _ := contents.GetContent(context.Background(), "c1")
	if c.Status != state.ContentCancelled {
		t.Errorf("content status = %s, want cancelled", c.Status)
	}
	got, _ := tasks.Get(context.Background(), task.ID)
	if got.Status != queue.StatusCompleted {
		t.Errorf("task status = %s, want completed", got.Status)
	}
}

func TestProductionBadPayloadFailsPermanently(t *testing.T) {
	loop, tasks, _ := productionFixture(0.9)
	task := tasks.add(queue.TypeProduce, map[string]string{"format": "text_post"}, 0, 3)

	loop.processTask(context.Background(), task, settings.NewSnapshot(nil))

	got, _ := tasks.Get(context.Background(), task.ID)
	if got.Status != queue.StatusFailedPermanent {
		t.Errorf("task status = %s, want failed_permanent", got.Status)
	}
}

func TestProductionContentInWrongStateIsNotRetried(t *testing.T) {
	loop, tasks, contents := productionFixture(0.9)
	contents.contents["c1"] = &state.Content{ID: "c1", Format: "text_post", Status: state.ContentCancelled}
	task := tasks.add(queue.TypeProduce, queue.ProducePayload{ContentID: "c1", Format: "text_post"}, 0, 3)

	loop.processTask(context.Background(), task, settings.NewSnapshot(nil))

	got, _ := tasks.Get(context.Background(), task.ID)
	if got.Status != queue.StatusFailedPermanent {
		t.Errorf("task status = %s, want failed_permanent", got.Status)
	}
	c, _ := contents.GetContent(context.Background(), "c1")
	if c.Status != state.ContentCancelled {
		t.Errorf("terminal content was moved to %s", c.Status)
	}
}

// flakyGenerator fails retryably a set number of times before succeeding.
type flakyGenerator struct {
	failures int
	calls    int
	quality  float64
}

func (g *flakyGenerator) Produce(ctx context.Context, contentID, format, recipeID string) (*generator.Artifact, error) {
	g.calls++
	if g.failures > 0 {
		g.failures--
		return nil, &generator.GenerationError{Format: format, Retryable: true, Err: errors.New("model backend unavailable")}
	}
	return &generator.Artifact{ContentID: contentID, Format: format, QualityScore: g.quality, MediaURL: "file:///a"}, nil
}

func TestProductionTransientFailureRecoversOnRetry(t *testing.T) {
	tasks := newFakeQueue()
	contents := newFakeState()
	gen := &flakyGenerator{failures: 2, quality: 0.9}
	loop := NewProductionLoop(tasks, contents, gen, newMemCheckpoints(), nil, logging.NewLogger())

	contents.contents["c1"] = &state.Content{ID: "c1", Format: "text_post", Status: state.ContentPlanned}
	task := tasks.add(queue.TypeProduce, queue.ProducePayload{ContentID: "c1", Format: "text_post"}, 0, 3)
	snap := settings.NewSnapshot(nil)

	// Two transient generator failures, each followed by a re-claim of
	// the retried task, then a clean third attempt.
	for attempt := 0; attempt < 3; attempt++ {
		task.Status = queue.StatusProcessing
		loop.processTask(context.Background(), task, snap)
	}

	c, _ := contents.GetContent(context.Background(), "c1")
	if c.Status != state.ContentReady {
		t.Errorf("content status = %s, want ready", c.Status)
	}
	got, _ := tasks.Get(context.Background(), task.ID)
	if got.Status != queue.StatusCompleted {
		t.Errorf("task status = %s, want completed", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", got.RetryCount)
	}
	if gen.calls != 3 {
		t.Errorf("generator calls = %d, want 3", gen.calls)
	}
}

func TestProductionRetryAcceptsClaimedContent(t *testing.T) {
	loop, tasks, contents := productionFixture(0.9)
	// A prior attempt moved the content to producing and then died
	// without leaving a checkpoint behind.
	contents.contents["c1"] = &state.Content{ID: "c1", Format: "text_post", Status: state.ContentProducing}
	task := tasks.add(queue.TypeProduce, queue.ProducePayload{ContentID: "c1", Format: "text_post"}, 1, 3)

	loop.processTask(context.Background(), task, settings.NewSnapshot(nil))

	c, _ := contents.GetContent(context.Background(), "c1")
	if c.Status != state.ContentReady {
		t.Errorf("content status = %s, want ready", c.Status)
	}
	got, _ := tasks.Get(context.Background(), task.ID)
	if got.Status != queue.StatusCompleted {
		t.Errorf("task status = %s, want completed", got.Status)
	}
}

func TestProductionRunOnceReclaimsOrphanedTasks(t *testing.T) {
	loop, tasks, _ := productionFixture(0.9)
	task := tasks.add(queue.TypeProduce, queue.ProducePayload{ContentID: "c1", Format: "text_post"}, 0, 3)
	started := time.Now().Add(-time.Hour)
	task.StartedAt = &started

	if err := loop.RunOnce(context.Background(), settings.NewSnapshot(nil)); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := tasks.Get(context.Background(), task.ID)
	if got.Status != queue.StatusPending {
		t.Errorf("task status = %s, want pending after stale requeue", got.Status)
	}
}

func TestProductionGeneratorErrorExhaustsRetries(t *testing.T) {
	tasks := newFakeQueue()
	contents := newFakeState()
	gen := &scriptedGenerator{err: &generator.GenerationError{Format: "text_post", Retryable: true, Err: context.DeadlineExceeded}}
	loop := NewProductionLoop(tasks, contents, gen, newMemCheckpoints(), nil, logging.NewLogger())

	contents.contents["c1"] = &state.Content{ID: "c1", Format: "text_post", Status: state.ContentPlanned}
	// Final attempt: retry budget already spent.
	task := tasks.add(queue.TypeProduce, queue.ProducePayload{ContentID: "c1", Format: "text_post"}, 3, 3)

	loop.processTask(context.Background(), task, settings.NewSnapshot(nil))

	got, _ := tasks.Get(context.Background(), task.ID)
	if got.Status != queue.StatusFailedPermanent {
		t.Errorf("task status = %s, want failed_permanent", got.Status)
	}
	c, _ := contents.GetContent(context.Background(), "c1")
	if c.Status != state.ContentError {
		t.Errorf("content status = %s, want error after retries exhausted", c.Status)
	}
}
