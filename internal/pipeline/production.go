package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftworks/cascade/internal/generator"
	"github.com/driftworks/cascade/internal/queue"
	"github.com/driftworks/cascade/internal/retry"
	"github.com/driftworks/cascade/internal/settings"
	"github.com/driftworks/cascade/internal/state"
	"github.com/driftworks/cascade/pkg/logging"
)

// Production node names.
const (
	nodeFetchContent = "fetch_data"
	nodeGenerate     = "generate"
	nodeQualityCheck = "quality_check"
)

// ProductionLoop claims produce tasks and turns planned content into
// ready artifacts through a checkpointed pipeline.
type ProductionLoop struct {
	tasks       queue.Store
	contents    state.Store
	generate    generator.Generator
	checkpoints CheckpointStore
	metrics     *Metrics
	log         logging.Logger
	claimLimit  int
}

func NewProductionLoop(tasks queue.Store, contents state.Store, gen generator.Generator, checkpoints CheckpointStore, metrics *Metrics, log logging.Logger) *ProductionLoop {
	return &ProductionLoop{
		tasks:       tasks,
		contents:    contents,
		generate:    gen,
		checkpoints: checkpoints,
		metrics:     metrics,
		log:         log,
		claimLimit:  5,
	}
}

func (p *ProductionLoop) Name() string { return PipelineProduction }

func (p *ProductionLoop) Interval(snap *settings.Snapshot) time.Duration {
	return snap.ProductionPollInterval()
}

func (p *ProductionLoop) RunOnce(ctx context.Context, snap *settings.Snapshot) error {
	if n, err := p.tasks.RequeueStale(ctx, queue.TypeProduce, snap.TaskStaleAfter()); err == nil && n > 0 {
		p.log.WithFields(logging.Fields{"count": n}).Warn("Requeued produce tasks from dead workers")
	}
	if depth, err := p.tasks.CountPending(ctx, queue.TypeProduce); err == nil {
		p.metrics.SetQueueDepth(queue.TypeProduce, depth)
	}

	claimed, err := p.tasks.Claim(ctx, queue.TypeProduce, p.claimLimit)
	if err != nil {
		return fmt.Errorf("claim produce tasks: %w", err)
	}

	for _, task := range claimed {
		// One bad task never halts the cycle.
		p.processTask(ctx, task, snap)
	}
	return nil
}

func (p *ProductionLoop) processTask(ctx context.Context, task *queue.Task, snap *settings.Snapshot) {
	payload, err := task.DecodeProduce()
	if err != nil {
		p.failTask(ctx, task, err, false, snap)
		return
	}

	// A retried or requeued task resumes its surviving checkpoint so
	// completed nodes are not redone.
	run, err := p.checkpoints.LoadByTask(ctx, PipelineProduction, task.ID)
	if err != nil {
		p.log.WithFields(logging.Fields{"task_id": task.ID, "error": err.Error()}).Warn("Checkpoint lookup failed, starting fresh")
		run = nil
	}
	if run == nil {
		run = NewRun(PipelineProduction, task.ID)
		run.State["content_id"] = payload.ContentID
		run.State["recipe_id"] = payload.RecipeID
	} else {
		p.log.WithFields(logging.Fields{
			"task_id": task.ID,
			"run_id":  run.ID,
			"node":    run.LastCompletedNode,
		}).Info("Resuming production run from checkpoint")
	}

	engine := p.buildEngine(snap)
	if err := engine.Execute(ctx, run); err != nil {
		p.handleFailure(ctx, task, payload.ContentID, err, snap)
		return
	}

	switch run.StateString("outcome") {
	case "ready":
		if err := p.tasks.Complete(ctx, task.ID); err != nil {
			p.log.WithFields(logging.Fields{"task_id": task.ID, "error": err.Error()}).Error("Failed to complete produce task")
			return
		}
		p.metrics.CountTask(PipelineProduction, OutcomeCompleted)
	case "revision":
		// Content went back to planned; the task retries so a later
		// cycle picks the revision up.
		p.failTask(ctx, task, errors.New("quality below threshold, revision scheduled"), true, snap)
	case "cancelled":
		if err := p.tasks.Complete(ctx, task.ID); err != nil {
			p.log.WithFields(logging.Fields{"task_id": task.ID, "error": err.Error()}).Error("Failed to complete produce task")
			return
		}
		p.metrics.CountTask(PipelineProduction, OutcomeSkipped)
	}
}

func (p *ProductionLoop) buildEngine(snap *settings.Snapshot) *Engine {
	engine := NewEngine(PipelineProduction, nodeFetchContent, p.checkpoints, p.log)

	engine.Node(nodeFetchContent, func(ctx context.Context, run *Run) error {
		content, err := p.contents.GetContent(ctx, run.StateString("content_id"))
		if err != nil {
			return err
		}
		switch content.Status {
		case state.ContentPlanned:
			if err := p.contents.TransitionContent(ctx, content.ID, state.ContentPlanned, state.ContentProducing); err != nil {
				return err
			}
		case state.ContentProducing:
			// A previous attempt already claimed the content and failed
			// mid-generation; the retry picks it up where it stands.
		default:
			return fmt.Errorf("content %s is %s, expected planned: %w",
				content.ID, content.Status, state.ErrStatusConflict)
		}
		run.State["format"] = content.Format
		run.State["revision_count"] = content.RevisionCount
		return nil
	}, func(run *Run) string { return nodeGenerate })

	engine.Node(nodeGenerate, func(ctx context.Context, run *Run) error {
		var artifact *generator.Artifact
		err := retry.WithTimeout(ctx, snap.GenerationTimeout(), func(ctx context.Context) error {
			var genErr error
			artifact, genErr = p.generate.Produce(ctx,
				run.StateString("content_id"), run.StateString("format"), run.StateString("recipe_id"))
			return genErr
		})
		if err != nil {
			return err
		}
		run.State["quality_score"] = artifact.QualityScore
		run.State["media_url"] = artifact.MediaURL
		return nil
	}, func(run *Run) string { return nodeQualityCheck })

	engine.Node(nodeQualityCheck, func(ctx context.Context, run *Run) error {
		contentID := run.StateString("content_id")
		score := run.StateFloat("quality_score")

		if err := p.contents.SetQualityResult(ctx, contentID, score, reviewStatus(score, snap.QualityPassThreshold())); err != nil {
			return err
		}

		if score >= snap.QualityPassThreshold() {
			if err := p.contents.TransitionContent(ctx, contentID, state.ContentProducing, state.ContentReady); err != nil {
				return err
			}
			run.State["outcome"] = "ready"
			return nil
		}

		// Quality failed: bounded revision loop.
		revisions, err := p.contents.IncrementRevision(ctx, contentID)
		if err != nil {
			return err
		}
		if revisions > snap.MaxRevisionCount() {
			if err := p.contents.TransitionContent(ctx, contentID, state.ContentProducing, state.ContentCancelled); err != nil {
				return err
			}
			run.State["outcome"] = "cancelled"
			return nil
		}
		if err := p.contents.TransitionContent(ctx, contentID, state.ContentProducing, state.ContentPlanned); err != nil {
			return err
		}
		run.State["outcome"] = "revision"
		return nil
	}, nil)

	return engine
}

func reviewStatus(score, threshold float64) string {
	if score >= threshold {
		return "approved"
	}
	return "needs_revision"
}

// handleFailure classifies a pipeline error and applies the retry
// policy. The content row only moves to error once the task is out of
// retries; transient failures leave it producing for the next attempt.
func (p *ProductionLoop) handleFailure(ctx context.Context, task *queue.Task, contentID string, err error, snap *settings.Snapshot) {
	retryable := isProductionRetryable(err)

	p.log.WithFields(logging.Fields{
		"task_id":    task.ID,
		"content_id": contentID,
		"retryable":  retryable,
		"error":      err.Error(),
	}).Error("Production task failed")

	exhausted := !retryable || task.RetryCount >= task.MaxRetries
	p.failTask(ctx, task, err, retryable, snap)

	if exhausted {
		content, getErr := p.contents.GetContent(ctx, contentID)
		if getErr != nil {
			return
		}
		if state.IsValidContentTransition(content.Status, state.ContentError) {
			if err := p.contents.TransitionContent(ctx, content.ID, content.Status, state.ContentError); err != nil {
				p.log.WithFields(logging.Fields{"content_id": contentID, "error": err.Error()}).Warn("Failed to mark content errored")
			}
		}
	}
}

func (p *ProductionLoop) failTask(ctx context.Context, task *queue.Task, err error, retryable bool, snap *settings.Snapshot) {
	delay := retry.Delay(task.RetryCount,
		time.Duration(snap.TaskRetryDelayHours())*time.Hour, 2.0, 24*time.Hour, 0.1)

	if failErr := p.tasks.Fail(ctx, task.ID, err.Error(), retryable, delay); failErr != nil {
		p.log.WithFields(logging.Fields{"task_id": task.ID, "error": failErr.Error()}).Error("Failed to record task failure")
		return
	}
	if retryable && task.RetryCount < task.MaxRetries {
		p.metrics.CountTask(PipelineProduction, OutcomeRetried)
	} else {
		p.metrics.CountTask(PipelineProduction, OutcomeFailed)
	}
}

func isProductionRetryable(err error) bool {
	var genErr *generator.GenerationError
	if errors.As(err, &genErr) {
		return genErr.Retryable
	}
	if errors.Is(err, state.ErrStatusConflict) || errors.Is(err, state.ErrInvalidTransition) {
		return false
	}
	return retry.DefaultRetryable(err)
}
