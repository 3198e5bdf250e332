package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftworks/cascade/internal/cooldown"
	"github.com/driftworks/cascade/internal/platform"
	"github.com/driftworks/cascade/internal/queue"
	"github.com/driftworks/cascade/internal/retry"
	"github.com/driftworks/cascade/internal/settings"
	"github.com/driftworks/cascade/internal/state"
	"github.com/driftworks/cascade/internal/stats"
	"github.com/driftworks/cascade/pkg/logging"
)

// CooldownChecker answers posting policy questions.
type CooldownChecker interface {
	CheckPlatformCooldown(ctx context.Context, accountID, platform string, cooldownHours int) (cooldown.Status, error)
	CheckDailyPostLimit(ctx context.Context, accountID, platform string, maxPerDay int) (cooldown.DailyStatus, error)
}

// Predictor snapshots an expected engagement rate at publish time.
type Predictor interface {
	SnapshotPrediction(ctx context.Context, publicationID, accountID, platformName, format string, postedAt time.Time) error
}

// PublishingLoop claims publish tasks, enforces posting policy, posts
// through the platform adapters and records the results.
type PublishingLoop struct {
	tasks      queue.Store
	store      state.Store
	cooldowns  CooldownChecker
	adapters   *platform.Registry
	predictor  Predictor
	metrics    *Metrics
	log        logging.Logger
	claimLimit int
}

func NewPublishingLoop(tasks queue.Store, store state.Store, cooldowns CooldownChecker, adapters *platform.Registry, predictor Predictor, metrics *Metrics, log logging.Logger) *PublishingLoop {
	return &PublishingLoop{
		tasks:      tasks,
		store:      store,
		cooldowns:  cooldowns,
		adapters:   adapters,
		predictor:  predictor,
		metrics:    metrics,
		log:        log,
		claimLimit: 5,
	}
}

func (p *PublishingLoop) Name() string { return PipelinePublishing }

func (p *PublishingLoop) Interval(snap *settings.Snapshot) time.Duration {
	return snap.PublishingPollInterval()
}

func (p *PublishingLoop) RunOnce(ctx context.Context, snap *settings.Snapshot) error {
	if n, err := p.tasks.RequeueStale(ctx, queue.TypePublish, snap.TaskStaleAfter()); err == nil && n > 0 {
		p.log.WithFields(logging.Fields{"count": n}).Warn("Requeued publish tasks from dead workers")
	}
	if depth, err := p.tasks.CountPending(ctx, queue.TypePublish); err == nil {
		p.metrics.SetQueueDepth(queue.TypePublish, depth)
	}

	claimed, err := p.tasks.Claim(ctx, queue.TypePublish, p.claimLimit)
	if err != nil {
		return fmt.Errorf("claim publish tasks: %w", err)
	}

	for _, task := range claimed {
		p.processTask(ctx, task, snap)
	}
	return nil
}

func (p *PublishingLoop) processTask(ctx context.Context, task *queue.Task, snap *settings.Snapshot) {
	payload, err := task.DecodePublish()
	if err != nil {
		p.failTask(ctx, task, err, false, 0, snap)
		return
	}

	content, err := p.store.GetContent(ctx, payload.ContentID)
	if err != nil {
		p.failTask(ctx, task, err, false, 0, snap)
		return
	}
	if content.Status != state.ContentReady || content.ReviewStatus != "approved" {
		p.failTask(ctx, task, fmt.Errorf("content %s is %s/%s, not ready for publishing",
			content.ID, content.Status, content.ReviewStatus), false, 0, snap)
		return
	}

	// Policy gates. A blocked post is released, never failed: the task
	// burned no retry budget waiting for a cooldown.
	cd, err := p.cooldowns.CheckPlatformCooldown(ctx, payload.AccountID, payload.Platform, snap.PlatformCooldownHours())
	if err != nil {
		p.failTask(ctx, task, err, true, 0, snap)
		return
	}
	if !cd.CanPost {
		p.release(ctx, task, cd.NextAvailableAt)
		return
	}

	daily, err := p.cooldowns.CheckDailyPostLimit(ctx, payload.AccountID, payload.Platform, snap.MaxPostsPerAccountPerDay())
	if err != nil {
		p.failTask(ctx, task, err, true, 0, snap)
		return
	}
	if daily.LimitReached {
		// ResetsAt comes from the same clock the cap query counted with,
		// so the task never comes back inside the capped day.
		p.release(ctx, task, daily.ResetsAt)
		return
	}

	// Fresh jitter on every attempt; a released task gets a new draw
	// next time around.
	jittered := cooldown.Jitter(payload.ScheduledAt, snap.PostingTimeJitterMinutes())
	if now := time.Now(); jittered.After(now) {
		p.release(ctx, task, &jittered)
		return
	}

	adapter, err := p.adapters.Get(payload.Platform)
	if err != nil {
		p.failTask(ctx, task, err, false, 0, snap)
		return
	}

	var result *platform.PostResult
	err = retry.WithTimeout(ctx, snap.PlatformCallTimeout(), func(ctx context.Context) error {
		var pubErr error
		result, pubErr = adapter.Publish(ctx, platform.PostRequest{
			ContentID:   payload.ContentID,
			AccountID:   payload.AccountID,
			Platform:    payload.Platform,
			Caption:     content.Title,
			ScheduledAt: payload.ScheduledAt,
		})
		return pubErr
	})
	if err != nil {
		p.handlePublishError(ctx, task, payload, err, snap)
		return
	}

	p.recordSuccess(ctx, task, payload, content, result, snap)
}

func (p *PublishingLoop) recordSuccess(ctx context.Context, task *queue.Task, payload *queue.PublishPayload, content *state.Content, result *platform.PostResult, snap *settings.Snapshot) {
	measureAfter := result.PostedAt.Add(time.Duration(snap.MeasurementHorizonHours()) * time.Hour)

	if err := p.store.RecordPosted(ctx, payload.PublicationID, result.PlatformPostID, result.PostURL, result.PostedAt, measureAfter); err != nil {
		p.failTask(ctx, task, err, false, 0, snap)
		return
	}
	if err := p.store.TransitionContent(ctx, content.ID, state.ContentReady, state.ContentPosted); err != nil {
		p.log.WithFields(logging.Fields{"content_id": content.ID, "error": err.Error()}).Warn("Content transition after posting failed")
	}

	if p.predictor != nil {
		if err := p.predictor.SnapshotPrediction(ctx, payload.PublicationID, payload.AccountID, payload.Platform, content.Format, result.PostedAt); err != nil {
			p.log.WithFields(logging.Fields{"publication_id": payload.PublicationID, "error": err.Error()}).Warn("Prediction snapshot failed")
		}
	}

	if err := p.tasks.Complete(ctx, task.ID); err != nil {
		p.log.WithFields(logging.Fields{"task_id": task.ID, "error": err.Error()}).Error("Failed to complete publish task")
		return
	}
	p.metrics.CountTask(PipelinePublishing, OutcomeCompleted)
	p.log.WithFields(logging.Fields{
		"publication_id":   payload.PublicationID,
		"platform":         payload.Platform,
		"platform_post_id": result.PlatformPostID,
	}).Info("Published content")
}

// handlePublishError applies the platform error taxonomy: credentials
// and client errors are permanent, rate limits honor the platform's
// retry-after hint, everything else backs off.
func (p *PublishingLoop) handlePublishError(ctx context.Context, task *queue.Task, payload *queue.PublishPayload, err error, snap *settings.Snapshot) {
	retryable := platform.Retryable(err)
	var delayOverride time.Duration
	if after, ok := platform.RetryAfter(err); ok {
		delayOverride = after
	}

	p.log.WithFields(logging.Fields{
		"task_id":        task.ID,
		"publication_id": payload.PublicationID,
		"platform":       payload.Platform,
		"retryable":      retryable,
		"error":          err.Error(),
	}).Error("Publish attempt failed")

	if errors.Is(err, platform.ErrUnauthorized) {
		// Surfaced for operator re-auth, never auto-retried.
		p.failTask(ctx, task, err, false, 0, snap)
		return
	}
	p.failTask(ctx, task, err, retryable, delayOverride, snap)
}

func (p *PublishingLoop) release(ctx context.Context, task *queue.Task, notBefore *time.Time) {
	if err := p.tasks.Release(ctx, task.ID, notBefore); err != nil {
		p.log.WithFields(logging.Fields{"task_id": task.ID, "error": err.Error()}).Error("Failed to release publish task")
		return
	}
	p.metrics.CountTask(PipelinePublishing, OutcomeSkipped)
}

func (p *PublishingLoop) failTask(ctx context.Context, task *queue.Task, err error, retryable bool, delayOverride time.Duration, snap *settings.Snapshot) {
	delay := delayOverride
	if delay <= 0 {
		delay = retry.Delay(task.RetryCount,
			time.Duration(snap.TaskRetryDelayHours())*time.Hour, 2.0, 24*time.Hour, 0.1)
	}

	if failErr := p.tasks.Fail(ctx, task.ID, err.Error(), retryable, delay); failErr != nil {
		p.log.WithFields(logging.Fields{"task_id": task.ID, "error": failErr.Error()}).Error("Failed to record task failure")
		return
	}
	if retryable && task.RetryCount < task.MaxRetries {
		p.metrics.CountTask(PipelinePublishing, OutcomeRetried)
	} else {
		p.metrics.CountTask(PipelinePublishing, OutcomeFailed)
	}
}

// StatsPredictor implements Predictor over the stats stores.
type StatsPredictor struct {
	baselines   *stats.BaselineStore
	adjustments *stats.AdjustmentStore
	predictions *stats.PredictionStore
}

func NewStatsPredictor(baselines *stats.BaselineStore, adjustments *stats.AdjustmentStore, predictions *stats.PredictionStore) *StatsPredictor {
	return &StatsPredictor{baselines: baselines, adjustments: adjustments, predictions: predictions}
}

func (s *StatsPredictor) SnapshotPrediction(ctx context.Context, publicationID, accountID, platformName, format string, postedAt time.Time) error {
	var (
		baseline *stats.Baseline
		active   []*stats.Adjustment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		baseline, err = s.baselines.Get(gctx, accountID, platformName)
		return err
	})
	g.Go(func() error {
		var err error
		active, err = s.adjustments.ListActive(gctx, platformName)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	factors := map[string]string{
		"format":      format,
		"day_of_week": strings.ToLower(postedAt.Format("Mon")),
		"hour_of_day": fmt.Sprintf("%02d", postedAt.Hour()),
	}
	return s.predictions.Save(ctx, publicationID, stats.Predict(*baseline, active, factors))
}
