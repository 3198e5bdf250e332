package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/driftworks/cascade/internal/platform"
	"github.com/driftworks/cascade/internal/queue"
	"github.com/driftworks/cascade/internal/retry"
	"github.com/driftworks/cascade/internal/settings"
	"github.com/driftworks/cascade/internal/state"
	"github.com/driftworks/cascade/internal/stats"
	"github.com/driftworks/cascade/pkg/logging"
)

// MetricsStore persists collected engagement snapshots.
type MetricsStore interface {
	Insert(ctx context.Context, publicationID string, dayOffset int, m *platform.Metrics) error
	Has(ctx context.Context, publicationID string, dayOffset int) (bool, error)
}

type SQLMetricsStore struct {
	db *sql.DB
}

func NewSQLMetricsStore(db *sql.DB) *SQLMetricsStore {
	return &SQLMetricsStore{db: db}
}

func (s *SQLMetricsStore) Insert(ctx context.Context, publicationID string, dayOffset int, m *platform.Metrics) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("metrics store not initialized")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publication_metrics
			(publication_id, day_offset, views, likes, comments, shares, saves, engagement_rate, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (publication_id, day_offset) DO NOTHING`,
		publicationID, dayOffset, m.Views, m.Likes, m.Comments, m.Shares, m.Saves, m.EngagementRate())
	if err != nil {
		return fmt.Errorf("insert metrics for publication %s day %d: %w", publicationID, dayOffset, err)
	}
	return nil
}

func (s *SQLMetricsStore) Has(ctx context.Context, publicationID string, dayOffset int) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("metrics store not initialized")
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM publication_metrics
			WHERE publication_id = $1 AND day_offset = $2
		)`,
		publicationID, dayOffset).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check metrics for publication %s day %d: %w", publicationID, dayOffset, err)
	}
	return exists, nil
}

// AnomalyChecker flags fresh engagement numbers that sit outside the
// account's recent population.
type AnomalyChecker interface {
	Detect(ctx context.Context, accountID string, value float64, lookbackDays, minSamples int, sigma float64) (stats.AnomalyResult, bool, error)
}

// MeasurementLoop collects engagement metrics for publications whose
// horizon has passed, plus any explicitly scheduled follow-up tasks.
type MeasurementLoop struct {
	tasks      queue.Store
	store      state.Store
	metrics    MetricsStore
	adapters   *platform.Registry
	anomalies  AnomalyChecker
	loopStats  *Metrics
	log        logging.Logger
	claimLimit int
	pollLimit  int
}

func NewMeasurementLoop(tasks queue.Store, store state.Store, metrics MetricsStore, adapters *platform.Registry, loopStats *Metrics, log logging.Logger) *MeasurementLoop {
	return &MeasurementLoop{
		tasks:      tasks,
		store:      store,
		metrics:    metrics,
		adapters:   adapters,
		loopStats:  loopStats,
		log:        log,
		claimLimit: 10,
		pollLimit:  20,
	}
}

// WithAnomalyChecker enables anomaly flagging on freshly collected
// metrics.
func (m *MeasurementLoop) WithAnomalyChecker(checker AnomalyChecker) *MeasurementLoop {
	m.anomalies = checker
	return m
}

func (m *MeasurementLoop) Name() string { return PipelineMeasurement }

func (m *MeasurementLoop) Interval(snap *settings.Snapshot) time.Duration {
	return snap.MeasurementPollInterval()
}

func (m *MeasurementLoop) RunOnce(ctx context.Context, snap *settings.Snapshot) error {
	if n, err := m.tasks.RequeueStale(ctx, queue.TypeMeasure, snap.TaskStaleAfter()); err == nil && n > 0 {
		m.log.WithFields(logging.Fields{"count": n}).Warn("Requeued measure tasks from dead workers")
	}
	if depth, err := m.tasks.CountPending(ctx, queue.TypeMeasure); err == nil {
		m.loopStats.SetQueueDepth(queue.TypeMeasure, depth)
	}

	// Scheduled follow-up tasks first.
	claimed, err := m.tasks.Claim(ctx, queue.TypeMeasure, m.claimLimit)
	if err != nil {
		return fmt.Errorf("claim measure tasks: %w", err)
	}
	for _, task := range claimed {
		m.processTask(ctx, task, snap)
	}

	// Then publications whose initial horizon has passed.
	due, err := m.store.ListMeasurementDue(ctx, m.pollLimit)
	if err != nil {
		return fmt.Errorf("list measurement-due publications: %w", err)
	}
	for _, pub := range due {
		if err := m.measure(ctx, pub, 0, snap); err != nil {
			m.log.WithFields(logging.Fields{
				"publication_id": pub.ID,
				"error":          err.Error(),
			}).Error("Initial measurement failed")
		}
	}
	return nil
}

func (m *MeasurementLoop) processTask(ctx context.Context, task *queue.Task, snap *settings.Snapshot) {
	payload, err := task.DecodeMeasure()
	if err != nil {
		m.failTask(ctx, task, err, false, snap)
		return
	}

	pub, err := m.store.GetPublication(ctx, payload.PublicationID)
	if err != nil {
		m.failTask(ctx, task, err, false, snap)
		return
	}

	if err := m.measure(ctx, pub, payload.DayOffset, snap); err != nil {
		m.failTask(ctx, task, err, platform.Retryable(err), snap)
		return
	}

	if err := m.tasks.Complete(ctx, task.ID); err != nil {
		m.log.WithFields(logging.Fields{"task_id": task.ID, "error": err.Error()}).Error("Failed to complete measure task")
		return
	}
	m.loopStats.CountTask(PipelineMeasurement, OutcomeCompleted)
}

// measure collects one snapshot, stores it, and on the publication's
// FIRST measurement moves it posted→measured. Later follow-ups leave the
// status alone; a conflict on that guarded transition just means another
// snapshot got there first.
func (m *MeasurementLoop) measure(ctx context.Context, pub *state.Publication, dayOffset int, snap *settings.Snapshot) error {
	if pub.PlatformPostID == "" {
		return fmt.Errorf("publication %s has no platform post id", pub.ID)
	}

	done, err := m.metrics.Has(ctx, pub.ID, dayOffset)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	adapter, err := m.adapters.Get(pub.Platform)
	if err != nil {
		return err
	}

	var collected *platform.Metrics
	err = retry.WithTimeout(ctx, snap.PlatformCallTimeout(), func(ctx context.Context) error {
		var collectErr error
		collected, collectErr = adapter.CollectMetrics(ctx, pub.PlatformPostID)
		return collectErr
	})
	if err != nil {
		return err
	}

	if err := m.metrics.Insert(ctx, pub.ID, dayOffset, collected); err != nil {
		return err
	}

	m.flagAnomaly(ctx, pub, collected, snap)

	if pub.Status == state.PublicationPosted {
		if err := m.store.TransitionPublication(ctx, pub.ID, state.PublicationPosted, state.PublicationMeasured); err != nil && !errors.Is(err, state.ErrStatusConflict) {
			return err
		}
		content, err := m.store.GetContent(ctx, pub.ContentID)
		if err == nil && content.Status == state.ContentPosted {
			if err := m.store.TransitionContent(ctx, content.ID, state.ContentPosted, state.ContentMeasured); err != nil && !errors.Is(err, state.ErrStatusConflict) {
				m.log.WithFields(logging.Fields{"content_id": content.ID, "error": err.Error()}).Warn("Content transition after measurement failed")
			}
		}
	}

	m.scheduleFollowups(ctx, pub, snap)
	return nil
}

// flagAnomaly reports metrics that sit outside the account's recent
// engagement population. Detection failures never fail the measurement.
func (m *MeasurementLoop) flagAnomaly(ctx context.Context, pub *state.Publication, collected *platform.Metrics, snap *settings.Snapshot) {
	if m.anomalies == nil {
		return
	}

	result, ok, err := m.anomalies.Detect(ctx, pub.AccountID, collected.EngagementRate(),
		snap.AnomalyLookbackDays(), snap.AnalysisMinSampleSize(), snap.AnomalySigma())
	if err != nil {
		m.log.WithFields(logging.Fields{"publication_id": pub.ID, "error": err.Error()}).Warn("Anomaly detection failed")
		return
	}
	if ok && result.IsAnomalous {
		m.log.WithFields(logging.Fields{
			"publication_id":  pub.ID,
			"account_id":      pub.AccountID,
			"engagement_rate": result.Value,
			"z_score":         result.ZScore,
			"severity":        result.Severity,
		}).Warn("Engagement anomaly detected")
	}
}

// scheduleFollowups enqueues deferred measure tasks for each configured
// day offset, skipping offsets that already have a metrics row or a live
// task.
func (m *MeasurementLoop) scheduleFollowups(ctx context.Context, pub *state.Publication, snap *settings.Snapshot) {
	if pub.PostedAt == nil {
		return
	}

	for _, days := range snap.MetricsFollowupDays() {
		has, err := m.metrics.Has(ctx, pub.ID, days)
		if err != nil || has {
			continue
		}
		active, err := m.tasks.HasActiveMeasure(ctx, pub.ID, days)
		if err != nil || active {
			continue
		}

		due := pub.PostedAt.AddDate(0, 0, days)
		_, err = m.tasks.EnqueueAt(ctx, queue.TypeMeasure,
			queue.MeasurePayload{PublicationID: pub.ID, DayOffset: days}, 0, due)
		if err != nil {
			m.log.WithFields(logging.Fields{
				"publication_id": pub.ID,
				"day_offset":     days,
				"error":          err.Error(),
			}).Warn("Failed to schedule follow-up measurement")
		}
	}
}

func (m *MeasurementLoop) failTask(ctx context.Context, task *queue.Task, err error, retryable bool, snap *settings.Snapshot) {
	delay := retry.Delay(task.RetryCount,
		time.Duration(snap.MetricsCollectionRetryHours())*time.Hour, 2.0, 48*time.Hour, 0.1)

	if failErr := m.tasks.Fail(ctx, task.ID, err.Error(), retryable, delay); failErr != nil {
		m.log.WithFields(logging.Fields{"task_id": task.ID, "error": failErr.Error()}).Error("Failed to record task failure")
		return
	}
	if retryable && task.RetryCount < task.MaxRetries {
		m.loopStats.CountTask(PipelineMeasurement, OutcomeRetried)
	} else {
		m.loopStats.CountTask(PipelineMeasurement, OutcomeFailed)
	}
}
