package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftworks/cascade/internal/settings"
	"github.com/driftworks/cascade/pkg/logging"
)

// Metrics groups the prometheus instruments shared by the loops.
type Metrics struct {
	Iterations *prometheus.CounterVec
	Tasks      *prometheus.CounterVec
	QueueDepth *prometheus.GaugeVec
}

// TaskOutcome labels for the tasks_processed_total counter.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Iterator does one poll cycle against a fresh settings snapshot.
type Iterator interface {
	Name() string
	Interval(snap *settings.Snapshot) time.Duration
	RunOnce(ctx context.Context, snap *settings.Snapshot) error
}

// Loop runs an Iterator forever: take a settings snapshot, run one
// cycle, sleep the snapshot's interval. A failed cycle is logged and the
// loop keeps going; only context cancellation stops it.
type Loop struct {
	iterator Iterator
	settings settings.Store
	metrics  *Metrics
	log      logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLoop(iterator Iterator, store settings.Store, metrics *Metrics, log logging.Logger) *Loop {
	return &Loop{
		iterator: iterator,
		settings: store,
		metrics:  metrics,
		log:      log,
	}
}

func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
}

func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	name := l.iterator.Name()
	l.log.WithFields(logging.Fields{"pipeline": name}).Info("Starting orchestrator loop")

	for {
		snap, err := settings.Take(ctx, l.settings)
		if err != nil {
			l.log.WithFields(logging.Fields{
				"pipeline": name,
				"error":    err.Error(),
			}).Warn("Settings load failed, using defaults")
		}

		if l.metrics != nil {
			l.metrics.Iterations.WithLabelValues(name).Inc()
		}
		if err := l.iterator.RunOnce(ctx, snap); err != nil && ctx.Err() == nil {
			l.log.WithFields(logging.Fields{
				"pipeline": name,
				"error":    err.Error(),
			}).Error("Loop iteration failed")
		}

		select {
		case <-ctx.Done():
			l.log.WithFields(logging.Fields{"pipeline": name}).Info("Orchestrator loop stopped")
			return
		case <-time.After(l.iterator.Interval(snap)):
		}
	}
}

// CountTask records one task outcome.
func (m *Metrics) CountTask(pipeline, outcome string) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(pipeline, outcome).Inc()
}

// SetQueueDepth records the current backlog for a task type.
func (m *Metrics) SetQueueDepth(taskType string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(taskType).Set(float64(depth))
}
