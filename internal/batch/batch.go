package batch

import (
	"context"
	"sync"
	"time"

	"github.com/driftworks/cascade/internal/learning"
	"github.com/driftworks/cascade/internal/pipeline"
	"github.com/driftworks/cascade/internal/queue"
	"github.com/driftworks/cascade/internal/settings"
	"github.com/driftworks/cascade/internal/state"
	"github.com/driftworks/cascade/internal/stats"
	"github.com/driftworks/cascade/pkg/logging"
)

// Job is one periodic batch computation. Jobs run on independent timers
// in short transactions and never block the orchestrator loops.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner drives a set of jobs until its context is cancelled.
type Runner struct {
	jobs []Job
	log  logging.Logger
	wg   sync.WaitGroup
}

func NewRunner(log logging.Logger, jobs ...Job) *Runner {
	return &Runner{jobs: jobs, log: log}
}

func (r *Runner) Start(ctx context.Context) {
	for _, job := range r.jobs {
		r.wg.Add(1)
		go r.runJob(ctx, job)
	}
}

func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) runJob(ctx context.Context, job Job) {
	defer r.wg.Done()

	r.log.WithFields(logging.Fields{"job": job.Name, "interval": job.Interval.String()}).Info("Starting batch job")
	for {
		if err := job.Run(ctx); err != nil && ctx.Err() == nil {
			r.log.WithFields(logging.Fields{"job": job.Name, "error": err.Error()}).Error("Batch job failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(job.Interval):
		}
	}
}

// Stores bundles everything the standard jobs touch.
type Stores struct {
	Settings    settings.Store
	Baselines   *stats.BaselineStore
	Adjustments *stats.AdjustmentStore
	Hypotheses  *stats.HypothesisStore
	Recipes     *stats.RecipeStore
	Promoter    *learning.Promoter
	Dedup       *learning.Deduper
	State       state.Store
	Checkpoints pipeline.CheckpointStore
	Tasks       queue.Store
}

// StandardJobs builds the recurring statistical work: baseline and
// adjustment recomputation, hypothesis verification, recipe review and
// learning promotion.
func StandardJobs(s Stores, log logging.Logger) []Job {
	return []Job{
		{
			Name:     "recompute_baselines",
			Interval: time.Hour,
			Run: func(ctx context.Context) error {
				snap, _ := settings.Take(ctx, s.Settings)
				n, err := s.Baselines.Recompute(ctx, snap.AnalysisMinSampleSize())
				if err != nil {
					return err
				}
				log.WithFields(logging.Fields{"job": "recompute_baselines", "count": n}).Debug("Baselines recomputed")
				return nil
			},
		},
		{
			Name:     "recompute_adjustments",
			Interval: time.Hour,
			Run: func(ctx context.Context) error {
				snap, _ := settings.Take(ctx, s.Settings)
				n, err := s.Adjustments.Recompute(ctx, snap.AnalysisMinSampleSize())
				if err != nil {
					return err
				}
				log.WithFields(logging.Fields{"job": "recompute_adjustments", "count": n}).Debug("Adjustments recomputed")
				return nil
			},
		},
		{
			Name:     "verify_hypotheses",
			Interval: 6 * time.Hour,
			Run: func(ctx context.Context) error {
				snap, _ := settings.Take(ctx, s.Settings)
				return VerifyHypotheses(ctx, s.Hypotheses, s.State,
					snap.HypothesisConfirmThreshold(), snap.HypothesisRejectThreshold(), log)
			},
		},
		{
			Name:     "review_recipes",
			Interval: 24 * time.Hour,
			Run: func(ctx context.Context) error {
				snap, _ := settings.Take(ctx, s.Settings)
				ids, err := s.Recipes.DeactivateFlagged(ctx, snap.RecipeFailureThreshold())
				if err != nil {
					return err
				}
				if len(ids) > 0 {
					log.WithFields(logging.Fields{"job": "review_recipes", "deactivated": ids}).Info("Deactivated failing recipes")
				}
				return nil
			},
		},
		{
			Name:     "promote_learnings",
			Interval: 12 * time.Hour,
			Run: func(ctx context.Context) error {
				snap, _ := settings.Take(ctx, s.Settings)
				return PromoteLearnings(ctx, s.Promoter, s.Dedup,
					snap.PromotionThreshold(), snap.PromotionMinApplied(), snap.SimilarityThreshold(), log)
			},
		},
		{
			Name:     "sweep_checkpoints",
			Interval: 6 * time.Hour,
			Run: func(ctx context.Context) error {
				n, err := pipeline.SweepOrphanedCheckpoints(ctx, s.Checkpoints, s.Tasks, log)
				if err != nil {
					return err
				}
				if n > 0 {
					log.WithFields(logging.Fields{"job": "sweep_checkpoints", "removed": n}).Info("Cleared orphaned pipeline checkpoints")
				}
				return nil
			},
		},
	}
}

// VerifyHypotheses scores every pending hypothesis against measured
// evidence and transitions the backing content measured→analyzed once a
// verdict lands.
func VerifyHypotheses(ctx context.Context, store *stats.HypothesisStore, contentStore state.Store, confirmMax, rejectMin float64, log logging.Logger) error {
	pending, err := store.ListPending(ctx, 50)
	if err != nil {
		return err
	}

	for _, h := range pending {
		evidence, err := store.Evidence(ctx, h.ID)
		if err != nil {
			log.WithFields(logging.Fields{"hypothesis_id": h.ID, "error": err.Error()}).Warn("Evidence load failed")
			continue
		}

		result := stats.Verify(h.ID, h.Predicted, evidence, confirmMax, rejectMin)
		if result.Verdict == stats.VerdictPending {
			continue
		}
		if err := store.SaveResult(ctx, result); err != nil {
			log.WithFields(logging.Fields{"hypothesis_id": h.ID, "error": err.Error()}).Warn("Verdict save failed")
			continue
		}

		log.WithFields(logging.Fields{
			"hypothesis_id": h.ID,
			"verdict":       result.Verdict,
			"deviation":     result.Deviation,
			"evidence":      result.EvidenceCount,
		}).Info("Hypothesis verified")

		markAnalyzed(ctx, contentStore, h.ID, log)
	}
	return nil
}

func markAnalyzed(ctx context.Context, contentStore state.Store, hypothesisID string, log logging.Logger) {
	measured, err := contentStore.ListContentByStatus(ctx, state.ContentMeasured, 100)
	if err != nil {
		return
	}
	for _, c := range measured {
		if c.HypothesisID != hypothesisID {
			continue
		}
		if err := contentStore.TransitionContent(ctx, c.ID, state.ContentMeasured, state.ContentAnalyzed); err != nil {
			log.WithFields(logging.Fields{"content_id": c.ID, "error": err.Error()}).Warn("Analyzed transition failed")
		}
	}
}

// PromoteLearnings moves qualifying individual learnings into the shared
// pool. A candidate whose insight already exists in the pool (by
// embedding similarity) is stamped against the existing shared learning
// instead of creating a near-duplicate.
func PromoteLearnings(ctx context.Context, promoter *learning.Promoter, dedup *learning.Deduper, minConfidence float64, minApplied int, similarityThreshold float64, log logging.Logger) error {
	candidates, err := promoter.ListCandidates(ctx, minConfidence, minApplied, 50)
	if err != nil {
		return err
	}

	for _, c := range candidates {
		if dedup != nil {
			existing, err := dedup.CheckShared(ctx, c.ID, similarityThreshold, 5)
			if err != nil {
				log.WithFields(logging.Fields{"learning_id": c.ID, "error": err.Error()}).Warn("Duplicate check failed")
			} else if existing.IsDuplicate {
				if err := promoter.MarkDuplicate(ctx, c.ID, existing.BestMatch.ID); err != nil {
					log.WithFields(logging.Fields{"learning_id": c.ID, "error": err.Error()}).Warn("Duplicate stamp failed")
					continue
				}
				log.WithFields(logging.Fields{
					"learning_id": c.ID,
					"shared_id":   existing.BestMatch.ID,
					"similarity":  existing.BestMatch.Similarity,
				}).Info("Learning already covered by shared pool")
				continue
			}
		}

		sharedID, err := promoter.Promote(ctx, c)
		if err != nil {
			log.WithFields(logging.Fields{"learning_id": c.ID, "error": err.Error()}).Warn("Promotion failed")
			continue
		}
		if sharedID != "" {
			log.WithFields(logging.Fields{
				"learning_id": c.ID,
				"shared_id":   sharedID,
				"category":    learning.SharedCategory(c.Category),
			}).Info("Promoted learning to shared pool")
		}
	}
	return nil
}
