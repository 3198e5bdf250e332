package settings

import "time"

// Setting keys and their defaults. Values live in system_settings as
// JSONB; a missing or malformed row falls back to the default here.
const (
	KeyProductionPollSeconds  = "PRODUCTION_POLL_SECONDS"
	KeyPublishingPollSeconds  = "PUBLISHING_POLL_SECONDS"
	KeyMeasurementPollSeconds = "MEASUREMENT_POLL_SECONDS"

	KeyPlatformCooldownHours     = "PLATFORM_COOLDOWN_HOURS"
	KeyMaxPostsPerAccountPerDay  = "MAX_POSTS_PER_ACCOUNT_PER_DAY"
	KeyPostingTimeJitterMinutes  = "POSTING_TIME_JITTER_MIN"
	KeyMeasurementHorizonHours   = "MEASUREMENT_HORIZON_HOURS"
	KeyMetricsFollowupDays       = "METRICS_FOLLOWUP_DAYS"
	KeyMetricsCollectionRetryHrs = "METRICS_COLLECTION_RETRY_HOURS"

	KeyTaskMaxRetries         = "TASK_MAX_RETRIES"
	KeyTaskRetryDelayHours    = "TASK_RETRY_DELAY_HOURS"
	KeyTaskStaleMinutes       = "TASK_STALE_MINUTES"
	KeyMaxRevisionCount       = "MAX_REVISION_COUNT"
	KeyQualityPassThreshold   = "QUALITY_PASS_THRESHOLD"
	KeyGenerationTimeoutMin   = "GENERATION_TIMEOUT_MINUTES"
	KeyPlatformCallTimeoutSec = "PLATFORM_CALL_TIMEOUT_SECONDS"

	KeyAnomalySigma           = "ANOMALY_DETECTION_SIGMA"
	KeyAnomalyLookbackDays    = "ANOMALY_LOOKBACK_DAYS"
	KeyAnalysisMinSampleSize  = "ANALYSIS_MIN_SAMPLE_SIZE"
	KeyCrossAccountMinSample  = "CROSS_ACCOUNT_MIN_SAMPLE"
	KeyConfidenceGrowthRate   = "CONFIDENCE_GROWTH_RATE"
	KeyConfidenceDecayRate    = "CONFIDENCE_DECAY_RATE"
	KeyExplorationRate        = "EXPLORATION_RATE"
	KeyDiversityConcentration = "DIVERSITY_CONCENTRATION_THRESHOLD"

	KeySimilarityThreshold  = "LEARNING_SIMILARITY_THRESHOLD"
	KeyPromotionThreshold   = "LEARNING_PROMOTION_THRESHOLD"
	KeyPromotionMinApplied  = "LEARNING_PROMOTION_MIN_APPLIED"
	KeyRecipeFailThreshold  = "RECIPE_FAILURE_THRESHOLD"
	KeyHypothesisConfirmMax = "HYPOTHESIS_CONFIRM_THRESHOLD"
	KeyHypothesisRejectMin  = "HYPOTHESIS_REJECT_THRESHOLD"
)

// Typed accessors with the system defaults documented in one place.

func (s *Snapshot) ProductionPollInterval() time.Duration {
	return time.Duration(s.Int(KeyProductionPollSeconds, 30)) * time.Second
}

func (s *Snapshot) PublishingPollInterval() time.Duration {
	return time.Duration(s.Int(KeyPublishingPollSeconds, 60)) * time.Second
}

func (s *Snapshot) MeasurementPollInterval() time.Duration {
	return time.Duration(s.Int(KeyMeasurementPollSeconds, 300)) * time.Second
}

func (s *Snapshot) PlatformCooldownHours() int {
	return s.Int(KeyPlatformCooldownHours, 4)
}

func (s *Snapshot) MaxPostsPerAccountPerDay() int {
	return s.Int(KeyMaxPostsPerAccountPerDay, 3)
}

func (s *Snapshot) PostingTimeJitterMinutes() int {
	return s.Int(KeyPostingTimeJitterMinutes, 15)
}

func (s *Snapshot) MeasurementHorizonHours() int {
	return s.Int(KeyMeasurementHorizonHours, 48)
}

func (s *Snapshot) MetricsFollowupDays() []int {
	return s.IntSlice(KeyMetricsFollowupDays, []int{7, 30})
}

func (s *Snapshot) MetricsCollectionRetryHours() int {
	return s.Int(KeyMetricsCollectionRetryHrs, 6)
}

func (s *Snapshot) TaskMaxRetries() int {
	return s.Int(KeyTaskMaxRetries, 3)
}

func (s *Snapshot) TaskRetryDelayHours() int {
	return s.Int(KeyTaskRetryDelayHours, 1)
}

// TaskStaleAfter is how long a task may sit in processing before it is
// presumed orphaned by a dead worker and requeued.
func (s *Snapshot) TaskStaleAfter() time.Duration {
	return time.Duration(s.Int(KeyTaskStaleMinutes, 15)) * time.Minute
}

func (s *Snapshot) MaxRevisionCount() int {
	return s.Int(KeyMaxRevisionCount, 3)
}

func (s *Snapshot) QualityPassThreshold() float64 {
	return s.Float(KeyQualityPassThreshold, 0.7)
}

func (s *Snapshot) GenerationTimeout() time.Duration {
	return time.Duration(s.Int(KeyGenerationTimeoutMin, 10)) * time.Minute
}

func (s *Snapshot) PlatformCallTimeout() time.Duration {
	return time.Duration(s.Int(KeyPlatformCallTimeoutSec, 60)) * time.Second
}

func (s *Snapshot) AnomalySigma() float64 {
	return s.Float(KeyAnomalySigma, 2.0)
}

func (s *Snapshot) AnomalyLookbackDays() int {
	return s.Int(KeyAnomalyLookbackDays, 7)
}

func (s *Snapshot) AnalysisMinSampleSize() int {
	return s.Int(KeyAnalysisMinSampleSize, 3)
}

func (s *Snapshot) CrossAccountMinSample() int {
	return s.Int(KeyCrossAccountMinSample, 2)
}

func (s *Snapshot) ConfidenceGrowthRate() float64 {
	return s.Float(KeyConfidenceGrowthRate, 0.1)
}

func (s *Snapshot) ConfidenceDecayRate() float64 {
	return s.Float(KeyConfidenceDecayRate, 0.15)
}

func (s *Snapshot) ExplorationRate() float64 {
	return s.Float(KeyExplorationRate, 0.2)
}

func (s *Snapshot) DiversityConcentrationThreshold() float64 {
	return s.Float(KeyDiversityConcentration, 0.5)
}

func (s *Snapshot) SimilarityThreshold() float64 {
	return s.Float(KeySimilarityThreshold, 0.85)
}

func (s *Snapshot) PromotionThreshold() float64 {
	return s.Float(KeyPromotionThreshold, 0.8)
}

func (s *Snapshot) PromotionMinApplied() int {
	return s.Int(KeyPromotionMinApplied, 3)
}

func (s *Snapshot) RecipeFailureThreshold() float64 {
	return s.Float(KeyRecipeFailThreshold, 0.3)
}

func (s *Snapshot) HypothesisConfirmThreshold() float64 {
	return s.Float(KeyHypothesisConfirmMax, 0.2)
}

func (s *Snapshot) HypothesisRejectThreshold() float64 {
	return s.Float(KeyHypothesisRejectMin, 0.5)
}
