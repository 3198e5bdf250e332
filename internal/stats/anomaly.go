package stats

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// Anomaly severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// AnomalyResult describes one metric compared against its recent
// population.
type AnomalyResult struct {
	Metric      string
	Value       float64
	Mean        float64
	StdDev      float64
	ZScore      float64
	IsAnomalous bool
	Severity    string
	SampleCount int
}

// ZScore is the standard score of value against the population. A zero
// stddev population yields 0 for a matching value and ±Inf otherwise.
func ZScore(value, mean, stddev float64) float64 {
	if stddev == 0 {
		if value == mean {
			return 0
		}
		return math.Inf(int(math.Copysign(1, value-mean)))
	}
	return (value - mean) / stddev
}

// Severity buckets an absolute z-score relative to the configured
// detection threshold: high at 2x sigma, medium at 1.5x sigma.
func Severity(absZ, sigma float64) string {
	switch {
	case absZ >= 2*sigma:
		return SeverityHigh
	case absZ >= 1.5*sigma:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// EvaluateAnomaly classifies value against a population described by
// mean/stddev. Populations below minSamples produce no verdict.
func EvaluateAnomaly(metric string, value, mean, stddev float64, sampleCount, minSamples int, sigma float64) (AnomalyResult, bool) {
	if sampleCount < minSamples {
		return AnomalyResult{}, false
	}

	z := ZScore(value, mean, stddev)
	absZ := math.Abs(z)
	return AnomalyResult{
		Metric:      metric,
		Value:       value,
		Mean:        mean,
		StdDev:      stddev,
		ZScore:      z,
		IsAnomalous: absZ > sigma,
		Severity:    Severity(absZ, sigma),
		SampleCount: sampleCount,
	}, true
}

// AnomalyDetector compares fresh metrics against an account's recent
// history.
type AnomalyDetector struct {
	db *sql.DB
}

func NewAnomalyDetector(db *sql.DB) *AnomalyDetector {
	return &AnomalyDetector{db: db}
}

// Detect pulls the account's engagement-rate population over the
// look-back window and classifies the given value. ok=false means too
// few samples to judge.
func (d *AnomalyDetector) Detect(ctx context.Context, accountID string, value float64, lookbackDays, minSamples int, sigma float64) (AnomalyResult, bool, error) {
	if d == nil || d.db == nil {
		return AnomalyResult{}, false, fmt.Errorf("anomaly detector not initialized")
	}

	since := time.Now().AddDate(0, 0, -lookbackDays)
	var count int
	var mean, stddev sql.NullFloat64
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(m.engagement_rate), COALESCE(STDDEV_POP(m.engagement_rate), 0)
		FROM publication_metrics m
		JOIN publications p ON p.id = m.publication_id
		WHERE p.account_id = $1 AND m.collected_at >= $2`,
		accountID, since).Scan(&count, &mean, &stddev)
	if err != nil {
		return AnomalyResult{}, false, fmt.Errorf("load engagement population for %s: %w", accountID, err)
	}

	result, ok := EvaluateAnomaly("engagement_rate", value, mean.Float64, stddev.Float64, count, minSamples, sigma)
	return result, ok, nil
}
