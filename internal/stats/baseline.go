package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Baseline sources, in precedence order.
const (
	SourceOwnHistory = "own_history"
	SourceCohort     = "cohort"
	SourceDefault    = "default"
)

// Baseline is the expected engagement rate for one account on one
// platform, together with where the number came from.
type Baseline struct {
	AccountID   string
	Platform    string
	Value       float64
	Source      string
	SampleCount int
}

// platformDefaults are the last-resort baselines used before any history
// exists. Rough industry engagement rates per platform.
var platformDefaults = map[string]float64{
	"tiktok":    0.05,
	"youtube":   0.04,
	"instagram": 0.03,
	"x":         0.02,
}

const fallbackDefault = 0.03

// DefaultBaseline returns the platform default, falling back to a
// generic rate for unknown platforms.
func DefaultBaseline(platform string) float64 {
	if v, ok := platformDefaults[platform]; ok {
		return v
	}
	return fallbackDefault
}

// ResolveBaseline picks a baseline with source precedence own_history >
// cohort > default. A source qualifies only with at least minSamples
// samples behind it.
func ResolveBaseline(accountID, platform string, ownAvg float64, ownCount int, cohortAvg float64, cohortCount, minSamples int) Baseline {
	if ownCount >= minSamples {
		return Baseline{AccountID: accountID, Platform: platform, Value: ownAvg, Source: SourceOwnHistory, SampleCount: ownCount}
	}
	if cohortCount >= minSamples {
		return Baseline{AccountID: accountID, Platform: platform, Value: cohortAvg, Source: SourceCohort, SampleCount: cohortCount}
	}
	return Baseline{AccountID: accountID, Platform: platform, Value: DefaultBaseline(platform), Source: SourceDefault}
}

// BaselineStore recomputes and reads performance baselines.
type BaselineStore struct {
	db *sql.DB
}

func NewBaselineStore(db *sql.DB) *BaselineStore {
	return &BaselineStore{db: db}
}

func (s *BaselineStore) Get(ctx context.Context, accountID, platform string) (*Baseline, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("baseline store not initialized")
	}

	var b Baseline
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, platform, baseline_value, source, sample_count
		FROM performance_baselines
		WHERE account_id = $1 AND platform = $2`,
		accountID, platform).Scan(&b.AccountID, &b.Platform, &b.Value, &b.Source, &b.SampleCount)
	if err == sql.ErrNoRows {
		return &Baseline{
			AccountID: accountID,
			Platform:  platform,
			Value:     DefaultBaseline(platform),
			Source:    SourceDefault,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get baseline for %s/%s: %w", accountID, platform, err)
	}
	return &b, nil
}

type historyRow struct {
	accountID string
	platform  string
	avg       float64
	count     int
}

// Recompute rebuilds every baseline from the last DecayWindowDays of
// measurements and upserts the batch in one statement. Idempotent;
// re-running on the same data writes the same rows.
func (s *BaselineStore) Recompute(ctx context.Context, minSamples int) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("baseline store not initialized")
	}

	cutoff := CutoffDate(time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.account_id, p.platform, AVG(m.engagement_rate), COUNT(*)
		FROM publication_metrics m
		JOIN publications p ON p.id = m.publication_id
		WHERE m.collected_at >= $1
		GROUP BY p.account_id, p.platform`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("query own history: %w", err)
	}

	var history []historyRow
	cohortSum := make(map[string]float64)
	cohortCount := make(map[string]int)
	for rows.Next() {
		var r historyRow
		if err := rows.Scan(&r.accountID, &r.platform, &r.avg, &r.count); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan history row: %w", err)
		}
		history = append(history, r)
		cohortSum[r.platform] += r.avg * float64(r.count)
		cohortCount[r.platform] += r.count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate history: %w", err)
	}
	if len(history) == 0 {
		return 0, nil
	}

	baselines := make([]Baseline, 0, len(history))
	for _, r := range history {
		cohortAvg := 0.0
		if cohortCount[r.platform] > 0 {
			cohortAvg = cohortSum[r.platform] / float64(cohortCount[r.platform])
		}
		baselines = append(baselines, ResolveBaseline(
			r.accountID, r.platform, r.avg, r.count, cohortAvg, cohortCount[r.platform], minSamples))
	}

	if err := s.upsert(ctx, baselines); err != nil {
		return 0, err
	}
	return len(baselines), nil
}

// upsert writes all baselines with a single multi-row INSERT ... ON
// CONFLICT statement.
func (s *BaselineStore) upsert(ctx context.Context, baselines []Baseline) error {
	if len(baselines) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO performance_baselines (account_id, platform, baseline_value, source, sample_count, updated_at) VALUES `)
	args := make([]any, 0, len(baselines)*5)
	for i, bl := range baselines {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i*5 + 1
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, NOW())",
			base, base+1, base+2, base+3, base+4)
		args = append(args, bl.AccountID, bl.Platform, bl.Value, bl.Source, bl.SampleCount)
	}
	b.WriteString(` ON CONFLICT (account_id, platform) DO UPDATE SET baseline_value = EXCLUDED.baseline_value, source = EXCLUDED.source, sample_count = EXCLUDED.sample_count, updated_at = NOW()`)

	if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("upsert baselines: %w", err)
	}
	return nil
}
