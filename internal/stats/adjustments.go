package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Adjustment is the cached average lift of one categorical factor value
// on one platform: AVG(actual/baseline − 1.0) over qualifying samples.
// Only active adjustments contribute to predictions.
type Adjustment struct {
	Platform    string
	FactorName  string
	FactorValue string
	Value       float64
	SampleCount int
	IsActive    bool
}

// AdjustmentStore recomputes and reads the adjustment cache.
type AdjustmentStore struct {
	db *sql.DB
}

func NewAdjustmentStore(db *sql.DB) *AdjustmentStore {
	return &AdjustmentStore{db: db}
}

// ListActive returns the active adjustments for a platform keyed by
// factor name and value.
func (s *AdjustmentStore) ListActive(ctx context.Context, platform string) ([]*Adjustment, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("adjustment store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, factor_name, factor_value, adjustment_value, sample_count, is_active
		FROM performance_adjustments
		WHERE platform = $1 AND is_active = TRUE`,
		platform)
	if err != nil {
		return nil, fmt.Errorf("list active adjustments for %s: %w", platform, err)
	}
	defer rows.Close()

	var out []*Adjustment
	for rows.Next() {
		var a Adjustment
		if err := rows.Scan(&a.Platform, &a.FactorName, &a.FactorValue, &a.Value, &a.SampleCount, &a.IsActive); err != nil {
			return nil, fmt.Errorf("scan adjustment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// factorExtractors maps factor names to the SQL expression that derives
// the factor value from a publication and its content row.
var factorExtractors = map[string]string{
	"format":      "c.format",
	"day_of_week": "to_char(p.posted_at, 'dy')",
	"hour_of_day": "to_char(p.posted_at, 'HH24')",
}

// Recompute rebuilds the adjustment cache from the decay window. One
// factor at a time; each factor's rows are upserted in one statement.
// Rows below minSamples are written inactive so their history is kept
// without influencing predictions.
func (s *AdjustmentStore) Recompute(ctx context.Context, minSamples int) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("adjustment store not initialized")
	}

	cutoff := CutoffDate(time.Now())
	total := 0

	for factorName, expr := range factorExtractors {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT p.platform, %s AS factor_value,
			       AVG(m.engagement_rate / NULLIF(b.baseline_value, 0) - 1.0),
			       COUNT(*)
			FROM publication_metrics m
			JOIN publications p ON p.id = m.publication_id
			JOIN contents c ON c.id = p.content_id
			JOIN performance_baselines b ON b.account_id = p.account_id AND b.platform = p.platform
			WHERE m.collected_at >= $1 AND b.baseline_value > 0
			GROUP BY p.platform, factor_value`, expr),
			cutoff)
		if err != nil {
			return total, fmt.Errorf("recompute %s adjustments: %w", factorName, err)
		}

		var batch []Adjustment
		for rows.Next() {
			var a Adjustment
			var avg sql.NullFloat64
			if err := rows.Scan(&a.Platform, &a.FactorValue, &avg, &a.SampleCount); err != nil {
				rows.Close()
				return total, fmt.Errorf("scan %s adjustment: %w", factorName, err)
			}
			a.FactorName = factorName
			a.Value = avg.Float64
			a.IsActive = a.SampleCount >= minSamples
			batch = append(batch, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return total, fmt.Errorf("iterate %s adjustments: %w", factorName, err)
		}

		if err := s.upsert(ctx, batch); err != nil {
			return total, err
		}
		total += len(batch)
	}
	return total, nil
}

func (s *AdjustmentStore) upsert(ctx context.Context, batch []Adjustment) error {
	if len(batch) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO performance_adjustments (platform, factor_name, factor_value, adjustment_value, sample_count, is_active, updated_at) VALUES `)
	args := make([]any, 0, len(batch)*6)
	for i, a := range batch {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i*6 + 1
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, NOW())",
			base, base+1, base+2, base+3, base+4, base+5)
		args = append(args, a.Platform, a.FactorName, a.FactorValue, a.Value, a.SampleCount, a.IsActive)
	}
	b.WriteString(` ON CONFLICT (platform, factor_name, factor_value) DO UPDATE SET adjustment_value = EXCLUDED.adjustment_value, sample_count = EXCLUDED.sample_count, is_active = EXCLUDED.is_active, updated_at = NOW()`)

	if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("upsert adjustments: %w", err)
	}
	return nil
}
