package stats

import (
	"context"
	"database/sql"
	"fmt"
)

// CrossAccountSignal is the live baseline-relative performance of the
// same content posted by OTHER accounts on one platform: the mean of
// actual/baseline - 1.0 across their measurements, so +0.2 means the
// content runs 20% over what those accounts were expected to do. Not
// cached; the population is tiny and freshness matters more than query
// cost.
type CrossAccountSignal struct {
	Adjustment  float64
	SampleCount int
}

type CrossAccountReader struct {
	db *sql.DB
}

func NewCrossAccountReader(db *sql.DB) *CrossAccountReader {
	return &CrossAccountReader{db: db}
}

// Signal returns ok=false when fewer than minSamples other-account
// measurements exist. "No signal" is distinct from a zero signal; the
// caller must not treat it as an observed average of zero.
func (r *CrossAccountReader) Signal(ctx context.Context, contentID, excludeAccountID, platform string, minSamples int) (CrossAccountSignal, bool, error) {
	if r == nil || r.db == nil {
		return CrossAccountSignal{}, false, fmt.Errorf("cross-account reader not initialized")
	}

	var count int
	var adjustment sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(m.engagement_rate / NULLIF(ps.baseline_value, 0) - 1.0)
		FROM publication_metrics m
		JOIN publications p ON p.id = m.publication_id
		JOIN prediction_snapshots ps ON ps.publication_id = p.id
		WHERE p.content_id = $1 AND p.platform = $2 AND p.account_id <> $3
			AND ps.baseline_value > 0`,
		contentID, platform, excludeAccountID).Scan(&count, &adjustment)
	if err != nil {
		return CrossAccountSignal{}, false, fmt.Errorf("query cross-account signal for content %s: %w", contentID, err)
	}

	if count < minSamples {
		return CrossAccountSignal{}, false, nil
	}
	return CrossAccountSignal{Adjustment: adjustment.Float64, SampleCount: count}, true, nil
}
