package learning

import (
	"context"
	"database/sql"
	"fmt"
)

// Shared pool categories. Individual learning categories map many-to-one
// onto these; unknown categories land in "content".
var sharedCategories = map[string]string{
	"hook_style":      "content",
	"topic":           "content",
	"format":          "content",
	"caption":         "content",
	"posting_time":    "timing",
	"posting_day":     "timing",
	"frequency":       "timing",
	"demographic":     "audience",
	"engagement_type": "audience",
	"platform_quirk":  "platform",
	"algorithm":       "platform",
	"vertical":        "niche",
	"competition":     "niche",
}

// SharedCategory maps an individual learning category to its shared pool
// bucket.
func SharedCategory(category string) string {
	if mapped, ok := sharedCategories[category]; ok {
		return mapped
	}
	return "content"
}

// Eligible reports whether a learning has earned promotion to the shared
// pool.
func Eligible(confidence float64, timesApplied int, minConfidence float64, minApplied int) bool {
	return confidence >= minConfidence && timesApplied >= minApplied
}

// Candidate is an individual learning considered for promotion.
type Candidate struct {
	ID           string
	AccountID    string
	Category     string
	Insight      string
	Confidence   float64
	TimesApplied int
}

// Promoter moves proven individual learnings into the shared pool.
type Promoter struct {
	db *sql.DB
}

func NewPromoter(db *sql.DB) *Promoter {
	return &Promoter{db: db}
}

// ListCandidates returns unpromoted individual learnings meeting the
// thresholds. Already-promoted learnings (promoted_to set) never appear,
// which makes re-running promotion idempotent.
func (p *Promoter) ListCandidates(ctx context.Context, minConfidence float64, minApplied, limit int) ([]*Candidate, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("promoter not initialized")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(scope, ''), category, insight, confidence, times_applied
		FROM learnings
		WHERE promoted_to IS NULL
		  AND COALESCE(scope, '') <> ''
		  AND confidence >= $1
		  AND times_applied >= $2
		ORDER BY confidence DESC
		LIMIT $3`,
		minConfidence, minApplied, limit)
	if err != nil {
		return nil, fmt.Errorf("list promotion candidates: %w", err)
	}
	defer rows.Close()

	var out []*Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Category, &c.Insight, &c.Confidence, &c.TimesApplied); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Promote copies the learning into the shared pool and stamps the
// original with the new shared id in one transaction. A learning whose
// promoted_to is already set is skipped by the guard predicate, so
// concurrent or repeated promotion writes at most one shared row.
func (p *Promoter) Promote(ctx context.Context, c *Candidate) (string, error) {
	if p == nil || p.db == nil {
		return "", fmt.Errorf("promoter not initialized")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin promotion: %w", err)
	}
	defer tx.Rollback()

	var sharedID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO learnings (scope, category, insight, confidence, times_applied, source_learning_id, created_at)
		SELECT '', $2, $3, $4, $5, $1, NOW()
		WHERE EXISTS (
			SELECT 1 FROM learnings WHERE id = $1 AND promoted_to IS NULL
		)
		RETURNING id`,
		c.ID, SharedCategory(c.Category), c.Insight, c.Confidence, c.TimesApplied).Scan(&sharedID)
	if err == sql.ErrNoRows {
		// Someone promoted it first.
		return "", tx.Commit()
	}
	if err != nil {
		return "", fmt.Errorf("insert shared learning for %s: %w", c.ID, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE learnings SET promoted_to = $2, updated_at = NOW()
		WHERE id = $1 AND promoted_to IS NULL`,
		c.ID, sharedID)
	if err != nil {
		return "", fmt.Errorf("stamp promoted learning %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("learning %s promoted concurrently", c.ID)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit promotion of %s: %w", c.ID, err)
	}
	return sharedID, nil
}

// MarkDuplicate stamps a learning as covered by an existing shared
// learning instead of inserting a near-identical shared row. The stamp
// uses the same promoted_to column as a real promotion, so the learning
// never comes up as a candidate again.
func (p *Promoter) MarkDuplicate(ctx context.Context, id, sharedID string) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("promoter not initialized")
	}

	_, err := p.db.ExecContext(ctx, `
		UPDATE learnings SET promoted_to = $2, updated_at = NOW()
		WHERE id = $1 AND promoted_to IS NULL`,
		id, sharedID)
	if err != nil {
		return fmt.Errorf("mark learning %s duplicate of %s: %w", id, sharedID, err)
	}
	return nil
}

// RecordApplication updates a learning's confidence after it was applied
// to a piece of content. times_applied always moves; times_successful
// only on success.
func (p *Promoter) RecordApplication(ctx context.Context, id string, newConfidence float64, success bool) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("promoter not initialized")
	}

	_, err := p.db.ExecContext(ctx, `
		UPDATE learnings
		SET confidence = $2,
		    times_applied = times_applied + 1,
		    times_successful = times_successful + CASE WHEN $3 THEN 1 ELSE 0 END,
		    updated_at = NOW()
		WHERE id = $1`,
		id, newConfidence, success)
	if err != nil {
		return fmt.Errorf("record application of learning %s: %w", id, err)
	}
	return nil
}
