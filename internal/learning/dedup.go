package learning

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// Match is one existing learning ranked by embedding similarity.
type Match struct {
	ID         string
	Insight    string
	Similarity float64
}

// DedupResult is the outcome of a duplicate check.
type DedupResult struct {
	IsDuplicate bool
	BestMatch   *Match
	Matches     []Match
}

// Deduper finds near-duplicate learnings by cosine similarity over
// pgvector embeddings.
type Deduper struct {
	db *sql.DB
}

func NewDeduper(db *sql.DB) *Deduper {
	return &Deduper{db: db}
}

// Check ranks the top-k most similar learnings within the given scope
// (an account id for individual learnings, empty for the shared pool)
// and flags a duplicate when the best similarity reaches the threshold.
// Similarity is 1 − cosine distance.
func (d *Deduper) Check(ctx context.Context, embedding []float32, scope string, threshold float64, topK int) (*DedupResult, error) {
	if d == nil || d.db == nil {
		return nil, fmt.Errorf("deduper not initialized")
	}
	if topK <= 0 {
		topK = 5
	}

	vec := pgvector.NewVector(embedding)
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, insight, 1 - (embedding <=> $1) AS similarity
		FROM learnings
		WHERE COALESCE(scope, '') = $2 AND embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $3`,
		vec, scope, topK)
	if err != nil {
		return nil, fmt.Errorf("query similar learnings: %w", err)
	}
	defer rows.Close()

	result := &DedupResult{}
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.Insight, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan similar learning: %w", err)
		}
		result.Matches = append(result.Matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similar learnings: %w", err)
	}

	if len(result.Matches) > 0 {
		best := result.Matches[0]
		result.BestMatch = &best
		result.IsDuplicate = best.Similarity >= threshold
	}
	return result, nil
}

// CheckShared compares an already-stored learning's embedding against
// the shared pool. A learning without an embedding yields an empty,
// non-duplicate result; there is nothing to compare.
func (d *Deduper) CheckShared(ctx context.Context, learningID string, threshold float64, topK int) (*DedupResult, error) {
	if d == nil || d.db == nil {
		return nil, fmt.Errorf("deduper not initialized")
	}

	var vec pgvector.Vector
	err := d.db.QueryRowContext(ctx, `
		SELECT embedding FROM learnings
		WHERE id = $1 AND embedding IS NOT NULL`,
		learningID).Scan(&vec)
	if err == sql.ErrNoRows {
		return &DedupResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load embedding for learning %s: %w", learningID, err)
	}

	return d.Check(ctx, vec.Slice(), "", threshold, topK)
}
