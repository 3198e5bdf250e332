package stats

import (
	"context"
	"database/sql"
	"fmt"
)

// Recipe summarizes one production recipe's track record.
type Recipe struct {
	ID          string
	Name        string
	IsDefault   bool
	TimesUsed   int
	SuccessRate float64
	IsActive    bool
}

// FailureRate is the complement of the stored success rate.
func (r Recipe) FailureRate() float64 {
	return 1 - r.SuccessRate
}

// Flagged reports whether the recipe fails too often to keep using.
// Unused recipes are never flagged; there is no evidence against them.
func (r Recipe) Flagged(threshold float64) bool {
	return r.TimesUsed > 0 && r.FailureRate() > threshold
}

// RecipeStore reads recipe stats and deactivates chronic failures.
type RecipeStore struct {
	db *sql.DB
}

func NewRecipeStore(db *sql.DB) *RecipeStore {
	return &RecipeStore{db: db}
}

func (s *RecipeStore) ListActive(ctx context.Context) ([]*Recipe, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("recipe store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, is_default, times_used, COALESCE(success_rate, 1.0), is_active
		FROM recipes
		WHERE is_active = TRUE
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list active recipes: %w", err)
	}
	defer rows.Close()

	var out []*Recipe
	for rows.Next() {
		var r Recipe
		if err := rows.Scan(&r.ID, &r.Name, &r.IsDefault, &r.TimesUsed, &r.SuccessRate, &r.IsActive); err != nil {
			return nil, fmt.Errorf("scan recipe: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeactivateFlagged turns off non-default recipes whose failure rate
// exceeds the threshold. Default recipes are never deactivated; the
// system always keeps a fallback. Returns the deactivated ids.
func (s *RecipeStore) DeactivateFlagged(ctx context.Context, threshold float64) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("recipe store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `
		UPDATE recipes
		SET is_active = FALSE, updated_at = NOW()
		WHERE is_active = TRUE
		  AND is_default = FALSE
		  AND times_used > 0
		  AND (1 - COALESCE(success_rate, 1.0)) > $1
		RETURNING id`,
		threshold)
	if err != nil {
		return nil, fmt.Errorf("deactivate flagged recipes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deactivated recipe id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
