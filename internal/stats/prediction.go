package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// FactorContribution records one adjustment's share of a prediction for
// later audit.
type FactorContribution struct {
	FactorName  string  `json:"factor_name"`
	FactorValue string  `json:"factor_value"`
	Adjustment  float64 `json:"adjustment"`
}

// Prediction is an expected engagement rate with its full derivation.
type Prediction struct {
	Baseline       float64              `json:"baseline"`
	BaselineSource string               `json:"baseline_source"`
	Expected       float64              `json:"expected"`
	Factors        []FactorContribution `json:"factors"`
}

// Predict computes baseline × (1 + Σ active adjustments) for the factors
// describing a planned post. Factors without an active adjustment simply
// contribute nothing.
func Predict(baseline Baseline, adjustments []*Adjustment, factors map[string]string) Prediction {
	p := Prediction{
		Baseline:       baseline.Value,
		BaselineSource: baseline.Source,
	}

	byKey := make(map[string]*Adjustment, len(adjustments))
	for _, a := range adjustments {
		byKey[a.FactorName+"|"+a.FactorValue] = a
	}

	sum := 0.0
	for name, value := range factors {
		a, ok := byKey[name+"|"+value]
		if !ok || !a.IsActive {
			continue
		}
		sum += a.Value
		p.Factors = append(p.Factors, FactorContribution{
			FactorName:  name,
			FactorValue: value,
			Adjustment:  a.Value,
		})
	}

	p.Expected = baseline.Value * (1 + sum)
	if p.Expected < 0 {
		p.Expected = 0
	}
	return p
}

// PredictionStore persists prediction snapshots taken at publish time so
// hypothesis verification can compare against what was actually expected.
type PredictionStore struct {
	db *sql.DB
}

func NewPredictionStore(db *sql.DB) *PredictionStore {
	return &PredictionStore{db: db}
}

func (s *PredictionStore) Save(ctx context.Context, publicationID string, p Prediction) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("prediction store not initialized")
	}

	breakdown, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode prediction: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prediction_snapshots (publication_id, baseline_value, expected_engagement, breakdown, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (publication_id)
		DO UPDATE SET baseline_value = EXCLUDED.baseline_value,
			expected_engagement = EXCLUDED.expected_engagement,
			breakdown = EXCLUDED.breakdown`,
		publicationID, p.Baseline, p.Expected, breakdown)
	if err != nil {
		return fmt.Errorf("save prediction for publication %s: %w", publicationID, err)
	}
	return nil
}
