package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
)

// Hypothesis verdicts.
const (
	VerdictConfirmed    = "confirmed"
	VerdictRejected     = "rejected"
	VerdictInconclusive = "inconclusive"
	VerdictPending      = "pending"
)

// Deviation is the mean absolute percentage error between predicted and
// actual KPI maps over their shared keys. Keys whose actual value is
// zero are excluded; when nothing is comparable the deviation is 1.0
// (maximally wrong), not 0.
func Deviation(predicted, actual map[string]float64) float64 {
	var sum float64
	var comparable int
	for key, want := range predicted {
		got, ok := actual[key]
		if !ok || got == 0 {
			continue
		}
		sum += math.Abs(got-want) / math.Abs(got)
		comparable++
	}
	if comparable == 0 {
		return 1.0
	}
	return sum / float64(comparable)
}

// Verdict maps a deviation to a verdict. Both thresholds are inclusive:
// a deviation of exactly confirmMax confirms, exactly rejectMin rejects.
func Verdict(deviation, confirmMax, rejectMin float64) string {
	switch {
	case deviation <= confirmMax:
		return VerdictConfirmed
	case deviation >= rejectMin:
		return VerdictRejected
	default:
		return VerdictInconclusive
	}
}

// VerificationResult is one hypothesis checked against measured reality.
type VerificationResult struct {
	HypothesisID  string
	Verdict       string
	Deviation     float64
	Confidence    float64
	EvidenceCount int
	ActualKPIs    map[string]float64
}

// Verify scores a hypothesis. Zero evidence leaves it pending with zero
// confidence; otherwise confidence = max(0, 1 − deviation).
func Verify(hypothesisID string, predicted map[string]float64, evidence []map[string]float64, confirmMax, rejectMin float64) VerificationResult {
	if len(evidence) == 0 {
		return VerificationResult{
			HypothesisID: hypothesisID,
			Verdict:      VerdictPending,
		}
	}

	// Average the evidence per key before comparing.
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, sample := range evidence {
		for key, v := range sample {
			sums[key] += v
			counts[key]++
		}
	}
	actual := make(map[string]float64, len(sums))
	for key, sum := range sums {
		actual[key] = sum / float64(counts[key])
	}

	deviation := Deviation(predicted, actual)
	confidence := 1 - deviation
	if confidence < 0 {
		confidence = 0
	}

	return VerificationResult{
		HypothesisID:  hypothesisID,
		Verdict:       Verdict(deviation, confirmMax, rejectMin),
		Deviation:     deviation,
		Confidence:    confidence,
		EvidenceCount: len(evidence),
		ActualKPIs:    actual,
	}
}

// HypothesisStore persists verification outcomes.
type HypothesisStore struct {
	db *sql.DB
}

func NewHypothesisStore(db *sql.DB) *HypothesisStore {
	return &HypothesisStore{db: db}
}

// PendingHypothesis is a hypothesis awaiting verification together with
// its predicted KPIs.
type PendingHypothesis struct {
	ID        string
	Predicted map[string]float64
}

func (s *HypothesisStore) ListPending(ctx context.Context, limit int) ([]*PendingHypothesis, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("hypothesis store not initialized")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, predicted_kpis FROM hypotheses
		WHERE verdict = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list pending hypotheses: %w", err)
	}
	defer rows.Close()

	var out []*PendingHypothesis
	for rows.Next() {
		var h PendingHypothesis
		var raw []byte
		if err := rows.Scan(&h.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan hypothesis: %w", err)
		}
		if err := json.Unmarshal(raw, &h.Predicted); err != nil {
			return nil, fmt.Errorf("decode predicted KPIs for hypothesis %s: %w", h.ID, err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// Evidence collects measured KPI maps from publications of content tied
// to the hypothesis.
func (s *HypothesisStore) Evidence(ctx context.Context, hypothesisID string) ([]map[string]float64, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("hypothesis store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.views, m.likes, m.comments, m.shares, m.engagement_rate
		FROM publication_metrics m
		JOIN publications p ON p.id = m.publication_id
		JOIN contents c ON c.id = p.content_id
		WHERE c.hypothesis_id = $1`,
		hypothesisID)
	if err != nil {
		return nil, fmt.Errorf("load evidence for hypothesis %s: %w", hypothesisID, err)
	}
	defer rows.Close()

	var out []map[string]float64
	for rows.Next() {
		var views, likes, comments, shares int64
		var engagement float64
		if err := rows.Scan(&views, &likes, &comments, &shares, &engagement); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, map[string]float64{
			"views":           float64(views),
			"likes":           float64(likes),
			"comments":        float64(comments),
			"shares":          float64(shares),
			"engagement_rate": engagement,
		})
	}
	return out, rows.Err()
}

// SaveResult persists the verdict and evidence summary. Pending results
// are not written back; the hypothesis simply stays pending.
func (s *HypothesisStore) SaveResult(ctx context.Context, result VerificationResult) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("hypothesis store not initialized")
	}
	if result.Verdict == VerdictPending {
		return nil
	}

	actual, err := json.Marshal(result.ActualKPIs)
	if err != nil {
		return fmt.Errorf("encode actual KPIs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE hypotheses
		SET verdict = $2, deviation = $3, confidence = $4,
		    evidence_count = $5, actual_kpis = $6, verified_at = NOW()
		WHERE id = $1`,
		result.HypothesisID, result.Verdict, result.Deviation,
		result.Confidence, result.EvidenceCount, actual)
	if err != nil {
		return fmt.Errorf("save verdict for hypothesis %s: %w", result.HypothesisID, err)
	}
	return nil
}
