package learning

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSharedCategoryMapping(t *testing.T) {
	tests := []struct {
		category string
		want     string
	}{
		{"hook_style", "content"},
		{"topic", "content"},
		{"posting_time", "timing"},
		{"posting_day", "timing"},
		{"demographic", "audience"},
		{"platform_quirk", "platform"},
		{"vertical", "niche"},
		{"something_new", "content"},
	}
	for _, tt := range tests {
		if got := SharedCategory(tt.category); got != tt.want {
			t.Errorf("SharedCategory(%s) = %s, want %s", tt.category, got, tt.want)
		}
	}
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		applied    int
		want       bool
	}{
		{"both thresholds met", 0.85, 5, true},
		{"exactly at thresholds", 0.8, 3, true},
		{"confidence too low", 0.7, 10, false},
		{"not applied enough", 0.95, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Eligible(tt.confidence, tt.applied, 0.8, 3); got != tt.want {
				t.Errorf("Eligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDedupCheck(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, insight, 1 - \\(embedding <=>").
		WillReturnRows(sqlmock.NewRows([]string{"id", "insight", "similarity"}).
			AddRow("l1", "morning posts outperform", 0.92).
			AddRow("l2", "short hooks work", 0.60))

	result, err := NewDeduper(db).Check(context.Background(), []float32{0.1, 0.2, 0.3}, "a1", 0.85, 5)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !result.IsDuplicate {
		t.Error("similarity 0.92 against threshold 0.85 must flag a duplicate")
	}
	if result.BestMatch == nil || result.BestMatch.ID != "l1" {
		t.Errorf("BestMatch = %+v, want l1", result.BestMatch)
	}
	if len(result.Matches) != 2 {
		t.Errorf("matches = %d, want 2", len(result.Matches))
	}
}

func TestDedupCheckBelowThreshold(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, insight").
		WillReturnRows(sqlmock.NewRows([]string{"id", "insight", "similarity"}).
			AddRow("l1", "unrelated insight", 0.40))

	result, err := NewDeduper(db).Check(context.Background(), []float32{0.5}, "", 0.85, 5)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if result.IsDuplicate {
		t.Error("similarity 0.40 must not flag a duplicate")
	}
	if result.BestMatch == nil {
		t.Error("best match should still be reported")
	}
}

func TestDedupCheckNoMatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, insight").
		WillReturnRows(sqlmock.NewRows([]string{"id", "insight", "similarity"}))

	result, err := NewDeduper(db).Check(context.Background(), []float32{0.5}, "", 0.85, 5)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if result.IsDuplicate || result.BestMatch != nil {
		t.Errorf("empty scope must yield no duplicate: %+v", result)
	}
}

func TestPromoteStampsOriginal(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO learnings").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("shared-1"))
	mock.ExpectExec("UPDATE learnings SET promoted_to").
		WithArgs("l1", "shared-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	candidate := &Candidate{ID: "l1", Category: "posting_time", Insight: "post at 9am", Confidence: 0.9, TimesApplied: 5}
	sharedID, err := NewPromoter(db).Promote(context.Background(), candidate)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if sharedID != "shared-1" {
		t.Errorf("sharedID = %s, want shared-1", sharedID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPromoteAlreadyPromotedIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO learnings").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	sharedID, err := NewPromoter(db).Promote(context.Background(), &Candidate{ID: "l1"})
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if sharedID != "" {
		t.Errorf("sharedID = %s, want empty for already-promoted learning", sharedID)
	}
}
