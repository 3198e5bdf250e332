package settings

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSnapshotTypedGetters(t *testing.T) {
	snap := NewSnapshot(map[string]json.RawMessage{
		KeyPlatformCooldownHours: json.RawMessage(`6`),
		KeyAnomalySigma:          json.RawMessage(`2.5`),
		KeyMetricsFollowupDays:   json.RawMessage(`[3, 14]`),
		KeyExplorationRate:       json.RawMessage(`"not a number"`),
	})

	if got := snap.PlatformCooldownHours(); got != 6 {
		t.Errorf("PlatformCooldownHours = %d, want 6", got)
	}
	if got := snap.AnomalySigma(); got != 2.5 {
		t.Errorf("AnomalySigma = %v, want 2.5", got)
	}
	if got := snap.MetricsFollowupDays(); len(got) != 2 || got[0] != 3 || got[1] != 14 {
		t.Errorf("MetricsFollowupDays = %v, want [3 14]", got)
	}
	// Malformed values fall back to defaults.
	if got := snap.ExplorationRate(); got != 0.2 {
		t.Errorf("ExplorationRate = %v, want default 0.2", got)
	}
	// Missing keys fall back to defaults.
	if got := snap.MaxPostsPerAccountPerDay(); got != 3 {
		t.Errorf("MaxPostsPerAccountPerDay = %d, want default 3", got)
	}
	if got := snap.PublishingPollInterval(); got != 60*time.Second {
		t.Errorf("PublishingPollInterval = %v, want 60s", got)
	}
}

func TestSQLStoreLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT setting_key, setting_value FROM system_settings").
		WillReturnRows(sqlmock.NewRows([]string{"setting_key", "setting_value"}).
			AddRow(KeyTaskMaxRetries, []byte(`5`)).
			AddRow(KeyQualityPassThreshold, []byte(`0.8`)))

	store := NewSQLStore(db)
	snap, err := Take(context.Background(), store)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got := snap.TaskMaxRetries(); got != 5 {
		t.Errorf("TaskMaxRetries = %d, want 5", got)
	}
	if got := snap.QualityPassThreshold(); got != 0.8 {
		t.Errorf("QualityPassThreshold = %v, want 0.8", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLStoreSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO system_settings").
		WithArgs(KeyExplorationRate, []byte(`0.25`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := NewSQLStore(db).Set(context.Background(), KeyExplorationRate, 0.25); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestTakeFallsBackToDefaultsOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT setting_key").WillReturnError(context.DeadlineExceeded)

	snap, err := Take(context.Background(), NewSQLStore(db))
	if err == nil {
		t.Fatal("expected load error")
	}
	if snap == nil {
		t.Fatal("expected usable default snapshot alongside the error")
	}
	if got := snap.PlatformCooldownHours(); got != 4 {
		t.Errorf("default PlatformCooldownHours = %d, want 4", got)
	}
}
