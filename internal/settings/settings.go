package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store reads runtime tunables from the system_settings table.
type Store interface {
	// Load fetches every setting as raw JSON keyed by setting_key.
	Load(ctx context.Context) (map[string]json.RawMessage, error)
	// Set upserts one setting.
	Set(ctx context.Context, key string, value any) error
}

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("settings store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT setting_key, setting_value FROM system_settings`)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[key] = json.RawMessage(raw)
	}
	return out, rows.Err()
}

func (s *SQLStore) Set(ctx context.Context, key string, value any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("settings store not initialized")
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO system_settings (setting_key, setting_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (setting_key)
		DO UPDATE SET setting_value = EXCLUDED.setting_value, updated_at = NOW()`,
		key, raw)
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

// Snapshot is one consistent read of all settings. Loops take a fresh
// snapshot per iteration instead of consulting a shared mutable object.
type Snapshot struct {
	values map[string]json.RawMessage
	at     time.Time
}

// Take loads a snapshot. A load failure is returned along with a snapshot
// of pure defaults so a loop can keep running on stale-but-sane values.
func Take(ctx context.Context, store Store) (*Snapshot, error) {
	values, err := store.Load(ctx)
	if err != nil {
		return &Snapshot{values: map[string]json.RawMessage{}, at: time.Now()}, err
	}
	return &Snapshot{values: values, at: time.Now()}, nil
}

// NewSnapshot builds a snapshot from already-decoded values. Test helper
// and default fallback.
func NewSnapshot(values map[string]json.RawMessage) *Snapshot {
	if values == nil {
		values = map[string]json.RawMessage{}
	}
	return &Snapshot{values: values, at: time.Now()}
}

func (s *Snapshot) Int(key string, def int) int {
	raw, ok := s.values[key]
	if !ok {
		return def
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

func (s *Snapshot) Float(key string, def float64) float64 {
	raw, ok := s.values[key]
	if !ok {
		return def
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

func (s *Snapshot) Bool(key string, def bool) bool {
	raw, ok := s.values[key]
	if !ok {
		return def
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

func (s *Snapshot) String(key, def string) string {
	raw, ok := s.values[key]
	if !ok {
		return def
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

func (s *Snapshot) IntSlice(key string, def []int) []int {
	raw, ok := s.values[key]
	if !ok {
		return def
	}
	var v []int
	if err := json.Unmarshal(raw, &v); err != nil || len(v) == 0 {
		return def
	}
	return v
}
