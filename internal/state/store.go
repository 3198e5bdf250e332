package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrStatusConflict means the row's status changed between the caller's
// read and its transition attempt. Callers re-read and re-decide.
var ErrStatusConflict = errors.New("status changed concurrently")

// ErrInvalidTransition means the requested edge is not part of the state
// machine. Never retried.
var ErrInvalidTransition = errors.New("invalid status transition")

// Content is one row of the contents table.
type Content struct {
	ID            string
	AccountID     string
	Title         string
	Format        string
	Status        string
	ReviewStatus  string
	QualityScore  float64
	RevisionCount int
	HypothesisID  string
	RecipeID      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Publication is one row of the publications table: one content posted
// to one account on one platform.
type Publication struct {
	ID             string
	ContentID      string
	AccountID      string
	Platform       string
	Status         string
	PlatformPostID string
	PostURL        string
	ScheduledAt    *time.Time
	PostedAt       *time.Time
	MeasureAfter   *time.Time
	CreatedAt      time.Time
}

// Store persists content and publication rows with optimistic status
// transitions.
type Store interface {
	GetContent(ctx context.Context, id string) (*Content, error)
	ListContentByStatus(ctx context.Context, status string, limit int) ([]*Content, error)
	TransitionContent(ctx context.Context, id, from, to string) error
	SetQualityResult(ctx context.Context, id string, score float64, reviewStatus string) error
	IncrementRevision(ctx context.Context, id string) (int, error)

	GetPublication(ctx context.Context, id string) (*Publication, error)
	TransitionPublication(ctx context.Context, id, from, to string) error
	RecordPosted(ctx context.Context, id, platformPostID, postURL string, postedAt, measureAfter time.Time) error
	ListMeasurementDue(ctx context.Context, limit int) ([]*Publication, error)
}

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const contentColumns = `id, account_id, COALESCE(title, ''), format, status,
	COALESCE(review_status, ''), COALESCE(quality_score, 0), revision_count,
	COALESCE(hypothesis_id::text, ''), COALESCE(recipe_id::text, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContent(row rowScanner) (*Content, error) {
	var c Content
	err := row.Scan(&c.ID, &c.AccountID, &c.Title, &c.Format, &c.Status,
		&c.ReviewStatus, &c.QualityScore, &c.RevisionCount, &c.HypothesisID,
		&c.RecipeID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) GetContent(ctx context.Context, id string) (*Content, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("state store not initialized")
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM contents WHERE id = $1`, id)
	c, err := scanContent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("content %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLStore) ListContentByStatus(ctx context.Context, status string, limit int) ([]*Content, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("state store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contentColumns+` FROM contents
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s content: %w", status, err)
	}
	defer rows.Close()

	var out []*Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransitionContent moves content from→to with an optimistic guard: the
// UPDATE only matches while the row still holds from. Zero affected rows
// means someone else won the race.
func (s *SQLStore) TransitionContent(ctx context.Context, id, from, to string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state store not initialized")
	}
	if !IsValidContentTransition(from, to) {
		return fmt.Errorf("content %s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE contents SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("transition content %s to %s: %w", id, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("content %s: %w", id, ErrStatusConflict)
	}
	return nil
}

func (s *SQLStore) SetQualityResult(ctx context.Context, id string, score float64, reviewStatus string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state store not initialized")
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE contents SET quality_score = $2, review_status = $3, updated_at = NOW()
		WHERE id = $1`,
		id, score, reviewStatus)
	if err != nil {
		return fmt.Errorf("set quality result for content %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) IncrementRevision(ctx context.Context, id string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("state store not initialized")
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE contents SET revision_count = revision_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING revision_count`,
		id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment revision for content %s: %w", id, err)
	}
	return count, nil
}

const publicationColumns = `id, content_id, account_id, platform, status,
	COALESCE(platform_post_id, ''), COALESCE(post_url, ''),
	scheduled_at, posted_at, measure_after, created_at`

func scanPublication(row rowScanner) (*Publication, error) {
	var p Publication
	err := row.Scan(&p.ID, &p.ContentID, &p.AccountID, &p.Platform, &p.Status,
		&p.PlatformPostID, &p.PostURL, &p.ScheduledAt, &p.PostedAt,
		&p.MeasureAfter, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLStore) GetPublication(ctx context.Context, id string) (*Publication, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("state store not initialized")
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+publicationColumns+` FROM publications WHERE id = $1`, id)
	p, err := scanPublication(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("publication %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get publication %s: %w", id, err)
	}
	return p, nil
}

func (s *SQLStore) TransitionPublication(ctx context.Context, id, from, to string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state store not initialized")
	}
	if !IsValidPublicationTransition(from, to) {
		return fmt.Errorf("publication %s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE publications SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("transition publication %s to %s: %w", id, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("publication %s: %w", id, ErrStatusConflict)
	}
	return nil
}

// RecordPosted stores the platform's acknowledgement and moves the
// publication scheduled→posted in one statement. measure_after is fixed
// here, at posting time, and never recomputed.
func (s *SQLStore) RecordPosted(ctx context.Context, id, platformPostID, postURL string, postedAt, measureAfter time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE publications
		SET status = 'posted', platform_post_id = $2, post_url = $3,
		    posted_at = $4, measure_after = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'`,
		id, platformPostID, postURL, postedAt, measureAfter)
	if err != nil {
		return fmt.Errorf("record posted publication %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("publication %s: %w", id, ErrStatusConflict)
	}
	return nil
}

// ListMeasurementDue returns posted publications whose measurement
// horizon has passed.
func (s *SQLStore) ListMeasurementDue(ctx context.Context, limit int) ([]*Publication, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("state store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+publicationColumns+` FROM publications
		WHERE status = 'posted' AND measure_after <= NOW()
		ORDER BY measure_after ASC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list measurement-due publications: %w", err)
	}
	defer rows.Close()

	var out []*Publication
	for rows.Next() {
		p, err := scanPublication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan publication: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
