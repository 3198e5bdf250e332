package cooldown

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Status is the result of a platform cooldown check.
type Status struct {
	CanPost          bool
	LastPostedAt     *time.Time
	NextAvailableAt  *time.Time
	RemainingMinutes int
}

// DailyStatus is the result of a daily post cap check. ResetsAt is the
// start of the next day on the clock that counted the posts, so a
// capped task can be deferred past the same day boundary the count
// used.
type DailyStatus struct {
	PostedToday  int
	MaxPerDay    int
	LimitReached bool
	ResetsAt     *time.Time
}

// Evaluate computes cooldown state from the last post time. A pair that
// never posted can always post.
func Evaluate(lastPostedAt *time.Time, cooldownHours int, now time.Time) Status {
	if lastPostedAt == nil {
		return Status{CanPost: true}
	}

	next := lastPostedAt.Add(time.Duration(cooldownHours) * time.Hour)
	if !now.Before(next) {
		return Status{CanPost: true, LastPostedAt: lastPostedAt, NextAvailableAt: &next}
	}

	remaining := int(math.Ceil(next.Sub(now).Minutes()))
	return Status{
		CanPost:          false,
		LastPostedAt:     lastPostedAt,
		NextAvailableAt:  &next,
		RemainingMinutes: remaining,
	}
}

// EvaluateDaily computes the daily cap state from a posted-today count.
func EvaluateDaily(postedToday, maxPerDay int) DailyStatus {
	return DailyStatus{
		PostedToday:  postedToday,
		MaxPerDay:    maxPerDay,
		LimitReached: postedToday >= maxPerDay,
	}
}

// Jitter offsets a scheduled time by a fresh uniform draw within
// ±jitterMinutes. Each call draws anew; the offset is never reused.
func Jitter(scheduled time.Time, jitterMinutes int) time.Time {
	if jitterMinutes <= 0 {
		return scheduled
	}
	offset := time.Duration(rand.Int63n(int64(2*jitterMinutes)+1)-int64(jitterMinutes)) * time.Minute
	return scheduled.Add(offset)
}

// Checker answers cooldown and daily-cap questions against the
// publications table. Only posted and measured publications count; a
// scheduled or failed attempt never burns budget.
type Checker struct {
	db *sql.DB
}

func NewChecker(db *sql.DB) *Checker {
	return &Checker{db: db}
}

func (c *Checker) CheckPlatformCooldown(ctx context.Context, accountID, platform string, cooldownHours int) (Status, error) {
	if c == nil || c.db == nil {
		return Status{}, fmt.Errorf("cooldown checker not initialized")
	}

	var last *time.Time
	err := c.db.QueryRowContext(ctx, `
		SELECT MAX(posted_at) FROM publications
		WHERE account_id = $1 AND platform = $2 AND status IN ('posted', 'measured')`,
		accountID, platform).Scan(&last)
	if err != nil {
		return Status{}, fmt.Errorf("query last post for %s/%s: %w", accountID, platform, err)
	}
	return Evaluate(last, cooldownHours, time.Now()), nil
}

func (c *Checker) CheckDailyPostLimit(ctx context.Context, accountID, platform string, maxPerDay int) (DailyStatus, error) {
	if c == nil || c.db == nil {
		return DailyStatus{}, fmt.Errorf("cooldown checker not initialized")
	}

	// The day boundary and the count come from the same session clock;
	// computing "tomorrow" in Go could disagree with the SQL day in
	// non-UTC deployments.
	var count int
	var resetsAt time.Time
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*), date_trunc('day', NOW()) + INTERVAL '1 day'
		FROM publications
		WHERE account_id = $1 AND platform = $2
		  AND status IN ('posted', 'measured')
		  AND posted_at >= date_trunc('day', NOW())`,
		accountID, platform).Scan(&count, &resetsAt)
	if err != nil {
		return DailyStatus{}, fmt.Errorf("count today's posts for %s/%s: %w", accountID, platform, err)
	}

	status := EvaluateDaily(count, maxPerDay)
	status.ResetsAt = &resetsAt
	return status, nil
}
