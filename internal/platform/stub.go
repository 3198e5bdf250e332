package platform

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// StubAdapter is a deterministic in-process adapter used when no real
// platform integration is configured. Posts succeed immediately and
// metrics grow with the age of the post.
type StubAdapter struct {
	platform string

	mu     sync.Mutex
	posted map[string]time.Time
}

func NewStubAdapter(platform string) *StubAdapter {
	return &StubAdapter{
		platform: platform,
		posted:   make(map[string]time.Time),
	}
}

func (a *StubAdapter) Publish(ctx context.Context, req PostRequest) (*PostResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.ContentID == "" || req.AccountID == "" {
		return nil, &ClientError{Code: 400, Message: "missing content or account id"}
	}

	postID := fmt.Sprintf("%s-%s-%d", a.platform, req.ContentID, rand.Int63())
	now := time.Now().UTC()

	a.mu.Lock()
	a.posted[postID] = now
	a.mu.Unlock()

	return &PostResult{
		PlatformPostID: postID,
		PostURL:        fmt.Sprintf("https://%s.example.com/p/%s", a.platform, postID),
		PostedAt:       now,
	}, nil
}

func (a *StubAdapter) CollectMetrics(ctx context.Context, platformPostID string) (*Metrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	postedAt, ok := a.posted[platformPostID]
	a.mu.Unlock()
	if !ok {
		return nil, &ClientError{Code: 404, Message: "unknown post"}
	}

	ageHours := time.Since(postedAt).Hours() + 1
	views := int64(ageHours * 120)
	return &Metrics{
		Views:    views,
		Likes:    views / 20,
		Comments: views / 100,
		Shares:   views / 200,
		Saves:    views / 150,
	}, nil
}
