package platform

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PostRequest carries everything an adapter needs to publish one piece of
// content to one account.
type PostRequest struct {
	ContentID   string
	AccountID   string
	Platform    string
	Caption     string
	MediaURL    string
	ScheduledAt time.Time
}

// PostResult is the platform's acknowledgement of a successful post.
type PostResult struct {
	PlatformPostID string
	PostURL        string
	PostedAt       time.Time
}

// Metrics is a point-in-time engagement snapshot for a published post.
type Metrics struct {
	Views    int64
	Likes    int64
	Comments int64
	Shares   int64
	Saves    int64
}

// Interactions sums every non-view engagement counter.
func (m Metrics) Interactions() int64 {
	return m.Likes + m.Comments + m.Shares + m.Saves
}

// EngagementRate is interactions over views, zero when the post has no views.
func (m Metrics) EngagementRate() float64 {
	if m.Views <= 0 {
		return 0
	}
	return float64(m.Interactions()) / float64(m.Views)
}

// Adapter abstracts one social platform's posting and metrics API.
// Implementations classify failures into the error types in this package.
type Adapter interface {
	Publish(ctx context.Context, req PostRequest) (*PostResult, error)
	CollectMetrics(ctx context.Context, platformPostID string) (*Metrics, error)
}

// Registry maps platform names to adapters. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(platform string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[platform] = adapter
}

func (r *Registry) Get(platform string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", platform)
	}
	return adapter, nil
}

func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
