package generator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Content formats the production loop knows how to dispatch.
const (
	FormatShortVideo = "short_video"
	FormatTextPost   = "text_post"
	FormatImagePost  = "image_post"
)

// Artifact is the output of one production run: a media reference plus
// the generator's own quality estimate.
type Artifact struct {
	ContentID    string
	Format       string
	MediaURL     string
	Caption      string
	QualityScore float64
	ProducedAt   time.Time
}

// GenerationError marks a failed production attempt. Transient failures
// are retryable; structural ones (unknown format, bad recipe) are not.
type GenerationError struct {
	Format    string
	Retryable bool
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s: %v", e.Format, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Generator produces one artifact for a piece of planned content.
type Generator interface {
	Produce(ctx context.Context, contentID, format, recipeID string) (*Artifact, error)
}

// Dispatcher routes formats to generators. short_video goes to the video
// generator; text and image posts go to the text generator.
type Dispatcher struct {
	video Generator
	text  Generator
}

func NewDispatcher(video, text Generator) *Dispatcher {
	return &Dispatcher{video: video, text: text}
}

func (d *Dispatcher) Produce(ctx context.Context, contentID, format, recipeID string) (*Artifact, error) {
	switch format {
	case FormatShortVideo:
		return d.video.Produce(ctx, contentID, format, recipeID)
	case FormatTextPost, FormatImagePost:
		return d.text.Produce(ctx, contentID, format, recipeID)
	default:
		return nil, &GenerationError{
			Format:    format,
			Retryable: false,
			Err:       fmt.Errorf("unknown format"),
		}
	}
}

// StubGenerator fabricates artifacts locally. Stands in for the real
// media pipeline in development and tests.
type StubGenerator struct {
	kind string
}

func NewStubGenerator(kind string) *StubGenerator {
	return &StubGenerator{kind: kind}
}

func (g *StubGenerator) Produce(ctx context.Context, contentID, format, recipeID string) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if contentID == "" {
		return nil, &GenerationError{Format: format, Retryable: false, Err: fmt.Errorf("missing content id")}
	}

	return &Artifact{
		ContentID:    contentID,
		Format:       format,
		MediaURL:     fmt.Sprintf("file:///artifacts/%s/%s", g.kind, uuid.NewString()),
		Caption:      fmt.Sprintf("draft for %s", contentID),
		QualityScore: 0.6 + rand.Float64()*0.4,
		ProducedAt:   time.Now().UTC(),
	}, nil
}
