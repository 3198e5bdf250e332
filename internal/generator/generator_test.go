package generator

import (
	"context"
	"errors"
	"testing"
)

type recordingGenerator struct {
	calls []string
}

func (g *recordingGenerator) Produce(ctx context.Context, contentID, format, recipeID string) (*Artifact, error) {
	g.calls = append(g.calls, format)
	return &Artifact{ContentID: contentID, Format: format, QualityScore: 0.9}, nil
}

func TestDispatcherRoutesByFormat(t *testing.T) {
	video := &recordingGenerator{}
	text := &recordingGenerator{}
	d := NewDispatcher(video, text)

	for _, format := range []string{FormatShortVideo, FormatTextPost, FormatImagePost} {
		if _, err := d.Produce(context.Background(), "c1", format, ""); err != nil {
			t.Fatalf("Produce(%s): %v", format, err)
		}
	}

	if len(video.calls) != 1 || video.calls[0] != FormatShortVideo {
		t.Errorf("video generator calls = %v", video.calls)
	}
	if len(text.calls) != 2 {
		t.Errorf("text generator calls = %v", text.calls)
	}
}

func TestDispatcherRejectsUnknownFormat(t *testing.T) {
	d := NewDispatcher(&recordingGenerator{}, &recordingGenerator{})

	_, err := d.Produce(context.Background(), "c1", "hologram", "")
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if genErr.Retryable {
		t.Error("unknown format must not be retryable")
	}
}

func TestStubGeneratorQualityRange(t *testing.T) {
	g := NewStubGenerator("video")
	for i := 0; i < 50; i++ {
		artifact, err := g.Produce(context.Background(), "c1", FormatShortVideo, "r1")
		if err != nil {
			t.Fatalf("Produce: %v", err)
		}
		if artifact.QualityScore < 0.6 || artifact.QualityScore > 1.0 {
			t.Fatalf("quality %v outside [0.6, 1.0]", artifact.QualityScore)
		}
		if artifact.MediaURL == "" {
			t.Fatal("missing media url")
		}
	}
}
