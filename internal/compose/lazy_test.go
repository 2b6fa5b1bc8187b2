package compose

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func templates() (Composer, error) {
	t, err := NewTemplates("", "")
	if err != nil {
		return nil, err
	}
	return t, nil
}

func TestLazy_BuildsOnFirstCompose(t *testing.T) {
	builds := 0
	l := NewLazy(func(ctx context.Context) (Composer, error) {
		builds++
		return templates()
	})
	if builds != 0 {
		t.Fatalf("expected no build before use, got %d", builds)
	}

	for i := 0; i < 2; i++ {
		d, err := l.Compose(context.Background(), Request{Candidate: candidate()})
		if err != nil {
			t.Fatalf("Compose: %v", err)
		}
		if d.Subject == "" || d.Body == "" {
			t.Errorf("expected a draft, got %+v", d)
		}
	}
	if builds != 1 {
		t.Errorf("expected one build, got %d", builds)
	}
}

func TestLazy_RetriesFailedBuild(t *testing.T) {
	builds := 0
	l := NewLazy(func(ctx context.Context) (Composer, error) {
		builds++
		if builds == 1 {
			return nil, errors.New("no credentials")
		}
		return templates()
	})

	_, err := l.Compose(context.Background(), Request{Candidate: candidate()})
	if err == nil || !strings.Contains(err.Error(), "composer unavailable") {
		t.Fatalf("expected build error, got %v", err)
	}
	if _, err := l.Compose(context.Background(), Request{Candidate: candidate()}); err != nil {
		t.Fatalf("expected second build to succeed, got %v", err)
	}
	if builds != 2 {
		t.Errorf("expected two builds, got %d", builds)
	}
}

func TestNewLazyGemini_MissingKeyFailsOnUse(t *testing.T) {
	l := NewLazyGemini(GeminiConfig{Model: "gemini-2.5-flash"})
	_, err := l.Compose(context.Background(), Request{Candidate: candidate()})
	if err == nil || !strings.Contains(err.Error(), "api key") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}
