package compose

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/FranksOps/prospector/internal/storage"
	"google.golang.org/genai"
)

func candidate() *storage.Candidate {
	return &storage.Candidate{
		ID:     "c1",
		Key:    "acme-plumbing.test",
		URL:    "https://acme-plumbing.test/",
		Title:  "Acme Plumbing | Emergency plumbers in Leeds",
		Emails: []string{"info@acme-plumbing.test"},
		Status: storage.CandidateEnriched,
	}
}

func TestTemplates_Defaults(t *testing.T) {
	tc, err := NewTemplates("", "")
	if err != nil {
		t.Fatalf("NewTemplates: %v", err)
	}
	d, err := tc.Compose(context.Background(), Request{
		Candidate:  candidate(),
		SenderName: "Sam",
		Keywords:   []string{"plumber leeds", "boiler repair"},
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if d.Subject != "Quick question about Acme Plumbing" {
		t.Errorf("subject = %q", d.Subject)
	}
	for _, want := range []string{"Hi Acme Plumbing team,", "acme-plumbing.test while looking into plumber leeds, boiler repair", "Best,\nSam\n"} {
		if !strings.Contains(d.Body, want) {
			t.Errorf("body missing %q:\n%s", want, d.Body)
		}
	}
}

func TestTemplates_RequestOverrides(t *testing.T) {
	tc, _ := NewTemplates("", "")
	d, err := tc.Compose(context.Background(), Request{
		Candidate: candidate(),
		Subject:   "Hello   {{.Domain}}\n",
		Template:  "Dear {{.Name}}, we saw {{.URL}}. Reply to {{.Email}}.",
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if d.Subject != "Hello acme-plumbing.test" {
		t.Errorf("subject = %q", d.Subject)
	}
	if d.Body != "Dear Acme Plumbing, we saw https://acme-plumbing.test/. Reply to info@acme-plumbing.test.\n" {
		t.Errorf("body = %q", d.Body)
	}
}

func TestTemplates_Errors(t *testing.T) {
	if _, err := NewTemplates("{{.Name", ""); err == nil {
		t.Error("expected a parse error for the fallback subject")
	}

	tc, _ := NewTemplates("", "")
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown field", Request{Candidate: candidate(), Template: "{{.Phone}}"}, nil},
		{"empty body", Request{Candidate: candidate(), Template: "{{if false}}x{{end}}"}, ErrEmptyDraft},
		{"nil candidate", Request{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tc.Compose(context.Background(), tt.req)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		c    storage.Candidate
		want string
	}{
		{storage.Candidate{Key: "acme.test", Title: "Acme Ltd - Home"}, "Acme Ltd"},
		{storage.Candidate{Key: "acme.test", Title: ""}, "acme.test"},
		{storage.Candidate{Key: "acme.test", Title: strings.Repeat("very long title ", 6)}, "acme.test"},
		{storage.Candidate{Key: "instagram:acme_bakes", Platform: "instagram"}, "acme_bakes"},
	}
	for _, tt := range tests {
		if got := displayName(&tt.c); got != tt.want {
			t.Errorf("displayName(%q, %q) = %q, want %q", tt.c.Key, tt.c.Title, got, tt.want)
		}
	}
}

func TestParseDraft(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Draft
		wantErr bool
	}{
		{"plain json", `{"subject":"Hi  there","body":"Hello.\n"}`, Draft{Subject: "Hi there", Body: "Hello.\n"}, false},
		{"fenced", "```json\n{\"subject\":\"S\",\"body\":\"B\"}\n```", Draft{Subject: "S", Body: "B\n"}, false},
		{"missing body", `{"subject":"S"}`, Draft{}, true},
		{"not json", "Sure! Here is your email", Draft{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDraft(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt(Request{
		Candidate:  candidate(),
		SenderName: "Sam",
		Keywords:   []string{"plumber leeds"},
		Template:   "Keep it short.",
	})
	for _, want := range []string{"Recipient business: Acme Plumbing", "Website: https://acme-plumbing.test/", "plumber leeds", "Sender name: Sam", "Keep it short."} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(p, "info@acme-plumbing.test") {
		t.Error("the prompt should not leak the recipient address")
	}
}

func TestClassifyErr(t *testing.T) {
	tests := []struct {
		name      string
		in        error
		transient bool
	}{
		{"rate limited", genai.APIError{Code: 429}, true},
		{"server error", genai.APIError{Code: 503}, true},
		{"bad request", genai.APIError{Code: 400}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var te *TransientError
			if got := errors.As(classifyErr(tt.in), &te); got != tt.transient {
				t.Errorf("transient = %v, want %v", got, tt.transient)
			}
		})
	}
}

func TestNewGemini_RequiresConfig(t *testing.T) {
	if _, err := NewGemini(context.Background(), GeminiConfig{Model: "gemini-2.5-flash"}); err == nil {
		t.Error("expected an error without an api key")
	}
	if _, err := NewGemini(context.Background(), GeminiConfig{APIKey: "k"}); err == nil {
		t.Error("expected an error without a model")
	}
}
