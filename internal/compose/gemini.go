package compose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/genai"
)

// GeminiConfig configures the LLM composer.
type GeminiConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL string
}

// Gemini drafts messages with a Gemini model, using the request template
// as a style guide rather than rendering it.
type Gemini struct {
	client *genai.Client
	model  string
}

// TransientError marks a failure worth retrying later, such as a rate limit.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewGemini builds the API client.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("gemini api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("gemini model is required")
	}

	cc := &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		cc.HTTPOptions.BaseURL = base
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

var draftSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"subject": {Type: genai.TypeString},
		"body":    {Type: genai.TypeString},
	},
	Required: []string{"subject", "body"},
}

// Compose asks the model for a subject and body as structured JSON.
func (g *Gemini) Compose(ctx context.Context, req Request) (Draft, error) {
	if req.Candidate == nil {
		return Draft{}, errors.New("compose: nil candidate")
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(buildPrompt(req)), &genai.GenerateContentConfig{
		CandidateCount:   1,
		ResponseMIMEType: "application/json",
		ResponseSchema:   draftSchema,
	})
	if err != nil {
		return Draft{}, classifyErr(err)
	}
	return parseDraft(resp.Text())
}

func buildPrompt(req Request) string {
	f := FieldsFor(req)
	var b strings.Builder
	b.WriteString(`You write short, friendly B2B cold outreach emails.

Return ONLY a JSON object with keys "subject" and "body".

Rules:
- Plain text body, under 120 words, no markdown, no placeholders.
- Mention one concrete detail about the recipient's business.
- Sign off with the sender name exactly as given.
`)
	fmt.Fprintf(&b, "\nRecipient business: %s\nWebsite: %s\n", f.Name, f.URL)
	if f.Description != "" {
		fmt.Fprintf(&b, "About them: %s\n", f.Description)
	}
	if len(f.Keywords) > 0 {
		fmt.Fprintf(&b, "Found while searching for: %s\n", strings.Join(f.Keywords, ", "))
	}
	fmt.Fprintf(&b, "Sender name: %s\n", f.SenderName)
	if req.Subject != "" {
		fmt.Fprintf(&b, "Use this subject line: %s\n", req.Subject)
	}
	if req.Template != "" {
		fmt.Fprintf(&b, "\nMatch the tone and intent of this example:\n%s\n", req.Template)
	}
	return b.String()
}

func parseDraft(text string) (Draft, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimSuffix(strings.TrimPrefix(text, "```"), "```")

	var d Draft
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &d); err != nil {
		return Draft{}, fmt.Errorf("gemini: parse draft: %w", err)
	}
	d.Subject = strings.Join(strings.Fields(d.Subject), " ")
	d.Body = strings.TrimSpace(d.Body)
	if d.Subject == "" || d.Body == "" {
		return Draft{}, ErrEmptyDraft
	}
	d.Body += "\n"
	return d, nil
}

func classifyErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TransientError{Err: err}
	}
	return err
}
