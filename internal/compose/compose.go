// Package compose drafts outreach emails for enriched candidates.
package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/FranksOps/prospector/internal/storage"
)

// DefaultSubject and DefaultBody are used when a send job carries no
// template of its own.
const (
	DefaultSubject = "Quick question about {{.Name}}"
	DefaultBody    = `Hi {{.Name}} team,

I came across {{.Domain}}{{if .Keywords}} while looking into {{join .Keywords ", "}}{{end}} and wanted to reach out.

Would you be open to a short call next week?

Best,
{{.SenderName}}
`
)

// ErrEmptyDraft is returned when a composer produced no subject or body.
var ErrEmptyDraft = errors.New("compose: empty draft")

// Request is everything a composer may use to write one message.
type Request struct {
	Candidate  *storage.Candidate
	Subject    string
	Template   string
	SenderName string
	Keywords   []string
}

// Draft is a composed message, plain text only.
type Draft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Composer writes a Draft for one candidate.
type Composer interface {
	Compose(ctx context.Context, req Request) (Draft, error)
}

// Fields is the data exposed to templates.
type Fields struct {
	Name        string
	Domain      string
	URL         string
	Title       string
	Description string
	Email       string
	Platform    string
	SenderName  string
	Keywords    []string
}

// FieldsFor derives template fields from a request.
func FieldsFor(req Request) Fields {
	c := req.Candidate
	f := Fields{
		Domain:      c.Key,
		URL:         c.URL,
		Title:       c.Title,
		Description: c.Description,
		Platform:    c.Platform,
		SenderName:  req.SenderName,
		Keywords:    req.Keywords,
	}
	f.Email, _ = c.PrimaryEmail()
	f.Name = displayName(c)
	if f.SenderName == "" {
		f.SenderName = "The team"
	}
	return f
}

// displayName prefers the page title's leading segment ("Acme Plumbing |
// Leeds" -> "Acme Plumbing") and falls back to the key.
func displayName(c *storage.Candidate) string {
	title := strings.TrimSpace(c.Title)
	for _, sep := range []string{" | ", " - ", " – ", " :: ", ": "} {
		if before, _, ok := strings.Cut(title, sep); ok {
			title = strings.TrimSpace(before)
		}
	}
	if title != "" && len(title) <= 60 {
		return title
	}
	if _, user, ok := strings.Cut(c.Key, ":"); ok && c.Platform != "" {
		return user
	}
	return c.Key
}

var funcs = template.FuncMap{
	"join":  strings.Join,
	"lower": strings.ToLower,
	"title": func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
}

// Templates renders Go text/template subject and body templates.
type Templates struct {
	subject string
	body    string
}

// NewTemplates returns a composer with fallback templates for requests that
// carry none. Empty arguments select DefaultSubject and DefaultBody.
func NewTemplates(subject, body string) (*Templates, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if body == "" {
		body = DefaultBody
	}
	for name, text := range map[string]string{"subject": subject, "body": body} {
		if _, err := parse(name, text); err != nil {
			return nil, err
		}
	}
	return &Templates{subject: subject, body: body}, nil
}

// Compose renders the request's own templates, or the fallbacks.
func (t *Templates) Compose(_ context.Context, req Request) (Draft, error) {
	if req.Candidate == nil {
		return Draft{}, errors.New("compose: nil candidate")
	}
	subject, body := t.subject, t.body
	if req.Subject != "" {
		subject = req.Subject
	}
	if req.Template != "" {
		body = req.Template
	}

	fields := FieldsFor(req)
	var d Draft
	var err error
	if d.Subject, err = render("subject", subject, fields); err != nil {
		return Draft{}, err
	}
	if d.Body, err = render("body", body, fields); err != nil {
		return Draft{}, err
	}
	d.Subject = strings.Join(strings.Fields(d.Subject), " ")
	d.Body = strings.TrimSpace(d.Body) + "\n"
	if d.Subject == "" || strings.TrimSpace(d.Body) == "" {
		return Draft{}, ErrEmptyDraft
	}
	return d, nil
}

func parse(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s template: %w", name, err)
	}
	return tmpl, nil
}

func render(name, text string, data Fields) (string, error) {
	tmpl, err := parse(name, text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
