// Package sender delivers composed outreach messages.
package sender

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Message is one outbound email.
type Message struct {
	CandidateID string
	JobID       string
	To          string
	ToName      string
	Subject     string
	Text        string
}

// Validate checks the fields every provider needs.
func (m Message) Validate() error {
	switch {
	case strings.TrimSpace(m.To) == "":
		return errors.New("message has no recipient")
	case strings.TrimSpace(m.Subject) == "":
		return errors.New("message has no subject")
	case strings.TrimSpace(m.Text) == "":
		return errors.New("message has no body")
	}
	return nil
}

// Sender delivers a message and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, m Message) (string, error)
}

// SendGridConfig holds the SendGrid credentials and sender identity.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	// Host overrides https://api.sendgrid.com, for tests.
	Host string
}

// SendGrid sends through the v3 mail/send endpoint.
type SendGrid struct {
	cfg  SendGridConfig
	from *mail.Email
}

// NewSendGrid validates cfg.
func NewSendGrid(cfg SendGridConfig) (*SendGrid, error) {
	if cfg.APIKey == "" || cfg.FromEmail == "" {
		return nil, errors.New("sendgrid: api key and from address are required")
	}
	return &SendGrid{cfg: cfg, from: mail.NewEmail(cfg.FromName, cfg.FromEmail)}, nil
}

// Send posts m and returns the X-Message-Id SendGrid assigns.
func (s *SendGrid) Send(ctx context.Context, m Message) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}

	msg := mail.NewSingleEmail(s.from, m.Subject, mail.NewEmail(m.ToName, m.To), m.Text, textToHTML(m.Text))
	if p := msg.Personalizations; len(p) > 0 {
		if m.CandidateID != "" {
			p[0].SetCustomArg("candidate_id", m.CandidateID)
		}
		if m.JobID != "" {
			p[0].SetCustomArg("job_id", m.JobID)
		}
	}

	req := sendgrid.GetRequest(s.cfg.APIKey, "/v3/mail/send", s.cfg.Host)
	req.Method = http.MethodPost
	req.Body = mail.GetRequestBody(msg)

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("sendgrid: status %d: %s", resp.StatusCode, snippet(resp.Body))
	}
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 && ids[0] != "" {
		return ids[0], nil
	}
	return "", errors.New("sendgrid: accepted without a message id")
}

// DryRun logs messages instead of sending them.
type DryRun struct {
	logger *slog.Logger
}

// NewDryRun returns a sender that only logs.
func NewDryRun(logger *slog.Logger) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRun{logger: logger}
}

// Send logs m and returns a synthetic id prefixed "dry-run-".
func (d *DryRun) Send(_ context.Context, m Message) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	id := "dry-run-" + uuid.NewString()
	d.logger.Info("dry run message", "message_id", id, "candidate_id", m.CandidateID, "to", m.To, "subject", m.Subject, "bytes", len(m.Text))
	return id, nil
}

func textToHTML(text string) string {
	paras := strings.Split(strings.TrimSpace(text), "\n\n")
	var b strings.Builder
	for _, p := range paras {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(p), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
