package storage

import (
	"encoding/json"
	"slices"
	"time"
)

// CandidateStatus tracks how far a prospect has moved through the pipeline.
type CandidateStatus string

const (
	CandidateNew         CandidateStatus = "new"
	CandidateEnriched    CandidateStatus = "enriched"
	CandidateNoContact   CandidateStatus = "no_contact"
	CandidateBlocked     CandidateStatus = "blocked"
	CandidateUnreachable CandidateStatus = "unreachable"
	CandidateSkipped     CandidateStatus = "skipped"
	CandidateContacted   CandidateStatus = "contacted"
)

// Candidate is a discovered website or social profile, keyed by a natural
// identifier: a normalized domain, or "platform:username" for profiles.
type Candidate struct {
	ID          string          `json:"id"`
	Key         string          `json:"key"`
	URL         string          `json:"url"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Platform    string          `json:"platform,omitempty"`
	Emails      []string        `json:"emails,omitempty"`
	Relevance   float64         `json:"relevance,omitempty"`
	Status      CandidateStatus `json:"status"`
	Note        string          `json:"note,omitempty"`
	MessageID   string          `json:"message_id,omitempty"`
	JobID       string          `json:"job_id,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	EnrichedAt  *time.Time      `json:"enriched_at,omitempty"`
	ContactedAt *time.Time      `json:"contacted_at,omitempty"`
}

// NewCandidate returns a record in status new.
func NewCandidate(id, key, rawURL string) *Candidate {
	ts := now()
	return &Candidate{
		ID:        id,
		Key:       key,
		URL:       rawURL,
		Status:    CandidateNew,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

// IsProfile reports whether the candidate is a social profile rather than a site.
func (c *Candidate) IsProfile() bool {
	return c.Platform != ""
}

// PrimaryEmail returns the first known email, if any.
func (c *Candidate) PrimaryEmail() (string, bool) {
	if c == nil || len(c.Emails) == 0 {
		return "", false
	}
	return c.Emails[0], true
}

// Clone returns a deep copy.
func (c *Candidate) Clone() *Candidate {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Emails = slices.Clone(c.Emails)
	cp.Raw = slices.Clone(c.Raw)
	if c.EnrichedAt != nil {
		t := *c.EnrichedAt
		cp.EnrichedAt = &t
	}
	if c.ContactedAt != nil {
		t := *c.ContactedAt
		cp.ContactedAt = &t
	}
	return &cp
}

// Touch stamps UpdatedAt.
func (c *Candidate) Touch() {
	c.UpdatedAt = now()
}

// MarkEnriched records the outcome of an enrichment pass.
func (c *Candidate) MarkEnriched(status CandidateStatus, emails []string, relevance float64, note string) {
	ts := now()
	c.Status = status
	c.Emails = slices.Clone(emails)
	c.Relevance = relevance
	c.Note = note
	c.EnrichedAt = &ts
	c.UpdatedAt = ts
}

// MarkContacted records a delivered message.
func (c *Candidate) MarkContacted(messageID string) {
	ts := now()
	c.Status = CandidateContacted
	c.MessageID = messageID
	c.ContactedAt = &ts
	c.UpdatedAt = ts
}
