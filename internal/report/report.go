// Package report summarises jobs and candidates for operators.
package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/FranksOps/prospector/internal/storage"
)

// pageSize is the batch used when walking a store.
const pageSize = 500

// maxFailures caps the failed jobs listed in a summary.
const maxFailures = 10

// FailedJob is a short line for a failed job.
type FailedJob struct {
	ID    string `json:"id"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// Summary aggregates job and candidate state.
type Summary struct {
	TotalJobs    int                       `json:"total_jobs"`
	JobsByStage  map[string]map[string]int `json:"jobs_by_stage"`
	Failures     []FailedJob               `json:"failures,omitempty"`
	StartTime    time.Time                 `json:"start_time"`
	EndTime      time.Time                 `json:"end_time"`
	Duration     time.Duration             `json:"duration"`
	Candidates   int                       `json:"candidates"`
	ByStatus     map[string]int            `json:"candidates_by_status"`
	WithEmail    int                       `json:"with_email"`
	Profiles     int                       `json:"profiles"`
	AvgRelevance float64                   `json:"avg_relevance"`
}

// GenerateSummary aggregates jobs and candidates. Failures lists the most
// recent failed jobs first.
func GenerateSummary(jobs []*storage.Job, candidates []*storage.Candidate) Summary {
	s := Summary{
		JobsByStage: make(map[string]map[string]int),
		ByStatus:    make(map[string]int),
	}

	var failed []*storage.Job
	for i, j := range jobs {
		s.TotalJobs++
		byStatus := s.JobsByStage[string(j.Stage)]
		if byStatus == nil {
			byStatus = make(map[string]int)
			s.JobsByStage[string(j.Stage)] = byStatus
		}
		byStatus[string(j.Status)]++
		if j.Status == storage.StatusFailed {
			failed = append(failed, j)
		}

		if i == 0 || j.CreatedAt.Before(s.StartTime) {
			s.StartTime = j.CreatedAt
		}
		end := j.UpdatedAt
		if j.CompletedAt != nil {
			end = *j.CompletedAt
		}
		if end.After(s.EndTime) {
			s.EndTime = end
		}
	}
	if !s.StartTime.IsZero() && s.EndTime.After(s.StartTime) {
		s.Duration = s.EndTime.Sub(s.StartTime)
	}

	slices.SortFunc(failed, func(a, b *storage.Job) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	for _, j := range failed[:min(len(failed), maxFailures)] {
		s.Failures = append(s.Failures, FailedJob{ID: j.ID, Stage: string(j.Stage), Error: j.Error})
	}

	var relevance float64
	scored := 0
	for _, c := range candidates {
		s.Candidates++
		s.ByStatus[string(c.Status)]++
		if len(c.Emails) > 0 {
			s.WithEmail++
		}
		if c.IsProfile() {
			s.Profiles++
		}
		if c.EnrichedAt != nil && !c.IsProfile() {
			relevance += c.Relevance
			scored++
		}
	}
	if scored > 0 {
		s.AvgRelevance = math.Round(relevance/float64(scored)*100) / 100
	}
	return s
}

// Collect reads every job and candidate from store.
func Collect(ctx context.Context, store storage.Backend) ([]*storage.Job, []*storage.Candidate, error) {
	var jobs []*storage.Job
	for offset := 0; ; offset += pageSize {
		batch, err := store.ListJobs(ctx, storage.JobFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, batch...)
		if len(batch) < pageSize {
			break
		}
	}
	candidates, err := Candidates(ctx, store, storage.CandidateFilter{})
	if err != nil {
		return nil, nil, err
	}
	return jobs, candidates, nil
}

// Candidates pages through every candidate matching filter. Limit and
// Offset on filter are ignored.
func Candidates(ctx context.Context, store storage.CandidateStore, filter storage.CandidateFilter) ([]*storage.Candidate, error) {
	var out []*storage.Candidate
	filter.Limit = pageSize
	for filter.Offset = 0; ; filter.Offset += pageSize {
		batch, err := store.ListCandidates(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list candidates: %w", err)
		}
		out = append(out, batch...)
		if len(batch) < pageSize {
			return out, nil
		}
	}
}

// WriteJSON writes the summary as indented JSON.
func WriteJSON(w io.Writer, summary Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return nil
}

const textTmpl = `Prospector Summary
------------------
{{- if .TotalJobs}}
Time:        {{.StartTime.Format "2006-01-02 15:04:05"}} - {{.EndTime.Format "2006-01-02 15:04:05"}}
Duration:    {{.Duration}}
{{- end}}
Jobs:        {{.TotalJobs}}
{{- range $stage, $counts := .JobsByStage}}
  {{$stage}}:{{range $status, $n := $counts}} {{$status}}={{$n}}{{end}}
{{- else}}
  None
{{- end}}
{{- if .Failures}}

Recent failures:
{{- range .Failures}}
  {{.ID}} ({{.Stage}}): {{.Error}}
{{- end}}
{{- end}}

Candidates:  {{.Candidates}}
With email:  {{.WithEmail}}
Profiles:    {{.Profiles}}
Relevance:   {{printf "%.2f" .AvgRelevance}}
{{- range $status, $n := .ByStatus}}
  {{$status}}: {{$n}}
{{- else}}
  None
{{- end}}
`

// WriteText writes a human-readable summary.
func WriteText(w io.Writer, summary Summary) error {
	t, err := texttemplate.New("text").Parse(textTmpl)
	if err != nil {
		return fmt.Errorf("parse text template: %w", err)
	}
	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("render text summary: %w", err)
	}
	return nil
}

const htmlTmpl = `<!DOCTYPE html>
<html>
<head>
<title>Prospector Report</title>
<style>
  body { font-family: sans-serif; margin: 40px; color: #333; }
  h1 { border-bottom: 2px solid #ccc; padding-bottom: 10px; }
  .stat-card { display: inline-block; padding: 20px; margin: 10px 10px 10px 0; background: #f4f4f4; border-radius: 5px; min-width: 150px; }
  .stat-val { font-size: 24px; font-weight: bold; }
  table { border-collapse: collapse; margin-top: 10px; }
  th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; }
  th { background: #eaeaea; }
</style>
</head>
<body>
  <h1>Prospector Report</h1>
  <div class="stat-card"><div>Jobs</div><div class="stat-val">{{.TotalJobs}}</div></div>
  <div class="stat-card"><div>Candidates</div><div class="stat-val">{{.Candidates}}</div></div>
  <div class="stat-card"><div>With email</div><div class="stat-val">{{.WithEmail}}</div></div>
  <div class="stat-card"><div>Failed jobs</div><div class="stat-val" style="color: {{if .Failures}}red{{else}}green{{end}};">{{len .Failures}}</div></div>

  <h3>Jobs</h3>
  <table>
    <tr><th>Stage</th><th>Status</th><th>Count</th></tr>
    {{- range $stage, $counts := .JobsByStage}}{{range $status, $n := $counts}}
    <tr><td>{{$stage}}</td><td>{{$status}}</td><td>{{$n}}</td></tr>
    {{- end}}{{else}}
    <tr><td colspan="3">None</td></tr>
    {{- end}}
  </table>

  <h3>Candidates</h3>
  <table>
    <tr><th>Status</th><th>Count</th></tr>
    {{- range $status, $n := .ByStatus}}
    <tr><td>{{$status}}</td><td>{{$n}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>
  {{- if .Failures}}

  <h3>Recent failures</h3>
  <table>
    <tr><th>Job</th><th>Stage</th><th>Error</th></tr>
    {{- range .Failures}}
    <tr><td>{{.ID}}</td><td>{{.Stage}}</td><td>{{.Error}}</td></tr>
    {{- end}}
  </table>
  {{- end}}
</body>
</html>
`

// WriteHTML writes a standalone HTML page. Job errors are escaped.
func WriteHTML(w io.Writer, summary Summary) error {
	t, err := template.New("html").Parse(htmlTmpl)
	if err != nil {
		return fmt.Errorf("parse html template: %w", err)
	}
	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("render html summary: %w", err)
	}
	return nil
}

var csvHeader = []string{
	"id", "key", "url", "title", "platform", "status", "emails",
	"relevance", "note", "message_id", "job_id", "created_at", "enriched_at", "contacted_at",
}

// WriteCSV exports candidates, one row each, emails joined by ";".
func WriteCSV(w io.Writer, candidates []*storage.Candidate) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, c := range candidates {
		row := []string{
			c.ID,
			c.Key,
			c.URL,
			c.Title,
			c.Platform,
			string(c.Status),
			strings.Join(c.Emails, ";"),
			strconv.FormatFloat(c.Relevance, 'f', 2, 64),
			c.Note,
			c.MessageID,
			c.JobID,
			c.CreatedAt.Format(time.RFC3339),
			timeOrEmpty(c.EnrichedAt),
			timeOrEmpty(c.ContactedAt),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", c.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func timeOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
