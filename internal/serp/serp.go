// Package serp drives the two-phase submit/poll protocol of a task-based
// search results API.
package serp

import (
	"context"
	"strings"
	"time"

	"github.com/FranksOps/prospector/internal/normalize"
)

// Query is one organic search request.
type Query struct {
	Keyword      string `json:"keyword" validate:"required,max=700"`
	LocationCode int    `json:"location_code" validate:"gt=0"`
	LanguageCode string `json:"language_code" validate:"len=2,alpha"`
	Device       string `json:"device" validate:"oneof=desktop mobile"`
	Depth        int    `json:"depth" validate:"min=1,max=100"`
	Tag          string `json:"tag,omitempty"`
}

// Normalized returns q with whitespace trimmed and codes lower-cased.
func (q Query) Normalized() Query {
	q.Keyword = strings.TrimSpace(q.Keyword)
	q.LanguageCode = strings.ToLower(strings.TrimSpace(q.LanguageCode))
	q.Device = strings.ToLower(strings.TrimSpace(q.Device))
	return q
}

// Task is the in-flight handle for a submitted query.
type Task struct {
	ID          string
	Query       Query
	Status      StatusClass
	StatusCode  int
	Attempts    int
	SubmittedAt time.Time
}

// ResultSet is a resolved task. Records preserve the remote order.
type ResultSet struct {
	TaskID  string
	Keyword string
	Items   []normalize.Item
	Records []normalize.Record
}

// Dropped is the number of raw items that did not normalize.
func (r *ResultSet) Dropped() int {
	if r == nil {
		return 0
	}
	return len(r.Items) - len(r.Records)
}

// Searcher submits and resolves search tasks.
type Searcher interface {
	Submit(ctx context.Context, q Query) (*Task, error)
	Resolve(ctx context.Context, task *Task) (*ResultSet, error)
}

// Search submits q and resolves it.
func Search(ctx context.Context, s Searcher, q Query) (*ResultSet, error) {
	task, err := s.Submit(ctx, q)
	if err != nil {
		return nil, err
	}
	return s.Resolve(ctx, task)
}
