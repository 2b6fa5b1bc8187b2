package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/FranksOps/prospector/internal/storage"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ensure sqliteBackend implements storage.Backend
var _ storage.Backend = (*sqliteBackend)(nil)

// timestamps are stored as fixed-width UTC text so they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type sqliteBackend struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	parameters TEXT NOT NULL,
	result TEXT,
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_stage_status_idx ON jobs (stage, status);

CREATE TABLE IF NOT EXISTS candidates (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	platform TEXT NOT NULL DEFAULT '',
	emails TEXT NOT NULL DEFAULT '[]',
	relevance REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT '',
	job_id TEXT NOT NULL DEFAULT '',
	raw TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	enriched_at TEXT,
	contacted_at TEXT
);
CREATE INDEX IF NOT EXISTS candidates_status_idx ON candidates (status);
`

const jobColumns = `id, stage, status, parameters, result, error, created_at, started_at, completed_at, updated_at`

const candidateColumns = `id, key, url, title, description, platform, emails, relevance, status, note, message_id, job_id, raw, created_at, updated_at, enriched_at, contacted_at`

// New creates a new SQLite-backed storage.Backend.
func New(dsn string) (storage.Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single writer avoids SQLITE_BUSY under concurrent stage workers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) CreateJob(ctx context.Context, job *storage.Job) error {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, NULL, '', ?, NULL, NULL, ?)`,
		job.ID, string(job.Stage), string(job.Status), string(params),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		return mapErr(fmt.Sprintf("create job %s", job.ID), err)
	}
	return nil
}

func (b *sqliteBackend) LoadJob(ctx context.Context, id string) (*storage.Job, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

func (b *sqliteBackend) SaveJob(ctx context.Context, job *storage.Job) error {
	var result sql.NullString
	if job.Result != nil {
		data, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}

	res, err := b.db.ExecContext(ctx, `UPDATE jobs
		SET status = ?, result = ?, error = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		string(job.Status), result, job.Error,
		nullTime(job.StartedAt), nullTime(job.CompletedAt), formatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	if n == 1 {
		return nil
	}

	var count int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE id = ?`, job.ID).Scan(&count); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	if count == 0 {
		return fmt.Errorf("job %s: %w", job.ID, storage.ErrNotFound)
	}
	return fmt.Errorf("job %s: %w", job.ID, storage.ErrInvalidTransition)
}

func (b *sqliteBackend) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*storage.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	query += ` ORDER BY created_at DESC, id`
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*storage.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (b *sqliteBackend) ExistsCandidate(ctx context.Context, key string) (bool, error) {
	var count int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM candidates WHERE key = ?`, key).Scan(&count); err != nil {
		return false, fmt.Errorf("check candidate %s: %w", key, err)
	}
	return count > 0, nil
}

func (b *sqliteBackend) CreateCandidate(ctx context.Context, c *storage.Candidate) error {
	emails, err := encodeEmails(c.Emails)
	if err != nil {
		return err
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	_, err = b.db.ExecContext(ctx, `INSERT INTO candidates (`+candidateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Key, c.URL, c.Title, c.Description, c.Platform, emails, c.Relevance,
		string(c.Status), c.Note, c.MessageID, c.JobID, nullRaw(c.Raw),
		formatTime(created), formatTime(updated), nullTime(c.EnrichedAt), nullTime(c.ContactedAt),
	)
	if err != nil {
		return mapErr(fmt.Sprintf("create candidate %s", c.Key), err)
	}
	return nil
}

func (b *sqliteBackend) GetCandidate(ctx context.Context, id string) (*storage.Candidate, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE id = ?`, id)
	c, err := scanCandidate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("candidate %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get candidate %s: %w", id, err)
	}
	return c, nil
}

func (b *sqliteBackend) UpdateCandidate(ctx context.Context, c *storage.Candidate) error {
	emails, err := encodeEmails(c.Emails)
	if err != nil {
		return err
	}

	res, err := b.db.ExecContext(ctx, `UPDATE candidates
		SET url = ?, title = ?, description = ?, platform = ?, emails = ?, relevance = ?,
			status = ?, note = ?, message_id = ?, job_id = ?, raw = ?,
			updated_at = ?, enriched_at = ?, contacted_at = ?
		WHERE id = ?`,
		c.URL, c.Title, c.Description, c.Platform, emails, c.Relevance,
		string(c.Status), c.Note, c.MessageID, c.JobID, nullRaw(c.Raw),
		formatTime(c.UpdatedAt), nullTime(c.EnrichedAt), nullTime(c.ContactedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update candidate %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update candidate %s: %w", c.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("candidate %s: %w", c.ID, storage.ErrNotFound)
	}
	return nil
}

func (b *sqliteBackend) ListCandidates(ctx context.Context, filter storage.CandidateFilter) ([]*storage.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE 1=1`
	args := []any{}

	if len(filter.IDs) > 0 {
		query += ` AND id IN (?` + strings.Repeat(`, ?`, len(filter.IDs)-1) + `)`
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}

	query += ` ORDER BY created_at, key`
	if len(filter.IDs) == 0 {
		query, args = paginate(query, args, filter.Limit, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []*storage.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	if len(filter.IDs) > 0 {
		// keep the caller's order for explicit id lists
		slices.SortStableFunc(out, func(a, b *storage.Candidate) int {
			return slices.Index(filter.IDs, a.ID) - slices.Index(filter.IDs, b.ID)
		})
		out = page(out, filter.Offset, filter.Limit)
	}
	return out, nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*storage.Job, error) {
	var (
		j                     storage.Job
		stage, status, params string
		result                sql.NullString
		created, updated      string
		started, completed    sql.NullString
	)
	err := row.Scan(&j.ID, &stage, &status, &params, &result, &j.Error,
		&created, &started, &completed, &updated)
	if err != nil {
		return nil, err
	}
	j.Stage = storage.Stage(stage)
	j.Status = storage.Status(status)
	if err := json.Unmarshal([]byte(params), &j.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if result.Valid && result.String != "" {
		var r storage.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		j.Result = &r
	}
	if j.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanCandidate(row scanner) (*storage.Candidate, error) {
	var (
		c                 storage.Candidate
		status, emails    string
		raw               sql.NullString
		created, updated  string
		enriched, contact sql.NullString
	)
	err := row.Scan(&c.ID, &c.Key, &c.URL, &c.Title, &c.Description, &c.Platform, &emails,
		&c.Relevance, &status, &c.Note, &c.MessageID, &c.JobID, &raw,
		&created, &updated, &enriched, &contact)
	if err != nil {
		return nil, err
	}
	c.Status = storage.CandidateStatus(status)
	if err := json.Unmarshal([]byte(emails), &c.Emails); err != nil {
		return nil, fmt.Errorf("decode emails: %w", err)
	}
	if len(c.Emails) == 0 {
		c.Emails = nil
	}
	if raw.Valid && raw.String != "" {
		c.Raw = json.RawMessage(raw.String)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if c.EnrichedAt, err = parseNullTime(enriched); err != nil {
		return nil, err
	}
	if c.ContactedAt, err = parseNullTime(contact); err != nil {
		return nil, err
	}
	return &c, nil
}

// mapErr turns unique and primary key violations into storage.ErrDuplicateKey.
func mapErr(op string, err error) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w", op, storage.ErrDuplicateKey)
		}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", op, storage.ErrDuplicateKey)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func paginate(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	} else if offset > 0 {
		// sqlite requires a LIMIT before OFFSET
		query += ` LIMIT -1`
	}
	if offset > 0 {
		query += ` OFFSET ?`
		args = append(args, offset)
	}
	return query, args
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func encodeEmails(emails []string) (string, error) {
	if emails == nil {
		emails = []string{}
	}
	data, err := json.Marshal(emails)
	if err != nil {
		return "", fmt.Errorf("encode emails: %w", err)
	}
	return string(data), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
