package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FranksOps/prospector/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ensure postgresBackend implements storage.Backend
var _ storage.Backend = (*postgresBackend)(nil)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

type postgresBackend struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	parameters JSONB NOT NULL,
	result JSONB,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_stage_status_idx ON jobs (stage, status);

CREATE TABLE IF NOT EXISTS candidates (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	platform TEXT NOT NULL DEFAULT '',
	emails TEXT[] NOT NULL DEFAULT '{}',
	relevance DOUBLE PRECISION NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT '',
	job_id TEXT NOT NULL DEFAULT '',
	raw JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	enriched_at TIMESTAMPTZ,
	contacted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS candidates_status_idx ON candidates (status);
`

const jobColumns = `id, stage, status, parameters, result, error, created_at, started_at, completed_at, updated_at`

const candidateColumns = `id, key, url, title, description, platform, emails, relevance, status, note, message_id, job_id, raw, created_at, updated_at, enriched_at, contacted_at`

// New creates a new Postgres-backed storage.Backend and applies the schema.
func New(ctx context.Context, dsn string) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &postgresBackend{pool: pool}, nil
}

func (b *postgresBackend) CreateJob(ctx context.Context, job *storage.Job) error {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}

	_, err = b.pool.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, NULL, '', $5, NULL, NULL, $6)`,
		job.ID, string(job.Stage), string(job.Status), params, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return mapErr(fmt.Sprintf("create job %s", job.ID), err)
	}
	return nil
}

func (b *postgresBackend) LoadJob(ctx context.Context, id string) (*storage.Job, error) {
	row := b.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

// SaveJob writes the mutable field group in one statement and refuses to
// touch a row that already reached a terminal status.
func (b *postgresBackend) SaveJob(ctx context.Context, job *storage.Job) error {
	var result []byte
	if job.Result != nil {
		var err error
		if result, err = json.Marshal(job.Result); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
	}

	tag, err := b.pool.Exec(ctx, `UPDATE jobs
		SET status = $2, result = $3, error = $4, started_at = $5, completed_at = $6, updated_at = $7
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		job.ID, string(job.Status), result, job.Error, job.StartedAt, job.CompletedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := b.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	if !exists {
		return fmt.Errorf("job %s: %w", job.ID, storage.ErrNotFound)
	}
	return fmt.Errorf("job %s: %w", job.ID, storage.ErrInvalidTransition)
}

func (b *postgresBackend) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*storage.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	paramCount := 1

	if filter.Stage != "" {
		query += fmt.Sprintf(` AND stage = $%d`, paramCount)
		args = append(args, string(filter.Stage))
		paramCount++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, paramCount)
		args = append(args, string(filter.Status))
		paramCount++
	}

	query += ` ORDER BY created_at DESC, id`
	query, args = paginate(query, args, paramCount, filter.Limit, filter.Offset)

	rows, err := b.pool.Query(ctx, query, args...)
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

func (b *postgresBackend) ExistsCandidate(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := b.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM candidates WHERE key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check candidate %s: %w", key, err)
	}
	return exists, nil
}

func (b *postgresBackend) CreateCandidate(ctx context.Context, c *storage.Candidate) error {
	_, err := b.pool.Exec(ctx, `INSERT INTO candidates (`+candidateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		candidateArgs(c)...,
	)
	if err != nil {
		return mapErr(fmt.Sprintf("create candidate %s", c.Key), err)
	}
	return nil
}

func (b *postgresBackend) GetCandidate(ctx context.Context, id string) (*storage.Candidate, error) {
	row := b.pool.QueryRow(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE id = $1`, id)
	c, err := scanCandidate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("candidate %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get candidate %s: %w", id, err)
	}
	return c, nil
}

func (b *postgresBackend) UpdateCandidate(ctx context.Context, c *storage.Candidate) error {
	emails := c.Emails
	if emails == nil {
		emails = []string{}
	}
	tag, err := b.pool.Exec(ctx, `UPDATE candidates
		SET url = $2, title = $3, description = $4, platform = $5, emails = $6, relevance = $7,
			status = $8, note = $9, message_id = $10, job_id = $11, raw = $12,
			updated_at = $13, enriched_at = $14, contacted_at = $15
		WHERE id = $1`,
		c.ID, c.URL, c.Title, c.Description, c.Platform, emails, c.Relevance,
		string(c.Status), c.Note, c.MessageID, c.JobID, nullJSON(c.Raw),
		c.UpdatedAt, c.EnrichedAt, c.ContactedAt,
	)
	if err != nil {
		return fmt.Errorf("update candidate %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("candidate %s: %w", c.ID, storage.ErrNotFound)
	}
	return nil
}

func (b *postgresBackend) ListCandidates(ctx context.Context, filter storage.CandidateFilter) ([]*storage.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE 1=1`
	args := []any{}
	paramCount := 1

	if len(filter.IDs) > 0 {
		query += fmt.Sprintf(` AND id = ANY($%d)`, paramCount)
		args = append(args, filter.IDs)
		paramCount++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, paramCount)
		args = append(args, string(filter.Status))
		paramCount++
	}
	if filter.JobID != "" {
		query += fmt.Sprintf(` AND job_id = $%d`, paramCount)
		args = append(args, filter.JobID)
		paramCount++
	}

	if len(filter.IDs) > 0 {
		// keep the caller's order for explicit id lists
		query += ` ORDER BY array_position($1::text[], id)`
	} else {
		query += ` ORDER BY created_at, key`
	}
	query, args = paginate(query, args, paramCount, filter.Limit, filter.Offset)

	rows, err := b.pool.Query(ctx, query, args...)
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
	return out, nil
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}

func paginate(query string, args []any, paramCount, limit, offset int) (string, []any) {
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, paramCount)
		args = append(args, limit)
		paramCount++
	}
	if offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, paramCount)
		args = append(args, offset)
	}
	return query, args
}

// mapErr turns unique violations into storage.ErrDuplicateKey.
func mapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, storage.ErrDuplicateKey)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func scanJob(row pgx.Row) (*storage.Job, error) {
	var (
		j              storage.Job
		stage, status  string
		params, result []byte
	)
	err := row.Scan(&j.ID, &stage, &status, &params, &result, &j.Error,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Stage = storage.Stage(stage)
	j.Status = storage.Status(status)
	if err := json.Unmarshal(params, &j.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if len(result) > 0 {
		var r storage.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		j.Result = &r
	}
	return &j, nil
}

func scanCandidate(row pgx.Row) (*storage.Candidate, error) {
	var (
		c      storage.Candidate
		status string
		raw    []byte
	)
	err := row.Scan(&c.ID, &c.Key, &c.URL, &c.Title, &c.Description, &c.Platform, &c.Emails,
		&c.Relevance, &status, &c.Note, &c.MessageID, &c.JobID, &raw,
		&c.CreatedAt, &c.UpdatedAt, &c.EnrichedAt, &c.ContactedAt)
	if err != nil {
		return nil, err
	}
	c.Status = storage.CandidateStatus(status)
	if len(raw) > 0 {
		c.Raw = json.RawMessage(raw)
	}
	if len(c.Emails) == 0 {
		c.Emails = nil
	}
	return &c, nil
}

func candidateArgs(c *storage.Candidate) []any {
	emails := c.Emails
	if emails == nil {
		emails = []string{}
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	return []any{
		c.ID, c.Key, c.URL, c.Title, c.Description, c.Platform, emails,
		c.Relevance, string(c.Status), c.Note, c.MessageID, c.JobID, nullJSON(c.Raw),
		created, updated, c.EnrichedAt, c.ContactedAt,
	}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
