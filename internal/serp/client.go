package serp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/FranksOps/prospector/internal/metrics"
	"github.com/FranksOps/prospector/internal/normalize"
	"github.com/FranksOps/prospector/pkg/httpclient"
	"github.com/FranksOps/prospector/pkg/ratelimit"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultBaseURL = "https://api.dataforseo.com"

	submitPath = "/v3/serp/google/organic/task_post"
	pollPath   = "/v3/serp/google/organic/task_get/regular/"

	// keep error snippets small, bodies may echo credentials
	maxSnippet = 256
)

// Doer executes an HTTP request under ctx.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Config configures a Client.
type Config struct {
	BaseURL  string
	Login    string
	Password string

	Policy Policy
	// MaxConcurrentPolls bounds how many poll loops run at once; excess
	// Resolve calls queue.
	MaxConcurrentPolls int64
	// RequestsPerSecond paces every API round trip. <= 0 disables pacing.
	RequestsPerSecond float64

	// HTTP overrides the default client, mainly for tests.
	HTTP   Doer
	Logger *slog.Logger
}

// Client talks to the remote task API. It is safe for concurrent use.
type Client struct {
	base     *url.URL
	login    string
	password string
	policy   Policy
	http     Doer
	sem      *semaphore.Weighted
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	// sleep is swapped in tests to run the poll loop on a fake clock.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

var _ Searcher = (*Client)(nil)

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Login) == "" || strings.TrimSpace(cfg.Password) == "" {
		return nil, errors.New("serp: login and password are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("serp: invalid base url %q", cfg.BaseURL)
	}
	if cfg.MaxConcurrentPolls <= 0 {
		cfg.MaxConcurrentPolls = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTP == nil {
		hc, err := httpclient.New(httpclient.Config{Timeout: 60 * time.Second, MaxRedirects: 3})
		if err != nil {
			return nil, fmt.Errorf("serp: http client: %w", err)
		}
		cfg.HTTP = hc
	}

	return &Client{
		base:     base,
		login:    cfg.Login,
		password: cfg.Password,
		policy:   cfg.Policy.withDefaults(),
		http:     cfg.HTTP,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentPolls),
		limiter:  ratelimit.NewLimiter(cfg.RequestsPerSecond, 0),
		logger:   cfg.Logger,
		sleep:    sleepContext,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

type envelope struct {
	StatusCode    int        `json:"status_code"`
	StatusMessage string     `json:"status_message"`
	Tasks         []wireTask `json:"tasks"`
}

type wireTask struct {
	ID            string       `json:"id"`
	StatusCode    int          `json:"status_code"`
	StatusMessage string       `json:"status_message"`
	Result        []wireResult `json:"result"`
}

type wireResult struct {
	Keyword    string           `json:"keyword"`
	ItemsCount int              `json:"items_count"`
	Items      []normalize.Item `json:"items"`
}

// firstTask returns the only task of a single-task envelope.
func (e *envelope) firstTask() (wireTask, bool) {
	if e == nil || len(e.Tasks) == 0 {
		return wireTask{}, false
	}
	return e.Tasks[0], true
}

// Submit validates q and posts it as a new task.
func (c *Client) Submit(ctx context.Context, q Query) (*Task, error) {
	q, err := Validate(q)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal([]Query{q})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	status, env, err := c.call(ctx, http.MethodPost, submitPath, body)
	if err != nil {
		return nil, &SubmissionError{HTTPStatus: status, Err: err}
	}
	if env.StatusCode != CodeOK {
		return nil, &SubmissionError{HTTPStatus: status, StatusCode: env.StatusCode, Message: env.StatusMessage}
	}

	wt, ok := env.firstTask()
	if !ok {
		return nil, &SubmissionError{HTTPStatus: status, Message: "response contained no tasks"}
	}
	if wt.ID == "" {
		return nil, &SubmissionError{HTTPStatus: status, StatusCode: wt.StatusCode, Message: "response task has no id"}
	}

	class := Classify(wt.StatusCode)
	if class == StatusFailed {
		return nil, &SubmissionError{HTTPStatus: status, StatusCode: wt.StatusCode, Message: wt.StatusMessage}
	}

	task := &Task{
		ID:          wt.ID,
		Query:       q,
		Status:      class,
		StatusCode:  wt.StatusCode,
		SubmittedAt: c.now(),
	}
	c.logger.Debug("search task submitted", "task_id", task.ID, "keyword", q.Keyword, "status", class)
	return task, nil
}

// Resolve polls task until it is ready, fails, or exhausts the attempt
// budget. Only MaxConcurrentPolls loops run at once; the rest wait here.
func (c *Client) Resolve(ctx context.Context, task *Task) (*ResultSet, error) {
	if task == nil || task.ID == "" {
		return nil, &ResolutionError{Message: "task has no id"}
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("resolve task %s: %w", task.ID, err)
	}
	defer c.sem.Release(1)

	start := time.Now()
	rs, err := c.pollLoop(ctx, task)
	metrics.ObserveResolution(outcome(err), time.Since(start))
	return rs, err
}

func (c *Client) pollLoop(ctx context.Context, task *Task) (*ResultSet, error) {
	p := c.policy
	if err := c.sleep(ctx, p.InitialDelay); err != nil {
		return nil, fmt.Errorf("resolve task %s: %w", task.ID, err)
	}

	backoffStep := 0
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		task.Attempts = attempt

		rs, class, code, err := c.poll(ctx, task)
		if err != nil {
			var rerr *ResolutionError
			if errors.As(err, &rerr) {
				metrics.RecordPoll(StatusFailed.String())
				return nil, err
			}
			metrics.RecordPoll("error")
			if ctx.Err() != nil {
				return nil, fmt.Errorf("resolve task %s: %w", task.ID, ctx.Err())
			}
			// transport trouble only costs this attempt
			c.logger.Warn("search poll failed", "task_id", task.ID, "attempt", attempt, "err", err)
		} else {
			metrics.RecordPoll(class.String())
			task.Status = class
			task.StatusCode = code
		}

		if err == nil && class == StatusReady {
			c.logger.Debug("search task ready", "task_id", task.ID, "attempt", attempt, "items", len(rs.Items))
			return rs, nil
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Backoff(backoffStep)
		if err == nil && class == StatusNotFound {
			delay = p.NotFoundDelay
		} else {
			backoffStep++
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("resolve task %s: %w", task.ID, err)
		}
	}

	return nil, &TimeoutError{TaskID: task.ID, Attempts: task.Attempts, LastStatus: task.Status}
}

// poll performs one round trip. A returned *ResolutionError is terminal;
// any other error is an attempt-level failure.
func (c *Client) poll(ctx context.Context, task *Task) (*ResultSet, StatusClass, int, error) {
	_, env, err := c.call(ctx, http.MethodGet, pollPath+task.ID, nil)
	if err != nil {
		var merr *malformedError
		if errors.As(err, &merr) {
			return nil, StatusFailed, 0, &ResolutionError{TaskID: task.ID, Message: "malformed response", Err: err}
		}
		return nil, StatusFailed, 0, err
	}
	if env.StatusCode != CodeOK {
		return nil, StatusFailed, env.StatusCode, &ResolutionError{TaskID: task.ID, StatusCode: env.StatusCode, Message: env.StatusMessage}
	}

	wt, ok := env.firstTask()
	if !ok {
		return nil, StatusFailed, 0, &ResolutionError{TaskID: task.ID, Message: "response contained no tasks"}
	}
	if wt.ID == "" {
		return nil, StatusFailed, wt.StatusCode, &ResolutionError{TaskID: task.ID, StatusCode: wt.StatusCode, Message: "response task has no id"}
	}

	class := Classify(wt.StatusCode)
	switch class {
	case StatusReady:
		if len(wt.Result) == 0 {
			return nil, class, wt.StatusCode, &ResolutionError{TaskID: task.ID, StatusCode: wt.StatusCode, Message: "ready task has an empty result envelope"}
		}
		return c.resultSet(task, wt), class, wt.StatusCode, nil
	case StatusFailed:
		return nil, class, wt.StatusCode, &ResolutionError{TaskID: task.ID, StatusCode: wt.StatusCode, Message: wt.StatusMessage}
	default:
		return nil, class, wt.StatusCode, nil
	}
}

func (c *Client) resultSet(task *Task, wt wireTask) *ResultSet {
	rs := &ResultSet{TaskID: task.ID, Keyword: task.Query.Keyword}
	for _, r := range wt.Result {
		if rs.Keyword == "" {
			rs.Keyword = r.Keyword
		}
		rs.Items = append(rs.Items, r.Items...)
	}
	for rec := range normalize.Records(rs.Items, c.logger) {
		rs.Records = append(rs.Records, rec)
	}
	return rs
}

// malformedError marks a 200 response whose body could not be decoded.
type malformedError struct {
	err error
}

func (e *malformedError) Error() string { return "decode response: " + e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

// call performs one authenticated round trip and decodes the envelope.
func (c *Client) call(ctx context.Context, method, path string, body []byte) (int, *envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	u := c.base.ResolveReference(&url.URL{Path: path})
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return 0, nil, err
	}
	req.SetBasicAuth(c.login, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil, fmt.Errorf("unexpected http status %s: %s", resp.Status, snippet(b))
	}

	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return resp.StatusCode, nil, &malformedError{err: err}
	}
	return resp.StatusCode, &env, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(strings.ReplaceAll(string(b), "\n", " "))
	if len(s) > maxSnippet {
		return s[:maxSnippet] + "..."
	}
	return s
}

func outcome(err error) string {
	var (
		rerr *ResolutionError
		terr *TimeoutError
	)
	switch {
	case err == nil:
		return "ready"
	case errors.As(err, &terr):
		return "timeout"
	case errors.As(err, &rerr):
		return "failed"
	default:
		return "error"
	}
}
