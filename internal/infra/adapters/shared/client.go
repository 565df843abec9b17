// Package shared provides the rate-limited, retrying HTTP JSON client used by provider adapters.
package shared

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/paywatch/errs"
)

const (
	defaultTimeout    = 4 * time.Second
	defaultMaxRetries = 3
	maxBodyBytes      = 4 << 20
	rawMessageLimit   = 512
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Provider names the upstream in errors.
	Provider string
	BaseURL  string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// RequestsPerSecond throttles outgoing calls; zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	// MaxRetries counts attempts after the first for retryable failures; negative disables retries.
	MaxRetries int
	HTTPClient *http.Client
	Headers    map[string]string
}

// Client issues GET requests against one upstream and decodes JSON bodies.
type Client struct {
	provider   string
	baseURL    string
	timeout    time.Duration
	maxRetries int
	limiter    *rate.Limiter
	http       *http.Client
	headers    map[string]string
}

// NewClient builds a Client with defaults for unset options.
func NewClient(opts ClientOptions) *Client {
	c := &Client{
		provider:   strings.TrimSpace(opts.Provider),
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		http:       opts.HTTPClient,
		headers:    opts.Headers,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	} else if c.maxRetries == 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

// Provider returns the upstream name used in errors.
func (c *Client) Provider() string { return c.provider }

// BaseURL returns the configured base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// GetJSON fetches baseURL+path and decodes the body into out. Rate limiting,
// network failures and 5xx answers are retried with exponential backoff. Other
// non-2xx answers fail at once with an *errs.E carrying the status and body.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	body, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.New(c.provider, errs.CodeProvider,
			errs.WithMessage("decode response"),
			errs.WithRawMessage(truncate(body)),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	return nil
}

// Get returns the raw body of a successful GET.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() ([]byte, error) {
		return c.attempt(ctx, path)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
	)
}

func (c *Client) attempt(ctx context.Context, path string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, backoff.Permanent(errs.New(c.provider, errs.CodeInvalid,
			errs.WithMessage("build request"), errs.WithCause(err)))
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, backoff.Permanent(ctxErr)
		}
		return nil, errs.New(c.provider, errs.CodeNetwork,
			errs.WithMessage("request failed"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errs.New(c.provider, errs.CodeNetwork,
			errs.WithMessage("read response"), errs.WithCause(err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, c.statusError(resp, path, body)
}

func (c *Client) statusError(resp *http.Response, path string, body []byte) error {
	opts := []errs.Option{
		errs.WithHTTP(resp.StatusCode),
		errs.WithRawMessage(truncate(body)),
		errs.WithField("path", path),
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := errs.New(c.provider, errs.CodeRateLimited, opts...)
		if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
			return errors.Join(e, backoff.RetryAfter(secs))
		}
		return e
	case resp.StatusCode >= 500:
		return errs.New(c.provider, errs.CodeUnavailable, opts...)
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(errs.New(c.provider, errs.CodeNotFound, opts...))
	default:
		return backoff.Permanent(errs.New(c.provider, errs.CodeInvalid, opts...))
	}
}

func truncate(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > rawMessageLimit {
		return text[:rawMessageLimit]
	}
	return text
}

// RawMessage returns the response body recorded on an *errs.E, if any.
func RawMessage(err error) string {
	var e *errs.E
	if errors.As(err, &e) {
		return e.RawMsg
	}
	return ""
}

// StatusCode returns the HTTP status recorded on an *errs.E, if any.
func StatusCode(err error) int {
	var e *errs.E
	if errors.As(err, &e) {
		return e.HTTP
	}
	return 0
}

// Path joins URL path segments, escaping nothing; ids and addresses are URL-safe.
func Path(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(s)
	}
	return b.String()
}
