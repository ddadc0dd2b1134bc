// Package httpclient is the retrying HTTP client shared by the transactor,
// kvs and account adapters.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"transactor-client/internal/domain"
)

// maxResponseBody is the maximum response body size read from a service.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// maxErrorBody bounds the body kept on a failed attempt.
const maxErrorBody = 4096

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// Doer executes HTTP requests. *Client and *http.Client both satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive transient failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before going half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// Options configures a Client.
type Options struct {
	Name              string
	Timeout           time.Duration
	Policy            Policy
	RequestsPerSecond float64 // 0 means unlimited
	Burst             int
	Breaker           BreakerConfig
	Pool              PoolConfig
	// Transport overrides the pooled transport.
	Transport http.RoundTripper
}

// Client wraps an *http.Client with rate limiting, a circuit breaker and
// retry with exponential backoff.
type Client struct {
	name    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]
	policy  Policy
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Client.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		name = "http"
	}

	transport := opts.Transport
	if transport == nil {
		transport = NewPooledTransport(opts.Timeout, opts.Pool)
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	maxFailures := opts.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	cbTimeout := opts.Breaker.Timeout
	if cbTimeout == 0 {
		cbTimeout = defaultCBTimeout
	}
	cbInterval := opts.Breaker.Interval
	if cbInterval == 0 {
		cbInterval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "http:" + name,
		MaxRequests: 1,
		Interval:    cbInterval,
		Timeout:     cbTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsRetryableError(err)
		},
	})

	return &Client{
		name:    name,
		http:    &http.Client{Transport: transport, Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		breaker: cb,
		policy:  opts.Policy.withDefaults(),
		logger:  logger,
		now:     time.Now,
	}
}

// Do sends req, retrying transient failures (network errors, 408, 429, 5xx)
// until the policy is exhausted. Any other response is returned as is; the
// caller owns its body. When retries run out the last failure is returned as
// a *domain.TransportError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := c.now()

	if req.Body != nil && req.GetBody == nil {
		return nil, fmt.Errorf("%s: request body is not replayable: %w", c.name, domain.ErrInvalidInput)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		r, err := c.attemptRequest(req, attempt)
		if err != nil {
			return nil, err
		}

		var wait time.Duration
		var hasWait bool
		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			resp, err := c.http.Do(r)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, &domain.TransportError{Err: err}
			}
			if !transientStatus(resp.StatusCode) {
				return resp, nil
			}
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			wait, hasWait = retryAfter(resp.Header, c.now())
			return nil, domain.NewHTTPError(resp.StatusCode, body)
		})
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			if lastErr != nil {
				return nil, fmt.Errorf("%s: %w: %w", c.name, domain.ErrCircuitOpen, lastErr)
			}
			return nil, fmt.Errorf("%s: %w", c.name, domain.ErrCircuitOpen)
		}
		if !domain.IsRetryableError(err) {
			return nil, err
		}
		lastErr = err

		if c.policy.MaxRetries > 0 && attempt >= c.policy.MaxRetries {
			return nil, lastErr
		}
		delay := c.policy.backoff(attempt)
		if hasWait {
			delay = wait
		}
		if c.now().Sub(start)+delay > c.policy.MaxElapsed {
			return nil, lastErr
		}

		c.logger.Debug("http: retrying",
			"client", c.name,
			"url", req.URL.Redacted(),
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// attemptRequest returns req for the first attempt and a clone with a fresh
// body for each retry.
func (c *Client) attemptRequest(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 0 {
		return req, nil
	}
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("%s: rewind body: %w", c.name, err)
		}
		r.Body = body
	}
	return r, nil
}

// State returns the current circuit breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ReadResponse reads resp's body (bounded) and closes it. Non-2xx statuses
// become a *domain.TransportError carrying the body.
func ReadResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &domain.TransportError{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.NewHTTPError(resp.StatusCode, body)
	}
	return body, nil
}

var _ Doer = (*Client)(nil)
