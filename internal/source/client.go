package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hexpair/foolvault/internal/archive"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultBaseDelay   = 2 * time.Second
	defaultMaxDelay    = 60 * time.Second
	defaultRatePenalty = 15 * time.Second
	defaultMaxRetries  = 3
)

// Observer receives fetch-layer measurements. Implementations must tolerate
// being called for every request.
type Observer interface {
	ObserveRequest(source string, status int, dur time.Duration)
	ObserveRateLimitWait(source string, dur time.Duration)
	ObserveRetry(source string)
}

// ClientConfig controls transport and backoff behavior shared by all sources.
type ClientConfig struct {
	UserAgent string
	Timeout   time.Duration
	// BaseDelay doubles per retry attempt, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// RatePenalty is added on top of the computed backoff after a 429.
	RatePenalty time.Duration
}

// Response is the raw outcome of a successful (or allowed-status) fetch.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client issues sequential requests against the mirrors, enforcing each
// source's minimum inter-request spacing and retrying transient failures
// with exponential backoff. The per-source limiter map is built once per
// process and shared by reference wherever the client travels.
type Client struct {
	cfg      ClientConfig
	http     *http.Client
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
	observer Observer
}

// NewClient constructs a Client for the given sources.
func NewClient(cfg ClientConfig, sources []Source, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.RatePenalty <= 0 {
		cfg.RatePenalty = defaultRatePenalty
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiters := make(map[string]*rate.Limiter, len(sources))
	for _, src := range sources {
		limit := rate.Inf
		if src.Spacing > 0 {
			limit = rate.Every(src.Spacing)
		}
		limiters[src.Name] = rate.NewLimiter(limit, 1)
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiters: limiters,
		logger:   logger,
	}
}

// SetObserver attaches an Observer; a nil observer disables measurements.
func (c *Client) SetObserver(obs Observer) { c.observer = obs }

// Fetch issues a GET against src, waiting out the source's spacing first.
// Statuses in allowed (and any 2xx) are returned to the caller for
// classification; everything else is retried with doubling backoff up to the
// source's retry limit and then fails. A 403 from a verification-prone
// source, when explicitly allowed, short-circuits into
// archive.ErrVerificationRequired.
func (c *Client) Fetch(ctx context.Context, src Source, rawURL string, allowed []int) (*Response, error) {
	maxRetries := src.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.waitSpacing(ctx, src); err != nil {
			return nil, err
		}

		resp, err := c.do(ctx, src, rawURL)
		status := 0
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
			}
			lastErr = err
		default:
			status = resp.StatusCode
			if status == http.StatusForbidden && src.Verification && statusAllowed(allowed, status) {
				return nil, fmt.Errorf("%s requires verification: %w", src.Name, archive.ErrVerificationRequired)
			}
			if (status >= 200 && status < 300) || statusAllowed(allowed, status) {
				return resp, nil
			}
			lastErr = fmt.Errorf("unexpected status %d from %s", status, src.Name)
		}

		if attempt >= maxRetries {
			return nil, fmt.Errorf("fetch %s: %d attempts exhausted: %w", rawURL, attempt+1, lastErr)
		}

		delay := c.backoff(attempt)
		if status == http.StatusTooManyRequests {
			delay += c.cfg.RatePenalty
		}
		if c.observer != nil {
			c.observer.ObserveRetry(src.Name)
		}
		c.logger.Warn("retrying fetch",
			zap.String("source", src.Name),
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) do(ctx context.Context, src Source, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body from %s: %w", src.Name, err)
	}
	if c.observer != nil {
		c.observer.ObserveRequest(src.Name, resp.StatusCode, time.Since(start))
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

func (c *Client) waitSpacing(ctx context.Context, src Source) error {
	limiter, ok := c.limiters[src.Name]
	if !ok {
		return fmt.Errorf("unknown source %q", src.Name)
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("spacing wait for %s: %w", src.Name, err)
	}
	if waited := time.Since(start); waited > time.Millisecond && c.observer != nil {
		c.observer.ObserveRateLimitWait(src.Name, waited)
	}
	return nil
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.cfg.BaseDelay << uint(attempt)
	if delay <= 0 || delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	return delay
}

func statusAllowed(allowed []int, status int) bool {
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
