// Package captcha clears mirror verification challenges using a real
// browser session.
package captcha

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Config controls the browser-backed solver.
type Config struct {
	// Headless runs the browser without a window; interactive challenges
	// usually need a visible one.
	Headless bool
	// Timeout bounds one solve attempt.
	Timeout time.Duration
	// UserAgent must match the fetch layer's so the cleared clearance
	// cookie stays valid.
	UserAgent string
}

// Solver implements archive.VerificationSolver with chromedp. It opens the
// mirror's front page and waits for the challenge interstitial to clear.
type Solver struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a browser-backed solver.
func NewChromedp(cfg Config) (*Solver, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Solver{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (s *Solver) Close() {
	s.allocCancel()
}

// Solve navigates to the mirror and blocks until the verification
// interstitial is gone or the timeout expires.
func (s *Solver) Solve(ctx context.Context, sourceName, baseURL string) error {
	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.Timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			taskCancel()
		case <-done:
		}
	}()
	defer close(done)

	err := chromedp.Run(taskCtx,
		network.Enable(),
		chromedp.Navigate(baseURL),
		// The interstitial serves its own body; real mirror pages carry the
		// board navigation header.
		chromedp.Poll(
			`document.querySelector('#challenge-form') === null && document.title.indexOf('Just a moment') === -1`,
			nil,
			chromedp.WithPollingInterval(2*time.Second),
		),
	)
	if err != nil {
		return fmt.Errorf("verification for %s not cleared: %w", sourceName, err)
	}
	return nil
}
