package archive

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// CommentRenderer turns raw comment markup into HTML. Rendering rules vary
// slightly per source, so implementations receive the source name.
type CommentRenderer interface {
	Render(raw string, source string) string
}

// VerificationSolver clears a mirror's browser-verification challenge. It is
// invoked only when a fetch surfaces ErrVerificationRequired and interactive
// resolution is enabled.
type VerificationSolver interface {
	Solve(ctx context.Context, sourceName, baseURL string) error
}

// LatestFunc supplies the latest known post number, overriding the primary
// source's index endpoint.
type LatestFunc func(ctx context.Context) (int64, error)
