package captcha

import (
	"context"
	"errors"
)

// Noop implements VerificationSolver but always fails, for builds where a
// browser is unavailable.
type Noop struct{}

// NewNoop creates a new Noop solver.
func NewNoop() *Noop {
	return &Noop{}
}

// Solve returns an error since this is a stub implementation.
func (Noop) Solve(_ context.Context, _ string, _ string) error {
	return errors.New("verification solver not configured")
}
