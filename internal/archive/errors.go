package archive

import "errors"

// Domain error sentinels. Not-found and strategy-switch conditions are
// recovered locally by the resolver and builder; only transient transport
// failures that outlive the retry budget abort a run.
var (
	// ErrPostNotFound marks a single post the queried source does not hold.
	ErrPostNotFound = errors.New("post not found")
	// ErrThreadNotFound marks a thread the queried source does not hold.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrOversizedThread is the direct thread endpoint refusing a thread too
	// large to serve in one response.
	ErrOversizedThread = errors.New("thread too large for direct fetch")
	// ErrSearchUnavailable is the search backend reporting itself down.
	ErrSearchUnavailable = errors.New("search backend unavailable")
	// ErrVerificationRequired is the typed outcome for a 403 from a
	// verification-prone mirror; the caller decides whether to defer to an
	// interactive solver or treat the source as exhausted.
	ErrVerificationRequired = errors.New("verification required")
)

// IsNotFound reports whether err is either domain not-found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPostNotFound) || errors.Is(err, ErrThreadNotFound)
}
