// Package source describes the archive mirrors and implements the
// rate-limited HTTP client used against them.
package source

import (
	"net/url"
	"strconv"
	"time"
)

// Source identifies one archive mirror and how politely it must be treated.
type Source struct {
	Name    string
	BaseURL string
	Board   string
	// Spacing is the minimum gap between successive requests to this host.
	Spacing time.Duration
	// MaxRetries bounds backoff retries after the initial attempt.
	MaxRetries int
	// Verification marks a mirror fronted by a browser check; a 403 there is
	// surfaced as archive.ErrVerificationRequired instead of being retried.
	Verification bool
}

// IndexURL returns the endpoint listing the most recent threads, used to
// discover the latest known post number.
func (s Source) IndexURL(page int) string {
	return s.api("index", url.Values{
		"board": {s.Board},
		"page":  {strconv.Itoa(page)},
	})
}

// ThreadURL returns the direct thread endpoint.
func (s Source) ThreadURL(threadNum int64) string {
	return s.api("thread", url.Values{
		"board": {s.Board},
		"num":   {strconv.FormatInt(threadNum, 10)},
	})
}

// PostURL returns the single-post endpoint.
func (s Source) PostURL(num int64) string {
	return s.api("post", url.Values{
		"board": {s.Board},
		"num":   {strconv.FormatInt(num, 10)},
	})
}

// SearchURL returns one page of the in-thread search endpoint. A non-zero
// startTimestamp restarts pagination past the backend's result-count cap.
func (s Source) SearchURL(threadNum int64, page int, startTimestamp int64) string {
	v := url.Values{
		"board": {s.Board},
		"tnum":  {strconv.FormatInt(threadNum, 10)},
		"page":  {strconv.Itoa(page)},
	}
	if startTimestamp > 0 {
		v.Set("start_timestamp", strconv.FormatInt(startTimestamp, 10))
	}
	return s.api("search", v)
}

// ChunkURL returns one fixed-size page of the bulk enumeration endpoint.
func (s Source) ChunkURL(threadNum int64, page, limit int) string {
	return s.api("chunk", url.Values{
		"board": {s.Board},
		"num":   {strconv.FormatInt(threadNum, 10)},
		"page":  {strconv.Itoa(page)},
		"limit": {strconv.Itoa(limit)},
	})
}

func (s Source) api(endpoint string, v url.Values) string {
	return s.BaseURL + "/_/api/chan/" + endpoint + "/?" + v.Encode()
}
