// Package merge implements the per-run reconciliation store mapping each
// post number to the highest-priority record observed so far.
package merge

import (
	"sort"

	"go.uber.org/zap"

	"github.com/hexpair/foolvault/internal/archive"
)

// Store is scoped to one builder run (or one upgrade-scanner pass). It holds
// at most one record per post number; placeholders survive only while no
// real post has been seen for the number.
type Store struct {
	window archive.Window
	pri    *archive.Priorities
	byNum  map[int64]archive.Record
	logger *zap.Logger
}

// New constructs an empty Store for the given window.
func New(window archive.Window, pri *archive.Priorities, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		window: window,
		pri:    pri,
		byNum:  make(map[int64]archive.Record),
		logger: logger,
	}
}

type verdict int

const (
	reject verdict = iota
	store
	mergeReasons
)

// decide is the merge decision table for a candidate already inside the
// window bounds, evaluated against the existing entry (nil when absent).
func (s *Store) decide(existing archive.Record, candidate archive.Record, src string) verdict {
	if existing == nil {
		return store
	}
	candPH, candIsPH := candidate.(*archive.Placeholder)
	exPH, exIsPH := existing.(*archive.Placeholder)

	switch {
	case candIsPH && exIsPH:
		if candPH.Exception != exPH.Exception {
			return mergeReasons
		}
		return reject
	case candIsPH:
		// Never shadow a real post with a tombstone.
		return reject
	case exIsPH:
		return store
	default:
		if s.pri.Of(src) >= s.pri.OfRecord(existing) {
			return store
		}
		return reject
	}
}

// Add offers a candidate record observed from src. It reports whether the
// store changed. Ghost replies, candidates below the window start, and
// non-primary candidates beyond the window end are rejected outright; the
// primary source may contribute past the end since it drives the window.
func (s *Store) Add(candidate archive.Record, src string) bool {
	if post, ok := archive.AsPost(candidate); ok && post.Ghost() {
		return false
	}
	num := candidate.Number()
	if num < s.window.Start {
		return false
	}
	if num > s.window.End && src != s.pri.Primary() {
		return false
	}

	existing := s.byNum[num]
	switch s.decide(existing, candidate, src) {
	case reject:
		return false
	case mergeReasons:
		exPH := existing.(*archive.Placeholder)
		candPH := candidate.(*archive.Placeholder)
		exPH.Exception = exPH.Exception + "; " + candPH.Exception
		return true
	}

	if post, ok := archive.AsPost(candidate); ok {
		stored := post.Clone()
		s.applyProvenance(stored, src)
		s.byNum[num] = stored
		return true
	}
	s.byNum[num] = candidate
	return true
}

// AddThread merges every post of a resolved thread.
func (s *Store) AddThread(t *archive.Thread, src string) int {
	if t == nil {
		return 0
	}
	accepted := 0
	if t.Op != nil && s.Add(t.Op, src) {
		accepted++
	}
	for _, p := range t.Posts {
		if s.Add(p, src) {
			accepted++
		}
	}
	return accepted
}

// applyProvenance appends the source tag for non-primary acceptances. A
// malformed provenance list is logged and replaced with just the new tag.
func (s *Store) applyProvenance(post *archive.Post, src string) {
	if src == s.pri.Primary() {
		return
	}
	for _, tag := range post.ArchivedFrom {
		if tag == "" {
			s.logger.Warn("malformed provenance, resetting",
				zap.Int64("num", post.Number()),
				zap.Strings("archived_from", post.ArchivedFrom))
			post.ArchivedFrom = []string{src}
			return
		}
	}
	if n := len(post.ArchivedFrom); n > 0 && post.ArchivedFrom[n-1] == src {
		return
	}
	post.ArchivedFrom = append(post.ArchivedFrom, src)
}

// Get returns the stored record for num.
func (s *Store) Get(num int64) (archive.Record, bool) {
	rec, ok := s.byNum[num]
	return rec, ok
}

// Len returns the number of stored records.
func (s *Store) Len() int { return len(s.byNum) }

// Settled reports whether num already holds a record of at least the given
// priority; placeholders never settle a number.
func (s *Store) Settled(num int64, minPriority int) bool {
	rec, ok := s.byNum[num]
	if !ok {
		return false
	}
	return s.pri.OfRecord(rec) >= minPriority
}

// Missing lists, ascending, the window numbers still absent or held by a
// placeholder.
func (s *Store) Missing() []int64 {
	var nums []int64
	for n := s.window.Start; n <= s.window.End; n++ {
		rec, ok := s.byNum[n]
		if !ok {
			nums = append(nums, n)
			continue
		}
		if _, isPH := rec.(*archive.Placeholder); isPH {
			nums = append(nums, n)
		}
	}
	return nums
}

// Partition splits the store into the maximal consecutive prefix starting at
// the window start (sorted ascending, ready to emit) and the carry: real
// posts beyond the prefix that seed the next run's lookahead cache.
// Placeholders beyond the prefix are dropped.
func (s *Store) Partition() (prefix []archive.Record, carry []*archive.Post) {
	end := s.window.Start
	for {
		rec, ok := s.byNum[end]
		if !ok {
			break
		}
		prefix = append(prefix, rec)
		end++
	}
	for num, rec := range s.byNum {
		if num < end {
			continue
		}
		if post, ok := archive.AsPost(rec); ok {
			carry = append(carry, post)
		}
	}
	sort.Slice(carry, func(i, j int) bool { return carry[i].Number() < carry[j].Number() })
	return prefix, carry
}
