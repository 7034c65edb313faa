// Package archive defines core types shared across subsystems.
package archive

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// StrInt is an integer field that some mirrors serialize as a JSON string
// and others as a number. It always marshals back as a number.
type StrInt int64

// UnmarshalJSON accepts 123, "123", null, and "".
func (n *StrInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse numeric field %q: %w", s, err)
	}
	*n = StrInt(v)
	return nil
}

// MarshalJSON emits the plain number form.
func (n StrInt) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, int64(n), 10), nil
}

// FlexText is a text field that the chunk endpoint is known to return as the
// JSON boolean false instead of a string. Booleans and null decode to "".
type FlexText string

// UnmarshalJSON accepts a string, null, or a boolean.
func (t *FlexText) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	switch raw {
	case "null", "false", "true":
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parse text field: %w", err)
	}
	*t = FlexText(s)
	return nil
}

// MarshalJSON always emits the string form.
func (t FlexText) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(t))
}

// Post is the atomic archived unit, keyed globally by Num.
type Post struct {
	Num              StrInt   `json:"num"`
	Subnum           StrInt   `json:"subnum"`
	ThreadNum        StrInt   `json:"thread_num"`
	Op               StrInt   `json:"op"`
	Timestamp        StrInt   `json:"timestamp"`
	Name             string   `json:"name,omitempty"`
	Title            string   `json:"title,omitempty"`
	Comment          string   `json:"comment"`
	CommentSanitized FlexText `json:"comment_sanitized"`
	CommentProcessed FlexText `json:"comment_processed"`
	// ArchivedFrom lists the non-primary sources that supplied or overwrote
	// this record, in acceptance order. Empty means the primary source.
	ArchivedFrom []string `json:"archived_from,omitempty"`
}

// Number implements Record.
func (p *Post) Number() int64 { return int64(p.Num) }

// Ghost reports whether the post is a ghost reply (subnum != 0), which is
// never included in archive output.
func (p *Post) Ghost() bool { return p.Subnum != 0 }

// EffectiveSource returns the last provenance tag, or primary when the
// provenance list is empty.
func (p *Post) EffectiveSource(primary string) string {
	if len(p.ArchivedFrom) == 0 {
		return primary
	}
	return p.ArchivedFrom[len(p.ArchivedFrom)-1]
}

// Clone returns a deep copy; the provenance slice is never shared.
func (p *Post) Clone() *Post {
	cp := *p
	if p.ArchivedFrom != nil {
		cp.ArchivedFrom = append([]string(nil), p.ArchivedFrom...)
	}
	return &cp
}

// Placeholder is the tombstone stored for a post number with no recoverable
// record. It is replaced the moment a real Post for the number is merged.
type Placeholder struct {
	Num       StrInt `json:"num"`
	Exception string `json:"exception"`
	Timestamp StrInt `json:"timestamp"`
}

// NewPlaceholder builds a tombstone for num with the given failure reason.
func NewPlaceholder(num int64, reason string, now time.Time) *Placeholder {
	return &Placeholder{
		Num:       StrInt(num),
		Exception: reason,
		Timestamp: StrInt(now.Unix()),
	}
}

// Number implements Record.
func (t *Placeholder) Number() int64 { return int64(t.Num) }

// Record is one chunk-file line: a real Post or a Placeholder tombstone.
type Record interface {
	Number() int64
}

// AsPost unwraps a Record into a Post when it is one.
func AsPost(rec Record) (*Post, bool) {
	p, ok := rec.(*Post)
	return p, ok
}

// Thread bundles one resolved thread; ghost replies are already stripped.
type Thread struct {
	Op    *Post
	Posts map[int64]*Post
}

// Window is the contiguous post-number range targeted by one builder run.
type Window struct {
	Start int64
	End   int64
}

// Empty reports whether the window contains no numbers.
func (w Window) Empty() bool { return w.End < w.Start }

// Contains reports whether num falls inside the window.
func (w Window) Contains(num int64) bool { return num >= w.Start && num <= w.End }

// Count returns the number of post numbers covered by the window.
func (w Window) Count() int64 {
	if w.Empty() {
		return 0
	}
	return w.End - w.Start + 1
}
