// Package render converts raw comment markup into HTML. The archive hosts
// disagree on a few markup details, so each source gets its own compiled
// pattern table, built once per process and shared by reference.
package render

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

type table struct {
	quoteLink *regexp.Regexp
	greentext *regexp.Regexp
	spoiler   *regexp.Regexp
	code      *regexp.Regexp
	linkBase  string
}

// Renderer implements archive.CommentRenderer.
type Renderer struct {
	tables map[string]*table
	def    *table
}

// New compiles one pattern table per source name.
func New(sourceNames []string) *Renderer {
	r := &Renderer{tables: make(map[string]*table, len(sourceNames))}
	for _, name := range sourceNames {
		r.tables[name] = newTable(name)
	}
	r.def = newTable("")
	return r
}

func newTable(sourceName string) *table {
	linkBase := "#p"
	if sourceName != "" {
		linkBase = fmt.Sprintf("/%s/post/", sourceName)
	}
	return &table{
		quoteLink: regexp.MustCompile(`&gt;&gt;(\d+)`),
		greentext: regexp.MustCompile(`(?m)^(&gt;[^&].*)$`),
		spoiler:   regexp.MustCompile(`(?s)\[spoiler\](.*?)\[/spoiler\]`),
		code:      regexp.MustCompile(`(?s)\[code\](.*?)\[/code\]`),
		linkBase:  linkBase,
	}
}

// Render escapes raw and applies the source's markup rules. Unknown sources
// fall back to a generic table.
func (r *Renderer) Render(raw string, source string) string {
	t, ok := r.tables[source]
	if !ok {
		t = r.def
	}
	out := html.EscapeString(raw)
	out = t.code.ReplaceAllString(out, `<pre class="code">$1</pre>`)
	out = t.spoiler.ReplaceAllString(out, `<span class="spoiler">$1</span>`)
	out = t.quoteLink.ReplaceAllString(out, `<a href="`+t.linkBase+`$1" class="quotelink">&gt;&gt;$1</a>`)
	out = t.greentext.ReplaceAllString(out, `<span class="greentext">$1</span>`)
	out = strings.ReplaceAll(out, "\n", "<br/>")
	return out
}
