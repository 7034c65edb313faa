package archive

// Priorities is the total order over source names used as the merge
// tie-break. The first name is the primary source and ranks highest; unknown
// sources and placeholders rank below every configured source.
type Priorities struct {
	order []string
	rank  map[string]int
}

// NewPriorities builds the order from source names, primary first.
func NewPriorities(order []string) *Priorities {
	rank := make(map[string]int, len(order))
	for i, name := range order {
		rank[name] = len(order) - i
	}
	return &Priorities{
		order: append([]string(nil), order...),
		rank:  rank,
	}
}

// Primary returns the highest-priority source name.
func (p *Priorities) Primary() string {
	if len(p.order) == 0 {
		return ""
	}
	return p.order[0]
}

// Sources returns the configured names in priority order.
func (p *Priorities) Sources() []string {
	return append([]string(nil), p.order...)
}

// Of returns the priority of a source name; higher is better, unknown is 0.
func (p *Priorities) Of(source string) int {
	return p.rank[source]
}

// OfRecord returns the priority of a stored record. For a Post it inspects
// the last provenance tag, defaulting to the primary source when the list is
// empty. Placeholders rank below every source.
func (p *Priorities) OfRecord(rec Record) int {
	post, ok := AsPost(rec)
	if !ok {
		return 0
	}
	return p.Of(post.EffectiveSource(p.Primary()))
}
