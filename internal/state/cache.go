package state

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hexpair/foolvault/internal/archive"
)

// LoadCache reads the lookahead cache: posts collected past earlier windows
// while resolving threads. Entries below windowStart are already committed
// (or stale) and are discarded on load. Missing and corrupt files both yield
// an empty cache; corruption only costs re-fetching.
func LoadCache(path string, windowStart int64, logger *zap.Logger) ([]*archive.Post, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lookahead cache %s: %w", path, err)
	}
	var posts []*archive.Post
	if err := json.Unmarshal(data, &posts); err != nil {
		logger.Warn("lookahead cache corrupt, discarding",
			zap.String("path", path), zap.Error(err))
		return nil, nil
	}
	kept := posts[:0]
	for _, p := range posts {
		if p == nil || p.Ghost() || p.Number() < windowStart {
			continue
		}
		kept = append(kept, p)
	}
	return kept, nil
}

// SaveCache writes the lookahead cache atomically. Placeholders are never
// cached; callers pass real posts only.
func SaveCache(path string, posts []*archive.Post) error {
	if posts == nil {
		posts = []*archive.Post{}
	}
	data, err := json.Marshal(posts)
	if err != nil {
		return fmt.Errorf("marshal lookahead cache: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}
