// Package upgrade rescans emitted chunk files, replacing records that did
// not come from the top-priority source once that source has backfilled
// them.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hexpair/foolvault/internal/archive"
	"github.com/hexpair/foolvault/internal/chunk"
	sha "github.com/hexpair/foolvault/internal/hash/sha256"
	"github.com/hexpair/foolvault/internal/resolver"
	"github.com/hexpair/foolvault/internal/source"
)

// Config controls one Scanner.
type Config struct {
	// Cutoff bounds re-verification cost: records older than this are never
	// retried.
	Cutoff time.Duration
}

// Deps are the collaborators a Scanner runs against.
type Deps struct {
	Resolver *resolver.Resolver
	// Sources in priority order, primary first.
	Sources []source.Source
	Clock   archive.Clock
	Logger  *zap.Logger
}

// Result summarizes one file scan.
type Result struct {
	Path     string
	Scanned  int
	Upgraded int
	// Replaced is true when the rewritten content differed and the file was
	// atomically swapped.
	Replaced bool
}

type threadEntry struct {
	thread *archive.Thread
	err    error
}

// Scanner streams chunk files record by record, attempting recovery of each
// non-top-priority record in source priority order. Thread resolutions are
// cached per source for the duration of one Scanner, since many records in a
// file share a thread.
type Scanner struct {
	cfg     Config
	deps    Deps
	pri     *archive.Priorities
	threads map[string]map[int64]threadEntry
}

// New constructs a Scanner.
func New(cfg Config, deps Deps) (*Scanner, error) {
	if cfg.Cutoff <= 0 {
		return nil, fmt.Errorf("age cutoff must be > 0")
	}
	if deps.Resolver == nil || deps.Clock == nil {
		return nil, fmt.Errorf("resolver and clock are required")
	}
	if len(deps.Sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	names := make([]string, len(deps.Sources))
	for i, s := range deps.Sources {
		names[i] = s.Name
	}
	return &Scanner{
		cfg:     cfg,
		deps:    deps,
		pri:     archive.NewPriorities(names),
		threads: make(map[string]map[int64]threadEntry),
	}, nil
}

// ScanFile rewrites path through a temp file, replacing upgradeable records.
// The temp file atomically replaces the input only when the content hash
// actually changed; untouched lines pass through byte for byte. Any fatal
// fetch error aborts with the input unmodified.
func (s *Scanner) ScanFile(ctx context.Context, path string) (Result, error) {
	reader, err := chunk.OpenReader(path)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = reader.Close() }()

	tmp := path + ".upgrade.tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return Result{}, fmt.Errorf("create upgrade temp file: %w", err)
	}
	discard := func() {
		_ = out.Close()
		_ = os.Remove(tmp)
	}

	inHash := sha.NewStream()
	outHash := sha.NewStream()
	writer := chunk.NewWriter(io.MultiWriter(out, outHash))

	res := Result{Path: path}
	for {
		rec, raw, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			discard()
			return Result{}, err
		}
		_, _ = inHash.Write(raw)
		_, _ = inHash.Write([]byte{'\n'})
		res.Scanned++

		replacement, err := s.maybeUpgrade(ctx, rec)
		if err != nil {
			discard()
			return Result{}, err
		}
		if replacement == nil {
			if err := writer.WriteRaw(raw); err != nil {
				discard()
				return Result{}, err
			}
			continue
		}
		res.Upgraded++
		if err := writer.WriteRecord(replacement); err != nil {
			discard()
			return Result{}, err
		}
	}

	if err := writer.Flush(); err != nil {
		discard()
		return Result{}, err
	}
	if err := out.Sync(); err != nil {
		discard()
		return Result{}, fmt.Errorf("sync upgrade temp file: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return Result{}, fmt.Errorf("close upgrade temp file: %w", err)
	}

	if inHash.Sum() == outHash.Sum() {
		_ = os.Remove(tmp)
		s.deps.Logger.Info("no changes", zap.String("path", path), zap.Int("scanned", res.Scanned))
		return res, nil
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Result{}, fmt.Errorf("replace chunk file: %w", err)
	}
	res.Replaced = true
	s.deps.Logger.Info("chunk upgraded",
		zap.String("path", path),
		zap.Int("scanned", res.Scanned),
		zap.Int("upgraded", res.Upgraded))
	return res, nil
}

// maybeUpgrade returns a replacement record, or nil for passthrough.
func (s *Scanner) maybeUpgrade(ctx context.Context, rec archive.Record) (archive.Record, error) {
	primary := s.pri.Primary()
	var ts int64
	switch r := rec.(type) {
	case *archive.Post:
		if r.EffectiveSource(primary) == primary {
			return nil, nil
		}
		ts = int64(r.Timestamp)
	case *archive.Placeholder:
		ts = int64(r.Timestamp)
	default:
		return nil, nil
	}
	if age := s.deps.Clock.Now().Unix() - ts; age > int64(s.cfg.Cutoff.Seconds()) {
		return nil, nil
	}

	for _, src := range s.deps.Sources {
		post, err := s.recover(ctx, src, rec)
		if errors.Is(err, archive.ErrVerificationRequired) {
			s.deps.Logger.Warn("source exhausted pending verification", zap.String("source", src.Name))
			continue
		}
		if err != nil {
			return nil, err
		}
		if post == nil {
			continue
		}
		if src.Name == primary {
			post.ArchivedFrom = nil
		} else {
			post.ArchivedFrom = []string{src.Name}
		}
		return post, nil
	}
	return nil, nil
}

// recover runs the post+thread fetch for one record against one source,
// returning nil when the source cannot supply the post.
func (s *Scanner) recover(ctx context.Context, src source.Source, rec archive.Record) (*archive.Post, error) {
	post, err := s.deps.Resolver.FetchPost(ctx, src, rec.Number())
	switch {
	case archive.IsNotFound(err):
		return nil, nil
	case err != nil:
		return nil, err
	}
	if post.Ghost() {
		return nil, nil
	}

	entry := s.cachedThread(ctx, src, int64(post.ThreadNum))
	switch {
	case entry.err == nil && entry.thread != nil:
		if tp := threadPost(entry.thread, post.Number()); tp != nil {
			return tp.Clone(), nil
		}
	case archive.IsNotFound(entry.err):
		// Thread gone but the post endpoint still serves it; keep the post.
	case entry.err != nil:
		return nil, entry.err
	}
	return post.Clone(), nil
}

// cachedThread resolves a thread at most once per source per scan.
func (s *Scanner) cachedThread(ctx context.Context, src source.Source, threadNum int64) threadEntry {
	bySrc, ok := s.threads[src.Name]
	if !ok {
		bySrc = make(map[int64]threadEntry)
		s.threads[src.Name] = bySrc
	}
	if entry, ok := bySrc[threadNum]; ok {
		return entry
	}
	thread, err := s.deps.Resolver.ResolveThread(ctx, threadNum, src, resolver.Options{})
	entry := threadEntry{thread: thread, err: err}
	bySrc[threadNum] = entry
	return entry
}

func threadPost(t *archive.Thread, num int64) *archive.Post {
	if t.Op != nil && t.Op.Number() == num {
		return t.Op
	}
	return t.Posts[num]
}
