// Package builder drives one bounded archive window end to end: fetch,
// thread resolution, priority merge, cross-source fallback, and the emission
// of one immutable chunk plus the updated checkpoint and lookahead cache.
package builder

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hexpair/foolvault/internal/archive"
	"github.com/hexpair/foolvault/internal/chunk"
	"github.com/hexpair/foolvault/internal/merge"
	"github.com/hexpair/foolvault/internal/progress"
	"github.com/hexpair/foolvault/internal/resolver"
	"github.com/hexpair/foolvault/internal/source"
	"github.com/hexpair/foolvault/internal/state"
)

// Config controls one builder instance.
type Config struct {
	// DataDir receives the emitted chunk files.
	DataDir string
	// ManifestPath is the checkpoint/manifest file.
	ManifestPath string
	// CachePath is the lookahead cache file.
	CachePath string
	// HardCap bounds how many numbers one run may target.
	HardCap int64
	// InitialCheckpoint seeds a fresh manifest, letting an archive start
	// mid-board instead of at post 1.
	InitialCheckpoint int64
	// InteractiveVerification permits deferring a verification-required
	// outcome to the configured solver instead of abandoning the source.
	InteractiveVerification bool
}

// Deps are the collaborators a Builder runs against.
type Deps struct {
	Client   *source.Client
	Resolver *resolver.Resolver
	// Sources in priority order, primary first.
	Sources []source.Source
	Clock   archive.Clock
	Logger  *zap.Logger
	// Tracker is optional progress reporting.
	Tracker *progress.Tracker
	// Latest optionally overrides the primary index lookup.
	Latest archive.LatestFunc
	// Solver optionally clears verification challenges.
	Solver archive.VerificationSolver
}

// Result summarizes one run.
type Result struct {
	NoWork    bool
	Window    archive.Window
	ChunkPath string
	ChunkID   string
	Emitted   int
	Carried   int
}

// Builder executes runs. All fetching is strictly sequential; the only
// blocking points are network I/O and spacing/backoff delays.
type Builder struct {
	cfg  Config
	deps Deps
	pri  *archive.Priorities
}

// New validates the wiring and constructs a Builder.
func New(cfg Config, deps Deps) (*Builder, error) {
	if cfg.DataDir == "" || cfg.ManifestPath == "" || cfg.CachePath == "" {
		return nil, fmt.Errorf("data dir, manifest path, and cache path are required")
	}
	if cfg.HardCap <= 0 {
		return nil, fmt.Errorf("hard cap must be > 0")
	}
	if deps.Client == nil || deps.Resolver == nil || deps.Clock == nil {
		return nil, fmt.Errorf("client, resolver, and clock are required")
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
	return &Builder{cfg: cfg, deps: deps, pri: archive.NewPriorities(names)}, nil
}

// Run executes one full window. The checkpoint, manifest, and cache are
// touched only after the chunk file is durably on disk; any fatal fetch
// error aborts with all persistent state unchanged.
func (b *Builder) Run(ctx context.Context) (Result, error) {
	log := b.deps.Logger

	manifest, err := state.LoadManifest(b.cfg.ManifestPath, log)
	if err != nil {
		return Result{}, err
	}
	checkpoint := manifest.LastDownloaded
	if checkpoint == 0 && b.cfg.InitialCheckpoint > 0 {
		checkpoint = b.cfg.InitialCheckpoint
	}
	start := checkpoint + 1

	cache, err := state.LoadCache(b.cfg.CachePath, start, log)
	if err != nil {
		return Result{}, err
	}

	latest, err := b.latestNum(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("discover latest post number: %w", err)
	}
	available := latest - checkpoint
	if available <= 0 {
		log.Info("no new posts", zap.Int64("checkpoint", checkpoint), zap.Int64("latest", latest))
		return Result{NoWork: true}, nil
	}
	span := available
	if span > b.cfg.HardCap {
		span = b.cfg.HardCap
	}
	window := archive.Window{Start: start, End: checkpoint + span}

	store := merge.New(window, b.pri, log)
	primary := b.deps.Sources[0]
	for _, p := range cache {
		store.Add(p, p.EffectiveSource(primary.Name))
	}
	log.Info("window computed",
		zap.Int64("start", window.Start),
		zap.Int64("end", window.End),
		zap.Int("cached", len(cache)))
	if b.deps.Tracker != nil {
		b.deps.Tracker.RunStarted(window)
	}

	if err := b.primaryPass(ctx, store, window); err != nil {
		b.failed(err)
		return Result{}, err
	}
	if err := b.fallbackPasses(ctx, store); err != nil {
		b.failed(err)
		return Result{}, err
	}

	prefix, carry := store.Partition()
	if len(prefix) == 0 {
		err := fmt.Errorf("window %d-%d produced no committable prefix", window.Start, window.End)
		b.failed(err)
		return Result{}, err
	}

	path, id, err := chunk.WriteFile(b.cfg.DataDir, prefix, b.deps.Clock.Now())
	if err != nil {
		b.failed(err)
		return Result{}, err
	}
	last := prefix[len(prefix)-1].Number()
	if err := state.SaveCache(b.cfg.CachePath, carry); err != nil {
		b.failed(err)
		return Result{}, err
	}
	manifest.Commit(last, id)
	if err := manifest.Save(b.cfg.ManifestPath); err != nil {
		b.failed(err)
		return Result{}, err
	}

	if b.deps.Tracker != nil {
		b.deps.Tracker.RunDone(len(prefix), len(carry))
	}
	return Result{
		Window:    window,
		ChunkPath: path,
		ChunkID:   id,
		Emitted:   len(prefix),
		Carried:   len(carry),
	}, nil
}

func (b *Builder) failed(err error) {
	if b.deps.Tracker != nil {
		b.deps.Tracker.RunFailed(err)
	}
}

// primaryPass walks the window ascending against the primary source. A
// number already holding a record of primary priority is not re-fetched;
// anything strictly lower is.
func (b *Builder) primaryPass(ctx context.Context, store *merge.Store, window archive.Window) error {
	primary := b.deps.Sources[0]
	primaryPri := b.pri.Of(primary.Name)
	for num := window.Start; num <= window.End; num++ {
		if store.Settled(num, primaryPri) {
			b.settled(num, "cache")
			continue
		}
		if err := b.fetchAndMerge(ctx, store, primary, num, resolver.Options{AllowChunkFallback: true}); err != nil {
			return err
		}
		b.settled(num, primary.Name)
	}
	return nil
}

// fallbackPasses retries still-missing window numbers against each mirror in
// priority order. A verification-required outcome is deferred once to the
// solver when enabled, and otherwise exhausts only that source.
func (b *Builder) fallbackPasses(ctx context.Context, store *merge.Store) error {
	log := b.deps.Logger
	for _, src := range b.deps.Sources[1:] {
		missing := store.Missing()
		if len(missing) == 0 {
			return nil
		}
		if b.deps.Tracker != nil {
			b.deps.Tracker.PassStarted(src.Name, len(missing))
		}
		err := b.sourcePass(ctx, store, src, missing)
		if errors.Is(err, archive.ErrVerificationRequired) && b.solverEnabled() {
			log.Info("deferring to verification solver", zap.String("source", src.Name))
			if serr := b.deps.Solver.Solve(ctx, src.Name, src.BaseURL); serr != nil {
				log.Warn("verification solve failed", zap.String("source", src.Name), zap.Error(serr))
			} else {
				err = b.sourcePass(ctx, store, src, store.Missing())
			}
		}
		if errors.Is(err, archive.ErrVerificationRequired) {
			// Keep whatever this pass already merged and move on.
			log.Warn("source exhausted pending verification", zap.String("source", src.Name))
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) solverEnabled() bool {
	return b.cfg.InteractiveVerification && b.deps.Solver != nil
}

func (b *Builder) sourcePass(ctx context.Context, store *merge.Store, src source.Source, missing []int64) error {
	pri := b.pri.Of(src.Name)
	for _, num := range missing {
		// An earlier thread in this pass may already have filled the number.
		if store.Settled(num, pri) {
			continue
		}
		if err := b.fetchAndMerge(ctx, store, src, num, resolver.Options{}); err != nil {
			return err
		}
	}
	return nil
}

// fetchAndMerge fetches one post directly, then resolves and merges its
// owning thread. Not-found outcomes become placeholders: for the post number
// when the post itself is missing, and for the thread root when only the
// thread lookup fails.
func (b *Builder) fetchAndMerge(ctx context.Context, store *merge.Store, src source.Source, num int64, opts resolver.Options) error {
	now := b.deps.Clock.Now()
	post, err := b.deps.Resolver.FetchPost(ctx, src, num)
	switch {
	case archive.IsNotFound(err):
		store.Add(archive.NewPlaceholder(num, fmt.Sprintf("post %d not found on %s", num, src.Name), now), src.Name)
		return nil
	case err != nil:
		return err
	}
	if post.Ghost() {
		store.Add(archive.NewPlaceholder(num, fmt.Sprintf("post %d is a ghost reply", num), now), src.Name)
		return nil
	}
	store.Add(post, src.Name)

	threadNum := int64(post.ThreadNum)
	thread, err := b.deps.Resolver.ResolveThread(ctx, threadNum, src, opts)
	switch {
	case errors.Is(err, archive.ErrThreadNotFound):
		// The post fetch already succeeded; the tombstone belongs to the
		// thread root.
		store.Add(archive.NewPlaceholder(threadNum, fmt.Sprintf("thread %d not found on %s", threadNum, src.Name), now), src.Name)
		return nil
	case err != nil:
		return err
	}
	store.AddThread(thread, src.Name)
	return nil
}

// indexPayload is the primary index endpoint: recent threads with their
// latest replies, used only to discover the newest post number.
type indexPayload map[string]struct {
	Op    *archive.Post   `json:"op"`
	Posts []*archive.Post `json:"posts"`
}

func (b *Builder) latestNum(ctx context.Context) (int64, error) {
	if b.deps.Latest != nil {
		return b.deps.Latest(ctx)
	}
	primary := b.deps.Sources[0]
	resp, err := b.deps.Client.Fetch(ctx, primary, primary.IndexURL(1), nil)
	if err != nil {
		return 0, err
	}
	var payload indexPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return 0, fmt.Errorf("decode index from %s: %w", primary.Name, err)
	}
	var latest int64
	track := func(p *archive.Post) {
		if p == nil || p.Ghost() {
			return
		}
		if n := p.Number(); n > latest {
			latest = n
		}
	}
	for _, t := range payload {
		track(t.Op)
		for _, p := range t.Posts {
			track(p)
		}
	}
	if latest == 0 {
		return 0, fmt.Errorf("index from %s reported no posts", primary.Name)
	}
	return latest, nil
}

func (b *Builder) settled(num int64, src string) {
	if b.deps.Tracker != nil {
		b.deps.Tracker.NumberSettled(num, src)
	}
}
