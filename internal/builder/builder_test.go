package builder

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hexpair/foolvault/internal/archive"
	"github.com/hexpair/foolvault/internal/chunk"
	"github.com/hexpair/foolvault/internal/resolver"
	"github.com/hexpair/foolvault/internal/source"
	"github.com/hexpair/foolvault/internal/state"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var clockNow = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

// fakeHost serves the archive API for one mirror from in-memory posts.
type fakeHost struct {
	server *httptest.Server
	// posts by number; every post belongs to thread 100.
	posts map[int64]string
	// failPosts forces the post endpoint to 500 for these numbers.
	failPosts map[int64]bool
	// forbidden makes every endpoint answer 403.
	forbidden bool
}

func newFakeHost(t *testing.T, posts map[int64]string) *fakeHost {
	t.Helper()
	h := &fakeHost{posts: posts, failPosts: map[int64]bool{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/_/api/chan/post/", h.servePost)
	mux.HandleFunc("/_/api/chan/thread/", h.serveThread)
	mux.HandleFunc("/_/api/chan/index/", h.serveIndex)
	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)
	return h
}

func (h *fakeHost) servePost(w http.ResponseWriter, r *http.Request) {
	if h.forbidden {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	var num int64
	fmt.Sscanf(r.URL.Query().Get("num"), "%d", &num)
	if h.failPosts[num] {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	body, ok := h.posts[num]
	if !ok {
		fmt.Fprint(w, `{"error":"Post not found."}`)
		return
	}
	fmt.Fprint(w, body)
}

func (h *fakeHost) serveThread(w http.ResponseWriter, r *http.Request) {
	if h.forbidden {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	var op string
	replies := make([]string, 0, len(h.posts))
	for num, body := range h.posts {
		if num == 100 {
			op = body
			continue
		}
		replies = append(replies, fmt.Sprintf("%q:%s", fmt.Sprintf("%d", num), body))
	}
	fmt.Fprintf(w, `{"100":{"op":%s,"posts":{%s}}}`, op, strings.Join(replies, ","))
}

func (h *fakeHost) serveIndex(w http.ResponseWriter, r *http.Request) {
	if h.forbidden {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	var latest int64
	for num := range h.posts {
		if num > latest {
			latest = num
		}
	}
	fmt.Fprintf(w, `{"100":{"op":%s,"posts":[%s,{"num":%d,"subnum":9,"thread_num":100,"comment":"ghost","comment_sanitized":"","comment_processed":""}]}}`,
		h.posts[100], h.posts[latest], latest+50)
}

func postBody(num int64) string {
	op := 0
	if num == 100 {
		op = 1
	}
	return fmt.Sprintf(`{"num":%d,"subnum":0,"thread_num":100,"op":%d,"timestamp":%d,"comment":"post %d","comment_sanitized":"post %d","comment_processed":"post %d"}`,
		num, op, 1700000000+num, num, num, num)
}

func hostPosts(nums ...int64) map[int64]string {
	m := make(map[int64]string, len(nums))
	for _, n := range nums {
		m[n] = postBody(n)
	}
	return m
}

type harness struct {
	cfg     Config
	deps    Deps
	dataDir string
}

func newHarness(t *testing.T, sources []source.Source, latest archive.LatestFunc) *harness {
	t.Helper()
	dir := t.TempDir()
	client := source.NewClient(source.ClientConfig{
		Timeout:     2 * time.Second,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		RatePenalty: time.Millisecond,
	}, sources, nil)
	res := resolver.New(client, resolver.Config{}, nil, nil)
	return &harness{
		cfg: Config{
			DataDir:           dir,
			ManifestPath:      filepath.Join(dir, "manifest.json"),
			CachePath:         filepath.Join(dir, "lookahead.json"),
			HardCap:           100,
			InitialCheckpoint: 99,
		},
		deps: Deps{
			Client:   client,
			Resolver: res,
			Sources:  sources,
			Clock:    fixedClock{clockNow},
			Latest:   latest,
		},
		dataDir: dir,
	}
}

func latestIs(n int64) archive.LatestFunc {
	return func(context.Context) (int64, error) { return n, nil }
}

func readChunk(t *testing.T, path string) []archive.Record {
	t.Helper()
	r, err := chunk.OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	var recs []archive.Record
	for {
		rec, _, err := r.Next()
		if err != nil {
			break
		}
		recs = append(recs, rec)
	}
	return recs
}

func TestRunCommitsWindowWithMirrorBackfill(t *testing.T) {
	primary := newFakeHost(t, hostPosts(100, 101, 102, 104, 105))
	mirror := newFakeHost(t, hostPosts(100, 103))

	sources := []source.Source{
		{Name: "desu", BaseURL: primary.server.URL, Board: "g", MaxRetries: 1},
		{Name: "moe", BaseURL: mirror.server.URL, Board: "g", MaxRetries: 1},
	}
	h := newHarness(t, sources, latestIs(105))
	b, err := New(h.cfg, h.deps)
	require.NoError(t, err)

	res, err := b.Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.NoWork)
	require.Equal(t, archive.Window{Start: 100, End: 105}, res.Window)
	require.Equal(t, 6, res.Emitted)
	require.Equal(t, 0, res.Carried)

	recs := readChunk(t, res.ChunkPath)
	require.Len(t, recs, 6)
	for i, rec := range recs {
		require.EqualValues(t, 100+i, rec.Number(), "chunk is ascending and gapless")
	}

	// 103 was missing on the primary and recovered from the mirror.
	p103, ok := archive.AsPost(recs[3])
	require.True(t, ok)
	require.Equal(t, []string{"moe"}, p103.ArchivedFrom)
	// Primary-sourced records carry no provenance.
	p101, _ := archive.AsPost(recs[1])
	require.Empty(t, p101.ArchivedFrom)

	manifest, err := state.LoadManifest(h.cfg.ManifestPath, nil)
	require.NoError(t, err)
	require.EqualValues(t, 105, manifest.LastDownloaded)
	require.Equal(t, []string{res.ChunkID}, manifest.Daily)
}

func TestRunNoWork(t *testing.T) {
	primary := newFakeHost(t, hostPosts(100))
	sources := []source.Source{{Name: "desu", BaseURL: primary.server.URL, Board: "g", MaxRetries: 1}}
	h := newHarness(t, sources, latestIs(99))
	b, err := New(h.cfg, h.deps)
	require.NoError(t, err)

	res, err := b.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.NoWork)

	_, err = os.Stat(h.cfg.ManifestPath)
	require.True(t, os.IsNotExist(err), "no-work run must not touch the manifest")
}

func TestRunHardCapBoundsWindow(t *testing.T) {
	primary := newFakeHost(t, hostPosts(100, 101, 102))
	sources := []source.Source{{Name: "desu", BaseURL: primary.server.URL, Board: "g", MaxRetries: 1}}
	h := newHarness(t, sources, latestIs(5000))
	h.cfg.HardCap = 3
	b, err := New(h.cfg, h.deps)
	require.NoError(t, err)

	res, err := b.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, archive.Window{Start: 100, End: 102}, res.Window)
	require.Equal(t, 3, res.Emitted)
}

func TestRunFatalErrorLeavesStateUntouched(t *testing.T) {
	primary := newFakeHost(t, hostPosts(100, 101, 102))
	primary.failPosts[100] = true

	sources := []source.Source{{Name: "desu", BaseURL: primary.server.URL, Board: "g", MaxRetries: 1}}
	h := newHarness(t, sources, latestIs(102))

	seed := []byte(`{"lastDownLoaded":99,"daily":["old.ndjson"],"monthly":[],"yearly":[]}` + "\n")
	require.NoError(t, os.WriteFile(h.cfg.ManifestPath, seed, 0o644))

	b, err := New(h.cfg, h.deps)
	require.NoError(t, err)

	_, err = b.Run(context.Background())
	require.Error(t, err)

	after, rerr := os.ReadFile(h.cfg.ManifestPath)
	require.NoError(t, rerr)
	require.Equal(t, seed, after, "manifest bytes unchanged after a fatal run")

	entries, derr := os.ReadDir(h.dataDir)
	require.NoError(t, derr)
	for _, e := range entries {
		require.False(t, strings.HasSuffix(e.Name(), chunk.Ext), "no chunk emitted: %s", e.Name())
	}
}

func TestRunSeedsFromLookaheadCache(t *testing.T) {
	// The cache already holds 101 and 102; the primary only needs to serve
	// the remaining numbers.
	primary := newFakeHost(t, hostPosts(100, 103))
	sources := []source.Source{{Name: "desu", BaseURL: primary.server.URL, Board: "g", MaxRetries: 1}}
	h := newHarness(t, sources, latestIs(103))

	cached := []*archive.Post{
		{Num: 101, ThreadNum: 100, Timestamp: 1700000101, Comment: "cached"},
		{Num: 102, ThreadNum: 100, Timestamp: 1700000102, Comment: "cached", ArchivedFrom: []string{"moe"}},
	}
	require.NoError(t, state.SaveCache(h.cfg.CachePath, cached))

	b, err := New(h.cfg, h.deps)
	require.NoError(t, err)

	res, err := b.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, res.Emitted)

	recs := readChunk(t, res.ChunkPath)
	p102, ok := archive.AsPost(recs[2])
	require.True(t, ok)
	require.Equal(t, []string{"moe"}, p102.ArchivedFrom, "cache reseed keeps provenance without duplicating it")
}

func TestRunVerificationExhaustedKeepsPlaceholder(t *testing.T) {
	primary := newFakeHost(t, hostPosts(100, 101))
	blocked := newFakeHost(t, nil)
	blocked.forbidden = true

	sources := []source.Source{
		{Name: "desu", BaseURL: primary.server.URL, Board: "g", MaxRetries: 1},
		{Name: "b4k", BaseURL: blocked.server.URL, Board: "g", MaxRetries: 1, Verification: true},
	}
	h := newHarness(t, sources, latestIs(102))
	b, err := New(h.cfg, h.deps)
	require.NoError(t, err)

	res, err := b.Run(context.Background())
	require.NoError(t, err, "a verification wall exhausts the source, not the run")
	require.Equal(t, 3, res.Emitted)

	recs := readChunk(t, res.ChunkPath)
	ph, ok := recs[2].(*archive.Placeholder)
	require.True(t, ok, "unrecoverable number committed as a tombstone")
	require.EqualValues(t, 102, ph.Number())
	require.Contains(t, ph.Exception, "102")
}

func TestLatestDiscoveryFromIndex(t *testing.T) {
	primary := newFakeHost(t, hostPosts(100, 101, 102))
	sources := []source.Source{{Name: "desu", BaseURL: primary.server.URL, Board: "g", MaxRetries: 1}}
	h := newHarness(t, sources, nil)
	b, err := New(h.cfg, h.deps)
	require.NoError(t, err)

	latest, err := b.latestNum(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 102, latest, "ghost replies never advance the latest number")
}

func TestNewValidatesWiring(t *testing.T) {
	h := newHarness(t, []source.Source{{Name: "desu", BaseURL: "http://127.0.0.1:0", Board: "g"}}, nil)

	bad := h.cfg
	bad.HardCap = 0
	_, err := New(bad, h.deps)
	require.Error(t, err)

	noSources := h.deps
	noSources.Sources = nil
	_, err = New(h.cfg, noSources)
	require.Error(t, err)
}
