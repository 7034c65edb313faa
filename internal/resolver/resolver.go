// Package resolver reconstructs a thread's full post set from one mirror,
// falling across three retrieval strategies as failure modes appear.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hexpair/foolvault/internal/archive"
	"github.com/hexpair/foolvault/internal/source"
)

const (
	defaultChunkPageSize    = 1000
	defaultSearchPageSize   = 25
	defaultSearchMaxResults = 5000
)

// Config tunes page sizes for the fallback strategies.
type Config struct {
	// ChunkPageSize is the fixed page size for bulk enumeration.
	ChunkPageSize int
	// SearchPageSize is the page size the search endpoint serves.
	SearchPageSize int
	// SearchMaxResults is the backend's result cap per query; hitting it
	// restarts pagination behind a timestamp cursor.
	SearchMaxResults int
}

// Options carries per-call resolution knobs.
type Options struct {
	// AllowChunkFallback permits the expensive bulk enumeration when the
	// search backend reports itself unavailable. Callers that would rather
	// take a thread-not-found than a full scan leave it false.
	AllowChunkFallback bool
}

// Resolver resolves threads against one source at a time.
type Resolver struct {
	client   *source.Client
	cfg      Config
	renderer archive.CommentRenderer
	logger   *zap.Logger
}

// New constructs a Resolver. The renderer is optional; when present it is
// used to rebuild processed comment HTML while repairing chunk-endpoint
// field quirks.
func New(client *source.Client, cfg Config, renderer archive.CommentRenderer, logger *zap.Logger) *Resolver {
	if cfg.ChunkPageSize <= 0 {
		cfg.ChunkPageSize = defaultChunkPageSize
	}
	if cfg.SearchPageSize <= 0 {
		cfg.SearchPageSize = defaultSearchPageSize
	}
	if cfg.SearchMaxResults <= 0 {
		cfg.SearchMaxResults = defaultSearchMaxResults
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{client: client, cfg: cfg, renderer: renderer, logger: logger}
}

type strategyFunc func(ctx context.Context, threadNum int64, src source.Source) (*archive.Thread, error)

// ResolveThread returns the thread's full, ghost-stripped post set. The
// strategies run in order; observed failure modes steer the walk: direct
// not-found (or a direct server error) moves to search, an oversized-thread
// signal jumps straight to chunked enumeration, and a downed search backend
// reaches chunked enumeration only when the caller allowed it.
func (r *Resolver) ResolveThread(ctx context.Context, threadNum int64, src source.Source, opts Options) (*archive.Thread, error) {
	strategies := []struct {
		name string
		run  strategyFunc
	}{
		{"direct", r.direct},
		{"search", r.search},
		{"chunk", r.chunked},
	}
	const chunkIdx = 2

	for i := 0; i < len(strategies); {
		st := strategies[i]
		thread, err := st.run(ctx, threadNum, src)
		switch {
		case err == nil:
			return thread, nil
		case errors.Is(err, archive.ErrOversizedThread):
			// Oversized threads reliably break the search backend too.
			r.logger.Debug("thread oversized, using bulk enumeration",
				zap.Int64("thread", threadNum), zap.String("source", src.Name))
			i = chunkIdx
		case errors.Is(err, archive.ErrSearchUnavailable):
			if !opts.AllowChunkFallback {
				return nil, fmt.Errorf("search down and chunk fallback disabled: %w", archive.ErrThreadNotFound)
			}
			r.logger.Warn("search backend down, using bulk enumeration",
				zap.Int64("thread", threadNum), zap.String("source", src.Name))
			i = chunkIdx
		case errors.Is(err, archive.ErrThreadNotFound) && st.name == "direct":
			i++
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("thread %d on %s: %w", threadNum, src.Name, archive.ErrThreadNotFound)
}

// threadPayload is the direct endpoint's per-thread object; replies arrive
// keyed by post number.
type threadPayload struct {
	Op    *archive.Post            `json:"op"`
	Posts map[string]*archive.Post `json:"posts"`
}

func (r *Resolver) direct(ctx context.Context, threadNum int64, src source.Source) (*archive.Thread, error) {
	resp, err := r.client.Fetch(ctx, src, src.ThreadURL(threadNum), allowed(src,
		http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusInternalServerError))
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, fmt.Errorf("thread %d on %s: %w", threadNum, src.Name, archive.ErrThreadNotFound)
	case http.StatusRequestEntityTooLarge:
		return nil, fmt.Errorf("thread %d on %s: %w", threadNum, src.Name, archive.ErrOversizedThread)
	case http.StatusInternalServerError:
		// The direct endpoint erroring is recovered by the next strategy.
		return nil, fmt.Errorf("thread endpoint error on %s: %w", src.Name, archive.ErrThreadNotFound)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("decode thread %d from %s: %w", threadNum, src.Name, err)
	}
	if raw, ok := envelope["error"]; ok {
		var msg string
		_ = json.Unmarshal(raw, &msg)
		return nil, fmt.Errorf("%s: %w", msg, archive.ErrThreadNotFound)
	}
	raw, ok := envelope[strconv.FormatInt(threadNum, 10)]
	if !ok {
		return nil, fmt.Errorf("thread %d missing from %s response: %w", threadNum, src.Name, archive.ErrThreadNotFound)
	}
	var payload threadPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode thread %d payload from %s: %w", threadNum, src.Name, err)
	}

	posts := make([]*archive.Post, 0, len(payload.Posts)+1)
	if payload.Op != nil {
		posts = append(posts, payload.Op)
	}
	for _, p := range payload.Posts {
		posts = append(posts, p)
	}
	return buildThread(threadNum, posts), nil
}

// searchPayload is one page of in-thread search results plus the reported
// grand total.
type searchPayload struct {
	Page struct {
		Posts []*archive.Post `json:"posts"`
	} `json:"0"`
	Meta struct {
		TotalFound archive.StrInt `json:"total_found"`
	} `json:"meta"`
	Error *string `json:"error"`
}

func (r *Resolver) search(ctx context.Context, threadNum int64, src source.Source) (*archive.Thread, error) {
	collected := make(map[int64]*archive.Post)
	var (
		page    = 1
		cursor  int64
		maxTS   int64
		total   = -1
		maxPage = r.cfg.SearchMaxResults / r.cfg.SearchPageSize
	)
	for {
		resp, err := r.client.Fetch(ctx, src, src.SearchURL(threadNum, page, cursor), allowed(src,
			http.StatusNotFound, http.StatusServiceUnavailable))
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return nil, fmt.Errorf("search for thread %d on %s: %w", threadNum, src.Name, archive.ErrThreadNotFound)
		case http.StatusServiceUnavailable:
			return nil, fmt.Errorf("search on %s: %w", src.Name, archive.ErrSearchUnavailable)
		}

		var payload searchPayload
		if err := json.Unmarshal(resp.Body, &payload); err != nil {
			return nil, fmt.Errorf("decode search page %d from %s: %w", page, src.Name, err)
		}
		if payload.Error != nil {
			msg := *payload.Error
			if strings.Contains(strings.ToLower(msg), "unavailable") {
				return nil, fmt.Errorf("%s: %w", msg, archive.ErrSearchUnavailable)
			}
			return nil, fmt.Errorf("%s: %w", msg, archive.ErrThreadNotFound)
		}
		if total < 0 {
			total = int(payload.Meta.TotalFound)
			if total == 0 {
				return nil, fmt.Errorf("search found nothing for thread %d on %s: %w", threadNum, src.Name, archive.ErrThreadNotFound)
			}
		}

		pageHadPosts := len(payload.Page.Posts) > 0
		for _, p := range payload.Page.Posts {
			if p == nil || p.Ghost() {
				continue
			}
			if ts := int64(p.Timestamp); ts > maxTS {
				maxTS = ts
			}
			collected[int64(p.Num)] = p
		}

		if len(collected) >= total {
			break
		}
		if page >= maxPage {
			// The backend caps each query's result window; route around the
			// cap by restarting behind a timestamp cursor.
			r.logger.Debug("search result cap hit, restarting with cursor",
				zap.Int64("thread", threadNum), zap.Int64("cursor", maxTS))
			page = 1
			cursor = maxTS
			continue
		}
		if !pageHadPosts {
			r.logger.Warn("search ran dry before reported total",
				zap.Int64("thread", threadNum),
				zap.Int("collected", len(collected)),
				zap.Int("total", total))
			break
		}
		page++
	}

	if len(collected) == 0 {
		return nil, fmt.Errorf("search yielded no posts for thread %d: %w", threadNum, archive.ErrThreadNotFound)
	}
	posts := make([]*archive.Post, 0, len(collected))
	for _, p := range collected {
		posts = append(posts, p)
	}
	return buildThread(threadNum, posts), nil
}

// chunkPayload is one fixed-size page of the bulk enumeration endpoint. An
// empty-string error field is the past-the-end sentinel.
type chunkPayload struct {
	Posts []*archive.Post `json:"posts"`
	Error *string         `json:"error"`
}

func (r *Resolver) chunked(ctx context.Context, threadNum int64, src source.Source) (*archive.Thread, error) {
	collected := make(map[int64]*archive.Post)
	for page := 1; ; page++ {
		resp, err := r.client.Fetch(ctx, src, src.ChunkURL(threadNum, page, r.cfg.ChunkPageSize), allowed(src, http.StatusNotFound))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("chunk enumeration of thread %d on %s: %w", threadNum, src.Name, archive.ErrThreadNotFound)
		}

		var payload chunkPayload
		if err := json.Unmarshal(resp.Body, &payload); err != nil {
			return nil, fmt.Errorf("decode chunk page %d from %s: %w", page, src.Name, err)
		}
		if payload.Error != nil {
			if *payload.Error == "" {
				break
			}
			return nil, fmt.Errorf("chunk endpoint on %s: %s", src.Name, *payload.Error)
		}
		if len(payload.Posts) == 0 {
			break
		}
		for _, p := range payload.Posts {
			if p == nil || p.Ghost() {
				continue
			}
			// Later occurrences supersede earlier ones.
			collected[int64(p.Num)] = p
		}
	}

	if len(collected) == 0 {
		return nil, fmt.Errorf("chunk enumeration empty for thread %d on %s: %w", threadNum, src.Name, archive.ErrThreadNotFound)
	}
	posts := make([]*archive.Post, 0, len(collected))
	for _, p := range collected {
		r.repairChunkQuirks(p, src)
		posts = append(posts, p)
	}
	return buildThread(threadNum, posts), nil
}

// repairChunkQuirks fills comment_sanitized/comment_processed when the chunk
// endpoint returned them as the boolean false (decoded to empty).
func (r *Resolver) repairChunkQuirks(p *archive.Post, src source.Source) {
	if p.Comment == "" {
		return
	}
	if p.CommentSanitized == "" {
		p.CommentSanitized = archive.FlexText(p.Comment)
	}
	if p.CommentProcessed == "" {
		if r.renderer != nil {
			p.CommentProcessed = archive.FlexText(r.renderer.Render(p.Comment, src.Name))
		} else {
			p.CommentProcessed = archive.FlexText(p.Comment)
		}
	}
}

// buildThread strips ghosts, separates the OP, and backfills thread_num on
// posts that arrived without it.
func buildThread(threadNum int64, posts []*archive.Post) *archive.Thread {
	t := &archive.Thread{Posts: make(map[int64]*archive.Post)}
	for _, p := range posts {
		if p == nil || p.Ghost() {
			continue
		}
		if p.ThreadNum == 0 {
			p.ThreadNum = archive.StrInt(threadNum)
		}
		if p.Op != 0 || p.Number() == threadNum {
			t.Op = p
			continue
		}
		t.Posts[p.Number()] = p
	}
	return t
}

// FetchPost fetches one post by number from src, classifying the not-found
// shapes (HTTP 404 and the JSON error envelope) as archive.ErrPostNotFound.
func (r *Resolver) FetchPost(ctx context.Context, src source.Source, num int64) (*archive.Post, error) {
	resp, err := r.client.Fetch(ctx, src, src.PostURL(num), allowed(src, http.StatusNotFound))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("post %d on %s: %w", num, src.Name, archive.ErrPostNotFound)
	}
	var probe struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &probe); err != nil {
		return nil, fmt.Errorf("decode post %d from %s: %w", num, src.Name, err)
	}
	if probe.Error != nil {
		return nil, fmt.Errorf("%s: %w", *probe.Error, archive.ErrPostNotFound)
	}
	var post archive.Post
	if err := json.Unmarshal(resp.Body, &post); err != nil {
		return nil, fmt.Errorf("decode post %d from %s: %w", num, src.Name, err)
	}
	if post.Num == 0 {
		return nil, fmt.Errorf("post %d from %s: empty payload", num, src.Name)
	}
	return &post, nil
}

// allowed appends 403 for verification-prone sources so the client can
// surface the typed verification outcome instead of retrying it.
func allowed(src source.Source, statuses ...int) []int {
	if src.Verification {
		return append(statuses, http.StatusForbidden)
	}
	return statuses
}
