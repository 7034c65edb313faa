package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hexpair/foolvault/internal/archive"
	"github.com/hexpair/foolvault/internal/render"
	"github.com/hexpair/foolvault/internal/source"
)

// fakeMirror wires per-endpoint handlers onto the archive API layout so each
// test controls exactly the responses it needs.
type fakeMirror struct {
	t      *testing.T
	server *httptest.Server
	mux    *http.ServeMux

	threadCalls int
	searchCalls int
	chunkCalls  int
}

func newFakeMirror(t *testing.T) *fakeMirror {
	t.Helper()
	m := &fakeMirror{t: t, mux: http.NewServeMux()}
	m.server = httptest.NewServer(m.mux)
	t.Cleanup(m.server.Close)
	return m
}

func (m *fakeMirror) source() source.Source {
	return source.Source{Name: "desu", BaseURL: m.server.URL, Board: "g", MaxRetries: 1}
}

func (m *fakeMirror) onThread(h http.HandlerFunc) {
	m.mux.HandleFunc("/_/api/chan/thread/", func(w http.ResponseWriter, r *http.Request) {
		m.threadCalls++
		h(w, r)
	})
}

func (m *fakeMirror) onSearch(h http.HandlerFunc) {
	m.mux.HandleFunc("/_/api/chan/search/", func(w http.ResponseWriter, r *http.Request) {
		m.searchCalls++
		h(w, r)
	})
}

func (m *fakeMirror) onChunk(h http.HandlerFunc) {
	m.mux.HandleFunc("/_/api/chan/chunk/", func(w http.ResponseWriter, r *http.Request) {
		m.chunkCalls++
		h(w, r)
	})
}

func (m *fakeMirror) onPost(h http.HandlerFunc) {
	m.mux.HandleFunc("/_/api/chan/post/", h)
}

func newTestResolver(t *testing.T, m *fakeMirror, cfg Config) *Resolver {
	t.Helper()
	client := source.NewClient(source.ClientConfig{
		Timeout:     2 * time.Second,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		RatePenalty: time.Millisecond,
	}, []source.Source{m.source()}, nil)
	return New(client, cfg, render.New([]string{"desu"}), nil)
}

func postJSON(num, threadNum int64, comment string) string {
	return fmt.Sprintf(`{"num":%d,"subnum":0,"thread_num":%d,"op":0,"timestamp":%d,"comment":%q,"comment_sanitized":%q,"comment_processed":%q}`,
		num, threadNum, 1700000000+num, comment, comment, comment)
}

func TestResolveThreadDirect(t *testing.T) {
	m := newFakeMirror(t)
	m.onThread(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "100", r.URL.Query().Get("num"))
		fmt.Fprintf(w, `{"100":{"op":{"num":100,"op":1,"thread_num":100,"comment":"op","comment_sanitized":"op","comment_processed":"op"},"posts":{"101":%s,"102":{"num":102,"subnum":7,"thread_num":100,"comment":"ghost","comment_sanitized":"","comment_processed":""},"103":{"num":103,"comment":"no tnum","comment_sanitized":"","comment_processed":""}}}}`,
			postJSON(101, 100, "first"))
	})
	r := newTestResolver(t, m, Config{})

	thread, err := r.ResolveThread(context.Background(), 100, m.source(), Options{})
	require.NoError(t, err)
	require.NotNil(t, thread.Op)
	require.EqualValues(t, 100, thread.Op.Number())

	require.Len(t, thread.Posts, 2, "ghost reply stripped")
	require.Contains(t, thread.Posts, int64(101))
	require.NotContains(t, thread.Posts, int64(102))
	require.EqualValues(t, 100, thread.Posts[103].ThreadNum, "missing thread_num backfilled")
}

func TestResolveThreadDirectErrorEnvelope(t *testing.T) {
	m := newFakeMirror(t)
	m.onThread(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"Thread not found."}`)
	})
	m.onSearch(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"0":{"posts":[]},"meta":{"total_found":0}}`)
	})
	r := newTestResolver(t, m, Config{})

	_, err := r.ResolveThread(context.Background(), 100, m.source(), Options{})
	require.ErrorIs(t, err, archive.ErrThreadNotFound)
	require.Equal(t, 1, m.searchCalls, "search attempted after direct miss")
}

func TestResolveThreadDirectServerErrorFallsToSearch(t *testing.T) {
	m := newFakeMirror(t)
	m.onThread(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	m.onSearch(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"0":{"posts":[%s,%s]},"meta":{"total_found":"2"}}`,
			postJSON(100, 100, "op"), postJSON(101, 100, "reply"))
	})
	r := newTestResolver(t, m, Config{})

	thread, err := r.ResolveThread(context.Background(), 100, m.source(), Options{})
	require.NoError(t, err)
	require.Equal(t, 1, m.threadCalls, "direct server error is not retried as transient")
	require.NotNil(t, thread.Op)
	require.Len(t, thread.Posts, 1)
}

func TestResolveThreadSearchCursorRestart(t *testing.T) {
	m := newFakeMirror(t)
	m.onThread(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	m.onSearch(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := q.Get("page")
		cursor := q.Get("start_timestamp")
		switch {
		case cursor == "" && page == "1":
			fmt.Fprintf(w, `{"0":{"posts":[%s]},"meta":{"total_found":3}}`, postJSON(100, 100, "op"))
		case cursor == "" && page == "2":
			fmt.Fprintf(w, `{"0":{"posts":[%s]},"meta":{"total_found":3}}`, postJSON(101, 100, "a"))
		default:
			// Restarted behind the cursor; the overlap re-serves 101.
			require.Equal(t, "1700000101", cursor)
			fmt.Fprintf(w, `{"0":{"posts":[%s,%s]},"meta":{"total_found":3}}`,
				postJSON(101, 100, "a"), postJSON(102, 100, "b"))
		}
	})
	// Page size 1 against a cap of 2 forces the restart after two pages.
	r := newTestResolver(t, m, Config{SearchPageSize: 1, SearchMaxResults: 2})

	thread, err := r.ResolveThread(context.Background(), 100, m.source(), Options{})
	require.NoError(t, err)
	require.Equal(t, 3, m.searchCalls)
	require.NotNil(t, thread.Op)
	require.Len(t, thread.Posts, 2, "overlapping posts collected exactly once")
}

func TestResolveThreadOversizedJumpsToChunk(t *testing.T) {
	m := newFakeMirror(t)
	m.onThread(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	})
	m.onSearch(func(w http.ResponseWriter, r *http.Request) {
		t.Error("search must be skipped for oversized threads")
	})
	m.onChunk(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			fmt.Fprintf(w, `{"posts":[%s,%s]}`, postJSON(100, 100, "op"), postJSON(101, 100, "a"))
			return
		}
		fmt.Fprint(w, `{"error":""}`)
	})
	r := newTestResolver(t, m, Config{})

	thread, err := r.ResolveThread(context.Background(), 100, m.source(), Options{})
	require.NoError(t, err)
	require.Equal(t, 0, m.searchCalls)
	require.Equal(t, 2, m.chunkCalls)
	require.NotNil(t, thread.Op)
	require.Len(t, thread.Posts, 1)
}

func TestResolveThreadSearchUnavailable(t *testing.T) {
	run := func(t *testing.T, allowChunk bool) (*archive.Thread, error, *fakeMirror) {
		m := newFakeMirror(t)
		m.onThread(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		m.onSearch(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		m.onChunk(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("page") == "1" {
				fmt.Fprintf(w, `{"posts":[%s]}`, postJSON(100, 100, "op"))
				return
			}
			fmt.Fprint(w, `{"error":""}`)
		})
		r := newTestResolver(t, m, Config{})
		thread, err := r.ResolveThread(context.Background(), 100, m.source(), Options{AllowChunkFallback: allowChunk})
		return thread, err, m
	}

	t.Run("fallback disabled", func(t *testing.T) {
		_, err, m := run(t, false)
		require.ErrorIs(t, err, archive.ErrThreadNotFound)
		require.Equal(t, 0, m.chunkCalls)
	})

	t.Run("fallback allowed", func(t *testing.T) {
		thread, err, _ := run(t, true)
		require.NoError(t, err)
		require.NotNil(t, thread.Op)
	})
}

func TestChunkRepairsFieldQuirks(t *testing.T) {
	m := newFakeMirror(t)
	m.onThread(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	})
	m.onChunk(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			// The bulk endpoint serves the sanitized/processed fields as the
			// JSON boolean false.
			fmt.Fprint(w, `{"posts":[{"num":100,"op":1,"thread_num":100,"comment":">quoted","comment_sanitized":false,"comment_processed":false}]}`)
			return
		}
		fmt.Fprint(w, `{"error":""}`)
	})
	r := newTestResolver(t, m, Config{})

	thread, err := r.ResolveThread(context.Background(), 100, m.source(), Options{})
	require.NoError(t, err)
	require.NotNil(t, thread.Op)
	require.Equal(t, archive.FlexText(">quoted"), thread.Op.CommentSanitized)
	require.Contains(t, string(thread.Op.CommentProcessed), "greentext", "processed HTML rebuilt by the renderer")
}

func TestChunkDeduplicatesAcrossPages(t *testing.T) {
	m := newFakeMirror(t)
	m.onThread(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	})
	m.onChunk(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprintf(w, `{"posts":[%s,%s]}`, postJSON(100, 100, "op"), postJSON(101, 100, "old"))
		case "2":
			fmt.Fprintf(w, `{"posts":[%s]}`, postJSON(101, 100, "new"))
		default:
			fmt.Fprint(w, `{"error":""}`)
		}
	})
	r := newTestResolver(t, m, Config{})

	thread, err := r.ResolveThread(context.Background(), 100, m.source(), Options{})
	require.NoError(t, err)
	require.Len(t, thread.Posts, 1)
	require.Equal(t, "new", thread.Posts[101].Comment, "later page supersedes earlier")
}

func TestFetchPost(t *testing.T) {
	m := newFakeMirror(t)
	m.onPost(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("num") {
		case "101":
			fmt.Fprint(w, postJSON(101, 100, "hello"))
		case "404":
			w.WriteHeader(http.StatusNotFound)
		case "902":
			fmt.Fprint(w, `{"error":"Post not found."}`)
		default:
			fmt.Fprint(w, `{}`)
		}
	})
	r := newTestResolver(t, m, Config{})
	ctx := context.Background()

	post, err := r.FetchPost(ctx, m.source(), 101)
	require.NoError(t, err)
	require.EqualValues(t, 101, post.Number())
	require.EqualValues(t, 100, post.ThreadNum)

	_, err = r.FetchPost(ctx, m.source(), 404)
	require.ErrorIs(t, err, archive.ErrPostNotFound)

	_, err = r.FetchPost(ctx, m.source(), 902)
	require.ErrorIs(t, err, archive.ErrPostNotFound)

	_, err = r.FetchPost(ctx, m.source(), 903)
	require.ErrorContains(t, err, "empty payload")
}
