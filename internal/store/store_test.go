package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagemirror/internal/urlx"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	types map[string]string
	calls map[string]int
}

func newFakeFetcher(pages map[string]string) *fakeFetcher {
	return &fakeFetcher{pages: pages, types: map[string]string{}, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[rawURL]++
	body, ok := f.pages[rawURL]
	if !ok {
		return nil, &FetchError{URL: rawURL, StatusCode: http.StatusNotFound}
	}
	return &Response{Body: io.NopCloser(strings.NewReader(body)), ContentType: f.types[rawURL]}, nil
}

func newStore(t *testing.T, f Fetcher) *Store {
	t.Helper()
	s, err := New(t.TempDir(), f, nil)
	require.NoError(t, err)
	return s
}

func TestNewCreatesLayout(t *testing.T) {
	s := newStore(t, newFakeFetcher(nil))
	for _, c := range urlx.Categories {
		fi, err := os.Stat(filepath.Join(s.Root(), string(c)))
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
}

func TestGetFetchesOnce(t *testing.T) {
	f := newFakeFetcher(map[string]string{"https://ex.com/img/a.png": "PNG"})
	s := newStore(t, f)
	ctx := context.Background()

	first, err := s.Get(ctx, "https://ex.com/img/a.png")
	require.NoError(t, err)
	second, err := s.Get(ctx, "https://ex.com/img/a.png")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.calls["https://ex.com/img/a.png"])
	assert.Equal(t, filepath.Join(s.Root(), "images", "a.png"), first)

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "PNG", string(data))
}

func TestGetConcurrentCallersShareOneFetch(t *testing.T) {
	f := newFakeFetcher(map[string]string{"https://ex.com/app.js": "js"})
	s := newStore(t, f)

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := s.Get(context.Background(), "https://ex.com/app.js")
			assert.NoError(t, err)
			paths[i] = p
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.calls["https://ex.com/app.js"])
	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}
}

func TestGetCollisionSuffix(t *testing.T) {
	f := newFakeFetcher(map[string]string{
		"https://a.com/logo.png":       "A",
		"https://b.com/logo.png":       "B",
		"https://c.com/x/logo.png?v=2": "C",
	})
	s := newStore(t, f)
	ctx := context.Background()

	a, err := s.Get(ctx, "https://a.com/logo.png")
	require.NoError(t, err)
	b, err := s.Get(ctx, "https://b.com/logo.png")
	require.NoError(t, err)
	c, err := s.Get(ctx, "https://c.com/x/logo.png?v=2")
	require.NoError(t, err)

	assert.Equal(t, "logo.png", filepath.Base(a))
	assert.Equal(t, "logo_1.png", filepath.Base(b))
	assert.Equal(t, "logo_2.png", filepath.Base(c))
}

func TestGetExistingFilesParticipateInNaming(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "css", "s.css"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "css", "empty.css"), nil, 0o644))

	f := newFakeFetcher(map[string]string{
		"https://ex.com/s.css":     "body{}",
		"https://ex.com/empty.css": "p{}",
	})
	s, err := New(root, f, nil)
	require.NoError(t, err)

	p, err := s.Get(context.Background(), "https://ex.com/s.css")
	require.NoError(t, err)
	assert.Equal(t, "s_1.css", filepath.Base(p))

	p, err = s.Get(context.Background(), "https://ex.com/empty.css")
	require.NoError(t, err)
	assert.Equal(t, "empty.css", filepath.Base(p))
}

func TestGetFailureIsRecorded(t *testing.T) {
	f := newFakeFetcher(nil)
	s := newStore(t, f)

	_, err := s.Get(context.Background(), "https://ex.com/missing.png")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)

	_, err = s.Get(context.Background(), "https://ex.com/missing.png")
	require.Error(t, err)
	assert.Equal(t, 1, f.calls["https://ex.com/missing.png"])

	rec, ok := s.Record("https://ex.com/missing.png")
	require.True(t, ok)
	assert.Equal(t, Failed, rec.State)
	_, ok = s.Lookup("https://ex.com/missing.png")
	assert.False(t, ok)
}

func TestGetEntry(t *testing.T) {
	f := newFakeFetcher(map[string]string{"https://ex.com/": "<html></html>"})
	s := newStore(t, f)

	p, err := s.GetEntry(context.Background(), "https://ex.com/")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), EntryName), p)
}

func TestGetCanceledBeforeFetch(t *testing.T) {
	f := newFakeFetcher(map[string]string{"https://ex.com/a.png": "x"})
	s := newStore(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Get(ctx, "https://ex.com/a.png")
	assert.True(t, errors.Is(err, ErrCanceled))
	assert.Zero(t, f.calls["https://ex.com/a.png"])
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "a.png", FileName("https://ex.com/img/a.png?x=1", urlx.Images))
	assert.Equal(t, "a b.png", FileName("https://ex.com/img/a%20b.png", urlx.Images))
	assert.Equal(t, "bundle.js", FileName("https://ex.com/bundle", urlx.JS))
	assert.Equal(t, "a_b.css", FileName("https://ex.com/a%3Ab.css", urlx.CSS))

	root := FileName("https://cdn.example.com/", urlx.Other)
	assert.Regexp(t, `^resource_[0-9a-f]{8}\.bin$`, root)
	assert.Equal(t, root, FileName("https://cdn.example.com/", urlx.Other))
	assert.NotEqual(t, root, FileName("https://other.example.com/", urlx.Other))
}

func TestHTTPFetcher(t *testing.T) {
	var gotUA, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/s.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte("body{}"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(FetcherOptions{Headers: map[string]string{"Authorization": "Bearer t"}})

	resp, err := f.Fetch(context.Background(), srv.URL+"/s.css")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "body{}", string(body))
	assert.Equal(t, "text/css", resp.ContentType)
	assert.Equal(t, DefaultUserAgent, gotUA)
	assert.Equal(t, "Bearer t", gotAuth)

	_, err = f.Fetch(context.Background(), srv.URL+"/nope")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
}

func TestHTTPFetcherBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(FetcherOptions{MaxBodyBytes: 16})
	s, err := New(t.TempDir(), f, nil)
	require.NoError(t, err)

	_, err = s.Get(context.Background(), srv.URL+"/big.bin")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)

	entries, err := os.ReadDir(filepath.Join(s.Root(), "other"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHTTPFetcherHeaderOverridesUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	f := NewHTTPFetcher(FetcherOptions{Headers: map[string]string{"User-Agent": "mirror-bot/1.0"}})
	resp, err := f.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "mirror-bot/1.0", gotUA)
}

func TestHTTPFetcherCanceledWhileWaiting(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(FetcherOptions{RateLimit: 1})
	s, err := New(t.TempDir(), f, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, srv.URL+"/a.png")
	require.ErrorIs(t, err, ErrCanceled)
	var fe *FetchError
	assert.False(t, errors.As(err, &fe))
	assert.Zero(t, hits.Load())

	// A canceled fetch is not recorded as a failure and can be retried.
	s.fetcher = cancelingFetcher{}
	_, err = s.Get(context.Background(), srv.URL+"/a.png")
	require.ErrorIs(t, err, ErrCanceled)
	_, ok := s.Record(srv.URL + "/a.png")
	assert.False(t, ok)
	for _, rec := range s.Records() {
		assert.NotEqual(t, Failed, rec.State)
	}

	s.fetcher = f
	p, err := s.Get(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)
	assert.FileExists(t, p)
	assert.Equal(t, int32(1), hits.Load())
}

// cancelingFetcher behaves like a fetcher whose context was canceled while
// it waited for its turn.
type cancelingFetcher struct{}

func (cancelingFetcher) Fetch(_ context.Context, rawURL string) (*Response, error) {
	return nil, fmt.Errorf("%w: %s", ErrCanceled, rawURL)
}
