package media

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/mediacache/internal/cache"
	"github.com/any-hub/mediacache/internal/fetch"
	"github.com/stretchr/testify/require"
)

type origin struct {
	srv *httptest.Server

	mu      sync.Mutex
	bodies  map[string][]byte
	types   map[string]string
	hits    map[string]int
	headers map[string]http.Header
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{
		bodies:  make(map[string][]byte),
		types:   make(map[string]string),
		hits:    make(map[string]int),
		headers: make(map[string]http.Header),
	}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) add(path string, body []byte, contentType string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies[path] = body
	if contentType != "" {
		o.types[path] = contentType
	}
	return o.srv.URL + path
}

func (o *origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	o.headers[r.URL.Path] = r.Header.Clone()
	body, ok := o.bodies[r.URL.Path]
	contentType := o.types[r.URL.Path]
	o.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(body))
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *origin) lastHeader(path string) http.Header {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.headers[path]
}

func newTestManager(t *testing.T, o *origin, mutate ...func(*Options)) *Manager {
	t.Helper()
	resolver, err := cache.NewResolver(t.TempDir(), "media")
	require.NoError(t, err)
	store, err := cache.NewStore(resolver)
	require.NoError(t, err)
	meta, err := cache.OpenMetaIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	opts := Options{
		Resolver: resolver,
		Store:    store,
		Meta:     meta,
		Fetcher:  fetch.NewHTTPFetcher(o.srv.Client()),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func payload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 241)
	}
	return out
}
