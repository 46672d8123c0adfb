package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/mediacache/internal/cache"
	"github.com/any-hub/mediacache/internal/fetch"
	"github.com/any-hub/mediacache/internal/logging"
	"github.com/any-hub/mediacache/internal/media"
	"github.com/any-hub/mediacache/internal/server"
)

type gateway struct {
	app     *fiber.App
	manager *media.Manager
	origin  *httptest.Server
	body    []byte
	hits    atomic.Int32
}

func newGateway(t *testing.T, size int) *gateway {
	t.Helper()
	g := &gateway{body: make([]byte, size)}
	for i := range g.body {
		g.body[i] = byte(i % 253)
	}
	g.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.hits.Add(1)
		if r.URL.Path != "/media/a.mp4" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(g.body))
	}))
	t.Cleanup(g.origin.Close)

	resolver, err := cache.NewResolver(t.TempDir(), "media")
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	store, err := cache.NewStore(resolver)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	meta, err := cache.OpenMetaIndex("")
	if err != nil {
		t.Fatalf("meta index: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	g.manager, err = media.NewManager(media.Options{
		Resolver: resolver,
		Store:    store,
		Meta:     meta,
		Fetcher:  fetch.NewHTTPFetcher(g.origin.Client()),
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(g.manager.Close)

	g.app, err = server.NewApp(server.AppOptions{
		Logger:     logging.Discard(),
		Handles:    g.manager,
		Stream:     NewHandler(nil, nil),
		ListenPort: 5090,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	return g
}

func (g *gateway) open(t *testing.T, path string) *media.Handle {
	t.Helper()
	h, err := g.manager.Open(g.origin.URL + path)
	if err != nil {
		t.Fatalf("open handle: %v", err)
	}
	return h
}

func (g *gateway) do(t *testing.T, method, key, rangeHeader string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, server.StreamPath(key), nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := g.app.Test(req, fiber.TestConfig{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestStreamRangeFromLoader(t *testing.T) {
	g := newGateway(t, 1000)
	h := g.open(t, "/media/a.mp4")

	resp, body := g.do(t, "GET", h.Key(), "bytes=100-199")
	if resp.StatusCode != fiber.StatusPartialContent {
		t.Fatalf("expected 206, got %d (%s)", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 100-199/1000" {
		t.Fatalf("unexpected Content-Range %q", got)
	}
	if !bytes.Equal(body, g.body[100:200]) {
		t.Fatalf("unexpected range body (%d bytes)", len(body))
	}
	if resp.Header.Get("X-Mediacache-Cache-Hit") != "false" {
		t.Fatalf("expected cache miss header")
	}
}

func TestStreamWholeResource(t *testing.T) {
	g := newGateway(t, 4096)
	h := g.open(t, "/media/a.mp4")

	resp, body := g.do(t, "GET", h.Key(), "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "video/mp4" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		t.Fatalf("expected Accept-Ranges bytes")
	}
	if !bytes.Equal(body, g.body) {
		t.Fatalf("unexpected body (%d bytes)", len(body))
	}
}

func TestStreamHeadProbesMetadata(t *testing.T) {
	g := newGateway(t, 2048)
	h := g.open(t, "/media/a.mp4")

	resp, _ := g.do(t, "HEAD", h.Key(), "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "video/mp4" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
}

func TestStreamUnsatisfiableRange(t *testing.T) {
	g := newGateway(t, 1000)
	h := g.open(t, "/media/a.mp4")

	resp, body := g.do(t, "GET", h.Key(), "bytes=5000-")
	if resp.StatusCode != fiber.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("expected 416, got %d (%s)", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes */1000" {
		t.Fatalf("unexpected Content-Range %q", got)
	}
}

func TestStreamUpstreamFailure(t *testing.T) {
	g := newGateway(t, 10)
	h := g.open(t, "/media/missing.mp4")

	resp, body := g.do(t, "GET", h.Key(), "")
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte(`"upstream_failed"`)) {
		t.Fatalf("unexpected error body %s", body)
	}
}

func TestStreamCacheHitServesFile(t *testing.T) {
	g := newGateway(t, 1000)
	first := g.open(t, "/media/a.mp4")
	if err := first.Download(); err != nil {
		t.Fatalf("download: %v", err)
	}
	if err := first.Wait(t.Context()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	first.CancelAndInvalidate()
	hitsAfterDownload := g.hits.Load()

	h := g.open(t, "/media/a.mp4")
	if !h.IsCacheHit() {
		t.Fatalf("expected cache hit handle")
	}

	resp, body := g.do(t, "GET", h.Key(), "bytes=-10")
	if resp.StatusCode != fiber.StatusPartialContent {
		t.Fatalf("expected 206, got %d (%s)", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 990-999/1000" {
		t.Fatalf("unexpected Content-Range %q", got)
	}
	if !bytes.Equal(body, g.body[990:]) {
		t.Fatalf("unexpected tail bytes")
	}
	if resp.Header.Get("X-Mediacache-Cache-Hit") != "true" {
		t.Fatalf("expected cache hit header")
	}
	if resp.Header.Get("Content-Type") != "video/mp4" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if g.hits.Load() != hitsAfterDownload {
		t.Fatalf("cache hit must not reach the origin")
	}
}
