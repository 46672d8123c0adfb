package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/mediacache/internal/cache"
	"github.com/any-hub/mediacache/internal/cachekey"
	"github.com/any-hub/mediacache/internal/media"
	"github.com/any-hub/mediacache/internal/metrics"
)

type routeEnv struct {
	app     *fiber.App
	manager *media.Manager
	store   cache.Store
}

func newRouteEnv(t *testing.T) *routeEnv {
	t.Helper()
	resolver, err := cache.NewResolver(t.TempDir(), "media")
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	store, err := cache.NewStore(resolver)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	manager, err := media.NewManager(media.Options{Resolver: resolver, Store: store})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(manager.Close)

	app := fiber.New()
	RegisterHandleRoutes(app, manager, nil)
	return &routeEnv{app: app, manager: manager, store: store}
}

func (e *routeEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestOpenReturnsRewrittenPlaybackURL(t *testing.T) {
	env := newRouteEnv(t)

	status, body := env.do(t, "POST", "/-/open", `{"locator":"https://cdn.example.com/a.mp4","headers":{"Authorization":"Bearer x"}}`)
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", status, body)
	}
	var payload openResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Key != cachekey.Hash("https://cdn.example.com/a.mp4") {
		t.Fatalf("unexpected key %s", payload.Key)
	}
	if payload.PlaybackURL != "mediacache://cdn.example.com/a.mp4" {
		t.Fatalf("unexpected playback url %s", payload.PlaybackURL)
	}
	if !strings.HasSuffix(payload.GatewayURL, "/stream/"+payload.Key) {
		t.Fatalf("unexpected gateway url %s", payload.GatewayURL)
	}
	if payload.CacheHit {
		t.Fatalf("expected cache miss")
	}
	if _, err := env.manager.Lookup(payload.Key); err != nil {
		t.Fatalf("expected handle to be registered: %v", err)
	}
}

func TestOpenRejectsBadInput(t *testing.T) {
	env := newRouteEnv(t)

	if status, _ := env.do(t, "POST", "/-/open", `{"locator":"ftp://example.com/a.mp4"}`); status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported scheme, got %d", status)
	}
	if status, _ := env.do(t, "POST", "/-/open", `{"locator":""}`); status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for empty locator, got %d", status)
	}
	if status, _ := env.do(t, "POST", "/-/open", `{not json`); status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", status)
	}
}

func TestHandleListingAndDelete(t *testing.T) {
	env := newRouteEnv(t)
	h, err := env.manager.Open("https://cdn.example.com/b.mp4")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	status, body := env.do(t, "GET", "/-/handles", "")
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var listing struct {
		Handles []media.HandleInfo `json:"handles"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Handles) != 1 || listing.Handles[0].Key != h.Key() {
		t.Fatalf("unexpected listing %s", body)
	}

	if status, _ := env.do(t, "DELETE", "/-/handles/"+h.Key(), ""); status != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	if !h.Invalidated() {
		t.Fatalf("expected handle to be invalidated")
	}
	if status, _ := env.do(t, "DELETE", "/-/handles/"+h.Key(), ""); status != fiber.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", status)
	}
	if status, _ := env.do(t, "POST", "/-/handles/"+h.Key()+"/download", ""); status != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown handle download, got %d", status)
	}
}

func TestDownloadOnCacheHitConflicts(t *testing.T) {
	env := newRouteEnv(t)
	locator := "https://cdn.example.com/c.mp4"
	key := cachekey.Hash(locator)

	w, err := env.store.OpenForAppend(context.Background(), cache.Locator{Key: key, Extension: "mp4"})
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if err := w.Append([]byte("complete")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Finalize(8); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	h, err := env.manager.Open(locator)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !h.IsCacheHit() {
		t.Fatalf("expected cache hit")
	}
	status, body := env.do(t, "POST", "/-/handles/"+key+"/download", "")
	if status != fiber.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", status, body)
	}
}

func TestDeleteWithPurgeRemovesCachedFile(t *testing.T) {
	env := newRouteEnv(t)
	locator := "https://cdn.example.com/d.mp4"
	key := cachekey.Hash(locator)

	w, err := env.store.OpenForAppend(context.Background(), cache.Locator{Key: key, Extension: "mp4"})
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if err := w.Append([]byte("complete")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Finalize(8); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	h, err := env.manager.Open(locator)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !h.IsCacheHit() {
		t.Fatalf("expected cache hit")
	}
	path := h.Path()

	if status, body := env.do(t, "DELETE", "/-/handles/"+key+"?purge=true", ""); status != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d (%s)", status, body)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected cached file removed, stat err=%v", err)
	}
	again, err := env.manager.Open(locator)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again.IsCacheHit() {
		t.Fatalf("expected miss after purge")
	}
}

func TestMetricsRoute(t *testing.T) {
	app := fiber.New()
	recorder := metrics.New()
	recorder.CacheLookup(metrics.LookupMiss)
	RegisterMetricsRoute(app, recorder)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `mediacache_cache_lookups_total{result="miss"} 1`) {
		t.Fatalf("expected lookup counter in exposition, got %s", body)
	}
}
