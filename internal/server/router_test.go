package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/mediacache/internal/cache"
	"github.com/any-hub/mediacache/internal/logging"
	"github.com/any-hub/mediacache/internal/media"
)

func TestRouterDispatchesRegisteredHandle(t *testing.T) {
	app := newTestApp(t, 5090)
	h, err := app.manager.Open("https://cdn.example.com/v/a.mp4")
	if err != nil {
		t.Fatalf("open handle: %v", err)
	}

	req := httptest.NewRequest("GET", "http://127.0.0.1:5090"+StreamPath(h.Key()), nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if app.recorder.last != h {
		t.Fatalf("expected stream handler to receive the registered handle")
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterKeepsIncomingRequestID(t *testing.T) {
	app := newTestApp(t, 5090)
	h, err := app.manager.Open("https://cdn.example.com/v/b.mp4")
	if err != nil {
		t.Fatalf("open handle: %v", err)
	}

	req := httptest.NewRequest("HEAD", StreamPath(h.Key()), nil)
	req.Header.Set("X-Request-ID", "player-42")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "player-42" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
	if app.recorder.method != "HEAD" {
		t.Fatalf("expected HEAD to reach the stream handler, got %q", app.recorder.method)
	}
}

func TestRouterReturns404WhenHandleUnknown(t *testing.T) {
	app := newTestApp(t, 5090)

	req := httptest.NewRequest("GET", StreamPath("deadbeef"), nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"handle_unknown"`)) {
		t.Fatalf("expected handle_unknown error, got %s", string(body))
	}
	if app.recorder.last != nil {
		t.Fatalf("stream handler must not run for unknown keys")
	}
}

func TestRouterRejectsInvalidHandles(t *testing.T) {
	app := newTestApp(t, 5090)
	h, err := app.manager.Open("https://cdn.example.com/v/c.mp4")
	if err != nil {
		t.Fatalf("open handle: %v", err)
	}
	h.CancelAndInvalidate()

	resp, err := app.Test(httptest.NewRequest("GET", StreamPath(h.Key()), nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for invalidated handle, got %d", resp.StatusCode)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("expected error without logger")
	}
	if _, err := NewApp(AppOptions{Logger: logging.Discard()}); err == nil {
		t.Fatalf("expected error without handle lookup")
	}
}

type testApp struct {
	*fiber.App
	manager  *media.Manager
	recorder *streamRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
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

	recorder := &streamRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logging.Discard(),
		Handles:    manager,
		Stream:     recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, manager: manager, recorder: recorder}
}

type streamRecorder struct {
	last   *media.Handle
	method string
}

func (s *streamRecorder) Handle(c fiber.Ctx, h *media.Handle) error {
	s.last = h
	s.method = c.Method()
	return c.SendStatus(fiber.StatusNoContent)
}
