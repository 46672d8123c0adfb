package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/mediacache/internal/media"
)

// StreamHandler serves one media handle over HTTP. It allows injecting fake
// handlers during tests.
type StreamHandler interface {
	Handle(fiber.Ctx, *media.Handle) error
}

// StreamHandlerFunc adapts a function to the StreamHandler interface.
type StreamHandlerFunc func(fiber.Ctx, *media.Handle) error

// Handle makes StreamHandlerFunc satisfy StreamHandler.
func (f StreamHandlerFunc) Handle(c fiber.Ctx, h *media.Handle) error {
	return f(c, h)
}

// HandleLookup resolves a cache key to a registered handle. *media.Manager
// satisfies it.
type HandleLookup interface {
	Lookup(key string) (*media.Handle, error)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Handles    HandleLookup
	Stream     StreamHandler
	ListenPort int
}

const (
	contextKeyHandle    = "_mediacache_handle"
	contextKeyRequestID = "_mediacache_request_id"
)

// StreamPath 返回缓存键对应的 gateway 播放路径。
func StreamPath(key string) string {
	return "/stream/" + key
}

// NewApp builds a Fiber application with request-id, handle lookup and
// structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Handles == nil {
		return nil, errors.New("handle lookup is required")
	}
	if opts.Stream == nil {
		return nil, errors.New("stream handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	stream := func(c fiber.Ctx) error {
		h, ok := getHandleFromContext(c)
		if !ok {
			return renderHandleUnknown(c, opts.Logger, c.Params("key"))
		}
		return opts.Stream.Handle(c, h)
	}
	// HEAD 即元数据探测，需要与 GET 一起显式注册。
	app.Add([]string{fiber.MethodGet, fiber.MethodHead}, StreamPath(":key"), handleLookupMiddleware(opts), stream)

	return app, nil
}

// requestIDMiddleware 为每个请求生成请求 ID 并回写 X-Request-ID。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := strings.TrimSpace(c.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// handleLookupMiddleware 基于路径中的缓存键查找已注册句柄。
func handleLookupMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		key := strings.ToLower(strings.TrimSpace(c.Params("key")))
		h, err := opts.Handles.Lookup(key)
		if err != nil {
			return renderHandleUnknown(c, opts.Logger, key)
		}
		c.Locals(contextKeyHandle, h)
		return c.Next()
	}
}

func renderHandleUnknown(c fiber.Ctx, logger *logrus.Logger, key string) error {
	logger.WithFields(logrus.Fields{
		"action":     "handle_lookup",
		"cache_key":  key,
		"request_id": RequestID(c),
	}).Warn("handle unknown")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "handle_unknown",
	})
}

func getHandleFromContext(c fiber.Ctx) (*media.Handle, bool) {
	if value := c.Locals(contextKeyHandle); value != nil {
		if h, ok := value.(*media.Handle); ok {
			return h, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
