package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/mediacache/internal/cache"
	"github.com/any-hub/mediacache/internal/loader"
	"github.com/any-hub/mediacache/internal/logging"
	"github.com/any-hub/mediacache/internal/media"
	"github.com/any-hub/mediacache/internal/metrics"
	"github.com/any-hub/mediacache/internal/server"
)

// Handler 把 media.Handle 暴露为支持 Range 的 HTTP 资源：命中时直接读完整文件，
// 否则把播放器的请求转换为协调器的元数据探测与区间请求。
type Handler struct {
	logger  *logrus.Logger
	metrics *metrics.Recorder
}

var _ server.StreamHandler = (*Handler)(nil)

// NewHandler constructs a stream handler with shared logger and metrics.
func NewHandler(logger *logrus.Logger, recorder *metrics.Recorder) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{logger: logger, metrics: recorder}
}

// Handle 处理 GET/HEAD /stream/:key，任何阶段出错都会输出结构化日志。
func (p *Handler) Handle(c fiber.Ctx, h *media.Handle) error {
	started := time.Now()
	requestID := server.RequestID(c)
	rangeHeader := c.Get(fiber.HeaderRange)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	c.Set(fiber.HeaderAcceptRanges, "bytes")
	var (
		status int
		err    error
	)
	if h.IsCacheHit() {
		c.Set("X-Mediacache-Cache-Hit", "true")
		status, err = p.serveCache(ctx, c, h, rangeHeader)
	} else {
		c.Set("X-Mediacache-Cache-Hit", "false")
		status, err = p.serveLoader(ctx, c, h, rangeHeader)
	}
	p.logResult(h, c.Method(), rangeHeader, requestID, status, started, err)
	if err != nil {
		return p.writeError(c, err)
	}
	return nil
}

func (p *Handler) serveCache(ctx context.Context, c fiber.Ctx, h *media.Handle, rangeHeader string) (int, error) {
	result, err := h.OpenCached(ctx)
	if err != nil {
		return 0, err
	}
	total := result.Entry.SizeBytes
	if mime := h.MimeType(); mime != "" {
		c.Set(fiber.HeaderContentType, mime)
	}

	if c.Method() == http.MethodHead {
		result.Reader.Close()
		c.Response().Header.SetContentLength(int(total))
		c.Status(fiber.StatusOK)
		return fiber.StatusOK, nil
	}

	rng, status, err := resolveRange(rangeHeader, total)
	if err != nil {
		result.Reader.Close()
		c.Set(fiber.HeaderContentRange, unsatisfiedRange(total))
		return 0, err
	}
	if _, err := result.Reader.Seek(rng.start, io.SeekStart); err != nil {
		result.Reader.Close()
		return 0, fmt.Errorf("seek cached file: %w", err)
	}

	body := &readCloser{
		Reader: io.LimitReader(&countingReader{r: result.Reader, metrics: p.metrics}, rng.length),
		Closer: result.Reader,
	}
	return status, p.send(c, status, body, rng, total)
}

func (p *Handler) serveLoader(ctx context.Context, c fiber.Ctx, h *media.Handle, rangeHeader string) (int, error) {
	md, err := h.RequestMetadata(ctx)
	if err != nil {
		return 0, err
	}
	total := md.ContentLength
	if md.MimeType != "" {
		c.Set(fiber.HeaderContentType, md.MimeType)
	}

	if c.Method() == http.MethodHead {
		if total >= 0 {
			c.Response().Header.SetContentLength(int(total))
		}
		c.Status(fiber.StatusOK)
		return fiber.StatusOK, nil
	}

	rng, status, err := resolveRange(rangeHeader, total)
	if err != nil {
		c.Set(fiber.HeaderContentRange, unsatisfiedRange(total))
		return 0, err
	}

	req, err := h.RequestData(ctx, rng.start, rng.length)
	if err != nil {
		if errors.Is(err, loader.ErrRangeUnsatisfiable) {
			c.Set(fiber.HeaderContentRange, unsatisfiedRange(total))
		}
		return 0, err
	}
	c.Set("X-Mediacache-Request-ID", req.ID)
	return status, p.send(c, status, req, rng, total)
}

// send 写状态与长度相关响应头，正文由 fasthttp 读完后关闭。
func (p *Handler) send(c fiber.Ctx, status int, body io.ReadCloser, rng byteRange, total int64) error {
	c.Status(status)
	if status == fiber.StatusPartialContent {
		c.Set(fiber.HeaderContentRange, contentRange(rng, total))
	}
	if rng.length < 0 {
		return c.SendStream(body, -1)
	}
	return c.SendStream(body, int(rng.length))
}

// resolveRange 决定响应区间与状态码。无效的 Range 头按 RFC 9110 忽略。
func resolveRange(header string, total int64) (byteRange, int, error) {
	whole := byteRange{start: 0, length: total}
	if header == "" {
		return whole, fiber.StatusOK, nil
	}
	rng, err := parseRange(header, total)
	switch {
	case errors.Is(err, errRangeMalformed):
		return whole, fiber.StatusOK, nil
	case err != nil:
		return byteRange{}, 0, loader.ErrRangeUnsatisfiable
	}
	if rng.length < 0 {
		// 总长未知时无法写出合法的 Content-Range，只接受从 0 开始的整段读取。
		if rng.start == 0 {
			return whole, fiber.StatusOK, nil
		}
		return byteRange{}, 0, loader.ErrRangeUnsatisfiable
	}
	if rng.start == 0 && total >= 0 && rng.length == total {
		return whole, fiber.StatusOK, nil
	}
	return rng, fiber.StatusPartialContent, nil
}

func (p *Handler) writeError(c fiber.Ctx, err error) error {
	status, code := statusFor(err)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, loader.ErrRangeUnsatisfiable):
		return fiber.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable"
	case errors.Is(err, loader.ErrOutOfOrderRange):
		return fiber.StatusConflict, "out_of_order_range"
	case errors.Is(err, loader.ErrInvalidRange):
		return fiber.StatusBadRequest, "invalid_range"
	case errors.Is(err, media.ErrInvalidated):
		return fiber.StatusGone, "handle_invalidated"
	case errors.Is(err, media.ErrMisuse):
		return fiber.StatusConflict, "handle_misuse"
	case errors.Is(err, cache.ErrNotFound):
		return fiber.StatusNotFound, "cache_entry_missing"
	case errors.Is(err, loader.ErrCancelled), errors.Is(err, loader.ErrClosed),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable, "loader_unavailable"
	default:
		return fiber.StatusBadGateway, "upstream_failed"
	}
}

func (p *Handler) logResult(
	h *media.Handle,
	method string,
	rangeHeader string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(h.Key(), method, rangeHeader, requestID, h.IsCacheHit())
	fields["action"] = "stream"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		status, _ = statusFor(err)
		fields["status"] = status
		fields["error"] = err.Error()
		p.logger.WithFields(fields).Warn("stream_failed")
		return
	}
	p.logger.WithFields(fields).Info("stream_started")
}

type readCloser struct {
	io.Reader
	io.Closer
}

// countingReader 统计从完整缓存文件交付的字节数。
type countingReader struct {
	r       io.Reader
	metrics *metrics.Recorder
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.metrics.BytesServed(metrics.SourceFile, n)
	return n, err
}
