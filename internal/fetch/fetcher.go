package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

var (
	// ErrNetworkFailure 覆盖传输错误与非 2xx 响应。
	ErrNetworkFailure = errors.New("network failure")
	// ErrRangeNotSatisfiable 表示上游以 416 拒绝了续传偏移。
	ErrRangeNotSatisfiable = errors.New("upstream range not satisfiable")
)

// StatusError 描述上游返回的非预期状态码。
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusError) Is(target error) bool {
	if target == ErrNetworkFailure {
		return true
	}
	return target == ErrRangeNotSatisfiable && e.StatusCode == http.StatusRequestedRangeNotSatisfiable
}

// Request 描述一次下载尝试。Offset > 0 时附带 Range: bytes=<Offset>-。
type Request struct {
	URL    string
	Header http.Header
	Offset int64
}

// Meta 是从响应头得到的资源信息。
type Meta struct {
	// ContentLength 为资源总长度，未知时为 -1。
	ContentLength int64
	MimeType      string
	// Offset 为 Body 第一个字节在资源中的位置；上游忽略 Range 时为 0。
	Offset     int64
	StatusCode int
}

// Response 是一次下载尝试的结果，调用方必须关闭 Body。
type Response struct {
	Meta Meta
	Body io.ReadCloser
}

// Fetcher 发起单次流式下载。
type Fetcher interface {
	Open(ctx context.Context, req Request) (*Response, error)
}

// Option 配置 HTTPFetcher。
type Option func(*HTTPFetcher)

// WithHeaders 设置每个请求都会携带的默认头。
func WithHeaders(header http.Header) Option {
	return func(f *HTTPFetcher) {
		CopyHeaders(f.header, header)
	}
}

// WithUserAgent 覆盖默认 User-Agent。
func WithUserAgent(ua string) Option {
	return func(f *HTTPFetcher) {
		f.userAgent = ua
	}
}

// HTTPFetcher 基于 net/http 实现 Fetcher。
type HTTPFetcher struct {
	client    *http.Client
	header    http.Header
	userAgent string
}

// NewHTTPFetcher 构造 HTTPFetcher；client 为空时使用 NewUpstreamClient(nil)。
func NewHTTPFetcher(client *http.Client, opts ...Option) *HTTPFetcher {
	if client == nil {
		client = NewUpstreamClient(nil)
	}
	f := &HTTPFetcher{client: client, header: http.Header{}}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open 发起 GET 并在收到响应头后返回。正文读取错误同样包装为 ErrNetworkFailure。
func (f *HTTPFetcher) Open(ctx context.Context, req Request) (*Response, error) {
	if req.Offset < 0 {
		return nil, fmt.Errorf("invalid offset %d", req.Offset)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	f.applyHeaders(httpReq, req)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}

	meta := Meta{
		ContentLength: -1,
		MimeType:      mediaType(resp.Header.Get("Content-Type")),
		StatusCode:    resp.StatusCode,
	}

	switch resp.StatusCode {
	case http.StatusOK:
		meta.ContentLength = resp.ContentLength
	case http.StatusPartialContent:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %w", ErrNetworkFailure, err)
		}
		meta.Offset = start
		meta.ContentLength = total
	default:
		drainAndClose(resp.Body)
		return nil, &StatusError{URL: req.URL, StatusCode: resp.StatusCode}
	}

	return &Response{
		Meta: meta,
		Body: &bodyReader{ctx: ctx, body: resp.Body},
	}, nil
}

func (f *HTTPFetcher) applyHeaders(httpReq *http.Request, req Request) {
	for key, values := range f.header {
		if isReservedHeader(key) {
			continue
		}
		httpReq.Header[key] = append([]string(nil), values...)
	}
	for key, values := range req.Header {
		if IsHopByHopHeader(key) || isReservedHeader(key) {
			continue
		}
		httpReq.Header.Del(key)
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" && f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	// 字节计数需与 Content-Length 一致，不接受压缩编码。
	httpReq.Header.Set("Accept-Encoding", "identity")
	if req.Offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.Offset))
	}
}

// bodyReader 把正文读取错误统一为 ErrNetworkFailure，ctx 取消时返回 ctx.Err()。
type bodyReader struct {
	ctx  context.Context
	body io.ReadCloser
}

func (r *bodyReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	if ctxErr := r.ctx.Err(); ctxErr != nil {
		return n, ctxErr
	}
	return n, fmt.Errorf("%w: %w", ErrNetworkFailure, err)
}

func (r *bodyReader) Close() error {
	return r.body.Close()
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, body, 4<<10)
	_ = body.Close()
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	parsed, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return parsed
}

// parseContentRange 解析 "bytes <start>-<end>/<total>"，total 为 "*" 时返回 -1。
func parseContentRange(value string) (int64, int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	bounds := strings.SplitN(parts[0], "-", 2)
	if len(bounds) != 2 {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	start, err := strconv.ParseInt(strings.TrimSpace(bounds[0]), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	if parts[1] == "*" {
		return start, -1, nil
	}
	total, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || total < 0 || start >= total {
		return 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return start, total, nil
}
