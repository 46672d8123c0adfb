package fetch

import (
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/any-hub/mediacache/internal/config"
)

// 共享 transport，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client。UpstreamTimeout 只约束等待响应头的时间，
// 不设置整体 Client.Timeout，避免长视频正文被截断。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	transport := defaultTransport.Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// reservedHeaders 由 fetcher 自行设置，调用方提供的值会被忽略。
var reservedHeaders = map[string]struct{}{
	"Range":           {},
	"Host":            {},
	"Accept-Encoding": {},
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func isReservedHeader(key string) bool {
	_, ok := reservedHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// HeaderFromMap 把配置中的 map 转成 http.Header，丢弃 hop-by-hop 与保留字段。
func HeaderFromMap(values map[string]string) http.Header {
	header := http.Header{}
	for key, value := range values {
		if IsHopByHopHeader(key) || isReservedHeader(key) {
			continue
		}
		header.Set(key, value)
	}
	return header
}
