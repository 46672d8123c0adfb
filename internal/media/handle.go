package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/any-hub/mediacache/internal/cache"
	"github.com/any-hub/mediacache/internal/fetch"
	"github.com/any-hub/mediacache/internal/loader"
	"github.com/any-hub/mediacache/internal/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// HandleOption 定制单个句柄。
type HandleOption func(*handleOptions)

type handleOptions struct {
	header http.Header
}

// WithHeaders 为该句柄的所有回源请求附加请求头，覆盖同名默认值。
func WithHeaders(header http.Header) HandleOption {
	return func(o *handleOptions) {
		if o.header == nil {
			o.header = make(http.Header)
		}
		fetch.CopyHeaders(o.header, header)
	}
}

// Handle 是单个资源的缓存门面。完整命中时直接指向本地文件，
// 否则独占一个按需创建的 loader.Coordinator。
type Handle struct {
	id       string
	hash     string
	manager  *Manager
	locator  string
	playback string
	cacheHit bool
	header   http.Header
	logger   *logrus.Entry

	mu    sync.Mutex
	loc   cache.Locator
	path  string
	coord *loader.Coordinator

	invalidated atomic.Bool
	last        atomic.Pointer[stateSnapshot]
}

type stateSnapshot struct {
	state loader.State
	err   error
}

var _ loader.ResourceLoader = (*Handle)(nil)
var _ loader.Observer = (*Handle)(nil)

// NewHandle 构造一个未注册的句柄。locator 必须是带 host 的 http/https 地址。
func (m *Manager) NewHandle(locator string, opts ...HandleOption) (*Handle, error) {
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil {
		return nil, &FatalConfigError{Locator: locator, Err: fmt.Errorf("%w: %v", ErrUnsupportedLocator, err)}
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return nil, &FatalConfigError{Locator: locator, Err: ErrUnsupportedLocator}
	}

	var ho handleOptions
	for _, opt := range opts {
		opt(&ho)
	}
	header := m.opts.Headers.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for name, values := range ho.header {
		header[name] = append([]string(nil), values...)
	}

	key := m.deriver.Derive(locator)
	loc := cache.Locator{Key: key.Hash, Extension: key.Extension}
	status, err := m.opts.Store.Stat(context.Background(), loc)
	if err != nil {
		return nil, &FatalConfigError{Locator: locator, Err: fmt.Errorf("%w: %v", cache.ErrCacheDirectoryUnavailable, err)}
	}

	h := &Handle{
		id:      uuid.NewString(),
		hash:    key.Hash,
		manager: m,
		locator: locator,
		header:  header,
		loc:     loc,
		path:    m.opts.Store.Path(loc),
	}

	switch status.State {
	case cache.StateComplete:
		h.cacheHit = true
		h.path = status.Path
		h.playback = (&url.URL{Scheme: "file", Path: filepath.ToSlash(status.Path)}).String()
		m.opts.Metrics.CacheLookup(metrics.LookupHit)
	case cache.StatePartial:
		m.opts.Metrics.CacheLookup(metrics.LookupPartial)
	default:
		m.opts.Metrics.CacheLookup(metrics.LookupMiss)
	}
	if !h.cacheHit {
		rewritten := *u
		rewritten.Scheme = m.opts.MarkerScheme
		h.playback = rewritten.String()
	}

	h.logger = m.logger.WithFields(logrus.Fields{
		"cache_key": key.Hash,
		"handle_id": h.id,
	})
	h.logger.WithFields(logrus.Fields{
		"cache_hit": h.cacheHit,
		"state":     status.State.String(),
		"bytes":     status.Size,
	}).Debug("media handle created")
	return h, nil
}

// ID 返回句柄实例 ID。
func (h *Handle) ID() string { return h.id }

// Locator 返回原始资源地址（保留原 scheme）。
func (h *Handle) Locator() string { return h.locator }

// Key 返回缓存键（sha256 hex）。
func (h *Handle) Key() string { return h.hash }

// PlaybackURL 返回交给播放器的地址：命中时为 file://，否则为替换成私有 scheme 的 locator。
func (h *Handle) PlaybackURL() string { return h.playback }

// IsCacheHit 报告句柄构造时条目是否已完整落盘。
func (h *Handle) IsCacheHit() bool { return h.cacheHit }

// Invalidated 报告是否已调用 CancelAndInvalidate。
func (h *Handle) Invalidated() bool { return h.invalidated.Load() }

// Path 返回完整缓存文件的路径。扩展名可能在响应头到达后才确定。
func (h *Handle) Path() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.path
}

// MimeType 返回命中条目的 MIME 类型，优先使用元数据索引中的记录。
func (h *Handle) MimeType() string {
	if mime := h.manager.opts.Meta.LookupMime(h.hash); mime != "" {
		return mime
	}
	h.mu.Lock()
	ext := h.loc.Extension
	h.mu.Unlock()
	return h.manager.opts.Table.MimeFor(ext)
}

// OpenCached 打开命中条目供直接读取，调用方负责关闭 Reader。
func (h *Handle) OpenCached(ctx context.Context) (*cache.ReadResult, error) {
	if !h.cacheHit {
		return nil, ErrMisuse
	}
	if h.invalidated.Load() {
		return nil, ErrInvalidated
	}
	h.mu.Lock()
	loc := h.loc
	h.mu.Unlock()
	return h.manager.opts.Store.Get(ctx, loc)
}

// RequestMetadata 转发给协调器。
func (h *Handle) RequestMetadata(ctx context.Context) (loader.Metadata, error) {
	var md loader.Metadata
	err := h.withCoordinator(func(c *loader.Coordinator) error {
		var err error
		md, err = c.RequestMetadata(ctx)
		return err
	})
	return md, err
}

// RequestData 转发给协调器，返回的 DataRequest 关闭即取消该请求。
func (h *Handle) RequestData(ctx context.Context, offset, length int64) (*loader.DataRequest, error) {
	var req *loader.DataRequest
	err := h.withCoordinator(func(c *loader.Coordinator) error {
		var err error
		req, err = c.RequestData(ctx, offset, length)
		return err
	})
	return req, err
}

// Download 立即开始下载而不等待播放请求，立即返回。
func (h *Handle) Download() error {
	return h.withCoordinator(func(c *loader.Coordinator) error {
		return c.Start()
	})
}

// Wait 阻塞直到当前下载到达终态。尚未开始下载或命中缓存时立即返回 nil。
func (h *Handle) Wait(ctx context.Context) error {
	if h.cacheHit {
		return nil
	}
	h.mu.Lock()
	c := h.coord
	h.mu.Unlock()
	if c == nil {
		if h.invalidated.Load() {
			return ErrInvalidated
		}
		return nil
	}
	return c.Wait(ctx)
}

// State 返回最近一个协调器的状态；命中缓存时为 Completed。
func (h *Handle) State() loader.State {
	if h.cacheHit {
		return loader.StateCompleted
	}
	h.mu.Lock()
	c := h.coord
	h.mu.Unlock()
	if c != nil {
		return c.State()
	}
	if snap := h.last.Load(); snap != nil {
		return snap.state
	}
	return loader.StateIdle
}

// Info 返回诊断快照。
func (h *Handle) Info() HandleInfo {
	info := HandleInfo{
		Key:         h.hash,
		Locator:     h.locator,
		PlaybackURL: h.playback,
		CacheHit:    h.cacheHit,
		Path:        h.Path(),
		State:       h.State().String(),
	}
	h.mu.Lock()
	if h.coord != nil {
		info.Progress = h.coord.Progress()
	}
	h.mu.Unlock()
	if snap := h.last.Load(); snap != nil && snap.err != nil {
		info.Error = snap.err.Error()
	}
	return info
}

// CancelAndInvalidate 取消下载、丢弃协调器并从注册表移除。可重复调用。
func (h *Handle) CancelAndInvalidate() {
	if !h.invalidated.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	c := h.coord
	h.coord = nil
	h.mu.Unlock()

	// Cancel 会等待 mailbox，不能持有 h.mu。
	if c != nil {
		c.Cancel()
	}
	h.manager.forget(h)
	h.logger.Debug("media handle invalidated")
}

// CoordinatorStateChanged 在 mailbox goroutine 上执行，只写原子快照。
func (h *Handle) CoordinatorStateChanged(_ string, state loader.State, err error) {
	h.last.Store(&stateSnapshot{state: state, err: err})
}

func (h *Handle) withCoordinator(fn func(*loader.Coordinator) error) error {
	if h.cacheHit {
		return ErrMisuse
	}
	c, err := h.coordinator()
	if err != nil {
		return err
	}
	err = fn(c)
	if !errors.Is(err, loader.ErrClosed) || h.invalidated.Load() {
		return err
	}
	// 协调器恰好在调用前终止，换一个新的再试一次。
	if c, err = h.coordinator(); err != nil {
		return err
	}
	return fn(c)
}

// coordinator 返回当前协调器；Completed/Failed 的协调器不再接受请求，按需替换。
func (h *Handle) coordinator() (*loader.Coordinator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.invalidated.Load() {
		return nil, ErrInvalidated
	}
	if h.coord != nil && !h.coord.State().Terminal() {
		return h.coord, nil
	}

	m := h.manager
	// 上一次下载可能已记录 MIME 类型并据此重命名了文件。
	if key := m.deriver.Derive(h.locator); key.Extension != h.loc.Extension {
		h.loc = cache.Locator{Key: key.Hash, Extension: key.Extension}
		h.path = m.opts.Store.Path(h.loc)
	}

	opts := loader.Options{
		Locator:  h.locator,
		Header:   h.header.Clone(),
		Key:      h.loc,
		Store:    m.opts.Store,
		Fetcher:  m.opts.Fetcher,
		Table:    m.opts.Table,
		Policy:   m.opts.Policy,
		Observer: h,
		Logger:   m.opts.Logger,
		Metrics:  m.opts.Metrics,
	}
	if m.opts.Meta != nil {
		opts.Meta = m.opts.Meta
	}
	h.coord = loader.New(opts)
	return h.coord, nil
}
