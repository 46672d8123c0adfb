package media

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/any-hub/mediacache/internal/cache"
	"github.com/any-hub/mediacache/internal/cachekey"
	"github.com/any-hub/mediacache/internal/config"
	"github.com/any-hub/mediacache/internal/fetch"
	"github.com/any-hub/mediacache/internal/loader"
	"github.com/any-hub/mediacache/internal/logging"
	"github.com/any-hub/mediacache/internal/metrics"
	"github.com/any-hub/mediacache/internal/version"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultMarkerScheme 是改写播放地址时使用的私有 scheme。
const DefaultMarkerScheme = "mediacache"

// Options 描述 Manager 的依赖。Store/Resolver/Fetcher 为必填。
type Options struct {
	Resolver *cache.Resolver
	Store    cache.Store
	Meta     *cache.MetaIndex
	Table    *cachekey.Table
	Fetcher  loader.Fetcher

	MarkerScheme string
	Policy       config.ResumePolicy
	// Headers 是所有句柄共享的默认请求头，句柄级 WithHeaders 覆盖同名字段。
	Headers     http.Header
	Concurrency int

	Logger  *logrus.Logger
	Metrics *metrics.Recorder
}

// Manager 构造句柄并维护按缓存键索引的句柄注册表。
type Manager struct {
	opts    Options
	deriver *cachekey.Deriver
	logger  *logrus.Entry

	mu      sync.RWMutex
	handles map[string]*Handle

	flight singleflight.Group
}

// NewManager 校验依赖并返回 Manager。
func NewManager(opts Options) (*Manager, error) {
	if opts.Resolver == nil || opts.Store == nil {
		return nil, fmt.Errorf("%w: store and resolver required", cache.ErrCacheDirectoryUnavailable)
	}
	if opts.Fetcher == nil {
		opts.Fetcher = fetch.NewHTTPFetcher(nil)
	}
	if opts.Table == nil {
		opts.Table = cachekey.DefaultTable()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	opts.MarkerScheme = strings.ToLower(strings.TrimSpace(opts.MarkerScheme))
	if opts.MarkerScheme == "" {
		opts.MarkerScheme = DefaultMarkerScheme
	}
	if opts.Policy == "" {
		opts.Policy = config.ResumePolicyRestart
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	var source cachekey.MimeSource
	if opts.Meta != nil {
		source = opts.Meta
	}
	return &Manager{
		opts:    opts,
		deriver: cachekey.NewDeriver(opts.Table, source),
		logger:  logging.Component(opts.Logger, "media"),
		handles: make(map[string]*Handle),
	}, nil
}

// NewFromConfig 按全局配置组装 resolver、store、元数据索引与 fetcher。
// 返回的 cleanup 负责关闭元数据索引。
func NewFromConfig(cfg *config.Config, logger *logrus.Logger, recorder *metrics.Recorder) (*Manager, func() error, error) {
	global := cfg.Global
	resolver, err := cache.NewResolver(global.CacheRoot, global.CacheSubfolder)
	if err != nil {
		return nil, nil, err
	}
	store, err := cache.NewStore(resolver)
	if err != nil {
		return nil, nil, err
	}
	meta, err := cache.OpenMetaIndex(resolver.MetaDir())
	if err != nil {
		return nil, nil, err
	}
	table, err := cachekey.LoadTable(global.MimeTablePath)
	if err != nil {
		meta.Close()
		return nil, nil, err
	}

	headers := fetch.HeaderFromMap(global.Headers)
	fetcher := fetch.NewHTTPFetcher(
		fetch.NewUpstreamClient(cfg),
		fetch.WithHeaders(headers),
		fetch.WithUserAgent(version.UserAgent()),
	)

	m, err := NewManager(Options{
		Resolver:     resolver,
		Store:        store,
		Meta:         meta,
		Table:        table,
		Fetcher:      fetcher,
		MarkerScheme: global.MarkerScheme,
		Policy:       global.ResumePolicy,
		Concurrency:  global.PrefetchConcurrency,
		Logger:       logger,
		Metrics:      recorder,
	})
	if err != nil {
		meta.Close()
		return nil, nil, err
	}
	return m, meta.Close, nil
}

// MarkerScheme 返回改写地址使用的 scheme。
func (m *Manager) MarkerScheme() string {
	return m.opts.MarkerScheme
}

// CacheDir 返回缓存目录。
func (m *Manager) CacheDir() string {
	return m.opts.Resolver.Dir()
}

// Derive 计算 locator 的缓存键，不构造句柄。
func (m *Manager) Derive(locator string) cachekey.Key {
	return m.deriver.Derive(locator)
}

// Stat 报告 locator 对应条目的状态。
func (m *Manager) Stat(locator string) (cache.Status, cachekey.Key, error) {
	key := m.deriver.Derive(locator)
	status, err := m.opts.Store.Stat(context.Background(), cache.Locator{Key: key.Hash, Extension: key.Extension})
	return status, key, err
}

// Open 返回 locator 的已注册句柄，不存在（或已失效）时新建并注册。
func (m *Manager) Open(locator string, opts ...HandleOption) (*Handle, error) {
	key := m.deriver.Derive(locator)

	m.mu.RLock()
	existing := m.handles[key.Hash]
	m.mu.RUnlock()
	if existing != nil && !existing.Invalidated() {
		return existing, nil
	}

	h, err := m.NewHandle(locator, opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current := m.handles[h.hash]; current != nil && !current.Invalidated() {
		// 并发 Open 时保留先注册的句柄，落败的句柄尚未创建协调器。
		h.invalidated.Store(true)
		return current, nil
	}
	m.handles[h.hash] = h
	return h, nil
}

// Purge 失效 locator 的已注册句柄，删除完整文件、遗留的 .partial 与元数据记录。
func (m *Manager) Purge(ctx context.Context, locator string) error {
	key := m.deriver.Derive(locator)

	m.mu.RLock()
	h := m.handles[key.Hash]
	m.mu.RUnlock()
	if h != nil {
		h.CancelAndInvalidate()
	}

	if err := m.opts.Store.Remove(ctx, cache.Locator{Key: key.Hash, Extension: key.Extension}); err != nil {
		return err
	}
	if err := m.opts.Meta.Delete(key.Hash); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"action":    "purge",
		"cache_key": key.Hash,
	}).Info("cache entry purged")
	return nil
}

// Lookup 按缓存键查找已注册句柄。
func (m *Manager) Lookup(key string) (*Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.handles[key]
	if h == nil || h.Invalidated() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, key)
	}
	return h, nil
}

// HandleInfo 是注册表诊断信息。
type HandleInfo struct {
	Key         string `json:"key"`
	Locator     string `json:"locator"`
	PlaybackURL string `json:"playback_url"`
	CacheHit    bool   `json:"cache_hit"`
	State       string `json:"state"`
	Progress    int64  `json:"progress"`
	Path        string `json:"path"`
	Error       string `json:"error,omitempty"`
}

// List 返回按缓存键排序的已注册句柄快照。
func (m *Manager) List() []HandleInfo {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	infos := make([]HandleInfo, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, h.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// Close 失效所有已注册句柄。
func (m *Manager) Close() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.CancelAndInvalidate()
	}
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handles[h.hash] == h {
		delete(m.handles, h.hash)
	}
}

// PathFor 重新推导扩展名后返回完整缓存文件路径，下载完成后扩展名可能已由 MIME 决定。
func (m *Manager) PathFor(locator string) string {
	key := m.deriver.Derive(locator)
	return m.opts.Store.Path(cache.Locator{Key: key.Hash, Extension: key.Extension})
}
