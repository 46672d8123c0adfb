package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/any-hub/mediacache/internal/cache"
	"github.com/any-hub/mediacache/internal/cachekey"
	"github.com/any-hub/mediacache/internal/config"
	"github.com/any-hub/mediacache/internal/logging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Coordinator 管理单个资源的加载请求与至多一个下载会话。
type Coordinator struct {
	id     string
	opts   Options
	logger *logrus.Entry

	mailbox   chan func()
	done      chan struct{}
	startLoop sync.Once
	fetchWG   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	stateVal atomic.Int32
	progress atomic.Int64
	metaSnap atomic.Pointer[Metadata]
	errMu    sync.Mutex
	err      error

	// 以下字段只在 mailbox goroutine 中访问。
	state     State
	observer  Observer
	writer    cache.Writer
	fetching  bool
	sessionID string
	startedAt time.Time
	meta      *Metadata
	total     int64
	pos       int64
	fileLimit int64
	degraded  bool
	pending   map[string]*DataRequest
	probes    []chan probeResult
}

type probeResult struct {
	meta Metadata
	err  error
}

// New 创建处于 Idle 状态的协调器。mailbox goroutine 在第一次调用时启动。
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Table == nil {
		opts.Table = cachekey.DefaultTable()
	}
	if opts.Policy == "" {
		opts.Policy = config.ResumePolicyRestart
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		id:       uuid.NewString(),
		opts:     opts,
		mailbox:  make(chan func()),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		observer: opts.Observer,
		total:    -1,
		pending:  make(map[string]*DataRequest),
	}
	c.logger = opts.Logger.WithFields(logging.LoaderFields(opts.Key.Key, c.id, ""))
	return c
}

// ID 返回协调器实例 ID。
func (c *Coordinator) ID() string {
	return c.id
}

// Key 返回缓存定位。
func (c *Coordinator) Key() cache.Locator {
	return c.opts.Key
}

// State 可在任意 goroutine 读取。
func (c *Coordinator) State() State {
	return State(c.stateVal.Load())
}

// Progress 返回当前下载会话已接收到的资源偏移。
func (c *Coordinator) Progress() int64 {
	return c.progress.Load()
}

// Done 在协调器进入终态后关闭。
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err 返回终态错误；Completed 或尚未终止时为 nil。
func (c *Coordinator) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Wait 阻塞直到终态或 ctx 结束，Completed 返回 nil。
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestMetadata 在响应头到达（或命中完整缓存）后返回内容长度与 MIME 类型，不等待正文。
func (c *Coordinator) RequestMetadata(ctx context.Context) (Metadata, error) {
	ch := make(chan probeResult, 1)
	err := c.call(func() {
		if c.meta != nil {
			ch <- probeResult{meta: *c.meta}
			return
		}
		if c.state == StateIdle {
			if md, ok := c.cachedMetadata(ctx); ok {
				ch <- probeResult{meta: md}
				return
			}
		}
		c.probes = append(c.probes, ch)
		c.ensureFetch()
	})
	if err != nil {
		if md := c.metaSnap.Load(); md != nil && c.State() == StateCompleted {
			return *md, nil
		}
		c.opts.Metrics.LoadingRequest("metadata", outcomeFor(err))
		return Metadata{}, err
	}

	select {
	case res := <-ch:
		c.opts.Metrics.LoadingRequest("metadata", outcomeFor(res.err))
		return res.meta, res.err
	case <-ctx.Done():
		_ = c.call(func() { c.dropProbe(ch) })
		c.opts.Metrics.LoadingRequest("metadata", "cancelled")
		return Metadata{}, ctx.Err()
	}
}

// RequestData 登记区间 [offset, offset+length)；length 为 -1 表示到资源末尾。
// 返回的 DataRequest 随数据到达逐步可读。越界或乱序在已知时直接返回错误。
func (c *Coordinator) RequestData(ctx context.Context, offset, length int64) (*DataRequest, error) {
	if offset < 0 || length < -1 {
		return nil, fmt.Errorf("%w: offset=%d length=%d", ErrInvalidRange, offset, length)
	}
	r := newDataRequest(c, offset, length)
	if length == 0 {
		r.finish(nil)
		return r, nil
	}

	var regErr error
	if err := c.call(func() { regErr = c.register(ctx, r) }); err != nil {
		return nil, err
	}
	if regErr != nil {
		return nil, regErr
	}
	return r, nil
}

// Start 立即开始下载，不等待播放请求；已在下载或已终止时为空操作。
func (c *Coordinator) Start() error {
	return c.call(func() { c.ensureFetch() })
}

// Cancel 取消下载、以 ErrCancelled 结束所有挂起请求并删除 .partial。
// 返回前下载 goroutine 已退出。可重复调用；Completed 之后调用不影响缓存文件。
func (c *Coordinator) Cancel() {
	_ = c.call(func() { c.cancelNow() })
	c.fetchWG.Wait()
}

// call 把 fn 投递到 mailbox 并等待执行完毕。不得在 mailbox goroutine 内调用。
func (c *Coordinator) call(fn func()) error {
	c.startLoop.Do(func() { go c.loop() })
	finished := make(chan struct{})
	select {
	case c.mailbox <- func() {
		defer close(finished)
		fn()
	}:
	case <-c.done:
		return fmt.Errorf("%w: coordinator %s", ErrClosed, c.State())
	}
	<-finished
	return nil
}

func (c *Coordinator) loop() {
	for {
		fn := <-c.mailbox
		fn()
		if c.state.Terminal() {
			c.cancel()
			close(c.done)
			return
		}
	}
}

func (c *Coordinator) setState(state State, err error) {
	if c.state == state {
		return
	}
	prev := c.state
	c.state = state
	c.stateVal.Store(int32(state))

	entry := c.logger.WithFields(logrus.Fields{"state": state.String(), "prev_state": prev.String()})
	if c.sessionID != "" {
		entry = entry.WithField("session_id", c.sessionID)
	}

	if state.Terminal() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		if c.fetching {
			c.opts.Metrics.FetchFinished(state.String(), time.Since(c.startedAt))
			entry = entry.WithFields(logrus.Fields{
				"bytes":      c.pos,
				"elapsed_ms": time.Since(c.startedAt).Milliseconds(),
			})
		}
	}
	if err != nil {
		entry.WithError(err).Warn("loader state changed")
	} else {
		entry.Info("loader state changed")
	}

	if c.observer != nil {
		c.observer.CoordinatorStateChanged(c.id, state, err)
	}
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "fulfilled"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrRangeUnsatisfiable):
		return "unsatisfiable"
	case errors.Is(err, ErrOutOfOrderRange):
		return "out_of_order"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "failed"
	}
}
