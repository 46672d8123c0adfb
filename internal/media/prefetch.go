package media

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// PrefetchResult 是单个 locator 的预取结果。
type PrefetchResult struct {
	Locator  string        `json:"locator"`
	Key      string        `json:"key"`
	Path     string        `json:"path,omitempty"`
	CacheHit bool          `json:"cache_hit"`
	Shared   bool          `json:"shared"`
	Elapsed  time.Duration `json:"elapsed"`
	Err      error         `json:"-"`
}

// Prefetch 以有限并发把多个资源下载进缓存。同一缓存键的并发预取只下载一次；
// ctx 结束时停止等待，但已开始的下载继续完成。返回的 error 汇总了全部失败项。
func (m *Manager) Prefetch(ctx context.Context, locators ...string) ([]PrefetchResult, error) {
	results := make([]PrefetchResult, len(locators))
	p := pool.New().WithMaxGoroutines(m.opts.Concurrency).WithContext(ctx)
	for i, locator := range locators {
		p.Go(func(ctx context.Context) error {
			results[i] = m.prefetchOne(ctx, locator)
			return results[i].Err
		})
	}
	err := p.Wait()
	return results, err
}

func (m *Manager) prefetchOne(ctx context.Context, locator string) PrefetchResult {
	started := time.Now()
	res := PrefetchResult{Locator: locator}

	h, err := m.Open(locator)
	if err != nil {
		res.Err = err
		return res
	}
	res.Key = h.Key()
	if h.IsCacheHit() {
		res.CacheHit = true
		res.Path = h.Path()
		return res
	}

	ch := m.flight.DoChan(h.Key(), func() (any, error) {
		// 下载不随单个调用方的 ctx 取消。
		detached := context.WithoutCancel(ctx)
		if err := h.Download(); err != nil {
			return nil, err
		}
		return nil, h.Wait(detached)
	})

	select {
	case r := <-ch:
		res.Err = r.Err
		res.Shared = r.Shared
	case <-ctx.Done():
		res.Err = ctx.Err()
	}
	res.Path = m.PathFor(locator)
	res.Elapsed = time.Since(started)

	entry := m.logger.WithFields(logrus.Fields{
		"action":     "prefetch",
		"cache_key":  res.Key,
		"shared":     res.Shared,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	})
	if res.Err != nil {
		entry.WithError(res.Err).Warn("prefetch failed")
	} else {
		entry.Info("prefetch completed")
	}
	return res
}
