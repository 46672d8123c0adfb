package loader

import (
	"context"
	"errors"
	"io"

	"github.com/any-hub/mediacache/internal/fetch"
	"github.com/sirupsen/logrus"
)

// runFetch 是一次下载会话：获取写入租约、发起请求、逐块把数据交给 mailbox。
// 租约一旦成功交给 mailbox，写入器的所有操作都在 mailbox 中完成。
func (c *Coordinator) runFetch(ctx context.Context, sessionID string) {
	defer c.fetchWG.Done()
	logger := c.logger.WithField("session_id", sessionID)

	w, err := c.opts.Store.OpenForAppend(ctx, c.opts.Key)
	if err != nil {
		if ctx.Err() == nil {
			_ = c.call(func() { c.fail(err) })
		}
		return
	}

	// 等待租约期间其他持有者可能已经完成下载。
	if rr, err := c.opts.Store.Get(ctx, c.opts.Key); err == nil {
		rr.Reader.Close()
		if rerr := w.Release(); rerr != nil {
			logger.WithError(rerr).Warn("release cache writer failed")
		}
		_ = c.call(func() { c.onCachedComplete(rr.Entry) })
		return
	}

	var (
		start    int64
		writerOK bool
	)
	if err := c.call(func() {
		var werr error
		start, werr = c.onWriter(w)
		writerOK = werr == nil
	}); err != nil {
		// 已取消：mailbox 未接管写入器，由这里负责清理。
		_ = w.Discard()
		return
	}
	if !writerOK {
		return
	}

	resp, err := c.open(ctx, start)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, ErrClosed) {
			_ = c.call(func() { c.fail(err) })
		}
		return
	}
	stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
	defer stop()
	defer resp.Body.Close()

	logger.WithFields(logrus.Fields{
		"offset":         resp.Meta.Offset,
		"content_length": resp.Meta.ContentLength,
		"mime_type":      resp.Meta.MimeType,
	}).Debug("upstream response received")

	if err := c.call(func() { c.onHeaders(resp.Meta) }); err != nil {
		return
	}

	buf := make([]byte, c.opts.ChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if err := c.call(func() { c.onChunk(chunk) }); err != nil {
				return
			}
		}
		if rerr == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(rerr, io.EOF) {
			_ = c.call(func() { c.onEOF() })
			return
		}
		_ = c.call(func() { c.fail(rerr) })
		return
	}
}

// open 发起请求并校正起始偏移：上游拒绝续传（416）、忽略 Range（200）或
// 返回了不同的起点时，清空 .partial 并从 0 开始。
func (c *Coordinator) open(ctx context.Context, start int64) (*fetch.Response, error) {
	req := fetch.Request{URL: c.opts.Locator, Header: c.opts.Header, Offset: start}
	resp, err := c.opts.Fetcher.Open(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("fetcher returned no response")
	}
	if err != nil {
		if start > 0 && errors.Is(err, fetch.ErrRangeNotSatisfiable) {
			return c.restartFromZero(ctx, req)
		}
		return nil, err
	}
	if resp.Meta.Offset == start {
		return resp, nil
	}
	if resp.Meta.Offset == 0 {
		if err := c.truncateWriter(); err != nil {
			resp.Body.Close()
			return nil, err
		}
		return resp, nil
	}
	resp.Body.Close()
	return c.restartFromZero(ctx, req)
}

func (c *Coordinator) restartFromZero(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	if err := c.truncateWriter(); err != nil {
		return nil, err
	}
	req.Offset = 0
	resp, err := c.opts.Fetcher.Open(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("fetcher returned no response")
	}
	if err != nil {
		return nil, err
	}
	if resp.Meta.Offset != 0 {
		resp.Body.Close()
		return nil, errors.New("upstream answered a full request with a partial range")
	}
	return resp, nil
}

func (c *Coordinator) truncateWriter() error {
	var terr error
	if err := c.call(func() { terr = c.truncate() }); err != nil {
		return err
	}
	if terr != nil {
		return ErrClosed
	}
	return nil
}
