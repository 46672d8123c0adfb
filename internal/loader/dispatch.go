package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/any-hub/mediacache/internal/cache"
	"github.com/any-hub/mediacache/internal/config"
	"github.com/any-hub/mediacache/internal/fetch"
	"github.com/any-hub/mediacache/internal/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// 本文件中的方法只在 mailbox goroutine 中执行。

func (c *Coordinator) ensureFetch() {
	if c.fetching || c.state.Terminal() {
		return
	}
	c.fetching = true
	c.sessionID = uuid.NewString()
	c.startedAt = time.Now()
	c.opts.Metrics.FetchStarted()
	c.setState(StateProbing, nil)

	c.fetchWG.Add(1)
	go c.runFetch(c.ctx, c.sessionID)
}

// cachedMetadata 在条目已完整时直接从文件大小与 MIME 记录回答探测。
func (c *Coordinator) cachedMetadata(ctx context.Context) (Metadata, bool) {
	status, err := c.opts.Store.Stat(ctx, c.opts.Key)
	if err != nil || status.State != cache.StateComplete {
		return Metadata{}, false
	}
	return Metadata{ContentLength: status.Size, MimeType: c.mimeFor(c.opts.Key)}, true
}

func (c *Coordinator) mimeFor(locator cache.Locator) string {
	if c.opts.Meta != nil {
		if mime := c.opts.Meta.LookupMime(locator.Key); mime != "" {
			return mime
		}
	}
	return c.opts.Table.MimeFor(locator.Extension)
}

func (c *Coordinator) register(ctx context.Context, r *DataRequest) error {
	if c.state == StateIdle {
		if rr, err := c.opts.Store.Get(ctx, c.opts.Key); err == nil {
			return c.serveFromEntry(r, rr)
		}
	}

	if c.meta != nil {
		if c.total >= 0 && r.Offset >= c.total {
			c.opts.Metrics.LoadingRequest("data", "unsatisfiable")
			return fmt.Errorf("%w: offset %d, length %d", ErrRangeUnsatisfiable, r.Offset, c.total)
		}
		if r.Length < 0 {
			r.end = c.total
		}
	}

	c.pending[r.ID] = r
	if c.meta != nil && c.writer != nil {
		if err := c.attach(r); err != nil {
			delete(c.pending, r.ID)
			return err
		}
		c.advance(r, c.pos, nil)
		if err := r.Err(); err != nil && errors.Is(err, ErrOutOfOrderRange) {
			r.releaseFile()
			return err
		}
	}
	c.ensureFetch()
	return nil
}

// serveFromEntry 处理 Idle 状态下的完整缓存命中：请求直接读文件，不经过状态机。
func (c *Coordinator) serveFromEntry(r *DataRequest, rr *cache.ReadResult) error {
	size := rr.Entry.SizeBytes
	if r.Offset >= size {
		rr.Reader.Close()
		c.opts.Metrics.LoadingRequest("data", "unsatisfiable")
		return fmt.Errorf("%w: offset %d, length %d", ErrRangeUnsatisfiable, r.Offset, size)
	}
	f, ok := rr.Reader.(cache.ReaderAtCloser)
	if !ok {
		rr.Reader.Close()
		return fmt.Errorf("cache reader %T does not support ReadAt", rr.Reader)
	}
	r.source = metrics.SourceFile
	r.owner = nil
	r.attachFile(f)

	end := size
	if r.Length >= 0 && r.Offset+r.Length <= size {
		end = r.Offset + r.Length
	}
	r.extendFile(end - r.Offset)
	r.next = end
	if r.Length >= 0 && r.Offset+r.Length > size {
		r.finish(fmt.Errorf("%w: offset %d, length %d", ErrRangeUnsatisfiable, r.Offset+r.Length, size))
		c.opts.Metrics.LoadingRequest("data", "unsatisfiable")
		return nil
	}
	r.finish(nil)
	c.opts.Metrics.LoadingRequest("data", "fulfilled")
	return nil
}

func (c *Coordinator) attach(r *DataRequest) error {
	if r.hasFile() || c.writer == nil {
		return nil
	}
	f, err := c.writer.OpenReader()
	if err != nil {
		return fmt.Errorf("open partial reader: %w", err)
	}
	r.attachFile(f)
	return nil
}

// advance 向请求交付当前可得的字节：先从 .partial（截止 fileLimit），
// 降级模式下再从刚到达的 chunk 拷贝。流已越过且磁盘上没有的偏移判为乱序。
func (c *Coordinator) advance(r *DataRequest, chunkStart int64, chunk []byte) {
	if r.hasFile() && c.fileLimit > r.next {
		upto := clampEnd(c.fileLimit, r.end)
		if upto > r.next {
			r.extendFile(upto - r.next)
			r.next = upto
		}
	}
	if r.satisfied() {
		c.completeRequest(r)
		return
	}
	if !c.degraded {
		return
	}

	chunkEnd := chunkStart + int64(len(chunk))
	if r.next >= chunkStart && r.next < chunkEnd {
		upto := clampEnd(chunkEnd, r.end)
		r.pushMemory(chunk[r.next-chunkStart : upto-chunkStart])
		r.next = upto
	}
	if r.satisfied() {
		c.completeRequest(r)
		return
	}
	if r.next < c.pos {
		c.failRequest(r, fmt.Errorf("%w: offset %d already streamed past (position %d)", ErrOutOfOrderRange, r.next, c.pos))
	}
}

func clampEnd(limit, end int64) int64 {
	if end >= 0 && limit > end {
		return end
	}
	return limit
}

func (c *Coordinator) completeRequest(r *DataRequest) {
	delete(c.pending, r.ID)
	r.finish(nil)
	c.opts.Metrics.LoadingRequest("data", "fulfilled")
}

func (c *Coordinator) failRequest(r *DataRequest, err error) {
	delete(c.pending, r.ID)
	r.finish(err)
	c.opts.Metrics.LoadingRequest("data", outcomeFor(err))
}

func (c *Coordinator) dropRequest(r *DataRequest) {
	if _, ok := c.pending[r.ID]; !ok {
		return
	}
	delete(c.pending, r.ID)
	c.opts.Metrics.LoadingRequest("data", "closed")
}

func (c *Coordinator) dropProbe(ch chan probeResult) {
	for i, probe := range c.probes {
		if probe == ch {
			c.probes = append(c.probes[:i], c.probes[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) resolveProbes(md Metadata, err error) {
	for _, probe := range c.probes {
		probe <- probeResult{meta: md, err: err}
	}
	c.probes = nil
}

// onWriter 接管写入租约并返回本次下载的起始偏移。
func (c *Coordinator) onWriter(w cache.Writer) (int64, error) {
	c.writer = w
	if w.Size() > 0 && c.opts.Policy != config.ResumePolicyResume {
		if err := w.Truncate(); err != nil {
			c.fail(err)
			return 0, err
		}
	}
	c.logger.WithFields(logrus.Fields{
		"session_id": c.sessionID,
		"offset":     w.Size(),
		"policy":     string(c.opts.Policy),
	}).Debug("cache writer acquired")
	return w.Size(), nil
}

func (c *Coordinator) truncate() error {
	if c.writer == nil {
		return ErrClosed
	}
	if err := c.writer.Truncate(); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *Coordinator) onHeaders(meta fetch.Meta) {
	c.total = meta.ContentLength
	md := Metadata{ContentLength: meta.ContentLength, MimeType: meta.MimeType}
	c.meta = &md
	c.metaSnap.Store(&md)

	if c.opts.Key.Extension == "" && meta.MimeType != "" {
		if ext := c.opts.Table.ExtensionFor(meta.MimeType); ext != "" {
			c.writer.SetExtension(ext)
		}
	}
	c.recordMeta(meta.MimeType, meta.ContentLength)

	c.fileLimit = c.writer.Size()
	c.pos = c.fileLimit
	c.progress.Store(c.pos)

	c.resolveProbes(md, nil)
	c.setState(StateStreaming, nil)

	for _, r := range c.pending {
		if c.total >= 0 && r.Offset >= c.total {
			c.failRequest(r, fmt.Errorf("%w: offset %d, length %d", ErrRangeUnsatisfiable, r.Offset, c.total))
			continue
		}
		if r.Length < 0 {
			r.end = c.total
		}
		if err := c.attach(r); err != nil {
			c.failRequest(r, err)
			continue
		}
		c.advance(r, c.pos, nil)
	}
}

func (c *Coordinator) recordMeta(mimeType string, length int64) {
	if c.opts.Meta == nil {
		return
	}
	err := c.opts.Meta.Put(c.opts.Key.Key, cache.Meta{
		Locator:       c.opts.Locator,
		MimeType:      mimeType,
		ContentLength: length,
	})
	if err != nil {
		c.logger.WithError(err).Warn("record response metadata failed")
	}
}

func (c *Coordinator) onChunk(chunk []byte) {
	if c.state != StateStreaming {
		return
	}
	if !c.degraded {
		if err := c.writer.Append(chunk); err != nil {
			c.degraded = true
			c.logger.WithError(err).WithField("session_id", c.sessionID).
				Warn("cache append failed, serving remaining bytes from memory")
		}
		c.fileLimit = c.writer.Size()
	}
	start := c.pos
	c.pos += int64(len(chunk))
	c.progress.Store(c.pos)
	c.opts.Metrics.BytesFetched(len(chunk))

	for _, r := range c.pending {
		c.advance(r, start, chunk)
	}
}

func (c *Coordinator) onEOF() {
	if c.state != StateStreaming {
		return
	}
	if c.degraded {
		if err := c.writer.Discard(); err != nil {
			c.logger.WithError(err).Warn("discard partial file failed")
		}
	} else {
		entry, err := c.writer.Finalize(c.total)
		if err != nil {
			c.writer = nil
			c.fail(err)
			return
		}
		c.fileLimit = entry.SizeBytes
		if c.total < 0 {
			c.recordMeta(c.meta.MimeType, entry.SizeBytes)
		}
	}
	c.writer = nil

	if c.total < 0 {
		c.total = c.pos
		md := Metadata{ContentLength: c.pos, MimeType: c.meta.MimeType}
		c.meta = &md
		c.metaSnap.Store(&md)
	}

	for _, r := range c.pending {
		if r.Offset >= c.pos {
			c.failRequest(r, fmt.Errorf("%w: offset %d, length %d", ErrRangeUnsatisfiable, r.Offset, c.pos))
			continue
		}
		if r.end < 0 {
			r.end = c.pos
		}
		c.advance(r, c.pos, nil)
		if _, still := c.pending[r.ID]; still {
			c.failRequest(r, fmt.Errorf("%w: range end %d, length %d", ErrRangeUnsatisfiable, r.end, c.pos))
		}
	}
	c.setState(StateCompleted, nil)
}

// onCachedComplete 处理等待租约期间其他协调器已完成下载的情况。
func (c *Coordinator) onCachedComplete(entry cache.Entry) {
	md := Metadata{ContentLength: entry.SizeBytes, MimeType: c.mimeFor(entry.Locator)}
	c.meta = &md
	c.metaSnap.Store(&md)
	c.total = entry.SizeBytes
	c.pos = entry.SizeBytes
	c.fileLimit = entry.SizeBytes
	c.resolveProbes(md, nil)

	for _, r := range c.pending {
		if r.Offset >= c.total {
			c.failRequest(r, fmt.Errorf("%w: offset %d, length %d", ErrRangeUnsatisfiable, r.Offset, c.total))
			continue
		}
		f, err := os.Open(entry.FilePath)
		if err != nil {
			c.failRequest(r, fmt.Errorf("open cached file: %w", err))
			continue
		}
		r.source = metrics.SourceFile
		r.attachFile(f)
		if r.end < 0 {
			r.end = c.total
		}
		c.advance(r, c.pos, nil)
		if _, still := c.pending[r.ID]; still {
			c.failRequest(r, fmt.Errorf("%w: range end %d, length %d", ErrRangeUnsatisfiable, r.end, c.total))
		}
	}
	c.setState(StateCompleted, nil)
}

// fail 把所有挂起请求以 err 结束并保留 .partial 供后续尝试。
func (c *Coordinator) fail(err error) {
	if c.state.Terminal() {
		return
	}
	if !errors.Is(err, ErrNetworkFailure) {
		err = fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}
	if c.writer != nil {
		if rerr := c.writer.Release(); rerr != nil {
			c.logger.WithError(rerr).Warn("release cache writer failed")
		}
		c.writer = nil
	}
	c.resolveProbes(Metadata{}, err)
	for _, r := range c.pending {
		c.failRequest(r, err)
	}
	c.setState(StateFailed, err)
}

func (c *Coordinator) cancelNow() {
	if c.state.Terminal() {
		return
	}
	c.cancel()
	c.observer = nil
	if c.writer != nil {
		if err := c.writer.Discard(); err != nil {
			c.logger.WithError(err).Warn("discard partial file failed")
		}
		c.writer = nil
	}
	c.resolveProbes(Metadata{}, ErrCancelled)
	for _, r := range c.pending {
		c.failRequest(r, ErrCancelled)
	}
	c.setState(StateCancelled, ErrCancelled)
}
