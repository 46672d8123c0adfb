package loader

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/any-hub/mediacache/internal/cache"
	"github.com/any-hub/mediacache/internal/metrics"
	"github.com/google/uuid"
)

// DataRequest 是一次区间读取。它实现 io.ReadCloser：Read 按偏移顺序交付连续字节，
// 区间交付完毕返回 io.EOF；Close 取消该请求，不影响同一协调器上的其他请求。
// 同一个 DataRequest 不支持并发 Read。
type DataRequest struct {
	ID     string
	Offset int64
	// Length 为 -1 表示读到资源末尾。
	Length int64

	owner   *Coordinator
	source  string
	metrics *metrics.Recorder

	// next/end 只在 mailbox goroutine 中访问：next 为下一个待交付的绝对偏移，
	// end 为区间终点（未知时为 -1）。
	next int64
	end  int64

	mu        sync.Mutex
	file      cache.ReaderAtCloser
	fileAvail int64
	mem       [][]byte
	delivered int64
	complete  bool
	aborted   bool
	closed    bool
	err       error

	signal    chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newDataRequest(owner *Coordinator, offset, length int64) *DataRequest {
	r := &DataRequest{
		ID:      uuid.NewString(),
		Offset:  offset,
		Length:  length,
		owner:   owner,
		source:  metrics.SourceStream,
		next:    offset,
		end:     -1,
		signal:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	if owner != nil {
		r.metrics = owner.opts.Metrics
	}
	if length >= 0 {
		r.end = offset + length
	}
	return r
}

// Fulfilled 返回已交付给读取方的字节数。
func (r *DataRequest) Fulfilled() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered
}

// Err 返回请求的终止错误；尚未结束或成功完成时为 nil。
func (r *DataRequest) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *DataRequest) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		r.mu.Lock()
		switch {
		case r.closed:
			r.mu.Unlock()
			return 0, ErrClosed
		case r.aborted:
			err := r.err
			r.mu.Unlock()
			return 0, err
		case r.delivered < r.fileAvail:
			want := r.fileAvail - r.delivered
			if want > int64(len(p)) {
				want = int64(len(p))
			}
			file := r.file
			off := r.Offset + r.delivered
			r.mu.Unlock()

			n, err := file.ReadAt(p[:want], off)
			r.mu.Lock()
			r.delivered += int64(n)
			r.mu.Unlock()
			r.metrics.BytesServed(r.source, n)
			if n > 0 {
				return n, nil
			}
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("read cached bytes: %w", err)
		case len(r.mem) > 0:
			n := copy(p, r.mem[0])
			r.mem[0] = r.mem[0][n:]
			if len(r.mem[0]) == 0 {
				r.mem[0] = nil
				r.mem = r.mem[1:]
			}
			r.delivered += int64(n)
			r.mu.Unlock()
			r.metrics.BytesServed(metrics.SourceMemory, n)
			return n, nil
		case r.err != nil:
			err := r.err
			r.mu.Unlock()
			r.releaseFile()
			return 0, err
		case r.complete:
			r.mu.Unlock()
			r.releaseFile()
			return 0, io.EOF
		default:
			r.mu.Unlock()
			select {
			case <-r.signal:
			case <-r.closeCh:
			}
		}
	}
}

// Close 取消请求并释放其文件句柄，可重复调用。
func (r *DataRequest) Close() error {
	first := false
	r.closeOnce.Do(func() {
		first = true
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.closeCh)
	})
	if !first {
		return nil
	}
	if r.owner != nil {
		owner := r.owner
		// 协调器已终止时 call 返回 ErrClosed，此时无需登记。
		_ = owner.call(func() { owner.dropRequest(r) })
	}
	r.releaseFile()
	return nil
}

// 以下方法由 mailbox goroutine 调用。

func (r *DataRequest) attachFile(f cache.ReaderAtCloser) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		f.Close()
		return
	}
	r.file = f
	r.mu.Unlock()
}

func (r *DataRequest) hasFile() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file != nil
}

func (r *DataRequest) extendFile(n int64) {
	r.mu.Lock()
	r.fileAvail += n
	r.mu.Unlock()
	r.wake()
}

func (r *DataRequest) pushMemory(b []byte) {
	buf := make([]byte, len(b))
	copy(buf, b)
	r.mu.Lock()
	r.mem = append(r.mem, buf)
	r.mu.Unlock()
	r.wake()
}

// finish 标记请求结束：err 为空表示区间已全部可读。
func (r *DataRequest) finish(err error) {
	r.mu.Lock()
	if err == nil {
		r.complete = true
	} else {
		r.err = err
		r.aborted = errors.Is(err, ErrCancelled)
	}
	r.mu.Unlock()
	r.wake()
}

func (r *DataRequest) satisfied() bool {
	return r.end >= 0 && r.next >= r.end
}

func (r *DataRequest) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *DataRequest) releaseFile() {
	r.mu.Lock()
	f := r.file
	r.file = nil
	r.mu.Unlock()
	if f != nil {
		f.Close()
	}
}
