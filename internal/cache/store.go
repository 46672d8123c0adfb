package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责缓存条目的状态查询、读取与单写者追加写入。
type Store interface {
	// Get 仅在条目 Complete 时返回可读结果，Empty/Partial 均返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Stat 报告条目当前状态：Empty、Partial(已写字节) 或 Complete(总字节)。
	Stat(ctx context.Context, locator Locator) (Status, error)

	// OpenForAppend 获取该缓存键的写入租约并打开（或续用）.partial 文件。
	// 同一缓存键同一时刻只有一个 Writer；后来者阻塞直到租约释放或 ctx 结束。
	OpenForAppend(ctx context.Context, locator Locator) (Writer, error)

	// Remove 删除条目的完整文件与所有遗留的 .partial 文件。
	Remove(ctx context.Context, locator Locator) error

	// Path 返回完整文件路径，PartialPath 返回下载中的临时文件路径。
	Path(locator Locator) string
	PartialPath(locator Locator) string
}

// Writer 是某个缓存键的独占写入租约。Finalize、Discard、Release 三者任一调用后租约即归还。
type Writer interface {
	Locator() Locator
	// Size 返回 .partial 当前已写入的字节数。
	Size() int64
	Append(p []byte) error
	// Truncate 清空 .partial，从字节 0 重新开始。
	Truncate() error
	// SetExtension 修改 Finalize 时使用的最终扩展名，.partial 路径保持不变。
	SetExtension(ext string)
	// OpenReader 打开 .partial 的独立只读句柄，可与写入并发使用。
	OpenReader() (ReaderAtCloser, error)
	// Finalize 在已写字节等于 declared 时原子重命名为完整文件；declared < 0 表示长度未知。
	// 不一致时删除 .partial 并返回 ErrIncompleteDownload。
	Finalize(declared int64) (*Entry, error)
	// Discard 删除 .partial。
	Discard() error
	// Release 关闭文件并保留非空的 .partial，供后续尝试复用。
	Release() error
}

// ReaderAtCloser 供请求按偏移读取正在下载的文件。
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Locator 唯一定位一个缓存条目：缓存键（sha256 hex）+ 扩展名（不含点）。
type Locator struct {
	Key       string
	Extension string
}

// FileName 返回 <key>[.<ext>]。
func (l Locator) FileName() string {
	if l.Extension == "" {
		return l.Key
	}
	return l.Key + "." + l.Extension
}

// State 表示缓存条目的持久化状态。
type State int

const (
	StateEmpty State = iota
	StatePartial
	StateComplete
)

func (s State) String() string {
	switch s {
	case StatePartial:
		return "partial"
	case StateComplete:
		return "complete"
	default:
		return "empty"
	}
}

// Status 是 Stat 的结果。Partial 时 Size 为已写字节，Complete 时为总字节。
type Status struct {
	State State  `json:"state"`
	Size  int64  `json:"size"`
	Path  string `json:"path,omitempty"`
}

// Entry 描述一个完整条目。
type Entry struct {
	Locator   Locator   `json:"locator"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，调用方负责关闭 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示条目不存在或尚未完成。
	ErrNotFound = errors.New("cache entry not found")
	// ErrIncompleteDownload 表示 Finalize 时字节数与声明长度不一致。
	ErrIncompleteDownload = errors.New("incomplete download")
	// ErrWriterClosed 表示租约已归还后仍尝试写入。
	ErrWriterClosed = errors.New("cache writer closed")
	// ErrCacheDirectoryUnavailable 表示无法解析或创建缓存目录。
	ErrCacheDirectoryUnavailable = errors.New("cache directory unavailable")
)
