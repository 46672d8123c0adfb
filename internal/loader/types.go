package loader

import (
	"context"
	"net/http"

	"github.com/any-hub/mediacache/internal/cache"
	"github.com/any-hub/mediacache/internal/cachekey"
	"github.com/any-hub/mediacache/internal/config"
	"github.com/any-hub/mediacache/internal/fetch"
	"github.com/any-hub/mediacache/internal/metrics"
	"github.com/sirupsen/logrus"
)

// State 是协调器状态。
type State int32

const (
	StateIdle State = iota
	StateProbing
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal 报告状态是否为终态。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Metadata 是元数据探测的应答。ContentLength 未知时为 -1。
type Metadata struct {
	ContentLength int64  `json:"content_length"`
	MimeType      string `json:"mime_type"`
}

// ResourceLoader 是播放引擎消费的加载接口。DataRequest.Close 即取消该请求。
type ResourceLoader interface {
	RequestMetadata(ctx context.Context) (Metadata, error)
	RequestData(ctx context.Context, offset, length int64) (*DataRequest, error)
}

// Fetcher 发起单次下载尝试。
type Fetcher interface {
	Open(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// MetaIndex 记录与查询响应元数据，*cache.MetaIndex 满足该接口。
type MetaIndex interface {
	Put(hash string, meta cache.Meta) error
	LookupMime(hash string) string
}

// Observer 接收状态变化通知。回调在 mailbox goroutine 上执行，不得回调协调器。
type Observer interface {
	CoordinatorStateChanged(id string, state State, err error)
}

// Options 描述一个协调器所需的全部协作者。
type Options struct {
	Locator string
	Header  http.Header
	Key     cache.Locator

	Store   cache.Store
	Fetcher Fetcher
	Meta    MetaIndex
	Table   *cachekey.Table
	Policy  config.ResumePolicy

	// Observer 是非拥有引用，取消后即被清除。
	Observer Observer
	Logger   *logrus.Logger
	Metrics  *metrics.Recorder

	ChunkSize int
}

const defaultChunkSize = 32 * 1024
