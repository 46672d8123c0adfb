package loader

import (
	"errors"

	"github.com/any-hub/mediacache/internal/cache"
	"github.com/any-hub/mediacache/internal/fetch"
)

var (
	// ErrCancelled 表示请求因协调器取消而终止。
	ErrCancelled = errors.New("loading cancelled")
	// ErrRangeUnsatisfiable 表示请求区间超出资源实际长度。
	ErrRangeUnsatisfiable = errors.New("range not satisfiable")
	// ErrOutOfOrderRange 表示单向数据流已越过请求偏移且磁盘上没有这些字节。
	ErrOutOfOrderRange = errors.New("out-of-order range unsupported")
	// ErrClosed 表示协调器已进入终态或请求已关闭。
	ErrClosed = errors.New("loader closed")
	// ErrInvalidRange 表示偏移或长度本身非法。
	ErrInvalidRange = errors.New("invalid range")

	// ErrNetworkFailure 与 fetch 包共用，便于调用方只依赖 loader。
	ErrNetworkFailure = fetch.ErrNetworkFailure
	// ErrIncompleteDownload 与 cache 包共用；出现时同时满足 errors.Is(err, ErrNetworkFailure)。
	ErrIncompleteDownload = cache.ErrIncompleteDownload
)
