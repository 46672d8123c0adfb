package media

import (
	"errors"
	"fmt"
)

var (
	// ErrMisuse 表示在不拦截加载的句柄（完整缓存命中）上调用了下载或加载接口。
	ErrMisuse = errors.New("operation not supported on a cache-hit handle")
	// ErrInvalidated 表示句柄已调用 CancelAndInvalidate。
	ErrInvalidated = errors.New("handle invalidated")
	// ErrUnknownHandle 表示注册表中没有该缓存键。
	ErrUnknownHandle = errors.New("unknown handle")
	// ErrUnsupportedLocator 表示 locator 缺少 scheme 或不是 http/https。
	ErrUnsupportedLocator = errors.New("unsupported locator scheme")
)

// FatalConfigError 表示句柄无法构造，调用方应退回到不经缓存的播放。
type FatalConfigError struct {
	Locator string
	Err     error
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("cannot cache %q: %v", e.Locator, e.Err)
}

func (e *FatalConfigError) Unwrap() error {
	return e.Err
}
