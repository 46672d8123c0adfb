package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSubfolder 是缓存根目录下的固定子目录名。
const DefaultSubfolder = "mediacache"

// Resolver 将 Locator 映射到 <root>/<subfolder>/ 下的绝对路径。
type Resolver struct {
	dir string
}

// NewResolver 解析并创建缓存目录；root 为空时使用平台用户缓存目录。
func NewResolver(root, subfolder string) (*Resolver, error) {
	if strings.TrimSpace(subfolder) == "" {
		subfolder = DefaultSubfolder
	}
	if strings.ContainsAny(subfolder, `/\`) || subfolder == "." || subfolder == ".." {
		return nil, fmt.Errorf("%w: invalid subfolder %q", ErrCacheDirectoryUnavailable, subfolder)
	}
	if strings.TrimSpace(root) == "" {
		userDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheDirectoryUnavailable, err)
		}
		root = userDir
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrCacheDirectoryUnavailable, root, err)
	}
	dir := filepath.Join(abs, subfolder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrCacheDirectoryUnavailable, dir, err)
	}
	return &Resolver{dir: dir}, nil
}

// Dir 返回缓存目录的绝对路径。
func (r *Resolver) Dir() string {
	return r.dir
}

// Path 返回完整条目路径。
func (r *Resolver) Path(locator Locator) string {
	return filepath.Join(r.dir, locator.FileName())
}

// PartialPath 返回下载中文件路径。
func (r *Resolver) PartialPath(locator Locator) string {
	return r.Path(locator) + partialSuffix
}

// MetaDir 返回 badger 元数据索引所在目录。
func (r *Resolver) MetaDir() string {
	return filepath.Join(r.dir, ".index")
}

const partialSuffix = ".partial"
