package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// NewStore 基于 Resolver 的目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(resolver *Resolver) (Store, error) {
	if resolver == nil {
		return nil, errors.New("cache resolver required")
	}
	return &fileStore{
		resolver: resolver,
		leases:   make(map[string]*entryLease),
	}, nil
}

// fileStore 通过 entryLease 保证同一缓存键只有一个写者。
type fileStore struct {
	resolver *Resolver

	mu     sync.Mutex
	leases map[string]*entryLease
}

// entryLease 是容量为 1 的信号量，便于在获取时响应 ctx 取消。
type entryLease struct {
	sem  chan struct{}
	refs int
}

func (s *fileStore) Path(locator Locator) string {
	return s.resolver.Path(locator)
}

func (s *fileStore) PartialPath(locator Locator) string {
	return s.resolver.PartialPath(locator)
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if locator.Key == "" {
		return nil, ErrNotFound
	}

	filePath := s.Path(locator)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry: Entry{
			Locator:   locator,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (s *fileStore) Stat(ctx context.Context, locator Locator) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	if locator.Key == "" {
		return Status{State: StateEmpty}, nil
	}

	filePath := s.Path(locator)
	if info, err := os.Stat(filePath); err == nil && !info.IsDir() {
		return Status{State: StateComplete, Size: info.Size(), Path: filePath}, nil
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Status{}, err
	}

	partials, err := s.partials(locator.Key)
	if err != nil {
		return Status{}, err
	}
	if len(partials) == 0 {
		return Status{State: StateEmpty}, nil
	}
	info, err := os.Stat(partials[0])
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Status{State: StateEmpty}, nil
		}
		return Status{}, err
	}
	return Status{State: StatePartial, Size: info.Size(), Path: partials[0]}, nil
}

func (s *fileStore) OpenForAppend(ctx context.Context, locator Locator) (Writer, error) {
	if locator.Key == "" {
		return nil, errors.New("cache key required")
	}
	release, err := s.acquire(ctx, locator.Key)
	if err != nil {
		return nil, err
	}

	partialPath := s.PartialPath(locator)
	if err := s.adoptPartial(locator.Key, partialPath); err != nil {
		release()
		return nil, err
	}

	f, err := os.OpenFile(partialPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		release()
		return nil, fmt.Errorf("open partial file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		release()
		return nil, err
	}

	return &fileWriter{
		locator:     locator,
		partialPath: partialPath,
		resolver:    s.resolver,
		file:        f,
		size:        info.Size(),
		release:     release,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	release, err := s.acquire(ctx, locator.Key)
	if err != nil {
		return err
	}
	defer release()

	if err := os.Remove(s.Path(locator)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	partials, err := s.partials(locator.Key)
	if err != nil {
		return err
	}
	for _, p := range partials {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// partials 列出同一缓存键在任意扩展名下遗留的 .partial 文件，按路径排序。
func (s *fileStore) partials(key string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.resolver.Dir(), key+"*"+partialSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// adoptPartial 在扩展名变化（例如首次下载后才得知 MIME）时把旧的 .partial 迁移到新路径，
// 其余多余的 .partial 一并清理。调用方需持有租约。
func (s *fileStore) adoptPartial(key, target string) error {
	partials, err := s.partials(key)
	if err != nil {
		return err
	}
	adopted := false
	for _, p := range partials {
		if p == target {
			adopted = true
		}
	}
	for _, p := range partials {
		if p == target {
			continue
		}
		if !adopted {
			if err := os.Rename(p, target); err != nil {
				return fmt.Errorf("adopt partial file: %w", err)
			}
			adopted = true
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) acquire(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	lease := s.leases[key]
	if lease == nil {
		lease = &entryLease{sem: make(chan struct{}, 1)}
		s.leases[key] = lease
	}
	lease.refs++
	s.mu.Unlock()

	select {
	case lease.sem <- struct{}{}:
	case <-ctx.Done():
		s.unref(key, lease)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lease.sem
			s.unref(key, lease)
		})
	}, nil
}

func (s *fileStore) unref(key string, lease *entryLease) {
	s.mu.Lock()
	lease.refs--
	if lease.refs == 0 {
		delete(s.leases, key)
	}
	s.mu.Unlock()
}
