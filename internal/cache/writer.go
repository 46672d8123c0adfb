package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"
)

// fileWriter 持有某个缓存键的租约与 .partial 文件句柄。
type fileWriter struct {
	mu sync.Mutex

	locator     Locator
	partialPath string
	resolver    *Resolver
	file        *os.File
	size        int64
	release     func()
	closed      bool
}

func (w *fileWriter) Locator() Locator {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.locator
}

func (w *fileWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *fileWriter) Append(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if len(p) == 0 {
		return nil
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("append partial file: %w", err)
	}
	return nil
}

func (w *fileWriter) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate partial file: %w", err)
	}
	w.size = 0
	return nil
}

func (w *fileWriter) SetExtension(ext string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.locator.Extension = strings.ToLower(strings.TrimPrefix(ext, "."))
}

func (w *fileWriter) OpenReader() (ReaderAtCloser, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWriterClosed
	}
	return os.Open(w.partialPath)
}

func (w *fileWriter) Finalize(declared int64) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWriterClosed
	}
	w.closed = true
	defer w.release()

	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	if err := errors.Join(syncErr, closeErr); err != nil {
		os.Remove(w.partialPath)
		return nil, fmt.Errorf("close partial file: %w", err)
	}

	if declared >= 0 && w.size != declared {
		os.Remove(w.partialPath)
		return nil, fmt.Errorf("%w: wrote %d of %d bytes", ErrIncompleteDownload, w.size, declared)
	}

	finalPath := w.resolver.Path(w.locator)
	if err := os.Rename(w.partialPath, finalPath); err != nil {
		os.Remove(w.partialPath)
		return nil, fmt.Errorf("promote partial file: %w", err)
	}

	modTime := time.Now().UTC()
	if info, err := os.Stat(finalPath); err == nil {
		modTime = info.ModTime()
	}
	return &Entry{
		Locator:   w.locator,
		FilePath:  finalPath,
		SizeBytes: w.size,
		ModTime:   modTime,
	}, nil
}

func (w *fileWriter) Discard() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.release()

	w.file.Close()
	if err := os.Remove(w.partialPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (w *fileWriter) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.release()
	if err := w.file.Close(); err != nil {
		return err
	}
	// 空的 .partial 不携带任何进度。
	if w.size == 0 {
		if err := os.Remove(w.partialPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
