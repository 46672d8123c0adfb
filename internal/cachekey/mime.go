package cachekey

import (
	"fmt"
	"mime"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var defaultMimeTypes = map[string]string{
	"video/mp4":                     "mp4",
	"video/quicktime":               "mov",
	"video/x-m4v":                   "m4v",
	"video/webm":                    "webm",
	"video/x-matroska":              "mkv",
	"video/mp2t":                    "ts",
	"video/3gpp":                    "3gp",
	"audio/mp4":                     "m4a",
	"audio/x-m4a":                   "m4a",
	"audio/mpeg":                    "mp3",
	"audio/aac":                     "aac",
	"audio/wav":                     "wav",
	"audio/webm":                    "weba",
	"audio/ogg":                     "ogg",
	"audio/flac":                    "flac",
	"application/vnd.apple.mpegurl": "m3u8",
	"application/x-mpegurl":         "m3u8",
	"application/dash+xml":          "mpd",
}

// tableFile 是 MimeTablePath 指向的 YAML 文件结构。
type tableFile struct {
	Types map[string]string `yaml:"types"`
}

// Table 维护 MIME ↔ 扩展名映射，读多写少。
type Table struct {
	mu     sync.RWMutex
	byMime map[string]string
	byExt  map[string]string
}

// DefaultTable 返回仅包含内置媒体类型的表。
func DefaultTable() *Table {
	t := &Table{
		byMime: make(map[string]string, len(defaultMimeTypes)),
		byExt:  make(map[string]string, len(defaultMimeTypes)),
	}
	for mimeType, ext := range defaultMimeTypes {
		t.Set(mimeType, ext)
	}
	return t
}

// LoadTable 在内置表基础上合并 YAML 文件中的条目；path 为空时直接返回内置表。
func LoadTable(path string) (*Table, error) {
	table := DefaultTable()
	if strings.TrimSpace(path) == "" {
		return table, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mime table: %w", err)
	}
	var file tableFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse mime table %s: %w", path, err)
	}
	for mimeType, ext := range file.Types {
		if normalizeMime(mimeType) == "" || normalizeExt(ext) == "" {
			return nil, fmt.Errorf("parse mime table %s: invalid entry %q -> %q", path, mimeType, ext)
		}
		table.Set(mimeType, ext)
	}
	return table, nil
}

// Set 注册一条映射；同一扩展名保留最先注册的 MIME 作为反向映射。
func (t *Table) Set(mimeType, ext string) {
	m := normalizeMime(mimeType)
	e := normalizeExt(ext)
	if m == "" || e == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byMime[m] = e
	if _, exists := t.byExt[e]; !exists {
		t.byExt[e] = m
	}
}

// ExtensionFor 返回 MIME 对应的扩展名，忽略 ;codecs= 等参数；未知类型回退到系统 mime 库。
func (t *Table) ExtensionFor(mimeType string) string {
	m := normalizeMime(mimeType)
	if m == "" {
		return ""
	}
	t.mu.RLock()
	ext, ok := t.byMime[m]
	t.mu.RUnlock()
	if ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(m); err == nil && len(exts) > 0 {
		sort.Strings(exts)
		return normalizeExt(exts[0])
	}
	return ""
}

// MimeFor 返回扩展名对应的 MIME 类型，供缓存命中时回答元数据探测。
func (t *Table) MimeFor(ext string) string {
	e := normalizeExt(ext)
	if e == "" {
		return ""
	}
	t.mu.RLock()
	m, ok := t.byExt[e]
	t.mu.RUnlock()
	if ok {
		return m
	}
	if sys := mime.TypeByExtension("." + e); sys != "" {
		return normalizeMime(sys)
	}
	return ""
}

func normalizeMime(raw string) string {
	if idx := strings.Index(raw, ";"); idx >= 0 {
		raw = raw[:idx]
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

func normalizeExt(raw string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "."))
}
