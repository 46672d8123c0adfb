package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
)

// Key 描述一个缓存条目的身份：原始 locator、内容哈希与扩展名（不含点）。
type Key struct {
	Locator   string
	Hash      string
	Extension string
}

// FileName 返回 <hash>[.<ext>] 形式的文件名。
func (k Key) FileName() string {
	if k.Extension == "" {
		return k.Hash
	}
	return k.Hash + "." + k.Extension
}

// MimeSource 返回某个缓存键此前观测到的 MIME 类型，未知时返回空串。
type MimeSource interface {
	LookupMime(hash string) string
}

// Deriver 组合 MIME 表与历史 MIME 来源，计算 Key。
type Deriver struct {
	table  *Table
	source MimeSource
}

// NewDeriver 构造 Deriver；table 为空时使用内置表，source 可为空。
func NewDeriver(table *Table, source MimeSource) *Deriver {
	if table == nil {
		table = DefaultTable()
	}
	return &Deriver{table: table, source: source}
}

// Derive 计算 locator 的缓存键。扩展名优先取 URL 路径后缀，其次取历史 MIME 对应的扩展名。
func (d *Deriver) Derive(locator string) Key {
	hash := Hash(locator)
	ext := PathExtension(locator)
	if ext == "" && d.source != nil {
		if mime := d.source.LookupMime(hash); mime != "" {
			ext = d.table.ExtensionFor(mime)
		}
	}
	return Key{Locator: locator, Hash: hash, Extension: ext}
}

// Table 返回 Deriver 使用的 MIME 表。
func (d *Deriver) Table() *Table {
	return d.table
}

// Hash 返回 hex(sha256(locator))。
func Hash(locator string) string {
	sum := sha256.Sum256([]byte(locator))
	return hex.EncodeToString(sum[:])
}

// PathExtension 返回 locator 路径部分的后缀（不含点、转小写），忽略 query 与 fragment。
func PathExtension(locator string) string {
	p := locator
	if parsed, err := url.Parse(locator); err == nil {
		p = parsed.Path
	}
	ext := path.Ext(p)
	if ext == "" || ext == "." {
		return ""
	}
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if strings.ContainsAny(ext, `/\`) {
		return ""
	}
	return ext
}
