package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Meta 是某个缓存键上一次观测到的响应元数据。
type Meta struct {
	Locator       string    `json:"locator"`
	MimeType      string    `json:"mime_type"`
	ContentLength int64     `json:"content_length"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MetaIndex 以 badger 持久化 Meta，键为 "meta/<cacheKey>"。
type MetaIndex struct {
	db *badger.DB
}

// OpenMetaIndex 打开（或创建）dir 下的 badger 数据库；dir 为空时使用内存模式。
func OpenMetaIndex(dir string) (*MetaIndex, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open meta index: %w", err)
	}
	return &MetaIndex{db: db}, nil
}

func metaKey(hash string) []byte {
	return []byte("meta/" + hash)
}

// Put 写入或覆盖元数据；UpdatedAt 为空时填充当前时间。
func (m *MetaIndex) Put(hash string, meta Meta) error {
	if m == nil {
		return nil
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(hash), data)
	})
}

// Get 读取元数据，第二个返回值表示是否存在。
func (m *MetaIndex) Get(hash string) (Meta, bool, error) {
	var meta Meta
	if m == nil {
		return meta, false, nil
	}
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(hash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, fmt.Errorf("read meta %s: %w", hash, err)
	}
	return meta, true, nil
}

// LookupMime 满足 cachekey.MimeSource，读取失败视为未知。
func (m *MetaIndex) LookupMime(hash string) string {
	meta, ok, err := m.Get(hash)
	if err != nil || !ok {
		return ""
	}
	return meta.MimeType
}

// Delete 删除元数据，不存在时忽略。
func (m *MetaIndex) Delete(hash string) error {
	if m == nil {
		return nil
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaKey(hash))
	})
}

// Close 关闭底层数据库。
func (m *MetaIndex) Close() error {
	if m == nil {
		return nil
	}
	return m.db.Close()
}
