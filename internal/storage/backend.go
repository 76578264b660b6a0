// internal/storage/backend.go
package storage

import "errors"

// ErrNotFound 表示键不存在
var ErrNotFound = errors.New("存储键不存在")

// Backend 统一的键值存储接口
// 桌面模式使用平面文件目录(FileBackend)，无文件系统协作者时退化为
// 键值库(SQLiteBackend)，两种实现共享同一逻辑键空间，在构造时选定
type Backend interface {
	// Put 原子性写入，覆盖同键旧值
	Put(key string, data []byte) error

	// Get 读取键值，键不存在时返回ErrNotFound
	Get(key string) ([]byte, error)

	// Has 检查键是否存在
	Has(key string) bool

	// Delete 删除键，键不存在时返回错误
	Delete(key string) error

	// List 枚举所有键
	List() ([]string, error)

	// Close 释放底层资源
	Close() error
}
