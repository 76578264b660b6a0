// internal/storage/file_storage.go
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileBackend 基于平面文件目录的存储后端
// 每个键对应BaseDir下的一个 <key>.json 文件
type FileBackend struct {
	BaseDir string

	// 并发控制
	fileLocks sync.Map // 文件级别锁 path -> *sync.RWMutex

	// 简单读缓存
	cache        map[string]*cacheEntry
	cacheMutex   sync.RWMutex
	cacheExpiry  time.Duration
	maxCacheSize int

	cleanupStop chan struct{}
	cleanupOnce sync.Once
}

// cacheEntry 缓存条目
type cacheEntry struct {
	Data      []byte
	Timestamp time.Time
}

// NewFileBackend 创建文件存储后端
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	fs := &FileBackend{
		BaseDir:      baseDir,
		cache:        make(map[string]*cacheEntry),
		cacheExpiry:  5 * time.Minute,
		maxCacheSize: 100,
		cleanupStop:  make(chan struct{}),
	}

	// 启动缓存清理
	fs.startCacheCleanup()

	return fs, nil
}

// sanitizeKey 将逻辑键转换为安全的文件名
// 键空间允许出现原始文件名（如 storyboard_我的剧本.pdf），需要剔除路径分隔符
func sanitizeKey(key string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", "\x00", "")
	return replacer.Replace(key)
}

func (fs *FileBackend) pathFor(key string) string {
	return filepath.Join(fs.BaseDir, sanitizeKey(key)+".json")
}

// 获取文件锁
func (fs *FileBackend) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// Put 原子性写入：先写临时文件再rename
func (fs *FileBackend) Put(key string, data []byte) error {
	fullPath := fs.pathFor(key)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(fs.BaseDir, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tempPath := fullPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil {
			fmt.Printf("警告: rename失败后清理临时文件 %s 失败: %v\n", tempPath, removeErr)
		}
		return fmt.Errorf("保存文件失败: %w", err)
	}

	fs.invalidateCache(fullPath)

	return nil
}

// Get 读取键值
func (fs *FileBackend) Get(key string) ([]byte, error) {
	fullPath := fs.pathFor(key)

	// 检查缓存
	fs.cacheMutex.RLock()
	if entry, exists := fs.cache[fullPath]; exists {
		if time.Since(entry.Timestamp) < fs.cacheExpiry {
			fs.cacheMutex.RUnlock()
			return entry.Data, nil
		}
	}
	fs.cacheMutex.RUnlock()

	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	content, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}

	fs.updateCache(fullPath, content)

	return content, nil
}

// Has 检查键是否存在
func (fs *FileBackend) Has(key string) bool {
	_, err := os.Stat(fs.pathFor(key))
	return err == nil
}

// Delete 删除键
func (fs *FileBackend) Delete(key string) error {
	fullPath := fs.pathFor(key)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return ErrNotFound
	}

	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("删除文件失败: %w", err)
	}

	fs.invalidateCache(fullPath)

	return nil
}

// List 枚举所有键（去掉.json后缀的文件名）
func (fs *FileBackend) List() ([]string, error) {
	entries, err := os.ReadDir(fs.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".tmp") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}

	return keys, nil
}

// Close 停止后台缓存清理
func (fs *FileBackend) Close() error {
	fs.cleanupOnce.Do(func() { close(fs.cleanupStop) })
	return nil
}

// 缓存管理
func (fs *FileBackend) updateCache(path string, data []byte) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	fs.cache[path] = &cacheEntry{
		Data:      data,
		Timestamp: time.Now(),
	}

	// 简单的缓存大小控制：超限时删除最老的条目
	if len(fs.cache) > fs.maxCacheSize {
		var oldestKey string
		var oldestTime time.Time

		for key, entry := range fs.cache {
			if oldestKey == "" || entry.Timestamp.Before(oldestTime) {
				oldestKey = key
				oldestTime = entry.Timestamp
			}
		}

		if oldestKey != "" {
			delete(fs.cache, oldestKey)
		}
	}
}

// invalidateCache 清除指定路径的缓存
func (fs *FileBackend) invalidateCache(path string) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	delete(fs.cache, path)
}

// 开始缓存清理
func (fs *FileBackend) startCacheCleanup() {
	go func() {
		ticker := time.NewTicker(2 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fs.cleanupExpiredCache()
				fs.enforceMaxCacheSize()
			case <-fs.cleanupStop:
				return
			}
		}
	}()
}

// 清理过期缓存
func (fs *FileBackend) cleanupExpiredCache() {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	now := time.Now()
	for path, entry := range fs.cache {
		if now.Sub(entry.Timestamp) > fs.cacheExpiry {
			delete(fs.cache, path)
		}
	}
}

// enforceMaxCacheSize 按时间顺序淘汰超出上限的缓存条目
func (fs *FileBackend) enforceMaxCacheSize() {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	if len(fs.cache) <= fs.maxCacheSize {
		return
	}

	type entryWithTime struct {
		key       string
		timestamp time.Time
	}

	var entries []entryWithTime
	for key, entry := range fs.cache {
		entries = append(entries, entryWithTime{key: key, timestamp: entry.Timestamp})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].timestamp.Before(entries[j].timestamp)
	})

	removeCount := len(entries) - fs.maxCacheSize
	for i := 0; i < removeCount; i++ {
		delete(fs.cache, entries[i].key)
	}
}
