// internal/storage/sqlite_store.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend 基于SQLite的键值存储后端
// 对应浏览器模式下的localStorage角色，与FileBackend共享同一逻辑键空间
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		time.Sleep(delay)
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// NewSQLiteBackend 打开或创建键值库
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开sqlite数据库失败: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("应用pragma %q 失败: %w", pragma, execErr)
		}
	}

	store := &SQLiteBackend{db: db, path: dbPath}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteBackend) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS kv_store (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    updated_at TEXT NOT NULL
);`
	if _, err := s.db.ExecContext(context.Background(), schema); err != nil {
		return fmt.Errorf("初始化kv_store表失败: %w", err)
	}
	return nil
}

// Put 写入键值（UPSERT，最后写入者胜）
func (s *SQLiteBackend) Put(key string, data []byte) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, data, time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("写入键 %s 失败: %w", key, err)
		}
		return nil
	})
}

// Get 读取键值
func (s *SQLiteBackend) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取键 %s 失败: %w", key, err)
	}
	return value, nil
}

// Has 检查键是否存在
func (s *SQLiteBackend) Has(key string) bool {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM kv_store WHERE key = ?`, key).Scan(&one)
	return err == nil
}

// Delete 删除键
func (s *SQLiteBackend) Delete(key string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var execErr error
		result, execErr = s.db.Exec(`DELETE FROM kv_store WHERE key = ?`, key)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("删除键 %s 失败: %w", key, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// List 枚举所有键
func (s *SQLiteBackend) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv_store ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("枚举键失败: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close 关闭底层数据库连接
func (s *SQLiteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
