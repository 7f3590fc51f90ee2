// Package kv 提供本地鍵值持久化，只用來記住 append-only 記錄存放處的識別碼，
// 讓重啟後的行程能接續同一份記錄，而不是另開一份。
package kv

import (
	"context"
	"errors"
	"fmt"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedStore      = errors.New("kv: store file is corrupted")
	ErrIncompatibleVersion = errors.New("kv: store schema version is incompatible")
	ErrUnknownDriver       = errors.New("kv: unknown driver")
)

// Store 鍵值儲存介面
type Store interface {
	// Get 讀取鍵值；鍵不存在時 ok 為 false 且 err 為 nil
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set 寫入鍵值，覆蓋舊值
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Config 選擇並設定後端
type Config struct {
	Driver string `yaml:"driver"` // file | sqlite | redis

	Path string `yaml:"path"` // file / sqlite 使用

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// Open 依 driver 建立對應的 Store
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileStore(cfg.Path), nil
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.Path)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
