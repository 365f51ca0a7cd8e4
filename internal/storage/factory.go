package storage

import (
	"fmt"

	"subtask-stream/internal/config"
)

// New 按配置创建并初始化存储
func New(cfg config.StorageConfig) (Storage, error) {
	var store Storage

	switch cfg.Type {
	case "disk":
		store = NewDiskStorage(cfg.DataDir, cfg.CacheSize)
	case "", "memory":
		store = NewMemoryStorage()
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}

	if err := store.Init(); err != nil {
		return nil, err
	}
	return store, nil
}
