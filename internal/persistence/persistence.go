// Package persistence 實作快取快照的持久化後端。
//
// 所有後端都是覆寫語意：Save 以新快照完整取代舊狀態，
// Load 回傳最後一次保存的快照，沒有資料時回傳空 map。
//
// 支援的後端：
//   - memory:   行程內記憶體（測試、示範用）
//   - file:     JSON 檔案，先寫暫存檔再 rename
//   - redis:    單一 Hash，以 MULTI/EXEC 原子覆寫
//   - postgres: cache_snapshot 表，交易內 DELETE + COPY
//   - nats:     JetStream Object Store 中的單一物件
package persistence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/koopa0/mini-redis/internal/cache"
	"github.com/koopa0/mini-redis/internal/config"
)

// Gateway 持久化後端
type Gateway interface {
	cache.Gateway

	// Close 釋放連線等資源
	Close() error
}

// Open 依配置建立持久化後端。backend 為 none 時回傳 nil。
func Open(ctx context.Context, cfg config.PersistenceConfig, logger *slog.Logger) (Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("backend", cfg.Backend)

	switch cfg.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendMemory:
		return NewMemory(), nil
	case config.BackendFile:
		return NewFile(cfg.File.Path), nil
	case config.BackendRedis:
		r, err := OpenRedis(ctx, RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Key:      cfg.Redis.Key,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.BackendPostgres:
		p, err := OpenPostgres(ctx, PostgresOptions{
			URL:      cfg.PostgresURL(),
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
			Migrate:  cfg.Postgres.Migrate,
		}, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.BackendNATS:
		n, err := OpenNATS(NATSOptions{
			URL:    cfg.NATS.URL,
			Bucket: cfg.NATS.Bucket,
			Object: cfg.NATS.Object,
		}, logger)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}
