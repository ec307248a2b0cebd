package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey 預設的快照 Hash key
const DefaultRedisKey = "mini-redis:snapshot"

// RedisOptions Redis 後端設定
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Key      string
}

// Redis 將快照存成單一 Hash
//
// 覆寫：MULTI / DEL key / HSET key f1 v1 f2 v2 ... / EXEC
// 交易保證其他客戶端不會看到刪除後、寫入前的空狀態。
type Redis struct {
	client *redis.Client
	key    string
	owned  bool // 是否由本後端建立 client（Close 時關閉）
}

// NewRedis 以現有 client 建立後端，Close 不會關閉 client
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// OpenRedis 建立連線並驗證
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	r := NewRedis(client, opts.Key)
	r.owned = true
	return r, nil
}

// Save 原子覆寫 Hash
func (r *Redis) Save(ctx context.Context, snapshot map[string][]byte) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(snapshot) > 0 {
			fields := make(map[string]any, len(snapshot))
			for k, v := range snapshot {
				fields[k] = v
			}
			pipe.HSet(ctx, r.key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save snapshot: %w", err)
	}
	return nil
}

// Load 讀取整個 Hash
func (r *Redis) Load(ctx context.Context) (map[string][]byte, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load snapshot: %w", err)
	}

	snapshot := make(map[string][]byte, len(fields))
	for k, v := range fields {
		snapshot[k] = []byte(v)
	}
	return snapshot, nil
}

// Close 關閉自己建立的 client
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
