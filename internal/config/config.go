// Package config 載入並驗證應用程式配置
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/koopa0/mini-redis/internal/cache"
	"gopkg.in/yaml.v3"
)

// 持久化後端
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

// Config 整個應用的配置
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Cache       CacheConfig       `yaml:"cache"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig HTTP 服務配置
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CacheConfig 快取引擎配置
type CacheConfig struct {
	MaxCapacity     int           `yaml:"max_capacity"`
	Policy          string        `yaml:"policy"` // LRU 或 LFU
	Expiry          string        `yaml:"expiry"` // absolute 或 sliding，必填
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	FlushOnShutdown bool          `yaml:"flush_on_shutdown"`
}

// PersistenceConfig 持久化配置
type PersistenceConfig struct {
	Backend     string        `yaml:"backend"`
	SaveTimeout time.Duration `yaml:"save_timeout"`

	File struct {
		Path string `yaml:"path"`
	} `yaml:"file"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Key      string `yaml:"key"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
		Migrate  bool   `yaml:"migrate"` // 啟動時執行資料庫遷移
	} `yaml:"postgres"`

	NATS struct {
		URL    string `yaml:"url"`
		Bucket string `yaml:"bucket"`
		Object string `yaml:"object"`
	} `yaml:"nats"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// Default 返回預設配置。
//
// cache.expiry 刻意留空：部署時必須明確選擇過期模式。
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Cache.MaxCapacity = 1000
	cfg.Cache.Policy = "LRU"
	cfg.Cache.SweepInterval = time.Second

	cfg.Persistence.Backend = BackendNone
	cfg.Persistence.SaveTimeout = 5 * time.Second
	cfg.Persistence.File.Path = "data/snapshot.json"
	cfg.Persistence.Redis.Addr = "localhost:6379"
	cfg.Persistence.Redis.PoolSize = 10
	cfg.Persistence.Redis.Key = "mini-redis:snapshot"
	cfg.Persistence.Postgres.Host = "localhost"
	cfg.Persistence.Postgres.Port = 5432
	cfg.Persistence.Postgres.User = "postgres"
	cfg.Persistence.Postgres.DBName = "mini_redis"
	cfg.Persistence.Postgres.MaxConns = 5
	cfg.Persistence.Postgres.MinConns = 1
	cfg.Persistence.Postgres.Migrate = true
	cfg.Persistence.NATS.URL = "nats://localhost:4222"
	cfg.Persistence.NATS.Bucket = "mini-redis"
	cfg.Persistence.NATS.Object = "snapshot"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	return cfg
}

// Load 讀取 YAML 配置檔。
//
// 檔案中沒有的欄位沿用 Default 的值；環境變數 PORT 會覆蓋 server.port。
func Load(path string) (*Config, error) {
	cfg := Default()

	// #nosec G304 - path 來自命令列參數
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置檔失敗: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("環境變數 PORT 無效: %w", err)
		}
		c.Server.Port = p
	}
	return nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Cache.MaxCapacity <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_capacity must be positive, got %d", c.Cache.MaxCapacity))
	}
	if _, err := cache.ParsePolicyType(c.Cache.Policy); err != nil {
		errs = append(errs, fmt.Errorf("cache.policy: %w", err))
	}
	// 空字串同樣被拒絕：過期模式沒有預設值
	if _, err := cache.ParseExpiryMode(c.Cache.Expiry); err != nil {
		errs = append(errs, fmt.Errorf("cache.expiry: %w", err))
	}

	switch c.Persistence.Backend {
	case BackendNone, BackendMemory:
	case BackendFile:
		if c.Persistence.File.Path == "" {
			errs = append(errs, errors.New("persistence.file.path is required"))
		}
	case BackendRedis:
		if c.Persistence.Redis.Addr == "" {
			errs = append(errs, errors.New("persistence.redis.addr is required"))
		}
	case BackendPostgres:
		// DATABASE_URL 可取代個別欄位
	case BackendNATS:
		if c.Persistence.NATS.URL == "" || c.Persistence.NATS.Bucket == "" {
			errs = append(errs, errors.New("persistence.nats.url and bucket are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown persistence.backend %q", c.Persistence.Backend))
	}

	return errors.Join(errs...)
}

// PostgresURL 生成 PostgreSQL 連線 URL。
//
// 同時給 pgxpool 與 golang-migrate 使用，所以採用 URL 形式。
func (c *PersistenceConfig) PostgresURL() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	pg := c.Postgres
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(pg.User, pg.Password),
		Host:     fmt.Sprintf("%s:%d", pg.Host, pg.Port),
		Path:     "/" + pg.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Addr HTTP 監聽地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}
