package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/mini-redis/internal/persistence/migrations"
)

// PostgresOptions PostgreSQL 後端設定
type PostgresOptions struct {
	URL      string
	MaxConns int32
	MinConns int32
	Migrate  bool // 建立連線前先執行遷移
}

// Postgres 將快照存在 cache_snapshot 表
//
// 表結構（見 migrations/000001、000002）：
//
//	CREATE TABLE cache_snapshot (
//	  key      BYTEA PRIMARY KEY,
//	  value    BYTEA NOT NULL,
//	  saved_at TIMESTAMPTZ NOT NULL
//	);
//
// 覆寫在同一個交易內完成：DELETE 全表後以 COPY 批次寫入。
// 讀取端只會看到交易前或交易後的完整快照。
type Postgres struct {
	pool   *pgxpool.Pool
	owned  bool
	logger *slog.Logger
}

// NewPostgres 以現有連接池建立後端（由調用方管理生命週期）
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

// OpenPostgres 建立連接池，必要時先執行遷移
func OpenPostgres(ctx context.Context, opts PostgresOptions, logger *slog.Logger) (*Postgres, error) {
	if opts.Migrate {
		m, err := migrations.New(opts.URL, logger)
		if err != nil {
			return nil, err
		}
		upErr := m.Up()
		if err := m.Close(); err != nil {
			logger.Warn("close migrator failed", "error", err)
		}
		if upErr != nil {
			return nil, upErr
		}
	}

	poolCfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolCfg.MinConns = opts.MinConns
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	p := NewPostgres(pool, logger)
	p.owned = true
	return p, nil
}

// Save 在交易內覆寫整張表
func (p *Postgres) Save(ctx context.Context, snapshot map[string][]byte) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// Commit 之後 Rollback 會回傳 ErrTxClosed，可忽略
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM cache_snapshot`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	if len(snapshot) > 0 {
		now := time.Now()
		rows := make([][]any, 0, len(snapshot))
		for k, v := range snapshot {
			rows = append(rows, []any{[]byte(k), v, now})
		}

		n, err := tx.CopyFrom(ctx,
			pgx.Identifier{"cache_snapshot"},
			[]string{"key", "value", "saved_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy snapshot: %w", err)
		}
		p.logger.Debug("snapshot copied", "rows", n)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load 讀取整張表
func (p *Postgres) Load(ctx context.Context) (map[string][]byte, error) {
	rows, err := p.pool.Query(ctx, `SELECT key, value FROM cache_snapshot`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	snapshot := make(map[string][]byte)
	for rows.Next() {
		var (
			key   []byte
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		snapshot[string(key)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot: %w", err)
	}
	return snapshot, nil
}

// Close 關閉自己建立的連接池
func (p *Postgres) Close() error {
	if p.owned {
		p.pool.Close()
	}
	return nil
}
