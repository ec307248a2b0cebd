package persistence_test

import (
	"context"
	"testing"

	"github.com/koopa0/mini-redis/internal/config"
	"github.com/koopa0/mini-redis/internal/persistence"
	"github.com/koopa0/mini-redis/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_RoundTrip(t *testing.T) {
	client := testutils.StartRedis(t)

	gw := persistence.NewRedis(client, "test:snapshot")
	assertRoundTrip(t, gw)

	// 覆寫後 Hash 只剩最新快照的欄位
	ctx := context.Background()
	require.NoError(t, gw.Save(ctx, map[string][]byte{"only": []byte("one")}))
	n, err := client.HLen(ctx, "test:snapshot").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// 不關閉外部傳入的 client
	require.NoError(t, gw.Close())
	assert.NoError(t, client.Ping(ctx).Err())
}

func TestRedis_OpenFromConfig(t *testing.T) {
	client := testutils.StartRedis(t)

	cfg := config.Default().Persistence
	cfg.Backend = config.BackendRedis
	cfg.Redis.Addr = client.Options().Addr

	gw, err := persistence.Open(context.Background(), cfg, testutils.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	assertRoundTrip(t, gw)
}

func TestPostgres_RoundTrip(t *testing.T) {
	pool, _ := testutils.StartPostgres(t)

	gw := persistence.NewPostgres(pool, testutils.TestLogger())
	assertRoundTrip(t, gw)
}

func TestPostgres_OpenRunsMigrations(t *testing.T) {
	_, dsn := testutils.StartPostgres(t)

	gw, err := persistence.OpenPostgres(context.Background(), persistence.PostgresOptions{
		URL:      dsn,
		MaxConns: 2,
		Migrate:  true, // 已遷移過，再執行一次應為 no-op
	}, testutils.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	assertRoundTrip(t, gw)
}

func TestNATS_RoundTrip(t *testing.T) {
	conn := testutils.StartNATS(t)

	gw, err := persistence.NewNATS(conn, "test-snapshots", "cache", testutils.TestLogger())
	require.NoError(t, err)
	assertRoundTrip(t, gw)

	// 再次綁定同一個 bucket 可以讀到先前的資料
	ctx := context.Background()
	require.NoError(t, gw.Save(ctx, map[string][]byte{"k": []byte("v")}))

	again, err := persistence.NewNATS(conn, "test-snapshots", "cache", testutils.TestLogger())
	require.NoError(t, err)
	got, err := again.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"k": []byte("v")}, got)
}
