package persistence_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koopa0/mini-redis/internal/cache"
	"github.com/koopa0/mini-redis/internal/config"
	"github.com/koopa0/mini-redis/internal/persistence"
	"github.com/koopa0/mini-redis/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertRoundTrip 驗證覆寫語意：Save 後 Load 得到相同內容，第二次 Save 完整取代第一次
func assertRoundTrip(t *testing.T, gw persistence.Gateway) {
	t.Helper()
	ctx := context.Background()

	empty, err := gw.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	first := map[string][]byte{
		"a":      []byte("1"),
		"binary": {0x00, 0xff, 0x10},
		"json":   []byte(`{"x":1}`),
	}
	// key 必須逐位元組保存
	for _, k := range []string{"\xff\xfe", "\xff", "\xfe", "nul\x00key", "utf8:快取"} {
		first[k] = []byte("key:" + k)
	}
	require.NoError(t, gw.Save(ctx, first))

	got, err := gw.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	second := map[string][]byte{"b": []byte("2")}
	require.NoError(t, gw.Save(ctx, second))

	got, err = gw.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	require.NoError(t, gw.Save(ctx, map[string][]byte{}))
	got, err = gw.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemory_RoundTrip(t *testing.T) {
	assertRoundTrip(t, persistence.NewMemory())
}

func TestMemory_DeepCopy(t *testing.T) {
	m := persistence.NewMemory()
	ctx := context.Background()

	snap := map[string][]byte{"k": []byte("v")}
	require.NoError(t, m.Save(ctx, snap))
	snap["k"][0] = 'x'

	got, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v", string(got["k"]))
}

func TestFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snapshot.json")
	assertRoundTrip(t, persistence.NewFile(path))

	// 不留下暫存檔
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "snapshot.json", entries[0].Name())
}

func TestFile_NonUTF8Keys(t *testing.T) {
	f := persistence.NewFile(filepath.Join(t.TempDir(), "snapshot.json"))
	ctx := context.Background()

	snap := map[string][]byte{"\xff\xfe": []byte("v"), "ok": []byte("w")}
	require.NoError(t, f.Save(ctx, snap))

	got, err := f.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
	assert.Len(t, []byte(keyOf(t, got, "v")), 2)

	// 不同的非法 UTF-8 key 不會合併成同一個
	snap = map[string][]byte{"\xff": []byte("1"), "\xfe": []byte("2")}
	require.NoError(t, f.Save(ctx, snap))
	got, err = f.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestFile_UnsupportedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"entries":[]}`), 0o600))

	_, err := persistence.NewFile(path).Load(context.Background())
	assert.ErrorContains(t, err, "unsupported version 99")
}

// keyOf 找出值為 value 的 key
func keyOf(t *testing.T, snap map[string][]byte, value string) string {
	t.Helper()
	for k, v := range snap {
		if string(v) == value {
			return k
		}
	}
	t.Fatalf("no key with value %q", value)
	return ""
}

func TestFile_CorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := persistence.NewFile(path).Load(context.Background())
	assert.Error(t, err)
}

func TestFile_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := persistence.NewFile(filepath.Join(t.TempDir(), "s.json"))
	assert.ErrorIs(t, f.Save(ctx, nil), context.Canceled)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default().Persistence

	cfg.Backend = config.BackendNone
	gw, err := persistence.Open(ctx, cfg, testutils.TestLogger())
	require.NoError(t, err)
	assert.Nil(t, gw)

	cfg.Backend = config.BackendMemory
	gw, err = persistence.Open(ctx, cfg, testutils.TestLogger())
	require.NoError(t, err)
	assert.IsType(t, &persistence.Memory{}, gw)

	cfg.Backend = config.BackendFile
	cfg.File.Path = filepath.Join(t.TempDir(), "s.json")
	gw, err = persistence.Open(ctx, cfg, testutils.TestLogger())
	require.NoError(t, err)
	assert.IsType(t, &persistence.File{}, gw)

	cfg.Backend = "s3"
	_, err = persistence.Open(ctx, cfg, testutils.TestLogger())
	assert.Error(t, err)
}

// TestStore_ReloadThroughFile 透過真實後端驗證重啟後資料恢復且永不過期
func TestStore_ReloadThroughFile(t *testing.T) {
	gw := persistence.NewFile(filepath.Join(t.TempDir(), "snapshot.json"))
	cfg := cache.Config{
		MaxCapacity:   10,
		Policy:        cache.PolicyLRU,
		Expiry:        cache.ExpiryAbsolute,
		SweepInterval: -1,
	}

	s, err := cache.New(cfg, gw, testutils.TestLogger())
	require.NoError(t, err)
	require.NoError(t, s.Set("user:1", []byte("alice"), time.Hour))
	require.NoError(t, s.Set("user:2", []byte("bob"), 0))
	require.NoError(t, s.Flush(context.Background()))
	s.Shutdown()

	reloaded, err := cache.New(cfg, gw, testutils.TestLogger())
	require.NoError(t, err)
	t.Cleanup(reloaded.Shutdown)

	assert.Equal(t, []string{"user:1", "user:2"}, reloaded.ListKeys())
	ttl, ok := reloaded.TTL("user:1")
	require.True(t, ok)
	assert.Equal(t, cache.NoExpiry, ttl)
}
