package cache

import (
	"context"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/mini-redis/pkg/logger"
	"github.com/stretchr/testify/require"
)

// fakeClock 可手動推進的時鐘
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBackendDown = errors.New("backend down")

// fakeGateway 記錄所有 Save 呼叫的記憶體 gateway
type fakeGateway struct {
	mu      sync.Mutex
	saved   map[string][]byte
	saves   int
	saveErr error
	loadErr error
	block   chan struct{} // 非 nil 時 Save 會等到 channel 關閉
}

func (g *fakeGateway) Save(ctx context.Context, snapshot map[string][]byte) error {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.saves++
	if g.saveErr != nil {
		return g.saveErr
	}
	g.saved = maps.Clone(snapshot)
	return nil
}

func (g *fakeGateway) Load(ctx context.Context) (map[string][]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loadErr != nil {
		return nil, g.loadErr
	}
	if g.saved == nil {
		return map[string][]byte{}, nil
	}
	return maps.Clone(g.saved), nil
}

func (g *fakeGateway) snapshot() (map[string][]byte, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return maps.Clone(g.saved), g.saves
}

func testConfig(policy PolicyType, capacity int) Config {
	return Config{
		MaxCapacity:   capacity,
		Policy:        policy,
		Expiry:        ExpiryAbsolute,
		SweepInterval: -1,
	}
}

// newTestStore 建立 Store 並在測試結束時關閉
func newTestStore(t *testing.T, cfg Config, gw Gateway, opts ...Option) *Store {
	t.Helper()

	s, err := New(cfg, gw, logger.Discard(), opts...)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func mustSet(t *testing.T, s *Store, key, value string, ttl time.Duration) {
	t.Helper()
	require.NoError(t, s.Set(key, []byte(value), ttl))
}

func requireConsistent(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.checkConsistency())
}
