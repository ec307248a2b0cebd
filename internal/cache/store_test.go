package cache

import (
	"cmp"
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	apperrors "github.com/koopa0/mini-redis/pkg/errors"
	"github.com/koopa0/mini-redis/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero capacity", cfg: Config{MaxCapacity: 0, Policy: PolicyLRU, Expiry: ExpiryAbsolute}},
		{name: "missing expiry", cfg: Config{MaxCapacity: 1, Policy: PolicyLRU}},
		{name: "unknown policy", cfg: Config{MaxCapacity: 1, Policy: "MRU", Expiry: ExpiryAbsolute}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg, nil, logger.Discard())
			assert.Nil(t, s)
			assert.True(t, apperrors.IsInvalidArgument(err), "got %v", err)
		})
	}
}

func TestStore_LRUScenario(t *testing.T) {
	s := newTestStore(t, testConfig(PolicyLRU, 3), nil)

	mustSet(t, s, "A", "1", 0)
	mustSet(t, s, "B", "2", 0)
	mustSet(t, s, "C", "3", 0)
	_, ok := s.Get("A")
	require.True(t, ok)
	mustSet(t, s, "D", "4", 0)

	assert.Equal(t, []string{"A", "C", "D"}, s.ListKeys())
	assert.Equal(t, uint64(1), s.Stats().Evictions)
	requireConsistent(t, s)
}

func TestStore_LFUScenario(t *testing.T) {
	s := newTestStore(t, testConfig(PolicyLFU, 3), nil)

	mustSet(t, s, "A", "1", 0)
	mustSet(t, s, "B", "2", 0)
	mustSet(t, s, "C", "3", 0)
	s.Get("A")
	s.Get("A")
	s.Get("B")
	mustSet(t, s, "D", "4", 0)

	assert.Equal(t, []string{"A", "B", "D"}, s.ListKeys())
	_, ok := s.Get("C")
	assert.False(t, ok)
	requireConsistent(t, s)
}

func TestStore_TTLRealTime(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time TTL test")
	}
	cfg := testConfig(PolicyLRU, 10)
	cfg.SweepInterval = 0 // 使用預設值
	s := newTestStore(t, cfg, nil)

	mustSet(t, s, "K", "v", 500*time.Millisecond)

	v, ok := s.Get("K")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	time.Sleep(600 * time.Millisecond)

	_, ok = s.Get("K")
	assert.False(t, ok)
	assert.NotContains(t, s.ListKeys(), "K")
	requireConsistent(t, s)
}

func TestStore_LazyExpiryCountsMiss(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, testConfig(PolicyLFU, 10), nil, WithClock(clock))

	mustSet(t, s, "k", "v", time.Second)
	clock.Advance(time.Second)

	_, ok := s.Get("k")
	assert.False(t, ok)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Expirations)
	assert.Zero(t, st.CurrentSize)
	requireConsistent(t, s)
}

func TestStore_SlidingExpiry(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(PolicyLRU, 10)
	cfg.Expiry = ExpirySliding
	s := newTestStore(t, cfg, nil, WithClock(clock))

	mustSet(t, s, "k", "v", time.Second)
	for range 5 {
		clock.Advance(900 * time.Millisecond)
		_, ok := s.Get("k")
		require.True(t, ok, "each hit extends the lifetime")
	}

	remaining, ok := s.TTL("k")
	require.True(t, ok)
	assert.Equal(t, time.Second, remaining)

	clock.Advance(time.Second)
	_, ok = s.Get("k")
	assert.False(t, ok)
	assert.Equal(t, ExpirySliding, s.Stats().ExpiryMode)
}

func TestStore_SweepDoesNotCountMisses(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, testConfig(PolicyLRU, 10), nil, WithClock(clock))

	mustSet(t, s, "short", "1", time.Second)
	mustSet(t, s, "long", "2", time.Hour)
	mustSet(t, s, "forever", "3", 0)
	clock.Advance(2 * time.Second)

	// 過期但未清掃的項目不出現在 ListKeys
	assert.Equal(t, []string{"forever", "long"}, s.ListKeys())

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 0, s.Sweep())

	st := s.Stats()
	assert.Zero(t, st.Misses)
	assert.Equal(t, uint64(1), st.Expirations)
	assert.Equal(t, 2, st.CurrentSize)
	requireConsistent(t, s)
}

func TestStore_BackgroundSweep(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(PolicyLFU, 10)
	cfg.SweepInterval = 10 * time.Millisecond
	s := newTestStore(t, cfg, nil, WithClock(clock))

	mustSet(t, s, "k", "v", time.Second)
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		return s.Stats().CurrentSize == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, s.Stats().Misses)
}

func TestStore_SetValidation(t *testing.T) {
	s := newTestStore(t, testConfig(PolicyLRU, 2), nil)
	mustSet(t, s, "a", "1", 0)
	before := s.Stats()

	err := s.Set("", []byte("x"), 0)
	assert.True(t, apperrors.IsInvalidArgument(err))

	err = s.Set("b", []byte("x"), -time.Millisecond)
	assert.True(t, apperrors.IsInvalidArgument(err))

	assert.Equal(t, before, s.Stats())
	assert.Equal(t, []string{"a"}, s.ListKeys())
}

func TestStore_UpdateDoesNotEvict(t *testing.T) {
	s := newTestStore(t, testConfig(PolicyLRU, 2), nil)
	mustSet(t, s, "a", "1", 0)
	mustSet(t, s, "b", "2", 0)
	mustSet(t, s, "a", "updated", 0)

	st := s.Stats()
	assert.Zero(t, st.Evictions)
	assert.Equal(t, 2, st.CurrentSize)

	// 更新視為存取，a 變成最近使用
	mustSet(t, s, "c", "3", 0)
	assert.Equal(t, []string{"a", "c"}, s.ListKeys())

	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "updated", string(v))
}

func TestStore_DeleteIdempotent(t *testing.T) {
	gw := &fakeGateway{}
	s := newTestStore(t, testConfig(PolicyLFU, 2), gw)
	mustSet(t, s, "a", "1", 0)
	require.Eventually(t, func() bool {
		_, saves := gw.snapshot()
		return saves == 1
	}, time.Second, 5*time.Millisecond)

	before := s.Stats()
	s.Delete("missing")
	s.Delete("missing")
	assert.Equal(t, before, s.Stats())

	// 刪除不存在的 key 不會觸發保存
	time.Sleep(50 * time.Millisecond)
	_, saves := gw.snapshot()
	assert.Equal(t, 1, saves)

	s.Delete("a")
	s.Delete("a")
	assert.Empty(t, s.ListKeys())
	requireConsistent(t, s)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := newTestStore(t, testConfig(PolicyLRU, 2), nil)

	in := []byte("hello")
	require.NoError(t, s.Set("k", in, 0))
	in[0] = 'j'

	out, _ := s.Get("k")
	out[1] = 'a'

	again, _ := s.Get("k")
	assert.Equal(t, "hello", string(again))
}

func TestStore_StatsCounters(t *testing.T) {
	s := newTestStore(t, testConfig(PolicyLRU, 1), nil)
	mustSet(t, s, "a", "1", 0)
	s.Get("a")
	s.Get("a")
	s.Get("zzz")
	mustSet(t, s, "b", "2", 0)

	st := s.Stats()
	assert.Equal(t, Stats{
		MaxCapacity: 1,
		CurrentSize: 1,
		Hits:        2,
		Misses:      1,
		Evictions:   1,
		PolicyName:  "LRU",
		ExpiryMode:  ExpiryAbsolute,
	}, st)
	assert.InDelta(t, 2.0/3.0, st.HitRate(), 0.0001)
}

func TestStore_TTL(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, testConfig(PolicyLRU, 5), nil, WithClock(clock))
	mustSet(t, s, "forever", "v", 0)
	mustSet(t, s, "short", "v", 10*time.Second)
	clock.Advance(3 * time.Second)

	d, ok := s.TTL("forever")
	require.True(t, ok)
	assert.Equal(t, NoExpiry, d)

	d, ok = s.TTL("short")
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, d)

	_, ok = s.TTL("missing")
	assert.False(t, ok)

	// TTL 不計入命中
	assert.Zero(t, s.Stats().Hits)
}

func TestStore_PersistenceRoundTrip(t *testing.T) {
	gw := &fakeGateway{}
	s := newTestStore(t, testConfig(PolicyLRU, 10), gw)

	mustSet(t, s, "a", "1", 0)
	mustSet(t, s, "b", "2", time.Hour)
	s.Delete("a")

	want := map[string][]byte{"b": []byte("2")}
	require.Eventually(t, func() bool {
		saved, _ := gw.snapshot()
		return assert.ObjectsAreEqual(want, saved)
	}, 2*time.Second, 5*time.Millisecond)

	s.Shutdown()

	// 重新載入的資料 ttl = 0，永不過期
	clock := newFakeClock()
	reloaded := newTestStore(t, testConfig(PolicyLFU, 10), gw, WithClock(clock))
	clock.Advance(1000 * time.Hour)

	v, ok := reloaded.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2", string(v))

	d, _ := reloaded.TTL("b")
	assert.Equal(t, NoExpiry, d)
	requireConsistent(t, reloaded)
}

func TestStore_LoadRespectsCapacity(t *testing.T) {
	gw := &fakeGateway{saved: map[string][]byte{}}
	for i := range 10 {
		gw.saved[fmt.Sprintf("k%d", i)] = []byte("v")
	}

	s := newTestStore(t, testConfig(PolicyLRU, 4), gw)
	assert.Equal(t, 4, s.Stats().CurrentSize)
	requireConsistent(t, s)
}

func TestStore_PersistenceFailureSwallowed(t *testing.T) {
	gw := &fakeGateway{saveErr: errBackendDown, loadErr: errBackendDown}
	s := newTestStore(t, testConfig(PolicyLRU, 10), gw)

	require.NoError(t, s.Set("a", []byte("1"), 0))
	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", string(v))

	require.Eventually(t, func() bool {
		return s.Stats().PersistFailures >= 2 // load + 至少一次 save
	}, 2*time.Second, 5*time.Millisecond)

	err := s.Flush(context.Background())
	assert.True(t, apperrors.IsPersistenceFailure(err))
	assert.ErrorIs(t, err, errBackendDown)
}

func TestStore_PushesCoalesce(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	s := newTestStore(t, testConfig(PolicyLRU, 1000), gw)

	// 第一次 Save 被卡住時，後續的推送只會合併成一次
	for i := range 100 {
		mustSet(t, s, fmt.Sprintf("k%d", i), "v", 0)
	}
	close(gw.block)

	require.Eventually(t, func() bool {
		saved, _ := gw.snapshot()
		return len(saved) == 100
	}, 2*time.Second, 5*time.Millisecond)

	_, saves := gw.snapshot()
	assert.LessOrEqual(t, saves, 3)
}

func TestStore_FlushWithoutGateway(t *testing.T) {
	s := newTestStore(t, testConfig(PolicyLRU, 1), nil)
	assert.NoError(t, s.Flush(context.Background()))
}

func TestStore_FlushOnShutdown(t *testing.T) {
	gw := &fakeGateway{}
	cfg := testConfig(PolicyLRU, 10)
	cfg.FlushOnShutdown = true
	s := newTestStore(t, cfg, gw)

	mustSet(t, s, "a", "1", 0)
	s.Shutdown()
	s.Shutdown()

	saved, _ := gw.snapshot()
	assert.Equal(t, map[string][]byte{"a": []byte("1")}, saved)
}

func TestStore_Listener(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var got []Event
	listener := func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}
	s := newTestStore(t, testConfig(PolicyLRU, 1), nil, WithClock(clock), WithListener(listener))

	mustSet(t, s, "a", "1", time.Second)
	mustSet(t, s, "b", "2", time.Second)
	s.Delete("b")
	mustSet(t, s, "c", "3", time.Second)
	clock.Advance(time.Second)
	s.Sweep()

	mu.Lock()
	defer mu.Unlock()
	types := make([]string, 0, len(got))
	for _, ev := range got {
		types = append(types, string(ev.Type)+":"+ev.Key)
	}
	assert.Equal(t, []string{"set:a", "evict:a", "set:b", "delete:b", "set:c", "expire:c"}, types)

	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq, "event %d", i)
	}
}

// TestStore_ListenerSeqConcurrent 依 Seq 排序後的事件重播結果與最終狀態一致
func TestStore_ListenerSeqConcurrent(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	listener := func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}
	s := newTestStore(t, testConfig(PolicyLRU, 100), nil, WithListener(listener))

	const workers = 8
	const ops = 500
	keys := []string{"k1", "k2", "k3"}

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(seed, seed))
			for range ops {
				k := keys[r.IntN(len(keys))]
				if r.IntN(2) == 0 {
					assert.NoError(t, s.Set(k, []byte("v"), 0))
				} else {
					s.Delete(k)
				}
			}
		}(uint64(w))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	slices.SortFunc(got, func(a, b Event) int { return cmp.Compare(a.Seq, b.Seq) })
	present := make(map[string]bool)
	for i, ev := range got {
		require.Equal(t, uint64(i+1), ev.Seq, "sequence numbers are unique and gap-free")
		switch ev.Type {
		case EventSet:
			present[ev.Key] = true
		case EventDelete:
			require.True(t, present[ev.Key], "delete %s at seq %d without a prior set", ev.Key, ev.Seq)
			present[ev.Key] = false
		}
	}

	for _, k := range keys {
		_, ok := s.Get(k)
		assert.Equal(t, present[k], ok, k)
	}
}

func TestStore_ConcurrentInvariants(t *testing.T) {
	for _, pt := range []PolicyType{PolicyLRU, PolicyLFU} {
		t.Run(string(pt), func(t *testing.T) {
			cfg := testConfig(pt, 16)
			cfg.SweepInterval = time.Millisecond
			s := newTestStore(t, cfg, &fakeGateway{})

			const workers = 16
			const ops = 2000

			var wg sync.WaitGroup
			for w := range workers {
				wg.Add(1)
				go func(seed uint64) {
					defer wg.Done()
					r := rand.New(rand.NewPCG(seed, seed*7+1))
					for range ops {
						key := fmt.Sprintf("k%d", r.IntN(48))
						switch r.IntN(4) {
						case 0, 1:
							ttl := time.Duration(r.IntN(3)) * time.Millisecond
							assert.NoError(t, s.Set(key, []byte(key), ttl))
						case 2:
							s.Get(key)
						default:
							s.Delete(key)
						}
					}
				}(uint64(w))
			}

			// 執行期間也持續檢查
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			for {
				select {
				case <-done:
					requireConsistent(t, s)
					st := s.Stats()
					assert.LessOrEqual(t, st.CurrentSize, st.MaxCapacity)
					return
				default:
					requireConsistent(t, s)
					time.Sleep(time.Millisecond)
				}
			}
		})
	}
}

func TestStore_RandomOpsKeepCapacity(t *testing.T) {
	clock := newFakeClock()
	for _, pt := range []PolicyType{PolicyLRU, PolicyLFU} {
		s := newTestStore(t, testConfig(pt, 5), nil, WithClock(clock))
		r := rand.New(rand.NewPCG(42, 99))
		for range 5000 {
			key := fmt.Sprintf("k%d", r.IntN(20))
			switch r.IntN(5) {
			case 0, 1:
				require.NoError(t, s.Set(key, []byte("v"), time.Duration(r.IntN(3))*time.Second))
			case 2:
				s.Get(key)
			case 3:
				s.Delete(key)
			default:
				clock.Advance(500 * time.Millisecond)
				s.Sweep()
			}
			require.LessOrEqual(t, s.Stats().CurrentSize, 5)
			requireConsistent(t, s)
		}
	}
}
