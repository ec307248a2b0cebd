// Package cache 實作容量受限的行程內 KV 快取。
//
// Store 持有 key -> Entry 的對應表，透過 EvictionPolicy（LRU / LFU）決定淘汰順序，
// 依設定的過期模式處理 TTL（讀取時延遲檢查 + 週期性清掃），並在背景非同步地
// 將快照推送到 Gateway。
//
// 並發模型：
//
//	一把 sync.Mutex 同時保護 entries、策略索引與計數器。
//	Get 也會改變淘汰順序，所以同樣是寫入操作。
//	鎖內不做任何 I/O；持久化由單一背景 worker 執行。
package cache

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/koopa0/mini-redis/pkg/errors"
)

const (
	// DefaultSweepInterval 預設清掃間隔
	DefaultSweepInterval = time.Second
	// DefaultSaveTimeout 單次 Save / Load 的預設逾時
	DefaultSaveTimeout = 5 * time.Second
)

// Config Store 的建構設定
type Config struct {
	MaxCapacity int
	Policy      PolicyType
	Expiry      ExpiryMode

	// SweepInterval 為 0 時使用 DefaultSweepInterval，負數停用清掃
	SweepInterval time.Duration

	// SaveTimeout 為 0 時使用 DefaultSaveTimeout
	SaveTimeout time.Duration

	// FlushOnShutdown 關閉時是否做最後一次同步保存
	FlushOnShutdown bool
}

// Option Store 的可選設定
type Option func(*Store)

// WithClock 替換時間來源
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithListener 註冊事件監聽器
func WithListener(l Listener) Option {
	return func(s *Store) { s.listener = l }
}

// Store 快取主體
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	policy  EvictionPolicy

	// 以下計數器受 mu 保護
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
	seq         uint64 // 最後分配的事件序號

	// 由持久化 worker 更新，不經過 mu
	persistSaves    atomic.Uint64
	persistFailures atomic.Uint64

	maxCapacity     int
	expiry          ExpiryMode
	sweepInterval   time.Duration
	saveTimeout     time.Duration
	flushOnShutdown bool

	gateway  Gateway
	clock    Clock
	listener Listener
	logger   *slog.Logger

	dirty  chan struct{} // 單槽訊號，多次推送會合併
	saveMu sync.Mutex    // 串行化 worker 與 Flush 的 Save

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New 建立 Store。
//
// gateway 可為 nil，表示不做持久化。若有 gateway，建構時會呼叫一次 Load，
// 所有載入的資料以 ttl = 0 插入；Load 失敗只記錄日誌，不影響建構。
func New(cfg Config, gateway Gateway, logger *slog.Logger, opts ...Option) (*Store, error) {
	if cfg.MaxCapacity <= 0 {
		return nil, apperrors.ErrInvalidArgument.WithDetails(fmt.Sprintf("max capacity must be positive, got %d", cfg.MaxCapacity))
	}
	expiry, err := ParseExpiryMode(string(cfg.Expiry))
	if err != nil {
		return nil, err
	}
	policy, err := NewPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		entries:         make(map[string]*Entry, cfg.MaxCapacity),
		policy:          policy,
		maxCapacity:     cfg.MaxCapacity,
		expiry:          expiry,
		sweepInterval:   cfg.SweepInterval,
		saveTimeout:     cfg.SaveTimeout,
		flushOnShutdown: cfg.FlushOnShutdown,
		gateway:         gateway,
		clock:           realClock{},
		logger:          logger,
	}
	if s.sweepInterval == 0 {
		s.sweepInterval = DefaultSweepInterval
	}
	if s.saveTimeout <= 0 {
		s.saveTimeout = DefaultSaveTimeout
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.gateway != nil {
		s.load()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(ctx)
	}
	if s.gateway != nil {
		s.dirty = make(chan struct{}, 1)
		s.wg.Add(1)
		go s.persistLoop(ctx)
	}

	s.logger.Info("cache store started",
		"max_capacity", s.maxCapacity,
		"policy", s.policy.Name(),
		"expiry", s.expiry,
		"sweep_interval", s.sweepInterval,
		"persistence", s.gateway != nil,
	)
	return s, nil
}

// load 從 gateway 載入快照
func (s *Store) load() {
	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()

	snapshot, err := s.gateway.Load(ctx)
	if err != nil {
		s.persistFailures.Add(1)
		s.logger.Warn("failed to load snapshot, starting empty",
			"error", apperrors.Wrap(err, apperrors.ErrCodePersistenceFailure, "load snapshot"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for key, value := range snapshot {
		if key == "" {
			continue
		}
		s.setLocked(key, value, 0, now)
	}
	s.logger.Info("snapshot loaded", "keys", len(snapshot), "size", len(s.entries))
}

// Set 寫入 key。
//
// key 為空或 ttl < 0 時回傳 INVALID_ARGUMENT，且不改變任何狀態。
// 覆寫已存在的 key 視為一次存取，不會觸發容量淘汰。
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return apperrors.ErrInvalidArgument.WithDetails("key must not be empty")
	}
	if ttl < 0 {
		return apperrors.ErrInvalidArgument.WithDetails(fmt.Sprintf("ttl must be >= 0, got %s", ttl))
	}

	// 呼叫端之後可能修改 value
	value = bytes.Clone(value)
	if value == nil {
		value = []byte{}
	}

	s.mu.Lock()
	events := s.setLocked(key, value, ttl, s.clock.Now())
	s.mu.Unlock()

	s.schedulePersist()
	s.emit(events...)
	return nil
}

// setLocked 必須持有 mu
func (s *Store) setLocked(key string, value []byte, ttl time.Duration, now time.Time) []Event {
	if _, ok := s.entries[key]; ok {
		s.entries[key] = newEntry(value, ttl, now)
		s.policy.KeyAccessed(key)
		return []Event{s.eventLocked(EventSet, key, now)}
	}

	var events []Event
	if len(s.entries) >= s.maxCapacity {
		// EvictKey 已經移除策略中的狀態，不需要再呼叫 KeyRemoved
		if victim, ok := s.policy.EvictKey(); ok {
			delete(s.entries, victim)
			s.evictions++
			events = append(events, s.eventLocked(EventEvict, victim, now))
		}
	}

	s.entries[key] = newEntry(value, ttl, now)
	s.policy.KeyAdded(key)
	return append(events, s.eventLocked(EventSet, key, now))
}

// Get 讀取 key。
//
// 過期的項目會在這裡被移除並計為 miss。回傳的 []byte 是副本。
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		s.mu.Unlock()
		return nil, false
	}

	now := s.clock.Now()
	if e.expired(s.expiry, now) {
		s.removeLocked(key)
		s.misses++
		s.expirations++
		ev := s.eventLocked(EventExpire, key, now)
		s.mu.Unlock()

		s.schedulePersist()
		s.emit(ev)
		return nil, false
	}

	s.policy.KeyAccessed(key)
	e.touch(now)
	s.hits++
	value := e.value
	s.mu.Unlock()

	// value 建立後不會再被修改，可以在鎖外複製
	return bytes.Clone(value), true
}

// Delete 刪除 key；key 不存在時什麼都不做
func (s *Store) Delete(key string) {
	s.mu.Lock()
	if _, ok := s.entries[key]; !ok {
		s.mu.Unlock()
		return
	}
	s.removeLocked(key)
	ev := s.eventLocked(EventDelete, key, s.clock.Now())
	s.mu.Unlock()

	s.schedulePersist()
	s.emit(ev)
}

// removeLocked 同時從 entries 與策略移除，必須持有 mu
func (s *Store) removeLocked(key string) {
	delete(s.entries, key)
	s.policy.KeyRemoved(key)
}

// ListKeys 回傳目前未過期的 key（已排序）
func (s *Store) ListKeys() []string {
	s.mu.Lock()
	now := s.clock.Now()
	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if !e.expired(s.expiry, now) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	slices.Sort(keys)
	return keys
}

// TTL 回傳 key 剩餘的存活時間。
//
// 沒有設定 TTL 時回傳 NoExpiry。這是唯讀操作，不計入命中，也不更新存取順序。
func (s *Store) TTL(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return 0, false
	}
	now := s.clock.Now()
	if e.expired(s.expiry, now) {
		return 0, false
	}
	return e.Remaining(s.expiry, now), true
}

// Stats 回傳統計快照
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		MaxCapacity:     s.maxCapacity,
		CurrentSize:     len(s.entries),
		Hits:            s.hits,
		Misses:          s.misses,
		Evictions:       s.evictions,
		Expirations:     s.expirations,
		PolicyName:      s.policy.Name(),
		ExpiryMode:      s.expiry,
		PersistSaves:    s.persistSaves.Load(),
		PersistFailures: s.persistFailures.Load(),
	}
}

// Sweep 移除所有過期項目，回傳移除數量。
//
// 與 Delete 走同樣的移除路徑，但不計入 misses。
func (s *Store) Sweep() int {
	s.mu.Lock()
	now := s.clock.Now()
	var events []Event
	for key, e := range s.entries {
		if e.expired(s.expiry, now) {
			s.removeLocked(key)
			s.expirations++
			events = append(events, s.eventLocked(EventExpire, key, now))
		}
	}
	s.mu.Unlock()

	if len(events) > 0 {
		s.schedulePersist()
		s.emit(events...)
	}
	return len(events)
}

// Flush 同步保存目前的快照。
//
// 這是唯一會把持久化錯誤回傳給呼叫端的路徑。沒有設定 gateway 時直接回傳 nil。
func (s *Store) Flush(ctx context.Context) error {
	if s.gateway == nil {
		return nil
	}
	if err := s.save(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePersistenceFailure, "flush snapshot")
	}
	return nil
}

// Shutdown 停止背景清掃與持久化 worker，可重複呼叫。
//
// 佇列中尚未執行的推送會被丟棄；FlushOnShutdown 開啟時會做最後一次同步保存。
func (s *Store) Shutdown() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		if s.flushOnShutdown && s.gateway != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
			defer cancel()
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("final flush failed", "error", err)
			}
		}

		s.logger.Info("cache store stopped")
	})
}

// snapshot 複製目前所有未過期的 key/value
func (s *Store) snapshot() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	snap := make(map[string][]byte, len(s.entries))
	for k, e := range s.entries {
		if !e.expired(s.expiry, now) {
			snap[k] = e.value
		}
	}
	return snap
}

// eventLocked 分配下一個序號，必須持有 mu
func (s *Store) eventLocked(t EventType, key string, now time.Time) Event {
	s.seq++
	return Event{Seq: s.seq, Type: t, Key: key, At: now}
}

func (s *Store) emit(events ...Event) {
	if s.listener == nil {
		return
	}
	for _, ev := range events {
		s.listener(ev)
	}
}

// checkConsistency 檢查 entries 與策略索引的 key 集合是否一致
func (s *Store) checkConsistency() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) > s.maxCapacity {
		return fmt.Errorf("size %d exceeds capacity %d", len(s.entries), s.maxCapacity)
	}

	tracked := s.policy.trackedKeys()
	if len(tracked) != len(s.entries) {
		return fmt.Errorf("policy tracks %d keys, entries has %d", len(tracked), len(s.entries))
	}
	for _, k := range tracked {
		if _, ok := s.entries[k]; !ok {
			return fmt.Errorf("policy tracks %q which is not in entries", k)
		}
	}
	return nil
}
