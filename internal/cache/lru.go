package cache

// LRU 實作 Least Recently Used 淘汰策略。
//
// 演算法原理：
//
//	最久沒有被使用的 key 最先被淘汰
//
// 資料結構：
//   - stamps: key -> 最新的序號（單調遞增）
//   - queue:  依序號遞增排列的 (key, 序號) 佇列
//
// 每次新增或存取時，給 key 一個新序號並附加到佇列尾端。
// 舊的佇列項目不立即刪除，而是在淘汰時以「序號是否仍為最新」判斷是否有效
// （延遲失效）。無效項目累積過多時整理一次佇列。
//
// 時間複雜度：
//   - KeyAdded / KeyAccessed / KeyRemoved: O(1)
//   - EvictKey: O(1) 攤銷
//
// 不使用雙向鏈表，所以沒有指標維護的負擔。
type LRU struct {
	seq    uint64
	stamps map[string]uint64
	queue  []lruStamp
	head   int // queue[:head] 已被淘汰流程消耗
}

type lruStamp struct {
	key string
	seq uint64
}

// lruCompactSlack 佇列允許的額外無效項目數
const lruCompactSlack = 32

// NewLRU 建立新的 LRU 策略
func NewLRU() *LRU {
	return &LRU{
		stamps: make(map[string]uint64),
	}
}

// Name 策略名稱
func (l *LRU) Name() string { return string(PolicyLRU) }

// KeyAdded 將 key 放到最近使用的位置
func (l *LRU) KeyAdded(key string) {
	l.stamp(key)
}

// KeyAccessed 將已追蹤的 key 移到最近使用的位置
func (l *LRU) KeyAccessed(key string) {
	if _, ok := l.stamps[key]; !ok {
		return
	}
	l.stamp(key)
}

// KeyRemoved 移除 key
func (l *LRU) KeyRemoved(key string) {
	if _, ok := l.stamps[key]; !ok {
		return
	}
	delete(l.stamps, key)
	l.maybeCompact()
}

// EvictKey 移除並回傳最久未使用的 key
func (l *LRU) EvictKey() (string, bool) {
	for l.head < len(l.queue) {
		s := l.queue[l.head]
		l.queue[l.head] = lruStamp{}
		l.head++

		// 序號不是最新的表示這個項目已經失效
		if cur, ok := l.stamps[s.key]; ok && cur == s.seq {
			delete(l.stamps, s.key)
			l.maybeCompact()
			return s.key, true
		}
	}

	// 佇列已清空
	l.queue = l.queue[:0]
	l.head = 0
	return "", false
}

// Len 目前追蹤的 key 數量
func (l *LRU) Len() int {
	return len(l.stamps)
}

func (l *LRU) stamp(key string) {
	l.seq++
	l.stamps[key] = l.seq
	l.queue = append(l.queue, lruStamp{key: key, seq: l.seq})
	l.maybeCompact()
}

// maybeCompact 當佇列長度超過有效項目的兩倍時，重建佇列。
// 重建保留原本的順序，所以淘汰順序不受影響。
func (l *LRU) maybeCompact() {
	if len(l.queue) <= 2*len(l.stamps)+lruCompactSlack {
		return
	}

	live := make([]lruStamp, 0, len(l.stamps))
	for _, s := range l.queue[l.head:] {
		if cur, ok := l.stamps[s.key]; ok && cur == s.seq {
			live = append(live, s)
		}
	}
	l.queue = live
	l.head = 0
}

func (l *LRU) trackedKeys() []string {
	keys := make([]string, 0, len(l.stamps))
	for k := range l.stamps {
		keys = append(keys, k)
	}
	return keys
}
