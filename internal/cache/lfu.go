package cache

import "container/list"

// LFU 實作 Least Frequently Used 淘汰策略。
//
// 演算法原理：
//
//	存取頻率最低的 key 最先被淘汰
//	頻率相同時，最早進入該頻率桶的先被淘汰（桶內 FIFO）
//
// 資料結構：
//   - freq:    key -> 存取頻率（新增時為 1，每次存取 +1）
//   - elems:   key -> 在頻率桶中的位置
//   - buckets: 頻率 -> 依進入順序排列的 key 鏈表
//   - minFreq: 目前最小頻率，淘汰時直接取這個桶的頭
//
// 範例：
//
//	freq=1: [C]      <- minFreq，C 會最先被淘汰
//	freq=2: [B]
//	freq=3: [A]
//
// 時間複雜度：
//   - KeyAdded / KeyAccessed / EvictKey: O(1)
//   - KeyRemoved: O(1)，若清空了最小頻率桶則需掃描所有桶（桶數通常很少）
type LFU struct {
	freq    map[string]int
	elems   map[string]*list.Element
	buckets map[int]*list.List
	minFreq int
}

// NewLFU 建立新的 LFU 策略
func NewLFU() *LFU {
	return &LFU{
		freq:    make(map[string]int),
		elems:   make(map[string]*list.Element),
		buckets: make(map[int]*list.List),
	}
}

// Name 策略名稱
func (l *LFU) Name() string { return string(PolicyLFU) }

// KeyAdded 新增 key，頻率為 1
func (l *LFU) KeyAdded(key string) {
	if _, ok := l.freq[key]; ok {
		l.KeyRemoved(key)
	}
	l.freq[key] = 1
	l.elems[key] = l.bucket(1).PushBack(key)
	l.minFreq = 1
}

// KeyAccessed 將 key 的頻率 +1，並移到新頻率桶的尾端
func (l *LFU) KeyAccessed(key string) {
	f, ok := l.freq[key]
	if !ok {
		return
	}

	// 從舊頻率桶移除
	old := l.buckets[f]
	old.Remove(l.elems[key])
	if old.Len() == 0 {
		delete(l.buckets, f)
		if f == l.minFreq {
			l.minFreq = f + 1
		}
	}

	// 加入新頻率桶的尾端
	l.freq[key] = f + 1
	l.elems[key] = l.bucket(f + 1).PushBack(key)
}

// KeyRemoved 移除 key 的所有狀態
func (l *LFU) KeyRemoved(key string) {
	f, ok := l.freq[key]
	if !ok {
		return
	}

	b := l.buckets[f]
	b.Remove(l.elems[key])
	delete(l.freq, key)
	delete(l.elems, key)

	if b.Len() == 0 {
		delete(l.buckets, f)
		if f == l.minFreq {
			l.recomputeMinFreq()
		}
	}
}

// EvictKey 移除並回傳最小頻率桶中最早進入的 key
func (l *LFU) EvictKey() (string, bool) {
	b, ok := l.buckets[l.minFreq]
	if !ok || b.Len() == 0 {
		return "", false
	}

	key := b.Remove(b.Front()).(string)
	delete(l.freq, key)
	delete(l.elems, key)

	if b.Len() == 0 {
		delete(l.buckets, l.minFreq)
		l.recomputeMinFreq()
	}
	return key, true
}

// Frequency 回傳 key 目前的頻率，未追蹤時為 0
func (l *LFU) Frequency(key string) int {
	return l.freq[key]
}

// Len 目前追蹤的 key 數量
func (l *LFU) Len() int {
	return len(l.freq)
}

func (l *LFU) bucket(f int) *list.List {
	b, ok := l.buckets[f]
	if !ok {
		b = list.New()
		l.buckets[f] = b
	}
	return b
}

func (l *LFU) recomputeMinFreq() {
	l.minFreq = 0
	for f := range l.buckets {
		if l.minFreq == 0 || f < l.minFreq {
			l.minFreq = f
		}
	}
}

func (l *LFU) trackedKeys() []string {
	keys := make([]string, 0, len(l.freq))
	for k := range l.freq {
		keys = append(keys, k)
	}
	return keys
}
