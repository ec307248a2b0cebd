package cache

import (
	"context"
	"time"
)

// Gateway 是快取內容的持久化介面。
//
// Save 為覆寫語意：新的快照完整取代先前保存的狀態。
// Load 回傳最後一次保存的快照；尚未保存過時回傳空 map。
//
// 實作位於 internal/persistence。
type Gateway interface {
	Save(ctx context.Context, snapshot map[string][]byte) error
	Load(ctx context.Context) (map[string][]byte, error)
}

// Clock 時間來源，測試時可替換
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// EventType 快取事件類型
type EventType string

const (
	EventSet    EventType = "set"
	EventDelete EventType = "delete"
	EventEvict  EventType = "evict"
	EventExpire EventType = "expire"
)

// Event 描述一次改變 key 集合或內容的操作。
//
// Seq 在持有鎖時分配，依狀態變更的順序嚴格遞增。
type Event struct {
	Seq  uint64    `json:"seq"`
	Type EventType `json:"type"`
	Key  string    `json:"key"`
	At   time.Time `json:"at"`
}

// Listener 在 Store 釋放鎖之後被呼叫，不可阻塞太久。
//
// 不同 goroutine 的操作可能同時呼叫 Listener，抵達順序不一定等於變更順序，
// 需要順序時以 Event.Seq 為準。同一次操作產生的多個事件依序送出。
type Listener func(Event)

// Stats 快取統計的唯讀快照
type Stats struct {
	MaxCapacity     int        `json:"maxCapacity"`
	CurrentSize     int        `json:"currentSize"`
	Hits            uint64     `json:"hits"`
	Misses          uint64     `json:"misses"`
	Evictions       uint64     `json:"evictions"`
	Expirations     uint64     `json:"expirations"`
	PolicyName      string     `json:"policyName"`
	ExpiryMode      ExpiryMode `json:"expiryMode"`
	PersistSaves    uint64     `json:"persistSaves"`
	PersistFailures uint64     `json:"persistFailures"`
}

// HitRate 命中率，沒有任何讀取時為 0
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
